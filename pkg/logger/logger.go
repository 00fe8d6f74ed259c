package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level, sinks and file rotation.
type Config struct {
	Level      string
	Output     string // console, file or both
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

var (
	mu      sync.RWMutex
	sugared *zap.SugaredLogger
)

// Init builds the process-wide logger. Unknown levels fall back to info.
func Init(cfg Config) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)

	if (output == "file" || output == "both") && cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	if output == "console" || output == "both" || len(cores) == 0 {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stdout), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	mu.Lock()
	sugared = l.Sugar()
	mu.Unlock()
}

// S returns the sugared logger, or a development logger before Init.
func S() *zap.SugaredLogger {
	mu.RLock()
	s := sugared
	mu.RUnlock()
	if s != nil {
		return s
	}
	l, _ := zap.NewDevelopment()
	return l.Sugar()
}

// Replace swaps the process logger; tests use it with zap.NewNop or an observer.
func Replace(l *zap.Logger) {
	mu.Lock()
	sugared = l.Sugar()
	mu.Unlock()
}

// Sync flushes buffered entries.
func Sync() {
	_ = S().Sync()
}
