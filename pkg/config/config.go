package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	DBPath      string `default:"./data/propfirm.db" validate:"required"`
	Store       StoreConfig
	Firm        FirmConfig
	Instruments InstrumentConfig
	Gateway     GatewayConfig
	Ledger      LedgerConfig
	Learning    LearningConfig
	Market      MarketConfig
	Alerts      AlertConfig
	Kafka       KafkaConfig
	Audit       AuditConfig

	OperatorSecret     string `validate:"required,min=16"`
	StrategyConfigPath string
}

type ServerConfig struct {
	Port   string `default:"8080" validate:"required,numeric"`
	APIKey string `validate:"required"`
}

type LogConfig struct {
	Level      string `default:"info"`
	Output     string `default:"console" validate:"oneof=console file both"`
	File       string `default:"./logs/propfirm.log"`
	MaxSize    int    `default:"100"`
	MaxBackups int    `default:"5"`
	MaxAge     int    `default:"30"`
	Compress   bool   `default:"true"`
}

type StoreConfig struct {
	Backend       string `default:"sqlite" validate:"oneof=sqlite badger redis"`
	Owner         string `default:"default" validate:"required"`
	BadgerPath    string `default:"./data/badger"`
	RedisAddr     string `default:"localhost:6379"`
	RedisPassword string
	RedisDB       int
}

// ScalingTier maps a cumulative profit level to the contracts it unlocks.
type ScalingTier struct {
	ProfitLevel  float64 `json:"profit_level"`
	MaxContracts int     `json:"max_contracts"`
}

type FirmConfig struct {
	AccountID           string        `default:"evaluation-1" validate:"required"`
	AccountSize         float64       `default:"50000" validate:"gt=0"`
	MaxTrailingDrawdown float64       `default:"2000" validate:"gt=0"`
	MaxDailyLoss        float64       `default:"1500" validate:"gte=0"`
	MaxContracts        int           `default:"5" validate:"gte=1"`
	RiskPercent         float64       `default:"0.25" validate:"gt=0,lte=1"`
	AutoFlatten         bool          `default:"true"`
	AllowedInstruments  []string      `validate:"min=1,dive,required"`
	ScalingPlan         []ScalingTier `validate:"dive"`
	SessionTZ           string        `default:"America/Chicago"`
	SessionRollHour     int           `default:"17" validate:"gte=0,lte=23"`
}

type InstrumentConfig struct {
	DefaultInstrument string  `default:"ES" validate:"required"`
	DefaultContract   string  `default:"ESH5" validate:"required"`
	DefaultQuantity   int     `default:"1" validate:"gte=1"`
	PointValues       map[string]float64
	TickSizes         map[string]float64
	PriceScales       map[string]float64
	DataSymbols       map[string]string
}

// SubAccount is one routing entry duplicated into every webhook payload.
type SubAccount struct {
	AccountID  string  `validate:"required"`
	Token      string  `validate:"required"`
	Multiplier float64 `validate:"gt=0"`
}

type GatewayConfig struct {
	ExecutionEnabled bool          `default:"true"`
	WebhookURL       string        `validate:"omitempty,url"`
	WebhookToken     string
	Timeout          time.Duration `default:"10s"`
	MinTradeInterval time.Duration `default:"30s"`
	Platform         string        `default:"RITHMIC"`
	SubAccounts      []SubAccount  `validate:"dive"`
	RejectionPhrases []string
}

type LedgerConfig struct {
	TakerFeeRate    float64 `default:"0.0004" validate:"gte=0,lt=1"`
	TrailingPercent float64 `default:"0" validate:"gte=0,lt=1"`
}

type LearningConfig struct {
	LearningRate           float64       `default:"0.1" validate:"gt=0,lte=1"`
	MinTradesForAdjustment int           `default:"5" validate:"gte=1"`
	ValidatorAddr          string
	ValidationMinTrades    int           `default:"20" validate:"gte=1"`
	ValidationInterval     time.Duration `default:"24h"`
}

type MarketConfig struct {
	Source         string        `default:"none" validate:"oneof=binance http none"`
	HTTPURL        string        `validate:"omitempty,url"`
	WSURL          string        `validate:"omitempty,url"`
	BarInterval    time.Duration `default:"5m" validate:"gt=0"`
	WarmupBars     int           `default:"200" validate:"gte=0"`
	CandleCacheTTL time.Duration `default:"6h"`
}

type AlertConfig struct {
	WebhookURL string        `validate:"omitempty,url"`
	Cooldown   time.Duration `default:"5m"`
}

type KafkaConfig struct {
	Brokers []string
	Topic   string `default:"propfirm.events"`
}

type AuditConfig struct {
	BatchSize     int           `default:"50" validate:"gte=1"`
	FlushInterval time.Duration `default:"1s"`
}

var validate = validator.New()

// Load reads environment variables (optionally via .env) into Config and
// fails on missing credentials or inconsistent contract limits.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if err := cfg.readEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.APIKey = os.Getenv("API_KEY")
	c.OperatorSecret = os.Getenv("OPERATOR_SECRET")
	c.StrategyConfigPath = getEnv("STRATEGY_CONFIG", c.StrategyConfigPath)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Output = getEnv("LOG_OUTPUT", c.Log.Output)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.DBPath = getEnv("DB_PATH", c.DBPath)

	c.Store.Backend = strings.ToLower(getEnv("STORE_BACKEND", c.Store.Backend))
	c.Store.Owner = getEnv("STORE_OWNER", c.Store.Owner)
	c.Store.BadgerPath = getEnv("BADGER_PATH", c.Store.BadgerPath)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = os.Getenv("REDIS_PASSWORD")
	c.Store.RedisDB = getEnvInt("REDIS_DB", c.Store.RedisDB)

	c.Firm.AccountID = getEnv("ACCOUNT_ID", c.Firm.AccountID)
	c.Firm.AccountSize = getEnvFloat("ACCOUNT_SIZE", c.Firm.AccountSize)
	c.Firm.MaxTrailingDrawdown = getEnvFloat("MAX_TRAILING_DRAWDOWN", c.Firm.MaxTrailingDrawdown)
	c.Firm.MaxDailyLoss = getEnvFloat("MAX_DAILY_LOSS", c.Firm.MaxDailyLoss)
	c.Firm.MaxContracts = getEnvInt("MAX_CONTRACTS", c.Firm.MaxContracts)
	c.Firm.RiskPercent = getEnvFloat("RISK_PERCENT", c.Firm.RiskPercent)
	c.Firm.AutoFlatten = getEnvBool("AUTO_FLATTEN", c.Firm.AutoFlatten)
	c.Firm.SessionTZ = getEnv("SESSION_TZ", c.Firm.SessionTZ)
	c.Firm.SessionRollHour = getEnvInt("SESSION_ROLL_HOUR", c.Firm.SessionRollHour)

	c.Instruments.DefaultInstrument = getEnv("DEFAULT_INSTRUMENT", c.Instruments.DefaultInstrument)
	c.Instruments.DefaultContract = getEnv("DEFAULT_CONTRACT", c.Instruments.DefaultContract)
	c.Instruments.DefaultQuantity = getEnvInt("DEFAULT_QUANTITY", c.Instruments.DefaultQuantity)
	c.Firm.AllowedInstruments = splitAndTrim(getEnv("ALLOWED_INSTRUMENTS", c.Instruments.DefaultInstrument))

	plan, err := parseScalingPlan(getEnv("SCALING_PLAN", ""))
	if err != nil {
		return fmt.Errorf("SCALING_PLAN: %w", err)
	}
	c.Firm.ScalingPlan = plan

	if c.Instruments.PointValues, err = parseFloatMap(getEnv("POINT_VALUES", "ES:50,NQ:20,MES:5,MNQ:2")); err != nil {
		return fmt.Errorf("POINT_VALUES: %w", err)
	}
	if c.Instruments.TickSizes, err = parseFloatMap(getEnv("TICK_SIZES", "ES:0.25,NQ:0.25,MES:0.25,MNQ:0.25")); err != nil {
		return fmt.Errorf("TICK_SIZES: %w", err)
	}
	if c.Instruments.PriceScales, err = parseFloatMap(getEnv("PRICE_SCALES", "")); err != nil {
		return fmt.Errorf("PRICE_SCALES: %w", err)
	}
	c.Instruments.DataSymbols = parseStringMap(getEnv("DATA_SYMBOLS", ""))

	c.Gateway.ExecutionEnabled = getEnvBool("EXECUTION_ENABLED", c.Gateway.ExecutionEnabled)
	c.Gateway.WebhookURL = os.Getenv("WEBHOOK_URL")
	c.Gateway.WebhookToken = os.Getenv("WEBHOOK_TOKEN")
	c.Gateway.Timeout = getEnvDuration("WEBHOOK_TIMEOUT", c.Gateway.Timeout)
	c.Gateway.MinTradeInterval = getEnvDuration("MIN_TRADE_INTERVAL", c.Gateway.MinTradeInterval)
	c.Gateway.Platform = getEnv("WEBHOOK_PLATFORM", c.Gateway.Platform)
	c.Gateway.RejectionPhrases = splitAndTrim(getEnv("REJECTION_PHRASES", ""))
	if c.Gateway.SubAccounts, err = parseSubAccounts(getEnv("SUB_ACCOUNTS", "")); err != nil {
		return fmt.Errorf("SUB_ACCOUNTS: %w", err)
	}

	c.Ledger.TakerFeeRate = getEnvFloat("TAKER_FEE_RATE", c.Ledger.TakerFeeRate)
	c.Ledger.TrailingPercent = getEnvFloat("TRAILING_PERCENT", c.Ledger.TrailingPercent)

	c.Learning.LearningRate = getEnvFloat("LEARNING_RATE", c.Learning.LearningRate)
	c.Learning.MinTradesForAdjustment = getEnvInt("MIN_TRADES_FOR_ADJUSTMENT", c.Learning.MinTradesForAdjustment)
	c.Learning.ValidatorAddr = os.Getenv("VALIDATOR_ADDR")
	c.Learning.ValidationMinTrades = getEnvInt("VALIDATION_MIN_TRADES", c.Learning.ValidationMinTrades)
	c.Learning.ValidationInterval = getEnvDuration("VALIDATION_INTERVAL", c.Learning.ValidationInterval)

	c.Market.Source = strings.ToLower(getEnv("MARKET_SOURCE", c.Market.Source))
	c.Market.HTTPURL = os.Getenv("MARKET_HTTP_URL")
	c.Market.WSURL = os.Getenv("MARKET_WS_URL")
	c.Market.BarInterval = getEnvDuration("BAR_INTERVAL", c.Market.BarInterval)
	c.Market.WarmupBars = getEnvInt("WARMUP_BARS", c.Market.WarmupBars)
	c.Market.CandleCacheTTL = getEnvDuration("CANDLE_CACHE_TTL", c.Market.CandleCacheTTL)

	c.Alerts.WebhookURL = os.Getenv("ALERT_WEBHOOK_URL")
	c.Alerts.Cooldown = getEnvDuration("ALERT_COOLDOWN", c.Alerts.Cooldown)

	c.Kafka.Brokers = splitAndTrim(getEnv("KAFKA_BROKERS", ""))
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)

	c.Audit.BatchSize = getEnvInt("AUDIT_BATCH_SIZE", c.Audit.BatchSize)
	c.Audit.FlushInterval = getEnvDuration("AUDIT_FLUSH_INTERVAL", c.Audit.FlushInterval)
	return nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Gateway.ExecutionEnabled {
		if c.Gateway.WebhookURL == "" {
			return errors.New("WEBHOOK_URL is required when EXECUTION_ENABLED=true")
		}
		if c.Gateway.WebhookToken == "" {
			return errors.New("WEBHOOK_TOKEN is required when EXECUTION_ENABLED=true")
		}
	}

	prev := -1.0
	for _, tier := range c.Firm.ScalingPlan {
		if tier.MaxContracts < 1 || tier.MaxContracts > c.Firm.MaxContracts {
			return fmt.Errorf("scaling tier at %.2f allows %d contracts, outside 1..%d", tier.ProfitLevel, tier.MaxContracts, c.Firm.MaxContracts)
		}
		if tier.ProfitLevel <= prev {
			return fmt.Errorf("scaling plan profit levels must increase (%.2f after %.2f)", tier.ProfitLevel, prev)
		}
		prev = tier.ProfitLevel
	}

	if _, err := time.LoadLocation(c.Firm.SessionTZ); err != nil {
		return fmt.Errorf("SESSION_TZ %q: %w", c.Firm.SessionTZ, err)
	}
	if c.Market.Source == "http" && c.Market.HTTPURL == "" {
		return errors.New("MARKET_HTTP_URL is required when MARKET_SOURCE=http")
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required when STORE_BACKEND=redis")
	}
	return nil
}

// PointValue returns the dollar value of one point for an instrument (1 when unknown).
func (c *Config) PointValue(instrument string) float64 {
	if v, ok := c.Instruments.PointValues[strings.ToUpper(instrument)]; ok && v > 0 {
		return v
	}
	return 1
}

func parseScalingPlan(val string) ([]ScalingTier, error) {
	if strings.TrimSpace(val) == "" {
		return nil, nil
	}
	var tiers []ScalingTier
	for _, part := range splitAndTrim(val) {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("tier %q: want profit:contracts", part)
		}
		profit, err := strconv.ParseFloat(strings.TrimSpace(kv[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", part, err)
		}
		contracts, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", part, err)
		}
		tiers = append(tiers, ScalingTier{ProfitLevel: profit, MaxContracts: contracts})
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].ProfitLevel < tiers[j].ProfitLevel })
	return tiers, nil
}

func parseSubAccounts(val string) ([]SubAccount, error) {
	var out []SubAccount
	for _, part := range splitAndTrim(val) {
		fields := strings.Split(part, ":")
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("entry %q: want account:token[:multiplier]", part)
		}
		acct := SubAccount{AccountID: fields[0], Token: fields[1], Multiplier: 1}
		if len(fields) == 3 {
			m, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", part, err)
			}
			acct.Multiplier = m
		}
		out = append(out, acct)
	}
	return out, nil
}

func parseFloatMap(val string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range splitAndTrim(val) {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("entry %q: want KEY:value", part)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", part, err)
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = f
	}
	return out, nil
}

func parseStringMap(val string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitAndTrim(val) {
		if kv := strings.SplitN(part, ":", 2); len(kv) == 2 {
			out[strings.ToUpper(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
