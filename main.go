package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"propfirm-core/internal/api"
	"propfirm-core/internal/engine"
	"propfirm-core/internal/events"
	"propfirm-core/internal/gateway"
	"propfirm-core/internal/learning"
	"propfirm-core/internal/ledger"
	"propfirm-core/internal/market"
	"propfirm-core/internal/monitor"
	"propfirm-core/internal/persistence"
	"propfirm-core/internal/publisher"
	"propfirm-core/internal/report"
	"propfirm-core/internal/risk"
	"propfirm-core/internal/store"
	"propfirm-core/internal/strategy"
	"propfirm-core/pkg/config"
	"propfirm-core/pkg/db"
	"propfirm-core/pkg/logger"
	"propfirm-core/pkg/operator"
)

func main() {
	showReport := flag.Bool("report", false, "print account, risk, positions and learner tables and exit")
	issueFor := flag.String("issue-operator-token", "", "issue an operator token for the named operator and exit")
	scopes := flag.String("scopes", "", "comma-separated scopes for -issue-operator-token (empty grants all)")
	ttl := flag.Duration("ttl", 12*time.Hour, "lifetime of an issued operator token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Output:     cfg.Log.Output,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	defer logger.Sync()

	operators := operator.NewManager(cfg.OperatorSecret)
	if *issueFor != "" {
		tok, err := operators.Issue(*issueFor, splitScopes(*scopes), *ttl)
		if err != nil {
			logger.S().Fatalf("issue operator token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(cfg)
	if err != nil {
		logger.S().Fatalf("startup failed: %v", err)
	}
	defer a.close()

	if err := a.engine.Hydrate(ctx); err != nil {
		logger.S().Errorw("hydrate incomplete", "error", err)
	}

	if *showReport {
		if err := printReport(ctx, a.engine); err != nil {
			logger.S().Fatalf("report: %v", err)
		}
		return
	}

	a.run(ctx, cfg, operators)
}

type app struct {
	database  *db.Database
	kv        store.KV
	bus       *events.Bus
	catalog   market.Catalog
	engine    *engine.Engine
	validator *learning.GRPCValidator
}

// build wires storage, risk, ledger, gateway, learner and engine.
func build(cfg *config.Config) (_ *app, err error) {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	logger.S().Infow("database ready", "path", cfg.DBPath)

	kv, err := openStore(cfg, database)
	if err != nil {
		database.Close()
		return nil, err
	}
	a := &app{database: database, kv: kv}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	session, err := market.NewSession(cfg.Firm.SessionTZ, cfg.Firm.SessionRollHour)
	if err != nil {
		return nil, err
	}
	catalog := buildCatalog(cfg)
	bus := events.NewBus()
	owner := cfg.Store.Owner

	registry := strategy.DefaultRegistry()
	if cfg.StrategyConfigPath != "" {
		overrides, err := strategy.LoadConfig(cfg.StrategyConfigPath)
		if err != nil {
			return nil, fmt.Errorf("strategy config: %w", err)
		}
		if registry, err = registry.WithOverrides(overrides); err != nil {
			return nil, fmt.Errorf("strategy config: %w", err)
		}
	}
	logger.S().Infow("strategies enabled", "ids", registry.IDs())

	tiers := make([]risk.ScalingTier, len(cfg.Firm.ScalingPlan))
	for i, t := range cfg.Firm.ScalingPlan {
		tiers[i] = risk.ScalingTier{ProfitLevel: t.ProfitLevel, MaxContracts: t.MaxContracts}
	}
	governor := risk.NewGovernor(risk.Config{
		AccountID:           cfg.Firm.AccountID,
		AccountSize:         cfg.Firm.AccountSize,
		MaxTrailingDrawdown: cfg.Firm.MaxTrailingDrawdown,
		MaxDailyLoss:        cfg.Firm.MaxDailyLoss,
		MaxPositionSize:     cfg.Firm.MaxContracts,
		RiskPercent:         cfg.Firm.RiskPercent,
		AllowedInstruments:  cfg.Firm.AllowedInstruments,
		ScalingPlan:         tiers,
		PointValues:         cfg.Instruments.PointValues,
		AutoFlatten:         cfg.Firm.AutoFlatten,
		Session:             session,
	}, kv, owner, bus)

	book := ledger.New(database.Queries(), ledger.Config{
		AccountID:       cfg.Firm.AccountID,
		Owner:           owner,
		AccountSize:     cfg.Firm.AccountSize,
		TakerFeeRate:    cfg.Ledger.TakerFeeRate,
		TrailingPercent: cfg.Ledger.TrailingPercent,
		Catalog:         catalog,
		Session:         session,
	})

	subs := make([]gateway.SubAccount, len(cfg.Gateway.SubAccounts))
	for i, s := range cfg.Gateway.SubAccounts {
		subs[i] = gateway.SubAccount{AccountID: s.AccountID, Token: s.Token, Multiplier: s.Multiplier}
	}
	gw := gateway.New(gateway.Config{
		URL:               cfg.Gateway.WebhookURL,
		Token:             cfg.Gateway.WebhookToken,
		Platform:          cfg.Gateway.Platform,
		SubAccounts:       subs,
		Timeout:           cfg.Gateway.Timeout,
		MinTradeInterval:  cfg.Gateway.MinTradeInterval,
		MaxQuantity:       cfg.Firm.MaxContracts,
		DefaultInstrument: cfg.Instruments.DefaultInstrument,
		RejectionPhrases:  cfg.Gateway.RejectionPhrases,
		Catalog:           catalog,
		DryRun:            !cfg.Gateway.ExecutionEnabled,
	}, bus)
	if !cfg.Gateway.ExecutionEnabled {
		logger.S().Warnw("execution disabled, orders are accepted locally only")
	}

	learner := learning.NewLearner(kv, owner, registry.IDs(), learning.Config{
		LearningRate:           cfg.Learning.LearningRate,
		MinTradesForAdjustment: cfg.Learning.MinTradesForAdjustment,
		DefaultWeight:          strategy.DefaultWeight,
	}, bus)

	a.bus, a.catalog = bus, catalog
	var validator learning.Validator = learning.SampleValidator{MinTrades: cfg.Learning.ValidationMinTrades}
	if cfg.Learning.ValidatorAddr != "" {
		v, err := learning.NewGRPCValidator(cfg.Learning.ValidatorAddr, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("weight validator: %w", err)
		}
		a.validator = v
		validator = v
		logger.S().Infow("remote weight validator configured", "addr", cfg.Learning.ValidatorAddr)
	}

	a.engine = engine.New(engine.Config{
		DefaultInstrument:  cfg.Instruments.DefaultInstrument,
		DefaultQuantity:    cfg.Instruments.DefaultQuantity,
		Instruments:        cfg.Firm.AllowedInstruments,
		Catalog:            catalog,
		Session:            session,
		ValidationInterval: cfg.Learning.ValidationInterval,
	}, engine.Deps{
		Ledger:    book,
		Governor:  governor,
		Gateway:   gw,
		Learner:   learner,
		Generator: strategy.NewGenerator(registry),
		Validator: validator,
		Bus:       bus,
	})
	return a, nil
}

func openStore(cfg *config.Config, database *db.Database) (store.KV, error) {
	switch cfg.Store.Backend {
	case "badger":
		kv, err := store.NewBadger(cfg.Store.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return kv, nil
	case "redis":
		kv, err := store.NewRedis(store.RedisConfig{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return kv, nil
	}
	return store.NewSQLite(database), nil
}

func buildCatalog(cfg *config.Config) market.Catalog {
	catalog := market.Catalog{}
	symbols := append([]string{cfg.Instruments.DefaultInstrument}, cfg.Firm.AllowedInstruments...)
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		inst := market.Instrument{
			Symbol:     sym,
			DataSymbol: sym,
			PointValue: cfg.PointValue(sym),
			TickSize:   cfg.Instruments.TickSizes[sym],
			PriceScale: 1,
		}
		if v, ok := cfg.Instruments.PriceScales[sym]; ok && v > 0 {
			inst.PriceScale = v
		}
		if v, ok := cfg.Instruments.DataSymbols[sym]; ok && v != "" {
			inst.DataSymbol = v
		}
		if strings.EqualFold(sym, cfg.Instruments.DefaultInstrument) {
			inst.Contract = cfg.Instruments.DefaultContract
		}
		catalog[sym] = inst
	}
	return catalog
}

func (a *app) run(ctx context.Context, cfg *config.Config, operators *operator.Manager) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := monitor.NewRecorder(reg)
	recorder.Start(ctx, a.bus)

	if cfg.Alerts.WebhookURL != "" {
		mon := &monitor.Monitor{Bus: a.bus, Sink: monitor.NewWebhookSink(cfg.Alerts.WebhookURL, cfg.Alerts.Cooldown)}
		mon.Start(ctx)
	}

	audit := persistence.NewAuditWriter(a.database, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	audit.Start(ctx, a.bus)
	defer func() {
		if err := audit.Close(); err != nil {
			logger.S().Errorw("audit flush on shutdown failed", "error", err)
		}
	}()

	if len(cfg.Kafka.Brokers) > 0 {
		k, err := publisher.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Firm.AccountID)
		if err != nil {
			logger.S().Fatalf("kafka publisher: %v", err)
		}
		k.Start(ctx, a.bus)
		defer k.Close()
		logger.S().Infow("kafka publisher started", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	src := a.source(cfg)
	if src != nil && cfg.Market.WarmupBars > 0 {
		to := time.Now().UTC()
		from := to.Add(-time.Duration(cfg.Market.WarmupBars) * cfg.Market.BarInterval)
		a.engine.Warmup(ctx, src, from, to)
	}

	var bars <-chan market.Bar
	switch {
	case cfg.Market.WSURL != "":
		bars = market.NewStream(cfg.Market.WSURL, a.catalog).Subscribe(ctx)
	case src != nil:
		bars = pollBars(ctx, src, a.catalog, cfg.Firm.AllowedInstruments, cfg.Market.BarInterval)
	default:
		logger.S().Warnw("no market data configured, pipeline idle; manual signals only")
	}
	if bars != nil {
		go a.engine.Run(ctx, bars)
	}

	srv := api.NewServer(api.Options{
		Engine:    a.engine,
		Bus:       a.bus,
		Operators: operators,
		Recorder:  recorder,
		Gatherer:  reg,
		APIKey:    cfg.Server.APIKey,
		RateLimit: 20,
		Burst:     50,
	})
	httpSrv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: srv.Router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.S().Infow("api listening", "port", cfg.Server.Port, "account", cfg.Firm.AccountID)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.S().Fatalf("api server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.S().Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.S().Warnw("api shutdown", "error", err)
	}
}

// source picks the candle source, cached through the KV store.
func (a *app) source(cfg *config.Config) market.Source {
	var inner market.Source
	switch cfg.Market.Source {
	case "binance":
		inner = market.NewBinanceSource("", "", cfg.Market.BarInterval)
	case "http":
		inner = market.NewHTTPSource(cfg.Market.HTTPURL, cfg.Market.BarInterval)
	default:
		return nil
	}
	return &market.CachedSource{
		Inner: inner,
		Cache: store.NewCache(a.kv),
		Owner: cfg.Store.Owner,
		TTL:   cfg.Market.CandleCacheTTL,
	}
}

// pollBars emits the last closed bar of each instrument once per interval.
func pollBars(ctx context.Context, src market.Source, catalog market.Catalog, symbols []string, interval time.Duration) <-chan market.Bar {
	out := make(chan market.Bar, len(symbols))
	go func() {
		defer close(out)
		t := time.NewTicker(interval)
		defer t.Stop()
		last := map[string]time.Time{}
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				for _, sym := range symbols {
					inst := catalog.Lookup(sym)
					candles, err := src.Candles(ctx, inst, now.Add(-3*interval), now.Truncate(interval))
					if err != nil {
						logger.S().Warnw("bar poll failed, skipping", "instrument", inst.Symbol, "error", err)
						continue
					}
					if len(candles) == 0 {
						continue
					}
					c := candles[len(candles)-1]
					if !c.Time.After(last[inst.Symbol]) {
						continue
					}
					last[inst.Symbol] = c.Time
					select {
					case out <- market.Bar{Instrument: inst.Symbol, Candle: c}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func printReport(ctx context.Context, e *engine.Engine) error {
	acct, err := e.Account(ctx)
	if err != nil {
		return err
	}
	positions, err := e.Positions(ctx, db.FilterOpen)
	if err != nil {
		return err
	}
	trades, err := e.Trades(ctx, 20)
	if err != nil {
		return err
	}
	return report.Render(os.Stdout, report.Input{
		Account:   acct,
		Risk:      e.RiskState(),
		Positions: positions,
		Trades:    trades,
		Learning:  e.LearningState(),
	})
}

func splitScopes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a *app) close() {
	if a.validator != nil {
		a.validator.Close()
	}
	if err := a.kv.Close(); err != nil {
		logger.S().Warnw("store close", "error", err)
	}
	if err := a.database.Close(); err != nil {
		logger.S().Warnw("database close", "error", err)
	}
}
