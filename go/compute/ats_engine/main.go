package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ats-engine/go/pkg/feed"
	"ats-engine/go/pkg/indexweight"
	"ats-engine/go/pkg/instruments"
	"ats-engine/go/pkg/pipeline"
	"ats-engine/go/pkg/shared"
	"ats-engine/go/pkg/sinks"
)

// Config for one engine instance.
type Config struct {
	Engine  shared.EngineConfig
	Kafka   shared.KafkaConfig
	PG      shared.PostgresConfig
	Metrics shared.MetricsConfig
	Grace   shared.GraceConfig
	Log     shared.LogConfig

	TokensCSV   string        `envconfig:"ZERODHA_TOKENS_CSV" default:"configs/tokens.csv"`
	TokenJSON   string        `envconfig:"ZERODHA_TOKEN_FILE" default:"ingestion/auth/token.json"`
	APIKey      string        `envconfig:"KITE_API_KEY"`
	AccessToken string        `envconfig:"KITE_ACCESS_TOKEN"`
	SimSpot     float64       `envconfig:"SIM_SPOT" default:"22000"`
	SimTPS      float64       `envconfig:"SIM_BASE_TPS" default:"20"`
	SimVolMin   int64         `envconfig:"SIM_VOL_MIN" default:"1"`
	SimVolMax   int64         `envconfig:"SIM_VOL_MAX" default:"50"`
	ReplayFrom  string        `envconfig:"REPLAY_FROM"`
	ReplayTo    string        `envconfig:"REPLAY_TO"`
	StatusEvery time.Duration `envconfig:"STATUS_EVERY" default:"10s"`
}

func main() {
	if err := shared.LoadDotEnv(); err != nil {
		shared.NewLogger("ats-engine").Fatalf("env: %v", err)
	}
	cfg, err := shared.Load[Config]("")
	logger := shared.NewLoggerWithConfig("ats-engine", cfg.Log)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if err := cfg.Engine.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}
	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Start()
	defer ms.Close()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	master := loadInstruments(ctx, cfg.Engine, logger)
	basket, err := indexweight.LoadWeights(cfg.Engine.IndexHeavyweightsFile, cfg.Engine.IndexName)
	if err != nil {
		logger.Warnf("index weights: %v; heavyweight tracking disabled", err)
	}
	if cfg.Engine.RunMode == shared.RunSim {
		// the synthetic market quotes every basket name even without a dump
		for _, c := range basket {
			if _, ok := master.FindInstrumentKeyForEquity(c.Symbol); !ok {
				master.AddEquity(c.Symbol, "NSE_EQ|"+c.Symbol)
			}
		}
	}

	deps := pipeline.Deps{Instruments: master, Basket: basket, Grace: cfg.Grace}
	var db *shared.PgxDB
	if cfg.Engine.QuestDBEnabled || cfg.Engine.RunMode == shared.RunReplay {
		db, err = shared.NewPgxPool(ctx, cfg.PG)
		if err != nil {
			logger.Fatalf("questdb: %v", err)
		}
		defer db.Close()
	}
	if cfg.Engine.QuestDBEnabled {
		if err := sinks.EnsureSchema(ctx, db); err != nil {
			logger.Fatalf("schema: %v", err)
		}
		deps.DB = db
	}
	if cfg.Engine.SignalTopic != "" {
		prod, err := shared.NewProducer(cfg.Kafka)
		if err != nil {
			logger.Fatalf("kafka producer: %v", err)
		}
		defer prod.Close()
		deps.Producer = prod
	}
	bars := make(chan shared.Bar, 1024)
	sigs := make(chan shared.SignalEvent, 256)
	deps.BarFeed, deps.SignalFeed = bars, sigs

	eng, err := pipeline.NewEngine(cfg.Engine, deps, logger)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	src, err := buildSource(cfg, master, basket, db, logger)
	if err != nil {
		logger.Fatalf("source: %v", err)
	}

	eng.Start(ctx)
	go watchFeeds(ctx, bars, sigs, logger)
	go reportStatus(ctx, eng, cfg.StatusEvery, logger)

	logger.Printf("running engine index=%s mode=%s wait=%s bar_threshold=%d paper=%v questdb=%v",
		cfg.Engine.IndexInstrumentKey, cfg.Engine.RunMode, cfg.Engine.WaitStrategy,
		cfg.Engine.VolumeBarThreshold, cfg.Engine.PaperTradingEnabled, cfg.Engine.QuestDBEnabled)

	if err := eng.Run(ctx, src); err != nil && !errors.Is(err, shared.ErrStageClosed) {
		logger.Errorf("ingress: %v", err)
	}
	logger.Printf("engine shutdown: draining stages")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	st := eng.Book.Stats()
	logger.Printf("paper session: trades=%d pnl=%.2f win_rate=%.1f%% max_win=%.2f max_loss=%.2f",
		st.Trades, st.TotalPnL, st.WinRate, st.MaxWin, st.MaxLoss)
}

// loadInstruments prefers the SQLite copy, refreshing it from the dump when
// one is present. Failures leave an empty master.
func loadInstruments(ctx context.Context, cfg shared.EngineConfig, logger shared.Logger) *instruments.Master {
	if cfg.InstrumentsDB != "" {
		store, err := instruments.OpenStore(cfg.InstrumentsDB)
		if err != nil {
			logger.Warnf("instrument store: %v", err)
			return instruments.NewMaster()
		}
		defer store.Close()
		if _, err := os.Stat(cfg.InstrumentsFile); err == nil {
			defs, err := instruments.ReadDump(cfg.InstrumentsFile)
			if err != nil {
				logger.Warnf("instrument dump: %v", err)
			} else if n, err := store.Import(ctx, defs); err != nil {
				logger.Warnf("instrument import: %v", err)
			} else {
				logger.Printf("imported %d instruments into %s", n, cfg.InstrumentsDB)
			}
		}
		m, err := store.LoadMaster(ctx)
		if err != nil {
			logger.Warnf("instrument store: %v", err)
			return instruments.NewMaster()
		}
		logger.Printf("loaded %d instruments from %s", m.Len(), cfg.InstrumentsDB)
		return m
	}
	m, err := instruments.LoadMaster(cfg.InstrumentsFile)
	if err != nil {
		logger.Warnf("instrument master: %v", err)
		return instruments.NewMaster()
	}
	logger.Printf("loaded %d instruments from %s", m.Len(), cfg.InstrumentsFile)
	return m
}

func buildSource(cfg Config, master *instruments.Master, basket []indexweight.Constituent, db *shared.PgxDB, logger shared.Logger) (feed.Source, error) {
	switch cfg.Engine.RunMode {
	case shared.RunLive:
		if cfg.APIKey == "" {
			return nil, errors.New("KITE_API_KEY required for live websocket")
		}
		access := cfg.AccessToken
		if access == "" {
			var err error
			if access, err = feed.LoadAccessToken(cfg.TokenJSON); err != nil {
				return nil, err
			}
		}
		tokens, keys, err := feed.LoadTokens(cfg.TokensCSV)
		if err != nil {
			return nil, err
		}
		return &feed.KiteSource{APIKey: cfg.APIKey, AccessToken: access, Tokens: tokens, TokenToKey: keys, Log: logger}, nil
	case shared.RunKafka:
		consumer, err := shared.NewConsumer(cfg.Kafka, []string{cfg.Engine.TickTopic})
		if err != nil {
			return nil, err
		}
		return &feed.KafkaSource{Consumer: consumer, Log: logger}, nil
	case shared.RunReplay:
		from, to, err := replayWindow(cfg.ReplayFrom, cfg.ReplayTo)
		if err != nil {
			return nil, err
		}
		return &feed.ReplaySource{DB: db, From: from, To: to, Delay: cfg.Engine.SimulationEventDelay(), Log: logger}, nil
	default:
		equities := map[string]float64{}
		for _, c := range basket {
			if key, ok := master.FindInstrumentKeyForEquity(c.Symbol); ok {
				equities[key] = 500 + float64(c.Rank)*250
			}
		}
		return &feed.SimSource{
			Instruments: feed.SimUniverse(master, cfg.Engine.IndexInstrumentKey, cfg.SimSpot, equities, cfg.SimTPS),
			VolMin:      cfg.SimVolMin,
			VolMax:      cfg.SimVolMax,
		}, nil
	}
}

func replayWindow(from, to string) (time.Time, time.Time, error) {
	var f, t time.Time
	var err error
	if from != "" {
		if f, err = time.Parse(time.RFC3339, from); err != nil {
			return f, t, err
		}
	} else {
		y, m, d := time.Now().Date()
		f = time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	}
	if to != "" {
		if t, err = time.Parse(time.RFC3339, to); err != nil {
			return f, t, err
		}
	}
	return f, t, nil
}

func watchFeeds(ctx context.Context, bars <-chan shared.Bar, sigs <-chan shared.SignalEvent, logger shared.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-bars:
			logger.Debugf("[bar] %s o=%.2f h=%.2f l=%.2f c=%.2f v=%d delta=%d obi=%.3f",
				b.Symbol, b.Open, b.High, b.Low, b.Close, b.Volume, b.Delta, b.OBI)
		case s := <-sigs:
			logger.Printf("[signal] %s %s @ %.2f vah=%.2f val=%.2f poc=%.2f delta=%.0f",
				s.Type, s.Symbol, s.Price, s.VAH, s.VAL, s.POC, s.Delta)
		}
	}
}

func reportStatus(ctx context.Context, eng *pipeline.Engine, every time.Duration, logger shared.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			open, _, st := eng.Book.Snapshot()
			logger.Printf("[status] spot=%.2f atm=%d pcr=%.2f aggregate=%.2f open=%d pnl=%.2f trades=%d",
				eng.Chain.Spot(), eng.Chain.ATM(), eng.Chain.PCR(), eng.Weights.Aggregate(),
				len(open), st.TotalPnL, st.Trades)
			for _, ev := range eng.Telemetry.Latest() {
				logger.Debugf("[status] %s remaining=%d proc_lag=%dms net_lag=%dms",
					ev.Processor, ev.RemainingCapacity, ev.ProcLagMs, ev.NetLagMs)
			}
		}
	}
}
