package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/feed"
	"ats-engine/go/pkg/instruments"
	"ats-engine/go/pkg/shared"
)

// Config specific to ingestion.
type Config struct {
	Kafka              shared.KafkaConfig
	Metrics            shared.MetricsConfig
	Log                shared.LogConfig
	TokensCSV          string  `envconfig:"ZERODHA_TOKENS_CSV" default:"configs/tokens.csv"`
	TokenJSON          string  `envconfig:"ZERODHA_TOKEN_FILE" default:"ingestion/auth/token.json"`
	APIKey             string  `envconfig:"KITE_API_KEY"`
	AccessToken        string  `envconfig:"KITE_ACCESS_TOKEN"` // optional override
	TickTopic          string  `envconfig:"TICKS_TOPIC" default:"ticks"`
	InstrumentsFile    string  `envconfig:"INSTRUMENTS_FILE" default:"configs/instrument-master.json"`
	IndexInstrumentKey string  `envconfig:"INDEX_INSTRUMENT_KEY" default:"NSE_INDEX|Nifty 50"`
	SimTicks           bool    `envconfig:"SIM_TICKS" default:"false"`
	SimBaseTPS         float64 `envconfig:"SIM_BASE_TPS" default:"10.0"`
	SimSpot            float64 `envconfig:"SIM_SPOT" default:"22000"`
	SimStepMs          int     `envconfig:"SIM_STEP_MS" default:"100"`
	SimVolMin          int64   `envconfig:"SIM_VOL_MIN" default:"1"`
	SimVolMax          int64   `envconfig:"SIM_VOL_MAX" default:"5"`
	BatchFlushMs       int     `envconfig:"BATCH_FLUSH_MS" default:"200"`
	MaxBatch           int     `envconfig:"MAX_BATCH" default:"256"`
	ProduceWorkers     int     `envconfig:"PRODUCE_WORKERS" default:"8"`
	ProduceQueue       int     `envconfig:"PRODUCE_QUEUE" default:"16000"`
}

// Metrics bundle.
type ingestMetrics struct {
	ticksOut *prometheus.CounterVec
	qDepth   prometheus.Gauge
	batchSz  prometheus.Histogram
	latency  prometheus.Histogram
	dropped  prometheus.Counter
}

func newMetrics() ingestMetrics {
	return ingestMetrics{
		ticksOut: shared.NewCounterVec(prometheus.CounterOpts{Name: "ingest_ticks_total", Help: "Ticks emitted"}, []string{"symbol"}),
		qDepth:   shared.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Ticks queued"}),
		batchSz:  shared.NewHist(prometheus.HistogramOpts{Name: "ingest_batch_size", Help: "Batch size", Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500}}),
		latency:  shared.NewHist(prometheus.HistogramOpts{Name: "ingest_latency_seconds", Help: "Event to publish latency", Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5}}),
		dropped:  shared.NewCounter(prometheus.CounterOpts{Name: "ingest_ticks_dropped_total", Help: "Ticks dropped due to full queue"}),
	}
}

func startProducerWorkers(
	ctx context.Context,
	cfg Config,
	logger shared.Logger,
	metrics ingestMetrics,
	inFlight *atomic.Int64,
) ([]chan shared.Tick, func(), error) {
	workers := max(cfg.ProduceWorkers, 1)
	queueDepth := cfg.ProduceQueue
	if queueDepth < 1 {
		queueDepth = 1000
	}
	maxBatch := cfg.MaxBatch
	if maxBatch < 1 {
		maxBatch = 256
	}
	flushEvery := time.Duration(cfg.BatchFlushMs) * time.Millisecond
	if flushEvery <= 0 {
		flushEvery = 50 * time.Millisecond
	}

	chans := make([]chan shared.Tick, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		ch := make(chan shared.Tick, queueDepth)
		chans[i] = ch
		producer, err := shared.NewProducer(cfg.Kafka)
		if err != nil {
			for j := 0; j < i; j++ {
				close(chans[j])
			}
			wg.Wait()
			return nil, nil, err
		}
		wg.Add(1)
		go func(workerID int, in <-chan shared.Tick, p shared.Producer) {
			defer wg.Done()
			defer p.Close()
			batch := make([]shared.Tick, 0, maxBatch)
			timer := time.NewTimer(flushEvery)
			defer timer.Stop()
			done := ctx.Done()

			flush := func() {
				if len(batch) == 0 {
					return
				}
				metrics.batchSz.Observe(float64(len(batch)))
				records, err := shared.EncodeRecords(batch, tickKey, time.Now().UTC())
				if err == nil {
					writeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					err = p.ProduceBatch(writeCtx, cfg.TickTopic, records)
					cancel()
				}
				if err != nil {
					metrics.dropped.Add(float64(len(batch)))
					logger.Warnf("[ingest] producer worker=%d batch write failed: %v", workerID, err)
				} else {
					for _, tk := range batch {
						metrics.latency.Observe(time.Since(time.UnixMilli(tk.Ts)).Seconds())
						metrics.ticksOut.WithLabelValues(tk.Key).Inc()
					}
				}
				inFlight.Add(int64(-len(batch)))
				batch = batch[:0]
			}

			for {
				select {
				case tk, ok := <-in:
					if !ok {
						flush()
						return
					}
					batch = append(batch, tk)
					if len(batch) >= maxBatch {
						flush()
						if !timer.Stop() {
							select {
							case <-timer.C:
							default:
							}
						}
						timer.Reset(flushEvery)
					}
				case <-timer.C:
					flush()
					timer.Reset(flushEvery)
				case <-done:
					// channel close finishes the drain
					done = nil
				}
			}
		}(i, ch, producer)
	}

	stop := func() {
		for _, ch := range chans {
			close(ch)
		}
		wg.Wait()
	}
	return chans, stop, nil
}

func tickKey(tk *shared.Tick) []byte { return []byte(tk.Key) }

// workerForKey pins an instrument to one worker so its ticks stay ordered
// within the topic partition.
func workerForKey(key string, workers int) int {
	if workers <= 1 {
		return 0
	}
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % uint32(workers))
}

func main() {
	if err := shared.LoadDotEnv(); err != nil {
		shared.NewLogger("ingest").Fatalf("env: %v", err)
	}
	cfg, err := shared.Load[Config]("")
	logger := shared.NewLoggerWithConfig("ingest", cfg.Log)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	metrics := newMetrics()
	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Start()
	defer ms.Close()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	src, err := buildSource(cfg, logger)
	if err != nil {
		logger.Fatalf("build source: %v", err)
	}

	out := make(chan feed.Update, 20000)
	if err := src.Start(ctx, out); err != nil {
		logger.Fatalf("source start: %v", err)
	}

	var inFlight atomic.Int64
	workerChans, stopWorkers, err := startProducerWorkers(ctx, cfg, logger, metrics, &inFlight)
	if err != nil {
		logger.Fatalf("producer worker init: %v", err)
	}
	defer stopWorkers()

	logger.Printf("running ingestion -> topic=%s sim=%v base_tps=%.2f step_ms=%d workers=%d worker_q=%d",
		cfg.TickTopic, cfg.SimTicks, cfg.SimBaseTPS, cfg.SimStepMs, cfg.ProduceWorkers, cfg.ProduceQueue)
	qTicker := time.NewTicker(250 * time.Millisecond)
	defer qTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Printf("ingestion shutdown: draining producer queues")
			return
		case u, ok := <-out:
			if !ok {
				logger.Printf("ingestion source closed")
				return
			}
			// the topic carries ticks only; depth stays on the engine's direct feed
			if u.Tick == nil {
				continue
			}
			tk := *u.Tick
			if tk.Ts == 0 {
				tk.Ts = shared.NowMillis()
			}
			idx := workerForKey(tk.Key, len(workerChans))
			select {
			case workerChans[idx] <- tk:
				inFlight.Add(1)
			default:
				metrics.dropped.Inc()
			}
		case <-qTicker.C:
			queued := float64(inFlight.Load() + int64(len(out)))
			metrics.qDepth.Set(queued)
		}
	}
}

func buildSource(cfg Config, logger shared.Logger) (feed.Source, error) {
	if cfg.SimTicks {
		master, err := instruments.LoadMaster(cfg.InstrumentsFile)
		if err != nil {
			logger.Warnf("instrument master: %v; simulating the index alone", err)
			master = instruments.NewMaster()
		}
		return &feed.SimSource{
			Instruments: feed.SimUniverse(master, cfg.IndexInstrumentKey, cfg.SimSpot, nil, cfg.SimBaseTPS),
			Step:        time.Duration(cfg.SimStepMs) * time.Millisecond,
			VolMin:      cfg.SimVolMin,
			VolMax:      cfg.SimVolMax,
		}, nil
	}

	if cfg.APIKey == "" {
		return nil, errors.New("KITE_API_KEY required for live websocket")
	}
	access := cfg.AccessToken
	if access == "" {
		var err error
		access, err = feed.LoadAccessToken(cfg.TokenJSON)
		if err != nil {
			return nil, err
		}
	}
	tokens, tokenToKey, err := feed.LoadTokens(cfg.TokensCSV)
	if err != nil {
		return nil, err
	}
	return &feed.KiteSource{
		APIKey:      cfg.APIKey,
		AccessToken: access,
		Tokens:      tokens,
		TokenToKey:  tokenToKey,
		Log:         logger,
	}, nil
}
