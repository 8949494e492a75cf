package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
	"ats-engine/go/pkg/sinks"
	"ats-engine/go/pkg/volumebar"
)

// Config for the bar recorder.
type Config struct {
	Kafka     shared.KafkaConfig
	PG        shared.PostgresConfig
	Metrics   shared.MetricsConfig
	Grace     shared.GraceConfig
	Log       shared.LogConfig
	InTopic   string `envconfig:"IN_TOPIC" default:"ticks"`
	OutTopic  string `envconfig:"OUT_TOPIC" default:"bars.volume"`
	Threshold int64  `envconfig:"VOLUME_BAR_THRESHOLD" default:"1000"`
}

// Metrics bundle.
type metrics struct {
	ticks  prometheus.Counter
	bad    prometheus.Counter
	barLat prometheus.Histogram
}

func newMetrics() metrics {
	return metrics{
		ticks:  shared.NewCounter(prometheus.CounterOpts{Name: "recorder_ticks_total", Help: "Ticks processed"}),
		bad:    shared.NewCounter(prometheus.CounterOpts{Name: "recorder_ticks_invalid_total", Help: "Messages that did not decode to a tick"}),
		barLat: shared.NewHist(prometheus.HistogramOpts{Name: "recorder_bar_latency_seconds", Help: "Bar open to close", Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300}}),
	}
}

func main() {
	if err := shared.LoadDotEnv(); err != nil {
		shared.NewLogger("bar-recorder").Fatalf("env: %v", err)
	}
	cfg, err := shared.Load[Config]("")
	logger := shared.NewLoggerWithConfig("bar-recorder", cfg.Log)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if cfg.Threshold <= 0 {
		logger.Fatalf("config: %v", shared.ErrConfigurationInvalid)
	}
	m := newMetrics()
	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Start()
	defer ms.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	consumer, err := shared.NewConsumer(cfg.Kafka, []string{cfg.InTopic})
	if err != nil {
		logger.Fatalf("consumer init: %v", err)
	}
	defer consumer.Close()

	producer, err := shared.NewProducer(cfg.Kafka)
	if err != nil {
		logger.Fatalf("producer init: %v", err)
	}
	defer producer.Close()

	db, err := shared.NewPgxPool(ctx, cfg.PG)
	if err != nil {
		logger.Fatalf("db init: %v", err)
	}
	defer db.Close()
	if err := sinks.EnsureSchema(ctx, db); err != nil {
		logger.Fatalf("schema: %v", err)
	}

	table := sinks.NewTableWriter(db, sinks.Bars, cfg.Grace, logger)
	topic := sinks.NewTopicWriter("bar-publisher", producer, cfg.OutTopic,
		func(b *shared.Bar) []byte { return []byte(b.Symbol) }, cfg.Grace, logger)
	table.Start(ctx)
	topic.Start(ctx)
	defer topic.Close()
	defer table.Close()

	acc := volumebar.New(cfg.Threshold, func(b shared.Bar) {
		m.barLat.Observe(time.Since(time.UnixMilli(b.StartTime)).Seconds())
		_ = table.OnEvent(&b, 0, true)
		_ = topic.OnEvent(&b, 0, true)
	})

	logger.Printf("recording volume bars %s -> %s threshold=%d", cfg.InTopic, cfg.OutTopic, cfg.Threshold)
	for {
		msg, err := consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				logger.Printf("bar recorder shutdown")
				return
			}
			continue
		}
		tk, err := shared.Decode[shared.Tick](msg)
		if err != nil || tk.Key == "" {
			m.bad.Inc()
			_ = consumer.Commit(msg)
			continue
		}
		m.ticks.Inc()
		_ = acc.OnEvent(&tk, 0, true)
		_ = consumer.Commit(msg)
	}
}
