package shared

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// KafkaConfig holds broker and topic details.
type KafkaConfig struct {
	Brokers      string `envconfig:"KAFKA_BROKER" default:"localhost:9092"`
	GroupID      string `envconfig:"KAFKA_GROUP" default:"ats-engine"`
	InTopic      string `envconfig:"IN_TOPIC"`
	OutTopic     string `envconfig:"OUT_TOPIC"`
	ProducerAcks string `envconfig:"KAFKA_ACKS" default:"all"`
	LingerMS     int    `envconfig:"KAFKA_LINGER_MS" default:"5"`
	BatchBytes   int    `envconfig:"KAFKA_BATCH_BYTES" default:"1048576"` // 1MB
}

func (k KafkaConfig) BrokerList() []string {
	parts := strings.Split(k.Brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"localhost:9092"}
	}
	return out
}

// PostgresConfig holds DB connection details. Defaults target the QuestDB
// Postgres wire endpoint used by the persistence sinks.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"8812"`
	Database string `envconfig:"POSTGRES_DB" default:"qdb"`
	User     string `envconfig:"POSTGRES_USER" default:"admin"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"quest"`
	PoolMax  int    `envconfig:"PG_POOL_MAX" default:"8"`
}

// MetricsConfig controls Prometheus listener.
type MetricsConfig struct {
	Port int `envconfig:"METRICS_PORT" default:"9000"`
}

// GraceConfig holds timing knobs for the batching sinks.
type GraceConfig struct {
	FlushGrace time.Duration `envconfig:"FLUSH_GRACE_SEC" default:"1s"`
	BatchSize  int           `envconfig:"BATCH_SIZE" default:"2000"`
	QueueSize  int           `envconfig:"SINK_QUEUE_SIZE" default:"16384"`
}

// LogConfig selects level and an optional rotating log file.
type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info"`
	File       string `envconfig:"LOG_FILE"`
	MaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	MaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"5"`
}

// Wait strategies recognised by the stage runtime.
const (
	WaitSleeping = "sleeping"
	WaitBlocking = "blocking"
	WaitYielding = "yielding"
	WaitBusySpin = "busyspin"
)

// Run modes for the engine binary.
const (
	RunLive   = "live"
	RunKafka  = "kafka"
	RunSim    = "sim"
	RunReplay = "replay"
)

// EngineConfig is the option set of one engine instance serving one index.
type EngineConfig struct {
	WaitStrategy           string  `envconfig:"WAIT_STRATEGY" default:"sleeping"`
	VolumeBarThreshold     int64   `envconfig:"VOLUME_BAR_THRESHOLD" default:"1000"`
	PaperTradingEnabled    bool    `envconfig:"PAPER_TRADING_ENABLED" default:"false"`
	PaperPositionSize      int     `envconfig:"PAPER_POSITION_SIZE" default:"50"`
	PaperMaxPositions      int     `envconfig:"PAPER_MAX_POSITIONS" default:"5"`
	SimulationEventDelayMS int     `envconfig:"SIMULATION_EVENT_DELAY_MS" default:"10"`
	IndexInstrumentKey     string  `envconfig:"INDEX_INSTRUMENT_KEY" default:"NSE_INDEX|Nifty 50"`
	IndexSpotSymbol        string  `envconfig:"INDEX_SPOT_SYMBOL" default:"Nifty 50"`
	IndexHeavyweightsFile  string  `envconfig:"INDEX_HEAVYWEIGHTS_FILE" default:"configs/IndexWeights.json"`
	IndexName              string  `envconfig:"INDEX_NAME" default:"NIFTY50"`
	RunMode                string  `envconfig:"RUN_MODE" default:"sim"`
	ThetaExitThreshold     float64 `envconfig:"THETA_EXIT_THRESHOLD" default:"0.5"`
	QuestDBEnabled         bool    `envconfig:"QUESTDB_ENABLED" default:"false"`
	SignalTopic            string  `envconfig:"SIGNAL_TOPIC"`
	TickTopic              string  `envconfig:"TICKS_TOPIC" default:"ticks"`
	InstrumentsFile        string  `envconfig:"INSTRUMENTS_FILE" default:"configs/instrument-master.json"`
	InstrumentsDB          string  `envconfig:"INSTRUMENTS_DB"`
}

// SimulationEventDelay is the pause between replayed events.
func (c EngineConfig) SimulationEventDelay() time.Duration {
	return time.Duration(c.SimulationEventDelayMS) * time.Millisecond
}

// Validate rejects option values the engine cannot start with.
func (c EngineConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.WaitStrategy) {
	case WaitSleeping, WaitBlocking, WaitYielding, WaitBusySpin:
	default:
		errs = append(errs, fmt.Errorf("wait_strategy %q not one of sleeping|blocking|yielding|busyspin", c.WaitStrategy))
	}
	if c.VolumeBarThreshold <= 0 {
		errs = append(errs, fmt.Errorf("volume_bar_threshold must be positive, got %d", c.VolumeBarThreshold))
	}
	if c.PaperPositionSize <= 0 {
		errs = append(errs, fmt.Errorf("paper_position_size must be positive, got %d", c.PaperPositionSize))
	}
	if c.PaperMaxPositions <= 0 {
		errs = append(errs, fmt.Errorf("paper_max_positions must be positive, got %d", c.PaperMaxPositions))
	}
	if c.SimulationEventDelayMS < 0 {
		errs = append(errs, fmt.Errorf("simulation_event_delay_ms must be non-negative, got %d", c.SimulationEventDelayMS))
	}
	if strings.TrimSpace(c.IndexInstrumentKey) == "" {
		errs = append(errs, errors.New("index_instrument_key required"))
	}
	if strings.TrimSpace(c.IndexSpotSymbol) == "" {
		errs = append(errs, errors.New("index_spot_symbol required"))
	}
	if strings.TrimSpace(c.IndexHeavyweightsFile) == "" {
		errs = append(errs, errors.New("index_heavyweights_file required"))
	}
	switch c.RunMode {
	case RunLive, RunKafka, RunSim, RunReplay:
	default:
		errs = append(errs, fmt.Errorf("run_mode %q not one of live|kafka|sim|replay", c.RunMode))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfigurationInvalid, errors.Join(errs...))
}

// LoadDotEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load fills the given struct from environment.
func Load[T any](prefix string) (T, error) {
	var cfg T
	err := envconfig.Process(prefix, &cfg)
	return cfg, err
}
