package paper

import (
	"ats-engine/go/pkg/shared"
)

const (
	ReasonSignalSell    = "SIGNAL_SELL"
	ReasonStateRotation = "STATE_ROTATION"
)

type Config struct {
	Enabled      bool
	PositionSize int
	MaxPositions int
}

func ConfigFrom(c shared.EngineConfig) Config {
	return Config{
		Enabled:      c.PaperTradingEnabled,
		PositionSize: c.PaperPositionSize,
		MaxPositions: c.PaperMaxPositions,
	}
}

// Bookkeeper is the SIGNAL handler that turns signals into virtual fills.
// It only ever opens longs.
type Bookkeeper struct {
	book *Book
	cfg  Config
	log  shared.Logger
}

func NewBookkeeper(book *Book, cfg Config, log shared.Logger) *Bookkeeper {
	if log == nil {
		log = shared.NopLogger()
	}
	if cfg.Enabled {
		log.Printf("[paper] enabled size=%d max=%d", cfg.PositionSize, cfg.MaxPositions)
	}
	return &Bookkeeper{book: book, cfg: cfg, log: log}
}

func (k *Bookkeeper) Name() string { return "paper-bookkeeper" }

func (k *Bookkeeper) Book() *Book { return k.book }

func (k *Bookkeeper) OnEvent(ev *shared.SignalEvent, _ int64, _ bool) error {
	if !k.cfg.Enabled || ev.Symbol == "" {
		return nil
	}
	ts := ev.Timestamp
	if ts == 0 {
		ts = shared.NowMillis()
	}
	var err error
	switch ev.Type {
	case shared.SignalInitiativeBuy, shared.SignalStateDiscoveryUp:
		_, err = k.book.Open(Position{
			Symbol:     ev.Symbol,
			Side:       shared.SideBuy,
			Qty:        k.cfg.PositionSize,
			EntryPrice: ev.Price,
			EntryTime:  ts,
			VAH:        ev.VAH,
			VAL:        ev.VAL,
			POC:        ev.POC,
		}, k.cfg.MaxPositions, string(ev.Type))
	case shared.SignalInitiativeSell, shared.SignalStateDiscoveryDown:
		if p, ok := k.book.Position(ev.Symbol); ok && p.Side == shared.SideBuy {
			_, _, err = k.book.Close(ev.Symbol, ev.Price, ts, ReasonSignalSell)
		}
	case shared.SignalStateRotation:
		_, _, err = k.book.Close(ev.Symbol, ev.Price, ts, ReasonStateRotation)
	}
	k.book.Reprice()
	return err
}
