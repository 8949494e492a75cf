package shared

import (
	"sync"
	"time"
)

// Tick is one instrument update as it sits in a TICK slot. The padding keeps
// neighbouring slots off each other's cache lines.
type Tick struct {
	_           [64]byte
	Key         string  `json:"instrument_key"`
	LTP         float64 `json:"ltp"`
	LTT         int64   `json:"ltt"` // ms epoch
	LTQ         int64   `json:"ltq"`
	CP          float64 `json:"cp"`
	TBQ         float64 `json:"tbq"`
	TSQ         float64 `json:"tsq"`
	VTT         int64   `json:"vtt"`
	OI          float64 `json:"oi"`
	IV          float64 `json:"iv"`
	ATP         float64 `json:"atp"`
	BestBid     float64 `json:"best_bid"`
	BestAsk     float64 `json:"best_ask"`
	DayOpen     float64 `json:"day_open"`
	DayHigh     float64 `json:"day_high"`
	DayLow      float64 `json:"day_low"`
	DayClose    float64 `json:"day_close"`
	Theta       float64 `json:"theta"`
	OptionDelta float64 `json:"delta"`
	Ts          int64   `json:"ts"` // ingest ms epoch
	_           [64]byte
}

// Bar is one completed volume bar.
type Bar struct {
	Symbol    string  `json:"symbol"`
	StartTime int64   `json:"start_time"` // ms epoch
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
	VWAP      float64 `json:"vwap"`
	Delta     int64   `json:"delta"`
	OBI       float64 `json:"obi"`
}

type SignalType string

const (
	SignalInitiativeBuy      SignalType = "INITIATIVE_BUY"
	SignalInitiativeSell     SignalType = "INITIATIVE_SELL"
	SignalStateDiscoveryUp   SignalType = "STATE_DISCOVERY_UP"
	SignalStateDiscoveryDown SignalType = "STATE_DISCOVERY_DOWN"
	SignalStateRotation      SignalType = "STATE_ROTATION"
	SignalBuy                SignalType = "BUY"
)

// SignalEvent is the record carried on the SIGNAL stage.
type SignalEvent struct {
	Symbol    string     `json:"symbol"`
	Type      SignalType `json:"type"`
	Price     float64    `json:"price"`
	VAH       float64    `json:"vah"`
	VAL       float64    `json:"val"`
	POC       float64    `json:"poc"`
	Delta     float64    `json:"delta"`
	Timestamp int64      `json:"ts"` // ms epoch
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const OrderFilled = "FILLED"

// OrderEvent is the record carried on the ORDER stage.
type OrderEvent struct {
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Qty       int     `json:"qty"`
	Price     float64 `json:"price"`
	Status    string  `json:"status"`
	Reason    string  `json:"reason"`
	Timestamp int64   `json:"ts"`
}

const DepthLevels = 5

type DepthLevel struct {
	Price  float64 `json:"price"`
	Qty    int64   `json:"qty"`
	Orders int64   `json:"orders"`
}

// DepthEvent is a top-of-book snapshot carried on the DEPTH stage.
type DepthEvent struct {
	Key  string                  `json:"instrument_key"`
	Bids [DepthLevels]DepthLevel `json:"bids"`
	Asks [DepthLevels]DepthLevel `json:"asks"`
	Ts   int64                   `json:"ts"`
}

// HeavyweightEvent is one constituent update of the weighted index delta.
type HeavyweightEvent struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Weight    float64 `json:"weight"`
	Delta     float64 `json:"delta"`
	Aggregate float64 `json:"aggregate"`
	Timestamp int64   `json:"ts"`
}

// TelemetryEvent is one probe sample from a stage's last handler.
type TelemetryEvent struct {
	Processor         string `json:"processor"`
	RemainingCapacity int64  `json:"remaining_capacity"`
	ProcLagMs         int64  `json:"proc_lag_ms"`
	NetLagMs          int64  `json:"net_lag_ms"`
	Timestamp         int64  `json:"ts"`
}

var internTable sync.Map

// Intern returns a canonical copy of s so repeated instrument keys share one
// backing array.
func Intern(s string) string {
	if v, ok := internTable.Load(s); ok {
		return v.(string)
	}
	v, _ := internTable.LoadOrStore(s, s)
	return v.(string)
}

// NowMillis is the wall clock in ms epoch.
func NowMillis() int64 { return time.Now().UnixMilli() }
