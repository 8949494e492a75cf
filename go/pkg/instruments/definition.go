// Package instruments is the instrument lookup service: the exchange dump,
// its SQLite copy and the in-memory master the engines query.
package instruments

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

const (
	TypeCE  = "CE"
	TypePE  = "PE"
	TypeFUT = "FUT"
	TypeEQ  = "EQ"
	TypeIdx = "INDEX"

	SegmentEquity = "NSE_EQ"
)

// Definition is one row of the exchange instrument dump.
type Definition struct {
	InstrumentKey    string  `json:"instrument_key"`
	ExchangeToken    string  `json:"exchange_token"`
	TradingSymbol    string  `json:"trading_symbol"`
	Name             string  `json:"name"`
	LastPrice        float64 `json:"last_price"`
	Expiry           Expiry  `json:"expiry"`
	Strike           float64 `json:"strike_price"`
	TickSize         float64 `json:"tick_size"`
	LotSize          int     `json:"lot_size"`
	InstrumentType   string  `json:"instrument_type"`
	Segment          string  `json:"segment"`
	Exchange         string  `json:"exchange"`
	UnderlyingSymbol string  `json:"underlying_symbol"`
	UnderlyingKey    string  `json:"underlying_key"`
	AssetSymbol      string  `json:"asset_symbol"`
}

// OptionType is CE/PE for options, FUT, EQ or INDEX otherwise.
func (d Definition) OptionType() string { return d.InstrumentType }

func (d Definition) IsOption() bool {
	t := strings.ToUpper(d.InstrumentType)
	return t == TypeCE || t == TypePE
}

// IsEquity matches cash-segment equities only.
func (d Definition) IsEquity() bool {
	return strings.EqualFold(d.Segment, SegmentEquity) && strings.EqualFold(d.InstrumentType, TypeEQ)
}

// ExpiryDate parses the expiry as a local calendar date.
func (d Definition) ExpiryDate() (time.Time, bool) { return d.Expiry.Date() }

// Expiry holds the raw expiry, which dumps carry either as epoch
// milliseconds or as yyyy-mm-dd.
type Expiry string

func (e *Expiry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if len(b) >= 2 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		*e = Expiry(s)
		return nil
	}
	*e = Expiry(b)
	return nil
}

// Date returns midnight of the expiry day in local time.
func (e Expiry) Date() (time.Time, bool) {
	s := strings.TrimSpace(string(e))
	if s == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return DateOf(time.UnixMilli(ms)), true
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DateOf truncates t to its local calendar day.
func DateOf(t time.Time) time.Time {
	t = t.In(time.Local)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}
