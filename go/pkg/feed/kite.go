package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"ats-engine/go/pkg/shared"
)

// KiteSource streams full-mode ticks and depth from the Kite websocket.
type KiteSource struct {
	APIKey      string
	AccessToken string
	Tokens      []uint32
	TokenToKey  map[uint32]string
	Log         shared.Logger

	m feedMetrics
}

func (k *KiteSource) Start(ctx context.Context, out chan<- Update) error {
	if len(k.Tokens) == 0 {
		return errors.New("no tokens to subscribe")
	}
	if k.Log == nil {
		k.Log = shared.NopLogger()
	}
	k.m = newFeedMetrics()
	t := kiteticker.New(k.APIKey, k.AccessToken)

	t.OnError(func(err error) {
		k.Log.Printf("[ws] error: %v", err)
		k.m.wsEvents.WithLabelValues("error").Inc()
	})
	t.OnClose(func(code int, reason string) {
		k.Log.Printf("[ws] closed %d %s", code, reason)
		k.m.wsEvents.WithLabelValues("close").Inc()
	})
	t.OnReconnect(func(attempt int, delay time.Duration) {
		k.Log.Printf("[ws] reconnecting attempt=%d delay=%s", attempt, delay)
		k.m.wsEvents.WithLabelValues("reconnect").Inc()
	})
	t.OnConnect(func() {
		k.Log.Printf("[ws] connected; subscribing %d tokens", len(k.Tokens))
		k.m.wsEvents.WithLabelValues("connect").Inc()
		for _, chunk := range chunkTokens(k.Tokens, 200) {
			if err := t.Subscribe(chunk); err != nil {
				k.Log.Printf("[ws] subscribe chunk failed: %v", err)
			}
			if err := t.SetMode(kiteticker.ModeFull, chunk); err != nil {
				k.Log.Printf("[ws] set mode failed: %v", err)
			}
		}
	})
	t.OnNoReconnect(func(attempt int) {
		k.Log.Printf("[ws] no more reconnects after attempt %d", attempt)
		k.m.wsEvents.WithLabelValues("noreconnect").Inc()
	})
	t.OnTick(func(tk kitemodels.Tick) {
		key := k.TokenToKey[tk.InstrumentToken]
		if key == "" {
			return
		}
		tick, depth := FromKite(key, tk)
		// This runs on the websocket read loop, which must not block or the
		// broker disconnects us. A full handoff drops the update and counts it
		// in feed_updates_dropped_total; the engine sizes the handoff to its
		// TICK ring, so drops here mean the engine itself is saturated.
		select {
		case out <- Update{Tick: tick}:
			k.m.updates.WithLabelValues("kite", "tick").Inc()
		default:
			k.m.dropped.WithLabelValues("kite").Inc()
		}
		if depth == nil {
			return
		}
		select {
		case out <- Update{Depth: depth}:
			k.m.updates.WithLabelValues("kite", "depth").Inc()
		default:
			k.m.dropped.WithLabelValues("kite").Inc()
		}
	})

	stopped := make(chan struct{})
	go func() {
		t.ServeWithContext(ctx)
		close(stopped)
	}()
	go func() {
		<-ctx.Done()
		t.Stop()
		<-stopped
		close(out)
	}()
	return nil
}

// FromKite maps a full-mode Kite tick. depth is nil when the tick carries no
// book (LTP and quote modes, indices).
func FromKite(key string, tk kitemodels.Tick) (*shared.Tick, *shared.DepthEvent) {
	now := shared.NowMillis()
	t := &shared.Tick{
		Key:      key,
		LTP:      tk.LastPrice,
		LTT:      millisOr(tk.LastTradeTime.Time, now),
		LTQ:      int64(tk.LastTradedQuantity),
		CP:       tk.OHLC.Close,
		TBQ:      float64(tk.TotalBuyQuantity),
		TSQ:      float64(tk.TotalSellQuantity),
		VTT:      int64(tk.VolumeTraded),
		OI:       float64(tk.OI),
		ATP:      tk.AverageTradePrice,
		BestBid:  tk.Depth.Buy[0].Price,
		BestAsk:  tk.Depth.Sell[0].Price,
		DayOpen:  tk.OHLC.Open,
		DayHigh:  tk.OHLC.High,
		DayLow:   tk.OHLC.Low,
		DayClose: tk.OHLC.Close,
		Ts:       now,
	}
	if tk.IsIndex || tk.Mode != string(kiteticker.ModeFull) {
		return t, nil
	}
	d := &shared.DepthEvent{Key: key, Ts: now}
	for i := 0; i < shared.DepthLevels; i++ {
		b, s := tk.Depth.Buy[i], tk.Depth.Sell[i]
		d.Bids[i] = shared.DepthLevel{Price: b.Price, Qty: int64(b.Quantity), Orders: int64(b.Orders)}
		d.Asks[i] = shared.DepthLevel{Price: s.Price, Qty: int64(s.Quantity), Orders: int64(s.Orders)}
	}
	return t, d
}

func millisOr(t time.Time, fallback int64) int64 {
	if t.IsZero() {
		return fallback
	}
	return t.UnixMilli()
}

// LoadTokens reads instrument_token plus instrument_key (or tradingsymbol)
// columns from a CSV.
func LoadTokens(path string) ([]uint32, map[uint32]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, errors.New("tokens csv empty")
	}
	colTok, colKey := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "instrument_token":
			colTok = i
		case "instrument_key":
			colKey = i
		case "tradingsymbol":
			if colKey == -1 {
				colKey = i
			}
		}
	}
	if colTok == -1 || colKey == -1 {
		return nil, nil, errors.New("instrument_token and instrument_key/tradingsymbol columns required")
	}
	tokens := make([]uint32, 0, len(rows)-1)
	tokenToKey := make(map[uint32]string)
	for _, row := range rows[1:] {
		if colTok >= len(row) || colKey >= len(row) {
			continue
		}
		key := strings.TrimSpace(row[colKey])
		tok64, err := strconv.ParseUint(strings.TrimSpace(row[colTok]), 10, 32)
		if err != nil || key == "" {
			continue
		}
		tok := uint32(tok64)
		tokens = append(tokens, tok)
		tokenToKey[tok] = key
	}
	return tokens, tokenToKey, nil
}

// LoadAccessToken reads access_token from the login flow's JSON file.
func LoadAccessToken(path string) (string, error) {
	if path == "" {
		return "", errors.New("token path empty")
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc struct {
		AccessToken string `json:"access_token"`
	}
	if err := sonnet.Unmarshal(b, &doc); err != nil {
		return "", err
	}
	if doc.AccessToken == "" {
		return "", errors.New("access_token missing in token file")
	}
	return doc.AccessToken, nil
}

func chunkTokens(tokens []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = 200
	}
	var out [][]uint32
	for i := 0; i < len(tokens); i += size {
		out = append(out, tokens[i:min(i+size, len(tokens))])
	}
	return out
}
