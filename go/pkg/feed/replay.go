package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ats-engine/go/pkg/shared"
)

const replaySQL = `SELECT symbol, ltp, ltq, ltt, cp, tbq, tsq, vtt, oi, iv, atp, best_bid, best_ask, theta, delta, ts
FROM ticks WHERE ts >= $1 AND ts < $2 ORDER BY ts`

// ReplaySource reads a window of the persisted ticks table in timestamp
// order, pausing Delay between events.
type ReplaySource struct {
	DB       shared.Querier
	From, To time.Time
	Delay    time.Duration
	Log      shared.Logger
}

func (r *ReplaySource) Start(ctx context.Context, out chan<- Update) error {
	if r.DB == nil {
		return errors.New("replay source: nil db")
	}
	if r.Log == nil {
		r.Log = shared.NopLogger()
	}
	to := r.To
	if to.IsZero() {
		to = time.Now()
	}
	rows, err := r.DB.Query(ctx, replaySQL, r.From.UTC(), to.UTC())
	if err != nil {
		return fmt.Errorf("replay query: %w", err)
	}
	m := newFeedMetrics()
	go func() {
		defer close(out)
		defer rows.Close()
		n := 0
		for rows.Next() {
			var (
				t       shared.Tick
				ltt, ts time.Time
			)
			if err := rows.Scan(&t.Key, &t.LTP, &t.LTQ, &ltt, &t.CP, &t.TBQ, &t.TSQ, &t.VTT, &t.OI, &t.IV,
				&t.ATP, &t.BestBid, &t.BestAsk, &t.Theta, &t.OptionDelta, &ts); err != nil {
				m.dropped.WithLabelValues("replay").Inc()
				continue
			}
			t.LTT, t.Ts = ltt.UnixMilli(), ts.UnixMilli()
			if !emit(ctx, out, Update{Tick: &t}) {
				return
			}
			m.updates.WithLabelValues("replay", "tick").Inc()
			n++
			if r.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.Delay):
				}
			}
		}
		if err := rows.Err(); err != nil {
			r.Log.Errorf("[replay] rows: %v", err)
		}
		r.Log.Printf("[replay] finished after %d ticks", n)
	}()
	return nil
}
