package feed

import (
	"context"
	"errors"

	"ats-engine/go/pkg/shared"
)

// KafkaSource replays the ticks topic written by the websocket bridge.
type KafkaSource struct {
	Consumer shared.Consumer
	Log      shared.Logger
}

func (k *KafkaSource) Start(ctx context.Context, out chan<- Update) error {
	if k.Consumer == nil {
		return errors.New("kafka source: nil consumer")
	}
	if k.Log == nil {
		k.Log = shared.NopLogger()
	}
	m := newFeedMetrics()
	go func() {
		defer close(out)
		for {
			msg, err := k.Consumer.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				k.Log.Warnf("[kafka-feed] poll: %v", err)
				continue
			}
			t, err := shared.Decode[shared.Tick](msg)
			if err != nil || t.Key == "" {
				m.dropped.WithLabelValues("kafka").Inc()
				_ = k.Consumer.Commit(msg)
				continue
			}
			if !emit(ctx, out, Update{Tick: &t}) {
				return
			}
			m.updates.WithLabelValues("kafka", "tick").Inc()
			if err := k.Consumer.Commit(msg); err != nil {
				k.Log.Debugf("[kafka-feed] commit: %v", err)
			}
		}
	}()
	return nil
}
