// Package feed holds the tick sources and the ingress adapter that publishes
// their output onto the TICK and DEPTH stages.
package feed

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
)

// Update is one inbound market message; exactly one field is set.
type Update struct {
	Tick  *shared.Tick
	Depth *shared.DepthEvent
}

// Source emits updates on out until ctx ends or the source runs dry, then
// closes out. Start returns once the source is running.
type Source interface {
	Start(ctx context.Context, out chan<- Update) error
}

type feedMetrics struct {
	updates  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	wsEvents *prometheus.CounterVec
}

func newFeedMetrics() feedMetrics {
	return feedMetrics{
		updates: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_updates_total",
			Help: "Updates emitted by a tick source",
		}, []string{"source", "kind"}),
		dropped: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_updates_dropped_total",
			Help: "Updates a source could not decode or enqueue",
		}, []string{"source"}),
		wsEvents: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_ws_events_total",
			Help: "Websocket lifecycle events",
		}, []string{"event"}),
	}
}

// emit blocks until out accepts u or ctx ends.
func emit(ctx context.Context, out chan<- Update, u Update) bool {
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
