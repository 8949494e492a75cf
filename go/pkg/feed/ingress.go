package feed

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"ats-engine/go/pkg/shared"
)

// Stages is the producer side of TICK and DEPTH.
type Stages interface {
	PublishTick(t *shared.Tick) error
	PublishDepth(d *shared.DepthEvent) error
}

// Ingress is the single producer of TICK and DEPTH. It interns instrument
// keys and stamps the ingest time when a source left it empty.
type Ingress struct {
	out  Stages
	log  shared.Logger
	now  func() int64
	seen *prometheus.CounterVec
}

func NewIngress(out Stages, log shared.Logger) *Ingress {
	if log == nil {
		log = shared.NopLogger()
	}
	return &Ingress{
		out: out,
		log: log,
		now: shared.NowMillis,
		seen: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "ingress_published_total",
			Help: "Updates published onto the core stages",
		}, []string{"kind"}),
	}
}

// Run publishes every update from in until in is closed or ctx ends.
// Publishing blocks while a stage is saturated.
func (g *Ingress) Run(ctx context.Context, in <-chan Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-in:
			if !ok {
				return nil
			}
			if err := g.publish(u); err != nil {
				if errors.Is(err, shared.ErrStageClosed) {
					return err
				}
				g.log.Warnf("[ingress] publish: %v", err)
			}
		}
	}
}

func (g *Ingress) publish(u Update) error {
	switch {
	case u.Tick != nil:
		t := u.Tick
		if t.Key == "" {
			return nil
		}
		t.Key = shared.Intern(t.Key)
		if t.Ts == 0 {
			t.Ts = g.now()
		}
		g.seen.WithLabelValues("tick").Inc()
		return g.out.PublishTick(t)
	case u.Depth != nil:
		d := u.Depth
		if d.Key == "" {
			return nil
		}
		d.Key = shared.Intern(d.Key)
		if d.Ts == 0 {
			d.Ts = g.now()
		}
		g.seen.WithLabelValues("depth").Inc()
		return g.out.PublishDepth(d)
	}
	return nil
}
