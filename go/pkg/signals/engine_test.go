package signals

import (
	"errors"
	"testing"

	"ats-engine/go/pkg/auction"
	"ats-engine/go/pkg/shared"
)

type fixedProfiles map[string]auction.MarketProfile

func (f fixedProfiles) Profile(s string) (auction.MarketProfile, bool) {
	p, ok := f[s]
	return p, ok
}

type recorder struct{ got []shared.SignalEvent }

func (r *recorder) PublishSignal(ev shared.SignalEvent) error {
	r.got = append(r.got, ev)
	return nil
}

var va = auction.MarketProfile{VAH: 101, VAL: 99, POC: 100}

func TestBreakoutEmitsStateAndInitiative(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(fixedProfiles{"X": va}, rec, nil)
	if err := e.OnBar(shared.Bar{Symbol: "X", Close: 102, Delta: 50}); err != nil {
		t.Fatalf("OnBar: %v", err)
	}
	if e.State("X") != DiscoveryUp {
		t.Fatalf("state=%v want DISCOVERY_UP", e.State("X"))
	}
	if len(rec.got) != 2 {
		t.Fatalf("signals=%d want 2", len(rec.got))
	}
	if rec.got[0].Type != shared.SignalStateDiscoveryUp || rec.got[1].Type != shared.SignalInitiativeBuy {
		t.Fatalf("types=%v,%v", rec.got[0].Type, rec.got[1].Type)
	}
	for _, s := range rec.got {
		if s.Price != 102 || s.VAH != 101 || s.VAL != 99 || s.POC != 100 || s.Delta != 50 {
			t.Fatalf("unexpected signal %+v", s)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name  string
		from  State
		close float64
		delta int64
		want  State
	}{
		{"rotation holds inside", Rotation, 100, 10, Rotation},
		{"rotation up needs positive delta", Rotation, 102, -5, Rotation},
		{"rotation down", Rotation, 98, -5, DiscoveryDown},
		{"discovery up rejected below vah", DiscoveryUp, 100.5, 0, RejectionUp},
		{"discovery up below poc hits vah rule first", DiscoveryUp, 99.5, 0, RejectionUp},
		{"discovery up holds", DiscoveryUp, 103, -1, DiscoveryUp},
		{"discovery down rejected above val", DiscoveryDown, 99.5, 0, RejectionDown},
		{"discovery down holds", DiscoveryDown, 98, 1, DiscoveryDown},
		{"rejection up back inside", RejectionUp, 100, 0, Rotation},
		{"rejection down back inside", RejectionDown, 100.9, 0, Rotation},
		{"rejection stays on edge", RejectionUp, 101, 0, RejectionUp},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := NewEngine(fixedProfiles{"X": va}, &recorder{}, nil)
			e.states["X"] = c.from
			_ = e.OnBar(shared.Bar{Symbol: "X", Close: c.close, Delta: c.delta})
			if got := e.State("X"); got != c.want {
				t.Fatalf("%v -> %v want %v", c.from, got, c.want)
			}
		})
	}
}

func TestNoInitiativeOutsideRotation(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(fixedProfiles{"X": va}, rec, nil)
	e.states["X"] = DiscoveryUp
	_ = e.OnBar(shared.Bar{Symbol: "X", Close: 104, Delta: 80})
	if len(rec.got) != 0 {
		t.Fatalf("expected no signals, got %v", rec.got)
	}
}

func TestSellSide(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(fixedProfiles{"X": va}, rec, nil)
	_ = e.OnBar(shared.Bar{Symbol: "X", Close: 97, Delta: -30})
	if len(rec.got) != 2 || rec.got[0].Type != shared.SignalStateDiscoveryDown || rec.got[1].Type != shared.SignalInitiativeSell {
		t.Fatalf("got %v", rec.got)
	}
}

func TestMissingProfileSkips(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(fixedProfiles{}, rec, nil)
	err := e.OnBar(shared.Bar{Symbol: "Y", Close: 200, Delta: 10})
	if !errors.Is(err, shared.ErrProfileMissing) {
		t.Fatalf("err=%v want ErrProfileMissing", err)
	}
	if len(rec.got) != 0 || e.State("Y") != Rotation {
		t.Fatalf("state should be untouched")
	}
}
