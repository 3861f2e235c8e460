package netmon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/bus"
)

type fakeProber struct{ up atomic.Bool }

func (f *fakeProber) Probe(context.Context) bool { return f.up.Load() }

func TestTransitionsPublishOnce(t *testing.T) {
	b := bus.New()
	m := NewMonitor(&fakeProber{}, time.Hour, b, nil)

	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	m.Set(true)
	m.Set(true) // no transition, no event
	m.Set(false)

	wantKinds := []string{"net.online", "net.offline"}
	for _, want := range wantKinds {
		select {
		case evt := <-ch:
			if evt.Kind != want {
				t.Errorf("kind = %q, want %q", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected extra event %q", evt.Kind)
	default:
	}
}

func TestProbeLoopFlipsOnline(t *testing.T) {
	b := bus.New()
	prober := &fakeProber{}
	prober.up.Store(true)
	m := NewMonitor(prober, 10*time.Millisecond, b, nil)

	ch, unsub := b.Subscribe("net.online", 10)
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for net.online from probe loop")
	}
	if !m.Online() {
		t.Error("Online() = false after successful probe")
	}
}
