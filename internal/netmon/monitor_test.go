package netmon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := New(bus.New(), zap.NewNop())
	if m.Current() != Starting {
		t.Errorf("initial state = %s, want STARTING", m.Current())
	}
	if m.Online() {
		t.Error("monitor reports online before any observation")
	}
}

func TestTransitionPublishesEvents(t *testing.T) {
	b := bus.New()
	m := New(b, zap.NewNop())
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	m.SetOnline(true)

	select {
	case evt := <-ch:
		if evt.Kind != "net.online" {
			t.Errorf("kind = %q, want net.online", evt.Kind)
		}
		change, ok := evt.Payload.(StateChange)
		if !ok || change.From != Starting || change.To != Online {
			t.Errorf("payload = %+v, want Starting->Online", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for net.online")
	}

	m.SetOnline(false)

	select {
	case evt := <-ch:
		if evt.Kind != "net.offline" {
			t.Errorf("kind = %q, want net.offline", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for net.offline")
	}
}

func TestRepeatedObservationIsNoOp(t *testing.T) {
	b := bus.New()
	m := New(b, zap.NewNop())
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(true)

	<-ch
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: only one transition.
	}
}

func TestProbeFeedsMonitor(t *testing.T) {
	b := bus.New()
	m := New(b, zap.NewNop())

	var reachable atomic.Bool
	reachable.Store(true)

	m.StartProbe(context.Background(), func(context.Context) bool {
		return reachable.Load()
	}, 20*time.Millisecond)
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for !m.Online() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !m.Online() {
		t.Fatal("monitor never went online")
	}

	reachable.Store(false)
	deadline = time.Now().Add(time.Second)
	for m.Online() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Online() {
		t.Fatal("monitor never went offline after probe failures")
	}
}
