package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/bus"
	"github.com/brmartins/courier/internal/channel"
)

type fakeTyping struct {
	mu        sync.Mutex
	published []channel.TypingRecord
	onUpdate  map[string]func(channel.TypingRecord)
	unsubs    int
}

func newFakeTyping() *fakeTyping {
	return &fakeTyping{onUpdate: make(map[string]func(channel.TypingRecord))}
}

func (f *fakeTyping) Publish(_ context.Context, rec channel.TypingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, rec)
	return nil
}

func (f *fakeTyping) Subscribe(_ context.Context, conversationID string, onUpdate func(channel.TypingRecord)) (func(), error) {
	f.mu.Lock()
	f.onUpdate[conversationID] = onUpdate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}, nil
}

func (f *fakeTyping) emit(rec channel.TypingRecord) {
	f.mu.Lock()
	cb := f.onUpdate[rec.ConversationID]
	f.mu.Unlock()
	if cb != nil {
		cb(rec)
	}
}

func (f *fakeTyping) records() []channel.TypingRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channel.TypingRecord, len(f.published))
	copy(out, f.published)
	return out
}

func testEngine(ft *fakeTyping, cfg Config) *Engine {
	return NewEngine("me", ft, bus.New(), zap.NewNop(), cfg)
}

func TestKeystrokePublishesTransitionsOnly(t *testing.T) {
	ft := newFakeTyping()
	e := testEngine(ft, Config{})
	defer e.Stop()

	for i := 0; i < 5; i++ {
		e.Keystroke(context.Background(), "conv1")
	}

	recs := ft.records()
	if len(recs) != 1 {
		t.Fatalf("published %d records for 5 keystrokes, want 1", len(recs))
	}
	if !recs[0].IsTyping || recs[0].UserID != "me" {
		t.Errorf("record = %+v, want me typing", recs[0])
	}
}

func TestIdleAutoClear(t *testing.T) {
	ft := newFakeTyping()
	e := testEngine(ft, Config{IdleTimeout: 30 * time.Millisecond})
	defer e.Stop()

	e.Keystroke(context.Background(), "conv1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs := ft.records()
		if len(recs) == 2 {
			if recs[1].IsTyping {
				t.Fatal("auto-clear published typing=true")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle timer never cleared the typing flag")
}

func TestKeystrokeResetsIdleTimer(t *testing.T) {
	ft := newFakeTyping()
	e := testEngine(ft, Config{IdleTimeout: 60 * time.Millisecond})
	defer e.Stop()

	e.Keystroke(context.Background(), "conv1")
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		e.Keystroke(context.Background(), "conv1")
	}

	// 120ms of continuous typing has passed with a 60ms idle timeout; the
	// flag must still be set because every keystroke re-armed the timer.
	if recs := ft.records(); len(recs) != 1 {
		t.Fatalf("published %d records, want still just the initial typing=true", len(recs))
	}
}

func TestSendForceClears(t *testing.T) {
	ft := newFakeTyping()
	e := testEngine(ft, Config{IdleTimeout: time.Hour})
	defer e.Stop()

	e.Keystroke(context.Background(), "conv1")
	e.NotifySend("conv1")

	recs := ft.records()
	if len(recs) != 2 {
		t.Fatalf("published %d records, want typing then clear", len(recs))
	}
	if recs[1].IsTyping {
		t.Error("send did not clear the typing flag")
	}

	// Clearing again is a no-op.
	e.NotifySend("conv1")
	if recs := ft.records(); len(recs) != 2 {
		t.Errorf("published %d records after repeated clear, want 2", len(recs))
	}
}

func TestConcurrentClearNeverLeavesStaleFlag(t *testing.T) {
	// A send racing a keystroke must not publish its clear before the
	// keystroke's typing flag, which would strand a stale flag on the
	// substrate. Transition publishes are sequenced per conversation, so
	// the record stream always alternates and ends cleared.
	ft := newFakeTyping()
	e := testEngine(ft, Config{IdleTimeout: time.Hour})
	defer e.Stop()

	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.Keystroke(context.Background(), "conv1")
		}()
		go func() {
			defer wg.Done()
			e.NotifySend("conv1")
		}()
		wg.Wait()
		e.NotifySend("conv1")
	}

	recs := ft.records()
	if len(recs) == 0 {
		t.Fatal("no records published")
	}
	if recs[len(recs)-1].IsTyping {
		t.Error("final record is a stale typing flag")
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].IsTyping == recs[i-1].IsTyping {
			t.Fatalf("records %d and %d are both IsTyping=%v, want alternating transitions", i-1, i, recs[i].IsTyping)
		}
	}
}

func TestWatchExcludesSelf(t *testing.T) {
	ft := newFakeTyping()
	e := testEngine(ft, Config{})
	defer e.Stop()

	if _, err := e.Watch(context.Background(), "conv1"); err != nil {
		t.Fatal(err)
	}

	ft.emit(channel.TypingRecord{ConversationID: "conv1", UserID: "me", IsTyping: true, At: time.Now()})
	ft.emit(channel.TypingRecord{ConversationID: "conv1", UserID: "alice", IsTyping: true, At: time.Now()})

	users := e.TypingUsers("conv1")
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("typing users = %v, want [alice]", users)
	}
}

func TestWatchReportsTransitions(t *testing.T) {
	ft := newFakeTyping()
	b := bus.New()
	e := NewEngine("me", ft, b, zap.NewNop(), Config{})
	defer e.Stop()

	events, unsub := b.Subscribe("typing.changed", 8)
	defer unsub()

	if _, err := e.Watch(context.Background(), "conv1"); err != nil {
		t.Fatal(err)
	}

	ft.emit(channel.TypingRecord{ConversationID: "conv1", UserID: "alice", IsTyping: true, At: time.Now()})

	select {
	case evt := <-events:
		change := evt.Payload.(Change)
		if len(change.Users) != 1 || change.Users[0] != "alice" {
			t.Errorf("change = %+v, want alice typing", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no typing.changed event")
	}

	// A refresh of the same flag is not a transition.
	ft.emit(channel.TypingRecord{ConversationID: "conv1", UserID: "alice", IsTyping: true, At: time.Now()})
	select {
	case <-events:
		t.Fatal("refresh of an active flag produced an event")
	case <-time.After(50 * time.Millisecond):
	}

	ft.emit(channel.TypingRecord{ConversationID: "conv1", UserID: "alice", IsTyping: false, At: time.Now()})
	select {
	case evt := <-events:
		change := evt.Payload.(Change)
		if len(change.Users) != 0 {
			t.Errorf("users = %v after clear, want empty", change.Users)
		}
	case <-time.After(time.Second):
		t.Fatal("no clear event")
	}
}

func TestWatchExpiresStaleRemoteFlag(t *testing.T) {
	ft := newFakeTyping()
	b := bus.New()
	e := NewEngine("me", ft, b, zap.NewNop(), Config{IdleTimeout: 30 * time.Millisecond})
	defer e.Stop()

	if _, err := e.Watch(context.Background(), "conv1"); err != nil {
		t.Fatal(err)
	}

	// alice's client dies without publishing a clear.
	ft.emit(channel.TypingRecord{ConversationID: "conv1", UserID: "alice", IsTyping: true, At: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.TypingUsers("conv1")) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stale remote typing flag never expired")
}

func TestUnwatchReleasesSubscription(t *testing.T) {
	ft := newFakeTyping()
	e := testEngine(ft, Config{})

	release, err := e.Watch(context.Background(), "conv1")
	if err != nil {
		t.Fatal(err)
	}
	release()

	ft.mu.Lock()
	unsubs := ft.unsubs
	ft.mu.Unlock()
	if unsubs != 1 {
		t.Errorf("unsubs = %d, want 1", unsubs)
	}

	if users := e.TypingUsers("conv1"); users != nil {
		t.Errorf("typing users after unwatch = %v, want nil", users)
	}
}

func TestFormatTyping(t *testing.T) {
	cases := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"Alice"}, "Alice is typing..."},
		{[]string{"Alice", "Bob"}, "Alice and Bob are typing..."},
		{[]string{"Alice", "Bob", "Carol"}, "Alice, Bob and Carol are typing..."},
		{[]string{"Alice", "Bob", "Carol", "Dan"}, "Alice, Bob, Carol and 1 others are typing..."},
		{[]string{"Alice", "Bob", "Carol", "Dan", "Eve"}, "Alice, Bob, Carol and 2 others are typing..."},
	}
	for _, tc := range cases {
		if got := FormatTyping(tc.names, 3); got != tc.want {
			t.Errorf("FormatTyping(%v) = %q, want %q", tc.names, got, tc.want)
		}
	}
}
