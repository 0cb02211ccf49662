package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tripsaga/internal/dispatch"
	"tripsaga/internal/observability"
	"tripsaga/internal/realtime"
	"tripsaga/internal/reliability"
	"tripsaga/internal/saga"
	"tripsaga/internal/store"
)

type fakeStreams struct {
	mu         sync.Mutex
	subscribed map[string]bool
	events     map[string][]realtime.Event
	removed    map[string]int
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		subscribed: make(map[string]bool),
		events:     make(map[string][]realtime.Event),
		removed:    make(map[string]int),
	}
}

func (f *fakeStreams) Register(id string, _ realtime.Sink, _ <-chan struct{}) *realtime.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[id] = true
	return &realtime.Handle{}
}

func (f *fakeStreams) Deliver(id string, ev realtime.Event) realtime.DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.subscribed[id] {
		return realtime.NoSubscriber
	}
	f.events[id] = append(f.events[id], ev)
	return realtime.Delivered
}

func (f *fakeStreams) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[id] = false
	f.removed[id]++
}

func (f *fakeStreams) Detach(*realtime.Handle) {}

func (f *fakeStreams) statuses(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events[id] {
		out = append(out, ev.Status)
	}
	return out
}

func (f *fakeStreams) last(id string) realtime.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.events[id]
	if len(evs) == 0 {
		return realtime.Event{}
	}
	return evs[len(evs)-1]
}

func (f *fakeStreams) isSubscribed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[id]
}

type recordingDispatcher struct {
	mu       sync.Mutex
	commands []dispatch.Command
	err      error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, cmd dispatch.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.commands = append(d.commands, cmd)
	return nil
}

func (d *recordingDispatcher) steps() []saga.Step {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []saga.Step
	for _, cmd := range d.commands {
		out = append(out, cmd.Step)
	}
	return out
}

func (d *recordingDispatcher) lastCommand() dispatch.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.commands) == 0 {
		return dispatch.Command{}
	}
	return d.commands[len(d.commands)-1]
}

// barrierStore holds the next n Gets until all of them have read, so their callers race on Update.
type barrierStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func (b *barrierStore) arm(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waiting = n
	b.release = make(chan struct{})
}

func (b *barrierStore) Get(ctx context.Context, id string) (saga.Saga, error) {
	s, err := b.MemoryStore.Get(ctx, id)
	b.mu.Lock()
	if b.waiting == 0 {
		b.mu.Unlock()
		return s, err
	}
	b.waiting--
	release := b.release
	if b.waiting == 0 {
		close(release)
	}
	b.mu.Unlock()
	<-release
	return s, err
}

// flakyStore fails Get or Update a fixed number of times, or forever when the count is negative.
type flakyStore struct {
	*store.MemoryStore
	mu          sync.Mutex
	getErr      error
	getFails    int
	updateErr   error
	updateFails int
}

func (f *flakyStore) Get(ctx context.Context, id string) (saga.Saga, error) {
	f.mu.Lock()
	if f.getFails != 0 {
		f.getFails--
		f.mu.Unlock()
		return saga.Saga{}, f.getErr
	}
	f.mu.Unlock()
	return f.MemoryStore.Get(ctx, id)
}

func (f *flakyStore) Update(ctx context.Context, s saga.Saga) (saga.Saga, error) {
	f.mu.Lock()
	if f.updateFails != 0 {
		f.updateFails--
		f.mu.Unlock()
		return saga.Saga{}, f.updateErr
	}
	f.mu.Unlock()
	return f.MemoryStore.Update(ctx, s)
}

type harness struct {
	svc        *Service
	streams    *fakeStreams
	dispatcher *recordingDispatcher
	metrics    *observability.Metrics
}

func newHarness(t *testing.T, st saga.Store, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		streams:    newFakeStreams(),
		dispatcher: &recordingDispatcher{},
		metrics:    observability.NewMetrics(),
	}
	base := []Option{
		WithMetrics(h.metrics),
		WithLogger(t.Logf),
		WithRetryPolicy(reliability.RetryPolicy{MaxAttempts: 5}),
		WithIDGenerator(func() string { return "abc" }),
	}
	h.svc = NewService(st, h.streams, h.dispatcher, append(base, opts...)...)
	return h
}

// seed stores a saga already at status.
func seed(t *testing.T, st saga.Store, id string, status saga.Status) {
	t.Helper()
	s := saga.New(id, saga.Request{Trip: "Rome→Milan", People: 2}, time.Now())
	s.Status = status
	if err := st.Create(context.Background(), s); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func mustStatus(t *testing.T, st saga.Store, id string, want saga.Status) saga.Saga {
	t.Helper()
	s, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if s.Status != want {
		t.Fatalf("expected %s to be %s, got %s", id, want, s.Status)
	}
	return s
}

func reply(t *testing.T, id string, step saga.Step, outcome saga.Outcome, data map[string]any) saga.Reply {
	t.Helper()
	r, err := saga.NewReply(id, string(step), string(outcome), data)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	return r
}

var errStoreDown = errors.New("store unavailable")
