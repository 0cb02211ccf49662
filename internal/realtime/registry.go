package realtime

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tripsaga/internal/saga"
)

const (
	DefaultBufferSize  = 16
	DefaultIdleTimeout = 60 * time.Second
)

// Event is one progress notification pushed to a subscribed client.
type Event struct {
	Message       string    `json:"message"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
	Step          string    `json:"step,omitempty"`
	InvoiceURL    string    `json:"invoiceUrl,omitempty"`
	Data          any       `json:"data,omitempty"`
}

// Sink writes events to one connected client.
type Sink interface {
	Send(Event) error
	Close() error
}

// DeliveryResult reports whether an event was queued for a subscriber.
type DeliveryResult int

const (
	NoSubscriber DeliveryResult = iota
	Delivered
	// Stale means the event would move the stream backwards and was discarded.
	Stale
)

func (d DeliveryResult) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Stale:
		return "stale"
	default:
		return "no_subscriber"
	}
}

// Handle is a registered stream bound to one correlation ID.
type Handle struct {
	id      string
	sink    Sink
	queue   chan Event
	done    chan struct{}
	idle    time.Duration
	mu      sync.Mutex
	closed  bool
	aborted atomic.Bool

	// rank and finished track the furthest status queued so far.
	rank     int
	finished bool
}

// ID returns the correlation ID the handle is bound to.
func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the writer has exited and the sink is closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// enqueue queues ev unless it follows a terminal event or ranks below what the subscriber has
// already been sent. Events without a known status are always queued.
func (h *Handle) enqueue(ev Event) DeliveryResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return NoSubscriber
	}
	status := saga.Status(ev.Status)
	rank := status.Rank()
	if h.finished || (rank > 0 && rank < h.rank) {
		return Stale
	}
	select {
	case h.queue <- ev:
	default:
		return NoSubscriber
	}
	if rank > h.rank {
		h.rank = rank
	}
	if status.Terminal() {
		h.finished = true
	}
	return Delivered
}

// close stops accepting events. With flush, queued events are still written before the sink closes.
func (h *Handle) close(flush bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if !flush {
		h.aborted.Store(true)
	}
	close(h.queue)
}

// Registry tracks at most one stream handle per correlation ID.
type Registry struct {
	mu          sync.Mutex
	handles     map[string]*Handle
	bufferSize  int
	idleTimeout time.Duration
	logf        func(format string, args ...any)
}

// Option configures a Registry.
type Option func(*Registry)

// WithBufferSize bounds the per-handle event queue.
func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithIdleTimeout removes a handle after d without any event. Zero disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

// WithLogger overrides the registry logger.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(r *Registry) {
		if logf != nil {
			r.logf = logf
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handles:     make(map[string]*Handle),
		bufferSize:  DefaultBufferSize,
		idleTimeout: DefaultIdleTimeout,
		logf:        log.Printf,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds sink to id and starts its writer. A previous handle for id is closed. Once gone
// is closed the client is treated as disconnected and the handle detaches itself; a nil gone
// never fires.
func (r *Registry) Register(id string, sink Sink, gone <-chan struct{}) *Handle {
	h := &Handle{
		id:    id,
		sink:  sink,
		queue: make(chan Event, r.bufferSize),
		done:  make(chan struct{}),
		idle:  r.idleTimeout,
	}

	r.mu.Lock()
	previous := r.handles[id]
	r.handles[id] = h
	r.mu.Unlock()

	if previous != nil {
		previous.close(false)
	}
	go r.run(h, gone)
	return h
}

// Deliver queues ev for the subscriber of id without blocking. A full or closed queue tears
// the handle down and reports NoSubscriber. Events that would regress the stream, or follow a
// terminal one, are discarded as Stale.
func (r *Registry) Deliver(id string, ev Event) DeliveryResult {
	r.mu.Lock()
	h := r.handles[id]
	r.mu.Unlock()
	if h == nil {
		return NoSubscriber
	}
	if res := h.enqueue(ev); res != NoSubscriber {
		return res
	}
	r.logf("realtime: dropping stream %s: subscriber not keeping up", id)
	r.Detach(h)
	return NoSubscriber
}

// Remove closes the handle for id after flushing queued events. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	h := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if h != nil {
		h.close(true)
	}
}

// Detach drops h if it is still the current handle for its id and discards its queued events.
func (r *Registry) Detach(h *Handle) {
	r.mu.Lock()
	if r.handles[h.id] == h {
		delete(r.handles, h.id)
	}
	r.mu.Unlock()
	h.close(false)
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// CloseAll removes every handle, flushing queued events.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()
	for _, h := range handles {
		h.close(true)
	}
}

func (r *Registry) run(h *Handle, gone <-chan struct{}) {
	defer close(h.done)
	defer func() {
		if err := h.sink.Close(); err != nil {
			r.logf("realtime: close stream %s: %v", h.id, err)
		}
	}()

	var (
		timer *time.Timer
		idle  <-chan time.Time
	)
	if h.idle > 0 {
		timer = time.NewTimer(h.idle)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case ev, ok := <-h.queue:
			if !ok {
				return
			}
			if h.aborted.Load() {
				continue
			}
			if err := h.sink.Send(ev); err != nil {
				r.logf("realtime: write stream %s: %v", h.id, err)
				r.Detach(h)
				continue
			}
			if timer != nil {
				timer.Reset(h.idle)
			}
		case <-idle:
			r.logf("realtime: stream %s idle for %s", h.id, h.idle)
			idle = nil
			r.Detach(h)
		case <-gone:
			gone = nil
			r.Detach(h)
		}
	}
}
