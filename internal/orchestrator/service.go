// Package orchestrator drives booking sagas: it applies user selections and worker replies to the
// state machine, persists every transition before announcing it, and dispatches the next step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"tripsaga/internal/dispatch"
	"tripsaga/internal/observability"
	"tripsaga/internal/realtime"
	"tripsaga/internal/reliability"
	"tripsaga/internal/saga"
)

// ErrInternal is returned when a saga could not be advanced within the retry budget.
var ErrInternal = errors.New("internal error")

const (
	DefaultMaxAttempts     = 5
	DefaultParkLimit       = 8
	DefaultDispatchTimeout = 10 * time.Second
)

// Streams is the part of the stream registry the orchestrator talks to.
type Streams interface {
	Register(id string, sink realtime.Sink, gone <-chan struct{}) *realtime.Handle
	Deliver(id string, ev realtime.Event) realtime.DeliveryResult
	Remove(id string)
	Detach(h *realtime.Handle)
}

// SelectionResult reports the saga state after a user decision.
type SelectionResult struct {
	Status   saga.Status `json:"status"`
	NextStep saga.Step   `json:"nextStep"`
}

// Service implements the saga operations on top of a store, a stream registry and a dispatcher.
type Service struct {
	store           saga.Store
	streams         Streams
	dispatcher      dispatch.Dispatcher
	metrics         *observability.Metrics
	retry           reliability.RetryPolicy
	parked          *parkingLot
	dispatchTimeout time.Duration
	newID           func() string
	now             func() time.Time
	logf            func(format string, args ...any)
}

// Option configures a Service.
type Option func(*Service)

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logf func(format string, args ...any)) Option {
	return func(s *Service) {
		if logf != nil {
			s.logf = logf
		}
	}
}

// WithRetryPolicy replaces the policy used for store conflicts and transient store errors.
func WithRetryPolicy(p reliability.RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// WithParkLimit bounds how many early replies are held per saga.
func WithParkLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parked = newParkingLot(n)
		}
	}
}

func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.dispatchTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService constructs a Service.
func NewService(store saga.Store, streams Streams, dispatcher dispatch.Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:      store,
		streams:    streams,
		dispatcher: dispatcher,
		retry: reliability.RetryPolicy{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    250 * time.Millisecond,
		},
		parked:          newParkingLot(DefaultParkLimit),
		dispatchTimeout: DefaultDispatchTimeout,
		newID:           uuid.NewString,
		now:             time.Now,
		logf:            log.Printf,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = func(attempt int, err error) {
			s.logf("orchestrator: attempt %d failed, retrying: %v", attempt, err)
		}
	}
	return s
}

// CreateSaga validates req and stores a new saga. Nothing is dispatched until a stream opens.
func (s *Service) CreateSaga(ctx context.Context, req saga.Request) (string, error) {
	span := s.metrics.Start("CreateSaga")
	id, err := s.createSaga(ctx, req)
	span.End(err)
	return id, err
}

func (s *Service) createSaga(ctx context.Context, req saga.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	sg := saga.New(s.newID(), req, s.now())
	err := s.retry.Do(ctx, func() error {
		if err := s.store.Create(ctx, sg); err != nil {
			if errors.Is(err, saga.ErrConflict) {
				return reliability.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", s.escalate("create", sg.CorrelationID, err)
	}
	s.metrics.Incr(observability.CounterSagasCreated)
	return sg.CorrelationID, nil
}

// GetSaga returns the persisted saga.
func (s *Service) GetSaga(ctx context.Context, id string) (saga.Saga, error) {
	span := s.metrics.Start("GetSaga")
	sg, err := s.load(ctx, id)
	span.End(err)
	return sg, err
}

// OpenStream subscribes sink to the saga. A CREATED saga is started and its first step dispatched;
// any later saga gets its current status as a catch-up event instead. The subscription ends by
// itself when ctx is done. Once the sink is registered the handle is returned even on error,
// already closing, so callers can wait for it to drain.
func (s *Service) OpenStream(ctx context.Context, id string, sink realtime.Sink) (*realtime.Handle, error) {
	span := s.metrics.Start("OpenStream")
	h, err := s.openStream(ctx, id, sink)
	span.End(err)
	return h, err
}

func (s *Service) openStream(ctx context.Context, id string, sink realtime.Sink) (*realtime.Handle, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	h := s.streams.Register(id, sink, ctx.Done())
	if current.Status != saga.StatusCreated {
		s.emit(current, current.Awaiting, "", nil)
		return h, nil
	}

	started, _, err := s.commit(ctx, id, "open stream", func(cur saga.Saga) (saga.Saga, bool, error) {
		next, err := cur.Apply(saga.EventStreamOpened, s.now())
		return next, err == nil, err
	})
	if err != nil {
		if _, ok := saga.IsRejected(err); ok {
			// Another opener started the saga first.
			latest, err := s.load(ctx, id)
			if err != nil {
				s.streams.Detach(h)
				return h, err
			}
			s.emit(latest, latest.Awaiting, "", nil)
			return h, nil
		}
		if !errors.Is(err, ErrInternal) {
			s.streams.Detach(h)
		}
		return h, err
	}

	bg := context.WithoutCancel(ctx)
	s.emit(started, "", "", nil)
	s.dispatchStep(bg, started, saga.StepTransport)
	s.replay(bg, id)
	return h, nil
}

// CloseStream drops the subscriber of id. The saga itself keeps running.
func (s *Service) CloseStream(id string) {
	s.streams.Remove(id)
}

// SubmitSelection records a user decision for stepName. Transport and hotel selections advance the
// saga and dispatch the following step; a payment method is only recorded.
func (s *Service) SubmitSelection(ctx context.Context, id, stepName, selection string) (SelectionResult, error) {
	span := s.metrics.Start("SubmitSelection")
	res, err := s.submitSelection(ctx, id, stepName, selection)
	span.End(err)
	return res, err
}

func (s *Service) submitSelection(ctx context.Context, id, stepName, selection string) (SelectionResult, error) {
	step, err := saga.ParseStep(stepName)
	if err != nil {
		return SelectionResult{}, err
	}
	selection = strings.TrimSpace(selection)
	if selection == "" {
		return SelectionResult{}, fmt.Errorf("%w: selection is required", saga.ErrInvalidRequest)
	}
	if step == saga.StepPayment {
		return s.recordPaymentMethod(ctx, id, selection)
	}

	ev := saga.EventTransportConfirmed
	if step == saga.StepHotel {
		ev = saga.EventHotelConfirmed
	}
	sg, _, err := s.commit(ctx, id, "select "+string(step), func(cur saga.Saga) (saga.Saga, bool, error) {
		next, err := cur.Apply(ev, s.now())
		if err != nil {
			return cur, false, err
		}
		if err := next.Selections.Set(step, selection); err != nil {
			return cur, false, err
		}
		return next, true, nil
	})
	if err != nil {
		s.countRejection(err)
		return SelectionResult{}, err
	}

	bg := context.WithoutCancel(ctx)
	s.emit(sg, step, "", nil)
	nextStep := step.Next()
	status := s.dispatchStep(bg, sg, nextStep)
	s.replay(bg, id)
	return SelectionResult{Status: status, NextStep: nextStep}, nil
}

func (s *Service) recordPaymentMethod(ctx context.Context, id, method string) (SelectionResult, error) {
	sg, _, err := s.commit(ctx, id, "select payment", func(cur saga.Saga) (saga.Saga, bool, error) {
		switch cur.Status {
		case saga.StatusInProgress, saga.StatusTransportConfirmed, saga.StatusHotelConfirmed:
		default:
			reason := saga.ReasonDuplicate
			if cur.Status.Terminal() {
				reason = saga.ReasonTerminal
			} else if cur.Status == saga.StatusCreated {
				reason = saga.ReasonOutOfOrder
			}
			return cur, false, &saga.RejectedError{From: cur.Status, Event: saga.EventPaymentConfirmed, Reason: reason}
		}
		if cur.Selections.PaymentMethod == method {
			return cur, false, nil
		}
		if err := cur.Selections.Set(saga.StepPayment, method); err != nil {
			return cur, false, err
		}
		cur.UpdatedAt = s.now().UTC()
		return cur, true, nil
	})
	if err != nil {
		s.countRejection(err)
		return SelectionResult{}, err
	}
	return SelectionResult{Status: sg.Status}, nil
}

// HandleWorkerReply applies an asynchronous worker reply. Duplicate and late replies are silent
// no-ops; replies that arrive ahead of their predecessor are parked and applied once it lands.
func (s *Service) HandleWorkerReply(ctx context.Context, reply saga.Reply) error {
	span := s.metrics.Start("HandleWorkerReply")
	err := s.handleReply(ctx, reply)
	span.End(err)
	return err
}

func (s *Service) handleReply(ctx context.Context, reply saga.Reply) error {
	if reply.Outcome == saga.OutcomeFailure {
		return s.failStep(ctx, reply.CorrelationID, reply.Step, reply.FailureReason())
	}
	switch reply.Step {
	case saga.StepTransport:
		return s.transportOffered(ctx, reply)
	case saga.StepHotel:
		return s.hotelConfirmed(ctx, reply)
	case saga.StepPayment:
		return s.paymentConfirmed(ctx, reply)
	default:
		return fmt.Errorf("%w: unknown step %q", saga.ErrInvalidRequest, reply.Step)
	}
}

// transportOffered records that transport options await a user decision. It is accepted exactly
// when a transport confirmation would be, and only once.
func (s *Service) transportOffered(ctx context.Context, reply saga.Reply) error {
	var offer saga.TransportResult
	s.decodeResult(reply, &offer)
	sg, _, err := s.commit(ctx, reply.CorrelationID, "transport reply", func(cur saga.Saga) (saga.Saga, bool, error) {
		if _, err := saga.Transition(cur.Status, saga.EventTransportConfirmed); err != nil {
			return cur, false, err
		}
		if cur.Awaiting == saga.StepTransport {
			return cur, false, &saga.RejectedError{From: cur.Status, Event: saga.EventTransportConfirmed, Reason: saga.ReasonDuplicate}
		}
		cur.Awaiting = saga.StepTransport
		cur.UpdatedAt = s.now().UTC()
		return cur, true, nil
	})
	if err != nil {
		return s.absorb(ctx, reply, err)
	}
	var data any
	if len(offer.Options) > 0 {
		data = offer.Options
	}
	s.emit(sg, saga.StepTransport, "transport options ready", data)
	return nil
}

func (s *Service) hotelConfirmed(ctx context.Context, reply saga.Reply) error {
	var booked saga.HotelResult
	s.decodeResult(reply, &booked)
	sg, _, err := s.commit(ctx, reply.CorrelationID, "hotel reply", func(cur saga.Saga) (saga.Saga, bool, error) {
		next, err := cur.Apply(saga.EventHotelConfirmed, s.now())
		if err != nil {
			return cur, false, err
		}
		if next.Selections.Hotel == "" && booked.HotelID != "" {
			next.Selections.Hotel = booked.HotelID
		}
		return next, true, nil
	})
	if err != nil {
		return s.absorb(ctx, reply, err)
	}
	bg := context.WithoutCancel(ctx)
	s.emit(sg, saga.StepHotel, "", nil)
	s.dispatchStep(bg, sg, saga.StepPayment)
	s.replay(bg, reply.CorrelationID)
	return nil
}

// paymentConfirmed records the payment and then finalizes the saga. A duplicate that finds the
// payment recorded but not finalized completes the finalization.
func (s *Service) paymentConfirmed(ctx context.Context, reply saga.Reply) error {
	var paid saga.PaymentResult
	s.decodeResult(reply, &paid)
	sg, _, err := s.commit(ctx, reply.CorrelationID, "payment reply", func(cur saga.Saga) (saga.Saga, bool, error) {
		next, err := cur.Apply(saga.EventPaymentConfirmed, s.now())
		if err != nil {
			return cur, false, err
		}
		next.Selections.PaymentRef = paid.PaymentRef
		next.Selections.InvoiceURL = paid.InvoiceURL
		return next, true, nil
	})
	if err != nil {
		rejected, ok := saga.IsRejected(err)
		if !ok || rejected.From != saga.StatusPaymentConfirmed {
			return s.absorb(ctx, reply, err)
		}
	} else {
		s.emit(sg, saga.StepPayment, "", nil)
	}

	done, _, err := s.commit(ctx, reply.CorrelationID, "finalize", func(cur saga.Saga) (saga.Saga, bool, error) {
		next, err := cur.Apply(saga.EventFinalized, s.now())
		return next, err == nil, err
	})
	if err != nil {
		if _, ok := saga.IsRejected(err); ok {
			return nil
		}
		return err
	}
	s.emit(done, saga.StepPayment, "", nil)
	return nil
}

// decodeResult fills out from the reply data. Result fields are optional; data of the wrong
// shape is logged and dropped.
func (s *Service) decodeResult(reply saga.Reply, out any) {
	if err := reply.Decode(out); err != nil {
		s.metrics.Incr(observability.CounterReplyDataIgnored)
		s.logf("orchestrator: ignoring %s reply data for %s: %v", reply.Step, reply.CorrelationID, err)
	}
}

// failStep drives the saga to FAILED. A saga that already terminated is left alone.
func (s *Service) failStep(ctx context.Context, id string, step saga.Step, reason string) error {
	sg, _, err := s.commit(ctx, id, "fail "+string(step), func(cur saga.Saga) (saga.Saga, bool, error) {
		next, err := cur.Apply(saga.EventStepFailed, s.now())
		if err != nil {
			return cur, false, err
		}
		next.FailureReason = reason
		return next, true, nil
	})
	if err != nil {
		if rejected, ok := saga.IsRejected(err); ok {
			s.countRejection(err)
			s.metrics.Incr(observability.CounterRepliesIgnored)
			s.logf("orchestrator: ignoring %s failure for %s: %v", step, id, rejected)
			return nil
		}
		return err
	}
	s.emit(sg, step, "", nil)
	return nil
}

// dispatchStep hands step to a worker and returns the resulting status. An unreachable worker
// fails the saga on the spot.
func (s *Service) dispatchStep(ctx context.Context, sg saga.Saga, step saga.Step) saga.Status {
	if step == "" {
		return sg.Status
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
	defer cancel()

	err := s.dispatcher.Dispatch(dctx, dispatch.CommandFor(sg, step))
	if err == nil {
		return sg.Status
	}
	s.metrics.Incr(observability.CounterDispatchFailures)
	s.logf("orchestrator: dispatch %s for %s: %v", step, sg.CorrelationID, err)
	if ferr := s.failStep(dctx, sg.CorrelationID, step, fmt.Sprintf("%s worker unreachable", step)); ferr != nil {
		s.logf("orchestrator: fail %s after dispatch error: %v", sg.CorrelationID, ferr)
		return sg.Status
	}
	return saga.StatusFailed
}

// absorb turns a state machine rejection of a worker reply into a no-op, parking replies that
// arrived before their predecessor. Other errors pass through.
func (s *Service) absorb(ctx context.Context, reply saga.Reply, err error) error {
	rejected, ok := saga.IsRejected(err)
	if !ok {
		return err
	}
	s.countRejection(err)
	if rejected.Reason == saga.ReasonOutOfOrder {
		s.park(ctx, reply, rejected.From)
		return nil
	}
	s.metrics.Incr(observability.CounterRepliesIgnored)
	s.logf("orchestrator: ignoring %s %s reply for %s: %v", reply.Step, reply.Outcome, reply.CorrelationID, rejected)
	return nil
}

func (s *Service) park(ctx context.Context, reply saga.Reply, seen saga.Status) {
	if !s.parked.park(reply) {
		s.logf("orchestrator: parking full for %s, dropping early %s reply", reply.CorrelationID, reply.Step)
		return
	}
	s.metrics.Incr(observability.CounterRepliesParked)
	s.logf("orchestrator: parked early %s reply for %s at %s", reply.Step, reply.CorrelationID, seen)

	// The predecessor may have committed between the rejected read and parking.
	if cur, err := s.store.Get(ctx, reply.CorrelationID); err == nil && cur.Status != seen {
		s.replay(ctx, reply.CorrelationID)
	}
}

// replay re-applies parked replies after the saga advanced.
func (s *Service) replay(ctx context.Context, id string) {
	for _, reply := range s.parked.take(id) {
		s.metrics.Incr(observability.CounterRepliesReplayed)
		if err := s.handleReply(ctx, reply); err != nil {
			s.logf("orchestrator: replay %s reply for %s: %v", reply.Step, id, err)
		}
	}
}

// commit runs one read/compute/write unit under the retry policy. mutate sees fresh state on every
// attempt; returning false leaves the saga untouched. Errors returned by mutate are not retried.
func (s *Service) commit(ctx context.Context, id, op string, mutate func(cur saga.Saga) (saga.Saga, bool, error)) (saga.Saga, bool, error) {
	var (
		result  saga.Saga
		changed bool
		from    saga.Status
	)
	err := s.retry.Do(ctx, func() error {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return permanentIfFinal(err)
		}
		next, ok, err := mutate(cur)
		if err != nil {
			return reliability.Permanent(err)
		}
		if !ok {
			result, changed = cur, false
			return nil
		}
		saved, err := s.store.Update(ctx, next)
		if err != nil {
			if errors.Is(err, saga.ErrConflict) {
				s.metrics.Incr(observability.CounterStoreConflicts)
			}
			return permanentIfFinal(err)
		}
		result, changed, from = saved, true, cur.Status
		return nil
	})
	if err != nil {
		if reliability.IsPermanent(err) || ctx.Err() != nil {
			return saga.Saga{}, false, err
		}
		s.abandon(ctx, id, err)
		return saga.Saga{}, false, s.escalate(op, id, err)
	}
	if changed && result.Status != from {
		s.metrics.Incr(observability.CounterTransitions)
		s.metrics.Incr(observability.TransitionCounter(result.Status.String()))
	}
	return result, changed, nil
}

// abandon makes a best-effort attempt to persist FAILED for a saga that exhausted its retries and
// always tells the subscriber.
func (s *Service) abandon(ctx context.Context, id string, cause error) {
	reason := "internal error: " + cause.Error()
	failed := saga.Saga{
		CorrelationID: id,
		Status:        saga.StatusFailed,
		FailureReason: reason,
		UpdatedAt:     s.now().UTC(),
	}
	if cur, err := s.store.Get(ctx, id); err == nil {
		next, err := cur.Apply(saga.EventStepFailed, s.now())
		if err != nil {
			failed = cur
		} else {
			next.FailureReason = reason
			saved, err := s.store.Update(ctx, next)
			if err != nil {
				s.logf("orchestrator: persist FAILED for %s: %v", id, err)
			} else {
				failed = saved
			}
		}
	}
	s.emit(failed, "", "", nil)
}

// escalate maps an exhausted retry budget to ErrInternal and passes everything else through.
func (s *Service) escalate(op, id string, err error) error {
	if reliability.IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.metrics.Incr(observability.CounterRetriesExhausted)
	s.logf("orchestrator: %s %s: giving up: %v", op, id, err)
	return fmt.Errorf("%w: %s %s: %v", ErrInternal, op, id, err)
}

func (s *Service) load(ctx context.Context, id string) (saga.Saga, error) {
	var sg saga.Saga
	err := s.retry.Do(ctx, func() error {
		got, err := s.store.Get(ctx, id)
		if err != nil {
			return permanentIfFinal(err)
		}
		sg = got
		return nil
	})
	if err != nil {
		return saga.Saga{}, s.escalate("load", id, err)
	}
	return sg, nil
}

// emit delivers the saga status to its subscriber, persistence having already happened. Terminal
// events close the stream.
func (s *Service) emit(sg saga.Saga, step saga.Step, message string, data any) {
	if message == "" {
		message = statusMessage(sg)
	}
	ev := realtime.Event{
		Message:       message,
		Status:        sg.Status.String(),
		CorrelationID: sg.CorrelationID,
		Timestamp:     s.now().UTC(),
		Step:          string(step),
		InvoiceURL:    sg.Selections.InvoiceURL,
		Data:          data,
	}
	switch s.streams.Deliver(sg.CorrelationID, ev) {
	case realtime.Delivered:
		s.metrics.Incr(observability.CounterDeliveries)
	case realtime.Stale:
		s.metrics.Incr(observability.CounterDeliveriesStale)
	default:
		s.metrics.Incr(observability.CounterDeliveriesDropped)
	}
	if sg.Status.Terminal() {
		s.streams.Remove(sg.CorrelationID)
		s.parked.drop(sg.CorrelationID)
	}
}

func (s *Service) countRejection(err error) {
	if rejected, ok := saga.IsRejected(err); ok {
		s.metrics.Incr(observability.RejectionCounter(string(rejected.Reason)))
	}
}

func permanentIfFinal(err error) error {
	if errors.Is(err, saga.ErrNotFound) {
		return reliability.Permanent(err)
	}
	return err
}

func statusMessage(sg saga.Saga) string {
	switch sg.Status {
	case saga.StatusCreated:
		return "saga created"
	case saga.StatusInProgress:
		if sg.Awaiting == saga.StepTransport {
			return "transport options ready"
		}
		return "processing started"
	case saga.StatusTransportConfirmed:
		return "transport confirmed"
	case saga.StatusHotelConfirmed:
		return "hotel confirmed"
	case saga.StatusPaymentConfirmed:
		return "payment confirmed"
	case saga.StatusCompleted:
		return "booking completed"
	case saga.StatusFailed:
		if sg.FailureReason != "" {
			return "booking failed: " + sg.FailureReason
		}
		return "booking failed"
	default:
		return sg.Status.String()
	}
}
