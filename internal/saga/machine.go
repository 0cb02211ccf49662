package saga

import (
	"errors"
	"fmt"
)

// Event is the typed input of the state machine.
type Event int

const (
	EventStreamOpened Event = iota + 1
	EventTransportConfirmed
	EventHotelConfirmed
	EventPaymentConfirmed
	EventFinalized
	EventStepFailed
)

var eventNames = map[Event]string{
	EventStreamOpened:       "stream_opened",
	EventTransportConfirmed: "transport_confirmed",
	EventHotelConfirmed:     "hotel_confirmed",
	EventPaymentConfirmed:   "payment_confirmed",
	EventFinalized:          "finalized",
	EventStepFailed:         "step_failed",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// RejectReason classifies why a transition was refused.
type RejectReason string

const (
	// ReasonOutOfOrder means a causally earlier transition has not been recorded yet.
	ReasonOutOfOrder RejectReason = "out_of_order"
	// ReasonDuplicate means the transition was already applied (or overtaken).
	ReasonDuplicate RejectReason = "duplicate"
	// ReasonTerminal means the saga accepts no further events.
	ReasonTerminal RejectReason = "terminal"
)

// RejectedError is returned when an event does not fit the current status.
type RejectedError struct {
	From   Status
	Event  Event
	Reason RejectReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transition %s from %s rejected: %s", e.Event, e.From, e.Reason)
}

// IsRejected reports whether err is a state machine rejection and returns it.
func IsRejected(err error) (*RejectedError, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

// rank orders the happy path; FAILED has no rank.
var rank = map[Status]int{
	StatusCreated:            1,
	StatusInProgress:         2,
	StatusTransportConfirmed: 3,
	StatusHotelConfirmed:     4,
	StatusPaymentConfirmed:   5,
	StatusCompleted:          6,
}

// Rank positions s on the happy path. FAILED and unknown statuses rank zero.
func (s Status) Rank() int {
	return rank[s]
}

// transitions maps each event to the single status it may be applied from.
var transitions = map[Event]struct {
	from Status
	to   Status
}{
	EventStreamOpened:       {StatusCreated, StatusInProgress},
	EventTransportConfirmed: {StatusInProgress, StatusTransportConfirmed},
	EventHotelConfirmed:     {StatusTransportConfirmed, StatusHotelConfirmed},
	EventPaymentConfirmed:   {StatusHotelConfirmed, StatusPaymentConfirmed},
	EventFinalized:          {StatusPaymentConfirmed, StatusCompleted},
}

// Transition computes the status following ev, or a *RejectedError.
func Transition(current Status, ev Event) (Status, error) {
	if current.Terminal() {
		return current, &RejectedError{From: current, Event: ev, Reason: ReasonTerminal}
	}
	if _, known := rank[current]; !known {
		return current, fmt.Errorf("unknown status %q", current)
	}
	if ev == EventStepFailed {
		return StatusFailed, nil
	}

	edge, ok := transitions[ev]
	if !ok {
		return current, fmt.Errorf("unknown event %s", ev)
	}
	if current == edge.from {
		return edge.to, nil
	}

	reason := ReasonDuplicate
	if rank[current] < rank[edge.from] {
		reason = ReasonOutOfOrder
	}
	return current, &RejectedError{From: current, Event: ev, Reason: reason}
}
