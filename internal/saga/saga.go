package saga

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status captures the current state of a booking saga.
type Status string

const (
	StatusCreated            Status = "CREATED"
	StatusInProgress         Status = "IN_PROGRESS"
	StatusTransportConfirmed Status = "TRANSPORT_CONFIRMED"
	StatusHotelConfirmed     Status = "HOTEL_CONFIRMED"
	StatusPaymentConfirmed   Status = "PAYMENT_CONFIRMED"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
)

// Terminal reports whether no further events are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// Step names a unit of work performed by a worker.
type Step string

const (
	StepTransport Step = "transport"
	StepHotel     Step = "hotel"
	StepPayment   Step = "payment"
)

// ParseStep maps a wire step name to a Step.
func ParseStep(raw string) (Step, error) {
	switch step := Step(strings.ToLower(strings.TrimSpace(raw))); step {
	case StepTransport, StepHotel, StepPayment:
		return step, nil
	default:
		return "", fmt.Errorf("%w: unknown step %q", ErrInvalidRequest, raw)
	}
}

// Next returns the step dispatched after s succeeds, or "" after payment.
func (s Step) Next() Step {
	switch s {
	case StepTransport:
		return StepHotel
	case StepHotel:
		return StepPayment
	default:
		return ""
	}
}

// Request is the immutable booking request supplied at creation.
type Request struct {
	Trip        string  `json:"trip,omitempty" bson:"trip,omitempty"`
	Departure   string  `json:"departure,omitempty" bson:"departure,omitempty"`
	Destination string  `json:"destination,omitempty" bson:"destination,omitempty"`
	DepartureAt string  `json:"departureAt,omitempty" bson:"departureAt,omitempty"`
	ReturnAt    string  `json:"returnAt,omitempty" bson:"returnAt,omitempty"`
	People      int     `json:"people" bson:"people"`
	Budget      float64 `json:"budget,omitempty" bson:"budget,omitempty"`
	HotelStars  int     `json:"hotelStars,omitempty" bson:"hotelStars,omitempty"`
	Luggage     int     `json:"luggage,omitempty" bson:"luggage,omitempty"`
	TravelMode  string  `json:"travelMode,omitempty" bson:"travelMode,omitempty"`
	UserID      string  `json:"userId,omitempty" bson:"userId,omitempty"`
}

// Validate checks the request fields a worker cannot do without.
func (r Request) Validate() error {
	if r.People < 1 {
		return fmt.Errorf("%w: people must be >= 1", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Trip) == "" && (strings.TrimSpace(r.Departure) == "" || strings.TrimSpace(r.Destination) == "") {
		return fmt.Errorf("%w: trip or departure and destination are required", ErrInvalidRequest)
	}
	if r.Budget < 0 {
		return fmt.Errorf("%w: budget must be >= 0", ErrInvalidRequest)
	}
	if r.HotelStars < 0 || r.HotelStars > 5 {
		return fmt.Errorf("%w: hotelStars must be between 0 and 5", ErrInvalidRequest)
	}
	if r.Luggage < 0 {
		return fmt.Errorf("%w: luggage must be >= 0", ErrInvalidRequest)
	}
	return nil
}

// Selections accumulates decisions made while the saga runs. Each field is write-once.
type Selections struct {
	Transport     string `json:"transport,omitempty" bson:"transport,omitempty"`
	Hotel         string `json:"hotel,omitempty" bson:"hotel,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty" bson:"paymentMethod,omitempty"`
	PaymentRef    string `json:"paymentRef,omitempty" bson:"paymentRef,omitempty"`
	InvoiceURL    string `json:"invoiceUrl,omitempty" bson:"invoiceUrl,omitempty"`
}

// Set records value for step. Setting the same value twice is allowed; a different value is not.
func (s *Selections) Set(step Step, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%w: selection is required", ErrInvalidRequest)
	}
	var field *string
	switch step {
	case StepTransport:
		field = &s.Transport
	case StepHotel:
		field = &s.Hotel
	case StepPayment:
		field = &s.PaymentMethod
	default:
		return fmt.Errorf("%w: unknown step %q", ErrInvalidRequest, step)
	}
	if *field != "" && *field != value {
		return fmt.Errorf("%w: %s already set to %q", ErrSelectionConflict, step, *field)
	}
	*field = value
	return nil
}

// Saga is the persisted unit of a distributed booking transaction.
type Saga struct {
	CorrelationID string     `json:"correlationId"`
	Status        Status     `json:"status"`
	Request       Request    `json:"request"`
	Selections    Selections `json:"selections"`
	Awaiting      Step       `json:"awaiting,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// New constructs a saga in the CREATED state.
func New(correlationID string, req Request, now time.Time) Saga {
	now = now.UTC()
	return Saga{
		CorrelationID: correlationID,
		Status:        StatusCreated,
		Request:       req,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Apply runs ev through the state machine and, when accepted, returns the advanced copy.
// Any pending user decision is cleared. Version is left to the store.
func (s Saga) Apply(ev Event, now time.Time) (Saga, error) {
	next, err := Transition(s.Status, ev)
	if err != nil {
		return s, err
	}
	s.Status = next
	s.UpdatedAt = now.UTC()
	s.Awaiting = ""
	return s, nil
}

var (
	ErrNotFound          = errors.New("saga not found")
	ErrConflict          = errors.New("saga was modified concurrently")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrSelectionConflict = errors.New("selection already recorded")
)
