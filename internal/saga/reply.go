package saga

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Outcome is the worker-reported result of a step.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Reply is an asynchronous worker reply, validated once at the intake boundary.
type Reply struct {
	CorrelationID string
	Step          Step
	Outcome       Outcome
	Data          map[string]any
}

type replyWire struct {
	CorrelationID string         `json:"correlationId"`
	StepName      string         `json:"stepName"`
	Outcome       string         `json:"outcome"`
	Data          map[string]any `json:"data,omitempty"`
}

// ParseReply decodes and validates a reply message body.
func ParseReply(body []byte) (Reply, error) {
	var wire replyWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return Reply{}, fmt.Errorf("%w: decode reply: %v", ErrInvalidRequest, err)
	}
	return NewReply(wire.CorrelationID, wire.StepName, wire.Outcome, wire.Data)
}

// NewReply validates raw reply fields.
func NewReply(correlationID, stepName, outcome string, data map[string]any) (Reply, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return Reply{}, fmt.Errorf("%w: correlationId is required", ErrInvalidRequest)
	}
	step, err := ParseStep(stepName)
	if err != nil {
		return Reply{}, err
	}
	out := Outcome(strings.ToLower(strings.TrimSpace(outcome)))
	if out != OutcomeSuccess && out != OutcomeFailure {
		return Reply{}, fmt.Errorf("%w: outcome must be success or failure, got %q", ErrInvalidRequest, outcome)
	}
	return Reply{CorrelationID: correlationID, Step: step, Outcome: out, Data: data}, nil
}

// MarshalJSON renders the reply in its wire form.
func (r Reply) MarshalJSON() ([]byte, error) {
	return json.Marshal(replyWire{
		CorrelationID: r.CorrelationID,
		StepName:      string(r.Step),
		Outcome:       string(r.Outcome),
		Data:          r.Data,
	})
}

// TransportOption is one travel option offered by the transport worker.
type TransportOption struct {
	ID    string  `mapstructure:"id" json:"id"`
	Mode  string  `mapstructure:"mode" json:"mode,omitempty"`
	Price float64 `mapstructure:"price" json:"price,omitempty"`
}

// TransportResult is the data of a successful transport search.
type TransportResult struct {
	Options []TransportOption `mapstructure:"options"`
}

// HotelResult is the data of a successful hotel booking.
type HotelResult struct {
	HotelID string `mapstructure:"hotelId"`
}

// PaymentResult is the data of a successful payment.
type PaymentResult struct {
	PaymentRef string `mapstructure:"paymentRef"`
	InvoiceURL string `mapstructure:"invoiceUrl"`
}

// FailureResult is the data of a failed step.
type FailureResult struct {
	Reason string `mapstructure:"reason"`
}

// Decode fills out from the reply data. Missing data leaves out untouched.
func (r Reply) Decode(out any) error {
	if len(r.Data) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(r.Data); err != nil {
		return fmt.Errorf("%w: %s reply data: %v", ErrInvalidRequest, r.Step, err)
	}
	return nil
}

// FailureReason extracts a human readable reason from a failure reply.
func (r Reply) FailureReason() string {
	var res FailureResult
	if err := r.Decode(&res); err != nil || res.Reason == "" {
		return fmt.Sprintf("%s step failed", r.Step)
	}
	return res.Reason
}
