package saga

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseReply(t *testing.T) {
	body := []byte(`{"correlationId":"abc","stepName":"payment","outcome":"SUCCESS","data":{"paymentRef":"pay-1","invoiceUrl":"http://invoices/abc.pdf"}}`)
	reply, err := ParseReply(body)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if reply.CorrelationID != "abc" || reply.Step != StepPayment || reply.Outcome != OutcomeSuccess {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	var res PaymentResult
	if err := reply.Decode(&res); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.PaymentRef != "pay-1" || res.InvoiceURL != "http://invoices/abc.pdf" {
		t.Fatalf("unexpected payment result: %+v", res)
	}
}

func TestParseReply_Invalid(t *testing.T) {
	bodies := []string{
		`not json`,
		`{"stepName":"hotel","outcome":"success"}`,
		`{"correlationId":"abc","stepName":"car","outcome":"success"}`,
		`{"correlationId":"abc","stepName":"hotel","outcome":"maybe"}`,
	}
	for _, body := range bodies {
		if _, err := ParseReply([]byte(body)); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", body, err)
		}
	}
}

func TestReplyDecodeTransportOptions(t *testing.T) {
	reply := Reply{
		CorrelationID: "abc",
		Step:          StepTransport,
		Outcome:       OutcomeSuccess,
		Data: map[string]any{
			"options": []any{
				map[string]any{"id": "flight-123", "mode": "flight", "price": "89.5"},
				map[string]any{"id": "train-7", "mode": "train", "price": 35},
			},
		},
	}
	var res TransportResult
	if err := reply.Decode(&res); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(res.Options) != 2 || res.Options[0].ID != "flight-123" || res.Options[0].Price != 89.5 {
		t.Fatalf("unexpected options: %+v", res.Options)
	}
}

func TestReplyFailureReason(t *testing.T) {
	withReason := Reply{Step: StepHotel, Data: map[string]any{"reason": "no rooms"}}
	if got := withReason.FailureReason(); got != "no rooms" {
		t.Fatalf("unexpected reason %q", got)
	}
	bare := Reply{Step: StepHotel}
	if got := bare.FailureReason(); got != "hotel step failed" {
		t.Fatalf("unexpected default reason %q", got)
	}
}

func TestReplyMarshalJSON(t *testing.T) {
	reply := Reply{CorrelationID: "abc", Step: StepHotel, Outcome: OutcomeFailure}
	data, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := ParseReply(data)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if back.Step != StepHotel || back.Outcome != OutcomeFailure {
		t.Fatalf("unexpected reply: %+v", back)
	}
}
