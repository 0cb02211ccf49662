package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tripsaga/internal/saga"
)

// Simulator answers bus commands with canned successful replies. It stands in for the
// transport, hotel and payment workers when the service runs without a broker.
type Simulator struct {
	bus   *Bus
	delay time.Duration
	logf  func(format string, args ...any)
}

// NewSimulator constructs a simulator that waits delay before each reply.
func NewSimulator(bus *Bus, delay time.Duration, logf func(format string, args ...any)) *Simulator {
	if logf == nil {
		logf = log.Printf
	}
	return &Simulator{bus: bus, delay: delay, logf: logf}
}

// Run serves commands until ctx ends.
func (s *Simulator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.bus.Commands():
			if s.delay > 0 {
				timer := time.NewTimer(s.delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
			reply, err := saga.NewReply(cmd.CorrelationID, string(cmd.Step), string(saga.OutcomeSuccess), Simulate(cmd))
			if err != nil {
				s.logf("simulator: %s %s: %v", cmd.Step, cmd.CorrelationID, err)
				continue
			}
			if err := s.bus.PublishReply(ctx, reply); err != nil {
				s.logf("simulator: publish %s reply for %s: %v", cmd.Step, cmd.CorrelationID, err)
			}
		}
	}
}

// Simulate returns the data a successful worker would report for cmd.
func Simulate(cmd Command) map[string]any {
	switch cmd.Step {
	case saga.StepTransport:
		return map[string]any{
			"options": []any{
				map[string]any{"id": "flight-" + shortID(), "mode": "flight", "price": 89.5},
				map[string]any{"id": "train-" + shortID(), "mode": "train", "price": 35.0},
			},
		}
	case saga.StepHotel:
		hotel := cmd.Payload.Selections.Hotel
		if hotel == "" {
			hotel = "hotel-" + shortID()
		}
		return map[string]any{"hotelId": hotel}
	case saga.StepPayment:
		ref := uuid.NewString()
		return map[string]any{
			"paymentRef": ref,
			"invoiceUrl": fmt.Sprintf("https://invoices.local/%s/%s.pdf", cmd.CorrelationID, ref),
		}
	default:
		return nil
	}
}

func shortID() string {
	return uuid.NewString()[:8]
}
