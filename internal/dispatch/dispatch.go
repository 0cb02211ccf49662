// Package dispatch sends step commands to workers and carries their replies back.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tripsaga/internal/saga"
)

// ErrWorkerUnreachable means a command could not be handed to a worker or broker.
var ErrWorkerUnreachable = errors.New("worker unreachable")

// Payload is the saga context a worker needs to run a step.
type Payload struct {
	Request    saga.Request    `json:"request"`
	Selections saga.Selections `json:"selections"`
}

// Command asks a worker to run one step of a saga.
type Command struct {
	CorrelationID string
	Step          saga.Step
	Payload       Payload
}

// CommandFor builds the command for step from the current saga state.
func CommandFor(s saga.Saga, step saga.Step) Command {
	return Command{
		CorrelationID: s.CorrelationID,
		Step:          step,
		Payload: Payload{
			Request:    s.Request,
			Selections: s.Selections,
		},
	}
}

type commandWire struct {
	CorrelationID string  `json:"correlationId"`
	StepName      string  `json:"stepName"`
	Payload       Payload `json:"payload"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(commandWire{
		CorrelationID: c.CorrelationID,
		StepName:      string(c.Step),
		Payload:       c.Payload,
	})
}

// ParseCommand decodes a command message body.
func ParseCommand(body []byte) (Command, error) {
	var wire commandWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	step, err := saga.ParseStep(wire.StepName)
	if err != nil {
		return Command{}, err
	}
	if wire.CorrelationID == "" {
		return Command{}, fmt.Errorf("%w: correlationId is required", saga.ErrInvalidRequest)
	}
	return Command{CorrelationID: wire.CorrelationID, Step: step, Payload: wire.Payload}, nil
}

// Dispatcher hands a command to a worker. It returns once the worker or broker accepted it,
// never after the step ran.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// Delivery is one inbound reply message awaiting acknowledgement.
type Delivery struct {
	Body []byte
	Ack  func() error
	Nack func(requeue bool) error
}

// ReplySource yields worker reply messages until ctx ends.
type ReplySource interface {
	Replies(ctx context.Context) (<-chan Delivery, error)
}
