package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"tripsaga/internal/saga"
)

// Bus is an in-process transport: commands and replies travel over buffered channels.
type Bus struct {
	commands chan Command
	replies  chan Delivery
}

// NewBus constructs a bus whose queues hold size messages each.
func NewBus(size int) *Bus {
	if size < 1 {
		size = 64
	}
	return &Bus{
		commands: make(chan Command, size),
		replies:  make(chan Delivery, size),
	}
}

func (b *Bus) Dispatch(ctx context.Context, cmd Command) error {
	select {
	case b.commands <- cmd:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s %s: %v", ErrWorkerUnreachable, cmd.Step, cmd.CorrelationID, ctx.Err())
	}
}

// Commands is the worker side of the bus.
func (b *Bus) Commands() <-chan Command {
	return b.commands
}

// PublishReply queues a worker reply for the orchestrator.
func (b *Bus) PublishReply(ctx context.Context, reply saga.Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return b.publish(ctx, body)
}

func (b *Bus) publish(ctx context.Context, body []byte) error {
	d := Delivery{
		Body: body,
		Ack:  func() error { return nil },
	}
	d.Nack = func(requeue bool) error {
		if requeue {
			go func() {
				_ = b.publish(context.Background(), body)
			}()
		}
		return nil
	}
	select {
	case b.replies <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Replies(ctx context.Context) (<-chan Delivery, error) {
	return b.replies, nil
}
