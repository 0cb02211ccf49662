package orchestrator

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"tripsaga/internal/dispatch"
	"tripsaga/internal/saga"
)

const DefaultReplyWorkers = 8

// ConsumeReplies feeds replies from source into HandleWorkerReply using at most workers concurrent
// handlers. Malformed replies and replies for unknown sagas are acknowledged and dropped; any
// other failure is requeued. It returns when ctx ends or the source closes.
func (s *Service) ConsumeReplies(ctx context.Context, source dispatch.ReplySource, workers int) error {
	if workers < 1 {
		workers = DefaultReplyWorkers
	}
	deliveries, err := source.Replies(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(workers)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			g.Go(func() error {
				s.settle(ctx, d)
				return nil
			})
		}
	}
}

func (s *Service) settle(ctx context.Context, d dispatch.Delivery) {
	reply, err := saga.ParseReply(d.Body)
	if err != nil {
		s.logf("orchestrator: dropping malformed reply: %v", err)
		s.ack(d)
		return
	}
	err = s.HandleWorkerReply(ctx, reply)
	switch {
	case err == nil:
		s.ack(d)
	case errors.Is(err, saga.ErrNotFound), errors.Is(err, saga.ErrInvalidRequest):
		s.logf("orchestrator: dropping %s reply for %s: %v", reply.Step, reply.CorrelationID, err)
		s.ack(d)
	default:
		s.logf("orchestrator: requeue %s reply for %s: %v", reply.Step, reply.CorrelationID, err)
		if d.Nack != nil {
			if nerr := d.Nack(true); nerr != nil {
				s.logf("orchestrator: nack reply for %s: %v", reply.CorrelationID, nerr)
			}
		}
	}
}

func (s *Service) ack(d dispatch.Delivery) {
	if d.Ack == nil {
		return
	}
	if err := d.Ack(); err != nil {
		s.logf("orchestrator: ack reply: %v", err)
	}
}
