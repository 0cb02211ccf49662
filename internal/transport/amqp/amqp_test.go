package amqp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripsaga/internal/dispatch"
	"tripsaga/internal/saga"
)

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked map[uint64]bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nacked == nil {
		f.nacked = make(map[uint64]bool)
	}
	f.nacked[tag] = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func testCommand() dispatch.Command {
	s := saga.New("abc", saga.Request{Trip: "Rome→Milan", People: 2}, time.Date(2025, 10, 3, 9, 0, 0, 0, time.UTC))
	return dispatch.CommandFor(s, saga.StepHotel)
}

func TestTransport(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	publish := NewMockAmqpChannel(ctrl)
	consume := NewMockAmqpChannel(ctrl)
	cfg := Config{Exchange: "saga.commands", ReplyQueue: "saga.replies", ConsumerTag: "test-consumer", Prefetch: 4}

	t.Run("setup declares topology", func(t *testing.T) {
		publish.EXPECT().ExchangeDeclare("saga.commands", "topic", true, false, false, false, nil).Return(nil)
		consume.EXPECT().QueueDeclare("saga.replies", true, false, false, false, nil).Return(amqp.Queue{Name: "saga.replies"}, nil)
		consume.EXPECT().QueueBind("saga.replies", "saga.reply", "saga.commands", false, nil).Return(nil)
		publish.EXPECT().NotifyReturn(gomock.Any()).DoAndReturn(func(c chan amqp.Return) chan amqp.Return { return c })

		tr := New(publish, consume, cfg, nil, t.Logf)
		assert.NoError(t, tr.Setup())
	})

	t.Run("setup surfaces exchange errors", func(t *testing.T) {
		publish.EXPECT().ExchangeDeclare(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(errors.New("access refused"))

		tr := New(publish, consume, cfg, nil, t.Logf)
		err := tr.Setup()
		assert.EqualError(t, err, "declaring exchange saga.commands: access refused")
	})

	t.Run("dispatch publishes with step routing key", func(t *testing.T) {
		routes := dispatch.DefaultRoutes()
		routes[saga.StepHotel] = dispatch.Route{RoutingKey: "workers.hotel"}

		var published amqp.Publishing
		publish.EXPECT().
			PublishWithContext(gomock.Any(), "saga.commands", "workers.hotel", true, false, gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
				published = msg
				return nil
			})

		tr := New(publish, consume, cfg, routes, t.Logf)
		require.NoError(t, tr.Dispatch(context.Background(), testCommand()))

		assert.Equal(t, "abc", published.CorrelationId)
		assert.Equal(t, "application/json", published.ContentType)
		assert.Equal(t, amqp.Persistent, published.DeliveryMode)

		var wire map[string]any
		require.NoError(t, json.Unmarshal(published.Body, &wire))
		assert.Equal(t, "hotel", wire["stepName"])
	})

	t.Run("dispatch failure is worker unreachable", func(t *testing.T) {
		publish.EXPECT().
			PublishWithContext(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(amqp.ErrClosed)

		tr := New(publish, consume, cfg, nil, t.Logf)
		err := tr.Dispatch(context.Background(), testCommand())
		assert.ErrorIs(t, err, dispatch.ErrWorkerUnreachable)
	})

	t.Run("replies are delivered with manual acks", func(t *testing.T) {
		deliveries := make(chan amqp.Delivery, 2)
		ack := &fakeAcknowledger{}
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"correlationId":"abc","stepName":"hotel","outcome":"success"}`)}
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`garbage`)}

		consume.EXPECT().Qos(4, 0, false).Return(nil)
		consume.EXPECT().Consume("saga.replies", "test-consumer", false, false, false, false, nil).
			Return((<-chan amqp.Delivery)(deliveries), nil)
		canceled := make(chan struct{})
		consume.EXPECT().Cancel("test-consumer", false).DoAndReturn(func(string, bool) error {
			close(canceled)
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		tr := New(publish, consume, cfg, nil, t.Logf)
		out, err := tr.Replies(ctx)
		require.NoError(t, err)

		first := <-out
		reply, err := saga.ParseReply(first.Body)
		require.NoError(t, err)
		assert.Equal(t, saga.StepHotel, reply.Step)
		require.NoError(t, first.Ack())

		second := <-out
		require.NoError(t, second.Nack(false))

		cancel()
		select {
		case <-canceled:
		case <-time.After(2 * time.Second):
			t.Fatalf("consumer was not canceled")
		}
		for range out {
		}

		ack.mu.Lock()
		defer ack.mu.Unlock()
		assert.Equal(t, []uint64{1}, ack.acked)
		assert.Equal(t, map[uint64]bool{2: false}, ack.nacked)
	})

	t.Run("consume error", func(t *testing.T) {
		consume.EXPECT().Qos(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
		consume.EXPECT().Consume(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.New("not found"))

		tr := New(publish, consume, cfg, nil, t.Logf)
		_, err := tr.Replies(context.Background())
		assert.EqualError(t, err, "consuming saga.replies: not found")
	})

	t.Run("close releases channels", func(t *testing.T) {
		publish.EXPECT().Close().Return(nil)
		consume.EXPECT().Close().Return(nil)

		tr := New(publish, consume, cfg, nil, t.Logf)
		assert.NoError(t, tr.Close())
	})
}
