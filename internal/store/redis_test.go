package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tripsaga/internal/saga"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newMiniredisClient(t)
	exerciseStore(t, NewRedisStore(client, "saga_events", 0, 0, t.Logf))
}

func TestRedisStore_JournalsCommittedTransitions(t *testing.T) {
	_, client := newMiniredisClient(t)
	st := NewRedisStore(client, "", 0, 0, t.Logf)
	ctx := context.Background()

	s := newTestSaga("journal")
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	next, _ := s.Apply(saga.EventStreamOpened, s.UpdatedAt.Add(time.Second))
	if _, err := st.Update(ctx, next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := st.Update(ctx, next); !errors.Is(err, saga.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	entries, err := client.XRange(ctx, "saga_events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(entries))
	}
	last := entries[1].Values
	if last["correlation_id"] != "journal" || last["status"] != "IN_PROGRESS" || last["version"] != "2" {
		t.Fatalf("unexpected journal entry: %+v", last)
	}
}

func TestRedisStore_TTLAppliedOnWrite(t *testing.T) {
	mr, client := newMiniredisClient(t)
	st := NewRedisStore(client, "saga_events", time.Hour, 0, t.Logf)
	ctx := context.Background()

	s := newTestSaga("ttl")
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ttl := mr.TTL("saga:ttl"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", ttl)
	}

	mr.FastForward(30 * time.Minute)
	next, _ := s.Apply(saga.EventStreamOpened, s.UpdatedAt)
	if _, err := st.Update(ctx, next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ttl := mr.TTL("saga:ttl"); ttl != time.Hour {
		t.Fatalf("expected ttl refreshed to 1h, got %s", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := st.Get(ctx, "ttl"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected expired saga to be gone, got %v", err)
	}
}

func TestRedisStore_ConnectionError(t *testing.T) {
	mr, client := newMiniredisClient(t)
	st := NewRedisStore(client, "saga_events", 0, 0, t.Logf)
	mr.Close()

	_, err := st.Get(context.Background(), "abc")
	if err == nil || errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
