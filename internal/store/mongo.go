package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"tripsaga/internal/saga"
)

// MongoCollection is the slice of a mongo collection the store relies on.
type MongoCollection interface {
	InsertOne(ctx context.Context, doc any) error
	// FindOne decodes the first match into out and returns mongo.ErrNoDocuments when nothing matches.
	FindOne(ctx context.Context, filter any, out any) error
	// UpdateOne returns the number of matched documents.
	UpdateOne(ctx context.Context, filter any, update any) (int64, error)
	EnsureTTLIndex(ctx context.Context, name, field string, seconds int32) error
}

type sagaFields struct {
	Status        saga.Status     `bson:"status"`
	Request       saga.Request    `bson:"request"`
	Selections    saga.Selections `bson:"selections"`
	Awaiting      saga.Step       `bson:"awaiting,omitempty"`
	FailureReason string          `bson:"failureReason,omitempty"`
	Version       int64           `bson:"version"`
	CreatedAt     time.Time       `bson:"createdAt"`
	UpdatedAt     time.Time       `bson:"updatedAt"`
}

type sagaDocument struct {
	ID     string     `bson:"_id"`
	Fields sagaFields `bson:",inline"`
}

func toDocument(s saga.Saga) sagaDocument {
	return sagaDocument{
		ID: s.CorrelationID,
		Fields: sagaFields{
			Status:        s.Status,
			Request:       s.Request,
			Selections:    s.Selections,
			Awaiting:      s.Awaiting,
			FailureReason: s.FailureReason,
			Version:       s.Version,
			CreatedAt:     s.CreatedAt,
			UpdatedAt:     s.UpdatedAt,
		},
	}
}

func (d sagaDocument) saga() saga.Saga {
	return saga.Saga{
		CorrelationID: d.ID,
		Status:        d.Fields.Status,
		Request:       d.Fields.Request,
		Selections:    d.Fields.Selections,
		Awaiting:      d.Fields.Awaiting,
		FailureReason: d.Fields.FailureReason,
		Version:       d.Fields.Version,
		CreatedAt:     d.Fields.CreatedAt.UTC(),
		UpdatedAt:     d.Fields.UpdatedAt.UTC(),
	}
}

// MongoStore persists one document per saga, keyed by correlation ID.
type MongoStore struct {
	collection MongoCollection
	ttl        time.Duration
}

// NewMongoStore constructs a store over collection. When ttl is positive, documents expire
// that long after creation.
func NewMongoStore(collection MongoCollection, ttl time.Duration) *MongoStore {
	return &MongoStore{collection: collection, ttl: ttl}
}

// EnsureIndexes creates the expiry index when a ttl is configured.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	if m.ttl <= 0 {
		return nil
	}
	if err := m.collection.EnsureTTLIndex(ctx, "ExpireSaga", "createdAt", int32(m.ttl/time.Second)); err != nil {
		return fmt.Errorf("ensure saga ttl index: %w", err)
	}
	return nil
}

func (m *MongoStore) Create(ctx context.Context, s saga.Saga) error {
	if s.Version == 0 {
		s.Version = 1
	}
	err := m.collection.InsertOne(ctx, toDocument(s))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("create %s: %w", s.CorrelationID, saga.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("mongo create %s: %w", s.CorrelationID, err)
	}
	return nil
}

func (m *MongoStore) Get(ctx context.Context, correlationID string) (saga.Saga, error) {
	var doc sagaDocument
	err := m.collection.FindOne(ctx, bson.M{"_id": correlationID}, &doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return saga.Saga{}, saga.ErrNotFound
	}
	if err != nil {
		return saga.Saga{}, fmt.Errorf("mongo get %s: %w", correlationID, err)
	}
	return doc.saga(), nil
}

func (m *MongoStore) Update(ctx context.Context, s saga.Saga) (saga.Saga, error) {
	expected := s.Version
	s.Version++
	doc := toDocument(s)
	matched, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": s.CorrelationID, "version": expected},
		bson.M{"$set": doc.Fields},
	)
	if err != nil {
		return saga.Saga{}, fmt.Errorf("mongo update %s: %w", s.CorrelationID, err)
	}
	if matched == 0 {
		if _, err := m.Get(ctx, s.CorrelationID); err != nil {
			return saga.Saga{}, err
		}
		return saga.Saga{}, fmt.Errorf("update %s at version %d: %w", s.CorrelationID, expected, saga.ErrConflict)
	}
	return s, nil
}
