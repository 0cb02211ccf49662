package saga

import "context"

// Store persists sagas keyed by correlation ID.
//
// Update is a compare-and-set on Version: it succeeds only when the stored version equals
// s.Version, returns the saga with the incremented version, and fails with ErrConflict otherwise.
// Implementations return ErrNotFound for unknown IDs and surface any other error as transient.
type Store interface {
	Create(ctx context.Context, s Saga) error
	Get(ctx context.Context, correlationID string) (Saga, error)
	Update(ctx context.Context, s Saga) (Saga, error)
}
