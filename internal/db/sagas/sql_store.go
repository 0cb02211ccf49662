package sagasdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"tripsaga/internal/saga"
)

// Dialect selects placeholder syntax and DDL for a SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ParseDialect maps a backend name to a Dialect.
func ParseDialect(raw string) (Dialect, error) {
	switch Dialect(raw) {
	case Postgres, MySQL:
		return Dialect(raw), nil
	case "pg", "pgx":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", raw)
	}
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == MySQL {
		return "mysql"
	}
	return "pgx"
}

// SagaStore persists sagas in a SQL database. Every committed change also appends a row to
// saga_transitions inside the same transaction.
type SagaStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSagaStore constructs a SagaStore for the given dialect.
func NewSagaStore(db *sql.DB, dialect Dialect) *SagaStore {
	return &SagaStore{db: db, dialect: dialect}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB, dialect Dialect) (*SagaStore, error) {
	store := NewSagaStore(db, dialect)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	if s.dialect == MySQL {
		idColumn = "id BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sagas (
			correlation_id VARCHAR(64) PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			request TEXT NOT NULL,
			selections TEXT NOT NULL,
			awaiting VARCHAR(32) NOT NULL DEFAULT '',
			failure_reason TEXT NULL,
			version BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS saga_transitions (
			%s,
			correlation_id VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			version BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (correlation_id) REFERENCES sagas(correlation_id) ON DELETE CASCADE
		)`, idColumn),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init saga schema: %w", err)
		}
	}
	return nil
}

func (s *SagaStore) Create(ctx context.Context, sg saga.Saga) error {
	if sg.Version == 0 {
		sg.Version = 1
	}
	request, err := json.Marshal(sg.Request)
	if err != nil {
		return err
	}
	selections, err := json.Marshal(sg.Selections)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create %s: %w", sg.CorrelationID, err)
	}

	_, err = tx.ExecContext(ctx, s.prepQuery(`
		INSERT INTO sagas (correlation_id, status, request, selections, awaiting, failure_reason, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sg.CorrelationID, string(sg.Status), string(request), string(selections), string(sg.Awaiting),
		sg.FailureReason, sg.Version, sg.CreatedAt, sg.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("create %s: %w", sg.CorrelationID, saga.ErrConflict)
		}
		return rollback(tx, err)
	}
	if err := s.addTransition(ctx, tx, sg); err != nil {
		return rollback(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create %s: %w", sg.CorrelationID, err)
	}
	return nil
}

func (s *SagaStore) Get(ctx context.Context, correlationID string) (saga.Saga, error) {
	row := s.db.QueryRowContext(ctx, s.prepQuery(`
		SELECT correlation_id, status, request, selections, awaiting, failure_reason, version, created_at, updated_at
		FROM sagas
		WHERE correlation_id = ?`),
		correlationID,
	)

	var (
		sg         saga.Saga
		status     string
		request    string
		selections string
		awaiting   string
		reason     sql.NullString
	)
	err := row.Scan(&sg.CorrelationID, &status, &request, &selections, &awaiting, &reason, &sg.Version, &sg.CreatedAt, &sg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Saga{}, saga.ErrNotFound
	}
	if err != nil {
		return saga.Saga{}, fmt.Errorf("get saga %s: %w", correlationID, err)
	}
	if err := json.Unmarshal([]byte(request), &sg.Request); err != nil {
		return saga.Saga{}, fmt.Errorf("decode request of %s: %w", correlationID, err)
	}
	if err := json.Unmarshal([]byte(selections), &sg.Selections); err != nil {
		return saga.Saga{}, fmt.Errorf("decode selections of %s: %w", correlationID, err)
	}
	sg.Status = saga.Status(status)
	sg.Awaiting = saga.Step(awaiting)
	sg.FailureReason = reason.String
	sg.CreatedAt = sg.CreatedAt.UTC()
	sg.UpdatedAt = sg.UpdatedAt.UTC()
	return sg, nil
}

func (s *SagaStore) Update(ctx context.Context, sg saga.Saga) (saga.Saga, error) {
	selections, err := json.Marshal(sg.Selections)
	if err != nil {
		return saga.Saga{}, err
	}
	expected := sg.Version
	sg.Version++

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return saga.Saga{}, fmt.Errorf("begin update %s: %w", sg.CorrelationID, err)
	}

	res, err := tx.ExecContext(ctx, s.prepQuery(`
		UPDATE sagas
		SET status = ?, selections = ?, awaiting = ?, failure_reason = ?, version = ?, updated_at = ?
		WHERE correlation_id = ? AND version = ?`),
		string(sg.Status), string(selections), string(sg.Awaiting), sg.FailureReason, sg.Version, sg.UpdatedAt,
		sg.CorrelationID, expected,
	)
	if err != nil {
		return saga.Saga{}, rollback(tx, fmt.Errorf("update saga %s: %w", sg.CorrelationID, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return saga.Saga{}, rollback(tx, err)
	}
	if affected == 0 {
		return saga.Saga{}, rollback(tx, s.missOrConflict(ctx, tx, sg.CorrelationID, expected))
	}
	if err := s.addTransition(ctx, tx, sg); err != nil {
		return saga.Saga{}, rollback(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return saga.Saga{}, fmt.Errorf("commit update %s: %w", sg.CorrelationID, err)
	}
	return sg, nil
}

// missOrConflict tells an unknown saga apart from a lost compare-and-set.
func (s *SagaStore) missOrConflict(ctx context.Context, tx *sql.Tx, correlationID string, expected int64) error {
	var stored int64
	err := tx.QueryRowContext(ctx, s.prepQuery(`SELECT version FROM sagas WHERE correlation_id = ?`), correlationID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check saga %s: %w", correlationID, err)
	}
	return fmt.Errorf("update %s at version %d (stored %d): %w", correlationID, expected, stored, saga.ErrConflict)
}

func (s *SagaStore) addTransition(ctx context.Context, tx *sql.Tx, sg saga.Saga) error {
	_, err := tx.ExecContext(ctx, s.prepQuery(`
		INSERT INTO saga_transitions (correlation_id, status, version, created_at)
		VALUES (?, ?, ?, ?)`),
		sg.CorrelationID, string(sg.Status), sg.Version, sg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record transition %s v%d: %w", sg.CorrelationID, sg.Version, err)
	}
	return nil
}

// prepQuery rewrites '?' placeholders to the dialect's syntax.
func (s *SagaStore) prepQuery(query string) string {
	if s.dialect != Postgres {
		return query
	}
	res := make([]byte, 0, len(query)+8)
	counter := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			res = append(append(res, '$'), strconv.Itoa(counter)...)
			counter++
			continue
		}
		res = append(res, query[i])
	}
	return string(res)
}

func rollback(tx *sql.Tx, err error) error {
	if rErr := tx.Rollback(); rErr != nil {
		return errors.Join(err, fmt.Errorf("rollback: %w", rErr))
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
