package onboarding

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the postgres driver for database/sql.
	_ "github.com/lib/pq"
)

// legacyRowID is the reserved row the pre-migration global flag lives in.
// User ids are UUIDs, so it cannot collide.
const legacyRowID = "__legacy__"

// PostgresStore persists onboarding flags in PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// PostgresStoreOption configures a PostgresStore instance.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresClock sets the clock function for testability.
func WithPostgresClock(clock func() time.Time) PostgresStoreOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewPostgresStore constructs a PostgreSQL-backed flag store.
func NewPostgresStore(db *sql.DB, opts ...PostgresStoreOption) *PostgresStore {
	s := &PostgresStore{
		db:    db,
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// EnsureSchema creates the backing table when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS onboarding_flags (
			user_id    TEXT PRIMARY KEY,
			onboarded  BOOLEAN NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure onboarding schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, rowID string) (bool, bool, error) {
	var onboarded bool
	err := s.db.QueryRowContext(ctx,
		`SELECT onboarded FROM onboarding_flags WHERE user_id = $1`, rowID,
	).Scan(&onboarded)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("read onboarding flag: %w", err)
	}
	return onboarded, true, nil
}

func (s *PostgresStore) set(ctx context.Context, rowID string, onboarded bool) error {
	query := `
		INSERT INTO onboarding_flags (user_id, onboarded, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			onboarded = EXCLUDED.onboarded,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, rowID, onboarded, s.clock()); err != nil {
		return fmt.Errorf("write onboarding flag: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (bool, error) {
	value, _, err := s.get(ctx, userID)
	return value, err
}

func (s *PostgresStore) Set(ctx context.Context, userID string, onboarded bool) error {
	return s.set(ctx, userID, onboarded)
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM onboarding_flags WHERE user_id = $1`, userID,
	); err != nil {
		return fmt.Errorf("delete onboarding flag: %w", err)
	}
	return nil
}

func (s *PostgresStore) LegacyGlobal(ctx context.Context) (bool, bool, error) {
	return s.get(ctx, legacyRowID)
}

func (s *PostgresStore) SetLegacyGlobal(ctx context.Context, value bool) error {
	return s.set(ctx, legacyRowID, value)
}

func (s *PostgresStore) ClearLegacy(ctx context.Context) error {
	return s.Delete(ctx, legacyRowID)
}
