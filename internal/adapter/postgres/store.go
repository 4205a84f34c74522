package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/port/store"
)

// Store implements store.Store on PostgreSQL. The full intent is kept as a
// jsonb document; kind, state, source type and timestamps are mirrored into
// indexed columns for filtering. Updates take a row lock so concurrent writes
// to the same intent serialize, matching the in-memory backend's behavior.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Create persists a new intent. The id must be unused.
func (s *Store) Create(ctx context.Context, in *intent.Intent) error {
	doc, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}

	const q = `INSERT INTO intents (id, kind, state, source_type, created_at, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.pool.Exec(ctx, q,
		in.ID, string(in.Kind), string(in.State), string(in.Source.Type),
		in.CreatedAt, in.UpdatedAt, doc,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("intent %s: %w", in.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// Get returns the intent with the given id.
func (s *Store) Get(ctx context.Context, id string) (*intent.Intent, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM intents WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return unmarshalIntent(doc)
}

// List returns intents matching the filter, newest first.
func (s *Store) List(ctx context.Context, f store.Filter) ([]intent.Intent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.State != "" {
		add("state = $%d", string(f.State))
	}
	if f.SourceType != "" {
		add("source_type = $%d", string(f.SourceType))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}

	q := `SELECT doc FROM intents`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var result []intent.Intent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		in, err := unmarshalIntent(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, *in)
	}
	return result, rows.Err()
}

// Update applies a changeset under a row lock. The read, validation, and
// write happen in one transaction so an invalid changeset leaves no trace.
func (s *Store) Update(ctx context.Context, id string, ch store.Changes) (*intent.Intent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	in, err := lockIntent(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := store.ValidateChanges(in, ch); err != nil {
		return nil, err
	}
	store.ApplyChanges(in, ch, s.now().UTC())

	if err := writeIntent(ctx, tx, in); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return in, nil
}

// AddArtifact appends an artifact to the intent's artifact list.
func (s *Store) AddArtifact(ctx context.Context, id string, a intent.Artifact) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	in, err := lockIntent(ctx, tx, id)
	if err != nil {
		return err
	}

	in.Artifacts = append(in.Artifacts, a)
	in.UpdatedAt = s.now().UTC()

	if err := writeIntent(ctx, tx, in); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// History returns the intent's transition log, oldest first.
func (s *Store) History(ctx context.Context, id string) ([]intent.Transition, error) {
	in, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return in.Transitions, nil
}

// lockIntent reads and row-locks one intent inside tx.
func lockIntent(ctx context.Context, tx pgx.Tx, id string) (*intent.Intent, error) {
	var doc []byte
	err := tx.QueryRow(ctx, `SELECT doc FROM intents WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock intent: %w", err)
	}
	return unmarshalIntent(doc)
}

// writeIntent persists the full document and refreshes the mirror columns.
func writeIntent(ctx context.Context, tx pgx.Tx, in *intent.Intent) error {
	doc, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	const q = `UPDATE intents SET state = $2, updated_at = $3, doc = $4 WHERE id = $1`
	if _, err := tx.Exec(ctx, q, in.ID, string(in.State), in.UpdatedAt, doc); err != nil {
		return fmt.Errorf("write intent: %w", err)
	}
	return nil
}

func unmarshalIntent(doc []byte) (*intent.Intent, error) {
	in := &intent.Intent{}
	if err := json.Unmarshal(doc, in); err != nil {
		return nil, fmt.Errorf("unmarshal intent: %w", err)
	}
	return in, nil
}
