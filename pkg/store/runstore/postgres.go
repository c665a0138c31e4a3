package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/cursor"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/run"
)

// Postgres is the fleet backend. Claim exclusivity comes from
// FOR UPDATE SKIP LOCKED: concurrent claimers never block each other and
// never win the same row.
type Postgres struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Postgres) WithClock(clock func() time.Time) *Postgres {
	s.clock = clock
	return s
}

// OpenPostgres connects and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("runstore: open postgres: %w", err)
	}
	s := NewPostgres(db)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	plan JSONB NOT NULL,
	status TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	synthetic BOOLEAN NOT NULL DEFAULT FALSE,
	claimed_by TEXT,
	claim_expires TIMESTAMPTZ,
	reclaims INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_claim_idx ON runs (status, created_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	outputs JSONB,
	content_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, step_index)
);

CREATE TABLE IF NOT EXISTS leader_lease (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// Init applies the schema.
func (s *Postgres) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgSchema)
	return err
}

// Enqueue persists a new queued run.
func (s *Postgres) Enqueue(ctx context.Context, r *run.Run) error {
	plan, err := json.Marshal(r.Plan)
	if err != nil {
		return fmt.Errorf("runstore: plan not serializable: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, plan, status, correlation_id, synthetic, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TenantID, plan, string(r.Status), r.CorrelationID, r.Synthetic, r.CreatedAt,
	)
	return err
}

// ClaimNext atomically claims the oldest queued run. Returns (nil, nil) when
// the queue is empty.
func (s *Postgres) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*run.Run, error) {
	runs, err := s.ClaimBatch(ctx, workerID, lease, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// ClaimBatch atomically claims up to limit of the oldest queued runs. SKIP
// LOCKED keeps concurrent claimers from contending for the same rows.
func (s *Postgres) ClaimBatch(ctx context.Context, workerID string, lease time.Duration, limit int) ([]*run.Run, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM runs
		WHERE status = 'queued'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := s.clock().UTC()
	expires := now.Add(lease)
	out := make([]*run.Run, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = 'running', claimed_by = $1, claim_expires = $2, started_at = $3
			WHERE id = $4`,
			workerID, expires, now, id,
		); err != nil {
			return nil, err
		}
		r, err := scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE id = $1`, id))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// ExtendClaim renews the lease while the worker still holds the run.
func (s *Postgres) ExtendClaim(ctx context.Context, runID, workerID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET claim_expires = $1
		WHERE id = $2 AND claimed_by = $3 AND status = 'running'`,
		s.clock().UTC().Add(lease), runID, workerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s worker %s", ErrClaimLost, runID, workerID)
	}
	return nil
}

// Finalize persists the terminal state and releases the claim.
func (s *Postgres) Finalize(ctx context.Context, r *run.Run) error {
	plan, err := json.Marshal(r.Plan)
	if err != nil {
		return fmt.Errorf("runstore: plan not serializable: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, plan = $2, finished_at = $3, claimed_by = NULL, claim_expires = NULL
		WHERE id = $4`,
		string(r.Status), plan, r.FinishedAt, r.ID,
	)
	return err
}

// ReclaimStale requeues expired claims in one statement; the returned copies
// keep the dead worker's identity.
func (s *Postgres) ReclaimStale(ctx context.Context, now time.Time) ([]*run.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH stale AS (
			SELECT id, claimed_by FROM runs
			WHERE status = 'running' AND claim_expires < $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE runs r
		SET status = 'queued', claimed_by = NULL, claim_expires = NULL, reclaims = r.reclaims + 1
		FROM stale s
		WHERE r.id = s.id
		RETURNING r.id, s.claimed_by, r.reclaims`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*run.Run
	for rows.Next() {
		var (
			id       string
			deadBy   sql.NullString
			reclaims int
		)
		if err := rows.Scan(&id, &deadBy, &reclaims); err != nil {
			return nil, err
		}
		out = append(out, &run.Run{
			ID:        id,
			Status:    run.StatusQueued,
			ClaimedBy: deadBy.String,
			Reclaims:  reclaims,
		})
	}
	return out, rows.Err()
}

// AcquireLeader takes or renews the scheduler leader lease.
func (s *Postgres) AcquireLeader(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	now := s.clock().UTC()
	var holder string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO leader_lease (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE leader_lease.expires_at < $4 OR leader_lease.holder = EXCLUDED.holder
		RETURNING holder`,
		leaseName, nodeID, now.Add(ttl), now,
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return holder == nodeID, nil
}

// Get loads a run by id.
func (s *Postgres) Get(ctx context.Context, id string) (*run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// Put stores an immutable checkpoint snapshot.
func (s *Postgres) Put(cp cursor.Checkpoint) error {
	outputs, err := json.Marshal(cp.Outputs)
	if err != nil {
		return fmt.Errorf("runstore: checkpoint outputs: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO checkpoints (run_id, step_index, outputs, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		cp.RunID, cp.StepIndex, outputs, cp.ContentHash, cp.CreatedAt,
	)
	return err
}

// Latest returns the highest-index checkpoint for a run.
func (s *Postgres) Latest(runID string) (cursor.Checkpoint, bool) {
	var (
		cp      cursor.Checkpoint
		outputs []byte
	)
	err := s.db.QueryRow(`
		SELECT run_id, step_index, outputs, content_hash, created_at
		FROM checkpoints WHERE run_id = $1
		ORDER BY step_index DESC LIMIT 1`,
		runID,
	).Scan(&cp.RunID, &cp.StepIndex, &outputs, &cp.ContentHash, &cp.CreatedAt)
	if err != nil {
		return cursor.Checkpoint{}, false
	}
	if len(outputs) > 0 {
		_ = json.Unmarshal(outputs, &cp.Outputs)
	}
	return cp, true
}

// Close closes the pool.
func (s *Postgres) Close() error { return s.db.Close() }

const selectRun = `
	SELECT id, tenant_id, plan, status, correlation_id, synthetic,
	       claimed_by, claim_expires, reclaims, started_at, finished_at, created_at
	FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*run.Run, error) {
	var (
		r         run.Run
		plan      []byte
		status    string
		claimedBy sql.NullString
		expires   sql.NullTime
		started   sql.NullTime
		finished  sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.TenantID, &plan, &status, &r.CorrelationID, &r.Synthetic,
		&claimedBy, &expires, &r.Reclaims, &started, &finished, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plan, &r.Plan); err != nil {
		return nil, fmt.Errorf("runstore: corrupt plan for run %s: %w", r.ID, err)
	}
	r.Status = run.Status(status)
	r.ClaimedBy = claimedBy.String
	if expires.Valid {
		t := expires.Time
		r.ClaimExpires = &t
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
