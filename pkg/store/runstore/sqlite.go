package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/cursor"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/run"
)

// SQLite is the single-node backend. SQLite serializes writers, so an
// immediate transaction around select-then-update gives the same
// exactly-one-claimer guarantee SKIP LOCKED gives on Postgres.
type SQLite struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLite wraps an open connection.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLite) WithClock(clock func() time.Time) *SQLite {
	s.clock = clock
	return s
}

// OpenSQLite opens (or creates) the database file and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runstore: open sqlite: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under claim contention.
	db.SetMaxOpenConns(1)
	s := NewSQLite(db)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	plan TEXT NOT NULL,
	status TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	synthetic INTEGER NOT NULL DEFAULT 0,
	claimed_by TEXT,
	claim_expires TIMESTAMP,
	reclaims INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMP,
	finished_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_claim_idx ON runs (status, created_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	outputs TEXT,
	content_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, step_index)
);

CREATE TABLE IF NOT EXISTS leader_lease (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
`

// Init applies the schema.
func (s *SQLite) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

// Enqueue persists a new queued run.
func (s *SQLite) Enqueue(ctx context.Context, r *run.Run) error {
	plan, err := json.Marshal(r.Plan)
	if err != nil {
		return fmt.Errorf("runstore: plan not serializable: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, plan, status, correlation_id, synthetic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, string(plan), string(r.Status), r.CorrelationID, r.Synthetic, r.CreatedAt,
	)
	return err
}

// ClaimNext claims the oldest queued run inside one write transaction.
func (s *SQLite) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*run.Run, error) {
	runs, err := s.ClaimBatch(ctx, workerID, lease, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// ClaimBatch claims up to limit of the oldest queued runs inside one write
// transaction.
func (s *SQLite) ClaimBatch(ctx context.Context, workerID string, lease time.Duration, limit int) ([]*run.Run, error) {
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
		LIMIT ?`,
		limit,
	)
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
	out := make([]*run.Run, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = 'running', claimed_by = ?, claim_expires = ?, started_at = ?
			WHERE id = ? AND status = 'queued'`,
			workerID, now.Add(lease), now, id,
		)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to a writer that committed between our read
			// and write. Skip; the next poll will retry.
			continue
		}
		r, err := scanRun(tx.QueryRowContext(ctx, sqliteSelectRun+` WHERE id = ?`, id))
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
func (s *SQLite) ExtendClaim(ctx context.Context, runID, workerID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET claim_expires = ?
		WHERE id = ? AND claimed_by = ? AND status = 'running'`,
		s.clock().UTC().Add(lease), runID, workerID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s worker %s", ErrClaimLost, runID, workerID)
	}
	return nil
}

// Finalize persists the terminal state and releases the claim.
func (s *SQLite) Finalize(ctx context.Context, r *run.Run) error {
	plan, err := json.Marshal(r.Plan)
	if err != nil {
		return fmt.Errorf("runstore: plan not serializable: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, plan = ?, finished_at = ?, claimed_by = NULL, claim_expires = NULL
		WHERE id = ?`,
		string(r.Status), string(plan), r.FinishedAt, r.ID,
	)
	return err
}

// ReclaimStale requeues expired claims.
func (s *SQLite) ReclaimStale(ctx context.Context, now time.Time) ([]*run.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, claimed_by, reclaims FROM runs
		WHERE status = 'running' AND claim_expires < ?`,
		now,
	)
	if err != nil {
		return nil, err
	}
	type stale struct {
		id       string
		by       string
		reclaims int
	}
	var found []stale
	for rows.Next() {
		var (
			st stale
			by sql.NullString
		)
		if err := rows.Scan(&st.id, &by, &st.reclaims); err != nil {
			rows.Close()
			return nil, err
		}
		st.by = by.String
		found = append(found, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*run.Run, 0, len(found))
	for _, st := range found {
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = 'queued', claimed_by = NULL, claim_expires = NULL, reclaims = reclaims + 1
			WHERE id = ?`,
			st.id,
		); err != nil {
			return nil, err
		}
		out = append(out, &run.Run{
			ID:        st.id,
			Status:    run.StatusQueued,
			ClaimedBy: st.by,
			Reclaims:  st.reclaims + 1,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// AcquireLeader takes or renews the scheduler leader lease.
func (s *SQLite) AcquireLeader(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leader_lease (name, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE
		SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leader_lease.expires_at < ? OR leader_lease.holder = excluded.holder`,
		leaseName, nodeID, now.Add(ttl), now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get loads one run by id.
func (s *SQLite) Get(ctx context.Context, id string) (*run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, sqliteSelectRun+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// Put stores an immutable checkpoint snapshot.
func (s *SQLite) Put(cp cursor.Checkpoint) error {
	outputs, err := json.Marshal(cp.Outputs)
	if err != nil {
		return fmt.Errorf("runstore: checkpoint outputs: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO checkpoints (run_id, step_index, outputs, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.RunID, cp.StepIndex, string(outputs), cp.ContentHash, cp.CreatedAt,
	)
	return err
}

// Latest returns the highest-index checkpoint for a run.
func (s *SQLite) Latest(runID string) (cursor.Checkpoint, bool) {
	var (
		cp      cursor.Checkpoint
		outputs string
	)
	err := s.db.QueryRow(`
		SELECT run_id, step_index, outputs, content_hash, created_at
		FROM checkpoints WHERE run_id = ?
		ORDER BY step_index DESC LIMIT 1`,
		runID,
	).Scan(&cp.RunID, &cp.StepIndex, &outputs, &cp.ContentHash, &cp.CreatedAt)
	if err != nil {
		return cursor.Checkpoint{}, false
	}
	if outputs != "" {
		_ = json.Unmarshal([]byte(outputs), &cp.Outputs)
	}
	return cp, true
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

const sqliteSelectRun = `
	SELECT id, tenant_id, plan, status, correlation_id, synthetic,
	       claimed_by, claim_expires, reclaims, started_at, finished_at, created_at
	FROM runs`
