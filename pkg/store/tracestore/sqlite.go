package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

// SQLite is the single-node backend with the same trigger-enforced
// immutability as Postgres.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open connection.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// OpenSQLite opens (or creates) the database file and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tracestore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := NewSQLite(db)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL UNIQUE,
	schema_version TEXT NOT NULL,
	status TEXT NOT NULL,
	checksum TEXT,
	created_at TIMESTAMP NOT NULL,
	sealed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trace_records (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL REFERENCES traces(id),
	parent_id TEXT,
	sequence INTEGER NOT NULL,
	kind TEXT NOT NULL,
	classification TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	is_synthetic INTEGER NOT NULL DEFAULT 0,
	committed_at TIMESTAMP NOT NULL,
	UNIQUE (trace_id, sequence)
);

CREATE TABLE IF NOT EXISTS capture_failures (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	error TEXT NOT NULL,
	resolution TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL
);

CREATE TRIGGER IF NOT EXISTS trace_records_no_update
BEFORE UPDATE ON trace_records
BEGIN
	SELECT RAISE(ABORT, 'trace records are immutable');
END;

CREATE TRIGGER IF NOT EXISTS trace_records_no_delete
BEFORE DELETE ON trace_records
WHEN OLD.is_synthetic = 0
BEGIN
	SELECT RAISE(ABORT, 'only synthetic records may be deleted');
END;
`

// Init applies schema and triggers.
func (s *SQLite) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

// SaveTrace persists the header and all records in one transaction. A run
// keeps its first sealed trace: when a different trace already exists for the
// run, the late one is discarded and the loss recorded as a capture failure.
func (s *SQLite) SaveTrace(ctx context.Context, t trace.Trace, records []trace.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM traces WHERE run_id = ?`, t.RunID,
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if existing != "" && existing != t.ID {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO capture_failures (id, trace_id, kind, error, resolution, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), existing, string(trace.KindRunOutcome),
			fmt.Sprintf("duplicate trace %s for run %s discarded", t.ID, t.RunID),
			string(trace.ResolutionSuperseded), time.Now().UTC(),
		); err != nil {
			return err
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO traces (id, run_id, schema_version, status, checksum, created_at, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET status = excluded.status, checksum = excluded.checksum, sealed_at = excluded.sealed_at`,
		t.ID, t.RunID, t.SchemaVersion, string(t.Status), t.Checksum, t.CreatedAt, t.SealedAt,
	); err != nil {
		return err
	}

	for _, rec := range records {
		payload, merr := json.Marshal(rec.Payload)
		if merr != nil {
			return fmt.Errorf("tracestore: payload of record %s: %w", rec.ID, merr)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trace_records
				(id, trace_id, parent_id, sequence, kind, classification,
				 payload, payload_hash, content_hash, prev_hash, is_synthetic, committed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.TraceID, nullable(rec.ParentID), rec.Sequence, string(rec.Kind),
			string(rec.Classification), string(payload), rec.PayloadHash, rec.ContentHash,
			rec.PrevHash, rec.IsSynthetic, rec.CommittedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadTrace returns the trace for a run and its records in causal order.
func (s *SQLite) LoadTrace(ctx context.Context, runID string) (trace.Trace, []trace.Record, error) {
	var (
		t      trace.Trace
		status string
		sealed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, schema_version, status, checksum, created_at, sealed_at
		FROM traces WHERE run_id = ?`,
		runID,
	).Scan(&t.ID, &t.RunID, &t.SchemaVersion, &status, &t.Checksum, &t.CreatedAt, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return trace.Trace{}, nil, fmt.Errorf("%w: run %s", ErrTraceNotFound, runID)
	}
	if err != nil {
		return trace.Trace{}, nil, err
	}
	t.Status = trace.Status(status)
	if sealed.Valid {
		at := sealed.Time
		t.SealedAt = &at
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, parent_id, sequence, kind, classification,
		       payload, payload_hash, content_hash, prev_hash, is_synthetic, committed_at
		FROM trace_records WHERE trace_id = ?
		ORDER BY sequence ASC`,
		t.ID,
	)
	if err != nil {
		return trace.Trace{}, nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []trace.Record
	for rows.Next() {
		var (
			rec     trace.Record
			parent  sql.NullString
			kind    string
			class   string
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.TraceID, &parent, &rec.Sequence, &kind, &class,
			&payload, &rec.PayloadHash, &rec.ContentHash, &rec.PrevHash,
			&rec.IsSynthetic, &rec.CommittedAt); err != nil {
			return trace.Trace{}, nil, err
		}
		rec.ParentID = parent.String
		rec.Kind = trace.Kind(kind)
		rec.Classification = trace.Classification(class)
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return trace.Trace{}, nil, fmt.Errorf("tracestore: corrupt payload in record %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return t, records, rows.Err()
}

// DeleteSynthetic removes one synthetic record.
func (s *SQLite) DeleteSynthetic(ctx context.Context, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trace_records WHERE id = ? AND is_synthetic = 1`, recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotSynthetic, recordID)
	}
	return nil
}

// Record persists a capture failure.
func (s *SQLite) Record(cf trace.CaptureFailure) error {
	_, err := s.db.Exec(`
		INSERT INTO capture_failures (id, trace_id, kind, error, resolution, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cf.ID, cf.TraceID, string(cf.Kind), cf.Error, string(cf.Resolution), cf.OccurredAt,
	)
	return err
}

// MarkSuperseded resolves earlier transient failures of a kind.
func (s *SQLite) MarkSuperseded(traceID string, kind trace.Kind) error {
	_, err := s.db.Exec(`
		UPDATE capture_failures SET resolution = 'superseded'
		WHERE trace_id = ? AND kind = ? AND resolution = 'transient'`,
		traceID, string(kind),
	)
	return err
}

// ListByTrace returns all capture failures for a trace.
func (s *SQLite) ListByTrace(traceID string) ([]trace.CaptureFailure, error) {
	rows, err := s.db.Query(`
		SELECT id, trace_id, kind, error, resolution, occurred_at
		FROM capture_failures WHERE trace_id = ?
		ORDER BY occurred_at ASC`,
		traceID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]trace.CaptureFailure, 0)
	for rows.Next() {
		var (
			cf   trace.CaptureFailure
			kind string
			res  string
		)
		if err := rows.Scan(&cf.ID, &cf.TraceID, &kind, &cf.Error, &res, &cf.OccurredAt); err != nil {
			return nil, err
		}
		cf.Kind = trace.Kind(kind)
		cf.Resolution = trace.Resolution(res)
		out = append(out, cf)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }
