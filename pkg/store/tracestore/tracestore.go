// Package tracestore persists sealed traces, their evidence records and
// capture failures.
//
// Append-only is enforced at the storage layer, not by convention: both SQL
// backends install triggers that reject every UPDATE on evidence rows and
// every DELETE of a non-synthetic row. The one sanctioned mutation is
// deleting synthetic-tagged rows for scenario cleanup.
package tracestore

import (
	"context"
	"errors"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

var (
	// ErrTraceNotFound is returned when no trace exists for a run.
	ErrTraceNotFound = errors.New("tracestore: trace not found")
	// ErrNotSynthetic is returned when a delete targets a committed
	// non-synthetic record.
	ErrNotSynthetic = errors.New("tracestore: only synthetic records may be deleted")
)

// Store is the persistence contract. It doubles as the replay source and the
// capture failure store.
type Store interface {
	// SaveTrace persists a trace header and its full record sequence. A run
	// keeps its first sealed trace: a later trace with a different id for
	// the same run is discarded and recorded as a capture failure, as when
	// a lease-expired worker and its reclaimer both finish one run.
	SaveTrace(ctx context.Context, t trace.Trace, records []trace.Record) error
	// LoadTrace returns the trace and its records in causal order.
	LoadTrace(ctx context.Context, runID string) (trace.Trace, []trace.Record, error)
	// DeleteSynthetic removes one synthetic-tagged record.
	DeleteSynthetic(ctx context.Context, recordID string) error

	// Capture-failure persistence, compatible with the capture recorder
	// and the integrity engine.
	Record(cf trace.CaptureFailure) error
	MarkSuperseded(traceID string, kind trace.Kind) error
	ListByTrace(traceID string) ([]trace.CaptureFailure, error)
}
