// Package runstore persists runs, claims and checkpoints.
//
// Three backends share one contract: Postgres for fleets (claims via
// FOR UPDATE SKIP LOCKED), SQLite for single-node deployments (claims
// serialized by the single writer) and memory for tests. In all of them
// ClaimNext is atomic — exactly one concurrent claimer wins any run.
package runstore

import (
	"errors"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/cursor"
)

var (
	// ErrClaimLost is returned when a lease operation targets a run no
	// longer held by the calling worker.
	ErrClaimLost = errors.New("runstore: claim lost")
	// ErrNotFound is returned when a run id does not exist.
	ErrNotFound = errors.New("runstore: run not found")
)

// leaseName is the single leader lease all schedulers compete for.
const leaseName = "scheduler"

// CheckpointStore persists cursor checkpoints keyed by (run_id, step_index).
// Snapshots are immutable; a duplicate key is rejected.
type CheckpointStore interface {
	Put(cp cursor.Checkpoint) error
	Latest(runID string) (cursor.Checkpoint, bool)
}
