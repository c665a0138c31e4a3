package trace

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/canonical"
)

// GenesisHash is the prev_hash of the first record in every ledger chain.
const GenesisHash = "genesis"

var (
	// ErrImmutable is returned for any attempt to mutate or delete a
	// committed non-synthetic record.
	ErrImmutable = errors.New("trace: committed records are immutable")
	// ErrSealed is returned when appending to a sealed trace.
	ErrSealed = errors.New("trace: trace is sealed")
	// ErrUnknownParent is returned when a record references a parent that
	// has not been committed.
	ErrUnknownParent = errors.New("trace: parent record not committed")
	// ErrCausalOrder is returned when a parent timestamp exceeds the
	// child timestamp.
	ErrCausalOrder = errors.New("trace: parent timestamp exceeds child timestamp")
)

// Ledger is an append-only, hash-chained record log for a single trace.
// Committed records are returned by value; no accessor exposes mutable state.
type Ledger struct {
	mu       sync.RWMutex
	trace    *Trace
	records  []Record
	byID     map[string]int
	headHash string
	clock    func() time.Time
}

// NewLedger opens a ledger for a running trace.
func NewLedger(t *Trace) *Ledger {
	return &Ledger{
		trace:    t,
		byID:     make(map[string]int),
		headHash: GenesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append commits one evidence record. Causal ordering is validated at write
// time: the parent must already be committed and its timestamp must not
// exceed the child's. Returns the committed record by value.
func (l *Ledger) Append(parentID string, kind Kind, class Classification, payload map[string]any, synthetic bool) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.trace.Status != StatusRunning {
		return Record{}, ErrSealed
	}

	now := l.clock().UTC()
	if parentID != "" {
		idx, ok := l.byID[parentID]
		if !ok {
			return Record{}, fmt.Errorf("%w: %s", ErrUnknownParent, parentID)
		}
		if l.records[idx].CommittedAt.After(now) {
			return Record{}, ErrCausalOrder
		}
	}

	payloadHash, err := canonical.Fingerprint(payload)
	if err != nil {
		return Record{}, fmt.Errorf("trace: payload not hashable: %w", err)
	}

	seq := uint64(len(l.records)) + 1
	contentHash, err := canonical.Fingerprint(map[string]any{
		"sequence":     seq,
		"kind":         string(kind),
		"payload_hash": payloadHash,
		"prev_hash":    l.headHash,
	})
	if err != nil {
		return Record{}, fmt.Errorf("trace: content not hashable: %w", err)
	}

	rec := Record{
		ID:             uuid.NewString(),
		TraceID:        l.trace.ID,
		ParentID:       parentID,
		Sequence:       seq,
		Kind:           kind,
		Classification: class,
		Payload:        payload,
		PayloadHash:    payloadHash,
		ContentHash:    contentHash,
		PrevHash:       l.headHash,
		IsSynthetic:    synthetic,
		CommittedAt:    now,
	}

	l.records = append(l.records, rec)
	l.byID[rec.ID] = len(l.records) - 1
	l.headHash = contentHash

	return rec, nil
}

// Records returns all committed records in causal order, by value.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of committed records.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Update rejects every mutation attempt. The method exists so the storage
// contract is explicit rather than conventional.
func (l *Ledger) Update(Record) error { return ErrImmutable }

// Delete removes a record only when it is synthetic-tagged; anything else is
// rejected. Used for scenario cleanup.
func (l *Ledger) Delete(recordID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[recordID]
	if !ok {
		return fmt.Errorf("trace: record %s not found", recordID)
	}
	if !l.records[idx].IsSynthetic {
		return ErrImmutable
	}
	l.records = append(l.records[:idx], l.records[idx+1:]...)
	delete(l.byID, recordID)
	for i := idx; i < len(l.records); i++ {
		l.byID[l.records[i].ID] = i
	}
	return nil
}

// Seal finalizes the trace with the given status and computes the checksum.
// A sealed ledger accepts no further appends.
func (l *Ledger) Seal(status Status) (*Trace, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.trace.Status != StatusRunning {
		return nil, ErrSealed
	}
	if status != StatusComplete && status != StatusAborted {
		return nil, fmt.Errorf("trace: invalid seal status %q", status)
	}

	checksum, err := ChecksumRecords(l.records)
	if err != nil {
		return nil, fmt.Errorf("trace: checksum failed: %w", err)
	}

	now := l.clock().UTC()
	l.trace.Status = status
	l.trace.Checksum = checksum
	l.trace.SealedAt = &now

	t := *l.trace
	return &t, nil
}

// Trace returns a copy of the trace header.
func (l *Ledger) Trace() Trace {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return *l.trace
}

// Verify walks the hash chain and recomputes every content hash. Returns
// false with a diagnostic at the first break.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := GenesisHash
	for i, rec := range l.records {
		if rec.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at record %d: expected prev %s, got %s", i+1, prevHash, rec.PrevHash)
		}
		computed, err := canonical.Fingerprint(map[string]any{
			"sequence":     rec.Sequence,
			"kind":         string(rec.Kind),
			"payload_hash": rec.PayloadHash,
			"prev_hash":    rec.PrevHash,
		})
		if err != nil || computed != rec.ContentHash {
			return false, fmt.Sprintf("hash mismatch at record %d", i+1)
		}
		prevHash = rec.ContentHash
	}
	return true, "chain verified"
}
