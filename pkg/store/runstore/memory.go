package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/run"
)

// Memory is the in-process backend used in tests and embedded deployments.
type Memory struct {
	mu     sync.Mutex
	runs   map[string]*run.Run
	order  []string
	leader struct {
		holder  string
		expires time.Time
	}
	clock func() time.Time
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		runs:  make(map[string]*run.Run),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Memory) WithClock(clock func() time.Time) *Memory {
	s.clock = clock
	return s
}

// Enqueue persists a new queued run.
func (s *Memory) Enqueue(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	s.order = append(s.order, r.ID)
	return nil
}

// ClaimNext claims the oldest queued run under the store lock.
func (s *Memory) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*run.Run, error) {
	runs, err := s.ClaimBatch(ctx, workerID, lease, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// ClaimBatch claims up to limit of the oldest queued runs under the store
// lock.
func (s *Memory) ClaimBatch(_ context.Context, workerID string, lease time.Duration, limit int) ([]*run.Run, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*run.Run
	for _, id := range s.order {
		if len(out) == limit {
			break
		}
		r := s.runs[id]
		if r.Status != run.StatusQueued {
			continue
		}
		now := s.clock().UTC()
		expires := now.Add(lease)
		r.Status = run.StatusRunning
		r.ClaimedBy = workerID
		r.ClaimExpires = &expires
		r.StartedAt = &now
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// ExtendClaim renews the lease while the worker still holds the run.
func (s *Memory) ExtendClaim(_ context.Context, runID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.Status != run.StatusRunning || r.ClaimedBy != workerID {
		return ErrClaimLost
	}
	expires := s.clock().UTC().Add(lease)
	r.ClaimExpires = &expires
	return nil
}

// Finalize persists the terminal state and releases the claim.
func (s *Memory) Finalize(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[r.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *r
	cp.ClaimedBy = ""
	cp.ClaimExpires = nil
	cp.Reclaims = stored.Reclaims
	s.runs[r.ID] = &cp
	return nil
}

// ReclaimStale requeues expired claims.
func (s *Memory) ReclaimStale(_ context.Context, now time.Time) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*run.Run
	for _, id := range s.order {
		r := s.runs[id]
		if r.Status != run.StatusRunning || r.ClaimExpires == nil || !r.ClaimExpires.Before(now) {
			continue
		}
		dead := r.ClaimedBy
		r.Status = run.StatusQueued
		r.ClaimedBy = ""
		r.ClaimExpires = nil
		r.Reclaims++
		cp := *r
		cp.ClaimedBy = dead
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AcquireLeader takes or renews the leader lease.
func (s *Memory) AcquireLeader(_ context.Context, nodeID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	if s.leader.holder != "" && s.leader.holder != nodeID && s.leader.expires.After(now) {
		return false, nil
	}
	s.leader.holder = nodeID
	s.leader.expires = now.Add(ttl)
	return true, nil
}

// Get loads a run by id.
func (s *Memory) Get(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}
