package manifest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mapdev/ingestd/internal/validate"
)

// Store persists ledger records and their validation issues.
//
// FindByChecksum implements the duplicate check: it returns the most recent
// COMPLETED attempt with the given checksum, or (nil, nil) when no such
// attempt exists. FAILED attempts never count as duplicates, so a failed
// file can be resubmitted.
type Store interface {
	Save(ctx context.Context, m *Manifest) error
	Update(ctx context.Context, m *Manifest) error
	FindByBatchID(ctx context.Context, batchID uuid.UUID) (*Manifest, error)
	FindByChecksum(ctx context.Context, checksum string) (*Manifest, error)
	FindByParent(ctx context.Context, parentBatchID uuid.UUID) ([]*Manifest, error)

	// ListRecent returns up to limit records, newest first, optionally
	// filtered by status. An empty status matches everything.
	ListRecent(ctx context.Context, status Status, limit int) ([]*Manifest, error)

	SaveIssues(ctx context.Context, issues []validate.Issue) error
}

// MemoryStore is an in-memory Store. It backs tests and lets the pipeline
// run without a ledger database.
type MemoryStore struct {
	mu      sync.RWMutex
	byBatch map[uuid.UUID]*Manifest
	issues  []validate.Issue
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byBatch: make(map[uuid.UUID]*Manifest)}
}

// Save stores a copy of m keyed by batch ID.
func (s *MemoryStore) Save(_ context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.byBatch[m.BatchID] = &cp
	return nil
}

// Update overwrites the stored record for m's batch ID.
func (s *MemoryStore) Update(ctx context.Context, m *Manifest) error {
	return s.Save(ctx, m)
}

// FindByBatchID returns the record for batchID, or (nil, nil) when absent.
func (s *MemoryStore) FindByBatchID(_ context.Context, batchID uuid.UUID) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byBatch[batchID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

// FindByChecksum returns the most recently started COMPLETED attempt with
// the given checksum, or (nil, nil).
func (s *MemoryStore) FindByChecksum(_ context.Context, checksum string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Manifest
	for _, m := range s.byBatch {
		if m.FileChecksum != checksum || m.Status != StatusCompleted {
			continue
		}
		if latest == nil || m.StartedAt.After(latest.StartedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// FindByParent returns the children of a parent batch, oldest first.
func (s *MemoryStore) FindByParent(_ context.Context, parentBatchID uuid.UUID) ([]*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Manifest
	for _, m := range s.byBatch {
		if m.ParentBatchID != nil && *m.ParentBatchID == parentBatchID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ListRecent returns up to limit records, newest first, optionally filtered
// by status.
func (s *MemoryStore) ListRecent(_ context.Context, status Status, limit int) ([]*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Manifest
	for _, m := range s.byBatch {
		if status != "" && m.Status != status {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveIssues appends issues to the in-memory issue log.
func (s *MemoryStore) SaveIssues(_ context.Context, issues []validate.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, issues...)
	return nil
}

// All returns every manifest in insertion-independent order. Test helper.
func (s *MemoryStore) All() []*Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Manifest, 0, len(s.byBatch))
	for _, m := range s.byBatch {
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Issues returns all recorded issues. Test helper.
func (s *MemoryStore) Issues() []validate.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]validate.Issue, len(s.issues))
	copy(out, s.issues)
	return out
}
