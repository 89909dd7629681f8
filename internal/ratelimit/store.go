package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the persisted state of one bucket.
type Snapshot struct {
	AgentID    string
	Type       BucketType
	Tokens     float64
	LastRefill time.Time
}

// BucketStore persists bucket snapshots between restarts.
type BucketStore interface {
	Load(ctx context.Context) ([]Snapshot, error)
	Save(ctx context.Context, snaps []Snapshot) error
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[bucketKey]Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[bucketKey]Snapshot)}
}

// Load returns every stored snapshot.
func (s *MemoryStore) Load(_ context.Context) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	return out, nil
}

// Save upserts snaps.
func (s *MemoryStore) Save(_ context.Context, snaps []Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snaps {
		s.snaps[bucketKey{snap.AgentID, snap.Type}] = snap
	}
	return nil
}
