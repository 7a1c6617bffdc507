package storage

import (
	"sync"

	"github.com/example/richtext-sync/internal/types"
)

// SnapshotPolicy counts updates per document and reports when a snapshot is
// due.
type SnapshotPolicy struct {
	mu               sync.Mutex
	threshold        int
	opsSinceSnapshot map[types.DocumentID]int
}

// NewSnapshotPolicy creates a policy that triggers every threshold updates.
// A threshold below 1 triggers on every update.
func NewSnapshotPolicy(threshold int) *SnapshotPolicy {
	if threshold < 1 {
		threshold = 1
	}
	return &SnapshotPolicy{
		threshold:        threshold,
		opsSinceSnapshot: make(map[types.DocumentID]int),
	}
}

// RecordOperation counts one update and reports whether a snapshot is due.
func (p *SnapshotPolicy) RecordOperation(docID types.DocumentID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.opsSinceSnapshot[docID]++
	return p.opsSinceSnapshot[docID] >= p.threshold
}

// Due reports whether docID has reached the threshold without counting.
func (p *SnapshotPolicy) Due(docID types.DocumentID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opsSinceSnapshot[docID] >= p.threshold
}

// Reset clears the counter after a snapshot is written.
func (p *SnapshotPolicy) Reset(docID types.DocumentID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.opsSinceSnapshot, docID)
}

// OperationsSinceSnapshot returns the number of updates since the last reset.
func (p *SnapshotPolicy) OperationsSinceSnapshot(docID types.DocumentID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opsSinceSnapshot[docID]
}
