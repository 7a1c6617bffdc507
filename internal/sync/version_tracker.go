package syncstate

import (
	"sort"
	"sync"

	"github.com/example/richtext-sync/internal/types"
)

type peerKey struct {
	doc    types.DocumentID
	client types.ClientID
}

// VersionTracker remembers, per document and connected client, the version
// vector the client is known to hold. The server uses it to decide which
// updates a client still needs.
type VersionTracker struct {
	mu       sync.RWMutex
	versions map[peerKey]types.VersionVector
}

// NewVersionTracker constructs an empty tracker.
func NewVersionTracker() *VersionTracker {
	return &VersionTracker{
		versions: make(map[peerKey]types.VersionVector),
	}
}

// Observe folds vv into what the client is known to hold and returns the
// merged vector.
func (t *VersionTracker) Observe(docID types.DocumentID, client types.ClientID, vv types.VersionVector) types.VersionVector {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := peerKey{doc: docID, client: client}
	current := t.versions[key]
	if current == nil {
		current = make(types.VersionVector)
		t.versions[key] = current
	}
	current.Merge(vv)
	return current.Clone()
}

// Snapshot returns a copy of the vector recorded for the client.
func (t *VersionTracker) Snapshot(docID types.DocumentID, client types.ClientID) types.VersionVector {
	t.mu.RLock()
	defer t.mu.RUnlock()

	vv := t.versions[peerKey{doc: docID, client: client}]
	if vv == nil {
		return make(types.VersionVector)
	}
	return vv.Clone()
}

// Covers reports whether the client is known to hold everything in vv.
func (t *VersionTracker) Covers(docID types.DocumentID, client types.ClientID, vv types.VersionVector) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.versions[peerKey{doc: docID, client: client}].Dominates(vv)
}

// Forget drops the record of a disconnected client.
func (t *VersionTracker) Forget(docID types.DocumentID, client types.ClientID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.versions, peerKey{doc: docID, client: client})
}

// Clients lists the clients tracked for a document, sorted.
func (t *VersionTracker) Clients(docID types.DocumentID) []types.ClientID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var clients []types.ClientID
	for key := range t.versions {
		if key.doc == docID {
			clients = append(clients, key.client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}
