package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DocumentID identifies a collaborative document.
type DocumentID string

// ClientID represents a connected client.
type ClientID string

// OperationID is a globally unique identifier for a persisted update.
type OperationID string

// PeerID identifies a replica. Every replica allocates OpIDs from its own
// counter space, so two live replicas must never share a PeerID.
type PeerID uint64

// OpID addresses a single atom (character, list element, mark, map write) by
// the replica that created it and that replica's counter at creation time.
type OpID struct {
	Peer    PeerID
	Counter uint32
}

// Compare orders ids by peer and then counter. It returns -1 if id comes
// before other, 1 if after, and 0 if equal.
func (id OpID) Compare(other OpID) int {
	switch {
	case id.Peer < other.Peer:
		return -1
	case id.Peer > other.Peer:
		return 1
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	default:
		return 0
	}
}

// Inc returns the id n atoms further along the same peer's counter.
func (id OpID) Inc(n uint32) OpID {
	return OpID{Peer: id.Peer, Counter: id.Counter + n}
}

func (id OpID) String() string {
	return strconv.FormatUint(uint64(id.Counter), 10) + "@" + strconv.FormatUint(uint64(id.Peer), 10)
}

// VersionVector records, per peer, the next counter that has not been seen.
// Knowledge is prefix-closed: every atom of a peer below the recorded counter
// is known.
type VersionVector map[PeerID]uint32

// Includes reports whether the atom id is covered by the vector.
func (vv VersionVector) Includes(id OpID) bool {
	return id.Counter < vv[id.Peer]
}

// Extend raises the entry for peer to end when end is greater.
func (vv VersionVector) Extend(peer PeerID, end uint32) {
	if end > vv[peer] {
		vv[peer] = end
	}
}

// Merge merges another vector into the receiver by taking the max value for
// each entry.
func (vv VersionVector) Merge(other VersionVector) {
	for peer, value := range other {
		vv.Extend(peer, value)
	}
}

// Dominates reports whether the receiver covers the other vector, meaning all
// counters are greater or equal.
func (vv VersionVector) Dominates(other VersionVector) bool {
	for peer, value := range other {
		if vv[peer] < value {
			return false
		}
	}
	return true
}

// Equal reports whether both vectors describe the same knowledge. Zero
// entries are treated as absent.
func (vv VersionVector) Equal(other VersionVector) bool {
	return vv.Dominates(other) && other.Dominates(vv)
}

// Clone returns an independent copy of the vector.
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for peer, value := range vv {
		out[peer] = value
	}
	return out
}

// UpdateRecord stores a durable representation of an imported update buffer.
type UpdateRecord struct {
	LSN       int64         `json:"lsn,omitempty"`
	Operation OperationID   `json:"operation_id"`
	Document  DocumentID    `json:"document_id"`
	Client    ClientID      `json:"client_id"`
	Payload   []byte        `json:"payload"`
	Version   VersionVector `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
}

// MarshalBinary serializes an UpdateRecord to JSON for storage in a
// byte-oriented log.
func (r UpdateRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	type plain UpdateRecord
	return json.Marshal(plain(r))
}

// UnmarshalBinary deserializes an UpdateRecord from the JSON representation.
func (r *UpdateRecord) UnmarshalBinary(data []byte) error {
	type plain UpdateRecord
	var payload plain
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode update record: %w", err)
	}
	*r = UpdateRecord(payload)
	return nil
}
