// Package storage persists update buffers in an append-only log and keeps the
// checkpoint and snapshot bookkeeping needed to rebuild documents from it.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/richtext-sync/internal/types"
)

// ErrNotFound is returned when a lookup has no matching row.
var ErrNotFound = errors.New("not found")

// SnapshotRef points at a snapshot buffer in object storage and the log
// position it covers.
type SnapshotRef struct {
	Document    types.DocumentID    `json:"document_id"`
	OperationID types.OperationID   `json:"operation_id"`
	Version     types.VersionVector `json:"version"`
	ObjectPath  string              `json:"object_path"`
	LastLSN     int64               `json:"last_lsn"`
	CreatedAt   time.Time           `json:"created_at"`
}

// UpdateLog is the durable log of update buffers. LSNs are assigned on append
// and increase monotonically across all documents.
type UpdateLog interface {
	AppendUpdate(ctx context.Context, record types.UpdateRecord) (int64, error)
	// ReplayDocument calls handler for every record of docID with an LSN
	// greater than fromLSN, in LSN order. Returning an error from handler
	// stops the scan and is passed through.
	ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.UpdateRecord) error) error
	ActiveDocuments(ctx context.Context) ([]types.DocumentID, error)

	LastCheckpoint(ctx context.Context, docID types.DocumentID) (int64, error)
	RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error

	RecordSnapshot(ctx context.Context, ref SnapshotRef) error
	// LatestSnapshot returns the newest snapshot of docID, or a zero ref when
	// none exists.
	LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error)
	// SnapshotBeforeLSN returns the newest snapshot covering at most lsn, or a
	// zero ref when none exists.
	SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error)

	LSNForOperation(ctx context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error)
	LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error)
	OperationCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error)

	Close() error
}
