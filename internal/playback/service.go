// Package playback rebuilds a document as it was at an earlier operation or
// point in time from snapshots and the update log.
package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/richtext-sync/internal/codec"
	"github.com/example/richtext-sync/internal/engine"
	"github.com/example/richtext-sync/internal/snapshot"
	"github.com/example/richtext-sync/internal/storage"
	"github.com/example/richtext-sync/internal/types"
)

var (
	// ErrInvalidRequest is returned for requests missing a document or a cursor.
	ErrInvalidRequest = errors.New("invalid playback request")
	// ErrForbidden wraps Authorizer rejections.
	ErrForbidden = errors.New("access denied")

	errPlaybackComplete = errors.New("playback complete")
)

// Log provides the read operations required to hydrate a document at a specific
// point in time.
type Log interface {
	LSNForOperation(ctx context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error)
	LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error)
	SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (storage.SnapshotRef, error)
	ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.UpdateRecord) error) error
}

// Authorizer validates that a caller can access a particular document.
type Authorizer interface {
	Authorize(ctx context.Context, docID types.DocumentID) error
}

// AllowAllAuthorizer is a no-op authorizer used when callers have already been validated upstream.
type AllowAllAuthorizer struct{}

// Authorize implements Authorizer.
func (AllowAllAuthorizer) Authorize(context.Context, types.DocumentID) error { return nil }

// Request captures the playback cursor for a document.
type Request struct {
	Document    types.DocumentID
	OperationID types.OperationID
	AtTime      *time.Time
}

// Response is the hydrated document and its causality metadata. Buffer is a
// snapshot that any replica can import.
type Response struct {
	Document    types.DocumentID    `json:"document_id"`
	OperationID types.OperationID   `json:"operation_id"`
	LSN         int64               `json:"lsn"`
	Version     types.VersionVector `json:"version"`
	Value       map[string]any      `json:"value"`
	Buffer      []byte              `json:"buffer"`
}

// Service replays snapshots and log tails to surface deterministic document
// state at a requested logical point.
type Service struct {
	log    Log
	store  snapshot.Store
	auth   Authorizer
	cache  *stateCache
	logger zerolog.Logger
}

// ServiceConfig configures optional behaviours for playback.
type ServiceConfig struct {
	Authorizer Authorizer
	CacheSize  int
}

// NewService constructs a playback service backed by the provided log reader
// and snapshot store.
func NewService(log Log, store snapshot.Store, logger zerolog.Logger, cfg ServiceConfig) *Service {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 8
	}

	return &Service{
		log:    log,
		store:  store,
		auth:   cfg.Authorizer,
		cache:  newStateCache(cacheSize),
		logger: logger,
	}
}

// Playback hydrates the document at the requested operation or timestamp.
func (s *Service) Playback(ctx context.Context, req Request) (Response, error) {
	if req.Document == "" {
		return Response{}, fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}
	if req.OperationID == "" && req.AtTime == nil {
		return Response{}, fmt.Errorf("%w: at_op or at_time is required", ErrInvalidRequest)
	}
	if s.auth != nil {
		if err := s.auth.Authorize(ctx, req.Document); err != nil {
			return Response{}, fmt.Errorf("%w: %w", ErrForbidden, err)
		}
	}

	targetLSN, targetOp, err := s.resolveTarget(ctx, req)
	if err != nil {
		return Response{}, err
	}

	// Reuse a cached state that does not go past the target.
	base, ok := s.cache.Get(req.Document, targetLSN)
	if !ok {
		base, err = s.fetchSnapshot(ctx, req.Document, targetLSN)
		if err != nil {
			return Response{}, err
		}
	}

	eng := engine.NewEngine(0, s.logger)
	if err := eng.Restore(req.Document, base.Snapshot, base.LastOp, base.LSN); err != nil {
		return Response{}, err
	}
	return s.replayFrom(ctx, eng, req.Document, base.LSN, targetLSN, targetOp)
}

func (s *Service) replayFrom(ctx context.Context, eng *engine.Engine, docID types.DocumentID, fromLSN, targetLSN int64, targetOp types.OperationID) (Response, error) {
	if fromLSN < targetLSN {
		err := s.log.ReplayDocument(ctx, docID, fromLSN, func(record types.UpdateRecord) error {
			if record.LSN > targetLSN {
				return errPlaybackComplete
			}
			_, err := eng.ApplyUpdate(ctx, record)
			return err
		})
		if err != nil && !errors.Is(err, errPlaybackComplete) {
			return Response{}, fmt.Errorf("replay document: %w", err)
		}
	}

	buffer, err := eng.Export(docID, codec.Snapshot())
	if err != nil {
		return Response{}, fmt.Errorf("encode state: %w", err)
	}
	appliedOp := eng.LastOperation(docID)
	if fromLSN < targetLSN && eng.Document(docID).PendingUpdates() == 0 {
		s.cache.Put(docID, cacheEntry{LSN: targetLSN, LastOp: appliedOp, Snapshot: buffer})
	}

	respOp := targetOp
	if respOp == "" {
		respOp = appliedOp
	}
	doc := eng.Document(docID)
	return Response{
		Document:    docID,
		OperationID: respOp,
		LSN:         targetLSN,
		Version:     doc.VersionVector(),
		Value:       doc.DeepValue(),
		Buffer:      buffer,
	}, nil
}

func (s *Service) fetchSnapshot(ctx context.Context, docID types.DocumentID, targetLSN int64) (cacheEntry, error) {
	ref, err := s.log.SnapshotBeforeLSN(ctx, docID, targetLSN)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("find snapshot: %w", err)
	}
	data, err := snapshot.Load(ctx, s.store, ref)
	if err != nil {
		return cacheEntry{}, err
	}
	return cacheEntry{LSN: ref.LastLSN, LastOp: ref.OperationID, Snapshot: data}, nil
}

func (s *Service) resolveTarget(ctx context.Context, req Request) (int64, types.OperationID, error) {
	if req.OperationID != "" {
		lsn, createdAt, err := s.log.LSNForOperation(ctx, req.Document, req.OperationID)
		if err != nil {
			return 0, "", fmt.Errorf("lookup operation: %w", err)
		}
		if req.AtTime != nil && req.AtTime.Before(createdAt) {
			return 0, "", fmt.Errorf("%w: requested time predates operation %s", ErrInvalidRequest, req.OperationID)
		}
		return lsn, req.OperationID, nil
	}

	lsn, err := s.log.LSNForTime(ctx, req.Document, *req.AtTime)
	if err != nil {
		return 0, "", fmt.Errorf("lookup lsn for time: %w", err)
	}
	return lsn, "", nil
}
