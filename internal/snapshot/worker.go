// Package snapshot writes compacted document snapshots to object storage so
// that recovery and playback only replay the tail of the update log.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/richtext-sync/internal/codec"
	"github.com/example/richtext-sync/internal/engine"
	"github.com/example/richtext-sync/internal/storage"
	"github.com/example/richtext-sync/internal/types"
)

const (
	defaultInterval     = 15 * time.Second
	defaultWALThreshold = int64(500)
)

// Worker periodically inspects per-document log volume and emits snapshots
// when thresholds are exceeded.
type Worker struct {
	log    storage.UpdateLog
	engine *engine.Engine
	store  Store
	policy *storage.SnapshotPolicy

	interval     time.Duration
	walThreshold int64

	logger zerolog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets the scan period.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWALThreshold sets how many log entries past the latest snapshot force
// a new one.
func WithWALThreshold(n int64) Option {
	return func(w *Worker) {
		if n > 0 {
			w.walThreshold = n
		}
	}
}

// WithPolicy lets an update-count policy trigger snapshots as well.
func WithPolicy(p *storage.SnapshotPolicy) Option {
	return func(w *Worker) { w.policy = p }
}

// NewWorker constructs a snapshot worker.
func NewWorker(log storage.UpdateLog, eng *engine.Engine, store Store, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		log:          log,
		engine:       eng,
		store:        store,
		interval:     defaultInterval,
		walThreshold: defaultWALThreshold,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce checks every loaded document once.
func (w *Worker) RunOnce(ctx context.Context) {
	for _, docID := range w.engine.Documents() {
		if err := w.processDocument(ctx, docID); err != nil {
			w.logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processDocument(ctx context.Context, docID types.DocumentID) error {
	latest, err := w.log.LatestSnapshot(ctx, docID)
	if err != nil {
		return fmt.Errorf("lookup latest snapshot: %w", err)
	}
	if w.engine.SnapshotLSN(docID) <= latest.LastLSN {
		return nil
	}

	backlog, err := storage.RecordBacklog(ctx, w.log, docID)
	if err != nil {
		return fmt.Errorf("count updates: %w", err)
	}
	due := w.policy != nil && w.policy.Due(docID)
	if backlog < w.walThreshold && !due {
		return nil
	}

	_, err = w.Snapshot(ctx, docID)
	return err
}

// Snapshot writes the current state of docID and records its reference.
func (w *Worker) Snapshot(ctx context.Context, docID types.DocumentID) (storage.SnapshotRef, error) {
	doc := w.engine.Document(docID)

	// Read the position before exporting; replaying an update the snapshot
	// already holds is a no-op. Parked updates are not exported, and the
	// position stays below them so a restore replays them.
	lsn := w.engine.SnapshotLSN(docID)
	lastOp := w.engine.LastOperation(docID)
	if lsn != w.engine.LastLSN(docID) {
		lastOp = ""
	}

	start := time.Now()
	data, err := codec.Export(doc, codec.Snapshot())
	if err != nil {
		return storage.SnapshotRef{}, fmt.Errorf("encode snapshot: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s/%020d.bin", docID, lsn)
	if err := w.store.Put(ctx, objectPath, data); err != nil {
		return storage.SnapshotRef{}, fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Document:    docID,
		OperationID: lastOp,
		Version:     doc.VersionVector(),
		ObjectPath:  objectPath,
		LastLSN:     lsn,
		CreatedAt:   time.Now().UTC(),
	}
	if err := w.log.RecordSnapshot(ctx, ref); err != nil {
		return storage.SnapshotRef{}, fmt.Errorf("persist snapshot ref: %w", err)
	}
	if w.policy != nil {
		w.policy.Reset(docID)
	}

	snapshotLatency.Observe(time.Since(start).Seconds())
	snapshotSize.Observe(float64(len(data)))
	w.logger.Info().
		Str("document", string(docID)).
		Int64("lsn", lsn).
		Int("bytes", len(data)).
		Msg("snapshot created")
	return ref, nil
}

// Load fetches the snapshot a reference points at. A zero reference yields
// an empty buffer.
func Load(ctx context.Context, store Store, ref storage.SnapshotRef) ([]byte, error) {
	if ref.ObjectPath == "" {
		return nil, nil
	}
	data, err := store.Load(ctx, ref.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("load snapshot object: %w", err)
	}
	return data, nil
}
