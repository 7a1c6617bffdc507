// Package engine keeps one replicated document per document id in memory and
// tracks which persisted updates each of them has absorbed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/richtext-sync/internal/codec"
	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/types"
)

// Engine orchestrates documents and tracks applied log positions.
type Engine struct {
	mu      sync.RWMutex
	peer    types.PeerID
	styles  crdt.StyleConfig
	docs    map[types.DocumentID]*crdt.Doc
	lastLSN map[types.DocumentID]int64
	lastOp  map[types.DocumentID]types.OperationID
	// parkedSince holds the first log position applied while the document
	// had parked updates.
	parkedSince map[types.DocumentID]int64
	logger      zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithStyleConfig sets the style configuration of every document created by
// the engine. Documents default to crdt.DefaultRichTextConfig.
func WithStyleConfig(cfg crdt.StyleConfig) Option {
	return func(e *Engine) { e.styles = cfg }
}

// NewEngine constructs an Engine whose local edits are attributed to peer.
func NewEngine(peer types.PeerID, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		peer:    peer,
		styles:  crdt.DefaultRichTextConfig(),
		docs:    make(map[types.DocumentID]*crdt.Doc),
		lastLSN: make(map[types.DocumentID]int64),
		lastOp:  make(map[types.DocumentID]types.OperationID),
		logger:  logger,

		parkedSince: make(map[types.DocumentID]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PeerID returns the peer id used for server-side edits.
func (e *Engine) PeerID() types.PeerID { return e.peer }

// Document returns the document for docID, creating it if necessary.
func (e *Engine) Document(docID types.DocumentID) *crdt.Doc {
	e.mu.RLock()
	doc, ok := e.docs[docID]
	e.mu.RUnlock()
	if ok {
		return doc
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if doc, ok = e.docs[docID]; ok {
		return doc
	}
	doc = e.newDoc(docID)
	e.docs[docID] = doc
	documentCount.Inc()
	return doc
}

func (e *Engine) newDoc(docID types.DocumentID) *crdt.Doc {
	return crdt.NewDoc(
		crdt.WithPeerID(e.peer),
		crdt.WithStyleConfig(e.styles),
		crdt.WithLogger(e.logger.With().Str("document", string(docID)).Logger()),
	)
}

// ApplyUpdate merges a persisted update into its document and records the
// log position.
func (e *Engine) ApplyUpdate(ctx context.Context, record types.UpdateRecord) (crdt.ImportStatus, error) {
	ctx, span := tracer.Start(ctx, "engine.ApplyUpdate", trace.WithAttributes(
		attribute.String("document", string(record.Document)),
		attribute.Int64("lsn", record.LSN),
	))
	defer span.End()

	_, status, err := e.Import(ctx, record.Document, record.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "import failed")
		e.logger.Error().Err(err).
			Str("document", string(record.Document)).
			Str("op_id", string(record.Operation)).
			Msg("failed to import update")
		return status, err
	}
	e.MarkApplied(record.Document, record.LSN, record.Operation)
	return status, nil
}

// Import decodes an update or snapshot buffer and merges it into the
// document without touching log positions. The decoded payload is returned
// so callers can inspect the version it was exported from.
func (e *Engine) Import(ctx context.Context, docID types.DocumentID, data []byte) (*codec.Payload, crdt.ImportStatus, error) {
	return e.importBuffer(ctx, docID, data, false)
}

// Accept is Import for client updates. Clients only learn about history
// through this server, so an update that builds on operations the document
// has neither applied nor parked fails with crdt.ErrUnknownHistory.
func (e *Engine) Accept(ctx context.Context, docID types.DocumentID, data []byte) (*codec.Payload, crdt.ImportStatus, error) {
	return e.importBuffer(ctx, docID, data, true)
}

func (e *Engine) importBuffer(ctx context.Context, docID types.DocumentID, data []byte, known bool) (*codec.Payload, crdt.ImportStatus, error) {
	start := time.Now()
	defer func() {
		applyLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	}()

	payload, err := codec.Decode(data)
	if err != nil {
		importFailures.WithLabelValues(string(docID)).Inc()
		return nil, crdt.ImportStatus{}, err
	}
	doc := e.Document(docID)
	var status crdt.ImportStatus
	if known {
		status, err = doc.ImportKnown(payload.ChangeSet())
	} else {
		status, err = doc.ImportChanges(payload.ChangeSet())
	}
	if err != nil {
		importFailures.WithLabelValues(string(docID)).Inc()
		return payload, status, err
	}
	if status.Pending {
		e.logger.Debug().Str("document", string(docID)).Msg("update parked until its history arrives")
	}
	pendingUpdates.WithLabelValues(string(docID)).Set(float64(doc.PendingUpdates()))
	return payload, status, nil
}

// MarkApplied records that the update with the given log position and
// operation id is reflected in the document. Positions never move backwards.
// While the document holds parked updates, the position of the first update
// logged since then is remembered for SnapshotLSN.
func (e *Engine) MarkApplied(docID types.DocumentID, lsn int64, opID types.OperationID) {
	parked := e.Document(docID).PendingUpdates() > 0

	e.mu.Lock()
	defer e.mu.Unlock()
	if lsn > 0 && lsn >= e.lastLSN[docID] {
		e.lastLSN[docID] = lsn
		if opID != "" {
			e.lastOp[docID] = opID
		}
	}
	switch {
	case !parked:
		delete(e.parkedSince, docID)
	case lsn > 0 && e.parkedSince[docID] == 0:
		e.parkedSince[docID] = lsn
	}
}

// SnapshotLSN returns the log position a snapshot of the document taken now
// covers. Parked updates are not part of a snapshot, so while any are held
// the position stops just before the oldest logged one and a restore replays
// it from the log.
func (e *Engine) SnapshotLSN(docID types.DocumentID) int64 {
	parked := e.Document(docID).PendingUpdates() > 0

	e.mu.Lock()
	defer e.mu.Unlock()
	since, ok := e.parkedSince[docID]
	if !parked {
		delete(e.parkedSince, docID)
		return e.lastLSN[docID]
	}
	if ok && since > 0 {
		return since - 1
	}
	return e.lastLSN[docID]
}

// Edit runs fn against the document and returns an update buffer holding
// exactly the changes fn made. No buffer is returned when nothing changed.
// Changes fn made before returning an error are still exported, together
// with that error, so the caller can persist what is already in memory.
func (e *Engine) Edit(docID types.DocumentID, fn func(*crdt.Doc) error) ([]byte, error) {
	doc := e.Document(docID)
	before := doc.VersionVector()
	fnErr := fn(doc)
	if doc.VersionVector().Equal(before) {
		return nil, fnErr
	}
	buf, err := codec.Export(doc, codec.Updates(before))
	if err != nil {
		return nil, errors.Join(fnErr, err)
	}
	return buf, fnErr
}

// Restore replaces the document with the content of a snapshot buffer.
func (e *Engine) Restore(docID types.DocumentID, snapshot []byte, lastOp types.OperationID, lsn int64) error {
	doc := e.newDoc(docID)
	if len(snapshot) > 0 {
		if _, err := codec.Import(doc, snapshot); err != nil {
			return fmt.Errorf("restore %s: %w", docID, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.docs[docID]; !ok {
		documentCount.Inc()
	}
	e.docs[docID] = doc
	e.lastLSN[docID] = lsn
	e.lastOp[docID] = lastOp
	delete(e.parkedSince, docID)
	return nil
}

// Export encodes the document according to mode.
func (e *Engine) Export(docID types.DocumentID, mode codec.ExportMode) ([]byte, error) {
	return codec.Export(e.Document(docID), mode)
}

// Evict drops a document from memory.
func (e *Engine) Evict(docID types.DocumentID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.docs[docID]; !ok {
		return
	}
	delete(e.docs, docID)
	delete(e.lastLSN, docID)
	delete(e.lastOp, docID)
	delete(e.parkedSince, docID)
	documentCount.Dec()
	pendingUpdates.DeleteLabelValues(string(docID))
}

// VersionVector returns the version vector of a document.
func (e *Engine) VersionVector(docID types.DocumentID) types.VersionVector {
	return e.Document(docID).VersionVector()
}

// LastLSN returns the highest applied log position for the document.
func (e *Engine) LastLSN(docID types.DocumentID) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastLSN[docID]
}

// LastOperation returns the id of the last applied persisted update.
func (e *Engine) LastOperation(docID types.DocumentID) types.OperationID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastOp[docID]
}

// Documents returns the documents currently loaded in memory, sorted.
func (e *Engine) Documents() []types.DocumentID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	docs := make([]types.DocumentID, 0, len(e.docs))
	for docID := range e.docs {
		docs = append(docs, docID)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i] < docs[j] })
	return docs
}
