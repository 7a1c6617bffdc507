// Package collab ties the replicated documents to the update log, the
// websocket gateway and the cross-instance broadcaster.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/richtext-sync/internal/codec"
	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/engine"
	"github.com/example/richtext-sync/internal/snapshot"
	"github.com/example/richtext-sync/internal/storage"
	syncstate "github.com/example/richtext-sync/internal/sync"
	"github.com/example/richtext-sync/internal/types"
	"github.com/example/richtext-sync/internal/ws"
)

// ServerClientID attributes updates made through Edit.
const ServerClientID types.ClientID = "server"

// ErrEmptyUpdate is returned when a submitted buffer is empty.
var ErrEmptyUpdate = errors.New("empty update")

// Publisher relays persisted updates to other server instances.
type Publisher interface {
	Publish(ctx context.Context, docID types.DocumentID, opID types.OperationID, clientID types.ClientID, payload []byte) error
}

// Config holds the dependencies of a Service.
type Config struct {
	Log      storage.UpdateLog
	Engine   *engine.Engine
	Store    snapshot.Store
	Registry *ws.ConnectionRegistry
	// Publisher is optional; a nil publisher keeps updates on this instance.
	Publisher Publisher
	Policy    *storage.SnapshotPolicy
	Tracker   *syncstate.VersionTracker
	// LoadConcurrency bounds LoadAll. Zero means 4.
	LoadConcurrency int
	Logger          zerolog.Logger
}

// Receipt describes the outcome of a submitted update.
type Receipt struct {
	Document  types.DocumentID    `json:"document_id"`
	Operation types.OperationID   `json:"operation_id,omitempty"`
	LSN       int64               `json:"lsn,omitempty"`
	Version   types.VersionVector `json:"version"`
	// Duplicate is set when the update carried nothing new. It is
	// acknowledged but neither persisted nor relayed.
	Duplicate bool `json:"duplicate,omitempty"`
	// Pending is set when part of the update waits for missing history.
	Pending bool `json:"pending,omitempty"`
}

// Service accepts updates from clients, persists them and fans them out.
type Service struct {
	log       storage.UpdateLog
	engine    *engine.Engine
	store     snapshot.Store
	registry  *ws.ConnectionRegistry
	publisher Publisher
	policy    *storage.SnapshotPolicy
	tracker   *syncstate.VersionTracker
	loadLimit int
	logger    zerolog.Logger

	mu     sync.Mutex
	locks  map[types.DocumentID]*sync.Mutex
	loaded map[types.DocumentID]bool
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Log == nil {
		return nil, errors.New("update log is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Store == nil {
		cfg.Store = snapshot.NewMemoryStore()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = syncstate.NewVersionTracker()
	}
	if cfg.LoadConcurrency <= 0 {
		cfg.LoadConcurrency = 4
	}
	return &Service{
		log:       cfg.Log,
		engine:    cfg.Engine,
		store:     cfg.Store,
		registry:  cfg.Registry,
		publisher: cfg.Publisher,
		policy:    cfg.Policy,
		tracker:   cfg.Tracker,
		loadLimit: cfg.LoadConcurrency,
		logger:    cfg.Logger,
		locks:     make(map[types.DocumentID]*sync.Mutex),
		loaded:    make(map[types.DocumentID]bool),
	}, nil
}

func (s *Service) lock(docID types.DocumentID) func() {
	s.mu.Lock()
	l, ok := s.locks[docID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[docID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) isLoaded(docID types.DocumentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded[docID]
}

func (s *Service) setLoaded(docID types.DocumentID, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.loaded[docID] = true
	} else {
		delete(s.loaded, docID)
	}
}

// LoadAll restores every document with persisted updates.
func (s *Service) LoadAll(ctx context.Context) error {
	docs, err := s.log.ActiveDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list active documents: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.loadLimit)
	for _, docID := range docs {
		g.Go(func() error {
			return s.Load(gctx, docID)
		})
	}
	return g.Wait()
}

// Load rebuilds a document from its latest snapshot and the log entries
// after it, replacing whatever is in memory.
func (s *Service) Load(ctx context.Context, docID types.DocumentID) error {
	defer s.lock(docID)()
	return s.load(ctx, docID)
}

func (s *Service) load(ctx context.Context, docID types.DocumentID) error {
	start := time.Now()
	s.setLoaded(docID, false)

	ref, err := s.log.LatestSnapshot(ctx, docID)
	if err != nil {
		return fmt.Errorf("lookup snapshot for %s: %w", docID, err)
	}
	data, err := snapshot.Load(ctx, s.store, ref)
	if err == nil {
		err = s.engine.Restore(docID, data, ref.OperationID, ref.LastLSN)
	}
	if err != nil {
		// Fall back to replaying the whole log.
		s.logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot restore failed; replaying full log")
		ref = storage.SnapshotRef{}
		if err := s.engine.Restore(docID, nil, "", 0); err != nil {
			return err
		}
	}

	replayed := 0
	err = s.log.ReplayDocument(ctx, docID, ref.LastLSN, func(record types.UpdateRecord) error {
		if _, err := s.engine.ApplyUpdate(ctx, record); err != nil {
			return fmt.Errorf("apply lsn %d: %w", record.LSN, err)
		}
		replayed++
		if s.policy != nil {
			s.policy.RecordOperation(docID)
		}
		return nil
	})
	if err != nil {
		s.engine.Evict(docID)
		return fmt.Errorf("replay %s: %w", docID, err)
	}

	if last := s.engine.LastLSN(docID); last > 0 {
		if err := s.log.RecordCheckpoint(ctx, docID, last); err != nil {
			s.logger.Warn().Err(err).Str("document", string(docID)).Msg("checkpoint after replay failed")
		}
	}
	s.setLoaded(docID, true)
	documentLoads.Observe(time.Since(start).Seconds())
	s.logger.Info().
		Str("document", string(docID)).
		Int64("snapshot_lsn", ref.LastLSN).
		Int("replayed", replayed).
		Msg("document loaded")
	return nil
}

func (s *Service) ensureLoaded(ctx context.Context, docID types.DocumentID) error {
	if s.isLoaded(docID) {
		return nil
	}
	return s.load(ctx, docID)
}

// Submit merges a client update, appends it to the log and relays it to the
// other clients of the document.
func (s *Service) Submit(ctx context.Context, docID types.DocumentID, clientID types.ClientID, payload []byte) (Receipt, error) {
	if len(payload) == 0 {
		return Receipt{}, ErrEmptyUpdate
	}
	ctx, span := tracer.Start(ctx, "collab.Submit")
	defer span.End()

	unlock := s.lock(docID)
	defer unlock()
	if err := s.ensureLoaded(ctx, docID); err != nil {
		return Receipt{}, err
	}

	decoded, status, err := s.engine.Accept(ctx, docID, payload)
	if err != nil {
		submitted.WithLabelValues("rejected").Inc()
		span.RecordError(err)
		return Receipt{}, err
	}
	s.tracker.Observe(docID, clientID, decoded.Version())

	receipt := Receipt{Document: docID, Pending: status.Pending}
	if status.Applied == 0 && !status.Pending {
		submitted.WithLabelValues("duplicate").Inc()
		receipt.Duplicate = true
		receipt.Version = s.engine.VersionVector(docID)
		return receipt, nil
	}

	if err := s.persist(ctx, docID, clientID, payload, &receipt); err != nil {
		span.RecordError(err)
		return Receipt{}, err
	}
	submitted.WithLabelValues("applied").Inc()
	s.relay(ctx, docID, clientID, receipt.Operation, payload)
	return receipt, nil
}

// persist appends an already imported update. On failure the document is
// reloaded from storage so memory never runs ahead of the log.
func (s *Service) persist(ctx context.Context, docID types.DocumentID, clientID types.ClientID, payload []byte, receipt *Receipt) error {
	version := s.engine.VersionVector(docID)
	record := types.UpdateRecord{
		Operation: types.OperationID(uuid.NewString()),
		Document:  docID,
		Client:    clientID,
		Payload:   payload,
		Version:   version,
		CreatedAt: time.Now().UTC(),
	}
	lsn, err := s.log.AppendUpdate(ctx, record)
	if err != nil {
		s.logger.Error().Err(err).Str("document", string(docID)).Msg("append failed; reloading document")
		if rerr := s.load(ctx, docID); rerr != nil {
			s.logger.Error().Err(rerr).Str("document", string(docID)).Msg("reload after failed append")
		}
		return fmt.Errorf("append update: %w", err)
	}
	s.engine.MarkApplied(docID, lsn, record.Operation)
	if s.policy != nil {
		s.policy.RecordOperation(docID)
	}

	receipt.Operation = record.Operation
	receipt.LSN = lsn
	receipt.Version = version
	return nil
}

func (s *Service) relay(ctx context.Context, docID types.DocumentID, clientID types.ClientID, opID types.OperationID, payload []byte) {
	if s.registry != nil {
		s.registry.BroadcastByClientID(docID, ws.Message{Type: ws.MessageUpdate, Payload: payload}, clientID)
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, docID, opID, clientID, payload); err != nil {
			s.logger.Warn().Err(err).Str("document", string(docID)).Str("op_id", string(opID)).Msg("publish failed")
		}
	}
}

// Edit applies a server-side change to a document and distributes it like
// a client update. It returns a zero receipt when fn changed nothing.
func (s *Service) Edit(ctx context.Context, docID types.DocumentID, fn func(*crdt.Doc) error) (Receipt, error) {
	unlock := s.lock(docID)
	defer unlock()
	if err := s.ensureLoaded(ctx, docID); err != nil {
		return Receipt{}, err
	}

	// A failing fn may still have changed the document; those changes are
	// persisted before the error is returned.
	payload, fnErr := s.engine.Edit(docID, fn)
	if payload == nil {
		if fnErr != nil {
			return Receipt{}, fnErr
		}
		return Receipt{Document: docID, Duplicate: true, Version: s.engine.VersionVector(docID)}, nil
	}

	receipt := Receipt{Document: docID}
	if err := s.persist(ctx, docID, ServerClientID, payload, &receipt); err != nil {
		return Receipt{}, errors.Join(fnErr, err)
	}
	s.relay(ctx, docID, ServerClientID, receipt.Operation, payload)
	return receipt, fnErr
}

// ApplyRemote merges an update another instance already persisted.
func (s *Service) ApplyRemote(ctx context.Context, docID types.DocumentID, opID types.OperationID, payload []byte) error {
	unlock := s.lock(docID)
	defer unlock()
	if err := s.ensureLoaded(ctx, docID); err != nil {
		return err
	}
	if _, _, err := s.engine.Import(ctx, docID, payload); err != nil {
		return fmt.Errorf("import remote %s: %w", opID, err)
	}
	return nil
}

// Sync returns the changes a peer at since is missing and remembers that the
// client has reached since.
func (s *Service) Sync(ctx context.Context, docID types.DocumentID, clientID types.ClientID, since types.VersionVector) ([]byte, error) {
	unlock := s.lock(docID)
	defer unlock()
	if err := s.ensureLoaded(ctx, docID); err != nil {
		return nil, err
	}
	if clientID != "" {
		s.tracker.Observe(docID, clientID, since)
	}
	return s.engine.Export(docID, codec.Updates(since))
}

// Read runs fn against the loaded document under the document lock.
func (s *Service) Read(ctx context.Context, docID types.DocumentID, fn func(*crdt.Doc) error) error {
	unlock := s.lock(docID)
	defer unlock()
	if err := s.ensureLoaded(ctx, docID); err != nil {
		return err
	}
	return fn(s.engine.Document(docID))
}

// Snapshot exports the full state of a document.
func (s *Service) Snapshot(ctx context.Context, docID types.DocumentID) ([]byte, error) {
	unlock := s.lock(docID)
	defer unlock()
	if err := s.ensureLoaded(ctx, docID); err != nil {
		return nil, err
	}
	return s.engine.Export(docID, codec.Snapshot())
}

// Checkpoint persists the applied log position of every loaded document.
func (s *Service) Checkpoint(ctx context.Context) {
	for _, docID := range s.engine.Documents() {
		lsn := s.engine.LastLSN(docID)
		if lsn == 0 {
			continue
		}
		if err := s.log.RecordCheckpoint(ctx, docID, lsn); err != nil {
			s.logger.Error().Err(err).Str("document", string(docID)).Msg("failed to persist checkpoint")
			continue
		}
		if _, err := storage.RecordBacklog(ctx, s.log, docID); err != nil {
			s.logger.Debug().Err(err).Str("document", string(docID)).Msg("backlog lookup failed")
		}
	}
}

// Hooks returns the websocket hooks that route client messages into the
// service.
func (s *Service) Hooks() ws.Hooks {
	return ws.Hooks{
		OnSyncRequest: func(ctx context.Context, conn *ws.Connection, payload []byte) error {
			since, err := codec.DecodeVersionVector(payload)
			if err != nil {
				return fmt.Errorf("decode version vector: %w", err)
			}
			buf, err := s.Sync(ctx, conn.DocumentID(), conn.ClientID(), since)
			if err != nil {
				return err
			}
			return conn.Send(ws.Message{Type: ws.MessageUpdate, Payload: buf})
		},
		OnUpdate: func(ctx context.Context, conn *ws.Connection, payload []byte) error {
			receipt, err := s.Submit(ctx, conn.DocumentID(), conn.ClientID(), payload)
			if err != nil {
				return err
			}
			return conn.Send(ws.Message{Type: ws.MessageAck, Payload: []byte(receipt.Operation)})
		},
		OnDisconnect: func(conn *ws.Connection) {
			s.tracker.Forget(conn.DocumentID(), conn.ClientID())
		},
	}
}
