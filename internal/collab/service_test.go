package collab_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/codec"
	"github.com/example/richtext-sync/internal/collab"
	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/engine"
	"github.com/example/richtext-sync/internal/snapshot"
	"github.com/example/richtext-sync/internal/storage"
	syncstate "github.com/example/richtext-sync/internal/sync"
	"github.com/example/richtext-sync/internal/types"
	"github.com/example/richtext-sync/internal/ws"
)

type published struct {
	doc    types.DocumentID
	op     types.OperationID
	client types.ClientID
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []published
}

func (p *fakePublisher) Publish(_ context.Context, docID types.DocumentID, opID types.OperationID, clientID types.ClientID, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{doc: docID, op: opID, client: clientID})
	return nil
}

// flakyLog fails the next append when failNext is set.
type flakyLog struct {
	storage.UpdateLog
	failNext bool
}

func (l *flakyLog) AppendUpdate(ctx context.Context, record types.UpdateRecord) (int64, error) {
	if l.failNext {
		l.failNext = false
		return 0, errors.New("disk full")
	}
	return l.UpdateLog.AppendUpdate(ctx, record)
}

func openLog(t *testing.T) *storage.BoltLog {
	t.Helper()
	log, err := storage.OpenBoltLog(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func newService(t *testing.T, log storage.UpdateLog, store snapshot.Store, pub collab.Publisher) (*collab.Service, *engine.Engine, *syncstate.VersionTracker) {
	t.Helper()
	eng := engine.NewEngine(1, zerolog.New(io.Discard))
	tracker := syncstate.NewVersionTracker()
	cfg := collab.Config{
		Log:      log,
		Engine:   eng,
		Store:    store,
		Registry: ws.NewConnectionRegistry(),
		Policy:   storage.NewSnapshotPolicy(100),
		Tracker:  tracker,
		Logger:   zerolog.New(io.Discard),
	}
	if pub != nil {
		cfg.Publisher = pub
	}
	svc, err := collab.NewService(cfg)
	require.NoError(t, err)
	return svc, eng, tracker
}

func clientUpdate(t *testing.T, doc *crdt.Doc, fn func(*crdt.Doc) error) []byte {
	t.Helper()
	before := doc.VersionVector()
	require.NoError(t, fn(doc))
	data, err := codec.Export(doc, codec.Updates(before))
	require.NoError(t, err)
	return data
}

func bodyText(t *testing.T, svc *collab.Service) string {
	t.Helper()
	var text string
	require.NoError(t, svc.Read(context.Background(), "doc", func(d *crdt.Doc) error {
		text = d.GetText("body").String()
		return nil
	}))
	return text
}

func TestSubmitPersistsAndDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := openLog(t)
	store := snapshot.NewMemoryStore()
	pub := &fakePublisher{}
	svc, eng, tracker := newService(t, log, store, pub)

	client := crdt.NewDoc(crdt.WithPeerID(42))
	update := clientUpdate(t, client, func(d *crdt.Doc) error { return d.GetText("body").Insert(0, "Hello") })

	receipt, err := svc.Submit(ctx, "doc", "alice", update)
	require.NoError(t, err)
	require.False(t, receipt.Duplicate)
	require.Equal(t, int64(1), receipt.LSN)
	require.NotEmpty(t, receipt.Operation)
	require.Equal(t, client.VersionVector(), receipt.Version)
	require.Equal(t, int64(1), eng.LastLSN("doc"))
	require.Equal(t, receipt.Operation, eng.LastOperation("doc"))
	require.True(t, tracker.Covers("doc", "alice", client.VersionVector()))

	again, err := svc.Submit(ctx, "doc", "alice", update)
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Zero(t, again.LSN)

	count, err := log.OperationCountAfterLSN(ctx, "doc", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Len(t, pub.calls, 1)
	require.Equal(t, published{doc: "doc", op: receipt.Operation, client: "alice"}, pub.calls[0])

	_, err = svc.Submit(ctx, "doc", "alice", nil)
	require.ErrorIs(t, err, collab.ErrEmptyUpdate)
	_, err = svc.Submit(ctx, "doc", "alice", []byte{1, 2, 3})
	require.Error(t, err)

	// A fresh instance rebuilds the same document from the log.
	restarted, _, _ := newService(t, log, store, nil)
	require.NoError(t, restarted.LoadAll(ctx))
	require.Equal(t, "Hello", bodyText(t, restarted))
}

func TestSubmitReloadsAfterFailedAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := &flakyLog{UpdateLog: openLog(t)}
	svc, _, _ := newService(t, log, nil, nil)

	client := crdt.NewDoc(crdt.WithPeerID(42))
	first := clientUpdate(t, client, func(d *crdt.Doc) error { return d.GetText("body").Insert(0, "Hi") })
	_, err := svc.Submit(ctx, "doc", "alice", first)
	require.NoError(t, err)

	second := clientUpdate(t, client, func(d *crdt.Doc) error { return d.GetText("body").Insert(2, "!") })
	log.failNext = true
	_, err = svc.Submit(ctx, "doc", "alice", second)
	require.Error(t, err)
	require.Equal(t, "Hi", bodyText(t, svc))

	// The retried update is applied and persisted rather than treated as a
	// duplicate.
	receipt, err := svc.Submit(ctx, "doc", "alice", second)
	require.NoError(t, err)
	require.False(t, receipt.Duplicate)
	require.Equal(t, int64(2), receipt.LSN)
	require.Equal(t, "Hi!", bodyText(t, svc))
}

func TestEditAndSync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &fakePublisher{}
	svc, _, tracker := newService(t, openLog(t), nil, pub)

	receipt, err := svc.Edit(ctx, "doc", func(d *crdt.Doc) error {
		return d.GetText("body").Insert(0, "server text")
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), receipt.LSN)
	require.Len(t, pub.calls, 1)
	require.Equal(t, collab.ServerClientID, pub.calls[0].client)

	noop, err := svc.Edit(ctx, "doc", func(*crdt.Doc) error { return nil })
	require.NoError(t, err)
	require.True(t, noop.Duplicate)
	require.Len(t, pub.calls, 1)

	_, err = svc.Edit(ctx, "doc", func(d *crdt.Doc) error { return d.GetText("body").Delete(50, 1) })
	require.ErrorIs(t, err, crdt.ErrOutOfRange)

	buf, err := svc.Sync(ctx, "doc", "bob", types.VersionVector{})
	require.NoError(t, err)
	replica := crdt.NewDoc(crdt.WithPeerID(7))
	_, err = codec.Import(replica, buf)
	require.NoError(t, err)
	require.Equal(t, "server text", replica.GetText("body").String())
	require.Equal(t, []types.ClientID{"bob"}, tracker.Clients("doc"))

	// A peer that is up to date receives an empty update.
	buf, err = svc.Sync(ctx, "doc", "bob", replica.VersionVector())
	require.NoError(t, err)
	payload, err := codec.Decode(buf)
	require.NoError(t, err)
	require.Empty(t, payload.Updates.Changes)

	snap, err := svc.Snapshot(ctx, "doc")
	require.NoError(t, err)
	fresh := crdt.NewDoc()
	_, err = codec.Import(fresh, snap)
	require.NoError(t, err)
	require.Equal(t, replica.DeepValue(), fresh.DeepValue())
}

func TestLoadUsesSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := openLog(t)
	store := snapshot.NewMemoryStore()
	svc, eng, _ := newService(t, log, store, nil)

	client := crdt.NewDoc(crdt.WithPeerID(42))
	for _, s := range []string{"a", "b", "c"} {
		update := clientUpdate(t, client, func(d *crdt.Doc) error {
			text := d.GetText("body")
			return text.Insert(text.Len(), s)
		})
		_, err := svc.Submit(ctx, "doc", "alice", update)
		require.NoError(t, err)
	}

	worker := snapshot.NewWorker(log, eng, store, zerolog.New(io.Discard))
	ref, err := worker.Snapshot(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, int64(3), ref.LastLSN)

	update := clientUpdate(t, client, func(d *crdt.Doc) error { return d.GetText("body").Insert(3, "d") })
	_, err = svc.Submit(ctx, "doc", "alice", update)
	require.NoError(t, err)

	restarted, restartedEngine, _ := newService(t, log, store, nil)
	require.NoError(t, restarted.Load(ctx, "doc"))
	require.Equal(t, "abcd", bodyText(t, restarted))
	require.Equal(t, int64(4), restartedEngine.LastLSN("doc"))

	checkpoint, err := log.LastCheckpoint(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, int64(4), checkpoint)

	// Updates relayed from another instance merge without touching the log.
	remote := clientUpdate(t, client, func(d *crdt.Doc) error { return d.GetText("body").Insert(4, "e") })
	require.NoError(t, restarted.ApplyRemote(ctx, "doc", "remote-op", remote))
	require.Equal(t, "abcde", bodyText(t, restarted))
	require.Equal(t, int64(4), restartedEngine.LastLSN("doc"))
}

func TestSubmitRejectsUnseenHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := openLog(t)
	pub := &fakePublisher{}
	svc, eng, _ := newService(t, log, nil, pub)

	client := crdt.NewDoc(crdt.WithPeerID(42))
	clientUpdate(t, client, func(d *crdt.Doc) error { return d.GetText("body").Insert(0, "never sent") })
	orphan := clientUpdate(t, client, func(d *crdt.Doc) error { return d.GetText("body").Insert(0, "> ") })

	_, err := svc.Submit(ctx, "doc", "alice", orphan)
	require.ErrorIs(t, err, crdt.ErrUnknownHistory)
	require.Zero(t, eng.Document("doc").PendingUpdates())
	require.Empty(t, pub.calls)

	count, err := log.OperationCountAfterLSN(ctx, "doc", 0)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestEditPersistsChangesMadeBeforeAnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &fakePublisher{}
	svc, _, _ := newService(t, openLog(t), nil, pub)

	receipt, err := svc.Edit(ctx, "doc", func(d *crdt.Doc) error {
		if err := d.GetText("body").Insert(0, "half"); err != nil {
			return err
		}
		return d.GetText("body").Delete(40, 1)
	})
	require.ErrorIs(t, err, crdt.ErrOutOfRange)
	require.Equal(t, int64(1), receipt.LSN)
	require.Len(t, pub.calls, 1)

	buf, err := svc.Sync(ctx, "doc", "bob", types.VersionVector{})
	require.NoError(t, err)
	replica := crdt.NewDoc(crdt.WithPeerID(7))
	_, err = codec.Import(replica, buf)
	require.NoError(t, err)
	require.Equal(t, "half", replica.GetText("body").String())
}
