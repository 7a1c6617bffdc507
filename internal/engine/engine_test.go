package engine_test

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/codec"
	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/engine"
	"github.com/example/richtext-sync/internal/types"
)

func newEngine(peer types.PeerID) *engine.Engine {
	return engine.NewEngine(peer, zerolog.New(io.Discard))
}

func update(t *testing.T, doc *crdt.Doc, from types.VersionVector) []byte {
	t.Helper()
	data, err := codec.Export(doc, codec.Updates(from))
	require.NoError(t, err)
	return data
}

func TestApplyUpdateTracksPositions(t *testing.T) {
	t.Parallel()

	client := crdt.NewDoc(crdt.WithPeerID(7))
	require.NoError(t, client.GetText("body").Insert(0, "Hello"))
	first := update(t, client, nil)
	vv := client.VersionVector()
	require.NoError(t, client.GetText("body").Insert(5, " world"))
	second := update(t, client, vv)

	e := newEngine(1)
	ctx := context.Background()
	_, err := e.ApplyUpdate(ctx, types.UpdateRecord{LSN: 1, Operation: "op-1", Document: "doc", Payload: first})
	require.NoError(t, err)
	_, err = e.ApplyUpdate(ctx, types.UpdateRecord{LSN: 2, Operation: "op-2", Document: "doc", Payload: second})
	require.NoError(t, err)

	require.Equal(t, "Hello world", e.Document("doc").GetText("body").String())
	require.Equal(t, int64(2), e.LastLSN("doc"))
	require.Equal(t, types.OperationID("op-2"), e.LastOperation("doc"))
	require.Equal(t, client.VersionVector(), e.VersionVector("doc"))
	require.Equal(t, []types.DocumentID{"doc"}, e.Documents())

	// An older position does not move the cursor back.
	e.MarkApplied("doc", 1, "op-1")
	require.Equal(t, int64(2), e.LastLSN("doc"))
}

func TestApplyUpdateRejectsCorruptPayload(t *testing.T) {
	t.Parallel()

	e := newEngine(1)
	_, err := e.ApplyUpdate(context.Background(), types.UpdateRecord{LSN: 1, Document: "doc", Payload: []byte("nope")})
	require.ErrorIs(t, err, codec.ErrCorruptData)
	require.Zero(t, e.LastLSN("doc"))
}

func TestApplyUpdateParksOutOfOrderUpdates(t *testing.T) {
	t.Parallel()

	client := crdt.NewDoc(crdt.WithPeerID(7))
	require.NoError(t, client.GetText("body").Insert(0, "a"))
	first := update(t, client, nil)
	vv := client.VersionVector()
	require.NoError(t, client.GetText("body").Insert(1, "b"))
	second := update(t, client, vv)

	e := newEngine(1)
	ctx := context.Background()
	status, err := e.ApplyUpdate(ctx, types.UpdateRecord{LSN: 1, Document: "doc", Payload: second})
	require.NoError(t, err)
	require.True(t, status.Pending)

	status, err = e.ApplyUpdate(ctx, types.UpdateRecord{LSN: 2, Document: "doc", Payload: first})
	require.NoError(t, err)
	require.Equal(t, 2, status.Applied)
	require.Equal(t, "ab", e.Document("doc").GetText("body").String())
}

func TestEditReturnsOnlyNewChanges(t *testing.T) {
	t.Parallel()

	e := newEngine(1)
	payload, err := e.Edit("doc", func(doc *crdt.Doc) error {
		return doc.GetText("body").Insert(0, "server")
	})
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	payload2, err := e.Edit("doc", func(doc *crdt.Doc) error {
		return doc.GetText("body").Mark(0, 6, "bold", crdt.Bool(true))
	})
	require.NoError(t, err)

	replica := crdt.NewDoc(crdt.WithPeerID(9))
	_, err = codec.Import(replica, payload2)
	require.NoError(t, err)
	require.Equal(t, 1, replica.PendingUpdates())
	_, err = codec.Import(replica, payload)
	require.NoError(t, err)
	require.Equal(t, e.Document("doc").GetText("body").ToDelta(), replica.GetText("body").ToDelta())

	none, err := e.Edit("doc", func(*crdt.Doc) error { return nil })
	require.NoError(t, err)
	require.Nil(t, none)

	_, err = e.Edit("doc", func(doc *crdt.Doc) error { return doc.GetText("body").Delete(0, 99) })
	require.ErrorIs(t, err, crdt.ErrOutOfRange)
}

func TestRestoreReplacesDocument(t *testing.T) {
	t.Parallel()

	src := crdt.NewDoc(crdt.WithPeerID(3))
	require.NoError(t, src.GetMap("meta").Set("title", crdt.String("notes")))
	snapshot, err := codec.Export(src, codec.Snapshot())
	require.NoError(t, err)

	e := newEngine(1)
	_, err = e.Edit("doc", func(doc *crdt.Doc) error { return doc.GetText("body").Insert(0, "stale") })
	require.NoError(t, err)

	require.NoError(t, e.Restore("doc", snapshot, "op-9", 9))
	require.Equal(t, map[string]any{"meta": map[string]any{"title": "notes"}}, e.Document("doc").DeepValue())
	require.Equal(t, int64(9), e.LastLSN("doc"))
	require.Equal(t, types.OperationID("op-9"), e.LastOperation("doc"))
	require.Equal(t, types.PeerID(1), e.Document("doc").PeerID())

	require.Error(t, e.Restore("other", []byte{1, 2, 3}, "", 0))

	e.Evict("doc")
	require.Zero(t, e.LastLSN("doc"))
}

func TestAcceptRejectsUnseenHistory(t *testing.T) {
	t.Parallel()

	client := crdt.NewDoc(crdt.WithPeerID(7))
	require.NoError(t, client.GetText("body").Insert(0, "a"))
	first := update(t, client, nil)
	vv := client.VersionVector()
	require.NoError(t, client.GetText("body").Insert(1, "b"))
	second := update(t, client, vv)

	e := newEngine(1)
	ctx := context.Background()
	_, _, err := e.Accept(ctx, "doc", second)
	require.ErrorIs(t, err, crdt.ErrUnknownHistory)
	require.Zero(t, e.Document("doc").PendingUpdates())

	_, status, err := e.Accept(ctx, "doc", first)
	require.NoError(t, err)
	require.Equal(t, 1, status.Applied)
	_, status, err = e.Accept(ctx, "doc", second)
	require.NoError(t, err)
	require.Equal(t, 1, status.Applied)
	require.Equal(t, "ab", e.Document("doc").GetText("body").String())
}

func TestEditExportsChangesMadeBeforeAnError(t *testing.T) {
	t.Parallel()

	e := newEngine(1)
	payload, err := e.Edit("doc", func(doc *crdt.Doc) error {
		if err := doc.GetText("body").Insert(0, "kept"); err != nil {
			return err
		}
		return doc.GetText("body").Delete(10, 1)
	})
	require.ErrorIs(t, err, crdt.ErrOutOfRange)
	require.NotEmpty(t, payload)

	replica := crdt.NewDoc(crdt.WithPeerID(9))
	_, err = codec.Import(replica, payload)
	require.NoError(t, err)
	require.Equal(t, "kept", replica.GetText("body").String())
}

func TestSnapshotLSNStopsBeforeParkedUpdates(t *testing.T) {
	t.Parallel()

	client := crdt.NewDoc(crdt.WithPeerID(7))
	var updates [][]byte
	for i, s := range []string{"a", "b", "c"} {
		vv := client.VersionVector()
		require.NoError(t, client.GetText("body").Insert(i, s))
		updates = append(updates, update(t, client, vv))
	}

	e := newEngine(1)
	ctx := context.Background()
	for i, idx := range []int{0, 2} {
		_, err := e.ApplyUpdate(ctx, types.UpdateRecord{LSN: int64(i + 1), Document: "doc", Payload: updates[idx]})
		require.NoError(t, err)
	}
	require.Equal(t, int64(2), e.LastLSN("doc"))
	require.Equal(t, int64(1), e.SnapshotLSN("doc"))

	_, err := e.ApplyUpdate(ctx, types.UpdateRecord{LSN: 3, Document: "doc", Payload: updates[1]})
	require.NoError(t, err)
	require.Equal(t, int64(3), e.SnapshotLSN("doc"))
}
