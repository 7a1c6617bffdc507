package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/types"
)

func TestMapBasics(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc()
	m := doc.GetMap("meta")
	require.NoError(t, m.Set("title", crdt.String("draft")))
	require.NoError(t, m.Set("words", crdt.Number(3)))
	require.NoError(t, m.Set("public", crdt.Bool(false)))
	require.NoError(t, m.Delete("missing"))

	v, ok := m.Get("title")
	require.True(t, ok)
	require.Equal(t, crdt.String("draft"), v)
	require.Equal(t, []string{"public", "title", "words"}, m.Keys())

	require.NoError(t, m.Delete("public"))
	_, ok = m.Get("public")
	require.False(t, ok)
	require.Equal(t, 2, m.Len())
	require.Equal(t, map[string]any{"meta": map[string]any{"title": "draft", "words": 3.0}}, doc.DeepValue())

	require.NoError(t, m.Clear())
	require.Zero(t, m.Len())

	cid := crdt.ChildContainerID(types.OpID{Peer: 1}, crdt.TypeText)
	require.ErrorIs(t, m.Set("child", crdt.ContainerValue(cid)), crdt.ErrInvalidValue)
}

func TestMapInsertContainer(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc()
	m := doc.GetMap("map")

	detached := crdt.NewText()
	require.False(t, detached.IsAttached())
	require.NoError(t, detached.Insert(0, "Hello world!"))

	child, err := m.InsertContainer("text", detached)
	require.NoError(t, err)
	require.True(t, child.IsAttached())
	require.Equal(t, crdt.TypeText, child.Type())
	require.Equal(t, map[string]any{"map": map[string]any{"text": "Hello world!"}}, doc.DeepValue())

	_, err = m.InsertContainer("again", child)
	require.ErrorIs(t, err, crdt.ErrAlreadyAttached)

	// The attached copy is independent of the detached original.
	require.NoError(t, detached.Insert(0, ">"))
	require.Equal(t, "Hello world!", child.DeepValue())

	got, ok := m.GetContainer("text")
	require.True(t, ok)
	require.Equal(t, child.ID(), got.ID())
	path, ok := doc.Path(child.ID())
	require.True(t, ok)
	require.Equal(t, []crdt.PathItem{{Container: m.ID(), Key: "text", Index: -1}}, path)
}

func TestNestedDetachedContainers(t *testing.T) {
	t.Parallel()

	inner := crdt.NewText()
	require.NoError(t, inner.Insert(0, "note"))
	require.NoError(t, inner.Mark(0, 4, "bold", crdt.Bool(true)))

	list := crdt.NewList()
	require.NoError(t, list.Push(crdt.Number(1)))
	_, err := list.InsertContainer(1, inner)
	require.NoError(t, err)

	outer := crdt.NewMap()
	require.NoError(t, outer.Set("name", crdt.String("card")))
	_, err = outer.InsertContainer("items", list)
	require.NoError(t, err)

	doc := crdt.NewDoc()
	attached, err := doc.GetMap("root").InsertContainer("card", outer)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"name":  "card",
		"items": []any{1.0, "note"},
	}, attached.DeepValue())

	items, ok := attached.(*crdt.Map).GetContainer("items")
	require.True(t, ok)
	note, ok := items.(*crdt.List).GetContainer(1)
	require.True(t, ok)
	require.Equal(t, crdt.Delta{crdt.InsertOp("note", bold())}, note.(*crdt.Text).ToDelta())

	// The nested content replicates with the document.
	replica := crdt.NewDoc()
	_, err = replica.ImportChanges(doc.ExportChanges(nil))
	require.NoError(t, err)
	require.Equal(t, doc.DeepValue(), replica.DeepValue())
}

func TestMapGetOrCreateContainer(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc()
	m := doc.GetMap("meta")
	first, err := m.GetOrCreateContainer("tags", crdt.TypeList)
	require.NoError(t, err)
	second, err := m.GetOrCreateContainer("tags", crdt.TypeList)
	require.NoError(t, err)
	require.Equal(t, first.ID(), second.ID())

	_, err = m.GetOrCreateContainer("tags", crdt.TypeText)
	require.ErrorIs(t, err, crdt.ErrInvalidValue)
	require.NoError(t, m.Set("title", crdt.String("x")))
	_, err = m.GetOrCreateContainer("title", crdt.TypeMap)
	require.ErrorIs(t, err, crdt.ErrInvalidValue)
}

func TestMapLastWriterWins(t *testing.T) {
	t.Parallel()

	a := crdt.NewDoc(crdt.WithPeerID(1))
	require.NoError(t, a.GetMap("meta").Set("k", crdt.String("base")))
	b := a.Fork(crdt.WithPeerID(2))

	require.NoError(t, a.GetMap("meta").Set("k", crdt.String("from a")))
	require.NoError(t, b.GetMap("meta").Set("k", crdt.String("from b")))
	syncInto(t, a, b)
	syncInto(t, b, a)

	for _, doc := range []*crdt.Doc{a, b} {
		v, ok := doc.GetMap("meta").Get("k")
		require.True(t, ok)
		require.Equal(t, crdt.String("from b"), v)
		peer, ok := doc.GetMap("meta").LastEditor("k")
		require.True(t, ok)
		require.Equal(t, types.PeerID(2), peer)
	}

	// A later delete beats an earlier write.
	require.NoError(t, a.GetMap("meta").Delete("k"))
	syncInto(t, b, a)
	_, ok := b.GetMap("meta").Get("k")
	require.False(t, ok)
}
