package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/crdt"
)

func collect(doc *crdt.Doc) (*[]crdt.Event, func()) {
	var events []crdt.Event
	unsubscribe := doc.Subscribe(func(ev crdt.Event) { events = append(events, ev) })
	return &events, unsubscribe
}

func TestTextEvents(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc()
	text := doc.GetText("text")
	events, unsubscribe := collect(doc)

	require.NoError(t, text.Insert(0, "Hello"))
	require.NoError(t, text.Mark(0, 2, "bold", crdt.Bool(true)))
	require.NoError(t, text.Delete(1, 0))

	require.Len(t, *events, 2)
	first := (*events)[0]
	require.Equal(t, crdt.TriggerLocal, first.TriggeredBy)
	require.Len(t, first.Diffs, 1)
	require.Equal(t, text.ID(), first.Diffs[0].Target)
	require.Empty(t, first.Diffs[0].Path)
	require.Equal(t, crdt.Delta{crdt.InsertOp("Hello", nil)}, first.Diffs[0].Text)
	require.Equal(t, crdt.Delta{crdt.RetainOp(2, bold())}, (*events)[1].Diffs[0].Text)

	unsubscribe()
	require.NoError(t, text.Insert(5, "!"))
	require.Len(t, *events, 2)
}

func TestImportEvents(t *testing.T) {
	t.Parallel()

	a := crdt.NewDoc(crdt.WithPeerID(1))
	require.NoError(t, a.GetText("text").Insert(0, "Hello"))
	b := a.Fork(crdt.WithPeerID(2))
	events, _ := collect(b)

	require.NoError(t, a.GetText("text").Delete(0, 1))
	require.NoError(t, a.GetText("text").Insert(0, "J"))
	syncInto(t, b, a)

	require.Len(t, *events, 1)
	ev := (*events)[0]
	require.Equal(t, crdt.TriggerImport, ev.TriggeredBy)
	require.Equal(t, crdt.Delta{crdt.DeleteOp(1), crdt.InsertOp("J", nil)}, ev.Diffs[0].Text)

	// Nothing visible changes on a repeated import.
	syncInto(t, b, a)
	_, err := b.ImportChanges(a.ExportChanges(nil))
	require.NoError(t, err)
	require.Len(t, *events, 1)
}

func TestNestedContainerEvents(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc()
	meta := doc.GetMap("meta")
	events, _ := collect(doc)

	detached := crdt.NewText()
	require.NoError(t, detached.Insert(0, "Hi"))
	child, err := meta.InsertContainer("note", detached)
	require.NoError(t, err)

	require.Len(t, *events, 1)
	diffs := (*events)[0].Diffs
	require.Len(t, diffs, 2)
	require.Equal(t, meta.ID(), diffs[0].Target)
	require.Equal(t, crdt.MapDelta{"note": crdt.ContainerValue(child.ID())}, diffs[0].Map)
	require.Equal(t, child.ID(), diffs[1].Target)
	require.Equal(t, []crdt.PathItem{{Container: meta.ID(), Key: "note", Index: -1}}, diffs[1].Path)
	require.Equal(t, crdt.Delta{crdt.InsertOp("Hi", nil)}, diffs[1].Text)

	require.NoError(t, meta.Delete("note"))
	require.Equal(t, crdt.MapDelta{"note": crdt.Null()}, (*events)[1].Diffs[0].Map)
}

func TestListEvents(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc()
	list := doc.GetList("items")
	require.NoError(t, list.Push(crdt.Number(1)))
	require.NoError(t, list.Push(crdt.Number(2)))
	events, _ := collect(doc)

	require.NoError(t, list.Insert(1, crdt.String("x")))
	require.NoError(t, list.Delete(0, 1))

	require.Len(t, *events, 2)
	require.Equal(t, crdt.ListDelta{
		{Kind: crdt.DeltaRetain, Length: 1},
		{Kind: crdt.DeltaInsert, Values: []crdt.Value{crdt.String("x")}},
	}, (*events)[0].Diffs[0].List)
	require.Equal(t, crdt.ListDelta{{Kind: crdt.DeltaDelete, Length: 1}}, (*events)[1].Diffs[0].List)
}
