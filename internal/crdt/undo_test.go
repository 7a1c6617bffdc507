package crdt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/crdt"
)

func undo(t *testing.T, u *crdt.UndoManager) {
	t.Helper()
	ok, err := u.Undo()
	require.NoError(t, err)
	require.True(t, ok)
}

func redo(t *testing.T, u *crdt.UndoManager) {
	t.Helper()
	ok, err := u.Redo()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUndoRedoText(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithPeerID(1))
	u := crdt.NewUndoManager(doc)
	defer u.Close()
	text := doc.GetText("text")

	require.False(t, u.CanUndo())
	require.NoError(t, text.Insert(0, "hello"))
	require.NoError(t, text.Insert(5, " world"))

	undo(t, u)
	require.Equal(t, "hello", text.String())
	undo(t, u)
	require.Equal(t, "", text.String())
	require.False(t, u.CanUndo())
	ok, err := u.Undo()
	require.NoError(t, err)
	require.False(t, ok)

	redo(t, u)
	require.Equal(t, "hello", text.String())
	redo(t, u)
	require.Equal(t, "hello world", text.String())
	require.False(t, u.CanRedo())

	// A fresh edit drops what could be redone.
	undo(t, u)
	require.True(t, u.CanRedo())
	require.NoError(t, text.Insert(0, ">"))
	require.False(t, u.CanRedo())
	require.Equal(t, ">hello", text.String())
}

func TestUndoStyleMapAndList(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithPeerID(1), crdt.WithStyleConfig(crdt.DefaultRichTextConfig()))
	u := crdt.NewUndoManager(doc)
	defer u.Close()

	text := doc.GetText("text")
	require.NoError(t, text.Insert(0, "hi"))
	require.NoError(t, text.Mark(0, 2, "bold", crdt.Bool(true)))
	undo(t, u)
	require.Equal(t, crdt.Delta{crdt.InsertOp("hi", nil)}, text.ToDelta())
	redo(t, u)
	require.Equal(t, crdt.Delta{crdt.InsertOp("hi", bold())}, text.ToDelta())

	meta := doc.GetMap("meta")
	require.NoError(t, meta.Set("k", crdt.Number(1)))
	require.NoError(t, meta.Set("k", crdt.Number(2)))
	undo(t, u)
	v, ok := meta.Get("k")
	require.True(t, ok)
	require.Equal(t, crdt.Number(1), v)
	undo(t, u)
	_, ok = meta.Get("k")
	require.False(t, ok)

	list := doc.GetList("list")
	require.NoError(t, list.Push(crdt.String("a")))
	require.NoError(t, list.Push(crdt.String("b")))
	require.NoError(t, list.Delete(0, 1))
	undo(t, u)
	require.Equal(t, []crdt.Value{crdt.String("a"), crdt.String("b")}, list.Values())
	undo(t, u)
	require.Equal(t, []crdt.Value{crdt.String("a")}, list.Values())
}

func TestUndoMergeIntervalAndCheckpoint(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithPeerID(1))
	u := crdt.NewUndoManager(doc)
	defer u.Close()
	u.SetMergeInterval(time.Hour)
	text := doc.GetText("text")

	require.NoError(t, text.Insert(0, "a"))
	require.NoError(t, text.Insert(1, "b"))
	u.RecordCheckpoint()
	require.NoError(t, text.Insert(2, "c"))
	require.NoError(t, text.Insert(3, "d"))

	undo(t, u)
	require.Equal(t, "ab", text.String())
	undo(t, u)
	require.Equal(t, "", text.String())
	require.False(t, u.CanUndo())
}

func TestUndoMaxSteps(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithPeerID(1))
	u := crdt.NewUndoManager(doc)
	defer u.Close()
	u.SetMaxUndoSteps(2)
	text := doc.GetText("text")
	for i, s := range []string{"a", "b", "c"} {
		require.NoError(t, text.Insert(i, s))
	}

	undo(t, u)
	undo(t, u)
	require.Equal(t, "a", text.String())
	require.False(t, u.CanUndo())
}

func TestUndoKeepsRemoteEdits(t *testing.T) {
	t.Parallel()

	a := crdt.NewDoc(crdt.WithPeerID(1))
	b := crdt.NewDoc(crdt.WithPeerID(2))
	u := crdt.NewUndoManager(a)
	defer u.Close()

	require.NoError(t, a.GetText("text").Insert(0, "world"))
	syncInto(t, b, a)
	require.NoError(t, b.GetText("text").Insert(0, "hello "))
	syncInto(t, a, b)
	require.Equal(t, "hello world", a.GetText("text").String())

	undo(t, u)
	require.Equal(t, "hello ", a.GetText("text").String())
	redo(t, u)
	require.Equal(t, "hello world", a.GetText("text").String())
}

func TestUndoSkipsExcludedOrigins(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithPeerID(1))
	u := crdt.NewUndoManager(doc)
	defer u.Close()
	u.AddExcludeOriginPrefix("sys:")

	var origins []string
	unsubscribe := doc.Subscribe(func(ev crdt.Event) { origins = append(origins, ev.Origin) })
	defer unsubscribe()

	text := doc.GetText("text")
	require.NoError(t, text.Insert(0, "user"))
	doc.SetOrigin("sys:format")
	require.NoError(t, text.Insert(4, "!"))
	doc.SetOrigin("")
	require.Equal(t, []string{"", "sys:format"}, origins)

	undo(t, u)
	require.Equal(t, "!", text.String())
	require.False(t, u.CanUndo())
}

func TestUndoCallbacks(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithPeerID(1))
	u := crdt.NewUndoManager(doc)
	defer u.Close()

	var pushed, popped []crdt.UndoKind
	u.SetOnPush(func(kind crdt.UndoKind, _ crdt.Event) { pushed = append(pushed, kind) })
	u.SetOnPop(func(kind crdt.UndoKind) { popped = append(popped, kind) })

	require.NoError(t, doc.GetText("text").Insert(0, "x"))
	undo(t, u)
	redo(t, u)

	require.Equal(t, []crdt.UndoKind{crdt.UndoStack, crdt.RedoStack, crdt.UndoStack}, pushed)
	require.Equal(t, []crdt.UndoKind{crdt.UndoStack, crdt.RedoStack}, popped)

	u.Clear()
	require.False(t, u.CanUndo())
	require.False(t, u.CanRedo())
}
