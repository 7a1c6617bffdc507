package crdt_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/types"
)

func bold() crdt.Attributes { return crdt.Attributes{"bold": crdt.Bool(true)} }

func TestTextBoldExample(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc()
	doc.ConfigTextStyle(crdt.DefaultRichTextConfig())
	text := doc.GetText("text")
	require.NoError(t, text.Insert(0, "Hello world!"))
	require.NoError(t, text.Mark(0, 5, "bold", crdt.Bool(true)))

	require.Equal(t, crdt.Delta{
		crdt.InsertOp("Hello", bold()),
		crdt.InsertOp(" world!", nil),
	}, text.ToDelta())
	require.Equal(t, []map[string]any{
		{"insert": "Hello", "attributes": map[string]any{"bold": true}},
		{"insert": " world!"},
	}, text.RichTextValue())

	raw, err := json.Marshal(text.ToDelta())
	require.NoError(t, err)
	require.JSONEq(t, `[{"insert":"Hello","attributes":{"bold":true}},{"insert":" world!"}]`, string(raw))
}

func TestTextInsertDelete(t *testing.T) {
	t.Parallel()

	text := crdt.NewDoc().GetText("text")
	require.NoError(t, text.Insert(0, "Hello world"))
	require.NoError(t, text.Insert(5, ","))
	require.NoError(t, text.Delete(0, 1))
	require.NoError(t, text.Insert(0, "J"))
	require.Equal(t, "Jello, world", text.String())
	require.Equal(t, 12, text.Len())

	require.NoError(t, text.Delete(6, 6))
	require.Equal(t, "Jello,", text.String())
}

func TestTextCountsCodePoints(t *testing.T) {
	t.Parallel()

	text := crdt.NewDoc().GetText("text")
	require.NoError(t, text.Insert(0, "héllo wörld"))
	require.Equal(t, 11, text.Len())
	require.NoError(t, text.Delete(1, 1))
	require.Equal(t, "hllo wörld", text.String())
}

func TestTextRangeErrors(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc()
	text := doc.GetText("text")
	require.ErrorIs(t, text.Insert(1, "x"), crdt.ErrOutOfRange)
	require.NoError(t, text.Insert(0, "abc"))
	before := doc.VersionVector()

	require.ErrorIs(t, text.Delete(2, 2), crdt.ErrOutOfRange)
	require.ErrorIs(t, text.Delete(-1, 1), crdt.ErrOutOfRange)
	require.ErrorIs(t, text.Mark(2, 1, "bold", crdt.Bool(true)), crdt.ErrOutOfRange)
	require.ErrorIs(t, text.Mark(0, 4, "bold", crdt.Bool(true)), crdt.ErrOutOfRange)
	require.ErrorIs(t, text.Unmark(0, 9, "bold"), crdt.ErrOutOfRange)

	// An empty range is accepted and records nothing.
	require.NoError(t, text.Mark(1, 1, "bold", crdt.Bool(true)))

	require.Equal(t, "abc", text.String())
	require.Equal(t, before, doc.VersionVector())
}

func TestMarkScopesAtBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		scope   crdt.Scope
		atStart bool
		atEnd   bool
	}{
		{name: "expand", scope: crdt.ScopeExpand, atStart: true, atEnd: true},
		{name: "no-expand-left", scope: crdt.ScopeNoExpandLeft, atStart: false, atEnd: true},
		{name: "no-expand-right", scope: crdt.ScopeNoExpandRight, atStart: true, atEnd: false},
		{name: "insert-only", scope: crdt.ScopeInsertOnly, atStart: false, atEnd: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			text := crdt.NewDoc().GetText("text")
			require.NoError(t, text.Insert(0, "aaBBBcc"))
			require.NoError(t, text.MarkWithScope(2, 5, "style", crdt.String("x"), tc.scope))

			// Typing inside the range always inherits the style.
			require.NoError(t, text.Insert(3, "i"))
			require.NoError(t, text.Insert(6, "E"))
			require.NoError(t, text.Insert(2, "S"))

			styled := crdt.Attributes{"style": crdt.String("x")}
			want := crdt.Delta{}
			push := func(s string, attrs crdt.Attributes) {
				want = append(want, crdt.InsertOp(s, attrs))
			}
			if tc.atStart {
				push("aa", nil)
				if tc.atEnd {
					push("SBiBBE", styled)
				} else {
					push("SBiBB", styled)
					push("E", nil)
				}
			} else {
				push("aaS", nil)
				if tc.atEnd {
					push("BiBBE", styled)
				} else {
					push("BiBB", styled)
					push("E", nil)
				}
			}
			if !tc.atEnd {
				want[len(want)-1].Text += "cc"
			} else {
				push("cc", nil)
			}
			require.Equal(t, want, text.ToDelta())
		})
	}
}

func TestDefaultRichTextConfig(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithStyleConfig(crdt.DefaultRichTextConfig()))
	text := doc.GetText("text")
	require.NoError(t, text.Insert(0, "Hello world"))
	require.NoError(t, text.Mark(0, 5, "bold", crdt.Bool(true)))
	require.NoError(t, text.Mark(6, 11, "link", crdt.String("https://example.com")))

	require.NoError(t, text.Insert(5, "!"))  // bold grows at its end
	require.NoError(t, text.Insert(0, ">"))  // but not at its start
	require.NoError(t, text.Insert(13, "?")) // links never grow

	link := crdt.Attributes{"link": crdt.String("https://example.com")}
	require.Equal(t, crdt.Delta{
		crdt.InsertOp(">", nil),
		crdt.InsertOp("Hello!", bold()),
		crdt.InsertOp(" ", nil),
		crdt.InsertOp("world", link),
		crdt.InsertOp("?", nil),
	}, text.ToDelta())
}

func TestUnmarkSplitsRun(t *testing.T) {
	t.Parallel()

	text := crdt.NewDoc().GetText("text")
	require.NoError(t, text.Insert(0, "Hello world!"))
	require.NoError(t, text.Mark(0, 5, "bold", crdt.Bool(true)))
	require.NoError(t, text.Unmark(1, 3, "bold"))

	require.Equal(t, crdt.Delta{
		crdt.InsertOp("H", bold()),
		crdt.InsertOp("el", nil),
		crdt.InsertOp("lo", bold()),
		crdt.InsertOp(" world!", nil),
	}, text.ToDelta())
}

func TestToDeltaCoalescesRuns(t *testing.T) {
	t.Parallel()

	text := crdt.NewDoc().GetText("text")
	require.NoError(t, text.Insert(0, "abcdef"))
	require.NoError(t, text.Mark(0, 3, "bold", crdt.Bool(true)))
	require.NoError(t, text.Mark(3, 6, "bold", crdt.Bool(true)))
	require.NoError(t, text.Mark(2, 4, "italic", crdt.Bool(true)))
	require.NoError(t, text.Unmark(2, 4, "italic"))

	delta := text.ToDelta()
	require.Equal(t, crdt.Delta{crdt.InsertOp("abcdef", bold())}, delta)
	for i := 1; i < len(delta); i++ {
		require.False(t, delta[i].Attributes.Equal(delta[i-1].Attributes))
	}
}

func TestMarkRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	text := crdt.NewDoc().GetText("text")
	require.NoError(t, text.Insert(0, "abc"))
	cid := crdt.ChildContainerID(types.OpID{Peer: 1}, crdt.TypeMap)
	require.ErrorIs(t, text.Mark(0, 1, "ref", crdt.ContainerValue(cid)), crdt.ErrInvalidValue)
	require.ErrorIs(t, text.Mark(0, 1, "", crdt.Bool(true)), crdt.ErrInvalidValue)
}

func TestApplyDelta(t *testing.T) {
	t.Parallel()

	text := crdt.NewDoc().GetText("text")
	require.NoError(t, text.Insert(0, "Hello world"))
	require.NoError(t, text.ApplyDelta(crdt.Delta{
		crdt.RetainOp(6, nil),
		crdt.DeleteOp(5),
		crdt.InsertOp("there", bold()),
	}))

	require.Equal(t, crdt.Delta{
		crdt.InsertOp("Hello ", nil),
		crdt.InsertOp("there", bold()),
	}, text.ToDelta())

	require.NoError(t, text.ApplyDelta(crdt.Delta{
		crdt.RetainOp(6, nil),
		crdt.RetainOp(5, crdt.Attributes{"bold": crdt.Null(), "italic": crdt.Bool(true)}),
	}))
	require.Equal(t, crdt.Delta{
		crdt.InsertOp("Hello ", nil),
		crdt.InsertOp("there", crdt.Attributes{"italic": crdt.Bool(true)}),
	}, text.ToDelta())
}

func TestApplyDeltaInsertsExactAttributes(t *testing.T) {
	t.Parallel()

	text := crdt.NewDoc().GetText("text")
	require.NoError(t, text.Insert(0, "Hello"))
	require.NoError(t, text.Mark(0, 5, "bold", crdt.Bool(true)))
	require.NoError(t, text.ApplyDelta(crdt.Delta{crdt.RetainOp(5, nil), crdt.InsertOp(" x", nil)}))

	require.Equal(t, crdt.Delta{
		crdt.InsertOp("Hello", bold()),
		crdt.InsertOp(" x", nil),
	}, text.ToDelta())
}

func TestApplyDeltaValidatesFirst(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc()
	text := doc.GetText("text")
	require.NoError(t, text.Insert(0, "abc"))
	before := doc.VersionVector()

	err := text.ApplyDelta(crdt.Delta{crdt.InsertOp("x", nil), crdt.DeleteOp(1), crdt.RetainOp(5, nil)})
	require.ErrorIs(t, err, crdt.ErrInvalidDelta)
	require.ErrorIs(t, text.ApplyDelta(crdt.Delta{crdt.DeleteOp(4)}), crdt.ErrInvalidDelta)

	require.Equal(t, "abc", text.String())
	require.Equal(t, before, doc.VersionVector())
}

func TestApplyDeltaRoundTripsDiff(t *testing.T) {
	t.Parallel()

	text := crdt.NewDoc().GetText("text")
	require.NoError(t, text.Insert(0, "The quick brown fox"))
	require.NoError(t, text.Mark(4, 9, "bold", crdt.Bool(true)))
	before := text.ToDelta()

	target := crdt.Delta{
		crdt.InsertOp("The ", nil),
		crdt.InsertOp("slow", crdt.Attributes{"italic": crdt.Bool(true)}),
		crdt.InsertOp(" brown cat", nil),
	}
	require.NoError(t, text.ApplyDelta(crdt.Diff(before, target)))
	require.Equal(t, target, text.ToDelta())
}

func TestLocalTypingStaysCompact(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithPeerID(1))
	text := doc.GetText("text")
	for i, r := range "typing" {
		require.NoError(t, text.Insert(i, string(r)))
	}
	require.Equal(t, "typing", text.String())

	cs := doc.ExportChanges(nil)
	require.Len(t, cs.Changes, 1)
	require.Equal(t, "typing", cs.Changes[0].Text)
}
