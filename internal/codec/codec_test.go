package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/types"
)

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithPeerID(1))
	detached := crdt.NewText()
	require.NoError(t, detached.Insert(0, "Hello world!"))
	_, err := doc.GetMap("map").InsertContainer("text", detached)
	require.NoError(t, err)
	require.NoError(t, doc.GetList("empty").Push(crdt.Null()))
	require.NoError(t, doc.GetList("empty").Delete(0, 1))

	data, err := Export(doc, Snapshot())
	require.NoError(t, err)
	require.Equal(t, byte(FormatVersion), data[0])
	require.Equal(t, byte(ModeSnapshot), data[1])

	restored := crdt.NewDoc(crdt.WithPeerID(2))
	_, err = Import(restored, data)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"map":   map[string]any{"text": "Hello world!"},
		"empty": []any{},
	}, restored.DeepValue())
	require.Equal(t, doc.VersionVector(), restored.VersionVector())

	p, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, doc.VersionVector(), p.Version())
}

func TestRichTextRoundTrip(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithStyleConfig(crdt.DefaultRichTextConfig()))
	text := doc.GetText("text")
	require.NoError(t, text.Insert(0, "Hello wörld, again"))
	require.NoError(t, text.Mark(0, 5, "bold", crdt.Bool(true)))
	require.NoError(t, text.Mark(6, 11, "link", crdt.String("https://example.com")))
	require.NoError(t, text.Mark(3, 8, "size", crdt.Number(1.5)))
	require.NoError(t, text.Delete(11, 7))

	for _, mode := range []ExportMode{Snapshot(), Updates(nil)} {
		data, err := Export(doc, mode)
		require.NoError(t, err)
		restored := crdt.NewDoc()
		_, err = Import(restored, data)
		require.NoError(t, err, mode.Mode)
		require.Equal(t, text.ToDelta(), restored.GetText("text").ToDelta(), mode.Mode)

		// Inserting at the end of the link still follows its scope.
		require.NoError(t, restored.GetText("text").Insert(11, "!"))
		last := restored.GetText("text").ToDelta()
		require.Equal(t, crdt.InsertOp("!", nil), last[len(last)-1])
	}
}

func TestImportIsIdempotentAndCommutative(t *testing.T) {
	t.Parallel()

	base := crdt.NewDoc(crdt.WithPeerID(1))
	require.NoError(t, base.GetText("text").Insert(0, "shared"))
	a := base.Fork(crdt.WithPeerID(2))
	b := base.Fork(crdt.WithPeerID(3))
	vv := base.VersionVector()

	require.NoError(t, a.GetText("text").Insert(0, "A "))
	require.NoError(t, a.GetMap("meta").Set("by", crdt.String("a")))
	require.NoError(t, b.GetText("text").Insert(6, " B"))
	require.NoError(t, b.GetText("text").Mark(0, 6, "bold", crdt.Bool(true)))

	fromA, err := Export(a, Updates(vv))
	require.NoError(t, err)
	fromB, err := Export(b, Updates(vv))
	require.NoError(t, err)

	ab := base.Fork(crdt.WithPeerID(4))
	ba := base.Fork(crdt.WithPeerID(5))
	for _, data := range [][]byte{fromA, fromB, fromA} {
		_, err := Import(ab, data)
		require.NoError(t, err)
	}
	for _, data := range [][]byte{fromB, fromA, fromB} {
		_, err := Import(ba, data)
		require.NoError(t, err)
	}

	require.Equal(t, "A shared B", ab.GetText("text").String())
	require.Equal(t, ab.GetText("text").ToDelta(), ba.GetText("text").ToDelta())
	require.Equal(t, ab.DeepValue(), ba.DeepValue())
	require.Equal(t, ab.VersionVector(), ba.VersionVector())

	status, err := Import(ab, fromA)
	require.NoError(t, err)
	require.Zero(t, status.Applied)
}

func TestUpdatesOnlyCarryMissingChanges(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc(crdt.WithPeerID(1))
	require.NoError(t, doc.GetText("text").Insert(0, "one"))
	vv := doc.VersionVector()
	require.NoError(t, doc.GetText("text").Insert(3, " two"))

	data, err := Export(doc, Updates(vv))
	require.NoError(t, err)
	p, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, ModeUpdates, p.Mode)
	require.Len(t, p.Updates.Changes, 1)
	require.Equal(t, " two", p.Updates.Changes[0].Text)
	require.Equal(t, vv, p.Updates.From)
}

func TestDecodeRejectsBadBuffers(t *testing.T) {
	t.Parallel()

	src := crdt.NewDoc()
	require.NoError(t, src.GetText("text").Insert(0, "payload"))
	data, err := Export(src, Updates(nil))
	require.NoError(t, err)

	clone := func(edit func([]byte) []byte) []byte {
		return edit(append([]byte(nil), data...))
	}
	garbage, err := seal(ModeUpdates, []byte{0xff})
	require.NoError(t, err)
	cases := map[string]struct {
		data []byte
		want error
	}{
		"empty":       {data: nil, want: ErrCorruptData},
		"short":       {data: data[:5], want: ErrCorruptData},
		"truncated":   {data: data[:len(data)-2], want: ErrCorruptData},
		"flipped":     {data: clone(func(b []byte) []byte { b[len(b)-1] ^= 0x40; return b }), want: ErrCorruptData},
		"version":     {data: clone(func(b []byte) []byte { b[0] = FormatVersion + 1; return b }), want: ErrUnsupportedVersion},
		"mode":        {data: clone(func(b []byte) []byte { b[1] = 9; return b }), want: ErrCorruptData},
		"flags":       {data: clone(func(b []byte) []byte { b[2] = 0x80; return b }), want: ErrCorruptData},
		"bad message": {data: garbage, want: ErrCorruptData},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			doc := crdt.NewDoc()
			require.NoError(t, doc.GetText("text").Insert(0, "keep"))
			before := doc.VersionVector()

			_, err := Import(doc, tc.data)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, "keep", doc.GetText("text").String())
			require.Equal(t, before, doc.VersionVector())
		})
	}
}

func TestLargeBodiesAreCompressed(t *testing.T) {
	t.Parallel()

	doc := crdt.NewDoc()
	long := strings.Repeat("lorem ipsum dolor sit amet ", 200)
	require.NoError(t, doc.GetText("text").Insert(0, long))

	data, err := Export(doc, Snapshot())
	require.NoError(t, err)
	require.NotZero(t, data[2]&flagZstd)
	require.Less(t, len(data), len(long))

	restored := crdt.NewDoc()
	_, err = Import(restored, data)
	require.NoError(t, err)
	require.Equal(t, long, restored.GetText("text").String())

	small, err := Export(crdt.NewDoc(), Snapshot())
	require.NoError(t, err)
	require.Zero(t, small[2]&flagZstd)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	t.Parallel()

	src := crdt.NewDoc(crdt.WithPeerID(1))
	require.NoError(t, src.GetText("text").Insert(0, "future"))
	body := encodeUpdates(src.ExportChanges(nil))
	body = protowire.AppendTag(body, 42, protowire.VarintType)
	body = protowire.AppendVarint(body, 7)
	body = protowire.AppendTag(body, 43, protowire.BytesType)
	body = protowire.AppendString(body, "ignored")

	data, err := seal(ModeUpdates, body)
	require.NoError(t, err)
	doc := crdt.NewDoc()
	_, err = Import(doc, data)
	require.NoError(t, err)
	require.Equal(t, "future", doc.GetText("text").String())
}

func TestVersionVectorEncoding(t *testing.T) {
	t.Parallel()

	vv := types.VersionVector{1: 10, 2: 3, 1 << 40: 1}
	got, err := DecodeVersionVector(EncodeVersionVector(vv))
	require.NoError(t, err)
	require.Equal(t, vv, got)

	empty, err := DecodeVersionVector(EncodeVersionVector(nil))
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = DecodeVersionVector([]byte{0x0a, 0x05, 0x01})
	require.ErrorIs(t, err, ErrCorruptData)
}
