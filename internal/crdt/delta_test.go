package crdt_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/crdt"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	plain := func(s string) crdt.Delta { return crdt.Delta{crdt.InsertOp(s, nil)} }
	cases := []struct {
		name          string
		before, after crdt.Delta
		want          crdt.Delta
	}{
		{name: "identical", before: plain("abc"), after: plain("abc"), want: nil},
		{name: "insert", before: plain("abc"), after: plain("abXc"), want: crdt.Delta{
			crdt.RetainOp(2, nil), crdt.InsertOp("X", nil),
		}},
		{name: "truncate", before: plain("Hello world"), after: plain("Hello"), want: crdt.Delta{
			crdt.RetainOp(5, nil), crdt.DeleteOp(6),
		}},
		{name: "from empty", before: nil, after: crdt.Delta{crdt.InsertOp("Hi", bold())}, want: crdt.Delta{
			crdt.InsertOp("Hi", bold()),
		}},
		{name: "style", before: plain("Hello"), after: crdt.Delta{
			crdt.InsertOp("He", bold()), crdt.InsertOp("llo", nil),
		}, want: crdt.Delta{crdt.RetainOp(2, bold())}},
		{name: "unstyle", before: crdt.Delta{crdt.InsertOp("ab", bold())}, after: plain("ab"), want: crdt.Delta{
			crdt.RetainOp(2, crdt.Attributes{"bold": crdt.Null()}),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, crdt.Diff(tc.before, tc.after))
		})
	}
}

func TestDeltaCompact(t *testing.T) {
	t.Parallel()

	d := crdt.Delta{
		crdt.InsertOp("a", bold()),
		crdt.InsertOp("", nil),
		crdt.InsertOp("b", bold()),
		crdt.RetainOp(1, nil),
		crdt.RetainOp(2, nil),
		crdt.DeleteOp(1),
	}
	require.Equal(t, crdt.Delta{
		crdt.InsertOp("ab", bold()),
		crdt.RetainOp(3, nil),
		crdt.DeleteOp(1),
	}, d.Compact())
	require.Equal(t, "ab", d.Text())
}

func TestDeltaJSON(t *testing.T) {
	t.Parallel()

	const raw = `[
		{"retain": 3},
		{"insert": "héllo", "attributes": {"bold": true, "size": 12}},
		{"retain": 2, "attributes": {"italic": null}},
		{"delete": 4}
	]`
	var d crdt.Delta
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	require.Equal(t, crdt.Delta{
		crdt.RetainOp(3, nil),
		crdt.InsertOp("héllo", crdt.Attributes{"bold": crdt.Bool(true), "size": crdt.Number(12)}),
		crdt.RetainOp(2, crdt.Attributes{"italic": crdt.Null()}),
		crdt.DeleteOp(4),
	}, d)
	require.Equal(t, 5, d[1].Len())

	out, err := json.Marshal(d)
	require.NoError(t, err)
	require.JSONEq(t, raw, string(out))
}

func TestDeltaJSONRejectsMalformedItems(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`[{}]`,
		`[{"insert": "a", "delete": 1}]`,
		`[{"retain": -1}]`,
		`[{"delete": 2, "retain": 2}]`,
	} {
		var d crdt.Delta
		require.ErrorIs(t, json.Unmarshal([]byte(raw), &d), crdt.ErrInvalidDelta, raw)
	}
}

func TestValueOf(t *testing.T) {
	t.Parallel()

	v, err := crdt.ValueOf(3)
	require.NoError(t, err)
	n, ok := v.AsNumber()
	require.True(t, ok)
	require.Equal(t, 3.0, n)

	v, err = crdt.ValueOf(nil)
	require.NoError(t, err)
	require.True(t, v.IsNull())

	_, err = crdt.ValueOf([]int{1})
	require.ErrorIs(t, err, crdt.ErrInvalidValue)

	require.True(t, crdt.String("x").Equal(crdt.MustValue("x")))
	require.False(t, crdt.String("1").Equal(crdt.Number(1)))
	require.Equal(t, `"x"`, crdt.String("x").String())
}
