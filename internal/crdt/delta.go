package crdt

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DeltaKind tags a delta item.
type DeltaKind uint8

const (
	DeltaInsert DeltaKind = iota + 1
	DeltaDelete
	DeltaRetain
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaInsert:
		return "insert"
	case DeltaDelete:
		return "delete"
	case DeltaRetain:
		return "retain"
	default:
		return fmt.Sprintf("delta(%d)", uint8(k))
	}
}

// DeltaItem is one step of a delta. Text is set for inserts, Length for
// deletes and retains. Attributes are only meaningful on inserts and
// retains; on a retain a Null attribute removes the style.
type DeltaItem struct {
	Kind       DeltaKind
	Text       string
	Length     int
	Attributes Attributes
}

// InsertOp builds an insert item.
func InsertOp(text string, attrs Attributes) DeltaItem {
	return DeltaItem{Kind: DeltaInsert, Text: text, Attributes: attrs.Clone()}
}

// DeleteOp builds a delete item.
func DeleteOp(n int) DeltaItem { return DeltaItem{Kind: DeltaDelete, Length: n} }

// RetainOp builds a retain item.
func RetainOp(n int, attrs Attributes) DeltaItem {
	return DeltaItem{Kind: DeltaRetain, Length: n, Attributes: attrs.Clone()}
}

// Len returns the number of characters the item spans.
func (it DeltaItem) Len() int {
	if it.Kind == DeltaInsert {
		return utf8.RuneCountInString(it.Text)
	}
	return it.Length
}

// Equal reports whether both items are identical.
func (it DeltaItem) Equal(other DeltaItem) bool {
	return it.Kind == other.Kind && it.Text == other.Text && it.Length == other.Length &&
		it.Attributes.Equal(other.Attributes)
}

func (it DeltaItem) String() string {
	var b strings.Builder
	switch it.Kind {
	case DeltaInsert:
		fmt.Fprintf(&b, "insert(%q", it.Text)
	default:
		fmt.Fprintf(&b, "%s(%d", it.Kind, it.Length)
	}
	if len(it.Attributes) > 0 {
		b.WriteString(", {")
		for i, k := range it.Attributes.Keys() {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %s", k, it.Attributes[k])
		}
		b.WriteByte('}')
	}
	b.WriteByte(')')
	return b.String()
}

type deltaJSON struct {
	Insert     *string        `json:"insert,omitempty"`
	Delete     int            `json:"delete,omitempty"`
	Retain     int            `json:"retain,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// MarshalJSON renders the item in the Quill delta shape.
func (it DeltaItem) MarshalJSON() ([]byte, error) {
	var out deltaJSON
	switch it.Kind {
	case DeltaInsert:
		text := it.Text
		out.Insert = &text
	case DeltaDelete:
		out.Delete = it.Length
	case DeltaRetain:
		out.Retain = it.Length
	default:
		return nil, fmt.Errorf("%w: unknown item kind %d", ErrInvalidDelta, it.Kind)
	}
	if len(it.Attributes) > 0 && it.Kind != DeltaDelete {
		out.Attributes = it.Attributes.Interface()
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses an item in the Quill delta shape.
func (it *DeltaItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		Insert     *string          `json:"insert"`
		Delete     *int             `json:"delete"`
		Retain     *int             `json:"retain"`
		Attributes map[string]Value `json:"attributes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var attrs Attributes
	if len(raw.Attributes) > 0 {
		attrs = Attributes(raw.Attributes)
	}
	switch {
	case raw.Insert != nil && raw.Delete == nil && raw.Retain == nil:
		*it = DeltaItem{Kind: DeltaInsert, Text: *raw.Insert, Attributes: attrs}
	case raw.Delete != nil && raw.Insert == nil && raw.Retain == nil && *raw.Delete >= 0:
		*it = DeltaItem{Kind: DeltaDelete, Length: *raw.Delete}
	case raw.Retain != nil && raw.Insert == nil && raw.Delete == nil && *raw.Retain >= 0:
		*it = DeltaItem{Kind: DeltaRetain, Length: *raw.Retain, Attributes: attrs}
	default:
		return fmt.Errorf("%w: item needs exactly one of insert, delete, retain", ErrInvalidDelta)
	}
	return nil
}

// Delta is an ordered list of items.
type Delta []DeltaItem

// Equal reports whether both deltas hold the same items.
func (d Delta) Equal(other Delta) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if !d[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// Compact merges adjacent items of the same kind and attributes and drops
// empty items.
func (d Delta) Compact() Delta {
	var out Delta
	for _, it := range d {
		out = out.push(it)
	}
	return out
}

func (d Delta) push(it DeltaItem) Delta {
	if it.Len() == 0 {
		return d
	}
	if n := len(d); n > 0 {
		last := &d[n-1]
		if last.Kind == it.Kind && last.Attributes.Equal(it.Attributes) {
			if it.Kind == DeltaInsert {
				last.Text += it.Text
			} else {
				last.Length += it.Length
			}
			return d
		}
	}
	return append(d, it)
}

// chop drops a trailing retain that carries no attributes. An empty result
// is nil.
func (d Delta) chop() Delta {
	if n := len(d); n > 0 && d[n-1].Kind == DeltaRetain && len(d[n-1].Attributes) == 0 {
		d = d[:n-1]
	}
	if len(d) == 0 {
		return nil
	}
	return d
}

// Text concatenates the inserted text.
func (d Delta) Text() string {
	var b strings.Builder
	for _, it := range d {
		if it.Kind == DeltaInsert {
			b.WriteString(it.Text)
		}
	}
	return b.String()
}

// Diff returns the delta that turns the content before into the content
// after. Both arguments are content deltas made of inserts only, such as the output
// of Text.ToDelta. Characters present in both with different attributes are
// retained with the changed keys; a removed key is set to Null.
func Diff(before, after Delta) Delta {
	a, b := flatten(before), flatten(after)
	var out Delta
	for _, e := range editScript(a, b, func(x, y styledRune) bool { return x.r == y.r }) {
		switch e.op {
		case editKeep:
			out = out.push(RetainOp(1, attributeChanges(a[e.a].attrs, b[e.b].attrs)))
		case editDelete:
			out = out.push(DeleteOp(1))
		case editInsert:
			out = out.push(InsertOp(string(b[e.b].r), b[e.b].attrs))
		}
	}
	return out.chop()
}

type styledRune struct {
	r     rune
	attrs Attributes
}

func flatten(d Delta) []styledRune {
	var out []styledRune
	for _, it := range d {
		if it.Kind != DeltaInsert {
			continue
		}
		for _, r := range it.Text {
			out = append(out, styledRune{r: r, attrs: it.Attributes})
		}
	}
	return out
}

func attributeChanges(from, to Attributes) Attributes {
	var out Attributes
	for k, v := range to {
		if ov, ok := from[k]; !ok || !ov.Equal(v) {
			if out == nil {
				out = make(Attributes)
			}
			out[k] = v
		}
	}
	for k := range from {
		if _, ok := to[k]; !ok {
			if out == nil {
				out = make(Attributes)
			}
			out[k] = Null()
		}
	}
	return out
}

type editOp uint8

const (
	editKeep editOp = iota
	editDelete
	editInsert
)

type edit struct {
	op   editOp
	a, b int
}

// maxLCSCells bounds the dynamic programming table. Larger middles fall back
// to replacing the whole changed region.
const maxLCSCells = 1 << 20

// editScript returns a shortest edit script from a to b. Common prefixes and
// suffixes are matched first; the remaining middle is aligned with a longest
// common subsequence, preferring deletions before insertions.
func editScript[T any](a, b []T, eq func(T, T) bool) []edit {
	prefix := 0
	for prefix < len(a) && prefix < len(b) && eq(a[prefix], b[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && eq(a[len(a)-1-suffix], b[len(b)-1-suffix]) {
		suffix++
	}

	out := make([]edit, 0, len(a)+len(b))
	for i := 0; i < prefix; i++ {
		out = append(out, edit{op: editKeep, a: i, b: i})
	}

	ma, mb := a[prefix:len(a)-suffix], b[prefix:len(b)-suffix]
	n, m := len(ma), len(mb)
	if n > 0 && m > 0 && (n+1)*(m+1) <= maxLCSCells {
		// lcs[i*(m+1)+j] is the LCS length of ma[i:] and mb[j:].
		lcs := make([]int32, (n+1)*(m+1))
		for i := n - 1; i >= 0; i-- {
			for j := m - 1; j >= 0; j-- {
				if eq(ma[i], mb[j]) {
					lcs[i*(m+1)+j] = lcs[(i+1)*(m+1)+j+1] + 1
				} else {
					lcs[i*(m+1)+j] = max(lcs[(i+1)*(m+1)+j], lcs[i*(m+1)+j+1])
				}
			}
		}
		i, j := 0, 0
		for i < n && j < m {
			switch {
			case eq(ma[i], mb[j]) && lcs[i*(m+1)+j] == lcs[(i+1)*(m+1)+j+1]+1:
				out = append(out, edit{op: editKeep, a: prefix + i, b: prefix + j})
				i++
				j++
			case lcs[(i+1)*(m+1)+j] >= lcs[i*(m+1)+j+1]:
				out = append(out, edit{op: editDelete, a: prefix + i})
				i++
			default:
				out = append(out, edit{op: editInsert, b: prefix + j})
				j++
			}
		}
		for ; i < n; i++ {
			out = append(out, edit{op: editDelete, a: prefix + i})
		}
		for ; j < m; j++ {
			out = append(out, edit{op: editInsert, b: prefix + j})
		}
	} else {
		for i := 0; i < n; i++ {
			out = append(out, edit{op: editDelete, a: prefix + i})
		}
		for j := 0; j < m; j++ {
			out = append(out, edit{op: editInsert, b: prefix + j})
		}
	}

	for k := 0; k < suffix; k++ {
		out = append(out, edit{op: editKeep, a: len(a) - suffix + k, b: len(b) - suffix + k})
	}
	return out
}
