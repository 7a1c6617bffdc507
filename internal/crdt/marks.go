package crdt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/richtext-sync/internal/types"
)

// Scope controls how a style range behaves when text is inserted exactly at
// one of its boundaries.
type Scope uint8

const (
	// ScopeExpand grows at both boundaries. It applies to unconfigured keys.
	ScopeExpand Scope = iota
	// ScopeNoExpandLeft grows only at the end, the usual behaviour of bold.
	ScopeNoExpandLeft
	// ScopeNoExpandRight grows only at the start.
	ScopeNoExpandRight
	// ScopeInsertOnly covers exactly the characters present when marked.
	ScopeInsertOnly
)

func (s Scope) String() string {
	switch s {
	case ScopeExpand:
		return "expand"
	case ScopeNoExpandLeft:
		return "no-expand-left"
	case ScopeNoExpandRight:
		return "no-expand-right"
	case ScopeInsertOnly:
		return "insert-only"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// ParseScope accepts the names produced by Scope.String as well as the
// before/after/both/none vocabulary used by editor bindings.
func ParseScope(name string) (Scope, error) {
	switch strings.ToLower(name) {
	case "expand", "both":
		return ScopeExpand, nil
	case "no-expand-left", "after":
		return ScopeNoExpandLeft, nil
	case "no-expand-right", "before":
		return ScopeNoExpandRight, nil
	case "insert-only", "none":
		return ScopeInsertOnly, nil
	default:
		return 0, fmt.Errorf("unknown style scope %q", name)
	}
}

func (s Scope) growsAtStart() bool { return s == ScopeExpand || s == ScopeNoExpandRight }

func (s Scope) growsAtEnd() bool { return s == ScopeExpand || s == ScopeNoExpandLeft }

// StyleConfig maps a style key to its scope.
type StyleConfig map[string]Scope

// DefaultRichTextConfig returns the scopes editors usually expect: inline
// formatting continues when typing at its end, links and comments never grow.
func DefaultRichTextConfig() StyleConfig {
	return StyleConfig{
		"bold":      ScopeNoExpandLeft,
		"italic":    ScopeNoExpandLeft,
		"underline": ScopeNoExpandLeft,
		"strike":    ScopeNoExpandLeft,
		"code":      ScopeNoExpandLeft,
		"link":      ScopeInsertOnly,
		"comment":   ScopeInsertOnly,
	}
}

func (c StyleConfig) scope(key string) Scope {
	if s, ok := c[key]; ok {
		return s
	}
	return ScopeExpand
}

func (c StyleConfig) clone() StyleConfig {
	out := make(StyleConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// AnchorKind selects what a mark boundary is attached to.
type AnchorKind uint8

const (
	AnchorDocStart AnchorKind = iota
	AnchorDocEnd
	AnchorBefore
	AnchorAfter
)

// Anchor pins a mark boundary to a gap in the element sequence: before or
// after a given element, or one of the document ends. Because it names an
// element rather than an index, the boundary survives concurrent edits.
type Anchor struct {
	Kind AnchorKind
	ID   types.OpID
}

func (a Anchor) hasID() bool { return a.Kind == AnchorBefore || a.Kind == AnchorAfter }

func (a Anchor) String() string {
	switch a.Kind {
	case AnchorDocStart:
		return "^"
	case AnchorDocEnd:
		return "$"
	case AnchorBefore:
		return "<" + a.ID.String()
	case AnchorAfter:
		return a.ID.String() + ">"
	default:
		return "?"
	}
}

type mark struct {
	id      types.OpID
	lamport uint32
	key     string
	value   Value
	start   Anchor
	end     Anchor
}

type textState struct {
	seq *sequence[rune]
	// marks is kept sorted by ascending precedence.
	marks []*mark
}

func (ts *textState) addMark(m *mark) {
	i := sort.Search(len(ts.marks), func(i int) bool {
		o := ts.marks[i]
		return later(o.lamport, o.id, m.lamport, m.id)
	})
	ts.marks = append(ts.marks, nil)
	copy(ts.marks[i+1:], ts.marks[i:])
	ts.marks[i] = m
}

// anchors computes the boundaries for a mark over the visible range
// [start, end). The range must be non-empty.
func (ts *textState) anchors(start, end int, scope Scope) (Anchor, Anchor) {
	var from, to Anchor
	switch {
	case scope.growsAtStart() && start == 0:
		from = Anchor{Kind: AnchorDocStart}
	case scope.growsAtStart():
		from = Anchor{Kind: AnchorAfter, ID: ts.seq.idAt(start - 1)}
	default:
		from = Anchor{Kind: AnchorBefore, ID: ts.seq.idAt(start)}
	}
	switch {
	case scope.growsAtEnd() && end == ts.seq.visibleLen():
		to = Anchor{Kind: AnchorDocEnd}
	case scope.growsAtEnd():
		to = Anchor{Kind: AnchorBefore, ID: ts.seq.idAt(end)}
	default:
		to = Anchor{Kind: AnchorAfter, ID: ts.seq.idAt(end - 1)}
	}
	return from, to
}

// coverage returns the inclusive range of sequence offsets, tombstones
// included, covered by m. The range is empty when first > last.
func (ts *textState) coverage(m *mark, offs map[*item[rune]]int, n int) (int, int) {
	offset := func(id types.OpID) int {
		it := ts.seq.find(id)
		if it == nil {
			return -1
		}
		return offs[it] + int(id.Counter-it.id.Counter)
	}
	first, last := 0, n-1
	switch m.start.Kind {
	case AnchorBefore:
		first = offset(m.start.ID)
	case AnchorAfter:
		first = offset(m.start.ID) + 1
	case AnchorDocEnd:
		first = n
	}
	switch m.end.Kind {
	case AnchorBefore:
		last = offset(m.end.ID) - 1
	case AnchorAfter:
		last = offset(m.end.ID)
	case AnchorDocStart:
		last = -1
	}
	if first < 0 {
		first = 0
	}
	return first, last
}

// resolve returns the visible characters with their winning attributes.
// Consecutive characters with the same winners share one Attributes value.
func (ts *textState) resolve() ([]rune, []Attributes) {
	chars := ts.seq.values()
	attrs := make([]Attributes, len(chars))
	if len(ts.marks) == 0 {
		return chars, attrs
	}

	offs, n := ts.seq.offsets()
	winners := make(map[string][]*mark)
	for _, m := range ts.marks {
		first, last := ts.coverage(m, offs, n)
		if first > last {
			continue
		}
		w := winners[m.key]
		if w == nil {
			w = make([]*mark, n)
			winners[m.key] = w
		}
		for i := first; i <= last; i++ {
			w[i] = m
		}
	}
	keys := make([]string, 0, len(winners))
	for k := range winners {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prev := make([]*mark, len(keys))
	cur := make([]*mark, len(keys))
	var prevAttrs Attributes
	started := false
	offset, visible := 0, 0
	for _, it := range ts.seq.items {
		if it.deleted {
			offset += it.length()
			continue
		}
		for range it.content {
			for i, k := range keys {
				cur[i] = winners[k][offset]
			}
			if !started || !sameMarks(prev, cur) {
				prevAttrs = attributesOf(keys, cur)
				copy(prev, cur)
				started = true
			}
			attrs[visible] = prevAttrs
			offset++
			visible++
		}
	}
	return chars, attrs
}

func sameMarks(a, b []*mark) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func attributesOf(keys []string, winners []*mark) Attributes {
	var out Attributes
	for i, m := range winners {
		if m == nil || m.value.IsNull() {
			continue
		}
		if out == nil {
			out = make(Attributes)
		}
		out[keys[i]] = m.value
	}
	return out
}

// runs coalesces resolved characters into insert items.
func (ts *textState) runs() Delta {
	chars, attrs := ts.resolve()
	var out Delta
	var b strings.Builder
	var cur Attributes
	flush := func() {
		if b.Len() > 0 {
			out = append(out, InsertOp(b.String(), cur))
			b.Reset()
		}
	}
	for i, r := range chars {
		if i == 0 || !attrs[i].Equal(cur) {
			flush()
			cur = attrs[i]
		}
		b.WriteRune(r)
	}
	flush()
	return out
}
