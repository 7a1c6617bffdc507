package crdt

import "math"

// otItem is a delta step shared by text and list deltas. Inserts carry
// either runes or values.
type otItem struct {
	kind   DeltaKind
	n      int
	attrs  Attributes
	runes  []rune
	values []Value
}

func (o otItem) slice(off, n int) otItem {
	out := otItem{kind: o.kind, n: n, attrs: o.attrs}
	if o.kind == DeltaInsert {
		if o.runes != nil {
			out.runes = o.runes[off : off+n]
		} else {
			out.values = o.values[off : off+n]
		}
	}
	return out
}

type otIter struct {
	items []otItem
	i     int
	off   int
}

func (it *otIter) more() bool { return it.i < len(it.items) }

// Past the end an iterator yields an endless plain retain.
func (it *otIter) peekKind() DeltaKind {
	if !it.more() {
		return DeltaRetain
	}
	return it.items[it.i].kind
}

func (it *otIter) peekLen() int {
	if !it.more() {
		return math.MaxInt
	}
	return it.items[it.i].n - it.off
}

func (it *otIter) next(n int) otItem {
	if !it.more() {
		return otItem{kind: DeltaRetain, n: n}
	}
	cur := it.items[it.i]
	if rest := cur.n - it.off; n > rest {
		n = rest
	}
	out := cur.slice(it.off, n)
	it.off += n
	if it.off == cur.n {
		it.i++
		it.off = 0
	}
	return out
}

func pushOT(out []otItem, it otItem) []otItem {
	if it.n == 0 {
		return out
	}
	if n := len(out); n > 0 {
		last := &out[n-1]
		if last.kind == it.kind && last.attrs.Equal(it.attrs) && (last.runes == nil) == (it.runes == nil) {
			last.n += it.n
			if it.kind == DeltaInsert {
				last.runes = append(append([]rune(nil), last.runes...), it.runes...)
				last.values = append(append([]Value(nil), last.values...), it.values...)
			}
			return out
		}
	}
	return append(out, it)
}

// transform rewrites d, written against the same state as by, so that it
// applies after by. With byFirst set, text inserted by by at the same
// position as d ends up before d's insert.
func transform(by, d []otItem, byFirst bool) []otItem {
	a, b := &otIter{items: by}, &otIter{items: d}
	var out []otItem
	for a.more() || b.more() {
		switch {
		case a.peekKind() == DeltaInsert && (byFirst || b.peekKind() != DeltaInsert):
			out = pushOT(out, otItem{kind: DeltaRetain, n: a.next(math.MaxInt).n})
		case b.peekKind() == DeltaInsert:
			out = pushOT(out, b.next(math.MaxInt))
		default:
			n := min(a.peekLen(), b.peekLen())
			x, y := a.next(n), b.next(n)
			switch {
			case x.kind == DeltaDelete:
				// Already gone.
			case y.kind == DeltaDelete:
				out = pushOT(out, y)
			default:
				out = pushOT(out, otItem{kind: DeltaRetain, n: n, attrs: y.attrs})
			}
		}
	}
	if n := len(out); n > 0 && out[n-1].kind == DeltaRetain && len(out[n-1].attrs) == 0 {
		out = out[:n-1]
	}
	return out
}

func textItems(d Delta) []otItem {
	out := make([]otItem, 0, len(d))
	for _, it := range d {
		o := otItem{kind: it.Kind, n: it.Len(), attrs: it.Attributes}
		if it.Kind == DeltaInsert {
			o.runes = []rune(it.Text)
		}
		out = append(out, o)
	}
	return out
}

func textDelta(items []otItem) Delta {
	var out Delta
	for _, o := range items {
		switch o.kind {
		case DeltaInsert:
			out = out.push(InsertOp(string(o.runes), o.attrs))
		case DeltaDelete:
			out = out.push(DeleteOp(o.n))
		default:
			out = out.push(RetainOp(o.n, o.attrs))
		}
	}
	return out
}

func listItems(d ListDelta) []otItem {
	out := make([]otItem, 0, len(d))
	for _, it := range d {
		o := otItem{kind: it.Kind, n: it.Length}
		if it.Kind == DeltaInsert {
			o.n = len(it.Values)
			o.values = it.Values
		}
		out = append(out, o)
	}
	return out
}

func listDelta(items []otItem) ListDelta {
	out := make(ListDelta, 0, len(items))
	for _, o := range items {
		if o.kind == DeltaInsert {
			out = append(out, ListDiffItem{Kind: o.kind, Values: o.values})
		} else {
			out = append(out, ListDiffItem{Kind: o.kind, Length: o.n})
		}
	}
	return out
}

// rebase moves inv past the concurrent change by to the same container and
// returns both rewritten: inv so it applies after by, and by so it applies
// after inv. A map change drops the keys by wrote from inv.
func rebase(by, inv ContainerDiff) (ContainerDiff, ContainerDiff) {
	switch inv.Target.Type {
	case TypeText:
		a, b := textItems(by.Text), textItems(inv.Text)
		inv.Text = textDelta(transform(a, b, true))
		by.Text = textDelta(transform(b, a, false))
	case TypeMap:
		var kept MapDelta
		for k, v := range inv.Map {
			if _, ok := by.Map[k]; ok {
				continue
			}
			if kept == nil {
				kept = make(MapDelta)
			}
			kept[k] = v
		}
		inv.Map = kept
	default:
		a, b := listItems(by.List), listItems(inv.List)
		inv.List = listDelta(transform(a, b, true))
		by.List = listDelta(transform(b, a, false))
	}
	return inv, by
}

func (c ContainerDiff) empty() bool {
	return len(c.Text) == 0 && len(c.Map) == 0 && len(c.List) == 0
}
