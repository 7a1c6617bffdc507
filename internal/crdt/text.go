package crdt

import (
	"fmt"
	"unicode/utf8"
)

// Text is a rich-text container. Positions count Unicode code points of the
// visible text.
type Text struct {
	handle
}

// Insert inserts s before the character at pos.
func (t *Text) Insert(pos int, s string) error {
	return t.doc.edit(t.id, func(c *container) error { return t.doc.insertText(c, pos, s) })
}

// Delete removes n characters starting at pos.
func (t *Text) Delete(pos, n int) error {
	return t.doc.edit(t.id, func(c *container) error { return t.doc.deleteText(c, pos, n) })
}

// Mark styles [start, end) with key set to value, using the scope configured
// for key on the owning document.
func (t *Text) Mark(start, end int, key string, value Value) error {
	return t.doc.edit(t.id, func(c *container) error {
		return t.doc.markText(c, start, end, key, value, t.doc.styles.scope(key))
	})
}

// MarkWithScope is like Mark with an explicit scope.
func (t *Text) MarkWithScope(start, end int, key string, value Value, scope Scope) error {
	return t.doc.edit(t.id, func(c *container) error {
		return t.doc.markText(c, start, end, key, value, scope)
	})
}

// Unmark removes the style key from [start, end).
func (t *Text) Unmark(start, end int, key string) error {
	return t.Mark(start, end, key, Null())
}

// Len returns the number of visible characters.
func (t *Text) Len() int {
	var n int
	t.read(func(c *container) { n = c.text.seq.visibleLen() })
	return n
}

// String returns the visible text.
func (t *Text) String() string {
	var s string
	t.read(func(c *container) { s = string(c.text.seq.values()) })
	return s
}

// ToDelta returns the content as insert items, one per run of characters
// sharing the same attributes.
func (t *Text) ToDelta() Delta {
	var d Delta
	t.read(func(c *container) { d = c.text.runs() })
	return d
}

// RichTextValue returns the content in the loose form used by editor
// bindings: one {"insert": text, "attributes": {...}} object per run, with
// the attributes key left out when a run is unstyled.
func (t *Text) RichTextValue() []map[string]any {
	delta := t.ToDelta()
	out := make([]map[string]any, 0, len(delta))
	for _, it := range delta {
		m := map[string]any{"insert": it.Text}
		if len(it.Attributes) > 0 {
			m["attributes"] = it.Attributes.Interface()
		}
		out = append(out, m)
	}
	return out
}

// ApplyDelta replays delta against the content. Inserted text carries
// exactly the given attributes. Nothing is applied when the delta retains or
// deletes past the end of the content.
func (t *Text) ApplyDelta(delta Delta) error {
	return t.doc.edit(t.id, func(c *container) error {
		if err := validateDelta(delta, c.text.seq.visibleLen()); err != nil {
			return err
		}
		pos := 0
		for _, it := range delta {
			var err error
			switch it.Kind {
			case DeltaInsert:
				n := it.Len()
				if err = t.doc.insertText(c, pos, it.Text); err == nil {
					err = t.doc.styleRange(c, pos, pos+n, it.Attributes, true)
				}
				pos += n
			case DeltaDelete:
				err = t.doc.deleteText(c, pos, it.Length)
			case DeltaRetain:
				err = t.doc.styleRange(c, pos, pos+it.Length, it.Attributes, false)
				pos += it.Length
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func validateDelta(delta Delta, length int) error {
	pos := 0
	for i, it := range delta {
		for k, v := range it.Attributes {
			if k == "" || v.Kind() == KindContainer {
				return fmt.Errorf("%w: item %d has an invalid attribute", ErrInvalidDelta, i)
			}
		}
		switch it.Kind {
		case DeltaInsert:
			if !utf8.ValidString(it.Text) {
				return fmt.Errorf("%w: item %d is not valid UTF-8", ErrInvalidDelta, i)
			}
			n := it.Len()
			pos += n
			length += n
		case DeltaRetain, DeltaDelete:
			if it.Length < 0 || pos+it.Length > length {
				return fmt.Errorf("%w: item %d spans past the end (%d > %d)", ErrInvalidDelta, i, pos+it.Length, length)
			}
			if it.Kind == DeltaRetain {
				pos += it.Length
			} else {
				length -= it.Length
			}
		default:
			return fmt.Errorf("%w: item %d has unknown kind %d", ErrInvalidDelta, i, it.Kind)
		}
	}
	return nil
}

func (d *Doc) insertText(c *container, pos int, s string) error {
	seq := c.text.seq
	if pos < 0 || pos > seq.visibleLen() {
		return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, seq.visibleLen())
	}
	if s == "" {
		return nil
	}
	runes := []rune(s)
	id, lamport := d.nextID()
	left, right := seq.originsAt(pos)
	if seq.tryExtend(id, lamport, left, right, runes) {
		d.observe(id, lamport, uint32(len(runes)))
		return nil
	}
	d.apply(Change{
		ID: id, Lamport: lamport, Container: c.id, Kind: ChangeInsert,
		OriginLeft: left, OriginRight: right, Text: s,
	}, nil)
	return nil
}

func (d *Doc) deleteText(c *container, pos, n int) error {
	seq := c.text.seq
	if pos < 0 || n < 0 || pos+n > seq.visibleLen() {
		return fmt.Errorf("%w: delete [%d, %d), length %d", ErrOutOfRange, pos, pos+n, seq.visibleLen())
	}
	if n == 0 {
		return nil
	}
	id, lamport := d.nextID()
	d.apply(Change{
		ID: id, Lamport: lamport, Container: c.id, Kind: ChangeDelete,
		Targets: seq.liveSpans(pos, n),
	}, nil)
	return nil
}

func (d *Doc) markText(c *container, start, end int, key string, value Value, scope Scope) error {
	n := c.text.seq.visibleLen()
	if start < 0 || start > end || end > n {
		return fmt.Errorf("%w: mark [%d, %d), length %d", ErrOutOfRange, start, end, n)
	}
	if key == "" || value.Kind() == KindContainer {
		return fmt.Errorf("%w: style %q cannot hold %s", ErrInvalidValue, key, value.Kind())
	}
	if start == end {
		return nil
	}
	from, to := c.text.anchors(start, end, scope)
	id, lamport := d.nextID()
	d.apply(Change{
		ID: id, Lamport: lamport, Container: c.id, Kind: ChangeMark,
		Key: key, Value: value, Start: from, End: to,
	}, nil)
	return nil
}

// styleRange marks [start, end) with attrs, skipping keys that already
// resolve to the wanted value everywhere in the range. With exact set, keys
// not in attrs are removed from the range as well.
func (d *Doc) styleRange(c *container, start, end int, attrs Attributes, exact bool) error {
	if start == end {
		return nil
	}
	_, resolved := c.text.resolve()
	current := resolved[start:end]

	wanted := attrs.Clone()
	if exact {
		for _, a := range current {
			for k := range a {
				if _, ok := attrs[k]; !ok {
					if wanted == nil {
						wanted = make(Attributes)
					}
					wanted[k] = Null()
				}
			}
		}
	}
	for _, k := range wanted.Keys() {
		v := wanted[k]
		if resolvedTo(current, k, v) {
			continue
		}
		if err := d.markText(c, start, end, k, v, d.styles.scope(k)); err != nil {
			return err
		}
	}
	return nil
}

func resolvedTo(attrs []Attributes, key string, v Value) bool {
	for _, a := range attrs {
		cur, ok := a[key]
		if v.IsNull() {
			if ok {
				return false
			}
			continue
		}
		if !ok || !cur.Equal(v) {
			return false
		}
	}
	return true
}
