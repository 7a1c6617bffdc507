package crdt

import "sort"

// Container is a handle to a text, map or list container. Handles returned
// by NewText, NewMap and NewList are detached: they can be edited like any
// other container and are copied into a document by InsertContainer.
type Container interface {
	ID() ContainerID
	Type() ContainerType
	IsAttached() bool
	DeepValue() any

	base() handle
}

type handle struct {
	doc      *Doc
	id       ContainerID
	detached bool
}

// ID returns the container id. A detached container has a placeholder root
// id until it is inserted.
func (h handle) ID() ContainerID { return h.id }

// Type returns the container type.
func (h handle) Type() ContainerType { return h.id.Type }

// IsAttached reports whether the handle belongs to a document.
func (h handle) IsAttached() bool { return !h.detached }

// Doc returns the owning document, or nil for a detached container.
func (h handle) Doc() *Doc {
	if h.detached {
		return nil
	}
	return h.doc
}

func (h handle) base() handle { return h }

// DeepValue resolves the container and its descendants into plain values.
func (h handle) DeepValue() any {
	var out any
	h.read(func(c *container) { out = h.doc.deepValue(c) })
	return out
}

func (h handle) read(fn func(c *container)) {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	fn(h.doc.container(h.id))
}

func detached(typ ContainerType) handle {
	id := RootContainerID("detached", typ)
	d := NewDoc()
	d.ensure(id)
	return handle{doc: d, id: id, detached: true}
}

// NewText returns an empty detached text container.
func NewText() *Text { return &Text{detached(TypeText)} }

// NewMap returns an empty detached map container.
func NewMap() *Map { return &Map{detached(TypeMap)} }

// NewList returns an empty detached list container.
func NewList() *List { return &List{detached(TypeList)} }

// tree is a plain copy of a container's current content.
type tree struct {
	typ     ContainerType
	runs    Delta
	entries map[string]treeElem
	elems   []treeElem
}

type treeElem struct {
	value Value
	child *tree
}

// snapshotTree copies the content of a detached container.
func (h handle) snapshotTree() *tree {
	var out *tree
	h.read(func(c *container) { out = h.doc.capture(c) })
	return out
}

func (d *Doc) capture(c *container) *tree {
	t := &tree{typ: c.id.Type}
	elem := func(v Value) treeElem {
		if cid, ok := v.AsContainer(); ok {
			if child, ok := d.lookup(cid); ok {
				return treeElem{child: d.capture(child)}
			}
		}
		return treeElem{value: v}
	}
	switch c.id.Type {
	case TypeText:
		t.runs = c.text.runs()
	case TypeMap:
		t.entries = make(map[string]treeElem, len(c.mp.entries))
		for k, e := range c.mp.entries {
			if !e.value.IsNull() {
				t.entries[k] = elem(e.value)
			}
		}
	case TypeList:
		for _, v := range c.list.seq.values() {
			t.elems = append(t.elems, elem(v))
		}
	}
	return t
}

// replay recreates t inside the empty container c with local operations.
func (d *Doc) replay(c *container, t *tree) error {
	switch t.typ {
	case TypeText:
		pos := 0
		for _, run := range t.runs {
			if err := d.insertText(c, pos, run.Text); err != nil {
				return err
			}
			n := run.Len()
			if err := d.styleRange(c, pos, pos+n, run.Attributes, false); err != nil {
				return err
			}
			pos += n
		}
	case TypeMap:
		keys := make([]string, 0, len(t.entries))
		for k := range t.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e := t.entries[k]
			if e.child == nil {
				if err := d.setMap(c, k, e.value); err != nil {
					return err
				}
				continue
			}
			if err := d.replay(d.createMapChild(c, k, e.child.typ), e.child); err != nil {
				return err
			}
		}
	case TypeList:
		for i, e := range t.elems {
			if e.child == nil {
				if err := d.insertList(c, i, []Value{e.value}); err != nil {
					return err
				}
				continue
			}
			child, err := d.createListChild(c, i, e.child.typ)
			if err != nil {
				return err
			}
			if err := d.replay(child, e.child); err != nil {
				return err
			}
		}
	}
	return nil
}
