package crdt

import "fmt"

// List is an ordered sequence container sharing the text integration rules.
type List struct {
	handle
}

// Insert inserts a scalar value before the element at pos.
func (l *List) Insert(pos int, v Value) error {
	if v.Kind() == KindContainer {
		return fmt.Errorf("%w: use InsertContainer for child containers", ErrInvalidValue)
	}
	return l.doc.edit(l.id, func(c *container) error { return l.doc.insertList(c, pos, []Value{v}) })
}

// Push appends a scalar value.
func (l *List) Push(v Value) error {
	if v.Kind() == KindContainer {
		return fmt.Errorf("%w: use InsertContainer for child containers", ErrInvalidValue)
	}
	return l.doc.edit(l.id, func(c *container) error {
		return l.doc.insertList(c, c.list.seq.visibleLen(), []Value{v})
	})
}

// Delete removes n elements starting at pos.
func (l *List) Delete(pos, n int) error {
	return l.doc.edit(l.id, func(c *container) error {
		seq := c.list.seq
		if pos < 0 || n < 0 || pos+n > seq.visibleLen() {
			return fmt.Errorf("%w: delete [%d, %d), length %d", ErrOutOfRange, pos, pos+n, seq.visibleLen())
		}
		if n == 0 {
			return nil
		}
		id, lamport := l.doc.nextID()
		l.doc.apply(Change{
			ID: id, Lamport: lamport, Container: c.id, Kind: ChangeDelete,
			Targets: seq.liveSpans(pos, n),
		}, nil)
		return nil
	})
}

// Get returns the element at pos.
func (l *List) Get(pos int) (Value, bool) {
	var (
		v  Value
		ok bool
	)
	l.read(func(c *container) {
		if pos >= 0 && pos < c.list.seq.visibleLen() {
			v, ok = c.list.seq.liveContent(pos, 1)[0], true
		}
	})
	return v, ok
}

// GetContainer returns the child container at pos.
func (l *List) GetContainer(pos int) (Container, bool) {
	v, ok := l.Get(pos)
	if !ok {
		return nil, false
	}
	cid, ok := v.AsContainer()
	if !ok {
		return nil, false
	}
	return l.doc.childHandle(cid, l.detached), true
}

// Len returns the number of elements.
func (l *List) Len() int {
	var n int
	l.read(func(c *container) { n = c.list.seq.visibleLen() })
	return n
}

// Values returns the elements without resolving child containers.
func (l *List) Values() []Value {
	var out []Value
	l.read(func(c *container) { out = c.list.seq.values() })
	return out
}

// InsertContainer copies the detached container child to pos and returns
// the attached copy.
func (l *List) InsertContainer(pos int, child Container) (Container, error) {
	src := child.base()
	if !src.detached {
		return nil, ErrAlreadyAttached
	}
	content := src.snapshotTree()
	var cid ContainerID
	err := l.doc.edit(l.id, func(c *container) error {
		created, err := l.doc.createListChild(c, pos, src.id.Type)
		if err != nil {
			return err
		}
		cid = created.id
		return l.doc.replay(created, content)
	})
	if err != nil {
		return nil, err
	}
	return l.doc.childHandle(cid, l.detached), nil
}

func (d *Doc) insertList(c *container, pos int, values []Value) error {
	seq := c.list.seq
	if pos < 0 || pos > seq.visibleLen() {
		return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, seq.visibleLen())
	}
	id, lamport := d.nextID()
	left, right := seq.originsAt(pos)
	if seq.tryExtend(id, lamport, left, right, values) {
		for j, v := range values {
			if cid, ok := v.AsContainer(); ok {
				d.link(cid, d.index[c.id], "", id.Inc(uint32(j)))
			}
		}
		d.observe(id, lamport, uint32(len(values)))
		return nil
	}
	d.apply(Change{
		ID: id, Lamport: lamport, Container: c.id, Kind: ChangeInsert,
		OriginLeft: left, OriginRight: right, Values: values,
	}, nil)
	return nil
}

// createListChild inserts a new child container of type typ at pos.
func (d *Doc) createListChild(c *container, pos int, typ ContainerType) (*container, error) {
	id, _ := d.nextID()
	cid := ChildContainerID(id, typ)
	if err := d.insertList(c, pos, []Value{ContainerValue(cid)}); err != nil {
		return nil, err
	}
	child, _ := d.lookup(cid)
	return child, nil
}
