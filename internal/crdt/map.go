package crdt

import (
	"fmt"
	"sort"

	"github.com/example/richtext-sync/internal/types"
)

// Map is a last-writer-wins map container. Concurrent writes to a key are
// resolved by Lamport time and then peer id.
type Map struct {
	handle
}

// Set writes a scalar value. Child containers are added with
// InsertContainer or GetOrCreateContainer.
func (m *Map) Set(key string, v Value) error {
	if v.Kind() == KindContainer {
		return fmt.Errorf("%w: use InsertContainer for child containers", ErrInvalidValue)
	}
	return m.doc.edit(m.id, func(c *container) error { return m.doc.setMap(c, key, v) })
}

// Delete removes key. Deleting an absent key is a no-op.
func (m *Map) Delete(key string) error {
	return m.doc.edit(m.id, func(c *container) error {
		if e := c.mp.entries[key]; e == nil || e.value.IsNull() {
			return nil
		}
		return m.doc.setMap(c, key, Null())
	})
}

// Clear removes every key.
func (m *Map) Clear() error {
	return m.doc.edit(m.id, func(c *container) error {
		for _, k := range liveKeys(c.mp) {
			if err := m.doc.setMap(c, k, Null()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	var (
		v  Value
		ok bool
	)
	m.read(func(c *container) {
		if e := c.mp.entries[key]; e != nil && !e.value.IsNull() {
			v, ok = e.value, true
		}
	})
	return v, ok
}

// GetContainer returns the child container stored under key.
func (m *Map) GetContainer(key string) (Container, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	cid, ok := v.AsContainer()
	if !ok {
		return nil, false
	}
	return m.doc.childHandle(cid, m.detached), true
}

// Keys returns the present keys in sorted order.
func (m *Map) Keys() []string {
	var keys []string
	m.read(func(c *container) { keys = liveKeys(c.mp) })
	return keys
}

// Len returns the number of present keys.
func (m *Map) Len() int { return len(m.Keys()) }

// Values returns the present entries without resolving child containers.
func (m *Map) Values() map[string]Value {
	out := make(map[string]Value)
	m.read(func(c *container) {
		for k, e := range c.mp.entries {
			if !e.value.IsNull() {
				out[k] = e.value
			}
		}
	})
	return out
}

// LastEditor returns the peer that wrote the current value of key.
func (m *Map) LastEditor(key string) (types.PeerID, bool) {
	var (
		peer types.PeerID
		ok   bool
	)
	m.read(func(c *container) {
		if e := c.mp.entries[key]; e != nil {
			peer, ok = e.id.Peer, true
		}
	})
	return peer, ok
}

// InsertContainer copies the detached container child under key and returns
// the attached copy.
func (m *Map) InsertContainer(key string, child Container) (Container, error) {
	src := child.base()
	if !src.detached {
		return nil, ErrAlreadyAttached
	}
	content := src.snapshotTree()
	var cid ContainerID
	err := m.doc.edit(m.id, func(c *container) error {
		created := m.doc.createMapChild(c, key, src.id.Type)
		cid = created.id
		return m.doc.replay(created, content)
	})
	if err != nil {
		return nil, err
	}
	return m.doc.childHandle(cid, m.detached), nil
}

// GetOrCreateContainer returns the child container of type typ under key,
// creating an empty one when the key is absent.
func (m *Map) GetOrCreateContainer(key string, typ ContainerType) (Container, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: container type %s", ErrInvalidValue, typ)
	}
	var cid ContainerID
	err := m.doc.edit(m.id, func(c *container) error {
		if e := c.mp.entries[key]; e != nil && !e.value.IsNull() {
			existing, ok := e.value.AsContainer()
			if !ok || existing.Type != typ {
				return fmt.Errorf("%w: key %q holds %s", ErrInvalidValue, key, e.value)
			}
			cid = existing
			return nil
		}
		cid = m.doc.createMapChild(c, key, typ).id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.doc.childHandle(cid, m.detached), nil
}

func (d *Doc) setMap(c *container, key string, v Value) error {
	id, lamport := d.nextID()
	d.apply(Change{
		ID: id, Lamport: lamport, Container: c.id, Kind: ChangeMapSet,
		Key: key, Value: v,
	}, nil)
	return nil
}

// createMapChild writes a new child container of type typ under key.
func (d *Doc) createMapChild(c *container, key string, typ ContainerType) *container {
	id, lamport := d.nextID()
	cid := ChildContainerID(id, typ)
	d.apply(Change{
		ID: id, Lamport: lamport, Container: c.id, Kind: ChangeMapSet,
		Key: key, Value: ContainerValue(cid),
	}, nil)
	child, _ := d.lookup(cid)
	return child
}

func (d *Doc) childHandle(cid ContainerID, detached bool) Container {
	c := d.handleFor(cid)
	if detached {
		switch h := c.(type) {
		case *Text:
			h.detached = true
		case *Map:
			h.detached = true
		case *List:
			h.detached = true
		}
	}
	return c
}

func liveKeys(mp *mapState) []string {
	keys := make([]string, 0, len(mp.entries))
	for k, e := range mp.entries {
		if !e.value.IsNull() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
