package crdt

import (
	"strconv"
	"strings"

	"github.com/example/richtext-sync/internal/types"
)

// ContainerType is the variant tag of a container.
type ContainerType uint8

const (
	TypeText ContainerType = iota + 1
	TypeMap
	TypeList
)

func (t ContainerType) String() string {
	switch t {
	case TypeText:
		return "Text"
	case TypeMap:
		return "Map"
	case TypeList:
		return "List"
	default:
		return "Unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Valid reports whether t is a known container type.
func (t ContainerType) Valid() bool {
	return t >= TypeText && t <= TypeList
}

// ContainerID is the stable address of a container. Root containers are
// named; child containers are named by the op that created them.
type ContainerID struct {
	Name    string
	Peer    types.PeerID
	Counter uint32
	Type    ContainerType
}

// RootContainerID returns the id of the named root container.
func RootContainerID(name string, typ ContainerType) ContainerID {
	return ContainerID{Name: name, Type: typ}
}

// ChildContainerID returns the id of a container created by op.
func ChildContainerID(op types.OpID, typ ContainerType) ContainerID {
	return ContainerID{Peer: op.Peer, Counter: op.Counter, Type: typ}
}

// IsRoot reports whether the id names a root container.
func (id ContainerID) IsRoot() bool { return id.Name != "" }

// OpID returns the creating op of a child container.
func (id ContainerID) OpID() types.OpID {
	return types.OpID{Peer: id.Peer, Counter: id.Counter}
}

func (id ContainerID) String() string {
	var b strings.Builder
	b.WriteString("cid:")
	if id.IsRoot() {
		b.WriteString("root-")
		b.WriteString(id.Name)
	} else {
		b.WriteString(id.OpID().String())
	}
	b.WriteByte(':')
	b.WriteString(id.Type.String())
	return b.String()
}

// container is one slot of the document arena. Parent links are arena
// indices rather than pointers; -1 marks a root or an orphan.
type container struct {
	id         ContainerID
	parent     int
	parentKey  string
	parentElem types.OpID

	text *textState
	mp   *mapState
	list *listState
}

func newContainer(id ContainerID) *container {
	c := &container{id: id, parent: -1}
	switch id.Type {
	case TypeText:
		c.text = &textState{seq: newSequence[rune]()}
	case TypeMap:
		c.mp = &mapState{entries: make(map[string]*mapEntry)}
	case TypeList:
		c.list = &listState{seq: newSequence[Value]()}
	}
	return c
}

type listState struct {
	seq *sequence[Value]
}

type mapEntry struct {
	id      types.OpID
	lamport uint32
	value   Value
}

type mapState struct {
	entries map[string]*mapEntry
}

// beatenBy reports whether a write stamped (lamport, id) wins over the entry.
func (e *mapEntry) beatenBy(lamport uint32, id types.OpID) bool {
	return later(lamport, id, e.lamport, e.id)
}

// later orders two stamped ops by Lamport time, breaking ties with the peer
// id and then the counter.
func later(lamport uint32, id types.OpID, otherLamport uint32, other types.OpID) bool {
	if lamport != otherLamport {
		return lamport > otherLamport
	}
	if id.Peer != other.Peer {
		return id.Peer > other.Peer
	}
	return id.Counter > other.Counter
}
