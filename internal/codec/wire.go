package codec

import (
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/types"
)

// Message layouts, in protobuf wire format:
//
//	VersionVector  { repeated Entry entries = 1 }
//	Entry          { fixed64 peer = 1; uint32 counter = 2 }
//	ContainerRef   { uint32 type = 1; string name = 2; fixed64 peer = 3; uint32 counter = 4 }
//	OpID           { fixed64 peer = 1; uint32 counter = 2 }
//	IDSpan         { fixed64 peer = 1; uint32 counter = 2; uint32 len = 3 }
//	Anchor         { uint32 kind = 1; OpID id = 2 }
//	Value          { uint32 kind = 1; bool b = 2; fixed64 num = 3; string str = 4; ContainerRef container = 5 }
//	Change         { OpID id = 1; uint32 lamport = 2; ContainerRef container = 3; uint32 kind = 4;
//	                 OpID origin_left = 5; OpID origin_right = 6; string text = 7;
//	                 repeated Value values = 8; repeated IDSpan targets = 9; string key = 10;
//	                 Value value = 11; Anchor start = 12; Anchor end = 13 }
//	ContainerTable { ContainerRef id = 1; repeated Change changes = 2 }
//	Snapshot       { VersionVector version = 1; repeated ContainerTable containers = 2 }
//	Updates        { VersionVector from = 1; VersionVector to = 2; repeated Change changes = 3;
//	                 repeated ContainerRef roots = 4 }
//
// Changes inside a ContainerTable omit their container field. Zero values
// are omitted and unknown fields are skipped.

type encoder struct {
	buf []byte
}

func (e *encoder) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *encoder) fixed64(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, v)
}

func (e *encoder) str(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

// message appends a nested message. Empty messages are still written so
// repeated fields keep their cardinality.
func (e *encoder) message(num protowire.Number, fn func(*encoder)) {
	var sub encoder
	fn(&sub)
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, sub.buf)
}

func (e *encoder) versionVector(vv types.VersionVector) {
	peers := make([]types.PeerID, 0, len(vv))
	for p, c := range vv {
		if c > 0 {
			peers = append(peers, p)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, p := range peers {
		e.message(1, func(sub *encoder) {
			sub.fixed64(1, uint64(p))
			sub.varint(2, uint64(vv[p]))
		})
	}
}

func (e *encoder) containerRef(id crdt.ContainerID) {
	e.varint(1, uint64(id.Type))
	e.str(2, id.Name)
	e.fixed64(3, uint64(id.Peer))
	e.varint(4, uint64(id.Counter))
}

func (e *encoder) opID(id types.OpID) {
	e.fixed64(1, uint64(id.Peer))
	e.varint(2, uint64(id.Counter))
}

func (e *encoder) anchor(a crdt.Anchor) {
	e.varint(1, uint64(a.Kind))
	if a.Kind == crdt.AnchorBefore || a.Kind == crdt.AnchorAfter {
		e.message(2, func(sub *encoder) { sub.opID(a.ID) })
	}
}

func (e *encoder) value(v crdt.Value) {
	e.varint(1, uint64(v.Kind()))
	switch v.Kind() {
	case crdt.KindBool:
		if b, _ := v.AsBool(); b {
			e.varint(2, 1)
		}
	case crdt.KindNumber:
		n, _ := v.AsNumber()
		e.fixed64(3, math.Float64bits(n))
	case crdt.KindString:
		s, _ := v.AsString()
		e.str(4, s)
	case crdt.KindContainer:
		id, _ := v.AsContainer()
		e.message(5, func(sub *encoder) { sub.containerRef(id) })
	}
}

func (e *encoder) change(c *crdt.Change, withContainer bool) {
	e.message(1, func(sub *encoder) { sub.opID(c.ID) })
	e.varint(2, uint64(c.Lamport))
	if withContainer {
		e.message(3, func(sub *encoder) { sub.containerRef(c.Container) })
	}
	e.varint(4, uint64(c.Kind))
	if c.OriginLeft != nil {
		e.message(5, func(sub *encoder) { sub.opID(*c.OriginLeft) })
	}
	if c.OriginRight != nil {
		e.message(6, func(sub *encoder) { sub.opID(*c.OriginRight) })
	}
	e.str(7, c.Text)
	for _, v := range c.Values {
		e.message(8, func(sub *encoder) { sub.value(v) })
	}
	for _, t := range c.Targets {
		e.message(9, func(sub *encoder) {
			sub.fixed64(1, uint64(t.Peer))
			sub.varint(2, uint64(t.Counter))
			sub.varint(3, uint64(t.Len))
		})
	}
	e.str(10, c.Key)
	switch c.Kind {
	case crdt.ChangeMark, crdt.ChangeMapSet:
		e.message(11, func(sub *encoder) { sub.value(c.Value) })
	}
	if c.Kind == crdt.ChangeMark {
		e.message(12, func(sub *encoder) { sub.anchor(c.Start) })
		e.message(13, func(sub *encoder) { sub.anchor(c.End) })
	}
}

func encodeSnapshot(s crdt.StateSnapshot) []byte {
	var e encoder
	e.message(1, func(sub *encoder) { sub.versionVector(s.Version) })
	for _, st := range s.Containers {
		e.message(2, func(sub *encoder) {
			sub.message(1, func(ref *encoder) { ref.containerRef(st.ID) })
			for i := range st.Changes {
				sub.message(2, func(ch *encoder) { ch.change(&st.Changes[i], false) })
			}
		})
	}
	return e.buf
}

func encodeUpdates(cs crdt.ChangeSet) []byte {
	var e encoder
	e.message(1, func(sub *encoder) { sub.versionVector(cs.From) })
	e.message(2, func(sub *encoder) { sub.versionVector(cs.To) })
	for i := range cs.Changes {
		e.message(3, func(sub *encoder) { sub.change(&cs.Changes[i], true) })
	}
	for _, id := range cs.Containers {
		e.message(4, func(sub *encoder) { sub.containerRef(id) })
	}
	return e.buf
}

type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	b   []byte
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptData, fmt.Sprintf(format, args...))
}

// fields walks the fields of a message.
func fields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return corrupt("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return corrupt("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) want(typ protowire.Type) error {
	if f.typ != typ {
		return corrupt("field %d has wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) uint32() (uint32, error) {
	if err := f.want(protowire.VarintType); err != nil {
		return 0, err
	}
	if f.v > math.MaxUint32 {
		return 0, corrupt("field %d overflows uint32", f.num)
	}
	return uint32(f.v), nil
}

func (f field) fixed() (uint64, error) {
	if err := f.want(protowire.Fixed64Type); err != nil {
		return 0, err
	}
	return f.v, nil
}

func (f field) bytes() ([]byte, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return nil, err
	}
	return f.b, nil
}

func (f field) str() (string, error) {
	b, err := f.bytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", corrupt("field %d is not valid UTF-8", f.num)
	}
	return string(b), nil
}

func decodeVersionVector(b []byte) (types.VersionVector, error) {
	vv := make(types.VersionVector)
	err := fields(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		entry, err := f.bytes()
		if err != nil {
			return err
		}
		var (
			peer    uint64
			counter uint32
		)
		err = fields(entry, func(g field) error {
			var err error
			switch g.num {
			case 1:
				peer, err = g.fixed()
			case 2:
				counter, err = g.uint32()
			}
			return err
		})
		if err != nil {
			return err
		}
		vv.Extend(types.PeerID(peer), counter)
		return nil
	})
	return vv, err
}

func decodeContainerRef(b []byte) (crdt.ContainerID, error) {
	var (
		id  crdt.ContainerID
		typ uint32
	)
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			typ, err = f.uint32()
		case 2:
			id.Name, err = f.str()
		case 3:
			var p uint64
			p, err = f.fixed()
			id.Peer = types.PeerID(p)
		case 4:
			id.Counter, err = f.uint32()
		}
		return err
	})
	if err != nil {
		return crdt.ContainerID{}, err
	}
	id.Type = crdt.ContainerType(typ)
	if typ > math.MaxUint8 || !id.Type.Valid() {
		return crdt.ContainerID{}, corrupt("unknown container type %d", typ)
	}
	return id, nil
}

func decodeOpID(b []byte) (types.OpID, error) {
	var id types.OpID
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var p uint64
			p, err = f.fixed()
			id.Peer = types.PeerID(p)
		case 2:
			id.Counter, err = f.uint32()
		}
		return err
	})
	return id, err
}

func decodeSpan(b []byte) (crdt.IDSpan, error) {
	var s crdt.IDSpan
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var p uint64
			p, err = f.fixed()
			s.Peer = types.PeerID(p)
		case 2:
			s.Counter, err = f.uint32()
		case 3:
			s.Len, err = f.uint32()
		}
		return err
	})
	return s, err
}

func decodeAnchor(b []byte) (crdt.Anchor, error) {
	var (
		a    crdt.Anchor
		kind uint32
	)
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			kind, err = f.uint32()
		case 2:
			var sub []byte
			if sub, err = f.bytes(); err == nil {
				a.ID, err = decodeOpID(sub)
			}
		}
		return err
	})
	if err != nil {
		return crdt.Anchor{}, err
	}
	if kind > uint32(crdt.AnchorAfter) {
		return crdt.Anchor{}, corrupt("unknown anchor kind %d", kind)
	}
	a.Kind = crdt.AnchorKind(kind)
	return a, nil
}

func decodeValue(b []byte) (crdt.Value, error) {
	var (
		kind uint32
		bit  uint32
		num  uint64
		s    string
		ref  crdt.ContainerID
	)
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			kind, err = f.uint32()
		case 2:
			bit, err = f.uint32()
		case 3:
			num, err = f.fixed()
		case 4:
			s, err = f.str()
		case 5:
			var sub []byte
			if sub, err = f.bytes(); err == nil {
				ref, err = decodeContainerRef(sub)
			}
		}
		return err
	})
	if err != nil {
		return crdt.Value{}, err
	}
	switch crdt.ValueKind(kind) {
	case crdt.KindNull:
		return crdt.Null(), nil
	case crdt.KindBool:
		return crdt.Bool(bit != 0), nil
	case crdt.KindNumber:
		return crdt.Number(math.Float64frombits(num)), nil
	case crdt.KindString:
		return crdt.String(s), nil
	case crdt.KindContainer:
		if !ref.Type.Valid() {
			return crdt.Value{}, corrupt("container value without a container")
		}
		return crdt.ContainerValue(ref), nil
	default:
		return crdt.Value{}, corrupt("unknown value kind %d", kind)
	}
}

func decodeChange(b []byte, container *crdt.ContainerID) (crdt.Change, error) {
	var (
		c    crdt.Change
		kind uint32
		set  bool
	)
	if container != nil {
		c.Container = *container
		set = true
	}
	err := fields(b, func(f field) error {
		if f.num == 2 {
			var err error
			c.Lamport, err = f.uint32()
			return err
		}
		if f.num == 4 {
			var err error
			kind, err = f.uint32()
			return err
		}
		if f.num < 1 || f.num > 13 {
			return nil
		}
		if f.num == 7 || f.num == 10 {
			s, err := f.str()
			if f.num == 7 {
				c.Text = s
			} else {
				c.Key = s
			}
			return err
		}
		sub, err := f.bytes()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			c.ID, err = decodeOpID(sub)
		case 3:
			if container == nil {
				c.Container, err = decodeContainerRef(sub)
				set = err == nil
			}
		case 5, 6:
			var id types.OpID
			if id, err = decodeOpID(sub); err == nil {
				if f.num == 5 {
					c.OriginLeft = &id
				} else {
					c.OriginRight = &id
				}
			}
		case 8:
			var v crdt.Value
			if v, err = decodeValue(sub); err == nil {
				c.Values = append(c.Values, v)
			}
		case 9:
			var s crdt.IDSpan
			if s, err = decodeSpan(sub); err == nil {
				c.Targets = append(c.Targets, s)
			}
		case 11:
			c.Value, err = decodeValue(sub)
		case 12:
			c.Start, err = decodeAnchor(sub)
		case 13:
			c.End, err = decodeAnchor(sub)
		}
		return err
	})
	if err != nil {
		return crdt.Change{}, err
	}
	if !set {
		return crdt.Change{}, corrupt("change %s has no container", c.ID)
	}
	if kind < uint32(crdt.ChangeInsert) || kind > uint32(crdt.ChangeMapSet) {
		return crdt.Change{}, corrupt("change %s has unknown kind %d", c.ID, kind)
	}
	c.Kind = crdt.ChangeKind(kind)
	return c, nil
}

func decodeSnapshot(b []byte) (crdt.StateSnapshot, error) {
	s := crdt.StateSnapshot{Version: types.VersionVector{}}
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			sub, err := f.bytes()
			if err != nil {
				return err
			}
			s.Version, err = decodeVersionVector(sub)
			return err
		case 2:
			sub, err := f.bytes()
			if err != nil {
				return err
			}
			st, err := decodeTable(sub)
			if err != nil {
				return err
			}
			s.Containers = append(s.Containers, st)
		}
		return nil
	})
	return s, err
}

func decodeTable(b []byte) (crdt.ContainerState, error) {
	var (
		st      crdt.ContainerState
		hasID   bool
		changes [][]byte
	)
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			sub, err := f.bytes()
			if err != nil {
				return err
			}
			st.ID, err = decodeContainerRef(sub)
			hasID = err == nil
			return err
		case 2:
			sub, err := f.bytes()
			if err != nil {
				return err
			}
			changes = append(changes, sub)
		}
		return nil
	})
	if err != nil {
		return crdt.ContainerState{}, err
	}
	if !hasID {
		return crdt.ContainerState{}, corrupt("container table without an id")
	}
	for _, raw := range changes {
		c, err := decodeChange(raw, &st.ID)
		if err != nil {
			return crdt.ContainerState{}, err
		}
		st.Changes = append(st.Changes, c)
	}
	return st, nil
}

func decodeUpdates(b []byte) (crdt.ChangeSet, error) {
	cs := crdt.ChangeSet{From: types.VersionVector{}, To: types.VersionVector{}}
	err := fields(b, func(f field) error {
		if f.num < 1 || f.num > 4 {
			return nil
		}
		sub, err := f.bytes()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			cs.From, err = decodeVersionVector(sub)
		case 2:
			cs.To, err = decodeVersionVector(sub)
		case 3:
			var c crdt.Change
			if c, err = decodeChange(sub, nil); err == nil {
				cs.Changes = append(cs.Changes, c)
			}
		case 4:
			var id crdt.ContainerID
			if id, err = decodeContainerRef(sub); err == nil {
				cs.Containers = append(cs.Containers, id)
			}
		}
		return err
	})
	return cs, err
}
