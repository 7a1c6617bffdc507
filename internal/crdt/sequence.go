package crdt

import (
	"sort"

	"github.com/example/richtext-sync/internal/types"
)

// item is an immutable insertion span. Element j of the span has id
// id.Inc(j), Lamport time lamport+j, left origin id.Inc(j-1) (originLeft for
// j == 0) and right origin originRight. Deleted spans are retained as
// tombstones so later inserts can still be positioned against them.
type item[T any] struct {
	id          types.OpID
	lamport     uint32
	originLeft  *types.OpID
	originRight *types.OpID
	content     []T

	deleted        bool
	deletedBy      types.OpID
	deletedLamport uint32
}

func (it *item[T]) length() int { return len(it.content) }

func (it *item[T]) end() uint32 { return it.id.Counter + uint32(len(it.content)) }

func (it *item[T]) lastID() types.OpID { return it.id.Inc(uint32(len(it.content) - 1)) }

func (it *item[T]) contains(id types.OpID) bool {
	return id.Peer == it.id.Peer && id.Counter >= it.id.Counter && id.Counter < it.end()
}

// sequence keeps items in document order and indexes them by peer so any
// element id can be resolved to its span.
type sequence[T any] struct {
	items  []*item[T]
	byPeer map[types.PeerID][]*item[T]

	index map[*item[T]]int
	dirty bool
}

func newSequence[T any]() *sequence[T] {
	return &sequence[T]{
		byPeer: make(map[types.PeerID][]*item[T]),
		index:  make(map[*item[T]]int),
	}
}

// find returns the span containing id, or nil.
func (s *sequence[T]) find(id types.OpID) *item[T] {
	list := s.byPeer[id.Peer]
	i := sort.Search(len(list), func(i int) bool { return list[i].end() > id.Counter })
	if i < len(list) && list[i].id.Counter <= id.Counter {
		return list[i]
	}
	return nil
}

func (s *sequence[T]) has(id types.OpID) bool { return s.find(id) != nil }

func (s *sequence[T]) indexOf(it *item[T]) int {
	if s.dirty {
		clear(s.index)
		for i, x := range s.items {
			s.index[x] = i
		}
		s.dirty = false
	}
	return s.index[it]
}

func (s *sequence[T]) insertAt(idx int, it *item[T]) {
	s.items = append(s.items, nil)
	copy(s.items[idx+1:], s.items[idx:])
	s.items[idx] = it
	s.dirty = true
}

func (s *sequence[T]) addToPeer(it *item[T]) {
	list := s.byPeer[it.id.Peer]
	i := sort.Search(len(list), func(i int) bool { return list[i].id.Counter > it.id.Counter })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = it
	s.byPeer[it.id.Peer] = list
}

// split cuts it at offset and returns the right half, which is placed
// directly after it.
func (s *sequence[T]) split(it *item[T], offset int) *item[T] {
	left := it.id.Inc(uint32(offset - 1))
	right := &item[T]{
		id:             it.id.Inc(uint32(offset)),
		lamport:        it.lamport + uint32(offset),
		originLeft:     &left,
		originRight:    it.originRight,
		content:        append([]T(nil), it.content[offset:]...),
		deleted:        it.deleted,
		deletedBy:      it.deletedBy,
		deletedLamport: it.deletedLamport,
	}
	it.content = it.content[:offset:offset]
	s.insertAt(s.indexOf(it)+1, right)
	s.addToPeer(right)
	return right
}

// splitBefore ensures a span starts at id and returns it.
func (s *sequence[T]) splitBefore(id types.OpID) *item[T] {
	it := s.find(id)
	if off := int(id.Counter - it.id.Counter); off > 0 {
		return s.split(it, off)
	}
	return it
}

// splitAfter ensures a span ends at id and returns it.
func (s *sequence[T]) splitAfter(id types.OpID) *item[T] {
	it := s.find(id)
	if off := int(id.Counter-it.id.Counter) + 1; off < it.length() {
		s.split(it, off)
	}
	return it
}

func sameOrigin(a, b *types.OpID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// integrate places a new span between its origins. Concurrent spans that
// share a left origin are ordered by ascending peer id; spans anchored inside
// a concurrent span stay with it. Both origins must already be present.
func (s *sequence[T]) integrate(it *item[T]) {
	var left *item[T]
	if it.originLeft != nil {
		left = s.splitAfter(*it.originLeft)
	}
	var right *item[T]
	if it.originRight != nil {
		right = s.splitBefore(*it.originRight)
	}

	start := 0
	if left != nil {
		start = s.indexOf(left) + 1
	}
	stop := len(s.items)
	if right != nil {
		stop = s.indexOf(right)
	}

	before := make(map[*item[T]]bool)
	conflicting := make(map[*item[T]]bool)
	for i := start; i < stop; i++ {
		o := s.items[i]
		before[o] = true
		conflicting[o] = true
		if sameOrigin(o.originLeft, it.originLeft) {
			if o.id.Peer < it.id.Peer {
				left = o
				clear(conflicting)
			} else if sameOrigin(o.originRight, it.originRight) {
				break
			}
			continue
		}
		if o.originLeft != nil {
			if origin := s.find(*o.originLeft); before[origin] {
				if !conflicting[origin] {
					left = o
					clear(conflicting)
				}
				continue
			}
		}
		break
	}

	pos := 0
	if left != nil {
		pos = s.indexOf(left) + 1
	}
	s.insertAt(pos, it)
	s.addToPeer(it)
}

// tryExtend appends content to the span ending at originLeft when the new
// elements continue it exactly, which keeps local typing runs in one span.
func (s *sequence[T]) tryExtend(id types.OpID, lamport uint32, originLeft, originRight *types.OpID, content []T) bool {
	if originLeft == nil {
		return false
	}
	it := s.find(*originLeft)
	if it == nil || it.deleted || it.id.Peer != id.Peer || it.end() != id.Counter {
		return false
	}
	if it.lastID() != *originLeft || it.lamport+uint32(it.length()) != lamport {
		return false
	}
	if !sameOrigin(it.originRight, originRight) {
		return false
	}
	it.content = append(it.content, content...)
	return true
}

// visibleLen returns the number of live elements.
func (s *sequence[T]) visibleLen() int {
	n := 0
	for _, it := range s.items {
		if !it.deleted {
			n += it.length()
		}
	}
	return n
}

// locate returns the span index and offset of the live element at pos.
func (s *sequence[T]) locate(pos int) (int, int, bool) {
	for i, it := range s.items {
		if it.deleted {
			continue
		}
		if pos < it.length() {
			return i, pos, true
		}
		pos -= it.length()
	}
	return 0, 0, false
}

// idAt returns the id of the live element at pos.
func (s *sequence[T]) idAt(pos int) types.OpID {
	i, off, _ := s.locate(pos)
	return s.items[i].id.Inc(uint32(off))
}

// originsAt returns the origins for an insert at live position pos: the
// element before pos and whatever directly follows it, tombstones included.
func (s *sequence[T]) originsAt(pos int) (*types.OpID, *types.OpID) {
	if pos == 0 {
		if len(s.items) == 0 {
			return nil, nil
		}
		right := s.items[0].id
		return nil, &right
	}
	i, off, _ := s.locate(pos - 1)
	it := s.items[i]
	left := it.id.Inc(uint32(off))
	if off+1 < it.length() {
		right := it.id.Inc(uint32(off + 1))
		return &left, &right
	}
	if i+1 < len(s.items) {
		right := s.items[i+1].id
		return &left, &right
	}
	return &left, nil
}

// liveSpans returns the id ranges of n live elements starting at pos.
func (s *sequence[T]) liveSpans(pos, n int) []IDSpan {
	var out []IDSpan
	for _, it := range s.items {
		if n == 0 {
			break
		}
		if it.deleted {
			continue
		}
		if pos >= it.length() {
			pos -= it.length()
			continue
		}
		take := it.length() - pos
		if take > n {
			take = n
		}
		out = appendSpan(out, IDSpan{Peer: it.id.Peer, Counter: it.id.Counter + uint32(pos), Len: uint32(take)})
		n -= take
		pos = 0
	}
	return out
}

// liveContent returns n live elements starting at pos.
func (s *sequence[T]) liveContent(pos, n int) []T {
	out := make([]T, 0, n)
	for _, it := range s.items {
		if len(out) == n {
			break
		}
		if it.deleted {
			continue
		}
		if pos >= it.length() {
			pos -= it.length()
			continue
		}
		take := it.length() - pos
		if take > n-len(out) {
			take = n - len(out)
		}
		out = append(out, it.content[pos:pos+take]...)
		pos = 0
	}
	return out
}

// values returns every live element in document order.
func (s *sequence[T]) values() []T {
	var out []T
	for _, it := range s.items {
		if !it.deleted {
			out = append(out, it.content...)
		}
	}
	return out
}

// deleteSpan tombstones the elements of span. An element deleted by several
// concurrent ops records the earliest of them, so converged replicas agree.
func (s *sequence[T]) deleteSpan(span IDSpan, by types.OpID, lamport uint32) {
	id := types.OpID{Peer: span.Peer, Counter: span.Counter}
	remaining := int(span.Len)
	for remaining > 0 {
		it := s.splitBefore(id)
		if it.length() > remaining {
			s.split(it, remaining)
		}
		if !it.deleted || later(it.deletedLamport, it.deletedBy, lamport, by) {
			it.deleted = true
			it.deletedBy = by
			it.deletedLamport = lamport
		}
		remaining -= it.length()
		id = id.Inc(uint32(it.length()))
	}
}

// covers reports whether every element of span is present.
func (s *sequence[T]) covers(span IDSpan) bool {
	id := types.OpID{Peer: span.Peer, Counter: span.Counter}
	end := span.Counter + span.Len
	for id.Counter < end {
		it := s.find(id)
		if it == nil {
			return false
		}
		id.Counter = it.end()
	}
	return true
}

// offsets maps each span to the document offset of its first element,
// tombstones included, and returns the total element count.
func (s *sequence[T]) offsets() (map[*item[T]]int, int) {
	out := make(map[*item[T]]int, len(s.items))
	n := 0
	for _, it := range s.items {
		out[it] = n
		n += it.length()
	}
	return out, n
}

func appendSpan(spans []IDSpan, next IDSpan) []IDSpan {
	if n := len(spans); n > 0 {
		last := &spans[n-1]
		if last.Peer == next.Peer && last.Counter+last.Len == next.Counter {
			last.Len += next.Len
			return spans
		}
	}
	return append(spans, next)
}

// visibleIndex returns the live position of id, or -1 when the element is
// deleted or unknown.
func (s *sequence[T]) visibleIndex(id types.OpID) int {
	pos := 0
	for _, it := range s.items {
		if it.contains(id) {
			if it.deleted {
				return -1
			}
			return pos + int(id.Counter-it.id.Counter)
		}
		if !it.deleted {
			pos += it.length()
		}
	}
	return -1
}
