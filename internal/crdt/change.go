package crdt

import (
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/example/richtext-sync/internal/types"
)

// ChangeKind tags a change.
type ChangeKind uint8

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeDelete
	ChangeMark
	ChangeMapSet
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeDelete:
		return "delete"
	case ChangeMark:
		return "mark"
	case ChangeMapSet:
		return "map-set"
	default:
		return fmt.Sprintf("change(%d)", uint8(k))
	}
}

// IDSpan is a run of consecutive ids of one peer.
type IDSpan struct {
	Peer    types.PeerID
	Counter uint32
	Len     uint32
}

// Change is one operation against a container. Which fields are used
// depends on Kind:
//
//	Insert  OriginLeft, OriginRight, Text (text) or Values (list)
//	Delete  Targets
//	Mark    Key, Value, Start, End
//	MapSet  Key, Value
//
// An insert of n elements occupies ids ID..ID+n-1 and Lamport times
// Lamport..Lamport+n-1; every other change occupies a single id.
type Change struct {
	ID        types.OpID
	Lamport   uint32
	Container ContainerID
	Kind      ChangeKind

	OriginLeft  *types.OpID
	OriginRight *types.OpID
	Text        string
	Values      []Value

	Targets []IDSpan

	Key   string
	Value Value
	Start Anchor
	End   Anchor
}

// Len returns the number of ids the change occupies.
func (c *Change) Len() uint32 {
	if c.Kind != ChangeInsert {
		return 1
	}
	if c.Container.Type == TypeText {
		return uint32(utf8.RuneCountInString(c.Text))
	}
	return uint32(len(c.Values))
}

// trim drops the first k elements of an insert.
func (c Change) trim(k uint32) Change {
	left := c.ID.Inc(k - 1)
	c.OriginLeft = &left
	c.ID = c.ID.Inc(k)
	c.Lamport += k
	if c.Container.Type == TypeText {
		c.Text = string([]rune(c.Text)[k:])
	} else {
		c.Values = append([]Value(nil), c.Values[k:]...)
	}
	return c
}

// ChangeSet carries every change a document knows beyond From. To is the
// exporter's version vector; Containers lists the root containers so empty
// roots survive a round trip.
type ChangeSet struct {
	From       types.VersionVector
	To         types.VersionVector
	Containers []ContainerID
	Changes    []Change
}

// ContainerState is the compacted history of one container.
type ContainerState struct {
	ID      ContainerID
	Changes []Change
}

// StateSnapshot is the compacted state of a whole document.
type StateSnapshot struct {
	Version    types.VersionVector
	Containers []ContainerState
}

// ChangeSet flattens the snapshot into a change set from the empty version.
func (s StateSnapshot) ChangeSet() ChangeSet {
	cs := ChangeSet{From: types.VersionVector{}, To: s.Version.Clone()}
	for _, st := range s.Containers {
		if st.ID.IsRoot() {
			cs.Containers = append(cs.Containers, st.ID)
		}
		cs.Changes = append(cs.Changes, st.Changes...)
	}
	sortChanges(cs.Changes)
	return cs
}

// ImportStatus reports the outcome of an import. Pending is set when the
// update was parked because the document lacks some of the history it
// builds on; it is applied automatically once that history arrives.
type ImportStatus struct {
	Applied int
	Pending bool
}

func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := &changes[i], &changes[j]
		if a.Lamport != b.Lamport {
			return a.Lamport < b.Lamport
		}
		return a.ID.Compare(b.ID) < 0
	})
}

// ExportChanges returns every change not covered by from. A nil from exports
// the whole history.
func (d *Doc) ExportChanges(from types.VersionVector) ChangeSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exportChanges(from)
}

// ExportSnapshot returns the compacted state of the document.
func (d *Doc) ExportSnapshot() StateSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := StateSnapshot{Version: d.vv.Clone()}
	for _, c := range d.containers {
		changes := d.containerChanges(c, nil)
		if len(changes) == 0 && !c.id.IsRoot() {
			continue
		}
		sortChanges(changes)
		s.Containers = append(s.Containers, ContainerState{ID: c.id, Changes: changes})
	}
	return s
}

// PendingUpdates returns the number of parked change sets. Parked sets older
// than the pending TTL are dropped first.
func (d *Doc) PendingUpdates() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expirePending(time.Now())
	return len(d.pending)
}

// History returns the version vector extended by the target version of every
// parked change set: everything this replica has applied or is holding.
func (d *Doc) History() types.VersionVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history()
}

func (d *Doc) history() types.VersionVector {
	out := d.vv.Clone()
	for _, p := range d.pending {
		out.Merge(p.cs.To)
	}
	return out
}

func (d *Doc) exportChanges(from types.VersionVector) ChangeSet {
	cs := ChangeSet{From: make(types.VersionVector), To: d.vv.Clone()}
	for peer, counter := range from {
		if known := d.vv[peer]; known < counter {
			counter = known
		}
		if counter > 0 {
			cs.From[peer] = counter
		}
	}
	for _, c := range d.containers {
		if c.id.IsRoot() {
			cs.Containers = append(cs.Containers, c.id)
		}
		cs.Changes = append(cs.Changes, d.containerChanges(c, cs.From)...)
	}
	sortChanges(cs.Changes)
	return cs
}

// containerChanges rebuilds the changes of c not covered by from from the
// current state. Superseded map writes are not retained and so never
// exported.
func (d *Doc) containerChanges(c *container, from types.VersionVector) []Change {
	var out []Change
	switch c.id.Type {
	case TypeText:
		for _, r := range sequenceRows(c.text.seq, from) {
			out = append(out, Change{
				ID: r.id, Lamport: r.lamport, Container: c.id, Kind: ChangeInsert,
				OriginLeft: r.left, OriginRight: r.right, Text: string(r.content),
			})
		}
		out = append(out, sequenceDeletes(c.text.seq, c.id, from)...)
		for _, m := range c.text.marks {
			if from.Includes(m.id) {
				continue
			}
			out = append(out, Change{
				ID: m.id, Lamport: m.lamport, Container: c.id, Kind: ChangeMark,
				Key: m.key, Value: m.value, Start: m.start, End: m.end,
			})
		}
	case TypeList:
		for _, r := range sequenceRows(c.list.seq, from) {
			out = append(out, Change{
				ID: r.id, Lamport: r.lamport, Container: c.id, Kind: ChangeInsert,
				OriginLeft: r.left, OriginRight: r.right, Values: r.content,
			})
		}
		out = append(out, sequenceDeletes(c.list.seq, c.id, from)...)
	case TypeMap:
		keys := make([]string, 0, len(c.mp.entries))
		for k := range c.mp.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e := c.mp.entries[k]
			if from.Includes(e.id) {
				continue
			}
			out = append(out, Change{
				ID: e.id, Lamport: e.lamport, Container: c.id, Kind: ChangeMapSet,
				Key: k, Value: e.value,
			})
		}
	}
	return out
}

type row[T any] struct {
	id          types.OpID
	lamport     uint32
	left, right *types.OpID
	content     []T
}

// sequenceRows returns the insert rows not covered by from, in document
// order. Neighbouring spans that were split from one insert are merged back.
func sequenceRows[T any](s *sequence[T], from types.VersionVector) []row[T] {
	var rows []row[T]
	extendable := false
	for _, it := range s.items {
		skip := 0
		if known := from[it.id.Peer]; known > it.id.Counter {
			skip = int(known - it.id.Counter)
		}
		if skip >= it.length() {
			extendable = false
			continue
		}
		id := it.id.Inc(uint32(skip))
		lamport := it.lamport + uint32(skip)
		left := it.originLeft
		if skip > 0 {
			l := it.id.Inc(uint32(skip - 1))
			left = &l
		}
		if n := len(rows); extendable && n > 0 {
			last := &rows[n-1]
			size := uint32(len(last.content))
			if last.id.Peer == id.Peer && last.id.Counter+size == id.Counter &&
				last.lamport+size == lamport && left != nil && *left == last.id.Inc(size-1) &&
				sameOrigin(last.right, it.originRight) {
				last.content = append(last.content, it.content[skip:]...)
				continue
			}
		}
		rows = append(rows, row[T]{
			id: id, lamport: lamport, left: left, right: it.originRight,
			content: append([]T(nil), it.content[skip:]...),
		})
		extendable = true
	}
	return rows
}

// sequenceDeletes groups tombstones by the op that deleted them.
func sequenceDeletes[T any](s *sequence[T], cid ContainerID, from types.VersionVector) []Change {
	var out []Change
	byOp := make(map[types.OpID]int)
	for _, it := range s.items {
		if !it.deleted || from.Includes(it.deletedBy) {
			continue
		}
		i, ok := byOp[it.deletedBy]
		if !ok {
			i = len(out)
			byOp[it.deletedBy] = i
			out = append(out, Change{
				ID: it.deletedBy, Lamport: it.deletedLamport, Container: cid, Kind: ChangeDelete,
			})
		}
		out[i].Targets = appendSpan(out[i].Targets, IDSpan{Peer: it.id.Peer, Counter: it.id.Counter, Len: uint32(it.length())})
	}
	return out
}

// ImportSnapshot merges a compacted snapshot.
func (d *Doc) ImportSnapshot(s StateSnapshot) (ImportStatus, error) {
	return d.ImportChanges(s.ChangeSet())
}

// ImportChanges merges a change set. Changes already known are skipped, so
// importing the same set twice has no further effect. A set that builds on
// unknown history is parked until that history is imported. On error the
// document is unchanged.
func (d *Doc) ImportChanges(cs ChangeSet) (ImportStatus, error) {
	return d.importChanges(cs, false)
}

// ImportKnown is ImportChanges for a peer that can only have learned about
// history through this replica. A set whose From reaches past everything
// applied or parked here fails with ErrUnknownHistory instead of being
// parked.
func (d *Doc) ImportKnown(cs ChangeSet) (ImportStatus, error) {
	return d.importChanges(cs, true)
}

func (d *Doc) importChanges(cs ChangeSet, known bool) (ImportStatus, error) {
	if err := cs.validate(); err != nil {
		return ImportStatus{}, err
	}
	status, ev, err := d.importLocked(cs, known)
	if err != nil {
		return ImportStatus{}, err
	}
	d.emit(ev)
	return status, nil
}

func (d *Doc) importLocked(cs ChangeSet, known bool) (ImportStatus, *Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.expirePending(now)
	if !d.vv.Dominates(cs.From) {
		if known && !d.history().Dominates(cs.From) {
			return ImportStatus{}, nil, fmt.Errorf("%w: update starts at %v", ErrUnknownHistory, cs.From)
		}
		if len(d.pending) >= d.pendingLimit {
			return ImportStatus{}, nil, fmt.Errorf("%w: %d updates parked", ErrPendingLimit, len(d.pending))
		}
		d.pending = append(d.pending, parked{cs: cs, at: now})
		d.log.Debug().
			Int("changes", len(cs.Changes)).
			Int("pending", len(d.pending)).
			Msg("parked update with missing dependencies")
		return ImportStatus{Pending: true}, nil, nil
	}
	changes, err := d.plan(cs)
	if err != nil {
		return ImportStatus{}, nil, err
	}
	rec := d.record(TriggerImport)
	applied := d.applyAll(cs, changes, rec)
	applied += d.drainPending(rec)
	return ImportStatus{Applied: applied}, rec.finish(d), nil
}

// expirePending drops parked sets older than the pending TTL.
func (d *Doc) expirePending(now time.Time) {
	if d.pendingTTL <= 0 || len(d.pending) == 0 {
		return
	}
	kept := d.pending[:0]
	for _, p := range d.pending {
		if now.Sub(p.at) < d.pendingTTL {
			kept = append(kept, p)
			continue
		}
		d.log.Warn().
			Int("changes", len(p.cs.Changes)).
			Dur("age", now.Sub(p.at)).
			Msg("dropping parked update whose history never arrived")
	}
	clear(d.pending[len(kept):])
	d.pending = kept
}

func (d *Doc) drainPending(rec *recorder) int {
	applied := 0
	for progress := true; progress; {
		progress = false
		for i, p := range d.pending {
			if !d.vv.Dominates(p.cs.From) {
				continue
			}
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			progress = true
			changes, err := d.plan(p.cs)
			if err != nil {
				d.log.Warn().Err(err).Msg("dropping pending update")
				break
			}
			applied += d.applyAll(p.cs, changes, rec)
			d.log.Debug().Int("pending", len(d.pending)).Msg("applied parked update")
			break
		}
	}
	return applied
}

// plan returns the changes of cs that apply will merge, in application
// order, with partly known inserts trimmed to their unknown tail. It checks
// that no two changes of the set claim the same id and that every id a
// surviving change references exists locally or is created earlier in the
// set, so apply never meets a missing element.
func (d *Doc) plan(cs ChangeSet) ([]Change, error) {
	changes := append([]Change(nil), cs.Changes...)
	sortChanges(changes)
	if err := checkDisjoint(changes); err != nil {
		return nil, err
	}

	seen := d.vv.Clone()
	incoming := make(map[ContainerID][]IDSpan)
	exists := func(cid ContainerID, span IDSpan) bool {
		var seqFind func(types.OpID) uint32
		if c, ok := d.lookup(cid); ok {
			switch cid.Type {
			case TypeText:
				seqFind = func(id types.OpID) uint32 {
					if it := c.text.seq.find(id); it != nil {
						return it.end()
					}
					return 0
				}
			case TypeList:
				seqFind = func(id types.OpID) uint32 {
					if it := c.list.seq.find(id); it != nil {
						return it.end()
					}
					return 0
				}
			}
		}
		id := types.OpID{Peer: span.Peer, Counter: span.Counter}
		end := span.Counter + span.Len
	next:
		for id.Counter < end {
			if seqFind != nil {
				if e := seqFind(id); e > 0 {
					id.Counter = e
					continue
				}
			}
			for _, in := range incoming[cid] {
				if in.Peer == id.Peer && in.Counter <= id.Counter && id.Counter < in.Counter+in.Len {
					id.Counter = in.Counter + in.Len
					continue next
				}
			}
			return false
		}
		return true
	}
	one := func(cid ContainerID, id types.OpID) bool {
		return exists(cid, IDSpan{Peer: id.Peer, Counter: id.Counter, Len: 1})
	}

	out := changes[:0]
	for _, c := range changes {
		n := c.Len()
		if seen.Includes(c.ID.Inc(n - 1)) {
			continue
		}
		if k := seen[c.ID.Peer]; k > c.ID.Counter {
			if c.Kind != ChangeInsert {
				return nil, fmt.Errorf("%w: %s %s is partly known", ErrCorruptData, c.Kind, c.ID)
			}
			c = c.trim(k - c.ID.Counter)
			n = c.Len()
		}

		switch c.Kind {
		case ChangeInsert:
			if (c.OriginLeft != nil && !one(c.Container, *c.OriginLeft)) ||
				(c.OriginRight != nil && !one(c.Container, *c.OriginRight)) {
				return nil, fmt.Errorf("%w: insert %s references an unknown origin", ErrCorruptData, c.ID)
			}
			incoming[c.Container] = append(incoming[c.Container], IDSpan{Peer: c.ID.Peer, Counter: c.ID.Counter, Len: n})
		case ChangeDelete:
			for _, t := range c.Targets {
				if !exists(c.Container, t) {
					return nil, fmt.Errorf("%w: delete %s references unknown elements", ErrCorruptData, c.ID)
				}
			}
		case ChangeMark:
			for _, a := range []Anchor{c.Start, c.End} {
				if a.hasID() && !one(c.Container, a.ID) {
					return nil, fmt.Errorf("%w: mark %s references an unknown element", ErrCorruptData, c.ID)
				}
			}
		}
		seen.Extend(c.ID.Peer, c.ID.Counter+n)
		out = append(out, c)
	}
	return out, nil
}

// checkDisjoint rejects a set in which two changes occupy the same id.
func checkDisjoint(changes []Change) error {
	spans := make([]IDSpan, len(changes))
	for i := range changes {
		spans[i] = IDSpan{Peer: changes[i].ID.Peer, Counter: changes[i].ID.Counter, Len: changes[i].Len()}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Peer != spans[j].Peer {
			return spans[i].Peer < spans[j].Peer
		}
		return spans[i].Counter < spans[j].Counter
	})
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if prev.Peer == cur.Peer && uint64(prev.Counter)+uint64(prev.Len) > uint64(cur.Counter) {
			return fmt.Errorf("%w: id %d@%d is claimed twice", ErrCorruptData, cur.Counter, cur.Peer)
		}
	}
	return nil
}

func (d *Doc) applyAll(cs ChangeSet, changes []Change, rec *recorder) int {
	for _, id := range cs.Containers {
		d.container(id)
	}
	applied := 0
	for _, c := range changes {
		if d.apply(c, rec) {
			applied++
		}
	}
	d.vv.Merge(cs.To)
	return applied
}

// apply merges one change. It reports false when the change was already
// known.
func (d *Doc) apply(c Change, rec *recorder) bool {
	n := c.Len()
	if d.vv.Includes(c.ID.Inc(n - 1)) {
		return false
	}
	if known := d.vv[c.ID.Peer]; c.Kind == ChangeInsert && known > c.ID.Counter {
		c = c.trim(known - c.ID.Counter)
		n = c.Len()
	}

	target := d.container(c.Container)
	idx := d.index[c.Container]
	rec.touch(d, idx)

	switch c.Kind {
	case ChangeInsert:
		if target.text != nil {
			target.text.seq.integrate(&item[rune]{
				id: c.ID, lamport: c.Lamport, originLeft: c.OriginLeft, originRight: c.OriginRight,
				content: []rune(c.Text),
			})
		} else {
			target.list.seq.integrate(&item[Value]{
				id: c.ID, lamport: c.Lamport, originLeft: c.OriginLeft, originRight: c.OriginRight,
				content: append([]Value(nil), c.Values...),
			})
			for j, v := range c.Values {
				if cid, ok := v.AsContainer(); ok {
					d.link(cid, idx, "", c.ID.Inc(uint32(j)))
				}
			}
		}
	case ChangeDelete:
		for _, t := range c.Targets {
			if target.text != nil {
				target.text.seq.deleteSpan(t, c.ID, c.Lamport)
			} else {
				target.list.seq.deleteSpan(t, c.ID, c.Lamport)
			}
		}
	case ChangeMark:
		target.text.addMark(&mark{
			id: c.ID, lamport: c.Lamport, key: c.Key, value: c.Value, start: c.Start, end: c.End,
		})
	case ChangeMapSet:
		if e := target.mp.entries[c.Key]; e == nil || e.beatenBy(c.Lamport, c.ID) {
			target.mp.entries[c.Key] = &mapEntry{id: c.ID, lamport: c.Lamport, value: c.Value}
		}
		if cid, ok := c.Value.AsContainer(); ok {
			d.link(cid, idx, c.Key, types.OpID{})
		}
	}
	d.observe(c.ID, c.Lamport, n)
	return true
}

// link creates the child container cid under the container at parent.
func (d *Doc) link(cid ContainerID, parent int, key string, elem types.OpID) *container {
	child := d.container(cid)
	child.parent = parent
	child.parentKey = key
	child.parentElem = elem
	return child
}

// validate checks the structure of a change set without consulting any
// document state.
func (cs ChangeSet) validate() error {
	for _, id := range cs.Containers {
		if !id.Type.Valid() {
			return fmt.Errorf("%w: container %s has an unknown type", ErrCorruptData, id)
		}
	}
	for i := range cs.Changes {
		if err := cs.Changes[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Change) validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s %s: %s", ErrCorruptData, c.Kind, c.ID, fmt.Sprintf(format, args...))
	}
	typ := c.Container.Type
	if !typ.Valid() {
		return bad("unknown container type %d", typ)
	}
	n := c.Len()
	if n == 0 {
		return bad("empty insert")
	}
	if uint64(c.ID.Counter)+uint64(n) > 1<<32-1 || uint64(c.Lamport)+uint64(n) > 1<<32-1 {
		return bad("counter overflow")
	}
	switch c.Kind {
	case ChangeInsert:
		switch typ {
		case TypeText:
			if len(c.Values) > 0 || !utf8.ValidString(c.Text) {
				return bad("malformed text insert")
			}
		case TypeList:
			if c.Text != "" {
				return bad("malformed list insert")
			}
			for j, v := range c.Values {
				if cid, ok := v.AsContainer(); ok && cid != ChildContainerID(c.ID.Inc(uint32(j)), cid.Type) {
					return bad("child container %s does not match its creating op", cid)
				}
				if cid, ok := v.AsContainer(); ok && !cid.Type.Valid() {
					return bad("child container has an unknown type")
				}
			}
		default:
			return bad("insert into %s", typ)
		}
	case ChangeDelete:
		if typ == TypeMap || len(c.Targets) == 0 {
			return bad("malformed delete")
		}
		for _, t := range c.Targets {
			if t.Len == 0 || uint64(t.Counter)+uint64(t.Len) > 1<<32-1 {
				return bad("malformed delete target")
			}
		}
	case ChangeMark:
		if typ != TypeText || c.Value.Kind() == KindContainer {
			return bad("malformed mark")
		}
		if c.Start.Kind > AnchorAfter || c.End.Kind > AnchorAfter {
			return bad("unknown anchor kind")
		}
	case ChangeMapSet:
		if typ != TypeMap {
			return bad("map set on %s", typ)
		}
		if cid, ok := c.Value.AsContainer(); ok {
			if !cid.Type.Valid() || cid != ChildContainerID(c.ID, cid.Type) {
				return bad("child container %s does not match its creating op", cid)
			}
		}
	default:
		return bad("unknown change kind")
	}
	return nil
}
