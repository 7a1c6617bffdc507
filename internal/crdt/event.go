package crdt

import "sort"

// Trigger names what caused an event.
type Trigger uint8

const (
	TriggerLocal Trigger = iota + 1
	TriggerImport
)

func (t Trigger) String() string {
	switch t {
	case TriggerLocal:
		return "local"
	case TriggerImport:
		return "import"
	default:
		return "unknown"
	}
}

// Event describes the visible effect of one mutation or import. Origin is
// the document origin at the time of a local mutation (see Doc.SetOrigin).
type Event struct {
	TriggeredBy Trigger
	Origin      string
	Diffs       []ContainerDiff

	// inverse[i] undoes Diffs[i]. Filled only while an UndoManager is
	// attached.
	inverse []ContainerDiff
}

// ContainerDiff is the change of a single container. Exactly one of Text,
// Map and List is set, matching the container type.
type ContainerDiff struct {
	Target ContainerID
	Path   []PathItem
	Text   Delta
	Map    MapDelta
	List   ListDelta
}

// MapDelta holds the new value of every changed key. Removed keys map to
// Null.
type MapDelta map[string]Value

// ListDiffItem is one step of a list delta.
type ListDiffItem struct {
	Kind   DeltaKind
	Values []Value
	Length int
}

// ListDelta is an ordered list of list diff items.
type ListDelta []ListDiffItem

type view struct {
	text Delta
	mp   map[string]Value
	list []Value
}

func (c *container) view() view {
	switch c.id.Type {
	case TypeText:
		return view{text: c.text.runs()}
	case TypeMap:
		out := make(map[string]Value, len(c.mp.entries))
		for k, e := range c.mp.entries {
			if !e.value.IsNull() {
				out[k] = e.value
			}
		}
		return view{mp: out}
	default:
		return view{list: c.list.seq.values()}
	}
}

// recorder captures container views before a mutation so the event can be
// computed afterwards. A nil recorder records nothing.
type recorder struct {
	trigger Trigger
	origin  string
	inverse bool
	before  map[int]view
	created int
}

func (d *Doc) record(trigger Trigger, idx ...int) *recorder {
	if !d.hasSubscribers() {
		return nil
	}
	r := &recorder{
		trigger: trigger,
		inverse: d.undoers > 0,
		before:  make(map[int]view, len(idx)),
		created: len(d.containers),
	}
	if trigger == TriggerLocal {
		r.origin = d.origin
	}
	for _, i := range idx {
		if _, ok := r.before[i]; !ok {
			r.before[i] = d.containers[i].view()
		}
	}
	return r
}

// touch captures the view of container i before its first change.
// Containers created during the mutation need no capture.
func (r *recorder) touch(d *Doc, i int) {
	if r == nil || i >= r.created {
		return
	}
	if _, ok := r.before[i]; !ok {
		r.before[i] = d.containers[i].view()
	}
}

func (r *recorder) finish(d *Doc) *Event {
	if r == nil {
		return nil
	}
	idx := make([]int, 0, len(r.before)+len(d.containers)-r.created)
	for i := range r.before {
		idx = append(idx, i)
	}
	for i := r.created; i < len(d.containers); i++ {
		if _, ok := r.before[i]; !ok {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)

	ev := &Event{TriggeredBy: r.trigger, Origin: r.origin}
	for _, i := range idx {
		c := d.containers[i]
		before := r.before[i]
		after := c.view()
		diff := ContainerDiff{Target: c.id}
		if !diffViews(&diff, before, after) {
			continue
		}
		diff.Path, _ = d.path(i)
		ev.Diffs = append(ev.Diffs, diff)
		if r.inverse {
			inv := ContainerDiff{Target: c.id}
			diffViews(&inv, after, before)
			ev.inverse = append(ev.inverse, inv)
		}
	}
	if len(ev.Diffs) == 0 {
		return nil
	}
	return ev
}

// diffViews fills the delta of diff that turns before into after and
// reports whether anything changed.
func diffViews(diff *ContainerDiff, before, after view) bool {
	switch diff.Target.Type {
	case TypeText:
		diff.Text = Diff(before.text, after.text)
		return len(diff.Text) > 0
	case TypeMap:
		diff.Map = diffMap(before.mp, after.mp)
		return len(diff.Map) > 0
	default:
		diff.List = diffList(before.list, after.list)
		return len(diff.List) > 0
	}
}

func diffMap(before, after map[string]Value) MapDelta {
	var out MapDelta
	set := func(k string, v Value) {
		if out == nil {
			out = make(MapDelta)
		}
		out[k] = v
	}
	for k, v := range after {
		if old, ok := before[k]; !ok || !old.Equal(v) {
			set(k, v)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			set(k, Null())
		}
	}
	return out
}

func diffList(before, after []Value) ListDelta {
	var out ListDelta
	push := func(kind DeltaKind, v Value) {
		if n := len(out); n > 0 && out[n-1].Kind == kind {
			last := &out[n-1]
			if kind == DeltaInsert {
				last.Values = append(last.Values, v)
			} else {
				last.Length++
			}
			return
		}
		item := ListDiffItem{Kind: kind, Length: 1}
		if kind == DeltaInsert {
			item = ListDiffItem{Kind: kind, Values: []Value{v}}
		}
		out = append(out, item)
	}
	for _, e := range editScript(before, after, Value.Equal) {
		switch e.op {
		case editKeep:
			push(DeltaRetain, Value{})
		case editDelete:
			push(DeltaDelete, Value{})
		case editInsert:
			push(DeltaInsert, after[e.b])
		}
	}
	if n := len(out); n > 0 && out[n-1].Kind == DeltaRetain {
		out = out[:n-1]
	}
	return out
}
