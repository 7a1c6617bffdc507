package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultMaxUndoSteps bounds the undo stack of a new UndoManager.
const DefaultMaxUndoSteps = 100

// UndoKind names the stack an undo step belongs to.
type UndoKind uint8

const (
	UndoStack UndoKind = iota + 1
	RedoStack
)

func (k UndoKind) String() string {
	switch k {
	case UndoStack:
		return "undo"
	case RedoStack:
		return "redo"
	default:
		return "unknown"
	}
}

// undoStep holds inverse diffs in the order they are applied.
type undoStep struct {
	diffs []ContainerDiff
}

// prepend puts the inverses of a later event in front of the step.
func (s *undoStep) prepend(inv []ContainerDiff) {
	out := make([]ContainerDiff, 0, len(inv)+len(s.diffs))
	for i := len(inv) - 1; i >= 0; i-- {
		out = append(out, inv[i])
	}
	s.diffs = append(out, s.diffs...)
}

// UndoManager records the local edits of a document and reverts them step
// by step. Remote edits are never undone; the recorded steps are rebased
// over them so they keep applying to the right positions. Edits whose
// origin starts with an excluded prefix are treated like remote ones.
//
// Consecutive edits less than the merge interval apart form one step.
// RecordCheckpoint ends the current step early. Child containers that
// an edit removed are not brought back.
type UndoManager struct {
	doc *Doc

	applyMu sync.Mutex

	mu            sync.Mutex
	undo, redo    []undoStep
	maxSteps      int
	mergeInterval time.Duration
	exclude       []string
	lastPush      time.Time
	merging       bool
	capture       *undoStep
	onPush        func(UndoKind, Event)
	onPop         func(UndoKind)
	unsubscribe   func()
}

// NewUndoManager attaches an undo manager to doc. Close detaches it.
func NewUndoManager(doc *Doc) *UndoManager {
	u := &UndoManager{doc: doc, maxSteps: DefaultMaxUndoSteps}
	doc.mu.Lock()
	doc.undoers++
	doc.mu.Unlock()
	u.unsubscribe = doc.Subscribe(u.observe)
	return u
}

// Close stops recording.
func (u *UndoManager) Close() {
	u.mu.Lock()
	unsubscribe := u.unsubscribe
	u.unsubscribe = nil
	u.mu.Unlock()
	if unsubscribe == nil {
		return
	}
	unsubscribe()
	u.doc.mu.Lock()
	u.doc.undoers--
	u.doc.mu.Unlock()
}

// SetMaxUndoSteps bounds the undo stack; the oldest steps are dropped
// first.
func (u *UndoManager) SetMaxUndoSteps(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.maxSteps = n
	u.undo = trimSteps(u.undo, n)
}

// SetMergeInterval sets how close together local edits must be to share a
// step. Zero gives every edit its own step.
func (u *UndoManager) SetMergeInterval(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mergeInterval = d
}

// AddExcludeOriginPrefix stops recording local edits whose origin starts
// with prefix.
func (u *UndoManager) AddExcludeOriginPrefix(prefix string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.exclude = append(u.exclude, prefix)
}

// SetOnPush registers fn to run when a step is pushed onto either stack.
// The event is the edit that opened the step, or zero for steps pushed by
// Undo and Redo.
func (u *UndoManager) SetOnPush(fn func(UndoKind, Event)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onPush = fn
}

// SetOnPop registers fn to run when a step is taken off either stack.
func (u *UndoManager) SetOnPop(fn func(UndoKind)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onPop = fn
}

// RecordCheckpoint ends the current step: the next local edit starts a new
// one regardless of the merge interval.
func (u *UndoManager) RecordCheckpoint() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.merging = false
}

// CanUndo reports whether there is a step to undo.
func (u *UndoManager) CanUndo() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.undo) > 0
}

// CanRedo reports whether there is a step to redo.
func (u *UndoManager) CanRedo() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.redo) > 0
}

// Clear empties both stacks.
func (u *UndoManager) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.undo, u.redo = nil, nil
	u.merging = false
}

// Undo reverts the latest local step. It reports false when there was
// nothing to undo.
func (u *UndoManager) Undo() (bool, error) {
	return u.perform(UndoStack)
}

// Redo reapplies the latest undone step. It reports false when there was
// nothing to redo.
func (u *UndoManager) Redo() (bool, error) {
	return u.perform(RedoStack)
}

func (u *UndoManager) perform(from UndoKind) (bool, error) {
	u.applyMu.Lock()
	defer u.applyMu.Unlock()

	u.mu.Lock()
	stack := &u.undo
	if from == RedoStack {
		stack = &u.redo
	}
	if len(*stack) == 0 {
		u.mu.Unlock()
		return false, nil
	}
	step := (*stack)[len(*stack)-1]
	*stack = (*stack)[:len(*stack)-1]
	u.capture = &undoStep{}
	onPop := u.onPop
	u.mu.Unlock()

	if onPop != nil {
		onPop(from)
	}

	// Events of the edits below land in capture; an edit that fails
	// leaves the steps already applied in place.
	var err error
	for _, inv := range step.diffs {
		if err = u.doc.applyInverse(inv); err != nil {
			err = fmt.Errorf("%s: %w", from, err)
			break
		}
	}

	u.mu.Lock()
	captured := u.capture
	u.capture = nil
	u.merging = false
	to := RedoStack
	if from == RedoStack {
		to = UndoStack
	}
	pushed := len(captured.diffs) > 0
	if pushed {
		if to == UndoStack {
			u.undo = trimSteps(append(u.undo, *captured), u.maxSteps)
		} else {
			u.redo = append(u.redo, *captured)
		}
	}
	onPush := u.onPush
	u.mu.Unlock()

	if pushed && onPush != nil {
		onPush(to, Event{})
	}
	return true, err
}

func (u *UndoManager) observe(ev Event) {
	u.mu.Lock()
	if u.capture != nil && ev.TriggeredBy == TriggerLocal {
		u.capture.prepend(ev.inverse)
		u.mu.Unlock()
		return
	}
	if ev.TriggeredBy != TriggerLocal || u.excluded(ev.Origin) {
		u.undo = rebaseSteps(u.undo, ev.Diffs)
		u.redo = rebaseSteps(u.redo, ev.Diffs)
		u.mu.Unlock()
		return
	}
	if len(ev.inverse) == 0 {
		u.mu.Unlock()
		return
	}

	now := time.Now()
	merge := u.merging && len(u.undo) > 0 && u.mergeInterval > 0 && now.Sub(u.lastPush) < u.mergeInterval
	if merge {
		u.undo[len(u.undo)-1].prepend(ev.inverse)
	} else {
		var step undoStep
		step.prepend(ev.inverse)
		u.undo = trimSteps(append(u.undo, step), u.maxSteps)
	}
	u.lastPush = now
	u.merging = true
	u.redo = nil
	onPush := u.onPush
	u.mu.Unlock()

	if !merge && onPush != nil {
		onPush(UndoStack, ev)
	}
}

func (u *UndoManager) excluded(origin string) bool {
	for _, p := range u.exclude {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

func trimSteps(steps []undoStep, limit int) []undoStep {
	if limit <= 0 {
		return nil
	}
	if over := len(steps) - limit; over > 0 {
		steps = append([]undoStep(nil), steps[over:]...)
	}
	return steps
}

// rebaseSteps moves every step of a stack past concurrent diffs. The top
// step applies to the current state; each deeper step applies to the state
// its successor leaves behind, so the diffs are carried down the stack.
func rebaseSteps(steps []undoStep, diffs []ContainerDiff) []undoStep {
	if len(steps) == 0 || len(diffs) == 0 {
		return steps
	}
	by := make(map[ContainerID]ContainerDiff, len(diffs))
	for _, d := range diffs {
		by[d.Target] = d
	}
	out := steps[:0]
	for i := len(steps) - 1; i >= 0; i-- {
		var kept []ContainerDiff
		for _, inv := range steps[i].diffs {
			if b, ok := by[inv.Target]; ok {
				inv, by[inv.Target] = rebase(b, inv)
			}
			if !inv.empty() {
				kept = append(kept, inv)
			}
		}
		steps[i].diffs = kept
	}
	for _, s := range steps {
		if len(s.diffs) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// applyInverse applies one recorded inverse as a local edit. Containers
// that no longer exist are skipped.
func (d *Doc) applyInverse(inv ContainerDiff) error {
	d.mu.Lock()
	_, ok := d.index[inv.Target]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	switch inv.Target.Type {
	case TypeText:
		return (&Text{handle{doc: d, id: inv.Target}}).ApplyDelta(inv.Text)
	case TypeMap:
		keys := make([]string, 0, len(inv.Map))
		for k := range inv.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return d.edit(inv.Target, func(c *container) error {
			for _, k := range keys {
				v := inv.Map[k]
				if v.Kind() == KindContainer {
					continue
				}
				if e := c.mp.entries[k]; v.IsNull() && (e == nil || e.value.IsNull()) {
					continue
				}
				if err := d.setMap(c, k, v); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return d.edit(inv.Target, func(c *container) error { return d.applyListDelta(c, inv.List) })
	}
}

// applyListDelta replays a list delta. Child containers cannot be
// reinserted and are left out.
func (d *Doc) applyListDelta(c *container, delta ListDelta) error {
	delta = scalarInserts(delta)
	seq := c.list.seq
	pos, length := 0, seq.visibleLen()
	for i, it := range delta {
		switch it.Kind {
		case DeltaInsert:
			length += len(it.Values)
			pos += len(it.Values)
		default:
			if it.Length < 0 || pos+it.Length > length {
				return fmt.Errorf("%w: item %d spans past the end (%d > %d)", ErrInvalidDelta, i, pos+it.Length, length)
			}
			if it.Kind == DeltaRetain {
				pos += it.Length
			} else {
				length -= it.Length
			}
		}
	}

	pos = 0
	for _, it := range delta {
		switch it.Kind {
		case DeltaInsert:
			if err := d.insertList(c, pos, it.Values); err != nil {
				return err
			}
			pos += len(it.Values)
		case DeltaDelete:
			if it.Length == 0 {
				continue
			}
			id, lamport := d.nextID()
			d.apply(Change{
				ID: id, Lamport: lamport, Container: c.id, Kind: ChangeDelete,
				Targets: seq.liveSpans(pos, it.Length),
			}, nil)
		case DeltaRetain:
			pos += it.Length
		}
	}
	return nil
}

func scalarInserts(delta ListDelta) ListDelta {
	out := make(ListDelta, 0, len(delta))
	for _, it := range delta {
		if it.Kind != DeltaInsert {
			out = append(out, it)
			continue
		}
		var values []Value
		for _, v := range it.Values {
			if v.Kind() != KindContainer {
				values = append(values, v)
			}
		}
		if len(values) > 0 {
			out = append(out, ListDiffItem{Kind: DeltaInsert, Values: values})
		}
	}
	return out
}
