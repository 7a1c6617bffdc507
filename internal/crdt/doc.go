package crdt

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/richtext-sync/internal/types"
)

// Doc is a replica of a collaborative document: a tree of containers rooted
// at named root containers. All methods are safe for concurrent use; one
// mutation runs at a time.
type Doc struct {
	mu sync.Mutex

	peer    types.PeerID
	lamport uint32
	vv      types.VersionVector

	containers []*container
	index      map[ContainerID]int
	styles     StyleConfig

	pending      []parked
	pendingLimit int
	pendingTTL   time.Duration

	log zerolog.Logger

	origin  string
	undoers int

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

const (
	// DefaultPendingLimit bounds the change sets a document parks.
	DefaultPendingLimit = 256
	// DefaultPendingTTL is how long a parked change set waits for its history.
	DefaultPendingTTL = 10 * time.Minute
)

// parked is a change set waiting for the history it builds on.
type parked struct {
	cs ChangeSet
	at time.Time
}

// Option configures a Doc.
type Option func(*Doc)

// WithPeerID fixes the replica id. Two live replicas must never share one.
func WithPeerID(peer types.PeerID) Option {
	return func(d *Doc) { d.peer = peer }
}

// WithLogger sets the logger used for import diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Doc) { d.log = logger }
}

// WithPendingLimits bounds the parked change sets: at most limit are held,
// and each is dropped once it has waited longer than ttl. A ttl of zero
// keeps parked sets until they apply.
func WithPendingLimits(limit int, ttl time.Duration) Option {
	return func(d *Doc) {
		d.pendingLimit = limit
		d.pendingTTL = ttl
	}
}

// WithStyleConfig sets the initial style configuration.
func WithStyleConfig(cfg StyleConfig) Option {
	return func(d *Doc) { d.styles = cfg.clone() }
}

// NewDoc creates an empty document with a random peer id.
func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		peer:   RandomPeerID(),
		vv:     make(types.VersionVector),
		index:  make(map[ContainerID]int),
		styles: make(StyleConfig),
		log:    zerolog.Nop(),
		subs:   make(map[int]func(Event)),

		pendingLimit: DefaultPendingLimit,
		pendingTTL:   DefaultPendingTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RandomPeerID draws a peer id from a random UUID.
func RandomPeerID() types.PeerID {
	u := uuid.New()
	return types.PeerID(binary.BigEndian.Uint64(u[:8]))
}

// PeerID returns the replica id used for local edits.
func (d *Doc) PeerID() types.PeerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer
}

// SetPeerID changes the replica id used for subsequent local edits.
func (d *Doc) SetPeerID(peer types.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer = peer
}

// SetOrigin tags the events of subsequent local edits with origin. An
// UndoManager skips events whose origin matches one of its excluded
// prefixes.
func (d *Doc) SetOrigin(origin string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.origin = origin
}

// VersionVector returns a copy of the set of known operations.
func (d *Doc) VersionVector() types.VersionVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vv.Clone()
}

// ConfigTextStyle replaces the style configuration. It only affects marks
// created afterwards.
func (d *Doc) ConfigTextStyle(cfg StyleConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.styles = cfg.clone()
}

// StyleConfig returns a copy of the style configuration.
func (d *Doc) StyleConfig() StyleConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.styles.clone()
}

// GetText returns the root text container with the given name, creating it
// when needed.
func (d *Doc) GetText(name string) *Text {
	id := RootContainerID(name, TypeText)
	d.ensure(id)
	return &Text{handle{doc: d, id: id}}
}

// GetMap returns the root map container with the given name, creating it
// when needed.
func (d *Doc) GetMap(name string) *Map {
	id := RootContainerID(name, TypeMap)
	d.ensure(id)
	return &Map{handle{doc: d, id: id}}
}

// GetList returns the root list container with the given name, creating it
// when needed.
func (d *Doc) GetList(name string) *List {
	id := RootContainerID(name, TypeList)
	d.ensure(id)
	return &List{handle{doc: d, id: id}}
}

// Container returns a handle for an existing container.
func (d *Doc) Container(id ContainerID) (Container, bool) {
	d.mu.Lock()
	_, ok := d.index[id]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	return d.handleFor(id), true
}

func (d *Doc) handleFor(id ContainerID) Container {
	h := handle{doc: d, id: id}
	switch id.Type {
	case TypeText:
		return &Text{h}
	case TypeMap:
		return &Map{h}
	default:
		return &List{h}
	}
}

func (d *Doc) ensure(id ContainerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.container(id)
}

// container returns the arena slot for id, creating an unlinked one when
// the id has not been seen.
func (d *Doc) container(id ContainerID) *container {
	if i, ok := d.index[id]; ok {
		return d.containers[i]
	}
	c := newContainer(id)
	d.index[id] = len(d.containers)
	d.containers = append(d.containers, c)
	return c
}

func (d *Doc) lookup(id ContainerID) (*container, bool) {
	i, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return d.containers[i], true
}

// nextID returns the id and Lamport time of the next local operation.
func (d *Doc) nextID() (types.OpID, uint32) {
	return types.OpID{Peer: d.peer, Counter: d.vv[d.peer]}, d.lamport
}

// observe advances the clock past an applied operation.
func (d *Doc) observe(id types.OpID, lamport, n uint32) {
	d.vv.Extend(id.Peer, id.Counter+n)
	if end := lamport + n; end > d.lamport {
		d.lamport = end
	}
}

// DeepValue resolves every root container into plain values, keyed by root
// name.
func (d *Doc) DeepValue() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	roots := make([]*container, 0)
	for _, c := range d.containers {
		if c.id.IsRoot() {
			roots = append(roots, c)
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		if roots[i].id.Name != roots[j].id.Name {
			return roots[i].id.Name < roots[j].id.Name
		}
		return roots[i].id.Type < roots[j].id.Type
	})
	out := make(map[string]any, len(roots))
	for _, c := range roots {
		out[c.id.Name] = d.deepValue(c)
	}
	return out
}

func (d *Doc) deepValue(c *container) any {
	return d.deepValueOf(c, make(map[*container]bool))
}

// deepValueOf resolves c. Containers already on the path resolve to nil, so
// a crafted cycle of child containers cannot recurse forever.
func (d *Doc) deepValueOf(c *container, onPath map[*container]bool) any {
	if onPath[c] {
		return nil
	}
	onPath[c] = true
	defer delete(onPath, c)

	switch c.id.Type {
	case TypeText:
		return string(c.text.seq.values())
	case TypeMap:
		out := make(map[string]any)
		for key, e := range c.mp.entries {
			if e.value.IsNull() {
				continue
			}
			out[key] = d.deepElement(e.value, onPath)
		}
		return out
	default:
		values := c.list.seq.values()
		out := make([]any, len(values))
		for i, v := range values {
			out[i] = d.deepElement(v, onPath)
		}
		return out
	}
}

func (d *Doc) deepElement(v Value, onPath map[*container]bool) any {
	if cid, ok := v.AsContainer(); ok {
		if child, ok := d.lookup(cid); ok {
			return d.deepValueOf(child, onPath)
		}
	}
	return v.Interface()
}

// PathItem is one step from a root container towards a descendant: the
// child stored under Key of a map, or at Index of a list.
type PathItem struct {
	Container ContainerID
	Key       string
	Index     int
}

// Path returns the steps from the owning root to id. It reports false when
// the container is unknown or not attached to a root.
func (d *Doc) Path(id ContainerID) ([]PathItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return d.path(i)
}

func (d *Doc) path(i int) ([]PathItem, bool) {
	var out []PathItem
	for seen := 0; seen <= len(d.containers); seen++ {
		c := d.containers[i]
		if c.id.IsRoot() {
			for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
				out[l], out[r] = out[r], out[l]
			}
			return out, true
		}
		if c.parent < 0 {
			return nil, false
		}
		parent := d.containers[c.parent]
		step := PathItem{Container: parent.id, Index: -1}
		if parent.id.Type == TypeMap {
			step.Key = c.parentKey
		} else {
			step.Index = parent.list.seq.visibleIndex(c.parentElem)
		}
		out = append(out, step)
		i = c.parent
	}
	return nil, false
}

// Fork returns an independent copy of the document under a new peer id.
func (d *Doc) Fork(opts ...Option) *Doc {
	d.mu.Lock()
	cs := d.exportChanges(nil)
	cfg := d.styles.clone()
	logger := d.log
	d.mu.Unlock()

	fork := NewDoc(append([]Option{WithStyleConfig(cfg), WithLogger(logger)}, opts...)...)
	if _, err := fork.ImportChanges(cs); err != nil {
		// A change set exported from a consistent document always applies.
		panic(err)
	}
	return fork
}

// Subscribe registers fn to receive an Event after every mutation or import
// that changed visible state. The returned function removes the
// subscription.
func (d *Doc) Subscribe(fn func(Event)) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		delete(d.subs, id)
	}
}

func (d *Doc) hasSubscribers() bool {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	return len(d.subs) > 0
}

func (d *Doc) emit(ev *Event) {
	if ev == nil {
		return
	}
	d.subMu.Lock()
	ids := make([]int, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.subs[id])
	}
	d.subMu.Unlock()
	for _, fn := range fns {
		fn(*ev)
	}
}

// edit runs a local mutation of container id under the document lock and
// publishes the resulting event.
func (d *Doc) edit(id ContainerID, fn func(c *container) error) error {
	ev, err := d.editLocked(id, fn)
	d.emit(ev)
	return err
}

func (d *Doc) editLocked(id ContainerID, fn func(c *container) error) (*Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.container(id)
	rec := d.record(TriggerLocal, d.index[id])
	err := fn(c)
	return rec.finish(d), err
}
