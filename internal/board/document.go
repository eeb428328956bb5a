package board

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"whiteboard/internal/protocol"
	"whiteboard/internal/shape"
)

// MaxUndoDepth bounds the undo history; older snapshots are dropped silently.
const MaxUndoDepth = 20

var ErrShapeNotFound = errors.New("shape not found")

type SendFunc func(env protocol.Envelope) error

// Renderer is told to redraw after the item list changes.
type Renderer interface {
	Repaint()
}

type RendererFunc func()

func (f RendererFunc) Repaint() { f() }

// Document is the replicated drawable collection with a local undo/redo
// history. Every broadcast is built and handed to the send func while mu is
// held, so peers observe full states in the order they were produced.
type Document struct {
	mu       sync.Mutex
	owner    string
	items    []shape.Shape
	undo     *history
	redo     *history
	modified bool
	send     SendFunc
	renderer Renderer
	log      *slog.Logger
}

func NewDocument(owner string, log *slog.Logger) *Document {
	if log == nil {
		log = slog.Default()
	}
	return &Document{
		owner: owner,
		items: []shape.Shape{},
		undo:  newHistory(MaxUndoDepth),
		redo:  newHistory(0),
		log:   log,
	}
}

func (d *Document) SetSendFunc(f SendFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.send = f
}

func (d *Document) SetRenderer(r Renderer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.renderer = r
}

// Items returns a deep copy of the current collection.
func (d *Document) Items() []shape.Shape {
	d.mu.Lock()
	defer d.mu.Unlock()
	return shape.CloneAll(d.items)
}

func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *Document) UndoDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.undo.len()
}

func (d *Document) RedoDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.redo.len()
}

func (d *Document) Modified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modified
}

func (d *Document) SetModified(modified bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modified = modified
}

// Replace installs a remote full state. Remote updates are not undoable, so
// the history stacks are left alone.
func (d *Document) Replace(items []shape.Shape) {
	d.Adopt(items, nil)
}

// Adopt is Replace for the admin: relay runs before the lock is released, so
// the forwarded state is ordered with every other broadcast and replay.
func (d *Document) Adopt(items []shape.Shape, relay func()) {
	d.mu.Lock()
	d.items = shape.CloneAll(items)
	d.modified = true
	if relay != nil {
		relay()
	}
	r := d.renderer
	d.mu.Unlock()
	repaint(r)
}

// SnapshotForUndo records the current items as the before-image of an edit
// that is about to happen. It always clears the redo stack.
func (d *Document) SnapshotForUndo() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshotLocked()
}

func (d *Document) snapshotLocked() {
	d.undo.push(shape.CloneAll(d.items))
	d.redo.clear()
	d.modified = true
}

func (d *Document) Undo() bool {
	return d.step(d.undo, d.redo)
}

func (d *Document) Redo() bool {
	return d.step(d.redo, d.undo)
}

func (d *Document) step(from, to *history) bool {
	d.mu.Lock()
	prev, ok := from.pop()
	if !ok {
		d.mu.Unlock()
		return false
	}
	to.push(shape.CloneAll(d.items))
	d.items = prev
	d.modified = true
	d.publishLocked()
	r := d.renderer
	d.mu.Unlock()
	repaint(r)
	return true
}

// Clear empties the collection and both stacks. Unless silent, the empty state
// is broadcast.
func (d *Document) Clear(silent bool) {
	d.mu.Lock()
	d.items = []shape.Shape{}
	d.undo.clear()
	d.redo.clear()
	d.modified = true
	if !silent {
		d.publishLocked()
	}
	r := d.renderer
	d.mu.Unlock()
	repaint(r)
}

// Load opens a saved collection: history is reset and the document counts as
// unmodified.
func (d *Document) Load(items []shape.Shape) error {
	if err := shape.ValidateAll(items); err != nil {
		return err
	}
	d.mu.Lock()
	d.items = shape.CloneAll(items)
	d.undo.clear()
	d.redo.clear()
	d.modified = false
	d.publishLocked()
	r := d.renderer
	d.mu.Unlock()
	repaint(r)
	return nil
}

// Add appends shapes as one undoable edit. Shapes without an id get one.
func (d *Document) Add(items ...shape.Shape) error {
	if len(items) == 0 {
		return nil
	}
	added := make([]shape.Shape, 0, len(items))
	for _, s := range items {
		s = s.Clone()
		if s.ID == "" {
			s.ID = shape.NewID()
		}
		added = append(added, s)
	}
	if err := shape.ValidateAll(added); err != nil {
		return err
	}
	return d.edit(func(cur []shape.Shape) ([]shape.Shape, error) {
		for _, s := range added {
			if shape.IndexOf(cur, s.ID) >= 0 {
				return nil, fmt.Errorf("%w: %s", shape.ErrDuplicateID, s.ID)
			}
		}
		return append(cur, added...), nil
	})
}

// Remove deletes the shapes with the given ids and reports how many went.
// Nothing is recorded when no id matches.
func (d *Document) Remove(ids ...string) int {
	removed := 0
	_ = d.edit(func(cur []shape.Shape) ([]shape.Shape, error) {
		kept := lo.Filter(cur, func(s shape.Shape, _ int) bool { return !lo.Contains(ids, s.ID) })
		removed = len(cur) - len(kept)
		if removed == 0 {
			return nil, errNoChange
		}
		return kept, nil
	})
	return removed
}

// Update replaces the shape carrying s.ID.
func (d *Document) Update(s shape.Shape) error {
	if err := shape.Validate(s); err != nil {
		return err
	}
	return d.edit(func(cur []shape.Shape) ([]shape.Shape, error) {
		idx := shape.IndexOf(cur, s.ID)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrShapeNotFound, s.ID)
		}
		cur[idx] = s.Clone()
		return cur, nil
	})
}

func (d *Document) Move(id string, dx, dy int) error {
	return d.edit(func(cur []shape.Shape) ([]shape.Shape, error) {
		idx := shape.IndexOf(cur, id)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrShapeNotFound, id)
		}
		cur[idx].Move(dx, dy)
		return cur, nil
	})
}

// Sync rebroadcasts the current state without changing it.
func (d *Document) Sync() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishLocked()
}

// Replay calls fn with a full-state envelope while holding the document lock.
// No broadcast of this document can be published until fn returns.
func (d *Document) Replay(fn func(protocol.Envelope)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(protocol.MustEnvelope(d.owner, protocol.UpdateShapes, d.items))
}

var errNoChange = errors.New("no change")

// edit snapshots, lets fn mutate a working copy, installs the result and
// broadcasts it. If fn fails nothing is recorded.
func (d *Document) edit(fn func(cur []shape.Shape) ([]shape.Shape, error)) error {
	d.mu.Lock()
	next, err := fn(shape.CloneAll(d.items))
	if err != nil {
		d.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	d.snapshotLocked()
	d.items = next
	d.publishLocked()
	r := d.renderer
	d.mu.Unlock()
	repaint(r)
	return nil
}

func (d *Document) publishLocked() {
	if d.send == nil {
		return
	}
	env, err := protocol.NewEnvelope(d.owner, protocol.UpdateShapes, d.items)
	if err != nil {
		d.log.Error("encode shapes failed", "err", err)
		return
	}
	if err := d.send(env); err != nil {
		d.log.Warn("send shapes failed", "owner", d.owner, "err", err)
	}
}

func repaint(r Renderer) {
	if r != nil {
		r.Repaint()
	}
}
