package table

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/loykin/jand/internal/process"
)

// Factory builds the runtime entry for a definition.
type Factory func(def process.Definition, safeIndex int) *process.Entry

// Table is the authoritative registry of supervised processes. Entries are
// kept in insertion order; names are unique.
type Table struct {
	mu        sync.RWMutex
	entries   []*process.Entry
	byName    map[string]*process.Entry
	lastIndex int
	notSaved  atomic.Bool
	factory   Factory
}

// New creates an empty table. A nil factory builds entries with default
// options.
func New(factory Factory) *Table {
	if factory == nil {
		factory = func(def process.Definition, idx int) *process.Entry {
			return process.NewEntry(def, idx, process.Options{})
		}
	}
	return &Table{byName: make(map[string]*process.Entry), factory: factory}
}

// Load adds persisted definitions without marking the table dirty.
// Definitions that fail validation are returned as a joined error and
// skipped.
func (t *Table) Load(defs []process.Definition) ([]*process.Entry, error) {
	var errs []error
	out := make([]*process.Entry, 0, len(defs))
	for _, d := range defs {
		e, err := t.add(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, e)
	}
	return out, errors.Join(errs...)
}

// Add registers a new definition and marks the table dirty.
func (t *Table) Add(def process.Definition) (*process.Entry, error) {
	e, err := t.add(def)
	if err != nil {
		return nil, err
	}
	t.notSaved.Store(true)
	return e, nil
}

func (t *Table) add(def process.Definition) (*process.Entry, error) {
	if !process.ValidName(def.Name) {
		return nil, process.ErrInvalidName
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byName[def.Name]; ok {
		return nil, process.ErrAlreadyExists
	}
	t.lastIndex++
	e := t.factory(def, t.lastIndex)
	t.entries = append(t.entries, e)
	t.byName[def.Name] = e
	return e, nil
}

// Find looks an entry up by name.
func (t *Table) Find(name string) (*process.Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byName[name]
	if !ok {
		return nil, process.ErrInvalidProcess
	}
	return e, nil
}

// FindBySafeIndex looks an entry up by its SafeIndex.
func (t *Table) FindBySafeIndex(i int) (*process.Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.SafeIndex() == i {
			return e, nil
		}
	}
	return nil, process.ErrInvalidProcess
}

// Remove takes the entry out of the table, stops it if it is running and
// releases its resources. A start racing with the removal is refused.
func (t *Table) Remove(name string) (*process.Entry, error) {
	t.mu.Lock()
	e, ok := t.byName[name]
	if !ok {
		t.mu.Unlock()
		return nil, process.ErrInvalidProcess
	}
	delete(t.byName, name)
	for i, x := range t.entries {
		if x == e {
			t.entries = append(t.entries[:i:i], t.entries[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	e.Retire()
	e.Close()
	t.notSaved.Store(true)
	return e, nil
}

// Rename changes an entry's name.
func (t *Table) Rename(oldName, newName string) error {
	if !process.ValidName(newName) {
		return process.ErrInvalidName
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byName[oldName]
	if !ok {
		return process.ErrInvalidProcess
	}
	if _, taken := t.byName[newName]; taken {
		return process.ErrAlreadyExists
	}
	e.Update(func(d *process.Definition) { d.Name = newName })
	delete(t.byName, oldName)
	t.byName[newName] = e
	t.notSaved.Store(true)
	return nil
}

// List returns the entries in insertion order.
func (t *Table) List() []*process.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*process.Entry(nil), t.entries...)
}

// Definitions returns the persisted form of every entry in order.
func (t *Table) Definitions() []process.Definition {
	list := t.List()
	out := make([]process.Definition, len(list))
	for i, e := range list {
		out[i] = e.Definition()
	}
	return out
}

// Infos returns runtime snapshots of every entry in order.
func (t *Table) Infos() []process.Info {
	list := t.List()
	out := make([]process.Info, len(list))
	for i, e := range list {
		out[i] = e.Info()
	}
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// NotSaved reports whether the table diverged from the last save.
func (t *Table) NotSaved() bool { return t.notSaved.Load() }

// MarkDirty records an unsaved change made outside the table (property
// updates, config changes).
func (t *Table) MarkDirty() { t.notSaved.Store(true) }

// MarkSaved clears the dirty flag after a successful save.
func (t *Table) MarkSaved() { t.notSaved.Store(false) }

// KillAll kills every running process tree without waiting.
func (t *Table) KillAll() {
	for _, e := range t.List() {
		e.Kill()
	}
}
