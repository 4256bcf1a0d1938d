package storage

import (
	"errors"
	"sort"
	"strings"
)

var errOverlayClosed = errors.New("storage: overlay already committed or discarded")

// Overlay buffers writes on top of a parent Database. Reads observe the
// buffered writes first. Commit flushes every buffered write to the parent in
// a single batch; Discard drops them. Once either is called the overlay can no
// longer be used.
type Overlay struct {
	parent  Database
	writes  map[string][]byte
	deletes map[string]struct{}
	closed  bool
}

// NewOverlay wraps the parent database in a write buffer.
func NewOverlay(parent Database) *Overlay {
	return &Overlay{
		parent:  parent,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (o *Overlay) Put(key []byte, value []byte) error {
	if o.closed {
		return errOverlayClosed
	}
	k := string(key)
	delete(o.deletes, k)
	o.writes[k] = append([]byte(nil), value...)
	return nil
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	if o.closed {
		return nil, errOverlayClosed
	}
	k := string(key)
	if _, gone := o.deletes[k]; gone {
		return nil, ErrNotFound
	}
	if v, ok := o.writes[k]; ok {
		return append([]byte(nil), v...), nil
	}
	return o.parent.Get(key)
}

func (o *Overlay) Has(key []byte) (bool, error) {
	_, err := o.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (o *Overlay) Delete(key []byte) error {
	if o.closed {
		return errOverlayClosed
	}
	k := string(key)
	delete(o.writes, k)
	o.deletes[k] = struct{}{}
	return nil
}

// Iterate merges the buffered writes with the parent's view of the prefix.
func (o *Overlay) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	if o.closed {
		return errOverlayClosed
	}
	merged := make(map[string][]byte)
	if err := o.parent.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = value
		return true
	}); err != nil {
		return err
	}
	for k := range o.deletes {
		delete(merged, k)
	}
	for k, v := range o.writes {
		if strings.HasPrefix(k, string(prefix)) {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), append([]byte(nil), merged[k]...)) {
			return nil
		}
	}
	return nil
}

// NewBatch returns a batch that writes into the overlay buffer.
func (o *Overlay) NewBatch() Batch {
	return &overlayBatch{overlay: o}
}

// Close discards the overlay.
func (o *Overlay) Close() { o.Discard() }

// Dirty reports whether the overlay holds uncommitted writes.
func (o *Overlay) Dirty() bool {
	return len(o.writes) > 0 || len(o.deletes) > 0
}

// Commit applies the buffered writes to the parent atomically.
func (o *Overlay) Commit() error {
	if o.closed {
		return errOverlayClosed
	}
	o.closed = true
	if len(o.writes) == 0 && len(o.deletes) == 0 {
		return nil
	}
	batch := o.parent.NewBatch()
	keys := make([]string, 0, len(o.writes))
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		batch.Put([]byte(k), o.writes[k])
	}
	for k := range o.deletes {
		batch.Delete([]byte(k))
	}
	return batch.Write()
}

// Discard drops every buffered write.
func (o *Overlay) Discard() {
	o.closed = true
	o.writes = nil
	o.deletes = nil
}

type overlayBatch struct {
	overlay *Overlay
	ops     []memOp
}

func (b *overlayBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, memOp{key: string(key), value: append([]byte(nil), value...)})
}

func (b *overlayBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{key: string(key), delete: true})
}

func (b *overlayBatch) Len() int { return len(b.ops) }

func (b *overlayBatch) Write() error {
	for _, op := range b.ops {
		var err error
		if op.delete {
			err = b.overlay.Delete([]byte(op.key))
		} else {
			err = b.overlay.Put([]byte(op.key), op.value)
		}
		if err != nil {
			return err
		}
	}
	b.ops = nil
	return nil
}
