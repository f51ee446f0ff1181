package loadout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// ErrReplica is returned when a server-only operation is called on a replica,
// or a replica-only operation on the authoritative list.
var ErrReplica = errors.New("loadout: operation not allowed for this list role")

// Entry is one element of a ReplicatedEntryList. Its identity is its handle,
// not its position.
type Entry struct {
	handle     Handle
	definition DefinitionID
	instance   *Instance

	// created is the list version at which the entry was added
	created uint64

	// fieldVersions[id] is the list version of the last change to field id
	fieldVersions []uint64
}

// Handle returns the handle of the entry.
func (e *Entry) Handle() Handle { return e.handle }

// DefinitionID returns the id of the entry's definition.
func (e *Entry) DefinitionID() DefinitionID { return e.definition }

// Instance returns the instance state of the entry.
func (e *Entry) Instance() *Instance { return e.instance }

// DirtySince returns the fields changed after version v.
func (e *Entry) DirtySince(v uint64) FieldMask {
	var m FieldMask
	for id, fv := range e.fieldVersions {
		if fv > v {
			m.Set(FieldID(id))
		}
	}
	return m
}

// stamp records version v on every field in mask.
func (e *Entry) stamp(mask FieldMask, v uint64) {
	for _, id := range mask.Fields() {
		if int(id) < len(e.fieldVersions) {
			e.fieldVersions[id] = v
		}
	}
}

// removal is kept for entries removed after their add was sent, until the
// removal itself has been sent.
type removal struct {
	handle  Handle
	created uint64
	removed uint64
}

// AddParams are the initial values of a new entry.
type AddParams struct {
	// StackCount defaults to 1.
	StackCount int

	Tags []Tag

	// ExactTags makes Tags the complete tag set of the entry instead of an
	// addition to the definition's tags. Snapshots are restored with it.
	ExactTags bool

	// State overrides capability state by kind, e.g. when restoring a snapshot.
	State map[FragmentKind]json.RawMessage
}

// ReplicatedEntryList is a handle-indexed collection replicated by deltas.
//
// The authoritative list is mutated with Add, Remove and Mutate; ComputeDelta
// produces what changed since a version and MarkSent acknowledges it. Replicas
// only accept ApplyDelta.
//
// Concurrency:
// A list has exactly one owner and is not safe for concurrent use. Actors
// serialise access through Actor.Exec.
type ReplicatedEntryList struct {
	id        uint32
	options   ListOptions
	alloc     *HandleAllocator
	defs      DefinitionSource
	fragments *FragmentRegistry

	entries []*Entry
	index   map[uint32]*Entry

	// version increases by one per logical change on the authority; on a
	// replica it is the To version of the last applied delta
	version uint64

	// sent is the highest version acknowledged with MarkSent
	sent uint64

	// shipped is the highest To of any delta computed, acknowledged or not.
	// Resyncs of late joiners raise it without moving sent.
	shipped uint64

	removals []removal

	observers    map[int]func(EntryChange)
	observerSeq  []int
	nextObserver int
}

// NewReplicatedEntryList creates a list for collection id. Definitions are
// loaded from defs and instantiated through fragments.
func NewReplicatedEntryList(id uint32, defs DefinitionSource, fragments *FragmentRegistry, opts ...ListOption) *ReplicatedEntryList {
	var o ListOptions
	for _, opt := range opts {
		opt(&o)
	}

	var allocOpts []AllocatorOption
	if o.MaxEntries > 0 {
		allocOpts = append(allocOpts, WithMaxEntries(o.MaxEntries))
	}
	if fragments == nil {
		fragments = NewFragmentRegistry()
	}

	return &ReplicatedEntryList{
		id:        id,
		options:   o,
		alloc:     NewHandleAllocator(id, allocOpts...),
		defs:      defs,
		fragments: fragments,
		index:     make(map[uint32]*Entry),
		observers: make(map[int]func(EntryChange)),
	}
}

// ID returns the collection id.
func (l *ReplicatedEntryList) ID() uint32 { return l.id }

// Version returns the current version of the list.
func (l *ReplicatedEntryList) Version() uint64 { return l.version }

// Len returns the number of live entries.
func (l *ReplicatedEntryList) Len() int { return len(l.entries) }

// IsReplica reports whether the list is a read-only replica.
func (l *ReplicatedEntryList) IsReplica() bool { return l.options.Remote }

// Entries returns the live entries in order.
func (l *ReplicatedEntryList) Entries() []*Entry {
	return slices.Clone(l.entries)
}

// Resolve returns the entry for h. It fails with ErrInvalidHandle for stale,
// removed or foreign handles.
func (l *ReplicatedEntryList) Resolve(h Handle) (*Entry, error) {
	if h.Collection != l.id || h.IsZero() {
		return nil, fmt.Errorf("resolve %s: %w", h, ErrInvalidHandle)
	}
	e, ok := l.index[h.Entry]
	if !ok || e.handle != h {
		return nil, fmt.Errorf("resolve %s: %w", h, ErrInvalidHandle)
	}
	return e, nil
}

// Subscribe registers fn for entry changes. Observers are called synchronously,
// in registration order. The returned function removes the observer.
func (l *ReplicatedEntryList) Subscribe(fn func(EntryChange)) (cancel func()) {
	id := l.nextObserver
	l.nextObserver++
	l.observers[id] = fn
	l.observerSeq = append(l.observerSeq, id)

	return func() {
		delete(l.observers, id)
		if i := slices.Index(l.observerSeq, id); i >= 0 {
			l.observerSeq = slices.Delete(l.observerSeq, i, i+1)
		}
	}
}

// Add creates a new entry from the definition and returns its handle.
func (l *ReplicatedEntryList) Add(id DefinitionID, params AddParams) (Handle, error) {
	if l.options.Remote {
		return Handle{}, fmt.Errorf("add %q: %w", id, ErrReplica)
	}

	def, err := l.loadDefinition(id)
	if err != nil {
		return Handle{}, fmt.Errorf("add %q: %w", id, err)
	}

	h, err := l.alloc.Allocate()
	if err != nil {
		return Handle{}, err
	}

	inst := newInstance(h, def)
	inst.stack = params.StackCount
	if inst.stack <= 0 {
		inst.stack = 1
	}
	inst.tags = NewTagSet(append(slices.Clone(def.Tags), params.Tags...)...)

	if err := l.fragments.instantiateAll(inst); err != nil {
		_ = l.alloc.Free(h)
		return Handle{}, fmt.Errorf("add %q: %w", id, err)
	}
	for kind, raw := range params.State {
		idx := inst.capabilityIndex(kind)
		if idx < 0 {
			continue
		}
		if err := inst.decodeField(CapabilityField(idx), raw); err != nil {
			l.fragments.teardownAll(inst)
			_ = l.alloc.Free(h)
			return Handle{}, fmt.Errorf("add %q: restore %s state: %w", id, kind, err)
		}
	}
	if params.ExactTags {
		inst.tags = NewTagSet(params.Tags...)
	}
	inst.takeDirty()

	l.version++
	e := &Entry{
		handle:        h,
		definition:    id,
		instance:      inst,
		created:       l.version,
		fieldVersions: make([]uint64, inst.fieldCount()),
	}
	e.stamp(inst.allFields(), l.version)

	l.entries = append(l.entries, e)
	l.index[h.Entry] = e

	l.notify(EntryChange{
		Collection: l.id,
		Handle:     h,
		Kind:       ChangeAdded,
		Definition: id,
		NewCount:   inst.stack,
	})
	return h, nil
}

// Remove removes the entry for h. Its capabilities are torn down immediately
// and the handle stops resolving. A removal marker is kept until the removal has
// been sent; entries that never appeared in any computed delta vanish without a
// trace.
func (l *ReplicatedEntryList) Remove(h Handle) error {
	if l.options.Remote {
		return fmt.Errorf("remove %s: %w", h, ErrReplica)
	}

	e, err := l.Resolve(h)
	if err != nil {
		return err
	}

	old := e.instance.stack
	l.detach(e)
	l.version++

	if e.created > l.shipped {
		// Never shipped: nothing to tell observers, the handle can go back right away.
		_ = l.alloc.Free(h)
	} else {
		l.removals = append(l.removals, removal{handle: h, created: e.created, removed: l.version})
	}

	l.notify(EntryChange{
		Collection: l.id,
		Handle:     h,
		Kind:       ChangeRemoved,
		Definition: e.definition,
		OldCount:   old,
	})
	return nil
}

// Mutate runs fn on the instance of h. Only the fields fn changed are marked
// dirty. Changes made before fn returns an error are kept and replicated.
func (l *ReplicatedEntryList) Mutate(h Handle, fn func(*Instance) error) error {
	if l.options.Remote {
		return fmt.Errorf("mutate %s: %w", h, ErrReplica)
	}

	e, err := l.Resolve(h)
	if err != nil {
		return err
	}

	inst := e.instance
	inst.takeDirty()
	old := inst.stack

	fnErr := fn(inst)

	dirty := inst.takeDirty()
	if !dirty.IsZero() {
		l.version++
		e.stamp(dirty, l.version)
		l.notify(EntryChange{
			Collection: l.id,
			Handle:     h,
			Kind:       ChangeModified,
			Definition: e.definition,
			OldCount:   old,
			NewCount:   inst.stack,
			Fields:     dirty,
		})
	}
	return fnErr
}

// Clear removes every entry.
func (l *ReplicatedEntryList) Clear() {
	for _, e := range slices.Clone(l.entries) {
		_ = l.Remove(e.handle)
	}
}

// ComputeDelta returns the changes made after version since. Entries created
// after since are sent whole; older entries send only fields changed after since.
// Removals after since are always listed, so replicas that picked the entry up
// from a resync drop it too. The result depends only on the list state and since.
func (l *ReplicatedEntryList) ComputeDelta(since uint64) (Delta, error) {
	d := Delta{Collection: l.id, From: since, To: l.version}
	if l.options.Remote {
		return d, ErrReplica
	}
	l.shipped = max(l.shipped, l.version)
	if since >= l.version {
		d.From = l.version
		return d, nil
	}

	for _, e := range l.entries {
		if e.created > since {
			op := Op{Kind: OpAdd, Handle: e.handle, Definition: e.definition}
			fields, err := encodeFields(e.instance, e.instance.allFields())
			if err != nil {
				return Delta{}, fmt.Errorf("delta %s: %w", e.handle, err)
			}
			op.Fields = fields
			d.Ops = append(d.Ops, op)
			continue
		}

		dirty := e.DirtySince(since)
		if dirty.IsZero() {
			continue
		}
		fields, err := encodeFields(e.instance, dirty)
		if err != nil {
			return Delta{}, fmt.Errorf("delta %s: %w", e.handle, err)
		}
		d.Ops = append(d.Ops, Op{Kind: OpMutate, Handle: e.handle, Fields: fields})
	}

	for _, r := range l.removals {
		if r.removed > since {
			d.Ops = append(d.Ops, Op{Kind: OpRemove, Handle: r.handle})
		}
	}
	return d, nil
}

// MarkSent acknowledges that every change up to version has been sent.
// Removal markers covered by it are dropped and their handles freed.
func (l *ReplicatedEntryList) MarkSent(version uint64) {
	version = min(version, l.version)
	if version <= l.sent {
		return
	}
	l.sent = version

	kept := l.removals[:0]
	for _, r := range l.removals {
		if r.removed <= version {
			_ = l.alloc.Free(r.handle)
			continue
		}
		kept = append(kept, r)
	}
	l.removals = kept
}

// Sent returns the last acknowledged version.
func (l *ReplicatedEntryList) Sent() uint64 { return l.sent }

// PendingRemovals returns the number of removal markers awaiting a send.
func (l *ReplicatedEntryList) PendingRemovals() int { return len(l.removals) }

// ApplyDelta applies a delta from the authority to a replica.
//
// Deltas at or below the applied version are ignored. Adds are applied before
// mutations and removals. Failures are isolated per entry and reported; they
// never abort the rest of the delta. Observers receive one change per entry.
func (l *ReplicatedEntryList) ApplyDelta(d Delta) (ApplyReport, error) {
	var report ApplyReport
	if !l.options.Remote {
		return report, fmt.Errorf("apply delta: %w", ErrReplica)
	}
	if d.Collection != l.id {
		return report, fmt.Errorf("apply delta: collection %d, want %d", d.Collection, l.id)
	}
	if d.To <= l.version {
		report.Stale = true
		return report, nil
	}
	if d.From > l.version {
		return report, fmt.Errorf("apply delta %d..%d at %d: %w", d.From, d.To, l.version, ErrVersionGap)
	}

	pending := newChangeBatch(l.id)

	for _, op := range d.Ops {
		if op.Kind != OpAdd {
			continue
		}
		if err := l.applyAdd(op, pending); err != nil {
			report.Errors = append(report.Errors, &EntryError{Handle: op.Handle, Op: op.Kind, Err: err})
		}
	}

	for _, op := range d.Ops {
		var err error
		switch op.Kind {
		case OpAdd:
			continue
		case OpMutate:
			err = l.applyMutate(op, pending)
		case OpRemove:
			l.applyRemove(op, pending)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			report.Errors = append(report.Errors, &EntryError{Handle: op.Handle, Op: op.Kind, Err: err})
		}
	}

	l.version = d.To

	for _, e := range report.Errors {
		slog.Warn("loadout: delta entry rejected", "collection", l.id, "handle", e.Handle.String(), "op", e.Op.String(), "error", e.Err)
	}

	report.Changes = pending.changes()
	for _, c := range report.Changes {
		l.notify(c)
	}
	return report, nil
}

func (l *ReplicatedEntryList) applyAdd(op Op, batch *changeBatch) error {
	if op.Handle.Collection != l.id || op.Handle.IsZero() {
		return ErrInvalidHandle
	}

	if existing, ok := l.index[op.Handle.Entry]; ok {
		if existing.handle == op.Handle {
			// Already known, e.g. from an overlapping resync: treat as a field update.
			old := existing.instance.stack
			mask, err := decodeFields(existing.instance, op.Fields)
			if err != nil {
				return err
			}
			batch.modified(existing, old, mask)
			return nil
		}
		// The slot was reused upstream; the old entry is gone.
		batch.removed(existing)
		l.detach(existing)
	}

	def, err := l.loadDefinition(op.Definition)
	if err != nil {
		return err
	}

	inst := newInstance(op.Handle, def)
	if err := l.fragments.instantiateAll(inst); err != nil {
		return err
	}
	if _, err := decodeFields(inst, op.Fields); err != nil {
		l.fragments.teardownAll(inst)
		return err
	}
	inst.takeDirty()

	e := &Entry{
		handle:        op.Handle,
		definition:    op.Definition,
		instance:      inst,
		fieldVersions: make([]uint64, inst.fieldCount()),
	}
	l.entries = append(l.entries, e)
	l.index[op.Handle.Entry] = e
	batch.added(e)
	return nil
}

func (l *ReplicatedEntryList) applyMutate(op Op, batch *changeBatch) error {
	e, err := l.Resolve(op.Handle)
	if err != nil {
		return ErrInvalidHandle
	}
	old := e.instance.stack
	mask, err := decodeFields(e.instance, op.Fields)
	if err != nil {
		return err
	}
	batch.modified(e, old, mask)
	return nil
}

// applyRemove removes the entry if present. Removing an unknown handle is a
// no-op so that replayed removals stay idempotent.
func (l *ReplicatedEntryList) applyRemove(op Op, batch *changeBatch) {
	e, err := l.Resolve(op.Handle)
	if err != nil {
		return
	}
	batch.removed(e)
	l.detach(e)
}

// detach unlinks e from the list and tears its capabilities down.
func (l *ReplicatedEntryList) detach(e *Entry) {
	if i := slices.Index(l.entries, e); i >= 0 {
		l.entries = slices.Delete(l.entries, i, i+1)
	}
	delete(l.index, e.handle.Entry)
	l.fragments.teardownAll(e.instance)
}

func (l *ReplicatedEntryList) loadDefinition(id DefinitionID) (*Definition, error) {
	if l.defs == nil {
		return nil, fmt.Errorf("%q: %w", id, ErrDefinitionNotFound)
	}
	return l.defs.Load(context.Background(), id)
}

func (l *ReplicatedEntryList) notify(c EntryChange) {
	for _, id := range slices.Clone(l.observerSeq) {
		if fn, ok := l.observers[id]; ok {
			fn(c)
		}
	}
}

// encodeFields encodes the fields in mask in ascending order.
func encodeFields(inst *Instance, mask FieldMask) ([]FieldValue, error) {
	ids := mask.Fields()
	out := make([]FieldValue, 0, len(ids))
	for _, id := range ids {
		raw, err := inst.encodeField(id)
		if err != nil {
			return nil, err
		}
		out = append(out, FieldValue{ID: id, Value: raw})
	}
	return out, nil
}

// decodeFields applies field values and returns the mask of fields touched.
func decodeFields(inst *Instance, fields []FieldValue) (FieldMask, error) {
	var mask FieldMask
	for _, f := range fields {
		if err := inst.decodeField(f.ID, f.Value); err != nil {
			return mask, fmt.Errorf("field %d: %w", f.ID, err)
		}
		mask.Set(f.ID)
	}
	return mask, nil
}

// changeBatch folds the per-field effects of a delta into one change per entry.
type changeBatch struct {
	collection uint32
	order      []Handle
	byHandle   map[Handle]*EntryChange
}

func newChangeBatch(collection uint32) *changeBatch {
	return &changeBatch{collection: collection, byHandle: make(map[Handle]*EntryChange)}
}

func (b *changeBatch) added(e *Entry) {
	b.put(EntryChange{
		Collection: b.collection,
		Handle:     e.handle,
		Kind:       ChangeAdded,
		Definition: e.definition,
		NewCount:   e.instance.stack,
	})
}

func (b *changeBatch) modified(e *Entry, old int, mask FieldMask) {
	if c, ok := b.byHandle[e.handle]; ok {
		// Added or modified earlier in this delta; fold the fields in.
		c.NewCount = e.instance.stack
		c.Fields = c.Fields.Or(mask)
		return
	}
	b.put(EntryChange{
		Collection: b.collection,
		Handle:     e.handle,
		Kind:       ChangeModified,
		Definition: e.definition,
		OldCount:   old,
		NewCount:   e.instance.stack,
		Fields:     mask,
	})
}

func (b *changeBatch) removed(e *Entry) {
	if c, ok := b.byHandle[e.handle]; ok {
		if c.Kind == ChangeAdded {
			// Added and removed within one delta: observers never saw it.
			delete(b.byHandle, e.handle)
			b.order = slices.DeleteFunc(b.order, func(h Handle) bool { return h == e.handle })
			return
		}
		c.Kind = ChangeRemoved
		c.NewCount = 0
		return
	}
	b.put(EntryChange{
		Collection: b.collection,
		Handle:     e.handle,
		Kind:       ChangeRemoved,
		Definition: e.definition,
		OldCount:   e.instance.stack,
	})
}

func (b *changeBatch) put(c EntryChange) {
	b.order = append(b.order, c.Handle)
	b.byHandle[c.Handle] = &c
}

func (b *changeBatch) changes() []EntryChange {
	out := make([]EntryChange, 0, len(b.order))
	for _, h := range b.order {
		out = append(out, *b.byHandle[h])
	}
	return out
}

// EntrySnapshot is a structural view of one entry.
type EntrySnapshot struct {
	Handle     Handle                           `json:"handle"`
	Definition DefinitionID                     `json:"definition"`
	StackCount int                              `json:"stack_count"`
	Tags       TagSet                           `json:"tags"`
	State      map[FragmentKind]json.RawMessage `json:"state"`
}

// Snapshot returns a structural view of every entry in order. Two lists holding
// the same state produce equal snapshots.
func (l *ReplicatedEntryList) Snapshot() ([]EntrySnapshot, error) {
	out := make([]EntrySnapshot, 0, len(l.entries))
	for _, e := range l.entries {
		s, err := snapshotEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// snapshotEntry returns the structural view of a single entry.
func snapshotEntry(e *Entry) (EntrySnapshot, error) {
	s := EntrySnapshot{
		Handle:     e.handle,
		Definition: e.definition,
		StackCount: e.instance.stack,
		State:      make(map[FragmentKind]json.RawMessage, len(e.instance.caps)),
	}
	if len(e.instance.tags) > 0 {
		s.Tags = slices.Clone(e.instance.tags)
	}
	for _, c := range e.instance.caps {
		raw, err := json.Marshal(c)
		if err != nil {
			return EntrySnapshot{}, fmt.Errorf("snapshot %s: %w", e.handle, err)
		}
		s.State[c.Kind()] = raw
	}
	return s, nil
}
