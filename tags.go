package loadout

import (
	"slices"
	"strings"
	"sync"
)

// tagSeparator splits hierarchical tag names.
const tagSeparator = "."

// Tag is a hierarchical, dot separated gameplay tag such as "item.weapon.sword".
type Tag string

// Valid reports whether every segment of the tag is non-empty.
func (t Tag) Valid() bool {
	if t == "" {
		return false
	}
	for part := range strings.SplitSeq(string(t), tagSeparator) {
		if strings.TrimSpace(part) == "" {
			return false
		}
	}
	return true
}

// Matches reports whether t equals other or is a descendant of it.
// "item.weapon.sword" matches "item.weapon" but not "item.weap".
func (t Tag) Matches(other Tag) bool {
	if t == other {
		return true
	}
	return strings.HasPrefix(string(t), string(other)+tagSeparator)
}

// Parent returns the direct parent of t, or "" for a root tag.
func (t Tag) Parent() Tag {
	i := strings.LastIndex(string(t), tagSeparator)
	if i < 0 {
		return ""
	}
	return t[:i]
}

// TagSet is a sorted set of tags without duplicates.
type TagSet []Tag

// NewTagSet builds a set from the given tags.
func NewTagSet(tags ...Tag) TagSet {
	var s TagSet
	for _, t := range tags {
		s = s.With(t)
	}
	return s
}

// With returns a set that includes t. The receiver is not modified.
func (s TagSet) With(t Tag) TagSet {
	i, found := slices.BinarySearch(s, t)
	if found {
		return s
	}
	return slices.Insert(slices.Clone(s), i, t)
}

// Without returns a set that excludes t. The receiver is not modified.
func (s TagSet) Without(t Tag) TagSet {
	i, found := slices.BinarySearch(s, t)
	if !found {
		return s
	}
	return slices.Delete(slices.Clone(s), i, i+1)
}

// HasExact reports whether t is in the set.
func (s TagSet) HasExact(t Tag) bool {
	_, found := slices.BinarySearch(s, t)
	return found
}

// Has reports whether any tag in the set matches t hierarchically.
func (s TagSet) Has(t Tag) bool {
	for _, own := range s {
		if own.Matches(t) {
			return true
		}
	}
	return false
}

// HasAll reports whether every tag of other matches a tag of s.
func (s TagSet) HasAll(other TagSet) bool {
	for _, t := range other {
		if !s.Has(t) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one tag of other matches a tag of s.
func (s TagSet) HasAny(other TagSet) bool {
	for _, t := range other {
		if s.Has(t) {
			return true
		}
	}
	return false
}

// HasAllExact reports whether every tag of other is in s.
func (s TagSet) HasAllExact(other TagSet) bool {
	for _, t := range other {
		if !s.HasExact(t) {
			return false
		}
	}
	return true
}

// HasAnyExact reports whether at least one tag of other is in s.
func (s TagSet) HasAnyExact(other TagSet) bool {
	for _, t := range other {
		if s.HasExact(t) {
			return true
		}
	}
	return false
}

// TagCounter tracks stacked tag counts for an actor. Several grants may add the
// same tag; the tag is present while its count is positive.
type TagCounter struct {
	mu        sync.Mutex
	counts    map[Tag]int
	listeners map[int]func(Tag, int)
	nextID    int
}

// NewTagCounter creates an empty counter.
func NewTagCounter() *TagCounter {
	return &TagCounter{
		counts:    make(map[Tag]int),
		listeners: make(map[int]func(Tag, int)),
	}
}

// Add changes the count of t by delta and notifies listeners with the new count.
// Counts never drop below zero.
func (c *TagCounter) Add(t Tag, delta int) int {
	c.mu.Lock()
	n := max(c.counts[t]+delta, 0)
	if n == 0 {
		delete(c.counts, t)
	} else {
		c.counts[t] = n
	}
	listeners := make([]func(Tag, int), 0, len(c.listeners))
	for _, id := range c.sortedListenerIDs() {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(t, n)
	}
	return n
}

// Count returns the current count of t.
func (c *TagCounter) Count(t Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

// Tags returns every tag with a positive count.
func (c *TagCounter) Tags() TagSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := make(TagSet, 0, len(c.counts))
	for t := range c.counts {
		s = append(s, t)
	}
	slices.Sort(s)
	return s
}

// listen registers fn for count changes and returns a function removing it.
func (c *TagCounter) listen(fn func(Tag, int)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// sortedListenerIDs returns listener ids in registration order. Caller must hold lock.
func (c *TagCounter) sortedListenerIDs() []int {
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// TagBindings maps tags to typed setters. It replaces looking properties up by
// name: every binding is registered explicitly at startup.
//
//	var b loadout.TagBindings
//	b.BindBool("status.stunned", func(v bool) { state.Stunned = v })
//	b.BindInt("buff.haste", func(v int) { state.HasteStacks = v })
//	b.Attach(actor.Tags())
//
// Bindings may be added and changes delivered from different goroutines.
// Setters run without the lock held.
type TagBindings struct {
	mu       sync.Mutex
	bindings []tagBinding
	counter  *TagCounter
	cancel   func()
}

type tagBinding struct {
	tag   Tag
	apply func(count int)
}

// BindBool binds fn to the presence of t.
func (b *TagBindings) BindBool(t Tag, fn func(bool)) {
	b.bind(t, func(n int) { fn(n > 0) })
}

// BindInt binds fn to the count of t.
func (b *TagBindings) BindInt(t Tag, fn func(int)) {
	b.bind(t, fn)
}

// BindFloat binds fn to the count of t as a float.
func (b *TagBindings) BindFloat(t Tag, fn func(float64)) {
	b.bind(t, func(n int) { fn(float64(n)) })
}

func (b *TagBindings) bind(t Tag, apply func(int)) {
	b.mu.Lock()
	b.bindings = append(b.bindings, tagBinding{tag: t, apply: apply})
	counter := b.counter
	b.mu.Unlock()

	if counter != nil {
		apply(counter.Count(t))
	}
}

// Attach starts following counter. Current counts are applied immediately.
// Attaching to the counter already followed is a no-op.
func (b *TagBindings) Attach(counter *TagCounter) {
	if counter == nil {
		return
	}
	b.mu.Lock()
	if b.counter == counter {
		b.mu.Unlock()
		return
	}
	old := b.cancel
	b.counter = counter
	b.cancel = counter.listen(b.onChange)
	b.mu.Unlock()

	if old != nil {
		old()
	}
	b.ApplyCurrent()
}

// ApplyCurrent re-applies every binding from the current counts.
func (b *TagBindings) ApplyCurrent() {
	b.mu.Lock()
	counter := b.counter
	bindings := slices.Clone(b.bindings)
	b.mu.Unlock()

	if counter == nil {
		return
	}
	for _, binding := range bindings {
		binding.apply(counter.Count(binding.tag))
	}
}

// Detach stops following the counter.
func (b *TagBindings) Detach() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.counter = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (b *TagBindings) onChange(t Tag, n int) {
	b.mu.Lock()
	var apply []func(int)
	for _, binding := range b.bindings {
		if binding.tag == t {
			apply = append(apply, binding.apply)
		}
	}
	b.mu.Unlock()

	for _, fn := range apply {
		fn(n)
	}
}
