// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package densemap

import "fmt"

// cursor is a position in a Map's dense store. It holds a non-owning
// reference to the map and never consults the bucket index.
type cursor[K comparable, V any] struct {
	m   *Map[K, V]
	pos int
	// epoch is the map's epoch when the cursor was created. Only checked
	// when invariants are enabled.
	epoch uint64
}

// Pos returns the position of the cursor in the map's dense store. End() is
// at position Len().
func (c cursor[K, V]) Pos() int {
	return c.pos
}

// Next advances the cursor by one position.
func (c *cursor[K, V]) Next() {
	c.pos++
}

// Prev moves the cursor back by one position.
func (c *cursor[K, V]) Prev() {
	c.pos--
}

// Key returns the key of the entry at the cursor.
func (c cursor[K, V]) Key() K {
	return c.entry().key
}

// Value returns the value of the entry at the cursor.
func (c cursor[K, V]) Value() V {
	return c.entry().value
}

// Entry returns a copy of the entry at the cursor.
func (c cursor[K, V]) Entry() Entry[K, V] {
	return *c.entry()
}

func (c cursor[K, V]) entry() *Entry[K, V] {
	if invariants {
		if c.epoch != c.m.epoch {
			panic(fmt.Sprintf("invariant failed: iterator at position %d used after map mutation (epoch %d != %d)",
				c.pos, c.epoch, c.m.epoch))
		}
		if c.pos < 0 || c.pos >= len(c.m.entries) {
			panic(fmt.Sprintf("invariant failed: iterator position %d out of range [0,%d)",
				c.pos, len(c.m.entries)))
		}
	}
	return &c.m.entries[c.pos]
}

// Iterator is a cursor over a Map's entries that allows the value of the
// entry it refers to be modified. The zero Iterator is not usable.
//
// Iteration visits entries in dense store order:
//
//	for it := m.Begin(); !it.Equal(m.End()); it.Next() {
//	  fmt.Printf("%v: %v\n", it.Key(), it.Value())
//	}
//
// An Iterator is invalidated by any insert of a new key, delete or Clear on
// its map. See the package documentation.
type Iterator[K comparable, V any] struct {
	cursor[K, V]
}

// Equal returns true if both iterators refer to the same map and position.
func (it Iterator[K, V]) Equal(other Iterator[K, V]) bool {
	return it.m == other.m && it.pos == other.pos
}

// SetValue overwrites the value of the entry at the iterator.
func (it Iterator[K, V]) SetValue(value V) {
	it.entry().value = value
}

// ValuePtr returns a pointer to the value of the entry at the iterator. The
// pointer shares the iterator's validity.
func (it Iterator[K, V]) ValuePtr() *V {
	return &it.entry().value
}

// Const returns a ConstIterator at the same position.
func (it Iterator[K, V]) Const() ConstIterator[K, V] {
	return ConstIterator[K, V]{it.cursor}
}

// ConstIterator is a read-only cursor over a Map's entries. It has the same
// positioning and invalidation rules as Iterator.
type ConstIterator[K comparable, V any] struct {
	cursor[K, V]
}

// Equal returns true if both iterators refer to the same map and position.
func (it ConstIterator[K, V]) Equal(other ConstIterator[K, V]) bool {
	return it.m == other.m && it.pos == other.pos
}

// Begin returns an iterator at the first entry of the map, which equals End()
// when the map is empty.
func (m *Map[K, V]) Begin() Iterator[K, V] {
	return m.iterator(0)
}

// End returns the iterator one past the last entry of the map. It is also
// the sentinel returned by Find for a missing key and must not be
// dereferenced.
func (m *Map[K, V]) End() Iterator[K, V] {
	return m.iterator(len(m.entries))
}

// CBegin is the ConstIterator variant of Begin.
func (m *Map[K, V]) CBegin() ConstIterator[K, V] {
	return m.Begin().Const()
}

// CEnd is the ConstIterator variant of End.
func (m *Map[K, V]) CEnd() ConstIterator[K, V] {
	return m.End().Const()
}

func (m *Map[K, V]) iterator(pos int) Iterator[K, V] {
	return Iterator[K, V]{cursor[K, V]{m: m, pos: pos, epoch: m.epoch}}
}
