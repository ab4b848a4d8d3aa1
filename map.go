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

// Package densemap is a hash map that uses separate chaining for collision
// resolution and keeps its entries packed in a dense array so that iteration
// is a linear walk over live entries. See also:
// https://en.wikipedia.org/wiki/Hash_table#Separate_chaining.
//
// # Layout
//
// A Map is made of two tables. The dense store is a slice of entries holding
// every live key/value pair contiguously. The bucket index is a slice of
// buckets, each bucket being a small slice of positions into the dense store.
// A key with hash h lives in bucket h%N where N is the bucket count. N is
// always a power of two, starting at 1, so h%N is computed as h&(N-1).
//
//	 buckets (N=4)          entries
//	+---+                  +--------+
//	| 0 | --> [2]          | 0: k,v | <-- bucket 3
//	+---+                  +--------+
//	| 1 | --> []           | 1: k,v | <-- bucket 3
//	+---+                  +--------+
//	| 2 | --> []           | 2: k,v | <-- bucket 0
//	+---+                  +--------+
//	| 3 | --> [0, 1]
//	+---+
//
// Lookup hashes the key, selects a bucket and compares the key against the
// entry at each position in that bucket. Lookup is expected O(1) for a hash
// function that distributes keys evenly and degrades to O(n) when every key
// collides.
//
// Iteration only looks at the dense store. An Iterator is a (map, position)
// pair and knows nothing about buckets.
//
// # Growth
//
// After an insert adds a new entry, the bucket index is doubled and rebuilt
// from scratch if 3*len >= 2*N (i.e. the load factor reached 2/3). Positions
// in the dense store do not change when the bucket index is rebuilt. The
// bucket index never shrinks on deletion. Clear resets it to a single
// bucket.
//
// # Deletion
//
// Deletion never leaves holes in the dense store. The deleted entry is
// overwritten with the last entry, the dense store is truncated by one, the
// deleted position is removed from its bucket, and the bucket that indexed
// the last entry has that position rewritten to the deleted position. The
// entry that moved is the only one whose position changes.
//
// # Iterator invalidation
//
// Any insert of a new key, successful delete, or Clear invalidates all
// outstanding iterators and pointers returned by Ref. Using an invalidated
// iterator is undefined: its position may now refer to a different entry or
// lie past the end. When built with the invariants build tag, every map
// carries an epoch that is compared on each iterator dereference and a stale
// iterator panics.
//
// # Errors
//
// At is the only operation that reports a missing key as an error, by
// returning ErrKeyNotFound. Failure to allocate is a fatal runtime error in
// Go and is not surfaced as an error.
package densemap

import (
	"errors"
	"fmt"
	"hash/maphash"
	"iter"
	"math/bits"
	"math/rand/v2"
	"strings"
)

const debug = false

// ErrKeyNotFound is returned by Map.At when the requested key is not present.
var ErrKeyNotFound = errors.New("densemap: key not found")

// Entry holds a key and value. The key of an entry stored in a Map is never
// modified.
type Entry[K comparable, V any] struct {
	key   K
	value V
}

// MakeEntry returns an Entry for the supplied key and value.
func MakeEntry[K comparable, V any](key K, value V) Entry[K, V] {
	return Entry[K, V]{key: key, value: value}
}

// Key returns the entry's key.
func (e Entry[K, V]) Key() K {
	return e.key
}

// Value returns the entry's value.
func (e Entry[K, V]) Value() V {
	return e.value
}

// bucket is an unordered set of positions in Map.entries.
type bucket []int

// remove removes pos from the bucket by swapping it with the last element.
func (b *bucket) remove(pos int) {
	s := *b
	for i := range s {
		if s[i] == pos {
			s[i] = s[len(s)-1]
			*b = s[:len(s)-1]
			return
		}
	}
	panic(fmt.Sprintf("invariant failed: position %d not found in bucket %v", pos, s))
}

// replace rewrites the element equal to oldPos as newPos.
func (b bucket) replace(oldPos, newPos int) {
	for i := range b {
		if b[i] == oldPos {
			b[i] = newPos
			return
		}
	}
	panic(fmt.Sprintf("invariant failed: position %d not found in bucket %v", oldPos, b))
}

type hashFn[K comparable] func(key *K, seed uintptr) uintptr

// Map is an unordered map from keys to values with Insert, Find, Delete, At,
// Ref, and All operations. By default, a Map[K,V] hashes keys with
// hash/maphash, though a different hash function can be specified using the
// WithHash option.
//
// Insert does not overwrite the value of a key that is already present. Use
// Ref or an Iterator to modify a stored value.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K.
	hash hashFn[K]
	seed uintptr
	// entries is the dense store. Every live entry is in entries[:len], in no
	// particular order.
	entries []Entry[K, V]
	// buckets is the bucket index. len(buckets) is always a power of 2 and
	// every position in [0, len(entries)) appears in exactly one bucket.
	buckets []bucket
	// epoch is incremented by every operation that adds or removes entries.
	// Iterators record the epoch they were created at.
	epoch uint64
}

// New constructs a new Map with a single empty bucket.
func New[K comparable, V any](options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(options...)
	return m
}

// FromSeq constructs a new Map containing the key/value pairs produced by
// seq. If seq produces a key more than once, the first value wins.
func FromSeq[K comparable, V any](seq iter.Seq2[K, V], options ...option[K, V]) *Map[K, V] {
	m := New[K, V](options...)
	for k, v := range seq {
		m.Insert(k, v)
	}
	return m
}

// FromEntries constructs a new Map containing the supplied entries. If a key
// appears more than once, the earliest entry wins.
func FromEntries[K comparable, V any](entries []Entry[K, V], options ...option[K, V]) *Map[K, V] {
	m := New[K, V](options...)
	for i := range entries {
		m.Insert(entries[i].key, entries[i].value)
	}
	return m
}

// Init initializes a Map, discarding any entries it previously held. Init
// is useful for reusing a Map value without a new heap allocation for the
// Map itself.
func (m *Map[K, V]) Init(options ...option[K, V]) {
	*m = Map[K, V]{
		hash:    defaultHash[K],
		seed:    uintptr(rand.Uint64()),
		buckets: make([]bucket, 1),
	}

	for _, op := range options {
		op.apply(m)
	}

	m.checkInvariants()
}

// Insert inserts an entry into the map. It is a noop if an entry with the
// same key already exists: the existing value is not overwritten.
func (m *Map[K, V]) Insert(key K, value V) {
	m.insert(key, value)
}

// insert returns the position of key in the dense store, appending a new
// entry with the supplied value if key was not present.
func (m *Map[K, V]) insert(key K, value V) (pos int, inserted bool) {
	b, pos := m.find(&key)
	if pos >= 0 {
		if debug {
			fmt.Printf("insert(%v): exists at position %d\n", key, pos)
		}
		return pos, false
	}

	pos = len(m.entries)
	m.entries = append(m.entries, Entry[K, V]{key: key, value: value})
	m.buckets[b] = append(m.buckets[b], pos)
	m.epoch++
	if debug {
		fmt.Printf("insert(%v): position=%d bucket=%d\n", key, pos, b)
	}

	if 3*len(m.entries) >= 2*len(m.buckets) {
		m.rehash(2 * len(m.buckets))
	}
	m.checkInvariants()
	return pos, true
}

// Find returns an iterator positioned at the entry for key, or End() if the
// key is not present.
func (m *Map[K, V]) Find(key K) Iterator[K, V] {
	_, pos := m.find(&key)
	if pos < 0 {
		return m.End()
	}
	return m.iterator(pos)
}

// CFind is the ConstIterator variant of Find.
func (m *Map[K, V]) CFind(key K) ConstIterator[K, V] {
	return m.Find(key).Const()
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if _, pos := m.find(&key); pos >= 0 {
		return m.entries[pos].value, true
	}
	return value, false
}

// At returns the value for key. If key is not present, At returns an error
// wrapping ErrKeyNotFound.
func (m *Map[K, V]) At(key K) (V, error) {
	_, pos := m.find(&key)
	if pos < 0 {
		var zero V
		return zero, fmt.Errorf("%w: %v", ErrKeyNotFound, key)
	}
	return m.entries[pos].value, nil
}

// Ref returns a pointer to the value stored for key, first inserting an
// entry with the zero value if key is not present. The pointer is valid
// until the next insert of a new key, delete or Clear.
func (m *Map[K, V]) Ref(key K) *V {
	var zero V
	pos, _ := m.insert(key, zero)
	return &m.entries[pos].value
}

// Delete deletes the entry corresponding to the specified key from the map.
// It is a noop to delete a non-existent key.
//
// The last entry in the dense store is moved into the position vacated by
// the deleted entry.
func (m *Map[K, V]) Delete(key K) {
	b0, p0 := m.find(&key)
	if p0 < 0 {
		if debug {
			fmt.Printf("delete(%v): not found\n", key)
		}
		return
	}

	// Both bucket indexes are computed before the dense store is touched.
	pLast := len(m.entries) - 1
	bLast := m.bucketIndex(&m.entries[pLast].key)

	m.entries[p0] = m.entries[pLast]
	m.entries[pLast] = Entry[K, V]{}
	m.entries = m.entries[:pLast]

	m.buckets[b0].remove(p0)
	if p0 != pLast {
		m.buckets[bLast].replace(pLast, p0)
	}
	m.epoch++

	if debug {
		fmt.Printf("delete(%v): position=%d bucket=%d moved=%d bucket=%d\n",
			key, p0, b0, pLast, bLast)
	}
	m.checkInvariants()
}

// Clear deletes all entries from the map and resets the bucket index to a
// single bucket. The dense store's backing array is retained.
func (m *Map[K, V]) Clear() {
	clear(m.entries)
	m.entries = m.entries[:0]
	m.buckets = make([]bucket, 1)
	m.epoch++
	m.checkInvariants()
}

// All calls yield sequentially for each key and value present in the map, in
// dense store order. If yield returns false, range stops the iteration.
// Inserting or deleting entries during iteration may cause entries to be
// skipped or visited more than once.
//
// All can be used with range-over-func:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for i := 0; i < len(m.entries); i++ {
		e := &m.entries[i]
		if !yield(e.key, e.value) {
			return
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return len(m.entries)
}

// Empty returns true if the map contains no entries.
func (m *Map[K, V]) Empty() bool {
	return len(m.entries) == 0
}

// bucketCount returns the number of buckets in the bucket index.
func (m *Map[K, V]) bucketCount() int {
	return len(m.buckets)
}

// bucketIndex returns the bucket for key under the current bucket count.
func (m *Map[K, V]) bucketIndex(key *K) uintptr {
	return m.hash(key, m.seed) & uintptr(len(m.buckets)-1)
}

// find returns the bucket for key and the position of its entry, or -1 if
// the key is not present.
func (m *Map[K, V]) find(key *K) (b uintptr, pos int) {
	b = m.bucketIndex(key)
	for _, p := range m.buckets[b] {
		if m.entries[p].key == *key {
			return b, p
		}
	}
	return b, -1
}

// rehash discards the bucket index and rebuilds it with n buckets. n must be
// a power of 2.
func (m *Map[K, V]) rehash(n int) {
	if debug {
		fmt.Printf("rehash: buckets=%d->%d  len=%d\n", len(m.buckets), n, len(m.entries))
	}

	buckets := make([]bucket, n)
	mask := uintptr(n - 1)
	for i := range m.entries {
		b := m.hash(&m.entries[i].key, m.seed) & mask
		buckets[b] = append(buckets[b], i)
	}
	m.buckets = buckets
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		n := len(m.buckets)
		if n < 1 || n&(n-1) != 0 {
			panic(fmt.Sprintf("invariant failed: bucket count %d is not a power of 2\n%s",
				n, m.debugString()))
		}

		// Every position is indexed exactly once, in the bucket its key hashes
		// to.
		seen := make([]bool, len(m.entries))
		var indexed int
		for b := range m.buckets {
			for _, p := range m.buckets[b] {
				if p < 0 || p >= len(m.entries) {
					panic(fmt.Sprintf("invariant failed: bucket(%d): position %d out of range\n%s",
						b, p, m.debugString()))
				}
				if seen[p] {
					panic(fmt.Sprintf("invariant failed: bucket(%d): position %d indexed twice\n%s",
						b, p, m.debugString()))
				}
				seen[p] = true
				if h := m.bucketIndex(&m.entries[p].key); h != uintptr(b) {
					panic(fmt.Sprintf("invariant failed: bucket(%d): position %d hashes to bucket %d\n%s",
						b, p, h, m.debugString()))
				}
				indexed++
			}
		}
		if indexed != len(m.entries) {
			panic(fmt.Sprintf("invariant failed: found %d indexed positions, but len is %d\n%s",
				indexed, len(m.entries), m.debugString()))
		}

		// Keys are unique: a duplicate key would make find return the same
		// position for two entries.
		for i := range m.entries {
			if _, p := m.find(&m.entries[i].key); p != i {
				panic(fmt.Sprintf("invariant failed: entry(%d): %v found at position %d\n%s",
					i, m.entries[i].key, p, m.debugString()))
			}
		}

		if 3*len(m.entries) >= 2*len(m.buckets) {
			panic(fmt.Sprintf("invariant failed: len=%d exceeds load factor for %d buckets\n%s",
				len(m.entries), len(m.buckets), m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "buckets=%d  len=%d  epoch=%d\n", len(m.buckets), len(m.entries), m.epoch)
	for i := range m.entries {
		fmt.Fprintf(&buf, "  entry %4d: %v\n", i, m.entries[i].key)
	}
	for b := range m.buckets {
		if len(m.buckets[b]) > 0 {
			fmt.Fprintf(&buf, "  bucket %4d: %v\n", b, m.buckets[b])
		}
	}
	return buf.String()
}

// runtimeSeed is shared by every Map. Maps differ from one another through
// Map.seed, which is mixed into the hashed value.
var runtimeSeed = maphash.MakeSeed()

type seededKey[K comparable] struct {
	seed uintptr
	key  K
}

// defaultHash hashes key the same way Go's builtin map would treat it for
// equality purposes.
func defaultHash[K comparable](key *K, seed uintptr) uintptr {
	return uintptr(maphash.Comparable(runtimeSeed, seededKey[K]{seed: seed, key: *key}))
}

// ceilPow2 returns the smallest power of 2 >= n, and 1 for n <= 1.
func ceilPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
