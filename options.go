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

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The hash function must be deterministic for a given key and seed.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

type seedOption[K comparable, V any] struct {
	seed uintptr
}

func (op seedOption[K, V]) apply(m *Map[K, V]) {
	m.seed = op.seed
}

// WithSeed is an option to specify the seed passed to the hash function
// instead of a random one. Two maps with the same hash function and seed
// place keys in the same buckets.
func WithSeed[K comparable, V any](seed uintptr) option[K, V] {
	return seedOption[K, V]{seed}
}

type initialBucketsOption[K comparable, V any] struct {
	n int
}

func (op initialBucketsOption[K, V]) apply(m *Map[K, V]) {
	m.buckets = make([]bucket, ceilPow2(op.n))
}

// WithInitialBuckets is an option to start a Map with at least n buckets
// (rounded up to a power of 2) rather than 1. Clear always resets a Map to a
// single bucket.
func WithInitialBuckets[K comparable, V any](n int) option[K, V] {
	return initialBucketsOption[K, V]{n}
}
