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

package quadmap

import (
	"hash/maphash"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/rand"
)

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
// The hash function must be deterministic for a given seed and consistent
// with the key equality: keys that are equal must hash to the same value.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

// WithIntegerHash is an option to hash integer keys by their value. This
// places small non-negative keys in slot order, which is useful when keys
// are dense, but makes the layout predictable to whoever chooses the keys.
func WithIntegerHash[K constraints.Integer, V any]() option[K, V] {
	return hashOption[K, V]{func(key *K, _ uintptr) uintptr {
		return uintptr(*key)
	}}
}

type equalOption[K comparable, V any] struct {
	equal func(a, b *K) bool
}

func (op equalOption[K, V]) apply(m *Map[K, V]) {
	m.equal = op.equal
}

// WithEqual is an option to specify the key equality used by a Map[K,V] in
// place of ==. It is usually combined with WithHash.
func WithEqual[K comparable, V any](equal func(a, b *K) bool) option[K, V] {
	return equalOption[K, V]{equal}
}

// hashSeed keys the default hasher. Each Map mixes its own seed on top.
var hashSeed = maphash.MakeSeed()

// seedSource produces per-map seeds. The global x/exp/rand source starts
// from the same state in every process, so this one is seeded from maphash.
var seedSource = func() *rand.Rand {
	src := &rand.LockedSource{}
	src.Seed(randomSeed())
	return rand.New(src)
}()

// randomSeed returns a value that differs from process to process.
func randomSeed() uint64 {
	var h maphash.Hash
	h.SetSeed(maphash.MakeSeed())
	return h.Sum64()
}

// newSeed returns the seed passed to the hash function of a new Map.
func newSeed() uintptr {
	return uintptr(seedSource.Uint64())
}

func defaultHash[K comparable](key *K, seed uintptr) uintptr {
	return uintptr(maphash.Comparable(hashSeed, *key)) ^ seed
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that keys,
// values and states be freed then Map.Close must be called in order to
// ensure the Free methods are called.
type Allocator[K comparable, V any] interface {
	// AllocKeys should return a slice equivalent to make([]K, n).
	AllocKeys(n int) []K

	// AllocValues should return a slice equivalent to make([]V, n).
	AllocValues(n int) []V

	// AllocStates should return a slice equivalent to make([]uint8, n).
	AllocStates(n int) []uint8

	// FreeKeys can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by AllocKeys.
	FreeKeys(v []K)

	// FreeValues can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocValues.
	FreeValues(v []V)

	// FreeStates can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocStates.
	FreeStates(v []uint8)
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocKeys(n int) []K {
	return make([]K, n)
}

func (defaultAllocator[K, V]) AllocValues(n int) []V {
	return make([]V, n)
}

func (defaultAllocator[K, V]) AllocStates(n int) []uint8 {
	return make([]uint8, n)
}

func (defaultAllocator[K, V]) FreeKeys(v []K) {
}

func (defaultAllocator[K, V]) FreeValues(v []V) {
}

func (defaultAllocator[K, V]) FreeStates(v []uint8) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
