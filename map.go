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

// package quadmap is a Go implementation of a closed hashing (open
// addressing) hash map with quadratic probing and prime table sizes.
//
// # Layout
//
// A Map holds three parallel arrays of capacity slots: a packed array of
// 2-bit slot states (empty, placeholder or occupied; see state.go), an array
// of keys and an array of values. The capacity is always zero or one of the
// primes in primeCapacities, each roughly twice the previous one.
//
// # Probing
//
// A key is looked up by computing base = hash(key) % capacity and examining
// the slots
//
//	base, base+1², base-1², base+2², base-2², ..., base±(capacity-1)²
//
// (mod capacity). Probing stops at the first empty slot, which proves the key
// is absent. Occupied slots are compared against the key. Placeholder slots
// never match but do not stop the probe either; the first free (empty or
// placeholder) slot seen is where an absent key is inserted.
//
// For a prime capacity p the values i² for i in [0, (p-1)/2] are distinct
// mod p, so the sequence visits at least (p+1)/2 distinct slots. When p ≡ 3
// (mod 4) the ± pattern visits every slot; when p ≡ 1 (mod 4) it can visit as
// few as half of them. The table is therefore never allowed to become more
// than 49% used (live entries plus placeholders), which guarantees that a
// probe sequence always reaches a free slot.
//
// # Deletion
//
// Deleting an entry turns its slot into a placeholder (a tombstone) so that
// probe sequences which passed through the slot keep working. Placeholders
// count toward the 49% limit and are dropped whenever the table is rehashed.
// When the limit is reached because of placeholders rather than live entries
// the table is rehashed at its current capacity instead of growing.
package quadmap

import (
	"fmt"
	"strings"
)

const (
	debug = false

	// maxOccupiedRehashFactor is the fraction of slots that may be used
	// (live entries plus placeholders) before the table is rehashed.
	maxOccupiedRehashFactor = 0.49
	// maxSizeKeepCapacityFactor is the fraction of slots that may hold live
	// entries for a rehash to keep the current capacity. For example 20%
	// live entries and 30% placeholders rehashes at the same capacity, while
	// 40% live entries and 10% placeholders grows the table.
	maxSizeKeepCapacityFactor = 0.35

	// noSlot is returned by find when the probe sequence holds no free slot.
	noSlot = ^uint32(0)
)

// Map is an unordered map from keys to values with Put, Get, Delete, and All
// operations. By default, a Map[K,V] hashes keys with hash/maphash and
// compares them with ==, though a different hash function and equality can
// be specified using the WithHash and WithEqual options.
//
// The zero value of a Map is an empty map ready to use. A Map is NOT
// goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function for keys of type K. A nil hash is replaced with the
	// default hash the first time the map allocates.
	hash func(key *K, seed uintptr) uintptr
	seed uintptr
	// The key equality. A nil equal means ==.
	equal func(a, b *K) bool
	// The allocator to use for the states, keys and values slices.
	allocator Allocator[K, V]
	// states is statesLen(capacity) in length.
	states states
	// keys and values are capacity in length. Slots which are not occupied
	// hold the zero K and V.
	keys   []K
	values []V
	// The total number of slots, zero or a member of primeCapacities.
	capacity uint32
	// The number of occupied slots (i.e. the number of elements in the map).
	used int
	// The number of placeholder slots.
	placeholders int
}

// New constructs a new Map with a capacity of at least initialCapacity. If
// initialCapacity is 0 the map will start out with zero capacity and will
// allocate on the first insert.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(initialCapacity, options...)
	return m
}

// Init initializes a Map with the specified initial capacity, releasing any
// memory held by m first. Init can be used to reuse a Map instead of
// constructing a new one with New.
func (m *Map[K, V]) Init(initialCapacity int, options ...option[K, V]) {
	m.Close()
	*m = Map[K, V]{
		hash:      defaultHash[K],
		seed:      newSeed(),
		allocator: defaultAllocator[K, V]{},
	}

	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity > 0 {
		m.Rehash(initialCapacity)
	}
	m.checkInvariants()
}

// lazyInit installs the default hash and allocator into a zero Map.
func (m *Map[K, V]) lazyInit() {
	if m.hash == nil {
		m.hash = defaultHash[K]
		m.seed = newSeed()
	}
	if m.allocator == nil {
		m.allocator = defaultAllocator[K, V]{}
	}
}

// Close releases any memory back to the configured allocator, leaving m an
// empty map with zero capacity. It is unnecessary to close a map using the
// default allocator. The map remains usable after Close, and Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	if m.capacity > 0 {
		m.free(m.states, m.keys, m.values)
	}
	m.states = nil
	m.keys = nil
	m.values = nil
	m.capacity = 0
	m.used = 0
	m.placeholders = 0
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists.
func (m *Map[K, V]) Put(key K, value V) {
	// The table is rehashed before probing so that the slot index returned
	// by find is valid in the table the entry ends up in.
	m.EnsureProperlyHashed()

	i, found := m.find(&key)
	if found {
		if debug {
			fmt.Printf("put(updating): index=%d key=%v\n", i, key)
		}
		m.values[i] = value
		m.checkInvariants()
		return
	}
	m.insertAt(i, key, value)
	m.checkInvariants()
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if m.capacity == 0 {
		return value, false
	}
	i, found := m.find(&key)
	if !found {
		return value, false
	}
	return m.values[i], true
}

// GetPtr returns a pointer to the value associated with the specified key,
// or nil if the key is not present. The pointer is only valid until the next
// call to a method which may rehash the map (Put, GetOrInsert, Rehash,
// EnsureProperlyHashed, Close).
func (m *Map[K, V]) GetPtr(key K) *V {
	if m.capacity == 0 {
		return nil
	}
	i, found := m.find(&key)
	if !found {
		return nil
	}
	return &m.values[i]
}

// GetOrInsert returns a pointer to the value associated with the specified
// key, inserting the zero V for it if the key is not present. The same
// pointer validity rules as for GetPtr apply.
func (m *Map[K, V]) GetOrInsert(key K) *V {
	if m.capacity == 0 {
		m.EnsureProperlyHashed()
	}

	i, found := m.find(&key)
	if !found {
		// Only an insertion can push the table over its occupancy limit. A
		// rehash moves every entry, so the free slot has to be found again.
		if m.EnsureProperlyHashed() {
			i, _ = m.find(&key)
		}
		var zero V
		m.insertAt(i, key, zero)
		m.checkInvariants()
	}
	return &m.values[i]
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning true if an entry was deleted. It is a noop to delete a
// non-existent key.
func (m *Map[K, V]) Delete(key K) bool {
	if m.capacity == 0 {
		return false
	}
	i, found := m.find(&key)
	if !found {
		if debug {
			fmt.Printf("delete(not-found): key=%v\n", key)
		}
		return false
	}

	// The slot is left as a placeholder rather than empty: some other key's
	// probe sequence may pass through it on the way to that key's slot.
	var zeroK K
	var zeroV V
	m.keys[i] = zeroK
	m.values[i] = zeroV
	m.states.set(i, statePlaceholder)
	m.used--
	m.placeholders++

	if debug {
		fmt.Printf("delete(%v): index=%d used=%d placeholders=%d\n",
			key, i, m.used, m.placeholders)
	}
	m.checkInvariants()
	return true
}

// Clear deletes all entries from the map resulting in an empty map. The
// capacity of the map is unchanged.
func (m *Map[K, V]) Clear() {
	if m.used == 0 && m.placeholders == 0 {
		return
	}
	clear(m.keys)
	clear(m.values)
	clear(m.states)
	m.used = 0
	m.placeholders = 0
	m.checkInvariants()
}

// Rehash rebuilds the table with a capacity of at least suggestedCapacity,
// rounded up to the next prime table capacity. The capacity never shrinks;
// a suggestedCapacity at or below the current capacity only drops the
// placeholders, and is a noop if there are none. All pointers into the map
// are invalidated.
func (m *Map[K, V]) Rehash(suggestedCapacity int) {
	target := m.capacity
	if suggestedCapacity > int(target) {
		if int64(suggestedCapacity) > MaxCapacity {
			target = MaxCapacity
		} else {
			target = uint32(suggestedCapacity)
		}
	}
	if target == 0 {
		return
	}

	newCapacity := primeCapacity(target)
	if newCapacity == m.capacity && m.placeholders == 0 {
		return
	}
	m.resize(newCapacity)
}

// EnsureProperlyHashed rehashes the map if inserting one more entry could
// take it past its occupancy limit, allocating if the map has zero capacity.
// It returns true if the map was rehashed. Put and GetOrInsert call it
// internally; after a manual call a single insertion is guaranteed not to
// rehash.
func (m *Map[K, V]) EnsureProperlyHashed() bool {
	if m.capacity == 0 {
		m.resize(MinCapacity)
		return true
	}

	occupied := m.used + m.placeholders
	if occupied < maxOccupied(m.capacity) {
		return false
	}

	// Growing by one step past the current capacity selects the next prime
	// tier. Otherwise the table is mostly placeholders and rebuilding it at
	// the same capacity is enough.
	newCapacity := m.capacity
	if m.used >= maxKeepCapacity(m.capacity) && newCapacity < MaxCapacity {
		newCapacity++
	}
	if debug {
		fmt.Printf("ensure: used=%d placeholders=%d capacity=%d->%d\n",
			m.used, m.placeholders, m.capacity, primeCapacity(newCapacity))
	}
	m.resize(primeCapacity(newCapacity))
	return true
}

// All calls yield sequentially for each key and value present in the map, in
// slot order. If yield returns false, range stops the iteration. The map
// should not be mutated during iteration: All walks the arrays as they were
// when it began, so mutations may or may not be visible.
//
// All can be used with range-over-func:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	capacity, states, keys, values := m.capacity, m.states, m.keys, m.values
	for i := uint32(0); i < capacity; i++ {
		// Skip 4 empty slots at a time.
		if i&3 == 0 && states[i>>2] == 0 {
			i += 3
			continue
		}
		if states.get(i) == stateOccupied {
			if !yield(keys[i], values[i]) {
				return
			}
		}
	}
}

// AllPtr is like All, but yields a pointer to each value so that values can
// be updated in place.
func (m *Map[K, V]) AllPtr(yield func(key K, value *V) bool) {
	capacity, states, keys, values := m.capacity, m.states, m.keys, m.values
	for i := uint32(0); i < capacity; i++ {
		if i&3 == 0 && states[i>>2] == 0 {
			i += 3
			continue
		}
		if states.get(i) == stateOccupied {
			if !yield(keys[i], &values[i]) {
				return
			}
		}
	}
}

// Clone returns a copy of the map using the same hash, equality and
// allocator. The copy owns a new allocation of the same capacity and holds
// no placeholders.
func (m *Map[K, V]) Clone() *Map[K, V] {
	c := &Map[K, V]{
		hash:      m.hash,
		seed:      m.seed,
		equal:     m.equal,
		allocator: m.allocator,
	}
	if m.capacity == 0 {
		return c
	}
	c.allocate(m.capacity)
	m.All(func(k K, v V) bool {
		i, _ := c.find(&k)
		c.insertAt(i, k, v)
		return true
	})
	c.checkInvariants()
	return c
}

// Move returns a new map which takes over the entries and memory of m. m is
// left empty with zero capacity, keeping its hash, equality and allocator.
func (m *Map[K, V]) Move() *Map[K, V] {
	n := &Map[K, V]{}
	*n = *m
	*m = Map[K, V]{
		hash:      m.hash,
		seed:      m.seed,
		equal:     m.equal,
		allocator: m.allocator,
	}
	return n
}

// Swap exchanges the contents of m and other, including their hash,
// equality and allocator.
func (m *Map[K, V]) Swap(other *Map[K, V]) {
	*m, *other = *other, *m
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Capacity returns the number of slots in the map. It is always zero or a
// prime.
func (m *Map[K, V]) Capacity() int {
	return int(m.capacity)
}

// Placeholders returns the number of slots holding a placeholder for a
// deleted entry. Len()+Placeholders() <= Capacity().
func (m *Map[K, V]) Placeholders() int {
	return m.placeholders
}

func (m *Map[K, V]) keyEqual(a, b *K) bool {
	if m.equal != nil {
		return m.equal(a, b)
	}
	return *a == *b
}

// find returns the index of the slot holding key and found=true, or if the
// key is not present, the index of the first free (empty or placeholder) slot
// on the key's probe sequence and found=false. The free index is noSlot if
// the probe sequence has no free slot, which the occupancy limit rules out.
// The map must have non-zero capacity.
func (m *Map[K, V]) find(key *K) (index uint32, found bool) {
	h := m.hash(key, m.seed)
	seq := makeProbeSeq(h, m.capacity)
	if debug {
		fmt.Printf("find(%v): %s\n", *key, seq)
	}

	free := noSlot
	for ; !seq.done(); seq = seq.next() {
		i := seq.offset
		switch m.states.get(i) {
		case stateEmpty:
			if free == noSlot {
				free = i
			}
			if debug {
				fmt.Printf("find(not-found): index=%d free=%d\n", i, free)
			}
			return free, false

		case statePlaceholder:
			if free == noSlot {
				free = i
			}

		case stateOccupied:
			if m.keyEqual(&m.keys[i], key) {
				return i, true
			}
		}
	}
	return free, false
}

// insertAt stores an entry known not to be in the map at free slot i, as
// returned by find.
func (m *Map[K, V]) insertAt(i uint32, key K, value V) {
	if i == noSlot {
		panic(fmt.Sprintf("quadmap: no free slot on the probe sequence of %v\n%s",
			key, m.debugString()))
	}
	if m.states.get(i) == statePlaceholder {
		m.placeholders--
	}
	m.states.set(i, stateOccupied)
	m.keys[i] = key
	m.values[i] = value
	m.used++
	if debug {
		fmt.Printf("insert(%v): index=%d used=%d placeholders=%d\n",
			key, i, m.used, m.placeholders)
	}
}

// allocate replaces the states, keys and values of m with fresh arrays of
// the specified capacity, without freeing the old ones.
func (m *Map[K, V]) allocate(capacity uint32) {
	m.lazyInit()
	m.states = states(m.allocator.AllocStates(statesLen(capacity)))
	m.keys = m.allocator.AllocKeys(int(capacity))
	m.values = m.allocator.AllocValues(int(capacity))
	// Recycled memory may hold stale states.
	clear(m.states)
	m.capacity = capacity
	m.used = 0
	m.placeholders = 0
}

func (m *Map[K, V]) free(s states, keys []K, values []V) {
	m.allocator.FreeStates(s)
	m.allocator.FreeKeys(keys)
	m.allocator.FreeValues(values)
}

// resize moves every entry into freshly allocated arrays of newCapacity
// slots, dropping all placeholders, and releases the old arrays.
func (m *Map[K, V]) resize(newCapacity uint32) {
	oldStates, oldKeys, oldValues := m.states, m.keys, m.values
	oldCapacity, oldUsed := m.capacity, m.used

	m.allocate(newCapacity)
	if debug {
		fmt.Printf("resize: capacity=%d->%d used=%d\n", oldCapacity, newCapacity, oldUsed)
	}

	for i := uint32(0); i < oldCapacity; i++ {
		if oldStates.get(i) != stateOccupied {
			continue
		}
		j, _ := m.find(&oldKeys[i])
		m.insertAt(j, oldKeys[i], oldValues[i])
	}

	if oldCapacity > 0 {
		m.free(oldStates, oldKeys, oldValues)
	}

	if m.used != oldUsed {
		panic(fmt.Sprintf("quadmap: resize moved %d entries, expected %d", m.used, oldUsed))
	}
	m.checkInvariants()
}

// maxOccupied returns the number of used slots (entries plus placeholders)
// at which a table of the specified capacity is rehashed.
func maxOccupied(capacity uint32) int {
	return int(maxOccupiedRehashFactor * float64(capacity))
}

// maxKeepCapacity returns the number of entries at which a rehash of a
// table of the specified capacity grows the table.
func maxKeepCapacity(capacity uint32) int {
	return int(maxSizeKeepCapacityFactor * float64(capacity))
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if m.capacity == 0 {
			if m.used != 0 || m.placeholders != 0 || len(m.keys) != 0 {
				panic(fmt.Sprintf("invariant failed: empty map with used=%d placeholders=%d keys=%d",
					m.used, m.placeholders, len(m.keys)))
			}
			return
		}
		if !isTableCapacity(m.capacity) {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a table capacity", m.capacity))
		}
		if len(m.keys) != int(m.capacity) || len(m.values) != int(m.capacity) ||
			len(m.states) != statesLen(m.capacity) {
			panic(fmt.Sprintf("invariant failed: capacity=%d keys=%d values=%d states=%d",
				m.capacity, len(m.keys), len(m.values), len(m.states)))
		}
		if m.used+m.placeholders > int(m.capacity) {
			panic(fmt.Sprintf("invariant failed: used=%d + placeholders=%d > capacity=%d",
				m.used, m.placeholders, m.capacity))
		}

		_, placeholders, used := m.states.count(m.capacity)
		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
		if placeholders != m.placeholders {
			panic(fmt.Sprintf("invariant failed: found %d placeholder slots, but placeholder count is %d\n%s",
				placeholders, m.placeholders, m.debugString()))
		}

		// For every occupied slot, verify we can retrieve the key using find
		// and that the key is stored only once.
		for i := uint32(0); i < m.capacity; i++ {
			if m.states.get(i) != stateOccupied {
				continue
			}
			j, found := m.find(&m.keys[i])
			if !found {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v not found\n%s",
					i, m.keys[i], m.debugString()))
			}
			if i != j {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v also found in slot(%d)\n%s",
					i, m.keys[i], j, m.debugString()))
			}
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  placeholders=%d\n", m.capacity, m.used, m.placeholders)
	fmt.Fprintf(&buf, "  states: %s\n", m.states.debugString(m.capacity))
	for i := uint32(0); i < m.capacity; i++ {
		switch s := m.states.get(i); s {
		case stateOccupied:
			h := m.hash(&m.keys[i], m.seed)
			fmt.Fprintf(&buf, "  %4d: %v [base=%d]\n", i, m.keys[i], uint64(h)%uint64(m.capacity))
		case statePlaceholder:
			fmt.Fprintf(&buf, "  %4d: placeholder\n", i)
		case stateEmpty:
		default:
			fmt.Fprintf(&buf, "  %4d: %s\n", i, s)
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a probe sequence. The sequence alternates
// between positive and negative squared offsets from the base slot:
//
//	p(0)    := hash (mod capacity)
//	p(2i-1) := p(0) + i² (mod capacity)
//	p(2i)   := p(0) - i² (mod capacity)
//
// for i in [1, capacity). The sequence makes no guarantee of visiting every
// slot; see the package documentation.
type probeSeq struct {
	capacity int64
	base     int64
	step     int64
	offset   uint32
}

func makeProbeSeq(hash uintptr, capacity uint32) probeSeq {
	base := int64(uint64(hash) % uint64(capacity))
	return probeSeq{
		capacity: int64(capacity),
		base:     base,
		offset:   uint32(base),
	}
}

func (s probeSeq) next() probeSeq {
	s.step++
	// i < capacity <= MaxCapacity, so i*i fits in an int64.
	i := (s.step + 1) >> 1
	sq := (i * i) % s.capacity
	if s.step&1 == 1 {
		s.offset = uint32((s.base + sq) % s.capacity)
	} else {
		s.offset = uint32((s.base - sq + s.capacity) % s.capacity)
	}
	return s
}

// done returns true once the sequence is exhausted, i.e. s.offset is past
// base-(capacity-1)².
func (s probeSeq) done() bool {
	return s.step > 2*(s.capacity-1)
}

func (s probeSeq) String() string {
	return fmt.Sprintf("capacity=%d base=%d step=%d offset=%d", s.capacity, s.base, s.step, s.offset)
}
