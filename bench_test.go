package quadmap

import (
	"fmt"
	"maps"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

// benchCapacities are table capacities the fixed-load benchmarks are run at.
var benchCapacities = []uint32{257, 4099, 65537}

// benchLoads are the live entry counts the fixed-load benchmarks hold. At
// load=keep a rebuild triggered by placeholders keeps the capacity; at
// load=max the first rebuild grows the table by one tier.
var benchLoads = []struct {
	name string
	live func(capacity uint32) int
}{
	{"load=keep", func(c uint32) int { return maxKeepCapacity(c) - 1 }},
	{"load=max", func(c uint32) int { return maxOccupied(c) - 1 }},
}

// newBenchMap returns a map of the given capacity holding the keys
// [0, live), each mapped to itself.
func newBenchMap(capacity uint32, live int, options ...option[int64, int64]) *Map[int64, int64] {
	m := New[int64, int64](int(capacity), options...)
	for i := 0; i < live; i++ {
		m.Put(int64(i), int64(i))
	}
	if m.Capacity() != int(capacity) {
		panic(fmt.Sprintf("capacity %d, expected %d", m.Capacity(), capacity))
	}
	return m
}

// fillPlaceholders inserts and deletes fresh keys, starting at key, until
// the placeholders bring the table one insert short of a rebuild. It
// returns the next unused key.
func fillPlaceholders(m *Map[int64, int64], key int64) int64 {
	for m.used+m.placeholders < maxOccupied(m.capacity)-1 {
		m.Put(key, key)
		m.Delete(key)
		key++
	}
	return key
}

// chainLength returns the number of slots find examines for key.
func chainLength[K comparable, V any](m *Map[K, V], key K) int {
	seq := makeProbeSeq(m.hash(&key, m.seed), m.capacity)
	n := 0
	for ; !seq.done(); seq = seq.next() {
		n++
		i := seq.offset
		switch m.states.get(i) {
		case stateEmpty:
			return n
		case stateOccupied:
			if m.keyEqual(&m.keys[i], &key) {
				return n
			}
		}
	}
	return n
}

func reportRehashes(b *testing.B, a *countingAllocator[int64, int64], before int) {
	b.ReportMetric(float64(a.allocStates-before)/float64(b.N), "rehashes/op")
}

// BenchmarkPutDeleteChurn inserts a fresh key and deletes the oldest one on
// every iteration. The live count stays fixed while placeholders pile up,
// so the cost includes the periodic rebuilds.
func BenchmarkPutDeleteChurn(b *testing.B) {
	for _, c := range benchCapacities {
		for _, load := range benchLoads {
			live := load.live(c)
			name := fmt.Sprintf("cap=%d/%s", c, load.name)

			b.Run("impl=runtimeMap/"+name, func(b *testing.B) {
				m := make(map[int64]int64, live)
				for i := 0; i < live; i++ {
					m[int64(i)] = int64(i)
				}
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					k := int64(live + i)
					m[k] = k
					delete(m, int64(i))
				}
			})

			b.Run("impl=quadMap/"+name, func(b *testing.B) {
				a := &countingAllocator[int64, int64]{}
				m := newBenchMap(c, live, WithAllocator[int64, int64](a))
				before := a.allocStates
				cs := perfbench.Open(b)
				b.ResetTimer()
				cs.Reset()
				for i := 0; i < b.N; i++ {
					k := int64(live + i)
					m.Put(k, k)
					m.Delete(int64(i))
				}
				b.StopTimer()
				reportRehashes(b, a, before)
				b.ReportMetric(float64(m.Capacity()), "capacity")
			})
		}
	}
}

// BenchmarkPutDeleteSameKey deletes and reinserts one key. The insert
// reuses the placeholder the delete left, so the table never rebuilds.
func BenchmarkPutDeleteSameKey(b *testing.B) {
	for _, c := range benchCapacities {
		for _, load := range benchLoads {
			live := load.live(c)
			b.Run(fmt.Sprintf("cap=%d/%s", c, load.name), func(b *testing.B) {
				a := &countingAllocator[int64, int64]{}
				m := newBenchMap(c, live, WithAllocator[int64, int64](a))
				before := a.allocStates
				cs := perfbench.Open(b)
				b.ResetTimer()
				cs.Reset()
				for i := 0; i < b.N; i++ {
					k := int64(i % live)
					m.Delete(k)
					m.Put(k, k)
				}
				b.StopTimer()
				reportRehashes(b, a, before)
			})
		}
	}
}

// BenchmarkGet looks up keys at load=keep. The dirty case fills the rest of
// the table with placeholders, which lengthens every miss.
func BenchmarkGet(b *testing.B) {
	for _, c := range benchCapacities {
		live := maxKeepCapacity(c) - 1

		b.Run(fmt.Sprintf("impl=runtimeMap/cap=%d/hit", c), func(b *testing.B) {
			m := make(map[int64]int64, live)
			for i := 0; i < live; i++ {
				m[int64(i)] = int64(i)
			}
			b.ResetTimer()
			var sum int64
			for i := 0; i < b.N; i++ {
				sum += m[int64(i%live)]
			}
		})

		for _, tc := range []struct {
			name  string
			dirty bool
			miss  bool
		}{
			{"hit", false, false},
			{"miss", false, true},
			{"dirty-hit", true, false},
			{"dirty-miss", true, true},
		} {
			b.Run(fmt.Sprintf("impl=quadMap/cap=%d/%s", c, tc.name), func(b *testing.B) {
				m := newBenchMap(c, live)
				if tc.dirty {
					fillPlaceholders(m, int64(live))
				}
				keys := make([]int64, live)
				for i := range keys {
					keys[i] = int64(i)
					if tc.miss {
						keys[i] = -1 - int64(i)
					}
				}
				cs := perfbench.Open(b)
				b.ResetTimer()
				cs.Reset()
				var sum int64
				for i := 0; i < b.N; i++ {
					v, _ := m.Get(keys[i%len(keys)])
					sum += v
				}
			})
		}
	}
}

// BenchmarkGetOrInsert counts occurrences of string keys, the use the
// method exists for.
func BenchmarkGetOrInsert(b *testing.B) {
	for _, distinct := range []int{64, 4096, 1 << 16} {
		keys := make([]string, distinct)
		for i := range keys {
			keys[i] = strconv.Itoa(i)
		}

		b.Run(fmt.Sprintf("impl=runtimeMap/distinct=%d", distinct), func(b *testing.B) {
			m := make(map[string]int)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				m[keys[i%distinct]]++
			}
		})

		b.Run(fmt.Sprintf("impl=quadMap/distinct=%d", distinct), func(b *testing.B) {
			m := New[string, int](0)
			cs := perfbench.Open(b)
			b.ResetTimer()
			cs.Reset()
			for i := 0; i < b.N; i++ {
				*m.GetOrInsert(keys[i%distinct])++
			}
		})
	}
}

// BenchmarkClone copies a map whose table also carries placeholders. The
// clone reinserts every entry and comes out without them.
func BenchmarkClone(b *testing.B) {
	for _, n := range []int{64, 4096, 1 << 16} {
		b.Run(fmt.Sprintf("impl=runtimeMap/len=%d", n), func(b *testing.B) {
			m := make(map[int64]int64, n)
			for i := 0; i < n; i++ {
				m[int64(i)] = int64(i)
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = maps.Clone(m)
			}
		})

		b.Run(fmt.Sprintf("impl=quadMap/len=%d", n), func(b *testing.B) {
			m := New[int64, int64](0)
			for i := 0; i < n; i++ {
				m.Put(int64(i), int64(i))
			}
			fillPlaceholders(m, int64(n))
			cs := perfbench.Open(b)
			b.ResetTimer()
			cs.Reset()
			for i := 0; i < b.N; i++ {
				c := m.Clone()
				c.Close()
			}
		})
	}
}

// BenchmarkCollisionChain runs lookups in a table where every key hashes to
// slot 0. When capacity ≡ 1 (mod 4), -1 is a quadratic residue, so the +i²
// and -i² halves of the sequence visit the same slots and a chain of n
// entries is spread over about 2n steps. When capacity ≡ 3 (mod 4) the two
// halves are disjoint and n entries take about n steps.
func BenchmarkCollisionChain(b *testing.B) {
	zeroHash := WithHash[int64, int64](func(*int64, uintptr) uintptr { return 0 })
	for _, c := range []uint32{131, 257, 521, 1031} {
		live := maxOccupied(c) - 1
		for _, tc := range []struct {
			name string
			key  int64
		}{
			{"hit-last", int64(live - 1)},
			{"miss", -1},
		} {
			b.Run(fmt.Sprintf("cap=%d/mod4=%d/%s", c, c%4, tc.name), func(b *testing.B) {
				m := newBenchMap(c, live, zeroHash)
				slots := chainLength(m, tc.key)
				cs := perfbench.Open(b)
				b.ResetTimer()
				cs.Reset()
				for i := 0; i < b.N; i++ {
					_, _ = m.Get(tc.key)
				}
				b.StopTimer()
				b.ReportMetric(float64(slots), "slots/op")
			})
		}
	}
}

// BenchmarkIter compares a dense table against one of the same capacity
// holding a sixteenth of the entries. Iteration walks every slot, so the
// sparse table costs about as much per pass for far fewer entries.
func BenchmarkIter(b *testing.B) {
	const n = 1 << 14
	for _, sparse := range []bool{false, true} {
		b.Run(fmt.Sprintf("sparse=%t", sparse), func(b *testing.B) {
			m := New[int64, int64](0)
			for i := 0; i < n; i++ {
				m.Put(int64(i), int64(i))
			}
			if sparse {
				for i := 0; i < n; i++ {
					if i%16 != 0 {
						m.Delete(int64(i))
					}
				}
				m.Rehash(m.Capacity())
			}
			cs := perfbench.Open(b)
			b.ResetTimer()
			cs.Reset()
			var sum int64
			for i := 0; i < b.N; i++ {
				for k, v := range m.All {
					sum += k + v
				}
			}
			b.StopTimer()
			b.ReportMetric(float64(b.Elapsed().Nanoseconds())/float64(b.N*m.Len()), "ns/entry")
		})
	}
}

// BenchmarkPut builds a map of n entries per iteration, either growing from
// zero capacity through every prime tier or presized with an exact hint.
func BenchmarkPut(b *testing.B) {
	for _, n := range []int{64, 4096, 1 << 16} {
		for _, hint := range []bool{false, true} {
			name := fmt.Sprintf("len=%d/hint=none", n)
			if hint {
				name = fmt.Sprintf("len=%d/hint=exact", n)
			}
			b.Run(name, func(b *testing.B) {
				a := &countingAllocator[int64, int64]{}
				var m Map[int64, int64]
				initial := 0
				if hint {
					// Presizing to the growth threshold leaves room for n
					// entries without a rebuild.
					initial = int(float64(n)/maxOccupiedRehashFactor) + 2
				}
				cs := perfbench.Open(b)
				b.ResetTimer()
				cs.Reset()
				for i := 0; i < b.N; i++ {
					m.Init(initial, WithAllocator[int64, int64](a))
					for j := 0; j < n; j++ {
						m.Put(int64(j), int64(j))
					}
				}
				b.StopTimer()
				reportRehashes(b, a, 0)
				m.Close()
			})
		}
	}
}
