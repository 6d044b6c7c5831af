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

const (
	// MinCapacity is the smallest non-zero capacity of a Map.
	MinCapacity = 67
	// MaxCapacity is the largest capacity of a Map. Requests for a larger
	// capacity are clamped to it.
	MaxCapacity = 2147483659
)

// primeCapacities holds every capacity a Map may have. Each prime is roughly
// twice the previous one, so that growing by one tier approximately doubles
// the table. Having a prime capacity keeps the ±i² probe sequence from
// cycling through a small subset of the slots.
var primeCapacities = [...]uint32{
	67,
	131,
	257,
	521,
	1031,
	2053,
	4099,
	8209,
	16411,
	32771,
	65537,
	131101,
	262147,
	524309,
	1048583,
	2097169,
	4194319,
	8388617,
	16777259,
	33554467,
	67108879,
	134217757,
	268435459,
	536870923,
	1073741827,
	MaxCapacity,
}

// primeCapacity returns the smallest table capacity >= capacity, or
// MaxCapacity if there is none.
func primeCapacity(capacity uint32) uint32 {
	// Linear search is fine for a table this small.
	for _, p := range primeCapacities {
		if p >= capacity {
			return p
		}
	}
	return MaxCapacity
}

// isTableCapacity returns true if capacity is one of primeCapacities.
func isTableCapacity(capacity uint32) bool {
	for _, p := range primeCapacities {
		if p == capacity {
			return true
		}
	}
	return false
}
