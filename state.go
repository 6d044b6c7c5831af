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

import "strings"

// Each slot in the table has a 2-bit state. Four states are packed into each
// byte of the state array, slot i occupying bits [2*(i%4), 2*(i%4)+2) of
// byte i/4:
//
//	      empty: 00  never used, terminates a probe sequence
//	placeholder: 01  previously occupied, probing continues past it
//	   occupied: 10  holds a live key and value
//
// The remaining code (11) is never written.
type slotState uint8

const (
	stateEmpty       slotState = 0
	statePlaceholder slotState = 1
	stateOccupied    slotState = 2

	stateMask = 0x3
)

func (s slotState) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case statePlaceholder:
		return "placeholder"
	case stateOccupied:
		return "occupied"
	default:
		return "invalid"
	}
}

// states is the packed state array of a Map. The zero byte means four empty
// slots, so a freshly allocated (zeroed) array marks every slot empty.
type states []uint8

// statesLen returns the number of bytes needed to hold the states of
// capacity slots.
func statesLen(capacity uint32) int {
	return int((capacity + 3) >> 2)
}

func (s states) get(i uint32) slotState {
	return slotState(s[i>>2]>>((i&3)<<1)) & stateMask
}

func (s states) set(i uint32, v slotState) {
	shift := (i & 3) << 1
	s[i>>2] = (s[i>>2] &^ (stateMask << shift)) | uint8(v)<<shift
}

// count returns the number of empty, placeholder and occupied slots among
// the first capacity slots.
func (s states) count(capacity uint32) (empty, placeholders, occupied int) {
	for i := uint32(0); i < capacity; i++ {
		switch s.get(i) {
		case stateEmpty:
			empty++
		case statePlaceholder:
			placeholders++
		case stateOccupied:
			occupied++
		}
	}
	return empty, placeholders, occupied
}

func (s states) debugString(capacity uint32) string {
	var buf strings.Builder
	buf.Grow(int(capacity))
	for i := uint32(0); i < capacity; i++ {
		switch s.get(i) {
		case stateEmpty:
			buf.WriteByte('.')
		case statePlaceholder:
			buf.WriteByte('x')
		case stateOccupied:
			buf.WriteByte('o')
		default:
			buf.WriteByte('?')
		}
	}
	return buf.String()
}
