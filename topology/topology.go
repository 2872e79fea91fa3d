// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package topology holds the versioned placement state of a cache.
package topology

import (
	"fmt"
	"sync/atomic"

	"go.chromium.org/distcache/ch"
)

// Topology is an immutable pair of consistent hashes with a version.
//
// Read is the last stable consistent hash. Write is the consistent hash
// writes must go to; during a rehash it is a superset of Read (see
// ch.Union), otherwise it is the same instance as Read.
type Topology struct {
	ID    int
	Read  *ch.ConsistentHash
	Write *ch.ConsistentHash
}

// Stable returns a topology where reads and writes use the same consistent
// hash.
func Stable(id int, c *ch.ConsistentHash) *Topology {
	return &Topology{ID: id, Read: c, Write: c}
}

// Transitional returns a topology for a rehash in progress.
func Transitional(id int, read, write *ch.ConsistentHash) *Topology {
	return &Topology{ID: id, Read: read, Write: write}
}

// IsRehashInProgress is true while Read and Write differ.
func (t *Topology) IsRehashInProgress() bool {
	return t.Read != t.Write && !t.Read.Equal(t.Write)
}

// IsSegmentAffected is true if the owner set of a segment differs between
// Read and Write.
func (t *Topology) IsSegmentAffected(segment int) bool {
	if t.Read == t.Write {
		return false
	}
	return !t.Read.SameOwners(t.Write, segment)
}

// AffectedSegments returns the segments whose ownership is changing.
func (t *Topology) AffectedSegments() []int {
	var out []int
	for seg := 0; seg < t.Read.NumSegments(); seg++ {
		if t.IsSegmentAffected(seg) {
			out = append(out, seg)
		}
	}
	return out
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	if t.IsRehashInProgress() {
		return fmt.Sprintf("Topology{id=%d, read=%s, write=%s}", t.ID, t.Read, t.Write)
	}
	return fmt.Sprintf("Topology{id=%d, ch=%s}", t.ID, t.Read)
}

// Holder publishes topologies to concurrent readers.
//
// The zero value holds no topology.
type Holder struct {
	cur atomic.Pointer[Topology]
}

// Load returns the current topology, or nil if none was ever installed.
func (h *Holder) Load() *Topology {
	return h.cur.Load()
}

// Install replaces the current topology if t has a strictly greater ID.
//
// Returns the topology that was current before the call and whether t was
// installed. Out of order deliveries are not installed.
func (h *Holder) Install(t *Topology) (prev *Topology, installed bool) {
	for {
		prev = h.cur.Load()
		if prev != nil && t.ID <= prev.ID {
			return prev, false
		}
		if h.cur.CompareAndSwap(prev, t) {
			return prev, true
		}
	}
}
