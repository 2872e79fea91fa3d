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

// Package ch implements the segment based consistent hash.
//
// A ConsistentHash maps each of a fixed number of segments to an ordered list
// of owners; the first owner is the primary owner. Instances are immutable:
// a membership change produces a new instance through UpdateMembers or
// Rebalance, and the functions here are deterministic so that every node
// derives the same mapping from the same inputs.
package ch

import (
	"fmt"
	"slices"
	"strings"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/distcache/cluster"
	"go.chromium.org/distcache/hashring"
)

var (
	// ErrInvalidNumOwners is returned when numOwners is not positive.
	ErrInvalidNumOwners = errors.New("the number of owners must be positive")
	// ErrInvalidNumSegments is returned when numSegments is not positive.
	ErrInvalidNumSegments = errors.New("the number of segments must be positive")
	// ErrIncompatible is returned when combining consistent hashes that do
	// not share the segment space or the hash function.
	ErrIncompatible = errors.New("incompatible consistent hashes")
)

// ConsistentHash is an immutable segment to owners mapping.
type ConsistentHash struct {
	hasher    hashring.Hasher
	numOwners int
	members   []cluster.Address
	owners    [][]cluster.Address
}

// Hasher is the hash function used to map keys to segments.
func (c *ConsistentHash) Hasher() hashring.Hasher { return c.hasher }

// NumSegments is the size of the segment space.
func (c *ConsistentHash) NumSegments() int { return len(c.owners) }

// NumOwners is the configured replication factor.
//
// Segments may have fewer owners when there are fewer members.
func (c *ConsistentHash) NumOwners() int { return c.numOwners }

// Members returns a copy of the members, in join order.
func (c *ConsistentHash) Members() []cluster.Address { return slices.Clone(c.members) }

// IsMember is true if addr is a member.
func (c *ConsistentHash) IsMember(addr cluster.Address) bool {
	return slices.Contains(c.members, addr)
}

// Owners returns a copy of the owners of a segment, primary owner first.
func (c *ConsistentHash) Owners(segment int) []cluster.Address {
	return slices.Clone(c.owners[segment])
}

// PrimaryOwner returns the primary owner of a segment.
//
// Returns false if the segment has no owners (i.e. there are no members).
func (c *ConsistentHash) PrimaryOwner(segment int) (cluster.Address, bool) {
	if len(c.owners[segment]) == 0 {
		return "", false
	}
	return c.owners[segment][0], true
}

// IsSegmentOwner is true if addr owns the segment, as primary or backup.
func (c *ConsistentHash) IsSegmentOwner(addr cluster.Address, segment int) bool {
	return slices.Contains(c.owners[segment], addr)
}

// SameOwners is true if a segment has the same owner set in c and other.
//
// The order of the owners is not taken into account.
func (c *ConsistentHash) SameOwners(other *ConsistentHash, segment int) bool {
	a, b := c.owners[segment], other.owners[segment]
	if len(a) != len(b) {
		return false
	}
	for _, addr := range a {
		if !slices.Contains(b, addr) {
			return false
		}
	}
	return true
}

// SegmentOf maps a key to its segment.
func (c *ConsistentHash) SegmentOf(key string) int {
	return hashring.Segment(c.hasher, key, len(c.owners))
}

// Locate returns the owners of key, primary owner first.
func (c *ConsistentHash) Locate(key string) []cluster.Address {
	return c.Owners(c.SegmentOf(key))
}

// OwnedSegments returns the segments owned by addr, in ascending order.
func (c *ConsistentHash) OwnedSegments(addr cluster.Address) []int {
	var out []int
	for seg, owners := range c.owners {
		if slices.Contains(owners, addr) {
			out = append(out, seg)
		}
	}
	return out
}

// PrimarySegments returns the segments primary-owned by addr.
func (c *ConsistentHash) PrimarySegments(addr cluster.Address) []int {
	var out []int
	for seg, owners := range c.owners {
		if len(owners) > 0 && owners[0] == addr {
			out = append(out, seg)
		}
	}
	return out
}

// Equal is true if both consistent hashes have the same hash function,
// members and owner lists, in the same order.
func (c *ConsistentHash) Equal(other *ConsistentHash) bool {
	if c == other {
		return true
	}
	if c == nil || other == nil {
		return false
	}
	if c.hasher.Name() != other.hasher.Name() || c.numOwners != other.numOwners {
		return false
	}
	if !slices.Equal(c.members, other.members) || len(c.owners) != len(other.owners) {
		return false
	}
	for seg := range c.owners {
		if !slices.Equal(c.owners[seg], other.owners[seg]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (c *ConsistentHash) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ConsistentHash{segments=%d, owners=%d, members=%v", len(c.owners), c.numOwners, c.members)
	// Don't flood the logs with huge segment tables.
	if len(c.owners) <= 16 {
		sb.WriteString(", table=[")
		for seg, owners := range c.owners {
			if seg > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%d:%v", seg, owners)
		}
		sb.WriteString("]")
	}
	sb.WriteString("}")
	return sb.String()
}

// OwnershipStats counts the segments owned by a member.
type OwnershipStats struct {
	Owned   int
	Primary int
}

// Stats returns ownership statistics for every member.
func (c *ConsistentHash) Stats() map[cluster.Address]OwnershipStats {
	out := make(map[cluster.Address]OwnershipStats, len(c.members))
	for _, m := range c.members {
		out[m] = OwnershipStats{}
	}
	for _, owners := range c.owners {
		for i, o := range owners {
			s := out[o]
			s.Owned++
			if i == 0 {
				s.Primary++
			}
			out[o] = s
		}
	}
	return out
}

// Union merges two consistent hashes over the same segment space.
//
// For each segment the owners of a come first, followed by the owners of b
// that are not owners in a. It is used as the write consistent hash while
// data moves from the old owners to the new ones.
func Union(a, b *ConsistentHash) (*ConsistentHash, error) {
	if a.NumSegments() != b.NumSegments() || a.hasher.Name() != b.hasher.Name() {
		return nil, errors.Annotate(ErrIncompatible, "union of %d/%s and %d/%s segments",
			a.NumSegments(), a.hasher.Name(), b.NumSegments(), b.hasher.Name()).Err()
	}
	members := slices.Clone(a.members)
	for _, m := range b.members {
		if !slices.Contains(members, m) {
			members = append(members, m)
		}
	}
	owners := make([][]cluster.Address, len(a.owners))
	for seg := range owners {
		owners[seg] = slices.Clone(a.owners[seg])
		for _, o := range b.owners[seg] {
			if !slices.Contains(owners[seg], o) {
				owners[seg] = append(owners[seg], o)
			}
		}
	}
	return &ConsistentHash{
		hasher:    a.hasher,
		numOwners: max(a.numOwners, b.numOwners),
		members:   members,
		owners:    owners,
	}, nil
}
