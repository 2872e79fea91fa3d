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

package ch

import (
	"slices"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/distcache/cluster"
	"go.chromium.org/distcache/hashring"
)

// Create builds a balanced consistent hash for an initial member list.
//
// Each segment gets min(numOwners, len(members)) distinct owners. Every
// member owns floor or ceil of numSegments*actualOwners/len(members)
// segments. If members is empty, every segment has no owners.
//
// A nil hasher means hashring.XXHash64. Duplicate members are ignored.
func Create(h hashring.Hasher, numOwners, numSegments int, members []cluster.Address) (*ConsistentHash, error) {
	switch {
	case numOwners <= 0:
		return nil, errors.Annotate(ErrInvalidNumOwners, "got %d", numOwners).Err()
	case numSegments <= 0:
		return nil, errors.Annotate(ErrInvalidNumSegments, "got %d", numSegments).Err()
	}
	b := newBuilder(h, numOwners, numSegments, dedup(members))
	b.fill()
	b.balanceOwned()
	b.balancePrimary()
	return b.build(), nil
}

// UpdateMembers derives a consistent hash for a new member list.
//
// Owners that left are removed. A segment whose owners are all still
// members keeps its owner list unchanged, in the same order. Segments that
// lost owners keep their surviving owners in order, so the first surviving
// backup becomes the primary, and the vacated slots go to the least loaded
// members; a segment that lost every owner gets a primary owner among the
// previous members, unless that would load one of them beyond one segment
// over its fair share.
//
// Joiners only take vacated slots here; use Rebalance to spread load onto
// them.
func UpdateMembers(base *ConsistentHash, members []cluster.Address) *ConsistentHash {
	members = dedup(members)
	if slices.Equal(members, base.members) {
		return base
	}
	b := builderFrom(base, members)
	b.trim()
	b.fill()
	return b.build()
}

// Rebalance returns a consistent hash where load is spread evenly over all
// members of base, moving as few owner slots as possible.
//
// Backup slots move before primary slots, and primary ownership only moves
// to a member that is already a backup owner of the segment. Returns base
// itself if it is already balanced.
func Rebalance(base *ConsistentHash) *ConsistentHash {
	b := builderFrom(base, base.members)
	b.trim()
	b.fill()
	b.balanceOwned()
	b.balancePrimary()
	if balanced := b.build(); !balanced.Equal(base) {
		return balanced
	}
	return base
}

func dedup(members []cluster.Address) []cluster.Address {
	out := make([]cluster.Address, 0, len(members))
	for _, m := range members {
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}
