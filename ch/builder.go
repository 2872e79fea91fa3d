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

	"go.chromium.org/distcache/cluster"
	"go.chromium.org/distcache/hashring"
)

// builder is a mutable owner table with ownership statistics.
type builder struct {
	hasher       hashring.Hasher
	numOwners    int // configured
	actualOwners int // min(numOwners, len(members))

	members []cluster.Address
	index   map[cluster.Address]int
	joiners map[cluster.Address]bool

	owners  [][]cluster.Address
	owned   map[cluster.Address]int
	primary map[cluster.Address]int
}

func newBuilder(h hashring.Hasher, numOwners, numSegments int, members []cluster.Address) *builder {
	b := &builder{
		hasher:       hashring.OrDefault(h),
		numOwners:    numOwners,
		actualOwners: min(numOwners, len(members)),
		members:      members,
		index:        make(map[cluster.Address]int, len(members)),
		joiners:      map[cluster.Address]bool{},
		owners:       make([][]cluster.Address, numSegments),
		owned:        make(map[cluster.Address]int, len(members)),
		primary:      make(map[cluster.Address]int, len(members)),
	}
	for i, m := range members {
		b.index[m] = i
	}
	return b
}

// builderFrom starts from the owners of base, dropping owners that are not
// in members. Members that are not in base are recorded as joiners.
func builderFrom(base *ConsistentHash, members []cluster.Address) *builder {
	b := newBuilder(base.hasher, base.numOwners, base.NumSegments(), members)
	for _, m := range members {
		if !base.IsMember(m) {
			b.joiners[m] = true
		}
	}
	for seg, owners := range base.owners {
		for _, o := range owners {
			if _, ok := b.index[o]; ok {
				b.addOwner(seg, o)
			}
		}
	}
	return b
}

func (b *builder) build() *ConsistentHash {
	return &ConsistentHash{
		hasher:    b.hasher,
		numOwners: b.numOwners,
		members:   slices.Clone(b.members),
		owners:    b.owners,
	}
}

func (b *builder) isOwner(seg int, m cluster.Address) bool {
	return slices.Contains(b.owners[seg], m)
}

// addOwner appends m to the owners of seg.
func (b *builder) addOwner(seg int, m cluster.Address) {
	if len(b.owners[seg]) == 0 {
		b.primary[m]++
	}
	b.owners[seg] = append(b.owners[seg], m)
	b.owned[m]++
}

// replaceOwner puts m in the slot held by old, keeping the position.
func (b *builder) replaceOwner(seg int, old, m cluster.Address) {
	i := slices.Index(b.owners[seg], old)
	b.owners[seg][i] = m
	b.owned[old]--
	b.owned[m]++
	if i == 0 {
		b.primary[old]--
		b.primary[m]++
	}
}

// dropPrimaryFor removes the primary owner of seg, promotes the first backup
// and appends m as a new backup.
func (b *builder) dropPrimaryFor(seg int, m cluster.Address) {
	old := b.owners[seg][0]
	b.owners[seg] = append(b.owners[seg][1:], m)
	b.owned[old]--
	b.primary[old]--
	b.owned[m]++
	b.primary[b.owners[seg][0]]++
}

// promote swaps the primary owner of seg with the backup m.
func (b *builder) promote(seg int, m cluster.Address) {
	owners := b.owners[seg]
	i := slices.Index(owners, m)
	b.primary[owners[0]]--
	b.primary[m]++
	owners[0], owners[i] = owners[i], owners[0]
}

// better reports whether candidate x should be preferred over y for seg,
// given their loads. Ties are broken by a hash of (segment, member) and
// then by join order, so every node makes the same choice.
func (b *builder) better(seg int, x, y cluster.Address, lx, ly int) bool {
	if lx != ly {
		return lx < ly
	}
	hx := hashring.Mix(b.hasher, seg, string(x))
	hy := hashring.Mix(b.hasher, seg, string(y))
	if hx != hy {
		return hx < hy
	}
	return b.index[x] < b.index[y]
}

// maxOwned is the most segments a member may own after a membership change:
// one more than its fair share.
func (b *builder) maxOwned() int {
	if len(b.members) == 0 {
		return 0
	}
	slots := len(b.owners) * b.actualOwners
	return (slots+len(b.members)-1)/len(b.members) + 1
}

// pickPrimary chooses a primary owner for a segment that has none.
//
// Members that were already part of the cluster are preferred over joiners
// as long as they stay within maxOwned. Then the member with the fewest
// primary segments wins, then the fewest owned.
func (b *builder) pickPrimary(seg int) cluster.Address {
	limit := b.maxOwned()
	var best cluster.Address
	bestLoad := 0
	bestEligible := false
	found := false
	for _, m := range b.members {
		eligible := b.owned[m] < limit
		load := b.primary[m]*(len(b.owners)+1) + b.owned[m]
		if b.joiners[m] && eligible {
			load += (len(b.owners) + 1) * (len(b.owners) + 1)
		}
		switch {
		case !found, eligible && !bestEligible:
		case eligible != bestEligible:
			continue
		case !b.better(seg, m, best, load, bestLoad):
			continue
		}
		best, bestLoad, bestEligible, found = m, load, eligible, true
	}
	return best
}

// pickBackup chooses the least loaded member that doesn't own seg yet.
func (b *builder) pickBackup(seg int) (cluster.Address, bool) {
	var best cluster.Address
	found := false
	for _, m := range b.members {
		if b.isOwner(seg, m) {
			continue
		}
		if !found || b.better(seg, m, best, b.owned[m], b.owned[best]) {
			best, found = m, true
		}
	}
	return best, found
}

// fill gives every segment exactly actualOwners owners, touching only the
// segments that have fewer. Surplus owners are left alone.
func (b *builder) fill() {
	for seg := range b.owners {
		if len(b.owners[seg]) == 0 && b.actualOwners > 0 {
			b.addOwner(seg, b.pickPrimary(seg))
		}
		for len(b.owners[seg]) < b.actualOwners {
			m, ok := b.pickBackup(seg)
			if !ok {
				break
			}
			b.addOwner(seg, m)
		}
	}
}

// trim drops surplus backup owners, most loaded first.
func (b *builder) trim() {
	for seg := range b.owners {
		for len(b.owners[seg]) > b.actualOwners {
			worst := 1
			for i := 2; i < len(b.owners[seg]); i++ {
				if b.owned[b.owners[seg][i]] >= b.owned[b.owners[seg][worst]] {
					worst = i
				}
			}
			m := b.owners[seg][worst]
			b.owners[seg] = slices.Delete(b.owners[seg], worst, worst+1)
			b.owned[m]--
		}
	}
}

// byLoad returns the members sorted by load, heaviest first when desc is set.
// Ties keep join order.
func (b *builder) byLoad(load map[cluster.Address]int, desc bool) []cluster.Address {
	out := slices.Clone(b.members)
	slices.SortStableFunc(out, func(x, y cluster.Address) int {
		if desc {
			return load[y] - load[x]
		}
		return load[x] - load[y]
	})
	return out
}

// balanceOwned moves single owner slots from the most loaded members to the
// least loaded ones until owned counts differ by at most one.
//
// Backup slots are moved first. A primary slot is only given up by promoting
// an existing backup, so the receiving member never starts as a primary owner
// of data it doesn't have yet, unless there are no backups at all.
func (b *builder) balanceOwned() {
	for {
		moved := false
	search:
		for _, donor := range b.byLoad(b.owned, true) {
			for _, receiver := range b.byLoad(b.owned, false) {
				if b.owned[donor]-b.owned[receiver] < 2 {
					break
				}
				if b.moveSlot(donor, receiver) {
					moved = true
					break search
				}
			}
		}
		if !moved {
			return
		}
	}
}

func (b *builder) moveSlot(donor, receiver cluster.Address) bool {
	// Iterate in reverse so that the low segments look more stable as members
	// join.
	for seg := len(b.owners) - 1; seg >= 0; seg-- {
		i := slices.Index(b.owners[seg], donor)
		if i > 0 && !b.isOwner(seg, receiver) {
			b.replaceOwner(seg, donor, receiver)
			return true
		}
	}
	for seg := len(b.owners) - 1; seg >= 0; seg-- {
		owners := b.owners[seg]
		if len(owners) > 1 && owners[0] == donor && !b.isOwner(seg, receiver) {
			b.dropPrimaryFor(seg, receiver)
			return true
		}
	}
	for seg := len(b.owners) - 1; seg >= 0; seg-- {
		owners := b.owners[seg]
		if len(owners) == 1 && owners[0] == donor {
			b.replaceOwner(seg, donor, receiver)
			return true
		}
	}
	return false
}

// balancePrimary swaps primary and backup owners until primary counts differ
// by at most one, or no swap can improve them. Owned counts don't change.
func (b *builder) balancePrimary() {
	for {
		moved := false
	search:
		for _, donor := range b.byLoad(b.primary, true) {
			for _, receiver := range b.byLoad(b.primary, false) {
				if b.primary[donor]-b.primary[receiver] < 2 {
					break
				}
				for seg := len(b.owners) - 1; seg >= 0; seg-- {
					owners := b.owners[seg]
					if len(owners) > 1 && owners[0] == donor && slices.Contains(owners[1:], receiver) {
						b.promote(seg, receiver)
						moved = true
						break search
					}
				}
			}
		}
		if !moved {
			return
		}
	}
}
