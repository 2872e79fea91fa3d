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
	"github.com/vmihailenco/msgpack/v5"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/distcache/cluster"
	"go.chromium.org/distcache/hashring"
)

// persistentState is the serialized form of a ConsistentHash.
//
// Owners are stored as indexes into Members.
type persistentState struct {
	Hash      string   `msgpack:"hash"`
	NumOwners int      `msgpack:"num_owners"`
	Members   []string `msgpack:"members"`
	Owners    [][]int  `msgpack:"owners"`
}

// Marshal serializes a consistent hash, e.g. to restore the cluster layout
// after a full restart.
func Marshal(c *ConsistentHash) ([]byte, error) {
	idx := make(map[cluster.Address]int, len(c.members))
	for i, m := range c.members {
		idx[m] = i
	}
	st := persistentState{
		Hash:      c.hasher.Name(),
		NumOwners: c.numOwners,
		Members:   cluster.Strings(c.members),
		Owners:    make([][]int, len(c.owners)),
	}
	for seg, owners := range c.owners {
		st.Owners[seg] = make([]int, len(owners))
		for i, o := range owners {
			st.Owners[seg][i] = idx[o]
		}
	}
	blob, err := msgpack.Marshal(&st)
	if err != nil {
		return nil, errors.Annotate(err, "marshaling consistent hash").Err()
	}
	return blob, nil
}

// Unmarshal restores a consistent hash serialized with Marshal.
func Unmarshal(blob []byte) (*ConsistentHash, error) {
	var st persistentState
	if err := msgpack.Unmarshal(blob, &st); err != nil {
		return nil, errors.Annotate(err, "unmarshaling consistent hash").Err()
	}
	h, err := hashring.ByName(st.Hash)
	if err != nil {
		return nil, errors.Annotate(ErrIncompatible, "persisted state: %s", err).Err()
	}
	switch {
	case st.NumOwners <= 0:
		return nil, errors.Annotate(ErrInvalidNumOwners, "persisted state has %d", st.NumOwners).Err()
	case len(st.Owners) == 0:
		return nil, errors.Annotate(ErrInvalidNumSegments, "persisted state has no segments").Err()
	}
	c := &ConsistentHash{
		hasher:    h,
		numOwners: st.NumOwners,
		members:   make([]cluster.Address, len(st.Members)),
		owners:    make([][]cluster.Address, len(st.Owners)),
	}
	for i, m := range st.Members {
		c.members[i] = cluster.Address(m)
	}
	for seg, owners := range st.Owners {
		c.owners[seg] = make([]cluster.Address, len(owners))
		for i, o := range owners {
			if o < 0 || o >= len(c.members) {
				return nil, errors.Reason("persisted state: segment %d refers to member #%d, there are %d members", seg, o, len(c.members)).Err()
			}
			c.owners[seg][i] = c.members[o]
		}
	}
	return c, nil
}
