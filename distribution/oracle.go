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

// Package distribution answers placement and locality questions against the
// current cache topology.
//
// An Oracle never blocks and never takes locks: every query reads one
// immutable topology snapshot, which the state transfer layer replaces
// wholesale through Install.
package distribution

import (
	"context"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/distcache/ch"
	"go.chromium.org/distcache/cluster"
	"go.chromium.org/distcache/topology"
)

// ErrInvalidMode is returned for a lookup mode other than ModeRead or
// ModeWrite.
var ErrInvalidMode = errors.New("invalid lookup mode")

// LookupMode selects the consistent hash a query runs against.
type LookupMode int

const (
	// ModeRead uses the read consistent hash: the owners that have the data.
	ModeRead LookupMode = iota + 1
	// ModeWrite uses the write consistent hash: every owner that must receive
	// writes, including the ones still receiving state.
	ModeWrite
)

func (m LookupMode) String() string {
	switch m {
	case ModeRead:
		return "READ"
	case ModeWrite:
		return "WRITE"
	}
	return "INVALID"
}

// Locality says whether a key is owned by the local member.
type Locality int

const (
	// Local means the local member owns the key.
	Local Locality = iota
	// LocalUncertain means the local member owns the key, but ownership of its
	// segment is being transferred.
	LocalUncertain
	// NotLocal means the local member doesn't own the key.
	NotLocal
	// NotLocalUncertain means the local member doesn't own the key, but
	// ownership of its segment is being transferred.
	NotLocalUncertain
)

// IsLocal is true for Local and LocalUncertain.
func (l Locality) IsLocal() bool { return l == Local || l == LocalUncertain }

// IsUncertain is true if the answer may change imminently and must not be
// cached.
func (l Locality) IsUncertain() bool { return l == LocalUncertain || l == NotLocalUncertain }

func (l Locality) String() string {
	switch l {
	case Local:
		return "LOCAL"
	case LocalUncertain:
		return "LOCAL_UNCERTAIN"
	case NotLocal:
		return "NOT_LOCAL"
	case NotLocalUncertain:
		return "NOT_LOCAL_UNCERTAIN"
	}
	return "UNKNOWN"
}

// StateTransfer is the source of topology truth.
type StateTransfer interface {
	// CacheTopology is the authoritative topology, or nil before the first one.
	CacheTopology() *topology.Topology
	// IsStateTransferInProgress is true while segments are being moved.
	IsStateTransferInProgress() bool
	// IsJoinComplete is true once the local member received its initial state.
	IsJoinComplete() bool
}

// Oracle answers locality queries for the local member.
type Oracle struct {
	self  cluster.Address
	st    StateTransfer
	topos topology.Holder
}

// NewOracle returns an oracle for the local member of the transport.
//
// st may be nil, in which case the oracle only knows about topologies given
// to Install, the join is reported complete and no state transfer is in
// progress.
func NewOracle(tr cluster.Transport, st StateTransfer) *Oracle {
	return &Oracle{self: tr.Self(), st: st}
}

// Self is the local member.
func (o *Oracle) Self() cluster.Address { return o.self }

// Install makes t the current topology.
//
// A topology whose ID is not strictly greater than the current one is
// ignored and false is returned.
func (o *Oracle) Install(ctx context.Context, t *topology.Topology) bool {
	prev, ok := o.topos.Install(t)
	if !ok {
		logging.Warningf(ctx, "Ignoring stale topology %d, current is %d", t.ID, prev.ID)
		staleTopologies.Add(ctx, 1)
		return false
	}
	o.installed(ctx, t)
	return true
}

func (o *Oracle) installed(ctx context.Context, t *topology.Topology) {
	logging.Debugf(ctx, "Installed topology %s", t)
	topologyID.Set(ctx, int64(t.ID))
	rehashInProgress.Set(ctx, t.IsRehashInProgress())
}

// Topology returns the current topology snapshot.
//
// If the state transfer collaborator has a newer one, it is installed first.
// Losing that install to a concurrent one is not reported as stale.
func (o *Oracle) Topology(ctx context.Context) *topology.Topology {
	cur := o.topos.Load()
	if o.st == nil {
		return cur
	}
	if t := o.st.CacheTopology(); t != nil && (cur == nil || t.ID > cur.ID) {
		if _, ok := o.topos.Install(t); ok {
			o.installed(ctx, t)
		}
		return o.topos.Load()
	}
	return cur
}

// hashFor returns the consistent hash for a validated mode.
func hashFor(t *topology.Topology, mode LookupMode) *ch.ConsistentHash {
	if mode == ModeWrite {
		return t.Write
	}
	return t.Read
}

func checkMode(mode LookupMode) error {
	if mode != ModeRead && mode != ModeWrite {
		return errors.Annotate(ErrInvalidMode, "%d", int(mode)).Err()
	}
	return nil
}

// Locate returns the owners of key, primary owner first.
//
// Before the first topology, the local member is the only owner.
func (o *Oracle) Locate(ctx context.Context, key string, mode LookupMode) ([]cluster.Address, error) {
	if err := checkMode(mode); err != nil {
		return nil, err
	}
	t := o.Topology(ctx)
	if t == nil {
		return []cluster.Address{o.self}, nil
	}
	c := hashFor(t, mode)
	return c.Locate(key), nil
}

// PrimaryOwner returns the primary owner of key.
//
// Returns false if the consistent hash has no members.
func (o *Oracle) PrimaryOwner(ctx context.Context, key string, mode LookupMode) (cluster.Address, bool, error) {
	if err := checkMode(mode); err != nil {
		return "", false, err
	}
	t := o.Topology(ctx)
	if t == nil {
		return o.self, true, nil
	}
	c := hashFor(t, mode)
	owner, ok := c.PrimaryOwner(c.SegmentOf(key))
	return owner, ok, nil
}

// Locality says whether the local member owns key.
//
// The uncertain variants are returned only when the key's segment is
// changing owners in the current topology.
func (o *Oracle) Locality(ctx context.Context, key string, mode LookupMode) (Locality, error) {
	if err := checkMode(mode); err != nil {
		return 0, err
	}
	t := o.Topology(ctx)
	if t == nil {
		return Local, nil
	}
	c := hashFor(t, mode)
	seg := c.SegmentOf(key)
	local := c.IsSegmentOwner(o.self, seg)
	uncertain := t.IsSegmentAffected(seg)
	switch {
	case local && uncertain:
		return LocalUncertain, nil
	case local:
		return Local, nil
	case uncertain:
		return NotLocalUncertain, nil
	default:
		return NotLocal, nil
	}
}

// IsAffectedByRehash is true if the ownership of key's segment differs
// between the stable and the pending consistent hash.
func (o *Oracle) IsAffectedByRehash(ctx context.Context, key string) bool {
	t := o.Topology(ctx)
	if t == nil {
		return false
	}
	return t.IsSegmentAffected(t.Read.SegmentOf(key))
}

// IsRehashInProgress is true while a topology transition is open.
func (o *Oracle) IsRehashInProgress(ctx context.Context) bool {
	t := o.Topology(ctx)
	return t != nil && t.IsRehashInProgress()
}

// IsStateTransferInProgress delegates to the state transfer collaborator.
func (o *Oracle) IsStateTransferInProgress() bool {
	return o.st != nil && o.st.IsStateTransferInProgress()
}

// IsJoinComplete delegates to the state transfer collaborator.
func (o *Oracle) IsJoinComplete() bool {
	return o.st == nil || o.st.IsJoinComplete()
}

// LocateAll returns the owners of every key.
func (o *Oracle) LocateAll(ctx context.Context, keys []string, mode LookupMode) (map[string][]cluster.Address, error) {
	if err := checkMode(mode); err != nil {
		return nil, err
	}
	t := o.Topology(ctx)
	out := make(map[string][]cluster.Address, len(keys))
	for _, k := range keys {
		if t == nil {
			out[k] = []cluster.Address{o.self}
			continue
		}
		c := hashFor(t, mode)
		out[k] = c.Locate(k)
	}
	return out, nil
}

// AffectedNodes returns every member that owns one of keys under the write
// consistent hash, sorted.
func (o *Oracle) AffectedNodes(ctx context.Context, keys []string) []cluster.Address {
	if len(keys) == 0 {
		return nil
	}
	owners, _ := o.LocateAll(ctx, keys, ModeWrite)
	set := stringset.New(len(keys))
	for _, addrs := range owners {
		for _, a := range addrs {
			set.Add(string(a))
		}
	}
	out := make([]cluster.Address, 0, set.Len())
	for _, a := range set.ToSortedSlice() {
		out = append(out, cluster.Address(a))
	}
	return out
}

// LocateKey returns the string form of the owners of key under the read
// consistent hash.
func (o *Oracle) LocateKey(ctx context.Context, key string) []string {
	owners, _ := o.Locate(ctx, key, ModeRead)
	return cluster.Strings(owners)
}

// IsLocatedLocally is true if the local member owns key.
func (o *Oracle) IsLocatedLocally(ctx context.Context, key string) bool {
	l, _ := o.Locality(ctx, key, ModeRead)
	return l.IsLocal()
}
