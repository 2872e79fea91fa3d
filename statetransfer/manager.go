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

// Package statetransfer turns membership changes into cache topologies.
//
// A membership change first yields a stable consistent hash in which every
// segment that kept its owners is untouched. If spreading the load onto the
// joiners needs segments to move, a transitional topology is published whose
// write consistent hash is the union of the stable and the balanced one.
// Once the segments have been copied, Complete publishes the balanced
// consistent hash as the new stable topology.
package statetransfer

import (
	"context"
	"sync"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/sync/parallel"

	"go.chromium.org/distcache/ch"
	"go.chromium.org/distcache/cluster"
	"go.chromium.org/distcache/distribution"
	"go.chromium.org/distcache/hashring"
	"go.chromium.org/distcache/topology"
)

// ErrNoRehash is returned by Complete when no rehash is in progress.
var ErrNoRehash = errors.New("no rehash in progress")

// Listener is notified of every published topology.
type Listener func(ctx context.Context, t *topology.Topology) error

// Options configure the consistent hashes a Manager builds.
type Options struct {
	Hasher      hashring.Hasher
	NumOwners   int
	NumSegments int
}

// Manager is the source of topology truth for the local member.
type Manager struct {
	self cluster.Address
	opts Options

	mu        sync.Mutex
	topos     topology.Holder
	pending   *ch.ConsistentHash // balanced target of the open rehash
	joined    bool
	listeners []Listener
}

var _ distribution.StateTransfer = (*Manager)(nil)

// NewManager returns a manager for the local member self.
func NewManager(self cluster.Address, opts Options) (*Manager, error) {
	switch {
	case opts.NumOwners <= 0:
		return nil, errors.Annotate(ch.ErrInvalidNumOwners, "got %d", opts.NumOwners).Err()
	case opts.NumSegments <= 0:
		return nil, errors.Annotate(ch.ErrInvalidNumSegments, "got %d", opts.NumSegments).Err()
	}
	opts.Hasher = hashring.OrDefault(opts.Hasher)
	return &Manager{self: self, opts: opts}, nil
}

// AddListener registers l for future publications.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Watch makes o follow every published topology.
func (m *Manager) Watch(o *distribution.Oracle) {
	m.AddListener(func(ctx context.Context, t *topology.Topology) error {
		o.Install(ctx, t)
		return nil
	})
}

// MembersChanged publishes the topology for a new member list.
//
// A rehash still in progress is superseded: its balanced consistent hash is
// dropped and recomputed from the new member list.
func (m *Manager) MembersChanged(ctx context.Context, members []cluster.Address) (*topology.Topology, error) {
	m.mu.Lock()
	cur := m.topos.Load()
	var t *topology.Topology
	if cur == nil {
		c, err := ch.Create(m.opts.Hasher, m.opts.NumOwners, m.opts.NumSegments, members)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		t = topology.Stable(1, c)
	} else {
		stable := ch.UpdateMembers(cur.Read, members)
		balanced := ch.Rebalance(stable)
		if balanced == stable {
			t = topology.Stable(cur.ID+1, stable)
		} else {
			write, err := ch.Union(stable, balanced)
			switch {
			case err != nil:
				m.mu.Unlock()
				return nil, err
			case write.Equal(stable):
				// Only primaries change, there is nothing to copy.
				t = topology.Stable(cur.ID+1, balanced)
			default:
				t = topology.Transitional(cur.ID+1, stable, write)
				m.pending = balanced
			}
		}
	}
	if !t.IsRehashInProgress() {
		m.pending = nil
	}
	listeners := m.publishLocked(ctx, t)
	m.mu.Unlock()

	return t, notify(ctx, listeners, t)
}

// Complete ends the rehash in progress, making its balanced consistent hash
// the stable one.
func (m *Manager) Complete(ctx context.Context) (*topology.Topology, error) {
	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return nil, ErrNoRehash
	}
	t := topology.Stable(m.topos.Load().ID+1, m.pending)
	m.pending = nil
	listeners := m.publishLocked(ctx, t)
	m.mu.Unlock()

	return t, notify(ctx, listeners, t)
}

func (m *Manager) publishLocked(ctx context.Context, t *topology.Topology) []Listener {
	m.topos.Install(t)
	if !t.IsRehashInProgress() && t.Read.IsMember(m.self) {
		m.joined = true
	}
	if t.IsRehashInProgress() {
		logging.Infof(ctx, "Publishing topology %d: rehash of %d segment(s)", t.ID, len(t.AffectedSegments()))
	} else {
		logging.Infof(ctx, "Publishing topology %d: stable with %d member(s)", t.ID, len(t.Read.Members()))
	}
	return append([]Listener(nil), m.listeners...)
}

func notify(ctx context.Context, listeners []Listener, t *topology.Topology) error {
	err := parallel.FanOutIn(func(work chan<- func() error) {
		for _, l := range listeners {
			work <- func() error { return l(ctx, t) }
		}
	})
	if err != nil {
		return errors.Annotate(err, "notifying listeners of topology %d", t.ID).Err()
	}
	return nil
}

// CacheTopology implements distribution.StateTransfer.
func (m *Manager) CacheTopology() *topology.Topology {
	return m.topos.Load()
}

// IsStateTransferInProgress implements distribution.StateTransfer.
func (m *Manager) IsStateTransferInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// IsJoinComplete implements distribution.StateTransfer.
//
// It becomes true with the first stable topology that includes the local
// member, and stays true.
func (m *Manager) IsJoinComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}
