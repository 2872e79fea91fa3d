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

// Package inproc implements cluster.Transport for members living in the same
// process.
//
// Commands still go through msgpack encoding, so serialization failures
// behave as they would over a real network. Useful for tests and simulations.
package inproc

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/distcache/cluster"
)

// Call records a single Invoke, for inspection in tests.
type Call struct {
	From      cluster.Address
	Targets   []cluster.Address // nil for multicast
	Name      string
	Mode      cluster.DeliveryMode
	Multicast bool
}

// Network connects in-process members.
type Network struct {
	mu        sync.RWMutex
	members   []cluster.Address // join order
	nodes     map[cluster.Address]*Node
	faults    map[cluster.Address]error
	multicast bool
	calls     []Call
}

// NewNetwork returns an empty network.
func NewNetwork(multicastCapable bool) *Network {
	return &Network{
		nodes:     map[cluster.Address]*Node{},
		faults:    map[cluster.Address]error{},
		multicast: multicastCapable,
	}
}

// Join adds a member to the network and returns its transport.
//
// Joining with an address that is already a member returns the existing
// transport.
func (n *Network) Join(addr cluster.Address, h cluster.Handler) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if node, ok := n.nodes[addr]; ok {
		return node
	}
	node := &Node{net: n, self: addr}
	node.handler.Store(&h)
	n.nodes[addr] = node
	n.members = append(n.members, addr)
	return node
}

// Leave removes a member. Commands addressed to it report cluster.ErrMemberLeft.
func (n *Network) Leave(addr cluster.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
	delete(n.faults, addr)
	n.members = slices.DeleteFunc(n.members, func(a cluster.Address) bool { return a == addr })
}

// Members returns the current members in join order.
func (n *Network) Members() []cluster.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.members)
}

// InjectFault makes every delivery to addr fail with err until cleared with
// a nil err.
func (n *Network) InjectFault(addr cluster.Address, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.faults, addr)
	} else {
		n.faults[addr] = err
	}
}

// SetMulticastCapable toggles multicast support.
func (n *Network) SetMulticastCapable(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.multicast = v
}

// Calls returns every Invoke made so far.
func (n *Network) Calls() []Call {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.calls)
}

func (n *Network) record(c Call) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, c)
}

// lookup returns the node behind addr and its injected fault, if any.
func (n *Network) lookup(addr cluster.Address) (*Node, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[addr], n.faults[addr]
}

// Node is the cluster.Transport of one member.
type Node struct {
	net     *Network
	self    cluster.Address
	handler atomic.Pointer[cluster.Handler]
}

var _ cluster.Transport = (*Node)(nil)

// SetHandler replaces the command handler of this member.
func (nd *Node) SetHandler(h cluster.Handler) {
	nd.handler.Store(&h)
}

// Self implements cluster.Transport.
func (nd *Node) Self() cluster.Address { return nd.self }

// Members implements cluster.Transport.
func (nd *Node) Members() []cluster.Address { return nd.net.Members() }

// IsMulticastCapable implements cluster.Transport.
func (nd *Node) IsMulticastCapable() bool {
	nd.net.mu.RLock()
	defer nd.net.mu.RUnlock()
	return nd.net.multicast
}

// Invoke implements cluster.Transport.
func (nd *Node) Invoke(ctx context.Context, targets []cluster.Address, cmd cluster.Command, mode cluster.DeliveryMode) *cluster.Future[cluster.Responses] {
	multicast := targets == nil
	nd.net.record(Call{
		From:      nd.self,
		Targets:   slices.Clone(targets),
		Name:      cmd.CommandName(),
		Mode:      mode,
		Multicast: multicast,
	})

	env, err := cluster.Encode(cmd)
	if err != nil {
		return cluster.Resolved[cluster.Responses](nil, err)
	}
	if multicast {
		targets = slices.DeleteFunc(nd.net.Members(), func(a cluster.Address) bool { return a == nd.self })
	}

	f := cluster.NewFuture[cluster.Responses]()
	if mode == cluster.Asynchronous {
		f.Resolve(cluster.Responses{}, nil)
		go func() {
			resps, err := nd.deliver(context.WithoutCancel(ctx), targets, env, mode)
			if err != nil {
				logging.Warningf(ctx, "async %s from %s: %d failed targets: %s", env.Name, nd.self, len(resps.Failed()), err)
			}
		}()
		return f
	}
	go func() {
		f.Resolve(nd.deliver(ctx, targets, env, mode))
	}()
	return f
}

func (nd *Node) deliver(ctx context.Context, targets []cluster.Address, env cluster.Envelope, mode cluster.DeliveryMode) (cluster.Responses, error) {
	var mu sync.Mutex
	resps := make(cluster.Responses, len(targets))

	var eg errgroup.Group
	for _, target := range targets {
		eg.Go(func() error {
			resp := nd.deliverOne(ctx, target, env)
			mu.Lock()
			resps[target] = resp
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	var merr errors.MultiError
	for _, addr := range targets {
		resp := resps[addr]
		switch {
		case resp.Err == nil:
		case resp.Left && mode == cluster.SynchronousIgnoreLeavers:
		default:
			merr = append(merr, resp.Err)
		}
	}
	if len(merr) > 0 {
		return resps, merr
	}
	return resps, nil
}

func (nd *Node) deliverOne(ctx context.Context, target cluster.Address, env cluster.Envelope) cluster.Response {
	node, fault := nd.net.lookup(target)
	switch {
	case node == nil:
		return cluster.Response{From: target, Err: cluster.MemberLeft(target), Left: true}
	case fault != nil:
		return cluster.Response{From: target, Err: errors.Annotate(fault, "delivering %s to %s", env.Name, target).Err()}
	}
	h := node.handler.Load()
	if h == nil || *h == nil {
		return cluster.Response{From: target}
	}
	val, err := (*h)(ctx, nd.self, env)
	if err != nil {
		err = errors.Annotate(err, "%s handling %s", target, env.Name).Err()
	}
	return cluster.Response{From: target, Value: val, Err: err}
}
