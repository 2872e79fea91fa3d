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

// Package cluster defines the membership and RPC facade consumed by the
// placement and near-cache services.
//
// The facade is deliberately narrow: the current ordered member list, a
// "multicast capable?" flag and an asynchronous Invoke. See package
// cluster/inproc for an in-process implementation.
package cluster

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// Address identifies a cluster member.
//
// Addresses are opaque: they are compared for equality and ordered
// lexicographically, nothing else.
type Address string

// String implements fmt.Stringer.
func (a Address) String() string { return string(a) }

// NewAddress returns a fresh random address with the given prefix.
func NewAddress(prefix string) Address {
	return Address(prefix + "-" + uuid.NewString())
}

// SortAddresses sorts addresses in place.
func SortAddresses(as []Address) {
	slices.Sort(as)
}

// Strings converts addresses to their string form.
func Strings(as []Address) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = string(a)
	}
	return out
}

// DeliveryMode controls how Invoke treats the targets.
type DeliveryMode int

const (
	// Synchronous waits for every target. A target that left the cluster
	// during the call is reported as a failure.
	Synchronous DeliveryMode = iota + 1
	// SynchronousIgnoreLeavers waits for every target, but targets that
	// left the cluster during the call are not failures.
	SynchronousIgnoreLeavers
	// Asynchronous does not wait for delivery at all.
	Asynchronous
)

func (m DeliveryMode) String() string {
	switch m {
	case Synchronous:
		return "SYNCHRONOUS"
	case SynchronousIgnoreLeavers:
		return "SYNCHRONOUS_IGNORE_LEAVERS"
	case Asynchronous:
		return "ASYNCHRONOUS"
	}
	return "UNKNOWN"
}

// ErrMemberLeft is returned for targets that are no longer cluster members.
//
// It is tagged as transient.
var ErrMemberLeft = errors.New("member left the cluster")

// MemberLeft returns an ErrMemberLeft error for addr.
func MemberLeft(addr Address) error {
	return transient.Tag.Apply(errors.Annotate(ErrMemberLeft, "%s", addr).Err())
}

// Command is a message that can be sent to cluster members.
//
// Commands are serialized with msgpack on the way out.
type Command interface {
	CommandName() string
}

// Envelope is a serialized Command, as received by a member.
type Envelope struct {
	Name string `msgpack:"n"`
	Body []byte `msgpack:"b"`
}

// Encode serializes cmd into an Envelope.
func Encode(cmd Command) (Envelope, error) {
	body, err := msgpack.Marshal(cmd)
	if err != nil {
		return Envelope{}, errors.Annotate(err, "encoding %s command", cmd.CommandName()).Err()
	}
	return Envelope{Name: cmd.CommandName(), Body: body}, nil
}

// Decode deserializes the envelope body into v.
func (e Envelope) Decode(v any) error {
	if err := msgpack.Unmarshal(e.Body, v); err != nil {
		return errors.Annotate(err, "decoding %s command", e.Name).Err()
	}
	return nil
}

// Handler processes commands addressed to a member.
type Handler func(ctx context.Context, from Address, env Envelope) (any, error)

// Response is the outcome of delivering a command to one target.
type Response struct {
	From  Address
	Value any
	Err   error
	// Left is true if the target was not a member when the command was
	// delivered.
	Left bool
}

// Responses maps targets to their responses.
type Responses map[Address]Response

// Failed returns targets that failed for a reason other than leaving.
func (r Responses) Failed() []Address {
	var out []Address
	for addr, resp := range r {
		if resp.Err != nil && !resp.Left {
			out = append(out, addr)
		}
	}
	SortAddresses(out)
	return out
}

// Departed returns targets that left the cluster during the call.
func (r Responses) Departed() []Address {
	var out []Address
	for addr, resp := range r {
		if resp.Left {
			out = append(out, addr)
		}
	}
	SortAddresses(out)
	return out
}

// Transport is the membership and RPC facade.
type Transport interface {
	// Self is the address of the local member.
	Self() Address
	// Members is the current ordered member list, in join order.
	Members() []Address
	// IsMulticastCapable is true if the transport can deliver a single
	// message to every member.
	IsMulticastCapable() bool
	// Invoke sends cmd to targets, or to all other members if targets is nil.
	//
	// The returned future resolves with the per-target responses and an
	// aggregated error of the failures that mode does not ignore.
	Invoke(ctx context.Context, targets []Address, cmd Command, mode DeliveryMode) *Future[Responses]
}
