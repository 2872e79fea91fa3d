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

// Package l1 keeps the near caches of a cluster coherent.
//
// The owner of a key remembers which members fetched it into their near
// cache (the requestors) and invalidates their copies after a write. A member
// that misses locally uses a WriteSynchronizer so that concurrent readers
// share a single remote fetch.
//
// All state is sharded per key: operations on different keys never contend.
package l1

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/distcache/cluster"
)

// ErrInvalidThreshold is returned for an invalidation threshold below -1.
var ErrInvalidThreshold = errors.New("invalidation threshold must be -1, 0 or positive")

// InvalidateCommand is the name of the Invalidate command.
const InvalidateCommand = "l1.invalidate"

const (
	// UnicastOnly disables multicast invalidations.
	UnicastOnly = -1
	// AlwaysMulticast multicasts every invalidation that has a target.
	AlwaysMulticast = 0
)

// Options configure a Coordinator.
type Options struct {
	// Lifespan is how long a near cache copy lives, and how long a requestor
	// is remembered without being refreshed.
	Lifespan time.Duration
	// CleanupInterval is the period of the requestor expiry sweep. Zero or
	// negative disables the sweep.
	CleanupInterval time.Duration
	// InvalidationThreshold is the number of targets above which an
	// invalidation is multicast. See UnicastOnly and AlwaysMulticast.
	InvalidationThreshold int
	// NearCacheSize bounds the local near cache. Zero means unbounded.
	NearCacheSize int
}

// Invalidate tells members to drop keys from their near cache.
type Invalidate struct {
	Keys   []string        `msgpack:"k"`
	Origin cluster.Address `msgpack:"o"`
	// OriginKept is true if the origin still holds a valid copy of the keys.
	// A multicast reaches the origin too, which must then keep its copy.
	OriginKept bool `msgpack:"ok,omitempty"`
}

// CommandName implements cluster.Command.
func (*Invalidate) CommandName() string { return InvalidateCommand }

// FlushError is the failure of a flush.
//
// Members that left the cluster while being invalidated are not failures.
type FlushError struct {
	// Failed are the members that could not be invalidated, sorted.
	Failed []cluster.Address
	// Err holds the per-member errors.
	Err error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("invalidating near caches on %v: %s", e.Failed, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// requestorSet is the tracking state of one key.
type requestorSet struct {
	mu   sync.Mutex
	seen map[cluster.Address]time.Time
	// dead is set once the set was removed from the map. Writers must retry
	// with a fresh set.
	dead bool
}

// Coordinator is the L1 state of one member.
type Coordinator struct {
	tr   cluster.Transport
	opts Options
	near *NearCache

	requestors sync.Map // string -> *requestorSet
	syncs      sync.Map // string -> *WriteSynchronizer

	sweeping atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator validates opts and returns a coordinator for the local
// member of tr.
func NewCoordinator(tr cluster.Transport, opts Options) (*Coordinator, error) {
	if opts.InvalidationThreshold < UnicastOnly {
		return nil, errors.Annotate(ErrInvalidThreshold, "got %d", opts.InvalidationThreshold).Err()
	}
	if opts.Lifespan <= 0 {
		return nil, errors.Reason("L1 lifespan must be positive, got %s", opts.Lifespan).Err()
	}
	if opts.NearCacheSize < 0 {
		return nil, errors.Reason("near cache size must not be negative, got %d", opts.NearCacheSize).Err()
	}
	return &Coordinator{
		tr:   tr,
		opts: opts,
		near: NewNearCache(opts.NearCacheSize, opts.Lifespan),
	}, nil
}

// NearCache is the local near cache.
func (c *Coordinator) NearCache() *NearCache { return c.near }

// AddRequestor records that origin holds a near cache copy of key.
func (c *Coordinator) AddRequestor(ctx context.Context, key string, origin cluster.Address) {
	now := clock.Now(ctx)
	for {
		v, ok := c.requestors.Load(key)
		if !ok {
			v, _ = c.requestors.LoadOrStore(key, &requestorSet{seen: map[cluster.Address]time.Time{}})
		}
		rs := v.(*requestorSet)
		rs.mu.Lock()
		if rs.dead {
			rs.mu.Unlock()
			c.requestors.CompareAndDelete(key, rs)
			continue
		}
		rs.seen[origin] = now
		rs.mu.Unlock()
		return
	}
}

// Requestors returns the members tracked for key, sorted.
func (c *Coordinator) Requestors(key string) []cluster.Address {
	v, ok := c.requestors.Load(key)
	if !ok {
		return nil
	}
	rs := v.(*requestorSet)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.dead {
		return nil
	}
	out := make([]cluster.Address, 0, len(rs.seen))
	for addr := range rs.seen {
		out = append(out, addr)
	}
	cluster.SortAddresses(out)
	return out
}

// TrackedKeys is the number of keys with at least one requestor.
func (c *Coordinator) TrackedKeys() int {
	n := 0
	c.requestors.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// take removes the requestor set of key and returns its content.
func (c *Coordinator) take(key string) map[cluster.Address]time.Time {
	v, ok := c.requestors.LoadAndDelete(key)
	if !ok {
		return nil
	}
	rs := v.(*requestorSet)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.dead = true
	return rs.seen
}

// useMulticast applies the invalidation threshold to a target count.
func (c *Coordinator) useMulticast(targets int) bool {
	switch t := c.opts.InvalidationThreshold; {
	case t == UnicastOnly:
		return false
	case !c.tr.IsMulticastCapable():
		return false
	case t == AlwaysMulticast:
		return true
	default:
		return targets > t
	}
}

// FlushCache invalidates the near cache copies of keys held by other
// members.
//
// The requestors of every key are consumed. If originKept is true, origin
// wrote the keys and still holds valid copies: it stays a requestor of the
// keys it was tracked for and is not sent an invalidation.
//
// The returned future resolves once every target processed the
// invalidation. Members that left the cluster meanwhile are ignored. Any
// other failure resolves the future with a *FlushError. Without targets no
// RPC is made and the future is already resolved.
func (c *Coordinator) FlushCache(ctx context.Context, keys []string, origin cluster.Address, originKept bool) *cluster.Future[cluster.Responses] {
	targets := stringset.New(0)
	for _, key := range keys {
		seen := c.take(key)
		for addr := range seen {
			if originKept && addr == origin {
				c.AddRequestor(ctx, key, origin)
				continue
			}
			targets.Add(string(addr))
		}
	}
	if originKept {
		targets.Del(string(origin))
	}
	if targets.Len() == 0 {
		return cluster.Resolved[cluster.Responses](nil, nil)
	}

	cmd := &Invalidate{Keys: keys, Origin: origin, OriginKept: originKept}
	var pending *cluster.Future[cluster.Responses]
	if c.useMulticast(targets.Len()) {
		invalidations.Add(ctx, 1, "multicast")
		pending = c.tr.Invoke(ctx, nil, cmd, cluster.SynchronousIgnoreLeavers)
	} else {
		invalidations.Add(ctx, 1, "unicast")
		addrs := make([]cluster.Address, 0, targets.Len())
		for _, a := range targets.ToSortedSlice() {
			addrs = append(addrs, cluster.Address(a))
		}
		pending = c.tr.Invoke(ctx, addrs, cmd, cluster.SynchronousIgnoreLeavers)
	}

	done := cluster.NewFuture[cluster.Responses]()
	go func() {
		ctx := context.WithoutCancel(ctx)
		resps, err := pending.Wait(ctx)
		if err != nil {
			invalidationFailures.Add(ctx, 1)
			ferr := &FlushError{Failed: resps.Failed(), Err: err}
			logging.Errorf(ctx, "Failed to invalidate %d key(s): %s", len(keys), ferr)
			err = ferr
		}
		if departed := resps.Departed(); len(departed) > 0 {
			logging.Debugf(ctx, "Ignoring %d member(s) that left during invalidation: %v", len(departed), departed)
		}
		done.Resolve(resps, err)
	}()
	return done
}

// Handle is the cluster.Handler serving invalidations sent to this member.
func (c *Coordinator) Handle(ctx context.Context, from cluster.Address, env cluster.Envelope) (any, error) {
	if env.Name != InvalidateCommand {
		return nil, errors.Reason("unexpected command %q from %s", env.Name, from).Err()
	}
	var cmd Invalidate
	if err := env.Decode(&cmd); err != nil {
		return nil, err
	}
	if cmd.OriginKept && cmd.Origin == c.tr.Self() {
		return 0, nil
	}
	dropped := 0
	for _, key := range cmd.Keys {
		if c.near.Invalidate(key) {
			dropped++
		}
	}
	logging.Debugf(ctx, "Invalidated %d of %d key(s) on request of %s", dropped, len(cmd.Keys), from)
	return dropped, nil
}

// RegisterL1WriteSynchronizer makes s the synchronizer of key, unless one is
// already registered.
//
// Returns the registered synchronizer and whether it was already there.
// Concurrent misses on a key thus share the first registered synchronizer.
func (c *Coordinator) RegisterL1WriteSynchronizer(key string, s *WriteSynchronizer) (actual *WriteSynchronizer, loaded bool) {
	v, loaded := c.syncs.LoadOrStore(key, s)
	return v.(*WriteSynchronizer), loaded
}

// UnregisterL1WriteSynchronizer removes s if it is still the synchronizer
// of key. A newer synchronizer for the same key is left alone.
func (c *Coordinator) UnregisterL1WriteSynchronizer(key string, s *WriteSynchronizer) bool {
	return c.syncs.CompareAndDelete(key, s)
}

// Synchronizer returns the synchronizer of key, creating it if necessary.
//
// created is true if the caller must do the remote fetch.
func (c *Coordinator) Synchronizer(key string) (s *WriteSynchronizer, created bool) {
	if v, ok := c.syncs.Load(key); ok {
		return v.(*WriteSynchronizer), false
	}
	s, loaded := c.RegisterL1WriteSynchronizer(key, NewWriteSynchronizer())
	return s, !loaded
}

// RemoteValueFound resolves the synchronizer of e's key with e and stores e
// in the near cache.
//
// Returns false if no synchronizer was waiting. The near cache is then left
// untouched, since a late reply may carry an already invalidated value.
func (c *Coordinator) RemoteValueFound(ctx context.Context, e *Entry) bool {
	return c.resolve(ctx, e.Key, e)
}

// RemoteValueNotFound resolves the synchronizer of key with "not found".
//
// Returns false if no synchronizer was waiting.
func (c *Coordinator) RemoteValueNotFound(ctx context.Context, key string) bool {
	return c.resolve(ctx, key, nil)
}

func (c *Coordinator) resolve(ctx context.Context, key string, e *Entry) bool {
	v, ok := c.syncs.Load(key)
	if !ok {
		return false
	}
	s := v.(*WriteSynchronizer)
	resolved := s.resolve(e)
	if resolved && e != nil {
		c.near.Put(ctx, e)
	}
	c.syncs.CompareAndDelete(key, s)
	if resolved {
		synchronizersResolved.Add(ctx, 1, e != nil)
	}
	return resolved
}

// Sweep forgets requestors not seen for longer than the L1 lifespan, and
// keys left without requestors.
//
// Only one sweep runs at a time: returns false without doing anything if
// another one is in progress.
func (c *Coordinator) Sweep(ctx context.Context) bool {
	if !c.sweeping.CompareAndSwap(false, true) {
		return false
	}
	defer c.sweeping.Store(false)

	now := clock.Now(ctx)
	purged, dropped := 0, 0
	c.requestors.Range(func(k, v any) bool {
		rs := v.(*requestorSet)
		rs.mu.Lock()
		for addr, ts := range rs.seen {
			if now.Sub(ts) > c.opts.Lifespan {
				delete(rs.seen, addr)
				purged++
			}
		}
		empty := !rs.dead && len(rs.seen) == 0
		if empty {
			rs.dead = true
		}
		rs.mu.Unlock()
		if empty {
			c.requestors.CompareAndDelete(k, rs)
			dropped++
		}
		return true
	})
	if purged > 0 {
		requestorsPurged.Add(ctx, int64(purged))
		logging.Debugf(ctx, "L1 sweep purged %s requestor(s), dropped %s key(s)", humanize.Comma(int64(purged)), humanize.Comma(int64(dropped)))
	}
	return true
}

// Start launches the periodic sweep. It runs until Stop or until ctx is
// done.
//
// A non-positive cleanup interval disables the sweep: requestors then stay
// tracked until their key is flushed.
func (c *Coordinator) Start(ctx context.Context) {
	if c.opts.CleanupInterval <= 0 {
		logging.Warningf(ctx, "L1 cleanup interval is %s, expired requestors will not be purged", c.opts.CleanupInterval)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		timer := clock.NewTimer(ctx)
		defer timer.Stop()
		for {
			timer.Reset(c.opts.CleanupInterval)
			if res := <-timer.GetC(); res.Incomplete() {
				return
			}
			// A sweep still running means this tick is skipped.
			if c.sweeping.Load() {
				logging.Debugf(ctx, "Previous L1 sweep still running, skipping")
				continue
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.Sweep(ctx)
			}()
		}
	}()
}

// Stop cancels the periodic sweep and waits for it to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
