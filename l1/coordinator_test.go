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

package l1

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/common/logging/memlogger"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/distcache/cluster"
	"go.chromium.org/distcache/cluster/inproc"
)

// testCluster is an owner and a few peers, each with a coordinator serving
// invalidations.
type testCluster struct {
	net   *inproc.Network
	owner *Coordinator
	peers map[cluster.Address]*Coordinator
}

func newTestCluster(t testing.TB, threshold int, multicast bool, peers ...cluster.Address) *testCluster {
	opts := Options{
		Lifespan:              time.Minute,
		CleanupInterval:       time.Second,
		InvalidationThreshold: threshold,
	}
	tc := &testCluster{
		net:   inproc.NewNetwork(multicast),
		peers: map[cluster.Address]*Coordinator{},
	}
	join := func(addr cluster.Address) *Coordinator {
		node := tc.net.Join(addr, nil)
		c, err := NewCoordinator(node, opts)
		assert.Loosely(t, err, should.BeNil)
		node.SetHandler(c.Handle)
		return c
	}
	tc.owner = join("owner")
	for _, p := range peers {
		tc.peers[p] = join(p)
	}
	return tc
}

// ownerCalls are the invalidations issued by the owner.
func (tc *testCluster) ownerCalls() []inproc.Call {
	var out []inproc.Call
	for _, c := range tc.net.Calls() {
		if c.From == "owner" && c.Name == InvalidateCommand {
			out = append(out, c)
		}
	}
	return out
}

func flush(ctx context.Context, f *cluster.Future[cluster.Responses]) (cluster.Responses, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestNewCoordinator(t *testing.T) {
	t.Parallel()

	ftt.Run("NewCoordinator", t, func(t *ftt.Test) {
		node := inproc.NewNetwork(true).Join("a", nil)

		t.Run("accepts -1 and 0", func(t *ftt.Test) {
			for _, th := range []int{UnicastOnly, AlwaysMulticast, 1, 10} {
				_, err := NewCoordinator(node, Options{Lifespan: time.Second, InvalidationThreshold: th})
				assert.Loosely(t, err, should.BeNil)
			}
		})

		t.Run("rejects thresholds below -1", func(t *ftt.Test) {
			_, err := NewCoordinator(node, Options{Lifespan: time.Second, InvalidationThreshold: -2})
			assert.Loosely(t, err, should.ErrLike(ErrInvalidThreshold))
		})

		t.Run("rejects a non-positive lifespan", func(t *ftt.Test) {
			_, err := NewCoordinator(node, Options{})
			assert.Loosely(t, err, should.ErrLike("lifespan must be positive"))
		})
	})
}

func TestFlushCache(t *testing.T) {
	t.Parallel()

	ftt.Run("FlushCache", t, func(t *ftt.Test) {
		ctx := gologger.StdConfig.Use(context.Background())
		ctx, _ = testclock.UseTime(ctx, testclock.TestRecentTimeUTC)

		t.Run("threshold 2", func(t *ftt.Test) {
			t.Run("one requestor is unicast", func(t *ftt.Test) {
				tc := newTestCluster(t, 2, true, "p1", "p2", "p3", "p4")
				tc.owner.AddRequestor(ctx, "k", "p1")
				_, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "writer", false))
				assert.Loosely(t, err, should.BeNil)
				calls := tc.ownerCalls()
				assert.Loosely(t, calls, should.HaveLength(1))
				assert.Loosely(t, calls[0].Multicast, should.BeFalse)
				assert.Loosely(t, calls[0].Targets, should.Match([]cluster.Address{"p1"}))
				assert.Loosely(t, calls[0].Mode, should.Equal(cluster.SynchronousIgnoreLeavers))
			})

			t.Run("two requestors across keys are one unicast", func(t *ftt.Test) {
				tc := newTestCluster(t, 2, true, "p1", "p2", "p3", "p4")
				tc.owner.AddRequestor(ctx, "k1", "p2")
				tc.owner.AddRequestor(ctx, "k2", "p1")
				tc.owner.AddRequestor(ctx, "k2", "p2")
				_, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k1", "k2"}, "writer", false))
				assert.Loosely(t, err, should.BeNil)
				calls := tc.ownerCalls()
				assert.Loosely(t, calls, should.HaveLength(1))
				assert.Loosely(t, calls[0].Multicast, should.BeFalse)
				assert.Loosely(t, calls[0].Targets, should.Match([]cluster.Address{"p1", "p2"}))
				assert.Loosely(t, tc.owner.TrackedKeys(), should.BeZero)
			})

			t.Run("three requestors are multicast", func(t *ftt.Test) {
				tc := newTestCluster(t, 2, true, "p1", "p2", "p3", "p4")
				for _, p := range []cluster.Address{"p1", "p2", "p3"} {
					tc.owner.AddRequestor(ctx, "k", p)
				}
				_, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "writer", false))
				assert.Loosely(t, err, should.BeNil)
				calls := tc.ownerCalls()
				assert.Loosely(t, calls, should.HaveLength(1))
				assert.Loosely(t, calls[0].Multicast, should.BeTrue)
				assert.Loosely(t, calls[0].Targets, should.BeNil)
			})

			t.Run("without multicast support it is unicast", func(t *ftt.Test) {
				tc := newTestCluster(t, 2, true, "p1", "p2", "p3", "p4")
				tc.net.SetMulticastCapable(false)
				for _, p := range []cluster.Address{"p1", "p2", "p3", "p4"} {
					tc.owner.AddRequestor(ctx, "k", p)
				}
				_, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "writer", false))
				assert.Loosely(t, err, should.BeNil)
				calls := tc.ownerCalls()
				assert.Loosely(t, calls, should.HaveLength(1))
				assert.Loosely(t, calls[0].Multicast, should.BeFalse)
				assert.Loosely(t, calls[0].Targets, should.HaveLength(4))
			})

			t.Run("no requestors means no RPC", func(t *ftt.Test) {
				tc := newTestCluster(t, 2, true, "p1", "p2", "p3", "p4")
				f := tc.owner.FlushCache(ctx, []string{"k", "other"}, "writer", true)
				select {
				case <-f.Done():
				default:
					t.Fatalf("flush without targets is not resolved")
				}
				_, err := f.Wait(ctx)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, tc.ownerCalls(), should.BeEmpty)
			})
		})

		t.Run("threshold -1 is always unicast", func(t *ftt.Test) {
			tc := newTestCluster(t, UnicastOnly, true, "p1", "p2", "p3", "p4")
			for _, p := range []cluster.Address{"p1", "p2", "p3", "p4"} {
				tc.owner.AddRequestor(ctx, "k", p)
			}
			_, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "writer", false))
			assert.Loosely(t, err, should.BeNil)
			calls := tc.ownerCalls()
			assert.Loosely(t, calls, should.HaveLength(1))
			assert.Loosely(t, calls[0].Multicast, should.BeFalse)
			assert.Loosely(t, calls[0].Targets, should.Match([]cluster.Address{"p1", "p2", "p3", "p4"}))
		})

		t.Run("threshold 0 is always multicast", func(t *ftt.Test) {
			tc := newTestCluster(t, AlwaysMulticast, true, "p1", "p2")
			tc.owner.AddRequestor(ctx, "k", "p1")
			_, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "writer", false))
			assert.Loosely(t, err, should.BeNil)
			calls := tc.ownerCalls()
			assert.Loosely(t, calls, should.HaveLength(1))
			assert.Loosely(t, calls[0].Multicast, should.BeTrue)
		})

		t.Run("origin that kept its copy", func(t *ftt.Test) {
			t.Run("is not invalidated and stays a requestor", func(t *ftt.Test) {
				tc := newTestCluster(t, 2, true, "p1", "p2")
				tc.owner.AddRequestor(ctx, "k", "p1")
				tc.owner.AddRequestor(ctx, "k", "p2")
				_, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "p1", true))
				assert.Loosely(t, err, should.BeNil)
				calls := tc.ownerCalls()
				assert.Loosely(t, calls, should.HaveLength(1))
				assert.Loosely(t, calls[0].Targets, should.Match([]cluster.Address{"p2"}))
				assert.Loosely(t, tc.owner.Requestors("k"), should.Match([]cluster.Address{"p1"}))
			})

			t.Run("is invalidated if it didn't keep it", func(t *ftt.Test) {
				tc := newTestCluster(t, 2, true, "p1", "p2")
				tc.owner.AddRequestor(ctx, "k", "p1")
				tc.owner.AddRequestor(ctx, "k", "p2")
				_, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "p1", false))
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, tc.ownerCalls()[0].Targets, should.Match([]cluster.Address{"p1", "p2"}))
				assert.Loosely(t, tc.owner.Requestors("k"), should.BeEmpty)
			})

			t.Run("keeps its near cache copy on multicast", func(t *ftt.Test) {
				tc := newTestCluster(t, AlwaysMulticast, true, "p1", "p2")
				for _, p := range []cluster.Address{"p1", "p2"} {
					tc.peers[p].NearCache().Put(ctx, &Entry{Key: "k", Value: []byte("v")})
					tc.owner.AddRequestor(ctx, "k", p)
				}
				_, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "p1", true))
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, tc.ownerCalls()[0].Multicast, should.BeTrue)

				_, ok := tc.peers["p1"].NearCache().Get(ctx, "k")
				assert.Loosely(t, ok, should.BeTrue)
				_, ok = tc.peers["p2"].NearCache().Get(ctx, "k")
				assert.Loosely(t, ok, should.BeFalse)
			})
		})

		t.Run("invalidation drops near cache copies", func(t *ftt.Test) {
			tc := newTestCluster(t, 2, true, "p1")
			tc.peers["p1"].NearCache().Put(ctx, &Entry{Key: "k", Value: []byte("v")})
			tc.peers["p1"].NearCache().Put(ctx, &Entry{Key: "untouched", Value: []byte("v")})
			tc.owner.AddRequestor(ctx, "k", "p1")
			resps, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "writer", false))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, resps["p1"].Value, should.Equal(1))
			_, ok := tc.peers["p1"].NearCache().Get(ctx, "k")
			assert.Loosely(t, ok, should.BeFalse)
			_, ok = tc.peers["p1"].NearCache().Get(ctx, "untouched")
			assert.Loosely(t, ok, should.BeTrue)
		})

		t.Run("failures", func(t *ftt.Test) {
			setup := func(t *ftt.Test) *testCluster {
				tc := newTestCluster(t, UnicastOnly, true, "p1", "p2", "p3")
				for _, p := range []cluster.Address{"p1", "p2", "p3"} {
					tc.owner.AddRequestor(ctx, "k", p)
				}
				return tc
			}

			t.Run("members that left are ignored", func(t *ftt.Test) {
				tc := setup(t)
				tc.net.Leave("p1")
				resps, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "writer", false))
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, resps.Departed(), should.Match([]cluster.Address{"p1"}))
			})

			t.Run("live member errors fail the flush", func(t *ftt.Test) {
				tc := setup(t)
				tc.net.Leave("p1")
				tc.net.InjectFault("p2", errors.New("connection reset"))
				resps, err := flush(ctx, tc.owner.FlushCache(ctx, []string{"k"}, "writer", false))
				assert.Loosely(t, err, should.ErrLike("connection reset"))
				ferr, ok := err.(*FlushError)
				assert.Loosely(t, ok, should.BeTrue)
				assert.Loosely(t, ferr.Failed, should.Match([]cluster.Address{"p2"}))
				assert.Loosely(t, resps.Departed(), should.Match([]cluster.Address{"p1"}))
				assert.Loosely(t, resps["p3"].Err, should.BeNil)
			})
		})
	})
}

func TestRequestors(t *testing.T) {
	t.Parallel()

	ftt.Run("Requestor tracking", t, func(t *ftt.Test) {
		ctx := gologger.StdConfig.Use(context.Background())
		ctx, tclock := testclock.UseTime(ctx, testclock.TestRecentTimeUTC)
		tc := newTestCluster(t, 2, true)
		c := tc.owner

		t.Run("add is idempotent", func(t *ftt.Test) {
			c.AddRequestor(ctx, "k", "p1")
			c.AddRequestor(ctx, "k", "p1")
			assert.Loosely(t, c.Requestors("k"), should.Match([]cluster.Address{"p1"}))
			assert.Loosely(t, c.TrackedKeys(), should.Equal(1))
		})

		t.Run("sweep removes expired requestors and empty keys", func(t *ftt.Test) {
			c.AddRequestor(ctx, "stale", "p1")
			c.AddRequestor(ctx, "mixed", "p1")
			tclock.Add(30 * time.Second)
			c.AddRequestor(ctx, "mixed", "p2")
			c.AddRequestor(ctx, "fresh", "p3")
			tclock.Add(31 * time.Second)

			assert.Loosely(t, c.Sweep(ctx), should.BeTrue)
			assert.Loosely(t, c.Requestors("stale"), should.BeEmpty)
			assert.Loosely(t, c.Requestors("mixed"), should.Match([]cluster.Address{"p2"}))
			assert.Loosely(t, c.Requestors("fresh"), should.Match([]cluster.Address{"p3"}))
			assert.Loosely(t, c.TrackedKeys(), should.Equal(2))

			t.Run("refreshing keeps a requestor", func(t *ftt.Test) {
				c.AddRequestor(ctx, "mixed", "p2")
				tclock.Add(45 * time.Second)
				assert.Loosely(t, c.Sweep(ctx), should.BeTrue)
				assert.Loosely(t, c.Requestors("mixed"), should.Match([]cluster.Address{"p2"}))
				assert.Loosely(t, c.Requestors("fresh"), should.BeEmpty)
				assert.Loosely(t, c.TrackedKeys(), should.Equal(1))
			})

			t.Run("a swept key can be tracked again", func(t *ftt.Test) {
				c.AddRequestor(ctx, "stale", "p4")
				assert.Loosely(t, c.Requestors("stale"), should.Match([]cluster.Address{"p4"}))
			})
		})

		t.Run("only one sweep runs at a time", func(t *ftt.Test) {
			c.sweeping.Store(true)
			assert.Loosely(t, c.Sweep(ctx), should.BeFalse)
			c.sweeping.Store(false)
			assert.Loosely(t, c.Sweep(ctx), should.BeTrue)
		})
	})
}

func TestCleanupLoop(t *testing.T) {
	t.Parallel()

	ftt.Run("Cleanup loop", t, func(t *ftt.Test) {
		ctx := gologger.StdConfig.Use(context.Background())
		ctx, tclock := testclock.UseTime(ctx, testclock.TestRecentTimeUTC)

		t.Run("purges expired requestors", func(t *ftt.Test) {
			tclock.SetTimerCallback(func(d time.Duration, _ clock.Timer) { tclock.Add(d) })
			tc := newTestCluster(t, 2, true)
			tc.owner.AddRequestor(ctx, "k", "p1")

			tc.owner.Start(ctx)
			defer tc.owner.Stop()

			deadline := time.Now().Add(10 * time.Second)
			for tc.owner.TrackedKeys() > 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			assert.Loosely(t, tc.owner.TrackedKeys(), should.BeZero)
		})

		t.Run("stops cleanly", func(t *ftt.Test) {
			tc := newTestCluster(t, 2, true)
			tc.owner.Start(ctx)
			tc.owner.Start(ctx) // no-op
			tc.owner.Stop()
			tc.owner.Stop()
		})

		t.Run("non-positive interval disables it", func(t *ftt.Test) {
			ctx := memlogger.Use(ctx)
			c, err := NewCoordinator(inproc.NewNetwork(true).Join("a", nil), Options{Lifespan: time.Minute})
			assert.Loosely(t, err, should.BeNil)
			c.Start(ctx)
			c.Stop()

			warned := false
			for _, m := range logging.Get(ctx).(*memlogger.MemLogger).Messages() {
				if m.Level == logging.Warning && strings.Contains(m.Msg, "will not be purged") {
					warned = true
				}
			}
			assert.Loosely(t, warned, should.BeTrue)
		})
	})
}

func TestWriteSynchronizers(t *testing.T) {
	t.Parallel()

	ftt.Run("Write synchronizers", t, func(t *ftt.Test) {
		ctx := gologger.StdConfig.Use(context.Background())
		ctx, _ = testclock.UseTime(ctx, testclock.TestRecentTimeUTC)

		setup := func(t *ftt.Test) (*Coordinator, *WriteSynchronizer) {
			c := newTestCluster(t, 2, true).owner
			s, created := c.Synchronizer("k")
			assert.Loosely(t, created, should.BeTrue)
			return c, s
		}

		t.Run("concurrent misses share one synchronizer", func(t *ftt.Test) {
			c, s1 := setup(t)
			s2, created := c.Synchronizer("k")
			assert.Loosely(t, created, should.BeFalse)
			assert.Loosely(t, s2, should.Equal(s1))

			results := make(chan *Entry, 2)
			for _, s := range []*WriteSynchronizer{s1, s2} {
				go func() {
					e, _ := s.Wait(context.Background())
					results <- e
				}()
			}

			entry := &Entry{Key: "k", Value: []byte("v"), Lifespan: time.Hour}
			assert.Loosely(t, c.RemoteValueFound(ctx, entry), should.BeTrue)
			assert.Loosely(t, <-results, should.Equal(entry))
			assert.Loosely(t, <-results, should.Equal(entry))

			// The value lands in the near cache.
			v, ok := c.NearCache().Get(ctx, "k")
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, v, should.Match([]byte("v")))

			// Resolving again is a no-op, the near cache included.
			assert.Loosely(t, c.RemoteValueFound(ctx, &Entry{Key: "k", Value: []byte("other")}), should.BeFalse)
			assert.Loosely(t, c.RemoteValueNotFound(ctx, "k"), should.BeFalse)
			v, ok = c.NearCache().Get(ctx, "k")
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, v, should.Match([]byte("v")))
			e, err := s1.Wait(ctx)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, e, should.Equal(entry))

			// The next miss starts a fresh cycle.
			s3, created := c.Synchronizer("k")
			assert.Loosely(t, created, should.BeTrue)
			assert.Loosely(t, s3, should.NotEqual(s1))
		})

		t.Run("a late reply does not refill an invalidated near cache", func(t *ftt.Test) {
			c, _ := setup(t)
			assert.Loosely(t, c.RemoteValueFound(ctx, &Entry{Key: "k", Value: []byte("v1"), Lifespan: time.Hour}), should.BeTrue)
			assert.Loosely(t, c.NearCache().Invalidate("k"), should.BeTrue)

			late := &Entry{Key: "k", Value: []byte("stale"), Lifespan: time.Hour}
			assert.Loosely(t, c.RemoteValueFound(ctx, late), should.BeFalse)
			_, ok := c.NearCache().Get(ctx, "k")
			assert.Loosely(t, ok, should.BeFalse)
			assert.Loosely(t, c.NearCache().Len(), should.BeZero)
		})

		t.Run("not found resolves with nil", func(t *ftt.Test) {
			c, s := setup(t)
			assert.Loosely(t, c.RemoteValueNotFound(ctx, "k"), should.BeTrue)
			e, err := s.Wait(ctx)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, e, should.BeNil)
			assert.Loosely(t, c.NearCache().Len(), should.BeZero)
		})

		t.Run("unregister is conditional on identity", func(t *ftt.Test) {
			c, s1 := setup(t)
			assert.Loosely(t, c.UnregisterL1WriteSynchronizer("k", s1), should.BeTrue)

			retry := NewWriteSynchronizer()
			actual, loaded := c.RegisterL1WriteSynchronizer("k", retry)
			assert.Loosely(t, loaded, should.BeFalse)
			assert.Loosely(t, actual, should.Equal(retry))

			// A late unregister of the first synchronizer leaves the retry alone.
			assert.Loosely(t, c.UnregisterL1WriteSynchronizer("k", s1), should.BeFalse)
			cur, created := c.Synchronizer("k")
			assert.Loosely(t, created, should.BeFalse)
			assert.Loosely(t, cur, should.Equal(retry))

			other, loaded := c.RegisterL1WriteSynchronizer("k", NewWriteSynchronizer())
			assert.Loosely(t, loaded, should.BeTrue)
			assert.Loosely(t, other, should.Equal(retry))
		})

		t.Run("resolving without a synchronizer", func(t *ftt.Test) {
			c, _ := setup(t)
			assert.Loosely(t, c.RemoteValueNotFound(ctx, "nobody-waits"), should.BeFalse)
		})
	})
}

func TestHandle(t *testing.T) {
	t.Parallel()

	ftt.Run("Handle", t, func(t *ftt.Test) {
		ctx := gologger.StdConfig.Use(context.Background())
		c := newTestCluster(t, 2, true).owner

		t.Run("rejects unknown commands", func(t *ftt.Test) {
			_, err := c.Handle(ctx, "p1", cluster.Envelope{Name: "other"})
			assert.Loosely(t, err, should.ErrLike(`unexpected command "other"`))
		})

		t.Run("rejects garbage", func(t *ftt.Test) {
			_, err := c.Handle(ctx, "p1", cluster.Envelope{Name: InvalidateCommand, Body: []byte{0xc1}})
			assert.Loosely(t, err, should.ErrLike("decoding l1.invalidate command"))
		})

		t.Run("drops keys", func(t *ftt.Test) {
			c.NearCache().Put(ctx, &Entry{Key: "a", Value: []byte("1")})
			env, err := cluster.Encode(&Invalidate{Keys: []string{"a", "b"}, Origin: "p1"})
			assert.Loosely(t, err, should.BeNil)
			n, err := c.Handle(ctx, "p1", env)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(1))
			assert.Loosely(t, c.NearCache().Len(), should.BeZero)
		})
	})
}
