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
	"time"

	"go.chromium.org/luci/common/data/caching/lru"
)

// Entry is a value fetched from its owner.
type Entry struct {
	Key   string
	Value []byte
	// Lifespan is how long the owner keeps the entry. Zero or negative means
	// the entry never expires.
	Lifespan time.Duration
}

// NearCache holds entries owned by other members.
//
// Entries never outlive the L1 lifespan, whatever their own lifespan is.
type NearCache struct {
	lifespan time.Duration
	entries  *lru.Cache[string, []byte]
}

// NewNearCache returns a near cache holding at most size entries.
//
// A size of zero means unbounded.
func NewNearCache(size int, lifespan time.Duration) *NearCache {
	return &NearCache{
		lifespan: lifespan,
		entries:  lru.New[string, []byte](size),
	}
}

// TransformForL1 returns the lifespan an entry gets in the near cache.
func TransformForL1(entryLifespan, l1Lifespan time.Duration) time.Duration {
	if entryLifespan <= 0 || entryLifespan > l1Lifespan {
		return l1Lifespan
	}
	return entryLifespan
}

// Put stores a copy of e.
func (n *NearCache) Put(ctx context.Context, e *Entry) {
	n.entries.Put(ctx, e.Key, e.Value, TransformForL1(e.Lifespan, n.lifespan))
}

// Get returns the cached value of key, if it has not expired.
func (n *NearCache) Get(ctx context.Context, key string) ([]byte, bool) {
	return n.entries.Get(ctx, key)
}

// Invalidate drops key. Returns true if it was cached.
func (n *NearCache) Invalidate(key string) bool {
	_, had := n.entries.Remove(key)
	return had
}

// Len is the number of cached entries, including expired ones not yet
// evicted.
func (n *NearCache) Len() int {
	return n.entries.Len()
}
