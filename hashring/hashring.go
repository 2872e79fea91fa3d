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

// Package hashring maps keys onto a fixed space of segments.
//
// The segment space never changes for the lifetime of a cache. Only the
// ownership of segments changes when members come and go, see package ch.
package hashring

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"

	"go.chromium.org/luci/common/errors"
)

// Hasher produces a 64 bit hash of a byte string.
//
// Implementations must be pure: every node of the cluster must compute the
// same value for the same input.
type Hasher interface {
	// Name is a stable identifier, recorded in persisted consistent hashes.
	Name() string
	// Sum64 hashes data.
	Sum64(data []byte) uint64
}

// XXHash64 is the default Hasher.
var XXHash64 Hasher = xxhash64{}

// XXH3 is an alternative Hasher, faster on long keys.
var XXH3 Hasher = xxh3Hasher{}

type xxhash64 struct{}

func (xxhash64) Name() string             { return "xxhash64" }
func (xxhash64) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

type xxh3Hasher struct{}

func (xxh3Hasher) Name() string             { return "xxh3" }
func (xxh3Hasher) Sum64(data []byte) uint64 { return xxh3.Hash(data) }

// ByName returns a registered Hasher.
//
// An empty name resolves to XXHash64.
func ByName(name string) (Hasher, error) {
	switch name {
	case "", XXHash64.Name():
		return XXHash64, nil
	case XXH3.Name():
		return XXH3, nil
	}
	return nil, errors.Reason("unknown hash function %q", name).Err()
}

// OrDefault returns h, or XXHash64 if h is nil.
func OrDefault(h Hasher) Hasher {
	if h == nil {
		return XXHash64
	}
	return h
}

// Segment returns the segment of key in [0, numSegments).
//
// Returns 0 if numSegments is not positive.
func Segment(h Hasher, key string, numSegments int) int {
	if numSegments <= 0 {
		return 0
	}
	sum := OrDefault(h).Sum64([]byte(key))
	// Multiply-shift range reduction on the high 32 bits: segments are
	// contiguous ranges of the hash space, not residues.
	return int((sum >> 32) * uint64(numSegments) >> 32)
}

// Mix returns a deterministic score for a (segment, member) pair.
//
// It is used to break ties between equally loaded members so that every
// node picks the same owner without communicating.
func Mix(h Hasher, segment int, member string) uint64 {
	buf := make([]byte, 8, 8+len(member))
	binary.BigEndian.PutUint64(buf, uint64(segment))
	buf = append(buf, member...)
	return OrDefault(h).Sum64(buf)
}
