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

// Package cacheconfig holds the placement and near cache configuration of a
// cache, as read from YAML.
//
// Example:
//
//	num_owners: 2
//	num_segments: 256
//	hash: xxh3
//	l1:
//	  enabled: true
//	  lifespan: 10m
//	  cleanup_interval: 1m
//	  invalidation_threshold: 2
package cacheconfig

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/distcache/hashring"
	"go.chromium.org/distcache/l1"
	"go.chromium.org/distcache/statetransfer"
)

// Options is the configuration of one cache.
type Options struct {
	NumOwners   int       `yaml:"num_owners"`
	NumSegments int       `yaml:"num_segments"`
	Hash        string    `yaml:"hash"`
	L1          L1Options `yaml:"l1"`
}

// L1Options configure the near cache.
type L1Options struct {
	Enabled  bool          `yaml:"enabled"`
	Lifespan time.Duration `yaml:"lifespan"`
	// CleanupInterval of zero or less disables the requestor expiry sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// InvalidationThreshold is -1 for unicast only, 0 for always multicast,
	// otherwise the target count above which invalidations are multicast.
	InvalidationThreshold int `yaml:"invalidation_threshold"`
	NearCacheSize         int `yaml:"near_cache_size"`
}

// Default returns the default options.
func Default() Options {
	return Options{
		NumOwners:   2,
		NumSegments: 256,
		Hash:        hashring.XXHash64.Name(),
		L1: L1Options{
			Enabled:               true,
			Lifespan:              10 * time.Minute,
			CleanupInterval:       time.Minute,
			InvalidationThreshold: 2,
			NearCacheSize:         4096,
		},
	}
}

// Validate returns every problem found in the options.
func (o *Options) Validate() error {
	var merr errors.MultiError
	if o.NumOwners <= 0 {
		merr = append(merr, errors.Reason("num_owners: must be positive, got %d", o.NumOwners).Err())
	}
	if o.NumSegments <= 0 {
		merr = append(merr, errors.Reason("num_segments: must be positive, got %d", o.NumSegments).Err())
	}
	if _, err := hashring.ByName(o.Hash); err != nil {
		merr = append(merr, errors.Annotate(err, "hash").Err())
	}
	if o.L1.Enabled {
		if o.L1.Lifespan <= 0 {
			merr = append(merr, errors.Reason("l1.lifespan: must be positive, got %s", o.L1.Lifespan).Err())
		}
		if o.L1.InvalidationThreshold < l1.UnicastOnly {
			merr = append(merr, errors.Annotate(l1.ErrInvalidThreshold, "l1.invalidation_threshold: got %d", o.L1.InvalidationThreshold).Err())
		}
		if o.L1.NearCacheSize < 0 {
			merr = append(merr, errors.Reason("l1.near_cache_size: must not be negative, got %d", o.L1.NearCacheSize).Err())
		}
	}
	if len(merr) > 0 {
		return merr
	}
	return nil
}

// StateTransfer returns the options of the topology manager.
func (o *Options) StateTransfer() (statetransfer.Options, error) {
	h, err := hashring.ByName(o.Hash)
	if err != nil {
		return statetransfer.Options{}, err
	}
	return statetransfer.Options{
		Hasher:      h,
		NumOwners:   o.NumOwners,
		NumSegments: o.NumSegments,
	}, nil
}

// Coordinator returns the options of the L1 coordinator.
func (o *L1Options) Coordinator() l1.Options {
	return l1.Options{
		Lifespan:              o.Lifespan,
		CleanupInterval:       o.CleanupInterval,
		InvalidationThreshold: o.InvalidationThreshold,
		NearCacheSize:         o.NearCacheSize,
	}
}

// Parse parses YAML options on top of the defaults and validates them.
//
// Unknown fields are an error.
func Parse(blob []byte) (*Options, error) {
	opts := Default()
	if err := yaml.UnmarshalStrict(blob, &opts); err != nil {
		return nil, errors.Annotate(err, "parsing cache options").Err()
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid cache options").Err()
	}
	return &opts, nil
}

// Load reads and parses a YAML options file.
func Load(path string) (*Options, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading %s", path).Err()
	}
	opts, err := Parse(blob)
	if err != nil {
		return nil, errors.Annotate(err, "%s", path).Err()
	}
	return opts, nil
}
