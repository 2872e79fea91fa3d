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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"
	luciflag "go.chromium.org/luci/common/flag"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/distcache/cacheconfig"
	"go.chromium.org/distcache/cluster"
	"go.chromium.org/distcache/statetransfer"
)

// commandRun holds the flags shared by all subcommands.
type commandRun struct {
	subcommands.CommandRunBase

	configPath string
	members    []string
}

func (r *commandRun) registerBaseFlags() {
	r.Flags.StringVar(&r.configPath, "config", "", "Path to a YAML cache configuration. Defaults are used if not set.")
	r.Flags.Var(luciflag.StringSlice(&r.members), "member", "A cluster member, in join order. May be repeated.")
}

func (r *commandRun) options() (*cacheconfig.Options, error) {
	if r.configPath == "" {
		opts := cacheconfig.Default()
		return &opts, nil
	}
	return cacheconfig.Load(r.configPath)
}

// manager returns a topology manager for the configuration, seen from self.
func (r *commandRun) manager(self cluster.Address) (*statetransfer.Manager, error) {
	opts, err := r.options()
	if err != nil {
		return nil, err
	}
	stOpts, err := opts.StateTransfer()
	if err != nil {
		return nil, err
	}
	return statetransfer.NewManager(self, stOpts)
}

func (r *commandRun) argErr(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "bad arguments: %s\n\n", fmt.Sprintf(format, args...))
	r.Flags.PrintDefaults()
	return 1
}

func (r *commandRun) done(ctx context.Context, err error) int {
	if err != nil {
		logging.Errorf(ctx, "%s", err)
		return 1
	}
	return 0
}

func addresses(members []string) []cluster.Address {
	out := make([]cluster.Address, len(members))
	for i, m := range members {
		out[i] = cluster.Address(m)
	}
	return out
}

func writeFile(path string, blob []byte) error {
	if err := os.WriteFile(path, blob, 0644); err != nil {
		return errors.Annotate(err, "writing %s", path).Err()
	}
	return nil
}
