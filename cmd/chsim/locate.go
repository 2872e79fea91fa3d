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
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"

	"go.chromium.org/distcache/cluster"
	"go.chromium.org/distcache/cluster/inproc"
	"go.chromium.org/distcache/distribution"
)

func cmdLocate() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "locate -member <addr>... [-self <addr>] <key>...",
		ShortDesc: "prints the owners of keys",
		CommandRun: func() subcommands.CommandRun {
			r := &locateRun{}
			r.registerBaseFlags()
			r.Flags.StringVar(&r.self, "self", "", "Member to compute locality for. Defaults to the first -member.")
			return r
		},
	}
}

type locateRun struct {
	commandRun

	self string
}

func (r *locateRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) == 0 {
		return r.argErr("at least one key is required")
	}
	if len(r.members) == 0 {
		return r.argErr("at least one -member is required")
	}
	self := r.self
	if self == "" {
		self = r.members[0]
	}
	ctx := cli.GetContext(a, r, env)
	return r.done(ctx, r.run(ctx, os.Stdout, cluster.Address(self), args))
}

func (r *locateRun) run(ctx context.Context, w io.Writer, self cluster.Address, keys []string) error {
	m, err := r.manager(self)
	if err != nil {
		return err
	}
	o := distribution.NewOracle(inproc.NewNetwork(false).Join(self, nil), m)
	if _, err := m.MembersChanged(ctx, addresses(r.members)); err != nil {
		return err
	}
	return writeLocations(ctx, w, o, keys)
}

func writeLocations(ctx context.Context, w io.Writer, o *distribution.Oracle, keys []string) error {
	t := o.Topology(ctx)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "KEY\tSEGMENT\tOWNERS\tLOCALITY (%s)\n", o.Self())
	for _, key := range keys {
		l, err := o.Locality(ctx, key, distribution.ModeRead)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", key, t.Read.SegmentOf(key), strings.Join(o.LocateKey(ctx, key), ","), l)
	}
	return tw.Flush()
}
