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

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	luciflag "go.chromium.org/luci/common/flag"

	"go.chromium.org/distcache/cluster"
	"go.chromium.org/distcache/statetransfer"
)

func cmdUpdate() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "update -member <addr>... -new-member <addr>... [-config <path>]",
		ShortDesc: "prints how much data a membership change moves",
		LongDesc: `Prints how much data a membership change moves.

The change happens in two steps, like in a live cluster: first the members
that left are replaced, then the load is spread onto the members that
joined.`,
		CommandRun: func() subcommands.CommandRun {
			r := &updateRun{}
			r.registerBaseFlags()
			r.Flags.Var(luciflag.StringSlice(&r.newMembers), "new-member", "A member after the change, in join order. May be repeated.")
			r.Flags.BoolVar(&r.segments, "segments", false, "Print the owners of every segment after the change.")
			return r
		},
	}
}

type updateRun struct {
	commandRun

	newMembers []string
	segments   bool
}

func (r *updateRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) != 0 {
		return r.argErr("unexpected positional arguments %q", args)
	}
	if len(r.members) == 0 || len(r.newMembers) == 0 {
		return r.argErr("both -member and -new-member are required")
	}
	ctx := cli.GetContext(a, r, env)
	m, err := r.manager(cluster.Address(r.members[0]))
	if err != nil {
		return r.done(ctx, err)
	}
	return r.done(ctx, simulateUpdate(ctx, os.Stdout, m, addresses(r.members), addresses(r.newMembers), r.segments))
}

// simulateUpdate drives m from the old member list to the new one and
// reports the churn of every step.
func simulateUpdate(ctx context.Context, w io.Writer, m *statetransfer.Manager, before, after []cluster.Address, segments bool) error {
	initial, err := m.MembersChanged(ctx, before)
	if err != nil {
		return err
	}
	changed, err := m.MembersChanged(ctx, after)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "membership change: %s\n", measureChurn(initial.Read, changed.Read))

	final := changed
	if changed.IsRehashInProgress() {
		if final, err = m.Complete(ctx); err != nil {
			return err
		}
		fmt.Fprintf(w, "rebalance:         %s\n", measureChurn(changed.Read, final.Read))
		fmt.Fprintf(w, "total:             %s\n", measureChurn(initial.Read, final.Read))
	} else {
		fmt.Fprintln(w, "rebalance:         not needed")
	}
	fmt.Fprintln(w)
	return writeOwnership(w, final.Read, segments)
}
