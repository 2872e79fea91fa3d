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
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/distcache/ch"
)

func cmdCreate() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "create -member <addr> [-member <addr>...] [-config <path>] [-out <path>]",
		ShortDesc: "prints the initial segment ownership of a member list",
		LongDesc: `Prints the initial segment ownership of a member list.

With -out, the consistent hash is also saved, see the inspect subcommand.`,
		CommandRun: func() subcommands.CommandRun {
			r := &createRun{}
			r.registerBaseFlags()
			r.Flags.BoolVar(&r.segments, "segments", false, "Print the owners of every segment.")
			r.Flags.StringVar(&r.out, "out", "", "Save the consistent hash to this file.")
			return r
		},
	}
}

type createRun struct {
	commandRun

	segments bool
	out      string
}

func (r *createRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) != 0 {
		return r.argErr("unexpected positional arguments %q", args)
	}
	if len(r.members) == 0 {
		return r.argErr("at least one -member is required")
	}
	ctx := cli.GetContext(a, r, env)
	return r.done(ctx, r.run(ctx))
}

func (r *createRun) run(ctx context.Context) error {
	members := addresses(r.members)
	m, err := r.manager(members[0])
	if err != nil {
		return err
	}
	topo, err := m.MembersChanged(ctx, members)
	if err != nil {
		return err
	}
	if r.out != "" {
		blob, err := ch.Marshal(topo.Read)
		if err != nil {
			return err
		}
		if err := writeFile(r.out, blob); err != nil {
			return err
		}
		logging.Infof(ctx, "Saved the consistent hash to %s", r.out)
	}
	return writeOwnership(os.Stdout, topo.Read, r.segments)
}
