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
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/distcache/ch"
)

func cmdInspect() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "inspect <path>",
		ShortDesc: "prints a consistent hash saved by create -out",
		CommandRun: func() subcommands.CommandRun {
			r := &inspectRun{}
			r.Flags.BoolVar(&r.segments, "segments", false, "Print the owners of every segment.")
			return r
		},
	}
}

type inspectRun struct {
	commandRun

	segments bool
}

func (r *inspectRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) != 1 {
		return r.argErr("expecting exactly one path")
	}
	ctx := cli.GetContext(a, r, env)
	return r.done(ctx, r.run(ctx, args[0]))
}

func (r *inspectRun) run(ctx context.Context, path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return errors.Annotate(err, "reading %s", path).Err()
	}
	c, err := ch.Unmarshal(blob)
	if err != nil {
		return errors.Annotate(err, "%s", path).Err()
	}
	return writeOwnership(os.Stdout, c, r.segments)
}
