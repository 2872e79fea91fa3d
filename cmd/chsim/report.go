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
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"go.chromium.org/distcache/ch"
)

// churn measures the difference between two consistent hashes.
type churn struct {
	Segments  int // segments whose owner set changed
	Slots     int // owner slots given to a new owner
	Primaries int // segments whose primary owner changed
	Total     int
}

func measureChurn(before, after *ch.ConsistentHash) churn {
	c := churn{Total: after.NumSegments()}
	for seg := 0; seg < after.NumSegments(); seg++ {
		prev := before.Owners(seg)
		for _, o := range after.Owners(seg) {
			if !slices.Contains(prev, o) {
				c.Slots++
			}
		}
		if !before.SameOwners(after, seg) {
			c.Segments++
		}
		p1, _ := before.PrimaryOwner(seg)
		p2, _ := after.PrimaryOwner(seg)
		if p1 != p2 {
			c.Primaries++
		}
	}
	return c
}

func (c churn) String() string {
	pct := 0.0
	if c.Total > 0 {
		pct = 100 * float64(c.Segments) / float64(c.Total)
	}
	return fmt.Sprintf("%s of %s segments moved (%s%%), %s owner slots reassigned, %s primaries changed",
		humanize.Comma(int64(c.Segments)), humanize.Comma(int64(c.Total)),
		humanize.FormatFloat("#.#", pct),
		humanize.Comma(int64(c.Slots)), humanize.Comma(int64(c.Primaries)))
}

// writeOwnership prints per member ownership counts, and the segment table
// if segments is true.
func writeOwnership(w io.Writer, c *ch.ConsistentHash, segments bool) error {
	fmt.Fprintf(w, "%s segments, %d owners per segment, hash %s\n\n",
		humanize.Comma(int64(c.NumSegments())), c.NumOwners(), c.Hasher().Name())

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "MEMBER\tOWNED\tPRIMARY")
	stats := c.Stats()
	for _, m := range c.Members() {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", m, stats[m].Owned, stats[m].Primary)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if segments {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "SEGMENT\tOWNERS")
		for seg := 0; seg < c.NumSegments(); seg++ {
			fmt.Fprintf(tw, "%d\t%v\n", seg, c.Owners(seg))
		}
		return tw.Flush()
	}
	return nil
}
