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

package distribution

import (
	"go.chromium.org/luci/common/tsmon/metric"
)

var (
	topologyID = metric.NewInt(
		"distcache/topology/id",
		"ID of the currently installed cache topology.",
		nil,
	)

	rehashInProgress = metric.NewBool(
		"distcache/topology/rehash_in_progress",
		"Whether the installed topology is a transition between two consistent hashes.",
		nil,
	)

	staleTopologies = metric.NewCounter(
		"distcache/topology/stale_dropped",
		"Number of topologies ignored because a newer one was already installed.",
		nil,
	)
)
