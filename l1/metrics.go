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
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
)

var (
	invalidations = metric.NewCounter(
		"distcache/l1/invalidations",
		"Number of invalidation RPCs issued, by delivery.",
		nil,
		field.String("mode"), // "unicast" or "multicast"
	)

	invalidationFailures = metric.NewCounter(
		"distcache/l1/invalidation_failures",
		"Number of flushes that completed with an error from a live member.",
		nil,
	)

	requestorsPurged = metric.NewCounter(
		"distcache/l1/requestors_purged",
		"Number of expired requestor entries removed by the cleanup sweep.",
		nil,
	)

	synchronizersResolved = metric.NewCounter(
		"distcache/l1/synchronizers_resolved",
		"Number of write synchronizers resolved with a remote fetch result.",
		nil,
		field.Bool("found"),
	)
)
