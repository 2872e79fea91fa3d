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
	"context"

	"go.chromium.org/distcache/cluster"
)

// WriteSynchronizer coordinates the local readers of a key that missed
// locally and wait for one remote fetch.
//
// It resolves exactly once, with the fetched entry or with nil if the owner
// doesn't have the key.
type WriteSynchronizer struct {
	f *cluster.Future[*Entry]
}

// NewWriteSynchronizer returns an unresolved synchronizer.
func NewWriteSynchronizer() *WriteSynchronizer {
	return &WriteSynchronizer{f: cluster.NewFuture[*Entry]()}
}

// Wait blocks until the synchronizer is resolved or ctx is done.
//
// A nil entry with a nil error means the key was not found remotely.
func (s *WriteSynchronizer) Wait(ctx context.Context) (*Entry, error) {
	return s.f.Wait(ctx)
}

// Done is closed once the synchronizer is resolved.
func (s *WriteSynchronizer) Done() <-chan struct{} {
	return s.f.Done()
}

func (s *WriteSynchronizer) resolve(e *Entry) bool {
	return s.f.Resolve(e, nil)
}
