// Copyright 2024-2026 Upstream Lab, Inc.
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

package httpgrid

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/upstreamlab/httpgrid/pool"
	"github.com/upstreamlab/httpgrid/pool/pooltesting"
)

// forceBothTiers issues a stream request and fails it on the first tier so
// that the grid creates the second. The request is left pending on the
// second tier; Close abandons it.
func forceBothTiers(t *testing.T, grid *Grid, pool0 *pooltesting.FakePool) {
	t.Helper()
	grid.NewStream(pooltesting.DiscardDecoder{}, pooltesting.NewCallbackRecorder())
	streams := pool0.Streams()
	require.Len(t, streams, 1)
	streams[0].Fail(pool.RemoteConnectionFailure, "refused")
}

func TestDrainedCallbackWaitsForEveryTier(t *testing.T) {
	t.Parallel()
	orders := map[string][2]int{
		"first tier last":  {1, 0},
		"second tier last": {0, 1},
	}
	for name, order := range orders {
		order := order
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			grid, pool0, pool1, _, _ := newTestGrid(t)
			forceBothTiers(t, grid, pool0)

			var fired int
			grid.AddDrainedCallback(func() { fired++ })
			require.Equal(t, 1, pool0.DrainedSubscribers())
			require.Equal(t, 1, pool1.DrainedSubscribers())

			pools := [2]*pooltesting.FakePool{pool0, pool1}
			pools[order[0]].NotifyDrained()
			require.Zero(t, fired, "callback must wait for the remaining tier")
			pools[order[1]].NotifyDrained()
			require.Equal(t, 1, fired)
		})
	}
}

func TestLateDrainedCallbacksJoinSingleFiring(t *testing.T) {
	t.Parallel()
	grid, pool0, pool1, _, _ := newTestGrid(t)
	forceBothTiers(t, grid, pool0)

	var firings []string
	grid.AddDrainedCallback(func() { firings = append(firings, "first") })
	grid.AddDrainedCallback(func() { firings = append(firings, "second") })
	require.Equal(t, 1, pool0.DrainedSubscribers(), "later registrations must not re-subscribe to pools")

	pool0.NotifyDrained()
	require.Empty(t, firings)
	pool1.NotifyDrained()
	require.Equal(t, []string{"first", "second"}, firings)

	// Registering after the drain has completed fires immediately.
	grid.AddDrainedCallback(func() { firings = append(firings, "after") })
	require.Equal(t, []string{"first", "second", "after"}, firings)
}

func TestDrainConnectionsForwardedToEveryTier(t *testing.T) {
	t.Parallel()
	grid, pool0, pool1, _, _ := newTestGrid(t)
	forceBothTiers(t, grid, pool0)

	grid.DrainConnections()
	require.Equal(t, 1, pool0.DrainCalls())
	require.Equal(t, 1, pool1.DrainCalls())
}

func TestCloseSuppressesDrainNotifications(t *testing.T) {
	t.Parallel()
	grid, pool0, pool1, _, _ := newTestGrid(t)
	forceBothTiers(t, grid, pool0)

	var fired int
	grid.AddDrainedCallback(func() { fired++ })
	grid.Close()
	require.True(t, pool0.Closed())
	require.True(t, pool1.Closed())

	// Teardown side effects must not look like a completed drain.
	pool0.NotifyDrained()
	pool1.NotifyDrained()
	require.Zero(t, fired)
}

func TestUnexpectedDrainNotificationPanics(t *testing.T) {
	t.Parallel()
	grid, pool0, _, _, _ := newTestGrid(t)
	grid.NewStream(pooltesting.DiscardDecoder{}, pooltesting.NewCallbackRecorder())

	var fired int
	grid.AddDrainedCallback(func() { fired++ })
	pool0.NotifyDrained()
	require.Equal(t, 1, fired)

	require.Panics(t, func() { pool0.NotifyDrained() })
}
