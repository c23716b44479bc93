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
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
	"github.com/upstreamlab/httpgrid/pool"
	"github.com/upstreamlab/httpgrid/pool/pooltesting"
)

//nolint:gochecknoglobals
var testHost = pool.Host{Scheme: "https", HostPort: "foo.example.com:443"}

func newTestGrid(t *testing.T, options ...GridOption) (*Grid, *pooltesting.FakePool, *pooltesting.FakePool, *pooltesting.CountingFactory, *pooltesting.CountingFactory) {
	t.Helper()
	pool0 := pooltesting.NewFakePool(testHost)
	pool1 := pooltesting.NewFakePool(testHost)
	factory0 := pooltesting.FactoryFor(pool0)
	factory1 := pooltesting.FactoryFor(pool1)
	grid, err := NewGrid(testHost, append([]GridOption{WithPoolFactories(factory0, factory1)}, options...)...)
	require.NoError(t, err)
	t.Cleanup(grid.Close)
	return grid, pool0, pool1, factory0, factory1
}

func requireNoOutcome(t *testing.T, recorder *pooltesting.CallbackRecorder) {
	t.Helper()
	_, ok := recorder.TryOutcome()
	require.False(t, ok, "unexpected extra terminal callback")
}

func TestNewStreamLazilyCreatesFirstTier(t *testing.T) {
	t.Parallel()
	grid, pool0, _, factory0, factory1 := newTestGrid(t)
	require.Zero(t, factory0.Calls())

	pool0.EnqueueSuccess(pool.ProtocolHTTP3)
	recorder := pooltesting.NewCallbackRecorder()
	grid.NewStream(pooltesting.DiscardDecoder{}, recorder)

	outcome, ok := recorder.TryOutcome()
	require.True(t, ok)
	require.True(t, outcome.Ready)
	require.Equal(t, pool.ProtocolHTTP3, outcome.Protocol)
	require.Equal(t, testHost, outcome.Host)
	require.Equal(t, 1, factory0.Calls())
	require.Zero(t, factory1.Calls(), "second tier must not be created while the first succeeds")
	requireNoOutcome(t, recorder)
}

func TestFailoverToSecondTier(t *testing.T) {
	t.Parallel()
	grid, pool0, pool1, _, factory1 := newTestGrid(t)

	pool0.EnqueueFailure(pool.RemoteConnectionFailure, "handshake refused")
	pool1.EnqueueSuccess(pool.ProtocolHTTP2)
	recorder := pooltesting.NewCallbackRecorder()
	grid.NewStream(pooltesting.DiscardDecoder{}, recorder)

	outcome, ok := recorder.TryOutcome()
	require.True(t, ok)
	require.True(t, outcome.Ready)
	require.Equal(t, pool.ProtocolHTTP2, outcome.Protocol)
	require.Equal(t, 1, factory1.Calls(), "second tier should be created lazily on first-tier failure")
	requireNoOutcome(t, recorder)
}

func TestExhaustionSurfacesLastFailure(t *testing.T) {
	t.Parallel()
	grid, pool0, pool1, _, _ := newTestGrid(t)

	pool0.EnqueueFailure(pool.RemoteConnectionFailure, "first tier detail")
	pool1.EnqueueFailure(pool.Timeout, "second tier detail")
	recorder := pooltesting.NewCallbackRecorder()
	grid.NewStream(pooltesting.DiscardDecoder{}, recorder)

	outcome, ok := recorder.TryOutcome()
	require.True(t, ok)
	require.False(t, outcome.Ready)
	require.Equal(t, pool.Timeout, outcome.Reason)
	require.Equal(t, "second tier detail", outcome.Detail)
	require.Equal(t, testHost, outcome.Host)
	requireNoOutcome(t, recorder)
}

func TestAsyncFailoverAndSuccess(t *testing.T) {
	t.Parallel()
	grid, pool0, pool1, _, _ := newTestGrid(t)

	recorder := pooltesting.NewCallbackRecorder()
	handle := grid.NewStream(pooltesting.DiscardDecoder{}, recorder)
	require.NotNil(t, handle)
	requireNoOutcome(t, recorder)

	streams0 := pool0.Streams()
	require.Len(t, streams0, 1)
	streams0[0].Fail(pool.RemoteConnectionFailure, "no route")
	requireNoOutcome(t, recorder)

	streams1 := pool1.Streams()
	require.Len(t, streams1, 1)
	streams1[0].Succeed(pool.ProtocolHTTP11)

	outcome, ok := recorder.TryOutcome()
	require.True(t, ok)
	require.True(t, outcome.Ready)
	require.Equal(t, pool.ProtocolHTTP11, outcome.Protocol)
	requireNoOutcome(t, recorder)
}

func TestCancelForwardsPolicyAndSuppressesCallbacks(t *testing.T) {
	t.Parallel()
	grid, pool0, _, _, factory1 := newTestGrid(t)

	recorder := pooltesting.NewCallbackRecorder()
	handle := grid.NewStream(pooltesting.DiscardDecoder{}, recorder)
	require.NotNil(t, handle)

	handle.Cancel(pool.CloseExcess)
	streams := pool0.Streams()
	require.Len(t, streams, 1)
	require.Equal(t, []pool.CancelPolicy{pool.CloseExcess}, streams[0].Cancels())

	// A second cancel must not be forwarded again.
	handle.Cancel(pool.CancelDefault)
	require.Equal(t, []pool.CancelPolicy{pool.CloseExcess}, streams[0].Cancels())

	// A late resolution from the pool must not reach the caller.
	streams[0].Fail(pool.RemoteConnectionFailure, "late")
	requireNoOutcome(t, recorder)
	require.Zero(t, factory1.Calls())
}

func TestRankTrackingIsPerRequest(t *testing.T) {
	t.Parallel()
	grid, pool0, pool1, _, factory1 := newTestGrid(t)

	recorderA := pooltesting.NewCallbackRecorder()
	recorderB := pooltesting.NewCallbackRecorder()
	grid.NewStream(pooltesting.DiscardDecoder{}, recorderA)
	grid.NewStream(pooltesting.DiscardDecoder{}, recorderB)
	require.Len(t, pool0.Streams(), 2)

	// First request fails over; the second must stay on the first tier.
	pool0.Streams()[0].Fail(pool.RemoteConnectionFailure, "refused")
	require.Len(t, pool1.Streams(), 1)
	require.Len(t, pool0.Streams(), 2)

	// The second request's own failure advances it independently.
	pool0.Streams()[1].Fail(pool.RemoteConnectionFailure, "refused")
	require.Len(t, pool1.Streams(), 2)
	require.Equal(t, 1, factory1.Calls(), "second tier must be created exactly once")

	pool1.Streams()[0].Succeed(pool.ProtocolHTTP2)
	pool1.Streams()[1].Succeed(pool.ProtocolHTTP2)
	for _, recorder := range []*pooltesting.CallbackRecorder{recorderA, recorderB} {
		outcome, ok := recorder.TryOutcome()
		require.True(t, ok)
		require.True(t, outcome.Ready)
		requireNoOutcome(t, recorder)
	}
}

func TestPoolCreationFrozenByDrainRegistration(t *testing.T) {
	t.Parallel()
	grid, pool0, _, _, factory1 := newTestGrid(t)

	recorder := pooltesting.NewCallbackRecorder()
	grid.NewStream(pooltesting.DiscardDecoder{}, recorder)
	grid.AddDrainedCallback(func() {})

	// The first tier's failure cannot fail over: the sequence is frozen
	// even though it is below the maximum tier count.
	pool0.Streams()[0].Fail(pool.RemoteConnectionFailure, "refused")
	outcome, ok := recorder.TryOutcome()
	require.True(t, ok)
	require.False(t, outcome.Ready)
	require.Equal(t, pool.RemoteConnectionFailure, outcome.Reason)
	require.Zero(t, factory1.Calls())
}

func TestNewStreamOnFrozenEmptyGrid(t *testing.T) {
	t.Parallel()
	grid, _, _, factory0, _ := newTestGrid(t)

	var drains int
	grid.AddDrainedCallback(func() { drains++ })
	require.Equal(t, 1, drains, "no tiers existed, so the drain completes immediately")

	recorder := pooltesting.NewCallbackRecorder()
	handle := grid.NewStream(pooltesting.DiscardDecoder{}, recorder)
	require.Nil(t, handle)
	outcome, ok := recorder.TryOutcome()
	require.True(t, ok)
	require.False(t, outcome.Ready)
	require.Equal(t, pool.LocalConnectionFailure, outcome.Reason)
	require.Zero(t, factory0.Calls())
}

func TestHasActiveConnections(t *testing.T) {
	t.Parallel()
	grid, pool0, _, _, _ := newTestGrid(t)
	require.False(t, grid.HasActiveConnections())

	grid.NewStream(pooltesting.DiscardDecoder{}, pooltesting.NewCallbackRecorder())
	require.False(t, grid.HasActiveConnections())
	pool0.SetActiveConnections(true)
	require.True(t, grid.HasActiveConnections())
	pool0.SetActiveConnections(false)
	require.False(t, grid.HasActiveConnections())
}

func TestMaybePreconnectAlwaysDeclines(t *testing.T) {
	t.Parallel()
	grid, _, _, _, _ := newTestGrid(t)
	require.False(t, grid.MaybePreconnect(0.5))
}

func TestNewGridValidatesProtocols(t *testing.T) {
	t.Parallel()
	_, err := NewGrid(testHost, WithProtocols(pool.ProtocolHTTP11))
	require.ErrorIs(t, err, errMalformedProtocols)

	_, err = NewGrid(testHost, WithProtocols(pool.ProtocolHTTP11, pool.ProtocolHTTP2, pool.ProtocolHTTP2))
	require.ErrorIs(t, err, errMalformedProtocols)

	grid, err := NewGrid(testHost, WithProtocols(pool.ProtocolHTTP3, pool.ProtocolHTTP11, pool.ProtocolHTTP2))
	require.NoError(t, err)
	grid.Close()

	_, err = NewGrid(testHost, WithPoolFactories())
	require.ErrorIs(t, err, errNoPoolFactories)
}

func TestMetricsEmitted(t *testing.T) {
	t.Parallel()
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	grid, pool0, pool1, _, _ := newTestGrid(t, WithMetricSink(sink))

	pool0.EnqueueFailure(pool.RemoteConnectionFailure, "refused")
	pool1.EnqueueSuccess(pool.ProtocolHTTP2)
	grid.NewStream(pooltesting.DiscardDecoder{}, pooltesting.NewCallbackRecorder())

	requireCounter(t, sink, MetricStreamCount)
	requireCounter(t, sink, MetricAttemptFailureCount)
	requireCounter(t, sink, MetricFailoverCount)
}

func requireCounter(t *testing.T, sink *metrics.InmemSink, name []string) {
	t.Helper()
	prefix := strings.Join(name, ".")
	for _, interval := range sink.Data() {
		for key := range interval.Counters {
			if strings.HasPrefix(key, prefix) {
				return
			}
		}
	}
	require.FailNow(t, "expected counter not found", "counter %q", prefix)
}
