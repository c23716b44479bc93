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
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/upstreamlab/httpgrid/pool"
	"golang.org/x/sync/errgroup"
)

var (
	errMalformedProtocols = errors.New("connectivity grid requires exactly the HTTP/1.1, HTTP/2, and HTTP/3 protocols")
	errNoPoolFactories    = errors.New("connectivity grid requires at least one pool factory")
)

// Grid is a connection pool which tries a priority-ordered set of
// underlying pools when producing a stream for a host, transparently
// failing over to the next tier when a tier cannot connect. With the
// default policy the first tier speaks HTTP/3 over QUIC and the second
// negotiates HTTP/2 or HTTP/1.1 over TCP.
//
// Tiers are created lazily, in order, and are never reordered or
// individually removed; they are all released together by Close. A Grid
// satisfies the [pool.Pool] capability itself (minus Factory), so callers
// can treat it like any other pool.
type Grid struct {
	host      pool.Host
	factories []pool.Factory
	logger    *slog.Logger
	msink     metrics.MetricSink
	mlabels   []metrics.Label

	mu sync.Mutex
	// pools is append-only until Close: a tier's rank is its index.
	pools    []pool.Pool
	attempts map[*attempt]struct{}
	// drainsNeeded counts pools that had not yet reported drain completion.
	// Set once, when the first drained callback is registered.
	drainsNeeded     int
	drainedCallbacks []func()
	drained          bool
	// destroying suppresses drain notifications that arrive as a side
	// effect of pool teardown.
	destroying bool
}

// NewGrid returns a grid for the given host. With no options the grid uses
// the default two-tier policy and requires the host scheme to be "https",
// since both default tiers negotiate over TLS.
func NewGrid(host pool.Host, options ...GridOption) (*Grid, error) {
	var opts gridOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	factories := opts.factories
	if factories == nil {
		if err := validateProtocols(opts.protocols); err != nil {
			return nil, err
		}
		factories = opts.defaultFactories()
	}
	if len(factories) == 0 {
		return nil, errNoPoolFactories
	}
	return &Grid{
		host:      host,
		factories: factories,
		logger:    opts.logger(),
		msink:     opts.metricSink,
		mlabels:   append(opts.metricLabels, LabelHost.M(host.String())),
		attempts:  map[*attempt]struct{}{},
	}, nil
}

func validateProtocols(protocols []pool.Protocol) error {
	if len(protocols) != 3 {
		return errMalformedProtocols
	}
	for _, want := range []pool.Protocol{pool.ProtocolHTTP11, pool.ProtocolHTTP2, pool.ProtocolHTTP3} {
		if !slices.Contains(protocols, want) {
			return errMalformedProtocols
		}
	}
	return nil
}

// NewStream requests a stream for the grid's host, trying each tier in
// order until one connects. The caller's callbacks receive exactly one
// terminal outcome: OnPoolReady on the first tier that connects, or
// OnPoolFailure carrying the last tier's failure once every tier has been
// tried. Cancelling the returned handle produces neither.
//
// Either callback may be invoked synchronously, before NewStream returns;
// in that case the returned handle may be nil.
func (g *Grid) NewStream(decoder pool.ResponseDecoder, callbacks pool.Callbacks) pool.Cancellable {
	g.mu.Lock()
	if len(g.pools) == 0 {
		if _, ok := g.createNextPoolLocked(); !ok {
			// Frozen by drain registration before any tier existed.
			g.mu.Unlock()
			callbacks.OnPoolFailure(pool.LocalConnectionFailure, "connectivity grid is draining", g.host)
			return nil
		}
	}
	wrapper := &attempt{grid: g, decoder: decoder, callbacks: callbacks}
	g.attempts[wrapper] = struct{}{}
	g.mu.Unlock()

	g.msink.IncrCounterWithLabels(MetricStreamCount, 1, g.mlabels)
	wrapper.start(0)
	return wrapper
}

// HasActiveConnections reports whether any tier has active connections.
// This is O(tiers), which is fine: the tier count is small and bounded.
func (g *Grid) HasActiveConnections() bool {
	for _, p := range g.snapshotPools() {
		if p.HasActiveConnections() {
			return true
		}
	}
	return false
}

// AddDrainedCallback registers drained to be invoked once every tier that
// exists right now has finished draining. The first registration freezes
// the tier sequence: no further tiers will be created. Additional
// registrations only add recipients of the same single firing.
func (g *Grid) AddDrainedCallback(drained func()) {
	g.mu.Lock()
	g.drainedCallbacks = append(g.drainedCallbacks, drained)
	if len(g.drainedCallbacks) != 1 {
		fired := g.drained
		g.mu.Unlock()
		if fired {
			drained()
		}
		return
	}

	// First registration: snapshot how many pools need to drain before
	// completion can be passed up to the callers. No new pools can be
	// created from this point on, as createNextPool fast-fails once
	// drained callbacks are present.
	g.drainsNeeded = len(g.pools)
	if g.drainsNeeded == 0 {
		g.drained = true
		g.mu.Unlock()
		drained()
		return
	}
	pools := slices.Clone(g.pools)
	g.mu.Unlock()
	for _, p := range pools {
		p.AddDrainedCallback(g.onDrainReceived)
	}
}

// DrainConnections forwards a graceful drain request to every existing
// tier. It does not track completion; see AddDrainedCallback.
func (g *Grid) DrainConnections() {
	for _, p := range g.snapshotPools() {
		p.DrainConnections()
	}
}

// Host returns the destination this grid produces streams for.
func (g *Grid) Host() pool.Host {
	return g.host
}

// MaybePreconnect is a reserved extension point. Preconnecting across a
// multi-tier grid is not supported, so it always declines.
func (g *Grid) MaybePreconnect(float64) bool {
	return false
}

// Close releases every tier. Outstanding stream requests are abandoned
// without a caller callback, and drain notifications arriving as a side
// effect of teardown are discarded: pools must not appear to have drained
// because they were destroyed.
func (g *Grid) Close() {
	g.mu.Lock()
	if g.destroying {
		g.mu.Unlock()
		return
	}
	g.destroying = true
	pools := g.pools
	g.pools = nil
	attempts := make([]*attempt, 0, len(g.attempts))
	for wrapper := range g.attempts {
		attempts = append(attempts, wrapper)
	}
	g.attempts = nil
	g.mu.Unlock()

	for _, wrapper := range attempts {
		wrapper.abandon()
	}
	grp, _ := errgroup.WithContext(context.Background())
	for _, p := range pools {
		p := p
		grp.Go(func() error {
			p.Close()
			return nil
		})
	}
	_ = grp.Wait()
}

// nextPoolAfter returns the rank of the tier to try after rank, creating
// it if it does not exist yet. It reports false when no further tier can
// be created: the sequence is at its maximum, or it has been frozen by
// drain registration.
func (g *Grid) nextPoolAfter(rank int) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rank+1 < len(g.pools) {
		return rank + 1, true
	}
	return g.createNextPoolLocked()
}

// +checklocks:g.mu
func (g *Grid) createNextPoolLocked() (int, bool) {
	// Both conditions can change between calls, so check every time.
	if len(g.drainedCallbacks) > 0 || len(g.pools) >= len(g.factories) {
		return 0, false
	}
	g.pools = append(g.pools, g.factories[len(g.pools)].New(g.host))
	return len(g.pools) - 1, true
}

func (g *Grid) poolAt(rank int) pool.Pool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pools[rank]
}

func (g *Grid) snapshotPools() []pool.Pool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.pools)
}

func (g *Grid) removeAttempt(wrapper *attempt) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attempts != nil {
		delete(g.attempts, wrapper)
	}
}

// onDrainReceived is called by each pool as it drains. The grid invokes
// the registered drained callbacks once all pools have drained.
func (g *Grid) onDrainReceived() {
	g.mu.Lock()
	if g.destroying {
		g.mu.Unlock()
		return
	}
	if g.drainsNeeded == 0 {
		g.mu.Unlock()
		panic("httpgrid: drain notification received with no drains pending")
	}
	g.drainsNeeded--
	if g.drainsNeeded != 0 {
		remaining := g.drainsNeeded
		g.mu.Unlock()
		g.logger.Debug("pool drained, grid still draining", LabelHost.L(g.host.String()), slog.Int("remaining", remaining))
		return
	}
	g.drained = true
	callbacks := slices.Clone(g.drainedCallbacks)
	g.mu.Unlock()

	g.msink.IncrCounterWithLabels(MetricDrainedCount, 1, g.mlabels)
	g.logger.Debug("all pools drained", LabelHost.L(g.host.String()))
	for _, drained := range callbacks {
		drained()
	}
}

func (g *Grid) tierLabels(rank int) []metrics.Label {
	return append(slices.Clone(g.mlabels), LabelTier.M(strconv.Itoa(rank)))
}
