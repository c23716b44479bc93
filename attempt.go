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
	"log/slog"
	"sync"

	"github.com/upstreamlab/httpgrid/pool"
)

// attempt wraps a caller's stream request to auto-retry lower-priority
// tiers in the case of connection failure. It also relays cancellation
// between the original caller and the pool currently trying to connect.
//
// Tiers are tried one at a time: the next attempt is not started until the
// previous one has failed, and the rank only ever increases.
type attempt struct {
	grid *Grid
	// decoder and callbacks are borrowed from the original caller.
	// callbacks must get OnPoolFailure or OnPoolReady exactly once, unless
	// there is a call to Cancel.
	decoder   pool.ResponseDecoder
	callbacks pool.Callbacks

	mu sync.Mutex
	// rank of the tier currently being attempted. Strictly increasing.
	// +checklocks:mu
	rank int
	// handle cancels the request to the current pool. It is owned by the
	// pool which created it and is invalid once that attempt terminates.
	// +checklocks:mu
	handle pool.Cancellable
	// terminated is set once a terminal outcome has been delivered (or the
	// attempt was cancelled or abandoned); later pool callbacks are no-ops.
	// +checklocks:mu
	terminated bool
}

var _ pool.Callbacks = (*attempt)(nil)
var _ pool.Cancellable = (*attempt)(nil)

// start issues the stream request against the tier at rank. The pool may
// resolve synchronously, re-entering OnPoolReady or OnPoolFailure before
// NewStream returns; the returned handle is kept only if this rank's
// attempt is still outstanding afterwards.
func (a *attempt) start(rank int) {
	currentPool := a.grid.poolAt(rank)
	handle := currentPool.NewStream(a.decoder, a)
	a.mu.Lock()
	if !a.terminated && a.rank == rank {
		a.handle = handle
	}
	a.mu.Unlock()
}

// OnPoolFailure implements pool.Callbacks. When a tier fails to connect,
// the attempt moves on to the next tier, creating it if needed; once no
// further tier is available the last failure is passed up to the original
// caller verbatim.
func (a *attempt) OnPoolFailure(reason pool.FailureReason, transportDetail string, host pool.Host) {
	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return
	}
	// The previous attempt terminated by failing; its handle is dead.
	a.handle = nil
	failedRank := a.rank
	a.mu.Unlock()

	grid := a.grid
	grid.msink.IncrCounterWithLabels(MetricAttemptFailureCount, 1, grid.tierLabels(failedRank))
	next, ok := grid.nextPoolAfter(failedRank)
	if !ok {
		a.mu.Lock()
		if a.terminated {
			a.mu.Unlock()
			return
		}
		a.terminated = true
		a.mu.Unlock()
		grid.removeAttempt(a)
		grid.msink.IncrCounterWithLabels(MetricExhaustedCount, 1, grid.mlabels)
		grid.logger.Debug("all tiers failed",
			LabelHost.L(host.String()), LabelReason.L(reason.String()), slog.String("detail", transportDetail))
		a.callbacks.OnPoolFailure(reason, transportDetail, host)
		return
	}

	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return
	}
	a.rank = next
	a.mu.Unlock()
	grid.msink.IncrCounterWithLabels(MetricFailoverCount, 1, grid.tierLabels(next))
	grid.logger.Debug("tier failed to connect, trying next tier",
		LabelHost.L(host.String()), LabelTier.L(next), LabelReason.L(reason.String()))
	a.start(next)
}

// OnPoolReady implements pool.Callbacks. Tiers are tried serially, so any
// successful stream creation is passed up to the original caller.
func (a *attempt) OnPoolReady(encoder pool.RequestEncoder, host pool.Host, info pool.ConnectionInfo, protocol pool.Protocol) {
	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return
	}
	a.terminated = true
	a.handle = nil
	a.mu.Unlock()
	a.grid.removeAttempt(a)
	a.callbacks.OnPoolReady(encoder, host, info, protocol)
}

// Cancel implements pool.Cancellable. The cancellation is forwarded, with
// the same policy, to the pool currently trying to connect; the original
// caller then receives neither success nor failure.
func (a *attempt) Cancel(policy pool.CancelPolicy) {
	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return
	}
	a.terminated = true
	handle := a.handle
	a.handle = nil
	a.mu.Unlock()
	if handle != nil {
		handle.Cancel(policy)
	}
	a.grid.removeAttempt(a)
	a.grid.msink.IncrCounterWithLabels(MetricCancelCount, 1, a.grid.mlabels)
}

// abandon silences the attempt during grid teardown: no caller callback
// and no forwarding, since the pools are being closed anyway.
func (a *attempt) abandon() {
	a.mu.Lock()
	a.terminated = true
	a.handle = nil
	a.mu.Unlock()
}
