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

// Package pooltesting contains helpers for testing code written against
// the capability interface in [github.com/upstreamlab/httpgrid/pool],
// including the connectivity grid itself and custom tier implementations.
package pooltesting

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/upstreamlab/httpgrid/pool"
)

// FakePool is an implementation of pool.Pool that can be used for testing.
// It never opens real connections: by default each NewStream call is
// captured as a pending *FakeStream that the test resolves later with
// Succeed or Fail. Tests can instead script the next NewStream calls to
// resolve synchronously, from within NewStream itself, which exercises
// re-entrant callback handling in the code under test.
//
// See NewFakePool.
type FakePool struct {
	host pool.Host

	mu sync.Mutex
	// +checklocks:mu
	script []func(s *FakeStream)
	// +checklocks:mu
	streams []*FakeStream
	// +checklocks:mu
	active bool
	// +checklocks:mu
	drainedCallbacks []func()
	// +checklocks:mu
	drainCalls int
	// +checklocks:mu
	closed bool
}

// NewFakePool constructs a new FakePool for the given host.
func NewFakePool(host pool.Host) *FakePool {
	return &FakePool{host: host}
}

// EnqueueFailure scripts the next otherwise-unscripted NewStream call to
// fail synchronously with the given reason and detail.
func (p *FakePool) EnqueueFailure(reason pool.FailureReason, transportDetail string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, func(s *FakeStream) {
		s.Fail(reason, transportDetail)
	})
}

// EnqueueSuccess scripts the next otherwise-unscripted NewStream call to
// succeed synchronously with the given protocol.
func (p *FakePool) EnqueueSuccess(protocol pool.Protocol) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, func(s *FakeStream) {
		s.Succeed(protocol)
	})
}

// NewStream implements the pool.Pool interface.
func (p *FakePool) NewStream(decoder pool.ResponseDecoder, callbacks pool.Callbacks) pool.Cancellable {
	stream := &FakeStream{pool: p, decoder: decoder, callbacks: callbacks}
	p.mu.Lock()
	p.streams = append(p.streams, stream)
	var scripted func(*FakeStream)
	if len(p.script) > 0 {
		scripted = p.script[0]
		p.script = p.script[1:]
	}
	p.mu.Unlock()
	if scripted != nil {
		scripted(stream)
		return nil
	}
	return stream
}

// HasActiveConnections implements the pool.Pool interface. It returns the
// value last given to SetActiveConnections.
func (p *FakePool) HasActiveConnections() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// SetActiveConnections sets the value HasActiveConnections reports.
func (p *FakePool) SetActiveConnections(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = active
}

// AddDrainedCallback implements the pool.Pool interface. The callback is
// recorded; the test fires it with NotifyDrained.
func (p *FakePool) AddDrainedCallback(drained func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainedCallbacks = append(p.drainedCallbacks, drained)
}

// DrainedSubscribers returns how many drained callbacks are registered.
func (p *FakePool) DrainedSubscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.drainedCallbacks)
}

// NotifyDrained invokes every registered drained callback, simulating the
// pool finishing its drain.
func (p *FakePool) NotifyDrained() {
	p.mu.Lock()
	callbacks := make([]func(), len(p.drainedCallbacks))
	copy(callbacks, p.drainedCallbacks)
	p.mu.Unlock()
	for _, drained := range callbacks {
		drained()
	}
}

// DrainConnections implements the pool.Pool interface. Calls are counted.
func (p *FakePool) DrainConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainCalls++
}

// DrainCalls returns how many times DrainConnections has been called.
func (p *FakePool) DrainCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drainCalls
}

// Host implements the pool.Pool interface.
func (p *FakePool) Host() pool.Host {
	return p.host
}

// Close implements the pool.Pool interface.
func (p *FakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Closed reports whether Close has been called.
func (p *FakePool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Streams returns every stream request this pool has received, in order.
func (p *FakePool) Streams() []*FakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	streams := make([]*FakeStream, len(p.streams))
	copy(streams, p.streams)
	return streams
}

// FakeStream is one captured NewStream call against a FakePool. The test
// resolves it with Succeed or Fail; the code under test may cancel it.
type FakeStream struct {
	pool      *FakePool
	decoder   pool.ResponseDecoder
	callbacks pool.Callbacks

	mu sync.Mutex
	// +checklocks:mu
	resolved bool
	// +checklocks:mu
	cancels []pool.CancelPolicy
}

// Succeed resolves the stream request successfully, delivering a fake
// encoder and the given protocol. It is a no-op if the request was already
// resolved or cancelled.
func (s *FakeStream) Succeed(protocol pool.Protocol) {
	if !s.resolve() {
		return
	}
	s.callbacks.OnPoolReady(fakeEncoder{}, s.pool.host, pool.ConnectionInfo{}, protocol)
}

// Fail resolves the stream request with a failure. It is a no-op if the
// request was already resolved or cancelled.
func (s *FakeStream) Fail(reason pool.FailureReason, transportDetail string) {
	if !s.resolve() {
		return
	}
	s.callbacks.OnPoolFailure(reason, transportDetail, s.pool.host)
}

func (s *FakeStream) resolve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved || len(s.cancels) > 0 {
		return false
	}
	s.resolved = true
	return true
}

// Cancel implements the pool.Cancellable interface. Policies are recorded
// for inspection via Cancels.
func (s *FakeStream) Cancel(policy pool.CancelPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, policy)
}

// Cancels returns the cancel policies this stream request received.
func (s *FakeStream) Cancels() []pool.CancelPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancels := make([]pool.CancelPolicy, len(s.cancels))
	copy(cancels, s.cancels)
	return cancels
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(*http.Request) error {
	return errors.New("FakeStream encoder does not support Encode")
}

// CountingFactory is a pool.Factory that hands out a fixed FakePool and
// counts how many times it was asked to create it.
type CountingFactory struct {
	Pool *FakePool

	mu sync.Mutex
	// +checklocks:mu
	calls int
}

// FactoryFor returns a CountingFactory handing out the given pool.
func FactoryFor(p *FakePool) *CountingFactory {
	return &CountingFactory{Pool: p}
}

// New implements the pool.Factory interface.
func (f *CountingFactory) New(pool.Host) pool.Pool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.Pool
}

// Calls returns how many times New has been invoked.
func (f *CountingFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Outcome is one terminal callback recorded by a CallbackRecorder.
type Outcome struct {
	// Ready is true for OnPoolReady, false for OnPoolFailure.
	Ready    bool
	Encoder  pool.RequestEncoder
	Host     pool.Host
	Info     pool.ConnectionInfo
	Protocol pool.Protocol
	Reason   pool.FailureReason
	Detail   string
}

// CallbackRecorder is a pool.Callbacks implementation that records every
// terminal outcome it receives, for assertions about single-fire behavior.
type CallbackRecorder struct {
	outcomes chan Outcome
}

// NewCallbackRecorder constructs a new CallbackRecorder.
func NewCallbackRecorder() *CallbackRecorder {
	return &CallbackRecorder{outcomes: make(chan Outcome, 16)}
}

// OnPoolReady implements the pool.Callbacks interface.
func (r *CallbackRecorder) OnPoolReady(encoder pool.RequestEncoder, host pool.Host, info pool.ConnectionInfo, protocol pool.Protocol) {
	r.outcomes <- Outcome{Ready: true, Encoder: encoder, Host: host, Info: info, Protocol: protocol}
}

// OnPoolFailure implements the pool.Callbacks interface.
func (r *CallbackRecorder) OnPoolFailure(reason pool.FailureReason, transportDetail string, host pool.Host) {
	r.outcomes <- Outcome{Reason: reason, Detail: transportDetail, Host: host}
}

// AwaitOutcome blocks until a terminal outcome arrives or the context is
// done.
func (r *CallbackRecorder) AwaitOutcome(ctx context.Context) (Outcome, error) {
	select {
	case outcome := <-r.outcomes:
		return outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// TryOutcome returns a pending outcome without blocking. It reports false
// if no outcome has been delivered.
func (r *CallbackRecorder) TryOutcome() (Outcome, bool) {
	select {
	case outcome := <-r.outcomes:
		return outcome, true
	default:
		return Outcome{}, false
	}
}

// DiscardDecoder is a pool.ResponseDecoder that ignores everything.
type DiscardDecoder struct{}

func (DiscardDecoder) DecodeHeaders(int, http.Header, bool) {}
func (DiscardDecoder) DecodeData([]byte, bool)              {}
func (DiscardDecoder) DecodeTrailers(http.Header)           {}

// CapturingDecoder is a pool.ResponseDecoder that records what it is fed.
type CapturingDecoder struct {
	mu sync.Mutex
	// +checklocks:mu
	statusCode int
	// +checklocks:mu
	header http.Header
	// +checklocks:mu
	body []byte
	// +checklocks:mu
	trailer http.Header
	// +checklocks:mu
	ended bool
	done  chan struct{}
}

// NewCapturingDecoder constructs a new CapturingDecoder.
func NewCapturingDecoder() *CapturingDecoder {
	return &CapturingDecoder{done: make(chan struct{})}
}

// DecodeHeaders implements the pool.ResponseDecoder interface.
func (d *CapturingDecoder) DecodeHeaders(statusCode int, header http.Header, endStream bool) {
	d.mu.Lock()
	d.statusCode = statusCode
	d.header = header
	d.mu.Unlock()
	if endStream {
		d.end()
	}
}

// DecodeData implements the pool.ResponseDecoder interface.
func (d *CapturingDecoder) DecodeData(data []byte, endStream bool) {
	d.mu.Lock()
	d.body = append(d.body, data...)
	d.mu.Unlock()
	if endStream {
		d.end()
	}
}

// DecodeTrailers implements the pool.ResponseDecoder interface.
func (d *CapturingDecoder) DecodeTrailers(header http.Header) {
	d.mu.Lock()
	d.trailer = header
	d.mu.Unlock()
	d.end()
}

func (d *CapturingDecoder) end() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ended {
		d.ended = true
		close(d.done)
	}
}

// AwaitEnd blocks until the stream has ended or the context is done.
func (d *CapturingDecoder) AwaitEnd(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusCode returns the recorded response status.
func (d *CapturingDecoder) StatusCode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusCode
}

// Header returns the recorded response headers.
func (d *CapturingDecoder) Header() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.header
}

// Body returns the recorded response body.
func (d *CapturingDecoder) Body() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	body := make([]byte, len(d.body))
	copy(body, d.body)
	return body
}

// Trailer returns the recorded response trailers.
func (d *CapturingDecoder) Trailer() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trailer
}
