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

// Package http3pool implements the QUIC tier of the connectivity grid: a
// pool that dials the host over QUIC and multiplexes request streams onto
// a single HTTP/3 connection.
package http3pool

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/upstreamlab/httpgrid/internal"
	"github.com/upstreamlab/httpgrid/pool"
)

// Option is an option used to customize the behavior of an HTTP/3 pool.
type Option interface {
	apply(*options)
}

// WithTLSConfig adds custom TLS configuration. The config is cloned and
// its ALPN protocol list is forced to "h3".
func WithTLSConfig(config *tls.Config) Option {
	return optionFunc(func(opts *options) {
		opts.tlsConfig = config
	})
}

// WithQUICConfig adds custom QUIC transport configuration.
func WithQUICConfig(config *quic.Config) Option {
	return optionFunc(func(opts *options) {
		opts.quicConfig = config
	})
}

// WithDialTimeout bounds QUIC connection establishment. If zero or no
// WithDialTimeout option is used, a default of 30 seconds will be used.
func WithDialTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.dialTimeout = duration
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	tlsConfig   *tls.Config
	quicConfig  *quic.Config
	dialTimeout time.Duration
}

// NewFactory returns a pool.Factory producing HTTP/3 pools with the given
// options.
func NewFactory(opts ...Option) pool.Factory {
	return pool.FactoryFunc(func(host pool.Host) pool.Pool {
		return New(host, opts...)
	})
}

// New returns an HTTP/3 pool for the given host. The pool dials lazily:
// the first stream request triggers connection establishment and any
// requests arriving while the dial is in flight wait for its outcome.
func New(host pool.Host, opts ...Option) *ConnPool {
	var options options
	for _, opt := range opts {
		opt.apply(&options)
	}
	if options.dialTimeout == 0 {
		options.dialTimeout = 30 * time.Second
	}
	return &ConnPool{
		host:        host,
		tlsConfig:   options.tlsConfig,
		quicConfig:  options.quicConfig,
		dialTimeout: options.dialTimeout,
		clock:       internal.NewRealClock(),
	}
}

// ConnPool is a pool.Pool implementation speaking HTTP/3 over QUIC.
type ConnPool struct {
	host        pool.Host
	tlsConfig   *tls.Config
	quicConfig  *quic.Config
	dialTimeout time.Duration
	clock       internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	conn *http3.SingleDestinationRoundTripper
	// +checklocks:mu
	qconn quic.EarlyConnection
	// +checklocks:mu
	dialing bool
	// +checklocks:mu
	dialCancel context.CancelFunc
	// +checklocks:mu
	waiters []*streamRequest
	// +checklocks:mu
	active int
	// +checklocks:mu
	draining bool
	// +checklocks:mu
	drainedCallbacks []func()
	// +checklocks:mu
	drainNotified bool
	// +checklocks:mu
	closed bool
}

var _ pool.Pool = (*ConnPool)(nil)

// NewStream implements the pool.Pool interface.
func (p *ConnPool) NewStream(decoder pool.ResponseDecoder, callbacks pool.Callbacks) pool.Cancellable {
	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		callbacks.OnPoolFailure(pool.LocalConnectionFailure, "http3 pool is draining", p.host)
		return nil
	}
	if p.conn != nil {
		p.active++
		encoder := &requestEncoder{pool: p, conn: p.conn, decoder: decoder}
		info := connectionInfo(p.qconn)
		p.mu.Unlock()
		callbacks.OnPoolReady(encoder, p.host, info, pool.ProtocolHTTP3)
		return nil
	}
	request := &streamRequest{pool: p, decoder: decoder, callbacks: callbacks}
	p.waiters = append(p.waiters, request)
	startDial := !p.dialing
	p.dialing = true
	p.mu.Unlock()
	if startDial {
		go p.dial()
	}
	return request
}

func (p *ConnPool) dial() {
	ctx, cancel := context.WithCancel(context.Background())
	var timedOut atomic.Bool
	timer := p.clock.AfterFunc(p.dialTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()
	defer cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.dialCancel = cancel
	p.mu.Unlock()

	qconn, err := quic.DialAddrEarly(ctx, p.host.HostPort, p.dialTLSConfig(), p.quicConfig)
	if err != nil {
		reason := pool.RemoteConnectionFailure
		if timedOut.Load() {
			reason = pool.Timeout
		}
		p.failWaiters(reason, err.Error())
		return
	}

	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		_ = qconn.CloseWithError(0, "pool closed")
		p.failWaiters(pool.LocalConnectionFailure, "http3 pool is draining")
		return
	}
	p.conn = &http3.SingleDestinationRoundTripper{Connection: qconn}
	p.qconn = qconn
	p.dialing = false
	p.dialCancel = nil
	waiters := p.waiters
	p.waiters = nil
	conn := p.conn
	info := connectionInfo(qconn)
	ready := make([]*streamRequest, 0, len(waiters))
	for _, request := range waiters {
		if request.claim() {
			p.active++
			ready = append(ready, request)
		}
	}
	p.mu.Unlock()

	for _, request := range ready {
		encoder := &requestEncoder{pool: p, conn: conn, decoder: request.decoder}
		request.callbacks.OnPoolReady(encoder, p.host, info, pool.ProtocolHTTP3)
	}
}

func (p *ConnPool) failWaiters(reason pool.FailureReason, transportDetail string) {
	p.mu.Lock()
	p.dialing = false
	p.dialCancel = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, request := range waiters {
		if request.claim() {
			request.callbacks.OnPoolFailure(reason, transportDetail, p.host)
		}
	}
	p.maybeNotifyDrained()
}

// streamDone is called once an allocated stream's exchange finishes.
func (p *ConnPool) streamDone() {
	p.mu.Lock()
	p.active--
	if p.active < 0 {
		p.mu.Unlock()
		panic("http3pool: stream completion with no active streams")
	}
	p.mu.Unlock()
	p.maybeNotifyDrained()
}

// maybeNotifyDrained fires the drained callbacks once, as soon as the pool
// is idle and at least one callback is registered. Any idle connection is
// closed on the way: a drained pool holds no connections.
func (p *ConnPool) maybeNotifyDrained() {
	p.mu.Lock()
	if p.drainNotified || len(p.drainedCallbacks) == 0 ||
		p.active > 0 || p.dialing || len(p.waiters) > 0 {
		p.mu.Unlock()
		return
	}
	p.drainNotified = true
	qconn := p.qconn
	p.conn = nil
	p.qconn = nil
	callbacks := p.drainedCallbacks
	p.mu.Unlock()
	if qconn != nil {
		_ = qconn.CloseWithError(0, "pool drained")
	}
	for _, drained := range callbacks {
		drained()
	}
}

// HasActiveConnections implements the pool.Pool interface.
func (p *ConnPool) HasActiveConnections() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active > 0
}

// AddDrainedCallback implements the pool.Pool interface.
func (p *ConnPool) AddDrainedCallback(drained func()) {
	p.mu.Lock()
	notified := p.drainNotified
	if !notified {
		p.drainedCallbacks = append(p.drainedCallbacks, drained)
	}
	p.mu.Unlock()
	if notified {
		drained()
		return
	}
	p.maybeNotifyDrained()
}

// DrainConnections implements the pool.Pool interface.
func (p *ConnPool) DrainConnections() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
	p.maybeNotifyDrained()
}

// Host implements the pool.Pool interface.
func (p *ConnPool) Host() pool.Host {
	return p.host
}

// Close implements the pool.Pool interface. Closing does not count as
// draining: drained callbacks are not invoked on account of Close.
func (p *ConnPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.dialCancel
	p.dialCancel = nil
	qconn := p.qconn
	p.conn = nil
	p.qconn = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if qconn != nil {
		_ = qconn.CloseWithError(0, "pool closed")
	}
	for _, request := range waiters {
		if request.claim() {
			request.callbacks.OnPoolFailure(pool.LocalConnectionFailure, "http3 pool closed", p.host)
		}
	}
}

func (p *ConnPool) dialTLSConfig() *tls.Config {
	var config *tls.Config
	if p.tlsConfig != nil {
		config = p.tlsConfig.Clone()
	} else {
		config = &tls.Config{}
	}
	config.NextProtos = []string{http3.NextProtoH3}
	return config
}

func connectionInfo(qconn quic.EarlyConnection) pool.ConnectionInfo {
	state := qconn.ConnectionState()
	return pool.ConnectionInfo{
		LocalAddr:  qconn.LocalAddr(),
		RemoteAddr: qconn.RemoteAddr(),
		TLS:        &state.TLS,
	}
}

type streamRequest struct {
	pool      *ConnPool
	decoder   pool.ResponseDecoder
	callbacks pool.Callbacks

	mu sync.Mutex
	// +checklocks:mu
	done bool
}

var _ pool.Cancellable = (*streamRequest)(nil)

func (s *streamRequest) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	return true
}

// Cancel implements the pool.Cancellable interface. With CloseExcess, a
// dial left with no remaining demand is aborted rather than allowed to
// park as a ready connection.
func (s *streamRequest) Cancel(policy pool.CancelPolicy) {
	if !s.claim() {
		return
	}
	p := s.pool
	p.mu.Lock()
	for i, request := range p.waiters {
		if request == s {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	var cancel context.CancelFunc
	if policy == pool.CloseExcess && len(p.waiters) == 0 && p.active == 0 && p.dialing {
		cancel = p.dialCancel
	}
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

type requestEncoder struct {
	pool    *ConnPool
	conn    *http3.SingleDestinationRoundTripper
	decoder pool.ResponseDecoder
	used    atomic.Bool
}

var _ pool.RequestEncoder = (*requestEncoder)(nil)

// Encode implements the pool.RequestEncoder interface.
func (e *requestEncoder) Encode(req *http.Request) error {
	if !e.used.CompareAndSwap(false, true) {
		return pool.ErrEncoderUsed
	}
	defer e.pool.streamDone()
	resp, err := e.conn.RoundTrip(req)
	if err != nil {
		return err
	}
	return pool.RelayResponse(e.decoder, resp)
}
