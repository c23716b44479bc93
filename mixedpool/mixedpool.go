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

// Package mixedpool implements the TCP tier of the connectivity grid: a
// pool that connects over TCP+TLS and speaks HTTP/2 or HTTP/1.1 depending
// on what ALPN negotiates. HTTP/2 streams are multiplexed onto a shared
// connection; each HTTP/1.1 stream gets a connection of its own.
package mixedpool

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upstreamlab/httpgrid/internal"
	"github.com/upstreamlab/httpgrid/pool"
	"golang.org/x/net/http2"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// Option is an option used to customize the behavior of a mixed pool.
type Option interface {
	apply(*options)
}

// WithTLSConfig adds custom TLS configuration. The config is cloned and
// its ALPN protocol list is forced to "h2, http/1.1".
func WithTLSConfig(config *tls.Config) Option {
	return optionFunc(func(opts *options) {
		opts.tlsConfig = config
	})
}

// WithDialTimeout bounds connection establishment. If zero or no
// WithDialTimeout option is used, a default of 30 seconds will be used.
func WithDialTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.dialTimeout = duration
	})
}

// WithDialer configures the pool to use the given function to establish
// network connections. If no WithDialer option is provided, a default
// [net.Dialer] is used that configures TCP keep-alive every 30 seconds.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return optionFunc(func(opts *options) {
		opts.dialFunc = dialFunc
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	dialFunc    func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewFactory returns a pool.Factory producing mixed pools with the given
// options.
func NewFactory(opts ...Option) pool.Factory {
	return pool.FactoryFunc(func(host pool.Host) pool.Pool {
		return New(host, opts...)
	})
}

// New returns a mixed HTTP/2-or-HTTP/1.1 pool for the given host.
func New(host pool.Host, opts ...Option) *ConnPool {
	var options options
	for _, opt := range opts {
		opt.apply(&options)
	}
	if options.dialTimeout == 0 {
		options.dialTimeout = 30 * time.Second
	}
	if options.dialFunc == nil {
		options.dialFunc = defaultDialer.DialContext
	}
	return &ConnPool{
		host:        host,
		tlsConfig:   options.tlsConfig,
		dialTimeout: options.dialTimeout,
		dialFunc:    options.dialFunc,
		clock:       internal.NewRealClock(),
		h2Transport: &http2.Transport{},
	}
}

// ConnPool is a pool.Pool implementation for TCP with ALPN protocol
// selection.
type ConnPool struct {
	host        pool.Host
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	dialFunc    func(ctx context.Context, network, addr string) (net.Conn, error)
	clock       internal.Clock
	h2Transport *http2.Transport

	mu sync.Mutex
	// h2Conn is the shared HTTP/2 connection, once one has been
	// negotiated. HTTP/1.1 connections are per-stream and never stored.
	// +checklocks:mu
	h2Conn *http2.ClientConn
	// +checklocks:mu
	h2Info pool.ConnectionInfo
	// +checklocks:mu
	pending map[*streamRequest]struct{}
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
		callbacks.OnPoolFailure(pool.LocalConnectionFailure, "mixed pool is draining", p.host)
		return nil
	}
	if p.h2Conn != nil && p.h2Conn.CanTakeNewRequest() {
		p.active++
		encoder := &h2Encoder{pool: p, conn: p.h2Conn, decoder: decoder}
		info := p.h2Info
		p.mu.Unlock()
		callbacks.OnPoolReady(encoder, p.host, info, pool.ProtocolHTTP2)
		return nil
	}
	request := &streamRequest{pool: p, decoder: decoder, callbacks: callbacks}
	if p.pending == nil {
		p.pending = map[*streamRequest]struct{}{}
	}
	p.pending[request] = struct{}{}
	p.mu.Unlock()
	go p.dial(request)
	return request
}

func (p *ConnPool) dial(request *streamRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	var timedOut atomic.Bool
	timer := p.clock.AfterFunc(p.dialTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()
	defer cancel()
	request.setDialCancel(cancel)

	netConn, err := p.dialTLS(ctx)
	if err != nil {
		p.finishPending(request)
		if request.claim() {
			reason := pool.RemoteConnectionFailure
			if timedOut.Load() {
				reason = pool.Timeout
			}
			request.callbacks.OnPoolFailure(reason, err.Error(), p.host)
		}
		p.maybeNotifyDrained()
		return
	}
	tlsConn := netConn.(*tls.Conn) //nolint:forcetypeassert // tls.Dialer always returns *tls.Conn
	state := tlsConn.ConnectionState()
	info := pool.ConnectionInfo{
		LocalAddr:  tlsConn.LocalAddr(),
		RemoteAddr: tlsConn.RemoteAddr(),
		TLS:        &state,
	}

	if state.NegotiatedProtocol == http2.NextProtoTLS {
		p.finishH2Dial(request, tlsConn, info)
		return
	}
	p.finishH1Dial(request, tlsConn, info)
}

func (p *ConnPool) dialTLS(ctx context.Context) (net.Conn, error) {
	rawConn, err := p.dialFunc(ctx, "tcp", p.host.HostPort)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(rawConn, p.dialTLSConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (p *ConnPool) finishH2Dial(request *streamRequest, tlsConn *tls.Conn, info pool.ConnectionInfo) {
	clientConn, err := p.h2Transport.NewClientConn(tlsConn)
	if err != nil {
		tlsConn.Close()
		p.finishPending(request)
		if request.claim() {
			request.callbacks.OnPoolFailure(pool.RemoteConnectionFailure, err.Error(), p.host)
		}
		p.maybeNotifyDrained()
		return
	}

	p.mu.Lock()
	delete(p.pending, request)
	claimed := request.claim()
	park := p.h2Conn == nil && !p.closed && !p.draining
	if park {
		p.h2Conn = clientConn
		p.h2Info = info
	}
	if claimed {
		p.active++
	}
	p.mu.Unlock()

	if claimed {
		encoder := &h2Encoder{pool: p, conn: clientConn, decoder: request.decoder}
		request.callbacks.OnPoolReady(encoder, p.host, info, pool.ProtocolHTTP2)
		return
	}
	// Cancelled while dialing. With the default policy the negotiated
	// connection was parked for reuse above; close it otherwise.
	if !park || request.cancelPolicy() == pool.CloseExcess {
		p.mu.Lock()
		if p.h2Conn == clientConn {
			p.h2Conn = nil
		}
		p.mu.Unlock()
		clientConn.Close()
	}
	p.maybeNotifyDrained()
}

func (p *ConnPool) finishH1Dial(request *streamRequest, tlsConn *tls.Conn, info pool.ConnectionInfo) {
	p.finishPending(request)
	if !request.claim() {
		tlsConn.Close()
		p.maybeNotifyDrained()
		return
	}
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	encoder := &h1Encoder{pool: p, conn: tlsConn, decoder: request.decoder}
	request.callbacks.OnPoolReady(encoder, p.host, info, pool.ProtocolHTTP11)
}

func (p *ConnPool) finishPending(request *streamRequest) {
	p.mu.Lock()
	delete(p.pending, request)
	p.mu.Unlock()
}

// streamDone is called once an allocated stream's exchange finishes.
func (p *ConnPool) streamDone() {
	p.mu.Lock()
	p.active--
	if p.active < 0 {
		p.mu.Unlock()
		panic("mixedpool: stream completion with no active streams")
	}
	p.mu.Unlock()
	p.maybeNotifyDrained()
}

// maybeNotifyDrained fires the drained callbacks once, as soon as the pool
// is idle and at least one callback is registered. The shared HTTP/2
// connection, if idle, is closed on the way: a drained pool holds no
// connections.
func (p *ConnPool) maybeNotifyDrained() {
	p.mu.Lock()
	if p.drainNotified || len(p.drainedCallbacks) == 0 ||
		p.active > 0 || len(p.pending) > 0 {
		p.mu.Unlock()
		return
	}
	p.drainNotified = true
	clientConn := p.h2Conn
	p.h2Conn = nil
	callbacks := p.drainedCallbacks
	p.mu.Unlock()
	if clientConn != nil {
		clientConn.Close()
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
	clientConn := p.h2Conn
	p.h2Conn = nil
	pending := make([]*streamRequest, 0, len(p.pending))
	for request := range p.pending {
		pending = append(pending, request)
	}
	p.pending = nil
	p.mu.Unlock()
	if clientConn != nil {
		clientConn.Close()
	}
	for _, request := range pending {
		request.cancelDial()
	}
}

func (p *ConnPool) dialTLSConfig() *tls.Config {
	var config *tls.Config
	if p.tlsConfig != nil {
		config = p.tlsConfig.Clone()
	} else {
		config = &tls.Config{}
	}
	config.NextProtos = []string{http2.NextProtoTLS, "http/1.1"}
	if config.ServerName == "" {
		if host, _, err := net.SplitHostPort(p.host.HostPort); err == nil {
			config.ServerName = host
		} else {
			config.ServerName = p.host.HostPort
		}
	}
	return config
}

type streamRequest struct {
	pool      *ConnPool
	decoder   pool.ResponseDecoder
	callbacks pool.Callbacks

	mu sync.Mutex
	// +checklocks:mu
	done bool
	// +checklocks:mu
	policy pool.CancelPolicy
	// +checklocks:mu
	dialCancelFn context.CancelFunc
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

func (s *streamRequest) setDialCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialCancelFn = cancel
}

func (s *streamRequest) cancelDial() {
	s.mu.Lock()
	cancel := s.dialCancelFn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *streamRequest) cancelPolicy() pool.CancelPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Cancel implements the pool.Cancellable interface. With the default
// policy an in-flight dial is allowed to complete and, if it negotiates
// HTTP/2, is parked for reuse; CloseExcess aborts it immediately.
func (s *streamRequest) Cancel(policy pool.CancelPolicy) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.policy = policy
	cancel := s.dialCancelFn
	s.mu.Unlock()
	if policy == pool.CloseExcess && cancel != nil {
		cancel()
	}
}

type h2Encoder struct {
	pool    *ConnPool
	conn    *http2.ClientConn
	decoder pool.ResponseDecoder
	used    atomic.Bool
}

var _ pool.RequestEncoder = (*h2Encoder)(nil)

// Encode implements the pool.RequestEncoder interface.
func (e *h2Encoder) Encode(req *http.Request) error {
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

type h1Encoder struct {
	pool    *ConnPool
	conn    *tls.Conn
	decoder pool.ResponseDecoder
	used    atomic.Bool
}

var _ pool.RequestEncoder = (*h1Encoder)(nil)

// Encode implements the pool.RequestEncoder interface. The connection is
// used for a single exchange and then closed; connection reuse is what the
// HTTP/2 path is for.
func (e *h1Encoder) Encode(req *http.Request) error {
	if !e.used.CompareAndSwap(false, true) {
		return pool.ErrEncoderUsed
	}
	defer e.pool.streamDone()
	defer e.conn.Close()
	if err := req.Write(e.conn); err != nil {
		return err
	}
	resp, err := http.ReadResponse(bufio.NewReader(e.conn), req)
	if err != nil {
		return err
	}
	return pool.RelayResponse(e.decoder, resp)
}
