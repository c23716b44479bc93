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
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/upstreamlab/httpgrid/http3pool"
	"github.com/upstreamlab/httpgrid/mixedpool"
	"github.com/upstreamlab/httpgrid/pool"
)

// GridOption is an option used to customize the behavior of a Grid.
type GridOption interface {
	apply(*gridOptions)
}

// WithProtocols configures the set of protocols the grid may use. The
// default tier policy requires HTTP/1.1, HTTP/2, and HTTP/3: the grid's
// first tier speaks HTTP/3 over QUIC and its second negotiates HTTP/2 or
// HTTP/1.1 over TCP. NewGrid fails if the set names anything else.
//
// This option is ignored when WithPoolFactories is used.
func WithProtocols(protocols ...pool.Protocol) GridOption {
	return gridOptionFunc(func(opts *gridOptions) {
		opts.protocols = protocols
	})
}

// WithPoolFactories replaces the default tier policy with the given
// ordered list of pool factories. The first factory is the most preferred
// tier. Each factory is invoked at most once, lazily, the first time its
// tier is needed; the number of factories is the maximum tier count.
func WithPoolFactories(factories ...pool.Factory) GridOption {
	return gridOptionFunc(func(opts *gridOptions) {
		opts.factories = factories
	})
}

// WithTLSConfig adds custom TLS configuration for the default tiers. It is
// ignored when WithPoolFactories is used.
func WithTLSConfig(config *tls.Config) GridOption {
	return gridOptionFunc(func(opts *gridOptions) {
		opts.tlsClientConfig = config
	})
}

// WithDialTimeout bounds connection establishment for the default tiers.
// If zero or no WithDialTimeout option is used, a default of 30 seconds
// will be used. It is ignored when WithPoolFactories is used.
func WithDialTimeout(duration time.Duration) GridOption {
	return gridOptionFunc(func(opts *gridOptions) {
		opts.dialTimeout = duration
	})
}

// WithLogHandler configures the handler the grid emits structured logs to.
// If not specified, [slog.Default] is used. The grid logs failovers and
// drain progress at debug level only.
func WithLogHandler(handler slog.Handler) GridOption {
	return gridOptionFunc(func(opts *gridOptions) {
		opts.logHandler = handler
	})
}

// WithMetricSink configures the sink the grid emits metrics to. If not
// specified, metrics are discarded.
func WithMetricSink(sink metrics.MetricSink) GridOption {
	return gridOptionFunc(func(opts *gridOptions) {
		opts.metricSink = sink
	})
}

// WithMetricLabels adds the given labels to every metric the grid emits.
func WithMetricLabels(labels ...metrics.Label) GridOption {
	return gridOptionFunc(func(opts *gridOptions) {
		opts.metricLabels = append(opts.metricLabels, labels...)
	})
}

type gridOptionFunc func(*gridOptions)

func (f gridOptionFunc) apply(opts *gridOptions) {
	f(opts)
}

type gridOptions struct {
	protocols       []pool.Protocol
	factories       []pool.Factory
	tlsClientConfig *tls.Config
	dialTimeout     time.Duration
	logHandler      slog.Handler
	metricSink      metrics.MetricSink
	metricLabels    []metrics.Label
}

func (opts *gridOptions) applyDefaults() {
	if opts.protocols == nil {
		opts.protocols = []pool.Protocol{pool.ProtocolHTTP11, pool.ProtocolHTTP2, pool.ProtocolHTTP3}
	}
	if opts.dialTimeout == 0 {
		opts.dialTimeout = 30 * time.Second
	}
	if opts.metricSink == nil {
		opts.metricSink = &metrics.BlackholeSink{}
	}
}

// defaultFactories returns the fixed two-tier policy: HTTP/3 over QUIC
// first, then a TCP pool that negotiates HTTP/2 or HTTP/1.1 via ALPN.
func (opts *gridOptions) defaultFactories() []pool.Factory {
	return []pool.Factory{
		http3pool.NewFactory(
			http3pool.WithTLSConfig(opts.tlsClientConfig),
			http3pool.WithDialTimeout(opts.dialTimeout),
		),
		mixedpool.NewFactory(
			mixedpool.WithTLSConfig(opts.tlsClientConfig),
			mixedpool.WithDialTimeout(opts.dialTimeout),
		),
	}
}

func (opts *gridOptions) logger() *slog.Logger {
	if opts.logHandler == nil {
		return slog.Default()
	}
	return slog.New(opts.logHandler)
}
