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

package pool

import "fmt"

// Pool is a strategy object capable of producing request streams for a
// single host over some connection or protocol family.
//
// A Pool is a shared target: many stream requests may be outstanding
// against the same Pool at once. Implementations must be safe for
// concurrent use.
type Pool interface {
	// NewStream requests a new stream. The pool invokes exactly one of the
	// two callbacks per call: OnPoolReady once a stream can be created on an
	// established connection, or OnPoolFailure if the pool cannot connect.
	// Either callback may be invoked synchronously, before NewStream
	// returns; in that case NewStream returns a nil Cancellable.
	//
	// The decoder is borrowed, not owned. The caller must keep it alive
	// until a terminal callback is delivered or the request is cancelled.
	NewStream(decoder ResponseDecoder, callbacks Callbacks) Cancellable

	// HasActiveConnections reports whether the pool currently has any
	// established connections with active streams.
	HasActiveConnections() bool

	// AddDrainedCallback registers a function that the pool invokes exactly
	// once, when it has no remaining active or draining connections.
	AddDrainedCallback(drained func())

	// DrainConnections requests a graceful drain: in-flight streams run to
	// completion, but no new connections are established. Idempotent.
	DrainConnections()

	// Host returns a description of the host this pool connects to.
	Host() Host

	// Close releases all connections immediately. Closing a pool does not
	// count as draining it: callbacks registered with AddDrainedCallback
	// are not invoked on account of Close.
	Close()
}

// Factory creates a Pool for a host. The grid holds an ordered list of
// factories, one per tier, and invokes each at most once, lazily.
type Factory interface {
	New(host Host) Pool
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(host Host) Pool

func (f FactoryFunc) New(host Host) Pool {
	return f(host)
}

// Callbacks receives the terminal outcome of a NewStream call. Exactly one
// of the two methods is invoked per stream request, unless the request is
// cancelled first, in which case neither is.
type Callbacks interface {
	// OnPoolReady is invoked when a stream has been allocated on an
	// established connection. The encoder sends the caller's request over
	// that stream; the response is delivered to the ResponseDecoder given
	// to NewStream.
	OnPoolReady(encoder RequestEncoder, host Host, info ConnectionInfo, protocol Protocol)

	// OnPoolFailure is invoked when the pool cannot produce a stream. The
	// transportDetail is a free-form description of the underlying
	// transport error.
	OnPoolFailure(reason FailureReason, transportDetail string, host Host)
}

// Cancellable is the handle returned by NewStream, used to abort that
// specific stream request.
type Cancellable interface {
	// Cancel aborts the stream request. After Cancel returns, neither
	// callback will be invoked.
	Cancel(policy CancelPolicy)
}

// Host identifies the destination a pool connects to.
type Host struct {
	// Scheme is the URL scheme requests to this host use, such as "https".
	Scheme string
	// HostPort is the destination in "host:port" form.
	HostPort string
}

func (h Host) String() string {
	return h.Scheme + "://" + h.HostPort
}

// FailureReason classifies why a stream request failed.
type FailureReason int

const (
	// Overflow indicates the pool refused the stream due to resource
	// limits, without attempting a connection.
	Overflow = FailureReason(iota)
	// LocalConnectionFailure indicates a failure originating locally, such
	// as a pool that is draining or closed.
	LocalConnectionFailure
	// RemoteConnectionFailure indicates the remote host could not be
	// connected to.
	RemoteConnectionFailure
	// Timeout indicates the connection attempt timed out.
	Timeout
)

func (r FailureReason) String() string {
	switch r {
	case Overflow:
		return "overflow"
	case LocalConnectionFailure:
		return "local connection failure"
	case RemoteConnectionFailure:
		return "remote connection failure"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("FailureReason(%d)", r)
	}
}

// CancelPolicy controls what happens to connections in progress when a
// stream request is cancelled.
type CancelPolicy int

const (
	// CancelDefault cancels the stream request but allows any connection
	// being established to complete and be kept for reuse.
	CancelDefault = CancelPolicy(iota)
	// CloseExcess cancels the stream request and closes any connection
	// that is now in excess of demand.
	CloseExcess
)

func (p CancelPolicy) String() string {
	switch p {
	case CancelDefault:
		return "default"
	case CloseExcess:
		return "close excess"
	default:
		return fmt.Sprintf("CancelPolicy(%d)", p)
	}
}

// Protocol identifies the application protocol a pool negotiated.
type Protocol int

const (
	ProtocolUnknown = Protocol(iota)
	ProtocolHTTP11
	ProtocolHTTP2
	ProtocolHTTP3
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP11:
		return "HTTP/1.1"
	case ProtocolHTTP2:
		return "HTTP/2"
	case ProtocolHTTP3:
		return "HTTP/3"
	case ProtocolUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("Protocol(%d)", p)
	}
}
