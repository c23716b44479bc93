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

// Package httpgrid provides the connectivity-fallback layer of an HTTP
// client connection-pooling stack. A [Grid] owns a priority-ordered set of
// connection pools for one host and produces request streams by trying
// each tier in order, transparently retrying against the next tier when
// one fails to connect. With the default policy the grid tries HTTP/3 over
// QUIC first and falls back to a TCP pool that negotiates HTTP/2 or
// HTTP/1.1 via ALPN.
//
// Tiers are created lazily and deterministically, are never reordered, and
// are released together when the grid is closed. The grid also coordinates
// graceful draining: a caller can register a callback that fires exactly
// once, when every tier that existed at registration time has finished
// draining.
//
// Concrete tiers live in the [github.com/upstreamlab/httpgrid/http3pool]
// and [github.com/upstreamlab/httpgrid/mixedpool] packages; any
// implementation of the capability interface in
// [github.com/upstreamlab/httpgrid/pool] can occupy a tier via
// WithPoolFactories.
package httpgrid
