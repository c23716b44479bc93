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

// Package pool defines the capability interface that a protocol tier must
// implement to be usable by the connectivity grid in the
// [github.com/upstreamlab/httpgrid] package. A pool knows how to open and
// multiplex actual connections for a single host over one connection or
// protocol family; the grid is written against this interface alone and is
// oblivious to which concrete variant occupies a given tier.
package pool
