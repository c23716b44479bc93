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

package pool_test

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/upstreamlab/httpgrid/pool"
	"github.com/upstreamlab/httpgrid/pool/pooltesting"
)

func TestRelayResponse(t *testing.T) {
	t.Parallel()
	decoder := pooltesting.NewCapturingDecoder()
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("hello, grid")),
	}
	require.NoError(t, pool.RelayResponse(decoder, resp))
	require.Equal(t, http.StatusOK, decoder.StatusCode())
	require.Equal(t, "text/plain", decoder.Header().Get("Content-Type"))
	require.Equal(t, []byte("hello, grid"), decoder.Body())
}

func TestRelayResponseWithTrailers(t *testing.T) {
	t.Parallel()
	decoder := pooltesting.NewCapturingDecoder()
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
	}
	resp.Body = &trailerBody{
		Reader:  strings.NewReader("payload"),
		resp:    resp,
		trailer: http.Header{"Grpc-Status": []string{"0"}},
	}
	require.NoError(t, pool.RelayResponse(decoder, resp))
	require.Equal(t, []byte("payload"), decoder.Body())
	require.Equal(t, "0", decoder.Trailer().Get("Grpc-Status"))
}

// trailerBody populates the response's Trailer once the body is consumed,
// the way net/http transports do.
type trailerBody struct {
	io.Reader
	resp    *http.Response
	trailer http.Header
}

func (b *trailerBody) Read(data []byte) (int, error) {
	n, err := b.Reader.Read(data)
	if err == io.EOF && b.resp != nil {
		b.resp.Trailer = b.trailer
	}
	return n, err
}

func (b *trailerBody) Close() error {
	return nil
}
