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

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
)

// ErrEncoderUsed is returned by RequestEncoder.Encode when the encoder has
// already sent a request. An encoder is good for exactly one exchange.
var ErrEncoderUsed = errors.New("request encoder already used")

// RequestEncoder sends a request over the stream that a pool allocated for
// the caller. The response is fed to the ResponseDecoder that was passed to
// NewStream.
type RequestEncoder interface {
	// Encode sends req and relays the response to the caller's decoder.
	// It blocks until the response has been fully consumed, and may be
	// called at most once per encoder.
	Encode(req *http.Request) error
}

// ResponseDecoder is the caller-owned sink for a stream's response. The
// caller retains ownership; pools only borrow it for the duration of the
// exchange.
type ResponseDecoder interface {
	// DecodeHeaders delivers the response status and headers. endStream is
	// true if no body or trailers follow.
	DecodeHeaders(statusCode int, header http.Header, endStream bool)
	// DecodeData delivers a chunk of the response body. The slice is only
	// valid for the duration of the call. endStream is true on the final,
	// possibly empty, chunk when no trailers follow.
	DecodeData(data []byte, endStream bool)
	// DecodeTrailers delivers the response trailers and ends the stream.
	DecodeTrailers(header http.Header)
}

// ConnectionInfo carries metadata about the connection backing a stream.
type ConnectionInfo struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	// TLS holds the connection's TLS state, if the transport is encrypted.
	TLS *tls.ConnectionState
}

// RelayResponse pumps resp into decoder, honoring the decoder's
// end-of-stream conventions, and closes the response body. Pool
// implementations share this to translate an [http.Response] into decoder
// events.
func RelayResponse(decoder ResponseDecoder, resp *http.Response) error {
	defer resp.Body.Close()
	decoder.DecodeHeaders(resp.StatusCode, resp.Header, false)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			decoder.DecodeData(buf[:n], false)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if len(resp.Trailer) > 0 {
		decoder.DecodeTrailers(resp.Trailer)
		return nil
	}
	decoder.DecodeData(nil, true)
	return nil
}
