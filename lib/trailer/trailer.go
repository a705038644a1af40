// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package trailer reports streaming outcomes via HTTP trailers.
//
// A 200 OK with chunked transfer encoding is flushed before the first
// subprocess byte reaches the client, so a mid-stream failure can no
// longer change the status code. The trailer block is the only place
// left to say "this body is incomplete": after the body, the response
// carries data-truncated ("true" or "false") and checksum (the hex MD5
// of the body, or "null" on failure).
//
// The protocol invariant is declare-before-write, set-before-end: the
// Trailer header must be announced before the first body byte, and the
// trailer values must be assigned before the handler returns.
package trailer

import (
	"errors"
	"net/http"
)

// Trailer field names announced on every streamed response.
const (
	// TruncatedField reports whether the streamed body is incomplete.
	TruncatedField = "data-truncated"

	// ChecksumField carries the hex MD5 of the body bytes, or "null"
	// when the pipeline failed.
	ChecksumField = "checksum"
)

// Declaration is the value of the Trailer header announcing both
// trailer fields.
const Declaration = TruncatedField + "," + ChecksumField

var (
	// ErrHeadersAlreadySent is returned by Declare after the first
	// body write. Trailers can only be announced while the header
	// block is still open.
	ErrHeadersAlreadySent = errors.New("trailer: headers already sent")

	// ErrTrailerNotDeclared is returned by SetDataTruncation when
	// Declare was not called first. Undeclared trailers are silently
	// dropped by the transport, so setting them is a programmer error.
	ErrTrailerNotDeclared = errors.New("trailer: not declared")
)

// Response wraps an http.ResponseWriter and tracks the two pieces of
// state the trailer protocol depends on: whether any body byte has been
// written, and whether the trailers were declared.
//
// The controller wraps the response once, before routing; everything
// downstream writes through the wrapper.
type Response struct {
	http.ResponseWriter

	declared  bool
	wroteBody bool
}

// Wrap returns a Response tracking writes to w.
func Wrap(w http.ResponseWriter) *Response {
	return &Response{ResponseWriter: w}
}

// Write forwards to the underlying writer and records that the body
// has started. From this point Declare fails.
func (r *Response) Write(data []byte) (int, error) {
	if len(data) > 0 {
		r.wroteBody = true
	}
	return r.ResponseWriter.Write(data)
}

// Declare announces the data-truncated and checksum trailers via the
// Trailer header. Must be called before the first body write; returns
// ErrHeadersAlreadySent otherwise.
func (r *Response) Declare() error {
	if r.wroteBody {
		return ErrHeadersAlreadySent
	}
	r.Header().Set("Trailer", Declaration)
	r.declared = true
	return nil
}

// RemoveDeclaration undoes Declare, leaving the response as if no
// declaration was made. Idempotent; a no-op when nothing was declared.
// Used on error paths that replace the stream with a JSON error body.
func (r *Response) RemoveDeclaration() {
	r.Header().Del("Trailer")
	r.declared = false
}

// SetDataTruncation assigns the trailer values. checksum is the hex
// MD5 digest of the body, or "" on a truncated stream (sent on the
// wire as "null"). Returns ErrTrailerNotDeclared when Declare was not
// called first.
//
// The values take effect when the handler returns; if the transport
// stripped chunked encoding (e.g. a Content-Length error response),
// they are silently discarded, which is the intended behavior.
func (r *Response) SetDataTruncation(truncated bool, checksum string) error {
	if !r.declared {
		return ErrTrailerNotDeclared
	}

	truncatedValue := "false"
	if truncated {
		truncatedValue = "true"
	}
	if checksum == "" {
		checksum = "null"
	}

	r.Header().Set(TruncatedField, truncatedValue)
	r.Header().Set(ChecksumField, checksum)
	return nil
}

// Flush forwards to the underlying writer's Flusher, if any. The
// engine flushes after wiring so the 200 and header block reach the
// client before the first subprocess is necessarily producing output.
func (r *Response) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
