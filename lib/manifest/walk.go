// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// ErrTruncated means a fetched chunk's response carried the
// data-truncated trailer set to "true": the server's pipeline failed
// mid-stream and the concatenated output is incomplete.
var ErrTruncated = errors.New("manifest: stream truncated by server")

// Walker fetches a manifest and concatenates its chunks.
type Walker struct {
	// Client performs the HTTP fetches. Defaults to
	// http.DefaultClient.
	Client *http.Client

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Walk fetches the manifest at manifestURL, then fetches each of its
// chunks in order and writes the bodies to out. Inline data: URIs are
// decoded locally; relative URLs are resolved against the manifest
// URL. Any chunk whose response reports data-truncated aborts the
// walk with ErrTruncated.
func (w *Walker) Walk(ctx context.Context, manifestURL string, out io.Writer) error {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return fmt.Errorf("manifest: parsing manifest URL: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return fmt.Errorf("manifest: building manifest request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("manifest: fetching manifest: %w", err)
	}
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	if err != nil {
		return fmt.Errorf("manifest: reading manifest: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("manifest: server returned %s for manifest", response.Status)
	}

	parsed, err := Parse(body)
	if err != nil {
		return err
	}

	w.Logger.Info("walking manifest",
		"url", manifestURL,
		"format", parsed.Format,
		"chunks", len(parsed.URLs),
	)
	return w.WalkManifest(ctx, parsed, base, out)
}

// WalkManifest fetches the chunks of an already-parsed manifest.
// base resolves relative chunk URLs; it may be nil when every chunk
// is absolute or inline.
func (w *Walker) WalkManifest(ctx context.Context, parsed Manifest, base *url.URL, out io.Writer) error {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	for i, chunk := range parsed.URLs {
		if IsDataURI(chunk.URL) {
			payload, err := DecodeDataURI(chunk.URL)
			if err != nil {
				return fmt.Errorf("manifest: chunk %d: %w", i, err)
			}
			if _, err := out.Write(payload); err != nil {
				return fmt.Errorf("manifest: writing chunk %d: %w", i, err)
			}
			continue
		}

		if err := w.fetchChunk(ctx, client, base, i, chunk, out); err != nil {
			return err
		}
	}
	return nil
}

// fetchChunk streams one remote chunk to out and checks the trailer
// verdict after the body is drained — trailers only arrive once the
// response has been read to EOF.
func (w *Walker) fetchChunk(ctx context.Context, client *http.Client, base *url.URL, index int, chunk URL, out io.Writer) error {
	target := chunk.URL
	if base != nil {
		resolved, err := base.Parse(chunk.URL)
		if err != nil {
			return fmt.Errorf("manifest: chunk %d URL: %w", index, err)
		}
		target = resolved.String()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("manifest: chunk %d request: %w", index, err)
	}
	for name, value := range chunk.Headers {
		request.Header.Set(name, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("manifest: fetching chunk %d: %w", index, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("manifest: chunk %d: server returned %s", index, response.Status)
	}

	written, err := io.Copy(out, response.Body)
	if err != nil {
		return fmt.Errorf("manifest: streaming chunk %d: %w", index, err)
	}

	if verdict := response.Trailer.Get("data-truncated"); verdict == "true" {
		return fmt.Errorf("%w (chunk %d after %d bytes)", ErrTruncated, index, written)
	}

	w.Logger.Debug("chunk complete",
		"chunk", index,
		"bytes", written,
		"checksum", response.Trailer.Get("checksum"),
	)
	return nil
}
