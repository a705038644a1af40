// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package manifest models GA4GH-style redirect manifests and walks
// them: a JSON document listing URIs whose bodies, fetched in order
// and concatenated, form one continuous data stream.
//
// Manifests come in two shapes — the htsget envelope
// ({"htsget": {"format": ..., "urls": [...]}}) and the bare form
// ({"urls": [...]}) — and their url entries may be ordinary http(s)
// URLs or inline data: URIs carrying small chunks (typically container
// headers and EOF blocks) directly in the manifest.
package manifest

import (
	"encoding/json"
	"fmt"
)

// URL is one entry in a manifest's url list.
type URL struct {
	// URL is an absolute or manifest-relative http(s) URL, or an
	// inline data: URI.
	URL string `json:"url"`

	// Headers are sent verbatim with the fetch of this entry
	// (typically authorization and byte-range headers).
	Headers map[string]string `json:"headers,omitempty"`
}

// Manifest is a parsed redirect manifest.
type Manifest struct {
	// Format names the payload serialization (BAM, CRAM, SAM, VCF),
	// when the server included it.
	Format string `json:"format,omitempty"`

	// URLs is the ordered list of chunks to fetch and concatenate.
	URLs []URL `json:"urls"`
}

// envelope is the htsget wrapper form.
type envelope struct {
	Htsget *Manifest `json:"htsget"`
}

// Parse decodes manifest bytes, accepting both the htsget envelope
// and the bare form.
func Parse(data []byte) (Manifest, error) {
	var wrapped envelope
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Htsget != nil {
		return *wrapped.Htsget, nil
	}

	var bare Manifest
	if err := json.Unmarshal(data, &bare); err != nil {
		return Manifest{}, fmt.Errorf("manifest: parsing: %w", err)
	}
	if len(bare.URLs) == 0 {
		return Manifest{}, fmt.Errorf("manifest: no urls")
	}
	return bare, nil
}
