// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// dataURIPrefix marks an inline chunk.
const dataURIPrefix = "data:"

// IsDataURI reports whether the URL carries its payload inline.
func IsDataURI(uri string) bool {
	return strings.HasPrefix(uri, dataURIPrefix)
}

// DecodeDataURI extracts the payload of a data: URI. The mediatype
// and parameters before the comma are ignored except for the base64
// marker; without it, the payload is percent-decoded per RFC 2397.
func DecodeDataURI(uri string) ([]byte, error) {
	if !IsDataURI(uri) {
		return nil, fmt.Errorf("manifest: not a data URI: %q", truncateForError(uri))
	}

	meta, payload, found := strings.Cut(uri[len(dataURIPrefix):], ",")
	if !found {
		return nil, fmt.Errorf("manifest: data URI has no comma: %q", truncateForError(uri))
	}

	if strings.HasSuffix(meta, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("manifest: decoding base64 data URI: %w", err)
		}
		return decoded, nil
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("manifest: decoding data URI: %w", err)
	}
	return []byte(decoded), nil
}

// truncateForError keeps error messages readable when the URI embeds
// kilobytes of payload.
func truncateForError(uri string) string {
	if len(uri) > 64 {
		return uri[:64] + "..."
	}
	return uri
}
