// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes identity digests of external tool binaries.
//
// Streamed output depends on exactly which samtools, duplicate-marker,
// and variant-caller builds served a request — the same query against
// a different tool build yields a different (equally valid) byte
// stream. The server hashes each resolved tool at startup and logs the
// digest, so a checksum mismatch reported by a client can be traced to
// a tool upgrade rather than data corruption.
package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashFile computes the BLAKE3 digest of the file at path. The file
// is streamed through the hash function (via io.Copy) to keep memory
// usage constant regardless of binary size.
func HashFile(path string) ([32]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return [32]byte{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// FormatDigest returns the hex-encoded string representation of a
// digest. This is the canonical format used in log output.
func FormatDigest(digest [32]byte) string {
	return hex.EncodeToString(digest[:])
}
