// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// ImportFile bulk-loads records from a manifest file into the
// catalog, replacing records with matching data-object names. The
// manifest is a JSONC array (JSON extended with // line comments,
// /* block comments */, and trailing commas), so operators can
// annotate their manifests:
//
//	[
//	    // NA12878 validation runs
//	    {"data_object": "20818_1#888.bam", "path": "/data/20818_1#888.bam",
//	     "accession": "ABC123456", "reference": "/refs/hs38.fa"},
//	]
//
// Returns the number of records imported.
func (c *Catalog) ImportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("catalog: reading manifest: %w", err)
	}
	return c.Import(ctx, data)
}

// Import loads records from JSONC manifest bytes. See ImportFile.
func (c *Catalog) Import(ctx context.Context, data []byte) (int, error) {
	stripped := jsonc.ToJSON(data)

	var records []Record
	if err := json.Unmarshal(stripped, &records); err != nil {
		return 0, fmt.Errorf("catalog: parsing manifest: %w", err)
	}

	for i, record := range records {
		if err := c.Put(ctx, record); err != nil {
			return i, fmt.Errorf("catalog: manifest entry %d: %w", i, err)
		}
	}
	return len(records), nil
}
