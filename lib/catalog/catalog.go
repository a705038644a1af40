// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package catalog resolves logical file queries to filesystem paths.
//
// The catalog is the metadata store behind the HTTP surface: a file
// name or sample accession goes in, and the records needed to build a
// pipeline come out — the resolved path, the data-object name used for
// container-format sniffing, and (for variant calling) the reference
// FASTA path.
//
// Storage is a SQLite database via sqlitepool. Records are loaded with
// Put or bulk-imported from a JSONC manifest file; the request path
// only reads.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/wtsi-npg/ranger/lib/sqlitepool"
)

// Record is one catalogued file.
type Record struct {
	// DataObject is the file's name, used for format sniffing.
	DataObject string `json:"data_object"`

	// Path is the resolved filesystem path.
	Path string `json:"path"`

	// Accession groups the files of one sample.
	Accession string `json:"accession,omitempty"`

	// Reference is the path of the reference FASTA the file was
	// aligned against. Required for variant-calling queries.
	Reference string `json:"reference,omitempty"`
}

// ErrNotFound means the query matched no catalogued files.
var ErrNotFound = errors.New("catalog: no matching files")

// Catalog is a handle on the metadata store. Safe for concurrent use.
type Catalog struct {
	pool *sqlitepool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
    data_object TEXT NOT NULL UNIQUE,
    path        TEXT NOT NULL,
    accession   TEXT NOT NULL DEFAULT '',
    reference   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS files_accession ON files (accession);
`

// Open opens (creating if necessary) the catalog database at path.
// The caller must Close it.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return &Catalog{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (c *Catalog) Close() error {
	return c.pool.Close()
}

// Put adds or replaces a record, keyed by its data-object name.
func (c *Catalog) Put(ctx context.Context, record Record) error {
	if record.DataObject == "" || record.Path == "" {
		return fmt.Errorf("catalog: record needs data_object and path")
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO files (data_object, path, accession, reference)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (data_object) DO UPDATE
		 SET path = excluded.path,
		     accession = excluded.accession,
		     reference = excluded.reference`,
		&sqlitex.ExecOptions{
			Args: []any{record.DataObject, record.Path, record.Accession, record.Reference},
		})
	if err != nil {
		return fmt.Errorf("catalog: storing %s: %w", record.DataObject, err)
	}
	return nil
}

// ByName returns the single record whose data-object name matches.
// Returns ErrNotFound when the name is not catalogued.
func (c *Catalog) ByName(ctx context.Context, name string) (Record, error) {
	records, err := c.query(ctx,
		`SELECT data_object, path, accession, reference FROM files WHERE data_object = ?`,
		name)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, fmt.Errorf("%w: name %q", ErrNotFound, name)
	}
	return records[0], nil
}

// ByAccession returns every record for the sample accession, in
// data-object order so repeated queries build identical merge plans.
// Returns ErrNotFound when the accession is not catalogued.
func (c *Catalog) ByAccession(ctx context.Context, accession string) ([]Record, error) {
	records, err := c.query(ctx,
		`SELECT data_object, path, accession, reference FROM files
		 WHERE accession = ? ORDER BY data_object`,
		accession)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: accession %q", ErrNotFound, accession)
	}
	return records, nil
}

// query runs a SELECT over the files table and collects the results.
func (c *Catalog) query(ctx context.Context, sql string, args ...any) ([]Record, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, Record{
				DataObject: stmt.ColumnText(0),
				Path:       stmt.ColumnText(1),
				Accession:  stmt.ColumnText(2),
				Reference:  stmt.ColumnText(3),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: query: %w", err)
	}
	return records, nil
}
