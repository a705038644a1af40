// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package controller is the HTTP surface of the ranger server: it
// parses queries, resolves them against the catalog, checks
// authorization, and hands the streaming work to the request
// processor.
//
// Error handling follows the streaming contract: everything that can
// be rejected is rejected before the first body byte, as a JSON error
// with a 4xx/5xx status. Once the processor has started writing, the
// outcome travels in the trailers instead.
package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/wtsi-npg/ranger/lib/catalog"
	"github.com/wtsi-npg/ranger/lib/plan"
	"github.com/wtsi-npg/ranger/lib/processor"
	"github.com/wtsi-npg/ranger/lib/trailer"
)

// Config holds the controller's collaborators. All fields are
// required.
type Config struct {
	// Catalog resolves names and accessions to file records.
	Catalog *catalog.Catalog

	// Processor executes the streaming pipelines.
	Processor *processor.Processor

	// Authorizer decides per-request access. Use AllowAll when no
	// auth layer is deployed.
	Authorizer Authorizer

	// Logger is the structured logger.
	Logger *slog.Logger
}

// Controller routes and serves the HTTP API.
type Controller struct {
	catalog    *catalog.Catalog
	processor  *processor.Processor
	authorizer Authorizer
	logger     *slog.Logger
}

// NewHandler builds the HTTP handler for the ranger API:
//
//	GET /file?name=...&format=...&region=...
//	GET /sample?accession=...&format=...&region=...
//	GET /ga4gh/sample/{accession}?format=...
func NewHandler(cfg Config) http.Handler {
	if cfg.Catalog == nil || cfg.Processor == nil || cfg.Authorizer == nil || cfg.Logger == nil {
		panic("controller: Catalog, Processor, Authorizer, and Logger are required")
	}

	c := &Controller{
		catalog:    cfg.Catalog,
		processor:  cfg.Processor,
		authorizer: cfg.Authorizer,
		logger:     cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /file", c.handleFile)
	mux.HandleFunc("GET /sample", c.handleSample)
	mux.HandleFunc("GET /ga4gh/sample/{accession}", c.handleManifest)
	return mux
}

// handleFile streams a single catalogued file.
func (c *Controller) handleFile(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		c.writeError(w, http.StatusBadRequest, fmt.Errorf("name parameter is required"))
		return
	}

	record, err := c.catalog.ByName(r.Context(), name)
	if err != nil {
		c.writeError(w, statusFor(err), err)
		return
	}

	c.stream(w, r, []catalog.Record{record})
}

// handleSample streams the merged data of every file catalogued under
// an accession.
func (c *Controller) handleSample(w http.ResponseWriter, r *http.Request) {
	accession := r.URL.Query().Get("accession")
	if accession == "" {
		c.writeError(w, http.StatusBadRequest, fmt.Errorf("accession parameter is required"))
		return
	}

	records, err := c.catalog.ByAccession(r.Context(), accession)
	if err != nil {
		c.writeError(w, statusFor(err), err)
		return
	}

	c.stream(w, r, records)
}

// handleManifest serves a GA4GH-style redirect manifest pointing the
// client back at the streaming endpoint for the accession.
func (c *Controller) handleManifest(w http.ResponseWriter, r *http.Request) {
	accession := r.PathValue("accession")

	format, err := plan.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}

	// The accession must exist for the manifest to be worth
	// following.
	if _, err := c.catalog.ByAccession(r.Context(), accession); err != nil {
		c.writeError(w, statusFor(err), err)
		return
	}

	values := url.Values{}
	values.Set("accession", accession)
	values.Set("format", string(format))

	manifest := map[string]any{
		"htsget": map[string]any{
			"format": string(format),
			"urls": []map[string]any{
				{"url": "/sample?" + values.Encode()},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(manifest); err != nil {
		c.logger.Error("writing manifest", "accession", accession, "error", err)
	}
}

// stream runs the full request path for the resolved records: query
// assembly, authorization, content negotiation, and the processor.
func (c *Controller) stream(w http.ResponseWriter, r *http.Request, records []catalog.Record) {
	format, err := plan.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := c.authorizer.Authorize(r.Context(), r, records); err != nil {
		c.writeError(w, http.StatusForbidden, err)
		return
	}

	files := make([]plan.FileRef, len(records))
	for i, record := range records {
		files[i] = plan.FileRef{DataObject: record.DataObject, Path: record.Path}
	}
	query := plan.Query{
		Files:     files,
		Regions:   r.URL.Query()["region"],
		Format:    format,
		Reference: records[0].Reference,
	}

	response := trailer.Wrap(w)
	sink := processor.Response(response)

	// Textual payloads compress well and clients ask for it; binary
	// containers are already compressed. The checksum trailer covers
	// the pre-compression bytes — what the client sees after
	// decoding.
	var compressor *gzip.Writer
	if format.Textual() && acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		compressor = gzip.NewWriter(response)
		sink = gzipResponse{Response: response, compressor: compressor}
	}
	w.Header().Set("Content-Type", contentType(format))

	err = c.processor.Process(r.Context(), query, sink, func(truncated bool) {
		c.logger.Info("stream settled",
			"path", r.URL.Path,
			"files", len(files),
			"format", format,
			"truncated", truncated,
		)
	})
	if err != nil {
		// Fail-fast path: nothing was declared or written, the
		// response is still ours.
		response.RemoveDeclaration()
		w.Header().Del("Content-Encoding")
		c.writeError(w, statusFor(err), err)
		return
	}

	if compressor != nil {
		if err := compressor.Close(); err != nil {
			c.logger.Error("flushing compressed stream", "error", err)
		}
	}
}

// gzipResponse routes body bytes through the compressor while leaving
// the trailer protocol on the underlying response.
type gzipResponse struct {
	processor.Response
	compressor *gzip.Writer
}

func (g gzipResponse) Write(data []byte) (int, error) {
	return g.compressor.Write(data)
}

// writeError sends a JSON error body. Setting Content-Type and a
// status code here is safe: every caller guarantees no body byte has
// been written yet.
func (c *Controller) writeError(w http.ResponseWriter, status int, err error) {
	c.logger.Info("request rejected", "status", status, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy to HTTP statuses: lookup misses
// are 404, query validation failures are 4xx, everything else is a
// server fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, plan.ErrNoFiles),
		errors.Is(err, plan.ErrUnknownFormat),
		errors.Is(err, plan.ErrInconsistentFormat),
		errors.Is(err, plan.ErrMissingReference):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// contentType maps a format to its response media type.
func contentType(format plan.Format) string {
	if format.Textual() {
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

// acceptsGzip reports whether the client advertised gzip support.
func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}
