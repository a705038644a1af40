// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package plan translates a validated query into an ordered subprocess
// pipeline: which external tools to run, with which argv, in which
// working directory.
//
// The builder is a pure function of the query, the tool paths, and the
// caller-supplied temp directory — it never spawns anything and never
// touches the filesystem. Determinism matters: re-running the same
// query against the same inputs must produce byte-identical output, so
// the only per-call variation allowed is the temp path the caller
// provides.
package plan

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format is an output serialization for alignment or variant data.
type Format string

// Supported output formats. BAM is the default.
const (
	BAM  Format = "BAM"
	CRAM Format = "CRAM"
	SAM  Format = "SAM"
	VCF  Format = "VCF"
)

// Formats lists every supported output format, in the order reported
// to clients.
func Formats() []Format { return []Format{BAM, CRAM, SAM, VCF} }

// DefaultFormat is the format used when a query does not name one.
func DefaultFormat() Format { return BAM }

// TextualFormats lists the formats whose payload is line-oriented text
// rather than a binary container.
func TextualFormats() []Format { return []Format{SAM, VCF} }

// Textual reports whether the format's payload is text.
func (f Format) Textual() bool { return f == SAM || f == VCF }

// ParseFormat normalizes a client-supplied format string. The empty
// string maps to the default. Unknown values return an error suitable
// for a 4xx response.
func ParseFormat(value string) (Format, error) {
	if value == "" {
		return DefaultFormat(), nil
	}
	format := Format(strings.ToUpper(value))
	switch format {
	case BAM, CRAM, SAM, VCF:
		return format, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, value)
}

// FileRef identifies one input file. DataObject is the catalog's file
// name, used only for container-format sniffing; Path is the resolved
// filesystem location passed to the tools.
type FileRef struct {
	DataObject string
	Path       string
}

// cram reports whether the referenced file is a CRAM container. Any
// other extension is treated as BAM.
func (r FileRef) cram() bool {
	return strings.EqualFold(filepath.Ext(r.DataObject), ".cram")
}

// Query is the immutable input to the builder. Callers must not rely
// on the builder mutating it — it never does.
type Query struct {
	// Files is the non-empty list of input files.
	Files []FileRef

	// Regions restricts output to the named reference regions
	// (e.g. "chr1:100-200"). May be empty.
	Regions []string

	// Format is the requested output format. Empty means BAM.
	Format Format

	// Reference is the path to the reference FASTA. Required for VCF.
	Reference string
}

// Stage is one subprocess in the pipeline: an executable, its argv
// (excluding argv[0]), and an optional working directory.
type Stage struct {
	// Title labels the stage in logs ("alignment-view", "merge",
	// "markdup", "varcall").
	Title string

	// Executable is the resolved tool path.
	Executable string

	// Argv is the argument list, not including the executable itself.
	Argv []string

	// Dir is the stage's working directory. Empty means inherit. The
	// merge stage needs a private directory for its intermediate
	// files.
	Dir string
}

// Plan is the ordered stage list for one query. The last stage's
// stdout is the response body.
type Plan struct {
	Stages []Stage
}

// Tools holds the resolved paths of the external tools the builder
// composes.
type Tools struct {
	// Samtools reads and writes SAM/BAM/CRAM and slices regions.
	Samtools string

	// MarkDuplicates reads an alignment stream on stdin and marks
	// PCR/optical duplicates on stdout (biobambam2's
	// bammarkduplicates2).
	MarkDuplicates string

	// VariantCaller reads an alignment stream plus a reference FASTA
	// and emits VCF on stdout (freebayes).
	VariantCaller string
}

var (
	// ErrNoFiles means the query resolved to an empty file list.
	ErrNoFiles = errors.New("plan: query has no files")

	// ErrUnknownFormat means the requested format is not supported.
	ErrUnknownFormat = errors.New("plan: unknown format")

	// ErrInconsistentFormat means a merge query mixes BAM and CRAM
	// inputs, which samtools merge cannot combine.
	ErrInconsistentFormat = errors.New("plan: mixed BAM and CRAM inputs")

	// ErrMissingReference means a VCF query carries no reference
	// FASTA for the variant caller.
	ErrMissingReference = errors.New("plan: VCF output requires a reference")

	// ErrNoTempDir means a multi-file query was built without a
	// private temp directory for the merge stage.
	ErrNoTempDir = errors.New("plan: merge requires a temp directory")
)

// Build translates the query into a pipeline plan. tempDir is the
// per-request private directory for multi-file queries; it must be
// fresh per call and is unused for single-file queries.
func Build(query Query, tools Tools, tempDir string) (Plan, error) {
	format := query.Format
	if format == "" {
		format = DefaultFormat()
	}

	switch {
	case len(query.Files) == 0:
		return Plan{}, ErrNoFiles
	case len(query.Files) == 1:
		return buildSingle(query, format, tools)
	default:
		return buildMerge(query, format, tools, tempDir)
	}
}

// buildSingle plans the one- or two-stage pipeline for a single input
// file: a samtools view slice, optionally feeding the variant caller.
func buildSingle(query Query, format Format, tools Tools) (Plan, error) {
	argv := []string{"view", "-h"}
	argv = append(argv, outputFlag(format)...)

	path := query.Files[0].Path
	if path == "" {
		path = "-"
	}
	argv = append(argv, path)
	argv = append(argv, query.Regions...)

	stages := []Stage{{
		Title:      "alignment-view",
		Executable: tools.Samtools,
		Argv:       argv,
	}}

	if format == VCF {
		varcall, err := variantCallStage(query, tools)
		if err != nil {
			return Plan{}, err
		}
		stages = append(stages, varcall)
	}

	return Plan{Stages: stages}, nil
}

// buildMerge plans the three- or four-stage pipeline for multiple
// input files: merge, duplicate marking, a format-converting view, and
// optionally the variant caller. Regions and file paths are consumed
// by the merge stage; the view stage reads the merged stream from
// stdin.
func buildMerge(query Query, format Format, tools Tools, tempDir string) (Plan, error) {
	if tempDir == "" {
		return Plan{}, ErrNoTempDir
	}
	if err := checkConsistent(query.Files); err != nil {
		return Plan{}, err
	}

	mergeArgv := []string{"merge", "-u"}
	for _, region := range query.Regions {
		mergeArgv = append(mergeArgv, "-R", region)
	}
	mergeArgv = append(mergeArgv, "-")
	for _, file := range query.Files {
		mergeArgv = append(mergeArgv, file.Path)
	}

	markdupArgv := []string{
		"level=0",
		"verbose=0",
		"resetdupflag=1",
		"tmpfile=" + filepath.Join(tempDir, "markdup"),
		"M=/dev/null",
	}

	viewArgv := []string{"view", "-h"}
	viewArgv = append(viewArgv, outputFlag(format)...)
	viewArgv = append(viewArgv, "-")

	stages := []Stage{
		{Title: "merge", Executable: tools.Samtools, Argv: mergeArgv, Dir: tempDir},
		{Title: "markdup", Executable: tools.MarkDuplicates, Argv: markdupArgv},
		{Title: "alignment-view", Executable: tools.Samtools, Argv: viewArgv},
	}

	if format == VCF {
		varcall, err := variantCallStage(query, tools)
		if err != nil {
			return Plan{}, err
		}
		stages = append(stages, varcall)
	}

	return Plan{Stages: stages}, nil
}

// variantCallStage plans the terminal variant-calling stage. The
// caller reads the alignment stream on stdin (-c) against the query's
// reference. A region restriction is forwarded only when the query
// carries exactly one region — multi-region slicing already happened
// upstream.
func variantCallStage(query Query, tools Tools) (Stage, error) {
	if query.Reference == "" {
		return Stage{}, ErrMissingReference
	}

	argv := []string{"-c", "-f", query.Reference}
	if len(query.Regions) == 1 {
		argv = append(argv, "-r", query.Regions[0])
	}

	return Stage{
		Title:      "varcall",
		Executable: tools.VariantCaller,
		Argv:       argv,
	}, nil
}

// outputFlag returns the samtools view output flag for the format:
// -b for BAM (and for VCF, whose variant caller wants BAM on stdin),
// -C for CRAM, nothing for SAM.
func outputFlag(format Format) []string {
	switch format {
	case CRAM:
		return []string{"-C"}
	case SAM:
		return nil
	default:
		return []string{"-b"}
	}
}

// checkConsistent rejects merge inputs that mix BAM and CRAM.
func checkConsistent(files []FileRef) error {
	first := files[0].cram()
	for _, file := range files[1:] {
		if file.cram() != first {
			return fmt.Errorf("%w: %s", ErrInconsistentFormat, file.DataObject)
		}
	}
	return nil
}
