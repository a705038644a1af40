// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package processor drives one streaming request from validated query
// to settled response: plan, pipeline, trailers, temp directory, and
// the post-disconnect grace sweep.
//
// Validation failures are returned to the caller before anything is
// spawned — the controller turns them into 4xx responses. Once the
// pipeline is running, errors are never converted back to a status
// code: the outcome travels in the data-truncated trailer and the end
// callback.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/wtsi-npg/ranger/lib/clock"
	"github.com/wtsi-npg/ranger/lib/pipeline"
	"github.com/wtsi-npg/ranger/lib/plan"
)

// Response is the streaming destination the processor drives: a byte
// sink plus the trailer protocol. trailer.Response implements it; the
// controller may wrap it (e.g. for compression of textual formats).
type Response interface {
	io.Writer

	// Declare announces the trailers. Must precede the first body
	// write.
	Declare() error

	// SetDataTruncation assigns the trailer values after the stream
	// settles.
	SetDataTruncation(truncated bool, checksum string) error
}

// Config holds the parameters for a Processor. Logger is required;
// the rest have defaults.
type Config struct {
	// Tools are the resolved external tool paths.
	Tools plan.Tools

	// TempBase is the directory under which per-request temp
	// directories are created. Defaults to the OS temp directory.
	TempBase string

	// Grace is how long subprocesses may keep draining after the
	// client disconnects before they are force-killed.
	Grace time.Duration

	// Clock drives the grace timer. Defaults to the real clock.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Processor executes streaming requests. Safe for concurrent use; all
// per-request state lives on the stack of Process.
type Processor struct {
	tools    plan.Tools
	tempBase string
	grace    time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a Processor from the config.
func New(cfg Config) *Processor {
	if cfg.Logger == nil {
		panic("processor: Logger is required")
	}

	tempBase := cfg.TempBase
	if tempBase == "" {
		tempBase = os.TempDir()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Processor{
		tools:    cfg.Tools,
		tempBase: tempBase,
		grace:    cfg.Grace,
		clock:    clk,
		logger:   cfg.Logger,
	}
}

// SupportedFormats lists the formats the processor can produce.
func (p *Processor) SupportedFormats() []plan.Format { return plan.Formats() }

// DefaultFormat is the format used when the query names none.
func (p *Processor) DefaultFormat() plan.Format { return plan.DefaultFormat() }

// TextualFormats lists the formats whose payload is text.
func (p *Processor) TextualFormats() []plan.Format { return plan.TextualFormats() }

// Process streams the query's data into the response.
//
// A validation or planning error is returned before anything is
// spawned, with no trailer declared and no byte written — the caller
// still owns the response. Otherwise Process declares the trailers,
// runs the pipeline, sets the trailer values from the settled result,
// removes the per-request temp directory, and invokes end exactly once
// with the truncation outcome.
//
// ctx must be the request context: its cancellation is the client-
// disconnect signal that stops the pipeline and arms the grace sweep.
func (p *Processor) Process(ctx context.Context, query plan.Query, response Response, end func(truncated bool)) error {
	if err := validate(query); err != nil {
		return err
	}

	// Multi-file queries merge through a private working directory,
	// created before the plan (the merge stage's cwd and the
	// duplicate marker's tmpfile both live in it) and removed after
	// settlement on every path.
	tempDir := ""
	cleanup := func() {
		if tempDir != "" {
			p.removeTempDir(tempDir)
			tempDir = ""
		}
	}
	defer cleanup()
	if len(query.Files) > 1 {
		dir, err := os.MkdirTemp(p.tempBase, "ranger-")
		if err != nil {
			return fmt.Errorf("processor: creating temp directory: %w", err)
		}
		tempDir = dir
	}

	built, err := plan.Build(query, p.tools, tempDir)
	if err != nil {
		return err
	}

	engine, err := pipeline.New(built, p.logger)
	if err != nil {
		return err
	}

	if err := response.Declare(); err != nil {
		return err
	}

	// Grace sweep: armed when the client hangs up, disarmed at
	// settlement. Any handle still unreaped when the timer fires is
	// force-killed; handles that drained in time are left alone.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			timer := p.clock.AfterFunc(p.grace, func() {
				p.forceKillRemaining(engine)
			})
			<-watchDone
			timer.Stop()
		case <-watchDone:
		}
	}()

	result := engine.Run(ctx, response)
	close(watchDone)

	if err := response.SetDataTruncation(result.Truncated, result.Checksum); err != nil {
		// The transport may have stripped the declaration (or the
		// client is long gone); the stream outcome still reaches the
		// caller via end.
		p.logger.Error("setting trailers", "error", err)
	}

	// The temp directory must be gone by the time the end callback
	// observes settlement.
	cleanup()
	end(result.Truncated)
	return nil
}

// validate fails fast on queries that can never stream: no files,
// unknown format, or a variant-calling request with no reference.
func validate(query plan.Query) error {
	if len(query.Files) == 0 {
		return plan.ErrNoFiles
	}
	if query.Format != "" {
		if _, err := plan.ParseFormat(string(query.Format)); err != nil {
			return err
		}
	}
	if query.Format == plan.VCF && query.Reference == "" {
		return plan.ErrMissingReference
	}
	return nil
}

// forceKillRemaining SIGKILLs every handle the grace period left
// behind.
func (p *Processor) forceKillRemaining(engine *pipeline.Engine) {
	for _, handle := range engine.Handles() {
		if !handle.Closed() {
			p.logger.Warn("grace period expired, force-killing stage", "stage", handle.Title())
			handle.ForceKill()
		}
	}
}

// removeTempDir deletes the per-request temp directory. Failure is
// logged and swallowed — the response outcome was already decided.
func (p *Processor) removeTempDir(dir string) {
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("removing temp directory", "dir", dir, "error", err)
	}
}
