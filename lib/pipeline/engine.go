// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package pipeline chains external subprocesses with OS pipes and
// streams the terminal stage's stdout into a sink, computing an MD5
// digest of the streamed bytes in flight.
//
// The engine's job is fail-fast propagation and cleanup: a failed
// stage kills its immediate successor (its predecessors finalize on
// their own once the consumer dies), a sink error or client disconnect
// kills the head stage and lets the EOF cascade take the rest down,
// and every run settles with exactly one Result regardless of how it
// ended.
//
// Bytes are never buffered between stages — stage i's stdout file
// descriptor becomes stage i+1's stdin, so backpressure propagates
// through the kernel pipes all the way from the HTTP socket to the
// first tool.
package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/wtsi-npg/ranger/lib/plan"
)

// Result is the settled outcome of one pipeline run. Truncated means
// the sink may have received an incomplete byte stream; Checksum is
// the hex MD5 of everything written to the sink, present only when the
// run completed cleanly.
type Result struct {
	Truncated bool
	Checksum  string
}

// Engine runs one pipeline plan. Construct with New, run once with
// Run. Engines are single-use.
type Engine struct {
	stages []*Handle
	logger *slog.Logger
}

// New wires up (but does not start) the subprocess chain for the
// plan: each stage's stdout pipe becomes the next stage's stdin, so
// the children talk to each other directly through kernel pipes once
// started.
func New(p plan.Plan, logger *slog.Logger) (*Engine, error) {
	if len(p.Stages) == 0 {
		return nil, errors.New("pipeline: empty plan")
	}

	engine := &Engine{logger: logger}
	var upstream io.ReadCloser
	for _, stage := range p.Stages {
		handle, err := newHandle(stage, logger)
		if err != nil {
			return nil, err
		}
		if upstream != nil {
			handle.cmd.Stdin = upstream
		}
		stdout, err := handle.cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		handle.stdout = stdout
		upstream = stdout
		engine.stages = append(engine.stages, handle)
	}
	return engine, nil
}

// Handles returns the engine's stage handles, head first. The request
// processor uses this for the post-disconnect grace sweep.
func (e *Engine) Handles() []*Handle { return e.stages }

// ForceKill SIGKILLs every stage that has not yet been reaped.
func (e *Engine) ForceKill() {
	for _, stage := range e.stages {
		stage.ForceKill()
	}
}

// Run starts all stages, streams the terminal stage's stdout to the
// sink, and blocks until every stage has reached a terminal state.
// The digest accumulator observes exactly the byte sequence written to
// the sink. The sink is never closed by the engine.
//
// ctx is the request context: when it is cancelled (client
// disconnect), the head stage is killed and the downstream stages die
// from the stdin EOF cascade. Exactly one Result is returned per run.
func (e *Engine) Run(ctx context.Context, sink io.Writer) Result {
	// The destination may already be gone by the time the handles
	// were wired; don't start anything in that case.
	if ctx.Err() != nil {
		e.logger.Info("destination closed before pipeline start")
		return Result{Truncated: true}
	}

	started := 0
	for _, stage := range e.stages {
		if err := stage.start(); err != nil {
			e.logger.Error("stage failed to start", "stage", stage.title, "error", err)
			break
		}
		started++
	}
	if started < len(e.stages) {
		// Tear down the stages that did start. Their stdout has no
		// reader, so kill rather than wait for a drain.
		for _, stage := range e.stages[:started] {
			stage.Kill()
		}
		for _, stage := range e.stages[:started] {
			if err := stage.Wait(); err != nil {
				e.logger.Error("stage failed", "stage", stage.title, "error", err)
			}
		}
		return Result{Truncated: true}
	}

	// Watch for client disconnect: kill the head, the rest of the
	// chain follows from EOF.
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			e.logger.Info("destination closed, stopping pipeline", "stage", e.stages[0].title)
			e.stages[0].Kill()
		case <-runDone:
		}
	}()

	// Each non-terminal stage gets a waiter that records its outcome
	// and, on failure, kills the successor — failure must propagate
	// downstream without deadlocking on a blocked writer.
	exitErrs := make([]error, len(e.stages))
	var waiters sync.WaitGroup
	for i, stage := range e.stages[:len(e.stages)-1] {
		waiters.Add(1)
		go func(i int, stage *Handle) {
			defer waiters.Done()
			err := stage.Wait()
			exitErrs[i] = err
			if err != nil {
				e.logger.Error("stage failed", "stage", stage.title, "error", err)
				e.stages[i+1].Kill()
			}
		}(i, stage)
	}

	// Terminal stage: one read loop feeding both the digest and the
	// sink, so the checksum observes every byte the client sees,
	// first chunk included.
	terminal := e.stages[len(e.stages)-1]
	hasher := md5.New()
	_, copyErr := io.Copy(io.MultiWriter(hasher, sink), terminal.stdout)
	if copyErr != nil {
		e.logger.Error("streaming to destination", "error", copyErr)
		e.stages[0].Kill()
	}

	// Safe to reap the terminal stage now that its stdout is fully
	// consumed.
	if err := terminal.Wait(); err != nil {
		exitErrs[len(e.stages)-1] = err
		e.logger.Error("stage failed", "stage", terminal.title, "error", err)
	}
	waiters.Wait()

	if copyErr != nil {
		return Result{Truncated: true}
	}
	for _, err := range exitErrs {
		if err != nil {
			return Result{Truncated: true}
		}
	}
	return Result{
		Truncated: false,
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
	}
}
