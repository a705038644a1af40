// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wtsi-npg/ranger/lib/plan"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stage(title, script string) plan.Stage {
	return plan.Stage{Title: title, Executable: "sh", Argv: []string{"-c", script}}
}

func runPlan(t *testing.T, ctx context.Context, sink io.Writer, stages ...plan.Stage) Result {
	t.Helper()
	engine, err := New(plan.Plan{Stages: stages}, testLogger())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return engine.Run(ctx, sink)
}

func TestRunSingleStage(t *testing.T) {
	var sink bytes.Buffer
	result := runPlan(t, context.Background(), &sink,
		stage("producer", `printf 'hello world'`))

	if result.Truncated {
		t.Error("Truncated = true, want false")
	}
	if got := sink.String(); got != "hello world" {
		t.Errorf("sink = %q, want %q", got, "hello world")
	}
	want := md5.Sum([]byte("hello world"))
	if result.Checksum != hex.EncodeToString(want[:]) {
		t.Errorf("Checksum = %q, want %q", result.Checksum, hex.EncodeToString(want[:]))
	}
}

func TestRunChainedStages(t *testing.T) {
	var sink bytes.Buffer
	result := runPlan(t, context.Background(), &sink,
		stage("producer", `printf 'line one\nline two\n'`),
		stage("filter", `cat`),
		stage("tail", `cat`))

	if result.Truncated {
		t.Error("Truncated = true, want false")
	}
	want := "line one\nline two\n"
	if got := sink.String(); got != want {
		t.Errorf("sink = %q, want %q", got, want)
	}
	digest := md5.Sum([]byte(want))
	if result.Checksum != hex.EncodeToString(digest[:]) {
		t.Errorf("Checksum = %q, want digest of sink bytes", result.Checksum)
	}
}

func TestRunChecksumMatchesSink(t *testing.T) {
	// The digest must observe exactly what the sink received, first
	// chunk included, even for output larger than one pipe buffer.
	var sink bytes.Buffer
	result := runPlan(t, context.Background(), &sink,
		stage("producer", `i=0; while [ $i -lt 2000 ]; do printf 'chunk %08d of streamed data\n' $i; i=$((i+1)); done`),
		stage("tail", `cat`))

	if result.Truncated {
		t.Fatal("Truncated = true, want false")
	}
	digest := md5.Sum(sink.Bytes())
	if result.Checksum != hex.EncodeToString(digest[:]) {
		t.Errorf("Checksum = %q, want MD5 of the %d sink bytes", result.Checksum, sink.Len())
	}
}

func TestRunStageFailure(t *testing.T) {
	t.Run("terminal_nonzero_exit", func(t *testing.T) {
		var sink bytes.Buffer
		result := runPlan(t, context.Background(), &sink,
			stage("producer", `printf 'partial'; exit 3`))

		if !result.Truncated {
			t.Error("Truncated = false, want true")
		}
		if result.Checksum != "" {
			t.Errorf("Checksum = %q, want empty on failure", result.Checksum)
		}
	})

	t.Run("head_failure_propagates", func(t *testing.T) {
		var sink bytes.Buffer
		result := runPlan(t, context.Background(), &sink,
			stage("producer", `exit 1`),
			stage("filter", `cat`),
			stage("tail", `cat`))

		if !result.Truncated {
			t.Error("Truncated = false, want true")
		}
	})

	t.Run("middle_failure_kills_successor", func(t *testing.T) {
		// The failing middle stage must not leave the pipeline
		// deadlocked on its blocked consumer: the engine kills the
		// successor, whose own exit settles the run.
		var sink bytes.Buffer
		done := make(chan Result, 1)
		go func() {
			done <- runPlan(t, context.Background(), &sink,
				stage("producer", `printf 'data'`),
				stage("filter", `exit 2`),
				stage("tail", `sleep 60`))
		}()

		select {
		case result := <-done:
			if !result.Truncated {
				t.Error("Truncated = false, want true")
			}
		case <-time.After(10 * time.Second):
			t.Fatal("pipeline did not settle after middle-stage failure")
		}
	})
}

func TestRunStartFailure(t *testing.T) {
	var sink bytes.Buffer
	result := runPlan(t, context.Background(), &sink,
		stage("producer", `printf 'data'`),
		plan.Stage{Title: "missing", Executable: "/nonexistent/ranger-tool", Argv: []string{"-"}})

	if !result.Truncated {
		t.Error("Truncated = false, want true")
	}
	if result.Checksum != "" {
		t.Errorf("Checksum = %q, want empty", result.Checksum)
	}
}

func TestRunClientDisconnect(t *testing.T) {
	t.Run("cancel_kills_head", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var sink bytes.Buffer
		done := make(chan Result, 1)
		go func() {
			done <- runPlan(t, ctx, &sink,
				stage("producer", `sleep 60`),
				stage("tail", `cat`))
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case result := <-done:
			if !result.Truncated {
				t.Error("Truncated = false, want true")
			}
		case <-time.After(10 * time.Second):
			t.Fatal("pipeline did not settle after cancellation")
		}
	})

	t.Run("already_cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var sink bytes.Buffer
		result := runPlan(t, ctx, &sink, stage("producer", `printf 'data'`))
		if !result.Truncated {
			t.Error("Truncated = false, want true")
		}
		if sink.Len() != 0 {
			t.Errorf("sink received %d bytes, want 0 (nothing was started)", sink.Len())
		}
	})
}

// failingWriter errors on the first write, like a response whose
// client has gone away.
type failingWriter struct{}

func (failingWriter) Write(data []byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestRunSinkError(t *testing.T) {
	done := make(chan Result, 1)
	go func() {
		done <- runPlan(t, context.Background(), failingWriter{},
			stage("producer", `while :; do printf 'xxxxxxxxxxxxxxxx'; done`))
	}()

	select {
	case result := <-done:
		if !result.Truncated {
			t.Error("Truncated = false, want true")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not settle after sink error")
	}
}

func TestHandleKillAfterClose(t *testing.T) {
	engine, err := New(plan.Plan{Stages: []plan.Stage{stage("producer", `true`)}}, testLogger())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	var sink bytes.Buffer
	engine.Run(context.Background(), &sink)

	handle := engine.Handles()[0]
	if !handle.Closed() {
		t.Fatal("Closed() = false after settlement")
	}
	// Must be no-ops, not signals to a recycled pid.
	handle.Kill()
	handle.ForceKill()
}
