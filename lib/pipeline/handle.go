// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/wtsi-npg/ranger/lib/plan"
)

// Handle wraps one external subprocess in the pipeline. It owns the
// child's lifecycle flag and stderr capture, and forwards kill
// requests to the child's process group.
//
// The child runs in its own process group so that a kill reaches the
// tool and anything it spawned — without Setpgid only the tool itself
// receives the signal, and helper children keep the pipeline's file
// descriptors open.
type Handle struct {
	title  string
	cmd    *exec.Cmd
	logger *slog.Logger

	// stdout is the read end of the child's stdout pipe. For
	// non-terminal stages it is handed to the next stage's stdin at
	// wiring time; for the terminal stage the engine reads it.
	stdout io.ReadCloser

	// stderr is the read end of the child's stderr pipe, drained by
	// the forwarder goroutine once the child is started.
	stderr io.Reader

	// stderrDone is closed when the stderr forwarder has drained the
	// pipe. Wait blocks on it so the child's last diagnostics are
	// logged before the exit status is recorded.
	stderrDone chan struct{}

	// closed is set exactly once, when Wait returns. After that,
	// Kill and ForceKill are no-ops.
	closed atomic.Bool
}

// newHandle prepares (but does not start) a subprocess for the given
// stage. The stderr pipe is created here; stdout wiring is done by the
// engine, which knows the stage's position in the chain.
func newHandle(stage plan.Stage, logger *slog.Logger) (*Handle, error) {
	cmd := exec.Command(stage.Executable, stage.Argv...)
	cmd.Dir = stage.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline: stderr pipe for %s: %w", stage.Title, err)
	}

	return &Handle{
		title:      stage.Title,
		cmd:        cmd,
		logger:     logger,
		stderr:     stderr,
		stderrDone: make(chan struct{}),
	}, nil
}

// Title returns the stage label used for log correlation.
func (h *Handle) Title() string { return h.title }

// Closed reports whether the child has been reaped. Used by the grace
// timer to decide which handles still need a forced kill.
func (h *Handle) Closed() bool { return h.closed.Load() }

// start launches the child and begins forwarding its stderr.
func (h *Handle) start() error {
	if err := h.cmd.Start(); err != nil {
		close(h.stderrDone)
		return fmt.Errorf("pipeline: starting %s: %w", h.title, err)
	}
	go h.forwardStderr()
	return nil
}

// Wait blocks until the child exits and its stderr is drained, then
// marks the handle closed. Returns nil on a clean zero exit, or an
// error describing the exit code, signal, or pipe failure. Must be
// called exactly once per started handle.
func (h *Handle) Wait() error {
	<-h.stderrDone
	err := h.cmd.Wait()
	h.closed.Store(true)
	return err
}

// Kill requests termination of the child's process group with
// SIGTERM, escalating to SIGKILL if the group cannot be signalled.
// Safe to call at any time: a no-op before start and after the child
// has been reaped.
func (h *Handle) Kill() {
	if h.closed.Load() || h.cmd.Process == nil {
		return
	}
	group := -h.cmd.Process.Pid
	if err := unix.Kill(group, unix.SIGTERM); err != nil {
		_ = unix.Kill(group, unix.SIGKILL)
	}
}

// ForceKill sends SIGKILL to the child's process group. The grace
// timer's last resort for handles that ignored Kill. No-op after the
// child has been reaped.
func (h *Handle) ForceKill() {
	if h.closed.Load() || h.cmd.Process == nil {
		return
	}
	_ = unix.Kill(-h.cmd.Process.Pid, unix.SIGKILL)
}

// forwardStderr surfaces the child's diagnostics to the log in
// near-real-time, one line per record, labelled with the stage title.
func (h *Handle) forwardStderr() {
	defer close(h.stderrDone)

	scanner := bufio.NewScanner(h.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.logger.Error("stage stderr", "stage", h.title, "line", scanner.Text())
	}
}
