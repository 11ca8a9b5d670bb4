package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// TerminateGrace is how long a terminated process group gets between
// SIGTERM and SIGKILL.
var TerminateGrace = 500 * time.Millisecond

// ErrTerminated is returned by Wait when the process was stopped through Terminate
var ErrTerminated = errors.New("process terminated")

// Handle is a live external process. It is only valid between Start and
// the return of Wait.
type Handle struct {
	cmd *exec.Cmd

	mu         sync.Mutex
	done       bool
	terminated bool
}

// Start spawns argv with stdout and stderr wired to the given writers.
// Nil writers inherit the host streams.
func Start(argv []string, stdout, stderr io.Writer) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	return &Handle{cmd: cmd}, nil
}

// Pid returns the process id
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Wait blocks until the process exits
func (h *Handle) Wait() error {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.done = true
	terminated := h.terminated
	h.mu.Unlock()

	if terminated {
		return ErrTerminated
	}
	if err != nil {
		return fmt.Errorf("%s: %w", h.cmd.Path, err)
	}
	return nil
}

// Terminate stops the process and its children. It is safe to call more
// than once and after the process has exited.
func (h *Handle) Terminate() {
	h.mu.Lock()
	if h.done || h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.mu.Unlock()

	terminateProcess(h.cmd, TerminateGrace)
}
