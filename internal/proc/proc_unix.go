//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil || pgid <= 0 {
		_ = cmd.Process.Kill()
		return
	}
	// Negative pgid targets the launcher and every tool process it spawned.
	_ = unix.Kill(-pgid, unix.SIGTERM)
	go func() {
		time.Sleep(grace)
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}()
}
