//go:build unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolate puts the child in its own process group so the whole tree can be
// signalled at once.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTerminate asks the process group led by pid to exit.
func signalTerminate(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// signalKill force-kills the process group led by pid.
func signalKill(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	// Negative PID = the entire process group.
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Group already gone; fall back to the leader in case it never
		// became a group leader.
		err = unix.Kill(pid, sig)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	return err
}

// exitInfo maps a finished process to an exit code and whether it crashed.
// A signal death is reported as 128+signal.
func exitInfo(ps *os.ProcessState) (code int, crashed bool) {
	if ps == nil {
		return -1, true
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), true
	}
	return ps.ExitCode(), false
}

// executable reports whether the file mode has any execute bit.
func executable(info os.FileInfo) bool {
	return info.Mode().Perm()&0o111 != 0
}
