//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func isolate(*exec.Cmd) {}

// Without process groups, termination is a kill of the child itself.
func signalTerminate(pid int) error {
	return signalKill(pid)
}

func signalKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func exitInfo(ps *os.ProcessState) (code int, crashed bool) {
	if ps == nil {
		return -1, true
	}
	return ps.ExitCode(), false
}

func executable(os.FileInfo) bool {
	return true
}
