//go:build linux

package runner

import (
	"os/exec"
	"syscall"
)

// sysProcAttr returns the process attributes used to fork/exec the action's
// command: Setpgid isolates the child into its own process group so a
// SIGKILL aimed at it doesn't also hit us, and Pdeathsig guards against the
// child outliving this runner if we die first, the same pairing
// src/process.Executor.ExecCommand sets for please's own subprocesses.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
		Setpgid:   true,
	}
}

func execCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = sysProcAttr()
	return cmd
}
