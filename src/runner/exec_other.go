//go:build !linux

package runner

import (
	"os/exec"
	"syscall"
)

// sysProcAttr is the non-Linux fallback: Pdeathsig has no portable
// equivalent, matching src/process.Executor's exec_other.go.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func execCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = sysProcAttr()
	return cmd
}
