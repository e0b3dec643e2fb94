//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func checkReadWrite(dir string) error {
	return unix.Access(dir, unix.R_OK|unix.W_OK)
}

func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup signals the whole process group led by cmd. Agents spawn
// their own children (tool shells, language servers); those die with it.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		return cmd.Process.Signal(sig)
	}
	return nil
}

func terminate(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGTERM) }
func forceKill(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGKILL) }
