//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func checkReadWrite(dir string) error {
	f, err := os.CreateTemp(dir, ".agentgate-access-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func setProcessGroup(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func forceKill(cmd *exec.Cmd) error { return terminate(cmd) }
