package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DefaultKillGrace is how long a terminated process group gets before
// SIGKILL.
const DefaultKillGrace = 3 * time.Second

// Jail builds agent invocations confined to one working directory. Every
// command it returns runs in Dir, leads its own process group and is torn
// down as a group when its context ends.
type Jail struct {
	Dir string
	// Env is appended to the inherited environment. PWD and TMPDIR stay
	// pinned regardless.
	Env []string
	// Shell runs argv through the platform shell (`sh -c`, or `cmd /c` on
	// windows) as a single escaped command line.
	Shell bool
	// KillGrace overrides DefaultKillGrace.
	KillGrace time.Duration
}

// Command returns an unstarted command for argv. Cancelling ctx terminates
// the whole group.
func (j *Jail) Command(ctx context.Context, argv []string) (*exec.Cmd, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("sandbox: empty command")
	}
	if j.Dir == "" {
		return nil, errors.New("sandbox: jail has no working directory")
	}

	if j.Shell {
		return j.shell(ctx, commandLine(runtime.GOOS, argv)), nil
	}
	return j.confine(exec.CommandContext(ctx, argv[0], argv[1:]...)), nil
}

// ShellCommand runs a raw user command line under the platform shell in
// the jail. Callers check IsCommandBlocked first.
func (j *Jail) ShellCommand(ctx context.Context, line string) (*exec.Cmd, error) {
	if strings.TrimSpace(line) == "" {
		return nil, errors.New("sandbox: empty command")
	}
	if j.Dir == "" {
		return nil, errors.New("sandbox: jail has no working directory")
	}
	return j.shell(ctx, line), nil
}

func (j *Jail) shell(ctx context.Context, line string) *exec.Cmd {
	argv := shellArgv(runtime.GOOS, line)
	return j.confine(exec.CommandContext(ctx, argv[0], argv[1:]...))
}

// confine pins cmd to the jail. Cancelling its context sends SIGTERM to
// the group and SIGKILL once the grace period passes.
func (j *Jail) confine(cmd *exec.Cmd) *exec.Cmd {
	grace := j.grace()
	cmd.Dir = j.Dir
	cmd.Env = j.buildEnv()
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		err := terminate(cmd)
		time.AfterFunc(grace, func() { forceKill(cmd) })
		return err
	}
	cmd.WaitDelay = grace
	return cmd
}

// shellArgv wraps line for the shell of goos.
func shellArgv(goos, line string) []string {
	if goos == "windows" {
		return []string{"cmd.exe", "/d", "/s", "/c", line}
	}
	return []string{"/bin/sh", "-c", line}
}

// commandLine escapes argv in the dialect of goos's shell.
func commandLine(goos string, argv []string) string {
	if goos == "windows" {
		return BuildSafeCommandLineCmd(argv)
	}
	return BuildSafeCommandLine(argv)
}

func (j *Jail) grace() time.Duration {
	if j.KillGrace > 0 {
		return j.KillGrace
	}
	return DefaultKillGrace
}

func (j *Jail) buildEnv() []string {
	env := make([]string, 0, len(os.Environ())+len(j.Env)+2)
	for _, list := range [][]string{os.Environ(), j.Env} {
		for _, kv := range list {
			if strings.HasPrefix(kv, "PWD=") || strings.HasPrefix(kv, "TMPDIR=") {
				continue
			}
			env = append(env, kv)
		}
	}
	return append(env, "PWD="+j.Dir, "TMPDIR="+os.TempDir())
}
