package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSubprocessArgsAndContinue(t *testing.T) {
	script := writeScript(t, "echo \"$@\" >> args.log\necho reply\n")
	b, dir := newTestBackend(t, KindOpencode, Tool{
		Command:      script,
		PromptArgs:   []string{"run"},
		ExtraFlags:   []string{"--print-logs"},
		ContinueFlag: "-c",
	})
	for _, msg := range []string{"first", "second"} {
		res, err := b.Send(context.Background(), msg, Turn{})
		if err != nil {
			t.Fatalf("Send(%s): %v", msg, err)
		}
		if res.Text != "reply" {
			t.Errorf("text = %q, want reply", res.Text)
		}
	}
	lines := readLines(t, filepath.Join(dir, "args.log"))
	if lines[0] != "run first --print-logs" {
		t.Errorf("first argv = %q", lines[0])
	}
	if lines[1] != "run second --print-logs -c" {
		t.Errorf("second argv = %q, want continue flag", lines[1])
	}
}

func TestSubprocessShellMode(t *testing.T) {
	script := writeScript(t, "printf '%s|' \"$@\"\n")
	b, _ := newTestBackend(t, KindOpencode, Tool{Command: script, PromptArgs: []string{"run"}, Shell: true})
	res, err := b.Send(context.Background(), `fix "it"; $(whoami)`, Turn{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != `run|fix "it"; $(whoami)|` {
		t.Errorf("text = %q, want arguments passed through verbatim", res.Text)
	}
}

func TestSubprocessToolEnv(t *testing.T) {
	script := writeScript(t, "echo \"$OPENCODE_MODEL $PWD\"\n")
	b, dir := newTestBackend(t, KindOpencode, Tool{Command: script, Env: []string{"OPENCODE_MODEL=sonnet"}})
	res, err := b.Send(context.Background(), "x", Turn{})
	if err != nil {
		t.Fatal(err)
	}
	if want := "sonnet " + dir; res.Text != want {
		t.Errorf("text = %q, want %q", res.Text, want)
	}
}

func TestSubprocessStripsANSI(t *testing.T) {
	script := writeScript(t, "printf '\\033[32mgreen\\033[0m text\\n'\n")
	b, _ := newTestBackend(t, KindOpencode, Tool{Command: script})
	res, err := b.Send(context.Background(), "x", Turn{})
	if err != nil || res.Text != "green text" {
		t.Errorf("Send = %+v, %v", res, err)
	}
}

func TestSubprocessJSONEnvelope(t *testing.T) {
	script := writeScript(t, "echo \"$@\" >> args.log\necho '{\"result\":\" hi there \",\"session_id\":\"o-7\"}'\n")
	b, dir := newTestBackend(t, KindOpencode, Tool{Command: script, JSONOutput: true, ResumeFlag: "--session"})
	res, err := b.Send(context.Background(), "x", Turn{})
	if err != nil || res.Text != "hi there" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	if tok := b.Snapshot().ResumeToken; tok != "o-7" {
		t.Errorf("token = %q, want o-7", tok)
	}
	b.Send(context.Background(), "y", Turn{})
	lines := readLines(t, filepath.Join(dir, "args.log"))
	if lines[1] != "y --session o-7" {
		t.Errorf("second argv = %q", lines[1])
	}
}

func TestSubprocessJSONFallback(t *testing.T) {
	b, _ := newTestBackend(t, KindOpencode, Tool{Command: writeScript(t, "echo 'plain words'\n"), JSONOutput: true})
	res, err := b.Send(context.Background(), "x", Turn{})
	if err != nil || res.Text != "plain words" {
		t.Errorf("Send = %+v, %v", res, err)
	}
}

func TestSubprocessStdinHistory(t *testing.T) {
	script := writeScript(t, "cat > stdin.txt\necho reply\n")
	b, dir := newTestBackend(t, KindOpencode, Tool{Command: script})

	if _, err := b.Send(context.Background(), "first q", Turn{}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "stdin.txt"))
	if len(data) != 0 {
		t.Errorf("first stdin = %q, want empty", data)
	}

	b.Record("first q", "first a")
	if _, err := b.Send(context.Background(), "second", Turn{}); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "stdin.txt"))
	want := "User: first q\nAssistant: first a\nUser: second\n"
	if string(data) != want {
		t.Errorf("stdin = %q, want %q", data, want)
	}
}

func TestSubprocessNoStdinHistoryWithContinue(t *testing.T) {
	script := writeScript(t, "cat > stdin.txt\necho reply\n")
	b, dir := newTestBackend(t, KindOpencode, Tool{Command: script, ContinueFlag: "-c"})
	b.Record("q", "a")
	b.Send(context.Background(), "next", Turn{})
	data, _ := os.ReadFile(filepath.Join(dir, "stdin.txt"))
	if len(data) != 0 {
		t.Errorf("stdin = %q, want empty when the tool can continue natively", data)
	}
}

func TestSubprocessRetriesTransient(t *testing.T) {
	script := writeScript(t, `n=$(cat count 2>/dev/null || echo 0)
n=$((n+1))
echo $n > count
if [ $n -lt 2 ]; then
  echo "connect ECONNREFUSED 127.0.0.1:443" >&2
  exit 1
fi
echo ok
`)
	b, dir := newTestBackend(t, KindOpencode, Tool{Command: script})
	var attempts []int
	res, err := b.Send(context.Background(), "x", Turn{OnRetry: func(n int, err error, d time.Duration) {
		attempts = append(attempts, n)
	}})
	if err != nil || res.Text != "ok" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	if len(attempts) != 1 || attempts[0] != 1 {
		t.Errorf("retries = %v, want [1]", attempts)
	}
	if c := readLines(t, filepath.Join(dir, "count")); c[0] != "2" {
		t.Errorf("count = %v, want 2", c)
	}
}

func TestSubprocessPermanentFailure(t *testing.T) {
	script := writeScript(t, "echo x >> calls\necho 'not authorized: key sk-abcdefghijklmnopqrstuvwxyz' >&2\nexit 1\n")
	b, dir := newTestBackend(t, KindOpencode, Tool{Command: script})
	_, err := b.Send(context.Background(), "x", Turn{})
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if strings.Contains(err.Error(), "sk-abc") {
		t.Errorf("err leaked secret: %q", err)
	}
	if !strings.Contains(err.Error(), "not authorized") {
		t.Errorf("err = %q, want stderr", err)
	}
	if calls := readLines(t, filepath.Join(dir, "calls")); len(calls) != 1 {
		t.Errorf("calls = %d, want 1", len(calls))
	}
}

func TestSubprocessFailureFallsBackToStdout(t *testing.T) {
	b, _ := newTestBackend(t, KindOpencode, Tool{Command: writeScript(t, "echo 'bad flag'\nexit 1\n")})
	_, err := b.Send(context.Background(), "x", Turn{})
	if err == nil || !strings.Contains(err.Error(), "bad flag") {
		t.Errorf("err = %v, want stdout text", err)
	}
}

func TestSubprocessNotInstalled(t *testing.T) {
	b, _ := newTestBackend(t, KindOpencode, Tool{Command: "agentgate-no-such-cli"})
	_, err := b.Send(context.Background(), "x", Turn{})
	if err == nil || !strings.Contains(err.Error(), "not installed") {
		t.Errorf("err = %v, want not installed", err)
	}
}
