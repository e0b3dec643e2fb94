package main

import (
	"bufio"
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/ehrlich-b/agentgate/internal/agent"
	"github.com/ehrlich-b/agentgate/internal/transport"
)

var dbOptions = []agent.Option{{Label: "sqlite"}, {Label: "postgres", Description: "server"}, {Label: "mysql"}}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		line  string
		multi bool
		want  []string
	}{
		{"2\n", false, []string{"postgres"}},
		{"\n", false, []string{"sqlite"}},
		{"9\n", false, []string{"sqlite"}},
		{"abc", false, []string{"sqlite"}},
		{"3, 1\n", false, []string{"mysql"}},
		{"3, 1\n", true, []string{"mysql", "sqlite"}},
		{"x, 2\n", true, []string{"postgres"}},
	}
	for _, tt := range tests {
		got := parseChoice(tt.line, dbOptions, tt.multi)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseChoice(%q, multi=%v) = %v, want %v", tt.line, tt.multi, got, tt.want)
		}
	}
}

func TestPromptQuestion(t *testing.T) {
	var out bytes.Buffer
	in := bufio.NewReader(strings.NewReader("2\n"))
	got := promptQuestion(&out, in, transport.QuestionFrame{
		Header:  "Database",
		Text:    "Which db?",
		Options: dbOptions,
	})
	if !reflect.DeepEqual(got, []string{"postgres"}) {
		t.Errorf("answer = %v, want [postgres]", got)
	}
	for _, want := range []string{"[Database]", "Which db?", "2) postgres - server", "choice [1]: "} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("prompt missing %q:\n%s", want, out.String())
		}
	}
}
