package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) *prompter {
	return &prompter{in: strings.NewReader(input), out: &bytes.Buffer{}}
}

func TestAsk_WithInput(t *testing.T) {
	p := newTestPrompter("hello\n")
	if got := p.ask("Name", "default"); got != "hello" {
		t.Errorf("ask() = %q, want hello", got)
	}
}

func TestAsk_EmptyUsesDefault(t *testing.T) {
	p := newTestPrompter("\n")
	if got := p.ask("Name", "fallback"); got != "fallback" {
		t.Errorf("ask() = %q, want fallback", got)
	}
}

func TestChoose_InvalidThenValid(t *testing.T) {
	p := newTestPrompter("9\n2\n")
	got := p.choose("Driver", []string{"sqlite", "postgres"}, 0)
	if got != "postgres" {
		t.Errorf("choose() = %q, want postgres", got)
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tc := range cases {
		p := newTestPrompter(tc.input)
		if got := p.confirm("Proceed?", tc.defaultYes); got != tc.want {
			t.Errorf("confirm(%q, %v) = %v, want %v", strings.TrimSpace(tc.input), tc.defaultYes, got, tc.want)
		}
	}
}

func TestAskInitQuestions_DefaultsFlowThrough(t *testing.T) {
	// Enter for every question, "1" for the driver choice, "n" for the
	// gateway confirm.
	p := newTestPrompter("\n1\n\n\n\nn\n")
	a := initDefaults()
	askInitQuestions(p, &a)

	if a.addr != ":8080" || a.storageDriver != "sqlite" || a.workspaceID != "default" {
		t.Errorf("answers = %+v", a)
	}
	if a.gatewayURL != "" {
		t.Errorf("gateway url = %q, want empty when declined", a.gatewayURL)
	}
}
