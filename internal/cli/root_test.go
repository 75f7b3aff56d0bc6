package cli

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := NewRoot(logger)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Fatalf("expected version output, got %q", out.String())
	}
}

func TestRootListsCommands(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := NewRoot(logger)

	names := map[string]bool{}
	for _, command := range root.Commands() {
		names[command.Name()] = true
	}
	for _, want := range []string{"serve", "replay", "version"} {
		if !names[want] {
			t.Fatalf("expected %s command to be registered", want)
		}
	}
}
