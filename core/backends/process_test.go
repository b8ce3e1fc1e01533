package backends

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func envValue(env []string, key string) (string, bool) {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestCLIEnvironment(t *testing.T) {
	home := t.TempDir()
	profile := filepath.Join(home, "profile.env")
	if err := os.WriteFile(profile, []byte("CLAUDE_CODE_OAUTH_TOKEN=secret\n# comment\nEXTRA=\"quoted value\"\n"), 0o600); err != nil {
		t.Fatalf("failed to write profile: %v", err)
	}

	env, err := cliEnvironment(
		[]string{"PATH=/usr/bin:/custom/bin", "ANTHROPIC_API_KEY=ambient", "LANG=C"},
		CLIConfig{
			ProfileFile:   "~/profile.env",
			UnsetEnv:      []string{"ANTHROPIC_API_KEY"},
			PathFallbacks: []string{"~/.local/bin", "/usr/bin"},
		},
		home,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := envValue(env, "ANTHROPIC_API_KEY"); ok {
		t.Fatalf("expected conflicting variable to be removed")
	}
	if v, _ := envValue(env, "CLAUDE_CODE_OAUTH_TOKEN"); v != "secret" {
		t.Fatalf("expected profile credential, got %q", v)
	}
	if v, _ := envValue(env, "EXTRA"); v != "quoted value" {
		t.Fatalf("expected quoted profile value, got %q", v)
	}
	if v, _ := envValue(env, "LANG"); v != "C" {
		t.Fatalf("expected ambient variable to survive, got %q", v)
	}

	path, _ := envValue(env, "PATH")
	expected := []string{"/usr/bin", "/custom/bin", filepath.Join(home, ".local/bin")}
	if got := filepath.SplitList(path); !slices.Equal(got, expected) {
		t.Fatalf("expected PATH %v, got %v", expected, got)
	}
}

func TestCLIEnvironmentToleratesMissingProfile(t *testing.T) {
	_, err := cliEnvironment(nil, CLIConfig{ProfileFile: "/does/not/exist.env"}, "")
	if err != nil {
		t.Fatalf("expected missing profile to be ignored, got %v", err)
	}
}
