package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	want := &Config{
		ListenAddr:     "127.0.0.1:7399",
		RepoDir:        "/tmp/repo",
		StateDir:       "/tmp/state",
		AgentNotifyURL: "http://127.0.0.1:9000/notify",
		LogFormat:      "text",
		LogLevel:       "debug",
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *want {
		t.Fatalf("got=%+v, want %+v", got, want)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		c    Config
		ok   bool
	}{
		{"valid", Config{ListenAddr: "127.0.0.1:7399", RepoDir: "/r"}, true},
		{"missing listen", Config{RepoDir: "/r"}, false},
		{"missing repo", Config{ListenAddr: ":1"}, false},
	}
	for _, tc := range cases {
		err := tc.c.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr": ":1"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "repo_dir") {
		t.Fatalf("Load: %v, want missing repo_dir", err)
	}
}

func TestResolvedStateDir(t *testing.T) {
	t.Parallel()

	c := &Config{StateDir: "/explicit"}
	if got := c.ResolvedStateDir(); got != "/explicit" {
		t.Fatalf("ResolvedStateDir=%q", got)
	}
	c.StateDir = "  "
	if got := c.ResolvedStateDir(); got == "" {
		t.Fatalf("ResolvedStateDir empty for default case")
	}
}

func TestLoadPolicy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := "finalize_requires_full: true\ndrift_window: 25\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if !p.FinalizeRequiresFull || p.DriftWindow != 25 {
		t.Fatalf("policy=%+v", p)
	}
}

func TestLoadPolicy_EmptyPathIsZeroPolicy(t *testing.T) {
	t.Parallel()

	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p != (ReviewPolicy{}) {
		t.Fatalf("policy=%+v, want zero", p)
	}
}

func TestLoadPolicy_Invalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("drift_window: -3\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatalf("LoadPolicy accepted negative drift_window")
	}

	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("LoadPolicy accepted missing explicit path")
	}
}
