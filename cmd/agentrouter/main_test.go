package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nAGENTROUTER_TEST_KEY=hello\n\nAGENTROUTER_TEST_EXISTING=ignored\nBADLINE\n=nokey\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGENTROUTER_TEST_KEY", "")
	os.Unsetenv("AGENTROUTER_TEST_KEY")
	t.Setenv("AGENTROUTER_TEST_EXISTING", "kept")

	loadDotEnv(path)

	if got := os.Getenv("AGENTROUTER_TEST_KEY"); got != "hello" {
		t.Fatalf("AGENTROUTER_TEST_KEY = %q, want hello", got)
	}
	if got := os.Getenv("AGENTROUTER_TEST_EXISTING"); got != "kept" {
		t.Fatalf("AGENTROUTER_TEST_EXISTING = %q, want kept", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	// Must not panic or create the file.
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}

func TestIsAddrInUse(t *testing.T) {
	if isAddrInUse(errors.New("listen tcp 127.0.0.1:18790: bind: address already in use")) != true {
		t.Fatal("expected addr-in-use detection from message")
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Fatal("unrelated error reported as addr in use")
	}
}

func TestHealthzURL(t *testing.T) {
	cases := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:18790", "http://127.0.0.1:18790/healthz"},
		{"", "http://127.0.0.1:18790/healthz"},
		{"http://example.com", "http://example.com/healthz"},
		{"https://example.com/", "https://example.com/healthz"},
	}
	for _, tc := range cases {
		if got := healthzURL(tc.addr); got != tc.want {
			t.Fatalf("healthzURL(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}
