package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDotEnvSetsConfigDefault(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("NIHONGO_AGENT_CONFIG=/srv/nihongo/agent.toml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("NIHONGO_AGENT_CONFIG", "")
	os.Unsetenv("NIHONGO_AGENT_CONFIG")

	loadDotEnv()
	if got := defaultConfigPath(); got != "/srv/nihongo/agent.toml" {
		t.Fatalf("config path = %q", got)
	}
}
