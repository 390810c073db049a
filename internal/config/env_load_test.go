package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScriptEnvMerge(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	t.Setenv("OS_ONLY", "osv")
	if err := os.WriteFile(dotenv, []byte("FILE_ONLY=fv\nCHAIN=${OS_ONLY}-x\nTOP=from-file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	cfgPath := filepath.Join(dir, "cfg.toml")
	data := "" +
		"use_os_env = true\n" +
		"env_files = [\".env\"]\n" +
		"env = [\"TOP=tv\"]\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0o644); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	c, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e, err := c.ScriptEnv()
	if err != nil {
		t.Fatalf("ScriptEnv: %v", err)
	}
	for k, want := range map[string]string{"OS_ONLY": "osv", "FILE_ONLY": "fv", "CHAIN": "osv-x", "TOP": "tv"} {
		if got, ok := e.Lookup(k); !ok || got != want {
			t.Fatalf("%s = %q (present %v), want %q", k, got, ok, want)
		}
	}
}

func TestScriptEnvWithoutHost(t *testing.T) {
	t.Setenv("OS_ONLY", "osv")
	c, err := Load(writeConfig(t, "use_os_env = false\nenv = [\"A=1\"]\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e, err := c.ScriptEnv()
	if err != nil {
		t.Fatalf("ScriptEnv: %v", err)
	}
	if got := strings.Join(e.Environ(), ","); got != "A=1" {
		t.Fatalf("environ = %q", got)
	}
}

func TestScriptEnvMissingFile(t *testing.T) {
	c, err := Load(writeConfig(t, "env_files = [\"nope.env\"]\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := c.ScriptEnv(); err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing env file error, got %v", err)
	}
}
