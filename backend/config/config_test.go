package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Running.Port != 8082 || cfg.Session.FlushInterval != 5*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if !cfg.Editor.Capabilities.Bold || !slices.Equal(cfg.Editor.Capabilities.Headings, []int{1, 2, 3, 4}) {
		t.Fatalf("capabilities = %+v", cfg.Editor.Capabilities)
	}
	opts := cfg.RegistryOptions("i-1")
	if opts.Awareness.Timeout != 30*time.Second || opts.Replica != "server-i-1" {
		t.Fatalf("registry options = %+v", opts)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
Running:
  Port: 9000
Session:
  grace: 2s
Editor:
  capabilities:
    mathBlock: false
    headings: [1, 2]
`
	if err := os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("COLLAB_MYSQL_DSN", "user:pw@tcp(db:3306)/x")
	t.Setenv("COLLAB_SESSION_GRACE", "7s")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Running.Port != 9000 {
		t.Fatalf("port = %d", cfg.Running.Port)
	}
	if cfg.Mysql.DSN != "user:pw@tcp(db:3306)/x" {
		t.Fatalf("dsn = %q", cfg.Mysql.DSN)
	}
	if cfg.Session.Grace != 7*time.Second {
		t.Fatalf("grace = %v, env should win", cfg.Session.Grace)
	}
	caps := cfg.Editor.Capabilities
	if caps.MathBlock || !caps.Bold || !slices.Equal(caps.Headings, []int{1, 2}) {
		t.Fatalf("capabilities = %+v", caps)
	}
}
