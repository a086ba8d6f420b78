package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"crate/internal/config"
	"crate/internal/testsupport"
)

type device struct {
	name       string
	cfg        *config.Config
	configPath string
}

// newDevice writes a config for a device sharing the leveldb bucket at
// bucketDir with every other device in the test.
func newDevice(t *testing.T, name, bucketDir string) *device {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithDeviceID(name))
	cfg.Library.ID = "library-cli"
	cfg.Bucket.LevelDBDir = bucketDir
	cfg.Logging.Level = "error"
	cfg.Logging.Format = "json"

	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &device{name: name, cfg: cfg, configPath: path}
}

func (d *device) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLI(t, d.configPath, args...)
}

func (d *device) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := d.run(t, args...)
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", d.name, args, err, out)
	}
	return out
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

// publicKey extracts the key printed by `identity init`.
func publicKey(t *testing.T, output string) string {
	t.Helper()
	for _, line := range strings.Split(output, "\n") {
		if value, ok := strings.CutPrefix(line, "Public key: "); ok {
			return strings.TrimSpace(value)
		}
	}
	t.Fatalf("no public key in %q", output)
	return ""
}
