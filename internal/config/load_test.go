package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("mcpgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.yaml")
	if err := os.WriteFile(path, []byte("port: 7000\npath: /rpc\nlog_level: warn\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PORT", "7100")

	c, err := Load(newFlagSet(), []string{"--config=" + path, "-port", "7200"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Path != "/rpc" {
		t.Fatalf("file value lost: %q", c.Path)
	}
	if c.LogLevel != "debug" {
		t.Fatalf("env did not override file: %q", c.LogLevel)
	}
	if c.Port != 7200 || c.MetricsAddr != ":7200" {
		t.Fatalf("flag did not override env: %d %q", c.Port, c.MetricsAddr)
	}
	if c.ConfigFile != path {
		t.Fatalf("config file = %q", c.ConfigFile)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := Load(newFlagSet(), []string{"-config", missing}); err == nil {
		t.Fatalf("missing explicit config accepted")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	if _, err := Load(newFlagSet(), []string{"-path", "rpc"}); err == nil {
		t.Fatalf("invalid path accepted")
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cases := []struct {
		args     []string
		want     string
		explicit bool
	}{
		{[]string{"-config", "a.yaml"}, "a.yaml", true},
		{[]string{"--config=b.toml", "-port", "1"}, "b.toml", true},
		{[]string{"-port", "1", "--", "-config", "c.yaml"}, DefaultConfigPath("gateway.yaml"), false},
		{[]string{"---config=d.yaml"}, DefaultConfigPath("gateway.yaml"), false},
	}
	for _, tc := range cases {
		got, explicit := configPath(tc.args)
		if got != tc.want || explicit != tc.explicit {
			t.Fatalf("%v: got %q %v", tc.args, got, explicit)
		}
	}
	t.Setenv("CONFIG_FILE", "/tmp/env.yaml")
	if got, explicit := configPath(nil); got != "/tmp/env.yaml" || !explicit {
		t.Fatalf("env path = %q %v", got, explicit)
	}
}
