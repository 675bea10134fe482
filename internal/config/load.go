package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Load builds the configuration from, in increasing precedence, built-in
// defaults, the config file, environment variables and args. A missing file
// is only an error when its path was given explicitly.
func Load(fs *flag.FlagSet, args []string) (*GatewayConfig, error) {
	path, explicit := configPath(args)
	c := &GatewayConfig{}
	if err := c.LoadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	c.ConfigFile = path
	fileMetrics := c.MetricsAddr
	c.SetDefaults()
	defaultMetrics := c.MetricsAddr
	c.ApplyEnv()
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	// An unset metrics address follows the final port.
	if fileMetrics == "" && c.MetricsAddr == defaultMetrics {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// configPath finds the config file named by -config or CONFIG_FILE.
func configPath(args []string) (string, bool) {
	for i, a := range args {
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if len(name) == len(a) || len(a)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v, true
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		return v, true
	}
	return DefaultConfigPath("gateway.yaml"), false
}
