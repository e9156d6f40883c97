package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the capcall configuration file. Flags given on the command line
// override it.
type Config struct {
	Address     string   `yaml:"address"`
	SearchPath  []string `yaml:"search_path"`
	Interface   string   `yaml:"interface"`
	Object      string   `yaml:"object"`
	LogLevel    string   `yaml:"log_level"`
	MetricsAddr string   `yaml:"metrics_addr"`
	Output      string   `yaml:"output"`
}

func defaultConfig() Config {
	return Config{
		Address:   "127.0.0.1:7420",
		Interface: "store.yaml:Store",
		Object:    "store",
		LogLevel:  "warn",
		Output:    "json",
	}
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// apply copies every flag the user set explicitly into cfg.
func (cfg *Config) apply(flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "address":
			cfg.Address = f.Value.String()
		case "interface":
			cfg.Interface = f.Value.String()
		case "object":
			cfg.Object = f.Value.String()
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "metrics-addr":
			cfg.MetricsAddr = f.Value.String()
		case "output":
			cfg.Output = f.Value.String()
		case "search-path":
			cfg.SearchPath, err = flags.GetStringSlice("search-path")
		}
	})
	if err != nil {
		return err
	}
	switch cfg.Output {
	case "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", cfg.Output)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
