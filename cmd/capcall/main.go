// Command capcall serves and calls capability interfaces described by
// schema files.
//
//	capcall serve --address 127.0.0.1:7420 --metrics-addr :9100
//	capcall call put key=greeting value=hello
//	capcall call            # pick a method interactively
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wippyai/capbridge"
	"github.com/wippyai/capbridge/internal/demo"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:               "capcall",
	Short:             "capcall - call capability interfaces over the wire",
	PersistentPreRunE: before,
	SilenceUsage:      true,
}

var (
	configPath string
	cfg        = defaultConfig()
	logger     = zap.NewNop()
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.String("address", cfg.Address, "Address to serve on or connect to (host:port or multiaddr)")
	flags.StringSlice("search-path", nil, "Directories searched for schema files; the built-in store schema is used when empty")
	flags.String("log-level", cfg.LogLevel, "Log messages at or above this level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd, callCmd)
}

func before(cmd *cobra.Command, _ []string) error {
	loaded, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := loaded.apply(cmd.Flags()); err != nil {
		return err
	}
	cfg = loaded

	logger, err = newLogger(cfg.LogLevel)
	return err
}

// newContext builds a context over the configured schema search path.
func newContext(opts ...capbridge.Option) (*capbridge.Context, error) {
	base := []capbridge.Option{capbridge.WithLogger(logger)}
	if len(cfg.SearchPath) == 0 {
		base = append(base, capbridge.WithLoader(demo.Loader()), capbridge.WithSearchPath("schema"))
	} else {
		base = append(base, capbridge.WithSearchPath(cfg.SearchPath...))
	}
	return capbridge.New(append(base, opts...)...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
