package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/config"
	"github.com/vnmchuo/ai-metering/internal/logging"
)

const (
	serviceName = "ai-metering"
	version     = "0.1.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meterd",
		Short:         "AI usage metering and quota enforcement service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newSeedCmd())
	return root
}

// bootstrap reads configuration and builds the logger. validate selects the
// full serve-time validation.
func bootstrap(validate bool) (*config.Config, *zap.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if validate {
		cfg, err = config.Load()
	} else {
		cfg, err = config.Read()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, log, nil
}
