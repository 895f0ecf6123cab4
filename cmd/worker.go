package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/websearch-control-plane/internal/config"
	"github.com/JakeFAU/websearch-control-plane/internal/server"
)

// runWorker is replaced in tests.
var runWorker = func(cmd *cobra.Command, cfg *config.Config) error {
	return server.RunWorker(cmd.Context(), cfg)
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume re-crawl tasks from Kafka and report results to Redis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if len(cfg.Kafka.Brokers) == 0 || cfg.Redis.Addr == "" {
				return errors.New("worker requires kafka.brokers and redis.addr")
			}
			return runWorker(cmd, cfg)
		},
	}
}
