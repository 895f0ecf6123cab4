package cmd

import (
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/websearch-control-plane/internal/config"
)

func stubLoad(t *testing.T, cfg config.Config, err error) *string {
	t.Helper()
	var gotPath string
	orig := loadConfig
	loadConfig = func(path string) (config.Config, error) {
		gotPath = path
		return cfg, err
	}
	t.Cleanup(func() { loadConfig = orig })
	return &gotPath
}

func TestServePassesLoadedConfig(t *testing.T) {
	path := stubLoad(t, config.Config{Server: config.ServerConfig{Port: 9999}}, nil)
	var got *config.Config
	orig := runApp
	runApp = func(_ *cobra.Command, cfg *config.Config) error {
		got = cfg
		return nil
	}
	t.Cleanup(func() { runApp = orig })

	root := newRootCmd()
	root.SetArgs([]string{"serve", "--config", "/etc/searchapi.yaml"})
	require.NoError(t, root.Execute())
	require.Equal(t, "/etc/searchapi.yaml", *path)
	require.NotNil(t, got)
	require.Equal(t, 9999, got.Server.Port)
}

func TestConfigErrorStopsCommand(t *testing.T) {
	stubLoad(t, config.Config{}, errors.New("webhook.secret must be set"))
	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	err := root.Execute()
	require.ErrorContains(t, err, "webhook.secret")
}

func TestWorkerRequiresBrokers(t *testing.T) {
	stubLoad(t, config.Config{}, nil)
	called := false
	orig := runWorker
	runWorker = func(*cobra.Command, *config.Config) error {
		called = true
		return nil
	}
	t.Cleanup(func() { runWorker = orig })

	root := newRootCmd()
	root.SetArgs([]string{"worker"})
	require.ErrorContains(t, root.Execute(), "kafka.brokers")
	require.False(t, called)
}
