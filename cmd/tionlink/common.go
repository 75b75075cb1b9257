package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/erukolya/tionlink/internal/breezerfactory"
	"github.com/erukolya/tionlink/internal/session"
	"github.com/erukolya/tionlink/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// loadConfig reads the config file (if any) and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if address, _ := cmd.Flags().GetString("address"); address != "" {
		cfg.Device.Address = address
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Device.Model = model
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newSession builds a supervised session from the resolved config.
func newSession(cfg *config.Config, logger *logrus.Logger) (*session.Session, error) {
	factory, err := breezerfactory.NewFactory(cfg.Device.Model, cfg.Device.Address, logger)
	if err != nil {
		return nil, err
	}

	sess, err := session.New(factory, cfg.SessionOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", cfg.Device.Address, err)
	}
	return sess, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
