package main

import (
	"fmt"
	"os"
	"time"

	"github.com/erukolya/tionlink/internal/coordinator"
	"github.com/erukolya/tionlink/internal/session"
	"github.com/spf13/cobra"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously poll the breezer state",
	Long: `Keep a supervised connection to the breezer and print its state on
every keep-alive poll. Reconnects automatically after link failures,
backing off while the breezer is unresponsive.

Press Ctrl+C to stop.

Examples:
  tionlink watch --config tion.yaml
  tionlink watch --address EF:12:34:56:78:9A --interval 30s`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchInterval time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Keep-alive poll interval (overrides config)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if watchInterval > 0 {
		cfg.KeepAlive = watchInterval
	}

	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sess, err := newSession(cfg, logger)
	if err != nil {
		return err
	}

	registry := session.NewRegistry(logger)
	if err := registry.Add(sess); err != nil {
		sess.Shutdown()
		return err
	}
	defer registry.ShutdownAll()

	coord := coordinator.New(sess, cfg.KeepAlive, logger)
	coord.Subscribe(func(st session.State, err error) {
		fmt.Printf("--- %s %s\n", sess.Address(), time.Now().Format(time.RFC3339))
		if err != nil {
			renderError(os.Stderr, err)
			return
		}
		if renderErr := renderState(os.Stdout, st); renderErr != nil {
			logger.WithError(renderErr).Warn("Failed to render state")
		}
	})

	ctx, stop := signalContext()
	defer stop()

	coord.Start(ctx)
	defer coord.Stop()

	fmt.Fprintf(os.Stderr, "Watching %s (polling every %v). Press Ctrl+C to stop...\n",
		sess.Address(), cfg.KeepAlive)

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "\nStopping...")
	return nil
}
