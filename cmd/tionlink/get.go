package main

import (
	"os"

	"github.com/spf13/cobra"
)

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Read the current breezer state",
	Long: `Connect to the breezer, read its current state and print it.

Examples:
  # Read using a config file
  tionlink get --config tion.yaml

  # Read a specific breezer directly
  tionlink get --address EF:12:34:56:78:9A --model S4

  # JSON output
  tionlink get --address EF:12:34:56:78:9A --json`,
	Args: cobra.NoArgs,
	RunE: runGet,
}

var getJSON bool

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "Output state as JSON")
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
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
	defer sess.Shutdown()

	ctx, stop := signalContext()
	defer stop()

	st, err := sess.ReadState(ctx)
	if err != nil {
		return err
	}

	if getJSON {
		return renderStateJSON(st)
	}
	return renderState(os.Stdout, st)
}
