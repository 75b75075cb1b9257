package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/erukolya/tionlink/internal/breezer"
	"github.com/spf13/cobra"
)

// setCmd represents the set command
var setCmd = &cobra.Command{
	Use:   "set <field>=<value> [<field>=<value>...]",
	Short: "Change breezer settings",
	Long: `Apply one or more setting changes to the breezer and print the
resulting state.

Fields:
  state        on|off        power the breezer on or off
  heater       on|off        enable or disable the heater
  sound        on|off        enable or disable the buzzer
  fan_speed    1..6          fan speed
  heater_temp  0..30         target temperature in °C
  mode         outside|mixed|recirculation

Examples:
  tionlink set --address EF:12:34:56:78:9A state=on fan_speed=3
  tionlink set --config tion.yaml heater=on heater_temp=18`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSet,
}

var setJSON bool

func init() {
	setCmd.Flags().BoolVar(&setJSON, "json", false, "Output resulting state as JSON")
}

func runSet(cmd *cobra.Command, args []string) error {
	fields, err := parseFields(args)
	if err != nil {
		return err
	}

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

	st, err := sess.Apply(ctx, fields)
	if err != nil {
		return err
	}

	if setJSON {
		return renderStateJSON(st)
	}
	return renderState(os.Stdout, st)
}

// parseFields converts key=value arguments into a typed field set.
func parseFields(args []string) (breezer.Fields, error) {
	fields := make(breezer.Fields, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" || value == "" {
			return nil, fmt.Errorf("invalid field %q: expected <field>=<value>", arg)
		}

		switch key {
		case "state", "heater", "sound":
			switch value {
			case "on", "off":
				fields[key] = value
			default:
				return nil, fmt.Errorf("invalid value %q for %s: expected on or off", value, key)
			}
		case "fan_speed", "heater_temp":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q for %s: %w", value, key, err)
			}
			fields[key] = n
		case "mode":
			fields[key] = value
		default:
			return nil, fmt.Errorf("unknown field %q", key)
		}
	}
	return fields, nil
}
