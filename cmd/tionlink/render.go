package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/erukolya/tionlink/internal/session"
	"github.com/fatih/color"
)

var (
	onColor  = color.New(color.FgGreen)
	offColor = color.New(color.FgYellow)
	errColor = color.New(color.FgRed)
)

func renderOnOff(v bool) string {
	if v {
		return onColor.Sprint("on")
	}
	return offColor.Sprint("off")
}

// renderState prints a normalized breezer state as an aligned table.
func renderState(w io.Writer, st session.State) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if st.Model != "" {
		fmt.Fprintf(tw, "model\t%s\n", st.Model)
	}
	fmt.Fprintf(tw, "power\t%s\n", renderOnOff(st.IsOn))
	fmt.Fprintf(tw, "heater\t%s\n", renderOnOff(st.Heater))
	fmt.Fprintf(tw, "heating\t%s\n", renderOnOff(st.IsHeating))
	fmt.Fprintf(tw, "sound\t%s\n", renderOnOff(st.Sound))
	if st.Mode != "" {
		fmt.Fprintf(tw, "mode\t%s\n", st.Mode)
	}
	fmt.Fprintf(tw, "fan speed\t%d\n", st.FanSpeed)
	fmt.Fprintf(tw, "heater temp\t%d °C\n", st.HeaterTemp)
	fmt.Fprintf(tw, "in temp\t%d °C\n", st.InTemp)
	fmt.Fprintf(tw, "out temp\t%d °C\n", st.OutTemp)
	fmt.Fprintf(tw, "filter\t%d days\n", st.FilterRemain)
	return tw.Flush()
}

// renderStateJSON prints the state as indented JSON on stdout.
func renderStateJSON(st session.State) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(st.Snapshot())
}

func renderError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s: %v\n", errColor.Sprint("error"), err)
}
