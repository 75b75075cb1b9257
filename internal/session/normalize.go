package session

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/erukolya/tionlink/internal/breezer"
)

// State is the normalized device snapshot cached by the session and served
// to callers. It is replaced wholesale on every successful read, never
// partially mutated.
type State struct {
	Model     string
	IsOn      bool
	Heater    bool
	IsHeating bool
	Sound     bool
	Mode      string
	// HeaterTemp is the target temperature, InTemp/OutTemp the measured
	// intake and outflow temperatures, all in °C.
	HeaterTemp int
	FanSpeed   int
	InTemp     int
	OutTemp    int
	// FilterRemain is the filter life left in whole days, rounded up.
	FilterRemain int
}

// requiredKeys must all be present in a raw snapshot; a missing key is a
// codec contract violation, fatal for that read.
var requiredKeys = []string{
	"state", "heating", "heater", "heater_temp", "fan_speed",
	"in_temp", "out_temp", "filter_remain",
}

// Normalize derives a State from a raw snapshot. Pure and total over valid
// input; stable under re-derivation (Normalize(s.Snapshot()) == s).
func Normalize(raw breezer.RawSnapshot) (State, error) {
	var missing []string
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return State{}, fmt.Errorf("snapshot missing required fields: %s", strings.Join(missing, ", "))
	}

	heaterTemp, err := rawInt(raw, "heater_temp")
	if err != nil {
		return State{}, err
	}
	fanSpeed, err := rawInt(raw, "fan_speed")
	if err != nil {
		return State{}, err
	}
	inTemp, err := rawInt(raw, "in_temp")
	if err != nil {
		return State{}, err
	}
	outTemp, err := rawInt(raw, "out_temp")
	if err != nil {
		return State{}, err
	}
	filterRemain, err := rawFloat(raw, "filter_remain")
	if err != nil {
		return State{}, err
	}

	st := State{
		IsOn:         rawOn(raw, "state"),
		IsHeating:    rawOn(raw, "heating"),
		Heater:       rawOn(raw, "heater"),
		Sound:        rawOn(raw, "sound"),
		HeaterTemp:   heaterTemp,
		FanSpeed:     fanSpeed,
		InTemp:       inTemp,
		OutTemp:      outTemp,
		FilterRemain: int(math.Ceil(filterRemain)),
	}
	if model, ok := raw["model"].(string); ok {
		st.Model = model
	}
	if mode, ok := raw["mode"].(string); ok {
		st.Mode = mode
	}
	return st, nil
}

// Snapshot reconstructs the raw field mapping for a normalized state.
func (s State) Snapshot() breezer.RawSnapshot {
	return breezer.RawSnapshot{
		"model":         s.Model,
		"state":         onOff(s.IsOn),
		"heating":       onOff(s.IsHeating),
		"heater":        onOff(s.Heater),
		"sound":         onOff(s.Sound),
		"mode":          s.Mode,
		"heater_temp":   s.HeaterTemp,
		"fan_speed":     s.FanSpeed,
		"in_temp":       s.InTemp,
		"out_temp":      s.OutTemp,
		"filter_remain": float64(s.FilterRemain),
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// rawOn derives a boolean from a wire-level switch field: only the literal
// "on" (or true) counts as on.
func rawOn(raw breezer.RawSnapshot, key string) bool {
	switch v := raw[key].(type) {
	case string:
		return v == "on"
	case bool:
		return v
	default:
		return false
	}
}

func rawFloat(raw breezer.RawSnapshot, key string) (float64, error) {
	switch v := raw[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("snapshot field %q has non-numeric value of type %T", key, raw[key])
	}
}

func rawInt(raw breezer.RawSnapshot, key string) (int, error) {
	f, err := rawFloat(raw, key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}
