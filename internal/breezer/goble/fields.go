package goble

import (
	"fmt"

	"github.com/erukolya/tionlink/internal/breezer"
)

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// asBool accepts the value shapes callers submit for switch-like fields:
// real booleans and the wire-level "on"/"off" strings.
func asBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch x {
		case "on":
			return true, nil
		case "off":
			return false, nil
		}
		return false, fmt.Errorf("invalid switch value %q", x)
	default:
		return false, fmt.Errorf("invalid switch value of type %T", v)
	}
}

func asInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int8:
		return int(x), nil
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	case float32:
		return int(x), nil
	default:
		return 0, fmt.Errorf("invalid numeric value of type %T", v)
	}
}

// pickBool resolves a switch-like field: the requested change wins, the
// current raw snapshot supplies the fallback.
func pickBool(fields breezer.Fields, current breezer.RawSnapshot, fieldKey, rawKey string) (bool, error) {
	if v, ok := fields[fieldKey]; ok {
		b, err := asBool(v)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", fieldKey, err)
		}
		return b, nil
	}
	// "is_on" commands may also arrive under the wire name "state".
	if fieldKey != rawKey {
		if v, ok := fields[rawKey]; ok {
			b, err := asBool(v)
			if err != nil {
				return false, fmt.Errorf("field %q: %w", rawKey, err)
			}
			return b, nil
		}
	}
	if v, ok := current[rawKey]; ok {
		return asBool(v)
	}
	return false, nil
}

func pickInt(fields breezer.Fields, current breezer.RawSnapshot, key string) (int, error) {
	if v, ok := fields[key]; ok {
		n, err := asInt(v)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		return n, nil
	}
	if v, ok := current[key]; ok {
		return asInt(v)
	}
	return 0, nil
}

func pickString(fields breezer.Fields, current breezer.RawSnapshot, key string) (string, error) {
	if v, ok := fields[key]; ok {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("field %q: expected string, got %T", key, v)
		}
		return s, nil
	}
	if v, ok := current[key]; ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return "", nil
}
