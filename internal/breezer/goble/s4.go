package goble

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/erukolya/tionlink/internal/breezer"
)

// Command words of the framed S4-family protocol. Lite speaks the same
// framing with its own command set (see lite.go).
const (
	s4CmdStateGet uint16 = 0x3332
	s4CmdStateRsp uint16 = 0x3331
	s4CmdStateSet uint16 = 0x3230
)

// State payload layout shared by S4 and Lite:
//
//	offset 0  flags: bit0 power, bit1 heater enabled, bit2 sound, bit3 heating
//	offset 1  air mode (0 outside, 1 mixed, 2 recirculation)
//	offset 2  int8 target heater temperature
//	offset 3  fan speed (1..6)
//	offset 4  int8 intake temperature
//	offset 5  int8 outflow temperature
//	offset 6  uint32 LE filter time remaining, seconds
const state4PayloadLen = 10

const (
	flagPower   = 1 << 0
	flagHeater  = 1 << 1
	flagSound   = 1 << 2
	flagHeating = 1 << 3
)

var airModes = []string{"outside", "mixed", "recirculation"}

// tion4 implements breezer.Breezer for the framed S4-family protocol.
type tion4 struct {
	t     *transport
	model string

	cmdStateGet uint16
	cmdStateRsp uint16
	cmdStateSet uint16

	reqID atomic.Uint32
}

// NewS4 creates a link handle for a Tion 4S breezer.
func NewS4(address string, logger *logrus.Logger) breezer.Breezer {
	return &tion4{
		t:           newTransport(address, logger),
		model:       "S4",
		cmdStateGet: s4CmdStateGet,
		cmdStateRsp: s4CmdStateRsp,
		cmdStateSet: s4CmdStateSet,
	}
}

func (b *tion4) Address() string { return b.t.address }

func (b *tion4) Connect(ctx context.Context) error { return b.t.connect(ctx) }

func (b *tion4) Disconnect() error { return b.t.disconnect() }

func (b *tion4) ConnectionStatus() breezer.Status { return b.t.connectionStatus() }

func (b *tion4) Get(ctx context.Context) (breezer.RawSnapshot, error) {
	frame := buildFrame(b.cmdStateGet, b.reqID.Add(1), nil)
	resp, err := b.t.request(ctx, frame, frameComplete)
	if err != nil {
		return nil, err
	}

	cmd, _, payload, err := parseFrame(resp)
	if err != nil {
		return nil, fmt.Errorf("bad state response: %w", err)
	}
	if cmd != b.cmdStateRsp {
		return nil, fmt.Errorf("unexpected response command 0x%04x", cmd)
	}
	return parseState4(payload, b.model)
}

// Set reads the current state, applies the requested field changes on top
// of it, and writes the full state back. The device answers a set with a
// fresh state frame, which is returned to the caller.
func (b *tion4) Set(ctx context.Context, fields breezer.Fields) (breezer.RawSnapshot, error) {
	current, err := b.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state before set: %w", err)
	}

	payload, err := packState4(current, fields)
	if err != nil {
		return nil, err
	}

	frame := buildFrame(b.cmdStateSet, b.reqID.Add(1), payload)
	resp, err := b.t.request(ctx, frame, frameComplete)
	if err != nil {
		return nil, err
	}

	cmd, _, respPayload, err := parseFrame(resp)
	if err != nil {
		return nil, fmt.Errorf("bad set response: %w", err)
	}
	if cmd != b.cmdStateRsp {
		// Plain acknowledgement without state; the caller keeps its cache.
		return nil, nil
	}
	return parseState4(respPayload, b.model)
}

func parseState4(payload []byte, model string) (breezer.RawSnapshot, error) {
	if len(payload) < state4PayloadLen {
		return nil, fmt.Errorf("state payload too short: %d bytes", len(payload))
	}

	flags := payload[0]
	mode := "outside"
	if int(payload[1]) < len(airModes) {
		mode = airModes[payload[1]]
	}

	filterSeconds := binary.LittleEndian.Uint32(payload[6:10])

	return breezer.RawSnapshot{
		"model":         model,
		"state":         onOff(flags&flagPower != 0),
		"heater":        onOff(flags&flagHeater != 0),
		"sound":         onOff(flags&flagSound != 0),
		"heating":       onOff(flags&flagHeating != 0),
		"mode":          mode,
		"heater_temp":   int(int8(payload[2])),
		"fan_speed":     int(payload[3]),
		"in_temp":       int(int8(payload[4])),
		"out_temp":      int(int8(payload[5])),
		"filter_remain": float64(filterSeconds) / 86400.0,
	}, nil
}

func packState4(current breezer.RawSnapshot, fields breezer.Fields) ([]byte, error) {
	payload := make([]byte, state4PayloadLen)

	power, err := pickBool(fields, current, "is_on", "state")
	if err != nil {
		return nil, err
	}
	heater, err := pickBool(fields, current, "heater", "heater")
	if err != nil {
		return nil, err
	}
	sound, err := pickBool(fields, current, "sound", "sound")
	if err != nil {
		return nil, err
	}

	var flags byte
	if power {
		flags |= flagPower
	}
	if heater {
		flags |= flagHeater
	}
	if sound {
		flags |= flagSound
	}
	payload[0] = flags

	mode, err := pickString(fields, current, "mode")
	if err != nil {
		return nil, err
	}
	payload[1] = byte(modeIndex(mode))

	heaterTemp, err := pickInt(fields, current, "heater_temp")
	if err != nil {
		return nil, err
	}
	payload[2] = byte(int8(heaterTemp))

	fanSpeed, err := pickInt(fields, current, "fan_speed")
	if err != nil {
		return nil, err
	}
	payload[3] = byte(fanSpeed)

	return payload, nil
}

func modeIndex(mode string) int {
	for i, m := range airModes {
		if m == mode {
			return i
		}
	}
	return 0
}
