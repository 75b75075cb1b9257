package goble

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/erukolya/tionlink/internal/breezer"
)

// The S3 predates the framed protocol: requests and responses are fixed
// 20-byte packets with a one-byte start/end marker and no CRC.
//
//	request:  0x3d cmd args... pad 0x5a
//	response: 0xb3 0x10
//	  [2] fan speed (low nibble) | air mode (high nibble)
//	  [3] int8 target heater temperature
//	  [4] flags: bit0 heater enabled, bit1 power, bit3 sound
//	  [5] int8 outflow temperature
//	  [6] int8 intake temperature
//	  [7:9] uint16 LE filter days remaining
const (
	s3PacketLen   = 20
	s3ReqMarker   = 0x3d
	s3ReqTrailer  = 0x5a
	s3RspMarker   = 0xb3
	s3CmdStateGet = 0x01
	s3CmdStateSet = 0x02
)

type tionS3 struct {
	t *transport
}

// NewS3 creates a link handle for a Tion 3S breezer.
func NewS3(address string, logger *logrus.Logger) breezer.Breezer {
	return &tionS3{t: newTransport(address, logger)}
}

func (b *tionS3) Address() string { return b.t.address }

func (b *tionS3) Connect(ctx context.Context) error { return b.t.connect(ctx) }

func (b *tionS3) Disconnect() error { return b.t.disconnect() }

func (b *tionS3) ConnectionStatus() breezer.Status { return b.t.connectionStatus() }

func s3Complete(buf []byte) bool { return len(buf) >= s3PacketLen }

func (b *tionS3) Get(ctx context.Context) (breezer.RawSnapshot, error) {
	resp, err := b.t.request(ctx, s3Request(s3CmdStateGet, nil), s3Complete)
	if err != nil {
		return nil, err
	}
	return parseStateS3(resp)
}

func (b *tionS3) Set(ctx context.Context, fields breezer.Fields) (breezer.RawSnapshot, error) {
	current, err := b.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state before set: %w", err)
	}

	args, err := packStateS3(current, fields)
	if err != nil {
		return nil, err
	}

	resp, err := b.t.request(ctx, s3Request(s3CmdStateSet, args), s3Complete)
	if err != nil {
		return nil, err
	}
	return parseStateS3(resp)
}

func s3Request(cmd byte, args []byte) []byte {
	buf := make([]byte, s3PacketLen)
	buf[0] = s3ReqMarker
	buf[1] = cmd
	copy(buf[2:s3PacketLen-1], args)
	buf[s3PacketLen-1] = s3ReqTrailer
	return buf
}

func parseStateS3(buf []byte) (breezer.RawSnapshot, error) {
	if len(buf) < s3PacketLen {
		return nil, fmt.Errorf("state packet too short: %d bytes", len(buf))
	}
	if buf[0] != s3RspMarker {
		return nil, fmt.Errorf("bad state packet marker 0x%02x", buf[0])
	}

	flags := buf[4]
	power := flags&0x02 != 0
	heater := flags&0x01 != 0
	outTemp := int(int8(buf[5]))
	inTemp := int(int8(buf[6]))
	heaterTemp := int(int8(buf[3]))

	mode := "outside"
	if idx := int(buf[2] >> 4); idx < len(airModes) {
		mode = airModes[idx]
	}

	// The 3S does not report a heating-active flag; it heats whenever the
	// heater is enabled and the outflow has not reached the target yet.
	heating := power && heater && outTemp < heaterTemp

	return breezer.RawSnapshot{
		"model":         "S3",
		"state":         onOff(power),
		"heater":        onOff(heater),
		"sound":         onOff(flags&0x08 != 0),
		"heating":       onOff(heating),
		"mode":          mode,
		"heater_temp":   heaterTemp,
		"fan_speed":     int(buf[2] & 0x0f),
		"in_temp":       inTemp,
		"out_temp":      outTemp,
		"filter_remain": float64(binary.LittleEndian.Uint16(buf[7:9])),
	}, nil
}

func packStateS3(current breezer.RawSnapshot, fields breezer.Fields) ([]byte, error) {
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
	mode, err := pickString(fields, current, "mode")
	if err != nil {
		return nil, err
	}
	heaterTemp, err := pickInt(fields, current, "heater_temp")
	if err != nil {
		return nil, err
	}
	fanSpeed, err := pickInt(fields, current, "fan_speed")
	if err != nil {
		return nil, err
	}

	var flags byte
	if heater {
		flags |= 0x01
	}
	if power {
		flags |= 0x02
	}
	if sound {
		flags |= 0x08
	}

	args := make([]byte, 3)
	args[0] = byte(fanSpeed&0x0f) | byte(modeIndex(mode))<<4
	args[1] = byte(int8(heaterTemp))
	args[2] = flags
	return args, nil
}
