package goble

import (
	"encoding/binary"
	"fmt"
)

// The S4/Lite wire format frames every request and response:
//
//	offset 0  uint16 LE  total frame size (including size and CRC)
//	offset 2  byte       magic 0x3a
//	offset 3  uint16 LE  command
//	offset 5  uint32 LE  request id (echoed back in the response)
//	offset 9  ...        payload
//	last 2    uint16 BE  CRC-16/CCITT-FALSE over everything before it
const (
	frameMagic     = 0x3a
	frameHeaderLen = 9
	frameCRCLen    = 2
	frameMinLen    = frameHeaderLen + frameCRCLen
)

func buildFrame(cmd uint16, reqID uint32, payload []byte) []byte {
	size := frameMinLen + len(payload)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(size))
	buf[2] = frameMagic
	binary.LittleEndian.PutUint16(buf[3:5], cmd)
	binary.LittleEndian.PutUint32(buf[5:9], reqID)
	copy(buf[frameHeaderLen:], payload)
	crc := crc16(buf[:size-frameCRCLen])
	binary.BigEndian.PutUint16(buf[size-frameCRCLen:], crc)
	return buf
}

// frameComplete reports whether buf holds at least one full frame. Used by
// the transport to decide when to stop accumulating notification chunks.
func frameComplete(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	size := int(binary.LittleEndian.Uint16(buf[0:2]))
	return size >= frameMinLen && len(buf) >= size
}

func parseFrame(buf []byte) (cmd uint16, reqID uint32, payload []byte, err error) {
	if len(buf) < frameMinLen {
		return 0, 0, nil, fmt.Errorf("frame too short: %d bytes", len(buf))
	}
	size := int(binary.LittleEndian.Uint16(buf[0:2]))
	if size < frameMinLen || size > len(buf) {
		return 0, 0, nil, fmt.Errorf("frame size %d out of range (have %d bytes)", size, len(buf))
	}
	if buf[2] != frameMagic {
		return 0, 0, nil, fmt.Errorf("bad frame magic 0x%02x", buf[2])
	}
	want := binary.BigEndian.Uint16(buf[size-frameCRCLen : size])
	if got := crc16(buf[:size-frameCRCLen]); got != want {
		return 0, 0, nil, fmt.Errorf("frame CRC mismatch: got 0x%04x, want 0x%04x", got, want)
	}
	cmd = binary.LittleEndian.Uint16(buf[3:5])
	reqID = binary.LittleEndian.Uint32(buf[5:9])
	payload = buf[frameHeaderLen : size-frameCRCLen]
	return cmd, reqID, payload, nil
}

// crc16 implements CRC-16/CCITT-FALSE (poly 0x1021, init 0xffff).
func crc16(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
