// Package regproto implements the fixed subset of the register protocol
// spoken by the inverter: read-holding-registers (function code 3) and
// write-multiple-registers (function code 16), framed as
// [unit:1][function:1][payload:N][crc:2] with a little-endian CRC-16
// (poly 0xA001, seed 0xFFFF) trailer.
//
// This is deliberately not a general-purpose register-protocol library —
// only the two function codes and fixed register shapes the inverter uses.
package regproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// DefaultUnit is the unit/slave address the inverter answers to.
	DefaultUnit uint8 = 1

	funcReadHoldingRegisters   uint8 = 0x03
	funcWriteMultipleRegisters uint8 = 0x10

	exceptionBit uint8 = 0x80
)

// Sentinel errors for the parse-failure categories in §4.1/§7.
var (
	ErrShortFrame = errors.New("regproto: frame shorter than 5 bytes")
	ErrException  = errors.New("regproto: protocol exception response")
	ErrByteCount  = errors.New("regproto: declared byte count inconsistent with frame length")
	ErrCRC        = errors.New("regproto: CRC mismatch")
)

// CRC16 computes the register-protocol CRC-16 (poly 0xA001, seed 0xFFFF)
// over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	var trailer [2]byte
	binary.LittleEndian.PutUint16(trailer[:], crc)
	return append(frame, trailer[:]...)
}

// BuildReadRequest builds an 8-byte read-holding-registers request for the
// given unit, reading count words starting at address.
func BuildReadRequest(unit uint8, address, count uint16) []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame, unit, funcReadHoldingRegisters)
	var fields [4]byte
	binary.BigEndian.PutUint16(fields[0:2], address)
	binary.BigEndian.PutUint16(fields[2:4], count)
	frame = append(frame, fields[:]...)
	return appendCRC(frame)
}

// BuildWriteRequest builds an 11-byte write-multiple-registers request that
// writes a single 16-bit value at address. Only the single-register shape
// is required by this protocol.
func BuildWriteRequest(unit uint8, address, value uint16) []byte {
	frame := make([]byte, 0, 11)
	frame = append(frame, unit, funcWriteMultipleRegisters)
	var addrCount [4]byte
	binary.BigEndian.PutUint16(addrCount[0:2], address)
	binary.BigEndian.PutUint16(addrCount[2:4], 1) // register count
	frame = append(frame, addrCount[:]...)
	frame = append(frame, 2) // byte count of payload
	var val [2]byte
	binary.BigEndian.PutUint16(val[:], value)
	frame = append(frame, val[:]...)
	return appendCRC(frame)
}

// ParseResponse validates and decodes a raw response frame into its
// big-endian 16-bit words, following the five-step validation order from
// §4.1: length, exception bit, byte-count consistency, CRC, word split.
func ParseResponse(raw []byte) ([]uint16, error) {
	if len(raw) < 5 {
		return nil, ErrShortFrame
	}
	if raw[1]&exceptionBit != 0 {
		return nil, ErrException
	}

	byteCount := int(raw[2])
	if len(raw) < 3+byteCount {
		return nil, fmt.Errorf("%w: declared %d bytes, frame has %d", ErrByteCount, byteCount, len(raw))
	}

	payload := raw[:len(raw)-2]
	crcRecv := raw[len(raw)-2:]
	want := CRC16(payload)
	got := binary.LittleEndian.Uint16(crcRecv)
	if want != got {
		return nil, fmt.Errorf("%w: want %04x got %04x", ErrCRC, want, got)
	}

	data := raw[3 : 3+byteCount]
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd payload length %d", ErrByteCount, len(data))
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}
	return words, nil
}

// ToSigned interprets a raw 16-bit register word as a two's-complement
// signed integer: values >= 32768 map to value-65536.
func ToSigned(v uint16) int32 {
	if v >= 32768 {
		return int32(v) - 65536
	}
	return int32(v)
}

// FromSigned is the inverse of ToSigned, re-encoding a signed value that
// must fit in the 16-bit signed range back into a raw register word.
func FromSigned(v int32) uint16 {
	if v < 0 {
		v += 65536
	}
	return uint16(v)
}
