package regproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestBuildReadRequest(t *testing.T) {
	got := BuildReadRequest(1, 200, 40)
	want := []byte{0x01, 0x03, 0x00, 0xC8, 0x00, 0x28}
	crc := CRC16(want)
	want = append(want, byte(crc), byte(crc>>8))

	if !bytes.Equal(got, want) {
		t.Errorf("BuildReadRequest(1, 200, 40) = % x, want % x", got, want)
	}
}

func TestBuildWriteRequest(t *testing.T) {
	got := BuildWriteRequest(1, 301, 2)
	want := []byte{0x01, 0x10, 0x01, 0x2D, 0x00, 0x01, 0x02, 0x00, 0x02}
	crc := CRC16(want)
	want = append(want, byte(crc), byte(crc>>8))

	if !bytes.Equal(got, want) {
		t.Errorf("BuildWriteRequest(1, 301, 2) = % x, want % x", got, want)
	}
}

func TestParseResponse(t *testing.T) {
	payload := []byte{0x01, 0x03, 0x02, 0x00, 0x05}
	crc := CRC16(payload)
	frame := append(append([]byte{}, payload...), byte(crc), byte(crc>>8))

	words, err := ParseResponse(frame)
	if err != nil {
		t.Fatalf("ParseResponse: unexpected error %v", err)
	}
	if len(words) != 1 || words[0] != 5 {
		t.Errorf("ParseResponse words = %v, want [5]", words)
	}

	mutated := append([]byte{}, frame...)
	mutated[3] ^= 0xFF
	if _, err := ParseResponse(mutated); !errors.Is(err, ErrCRC) {
		t.Errorf("ParseResponse with mutated payload byte: err = %v, want ErrCRC", err)
	}
}

func TestParseResponseShortFrame(t *testing.T) {
	if _, err := ParseResponse([]byte{0x01, 0x03, 0x00}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("ParseResponse([]byte{...3 bytes}) err = %v, want ErrShortFrame", err)
	}
}

func TestParseResponseException(t *testing.T) {
	payload := []byte{0x01, 0x83, 0x02}
	crc := CRC16(payload)
	frame := append(payload, byte(crc), byte(crc>>8))

	if _, err := ParseResponse(frame); !errors.Is(err, ErrException) {
		t.Errorf("ParseResponse exception frame: err = %v, want ErrException", err)
	}
}

func TestParseResponseByteCountMismatch(t *testing.T) {
	// Declares 10 payload bytes but the frame is far shorter.
	frame := []byte{0x01, 0x03, 0x0A, 0x00, 0x01, 0xAA, 0xBB}
	if _, err := ParseResponse(frame); !errors.Is(err, ErrByteCount) {
		t.Errorf("ParseResponse byte-count mismatch: err = %v, want ErrByteCount", err)
	}
}

func TestSignedWordLaw(t *testing.T) {
	for x := 0; x < 65536; x += 37 { // sample across the domain, full range would be slow but exhaustive in spirit
		v := uint16(x)
		signed := ToSigned(v)
		if x >= 32768 {
			if signed != int32(x)-65536 {
				t.Fatalf("ToSigned(%d) = %d, want %d", x, signed, int32(x)-65536)
			}
		} else if signed != int32(x) {
			t.Fatalf("ToSigned(%d) = %d, want %d", x, signed, x)
		}

		if roundTripped := FromSigned(signed); roundTripped != v {
			t.Fatalf("FromSigned(ToSigned(%d)) = %d, want %d", x, roundTripped, x)
		}
	}
}

func TestSignedWordLawBoundaries(t *testing.T) {
	cases := []uint16{0, 1, 32767, 32768, 32769, 65535}
	for _, v := range cases {
		signed := ToSigned(v)
		if roundTripped := FromSigned(signed); roundTripped != v {
			t.Errorf("FromSigned(ToSigned(%d)) = %d, want %d", v, roundTripped, v)
		}
	}
}
