package iso7816

import (
	"bytes"
	"errors"
	"fmt"
)

// APDU (Application Protocol Data Unit) structures and encodings according to ISO/IEC 7816-3 and 7816-4.
//
// COMMAND APDU (C-APDU):
// A mandatory 4-byte header (CLA INS P1 P2) followed by an optional body
// (Lc, Data, Le).
//
// ENCODING CASES (ISO 7816-3):
// - Case 1: Header only.
// - Case 2: Header + Le.
// - Case 3: Header + Lc + Data.
// - Case 4: Header + Lc + Data + Le.
//
// LENGTH MODES:
//   - Short Length: Lc/Le on 1 byte (Max 255/256, Le 0x00 means 256).
//   - Extended Length: Lc on 3 bytes (00 + 2), Le on 2 bytes (3 when Lc is absent).
//     Max 65535/65536, Le 0x0000 means 65536.
//
// The reader and the chip must both support extended lengths. Whether that
// form may be used is a property of the link, see Client.ExtendedLength.
//
// RESPONSE APDU (R-APDU):
// Optional data followed by the 2-byte status word SW1 SW2.

// APDU Limits and Constants according to ISO 7816-3.
const (
	// MaxShortLc is the maximum data length (Nc) encodable in Short Length mode (1 byte).
	MaxShortLc = 255

	// MaxShortLe is the maximum expected response length (Ne) encodable in Short Length mode.
	MaxShortLe = 256

	// MaxExtendedLc is the limit for Lc in Extended mode (16-bit unsigned).
	MaxExtendedLc = 65535

	// MaxExtendedLe is the maximum Ne encodable in Extended Length mode.
	MaxExtendedLe = 65536
)

// ErrLengthNotSupported is returned when a command needs extended length
// fields but the link only allows the short form.
var ErrLengthNotSupported = errors.New("command requires extended length")

// CommandAPDU represents a command sent to the card.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int // Expected response length (0 means none)
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// Header returns the 4 header bytes CLA INS P1 P2.
func (c *CommandAPDU) Header() ([]byte, error) {
	class, err := c.Class.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode Class: %w", err)
	}
	return []byte{class, byte(c.Instruction.Raw), c.P1, c.P2}, nil
}

// IsExtended reports whether the command cannot be expressed in short form.
func (c *CommandAPDU) IsExtended() bool {
	return len(c.Data) > MaxShortLc || c.Ne > MaxShortLe
}

// Bytes encodes the command, choosing Extended encoding when Nc or Ne do not
// fit the Short form.
func (c *CommandAPDU) Bytes() ([]byte, error) {
	return c.Encode(true)
}

// Encode encodes the command. When allowExtended is false, a command that does
// not fit the Short form fails with ErrLengthNotSupported.
func (c *CommandAPDU) Encode(allowExtended bool) ([]byte, error) {
	nc := len(c.Data)
	ne := c.Ne

	if nc > MaxExtendedLc || ne > MaxExtendedLe || ne < 0 {
		return nil, fmt.Errorf("invalid lengths Nc=%d Ne=%d", nc, ne)
	}

	extended := c.IsExtended()
	if extended && !allowExtended {
		return nil, fmt.Errorf("%w: Nc=%d Ne=%d", ErrLengthNotSupported, nc, ne)
	}

	header, err := c.Header()
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(header)

	if nc > 0 {
		if extended {
			buf.Write([]byte{0x00, byte(nc >> 8), byte(nc)})
		} else {
			buf.WriteByte(byte(nc))
		}
		buf.Write(c.Data)
	}

	if ne > 0 {
		switch {
		case !extended:
			// 0x00 represents 256
			buf.WriteByte(byte(ne))
		default:
			// Case 2 Extended: a leading 00 distinguishes Le from Lc.
			if nc == 0 {
				buf.WriteByte(0x00)
			}
			// 0x0000 represents 65536
			buf.Write([]byte{byte(ne >> 8), byte(ne)})
		}
	}

	return buf.Bytes(), nil
}

// ParseCommandAPDU decodes a raw C-APDU in any of the seven ISO 7816-3 cases.
func ParseCommandAPDU(raw []byte) (*CommandAPDU, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("command too short: length %d", len(raw))
	}

	cla, err := NewClass(raw[0])
	if err != nil {
		return nil, err
	}
	ins, err := NewInstruction(InsCode(raw[1]))
	if err != nil {
		return nil, err
	}
	cmd := &CommandAPDU{Class: cla, Instruction: ins, P1: raw[2], P2: raw[3]}

	body := raw[4:]
	switch {
	case len(body) == 0:
		return cmd, nil

	case len(body) == 1:
		cmd.Ne = shortLe(body[0])
		return cmd, nil

	case body[0] != 0x00:
		nc := int(body[0])
		switch len(body) {
		case 1 + nc:
		case 2 + nc:
			cmd.Ne = shortLe(body[1+nc])
		default:
			return nil, fmt.Errorf("short command body length %d inconsistent with Lc %d", len(body), nc)
		}
		cmd.Data = body[1 : 1+nc]
		return cmd, nil

	case len(body) == 3:
		cmd.Ne = extendedLe(body[1], body[2])
		return cmd, nil

	default:
		if len(body) < 3 {
			return nil, fmt.Errorf("truncated extended command body")
		}
		nc := int(body[1])<<8 | int(body[2])
		switch len(body) {
		case 3 + nc:
		case 5 + nc:
			cmd.Ne = extendedLe(body[3+nc], body[4+nc])
		default:
			return nil, fmt.Errorf("extended command body length %d inconsistent with Lc %d", len(body), nc)
		}
		cmd.Data = body[3 : 3+nc]
		return cmd, nil
	}
}

func shortLe(b byte) int {
	if b == 0 {
		return MaxShortLe
	}
	return int(b)
}

func extendedLe(hi, lo byte) int {
	ne := int(hi)<<8 | int(lo)
	if ne == 0 {
		return MaxExtendedLe
	}
	return ne
}

// String returns a readable representation of the command meta-data.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s | %s | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Class.Verbose(), c.Instruction.Verbose(), c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU parses raw bytes received from the card into a ResponseAPDU.
// The input must contain at least 2 bytes (SW1, SW2).
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("response too short: length %d", len(raw))
	}

	indexSW1 := len(raw) - 2
	return &ResponseAPDU{
		Data:   raw[:indexSW1],
		Status: NewStatusWord(raw[indexSW1], raw[indexSW1+1]),
	}, nil
}

// Bytes encodes the response as Data || SW1 SW2.
func (r *ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}
