package iso7816

import (
	"fmt"
)

// READ BINARY COMMAND LOGIC (ISO 7816-4):
// The READ BINARY command reads a slice of a transparent Elementary File.
//
// INS 'B0' (offset in P1-P2):
// - P1 bit 8 = 0: P1 bits 7-1 and P2 form a 15-bit offset into the current EF.
// - P1 bit 8 = 1: P1 bits 5-1 are a Short File Identifier (SFI) selecting the
//   EF implicitly, and P2 is an 8-bit offset.
//
// INS 'B1' (offset data object):
// - P1-P2 = 0000 targets the current EF.
// - The data field carries DO'54' with the offset, which lifts the 32767 limit.
// - The card answers with DO'53' wrapping the file content.

// MaxReadBinaryOffset is the largest offset encodable in P1-P2 with INS 'B0'.
const MaxReadBinaryOffset = 0x7FFF

// NewReadBinaryCommand creates a READ BINARY (B0) command for the current EF.
func NewReadBinaryCommand(cla Class, offset int, ne int) (*CommandAPDU, error) {
	if offset < 0 || offset > MaxReadBinaryOffset {
		return nil, fmt.Errorf("offset %d out of range for READ BINARY (max %d)", offset, MaxReadBinaryOffset)
	}

	ins, _ := NewInstruction(INS_READ_BINARY)
	return NewCommandAPDU(cla, ins, byte(offset>>8), byte(offset), nil, ne), nil
}

// NewReadBinarySFICommand creates a READ BINARY (B0) command that selects the
// EF through its short file identifier.
func NewReadBinarySFICommand(cla Class, sfi byte, offset byte, ne int) (*CommandAPDU, error) {
	if sfi == 0 || sfi > 30 {
		return nil, fmt.Errorf("invalid SFI %d", sfi)
	}

	ins, _ := NewInstruction(INS_READ_BINARY)
	return NewCommandAPDU(cla, ins, 0x80|sfi, offset, nil, ne), nil
}

// NewReadBinaryOffsetDOCommand creates a READ BINARY (B1) command carrying the
// offset in DO'54'. Used for offsets above MaxReadBinaryOffset.
func NewReadBinaryOffsetDOCommand(cla Class, offset int, ne int) (*CommandAPDU, error) {
	if offset < 0 || offset > 0xFFFFFF {
		return nil, fmt.Errorf("offset %d out of range", offset)
	}

	var value []byte
	switch {
	case offset > 0xFFFF:
		value = []byte{byte(offset >> 16), byte(offset >> 8), byte(offset)}
	case offset > 0xFF:
		value = []byte{byte(offset >> 8), byte(offset)}
	default:
		value = []byte{byte(offset)}
	}

	data := append([]byte{0x54, byte(len(value))}, value...)

	ins, _ := NewInstruction(INS_READ_BINARY_BER)
	return NewCommandAPDU(cla, ins, 0x00, 0x00, data, ne), nil
}

// ReadBinary builds the READ BINARY variant able to address offset.
func ReadBinary(cla Class, offset int, ne int) (*CommandAPDU, error) {
	if offset > MaxReadBinaryOffset {
		return NewReadBinaryOffsetDOCommand(cla, offset, ne)
	}
	return NewReadBinaryCommand(cla, offset, ne)
}
