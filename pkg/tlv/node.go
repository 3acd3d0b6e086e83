package tlv

import (
	"errors"
	"fmt"
)

// BER-TLV NODE CODEC (ISO/IEC 8825-1 subset used by ISO 7816 and ICAO 9303):
//
// TAG:
//   - Byte 1, bit 6: 0 = primitive, 1 = constructed.
//   - Byte 1, bits 5-1 all set (0x1F): the tag continues on following bytes,
//     each carrying bit 8 = 1 while more bytes follow. Tags are limited to 4 bytes.
//
// LENGTH:
//   - 0x00..0x7F: short form, the byte is the length.
//   - 0x81..0x84: long form, the low nibble counts the following length bytes.
//   - 0x80 (indefinite) and 0x85..0xFF are rejected.
//
// A constructed node's value is itself decoded as a sequence of sibling nodes.

var (
	ErrTruncatedInput = errors.New("truncated input")
	ErrInvalidTag     = errors.New("invalid tag")
	ErrInvalidLength  = errors.New("invalid length")
)

// ParseError reports where in the input a decoding failure happened.
type ParseError struct {
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tlv: %v at offset %d", e.Err, e.Offset)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Node is one decoded tag/length/value triple.
// For constructed nodes, Value holds the encoded children and Children the
// decoded ones. The length is always len(Value).
type Node struct {
	Tag      uint32
	Value    []byte
	Children []Node
}

// NewPrimitive builds a primitive node.
func NewPrimitive(tag uint32, value []byte) Node {
	return Node{Tag: tag, Value: value}
}

// NewConstructed builds a constructed node whose Value is the encoding of children.
func NewConstructed(tag uint32, children ...Node) Node {
	var value []byte
	for _, c := range children {
		value = append(value, Encode(c)...)
	}
	return Node{Tag: tag, Value: value, Children: children}
}

// Constructed reports whether the tag has the constructed bit set.
func (n Node) Constructed() bool {
	return IsConstructed(n.Tag)
}

// Child returns the first direct child with the given tag.
func (n Node) Child(tag uint32) (Node, bool) {
	for _, c := range n.Children {
		if c.Tag == tag {
			return c, true
		}
	}
	return Node{}, false
}

// Find searches the subtree depth-first, the node itself included.
func (n Node) Find(tag uint32) (Node, bool) {
	if n.Tag == tag {
		return n, true
	}
	for _, c := range n.Children {
		if found, ok := c.Find(tag); ok {
			return found, true
		}
	}
	return Node{}, false
}

// IsConstructed reports whether bit 6 of the first tag byte is set.
func IsConstructed(tag uint32) bool {
	b := TagBytes(tag)
	return b[0]&0x20 != 0
}

// TagBytes returns the big-endian encoding of tag without leading zero bytes.
func TagBytes(tag uint32) []byte {
	switch {
	case tag > 0xFFFFFF:
		return []byte{byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)}
	case tag > 0xFFFF:
		return []byte{byte(tag >> 16), byte(tag >> 8), byte(tag)}
	case tag > 0xFF:
		return []byte{byte(tag >> 8), byte(tag)}
	default:
		return []byte{byte(tag)}
	}
}

// LengthBytes returns the minimal BER encoding of length n.
func LengthBytes(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	case n <= 0xFFFF:
		return []byte{0x82, byte(n >> 8), byte(n)}
	case n <= 0xFFFFFF:
		return []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	default:
		return []byte{0x84, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}
}

// Encode serializes a node. Constructed nodes with children are encoded from
// the children, everything else from Value.
func Encode(n Node) []byte {
	value := n.Value
	if n.Constructed() && len(n.Children) > 0 {
		value = nil
		for _, c := range n.Children {
			value = append(value, Encode(c)...)
		}
	}

	out := TagBytes(n.Tag)
	out = append(out, LengthBytes(len(value))...)
	return append(out, value...)
}

// ReadHeader decodes the tag and length at the start of data.
// It returns the number of header bytes consumed. The value itself is not
// checked against the remaining input.
func ReadHeader(data []byte) (tag uint32, length int, headerLen int, err error) {
	tag, pos, err := readTag(data)
	if err != nil {
		return 0, 0, 0, err
	}
	length, n, err := readLength(data, pos)
	if err != nil {
		return 0, 0, 0, err
	}
	return tag, length, pos + n, nil
}

// ReadNode decodes the first node of data and returns it with the number of
// bytes consumed.
func ReadNode(data []byte) (Node, int, error) {
	return readNode(data, 0)
}

// Decode decodes exactly one node at the start of data. Trailing bytes are
// ignored: chip files are frequently padded past the outer template.
func Decode(data []byte) (*Node, error) {
	n, _, err := ReadNode(data)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// DecodeAll decodes a sequence of sibling nodes filling data completely.
func DecodeAll(data []byte) ([]Node, error) {
	return decodeSequence(data, 0)
}

func decodeSequence(data []byte, base int) ([]Node, error) {
	var nodes []Node
	pos := 0
	for pos < len(data) {
		n, consumed, err := readNode(data[pos:], base+pos)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		pos += consumed
	}
	return nodes, nil
}

func readNode(data []byte, base int) (Node, int, error) {
	tag, length, hdr, err := ReadHeader(data)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Offset += base
		}
		return Node{}, 0, err
	}

	if length > len(data)-hdr {
		return Node{}, 0, &ParseError{Offset: base + hdr, Err: ErrTruncatedInput}
	}

	n := Node{Tag: tag, Value: data[hdr : hdr+length]}
	if IsConstructed(tag) && length > 0 {
		children, err := decodeSequence(n.Value, base+hdr)
		if err != nil {
			return Node{}, 0, err
		}
		n.Children = children
	}
	return n, hdr + length, nil
}

func readTag(data []byte) (uint32, int, error) {
	if len(data) == 0 {
		return 0, 0, &ParseError{Offset: 0, Err: ErrTruncatedInput}
	}

	first := data[0]
	if first == 0x00 || first == 0xFF {
		return 0, 0, &ParseError{Offset: 0, Err: ErrInvalidTag}
	}

	tag := uint32(first)
	if first&0x1F != 0x1F {
		return tag, 1, nil
	}

	for i := 1; ; i++ {
		if i >= 4 {
			return 0, 0, &ParseError{Offset: i, Err: ErrInvalidTag}
		}
		if i >= len(data) {
			return 0, 0, &ParseError{Offset: i, Err: ErrTruncatedInput}
		}
		tag = tag<<8 | uint32(data[i])
		if data[i]&0x80 == 0 {
			return tag, i + 1, nil
		}
	}
}

func readLength(data []byte, pos int) (int, int, error) {
	if pos >= len(data) {
		return 0, 0, &ParseError{Offset: pos, Err: ErrTruncatedInput}
	}

	first := data[pos]
	if first < 0x80 {
		return int(first), 1, nil
	}

	count := int(first & 0x7F)
	if count == 0 || count > 4 {
		return 0, 0, &ParseError{Offset: pos, Err: ErrInvalidLength}
	}
	if pos+1+count > len(data) {
		return 0, 0, &ParseError{Offset: pos, Err: ErrTruncatedInput}
	}

	length := 0
	for _, b := range data[pos+1 : pos+1+count] {
		length = length<<8 | int(b)
	}
	if length < 0 {
		return 0, 0, &ParseError{Offset: pos, Err: ErrInvalidLength}
	}
	return length, 1 + count, nil
}
