package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Hex decodes hex fixtures such as "6B 0D 5C 02 5F0E" into bytes. The parts
// are concatenated and any whitespace, line breaks included, is ignored.
// It panics on malformed input and is meant for tests and constants.
func Hex(parts ...string) []byte {
	s := strings.Join(strings.Fields(strings.Join(parts, " ")), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("tlv.Hex(%q): %v", s, err))
	}
	return b
}
