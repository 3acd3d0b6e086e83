// Package bits numbers bits 1 (least significant) to 8, the way ISO/IEC 7816
// tables describe CLA, INS and status bytes, and carries the DES parity helpers.
package bits

// Bit returns a byte with only bit n set, or 0 when n is outside 1-8.
func Bit(n uint) byte {
	if n < 1 || n > 8 {
		return 0
	}
	return 1 << (n - 1)
}

// IsSet reports whether bit n of b is set.
func IsSet(b byte, n uint) bool {
	return b&Bit(n) != 0
}

// GetRange returns bits high..low of b shifted down, e.g. bits 4-3 of 0x0C are 3.
// An invalid range yields 0.
func GetRange(b byte, high, low uint) byte {
	if low < 1 || high > 8 || high < low {
		return 0
	}
	mask := byte(0xFF) >> (8 - (high - low + 1))
	return (b >> (low - 1)) & mask
}

// Set returns b with bit n set.
func Set(b byte, n uint) byte {
	return b | Bit(n)
}

// Xor returns a XOR b. Both slices must have the same length.
func Xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// AdjustParity sets bit 1 of every byte so that each byte has odd parity,
// as required for DES key material. The slice is modified in place.
func AdjustParity(key []byte) {
	for i, b := range key {
		ones := 0
		for n := uint(2); n <= 8; n++ {
			if IsSet(b, n) {
				ones++
			}
		}
		if ones%2 == 0 {
			key[i] = b | 0x01
		} else {
			key[i] = b &^ 0x01
		}
	}
}

// HasOddParity reports whether every byte of key has odd parity.
func HasOddParity(key []byte) bool {
	for _, b := range key {
		ones := 0
		for n := uint(1); n <= 8; n++ {
			if IsSet(b, n) {
				ones++
			}
		}
		if ones%2 == 0 {
			return false
		}
	}
	return true
}
