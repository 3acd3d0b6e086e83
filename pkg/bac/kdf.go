package bac

import (
	"crypto/sha1"
	"encoding/binary"

	"github.com/gregLibert/mrtd-reader/pkg/bits"
)

// KEY DERIVATION (ICAO 9303-11, 9.7.1):
//
//	Kseed = SHA-1(MRZ_information)[0:16]
//	D     = Kseed || c            (c as 32-bit big endian)
//	K     = SHA-1(D)[0:16]        with DES parity adjusted on every byte
//
// c = 1 yields the encryption key, c = 2 the MAC key. The same function
// turns K.IFD xor K.IC into the session keys.

// Key derivation counters.
const (
	ModeEncryption uint32 = 1
	ModeMAC        uint32 = 2
)

// Seed returns Kseed for the document data.
func (k Key) Seed() []byte {
	h := sha1.Sum([]byte(k.MRZInformation()))
	return h[:16]
}

// DeriveKey derives a two-key 3DES key from seed for the given mode.
func DeriveKey(seed []byte, mode uint32) []byte {
	d := make([]byte, len(seed)+4)
	copy(d, seed)
	binary.BigEndian.PutUint32(d[len(seed):], mode)

	h := sha1.Sum(d)
	key := h[:16]
	bits.AdjustParity(key)
	return key
}

// AccessKeys returns the document basic access keys Kenc and Kmac.
func (k Key) AccessKeys() (kenc, kmac []byte) {
	seed := k.Seed()
	return DeriveKey(seed, ModeEncryption), DeriveKey(seed, ModeMAC)
}

// SessionKeys derives KSenc and KSmac from the exchanged key material.
func SessionKeys(kIFD, kIC []byte) (ksEnc, ksMac []byte) {
	seed := bits.Xor(kIFD, kIC)
	return DeriveKey(seed, ModeEncryption), DeriveKey(seed, ModeMAC)
}

// InitialSSC builds the send sequence counter from the last four bytes of
// each nonce: RND.IC[4:8] || RND.IFD[4:8].
func InitialSSC(rndIC, rndIFD []byte) uint64 {
	var b [8]byte
	copy(b[:4], rndIC[4:8])
	copy(b[4:], rndIFD[4:8])
	return binary.BigEndian.Uint64(b[:])
}
