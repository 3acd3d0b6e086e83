// Package bac implements Basic Access Control (ICAO 9303-11, section 4.3):
// access key derivation from the MRZ and the mutual authentication that
// establishes a secure messaging session.
package bac

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
)

// MUTUAL AUTHENTICATION:
//
//  1. GET CHALLENGE                  -> RND.IC (8)
//  2. S = RND.IFD || RND.IC || K.IFD  (8 + 8 + 16)
//     E_IFD = E(Kenc, S), M_IFD = MAC(Kmac, pad(E_IFD))
//  3. MUTUAL AUTHENTICATE E_IFD||M_IFD -> E_IC || M_IC
//  4. verify M_IC, R = D(Kenc, E_IC) = RND.IC || RND.IFD || K.IC
//  5. KSenc, KSmac from K.IFD xor K.IC, SSC from the nonces.
//
// A failed step is never retried here: chips may count failed attempts.

// ErrHandshakeFailed is wrapped by every authentication failure.
var ErrHandshakeFailed = errors.New("BAC handshake failed")

var (
	errCryptogramMAC = errors.New("card cryptogram checksum mismatch")
	errNonceMismatch = errors.New("card answered with unexpected nonces")
)

// Authentication steps reported in Error.Step.
const (
	StepGetChallenge       = "get challenge"
	StepMutualAuthenticate = "mutual authenticate"
	StepVerify             = "verify card cryptogram"
)

// Error reports which handshake step failed.
type Error struct {
	Step    string
	SW      iso7816.StatusWord // Status word (if applicable)
	RespLen int                // Response length (if applicable)
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bac %s failed: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("bac %s failed (SW=%04X len=%d)", e.Step, uint16(e.SW), e.RespLen)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrHandshakeFailed}
	}
	return []error{ErrHandshakeFailed, e.Cause}
}

// Authenticator runs the BAC handshake.
type Authenticator struct {
	// Rand supplies RND.IFD and K.IFD. Nil means crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger
}

// Authenticate performs BAC with the default authenticator.
func Authenticate(client *iso7816.Client, key Key) (*sm.Session, error) {
	return (&Authenticator{}).Authenticate(client, key)
}

// Authenticate performs BAC over client and returns the established session.
func (a *Authenticator) Authenticate(client *iso7816.Client, key Key) (*sm.Session, error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rnd := a.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	cls, _ := iso7816.NewClass(0x00)
	kenc, kmac := key.AccessKeys()
	defer clear(kenc)
	defer clear(kmac)

	resp, err := client.Transmit(iso7816.GetChallenge(cls, iso7816.BACChallengeLength))
	if err != nil {
		return nil, &Error{Step: StepGetChallenge, Cause: err}
	}
	if resp.Status != iso7816.SW_NO_ERROR || len(resp.Data) != iso7816.BACChallengeLength {
		return nil, &Error{Step: StepGetChallenge, SW: resp.Status, RespLen: len(resp.Data)}
	}
	rndIC := resp.Data
	logger.Debug("bac challenge received")

	material := make([]byte, 8+16)
	defer clear(material)
	if _, err := io.ReadFull(rnd, material); err != nil {
		return nil, &Error{Step: StepMutualAuthenticate, Cause: err}
	}
	rndIFD, kIFD := material[:8], material[8:]

	cryptogram, err := TerminalCryptogram(kenc, kmac, rndIFD, rndIC, kIFD)
	if err != nil {
		return nil, &Error{Step: StepMutualAuthenticate, Cause: err}
	}

	cmd, err := iso7816.MutualAuthenticate(cls, cryptogram, len(cryptogram))
	if err != nil {
		return nil, &Error{Step: StepMutualAuthenticate, Cause: err}
	}
	resp, err = client.Transmit(cmd)
	if err != nil {
		return nil, &Error{Step: StepMutualAuthenticate, Cause: err}
	}
	if resp.Status != iso7816.SW_NO_ERROR || len(resp.Data) != 40 {
		return nil, &Error{Step: StepMutualAuthenticate, SW: resp.Status, RespLen: len(resp.Data)}
	}

	kIC, err := OpenCardCryptogram(kenc, kmac, resp.Data, rndIC, rndIFD)
	if err != nil {
		return nil, &Error{Step: StepVerify, Cause: err}
	}
	defer clear(kIC)

	ksEnc, ksMac := SessionKeys(kIFD, kIC)
	defer clear(ksEnc)
	defer clear(ksMac)
	session, err := sm.NewSession(ksEnc, ksMac, InitialSSC(rndIC, rndIFD))
	if err != nil {
		return nil, &Error{Step: StepVerify, Cause: err}
	}

	logger.Debug("bac session established")
	return session, nil
}

// TerminalCryptogram builds E_IFD || M_IFD for MUTUAL AUTHENTICATE.
func TerminalCryptogram(kenc, kmac, rndIFD, rndIC, kIFD []byte) ([]byte, error) {
	s := make([]byte, 0, 32)
	s = append(s, rndIFD...)
	s = append(s, rndIC...)
	s = append(s, kIFD...)

	eIFD, err := sm.EncryptCBC(kenc, s)
	if err != nil {
		return nil, err
	}
	mIFD, err := sm.MAC(kmac, sm.Pad(eIFD))
	if err != nil {
		return nil, err
	}
	return append(eIFD, mIFD...), nil
}

// OpenCardCryptogram verifies E_IC || M_IC and returns K.IC. The checksum
// is verified before decryption and both nonces must come back unchanged.
func OpenCardCryptogram(kenc, kmac, data, rndIC, rndIFD []byte) ([]byte, error) {
	if len(data) != 40 {
		return nil, fmt.Errorf("card cryptogram has %d bytes, want 40", len(data))
	}
	eIC, mIC := data[:32], data[32:]

	expected, err := sm.MAC(kmac, sm.Pad(eIC))
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected, mIC) != 1 {
		return nil, errCryptogramMAC
	}

	r, err := sm.DecryptCBC(kenc, eIC)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(r[:8], rndIC) || !bytes.Equal(r[8:16], rndIFD) {
		return nil, errNonceMismatch
	}
	return r[16:32], nil
}
