// Package sm implements ICAO 9303 secure messaging for BAC sessions:
// command protection, response verification and the send sequence counter.
package sm

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// PROTECTED COMMAND (ICAO 9303-11, 9.8.6):
//
//	CLA' = CLA | 0x0C
//	DO'87' = 87 L 01 || E(KSenc, pad(data))     (even INS)
//	DO'85' = 85 L E(KSenc, pad(data))           (odd INS)
//	DO'97' = 97 L Le
//	SSC = SSC + 1
//	DO'8E' = 8E 08 MAC(KSmac, pad(SSC || pad(header) || DO'87' || DO'97'))
//	APDU' = CLA' INS P1 P2 Lc' DO'87' DO'97' DO'8E' 00
//
// PROTECTED RESPONSE:
//
//	SSC = SSC + 1
//	DO'8E' verified over pad(SSC || DO'87' || DO'99') before any decryption.
//	DO'99' carries the real status word.
//
// The counter advances once per protected command and once per protected
// response, so Protect and Unprotect must strictly alternate. Any deviation or
// integrity failure ends the session and wipes its keys.

var (
	ErrMacMismatch     = errors.New("secure messaging checksum mismatch")
	ErrSequence        = errors.New("protect/unprotect out of sequence")
	ErrMalformed       = errors.New("malformed secure messaging response")
	ErrCounterOverflow = errors.New("send sequence counter overflow")
	ErrSessionClosed   = errors.New("secure messaging session closed")
	ErrCardRejected    = errors.New("card rejected secure messaging objects")
)

// Error reports a secure messaging failure. The session that returned it is unusable.
type Error struct {
	Op  string
	SW  iso7816.StatusWord
	Err error
}

func (e *Error) Error() string {
	if e.SW != 0 {
		return fmt.Sprintf("sm %s: %v (SW %04X)", e.Op, e.Err, uint16(e.SW))
	}
	return fmt.Sprintf("sm %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Session holds the BAC session keys and the send sequence counter.
// It is not safe for concurrent use.
type Session struct {
	encKey  [KeySize]byte
	macKey  [KeySize]byte
	ssc     uint64
	pending bool
	err     error
}

// NewSession creates a session from the derived KSenc, KSmac and initial SSC.
func NewSession(encKey, macKey []byte, ssc uint64) (*Session, error) {
	if len(encKey) != KeySize || len(macKey) != KeySize {
		return nil, fmt.Errorf("session keys must be %d bytes", KeySize)
	}
	s := &Session{ssc: ssc}
	copy(s.encKey[:], encKey)
	copy(s.macKey[:], macKey)
	return s, nil
}

// SSC returns the current send sequence counter.
func (s *Session) SSC() uint64 {
	return s.ssc
}

// Err returns the error that ended the session, or nil while it is usable.
func (s *Session) Err() error {
	return s.err
}

// Close wipes the session keys. Later calls to Protect or Unprotect fail.
func (s *Session) Close() {
	if s.err == nil {
		s.err = &Error{Op: "close", Err: ErrSessionClosed}
	}
	s.wipe()
}

func (s *Session) wipe() {
	for i := range s.encKey {
		s.encKey[i] = 0
		s.macKey[i] = 0
	}
	s.pending = false
}

// fail ends the session with err and returns it.
func (s *Session) fail(err error) error {
	if s.err == nil {
		s.err = err
	}
	s.wipe()
	return err
}

func (s *Session) increment(op string) error {
	if s.ssc == math.MaxUint64 {
		return s.fail(&Error{Op: op, Err: ErrCounterOverflow})
	}
	s.ssc++
	return nil
}

func (s *Session) sscBytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], s.ssc)
	return b[:]
}

// Protect wraps a plain command for transmission under secure messaging.
func (s *Session) Protect(cmd *iso7816.CommandAPDU) (*iso7816.CommandAPDU, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.pending {
		return nil, s.fail(&Error{Op: "protect", Err: ErrSequence})
	}

	cla, err := cmd.Class.WithSecureMessaging(iso7816.SMHeaderAuth)
	if err != nil {
		return nil, fmt.Errorf("protect: %w", err)
	}
	wrapped := iso7816.NewCommandAPDU(cla, cmd.Instruction, cmd.P1, cmd.P2, nil, iso7816.MaxShortLe)
	header, err := wrapped.Header()
	if err != nil {
		return nil, fmt.Errorf("protect: %w", err)
	}

	var dataDO []byte
	if len(cmd.Data) > 0 {
		enc, err := EncryptCBC(s.encKey[:], Pad(cmd.Data))
		if err != nil {
			return nil, s.fail(&Error{Op: "protect", Err: err})
		}
		if cmd.Instruction.IsBERTLV {
			dataDO = tlv.Encode(tlv.NewPrimitive(0x85, enc))
		} else {
			dataDO = tlv.Encode(tlv.NewPrimitive(0x87, append([]byte{0x01}, enc...)))
		}
	}

	var leDO []byte
	if cmd.Ne > 0 {
		leDO = tlv.Encode(tlv.NewPrimitive(0x97, encodeLe(cmd.Ne)))
		if cmd.Ne > iso7816.MaxShortLe {
			wrapped.Ne = iso7816.MaxExtendedLe
		}
	}

	if err := s.increment("protect"); err != nil {
		return nil, err
	}

	macInput := make([]byte, 0, 8+8+len(dataDO)+len(leDO))
	macInput = append(macInput, s.sscBytes()...)
	macInput = append(macInput, Pad(header)...)
	macInput = append(macInput, dataDO...)
	macInput = append(macInput, leDO...)

	cc, err := MAC(s.macKey[:], Pad(macInput))
	if err != nil {
		return nil, s.fail(&Error{Op: "protect", Err: err})
	}

	body := make([]byte, 0, len(dataDO)+len(leDO)+10)
	body = append(body, dataDO...)
	body = append(body, leDO...)
	body = append(body, tlv.Encode(tlv.NewPrimitive(0x8E, cc))...)
	wrapped.Data = body

	s.pending = true
	return wrapped, nil
}

func encodeLe(ne int) []byte {
	switch {
	case ne == iso7816.MaxShortLe:
		return []byte{0x00}
	case ne < iso7816.MaxShortLe:
		return []byte{byte(ne)}
	case ne == iso7816.MaxExtendedLe:
		return []byte{0x00, 0x00}
	default:
		return []byte{byte(ne >> 8), byte(ne)}
	}
}

// Unprotect verifies and decrypts the response to the last protected command.
//
// A response made only of a status word carries no checksum. 6987 and 6988
// mean the card rejected the protection and end the session; 9000 without a
// checksum is treated as a checksum failure. Any other bare status word is
// returned unchanged with no data.
func (s *Session) Unprotect(resp *iso7816.ResponseAPDU) (*iso7816.ResponseAPDU, error) {
	if s.err != nil {
		return nil, s.err
	}
	if !s.pending {
		return nil, s.fail(&Error{Op: "unprotect", Err: ErrSequence})
	}
	s.pending = false

	if err := s.increment("unprotect"); err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		switch resp.Status {
		case iso7816.SW_ERR_SM_OBJ_MISSING, iso7816.SW_ERR_SM_OBJ_INCORRECT:
			return nil, s.fail(&Error{Op: "unprotect", SW: resp.Status, Err: ErrCardRejected})
		case iso7816.SW_NO_ERROR:
			return nil, s.fail(&Error{Op: "unprotect", SW: resp.Status, Err: ErrMacMismatch})
		}
		return &iso7816.ResponseAPDU{Status: resp.Status}, nil
	}

	var (
		dataDO   *tlv.Node
		statusDO *tlv.Node
		cc       []byte
		macEnd   = -1
	)
	for pos := 0; pos < len(resp.Data); {
		n, consumed, err := tlv.ReadNode(resp.Data[pos:])
		if err != nil {
			return nil, s.fail(&Error{Op: "unprotect", Err: fmt.Errorf("%w: %w", ErrMalformed, err)})
		}
		switch n.Tag {
		case 0x85, 0x87:
			dataDO = &n
		case 0x99:
			statusDO = &n
		case 0x8E:
			cc = n.Value
			macEnd = pos
		}
		pos += consumed
		if macEnd >= 0 && pos != len(resp.Data) {
			return nil, s.fail(&Error{Op: "unprotect", Err: fmt.Errorf("%w: data after checksum", ErrMalformed)})
		}
	}

	if macEnd < 0 {
		return nil, s.fail(&Error{Op: "unprotect", SW: resp.Status, Err: ErrMacMismatch})
	}

	macInput := append(s.sscBytes(), resp.Data[:macEnd]...)
	expected, err := MAC(s.macKey[:], Pad(macInput))
	if err != nil {
		return nil, s.fail(&Error{Op: "unprotect", Err: err})
	}
	if subtle.ConstantTimeCompare(expected, cc) != 1 {
		return nil, s.fail(&Error{Op: "unprotect", SW: resp.Status, Err: ErrMacMismatch})
	}

	if statusDO == nil || len(statusDO.Value) != 2 {
		return nil, s.fail(&Error{Op: "unprotect", Err: fmt.Errorf("%w: missing DO'99'", ErrMalformed)})
	}
	out := &iso7816.ResponseAPDU{
		Status: iso7816.NewStatusWord(statusDO.Value[0], statusDO.Value[1]),
	}

	if dataDO != nil {
		enc := dataDO.Value
		if dataDO.Tag == 0x87 {
			if len(enc) < 1 || enc[0] != 0x01 {
				return nil, s.fail(&Error{Op: "unprotect", Err: fmt.Errorf("%w: unknown padding indicator", ErrMalformed)})
			}
			enc = enc[1:]
		}
		plain, err := DecryptCBC(s.encKey[:], enc)
		if err != nil {
			return nil, s.fail(&Error{Op: "unprotect", Err: fmt.Errorf("%w: %w", ErrMalformed, err)})
		}
		if out.Data, err = Unpad(plain); err != nil {
			return nil, s.fail(&Error{Op: "unprotect", Err: fmt.Errorf("%w: %w", ErrMalformed, err)})
		}
	}

	return out, nil
}
