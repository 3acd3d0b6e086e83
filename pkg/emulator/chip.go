// Package emulator simulates an ICAO 9303 eMRTD chip protected by Basic
// Access Control. A Chip answers raw APDUs like a contactless card seen
// through a PC/SC reader, so it can stand in for pcsc.Connection anywhere an
// iso7816.Transmitter is expected.
package emulator

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/bac"
	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// CARD BEHAVIOUR:
//
// Before BAC only SELECT of the eMRTD applet, GET CHALLENGE and MUTUAL
// AUTHENTICATE are accepted. A plain SELECT EF or READ BINARY answers 6982.
//
// After BAC every command must carry secure messaging. The card checks the
// command checksum against its own counter, executes the plain command and
// protects the answer, including error status words, with DO'99' and DO'8E'.
// A checksum failure answers a bare 6988 and drops the session, as real chips
// do. Each GET CHALLENGE nonce is good for one MUTUAL AUTHENTICATE only.

// ErrRemoved is returned by Transmit once the card has left the field.
var ErrRemoved = fmt.Errorf("%w: card removed from the field", iso7816.ErrDisconnected)

// Faults injects misbehaviour for tests.
type Faults struct {
	// TamperFile corrupts the checksum of every READ BINARY answer for that file.
	TamperFile lds.FileID
	// Denied files answer SELECT with 6982.
	Denied []lds.FileID
	// RemoveAfter makes Transmit fail after that many APDUs. Zero disables it.
	RemoveAfter int
	// Delay holds every answer back.
	Delay time.Duration
}

// Stats counts what the card was asked to do.
type Stats struct {
	APDUs           int
	Authentications int
	Selects         map[lds.FileID]int
	Reads           map[lds.FileID]int
}

type cardSession struct {
	enc, mac []byte
	ssc      uint64
}

func (s *cardSession) sscBytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], s.ssc)
	return b[:]
}

// Chip is an emulated BAC-protected passport chip. It is safe for concurrent
// use, although a reader never needs that.
type Chip struct {
	// Rand supplies RND.IC and K.IC. Nil means crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger
	Faults Faults

	key   bac.Key
	files map[lds.FileID][]byte

	mu       sync.Mutex
	selected bool
	rndIC    []byte
	session  *cardSession
	current  lds.FileID
	stats    Stats
}

// New creates a chip holding files and accepting key.
func New(key bac.Key, files map[lds.FileID][]byte) *Chip {
	return &Chip{
		key:   key,
		files: maps.Clone(files),
		stats: Stats{Selects: map[lds.FileID]int{}, Reads: map[lds.FileID]int{}},
	}
}

// Key returns the document data that opens the chip.
func (c *Chip) Key() bac.Key {
	return c.key
}

// Stats returns a snapshot of the counters.
func (c *Chip) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Selects = maps.Clone(c.stats.Selects)
	s.Reads = maps.Clone(c.stats.Reads)
	return s
}

// Authenticated reports whether a secure messaging session is open.
func (c *Chip) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Transmit implements iso7816.Transmitter.
func (c *Chip) Transmit(raw []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.APDUs++
	if c.Faults.RemoveAfter > 0 && c.stats.APDUs > c.Faults.RemoveAfter {
		c.endSession()
		return nil, ErrRemoved
	}
	if c.Faults.Delay > 0 {
		time.Sleep(c.Faults.Delay)
	}

	var resp *iso7816.ResponseAPDU
	cmd, err := iso7816.ParseCommandAPDU(raw)
	switch {
	case err != nil:
		resp = status(iso7816.SW_ERR_WRONG_LENGTH)
	case cmd.Class.IsSecure():
		resp = c.secure(raw, cmd)
	default:
		resp = c.plain(cmd)
	}

	if c.Logger != nil && cmd != nil {
		c.Logger.Debug("emulated chip",
			"ins", cmd.Instruction.Raw.String(),
			"secure", cmd.Class.IsSecure(),
			"sw", fmt.Sprintf("%04X", uint16(resp.Status)))
	}
	return resp.Bytes(), nil
}

func status(sw iso7816.StatusWord) *iso7816.ResponseAPDU {
	return &iso7816.ResponseAPDU{Status: sw}
}

func (c *Chip) random(n int) ([]byte, error) {
	r := c.Rand
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Chip) endSession() {
	if c.session != nil {
		clear(c.session.enc)
		clear(c.session.mac)
	}
	c.session = nil
	c.current = 0
}

// plain handles commands sent without secure messaging.
func (c *Chip) plain(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	switch cmd.Instruction.Raw {
	case iso7816.INS_SELECT:
		if method, _ := iso7816.SelectTarget(cmd); method == iso7816.SelectByDFName {
			c.endSession()
			return c.selectApplet(cmd.Data)
		}
		c.endSession()
		return status(iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT)
	case iso7816.INS_GET_CHALLENGE:
		return c.getChallenge(cmd)
	case iso7816.INS_MUTUAL_AUTHENTICATE:
		return c.mutualAuthenticate(cmd)
	case iso7816.INS_READ_BINARY, iso7816.INS_READ_BINARY_BER:
		c.endSession()
		return status(iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT)
	default:
		return status(iso7816.SW_ERR_INS_INVALID)
	}
}

func (c *Chip) selectApplet(aid []byte) *iso7816.ResponseAPDU {
	if !bytes.Equal(aid, lds.AID) {
		return status(iso7816.SW_ERR_FILE_NOT_FOUND)
	}
	c.selected = true
	c.rndIC = nil
	return status(iso7816.SW_NO_ERROR)
}

func (c *Chip) getChallenge(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	if !c.selected {
		return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT)
	}
	if cmd.Ne != iso7816.BACChallengeLength {
		return status(iso7816.SW_ERR_WRONG_LENGTH)
	}
	rnd, err := c.random(iso7816.BACChallengeLength)
	if err != nil {
		return status(iso7816.SW_ERR_UNKNOWN)
	}
	c.endSession()
	c.rndIC = rnd
	return &iso7816.ResponseAPDU{Data: slices.Clone(rnd), Status: iso7816.SW_NO_ERROR}
}

// mutualAuthenticate is the card half of the BAC handshake: check M_IFD and
// RND.IC, then answer E_IC || M_IC and open the session.
func (c *Chip) mutualAuthenticate(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	rndIC := c.rndIC
	c.rndIC = nil
	if rndIC == nil {
		return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT)
	}
	if len(cmd.Data) != 40 {
		return status(iso7816.SW_ERR_WRONG_LENGTH)
	}

	kenc, kmac := c.key.AccessKeys()
	eIFD, mIFD := cmd.Data[:32], cmd.Data[32:]
	expected, err := sm.MAC(kmac, sm.Pad(eIFD))
	if err != nil || subtle.ConstantTimeCompare(expected, mIFD) != 1 {
		return status(iso7816.SW_WARN_NV_CHANGED_NO_INFO)
	}
	s, err := sm.DecryptCBC(kenc, eIFD)
	if err != nil || !bytes.Equal(s[8:16], rndIC) {
		return status(iso7816.SW_WARN_NV_CHANGED_NO_INFO)
	}
	rndIFD, kIFD := s[:8], s[16:32]

	kIC, err := c.random(16)
	if err != nil {
		return status(iso7816.SW_ERR_UNKNOWN)
	}
	// The card cryptogram has the terminal layout with the roles swapped.
	answer, err := bac.TerminalCryptogram(kenc, kmac, rndIC, rndIFD, kIC)
	if err != nil {
		return status(iso7816.SW_ERR_UNKNOWN)
	}

	ksEnc, ksMac := bac.SessionKeys(kIFD, kIC)
	c.session = &cardSession{enc: ksEnc, mac: ksMac, ssc: bac.InitialSSC(rndIC, rndIFD)}
	c.stats.Authentications++
	return &iso7816.ResponseAPDU{Data: answer, Status: iso7816.SW_NO_ERROR}
}

// secure unwraps a protected command, runs it and protects the answer.
func (c *Chip) secure(raw []byte, cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	s := c.session
	if s == nil {
		return status(iso7816.SW_ERR_SM_OBJ_INCORRECT)
	}
	s.ssc++

	objects, err := tlv.DecodeAll(cmd.Data)
	if err != nil {
		c.endSession()
		return status(iso7816.SW_ERR_SM_OBJ_INCORRECT)
	}

	macInput := append(s.sscBytes(), sm.Pad(raw[:4])...)
	var (
		dataDO *tlv.Node
		leDO   *tlv.Node
		cc     []byte
	)
	for i := range objects {
		n := objects[i]
		switch n.Tag {
		case 0x85, 0x87:
			dataDO = &n
		case 0x97:
			leDO = &n
		case 0x8E:
			cc = n.Value
			continue
		}
		macInput = append(macInput, tlv.Encode(n)...)
	}
	if cc == nil {
		c.endSession()
		return status(iso7816.SW_ERR_SM_OBJ_MISSING)
	}
	expected, err := sm.MAC(s.mac, sm.Pad(macInput))
	if err != nil || subtle.ConstantTimeCompare(expected, cc) != 1 {
		c.endSession()
		return status(iso7816.SW_ERR_SM_OBJ_INCORRECT)
	}

	var data []byte
	if dataDO != nil {
		enc := dataDO.Value
		if dataDO.Tag == 0x87 {
			if len(enc) == 0 || enc[0] != 0x01 {
				c.endSession()
				return status(iso7816.SW_ERR_SM_OBJ_INCORRECT)
			}
			enc = enc[1:]
		}
		plain, err := sm.DecryptCBC(s.enc, enc)
		if err == nil {
			data, err = sm.Unpad(plain)
		}
		if err != nil {
			c.endSession()
			return status(iso7816.SW_ERR_SM_OBJ_INCORRECT)
		}
	}

	ne := 0
	if leDO != nil {
		ne = decodeLe(leDO.Value)
	}

	cls, _ := iso7816.NewClass(0x00)
	inner := iso7816.NewCommandAPDU(cls, cmd.Instruction, cmd.P1, cmd.P2, data, ne)
	resp := c.execute(inner)

	isRead := cmd.Instruction.Raw == iso7816.INS_READ_BINARY || cmd.Instruction.Raw == iso7816.INS_READ_BINARY_BER
	tamper := isRead && c.Faults.TamperFile != 0 && c.current == c.Faults.TamperFile
	return c.protect(resp, tamper)
}

func decodeLe(v []byte) int {
	switch len(v) {
	case 1:
		if v[0] == 0 {
			return iso7816.MaxShortLe
		}
		return int(v[0])
	case 2:
		ne := int(v[0])<<8 | int(v[1])
		if ne == 0 {
			return iso7816.MaxExtendedLe
		}
		return ne
	default:
		return 0
	}
}

func (c *Chip) protect(resp *iso7816.ResponseAPDU, tamper bool) *iso7816.ResponseAPDU {
	s := c.session
	if s == nil {
		return resp
	}
	s.ssc++

	var body []byte
	if len(resp.Data) > 0 {
		enc, err := sm.EncryptCBC(s.enc, sm.Pad(resp.Data))
		if err != nil {
			return status(iso7816.SW_ERR_UNKNOWN)
		}
		body = append(body, tlv.Encode(tlv.NewPrimitive(0x87, append([]byte{0x01}, enc...)))...)
	}
	body = append(body, tlv.Encode(tlv.NewPrimitive(0x99, []byte{resp.Status.SW1(), resp.Status.SW2()}))...)

	cc, err := sm.MAC(s.mac, sm.Pad(append(s.sscBytes(), body...)))
	if err != nil {
		return status(iso7816.SW_ERR_UNKNOWN)
	}
	if tamper {
		cc[0] ^= 0x01
	}
	body = append(body, tlv.Encode(tlv.NewPrimitive(0x8E, cc))...)
	return &iso7816.ResponseAPDU{Data: body, Status: resp.Status}
}

// execute runs a command after secure messaging has been removed.
func (c *Chip) execute(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	switch cmd.Instruction.Raw {
	case iso7816.INS_SELECT:
		method, _ := iso7816.SelectTarget(cmd)
		switch {
		case method == iso7816.SelectByDFName:
			if !bytes.Equal(cmd.Data, lds.AID) {
				return status(iso7816.SW_ERR_FILE_NOT_FOUND)
			}
			return status(iso7816.SW_NO_ERROR)
		case len(cmd.Data) == 2:
			return c.selectFile(lds.FileID(binary.BigEndian.Uint16(cmd.Data)))
		default:
			return status(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2)
		}

	case iso7816.INS_READ_BINARY:
		offset := int(cmd.P1&0x7F)<<8 | int(cmd.P2)
		if cmd.P1&0x80 != 0 {
			id, ok := c.fileBySFI(cmd.P1 & 0x1F)
			if !ok {
				return status(iso7816.SW_ERR_FILE_NOT_FOUND)
			}
			if resp := c.selectFile(id); resp.Status != iso7816.SW_NO_ERROR {
				return resp
			}
			offset = int(cmd.P2)
		}
		return c.readBinary(offset, cmd.Ne)

	case iso7816.INS_READ_BINARY_BER:
		do, err := tlv.Decode(cmd.Data)
		if err != nil || do.Tag != 0x54 || len(do.Value) == 0 || len(do.Value) > 3 {
			return status(iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
		}
		offset := 0
		for _, b := range do.Value {
			offset = offset<<8 | int(b)
		}
		// The DO'53' header takes room out of Ne.
		resp := c.readBinary(offset, max(cmd.Ne-4, 1))
		if len(resp.Data) > 0 {
			resp.Data = tlv.Encode(tlv.NewPrimitive(0x53, resp.Data))
		}
		return resp

	default:
		return status(iso7816.SW_ERR_INS_INVALID)
	}
}

func (c *Chip) selectFile(id lds.FileID) *iso7816.ResponseAPDU {
	if !c.selected {
		return status(iso7816.SW_ERR_FILE_NOT_FOUND)
	}
	if _, ok := c.files[id]; !ok {
		return status(iso7816.SW_ERR_FILE_NOT_FOUND)
	}
	if slices.Contains(c.Faults.Denied, id) {
		return status(iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT)
	}
	c.current = id
	c.stats.Selects[id]++
	return status(iso7816.SW_NO_ERROR)
}

func (c *Chip) fileBySFI(sfi byte) (lds.FileID, bool) {
	for id := range c.files {
		if id.SFI() == sfi {
			return id, true
		}
	}
	return 0, false
}

// readBinary answers 6282 when the file ends before ne bytes and 6B00 when
// offset lies past the end.
func (c *Chip) readBinary(offset, ne int) *iso7816.ResponseAPDU {
	data, ok := c.files[c.current]
	if c.current == 0 || !ok {
		return status(iso7816.SW_ERR_CMD_NOT_ALLOWED_NO_EF)
	}
	if offset > len(data) {
		return status(iso7816.SW_ERR_WRONG_P1P2)
	}
	c.stats.Reads[c.current]++
	end := offset + ne
	if end > len(data) {
		return &iso7816.ResponseAPDU{Data: slices.Clone(data[offset:]), Status: iso7816.SW_WARN_EOF_REACHED}
	}
	return &iso7816.ResponseAPDU{Data: slices.Clone(data[offset:end]), Status: iso7816.SW_NO_ERROR}
}
