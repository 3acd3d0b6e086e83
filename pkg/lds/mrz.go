package lds

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/bac"
)

// MRZ LAYOUTS (ICAO 9303-4/5/6):
//
//	TD1: 3 lines of 30   (ID cards)
//	TD2: 2 lines of 36
//	TD3: 2 lines of 44   (passport booklets)
//
// DG1 stores the lines concatenated without separators, so the layout is
// recognised from the total length alone.

// MRZ document formats.
const (
	FormatTD1 = "TD1"
	FormatTD2 = "TD2"
	FormatTD3 = "TD3"
)

// Gender is the holder's sex as printed in the MRZ.
type Gender int

const (
	GenderUnspecified Gender = iota
	GenderMale
	GenderFemale
)

func parseGender(c byte) Gender {
	switch c {
	case 'M':
		return GenderMale
	case 'F':
		return GenderFemale
	default:
		return GenderUnspecified
	}
}

func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "MALE"
	case GenderFemale:
		return "FEMALE"
	default:
		return "UNSPECIFIED"
	}
}

func (g Gender) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *Gender) UnmarshalText(b []byte) error {
	switch string(b) {
	case "MALE":
		*g = GenderMale
	case "FEMALE":
		*g = GenderFemale
	case "UNSPECIFIED", "":
		*g = GenderUnspecified
	default:
		return fmt.Errorf("unknown gender %q", b)
	}
	return nil
}

// MRZ is the decoded machine readable zone.
type MRZ struct {
	Format              string
	DocumentCode        string
	IssuingState        string
	DocumentNumber      string
	Nationality         string
	DateOfBirth         time.Time // zero when the MRZ prints unknown parts
	Gender              Gender
	DateOfExpiry        time.Time
	PrimaryIdentifier   string
	SecondaryIdentifier string
	PersonalNumber      string
	OptionalData        string // TD1 line 2 optional data

	// Printed fields the check digits are computed over.
	RawDateOfBirth  string
	RawDateOfExpiry string

	Lines []string
}

var errMRZLength = errors.New("unrecognized MRZ length")

// ParseMRZ decodes the concatenated MRZ text. Newlines are tolerated.
func ParseMRZ(text string) (*MRZ, error) {
	text = strings.NewReplacer("\r", "", "\n", "").Replace(strings.TrimSpace(text))

	m := &MRZ{}
	var err error
	switch len(text) {
	case 90:
		err = m.parseTD1(text)
	case 72:
		err = m.parseTD2TD3(FormatTD2, text[:36], text[36:])
	case 88:
		err = m.parseTD2TD3(FormatTD3, text[:44], text[44:])
	default:
		return nil, fmt.Errorf("%w: %d characters", errMRZLength, len(text))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MRZ) parseTD1(text string) error {
	l1, l2, l3 := text[0:30], text[30:60], text[60:90]
	m.Format = FormatTD1
	m.Lines = []string{l1, l2, l3}

	m.DocumentCode = trimFiller(l1[0:2])
	m.IssuingState = trimFiller(l1[2:5])
	m.DocumentNumber = trimFiller(l1[5:14])
	optional := l1[15:30]
	if l1[14] == '<' {
		// Long document number: continues in the optional data up to its check digit.
		ext := trimFiller(optional)
		if ext != "" {
			m.DocumentNumber += ext[:len(ext)-1]
			optional = ""
		}
	}
	m.PersonalNumber = trimFiller(optional)

	m.RawDateOfBirth = l2[0:6]
	m.Gender = parseGender(l2[7])
	m.RawDateOfExpiry = l2[8:14]
	m.Nationality = trimFiller(l2[15:18])
	m.OptionalData = trimFiller(l2[18:29])

	m.PrimaryIdentifier, m.SecondaryIdentifier = splitMRZName(l3)
	return m.parseDates()
}

func (m *MRZ) parseTD2TD3(format, l1, l2 string) error {
	m.Format = format
	m.Lines = []string{l1, l2}

	m.DocumentCode = trimFiller(l1[0:2])
	m.IssuingState = trimFiller(l1[2:5])
	m.PrimaryIdentifier, m.SecondaryIdentifier = splitMRZName(l1[5:])

	m.DocumentNumber = trimFiller(l2[0:9])
	m.Nationality = trimFiller(l2[10:13])
	m.RawDateOfBirth = l2[13:19]
	m.Gender = parseGender(l2[20])
	m.RawDateOfExpiry = l2[21:27]
	if format == FormatTD3 {
		m.PersonalNumber = trimFiller(l2[28:42])
	} else {
		m.PersonalNumber = trimFiller(l2[28:35])
	}
	return m.parseDates()
}

// parseDates fills the parsed dates. A birth date with unknown parts stays
// zero and is only available through RawDateOfBirth.
func (m *MRZ) parseDates() error {
	var err error
	if !hasUnknownParts(m.RawDateOfBirth) {
		if m.DateOfBirth, err = ParseMRZBirthDate(m.RawDateOfBirth); err != nil {
			return &ParseError{File: EFDG1, Field: "date of birth", Err: err}
		}
	}
	if m.DateOfExpiry, err = ParseMRZExpiryDate(m.RawDateOfExpiry); err != nil {
		return &ParseError{File: EFDG1, Field: "date of expiry", Err: err}
	}
	return nil
}

// String returns the MRZ lines separated by newlines.
func (m *MRZ) String() string {
	return strings.Join(m.Lines, "\n")
}

// Key returns the BAC key printed in this MRZ.
func (m *MRZ) Key() (bac.Key, error) {
	return bac.NewKey(m.DocumentNumber, m.RawDateOfBirth, m.RawDateOfExpiry)
}

// VerifyCheckDigits checks the document number, date and composite check
// digits. Decoding never requires them to be correct.
func (m *MRZ) VerifyCheckDigits() error {
	type check struct {
		name  string
		field string
		digit byte
	}
	var checks []check

	switch m.Format {
	case FormatTD1:
		l1, l2 := m.Lines[0], m.Lines[1]
		docField, docDigit := l1[5:14], l1[14]
		if docDigit == '<' {
			ext := trimFiller(l1[15:30])
			if ext == "" {
				return errors.New("document number: missing check digit")
			}
			docField, docDigit = docField+ext[:len(ext)-1], ext[len(ext)-1]
		}
		checks = []check{
			{"document number", docField, docDigit},
			{"date of birth", l2[0:6], l2[6]},
			{"date of expiry", l2[8:14], l2[14]},
			{"composite", l1[5:30] + l2[0:7] + l2[8:15] + l2[18:29], l2[29]},
		}
	case FormatTD2, FormatTD3:
		l2 := m.Lines[1]
		end := len(l2) - 1
		checks = []check{
			{"document number", l2[0:9], l2[9]},
			{"date of birth", l2[13:19], l2[19]},
			{"date of expiry", l2[21:27], l2[27]},
			{"composite", l2[0:10] + l2[13:20] + l2[21:end], l2[end]},
		}
		if m.Format == FormatTD3 {
			checks = append(checks, check{"personal number", l2[28:42], l2[42]})
		}
	default:
		return fmt.Errorf("unknown MRZ format %q", m.Format)
	}

	for _, c := range checks {
		if c.name == "personal number" && c.digit == '<' && trimFiller(c.field) == "" {
			continue
		}
		if got := bac.CheckDigit(c.field); got != c.digit {
			return fmt.Errorf("%s: check digit %c, computed %c", c.name, c.digit, got)
		}
	}
	return nil
}

func trimFiller(s string) string {
	return strings.Trim(s, "<")
}

// splitMRZName splits the MRZ name field at the first "<<". Single fillers
// inside either part become spaces.
func splitMRZName(field string) (primary, secondary string) {
	field = strings.TrimRight(field, "<")
	p, s, _ := strings.Cut(field, "<<")
	return fillerToSpace(p), fillerToSpace(s)
}

func fillerToSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool { return r == '<' }), " ")
}
