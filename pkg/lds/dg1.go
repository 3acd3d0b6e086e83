package lds

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

const tagMRZ = 0x5F1F

// ParseDG1 decodes EF.DG1: 61 L { 5F1F L <MRZ characters> }.
func ParseDG1(data []byte) (*MRZ, error) {
	root, err := tlv.Decode(data)
	if err != nil {
		return nil, &ParseError{File: EFDG1, Err: err}
	}
	if root.Tag != EFDG1.Tag() {
		return nil, &ParseError{File: EFDG1, Err: fmt.Errorf("unexpected tag %X", root.Tag)}
	}
	mrz, ok := root.Child(tagMRZ)
	if !ok {
		return nil, &ParseError{File: EFDG1, Field: "MRZ", Err: fmt.Errorf("tag %X missing", tagMRZ)}
	}

	m, err := ParseMRZ(string(mrz.Value))
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &ParseError{File: EFDG1, Field: "MRZ", Err: err}
	}
	return m, nil
}

// EncodeDG1 builds EF.DG1 from MRZ lines.
func EncodeDG1(lines ...string) []byte {
	return tlv.Encode(tlv.NewConstructed(EFDG1.Tag(),
		tlv.NewPrimitive(tagMRZ, []byte(strings.Join(lines, "")))))
}

// Describe reports the decoded MRZ fields.
func (m *MRZ) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== EF.DG1 (MRZ) ===\n")
	fmt.Fprintf(&sb, "    - Format: %s\n", m.Format)
	fmt.Fprintf(&sb, "    - Document: %s %s issued by %s\n", m.DocumentCode, m.DocumentNumber, m.IssuingState)
	fmt.Fprintf(&sb, "    - Name: %s, %s\n", m.PrimaryIdentifier, m.SecondaryIdentifier)
	fmt.Fprintf(&sb, "    - Nationality: %s\n", m.Nationality)
	fmt.Fprintf(&sb, "    - Gender: %s\n", m.Gender)
	if m.DateOfBirth.IsZero() {
		fmt.Fprintf(&sb, "    - Date of birth: %s (partly unknown)\n", m.RawDateOfBirth)
	} else {
		fmt.Fprintf(&sb, "    - Date of birth: %s\n", m.DateOfBirth.Format(time.DateOnly))
	}
	fmt.Fprintf(&sb, "    - Date of expiry: %s", m.DateOfExpiry.Format(time.DateOnly))
	if m.PersonalNumber != "" {
		fmt.Fprintf(&sb, "\n    - Personal number: %s", m.PersonalNumber)
	}
	if err := m.VerifyCheckDigits(); err != nil {
		fmt.Fprintf(&sb, "\n    - Check digits: %v", err)
	}
	return sb.String()
}
