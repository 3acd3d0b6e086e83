package lds

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gregLibert/mrtd-reader/pkg/tlv"
	"github.com/moov-io/bertlv"
	"golang.org/x/text/encoding/charmap"
)

// DG11 holds the additional personal details of EF.DG11. Every field is
// optional on the chip.
type DG11 struct {
	FullName            string
	PrimaryIdentifier   string
	SecondaryIdentifier string
	OtherNames          []string
	PersonalNumber      string
	FullDateOfBirth     time.Time // zero when absent or unreadable
	PlaceOfBirth        string
	Address             string
	Telephone           string
	Profession          string
	Title               string
	PersonalSummary     string
	OtherTDNumbers      []string
	CustodyInformation  string

	raw *dg11Fields
}

// dg11Template is the EF.DG11 layout (ICAO 9303-10, 4.7.11).
type dg11Template struct {
	Details *dg11Fields `tlv:"6B,required"`
}

type dg11Fields struct {
	TagList            []byte      `tlv:"5C"`
	FullName           []byte      `tlv:"5F0E" fmt:"ascii"`
	OtherNames         *otherNames `tlv:"A0"`
	PersonalNumber     []byte      `tlv:"5F10" fmt:"ascii"`
	FullDateOfBirth    []byte      `tlv:"5F2B"`
	PlaceOfBirth       []byte      `tlv:"5F11" fmt:"ascii"`
	Address            []byte      `tlv:"5F42" fmt:"ascii"`
	Telephone          []byte      `tlv:"5F12" fmt:"ascii"`
	Profession         []byte      `tlv:"5F13" fmt:"ascii"`
	Title              []byte      `tlv:"5F14" fmt:"ascii"`
	PersonalSummary    []byte      `tlv:"5F15" fmt:"ascii"`
	ProofOfCitizenship []byte      `tlv:"5F16"`
	OtherTDNumbers     []byte      `tlv:"5F17" fmt:"ascii"`
	CustodyInformation []byte      `tlv:"5F18" fmt:"ascii"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

type otherNames struct {
	Count []byte   `tlv:"02" fmt:"int"`
	Names [][]byte `tlv:"5F0F" fmt:"ascii"`
}

// ParseDG11 decodes EF.DG11. A malformed date of birth is dropped rather than
// failing the whole file; a malformed TLV structure is an error.
func ParseDG11(data []byte) (*DG11, error) {
	var tmpl dg11Template
	if err := tlv.Unmarshal(data, &tmpl); err != nil {
		return nil, &ParseError{File: EFDG11, Err: err}
	}
	f := tmpl.Details

	d := &DG11{
		FullName:           decodeText(f.FullName),
		PersonalNumber:     decodeText(f.PersonalNumber),
		PlaceOfBirth:       joinSegments(decodeText(f.PlaceOfBirth)),
		Address:            joinSegments(decodeText(f.Address)),
		Telephone:          decodeText(f.Telephone),
		Profession:         decodeText(f.Profession),
		Title:              decodeText(f.Title),
		PersonalSummary:    decodeText(f.PersonalSummary),
		CustodyInformation: decodeText(f.CustodyInformation),
		raw:                f,
	}
	if d.FullName != "" {
		d.PrimaryIdentifier, d.SecondaryIdentifier = SplitHolderName(d.FullName)
	}
	if f.OtherNames != nil {
		for _, n := range f.OtherNames.Names {
			d.OtherNames = append(d.OtherNames, decodeText(n))
		}
	}
	if len(f.OtherTDNumbers) > 0 {
		d.OtherTDNumbers = strings.FieldsFunc(decodeText(f.OtherTDNumbers), func(r rune) bool { return r == '<' })
	}
	if len(f.FullDateOfBirth) > 0 {
		if t, err := decodeFullDate(f.FullDateOfBirth); err == nil {
			d.FullDateOfBirth = t
		}
	}
	return d, nil
}

// SplitHolderName splits a DG11 name of holder at the LAST "<<". The surname
// is everything before it, unchanged; the given names follow it with fillers
// turned into spaces. Without a "<<" the whole value is the surname.
func SplitHolderName(name string) (primary, secondary string) {
	i := strings.LastIndex(name, "<<")
	if i < 0 {
		return strings.TrimSpace(name), ""
	}
	primary = name[:i]
	secondary = strings.TrimSpace(strings.ReplaceAll(name[i+2:], "<", " "))
	return primary, secondary
}

// joinSegments joins "<" separated segments with a single space.
func joinSegments(s string) string {
	return fillerToSpace(s)
}

// decodeText reads DG11 free text. It should be UTF-8; chips that wrote
// Latin-1 are decoded as ISO-8859-1.
func decodeText(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return strings.TrimSpace(string(b))
	}
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return strings.TrimSpace(string(b))
	}
	return strings.TrimSpace(string(s))
}

// EncodeDG11 builds EF.DG11 from the non-empty fields of d. Spaces in the
// place of birth and address become "<" separators.
func EncodeDG11(d *DG11) []byte {
	var (
		tags   []byte
		fields []tlv.Node
	)
	add := func(tag uint32, value string) {
		if value == "" {
			return
		}
		tags = append(tags, tlv.TagBytes(tag)...)
		fields = append(fields, tlv.NewPrimitive(tag, []byte(value)))
	}
	add(0x5F0E, d.FullName)
	add(0x5F10, d.PersonalNumber)
	if !d.FullDateOfBirth.IsZero() {
		add(0x5F2B, d.FullDateOfBirth.Format("20060102"))
	}
	add(0x5F11, strings.ReplaceAll(d.PlaceOfBirth, " ", "<"))
	add(0x5F42, strings.ReplaceAll(d.Address, " ", "<"))
	add(0x5F12, d.Telephone)
	add(0x5F13, d.Profession)
	add(0x5F14, d.Title)
	add(0x5F15, d.PersonalSummary)
	add(0x5F17, strings.Join(d.OtherTDNumbers, "<"))
	add(0x5F18, d.CustodyInformation)

	children := append([]tlv.Node{tlv.NewPrimitive(0x5C, tags)}, fields...)
	return tlv.Encode(tlv.NewConstructed(EFDG11.Tag(), children...))
}

// Describe reports the raw DG11 fields, the tag list and anything not recognised.
func (d *DG11) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== EF.DG11 (Additional personal details) ===")
	if d.raw != nil {
		tlv.WriteStructFields(&sb, "DG11", d.raw)
	}
	if !d.FullDateOfBirth.IsZero() {
		sb.WriteString(fmt.Sprintf("\n    - Full date of birth: %s", d.FullDateOfBirth.Format(time.DateOnly)))
	}
	return sb.String()
}
