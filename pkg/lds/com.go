package lds

import (
	"fmt"
	"strings"

	"github.com/gregLibert/mrtd-reader/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// COM is the decoded EF.COM: LDS and Unicode versions and the list of data
// groups present on the chip.
type COM struct {
	LDSVersion     string
	UnicodeVersion string
	DataGroups     []FileID

	raw *comFields
}

type comTemplate struct {
	Fields *comFields `tlv:"60,required"`
}

type comFields struct {
	LDSVersion     []byte        `tlv:"5F01" fmt:"ascii"`
	UnicodeVersion []byte        `tlv:"5F36" fmt:"ascii"`
	TagList        dataGroupList `tlv:"5C"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// dataGroupList is the EF.COM tag list resolved to files. Tags without a
// known file are dropped.
type dataGroupList []FileID

func (l *dataGroupList) UnmarshalTLV(value []byte) error {
	for _, tag := range value {
		if id, ok := FileByTag(uint32(tag)); ok {
			*l = append(*l, id)
		}
	}
	return nil
}

func (l dataGroupList) String() string {
	names := make([]string, len(l))
	for i, id := range l {
		names[i] = id.String()
	}
	return strings.Join(names, ", ")
}

// ParseCOM decodes EF.COM. Unknown tags in the list are ignored.
func ParseCOM(data []byte) (*COM, error) {
	var tmpl comTemplate
	if err := tlv.Unmarshal(data, &tmpl); err != nil {
		return nil, &ParseError{File: EFCOM, Err: err}
	}
	f := tmpl.Fields

	return &COM{
		LDSVersion:     dottedVersion(string(f.LDSVersion), 2),
		UnicodeVersion: dottedVersion(string(f.UnicodeVersion), 2),
		DataGroups:     f.TagList,
		raw:            f,
	}, nil
}

// Has reports whether EF.COM lists the file.
func (c *COM) Has(id FileID) bool {
	for _, dg := range c.DataGroups {
		if dg == id {
			return true
		}
	}
	return false
}

// dottedVersion turns "0107" into "01.07" and "040000" into "04.00.00".
func dottedVersion(s string, width int) string {
	if len(s) == 0 || len(s)%width != 0 {
		return s
	}
	parts := make([]string, 0, len(s)/width)
	for i := 0; i < len(s); i += width {
		parts = append(parts, s[i:i+width])
	}
	return strings.Join(parts, ".")
}

// EncodeCOM builds EF.COM listing the given files.
func EncodeCOM(ldsVersion, unicodeVersion string, ids ...FileID) []byte {
	var tags []byte
	for _, id := range ids {
		if t := id.Tag(); t != 0 && t <= 0xFF {
			tags = append(tags, byte(t))
		}
	}
	return tlv.Encode(tlv.NewConstructed(EFCOM.Tag(),
		tlv.NewPrimitive(0x5F01, []byte(ldsVersion)),
		tlv.NewPrimitive(0x5F36, []byte(unicodeVersion)),
		tlv.NewPrimitive(0x5C, tags),
	))
}

// Describe reports the LDS index.
func (c *COM) Describe() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== EF.COM === LDS %s, Unicode %s", c.LDSVersion, c.UnicodeVersion))
	if c.raw != nil {
		tlv.WriteStructFields(&sb, "COM", c.raw)
	}
	sb.WriteString(fmt.Sprintf("\n    - Data groups: %s", dataGroupList(c.DataGroups)))
	return sb.String()
}
