// Package lds decodes the files of the ICAO 9303-10 Logical Data Structure
// read from an eMRTD chip: EF.COM, EF.DG1 (MRZ), EF.DG2 (face) and EF.DG11
// (additional personal details).
package lds

import (
	"fmt"
	"strings"
)

// AID is the application identifier of the eMRTD LDS1 applet.
var AID = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}

// FileID is the two-byte file identifier of an elementary file in the
// eMRTD application. The set is fixed by ICAO 9303-10.
type FileID uint16

const (
	EFCardAccess FileID = 0x011C
	EFSOD        FileID = 0x011D
	EFCOM        FileID = 0x011E
	EFDG1        FileID = 0x0101
	EFDG2        FileID = 0x0102
	EFDG3        FileID = 0x0103
	EFDG4        FileID = 0x0104
	EFDG5        FileID = 0x0105
	EFDG6        FileID = 0x0106
	EFDG7        FileID = 0x0107
	EFDG8        FileID = 0x0108
	EFDG9        FileID = 0x0109
	EFDG10       FileID = 0x010A
	EFDG11       FileID = 0x010B
	EFDG12       FileID = 0x010C
	EFDG13       FileID = 0x010D
	EFDG14       FileID = 0x010E
	EFDG15       FileID = 0x010F
	EFDG16       FileID = 0x0110
)

type fileInfo struct {
	name string
	sfi  byte
	tag  uint32 // outer LDS tag, zero for files outside the LDS templates
}

var files = map[FileID]fileInfo{
	EFCardAccess: {"EF_CARD_ACCESS", 0x1C, 0},
	EFSOD:        {"EF_SOD", 0x1D, 0x77},
	EFCOM:        {"EF_COM", 0x1E, 0x60},
	EFDG1:        {"EF_DG1", 0x01, 0x61},
	EFDG2:        {"EF_DG2", 0x02, 0x75},
	EFDG3:        {"EF_DG3", 0x03, 0x63},
	EFDG4:        {"EF_DG4", 0x04, 0x76},
	EFDG5:        {"EF_DG5", 0x05, 0x65},
	EFDG6:        {"EF_DG6", 0x06, 0x66},
	EFDG7:        {"EF_DG7", 0x07, 0x67},
	EFDG8:        {"EF_DG8", 0x08, 0x68},
	EFDG9:        {"EF_DG9", 0x09, 0x69},
	EFDG10:       {"EF_DG10", 0x0A, 0x6A},
	EFDG11:       {"EF_DG11", 0x0B, 0x6B},
	EFDG12:       {"EF_DG12", 0x0C, 0x6C},
	EFDG13:       {"EF_DG13", 0x0D, 0x6D},
	EFDG14:       {"EF_DG14", 0x0E, 0x6E},
	EFDG15:       {"EF_DG15", 0x0F, 0x6F},
	EFDG16:       {"EF_DG16", 0x10, 0x70},
}

// AllFiles lists every known file in file identifier order.
func AllFiles() []FileID {
	return []FileID{
		EFDG1, EFDG2, EFDG3, EFDG4, EFDG5, EFDG6, EFDG7, EFDG8,
		EFDG9, EFDG10, EFDG11, EFDG12, EFDG13, EFDG14, EFDG15, EFDG16,
		EFCardAccess, EFSOD, EFCOM,
	}
}

// Known reports whether f belongs to the fixed eMRTD file set.
func (f FileID) Known() bool {
	_, ok := files[f]
	return ok
}

// String returns the ICAO name, e.g. "EF_DG1".
func (f FileID) String() string {
	if info, ok := files[f]; ok {
		return info.name
	}
	return fmt.Sprintf("FileID(0x%04X)", uint16(f))
}

// SFI returns the short file identifier.
func (f FileID) SFI() byte {
	return files[f].sfi
}

// Tag returns the tag that wraps the file content, or zero.
func (f FileID) Tag() uint32 {
	return files[f].tag
}

// FileByTag maps an LDS tag, as listed in EF.COM, to its file.
func FileByTag(tag uint32) (FileID, bool) {
	for id, info := range files {
		if info.tag != 0 && info.tag == tag {
			return id, true
		}
	}
	return 0, false
}

// ParseFileID accepts "EF_DG14", "DG14" or "ef.dg14" style names.
func ParseFileID(name string) (FileID, bool) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, ".", "_")
	if !strings.HasPrefix(n, "EF_") {
		n = "EF_" + n
	}
	for id, info := range files {
		if info.name == n {
			return id, true
		}
	}
	return 0, false
}

// MarshalText encodes the file name, so FileID keys read well in JSON and YAML.
func (f FileID) MarshalText() ([]byte, error) {
	if !f.Known() {
		return nil, fmt.Errorf("unknown file identifier %04X", uint16(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText decodes a file name.
func (f *FileID) UnmarshalText(text []byte) error {
	id, ok := ParseFileID(string(text))
	if !ok {
		return fmt.Errorf("unknown eMRTD file %q", text)
	}
	*f = id
	return nil
}

// ParseError reports a file whose content could not be decoded.
type ParseError struct {
	File  FileID
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: invalid %s: %v", e.File, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
