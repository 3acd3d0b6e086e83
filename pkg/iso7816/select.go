package iso7816

import (
	"fmt"
)

// SELECT (INS 'A4') as an inspection system issues it (ICAO 9303-10):
//
//	00 A4 04 0C 07 A0000002471001   eMRTD application by AID
//	0C A4 02 0C 0F 8709...8E08...   EF.COM (011E) under secure messaging
//
// P1 names the target, P2 bits 4-3 choose the response content and bits 2-1
// the occurrence. Readers ask for the first occurrence and no response data.

// SelectionMethod is the P1 of a SELECT.
type SelectionMethod byte

const (
	SelectByFileID         SelectionMethod = 0x00
	SelectEFUnderCurrentDF SelectionMethod = 0x02
	SelectByDFName         SelectionMethod = 0x04 // AID
	SelectPathFromMF       SelectionMethod = 0x08
)

func (s SelectionMethod) String() string {
	switch s {
	case SelectByFileID:
		return "by file identifier"
	case SelectEFUnderCurrentDF:
		return "EF under current DF"
	case SelectByDFName:
		return "by DF name"
	case SelectPathFromMF:
		return "path from MF"
	}
	return fmt.Sprintf("SelectionMethod(0x%02X)", byte(s))
}

// SelectionControl is the response content requested in P2.
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0x00
	ReturnFCP    SelectionControl = 0x04
	ReturnFMD    SelectionControl = 0x08
	ReturnNoData SelectionControl = 0x0C
)

func (s SelectionControl) String() string {
	switch s {
	case ReturnFCI:
		return "FCI"
	case ReturnFCP:
		return "FCP"
	case ReturnFMD:
		return "FMD"
	case ReturnNoData:
		return "no data"
	}
	return fmt.Sprintf("SelectionControl(0x%02X)", byte(s))
}

// Select builds a SELECT of the first or only occurrence of the target.
// Le is only present when response data is requested and no data is sent;
// a command carrying data gets its answer through 61XX.
func Select(cla Class, method SelectionMethod, ctrl SelectionControl, data []byte) *CommandAPDU {
	ins, _ := NewInstruction(INS_SELECT)

	ne := 0
	if len(data) == 0 && ctrl != ReturnNoData {
		ne = MaxShortLe
	}
	return NewCommandAPDU(cla, ins, byte(method), byte(ctrl)&0x0C, data, ne)
}

// SelectApplet selects an application by AID without requesting FCI.
func SelectApplet(cla Class, aid []byte) *CommandAPDU {
	return Select(cla, SelectByDFName, ReturnNoData, aid)
}

// SelectEF selects an elementary file under the current DF by its file identifier.
func SelectEF(cla Class, fid uint16) *CommandAPDU {
	return Select(cla, SelectEFUnderCurrentDF, ReturnNoData, []byte{byte(fid >> 8), byte(fid)})
}

// SelectTarget reports how a received SELECT names its target.
func SelectTarget(cmd *CommandAPDU) (SelectionMethod, SelectionControl) {
	return SelectionMethod(cmd.P1), SelectionControl(cmd.P2 & 0x0C)
}
