package iso7816

import "fmt"

// AUTHENTICATION COMMANDS (ISO 7816-4, as profiled by ICAO 9303-11 for BAC):
//
// GET CHALLENGE (INS '84'): the card returns Le random bytes. BAC asks for 8.
//
// EXTERNAL AUTHENTICATE (INS '82'): used by BAC as MUTUAL AUTHENTICATE.
// The terminal sends its cryptogram and MAC (40 bytes) and the card answers
// with its own cryptogram and MAC (40 bytes). P1-P2 = 0000: the key is known
// implicitly from the document data.

// BACChallengeLength is the nonce size returned by GET CHALLENGE for BAC.
const BACChallengeLength = 8

// GetChallenge creates a GET CHALLENGE command requesting n random bytes.
func GetChallenge(cla Class, n int) *CommandAPDU {
	ins, _ := NewInstruction(INS_GET_CHALLENGE)
	return NewCommandAPDU(cla, ins, 0x00, 0x00, nil, n)
}

// MutualAuthenticate creates a MUTUAL AUTHENTICATE command carrying the
// terminal cryptogram and expecting ne bytes back.
func MutualAuthenticate(cla Class, data []byte, ne int) (*CommandAPDU, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("mutual authenticate requires a cryptogram")
	}
	ins, _ := NewInstruction(INS_MUTUAL_AUTHENTICATE)
	return NewCommandAPDU(cla, ins, 0x00, 0x00, data, ne), nil
}
