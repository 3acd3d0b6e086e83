package iso7816

import (
	"fmt"

	"github.com/gregLibert/mrtd-reader/pkg/bits"
)

// CLA byte (ISO/IEC 7816-4, 5.4.1).
//
// An inspection system sends 0x00 until BAC succeeds and 0x0C afterwards:
// first interindustry range, logical channel 0, and SM with an authenticated
// header. Anything else shows up only when decoding foreign traffic.
//
//	0 0 x x  x x x x   first interindustry: b5 chaining, b4-b3 SM, b2-b1 channel 0-3
//	0 1 x x  x x x x   further interindustry: b6 SM, b5 chaining, b4-b1 channel 4-19
//	1 x x x  x x x x   proprietary (0xFF is invalid)

// SecureMessaging is the SM indication of a CLA byte.
type SecureMessaging int

const (
	SMNone         SecureMessaging = 0
	SMProprietary  SecureMessaging = 1 // first interindustry only
	SMHeaderNoProc SecureMessaging = 2
	SMHeaderAuth   SecureMessaging = 3 // first interindustry only
)

func (sm SecureMessaging) String() string {
	switch sm {
	case SMNone:
		return "none"
	case SMProprietary:
		return "proprietary"
	case SMHeaderNoProc:
		return "ISO, header not authenticated"
	case SMHeaderAuth:
		return "ISO, header authenticated"
	}
	return fmt.Sprintf("SecureMessaging(%d)", int(sm))
}

// Class is a decoded CLA byte.
type Class struct {
	Raw             byte
	IsProprietary   bool
	IsChained       bool
	SecureMessaging SecureMessaging
	Channel         uint8 // 0-19
}

// NewClass decodes a raw CLA byte.
func NewClass(cla byte) (Class, error) {
	if cla == 0xFF {
		return Class{}, fmt.Errorf("invalid CLA 0xFF")
	}
	c := Class{Raw: cla}

	switch {
	case bits.IsSet(cla, 8):
		c.IsProprietary = true
	case bits.IsSet(cla, 7):
		c.IsChained = bits.IsSet(cla, 5)
		if bits.IsSet(cla, 6) {
			c.SecureMessaging = SMHeaderNoProc
		}
		c.Channel = 4 + bits.GetRange(cla, 4, 1)
	default:
		c.IsChained = bits.IsSet(cla, 5)
		c.SecureMessaging = SecureMessaging(bits.GetRange(cla, 4, 3))
		c.Channel = bits.GetRange(cla, 2, 1)
	}
	return c, nil
}

// NewInterindustryClass encodes an interindustry class, picking the first
// range for channels 0-3 and the further range for 4-19.
func NewInterindustryClass(isChained bool, sm SecureMessaging, channel uint8) (Class, error) {
	c := Class{IsChained: isChained, SecureMessaging: sm, Channel: channel}
	raw, err := c.Encode()
	if err != nil {
		return Class{}, err
	}
	c.Raw = raw
	return c, nil
}

// Encode returns the CLA byte for c.
func (c *Class) Encode() (byte, error) {
	if c.IsProprietary {
		return c.Raw, nil
	}
	if c.SecureMessaging < SMNone || c.SecureMessaging > SMHeaderAuth {
		return 0, fmt.Errorf("invalid SM indication %d", c.SecureMessaging)
	}

	var cla byte
	if c.IsChained {
		cla = bits.Set(cla, 5)
	}

	switch {
	case c.Channel <= 3:
		cla |= byte(c.SecureMessaging)<<2 | c.Channel
	case c.Channel <= 19:
		if c.SecureMessaging == SMProprietary || c.SecureMessaging == SMHeaderAuth {
			return 0, fmt.Errorf("SM %q needs a channel below 4, got %d", c.SecureMessaging, c.Channel)
		}
		cla = bits.Set(cla, 7)
		if c.SecureMessaging == SMHeaderNoProc {
			cla = bits.Set(cla, 6)
		}
		cla |= c.Channel - 4
	default:
		return 0, fmt.Errorf("logical channel %d out of range 0-19", c.Channel)
	}
	return cla, nil
}

// WithSecureMessaging returns a copy of c carrying the given SM indication.
// Proprietary classes are returned unchanged.
func (c Class) WithSecureMessaging(sm SecureMessaging) (Class, error) {
	if c.IsProprietary {
		return c, nil
	}
	return NewInterindustryClass(c.IsChained, sm, c.Channel)
}

// IsSecure reports whether the class announces ISO secure messaging.
func (c Class) IsSecure() bool {
	return !c.IsProprietary && (c.SecureMessaging == SMHeaderNoProc || c.SecureMessaging == SMHeaderAuth)
}

// Verbose describes the class on one line, e.g.
// "CLA 0x0C: channel 0, SM ISO, header authenticated".
func (c Class) Verbose() string {
	if c.IsProprietary {
		return fmt.Sprintf("CLA 0x%02X: proprietary", c.Raw)
	}
	s := fmt.Sprintf("CLA 0x%02X: channel %d, SM %s", c.Raw, c.Channel, c.SecureMessaging)
	if c.IsChained {
		s += ", chained"
	}
	return s
}
