package bac

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArgument is returned for document data that cannot form a BAC key.
var ErrInvalidArgument = errors.New("invalid BAC key argument")

// Key holds the printed MRZ fields the BAC keys are derived from.
// Dates are YYMMDD as printed; a birth date may show unknown parts as "<<".
// The value is immutable once built with NewKey.
type Key struct {
	DocumentNumber string
	DateOfBirth    string
	DateOfExpiry   string
}

// NewKey validates and normalizes document data into a Key.
// Spaces are removed, letters upper-cased and MRZ fillers kept.
func NewKey(documentNumber, dateOfBirth, dateOfExpiry string) (Key, error) {
	k := Key{
		DocumentNumber: normalize(documentNumber),
		DateOfBirth:    normalize(dateOfBirth),
		DateOfExpiry:   normalize(dateOfExpiry),
	}

	if trimmed := strings.TrimRight(k.DocumentNumber, "<"); trimmed == "" {
		return Key{}, fmt.Errorf("%w: empty document number", ErrInvalidArgument)
	}
	for _, r := range k.DocumentNumber {
		if _, ok := charValue(r); !ok {
			return Key{}, fmt.Errorf("%w: document number contains %q", ErrInvalidArgument, r)
		}
	}
	if err := validateDate("date of birth", k.DateOfBirth, true); err != nil {
		return Key{}, err
	}
	if err := validateDate("date of expiry", k.DateOfExpiry, false); err != nil {
		return Key{}, err
	}
	return k, nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

func validateDate(name, s string, unknownParts bool) error {
	if len(s) != 6 {
		return fmt.Errorf("%w: %s must be YYMMDD, got %q", ErrInvalidArgument, name, s)
	}
	var parts [3]int
	for i := range parts {
		p := s[2*i : 2*i+2]
		if unknownParts && p == "<<" {
			parts[i] = -1
			continue
		}
		if p[0] < '0' || p[0] > '9' || p[1] < '0' || p[1] > '9' {
			return fmt.Errorf("%w: %s must be YYMMDD, got %q", ErrInvalidArgument, name, s)
		}
		parts[i] = int(p[0]-'0')*10 + int(p[1]-'0')
	}
	month, day := parts[1], parts[2]
	if month == 0 || month > 12 || day == 0 || day > 31 {
		return fmt.Errorf("%w: %s %q is not a calendar date", ErrInvalidArgument, name, s)
	}
	return nil
}

// MRZInformation returns the string hashed into Kseed: document number padded
// to 9 characters, date of birth and date of expiry, each followed by its check digit.
func (k Key) MRZInformation() string {
	doc := k.DocumentNumber
	if len(doc) < 9 {
		doc += strings.Repeat("<", 9-len(doc))
	}

	var sb strings.Builder
	for _, field := range []string{doc, k.DateOfBirth, k.DateOfExpiry} {
		sb.WriteString(field)
		sb.WriteByte(CheckDigit(field))
	}
	return sb.String()
}

// String hides the document data.
func (k Key) String() string {
	return "bac.Key{...}"
}

// charValue maps an MRZ character to its check digit value.
func charValue(r rune) (int, bool) {
	switch {
	case r >= '0' && r <= '9':
		return int(r - '0'), true
	case r >= 'A' && r <= 'Z':
		return int(r-'A') + 10, true
	case r == '<':
		return 0, true
	default:
		return 0, false
	}
}

// CheckDigit computes the ICAO 9303-3 check digit of an MRZ field
// (weights 7, 3, 1 repeating, modulo 10). Characters outside the MRZ
// alphabet count as fillers.
func CheckDigit(field string) byte {
	weights := [3]int{7, 3, 1}
	sum := 0
	for i, r := range field {
		v, _ := charValue(r)
		sum += v * weights[i%3]
	}
	return byte('0' + sum%10)
}

// KeyFromMRZ builds a key from a printed MRZ (TD1, TD2 or TD3, lines
// separated by newlines). The check digits of the three fields are verified.
func KeyFromMRZ(mrz string) (Key, error) {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(mrz, "\r", ""), "\n") {
		if l = normalize(l); l != "" {
			lines = append(lines, l)
		}
	}

	var doc, docCD, dob, dobCD, doe, doeCD string
	switch {
	case len(lines) == 3 && len(lines[0]) == 30 && len(lines[1]) == 30:
		doc, docCD = lines[0][5:14], lines[0][14:15]
		if docCD == "<" {
			// Long document number continues in the optional data,
			// its check digit is the last character before the filler.
			ext := strings.TrimRight(lines[0][15:30], "<")
			if ext == "" {
				return Key{}, fmt.Errorf("%w: truncated long document number", ErrInvalidArgument)
			}
			doc, docCD = doc+ext[:len(ext)-1], ext[len(ext)-1:]
		}
		dob, dobCD = lines[1][0:6], lines[1][6:7]
		doe, doeCD = lines[1][8:14], lines[1][14:15]
	case len(lines) == 2 && (len(lines[1]) == 44 || len(lines[1]) == 36):
		l := lines[1]
		doc, docCD = l[0:9], l[9:10]
		dob, dobCD = l[13:19], l[19:20]
		doe, doeCD = l[21:27], l[27:28]
	case len(lines) == 1 && (len(lines[0]) == 44 || len(lines[0]) == 36):
		l := lines[0]
		doc, docCD = l[0:9], l[9:10]
		dob, dobCD = l[13:19], l[19:20]
		doe, doeCD = l[21:27], l[27:28]
	default:
		return Key{}, fmt.Errorf("%w: unrecognized MRZ layout", ErrInvalidArgument)
	}

	for _, f := range []struct{ name, value, cd string }{
		{"document number", doc, docCD},
		{"date of birth", dob, dobCD},
		{"date of expiry", doe, doeCD},
	} {
		if string(CheckDigit(f.value)) != f.cd {
			return Key{}, fmt.Errorf("%w: %s check digit mismatch", ErrInvalidArgument, f.name)
		}
	}

	return NewKey(strings.TrimRight(doc, "<"), dob, doe)
}
