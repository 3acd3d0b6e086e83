package lds

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// The MRZ carries YYMMDD dates, DG11 carries YYYYMMDD. The two are kept as
// separate conversions: only the MRZ form needs a century guess, and that
// guess differs between birth and expiry.

// now is replaced in tests.
var now = time.Now

var errDateFormat = errors.New("malformed date")

// expiryWindow is how far into the future a two-digit expiry year may land
// before it is read as the previous century.
const expiryWindow = 50

func parseDigits(s string) (int, bool) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func calendarDate(year, month, day int) (time.Time, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, errDateFormat
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d does not exist", errDateFormat, year, month, day)
	}
	return t, nil
}

func splitYYMMDD(s string) (yy, mm, dd int, err error) {
	if len(s) != 6 {
		return 0, 0, 0, fmt.Errorf("%w: %q is not YYMMDD", errDateFormat, s)
	}
	var ok [3]bool
	yy, ok[0] = parseDigits(s[0:2])
	mm, ok[1] = parseDigits(s[2:4])
	dd, ok[2] = parseDigits(s[4:6])
	if !ok[0] || !ok[1] || !ok[2] {
		return 0, 0, 0, fmt.Errorf("%w: %q is not YYMMDD", errDateFormat, s)
	}
	return yy, mm, dd, nil
}

// hasUnknownParts reports whether a printed YYMMDD date replaces the parts
// that are not known with fillers, e.g. "7408<<" or "<<<<<<".
func hasUnknownParts(s string) bool {
	if len(s) != 6 || !strings.Contains(s, "<") {
		return false
	}
	for i := 0; i < len(s); i += 2 {
		if part := s[i : i+2]; part != "<<" {
			if _, ok := parseDigits(part); !ok {
				return false
			}
		}
	}
	return true
}

// ParseMRZBirthDate converts a YYMMDD birth date. A date of birth cannot be in
// the future, so a year that would be is moved back one century.
func ParseMRZBirthDate(s string) (time.Time, error) {
	yy, mm, dd, err := splitYYMMDD(s)
	if err != nil {
		return time.Time{}, err
	}
	t, err := calendarDate(2000+yy, mm, dd)
	if err != nil {
		return time.Time{}, err
	}
	if t.After(now()) {
		t = t.AddDate(-100, 0, 0)
	}
	return t, nil
}

// ParseMRZExpiryDate converts a YYMMDD expiry date. Expiry dates are read in
// the current century unless that puts them more than 50 years ahead.
func ParseMRZExpiryDate(s string) (time.Time, error) {
	yy, mm, dd, err := splitYYMMDD(s)
	if err != nil {
		return time.Time{}, err
	}
	t, err := calendarDate(2000+yy, mm, dd)
	if err != nil {
		return time.Time{}, err
	}
	if t.After(now().AddDate(expiryWindow, 0, 0)) {
		t = t.AddDate(-100, 0, 0)
	}
	return t, nil
}

// ParseFullDate converts a YYYYMMDD date as found in DG11.
func ParseFullDate(s string) (time.Time, error) {
	if len(s) != 8 {
		return time.Time{}, fmt.Errorf("%w: %q is not YYYYMMDD", errDateFormat, s)
	}
	year, ok1 := parseDigits(s[0:4])
	month, ok2 := parseDigits(s[4:6])
	day, ok3 := parseDigits(s[6:8])
	if !ok1 || !ok2 || !ok3 {
		return time.Time{}, fmt.Errorf("%w: %q is not YYYYMMDD", errDateFormat, s)
	}
	return calendarDate(year, month, day)
}

// decodeFullDate accepts the two encodings found on chips: eight ASCII digits
// or four BCD bytes.
func decodeFullDate(raw []byte) (time.Time, error) {
	if len(raw) == 4 {
		return ParseFullDate(fmt.Sprintf("%02X%02X%02X%02X", raw[0], raw[1], raw[2], raw[3]))
	}
	return ParseFullDate(string(raw))
}
