package lds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixNow(t *testing.T, at time.Time) {
	t.Helper()
	orig := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = orig })
}

func TestParseMRZBirthDate(t *testing.T) {
	fixNow(t, time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC))

	t.Run("800101 is 1980", func(t *testing.T) {
		got, err := ParseMRZBirthDate("800101")
		require.NoError(t, err)
		require.Equal(t, time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("past date in this century is kept", func(t *testing.T) {
		got, err := ParseMRZBirthDate("150315")
		require.NoError(t, err)
		require.Equal(t, 2015, got.Year())
	})

	t.Run("today is kept", func(t *testing.T) {
		got, err := ParseMRZBirthDate("261019")
		require.NoError(t, err)
		require.Equal(t, 2026, got.Year())
	})

	t.Run("tomorrow is the previous century", func(t *testing.T) {
		got, err := ParseMRZBirthDate("261020")
		require.NoError(t, err)
		require.Equal(t, 1926, got.Year())
	})

	t.Run("invalid inputs", func(t *testing.T) {
		for _, s := range []string{"", "80010", "8001011", "80AB01", "801301", "800132", "800230", "<<<<<<"} {
			_, err := ParseMRZBirthDate(s)
			require.Error(t, err, "input %q", s)
		}
	})
}

func TestParseMRZExpiryDate(t *testing.T) {
	fixNow(t, time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC))

	t.Run("expired document stays in this century", func(t *testing.T) {
		got, err := ParseMRZExpiryDate("120415")
		require.NoError(t, err)
		require.Equal(t, time.Date(2012, time.April, 15, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("future expiry", func(t *testing.T) {
		got, err := ParseMRZExpiryDate("340101")
		require.NoError(t, err)
		require.Equal(t, 2034, got.Year())
	})

	t.Run("more than 50 years ahead is the previous century", func(t *testing.T) {
		got, err := ParseMRZExpiryDate("800101")
		require.NoError(t, err)
		require.Equal(t, 1980, got.Year())
	})

	t.Run("birth and expiry disagree on the same digits", func(t *testing.T) {
		birth, err := ParseMRZBirthDate("300101")
		require.NoError(t, err)
		expiry, err := ParseMRZExpiryDate("300101")
		require.NoError(t, err)
		require.Equal(t, 1930, birth.Year())
		require.Equal(t, 2030, expiry.Year())
	})
}

func TestParseFullDate(t *testing.T) {
	t.Run("19800101 is the same day as MRZ 800101", func(t *testing.T) {
		fixNow(t, time.Date(2026, time.October, 19, 0, 0, 0, 0, time.UTC))

		full, err := ParseFullDate("19800101")
		require.NoError(t, err)
		short, err := ParseMRZBirthDate("800101")
		require.NoError(t, err)
		require.True(t, full.Equal(short))
	})

	t.Run("no century guess", func(t *testing.T) {
		got, err := ParseFullDate("20991231")
		require.NoError(t, err)
		require.Equal(t, 2099, got.Year())
	})

	t.Run("leap day", func(t *testing.T) {
		_, err := ParseFullDate("20000229")
		require.NoError(t, err)
		_, err = ParseFullDate("19000229")
		require.Error(t, err)
	})

	t.Run("YYMMDD is rejected", func(t *testing.T) {
		_, err := ParseFullDate("800101")
		require.Error(t, err)
	})

	t.Run("BCD encoding", func(t *testing.T) {
		got, err := decodeFullDate([]byte{0x19, 0x80, 0x01, 0x01})
		require.NoError(t, err)
		require.Equal(t, time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC), got)

		_, err = decodeFullDate([]byte{0x19, 0x8A, 0x01, 0x01})
		require.Error(t, err)
	})
}
