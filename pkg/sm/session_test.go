package sm

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// Worked example from ICAO 9303-11 Appendix D.4.
var (
	icaoKSenc = tlv.Hex("979EC13B1CBFE9DCD01AB0FED307EAE5")
	icaoKSmac = tlv.Hex("F1CB1F1FB5ADF208806B89DC579DC1F8")
)

const icaoSSC uint64 = 0x887022120C06C226

func icaoSession(t *testing.T, ssc uint64) *Session {
	t.Helper()
	s, err := NewSession(icaoKSenc, icaoKSmac, ssc)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

func selectEFCOM() *iso7816.CommandAPDU {
	cls, _ := iso7816.NewClass(0x00)
	return iso7816.SelectEF(cls, 0x011E)
}

func readFirstBytes() *iso7816.CommandAPDU {
	cls, _ := iso7816.NewClass(0x00)
	cmd, _ := iso7816.ReadBinary(cls, 0, 4)
	return cmd
}

func mustParse(t *testing.T, raw []byte) *iso7816.ResponseAPDU {
	t.Helper()
	resp, err := iso7816.ParseResponseAPDU(raw)
	if err != nil {
		t.Fatalf("ParseResponseAPDU() error = %v", err)
	}
	return resp
}

func TestSession_ICAOWorkedExample(t *testing.T) {
	s := icaoSession(t, icaoSSC)

	steps := []struct {
		name      string
		cmd       *iso7816.CommandAPDU
		protected []byte
		response  []byte
		wantData  []byte
		wantSSC   uint64
	}{
		{
			name:      "SELECT EF.COM",
			cmd:       selectEFCOM(),
			protected: tlv.Hex("0CA4020C15", "8709016375432908C044F6", "8E08BF8B92D635FF24F8", "00"),
			response:  tlv.Hex("99029000", "8E08FA855A5D4C50A8ED", "9000"),
			wantSSC:   0x887022120C06C228,
		},
		{
			name:      "READ BINARY first four bytes",
			cmd:       readFirstBytes(),
			protected: tlv.Hex("0CB000000D", "970104", "8E08ED6705417E96BA55", "00"),
			response:  tlv.Hex("8709019FF0EC34F9922651", "99029000", "8E08AD55CC17140B2DED", "9000"),
			wantData:  tlv.Hex("60145F01"),
			wantSSC:   0x887022120C06C22A,
		},
	}

	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			wrapped, err := s.Protect(st.cmd)
			if err != nil {
				t.Fatalf("Protect() error = %v", err)
			}
			raw, err := wrapped.Bytes()
			if err != nil {
				t.Fatalf("Bytes() error = %v", err)
			}
			if diff := cmp.Diff(st.protected, raw); diff != "" {
				t.Errorf("protected APDU mismatch (-want +got):\n%s", diff)
			}

			resp, err := s.Unprotect(mustParse(t, st.response))
			if err != nil {
				t.Fatalf("Unprotect() error = %v", err)
			}
			if resp.Status != iso7816.SW_NO_ERROR {
				t.Errorf("status = %s", resp.Status.Verbose())
			}
			if !bytes.Equal(resp.Data, st.wantData) {
				t.Errorf("data = %X, want %X", resp.Data, st.wantData)
			}
			if s.SSC() != st.wantSSC {
				t.Errorf("SSC = %016X, want %016X", s.SSC(), st.wantSSC)
			}
		})
	}
}

func TestSession_TamperedResponse(t *testing.T) {
	response := tlv.Hex("8709019FF0EC34F9922651", "99029000", "8E08AD55CC17140B2DED")

	// Every bit of the encrypted data (bytes 3-10) and of the checksum (bytes 17-24).
	var positions []int
	for i := 3; i <= 10; i++ {
		positions = append(positions, i)
	}
	for i := 17; i <= 24; i++ {
		positions = append(positions, i)
	}

	for _, pos := range positions {
		for bit := 0; bit < 8; bit++ {
			s := icaoSession(t, 0x887022120C06C228)
			if _, err := s.Protect(readFirstBytes()); err != nil {
				t.Fatalf("Protect() error = %v", err)
			}

			tampered := append([]byte(nil), response...)
			tampered[pos] ^= 1 << bit

			_, err := s.Unprotect(&iso7816.ResponseAPDU{Data: tampered, Status: iso7816.SW_NO_ERROR})
			if !errors.Is(err, ErrMacMismatch) {
				t.Fatalf("byte %d bit %d: Unprotect() error = %v, want ErrMacMismatch", pos, bit, err)
			}
			if s.Err() == nil {
				t.Fatalf("byte %d bit %d: session still usable after MAC failure", pos, bit)
			}
			if s.encKey != [KeySize]byte{} || s.macKey != [KeySize]byte{} {
				t.Fatalf("byte %d bit %d: keys not wiped", pos, bit)
			}
		}
	}
}

func TestSession_Sequence(t *testing.T) {
	t.Run("Unprotect without command", func(t *testing.T) {
		s := icaoSession(t, icaoSSC)
		_, err := s.Unprotect(mustParse(t, tlv.Hex("99029000", "8E08FA855A5D4C50A8ED", "9000")))
		if !errors.Is(err, ErrSequence) {
			t.Fatalf("Unprotect() error = %v, want ErrSequence", err)
		}
		if s.SSC() != icaoSSC {
			t.Errorf("SSC moved to %016X", s.SSC())
		}
	})

	t.Run("Two commands without response", func(t *testing.T) {
		s := icaoSession(t, icaoSSC)
		if _, err := s.Protect(selectEFCOM()); err != nil {
			t.Fatalf("first Protect() error = %v", err)
		}
		if _, err := s.Protect(selectEFCOM()); !errors.Is(err, ErrSequence) {
			t.Fatalf("second Protect() error = %v, want ErrSequence", err)
		}
		// The session stays dead.
		if _, err := s.Protect(selectEFCOM()); !errors.Is(err, ErrSequence) {
			t.Errorf("Protect() after failure error = %v, want the original ErrSequence", err)
		}
	})

	t.Run("Counter is strictly increasing", func(t *testing.T) {
		s := icaoSession(t, icaoSSC)
		last := s.SSC()
		if _, err := s.Protect(selectEFCOM()); err != nil {
			t.Fatalf("Protect() error = %v", err)
		}
		if s.SSC() != last+1 {
			t.Errorf("SSC after Protect = %016X, want %016X", s.SSC(), last+1)
		}
		if _, err := s.Unprotect(mustParse(t, tlv.Hex("99029000", "8E08FA855A5D4C50A8ED", "9000"))); err != nil {
			t.Fatalf("Unprotect() error = %v", err)
		}
		if s.SSC() != last+2 {
			t.Errorf("SSC after Unprotect = %016X, want %016X", s.SSC(), last+2)
		}
	})

	t.Run("Counter overflow", func(t *testing.T) {
		s := icaoSession(t, math.MaxUint64)
		if _, err := s.Protect(selectEFCOM()); !errors.Is(err, ErrCounterOverflow) {
			t.Fatalf("Protect() error = %v, want ErrCounterOverflow", err)
		}
	})
}

func TestSession_StatusOnlyResponses(t *testing.T) {
	tests := []struct {
		name       string
		sw         iso7816.StatusWord
		wantErr    error
		wantStatus iso7816.StatusWord
	}{
		{"Card rejected SM objects (6987)", iso7816.SW_ERR_SM_OBJ_MISSING, ErrCardRejected, 0},
		{"Card rejected SM objects (6988)", iso7816.SW_ERR_SM_OBJ_INCORRECT, ErrCardRejected, 0},
		{"Success without checksum", iso7816.SW_NO_ERROR, ErrMacMismatch, 0},
		{"File not found passes through", iso7816.SW_ERR_FILE_NOT_FOUND, nil, iso7816.SW_ERR_FILE_NOT_FOUND},
		{"Security status not satisfied passes through", iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT, nil, iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := icaoSession(t, icaoSSC)
			if _, err := s.Protect(selectEFCOM()); err != nil {
				t.Fatalf("Protect() error = %v", err)
			}

			resp, err := s.Unprotect(&iso7816.ResponseAPDU{Status: tt.sw})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Unprotect() error = %v, want %v", err, tt.wantErr)
				}
				if s.Err() == nil {
					t.Error("session should be invalidated")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unprotect() error = %v", err)
			}
			if resp.Status != tt.wantStatus || len(resp.Data) != 0 {
				t.Errorf("Unprotect() = %v", resp)
			}
			if s.Err() != nil {
				t.Errorf("session invalidated: %v", s.Err())
			}
		})
	}
}

func TestSession_MalformedResponse(t *testing.T) {
	s := icaoSession(t, icaoSSC)
	if _, err := s.Protect(selectEFCOM()); err != nil {
		t.Fatalf("Protect() error = %v", err)
	}

	_, err := s.Unprotect(&iso7816.ResponseAPDU{Data: tlv.Hex("99 05 90"), Status: iso7816.SW_NO_ERROR})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Unprotect() error = %v, want ErrMalformed", err)
	}
	var smErr *Error
	if !errors.As(err, &smErr) || smErr.Op != "unprotect" {
		t.Errorf("error %v is not an unprotect *Error", err)
	}
}

func TestSession_Close(t *testing.T) {
	s := icaoSession(t, icaoSSC)
	s.Close()

	if s.encKey != [KeySize]byte{} || s.macKey != [KeySize]byte{} {
		t.Error("Close() did not wipe the keys")
	}
	if _, err := s.Protect(selectEFCOM()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Protect() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestNewSession_InvalidKeys(t *testing.T) {
	if _, err := NewSession(make([]byte, 8), icaoKSmac, 0); err == nil {
		t.Error("NewSession() with short key should fail")
	}
}
