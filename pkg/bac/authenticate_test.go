package bac_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/gregLibert/mrtd-reader/pkg/bac"
	"github.com/gregLibert/mrtd-reader/pkg/emulator"
	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

var icaoKey = bac.Key{DocumentNumber: "L898902C", DateOfBirth: "690806", DateOfExpiry: "940623"}

// scripted answers each APDU with the next canned response.
type scripted struct {
	responses [][]byte
	sent      [][]byte
}

func (s *scripted) Transmit(cmd []byte) ([]byte, error) {
	s.sent = append(s.sent, cmd)
	if len(s.responses) == 0 {
		return []byte{0x6F, 0x00}, nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func icaoChip(t *testing.T, faults emulator.Faults) (*emulator.Chip, *iso7816.Client) {
	t.Helper()
	chip := emulator.New(icaoKey, map[lds.FileID][]byte{lds.EFCOM: lds.EncodeCOM("0107", "040000", lds.EFDG1)})
	chip.Rand = bytes.NewReader(tlv.Hex("4608F91988702212", "0B4F80323EB3191CB04970CB4052790B"))
	chip.Faults = faults

	client := iso7816.NewClient(chip)
	cls, _ := iso7816.NewClass(0x00)
	if _, err := client.Transmit(iso7816.SelectApplet(cls, lds.AID)); err != nil {
		t.Fatalf("SELECT applet error = %v", err)
	}
	return chip, client
}

func terminalRand() *bytes.Reader {
	return bytes.NewReader(tlv.Hex("781723860C06C226", "0B795240CB7049B01C19B33E32804F0B"))
}

func TestAuthenticate_ICAOWorkedExample(t *testing.T) {
	chip, client := icaoChip(t, emulator.Faults{})

	session, err := (&bac.Authenticator{Rand: terminalRand()}).Authenticate(client, icaoKey)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	defer session.Close()

	if got, want := session.SSC(), uint64(0x887022120C06C226); got != want {
		t.Errorf("SSC() = %016X, want %016X", got, want)
	}
	if !chip.Authenticated() {
		t.Error("chip should hold a session")
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	wrongKey := bac.Key{DocumentNumber: "L898902C", DateOfBirth: "690806", DateOfExpiry: "940624"}

	tests := []struct {
		name     string
		run      func(t *testing.T) error
		wantStep string
		wantSW   iso7816.StatusWord
		wantErr  error
	}{
		{
			name: "Wrong document data",
			run: func(t *testing.T) error {
				_, client := icaoChip(t, emulator.Faults{})
				_, err := (&bac.Authenticator{Rand: terminalRand()}).Authenticate(client, wrongKey)
				return err
			},
			wantStep: bac.StepMutualAuthenticate,
			wantSW:   iso7816.SW_WARN_NV_CHANGED_NO_INFO,
		},
		{
			name: "Applet not selected",
			run: func(t *testing.T) error {
				chip := emulator.New(icaoKey, nil)
				_, err := bac.Authenticate(iso7816.NewClient(chip), icaoKey)
				return err
			},
			wantStep: bac.StepGetChallenge,
			wantSW:   iso7816.SW_ERR_COND_OF_USE_NOT_SAT,
		},
		{
			name: "Short challenge",
			run: func(t *testing.T) error {
				card := &scripted{responses: [][]byte{tlv.Hex("0102030490 00")}}
				_, err := bac.Authenticate(iso7816.NewClient(card), icaoKey)
				return err
			},
			wantStep: bac.StepGetChallenge,
			wantSW:   iso7816.SW_NO_ERROR,
		},
		{
			name: "Card cryptogram checksum",
			run: func(t *testing.T) error {
				card := &scripted{responses: [][]byte{
					tlv.Hex("4608F91988702212 9000"),
					append(make([]byte, 40), 0x90, 0x00),
				}}
				_, err := (&bac.Authenticator{Rand: terminalRand()}).Authenticate(iso7816.NewClient(card), icaoKey)
				return err
			},
			wantStep: bac.StepVerify,
		},
		{
			name: "Card removed",
			run: func(t *testing.T) error {
				_, client := icaoChip(t, emulator.Faults{RemoveAfter: 2})
				_, err := (&bac.Authenticator{Rand: terminalRand()}).Authenticate(client, icaoKey)
				return err
			},
			wantStep: bac.StepMutualAuthenticate,
			wantErr:  iso7816.ErrDisconnected,
		},
		{
			name: "Randomness exhausted",
			run: func(t *testing.T) error {
				_, client := icaoChip(t, emulator.Faults{})
				_, err := (&bac.Authenticator{Rand: bytes.NewReader([]byte{0x01})}).Authenticate(client, icaoKey)
				return err
			},
			wantStep: bac.StepMutualAuthenticate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(t)
			if !errors.Is(err, bac.ErrHandshakeFailed) {
				t.Fatalf("Authenticate() error = %v, want ErrHandshakeFailed", err)
			}
			var be *bac.Error
			if !errors.As(err, &be) {
				t.Fatalf("Authenticate() error %T is not *bac.Error", err)
			}
			if be.Step != tt.wantStep {
				t.Errorf("Step = %q, want %q", be.Step, tt.wantStep)
			}
			if tt.wantSW != 0 && be.SW != tt.wantSW {
				t.Errorf("SW = %04X, want %04X", uint16(be.SW), uint16(tt.wantSW))
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticate_FreshNonces(t *testing.T) {
	chip := emulator.New(icaoKey, nil)
	client := iso7816.NewClient(chip)
	cls, _ := iso7816.NewClass(0x00)
	if _, err := client.Transmit(iso7816.SelectApplet(cls, lds.AID)); err != nil {
		t.Fatalf("SELECT applet error = %v", err)
	}

	first, err := bac.Authenticate(client, icaoKey)
	if err != nil {
		t.Fatalf("first Authenticate() error = %v", err)
	}
	second, err := bac.Authenticate(client, icaoKey)
	if err != nil {
		t.Fatalf("second Authenticate() error = %v", err)
	}
	if first.SSC() == second.SSC() {
		t.Error("two handshakes produced the same send sequence counter")
	}
}

// keepingReader remembers the buffers it filled.
type keepingReader struct {
	r    io.Reader
	bufs [][]byte
}

func (k *keepingReader) Read(p []byte) (int, error) {
	k.bufs = append(k.bufs, p)
	return k.r.Read(p)
}

func TestAuthenticate_WipesKeyMaterial(t *testing.T) {
	wrongKey := bac.Key{DocumentNumber: "L898902C", DateOfBirth: "690806", DateOfExpiry: "940624"}

	tests := []struct {
		name    string
		key     bac.Key
		wantErr bool
	}{
		{name: "Success", key: icaoKey},
		{name: "Rejected cryptogram", key: wrongKey, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := icaoChip(t, emulator.Faults{})
			rnd := &keepingReader{r: terminalRand()}

			session, err := (&bac.Authenticator{Rand: rnd}).Authenticate(client, tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if session != nil {
				session.Close()
			}

			if len(rnd.bufs) == 0 {
				t.Fatal("no randomness was read")
			}
			for i, buf := range rnd.bufs {
				if !bytes.Equal(buf, make([]byte, len(buf))) {
					t.Errorf("buffer %d still holds %X", i, buf)
				}
			}
		})
	}
}
