package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/gregLibert/mrtd-reader/internal/config"
	"github.com/gregLibert/mrtd-reader/pkg/emulator"
	"github.com/gregLibert/mrtd-reader/pkg/images"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
)

// specimen fills e with the ICAO 9303 TD3 specimen holder.
func specimen(e config.EmulatorConfig) config.EmulatorConfig {
	e.MRZ = []string{
		"P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<",
		"L898902C36UTO7408122F1204159ZE184226B<<<<<10",
	}
	if e.FullName == "" {
		e.FullName = "ERIKSSON<<ANNA<MARIA"
	}
	if e.PlaceOfBirth == "" {
		e.PlaceOfBirth = "ZENITH"
	}
	return e
}

func newEmulatedChip(e config.EmulatorConfig) (*emulator.Chip, error) {
	holder := emulator.Holder{MRZ: e.MRZ}

	if e.FullName != "" || e.PlaceOfBirth != "" || e.DateOfBirth != "" {
		details := &lds.DG11{FullName: e.FullName, PlaceOfBirth: e.PlaceOfBirth}
		details.PrimaryIdentifier, details.SecondaryIdentifier = lds.SplitHolderName(e.FullName)
		if e.DateOfBirth != "" {
			dob, err := time.Parse(time.DateOnly, e.DateOfBirth)
			if err != nil {
				return nil, fmt.Errorf("emulator date of birth: %w", err)
			}
			details.FullDateOfBirth = dob
		}
		holder.Details = details
	}

	if e.FaceFile != "" {
		face, err := loadFace(e.FaceFile)
		if err != nil {
			return nil, err
		}
		holder.Face = face
	}

	chip, err := emulator.Personalize(holder)
	if err != nil {
		return nil, err
	}

	denied := make([]lds.FileID, 0, len(e.Denied))
	for _, name := range e.Denied {
		id, ok := lds.ParseFileID(name)
		if !ok {
			return nil, fmt.Errorf("emulator: unknown file %q", name)
		}
		denied = append(denied, id)
	}
	chip.Faults.Denied = denied
	return chip, nil
}

var (
	jp2Signature  = []byte{0x00, 0x00, 0x00, 0x0C, 'j', 'P', ' ', ' '}
	j2kCodestream = []byte{0xFF, 0x4F, 0xFF, 0x51}
)

// loadFace reads a JPEG or JPEG 2000 portrait for EF.DG2.
func loadFace(path string) (*lds.FaceImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read face image: %w", err)
	}

	face := &lds.FaceImage{Data: data, Format: lds.ImageJPEG}
	if bytes.HasPrefix(data, jp2Signature) || bytes.HasPrefix(data, j2kCodestream) {
		face.Format = lds.ImageJPEG2000
	}

	img, err := images.Decode(face)
	if err != nil {
		return nil, fmt.Errorf("face image %s: %w", path, err)
	}
	face.Width = img.Bounds().Dx()
	face.Height = img.Bounds().Dy()
	return face, nil
}
