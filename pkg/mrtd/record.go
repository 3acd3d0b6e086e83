package mrtd

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
)

// Date is a calendar date written as YYYY-MM-DD in JSON.
type Date struct {
	time.Time
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.Format(time.DateOnly))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// Record is the merged result of one passport read.
type Record struct {
	IdentityNo   string                `json:"identityNo"`
	Gender       lds.Gender            `json:"gender"`
	ExpiryDate   Date                  `json:"expiryDate"`
	DocumentNo   string                `json:"documentNo"`
	Nationality  string                `json:"nationality"`
	MRZText      string                `json:"mrzText"`
	FirstName    string                `json:"firstName"`
	LastName     string                `json:"lastName"`
	BirthDate    Date                  `json:"birthDate"`
	PlaceOfBirth string                `json:"placeOfBirth,omitempty"`
	FaceImage    *lds.FaceImage        `json:"faceImage,omitempty"`
	RawFiles     map[lds.FileID][]byte `json:"rawFiles"`

	// Absent maps each requested file that could not be read or decoded to
	// the reason.
	Absent map[lds.FileID]string `json:"absent,omitempty"`

	// DataGroups lists the data groups EF.COM announces.
	DataGroups []lds.FileID `json:"dataGroups,omitempty"`

	MRZ     *lds.MRZ             `json:"-"`
	Details *lds.DG11            `json:"-"`
	Faults  map[lds.FileID]error `json:"-"`
}

// Aggregate merges the files read from a chip into a Record.
//
// DG1 is mandatory: when it is missing or cannot be decoded the error is
// returned. Everything else degrades: a DG11 that decodes overrides the names,
// place of birth and date of birth it carries; the first face of DG2 is
// attached; other failures are recorded in Absent. faults holds the files that
// could not be read.
func Aggregate(files map[lds.FileID]RawFile, faults map[lds.FileID]error) (*Record, error) {
	dg1, ok := files[lds.EFDG1]
	if !ok {
		if err := faults[lds.EFDG1]; err != nil {
			return nil, err
		}
		return nil, &FileError{ID: lds.EFDG1, Err: ErrFileNotFound}
	}
	mrz, err := lds.ParseDG1(dg1.Data)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		IdentityNo:  mrz.PersonalNumber,
		Gender:      mrz.Gender,
		ExpiryDate:  Date{mrz.DateOfExpiry},
		DocumentNo:  mrz.DocumentNumber,
		Nationality: mrz.Nationality,
		MRZText:     mrz.String(),
		FirstName:   mrz.SecondaryIdentifier,
		LastName:    mrz.PrimaryIdentifier,
		BirthDate:   Date{mrz.DateOfBirth},
		RawFiles:    make(map[lds.FileID][]byte, len(files)),
		MRZ:         mrz,
		Faults:      make(map[lds.FileID]error),
	}
	for _, id := range slices.Sorted(maps.Keys(files)) {
		rec.RawFiles[id] = files[id].Data
	}
	for id, err := range faults {
		rec.Faults[id] = err
	}

	if f, ok := files[lds.EFDG11]; ok {
		if d, err := lds.ParseDG11(f.Data); err != nil {
			rec.Faults[lds.EFDG11] = err
		} else {
			rec.applyDetails(d)
		}
	}

	if f, ok := files[lds.EFDG2]; ok {
		face, err := firstFace(f.Data)
		if err != nil {
			rec.Faults[lds.EFDG2] = err
		} else {
			rec.FaceImage = face
		}
	}

	if f, ok := files[lds.EFCOM]; ok {
		if com, err := lds.ParseCOM(f.Data); err != nil {
			rec.Faults[lds.EFCOM] = err
		} else {
			rec.DataGroups = com.DataGroups
		}
	}

	if len(rec.Faults) > 0 {
		rec.Absent = make(map[lds.FileID]string, len(rec.Faults))
		for id, err := range rec.Faults {
			rec.Absent[id] = err.Error()
		}
	}
	return rec, nil
}

// applyDetails lets DG11 override what the MRZ abbreviates. Empty DG11 fields
// leave the MRZ value in place.
func (r *Record) applyDetails(d *lds.DG11) {
	r.Details = d
	if d.SecondaryIdentifier != "" {
		r.FirstName = d.SecondaryIdentifier
	}
	if d.PrimaryIdentifier != "" {
		r.LastName = d.PrimaryIdentifier
	}
	if d.PlaceOfBirth != "" {
		r.PlaceOfBirth = d.PlaceOfBirth
	}
	if !d.FullDateOfBirth.IsZero() {
		r.BirthDate = Date{d.FullDateOfBirth}
	}
	if r.IdentityNo == "" {
		r.IdentityNo = d.PersonalNumber
	}
}

func firstFace(data []byte) (*lds.FaceImage, error) {
	dg2, err := lds.ParseDG2(data)
	if err != nil {
		return nil, err
	}
	return dg2.FirstFace()
}

// HasFile reports whether the raw bytes of id were read.
func (r *Record) HasFile(id lds.FileID) bool {
	_, ok := r.RawFiles[id]
	return ok
}

// IsNotFound reports whether err says the chip does not hold the file.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFileNotFound)
}
