package mrtd_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtd"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

var td3 = []string{
	"P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<",
	"L898902C36UTO7408122F1204159ZE184226B<<<<<10",
}

func date(y int, m time.Month, d int) mrtd.Date {
	return mrtd.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func raw(id lds.FileID, data []byte) mrtd.RawFile {
	return mrtd.RawFile{ID: id, Data: data}
}

func TestAggregate_MRZOnly(t *testing.T) {
	dg1 := lds.EncodeDG1(td3...)
	rec, err := mrtd.Aggregate(map[lds.FileID]mrtd.RawFile{lds.EFDG1: raw(lds.EFDG1, dg1)}, nil)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	if rec.DocumentNo != "L898902C3" || rec.Nationality != "UTO" || rec.Gender != lds.GenderFemale {
		t.Errorf("document fields = %q %q %v", rec.DocumentNo, rec.Nationality, rec.Gender)
	}
	if rec.LastName != "ERIKSSON" || rec.FirstName != "ANNA MARIA" {
		t.Errorf("names = %q, %q", rec.LastName, rec.FirstName)
	}
	if rec.IdentityNo != "ZE184226B" {
		t.Errorf("IdentityNo = %q", rec.IdentityNo)
	}
	if !rec.BirthDate.Equal(date(1974, time.August, 12).Time) || !rec.ExpiryDate.Equal(date(2012, time.April, 15).Time) {
		t.Errorf("dates = %v, %v", rec.BirthDate, rec.ExpiryDate)
	}
	if rec.MRZText != td3[0]+"\n"+td3[1] {
		t.Errorf("MRZText = %q", rec.MRZText)
	}
	if rec.FaceImage != nil || rec.PlaceOfBirth != "" || rec.Absent != nil {
		t.Errorf("optional fields should stay empty: %+v", rec)
	}
	if diff := cmp.Diff(map[lds.FileID][]byte{lds.EFDG1: dg1}, rec.RawFiles); diff != "" {
		t.Errorf("RawFiles mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregate_UnknownBirthDate(t *testing.T) {
	dg1 := lds.EncodeDG1(td3[0], "L898902C36UTO7408<<2F1204159ZE184226B<<<<<10")
	rec, err := mrtd.Aggregate(map[lds.FileID]mrtd.RawFile{lds.EFDG1: raw(lds.EFDG1, dg1)}, nil)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if !rec.BirthDate.IsZero() || rec.MRZ.RawDateOfBirth != "7408<<" {
		t.Errorf("birth date = %v, raw %q", rec.BirthDate, rec.MRZ.RawDateOfBirth)
	}
	if rec.DocumentNo != "L898902C3" {
		t.Errorf("DocumentNo = %q", rec.DocumentNo)
	}

	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if fields["birthDate"] != "" {
		t.Errorf("birthDate = %v, want empty", fields["birthDate"])
	}
}

func TestAggregate_Overrides(t *testing.T) {
	face := lds.FaceImage{Data: tlv.Hex("FFD8FFE0 0010"), Format: lds.ImageJPEG, Width: 3, Height: 4}

	tests := []struct {
		name          string
		dg11          *lds.DG11
		wantFirst     string
		wantLast      string
		wantPlace     string
		wantBirthDate mrtd.Date
	}{
		{
			name:          "Full details",
			dg11:          &lds.DG11{FullName: "ERIKSSON<LUND<<ANNA<MARIA<LOUISE", PlaceOfBirth: "ZENITH CITY", FullDateOfBirth: time.Date(1974, 8, 12, 0, 0, 0, 0, time.UTC)},
			wantFirst:     "ANNA MARIA LOUISE",
			wantLast:      "ERIKSSON<LUND",
			wantPlace:     "ZENITH CITY",
			wantBirthDate: date(1974, time.August, 12),
		},
		{
			name:          "Empty fields keep the MRZ",
			dg11:          &lds.DG11{Profession: "PILOT"},
			wantFirst:     "ANNA MARIA",
			wantLast:      "ERIKSSON",
			wantBirthDate: date(1974, time.August, 12),
		},
		{
			name:          "Birth date only",
			dg11:          &lds.DG11{FullDateOfBirth: time.Date(1874, 8, 12, 0, 0, 0, 0, time.UTC)},
			wantFirst:     "ANNA MARIA",
			wantLast:      "ERIKSSON",
			wantBirthDate: date(1874, time.August, 12),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := map[lds.FileID]mrtd.RawFile{
				lds.EFDG1:  raw(lds.EFDG1, lds.EncodeDG1(td3...)),
				lds.EFDG11: raw(lds.EFDG11, lds.EncodeDG11(tt.dg11)),
				lds.EFDG2:  raw(lds.EFDG2, lds.EncodeDG2(lds.EncodeFacialRecord(face))),
			}
			rec, err := mrtd.Aggregate(files, nil)
			if err != nil {
				t.Fatalf("Aggregate() error = %v", err)
			}
			if rec.FirstName != tt.wantFirst || rec.LastName != tt.wantLast || rec.PlaceOfBirth != tt.wantPlace {
				t.Errorf("got %q / %q / %q, want %q / %q / %q",
					rec.FirstName, rec.LastName, rec.PlaceOfBirth, tt.wantFirst, tt.wantLast, tt.wantPlace)
			}
			if !rec.BirthDate.Equal(tt.wantBirthDate.Time) {
				t.Errorf("BirthDate = %v, want %v", rec.BirthDate, tt.wantBirthDate)
			}
			if diff := cmp.Diff(&face, rec.FaceImage); diff != "" {
				t.Errorf("FaceImage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAggregate_SoftFailures(t *testing.T) {
	denied := &mrtd.FileError{ID: lds.EFSOD, Err: mrtd.ErrAccessDenied}
	files := map[lds.FileID]mrtd.RawFile{
		lds.EFDG1:  raw(lds.EFDG1, lds.EncodeDG1(td3...)),
		lds.EFDG11: raw(lds.EFDG11, tlv.Hex("6B 10 5F0E 05 41")),
		lds.EFDG2:  raw(lds.EFDG2, lds.EncodeDG2()),
		lds.EFCOM:  raw(lds.EFCOM, lds.EncodeCOM("0107", "040000", lds.EFDG1, lds.EFDG2, lds.EFDG11)),
	}
	rec, err := mrtd.Aggregate(files, map[lds.FileID]error{lds.EFSOD: denied})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	if rec.FaceImage != nil {
		t.Error("FaceImage should be omitted when DG2 holds no face")
	}
	if rec.LastName != "ERIKSSON" {
		t.Errorf("LastName = %q, MRZ value expected", rec.LastName)
	}
	for _, id := range []lds.FileID{lds.EFSOD, lds.EFDG2, lds.EFDG11} {
		if rec.Absent[id] == "" {
			t.Errorf("Absent[%s] missing", id)
		}
	}
	if !errors.Is(rec.Faults[lds.EFDG2], lds.ErrNoFaceImage) {
		t.Errorf("Faults[EF_DG2] = %v", rec.Faults[lds.EFDG2])
	}
	if diff := cmp.Diff([]lds.FileID{lds.EFDG1, lds.EFDG2, lds.EFDG11}, rec.DataGroups); diff != "" {
		t.Errorf("DataGroups mismatch (-want +got):\n%s", diff)
	}
	if !rec.HasFile(lds.EFDG11) || rec.HasFile(lds.EFSOD) {
		t.Error("raw bytes are kept for every file read, decodable or not")
	}
}

func TestAggregate_DG1(t *testing.T) {
	denied := &mrtd.FileError{ID: lds.EFDG1, SW: 0x6982, Err: mrtd.ErrAccessDenied}

	tests := []struct {
		name    string
		files   map[lds.FileID]mrtd.RawFile
		faults  map[lds.FileID]error
		wantErr error
	}{
		{"Missing", nil, nil, mrtd.ErrFileNotFound},
		{"Fault kept", nil, map[lds.FileID]error{lds.EFDG1: denied}, mrtd.ErrAccessDenied},
		{"Undecodable", map[lds.FileID]mrtd.RawFile{lds.EFDG1: raw(lds.EFDG1, tlv.Hex("6103 5F1F00"))}, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mrtd.Aggregate(tt.files, tt.faults)
			if err == nil {
				t.Fatal("Aggregate() should fail without a usable DG1")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Aggregate() error = %v, want %v", err, tt.wantErr)
			}
			var pe *lds.ParseError
			if tt.wantErr == nil && !errors.As(err, &pe) {
				t.Errorf("Aggregate() error = %T, want *lds.ParseError", err)
			}
		})
	}
}

func TestRecord_JSON(t *testing.T) {
	files := map[lds.FileID]mrtd.RawFile{
		lds.EFDG1: raw(lds.EFDG1, lds.EncodeDG1(td3...)),
		lds.EFSOD: raw(lds.EFSOD, tlv.Hex("7700")),
	}
	rec, err := mrtd.Aggregate(files, nil)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	want := map[string]any{
		"identityNo":  "ZE184226B",
		"gender":      "FEMALE",
		"expiryDate":  "2012-04-15",
		"documentNo":  "L898902C3",
		"nationality": "UTO",
		"mrzText":     td3[0] + "\n" + td3[1],
		"firstName":   "ANNA MARIA",
		"lastName":    "ERIKSSON",
		"birthDate":   "1974-08-12",
		"rawFiles": map[string]any{
			"EF_DG1": base64.StdEncoding.EncodeToString(files[lds.EFDG1].Data),
			"EF_SOD": "dwA=",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("JSON mismatch (-want +got):\n%s", diff)
	}

	var back mrtd.Record
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("json.Unmarshal(Record) error = %v", err)
	}
	if !back.BirthDate.Equal(rec.BirthDate.Time) || back.DocumentNo != rec.DocumentNo {
		t.Errorf("decoded record = %+v", back)
	}
}

func TestDate_JSON(t *testing.T) {
	b, err := json.Marshal(mrtd.Date{})
	if err != nil || string(b) != `""` {
		t.Errorf("zero Date = %s, %v", b, err)
	}

	var d mrtd.Date
	if err := json.Unmarshal([]byte(`"2031-02-28"`), &d); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !d.Equal(date(2031, time.February, 28).Time) {
		t.Errorf("Date = %v", d)
	}
	if err := json.Unmarshal([]byte(`"28/02/2031"`), &d); err == nil {
		t.Error("Unmarshal() should reject a non ISO date")
	}
}
