package lds

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

var (
	jpegFace = FaceImage{Data: tlv.Hex("FFD8FFE000104A464946"), Format: ImageJPEG, Width: 480, Height: 640}
	jp2Face  = FaceImage{Data: tlv.Hex("0000000C6A5020200D0A870A"), Format: ImageJPEG2000, Width: 240, Height: 320}
)

func TestParseDG2(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []FaceImage
	}{
		{
			name: "Single face",
			data: EncodeDG2(EncodeFacialRecord(jpegFace)),
			want: []FaceImage{jpegFace},
		},
		{
			name: "Two images in one record",
			data: EncodeDG2(EncodeFacialRecord(jp2Face, jpegFace)),
			want: []FaceImage{jp2Face, jpegFace},
		},
		{
			name: "Two templates",
			data: EncodeDG2(EncodeFacialRecord(jpegFace), EncodeFacialRecord(jp2Face)),
			want: []FaceImage{jpegFace, jp2Face},
		},
		{
			name: "No template",
			data: EncodeDG2(),
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDG2(tt.data)
			if err != nil {
				t.Fatalf("ParseDG2() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got.Faces); diff != "" {
				t.Errorf("ParseDG2() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDG2_FirstFace(t *testing.T) {
	dg2, err := ParseDG2(EncodeDG2(EncodeFacialRecord(jp2Face, jpegFace)))
	if err != nil {
		t.Fatalf("ParseDG2() error = %v", err)
	}
	face, err := dg2.FirstFace()
	if err != nil {
		t.Fatalf("FirstFace() error = %v", err)
	}
	if diff := cmp.Diff(jp2Face, *face); diff != "" {
		t.Errorf("FirstFace() mismatch (-want +got):\n%s", diff)
	}

	empty, err := ParseDG2(EncodeDG2())
	if err != nil {
		t.Fatalf("ParseDG2() error = %v", err)
	}
	if _, err := empty.FirstFace(); !errors.Is(err, ErrNoFaceImage) {
		t.Errorf("FirstFace() on empty DG2 error = %v, want ErrNoFaceImage", err)
	}
}

func TestParseDG2_FeaturePoints(t *testing.T) {
	// One image with two feature points between the facial and image information.
	record := tlv.Hex(
		"46414300", "30313000", "00000042", "0001",
		"00000034", "0002", "01", "00", "00", "000000", "0000", "000000", "000000",
		"0100000000000000", "0100000000000000",
		"01", "00", "0020", "0030", "01", "00", "0000", "0000",
		"FFD8FFE0",
	)
	dg2, err := ParseDG2(EncodeDG2(record))
	if err != nil {
		t.Fatalf("ParseDG2() error = %v", err)
	}
	want := []FaceImage{{Data: tlv.Hex("FFD8FFE0"), Format: ImageJPEG, Width: 32, Height: 48}}
	if diff := cmp.Diff(want, dg2.Faces); diff != "" {
		t.Errorf("ParseDG2() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDG2_Malformed(t *testing.T) {
	valid := EncodeFacialRecord(jpegFace)

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 'X'

	badLength := append([]byte(nil), valid...)
	badLength[17] = 0xFF // block length of the first image

	tests := []struct {
		name string
		data []byte
	}{
		{"Wrong tag", tlv.Encode(tlv.NewConstructed(0x61))},
		{"Missing group", tlv.Encode(tlv.NewConstructed(0x75, tlv.NewPrimitive(0x02, []byte{0x00})))},
		{"Bad format identifier", EncodeDG2(badMagic)},
		{"Block length past end", EncodeDG2(badLength)},
		{"Truncated header", EncodeDG2(valid[:10])},
		{"Truncated file", EncodeDG2(valid)[:40]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDG2(tt.data)
			var pe *ParseError
			if !errors.As(err, &pe) || pe.File != EFDG2 {
				t.Errorf("ParseDG2() error = %v, want *ParseError for EF_DG2", err)
			}
		})
	}
}
