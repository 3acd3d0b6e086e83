package lds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// EF.DG2 STRUCTURE (ICAO 9303-10, 4.7.2 and ISO/IEC 19794-5:2005):
//
//	75 DG2
//	└── 7F61 Biometric Information Group Template
//	    ├── 02   number of instances
//	    └── 7F60 Biometric Information Template (repeated)
//	        ├── A1   Biometric Header Template
//	        └── 5F2E Biometric Data Block (or 7F2E)
//
// The data block is an ISO 19794-5 facial record:
//
//	"FAC\0" | version "010\0" | record length (4) | image count (2)
//	then per image:
//	  facial information (20) | feature points (8 each) | image information (12) | image data

const (
	tagBIGT        = 0x7F61
	tagBIT         = 0x7F60
	tagBICount     = 0x02
	tagBHT         = 0xA1
	tagBDB         = 0x5F2E
	tagBDBEnhanced = 0x7F2E

	facialHeaderLen = 14
	facialInfoLen   = 20
	featurePointLen = 8
	imageInfoLen    = 12
)

var facialFormatID = []byte{'F', 'A', 'C', 0x00}

// ErrNoFaceImage is returned when DG2 decodes but holds no face.
var ErrNoFaceImage = errors.New("no face image")

// ImageFormat is the encoding of a face image.
type ImageFormat int

const (
	ImageJPEG ImageFormat = iota
	ImageJPEG2000
)

func (f ImageFormat) String() string {
	switch f {
	case ImageJPEG:
		return "JPEG"
	case ImageJPEG2000:
		return "JPEG2000"
	default:
		return fmt.Sprintf("ImageFormat(%d)", int(f))
	}
}

func (f ImageFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// FaceImage is one encoded portrait.
type FaceImage struct {
	Data   []byte      `json:"data"`
	Format ImageFormat `json:"format"`
	Width  int         `json:"width"`
	Height int         `json:"height"`
}

// DG2 lists the face images in file order.
type DG2 struct {
	Faces []FaceImage
}

// FirstFace returns the first face image of the file.
func (d *DG2) FirstFace() (*FaceImage, error) {
	if d == nil || len(d.Faces) == 0 {
		return nil, &ParseError{File: EFDG2, Err: ErrNoFaceImage}
	}
	return &d.Faces[0], nil
}

// ParseDG2 decodes EF.DG2. Biometric templates protected by secure messaging
// (7D) are skipped.
func ParseDG2(data []byte) (*DG2, error) {
	root, err := tlv.Decode(data)
	if err != nil {
		return nil, &ParseError{File: EFDG2, Err: err}
	}
	if root.Tag != EFDG2.Tag() {
		return nil, &ParseError{File: EFDG2, Err: fmt.Errorf("unexpected tag %X", root.Tag)}
	}
	group, ok := root.Child(tagBIGT)
	if !ok {
		return nil, &ParseError{File: EFDG2, Field: "biometric group", Err: fmt.Errorf("tag %X missing", tagBIGT)}
	}

	dg2 := &DG2{}
	for _, bit := range group.Children {
		if bit.Tag != tagBIT {
			continue
		}
		if _, ok := bit.Child(tagBHT); !ok {
			continue
		}
		bdb, ok := bit.Child(tagBDB)
		if !ok {
			if bdb, ok = bit.Child(tagBDBEnhanced); !ok {
				return nil, &ParseError{File: EFDG2, Field: "biometric data block", Err: errors.New("missing")}
			}
		}
		faces, err := parseFacialRecord(bdb.Value)
		if err != nil {
			return nil, &ParseError{File: EFDG2, Field: "facial record", Err: err}
		}
		dg2.Faces = append(dg2.Faces, faces...)
	}
	return dg2, nil
}

func parseFacialRecord(b []byte) ([]FaceImage, error) {
	if len(b) < facialHeaderLen {
		return nil, errors.New("record header truncated")
	}
	if string(b[0:4]) != string(facialFormatID) {
		return nil, fmt.Errorf("format identifier %X", b[0:4])
	}
	count := int(binary.BigEndian.Uint16(b[12:14]))

	var faces []FaceImage
	pos := facialHeaderLen
	for i := 0; i < count; i++ {
		if len(b)-pos < facialInfoLen {
			return nil, fmt.Errorf("image %d: facial information truncated", i)
		}
		blockLen := int(binary.BigEndian.Uint32(b[pos : pos+4]))
		points := int(binary.BigEndian.Uint16(b[pos+4 : pos+6]))
		end := pos + blockLen
		if blockLen < facialInfoLen || end > len(b) {
			return nil, fmt.Errorf("image %d: block length %d out of range", i, blockLen)
		}

		info := pos + facialInfoLen + points*featurePointLen
		if info+imageInfoLen > end {
			return nil, fmt.Errorf("image %d: image information truncated", i)
		}
		face := FaceImage{
			Width:  int(binary.BigEndian.Uint16(b[info+2 : info+4])),
			Height: int(binary.BigEndian.Uint16(b[info+4 : info+6])),
			Data:   b[info+imageInfoLen : end],
		}
		if b[info+1] != 0 {
			face.Format = ImageJPEG2000
		}
		if len(face.Data) > 0 {
			faces = append(faces, face)
		}
		pos = end
	}
	return faces, nil
}

// EncodeFacialRecord builds an ISO 19794-5 record holding the given images,
// with no feature points.
func EncodeFacialRecord(faces ...FaceImage) []byte {
	var body []byte
	for _, f := range faces {
		blockLen := facialInfoLen + imageInfoLen + len(f.Data)
		block := make([]byte, facialInfoLen+imageInfoLen, blockLen)
		binary.BigEndian.PutUint32(block[0:4], uint32(blockLen))
		img := block[facialInfoLen:]
		img[0] = 0x01 // basic face image type: full frontal
		if f.Format == ImageJPEG2000 {
			img[1] = 0x01
		}
		binary.BigEndian.PutUint16(img[2:4], uint16(f.Width))
		binary.BigEndian.PutUint16(img[4:6], uint16(f.Height))
		body = append(body, append(block, f.Data...)...)
	}

	header := make([]byte, facialHeaderLen)
	copy(header, facialFormatID)
	copy(header[4:8], "010\x00")
	binary.BigEndian.PutUint32(header[8:12], uint32(facialHeaderLen+len(body)))
	binary.BigEndian.PutUint16(header[12:14], uint16(len(faces)))
	return append(header, body...)
}

// EncodeDG2 wraps facial records, one biometric template each, into EF.DG2.
func EncodeDG2(records ...[]byte) []byte {
	children := []tlv.Node{tlv.NewPrimitive(tagBICount, []byte{byte(len(records))})}
	for _, r := range records {
		children = append(children, tlv.NewConstructed(tagBIT,
			tlv.NewConstructed(tagBHT, tlv.NewPrimitive(0x80, []byte{0x01, 0x01})),
			tlv.NewPrimitive(tagBDB, r),
		))
	}
	return tlv.Encode(tlv.NewConstructed(EFDG2.Tag(), tlv.NewConstructed(tagBIGT, children...)))
}

// Describe lists the face images.
func (d *DG2) Describe() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== EF.DG2 (Face) === %d image(s)", len(d.Faces)))
	for i, f := range d.Faces {
		sb.WriteString(fmt.Sprintf("\n    - [%d] %s %dx%d, %d bytes", i, f.Format, f.Width, f.Height, len(f.Data)))
	}
	return sb.String()
}
