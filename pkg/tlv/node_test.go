package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Node
	}{
		{
			name: "Primitive short length",
			data: Hex("5F01", "04", "30313037"),
			want: Node{Tag: 0x5F01, Value: Hex("30313037")},
		},
		{
			name: "Long form length 81",
			data: append(Hex("5F0E", "81 80"), bytes.Repeat([]byte{'A'}, 0x80)...),
			want: Node{Tag: 0x5F0E, Value: bytes.Repeat([]byte{'A'}, 0x80)},
		},
		{
			name: "Constructed with children",
			data: Hex("61", "08", "5F1F", "02", "4142", "80", "01", "FF"),
			want: Node{
				Tag:   0x61,
				Value: Hex("5F1F", "02", "4142", "80", "01", "FF"),
				Children: []Node{
					{Tag: 0x5F1F, Value: Hex("4142")},
					{Tag: 0x80, Value: Hex("FF")},
				},
			},
		},
		{
			name: "Three byte tag",
			data: Hex("9F8101", "01", "AA"),
			want: Node{Tag: 0x9F8101, Value: Hex("AA")},
		},
		{
			name: "Trailing padding ignored",
			data: Hex("80", "01", "01", "0000"),
			want: Node{Tag: 0x80, Value: Hex("01")},
		},
		{
			name: "Empty constructed",
			data: Hex("A0", "00"),
			want: Node{Tag: 0xA0, Value: []byte{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, *got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
		offset  int
	}{
		{"Empty input", nil, ErrTruncatedInput, 0},
		{"Length exceeds input", Hex("80", "05", "0102"), ErrTruncatedInput, 2},
		{"Missing length byte", Hex("5F"), ErrTruncatedInput, 1},
		{"Indefinite length", Hex("61", "80", "0000"), ErrInvalidLength, 1},
		{"Too many length bytes", Hex("80", "85", "0000000001"), ErrInvalidLength, 1},
		{"Truncated long length", Hex("80", "82", "01"), ErrTruncatedInput, 1},
		{"Padding tag", Hex("00", "01", "00"), ErrInvalidTag, 0},
		{"Tag longer than four bytes", Hex("5F", "81", "82", "83", "01"), ErrInvalidTag, 4},
		{"Truncated child", Hex("61", "03", "5F1F", "05"), ErrTruncatedInput, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Decode() error %T is not a *ParseError", err)
			}
			if pe.Offset != tt.offset {
				t.Errorf("ParseError.Offset = %d, want %d", pe.Offset, tt.offset)
			}
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	nodes := []Node{
		NewPrimitive(0x80, nil),
		NewPrimitive(0x5F1F, []byte("P<UTOERIKSSON<<ANNA<MARIA")),
		NewPrimitive(0x5F2E, bytes.Repeat([]byte{0x42}, 300)),
		NewPrimitive(0x9F8101, []byte{1, 2, 3}),
		NewConstructed(0x6B,
			NewPrimitive(0x5C, Hex("5F0E5F2B")),
			NewPrimitive(0x5F0E, []byte("SMITH<<JOHN")),
			NewConstructed(0xA0,
				NewPrimitive(0x02, []byte{1}),
				NewPrimitive(0x5F0F, []byte("JONES<<JACK")),
			),
		),
		NewPrimitive(0x53, bytes.Repeat([]byte{0x00}, 70000)),
	}

	for _, n := range nodes {
		encoded := Encode(n)
		got, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(Encode(%X)) error = %v", n.Tag, err)
		}
		if diff := cmp.Diff(n, *got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("round trip of tag %X mismatch (-want +got):\n%s", n.Tag, diff)
		}
	}
}

func TestLengthBytes(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, Hex("00")},
		{0x7F, Hex("7F")},
		{0x80, Hex("8180")},
		{0xFF, Hex("81FF")},
		{0x100, Hex("820100")},
		{0x10000, Hex("83010000")},
		{0x1000000, Hex("8401000000")},
	}

	for _, tt := range tests {
		if got := LengthBytes(tt.n); !bytes.Equal(got, tt.want) {
			t.Errorf("LengthBytes(%d) = %X, want %X", tt.n, got, tt.want)
		}
	}
}

func TestReadHeader(t *testing.T) {
	tag, length, hdr, err := ReadHeader(Hex("75", "82", "1234", "7F61"))
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if tag != 0x75 || length != 0x1234 || hdr != 4 {
		t.Errorf("ReadHeader() = (%X, %d, %d), want (75, 4660, 4)", tag, length, hdr)
	}
}

func TestDecodeAll(t *testing.T) {
	nodes, err := DecodeAll(Hex("87", "02", "0111", "99", "02", "9000", "8E", "01", "AA"))
	if err != nil {
		t.Fatalf("DecodeAll() error = %v", err)
	}
	var tags []uint32
	for _, n := range nodes {
		tags = append(tags, n.Tag)
	}
	if diff := cmp.Diff([]uint32{0x87, 0x99, 0x8E}, tags); diff != "" {
		t.Errorf("DecodeAll() tags mismatch (-want +got):\n%s", diff)
	}

	if _, err := DecodeAll(Hex("87", "02", "0111", "00")); !errors.Is(err, ErrInvalidTag) {
		t.Errorf("DecodeAll() with padding error = %v, want ErrInvalidTag", err)
	}
}

func TestNode_Find(t *testing.T) {
	root, err := Decode(Hex("75", "0B", "7F61", "08", "02", "01", "01", "7F60", "00", "A1", "00"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if n, ok := root.Find(0x02); !ok || !bytes.Equal(n.Value, []byte{0x01}) {
		t.Errorf("Find(02) = %v, %v", n, ok)
	}
	if _, ok := root.Find(0x5F2E); ok {
		t.Error("Find(5F2E) should not find anything")
	}
	if _, ok := root.Child(0x7F61); !ok {
		t.Error("Child(7F61) should be found")
	}
	if !root.Constructed() {
		t.Error("tag 75 should be constructed")
	}
}
