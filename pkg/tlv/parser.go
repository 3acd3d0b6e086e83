// Package tlv decodes the BER-TLV structures found in ICAO 9303 data groups.
//
// Node, Decode and Encode work on the raw tag tree; secure messaging and the
// chip emulator use them. Unmarshal maps an LDS template onto a Go struct
// through field tags:
//
//	type comFields struct {
//		LDSVersion []byte       `tlv:"5F01" fmt:"ascii"`
//		TagList    []byte       `tlv:"5C,required"`
//		Unknown    []bertlv.TLV `tlv:",unknown"`
//	}
//
// A tagged field may be a []byte (raw value), a string (value as text), a
// struct or struct pointer (nested template), a slice of any of those
// (repeated tag), or a type implementing Unmarshaler.
package tlv

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// ErrMissingTag is returned when a field marked ",required" has no matching tag.
var ErrMissingTag = errors.New("missing tag")

// Unmarshaler is implemented by field types decoding their own value.
// For constructed tags the value is the encoding of the children.
type Unmarshaler interface {
	UnmarshalTLV(value []byte) error
}

var (
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
	unknownType     = reflect.TypeOf([]bertlv.TLV(nil))
)

type fieldTag struct {
	tag      string
	required bool
	unknown  bool
}

func parseFieldTag(f reflect.StructField) (fieldTag, bool) {
	raw, ok := f.Tag.Lookup("tlv")
	if !ok || !f.IsExported() {
		return fieldTag{}, false
	}
	name, opts, _ := strings.Cut(raw, ",")
	ft := fieldTag{tag: strings.ToUpper(strings.TrimSpace(name))}
	for _, o := range strings.Split(opts, ",") {
		switch o {
		case "required":
			ft.required = true
		case "unknown":
			ft.unknown = true
		}
	}
	return ft, ft.tag != "" || ft.unknown
}

// Unmarshal decodes data and maps the top level tags onto target, which must
// be a non-nil pointer to a struct.
func Unmarshal(data []byte, target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("tlv: unmarshal target must be a non-nil struct pointer, got %T", target)
	}
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Errorf("tlv: %w", err)
	}
	if err := unmarshalPackets(packets, v.Elem()); err != nil {
		return fmt.Errorf("tlv: %w", err)
	}
	return nil
}

func unmarshalPackets(packets []bertlv.TLV, v reflect.Value) error {
	t := v.Type()
	used := make([]bool, len(packets))
	var unknown reflect.Value

	for i := 0; i < t.NumField(); i++ {
		ft, ok := parseFieldTag(t.Field(i))
		if !ok {
			continue
		}
		field := v.Field(i)
		if ft.unknown {
			unknown = field
			continue
		}

		found := false
		for j, p := range packets {
			if !strings.EqualFold(p.Tag, ft.tag) {
				continue
			}
			if err := setField(field, p); err != nil {
				return fmt.Errorf("tag %s: %w", ft.tag, err)
			}
			used[j] = true
			found = true
		}
		if ft.required && !found {
			return fmt.Errorf("%w %s", ErrMissingTag, ft.tag)
		}
	}

	if !unknown.IsValid() || unknown.Type() != unknownType {
		return nil
	}
	var rest []bertlv.TLV
	for j, p := range packets {
		if !used[j] {
			rest = append(rest, p)
		}
	}
	if len(rest) > 0 {
		unknown.Set(reflect.ValueOf(rest))
	}
	return nil
}

// setField stores p in field, appending when the field collects a repeated tag.
func setField(field reflect.Value, p bertlv.TLV) error {
	if u, ok := asUnmarshaler(field); ok {
		return u.UnmarshalTLV(rawValue(p))
	}
	if field.Kind() == reflect.Slice && !isBytes(field.Type()) {
		elem := reflect.New(field.Type().Elem()).Elem()
		if err := setValue(elem, p); err != nil {
			return err
		}
		field.Set(reflect.Append(field, elem))
		return nil
	}
	return setValue(field, p)
}

func setValue(v reflect.Value, p bertlv.TLV) error {
	if u, ok := asUnmarshaler(v); ok {
		return u.UnmarshalTLV(rawValue(p))
	}
	switch {
	case isBytes(v.Type()):
		v.SetBytes(rawValue(p))
	case v.Kind() == reflect.String:
		v.SetString(strings.TrimSpace(string(p.Value)))
	case v.Kind() == reflect.Struct:
		return unmarshalTemplate(p, v)
	case v.Kind() == reflect.Pointer && v.Type().Elem().Kind() == reflect.Struct:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return unmarshalTemplate(p, v.Elem())
	default:
		return fmt.Errorf("unsupported field type %s", v.Type())
	}
	return nil
}

// unmarshalTemplate maps the children of a constructed tag onto v.
func unmarshalTemplate(p bertlv.TLV, v reflect.Value) error {
	if len(p.TLVs) > 0 || len(p.Value) == 0 {
		return unmarshalPackets(p.TLVs, v)
	}
	packets, err := bertlv.Decode(p.Value)
	if err != nil {
		return err
	}
	return unmarshalPackets(packets, v)
}

func asUnmarshaler(v reflect.Value) (Unmarshaler, bool) {
	if !v.CanAddr() || !reflect.PointerTo(v.Type()).Implements(unmarshalerType) {
		return nil, false
	}
	return v.Addr().Interface().(Unmarshaler), true
}

// rawValue returns the value bytes, re-encoding the children of constructed tags.
func rawValue(p bertlv.TLV) []byte {
	if len(p.TLVs) > 0 {
		if enc, err := bertlv.Encode(p.TLVs); err == nil {
			return enc
		}
	}
	return p.Value
}

func isBytes(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}
