package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

var stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()

// WriteStructFields writes one report line per populated field of the
// template s, which is a struct or struct pointer. Nested templates are
// written under "prefix.Field"; repeated values get an index.
// A newline separates the block from earlier content; none is added after it.
//
// The fmt field tag selects the value rendering: "ascii" (hex and quoted
// text), "int" (hex and big-endian integer), hex otherwise.
func WriteStructFields(sb *strings.Builder, prefix string, s any) {
	lines := structLines(prefix, reflect.ValueOf(s))
	if len(lines) == 0 {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(strings.Join(lines, "\n"))
}

func structLines(prefix string, v reflect.Value) []string {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	var lines []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		lines = append(lines, fieldLines(prefix, f, v.Field(i))...)
	}
	return lines
}

func fieldLines(prefix string, f reflect.StructField, v reflect.Value) []string {
	label := fmt.Sprintf("%s.%s", prefix, f.Name)
	if tag, _, _ := strings.Cut(f.Tag.Get("tlv"), ","); tag != "" {
		label = fmt.Sprintf("%s (%s)", label, strings.ToUpper(tag))
	}
	format := f.Tag.Get("fmt")

	switch {
	case v.Type() == unknownType:
		return unknownLines(prefix, v.Interface().([]bertlv.TLV))
	case v.Type().Implements(stringerType):
		if v.Kind() == reflect.Pointer && v.IsNil() || isEmpty(v) {
			return nil
		}
		return []string{fmt.Sprintf("    - %s: %s", label, v.Interface().(fmt.Stringer).String())}
	case isBytes(v.Type()):
		if v.Len() == 0 {
			return nil
		}
		return []string{fmt.Sprintf("    - %s: %s", label, formatValue(v.Bytes(), format))}
	case v.Kind() == reflect.String:
		if v.Len() == 0 {
			return nil
		}
		return []string{fmt.Sprintf("    - %s: %q", label, v.String())}
	case v.Kind() == reflect.Slice && isBytes(v.Type().Elem()):
		var lines []string
		for i := 0; i < v.Len(); i++ {
			lines = append(lines, fmt.Sprintf("    - %s.%s[%d]: %s", prefix, f.Name, i, formatValue(v.Index(i).Bytes(), format)))
		}
		return lines
	case v.Kind() == reflect.Struct, v.Kind() == reflect.Pointer:
		return structLines(prefix+"."+f.Name, v)
	}
	return nil
}

func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.String:
		return v.Len() == 0
	}
	return false
}

func unknownLines(prefix string, tlvs []bertlv.TLV) []string {
	lines := make([]string, 0, len(tlvs))
	for _, t := range tlvs {
		lines = append(lines, fmt.Sprintf("    - %s.Unknown Tag %s: %X", prefix, strings.ToUpper(t.Tag), rawValue(t)))
	}
	return lines
}

// formatValue renders a data object value for a report.
func formatValue(data []byte, format string) string {
	switch format {
	case "ascii":
		return fmt.Sprintf("%X (%q)", data, MakeSafeASCII(data))
	case "int":
		var n uint64
		for _, b := range data {
			n = n<<8 | uint64(b)
		}
		return fmt.Sprintf("%X (Dec: %d)", data, n)
	default:
		return strings.ToUpper(hex.EncodeToString(data))
	}
}

// MakeSafeASCII replaces every byte outside printable ASCII with '.'.
func MakeSafeASCII(data []byte) string {
	b := make([]byte, len(data))
	for i, c := range data {
		if c < 0x20 || c > 0x7E {
			c = '.'
		}
		b[i] = c
	}
	return string(b)
}
