package canonical

import (
	"bytes"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Marshal produces the canonical byte encoding of a Value.
// CRITICAL: this is the ONLY serialization that may be hashed or signed.
//
// Guarantees:
//  1. Object keys sorted by lexicographic byte order at every nesting level
//  2. Arrays keep their original order
//  3. Strings are NFC normalized, with only control characters, quote,
//     and backslash escaped (no HTML escaping)
//  4. Integers encode in base 10 with no padding or sign for zero
//  5. Non-integer numeric values are a hard error, never a lossy encode
//
// Re-encoding the same logical value always yields byte-identical output,
// regardless of upstream key insertion order.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalAny canonicalizes an arbitrary decoded value (see FromAny) and
// marshals it. Floats and unsupported types are rejected.
func MarshalAny(v any) ([]byte, error) {
	cv, err := FromAny(v)
	if err != nil {
		return nil, err
	}
	return Marshal(cv)
}

func marshalTo(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("nil Value cannot be canonically encoded")
	case Null:
		buf.WriteString("null")
		return nil
	case String:
		return marshalString(buf, string(val))
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case Array:
		return marshalArray(buf, val)
	case Object:
		return marshalObject(buf, val)
	default:
		return fmt.Errorf("unsupported type for canonical encoding: %T", v)
	}
}

const hexDigits = "0123456789abcdef"

// marshalString writes a canonical JSON string.
// The input is NFC normalized first so visually identical strings that
// differ only in Unicode composition hash the same.
// Escapes: \" \\ \b \f \n \r \t, and \u00XX for remaining control
// characters. Everything else (including < > & and U+2028/U+2029) passes
// through as raw UTF-8.
func marshalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	buf.WriteByte('"')
	for _, r := range normalized {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[byte(r)>>4])
				buf.WriteByte(hexDigits[byte(r)&0xf])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

func marshalArray(buf *bytes.Buffer, arr Array) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := marshalTo(buf, elem); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func marshalObject(buf *bytes.Buffer, obj Object) error {
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := marshalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := marshalTo(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}
