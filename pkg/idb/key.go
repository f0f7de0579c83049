package idb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Key identifies a record or an index entry. Valid keys are numbers (any Go
// integer or float kind, stored as float64), strings, time.Time, []byte and
// []any (or []string) of valid keys. Keys order as
// number < date < string < binary < array.
//
// Strings compare by their UTF-8 bytes, which is code point order. Browsers
// compare UTF-16 code units instead, so a character above U+FFFF sorts
// after U+E000 to U+FFFF here and before them there.
type Key = any

// Keys are stored in an order-preserving, self-delimiting encoding so that
// engine byte order equals key order and an encoded key can be followed by
// another one without a separator.
const (
	tagEnd    byte = 0x00
	tagNumber byte = 0x10
	tagDate   byte = 0x20
	tagString byte = 0x30
	tagBinary byte = 0x40
	tagArray  byte = 0x50
)

const maxKeyDepth = 32

// CompareKeys orders two keys: -1 if a < b, 0 if equal, +1 if a > b.
func CompareKeys(a, b Key) (int, error) {
	ea, err := encodeKey(a)
	if err != nil {
		return 0, err
	}
	eb, err := encodeKey(b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ea, eb), nil
}

// ValidKey reports whether k can be used as a key.
func ValidKey(k Key) bool {
	_, err := encodeKey(k)
	return err == nil
}

func encodeKey(k Key) ([]byte, error) {
	return appendKey(nil, k, 0)
}

func appendKey(dst []byte, k Key, depth int) ([]byte, error) {
	if depth > maxKeyDepth {
		return nil, fmt.Errorf("%w: array nesting too deep", ErrInvalidKey)
	}
	if f, ok := toNumber(k); ok {
		if math.IsNaN(f) {
			return nil, fmt.Errorf("%w: NaN", ErrInvalidKey)
		}
		return appendFloat(append(dst, tagNumber), f), nil
	}
	switch v := k.(type) {
	case time.Time:
		return appendFloat(append(dst, tagDate), float64(v.UnixMilli())), nil
	case string:
		return appendEscaped(append(dst, tagString), []byte(v)), nil
	case []byte:
		return appendEscaped(append(dst, tagBinary), v), nil
	case []string:
		dst = append(dst, tagArray)
		for _, s := range v {
			dst = appendEscaped(append(dst, tagString), []byte(s))
		}
		return append(dst, tagEnd), nil
	case []any:
		dst = append(dst, tagArray)
		for _, el := range v {
			var err error
			if dst, err = appendKey(dst, el, depth+1); err != nil {
				return nil, err
			}
		}
		return append(dst, tagEnd), nil
	}
	return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidKey, k)
}

func toNumber(k Key) (float64, bool) {
	switch v := k.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

func appendFloat(dst []byte, f float64) []byte {
	if f == 0 {
		f = 0 // fold -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	return binary.BigEndian.AppendUint64(dst, bits)
}

func readFloat(b []byte) (float64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("%w: truncated number", ErrInvalidKey)
	}
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), b[8:], nil
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xff, terminated by 0x00 0x01.
func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xff)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, 0x00, 0x01)
}

func readEscaped(b []byte) ([]byte, []byte, error) {
	out := []byte{}
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			break
		}
		switch b[i+1] {
		case 0xff:
			out = append(out, 0x00)
			i++
		case 0x01:
			return out, b[i+2:], nil
		default:
			return nil, nil, fmt.Errorf("%w: bad escape", ErrInvalidKey)
		}
	}
	return nil, nil, fmt.Errorf("%w: unterminated string", ErrInvalidKey)
}

// decodeKey reads one key from the front of b and returns the remainder.
func decodeKey(b []byte) (Key, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("%w: empty encoding", ErrInvalidKey)
	}
	tag, rest := b[0], b[1:]
	switch tag {
	case tagNumber:
		return readFloat(rest)
	case tagDate:
		ms, rest, err := readFloat(rest)
		if err != nil {
			return nil, nil, err
		}
		return time.UnixMilli(int64(ms)).UTC(), rest, nil
	case tagString:
		s, rest, err := readEscaped(rest)
		if err != nil {
			return nil, nil, err
		}
		return string(s), rest, nil
	case tagBinary:
		return readEscaped(rest)
	case tagArray:
		arr := []any{}
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("%w: unterminated array", ErrInvalidKey)
			}
			if rest[0] == tagEnd {
				return arr, rest[1:], nil
			}
			var el Key
			var err error
			if el, rest, err = decodeKey(rest); err != nil {
				return nil, nil, err
			}
			arr = append(arr, el)
		}
	}
	return nil, nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidKey, tag)
}

// decodeWholeKey decodes b, which must hold exactly one key.
func decodeWholeKey(b []byte) (Key, error) {
	k, rest, err := decodeKey(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrInvalidKey)
	}
	return k, nil
}
