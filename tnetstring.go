package p8

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// The typed nested wire encoding used by ZHTTP and the control RPCs.
// A value is encoded as <len>:<payload><type> where the trailing type
// octet is one of:
//
//	, - byte string
//	# - integer
//	^ - float
//	! - boolean ("true" or "false")
//	~ - null (len is 0)
//	} - dictionary of string keys to values
//	] - list of values
//
// Decoded values map to []byte, int64, float64, bool, nil,
// map[string]interface{} and []interface{}.

// ErrInvalidEncoding is returned when input cannot be parsed at all.
type ErrInvalidEncoding struct{}

func (ErrInvalidEncoding) Error() string { return "invalid tnetstring encoding" }

// ErrUnsupportedValue is returned when asked to encode an unknown Go type.
type ErrUnsupportedValue struct{}

func (ErrUnsupportedValue) Error() string { return "unsupported value type" }

// TnetEncode appends the encoding of v to dst and returns the result.
func TnetEncode(dst []byte, v interface{}) ([]byte, error) {
	var payload []byte
	var kind byte

	switch t := v.(type) {
	case nil:
		kind = '~'
	case bool:
		kind = '!'
		if t {
			payload = []byte("true")
		} else {
			payload = []byte("false")
		}
	case int:
		kind = '#'
		payload = strconv.AppendInt(nil, int64(t), 10)
	case int64:
		kind = '#'
		payload = strconv.AppendInt(nil, t, 10)
	case float64:
		kind = '^'
		payload = strconv.AppendFloat(nil, t, 'f', -1, 64)
	case string:
		kind = ','
		payload = []byte(t)
	case []byte:
		kind = ','
		payload = t
	case []interface{}:
		kind = ']'
		for _, el := range t {
			var err error
			if payload, err = TnetEncode(payload, el); err != nil {
				return nil, err
			}
		}
	case map[string]interface{}:
		kind = '}'
		for _, k := range sortedKeys(t) {
			var err error
			if payload, err = TnetEncode(payload, k); err != nil {
				return nil, err
			}
			if payload, err = TnetEncode(payload, t[k]); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.WithStack(ErrUnsupportedValue{})
	}

	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, ':')
	dst = append(dst, payload...)
	dst = append(dst, kind)
	return dst, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// TnetDecode parses one value from src, returning the value and the
// remainder of src.
func TnetDecode(src []byte) (v interface{}, rest []byte, err error) {
	sep := bytes.IndexByte(src, ':')
	if sep < 1 {
		return nil, nil, errors.WithStack(ErrInvalidEncoding{})
	}

	size, perr := strconv.Atoi(string(src[:sep]))
	if perr != nil || size < 0 || sep+1+size+1 > len(src) {
		return nil, nil, errors.WithStack(ErrInvalidEncoding{})
	}

	payload := src[sep+1 : sep+1+size]
	kind := src[sep+1+size]
	rest = src[sep+1+size+1:]

	switch kind {
	case '~':
		if size != 0 {
			return nil, nil, errors.WithStack(ErrInvalidEncoding{})
		}
		return nil, rest, nil
	case '!':
		switch string(payload) {
		case "true":
			return true, rest, nil
		case "false":
			return false, rest, nil
		}
		return nil, nil, errors.WithStack(ErrInvalidEncoding{})
	case '#':
		n, perr := strconv.ParseInt(string(payload), 10, 64)
		if perr != nil {
			return nil, nil, errors.WithStack(ErrInvalidEncoding{})
		}
		return n, rest, nil
	case '^':
		f, perr := strconv.ParseFloat(string(payload), 64)
		if perr != nil {
			return nil, nil, errors.WithStack(ErrInvalidEncoding{})
		}
		return f, rest, nil
	case ',':
		b := make([]byte, len(payload))
		copy(b, payload)
		return b, rest, nil
	case ']':
		list := []interface{}{}
		for len(payload) > 0 {
			var el interface{}
			if el, payload, err = TnetDecode(payload); err != nil {
				return nil, nil, err
			}
			list = append(list, el)
		}
		return list, rest, nil
	case '}':
		dict := map[string]interface{}{}
		for len(payload) > 0 {
			var kv, vv interface{}
			if kv, payload, err = TnetDecode(payload); err != nil {
				return nil, nil, err
			}
			kb, ok := kv.([]byte)
			if !ok {
				return nil, nil, errors.WithStack(ErrInvalidEncoding{})
			}
			if vv, payload, err = TnetDecode(payload); err != nil {
				return nil, nil, err
			}
			dict[string(kb)] = vv
		}
		return dict, rest, nil
	}

	return nil, nil, errors.WithStack(ErrInvalidEncoding{})
}
