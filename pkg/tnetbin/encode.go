// Package tnetbin implements the length-prefixed, tag-suffixed binary encoding
// used for every message exchanged between peers.
//
// A value is written as <decimal-length>:<payload><tag>. The tag follows the
// payload, so a reader always knows where the tag byte is before looking at it.
package tnetbin

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// Type tags.
const (
	TagNull    byte = '~'
	TagBoolean byte = '!'
	TagInteger byte = '#'
	TagFloat   byte = '^'
	TagString  byte = ','
	TagList    byte = ']'
	TagDict    byte = '}'
)

var (
	encodedNull  = []byte("0:~")
	encodedTrue  = []byte("4:true!")
	encodedFalse = []byte("5:false!")
)

// Valuer is implemented by types that know how to present themselves as one
// of the natively encodable shapes (string, list, map...).
type Valuer interface {
	TnetbinValue() any
}

// UnsupportedValueError is returned when a value has no encoding.
type UnsupportedValueError struct {
	Value any
	Why   string
}

func (e *UnsupportedValueError) Error() string {
	return fmt.Sprintf("tnetbin: cannot encode %T: %s", e.Value, e.Why)
}

// Encode returns the encoding of v.
func Encode(v any) ([]byte, error) {
	return Append(nil, v)
}

// MustEncode is like Encode but panics on error. Meant for constant values.
func MustEncode(v any) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Append appends the encoding of v to dst.
func Append(dst []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(dst, encodedNull...), nil
	case Valuer:
		return Append(dst, x.TnetbinValue())
	case bool:
		if x {
			return append(dst, encodedTrue...), nil
		}
		return append(dst, encodedFalse...), nil
	case string:
		return appendString(dst, x), nil
	case []byte:
		return appendFrame(dst, x, TagString), nil
	case int:
		return appendInt(dst, int64(x)), nil
	case int64:
		return appendInt(dst, x), nil
	case int32:
		return appendInt(dst, int64(x)), nil
	case uint32:
		return appendInt(dst, int64(x)), nil
	case uint64:
		return appendUint(dst, x), nil
	case float64:
		return appendFloat(dst, x)
	case float32:
		return appendFloat(dst, float64(x))
	case []any:
		return appendList(dst, len(x), func(i int, b []byte) ([]byte, error) {
			return Append(b, x[i])
		})
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return appendDict(dst, keys, func(k string, b []byte) ([]byte, error) {
			return Append(b, x[k])
		})
	}
	return appendReflect(dst, reflect.ValueOf(v))
}

func appendFrame(dst, payload []byte, tag byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, ':')
	dst = append(dst, payload...)
	return append(dst, tag)
}

func appendString(dst []byte, s string) []byte {
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, ':')
	dst = append(dst, s...)
	return append(dst, TagString)
}

func appendInt(dst []byte, n int64) []byte {
	var scratch [20]byte
	return appendFrame(dst, strconv.AppendInt(scratch[:0], n, 10), TagInteger)
}

func appendUint(dst []byte, n uint64) []byte {
	var scratch [20]byte
	return appendFrame(dst, strconv.AppendUint(scratch[:0], n, 10), TagInteger)
}

// appendFloat writes whole numbers that fit an int64 with the integer tag, the
// same way a peer that does not distinguish number types would.
func appendFloat(dst []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return dst, &UnsupportedValueError{Value: f, Why: "not a finite number"}
	}
	text := strconv.FormatFloat(f, 'f', -1, 64)
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return appendFrame(dst, []byte(text), TagInteger), nil
	}
	return appendFrame(dst, []byte(text), TagFloat), nil
}

func appendList(dst []byte, n int, elem func(int, []byte) ([]byte, error)) ([]byte, error) {
	var payload []byte
	var err error
	for i := 0; i < n; i++ {
		if payload, err = elem(i, payload); err != nil {
			return dst, err
		}
	}
	return appendFrame(dst, payload, TagList), nil
}

func appendDict(dst []byte, keys []string, value func(string, []byte) ([]byte, error)) ([]byte, error) {
	var payload []byte
	var err error
	for _, k := range keys {
		payload = appendString(payload, k)
		if payload, err = value(k, payload); err != nil {
			return dst, err
		}
	}
	return appendFrame(dst, payload, TagDict), nil
}

func appendReflect(dst []byte, rv reflect.Value) ([]byte, error) {
	switch rv.Kind() {
	case reflect.Invalid:
		return append(dst, encodedNull...), nil
	case reflect.Bool:
		return Append(dst, rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendInt(dst, rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return appendUint(dst, rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return appendFloat(dst, rv.Float())
	case reflect.String:
		return appendString(dst, rv.String()), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return append(dst, encodedNull...), nil
		}
		return Append(dst, rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return appendFrame(dst, nil, TagList), nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return appendFrame(dst, rv.Bytes(), TagString), nil
		}
		fallthrough
	case reflect.Array:
		return appendList(dst, rv.Len(), func(i int, b []byte) ([]byte, error) {
			return Append(b, rv.Index(i).Interface())
		})
	case reflect.Map:
		keys := make([]string, 0, rv.Len())
		values := make(map[string]reflect.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := mapKey(iter.Key())
			if err != nil {
				return dst, err
			}
			keys = append(keys, k)
			values[k] = iter.Value()
		}
		sort.Strings(keys)
		return appendDict(dst, keys, func(k string, b []byte) ([]byte, error) {
			return Append(b, values[k].Interface())
		})
	}
	return dst, &UnsupportedValueError{Value: rv.Interface(), Why: "unsupported kind " + rv.Kind().String()}
}

// mapKey renders a map key as the string it becomes on the wire.
func mapKey(k reflect.Value) (string, error) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", &UnsupportedValueError{Value: k.Interface(), Why: "map key must be a string or an integer"}
}
