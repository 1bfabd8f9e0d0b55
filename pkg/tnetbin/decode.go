package tnetbin

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// maxSizeDigits bounds the length prefix. Nine digits is the most that
// always fits a 32-bit int.
const maxSizeDigits = 9

var (
	ErrMalformedLength = errors.New("malformed length prefix")
	ErrTruncated       = errors.New("truncated value")
	ErrUnknownTag      = errors.New("unknown type tag")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrTrailingData    = errors.New("trailing data after blob")
)

// SyntaxError describes where a decode failed.
type SyntaxError struct {
	Offset int
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("tnetbin: %v at offset %d", e.Err, e.Offset)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Decoder turns encoded bytes back into values. Strings decode to Go strings
// unless Binary is set, in which case they decode to []byte.
//
// Decoders hold no state between calls; a failed Decode has no effect on the
// next one.
type Decoder struct {
	Binary bool
}

// Decode decodes the first value of data with the default Decoder.
func Decode(data []byte) (any, []byte, error) {
	return Decoder{}.Decode(data)
}

// Decode decodes the first value of data and returns the bytes that follow it.
//
// Integers come back as int64, fractional numbers as float64, lists as []any
// and mappings as map[string]any.
func (d Decoder) Decode(data []byte) (value any, remain []byte, err error) {
	v, next, err := d.decode(data, 0)
	if err != nil {
		return nil, nil, err
	}
	return v, data[next:], nil
}

// DecodeFrame decodes a control header optionally followed by a binary blob,
// the layout used when a message and its payload travel together.
func DecodeFrame(frame []byte) (header any, blob []byte, err error) {
	header, remain, err := Decode(frame)
	if err != nil {
		return nil, nil, err
	}
	if len(remain) == 0 {
		return header, nil, nil
	}

	offset := len(frame) - len(remain)
	v, rest, err := Decoder{Binary: true}.Decode(remain)
	if err != nil {
		var se *SyntaxError
		if errors.As(err, &se) {
			se.Offset += offset
		}
		return nil, nil, err
	}
	if len(rest) != 0 {
		return nil, nil, &SyntaxError{Offset: len(frame) - len(rest), Err: ErrTrailingData}
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, nil, &SyntaxError{Offset: offset, Err: fmt.Errorf("%w: blob is %T", ErrInvalidPayload, v)}
	}
	return header, b, nil
}

// decode reads one value starting at off. data ends where the enclosing
// payload ends, so a nested value can never read past its parent.
func (d Decoder) decode(data []byte, off int) (any, int, error) {
	size, start, err := readSize(data, off)
	if err != nil {
		return nil, 0, err
	}

	end := start + size
	if end >= len(data) || end < start {
		return nil, 0, &SyntaxError{Offset: off, Err: ErrTruncated}
	}
	payload := data[start:end]
	next := end + 1

	switch tag := data[end]; tag {
	case TagNull:
		if size != 0 {
			return nil, 0, &SyntaxError{Offset: off, Err: fmt.Errorf("%w: null with %d byte payload", ErrInvalidPayload, size)}
		}
		return nil, next, nil
	case TagBoolean:
		switch size {
		case 4:
			return true, next, nil
		case 5:
			return false, next, nil
		}
		return nil, 0, &SyntaxError{Offset: off, Err: fmt.Errorf("%w: boolean of length %d", ErrInvalidPayload, size)}
	case TagInteger:
		n, err := strconv.ParseInt(string(payload), 10, 64)
		if errors.Is(err, strconv.ErrRange) {
			// whole numbers past int64, as sent by peers with a single number type
			if f, ferr := strconv.ParseFloat(string(payload), 64); ferr == nil {
				return f, next, nil
			}
		}
		if err != nil {
			return nil, 0, &SyntaxError{Offset: start, Err: fmt.Errorf("%w: integer %q", ErrInvalidPayload, payload)}
		}
		return n, next, nil
	case TagFloat:
		f, err := strconv.ParseFloat(string(payload), 64)
		if err != nil {
			return nil, 0, &SyntaxError{Offset: start, Err: fmt.Errorf("%w: float %q", ErrInvalidPayload, payload)}
		}
		return f, next, nil
	case TagString:
		if d.Binary {
			return bytes.Clone(payload), next, nil
		}
		return string(payload), next, nil
	case TagList:
		list, err := d.decodeList(data[:end], start)
		if err != nil {
			return nil, 0, err
		}
		return list, next, nil
	case TagDict:
		dict, err := d.decodeDict(data[:end], start)
		if err != nil {
			return nil, 0, err
		}
		return dict, next, nil
	default:
		return nil, 0, &SyntaxError{Offset: end, Err: fmt.Errorf("%w %q", ErrUnknownTag, tag)}
	}
}

func (d Decoder) decodeList(data []byte, cursor int) ([]any, error) {
	list := []any{}
	for cursor < len(data) {
		v, next, err := d.decode(data, cursor)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
		cursor = next
	}
	return list, nil
}

func (d Decoder) decodeDict(data []byte, cursor int) (map[string]any, error) {
	start := cursor
	// Keys are always read as text; only values honour Binary.
	keys := Decoder{}
	dict := map[string]any{}
	for cursor < len(data) {
		k, next, err := keys.decode(data, cursor)
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, &SyntaxError{Offset: cursor, Err: fmt.Errorf("%w: mapping key is %T", ErrInvalidPayload, k)}
		}
		if next >= len(data) {
			return nil, &SyntaxError{Offset: start, Err: fmt.Errorf("%w: key %q has no value", ErrInvalidPayload, key)}
		}
		v, after, err := d.decode(data, next)
		if err != nil {
			return nil, err
		}
		dict[key] = v
		cursor = after
	}
	return dict, nil
}

func readSize(data []byte, off int) (size, start int, err error) {
	i := off
	for ; i < len(data) && data[i] != ':'; i++ {
		c := data[i]
		if c < '0' || c > '9' || i-off >= maxSizeDigits {
			return 0, 0, &SyntaxError{Offset: i, Err: ErrMalformedLength}
		}
		size = size*10 + int(c-'0')
	}
	if i == len(data) {
		return 0, 0, &SyntaxError{Offset: off, Err: ErrTruncated}
	}
	if i == off {
		return 0, 0, &SyntaxError{Offset: off, Err: ErrMalformedLength}
	}
	return size, i + 1, nil
}
