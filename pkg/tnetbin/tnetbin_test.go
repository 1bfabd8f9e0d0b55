package tnetbin

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFixedValues(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, "0:~"},
		{true, "4:true!"},
		{false, "5:false!"},
		{42, "2:42#"},
		{-7, "2:-7#"},
		{3.0, "1:3#"},
		{1.5, "3:1.5^"},
		{"hello", "5:hello,"},
		{"", "0:,"},
		{[]byte{0, 1, 2}, "3:\x00\x01\x02,"},
		{[]any{}, "0:]"},
		{[]any{1, "a"}, "8:1:1#1:a,]"},
		{map[string]any{}, "0:}"},
		{map[string]any{"a": 1}, "8:1:a,1:1#}"},
	}

	for _, tc := range cases {
		got, err := Encode(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(got), "encoding %#v", tc.in)
	}
}

func TestEncodeSortsMappingKeys(t *testing.T) {
	got, err := Encode(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, "16:1:a,1:1#1:b,1:2#}", string(got))
}

func TestEncodeReflectedShapes(t *testing.T) {
	got, err := Encode([]string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, "8:1:x,1:y,]", string(got))

	got, err = Encode(map[int][]string{0: {"p"}})
	require.NoError(t, err)
	assert.Equal(t, "11:1:0,4:1:p,]}", string(got))

	_, err = Encode(make(chan int))
	var uve *UnsupportedValueError
	assert.ErrorAs(t, err, &uve)
}

func TestRoundTrip(t *testing.T) {
	values := []any{
		nil,
		true,
		false,
		int64(0),
		int64(123456789),
		int64(-42),
		0.25,
		-3.5,
		"",
		"tnetbin ünïcode",
		[]any{},
		[]any{int64(1), "two", []any{int64(3), nil}},
		map[string]any{},
		map[string]any{
			"type":    "request",
			"swarmId": "bar",
			"chunkId": int64(12),
			"nested":  map[string]any{"list": []any{true, false}},
		},
	}

	for _, v := range values {
		enc, err := Encode(v)
		require.NoError(t, err)

		got, remain, err := Decode(enc)
		require.NoError(t, err, "decoding %q", enc)
		assert.Equal(t, v, got)
		assert.Empty(t, remain)
	}
}

func TestRoundTripBinary(t *testing.T) {
	blob := make([]byte, 1024)
	for i := range blob {
		blob[i] = byte(i)
	}

	enc, err := Encode(blob)
	require.NoError(t, err)

	got, remain, err := Decoder{Binary: true}.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
	assert.Empty(t, remain)
}

func TestDecodeReturnsRemainingBytes(t *testing.T) {
	msg := map[string]any{"type": "chunk", "swarmId": "bar", "chunkId": int64(3)}
	blob := []byte("payload bytes")

	head, err := Encode(msg)
	require.NoError(t, err)
	tail, err := Encode(blob)
	require.NoError(t, err)

	got, remain, err := Decode(append(head, tail...))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	assert.Equal(t, tail, remain)

	b, rest, err := Decoder{Binary: true}.Decode(remain)
	require.NoError(t, err)
	assert.Equal(t, blob, b)
	assert.Empty(t, rest)
}

func TestDecodeFrame(t *testing.T) {
	head := MustEncode(map[string]any{"type": "request"})

	header, blob, err := DecodeFrame(head)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"type": "request"}, header)
	assert.Nil(t, blob)

	frame := append(append([]byte{}, head...), MustEncode([]byte{9, 8, 7})...)
	header, blob, err = DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"type": "request"}, header)
	assert.Equal(t, []byte{9, 8, 7}, blob)

	_, _, err = DecodeFrame(append(frame, '0', ':', '~'))
	assert.ErrorIs(t, err, ErrTrailingData)

	_, _, err = DecodeFrame(append(append([]byte{}, head...), MustEncode(int64(1))...))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeBooleanByLength(t *testing.T) {
	v, _, err := Decode([]byte("4:xxxx!"))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, _, err = Decode([]byte("5:xxxxx!"))
	require.NoError(t, err)
	assert.Equal(t, false, v)

	_, _, err = Decode([]byte("3:yes!"))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want error
	}{
		{"empty", "", ErrTruncated},
		{"no colon", "12", ErrTruncated},
		{"letters in length", "1x:a,", ErrMalformedLength},
		{"missing length", ":a,", ErrMalformedLength},
		{"huge length", "99999999999:a,", ErrMalformedLength},
		{"ten digit length", "9999999999:a,", ErrMalformedLength},
		{"short payload", "5:abc,", ErrTruncated},
		{"missing tag", "3:abc", ErrTruncated},
		{"unknown tag", "3:abc?", ErrUnknownTag},
		{"bad integer", "2:1a#", ErrInvalidPayload},
		{"bad float", "3:x.y^", ErrInvalidPayload},
		{"null with payload", "1:x~", ErrInvalidPayload},
		{"list overrun", "5:3:abc],", ErrTruncated},
		{"dict without value", "4:1:a,}", ErrInvalidPayload},
		{"dict with list key", "7:0:]1:1#}", ErrInvalidPayload},
		{"unknown tag in list", "4:1:a?]", ErrUnknownTag},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, remain, err := Decode([]byte(tc.in))
			assert.ErrorIs(t, err, tc.want)
			assert.Nil(t, v)
			assert.Nil(t, remain)

			var se *SyntaxError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestWholeNumbersBeyondInt64(t *testing.T) {
	got, err := Encode(1e20)
	require.NoError(t, err)
	assert.Equal(t, "21:100000000000000000000^", string(got))

	v, _, err := Decode(got)
	require.NoError(t, err)
	assert.Equal(t, 1e20, v)

	v, _, err = Decode([]byte("21:100000000000000000000#"))
	require.NoError(t, err)
	assert.Equal(t, 1e20, v)

	v, _, err = Decode([]byte("19:9223372036854775807#"))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)
}

func TestDecodeErrorDoesNotAffectNextCall(t *testing.T) {
	_, _, err := Decode([]byte("3:abc?"))
	require.ErrorIs(t, err, ErrUnknownTag)

	v, remain, err := Decode([]byte("3:abc,"))
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
	assert.Empty(t, remain)
}

type peerList []string

func (p peerList) TnetbinValue() any { return []string(p) }

func TestValuer(t *testing.T) {
	got, err := Encode(map[string]any{"peers": peerList{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "15:5:peers,4:1:a,]}", string(got))
}
