package ber

import (
	"bytes"
	"errors"
	"io"
	"testing"

	asn1ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func TestEncodeDecodeTLV_RoundTrip(t *testing.T) {
	tags := []byte{TagInteger, TagOctetString, TagEnumerated, TagSequence,
		TagBindRequest, TagBindResponse, TagSASLCredentials, TagServerSASLCreds}
	sizes := []int{0, 1, 127, 128, 255, 256, 1024, MaxPayload}

	for _, tag := range tags {
		for _, size := range sizes {
			payload := payloadOf(size)

			encoded, err := EncodeTLV(tag, payload)
			require.NoError(t, err, "tag 0x%02x size %d", tag, size)

			decoded, err := DecodeTLV(tag, encoded)
			require.NoError(t, err, "tag 0x%02x size %d", tag, size)
			assert.Equal(t, payload, decoded, "tag 0x%02x size %d", tag, size)
		}
	}
}

func TestEncodeTLV_LengthForms(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		header []byte
	}{
		{"empty", 0, []byte{0x04, 0x00}},
		{"short form max", 127, []byte{0x04, 0x7F}},
		{"one octet long form min", 128, []byte{0x04, 0x81, 0x80}},
		{"one octet long form max", 255, []byte{0x04, 0x81, 0xFF}},
		{"two octet long form min", 256, []byte{0x04, 0x82, 0x01, 0x00}},
		{"two octet long form max", 65535, []byte{0x04, 0x82, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeTLV(TagOctetString, payloadOf(tt.size))
			require.NoError(t, err)
			assert.Equal(t, tt.header, encoded[:len(tt.header)])
			assert.Len(t, encoded, len(tt.header)+tt.size)

			length, header, err := DecodeLength(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.size, length)
			assert.Equal(t, len(tt.header), header)
		})
	}
}

func TestEncodeTLV_TooLarge(t *testing.T) {
	_, err := EncodeTLV(TagOctetString, make([]byte, MaxPayload+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))

	_, err = EncodeSequence(make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestEncodeTLV_MatchesReferenceEncoder(t *testing.T) {
	for _, size := range []int{0, 5, 127, 128, 200, 255, 256, 4000} {
		payload := payloadOf(size)
		ref := asn1ber.NewString(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagOctetString, string(payload), "payload")

		ours, err := EncodeOctetString(payload)
		require.NoError(t, err)
		assert.Equal(t, ref.Bytes(), ours, "size %d", size)
	}
}

func TestEncodeInteger(t *testing.T) {
	tests := []struct {
		value int64
		want  []byte
	}{
		{0, []byte{0x02, 0x01, 0x00}},
		{1, []byte{0x02, 0x01, 0x01}},
		{3, []byte{0x02, 0x01, 0x03}},
		{127, []byte{0x02, 0x01, 0x7F}},
		{128, []byte{0x02, 0x02, 0x00, 0x80}},
		{255, []byte{0x02, 0x02, 0x00, 0xFF}},
		{256, []byte{0x02, 0x02, 0x01, 0x00}},
		{65535, []byte{0x02, 0x03, 0x00, 0xFF, 0xFF}},
		{-1, []byte{0x02, 0x01, 0xFF}},
		{-128, []byte{0x02, 0x01, 0x80}},
		{-129, []byte{0x02, 0x02, 0xFF, 0x7F}},
		{-256, []byte{0x02, 0x02, 0xFF, 0x00}},
	}

	for _, tt := range tests {
		got := EncodeInteger(tt.value)
		assert.Equal(t, tt.want, got, "value %d", tt.value)

		ref := asn1ber.NewInteger(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagInteger, tt.value, "value")
		assert.Equal(t, ref.Bytes(), got, "reference encoding of %d", tt.value)
	}
}

func TestEncodeEnumerated(t *testing.T) {
	assert.Equal(t, []byte{0x0A, 0x01, 0x0E}, EncodeEnumerated(14))
	assert.Equal(t, []byte{0x87, 0x01, 0x05}, EncodeIntegerWithTag(TagServerSASLCreds, 5))
}

func TestDecodeInteger(t *testing.T) {
	for _, v := range []int64{0, 1, 3, 14, 127, 128, 255, 256, 1 << 20, 1<<62 + 7} {
		got, err := DecodeInteger(EncodeInteger(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)

		got, err = DecodeEnumerated(EncodeEnumerated(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestDecodeInteger_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty buffer", nil},
		{"wrong tag", []byte{0x04, 0x01, 0x01}},
		{"empty payload", []byte{0x02, 0x00}},
		{"high bit set", []byte{0x02, 0x01, 0x80}},
		{"negative multi-byte", []byte{0x02, 0x02, 0xFF, 0x7F}},
		{"overflow", []byte{0x02, 0x09, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}},
		{"trailing bytes", []byte{0x02, 0x01, 0x01, 0x00}},
		{"truncated", []byte{0x02, 0x02, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInteger(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)

			var decodeErr *DecodeError
			assert.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestDecodeLength_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"no length byte", []byte{0x30}},
		{"indefinite", []byte{0x30, 0x80}},
		{"too many length octets", []byte{0x30, 0x85, 0, 0, 0, 0, 1}},
		{"truncated long form", []byte{0x30, 0x82, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeLength(tt.input)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestDecodeTLV_Strictness(t *testing.T) {
	encoded, err := EncodeOctetString([]byte("abc"))
	require.NoError(t, err)

	_, err = DecodeTLV(TagOctetString, append(encoded, 0x00))
	assert.ErrorIs(t, err, ErrDecode, "strict decode must reject trailing bytes")

	_, err = DecodeTLV(TagOctetString, encoded[:len(encoded)-1])
	assert.ErrorIs(t, err, ErrDecode, "strict decode must reject short buffer")

	_, _, err = DecodeTLVPartial(TagOctetString, encoded[:len(encoded)-1])
	assert.ErrorIs(t, err, ErrDecode, "partial decode must reject short buffer")

	_, err = DecodeTLV(TagSequence, encoded)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, TagSequence, decodeErr.Tag)
	assert.Contains(t, decodeErr.Error(), "unexpected tag 0x04")
}

func TestDecodePartial_SequentialFields(t *testing.T) {
	var body []byte
	body = append(body, EncodeEnumerated(14)...)
	dn, _ := EncodeOctetString([]byte("cn=x"))
	body = append(body, dn...)
	diag, _ := EncodeOctetString(nil)
	body = append(body, diag...)

	seq, err := EncodeSequence(body)
	require.NoError(t, err)

	inner, err := DecodeSequence(seq)
	require.NoError(t, err)

	code, rest, err := DecodeEnumeratedPartial(inner)
	require.NoError(t, err)
	assert.Equal(t, int64(14), code)

	matched, rest, err := DecodeOctetStringPartial(rest)
	require.NoError(t, err)
	assert.Equal(t, []byte("cn=x"), matched)

	msg, rest, err := DecodeOctetStringPartial(rest)
	require.NoError(t, err)
	assert.Empty(t, msg)
	assert.Empty(t, rest)
}

func TestDecodeSequence_ReferencePacket(t *testing.T) {
	ref := asn1ber.NewSequence("LDAP Message")
	ref.AppendChild(asn1ber.NewInteger(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagInteger, int64(42), "MessageID"))
	ref.AppendChild(asn1ber.NewString(asn1ber.ClassUniversal, asn1ber.TypePrimitive, asn1ber.TagOctetString, "hello", "Value"))

	inner, err := DecodeSequence(ref.Bytes())
	require.NoError(t, err)

	id, rest, err := DecodeIntegerPartial(inner)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	s, err := DecodeOctetString(rest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(s))
}

func TestReadElement(t *testing.T) {
	first, err := EncodeOctetString(payloadOf(300))
	require.NoError(t, err)
	second := EncodeInteger(7)

	r := bytes.NewReader(append(append([]byte{}, first...), second...))

	got, err := ReadElement(r, 0)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ReadElement(r, 16)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = ReadElement(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadElement_Errors(t *testing.T) {
	big, err := EncodeOctetString(payloadOf(200))
	require.NoError(t, err)

	_, err = ReadElement(bytes.NewReader(big), 64)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = ReadElement(bytes.NewReader([]byte{0x30, 0x80, 0x00, 0x00}), 0)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = ReadElement(bytes.NewReader(big[:50]), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
