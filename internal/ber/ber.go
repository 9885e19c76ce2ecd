// Package ber implements the subset of ASN.1 BER needed to frame LDAP bind
// requests and responses: INTEGER, ENUMERATED, OCTET STRING, SEQUENCE and the
// application/context-specific tags used by the bind operation.
package ber

import (
	"errors"
	"fmt"
	"io"
)

// Universal and LDAP bind tags.
const (
	TagInteger     byte = 0x02
	TagOctetString byte = 0x04
	TagEnumerated  byte = 0x0A
	TagSequence    byte = 0x30

	TagBindRequest     byte = 0x60 // [APPLICATION 0] constructed
	TagBindResponse    byte = 0x61 // [APPLICATION 1] constructed
	TagSASLCredentials byte = 0xA3 // [3] constructed
	TagServerSASLCreds byte = 0x87 // [7] primitive
)

// MaxPayload is the largest payload EncodeTLV can frame (two length octets).
const MaxPayload = 0xFFFF

// maxLengthOctets bounds long-form lengths accepted when decoding.
const maxLengthOctets = 4

var (
	// ErrDecode matches every decoding failure via errors.Is.
	ErrDecode = errors.New("ber: decode error")

	// ErrPayloadTooLarge is returned when a payload needs more than two length octets.
	ErrPayloadTooLarge = errors.New("ber: payload too large")
)

// DecodeError describes a malformed, mistyped or truncated TLV.
type DecodeError struct {
	Tag    byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ber: decode tag 0x%02x: %s", e.Tag, e.Reason)
}

// Is reports whether target is ErrDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func decodeErr(tag byte, format string, args ...any) error {
	return &DecodeError{Tag: tag, Reason: fmt.Sprintf(format, args...)}
}

// EncodeTLV frames payload under tag using the shortest length form.
func EncodeTLV(tag byte, payload []byte) ([]byte, error) {
	n := len(payload)

	var out []byte
	switch {
	case n < 0x80:
		out = make([]byte, 0, 2+n)
		out = append(out, tag, byte(n))
	case n <= 0xFF:
		out = make([]byte, 0, 3+n)
		out = append(out, tag, 0x81, byte(n))
	case n <= MaxPayload:
		out = make([]byte, 0, 4+n)
		out = append(out, tag, 0x82, byte(n>>8), byte(n))
	default:
		return nil, fmt.Errorf("%w: %d bytes under tag 0x%02x", ErrPayloadTooLarge, n, tag)
	}

	return append(out, payload...), nil
}

// EncodeInteger encodes v as a universal INTEGER.
func EncodeInteger(v int64) []byte {
	return EncodeIntegerWithTag(TagInteger, v)
}

// EncodeEnumerated encodes v as an ENUMERATED.
func EncodeEnumerated(v int64) []byte {
	return EncodeIntegerWithTag(TagEnumerated, v)
}

// EncodeIntegerWithTag encodes v as minimal big-endian two's complement under tag.
// The payload is at most 8 bytes so framing cannot fail.
func EncodeIntegerWithTag(tag byte, v int64) []byte {
	payload := integerBytes(v)
	out := make([]byte, 0, 2+len(payload))
	out = append(out, tag, byte(len(payload)))
	return append(out, payload...)
}

func integerBytes(v int64) []byte {
	n := 1
	for x := v; x > 127 || x < -128; x >>= 8 {
		n++
	}

	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// EncodeSequence frames payload as a universal SEQUENCE.
func EncodeSequence(payload []byte) ([]byte, error) {
	return EncodeTLV(TagSequence, payload)
}

// EncodeOctetString frames payload as an OCTET STRING.
func EncodeOctetString(payload []byte) ([]byte, error) {
	return EncodeTLV(TagOctetString, payload)
}

// DecodeLength reads the length octets that follow the tag at tlv[0].
// headerSize counts the tag byte and every length octet.
func DecodeLength(tlv []byte) (length, headerSize int, err error) {
	if len(tlv) < 2 {
		var tag byte
		if len(tlv) == 1 {
			tag = tlv[0]
		}
		return 0, 0, decodeErr(tag, "buffer too short for header (%d bytes)", len(tlv))
	}

	tag := tlv[0]
	first := tlv[1]
	if first&0x80 == 0 {
		return int(first), 2, nil
	}

	count := int(first & 0x7F)
	switch {
	case count == 0:
		return 0, 0, decodeErr(tag, "indefinite length not supported")
	case count > maxLengthOctets:
		return 0, 0, decodeErr(tag, "length uses %d octets", count)
	case len(tlv) < 2+count:
		return 0, 0, decodeErr(tag, "truncated length: need %d octets, have %d", count, len(tlv)-2)
	}

	for _, b := range tlv[2 : 2+count] {
		length = length<<8 | int(b)
	}
	if length < 0 {
		return 0, 0, decodeErr(tag, "length overflow")
	}

	return length, 2 + count, nil
}

// DecodeTLV returns the payload of a TLV that must exactly fill b.
func DecodeTLV(tag byte, b []byte) ([]byte, error) {
	payload, rest, err := DecodeTLVPartial(tag, b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, decodeErr(tag, "%d trailing bytes after %d-byte payload", len(rest), len(payload))
	}
	return payload, nil
}

// DecodeTLVPartial decodes the leading TLV of b and returns its payload and
// whatever follows it.
func DecodeTLVPartial(tag byte, b []byte) (payload, rest []byte, err error) {
	if len(b) == 0 {
		return nil, nil, decodeErr(tag, "empty buffer")
	}
	if b[0] != tag {
		return nil, nil, decodeErr(tag, "unexpected tag 0x%02x", b[0])
	}

	length, header, err := DecodeLength(b)
	if err != nil {
		return nil, nil, err
	}

	end := header + length
	if end > len(b) || end < header {
		return nil, nil, decodeErr(tag, "declared length %d exceeds %d available bytes", length, len(b)-header)
	}

	return b[header:end], b[end:], nil
}

// DecodeInteger decodes a strict universal INTEGER.
func DecodeInteger(b []byte) (int64, error) {
	return decodeIntegerTag(TagInteger, b)
}

// DecodeIntegerPartial decodes a leading INTEGER and returns the remainder.
func DecodeIntegerPartial(b []byte) (int64, []byte, error) {
	return decodeIntegerTagPartial(TagInteger, b)
}

// DecodeEnumerated decodes a strict ENUMERATED.
func DecodeEnumerated(b []byte) (int64, error) {
	return decodeIntegerTag(TagEnumerated, b)
}

// DecodeEnumeratedPartial decodes a leading ENUMERATED and returns the remainder.
func DecodeEnumeratedPartial(b []byte) (int64, []byte, error) {
	return decodeIntegerTagPartial(TagEnumerated, b)
}

// DecodeSequence returns the payload of a strict SEQUENCE.
func DecodeSequence(b []byte) ([]byte, error) {
	return DecodeTLV(TagSequence, b)
}

// DecodeSequencePartial returns the payload of a leading SEQUENCE and the remainder.
func DecodeSequencePartial(b []byte) ([]byte, []byte, error) {
	return DecodeTLVPartial(TagSequence, b)
}

// DecodeOctetString returns the payload of a strict OCTET STRING.
func DecodeOctetString(b []byte) ([]byte, error) {
	return DecodeTLV(TagOctetString, b)
}

// DecodeOctetStringPartial returns the payload of a leading OCTET STRING and the remainder.
func DecodeOctetStringPartial(b []byte) ([]byte, []byte, error) {
	return DecodeTLVPartial(TagOctetString, b)
}

func decodeIntegerTag(tag byte, b []byte) (int64, error) {
	payload, err := DecodeTLV(tag, b)
	if err != nil {
		return 0, err
	}
	return integerValue(tag, payload)
}

func decodeIntegerTagPartial(tag byte, b []byte) (int64, []byte, error) {
	payload, rest, err := DecodeTLVPartial(tag, b)
	if err != nil {
		return 0, nil, err
	}
	v, err := integerValue(tag, payload)
	if err != nil {
		return 0, nil, err
	}
	return v, rest, nil
}

// integerValue accepts only non-negative values that fit in an int64.
func integerValue(tag byte, payload []byte) (int64, error) {
	switch {
	case len(payload) == 0:
		return 0, decodeErr(tag, "empty integer")
	case payload[0]&0x80 != 0:
		return 0, decodeErr(tag, "negative integer")
	case len(payload) > 8:
		return 0, decodeErr(tag, "integer of %d bytes overflows int64", len(payload))
	}

	var v int64
	for _, b := range payload {
		v = v<<8 | int64(b)
	}
	return v, nil
}

// ReadElement reads exactly one TLV from r, returning the complete encoding.
// Elements whose total size exceeds maxSize are rejected.
func ReadElement(r io.Reader, maxSize int) ([]byte, error) {
	head := make([]byte, 2, 2+maxLengthOctets)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	if head[1]&0x80 != 0 {
		count := int(head[1] & 0x7F)
		if count == 0 || count > maxLengthOctets {
			// let DecodeLength produce the descriptive error
			_, _, err := DecodeLength(head)
			return nil, err
		}
		head = head[:2+count]
		if _, err := io.ReadFull(r, head[2:]); err != nil {
			return nil, err
		}
	}

	length, header, err := DecodeLength(head)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && header+length > maxSize {
		return nil, decodeErr(head[0], "element of %d bytes exceeds limit %d", header+length, maxSize)
	}

	out := make([]byte, header+length)
	copy(out, head)
	if _, err := io.ReadFull(r, out[header:]); err != nil {
		return nil, err
	}
	return out, nil
}
