// Package ntlm decodes the NTLM messages a browser sends in an HTTP
// Authorization header. It classifies messages for the relay and extracts the
// identity fields of an AUTHENTICATE message; it never computes NTLM
// cryptography. Type 2 challenges come from the domain controller and are
// passed through opaquely.
//
// [MS-NLMP] Section 2.2.1
package ntlm

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// MessageType identifies the messages the relay acts upon.
type MessageType int

const (
	// Unrecognized covers bad signatures, short buffers and any type other than 1 or 3.
	Unrecognized MessageType = 0

	// Negotiate (Type 1) starts the handshake.
	Negotiate MessageType = 1

	// Authenticate (Type 3) completes the handshake.
	Authenticate MessageType = 3
)

// String returns string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case Negotiate:
		return "negotiate"
	case Authenticate:
		return "authenticate"
	default:
		return "unrecognized"
	}
}

// Scheme is the HTTP authentication scheme name.
const Scheme = "NTLM"

// Signature begins every NTLM message.
var Signature = []byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0}

const (
	messageTypeOffset = 8
	headerSize        = 12
)

// AUTHENTICATE field descriptors: 2-byte length, 2-byte max length, 4-byte offset.
// [MS-NLMP] Section 2.2.1.3
const (
	authDomainNameLenOffset  = 0x1C
	authDomainNameOffOffset  = 0x20
	authUserNameLenOffset    = 0x24
	authUserNameOffOffset    = 0x28
	authWorkstationLenOffset = 0x2C
	authWorkstationOffOffset = 0x30
	authNegotiateFlagsOffset = 0x3C
	authBaseSize             = 64
)

// flagUnicode selects UTF-16LE strings (NTLMSSP_NEGOTIATE_UNICODE).
const flagUnicode = 0x00000001

// Error types for NTLM message handling.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrNoNTLMScheme is returned when the header does not use the NTLM scheme.
	ErrNoNTLMScheme Error = "ntlm: authorization header is not NTLM"

	// ErrInvalidEncoding is returned when the token is not valid base64.
	ErrInvalidEncoding Error = "ntlm: invalid base64 token"

	// ErrMessageTooShort is returned when the buffer is too small for the message type.
	ErrMessageTooShort Error = "ntlm: message too short"

	// ErrWrongMessageType is returned when parsing a message of unexpected type.
	ErrWrongMessageType Error = "ntlm: wrong message type"

	// ErrFieldOutOfRange is returned when a field descriptor points outside the message.
	ErrFieldOutOfRange Error = "ntlm: field out of range"
)

// DecodeAuthorization extracts the raw NTLM message from an Authorization
// header value of the form "NTLM <base64>".
func DecodeAuthorization(header string) ([]byte, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return nil, ErrNoNTLMScheme
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoNTLMScheme
	}

	msg, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return msg, nil
}

// EncodeChallenge renders a Type 2 message as a WWW-Authenticate value.
func EncodeChallenge(challenge []byte) string {
	return Scheme + " " + base64.StdEncoding.EncodeToString(challenge)
}

// IsValid checks if the buffer starts with the NTLMSSP signature and holds a full header.
func IsValid(msg []byte) bool {
	return len(msg) >= headerSize && bytes.Equal(msg[:len(Signature)], Signature)
}

// Classify reports whether msg is a Negotiate or Authenticate message. Only
// the low byte of the MessageType field is significant.
func Classify(msg []byte) MessageType {
	if !IsValid(msg) {
		return Unrecognized
	}

	switch MessageType(msg[messageTypeOffset]) {
	case Negotiate:
		return Negotiate
	case Authenticate:
		return Authenticate
	default:
		return Unrecognized
	}
}

// AuthenticateFields are the identity fields of an AUTHENTICATE message.
type AuthenticateFields struct {
	Domain      string
	User        string
	Workstation string
	Unicode     bool
}

// ParseAuthenticate extracts domain, user and workstation from a Type 3 message.
// Every field descriptor is checked against the message bounds before slicing.
func ParseAuthenticate(msg []byte) (*AuthenticateFields, error) {
	if Classify(msg) != Authenticate {
		return nil, ErrWrongMessageType
	}
	if len(msg) < authBaseSize {
		return nil, ErrMessageTooShort
	}

	flags := binary.LittleEndian.Uint32(msg[authNegotiateFlagsOffset:])
	fields := &AuthenticateFields{Unicode: flags&flagUnicode != 0}

	var err error
	if fields.Domain, err = readString(msg, authDomainNameLenOffset, authDomainNameOffOffset, fields.Unicode); err != nil {
		return nil, fmt.Errorf("domain: %w", err)
	}
	if fields.User, err = readString(msg, authUserNameLenOffset, authUserNameOffOffset, fields.Unicode); err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	if fields.Workstation, err = readString(msg, authWorkstationLenOffset, authWorkstationOffOffset, fields.Unicode); err != nil {
		return nil, fmt.Errorf("workstation: %w", err)
	}

	return fields, nil
}

func readString(msg []byte, lenOffset, offOffset int, isUnicode bool) (string, error) {
	length := int(binary.LittleEndian.Uint16(msg[lenOffset:]))
	offset := int64(binary.LittleEndian.Uint32(msg[offOffset:]))

	if length == 0 {
		return "", nil
	}
	if offset+int64(length) > int64(len(msg)) {
		return "", fmt.Errorf("%w: offset %d length %d in %d-byte message", ErrFieldOutOfRange, offset, length, len(msg))
	}

	return decodeString(msg[offset:offset+int64(length)], isUnicode)
}

// decodeString decodes UTF-16LE when isUnicode is set, otherwise 8-bit text.
func decodeString(b []byte, isUnicode bool) (string, error) {
	if !isUnicode {
		return string(b), nil
	}

	out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode utf-16le: %w", err)
	}
	return string(out), nil
}
