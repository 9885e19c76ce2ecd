// Package ntlmtest builds NTLM handshake messages for tests: a Type 2
// challenge as a domain controller would issue it, and client Type 1/Type 3
// messages produced by a real NTLM client implementation.
package ntlmtest

import (
	"encoding/binary"
	"testing"

	"github.com/Azure/go-ntlmssp"
	"golang.org/x/text/encoding/unicode"
)

// Challenge flags: UNICODE | REQUEST_TARGET | NTLM | TARGET_TYPE_DOMAIN |
// EXTENDED_SESSIONSECURITY | TARGET_INFO | 128 | 56.
const challengeFlags uint32 = 0x00000001 | 0x00000004 | 0x00000200 | 0x00010000 |
	0x00080000 | 0x00800000 | 0x20000000 | 0x80000000

const challengeHeaderSize = 48

// Challenge returns a CHALLENGE message naming targetName with an empty
// AV_PAIR list.
func Challenge(targetName string) []byte {
	target, _ := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(targetName))
	targetInfo := []byte{0, 0, 0, 0} // MsvAvEOL

	msg := make([]byte, challengeHeaderSize, challengeHeaderSize+len(target)+len(targetInfo))
	copy(msg, "NTLMSSP\x00")
	binary.LittleEndian.PutUint32(msg[8:], 2)

	putVarField(msg[12:], len(target), challengeHeaderSize)
	binary.LittleEndian.PutUint32(msg[20:], challengeFlags)
	copy(msg[24:32], "\x01\x23\x45\x67\x89\xab\xcd\xef")
	putVarField(msg[40:], len(targetInfo), challengeHeaderSize+len(target))

	msg = append(msg, target...)
	return append(msg, targetInfo...)
}

func putVarField(b []byte, length, offset int) {
	binary.LittleEndian.PutUint16(b[0:], uint16(length))
	binary.LittleEndian.PutUint16(b[2:], uint16(length))
	binary.LittleEndian.PutUint32(b[4:], uint32(offset))
}

// Negotiate returns a client NEGOTIATE message.
func Negotiate(t testing.TB) []byte {
	t.Helper()

	msg, err := ntlmssp.NewNegotiateMessage("", "")
	if err != nil {
		t.Fatalf("ntlmtest: negotiate: %v", err)
	}
	return msg
}

// Authenticate answers challenge as user. The domain field carries the
// challenge's target name when withDomain is set.
func Authenticate(t testing.TB, challenge []byte, user, password string, withDomain bool) []byte {
	t.Helper()

	msg, err := ntlmssp.ProcessChallenge(challenge, user, password, withDomain)
	if err != nil {
		t.Fatalf("ntlmtest: authenticate: %v", err)
	}
	return msg
}

// Field is an AUTHENTICATE string field.
type Field struct {
	Value  []byte
	Length int // overrides len(Value) when non-zero
	Offset int // overrides the computed offset when non-zero
}

// RawAuthenticate hand-assembles an AUTHENTICATE message with arbitrary
// field descriptors, for exercising malformed input.
func RawAuthenticate(flags uint32, domain, user, workstation Field) []byte {
	const base = 64

	msg := make([]byte, base)
	copy(msg, "NTLMSSP\x00")
	binary.LittleEndian.PutUint32(msg[8:], 3)
	binary.LittleEndian.PutUint32(msg[60:], flags)

	ptr := base
	for i, f := range []Field{domain, user, workstation} {
		length, offset := len(f.Value), ptr
		if f.Length != 0 {
			length = f.Length
		}
		if f.Offset != 0 {
			offset = f.Offset
		}
		putVarField(msg[0x1C+8*i:], length, offset)
		msg = append(msg, f.Value...)
		ptr += len(f.Value)
	}
	return msg
}
