package ntlm

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"

	"github.com/isometry/ad-ntlm-relay/internal/ntlm/ntlmtest"
)

func utf16le(t *testing.T, s string) []byte {
	t.Helper()
	b, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return b
}

func TestDecodeAuthorization(t *testing.T) {
	type1 := ntlmtest.Negotiate(t)
	encoded := base64.StdEncoding.EncodeToString(type1)

	tests := []struct {
		name    string
		header  string
		want    []byte
		wantErr error
	}{
		{name: "ntlm token", header: "NTLM " + encoded, want: type1},
		{name: "case-insensitive scheme", header: "ntlm " + encoded, want: type1},
		{name: "surrounding whitespace", header: "  NTLM   " + encoded + " ", want: type1},
		{name: "empty", header: "", wantErr: ErrNoNTLMScheme},
		{name: "scheme only", header: "NTLM", wantErr: ErrNoNTLMScheme},
		{name: "scheme and space", header: "NTLM ", wantErr: ErrNoNTLMScheme},
		{name: "basic", header: "Basic dXNlcjpwYXNz", wantErr: ErrNoNTLMScheme},
		{name: "negotiate", header: "Negotiate " + encoded, wantErr: ErrNoNTLMScheme},
		{name: "bad base64", header: "NTLM not*base64", wantErr: ErrInvalidEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAuthorization(tt.header)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeChallenge(t *testing.T) {
	assert.Equal(t, "NTLM QUI=", EncodeChallenge([]byte{0x41, 0x42}))

	challenge := ntlmtest.Challenge("EXAMPLE")
	decoded, err := DecodeAuthorization(EncodeChallenge(challenge))
	require.NoError(t, err)
	assert.Equal(t, challenge, decoded)
}

func TestClassify(t *testing.T) {
	challenge := ntlmtest.Challenge("EXAMPLE")

	tests := []struct {
		name string
		msg  []byte
		want MessageType
	}{
		{"negotiate", ntlmtest.Negotiate(t), Negotiate},
		{"authenticate", ntlmtest.Authenticate(t, challenge, "alice", "secret", true), Authenticate},
		{"challenge is not relayed inbound", challenge, Unrecognized},
		{"nil", nil, Unrecognized},
		{"short", []byte("NTLMSSP\x00\x01"), Unrecognized},
		{"bad signature", []byte("NTLMSSX\x00\x01\x00\x00\x00"), Unrecognized},
		{"type 4", []byte("NTLMSSP\x00\x04\x00\x00\x00"), Unrecognized},
		{"high bytes ignored", []byte("NTLMSSP\x00\x01\x00\x00\x01"), Negotiate},
		{"second type byte ignored", []byte("NTLMSSP\x00\x01\x01\x00\x00"), Negotiate},
		{"authenticate with high bytes", []byte("NTLMSSP\x00\x03\xff\xff\xff"), Authenticate},
		{"minimal negotiate header", []byte("NTLMSSP\x00\x01\x00\x00\x00"), Negotiate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.msg))
		})
	}
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "negotiate", Negotiate.String())
	assert.Equal(t, "authenticate", Authenticate.String())
	assert.Equal(t, "unrecognized", Unrecognized.String())
}

func TestParseAuthenticate_RealClient(t *testing.T) {
	challenge := ntlmtest.Challenge("EXAMPLE")

	t.Run("with domain", func(t *testing.T) {
		msg := ntlmtest.Authenticate(t, challenge, "alice", "secret", true)

		fields, err := ParseAuthenticate(msg)
		require.NoError(t, err)
		assert.Equal(t, "EXAMPLE", fields.Domain)
		assert.Equal(t, "alice", fields.User)
		assert.Empty(t, fields.Workstation)
		assert.True(t, fields.Unicode)
	})

	t.Run("without domain", func(t *testing.T) {
		msg := ntlmtest.Authenticate(t, challenge, "bob@example.com", "secret", false)

		fields, err := ParseAuthenticate(msg)
		require.NoError(t, err)
		assert.Empty(t, fields.Domain)
		assert.Equal(t, "bob@example.com", fields.User)
	})
}

func TestParseAuthenticate_Encodings(t *testing.T) {
	t.Run("unicode", func(t *testing.T) {
		msg := ntlmtest.RawAuthenticate(flagUnicode,
			ntlmtest.Field{Value: utf16le(t, "CORP")},
			ntlmtest.Field{Value: utf16le(t, "jürgen")},
			ntlmtest.Field{Value: utf16le(t, "WS-01")},
		)

		fields, err := ParseAuthenticate(msg)
		require.NoError(t, err)
		assert.Equal(t, &AuthenticateFields{Domain: "CORP", User: "jürgen", Workstation: "WS-01", Unicode: true}, fields)
	})

	t.Run("oem", func(t *testing.T) {
		msg := ntlmtest.RawAuthenticate(0x00000002,
			ntlmtest.Field{Value: []byte("CORP")},
			ntlmtest.Field{Value: []byte("alice")},
			ntlmtest.Field{Value: []byte("WS-01")},
		)

		fields, err := ParseAuthenticate(msg)
		require.NoError(t, err)
		assert.Equal(t, &AuthenticateFields{Domain: "CORP", User: "alice", Workstation: "WS-01"}, fields)
	})

	t.Run("empty fields", func(t *testing.T) {
		msg := ntlmtest.RawAuthenticate(flagUnicode, ntlmtest.Field{}, ntlmtest.Field{}, ntlmtest.Field{})

		fields, err := ParseAuthenticate(msg)
		require.NoError(t, err)
		assert.Empty(t, fields.Domain)
		assert.Empty(t, fields.User)
		assert.Empty(t, fields.Workstation)
	})
}

func TestParseAuthenticate_Malformed(t *testing.T) {
	user := ntlmtest.Field{Value: []byte("alice")}

	tests := []struct {
		name    string
		msg     []byte
		wantErr error
	}{
		{
			name:    "negotiate message",
			msg:     ntlmtest.Negotiate(t),
			wantErr: ErrWrongMessageType,
		},
		{
			name:    "truncated header",
			msg:     ntlmtest.RawAuthenticate(0, ntlmtest.Field{}, ntlmtest.Field{}, ntlmtest.Field{})[:40],
			wantErr: ErrMessageTooShort,
		},
		{
			name:    "domain length past end",
			msg:     ntlmtest.RawAuthenticate(0, ntlmtest.Field{Value: []byte("CORP"), Length: 200}, user, ntlmtest.Field{}),
			wantErr: ErrFieldOutOfRange,
		},
		{
			name:    "user offset past end",
			msg:     ntlmtest.RawAuthenticate(0, ntlmtest.Field{}, ntlmtest.Field{Value: []byte("alice"), Offset: 4096}, ntlmtest.Field{}),
			wantErr: ErrFieldOutOfRange,
		},
		{
			name:    "workstation offset overflows",
			msg:     ntlmtest.RawAuthenticate(0, ntlmtest.Field{}, user, ntlmtest.Field{Value: []byte("WS"), Offset: 0x7FFFFFFF}),
			wantErr: ErrFieldOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := ParseAuthenticate(tt.msg)
			assert.Nil(t, fields)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseAuthenticate_FieldAtExactEnd(t *testing.T) {
	msg := ntlmtest.RawAuthenticate(0, ntlmtest.Field{}, ntlmtest.Field{Value: []byte("alice")}, ntlmtest.Field{})

	fields, err := ParseAuthenticate(msg)
	require.NoError(t, err)
	assert.Equal(t, "alice", fields.User)

	_, err = ParseAuthenticate(msg[:len(msg)-1])
	assert.ErrorIs(t, err, ErrFieldOutOfRange)
}
