package ldap

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-ntlm-relay/internal/ber"
)

// SASLMechanism is the SASL mechanism carrying the raw NTLM token.
const SASLMechanism = "GSS-SPNEGO"

const protocolVersion = 3

// tagReferral is LDAPResult's optional [3] referral.
const tagReferral byte = 0xA3

// Outcome classifies a bind response.
type Outcome int

const (
	OutcomeFailure  Outcome = iota // any result code other than success or saslBindInProgress
	OutcomeSuccess                 // success (0)
	OutcomeContinue                // saslBindInProgress (14) with server credentials
)

// String returns string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeContinue:
		return "continue"
	default:
		return "failure"
	}
}

// BindResult is a parsed bind response.
type BindResult struct {
	Outcome           Outcome
	ResultCode        uint16
	MatchedDN         string
	DiagnosticMessage string
	ServerSASLCreds   []byte // set only for OutcomeContinue
}

// BindProtocol builds bind requests and parses the matching responses.
// Implementations own the message sequence of one bind exchange.
type BindProtocol interface {
	BuildRequest(token []byte) ([]byte, error)
	ParseResponse(pdu []byte) (*BindResult, error)
	MessageID() int64
}

// SPNEGOBind frames NTLM tokens in SASL GSS-SPNEGO bind requests.
type SPNEGOBind struct {
	messageID int64
}

// NewSPNEGOBind returns a protocol context whose first request uses messageID 1.
func NewSPNEGOBind() *SPNEGOBind {
	return &SPNEGOBind{}
}

// MessageID returns the messageID of the most recent request.
func (b *SPNEGOBind) MessageID() int64 {
	return b.messageID
}

// BuildRequest advances the messageID and returns the encoded LDAPMessage.
func (b *SPNEGOBind) BuildRequest(token []byte) ([]byte, error) {
	next := b.messageID + 1

	mechanism, err := ber.EncodeOctetString([]byte(SASLMechanism))
	if err != nil {
		return nil, err
	}
	credentials, err := ber.EncodeOctetString(token)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	auth, err := ber.EncodeTLV(ber.TagSASLCredentials, concat(mechanism, credentials))
	if err != nil {
		return nil, fmt.Errorf("encode sasl authentication: %w", err)
	}

	name, err := ber.EncodeOctetString(nil)
	if err != nil {
		return nil, fmt.Errorf("encode bind name: %w", err)
	}
	request, err := ber.EncodeTLV(ber.TagBindRequest, concat(ber.EncodeInteger(protocolVersion), name, auth))
	if err != nil {
		return nil, fmt.Errorf("encode bind request: %w", err)
	}

	pdu, err := ber.EncodeSequence(concat(ber.EncodeInteger(next), request))
	if err != nil {
		return nil, fmt.Errorf("encode ldap message: %w", err)
	}

	b.messageID = next
	return pdu, nil
}

// ParseResponse decodes a bind response for the current messageID.
// Structural problems are returned as errors, never as OutcomeFailure.
func (b *SPNEGOBind) ParseResponse(pdu []byte) (*BindResult, error) {
	message, err := ber.DecodeSequence(pdu)
	if err != nil {
		return nil, err
	}

	id, rest, err := ber.DecodeIntegerPartial(message)
	if err != nil {
		return nil, err
	}
	if id != b.messageID {
		return nil, &ProtocolMismatchError{Expected: b.messageID, Got: id}
	}

	// trailing controls after the protocolOp are ignored
	body, _, err := ber.DecodeTLVPartial(ber.TagBindResponse, rest)
	if err != nil {
		return nil, err
	}

	code, body, err := ber.DecodeEnumeratedPartial(body)
	if err != nil {
		return nil, err
	}
	if code > 0xFFFF {
		return nil, &ber.DecodeError{Tag: ber.TagEnumerated, Reason: fmt.Sprintf("result code %d out of range", code)}
	}

	matchedDN, body, err := ber.DecodeOctetStringPartial(body)
	if err != nil {
		return nil, err
	}
	diagnostic, body, err := ber.DecodeOctetStringPartial(body)
	if err != nil {
		return nil, err
	}

	result := &BindResult{
		ResultCode:        uint16(code),
		MatchedDN:         string(matchedDN),
		DiagnosticMessage: string(diagnostic),
	}

	switch result.ResultCode {
	case ldap.LDAPResultSuccess:
		result.Outcome = OutcomeSuccess
	case ldap.LDAPResultSaslBindInProgress:
		creds, err := serverSASLCreds(body)
		if err != nil {
			return nil, err
		}
		result.Outcome = OutcomeContinue
		result.ServerSASLCreds = creds
	default:
		result.Outcome = OutcomeFailure
	}

	return result, nil
}

// serverSASLCreds extracts [7] serverSaslCreds, skipping an optional [3] referral.
func serverSASLCreds(body []byte) ([]byte, error) {
	if len(body) > 0 && body[0] == tagReferral {
		_, rest, err := ber.DecodeTLVPartial(tagReferral, body)
		if err != nil {
			return nil, err
		}
		body = rest
	}

	creds, _, err := ber.DecodeTLVPartial(ber.TagServerSASLCreds, body)
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
