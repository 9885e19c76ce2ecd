package relay

import (
	"errors"

	"github.com/isometry/ad-ntlm-relay/internal/ntlm"
	"github.com/isometry/ad-ntlm-relay/internal/session"
)

// Kind is the terminal signal of one relay step.
type Kind int

const (
	// KindError is a system fault: malformed input, transport or protocol failure.
	KindError Kind = iota

	// KindFail asks the client to continue (Challenge set) or reports a rejection.
	KindFail

	// KindSuccess carries the authenticated identity.
	KindSuccess
)

// String returns string representation of the result kind.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFail:
		return "fail"
	default:
		return "error"
	}
}

// Result is the outcome of Relay.Authenticate.
type Result struct {
	Kind      Kind
	Identity  *session.Identity
	Challenge string // WWW-Authenticate value; empty for a plain rejection
	Err       error
}

// Success returns a successful result for identity.
func Success(identity *session.Identity) Result {
	return Result{Kind: KindSuccess, Identity: identity}
}

// Fail returns a result asking for challenge, or reporting err when challenge is empty.
func Fail(challenge string, err error) Result {
	return Result{Kind: KindFail, Challenge: challenge, Err: err}
}

// Error returns a fault result.
func Error(err error) Result {
	return Result{Kind: KindError, Err: err}
}

// IsClientError reports whether an error result was caused by a malformed
// Authorization header rather than a relay or directory fault.
func (r Result) IsClientError() bool {
	if r.Kind != KindError || r.Err == nil {
		return false
	}
	return errors.Is(r.Err, ntlm.ErrNoNTLMScheme) ||
		errors.Is(r.Err, ntlm.ErrInvalidEncoding) ||
		errors.Is(r.Err, ErrUnsupportedMessage) ||
		errors.Is(r.Err, ntlm.ErrMessageTooShort) ||
		errors.Is(r.Err, ntlm.ErrFieldOutOfRange)
}
