package ldap

import (
	"errors"
	"fmt"
	"net"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-ntlm-relay/internal/ber"
)

// ErrorCategory represents different categories of relay transport errors.
type ErrorCategory string

const (
	ErrorCategoryDecode    ErrorCategory = "decode"
	ErrorCategoryProtocol  ErrorCategory = "protocol"
	ErrorCategoryTransport ErrorCategory = "transport"
	ErrorCategoryRejected  ErrorCategory = "rejected"
	ErrorCategoryUnknown   ErrorCategory = "unknown"
)

var (
	// ErrNotOpen is returned by Authenticate when no negotiated connection exists.
	ErrNotOpen = errors.New("ldap transport: not negotiated")

	// ErrNegotiationRejected is wrapped by BindError when the directory answers
	// a negotiate bind with anything other than saslBindInProgress.
	ErrNegotiationRejected = errors.New("ldap transport: negotiation rejected")

	// ErrNoServers is returned when a transport has no server to dial.
	ErrNoServers = errors.New("ldap transport: no servers configured")
)

// ProtocolMismatchError reports a response whose messageID does not match the
// outstanding request.
type ProtocolMismatchError struct {
	Expected int64
	Got      int64
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("ldap: response messageID %d does not match request %d", e.Got, e.Expected)
}

// TransportError wraps network failures talking to the domain controller.
type TransportError struct {
	Op   string // dial, write, read
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("ldap %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ldap %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the underlying failure was a deadline.
func (e *TransportError) Timeout() bool {
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// BindError carries a definitive bind result the relay cannot continue from.
type BindError struct {
	Op     string
	Result *BindResult
}

func (e *BindError) Error() string {
	msg := fmt.Sprintf("ldap %s: bind returned %s (code %d)", e.Op, ResultCodeName(e.Result.ResultCode), e.Result.ResultCode)
	if e.Result.DiagnosticMessage != "" {
		msg += " - server: " + e.Result.DiagnosticMessage
	}
	return msg
}

// Unwrap exposes ErrNegotiationRejected and the equivalent go-ldap result error,
// so ldap.IsErrorWithCode works on a BindError.
func (e *BindError) Unwrap() []error {
	return []error{
		ErrNegotiationRejected,
		ldap.NewError(e.Result.ResultCode, errors.New(e.Result.DiagnosticMessage)),
	}
}

// ResultCodeName returns the RFC 4511 name for an LDAP result code.
func ResultCodeName(code uint16) string {
	if name, ok := ldap.LDAPResultCodeMap[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown result code %d", code)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var (
		mismatch  *ProtocolMismatchError
		bindErr   *BindError
		transport *TransportError
		netErr    net.Error
	)

	switch {
	case errors.Is(err, ber.ErrDecode):
		return ErrorCategoryDecode
	case errors.As(err, &mismatch):
		return ErrorCategoryProtocol
	case errors.As(err, &bindErr):
		return ErrorCategoryRejected
	case errors.As(err, &transport), errors.As(err, &netErr):
		return ErrorCategoryTransport
	default:
		return ErrorCategoryUnknown
	}
}

// IsRejection reports whether err is a definitive directory answer rather than a fault.
func IsRejection(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryRejected
}
