// Package relay drives the two-phase NTLM handshake between an HTTP client
// and a domain controller. A Type 1 message opens a directory transport and
// yields the controller's challenge; the matching Type 3 message is bound on
// the same transport, which is then released.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/isometry/ad-ntlm-relay/internal/ldap"
	"github.com/isometry/ad-ntlm-relay/internal/logging"
	"github.com/isometry/ad-ntlm-relay/internal/metrics"
	"github.com/isometry/ad-ntlm-relay/internal/ntlm"
	"github.com/isometry/ad-ntlm-relay/internal/session"
)

// Handshake stages reported to metrics.
const (
	stageCached       = "cached"
	stageChallenge    = "challenge"
	stageNegotiate    = "negotiate"
	stageAuthenticate = "authenticate"
)

var (
	// ErrSessionNotFound is returned for a Type 3 message with no transport
	// cached for the session, e.g. after TTL eviction or lost affinity.
	ErrSessionNotFound = errors.New("relay: no directory transport for session")

	// ErrAuthenticationRejected marks a definitive bind rejection by the directory.
	ErrAuthenticationRejected = errors.New("relay: authentication rejected")

	// ErrUnsupportedMessage is returned for NTLM messages other than Type 1 and Type 3.
	ErrUnsupportedMessage = errors.New("relay: unsupported NTLM message type")
)

// Conn is one directory connection carrying a negotiate/authenticate pair.
type Conn interface {
	Negotiate(ctx context.Context, type1 []byte) ([]byte, error)
	Authenticate(ctx context.Context, type3 []byte) (bool, error)
	Close() error
}

// Dialer creates an unopened Conn per authentication attempt.
type Dialer interface {
	NewConn() Conn
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func() Conn

// NewConn calls f.
func (f DialerFunc) NewConn() Conn { return f() }

// LDAPDialer creates LDAP transports sharing one configuration.
type LDAPDialer struct {
	Config  ldap.TransportConfig
	Options []ldap.TransportOption
}

// NewConn returns a fresh transport with its own bind sequence.
func (d *LDAPDialer) NewConn() Conn {
	return ldap.NewTransport(d.Config, d.Options...)
}

// Enricher adds directory attributes to an authenticated identity.
type Enricher interface {
	Enrich(ctx context.Context, identity *session.Identity) error
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Relay) {
		r.logger = logging.OrNop(l)
	}
}

// WithMetrics reports handshake decisions to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithEnricher looks up every authenticated identity through e.
func WithEnricher(e Enricher) Option {
	return func(r *Relay) {
		r.enricher = e
	}
}

// WithRealm sets the domain reported when a Type 3 message carries none.
func WithRealm(realm string) Option {
	return func(r *Relay) {
		r.realm = realm
	}
}

// Relay authenticates HTTP sessions against a domain controller.
type Relay struct {
	cache    *session.Cache
	dialer   Dialer
	realm    string
	enricher Enricher
	logger   logging.Logger
	metrics  *metrics.Metrics
}

// New creates a relay storing handshake state in cache.
func New(cache *session.Cache, dialer Dialer, opts ...Option) *Relay {
	r := &Relay{
		cache:  cache,
		dialer: dialer,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authenticate processes one request's Authorization header for sessionID.
func (r *Relay) Authenticate(ctx context.Context, sessionID, authorization string) Result {
	if identity := r.cache.Identity(sessionID); identity != nil {
		r.logger.Debug("Session already authenticated", map[string]any{
			"session_id": sessionID,
			"user":       identity.User,
			"domain":     identity.Domain,
		})
		r.metrics.Handshake(stageCached, metrics.ResultSuccess)
		return Success(identity)
	}

	r.cache.GetOrCreate(sessionID)

	if authorization == "" {
		r.logger.Trace("Requesting NTLM negotiation", map[string]any{"session_id": sessionID})
		r.metrics.Handshake(stageChallenge, metrics.ResultFail)
		return Fail(ntlm.Scheme, nil)
	}

	msg, err := ntlm.DecodeAuthorization(authorization)
	if err != nil {
		r.logger.Debug("Unparsable authorization header", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		r.metrics.Handshake(stageChallenge, metrics.ResultError)
		return Error(err)
	}

	switch ntlm.Classify(msg) {
	case ntlm.Negotiate:
		return r.negotiate(ctx, sessionID, msg)
	case ntlm.Authenticate:
		return r.authenticate(ctx, sessionID, msg)
	default:
		r.logger.Debug("Unrecognized NTLM message", map[string]any{
			"session_id": sessionID,
			"length":     len(msg),
		})
		r.metrics.Handshake(stageChallenge, metrics.ResultError)
		return Error(ErrUnsupportedMessage)
	}
}

func (r *Relay) negotiate(ctx context.Context, sessionID string, type1 []byte) Result {
	conn := r.dialer.NewConn()

	start := time.Now()
	challenge, err := conn.Negotiate(ctx, type1)
	r.metrics.ObserveBind(stageNegotiate, time.Since(start))
	if err != nil {
		_ = conn.Close()
		r.logger.Warn("Directory negotiation failed", map[string]any{
			"session_id": sessionID,
			"category":   string(ldap.GetErrorCategory(err)),
			"rejected":   ldap.IsRejection(err),
			"error":      err.Error(),
		})
		r.metrics.Handshake(stageNegotiate, metrics.ResultError)
		return Error(fmt.Errorf("negotiate: %w", err))
	}

	r.cache.SetTransport(sessionID, conn)

	r.logger.Debug("Relaying directory challenge", map[string]any{
		"session_id":       sessionID,
		"challenge_length": len(challenge),
	})
	r.metrics.Handshake(stageNegotiate, metrics.ResultFail)
	return Fail(ntlm.EncodeChallenge(challenge), nil)
}

func (r *Relay) authenticate(ctx context.Context, sessionID string, type3 []byte) Result {
	conn, ok := r.cache.Transport(sessionID).(Conn)
	if !ok {
		r.logger.Warn("No directory transport for session", map[string]any{"session_id": sessionID})
		r.metrics.Handshake(stageAuthenticate, metrics.ResultError)
		return Error(ErrSessionNotFound)
	}

	fields, err := ntlm.ParseAuthenticate(type3)
	if err != nil {
		r.cache.Remove(sessionID)
		r.logger.Warn("Malformed NTLM authenticate message", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		r.metrics.Handshake(stageAuthenticate, metrics.ResultError)
		return Error(err)
	}

	identity := &session.Identity{
		Domain:      fields.Domain,
		User:        fields.User,
		Workstation: fields.Workstation,
	}
	if identity.Domain == "" {
		identity.Domain = r.realm
	}
	logFields := map[string]any{
		"session_id":  sessionID,
		"user":        identity.User,
		"domain":      identity.Domain,
		"workstation": identity.Workstation,
	}

	start := time.Now()
	accepted, err := conn.Authenticate(ctx, type3)
	r.metrics.ObserveBind(stageAuthenticate, time.Since(start))
	if err != nil {
		r.cache.Remove(sessionID)
		logFields["error"] = err.Error()
		r.logger.Warn("Directory authentication failed", logFields)
		r.metrics.Handshake(stageAuthenticate, metrics.ResultError)
		return Error(fmt.Errorf("authenticate: %w", err))
	}

	if !accepted {
		r.cache.Remove(sessionID)
		r.logger.Warn("Authentication rejected", logFields)
		r.metrics.Handshake(stageAuthenticate, metrics.ResultFail)
		return Fail("", ErrAuthenticationRejected)
	}

	if r.enricher != nil {
		if err := r.enricher.Enrich(ctx, identity); err != nil {
			r.cache.Remove(sessionID)
			logFields["error"] = err.Error()
			r.logger.Warn("Directory lookup failed", logFields)
			r.metrics.Handshake(stageAuthenticate, metrics.ResultError)
			return Error(fmt.Errorf("enrich identity: %w", err))
		}
	}

	r.cache.SetIdentity(sessionID, identity)
	r.cache.CloseTransport(sessionID)

	r.logger.Info("Authentication succeeded", logFields)
	r.metrics.Handshake(stageAuthenticate, metrics.ResultSuccess)
	return Success(identity)
}

// RebindSession moves handshake state from one session identifier to
// another, as when a connection-scoped ID is replaced by an HTTP session ID.
func (r *Relay) RebindSession(from, to string) bool {
	return r.cache.Copy(from, to)
}

// HasSession reports whether sessionID names a cached session.
func (r *Relay) HasSession(sessionID string) bool {
	_, ok := r.cache.Lookup(sessionID)
	return ok
}

// Logout forgets a session's identity and any pending transport.
func (r *Relay) Logout(sessionID string) bool {
	return r.cache.Remove(sessionID)
}
