package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/isometry/ad-ntlm-relay/internal/logging"
	"github.com/isometry/ad-ntlm-relay/internal/relay"
	"github.com/isometry/ad-ntlm-relay/internal/session"
)

type contextKey string

const (
	connIDContextKey    contextKey = "conn_id"
	sessionIDContextKey contextKey = "session_id"
	identityContextKey  contextKey = "identity"
)

// Authenticator is the relay surface used by the HTTP layer.
type Authenticator interface {
	Authenticate(ctx context.Context, sessionID, authorization string) relay.Result
	RebindSession(from, to string) bool
	Logout(sessionID string) bool
	HasSession(sessionID string) bool
}

// ConnContext tags every accepted connection with a random identifier. It is
// installed as http.Server.ConnContext.
func ConnContext(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, connIDContextKey, uuid.NewString())
}

// ConnectionID returns the identifier assigned by ConnContext.
func ConnectionID(ctx context.Context) string {
	id, _ := ctx.Value(connIDContextKey).(string)
	return id
}

// SessionID returns the relay session identifier of an authenticated request.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDContextKey).(string)
	return id
}

// IdentityFromContext returns the authenticated identity, or nil before
// the NTLM middleware has run.
func IdentityFromContext(ctx context.Context) *session.Identity {
	identity, ok := ctx.Value(identityContextKey).(*session.Identity)
	if !ok {
		return nil
	}
	return identity
}

// NTLMConfig configures the NTLM middleware.
type NTLMConfig struct {
	// Persistent keys the session by cookie so that authentication survives
	// a new TCP connection.
	Persistent bool
	CookieName string
	Logger     logging.Logger
}

// NTLM authenticates every request through auth. Success forwards the
// request with the identity in its context; a pending handshake or a
// rejection answers 401; faults answer 400 or 500.
func NTLM(auth Authenticator, cfg NTLMConfig) func(http.Handler) http.Handler {
	logger := logging.OrNop(cfg.Logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := resolveSession(w, r, auth, cfg)
			if sessionID == "" {
				logger.Error("Request has no connection identifier", map[string]any{"remote_addr": r.RemoteAddr})
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			result := auth.Authenticate(r.Context(), sessionID, r.Header.Get("Authorization"))

			switch result.Kind {
			case relay.KindSuccess:
				if cfg.Persistent && r.Header.Get("Authorization") != "" {
					sessionID = rotateSession(w, r, auth, cfg, sessionID)
				}
				ctx := context.WithValue(r.Context(), sessionIDContextKey, sessionID)
				ctx = context.WithValue(ctx, identityContextKey, result.Identity)
				next.ServeHTTP(w, r.WithContext(ctx))

			case relay.KindFail:
				if result.Challenge != "" {
					w.Header().Set("WWW-Authenticate", result.Challenge)
				} else if errors.Is(result.Err, relay.ErrAuthenticationRejected) {
					logger.Info("Rejected credentials", map[string]any{
						"session_id": sessionID,
						"path":       r.URL.Path,
					})
				}
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)

			default:
				status := http.StatusInternalServerError
				if result.IsClientError() {
					status = http.StatusBadRequest
				}
				fields := map[string]any{
					"session_id": sessionID,
					"path":       r.URL.Path,
					"status":     status,
				}
				if result.Err != nil {
					fields["error"] = result.Err.Error()
				}
				logger.Warn("Authentication error", fields)
				http.Error(w, http.StatusText(status), status)
			}
		})
	}
}

// resolveSession returns the relay key for r. Without persistence it is the
// connection identifier. With persistence it is the session cookie, accepted
// only when it names a live session; otherwise a cookie is issued from the
// connection identifier so that clients ignoring cookies still complete the
// handshake on one connection.
func resolveSession(w http.ResponseWriter, r *http.Request, auth Authenticator, cfg NTLMConfig) string {
	connID := ConnectionID(r.Context())
	if connID == "" {
		connID = r.RemoteAddr
	}
	if !cfg.Persistent {
		return connID
	}

	if cookie, err := r.Cookie(cfg.CookieName); err == nil && issuedSession(auth, cookie.Value) {
		if cookie.Value != connID {
			auth.RebindSession(connID, cookie.Value)
		}
		return cookie.Value
	}

	if _, err := uuid.Parse(connID); err != nil {
		connID = uuid.NewString()
	}
	http.SetCookie(w, sessionCookie(r, cfg.CookieName, connID, 0))
	return connID
}

// issuedSession reports whether value is a session key this server minted
// and still holds.
func issuedSession(auth Authenticator, value string) bool {
	if _, err := uuid.Parse(value); err != nil {
		return false
	}
	return auth.HasSession(value)
}

// rotateSession moves a freshly authenticated session to a new key and
// reissues the cookie, so a key known before login never carries the identity.
func rotateSession(w http.ResponseWriter, r *http.Request, auth Authenticator, cfg NTLMConfig, sessionID string) string {
	rotated := uuid.NewString()
	if !auth.RebindSession(sessionID, rotated) {
		return sessionID
	}
	http.SetCookie(w, sessionCookie(r, cfg.CookieName, rotated, 0))
	return rotated
}

func sessionCookie(r *http.Request, name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
}
