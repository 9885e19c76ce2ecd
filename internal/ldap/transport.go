package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/isometry/ad-ntlm-relay/internal/ber"
	"github.com/isometry/ad-ntlm-relay/internal/logging"
)

// maxResponseSize caps a single bind response read from the directory.
const maxResponseSize = 1 << 20

// TransportConfig selects the domain controller and TLS settings for a Transport.
type TransportConfig struct {
	// Servers are tried in order until one accepts the connection.
	Servers []*ServerInfo

	// TLSConfig applies to servers with UseTLS set. ServerName defaults to the host.
	TLSConfig *tls.Config
}

// DialFunc opens a raw connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(l logging.Logger) TransportOption {
	return func(t *Transport) { t.logger = logging.OrNop(l) }
}

// WithTimeout overrides the per-exchange inactivity timeout.
func WithTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithDialer replaces the TCP dialer; TLS is still layered on top for ldaps servers.
func WithDialer(dial DialFunc) TransportOption {
	return func(t *Transport) { t.dial = dial }
}

// WithProtocol replaces the bind protocol factory.
func WithProtocol(newProtocol func() BindProtocol) TransportOption {
	return func(t *Transport) { t.newProtocol = newProtocol }
}

// Transport holds one connection to a domain controller for the duration of
// a two-step SASL bind. The directory ties SASL state to the connection, so
// Negotiate and Authenticate must run on the same Transport.
type Transport struct {
	cfg         TransportConfig
	timeout     time.Duration
	dial        DialFunc
	newProtocol func() BindProtocol
	logger      logging.Logger

	mu         sync.Mutex
	conn       net.Conn
	addr       string
	protocol   BindProtocol
	negotiated bool
}

// NewTransport creates an unopened transport.
func NewTransport(cfg TransportConfig, opts ...TransportOption) *Transport {
	t := &Transport{
		cfg:         cfg,
		timeout:     DefaultTimeout,
		newProtocol: func() BindProtocol { return NewSPNEGOBind() },
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dial == nil {
		d := &net.Dialer{Timeout: t.timeout, KeepAlive: 30 * time.Second}
		t.dial = d.DialContext
	}
	return t
}

// Addr returns the address of the connected server, or "" when closed.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Open connects to the first reachable server, closing any existing connection first.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openLocked(ctx)
}

func (t *Transport) openLocked(ctx context.Context) error {
	t.closeLocked()

	if len(t.cfg.Servers) == 0 {
		return &TransportError{Op: "dial", Err: ErrNoServers}
	}

	var lastErr error
	for _, server := range t.cfg.Servers {
		addr := server.Address()
		logging.LogConnectionEvent(t.logger, "connection_attempt", map[string]any{
			"server": server.URL(),
		})

		conn, err := t.connect(ctx, server)
		if err != nil {
			lastErr = &TransportError{Op: "dial", Addr: addr, Err: err}
			logging.LogConnectionEvent(t.logger, "connection_failed", map[string]any{
				"server": server.URL(),
				"error":  err.Error(),
			})
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}

		t.conn = conn
		t.addr = addr
		t.protocol = t.newProtocol()
		logging.LogConnectionEvent(t.logger, "connection_established", map[string]any{
			"server": server.URL(),
		})
		return nil
	}

	return lastErr
}

func (t *Transport) connect(ctx context.Context, server *ServerInfo) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	raw, err := t.dial(dialCtx, "tcp", server.Address())
	if err != nil {
		return nil, err
	}
	if !server.UseTLS {
		return raw, nil
	}

	conn := tls.Client(raw, tlsConfigFor(t.cfg.TLSConfig, server.Host))
	if err := conn.HandshakeContext(dialCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// Negotiate opens a fresh connection, sends the Type-1 token and returns the
// directory's Type-2 challenge. Any outcome other than saslBindInProgress is
// a *BindError and leaves the transport closed.
func (t *Transport) Negotiate(ctx context.Context, token []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.openLocked(ctx); err != nil {
		return nil, err
	}

	result, err := t.exchangeLocked(ctx, token)
	if err != nil {
		t.closeLocked()
		return nil, err
	}

	if result.Outcome != OutcomeContinue {
		t.logger.Warn("Directory did not continue negotiate bind", map[string]any{
			"server":      t.addr,
			"result_code": result.ResultCode,
			"outcome":     result.Outcome.String(),
		})
		t.closeLocked()
		return nil, &BindError{Op: "negotiate", Result: result}
	}

	t.negotiated = true
	return result.ServerSASLCreds, nil
}

// Authenticate sends the Type-3 token on the negotiated connection. It
// returns true only when the directory answers success; a failure code or a
// further continuation yields false with a nil error.
func (t *Transport) Authenticate(ctx context.Context, token []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || !t.negotiated {
		return false, ErrNotOpen
	}
	t.negotiated = false

	result, err := t.exchangeLocked(ctx, token)
	if err != nil {
		t.closeLocked()
		return false, err
	}

	switch result.Outcome {
	case OutcomeSuccess:
		logging.LogConnectionEvent(t.logger, "authentication_success", map[string]any{
			"server": t.addr,
		})
		return true, nil
	default:
		t.logger.Info("Directory rejected authenticate bind", map[string]any{
			"server":      t.addr,
			"result_code": result.ResultCode,
			"result":      ResultCodeName(result.ResultCode),
			"diagnostic":  result.DiagnosticMessage,
			"outcome":     result.Outcome.String(),
		})
		return false, nil
	}
}

// exchangeLocked writes one bind request and reads exactly one response.
func (t *Transport) exchangeLocked(ctx context.Context, token []byte) (*BindResult, error) {
	request, err := t.protocol.BuildRequest(token)
	if err != nil {
		return nil, err
	}

	conn := t.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return nil, t.ioError(ctx, "write", err)
	}

	if _, err := conn.Write(request); err != nil {
		return nil, t.ioError(ctx, "write", err)
	}

	response, err := ber.ReadElement(conn, maxResponseSize)
	if err != nil {
		if errors.Is(err, ber.ErrDecode) {
			return nil, err
		}
		return nil, t.ioError(ctx, "read", err)
	}

	result, err := t.protocol.ParseResponse(response)
	if err != nil {
		var mismatch *ProtocolMismatchError
		if errors.As(err, &mismatch) {
			logging.LogConnectionEvent(t.logger, "protocol_mismatch", map[string]any{
				"server":   t.addr,
				"expected": mismatch.Expected,
				"got":      mismatch.Got,
			})
		}
		return nil, err
	}

	t.logger.Trace("Bind exchange completed", map[string]any{
		"server":      t.addr,
		"message_id":  t.protocol.MessageID(),
		"result_code": result.ResultCode,
	})
	return result, nil
}

// ioError reports caller cancellation in preference to the deadline it triggered.
func (t *Transport) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	logging.LogConnectionEvent(t.logger, "connection_lost", map[string]any{
		"server": t.addr,
		"op":     op,
		"error":  err.Error(),
	})
	return &TransportError{Op: op, Addr: t.addr, Err: err}
}

// Close ends the connection. It is safe to call repeatedly and on a transport
// that was never opened.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Transport) closeLocked() error {
	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	logging.LogConnectionEvent(t.logger, "connection_closed", map[string]any{
		"server": t.addr,
	})

	t.conn = nil
	t.addr = ""
	t.negotiated = false
	return err
}
