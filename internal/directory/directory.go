// Package directory enriches authenticated identities with attributes read
// from Active Directory through a service account: distinguished name,
// display name, group names, objectSid and objectGUID.
package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-ntlm-relay/internal/logging"
	"github.com/isometry/ad-ntlm-relay/internal/session"
)

// ErrUserNotFound is returned when no user object matches the identity.
var ErrUserNotFound = errors.New("directory: user not found")

// AuthMethod selects how the service account binds.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota
	AuthMethodKerberos
)

// String returns string representation of the authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodKerberos:
		return "kerberos"
	default:
		return "simple_bind"
	}
}

// Config holds the service account and lookup settings.
type Config struct {
	URL       string // ldap:// or ldaps:// URL of a domain controller
	BaseDN    string
	Username  string
	Password  string
	TLSConfig *tls.Config
	Timeout   time.Duration

	// Kerberos service account bind; used when KerberosRealm is set.
	KerberosRealm  string
	KerberosKeytab string
	KerberosConfig string // krb5.conf path
	KerberosCCache string
	KerberosSPN    string

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// AuthMethod returns the configured bind method.
func (c *Config) AuthMethod() AuthMethod {
	if c.KerberosRealm != "" {
		return AuthMethodKerberos
	}
	return AuthMethodSimpleBind
}

func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("directory URL is required")
	}
	if c.BaseDN == "" {
		return errors.New("base DN is required")
	}
	if c.Username == "" {
		return errors.New("service account username is required")
	}
	if c.AuthMethod() == AuthMethodSimpleBind && c.Password == "" {
		return errors.New("service account password is required for simple bind")
	}
	if c.AuthMethod() == AuthMethodKerberos && c.Password == "" && c.KerberosKeytab == "" && c.KerberosCCache == "" {
		return errors.New("kerberos bind requires credentials")
	}
	return nil
}

// Conn is the subset of *ldap.Conn used for lookups.
type Conn interface {
	Bind(username, password string) error
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// DialFunc opens a directory connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrNop(l)
	}
}

// WithDialer replaces the go-ldap dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// Client looks up users in Active Directory.
type Client struct {
	config *Config
	dial   DialFunc
	logger logging.Logger
}

// NewClient validates cfg and returns a lookup client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid directory configuration: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2
	}

	c := &Client{
		config: &cfg,
		logger: logging.Nop(),
	}
	c.dial = c.dialLDAP
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) dialLDAP(ctx context.Context) (Conn, error) {
	dialer := &net.Dialer{Timeout: c.config.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(dialer)}
	if c.config.TLSConfig != nil {
		opts = append(opts, ldap.DialWithTLSConfig(c.config.TLSConfig))
	}

	conn, err := ldap.DialURL(c.config.URL, opts...)
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(c.config.Timeout)
	return conn, nil
}

// Enrich fills DN, display name, groups, SID and GUID for identity.
func (c *Client) Enrich(ctx context.Context, identity *session.Identity) error {
	fields := map[string]any{
		"user":        identity.User,
		"domain":      identity.Domain,
		"auth_method": c.config.AuthMethod().String(),
	}

	return logging.LogOperation(c.logger, "user_lookup", fields, func() error {
		var user *User
		err := c.withRetry(ctx, func() error {
			var lookupErr error
			user, lookupErr = c.lookup(ctx, identity)
			return lookupErr
		})
		if err != nil {
			return err
		}

		identity.DN = user.DistinguishedName
		identity.DisplayName = user.DisplayName
		identity.Groups = user.Groups
		identity.SID = user.ObjectSid
		identity.GUID = user.ObjectGUID
		return nil
	})
}

// lookup performs one dial, bind and search.
func (c *Client) lookup(ctx context.Context, identity *session.Identity) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.config.URL, err)
	}
	defer conn.Close()

	if err := c.bind(ctx, conn); err != nil {
		return nil, err
	}

	req := ldap.NewSearchRequest(
		c.config.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2,
		int(c.config.Timeout.Seconds()),
		false,
		userFilter(identity),
		userAttributes,
		nil,
	)

	c.logger.Debug("Searching for user", map[string]any{
		"base_dn": req.BaseDN,
		"filter":  req.Filter,
	})

	result, err := conn.Search(req)
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	switch {
	case result == nil || len(result.Entries) == 0:
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, accountName(identity))
	case len(result.Entries) > 1:
		return nil, fmt.Errorf("directory: %d objects match %s", len(result.Entries), accountName(identity))
	}

	return entryToUser(result.Entries[0])
}

func (c *Client) bind(ctx context.Context, conn Conn) error {
	switch c.config.AuthMethod() {
	case AuthMethodKerberos:
		return performKerberosBind(ctx, conn, c.config, c.logger)
	default:
		if err := conn.Bind(c.config.Username, c.config.Password); err != nil {
			return fmt.Errorf("simple bind as %s: %w", c.config.Username, err)
		}
		return nil
	}
}

// userFilter selects the user object by userPrincipalName when the NTLM user
// name is a UPN, otherwise by sAMAccountName.
func userFilter(identity *session.Identity) string {
	user := identity.User
	if _, after, ok := strings.Cut(user, `\`); ok {
		user = after
	}

	attr := "sAMAccountName"
	if strings.Contains(user, "@") {
		attr = "userPrincipalName"
	}
	return fmt.Sprintf("(&(objectClass=user)(!(objectClass=computer))(%s=%s))", attr, ldap.EscapeFilter(user))
}

func accountName(identity *session.Identity) string {
	if identity.Domain == "" || strings.Contains(identity.User, "@") {
		return identity.User
	}
	return identity.User + "@" + identity.Domain
}

// withRetry executes an operation with retry logic.
func (c *Client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("Retrying directory operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return err
		}
		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	return fmt.Errorf("directory operation failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// isRetryableError determines if an error should be retried.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if ldap.IsErrorWithCode(err, ldap.LDAPResultBusy) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown) ||
		ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
