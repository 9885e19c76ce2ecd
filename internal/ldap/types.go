package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default LDAP ports.
const (
	DefaultPort    = 389
	DefaultTLSPort = 636
)

// DefaultTimeout bounds dialing and every bind exchange.
const DefaultTimeout = 5 * time.Second

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// Address returns host:port suitable for dialing.
func (s *ServerInfo) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the ldap:// or ldaps:// form of the server.
func (s *ServerInfo) URL() string {
	scheme := "ldap"
	if s.UseTLS {
		scheme = "ldaps"
	}
	return scheme + "://" + s.Address()
}

// Validate validates server information.
func (s *ServerInfo) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", s.Port)
	}
	if s.Priority < 0 {
		return fmt.Errorf("priority cannot be negative: %d", s.Priority)
	}
	if s.Weight < 0 {
		return fmt.Errorf("weight cannot be negative: %d", s.Weight)
	}
	return nil
}

// ParseLDAPURL parses an ldap:// or ldaps:// URL into ServerInfo.
// A missing port defaults to 389 or 636.
func ParseLDAPURL(raw string) (*ServerInfo, error) {
	if raw == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP URL %q: %w", raw, err)
	}

	server := &ServerInfo{
		Host:   u.Hostname(),
		Weight: 100,
		Source: "config",
	}

	switch strings.ToLower(u.Scheme) {
	case "ldap":
		server.Port = DefaultPort
	case "ldaps":
		server.UseTLS = true
		server.Port = DefaultTLSPort
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap:// or ldaps://", u.Scheme)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port number: %s", p)
		}
		server.Port = port
	}

	return server, server.Validate()
}

// TLSOptions configures connections to ldaps:// servers.
type TLSOptions struct {
	CACertFile         string
	ServerName         string
	InsecureSkipVerify bool
	MinVersion         string // "1.2" or "1.3"
}

// BuildTLSConfig returns a TLS configuration with TLS 1.2 as the floor.
func BuildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	switch opts.MinVersion {
	case "", "1.2":
	case "1.3":
		cfg.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS minimum version %q", opts.MinVersion)
	}

	if opts.CACertFile != "" {
		pem, err := os.ReadFile(opts.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CACertFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// tlsConfigFor returns a copy of base with ServerName defaulting to host.
func tlsConfigFor(base *tls.Config, host string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}
