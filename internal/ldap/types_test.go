package ldap

import (
	"crypto/tls"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ad-ntlm-relay/internal/ldap/ldaptest"
)

func TestParseLDAPURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    *ServerInfo
		wantErr bool
	}{
		{
			name: "ldaps with port",
			url:  "ldaps://dc1.example.com:3269",
			want: &ServerInfo{Host: "dc1.example.com", Port: 3269, UseTLS: true, Weight: 100, Source: "config"},
		},
		{
			name: "ldap with port",
			url:  "ldap://dc1.example.com:389",
			want: &ServerInfo{Host: "dc1.example.com", Port: 389, Weight: 100, Source: "config"},
		},
		{
			name: "ldaps without port",
			url:  "ldaps://dc1.example.com",
			want: &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true, Weight: 100, Source: "config"},
		},
		{
			name: "ldap without port",
			url:  "ldap://dc1.example.com",
			want: &ServerInfo{Host: "dc1.example.com", Port: 389, Weight: 100, Source: "config"},
		},
		{
			name: "uppercase scheme with path",
			url:  "LDAP://dc1.example.com/dc=example,dc=com",
			want: &ServerInfo{Host: "dc1.example.com", Port: 389, Weight: 100, Source: "config"},
		},
		{
			name: "ipv6",
			url:  "ldap://[::1]:1389",
			want: &ServerInfo{Host: "::1", Port: 1389, Weight: 100, Source: "config"},
		},
		{name: "empty", url: "", wantErr: true},
		{name: "http scheme", url: "http://dc1.example.com", wantErr: true},
		{name: "no scheme", url: "dc1.example.com", wantErr: true},
		{name: "bad port", url: "ldap://dc1.example.com:abc", wantErr: true},
		{name: "port out of range", url: "ldap://dc1.example.com:70000", wantErr: true},
		{name: "no host", url: "ldap://:389", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLDAPURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServerInfo_AddressAndURL(t *testing.T) {
	s := &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}
	assert.Equal(t, "dc1.example.com:636", s.Address())
	assert.Equal(t, "ldaps://dc1.example.com:636", s.URL())

	v6 := &ServerInfo{Host: "::1", Port: 389}
	assert.Equal(t, "[::1]:389", v6.Address())
	assert.Equal(t, "ldap://[::1]:389", v6.URL())
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := BuildTLSConfig(TLSOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.RootCAs)

	cfg, err = BuildTLSConfig(TLSOptions{MinVersion: "1.3", ServerName: "dc.example.com", InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, "dc.example.com", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = BuildTLSConfig(TLSOptions{MinVersion: "1.0"})
	assert.Error(t, err)

	_, err = BuildTLSConfig(TLSOptions{CACertFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}

func TestBuildTLSConfig_CACertFile(t *testing.T) {
	dc := ldaptest.NewTLSServer(t, ldaptest.NTLMHandler(nil, ldaptest.Success()))

	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")

	var pemData []byte
	for _, der := range dc.Certificates() {
		pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	require.NoError(t, os.WriteFile(caFile, pemData, 0o600))

	cfg, err := BuildTLSConfig(TLSOptions{CACertFile: caFile})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)

	junk := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0o600))
	_, err = BuildTLSConfig(TLSOptions{CACertFile: junk})
	assert.Error(t, err)
}

func TestTLSConfigFor(t *testing.T) {
	base := &tls.Config{MinVersion: tls.VersionTLS13}
	cfg := tlsConfigFor(base, "dc1.example.com")
	assert.Equal(t, "dc1.example.com", cfg.ServerName)
	assert.Empty(t, base.ServerName, "base config must not be mutated")

	pinned := tlsConfigFor(&tls.Config{ServerName: "ad.example.com"}, "10.0.0.1")
	assert.Equal(t, "ad.example.com", pinned.ServerName)

	def := tlsConfigFor(nil, "dc1")
	assert.Equal(t, uint16(tls.VersionTLS12), def.MinVersion)
}
