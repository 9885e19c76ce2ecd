package directory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"

	"github.com/isometry/ad-ntlm-relay/internal/logging"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// performKerberosBind binds conn with GSSAPI as the service account.
func performKerberosBind(ctx context.Context, conn Conn, cfg *Config, logger logging.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := createGSSAPIClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	logger.Debug("Performing GSSAPI bind", map[string]any{
		"principal": cfg.Username,
		"realm":     cfg.KerberosRealm,
		"spn":       spn,
	})

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// createGSSAPIClient creates a GSSAPI client for the service account.
// Priority order: credential cache, keytab, password.
func createGSSAPIClient(cfg *Config) (*gssapi.Client, error) {
	username, realm := splitPrincipal(cfg.Username, cfg.KerberosRealm)

	krb5conf, err := loadKrb5Config(cfg.KerberosConfig, realm)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.KerberosCCache != "":
		ccache, err := credentials.LoadCCache(cfg.KerberosCCache)
		if err != nil {
			return nil, fmt.Errorf("load credential cache %s: %w", cfg.KerberosCCache, err)
		}
		cl, err := krb5client.NewFromCCache(ccache, krb5conf, krb5client.DisablePAFXFAST(true))
		if err != nil {
			return nil, fmt.Errorf("credential cache %s: %w", cfg.KerberosCCache, err)
		}
		return &gssapi.Client{Client: cl}, nil

	case cfg.KerberosKeytab != "":
		if !fileExists(cfg.KerberosKeytab) {
			return nil, fmt.Errorf("keytab not found at %s", cfg.KerberosKeytab)
		}
		kt, err := keytab.Load(cfg.KerberosKeytab)
		if err != nil {
			return nil, fmt.Errorf("load keytab %s: %w", cfg.KerberosKeytab, err)
		}
		return &gssapi.Client{Client: krb5client.NewWithKeytab(username, realm, kt, krb5conf, krb5client.DisablePAFXFAST(true))}, nil

	case cfg.Password != "":
		return &gssapi.Client{Client: krb5client.NewWithPassword(username, realm, cfg.Password, krb5conf, krb5client.DisablePAFXFAST(true))}, nil
	}

	return nil, errors.New("no suitable credentials found for Kerberos authentication")
}

// loadKrb5Config reads path, or /etc/krb5.conf when path is empty. Without
// either file a configuration locating KDCs through DNS is generated.
func loadKrb5Config(path, realm string) (*krb5config.Config, error) {
	if path != "" {
		if !fileExists(path) {
			return nil, fmt.Errorf("kerberos configuration file not found at %s", path)
		}
		return krb5config.Load(path)
	}
	if fileExists(defaultKrb5Conf) {
		return krb5config.Load(defaultKrb5Conf)
	}
	if realm == "" {
		return nil, fmt.Errorf("kerberos realm is required without %s", defaultKrb5Conf)
	}
	return krb5config.NewFromString(runtimeKrb5Conf(realm))
}

// runtimeKrb5Conf returns a krb5.conf for realm that discovers KDCs through
// DNS SRV records. TCP is forced as Active Directory tickets exceed UDP limits.
func runtimeKrb5Conf(realm string) string {
	realm = strings.ToUpper(realm)
	domain := strings.ToLower(realm)

	return fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    udp_preference_limit = 1

[domain_realm]
    .%s = %s
    %s = %s
`, realm, domain, realm, domain, realm)
}

// buildServicePrincipal returns the explicit SPN or ldap/<host> of the
// configured URL.
func buildServicePrincipal(cfg *Config) (string, error) {
	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid LDAP URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("no hostname found in URL: %s", cfg.URL)
	}
	return "ldap/" + host, nil
}

// splitPrincipal extracts the realm from user@REALM when realm is unset.
func splitPrincipal(username, realm string) (string, string) {
	if user, r, ok := strings.Cut(username, "@"); ok {
		if realm == "" {
			realm = r
		}
		username = user
	}
	return username, strings.ToUpper(realm)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

var _ ldap.GSSAPIClient = (*gssapi.Client)(nil)
