// Package config loads relay settings from a YAML file, ADRELAY_*
// environment variables and command-line flags.
//
// Precedence, highest first: flags, environment, file, defaults.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/isometry/ad-ntlm-relay/internal/directory"
	"github.com/isometry/ad-ntlm-relay/internal/ldap"
	"github.com/isometry/ad-ntlm-relay/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. ADRELAY_SESSION_TTL.
const EnvPrefix = "ADRELAY"

// Config is the complete relay configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `mapstructure:"listen" default:":8080" validate:"required"`

	// DomainController is an ldap:// or ldaps:// URL. When empty, controllers
	// are discovered through DNS SRV records of Domain.
	DomainController string `mapstructure:"domain_controller" validate:"required_without=Domain"`

	// Domain is reported for Type 3 messages that carry no domain name.
	Domain string `mapstructure:"domain"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" default:"15s" validate:"gt=0"`

	TLS        TLSConfig        `mapstructure:"tls"`
	Session    SessionConfig    `mapstructure:"session"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// TLSConfig applies to ldaps:// domain controllers.
type TLSConfig struct {
	CACertFile         string `mapstructure:"ca_cert_file" validate:"omitempty,file"`
	ServerName         string `mapstructure:"server_name"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	MinVersion         string `mapstructure:"min_version" default:"1.2" validate:"oneof=1.2 1.3"`
}

// SessionConfig controls handshake and identity caching.
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl" default:"10m" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" default:"1m" validate:"gt=0"`

	// Persistent keys sessions by an HTTP cookie instead of the TCP connection.
	Persistent bool   `mapstructure:"persistent"`
	CookieName string `mapstructure:"cookie_name" default:"adrelay_session" validate:"required"`
}

// EnrichmentConfig enables directory lookups of authenticated users.
type EnrichmentConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseDN         string        `mapstructure:"base_dn" validate:"required_if=Enabled true"`
	Username       string        `mapstructure:"username" validate:"required_if=Enabled true"`
	Password       string        `mapstructure:"password"`
	KerberosRealm  string        `mapstructure:"kerberos_realm"`
	KerberosKeytab string        `mapstructure:"kerberos_keytab"`
	KerberosConfig string        `mapstructure:"kerberos_config"`
	KerberosCCache string        `mapstructure:"kerberos_ccache"`
	KerberosSPN    string        `mapstructure:"kerberos_spn"`
	Timeout        time.Duration `mapstructure:"timeout" default:"10s" validate:"gt=0"`
	MaxRetries     int           `mapstructure:"max_retries" default:"2" validate:"gte=0,lte=10"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" default:"text" validate:"oneof=text json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" default:"true"`
	Path    string `mapstructure:"path" default:"/metrics" validate:"startswith=/"`
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":            "listen",
	"domain-controller": "domain_controller",
	"domain":            "domain",
	"log-level":         "logging.level",
	"log-format":        "logging.format",
}

// Default returns a configuration populated with default values only.
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config: invalid default tag: %v", err))
	}
	return cfg
}

// Load reads configuration from configPath (optional), the environment and
// flags (may be nil), then validates the result.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows.
	registerDefaults(v, "", reflect.ValueOf(Default()).Elem())

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// registerDefaults records every leaf field of rv as a viper default.
func registerDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := range rt.NumField() {
		field := rt.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct {
			registerDefaults(v, key, rv.Field(i))
			continue
		}
		v.SetDefault(key, rv.Field(i).Interface())
	}
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the domain controller URL.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if cfg.DomainController != "" {
		if _, err := ldap.ParseLDAPURL(cfg.DomainController); err != nil {
			return fmt.Errorf("domain_controller: %w", err)
		}
	}

	if e := cfg.Enrichment; e.Enabled && e.KerberosRealm == "" && e.Password == "" {
		return errors.New("enrichment.password is required unless kerberos_realm is set")
	}
	return nil
}

// LoggingOptions returns the logger configuration.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: os.Stderr,
	}
}

// TLSOptions returns the options for ldaps:// connections.
func (c *Config) TLSOptions() ldap.TLSOptions {
	return ldap.TLSOptions{
		CACertFile:         c.TLS.CACertFile,
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		MinVersion:         c.TLS.MinVersion,
	}
}

// DirectoryConfig returns the enrichment client configuration for server
// url. tlsConfig is used for ldaps:// URLs.
func (c *Config) DirectoryConfig(url string, tlsConfig *tls.Config) directory.Config {
	e := c.Enrichment
	return directory.Config{
		URL:            url,
		BaseDN:         e.BaseDN,
		Username:       e.Username,
		Password:       e.Password,
		TLSConfig:      tlsConfig,
		Timeout:        e.Timeout,
		KerberosRealm:  e.KerberosRealm,
		KerberosKeytab: e.KerberosKeytab,
		KerberosConfig: e.KerberosConfig,
		KerberosCCache: e.KerberosCCache,
		KerberosSPN:    e.KerberosSPN,
		MaxRetries:     e.MaxRetries,
	}
}
