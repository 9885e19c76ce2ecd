package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/isometry/ad-ntlm-relay/internal/config"
	"github.com/isometry/ad-ntlm-relay/internal/directory"
	"github.com/isometry/ad-ntlm-relay/internal/ldap"
	"github.com/isometry/ad-ntlm-relay/internal/logging"
	"github.com/isometry/ad-ntlm-relay/internal/relay"
	"github.com/isometry/ad-ntlm-relay/internal/server"
)

func newServeCommand(cfgFile *string, info BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		Long: `Run the relay HTTP server until SIGINT or SIGTERM.

Examples:
  # Relay to an explicit domain controller
  ad-ntlm-relay serve --domain-controller ldaps://dc1.example.com --domain EXAMPLE

  # Discover domain controllers through DNS SRV records
  ad-ntlm-relay serve --domain example.com

  # Use a config file with environment overrides
  ADRELAY_LOGGING_LEVEL=debug ad-ntlm-relay serve --config /etc/ad-ntlm-relay.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile, cmd.Flags())
			if err != nil {
				return err
			}

			logger := logging.New(cfg.LoggingOptions())
			logger.Info("Starting relay", map[string]any{
				"version": info.Version,
				"commit":  info.Commit,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := buildServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return srv.Start(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "", "HTTP listen address (default :8080)")
	flags.String("domain-controller", "", "ldap:// or ldaps:// URL of a domain controller")
	flags.String("domain", "", "domain used for SRV discovery and as the default realm")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	return cmd
}

// buildServer wires configuration into a ready-to-start relay server.
func buildServer(ctx context.Context, cfg *config.Config, logger logging.Logger) (*server.Server, error) {
	tlsConfig, err := ldap.BuildTLSConfig(cfg.TLSOptions())
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}

	servers, err := resolveServers(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	dialer := &relay.LDAPDialer{
		Config: ldap.TransportConfig{
			Servers:   servers,
			TLSConfig: tlsConfig,
		},
		Options: []ldap.TransportOption{
			ldap.WithLogger(logger.Named(logging.SubsystemLDAP)),
		},
	}

	var opts []server.Option
	opts = append(opts, server.WithLogger(logger))

	if cfg.Enrichment.Enabled {
		client, err := directory.NewClient(
			cfg.DirectoryConfig(servers[0].URL(), tlsConfig),
			directory.WithLogger(logger.Named(logging.SubsystemDirectory)),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithEnricher(client))
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, server.WithMetrics(reg, reg))
		metricsPath = cfg.Metrics.Path
	}

	return server.New(server.Config{
		Listen:          cfg.Listen,
		ShutdownTimeout: cfg.ShutdownTimeout,
		SessionTTL:      cfg.Session.TTL,
		SweepInterval:   cfg.Session.SweepInterval,
		Persistent:      cfg.Session.Persistent,
		CookieName:      cfg.Session.CookieName,
		Realm:           cfg.Domain,
		MetricsPath:     metricsPath,
	}, dialer, opts...), nil
}

// resolveServers returns the configured controller, or those advertised in
// DNS for the domain.
func resolveServers(ctx context.Context, cfg *config.Config, logger logging.Logger) ([]*ldap.ServerInfo, error) {
	if cfg.DomainController != "" {
		dc, err := ldap.ParseLDAPURL(cfg.DomainController)
		if err != nil {
			return nil, fmt.Errorf("domain_controller: %w", err)
		}
		return []*ldap.ServerInfo{dc}, nil
	}

	servers, err := ldap.NewSRVDiscovery(nil, logger.Named(logging.SubsystemLDAP)).DiscoverDomainControllers(ctx, cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("discover domain controllers for %s: %w", cfg.Domain, err)
	}
	if len(servers) == 0 {
		return nil, ldap.ErrNoServers
	}
	return servers, nil
}
