// Package commands implements the ad-ntlm-relay command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("ad-ntlm-relay %s (commit: %s, built: %s)", b.Version, b.Commit, b.Date)
}

// NewRootCommand returns the root command with every subcommand attached.
func NewRootCommand(info BuildInfo) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "ad-ntlm-relay",
		Short: "HTTP NTLM authentication relayed to Active Directory",
		Long: `ad-ntlm-relay authenticates HTTP clients with NTLM by relaying their
handshake to an Active Directory domain controller over an LDAP SASL
GSS-SPNEGO bind. No password hashes are held by the relay.

Configuration is read from the file given with --config and from
ADRELAY_<SECTION>_<KEY> environment variables, e.g. ADRELAY_SESSION_TTL=5m.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newServeCommand(&cfgFile, info))
	root.AddCommand(newVersionCommand(info))
	return root
}

func newVersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(info.String())
		},
	}
}
