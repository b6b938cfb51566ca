// Package cmd implements the authgate command line.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "authgate",
		Short: "OAuth 2.0 PKCE login gateway with passkey ceremonies",
		Long: `authgate runs the browser-facing side of an authorization code flow
with PKCE against an Authlete-backed identity provider, issues an encrypted
session cookie on success and serves WebAuthn passkey ceremonies.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newPKCECmd(), newCeremonyCmd())
	return root
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "authgate version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
