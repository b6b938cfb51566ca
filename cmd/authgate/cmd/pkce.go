package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnehpets/authgate/pkce"
)

func newPKCECmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pkce [verifier]",
		Short: "Print a PKCE code verifier and its S256 challenge",
		Long: `Prints a fresh code verifier and its S256 challenge, or the challenge
for the given verifier. Useful when checking an identity provider's PKCE
configuration by hand.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier := pkce.NewCodeVerifier()
			if len(args) == 1 {
				verifier = args[0]
				if !pkce.ValidVerifier(verifier) {
					return fmt.Errorf("invalid code verifier: need %d to %d characters from [A-Za-z0-9-._~]",
						pkce.MinVerifierLength, pkce.MaxVerifierLength)
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "code_verifier=%s\n", verifier)
			fmt.Fprintf(out, "code_challenge=%s\n", pkce.DeriveChallenge(verifier))
			fmt.Fprintf(out, "code_challenge_method=%s\n", pkce.MethodS256)
			return nil
		},
	}
}
