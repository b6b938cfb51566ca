package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mnehpets/authgate/ceremony"
)

func newCeremonyCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "ceremony",
		Short: "Inspect WebAuthn ceremony options",
	}

	var kind string
	decode := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode wire ceremony options into their binary form",
		Long: `Reads wire-encoded creation or request options (JSON with base64url
strings) from file, or stdin when no file is given, checks them and prints
the decoded options. Binary fields are printed as base64url.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}

			var decoded any
			switch kind {
			case "creation":
				w, err := ceremony.ParseCreationOptions(data)
				if err != nil {
					return err
				}
				if decoded, err = ceremony.ToCreationOptions(w); err != nil {
					return err
				}
			case "request":
				w, err := ceremony.ParseRequestOptions(data)
				if err != nil {
					return err
				}
				if decoded, err = ceremony.ToRequestOptions(w); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown ceremony kind %q, want creation or request", kind)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(decoded)
		},
	}
	decode.Flags().StringVar(&kind, "kind", "creation", "options kind: creation or request")
	c.AddCommand(decode)
	return c
}
