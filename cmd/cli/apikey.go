package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anstrom/portscan/internal/auth"
	"github.com/anstrom/portscan/internal/errors"
)

func (a *app) newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "apikey",
		Aliases: []string{"apikeys", "key"},
		Short:   "Create API keys for the HTTP API",
		Long: `Create API keys for the portscan HTTP API.

The server only stores bcrypt hashes: put the printed hash under
api.api_key_hashes in the configuration file and hand the key to the
client, which sends it in the X-API-Key header.`,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	cmd.AddCommand(newAPIKeyGenerateCmd(), newAPIKeyHashCmd())
	return cmd
}

func newAPIKeyGenerateCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new API key and its hash",
		Long: `Generate a new random API key. The key is shown only once; store it
before closing the terminal.`,
		Example: `  portscan apikey generate
  portscan apikey generate --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			return printAPIKey(cmd, key, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func newAPIKeyHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <key>",
		Short: "Print the configuration hash of an existing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.IsValidAPIKeyFormat(args[0]) {
				return errors.NewScanError(errors.CodeValidation, "not a portscan API key")
			}
			hash, err := auth.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func printAPIKey(cmd *cobra.Command, key *auth.GeneratedAPIKey, output string) error {
	out := cmd.OutOrStdout()
	switch output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"key":    key.Key,
			"prefix": key.Prefix,
			"hash":   key.Hash,
		})
	case "text", "":
		fmt.Fprintf(out, "API key:  %s\n", key.Key)
		fmt.Fprintf(out, "Hash:     %s\n\n", key.Hash)
		fmt.Fprintln(out, "Add the hash to the configuration file:")
		fmt.Fprintln(out, "  api:")
		fmt.Fprintln(out, "    api_key_hashes:")
		fmt.Fprintf(out, "      - %q\n", key.Hash)
		return nil
	default:
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("unknown output format %q (want text or json)", output))
	}
}
