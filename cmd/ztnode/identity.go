package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

var flagIdentityOut string

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Generate and check node identities",
}

var identityGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new identity with secret keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.GenerateIdentity()
		if err != nil {
			return fmt.Errorf("could not generate identity: %w", err)
		}
		if flagIdentityOut == "" {
			fmt.Fprintln(cmd.OutOrStdout(), id.SecretString())
			return nil
		}
		if err := writeIdentity(flagIdentityOut, id); err != nil {
			return err
		}
		log.Info().Stringer("address", id.Address()).Str("file", flagIdentityOut).Msg("identity generated")
		fmt.Fprintln(cmd.OutOrStdout(), id.String())
		return nil
	},
}

var identityValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check that an identity's address matches its keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := readIdentity(args[0])
		if err != nil {
			return err
		}
		if err := id.Validate(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s valid (secret keys: %t)\n", id.Address(), id.HasSecret())
		return nil
	},
}

func init() {
	identityGenerateCmd.Flags().StringVarP(&flagIdentityOut, "out", "o", "", "write the secret identity to this file instead of stdout")
	identityCmd.AddCommand(identityGenerateCmd, identityValidateCmd)
	rootCmd.AddCommand(identityCmd)
}

func readIdentity(path string) (*types.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read identity: %w", err)
	}
	id, err := types.ParseIdentity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("could not parse identity %s: %w", path, err)
	}
	return id, nil
}

func writeIdentity(path string, id *types.Identity) error {
	if err := os.WriteFile(path, []byte(id.SecretString()+"\n"), 0600); err != nil {
		return fmt.Errorf("could not write identity: %w", err)
	}
	return nil
}
