package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"agentd/pkg/config"
)

func newSecretsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted project secrets file",
	}
	cmd.AddCommand(newSecretsSetCmd(opts), newSecretsListCmd(opts))
	return cmd
}

func newSecretsSetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <NAME>",
		Short: "Store a secret such as ANTHROPIC_API_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := secretsPassword(opts.projectDir)
			if err != nil {
				return err
			}
			value, err := readPassword(fmt.Sprintf("Value for %s: ", args[0]))
			if err != nil {
				return err
			}
			if value == "" {
				return errors.New("empty value")
			}
			if err := config.SetSecretInFile(opts.projectDir, password, args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ stored %s in %s\n", args[0], config.SecretsPath(opts.projectDir))
			return nil
		},
	}
}

func newSecretsListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !config.SecretsFileExists(opts.projectDir) {
				fmt.Fprintln(cmd.OutOrStdout(), "no secrets file")
				return nil
			}
			password, err := secretsPassword(opts.projectDir)
			if err != nil {
				return err
			}
			secrets, err := config.DecryptSecretsFile(opts.projectDir, password)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(secrets))
			for name := range secrets {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// secretsPassword reads the file password from AGENTD_PASSWORD or the terminal.
// A new file asks for confirmation.
func secretsPassword(projectDir string) (string, error) {
	if p := os.Getenv(envPassword); p != "" {
		return p, nil
	}
	password, err := readPassword("🔐 Secrets password: ")
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", errors.New("empty password")
	}
	if config.SecretsFileExists(projectDir) {
		return password, nil
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if confirm != password {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}
