package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/server"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := cfg.Redacted()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), r)
			}
			data, err := yaml.Marshal(r)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Hash an API key for server.api_key_hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := server.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})

	var out string
	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a certificate signing key",
		Long: `Generate an ed25519 signing key for production mode.

Point certificate.signing.private_key_path at the written file and set
certificate.signing.mode to prod.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := certificate.GenerateSigner()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(s.EncodePrivateKey()+"\n"), 0o600); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("wrote"), out)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Render("key id"), s.KeyID())
			return nil
		},
	}
	keygen.Flags().StringVarP(&out, "out", "o", "signing.key", "output file")
	cmd.AddCommand(keygen)

	return cmd
}
