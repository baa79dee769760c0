package cmd

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newKVCommand())
}

func newKVCommand() *cobra.Command {
	cfg := clientConfig{
		KVMount: "secret",
		Timeout: 30 * time.Second,
	}
	var version int

	kvCmd := &cobra.Command{
		Use:   "kv",
		Short: "Read KV secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	kvCmd.PersistentFlags().StringVar(&cfg.Address, "address", "", "Vault server address. Can also be set via VAULTAGENT_ADDR.")
	kvCmd.PersistentFlags().StringVar(&cfg.Namespace, "namespace", "", "Vault namespace. Can also be set via VAULTAGENT_NAMESPACE.")
	kvCmd.PersistentFlags().StringVar(&cfg.RoleID, "role-id", "", "AppRole role ID. Can also be set via VAULTAGENT_ROLE_ID.")
	kvCmd.PersistentFlags().StringVar(&cfg.SecretID, "secret-id", "", "AppRole secret ID. Can also be set via VAULTAGENT_SECRET_ID.")
	kvCmd.PersistentFlags().StringVar(&cfg.KVMount, "mount", cfg.KVMount, "KV engine mount point.")
	kvCmd.PersistentFlags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout.")

	getCmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read a KV secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			data, err := client.ReadVersion(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(data, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(encoded))
			return nil
		},
	}
	getCmd.Flags().IntVar(&version, "version", 0, "Secret version to read. Zero reads the latest.")

	listCmd := &cobra.Command{
		Use:   "list <path>",
		Short: "List secret keys under a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			keys, err := client.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Println(strings.Join(keys, "\n"))
			return nil
		},
	}

	kvCmd.AddCommand(getCmd, listCmd)
	return kvCmd
}
