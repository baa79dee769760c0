package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/porthorian/vaultagent"
)

func init() {
	rootCmd.AddCommand(newDBCommand())
}

func newDBCommand() *cobra.Command {
	cfg := clientConfig{
		DBMount: "database",
		Timeout: 30 * time.Second,
	}

	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Issue database credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	dbCmd.PersistentFlags().StringVar(&cfg.Address, "address", "", "Vault server address. Can also be set via VAULTAGENT_ADDR.")
	dbCmd.PersistentFlags().StringVar(&cfg.Namespace, "namespace", "", "Vault namespace. Can also be set via VAULTAGENT_NAMESPACE.")
	dbCmd.PersistentFlags().StringVar(&cfg.RoleID, "role-id", "", "AppRole role ID. Can also be set via VAULTAGENT_ROLE_ID.")
	dbCmd.PersistentFlags().StringVar(&cfg.SecretID, "secret-id", "", "AppRole secret ID. Can also be set via VAULTAGENT_SECRET_ID.")
	dbCmd.PersistentFlags().StringVar(&cfg.DBMount, "mount", cfg.DBMount, "Database engine mount point.")
	dbCmd.PersistentFlags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout.")

	dbCmd.AddCommand(&cobra.Command{
		Use:   "creds <role>",
		Short: "Issue a dynamic credential for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			cred, err := client.IssueCredential(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCredential(cmd, cred)
		},
	})

	dbCmd.AddCommand(&cobra.Command{
		Use:   "static-creds <role>",
		Short: "Read the current credential for a static role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			cred, err := client.GetStaticCredential(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCredential(cmd, cred)
		},
	})

	return dbCmd
}

func printCredential(cmd *cobra.Command, cred vaultagent.Credential) error {
	encoded, err := json.MarshalIndent(map[string]any{
		"lease_id":       cred.LeaseID,
		"username":       cred.Username,
		"password":       cred.Password,
		"lease_duration": cred.LeaseDuration.String(),
		"expires_at":     cred.ExpiresAt().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(encoded))
	return nil
}
