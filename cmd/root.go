package cmd

import "github.com/spf13/cobra"

var BuildVersion = "dev"

var rootCmd = &cobra.Command{
	Use:   "vaultagent",
	Short: "Vault agent CLI",
	Long:  "CLI for reading secrets and issuing database credentials through the vault agent.",
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of the vault agent CLI",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s\n", BuildVersion)
		},
	})
}

func Execute() error {
	return rootCmd.Execute()
}
