package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openbrain/openbrain/internal/auth"
	"github.com/openbrain/openbrain/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [config-file]",
		Short: "Mint an operator API token (builtin auth only)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigPath(cmd, args, "openbrain.json")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Auth.Provider != "" && cfg.Auth.Provider != "builtin" {
				return fmt.Errorf("token minting requires the builtin auth provider, config uses %q", cfg.Auth.Provider)
			}

			user, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")

			provider := auth.NewBuiltin(cfg.Auth)
			token, err := provider.IssueToken(user, user, role)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("user", "operator", "subject for the issued token")
	cmd.Flags().String("role", "operator", "role claim for the issued token")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the openbrain version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
