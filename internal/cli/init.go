package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openbrain/openbrain/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with fresh secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "openbrain.json"
			}
			force, _ := cmd.Flags().GetBool("force")
			defaults, _ := cmd.Flags().GetBool("defaults")

			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}

			answers := initDefaults()
			if !defaults {
				askInitQuestions(defaultPrompter(), &answers)
			}
			return writeInitConfig(output, answers)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./openbrain.json)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively with secure defaults")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

type initAnswers struct {
	addr          string
	storageDriver string
	storageDSN    string
	workspaceID   string
	workspaceName string
	gatewayURL    string
	gatewayToken  string
}

func initDefaults() initAnswers {
	return initAnswers{
		addr:          ":8080",
		storageDriver: "sqlite",
		storageDSN:    "openbrain.db",
		workspaceID:   "default",
		workspaceName: "Default Workspace",
	}
}

func askInitQuestions(p *prompter, a *initAnswers) {
	a.addr = p.ask("Listen address", a.addr)

	a.storageDriver = p.choose("Storage driver", []string{"sqlite", "postgres"}, 0)
	if a.storageDriver == "postgres" {
		a.storageDSN = p.ask("Postgres DSN", "postgres://localhost/openbrain")
	} else {
		a.storageDSN = p.ask("SQLite database file", a.storageDSN)
	}

	a.workspaceID = p.ask("Workspace id", a.workspaceID)
	a.workspaceName = p.ask("Workspace name", a.workspaceName)

	if p.confirm("Connect this workspace to a gateway now?", false) {
		a.gatewayURL = p.ask("Gateway WebSocket URL (e.g. wss://host/ws)", "")
		a.gatewayToken = p.ask("Gateway token", "")
	}
}

func writeInitConfig(output string, a initAnswers) error {
	jwtSecret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	syncSecret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := map[string]any{
		"server": map[string]any{
			"addr": a.addr,
		},
		"auth": map[string]any{
			"provider":   "builtin",
			"jwt_secret": jwtSecret,
		},
		"storage": map[string]any{
			"driver": a.storageDriver,
			"dsn":    a.storageDSN,
		},
		"workspaces": []map[string]any{
			{
				"id":            a.workspaceID,
				"name":          a.workspaceName,
				"gateway_url":   a.gatewayURL,
				"gateway_token": a.gatewayToken,
				"sync_secret":   syncSecret,
			},
		},
		"sync": map[string]any{
			"server_url":   "http://localhost:8080",
			"workspace_id": a.workspaceID,
			"secret":       syncSecret,
			"data_dir":     "./openbrain-data",
			"interval":     "30s",
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "json",
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", output)
	return nil
}
