package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	taskdeck "github.com/taskdeck/taskdeck/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.taskdeck/config.toml",
	Long: "Initialize the Taskdeck CLI by storing your session token. The user id is read\n" +
		"from the token's claims and a fresh local session is started.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if id, err := taskdeck.IdentityFromToken(token); err == nil {
			cfg.Auth.UserID = id.ID
			cfg.Auth.DisplayName = id.DisplayName
		} else {
			slog.Warn("init.identity", "err", err)
			fmt.Println("Could not read a user id from the token; set it with 'taskdeck config set auth.user_id <id>'.")
		}
		cfg.Auth.SessionID = taskdeck.NewSessionID()

		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = taskdeck.DefaultBaseURL
		}
		if cfg.Storage.Path == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Storage.Path = filepath.Join(dir, "state.db")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID != "" {
			fmt.Printf("Signed in as %s\n", valueOrDefault(cfg.Auth.DisplayName, cfg.Auth.UserID))
		}
		return nil
	},
}
