package main

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// configKey describes one settable field of the config file.
type configKey struct {
	field    func(*Config) *string
	validate func(string) error
	secret   bool
}

var configKeys = map[string]configKey{
	"default.base_url":     {field: func(c *Config) *string { return &c.Default.BaseURL }, validate: validateURL},
	"default.realtime_url": {field: func(c *Config) *string { return &c.Default.RealtimeURL }, validate: validateURL},
	"default.log_level": {field: func(c *Config) *string { return &c.Default.LogLevel }, validate: func(v string) error {
		if _, err := log.ParseLevel(v); err != nil {
			return fmt.Errorf("invalid log level %q (debug, info, warn, error)", v)
		}
		return nil
	}},
	"default.cache_ttl": {field: func(c *Config) *string { return &c.Default.CacheTTL }, validate: func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid duration %q (e.g. 30s, 5m)", v)
		}
		return nil
	}},
	"auth.token":        {field: func(c *Config) *string { return &c.Auth.Token }, secret: true},
	"auth.user_id":      {field: func(c *Config) *string { return &c.Auth.UserID }},
	"auth.display_name": {field: func(c *Config) *string { return &c.Auth.DisplayName }},
	"auth.session_id":   {field: func(c *Config) *string { return &c.Auth.SessionID }},
	"storage.path":      {field: func(c *Config) *string { return &c.Storage.Path }},
}

func validateURL(v string) error {
	u, err := url.Parse(v)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URL %q", v)
	}
	return nil
}

func lookupKey(key string) (configKey, error) {
	k, ok := configKeys[key]
	if !ok {
		return configKey{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(sortedKeys(), ", "))
	}
	return k, nil
}

func sortedKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// setConfigValue validates value for the dotted key and stores it in cfg.
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	if k.validate != nil {
		if err := k.validate(value); err != nil {
			return err
		}
	}
	*k.field(cfg) = value
	return nil
}

// displayValue renders a stored value for the terminal; secrets are masked.
func displayValue(cfg *Config, key string) string {
	k := configKeys[key]
	v := *k.field(cfg)
	if v != "" && k.secret {
		return maskKey(v)
	}
	return v
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Taskdeck configuration",
	Long:  "View or modify the CLI configuration stored in ~/.taskdeck/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List every configuration key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		for _, key := range sortedKeys() {
			fmt.Printf("%-22s %s\n", key, valueOrDefault(displayValue(cfg, key), "-"))
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := lookupKey(args[0]); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Println(displayValue(cfg, args[0]))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: taskdeck config set default.base_url https://api.taskdeck.dev",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Set %s = %s\n", args[0], displayValue(cfg, args[0]))
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		*k.field(cfg) = ""
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Unset %s\n", args[0])
		return nil
	},
}
