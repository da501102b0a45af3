package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, local state, and probe the API and the realtime channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ok := color.New(color.FgGreen).SprintFunc()
		bad := color.New(color.FgRed).SprintFunc()
		dim := color.New(color.Faint).SprintFunc()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, dim("(default)")))
		if cfg.Default.RealtimeURL != "" {
			fmt.Printf("  Realtime:    %s\n", cfg.Default.RealtimeURL)
		}
		fmt.Printf("  Cache TTL:   %s\n", valueOrDefault(cfg.Default.CacheTTL, dim("(default)")))
		fmt.Printf("  State:       %s\n", valueOrDefault(cfg.Storage.Path, dim("(in memory)")))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Printf("  Token:       %s\n", bad("(not set)"))
		}
		fmt.Printf("  User:        %s\n", valueOrDefault(cfg.Auth.DisplayName, dim("(unknown)")))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, dim("(unknown)")))
		fmt.Printf("  Session:     %s\n", valueOrDefault(cfg.Auth.SessionID, dim("(none)")))

		if cfg.Auth.Token == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			fmt.Printf("\n  %s %v\n", bad("Error:"), err)
			return nil
		}
		defer s.Close(context.Background())

		fmt.Println()
		fmt.Println("Live status:")
		fmt.Printf("  Cached:      %d entries\n", s.client.Cache().Len())

		if projects, err := s.client.Projects.List(ctx); err != nil {
			fmt.Printf("  API:         %s\n", bad(fail("status.api", err)))
		} else {
			fmt.Printf("  API:         %s (%d projects)\n", ok("reachable"), len(projects))
		}

		ch, err := s.signIn(ctx)
		if err != nil {
			fmt.Printf("  Realtime:    %s\n", dim("(no user id)"))
			return nil
		}
		if err := waitConnected(ctx, ch); err != nil {
			fmt.Printf("  Realtime:    %s\n", bad(fail("status.realtime", err)))
			return nil
		}
		fmt.Printf("  Realtime:    %s via %s\n", ok("connected"), ch.State().Transport)

		if peers := s.client.Chat().UnreadPeers(); len(peers) > 0 {
			fmt.Printf("  Unread from: %v\n", peers)
		}
		return nil
	},
}
