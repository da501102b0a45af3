package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheClearCmd.Flags().BoolVar(&clearMessages, "messages", false, "also drop locally stored conversations")
}

var clearMessages bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear local state",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all cached query results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			n := s.client.Cache().Len()
			s.client.Cache().InvalidateAll(ctx)
			fmt.Printf("Cleared %d cached results\n", n)

			if clearMessages {
				if err := s.client.Chat().Reset(ctx); err != nil {
					return fmt.Errorf("failed to clear conversations: %w", err)
				}
				fmt.Println("Cleared local conversations")
			}
			return nil
		})
	},
}
