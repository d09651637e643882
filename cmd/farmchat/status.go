package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"farmchat/internal/domain"
	"farmchat/internal/journal"
)

func statusCmd() *cobra.Command {
	var limit int
	var sessionID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration summary and recent connection events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			fmt.Printf("farmchat v%s\n", version)
			fmt.Printf("  Config:    %s\n", resolveConfigPath())
			fmt.Printf("  Endpoint:  %s\n", cfg.HubEndpoint())
			if _, err := resolveToken(cfg); err != nil {
				fmt.Printf("  Token:     not set\n")
			} else {
				fmt.Printf("  Token:     set\n")
			}
			if cfg.Metrics.Enabled {
				fmt.Printf("  Metrics:   http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
			}

			if !cfg.Journal.Enabled {
				fmt.Printf("  Journal:   disabled\n")
				return nil
			}
			fmt.Printf("  Journal:   %s\n\n", cfg.Journal.DBPath)

			store, err := journal.NewSQLiteStore(cfg.Journal.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var entries []domain.JournalEntry
			if sessionID != "" {
				entries, err = store.Session(ctx, sessionID)
			} else {
				entries, err = store.Recent(ctx, limit)
			}
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("No connection events recorded.")
				return nil
			}
			for _, e := range entries {
				fmt.Println(formatEntry(e))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent events to show")
	cmd.Flags().StringVar(&sessionID, "session", "", "show every event of one session")
	return cmd
}

func formatEntry(e domain.JournalEntry) string {
	session := e.SessionID
	if len(session) > 8 {
		session = session[:8]
	}
	line := fmt.Sprintf("%s  %-8s  %-10s  %-12s", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), session, e.Kind, e.State)
	if e.Detail != "" {
		line += "  " + e.Detail
	}
	return line
}
