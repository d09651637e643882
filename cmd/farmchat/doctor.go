package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"farmchat/internal/config"
	"farmchat/internal/hub"
	"farmchat/internal/journal"
)

func doctorCmd() *cobra.Command {
	var skipHub bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your farmchat setup",
		Long: `Verifies that farmchat's configuration, hub endpoint, credentials and
journal are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("farmchat doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			var cfg *config.Config
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s (using defaults)", cfgPath))
				warned++
				cfg = config.Defaults()
			} else {
				printPass("Config file", cfgPath)
				passed++

				// 2. Config loads and validates
				loaded, err := config.Load(cfgPath)
				if err != nil {
					printFail("Config validation", err.Error())
					failed++
					fmt.Printf("\n%d passed, %d failed\n", passed, failed)
					return fmt.Errorf("config is invalid")
				}
				printPass("Config validation", "valid")
				passed++
				cfg = loaded
			}

			// 3. Sender role table
			if _, err := hub.ParseRoleMap(cfg.Hub.SenderRoleCodes); err != nil {
				printFail("Sender roles", err.Error())
				failed++
			} else if len(cfg.Hub.SenderRoleCodes) == 0 {
				printWarn("Sender roles", "no numeric codes configured (set hub.senderRoleCodes.<code> after confirming with the server)")
				warned++
			} else {
				printPass("Sender roles", fmt.Sprintf("%d code(s) mapped", len(cfg.Hub.SenderRoleCodes)))
				passed++
			}

			// 4. Credentials
			token, tokenErr := resolveToken(cfg)
			if tokenErr != nil {
				printWarn("Hub token", "not set (pass --token or set "+tokenEnv+")")
				warned++
			} else {
				printPass("Hub token", fmt.Sprintf("set (%d chars)", len(token)))
				passed++
			}

			// 5. Hub handshake
			endpoint := cfg.HubEndpoint()
			switch {
			case skipHub:
				printWarn("Hub handshake", "skipped")
				warned++
			case tokenErr != nil:
				printWarn("Hub handshake", "skipped (no token)")
				warned++
			default:
				timeout := time.Duration(cfg.Hub.HandshakeTimeoutSeconds) * time.Second
				if err := checkHub(endpoint, token, timeout); err != nil {
					printFail("Hub handshake", fmt.Sprintf("%s: %v", endpoint, err))
					failed++
				} else {
					printPass("Hub handshake", endpoint)
					passed++
				}
			}

			// 6. Journal
			if cfg.Journal.Enabled {
				if v, err := checkJournal(cfg.Journal.DBPath); err != nil {
					printFail("Journal", err.Error())
					failed++
				} else {
					printPass("Journal", fmt.Sprintf("%s (schema v%d)", cfg.Journal.DBPath, v))
					passed++
				}
			} else {
				printWarn("Journal", "disabled")
				warned++
			}

			// 7. Metrics address
			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					printFail("Metrics address", fmt.Sprintf("%s unavailable: %v", cfg.Metrics.Addr, err))
					failed++
				} else {
					printPass("Metrics address", cfg.Metrics.Addr+cfg.Metrics.Path)
					passed++
				}
			}

			// 8. Log file
			if cfg.General.LogFile != "" {
				dir := filepath.Dir(cfg.General.LogFile)
				if info, err := os.Stat(dir); err != nil || !info.IsDir() {
					printWarn("Log file", fmt.Sprintf("directory %s does not exist yet", dir))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running farmchat.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nfarmchat should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! farmchat is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipHub, "offline", false, "skip the hub handshake check")
	return cmd
}

// checkHub opens and closes one hub connection.
func checkHub(endpoint, token string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn := hub.NewDialer(hub.DialerConfig{
		URL:              endpoint,
		HandshakeTimeout: timeout,
		Logger:           logger,
	})(token)
	if err := conn.Start(ctx); err != nil {
		return err
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	return conn.Stop(stopCtx)
}

// checkJournal opens the journal, which creates and migrates it if needed.
func checkJournal(dbPath string) (int, error) {
	store, err := journal.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	return store.SchemaVersion()
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
