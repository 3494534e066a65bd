package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"filebot/internal/codec"
	"filebot/internal/config"
	"filebot/internal/store"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your filebot installation",
		Long: `Verifies that filebot's configuration, secrets, database, content
store and listen addresses are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("filebot doctor v%s\n\n", version)

			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'filebot init' to create a default configuration.\n")
				return fmt.Errorf("config not found")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			if err := config.RequireSecrets(cfg); err != nil {
				r.fail("Secrets", err.Error())
			} else {
				r.pass("Secrets", "telegram token and codec secret set")
			}

			if tokens, err := buildCodec(cfg.Codec); err != nil {
				r.fail("Codec", err.Error())
			} else if id, err := tokens.Decode(codec.PurposeUser, tokens.Encode(codec.PurposeUser, 42)); err != nil || id != 42 {
				r.fail("Codec", "round trip failed")
			} else {
				r.pass("Codec", fmt.Sprintf("key %d, %d retired", cfg.Codec.KeyID, len(cfg.Codec.Retired)))
			}

			if schema, err := checkDatabase(cfg.Storage.SQLitePath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Storage.SQLitePath, schema))
			}

			if cfg.Storage.ContentBackend == "badger" {
				if err := checkWritableDir(cfg.Storage.BadgerDir); err != nil {
					r.fail("Content store", err.Error())
				} else {
					r.pass("Content store", "badger at "+cfg.Storage.BadgerDir)
				}
			} else {
				r.pass("Content store", "sqlite")
			}

			if cfg.Storage.MongoURI != "" {
				r.warn("Raw log mirror", "mongo configured; connectivity is checked at serve time")
			}

			if cfg.Web.Enabled {
				if err := checkListen(cfg.Web.Listen); err != nil {
					r.warn("Web listen", fmt.Sprintf("%s may be in use: %v", cfg.Web.Listen, err))
				} else {
					r.pass("Web listen", cfg.Web.Listen+" available")
				}
			} else {
				r.warn("Web server", "disabled, download and activation links will not resolve")
			}

			if cfg.Telegram.Mode == "webhook" {
				if err := checkListen(cfg.Telegram.WebhookListen); err != nil {
					r.warn("Webhook listen", fmt.Sprintf("%s may be in use: %v", cfg.Telegram.WebhookListen, err))
				} else {
					r.pass("Webhook listen", cfg.Telegram.WebhookListen+" available")
				}
			}

			if cfg.Mail.Enabled {
				r.pass("Mail", fmt.Sprintf("%s:%d as %s", cfg.Mail.Host, cfg.Mail.Port, cfg.Mail.From))
			} else {
				r.warn("Mail", "disabled, activation links are only logged")
			}

			if cfg.General.LogFile != "" {
				if err := checkWritableDir(filepath.Dir(cfg.General.LogFile)); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running filebot.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			fmt.Printf("\nfilebot is ready to run.\n")
			return nil
		},
	}
}

// checkDatabase opens the store, which runs pending migrations, and reports
// the schema version.
func checkDatabase(dbPath string) (int, error) {
	db, err := store.Open(dbPath, logger)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	return store.GetSchemaVersion(db.DB())
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
