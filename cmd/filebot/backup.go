package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"filebot/internal/config"
	"filebot/internal/store"
)

// Archive members. Anything else found in an archive is ignored on restore.
const (
	memberDB      = "filebot.db"
	memberConfig  = "config.yaml"
	memberContent = "content.badger"
)

type archiveMember struct {
	name string
	path string
}

// restoreDest says where each archive member is written back.
type restoreDest struct {
	DB      string
	Config  string
	Content string
}

func backupCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the database, the content store and the config",
		Long: `Writes a .tar.gz holding a consistent SQLite snapshot, a Badger dump
when the badger content backend is used, and the config file. Badger keeps its
directory locked, so stop the server before backing up a badger store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if output == "" {
				dir := filepath.Join(cfg.General.DataDir, "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
				output = filepath.Join(dir, "filebot-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			staging, err := os.MkdirTemp("", "filebot-backup-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(staging)

			members, err := stageBackup(cmd.Context(), cfgPath, cfg, staging)
			if err != nil {
				return err
			}
			if err := writeArchive(output, members); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}

			info, err := os.Stat(output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s (%d members, %s)\n",
				output, len(members), humanize.Bytes(uint64(info.Size())))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default <data_dir>/backups/filebot-<timestamp>.tar.gz)")
	return cmd
}

// stageBackup prepares every member in staging, except the config file,
// which is archived in place.
func stageBackup(ctx context.Context, cfgPath string, cfg *config.Config, staging string) ([]archiveMember, error) {
	var members []archiveMember

	if _, err := os.Stat(cfg.Storage.SQLitePath); err == nil {
		db, err := store.Open(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		snap := filepath.Join(staging, memberDB)
		err = db.Snapshot(ctx, snap)
		db.Close()
		if err != nil {
			return nil, err
		}
		members = append(members, archiveMember{memberDB, snap})
	}

	if _, err := os.Stat(cfgPath); err == nil {
		members = append(members, archiveMember{memberConfig, cfgPath})
	}

	if cfg.Storage.ContentBackend == "badger" {
		if _, err := os.Stat(cfg.Storage.BadgerDir); err == nil {
			dump := filepath.Join(staging, memberContent)
			if err := dumpBadgerTo(cfg.Storage.BadgerDir, dump); err != nil {
				return nil, err
			}
			members = append(members, archiveMember{memberContent, dump})
		}
	}

	if len(members) == 0 {
		return nil, fmt.Errorf("nothing to back up (database %s, config %s)", cfg.Storage.SQLitePath, cfgPath)
	}
	return members, nil
}

func dumpBadgerTo(dir, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := store.DumpBadger(dir, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeArchive(dst string, members []archiveMember) (err error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, m := range members {
		if err := appendMember(tw, m); err != nil {
			return fmt.Errorf("add %s: %w", m.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func appendMember(tw *tar.Writer, m archiveMember) error {
	f, err := os.Open(m.path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     m.name,
		Size:     info.Size(),
		Mode:     0o600,
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [archive.tar.gz]",
		Short: "Restore data written by 'filebot backup'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
				cfg.Storage.SQLitePath = config.ExpandPath(cfg.Storage.SQLitePath)
				cfg.Storage.BadgerDir = config.ExpandPath(cfg.Storage.BadgerDir)
			}
			dest := restoreDest{DB: cfg.Storage.SQLitePath, Config: cfgPath, Content: cfg.Storage.BadgerDir}

			if !force {
				for _, p := range []string{dest.DB, dest.Config} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists, rerun with --force to overwrite", p)
					}
				}
			}

			restored, err := restoreArchive(args[0], dest)
			if err != nil {
				return fmt.Errorf("restore %s: %w", args[0], err)
			}
			for _, p := range restored {
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data")
	return cmd
}

// restoreArchive writes the known members of archive to dest and returns the
// paths it wrote.
func restoreArchive(archive string, dest restoreDest) ([]string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	var restored []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return restored, nil
		}
		if err != nil {
			return restored, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		switch hdr.Name {
		case memberDB:
			// Stale WAL files would be replayed over the restored database.
			os.Remove(dest.DB + "-wal")
			os.Remove(dest.DB + "-shm")
			err = writeMember(dest.DB, tr)
			restored = append(restored, dest.DB)
		case memberConfig:
			err = writeMember(dest.Config, tr)
			restored = append(restored, dest.Config)
		case memberContent:
			err = store.LoadBadger(dest.Content, tr)
			restored = append(restored, dest.Content)
		default:
			logger.Warn("skipping unknown archive member", "name", hdr.Name)
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("restore %s: %w", hdr.Name, err)
		}
	}
}

func writeMember(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
