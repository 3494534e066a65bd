package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"filebot/internal/codec"
	"filebot/internal/domain"
	"filebot/internal/store"
)

func tokenCmd() *cobra.Command {
	var purposeFlag string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Encode ids into public tokens and back",
	}
	cmd.PersistentFlags().StringVar(&purposeFlag, "purpose", string(codec.PurposeDocument),
		"what the id names: user, document or photo")

	cmd.AddCommand(&cobra.Command{
		Use:   "encode [id]",
		Short: "Print the token and public link for a numeric id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			purpose, err := codec.ParsePurpose(purposeFlag)
			if err != nil {
				return err
			}
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tokens, err := buildCodec(cfg.Codec)
			if err != nil {
				return err
			}
			token := tokens.Encode(purpose, id)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token:    %s\n", token)
			switch purpose {
			case codec.PurposeUser:
				fmt.Fprintf(out, "activate: %s\n", strings.ReplaceAll(cfg.ActivationURI(), "{id}", url.QueryEscape(token)))
			default:
				fmt.Fprintf(out, "%-9s %s\n", string(purpose)+":", domain.ResourceType(purpose).Link(cfg.Links.Host, token))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "decode [token]",
		Short: "Print the numeric id behind a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			purpose, err := codec.ParsePurpose(purposeFlag)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tokens, err := buildCodec(cfg.Codec)
			if err != nil {
				return err
			}
			id, err := tokens.Decode(purpose, args[0])
			if codec.IsNotFound(err) {
				return fmt.Errorf("token %q is not a %s token of this deployment", args[0], purpose)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	})

	return cmd
}

func usersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List registered users",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Storage.SQLitePath, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			users, err := db.Users().List(context.Background(), limit)
			if err != nil {
				return err
			}
			renderUsers(cmd.OutOrStdout(), users)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of users to show")
	return cmd
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the newest entries of the inbound event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Storage.SQLitePath, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := db.RawLog().Recent(context.Background(), limit)
			if err != nil {
				return err
			}
			renderEvents(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of events to show")
	return cmd
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func renderUsers(w io.Writer, users []domain.UserRecord) {
	table := newTable(w, []string{"ID", "Telegram", "Username", "Email", "Active", "State", "Seen"})
	table.AppendBulk(lo.Map(users, func(u domain.UserRecord, _ int) []string {
		return []string{
			strconv.FormatUint(u.ID, 10),
			strconv.FormatInt(u.PlatformUserID, 10),
			lo.CoalesceOrEmpty(u.Username, u.FirstName, "-"),
			lo.CoalesceOrEmpty(lo.FromPtr(u.Email), "-"),
			strconv.FormatBool(u.Active),
			string(u.State),
			humanize.Time(u.CreatedAt),
		}
	}))
	table.Render()
}

func renderEvents(w io.Writer, entries []domain.RawLogEntry) {
	table := newTable(w, []string{"ID", "Event", "User", "Kind", "Size", "At"})
	table.AppendBulk(lo.Map(entries, func(e domain.RawLogEntry, _ int) []string {
		eventID := e.EventID
		if utf8.RuneCountInString(eventID) > 8 {
			eventID = eventID[:8]
		}
		return []string{
			strconv.FormatInt(e.ID, 10),
			eventID,
			strconv.FormatInt(e.UserID, 10),
			string(e.Kind),
			humanize.Bytes(uint64(len(e.Payload))),
			e.CreatedAt.Format("2006-01-02 15:04:05"),
		}
	}))
	table.Render()
}
