package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/internal/printer"
	"github.com/funnyzak/tapkit/internal/storage"
	"github.com/funnyzak/tapkit/pkg/capture"
)

var capturesCmd = &cobra.Command{
	Use:     "captures",
	Aliases: []string{"cap"},
	Short:   "Inspect stored capture records",
}

var capturesModulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List modules that have records",
	Args:  cobra.NoArgs,
	RunE: withStore(func(cmd *cobra.Command, _ *config.Config, store storage.Store, _ []string) error {
		modules, err := store.Modules()
		if err != nil {
			return err
		}
		for _, m := range modules {
			fmt.Fprintln(cmd.OutOrStdout(), m)
		}
		return nil
	}),
}

var capturesBucketsCmd = &cobra.Command{
	Use:   "buckets <module>",
	Short: "List ten-minute buckets of a module",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, _ *config.Config, store storage.Store, args []string) error {
		buckets, err := store.Buckets(args[0])
		if err != nil {
			return err
		}
		for _, b := range buckets {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %d\n", b.Date, b.Label, b.Count)
		}
		return nil
	}),
}

var capturesListCmd = &cobra.Command{
	Use:   "list <module>",
	Short: "List records of a module, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, _ *config.Config, store storage.Store, args []string) error {
		q, err := queryFromFlags(cmd)
		if err != nil {
			return err
		}
		recs, total, err := store.List(args[0], q)
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")
		out := cmd.OutOrStdout()
		switch group {
		case "", "none":
			for _, rec := range recs {
				printListLine(out, rec)
			}
		case "time":
			for _, g := range capture.GroupByBucket(recs) {
				fmt.Fprintln(out, color.New(color.Bold).Sprint(g.Bucket.String()))
				for _, rec := range g.Records {
					printListLine(out, rec)
				}
			}
		case "url":
			for _, g := range capture.GroupByURL(recs) {
				fmt.Fprintln(out, color.New(color.Bold).Sprint(g.Key))
				for _, rec := range g.Records {
					printListLine(out, rec)
				}
			}
		default:
			return fmt.Errorf("unknown group %q (none, time, url)", group)
		}
		fmt.Fprintf(out, "%d of %d record(s)\n", len(recs), total)
		return nil
	}),
}

var capturesShowCmd = &cobra.Command{
	Use:   "show <module> <id>",
	Short: "Print one record in full",
	Args:  cobra.ExactArgs(2),
	RunE: withStore(func(cmd *cobra.Command, cfg *config.Config, store storage.Store, args []string) error {
		rec, err := store.Get(args[0], args[1])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("record %s not found in module %s", args[1], args[0])
		}
		if err != nil {
			return err
		}
		p := printer.New(cfg.Output.Mode, nil, &cfg.Output, cmd.OutOrStdout())
		return p.PrintRecord(rec)
	}),
}

var capturesExportCmd = &cobra.Command{
	Use:   "export <module>",
	Short: "Export records as json, csv, yaml or txt",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, _ *config.Config, store storage.Store, args []string) error {
		q, err := queryFromFlags(cmd)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		if _, _, err := storage.DescribeFormat(format); err != nil {
			return err
		}
		var w io.Writer = cmd.OutOrStdout()
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		_, _, err = storage.StreamExport(w, storage.Records(store, args[0], q), format)
		return err
	}),
}

var capturesClearCmd = &cobra.Command{
	Use:   "clear <module>",
	Short: "Delete every record of a module",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, _ *config.Config, store storage.Store, args []string) error {
		n, err := store.Clear(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d record(s) from %s\n", n, args[0])
		return nil
	}),
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply capture retention once",
	Args:  cobra.NoArgs,
	RunE: withStore(func(cmd *cobra.Command, _ *config.Config, store storage.Store, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()
		n, err := store.Prune(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d record(s)\n", n)
		return nil
	}),
}

func init() {
	for _, c := range []*cobra.Command{capturesListCmd, capturesExportCmd} {
		c.Flags().String("bucket", "", "Ten-minute bucket, e.g. 14:10-19 or \"20260301 14:10-19\"")
		c.Flags().String("url", "", "URL group key")
		c.Flags().String("method", "", "HTTP method")
		c.Flags().String("search", "", "Substring of URL or body")
	}
	capturesListCmd.Flags().Int("limit", 50, "Maximum records to list")
	capturesListCmd.Flags().Int("offset", 0, "Records to skip")
	capturesListCmd.Flags().String("group", "", "Group output by time or url")
	capturesExportCmd.Flags().StringP("format", "f", "json", "Export format (json, csv, yaml, txt)")
	capturesExportCmd.Flags().String("file", "", "Write to file instead of stdout")

	capturesCmd.AddCommand(capturesModulesCmd, capturesBucketsCmd, capturesListCmd,
		capturesShowCmd, capturesExportCmd, capturesClearCmd)
}

type storeRunFunc func(cmd *cobra.Command, cfg *config.Config, store storage.Store, args []string) error

// withStore opens capture storage for the duration of fn.
func withStore(fn storeRunFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd, cfg, store, args)
	}
}

func queryFromFlags(cmd *cobra.Command) (storage.Query, error) {
	var q storage.Query
	if s, _ := cmd.Flags().GetString("bucket"); s != "" {
		b, err := capture.ParseBucket(s)
		if err != nil {
			return q, err
		}
		q.Bucket = &b
	}
	q.URLGroup, _ = cmd.Flags().GetString("url")
	q.Method, _ = cmd.Flags().GetString("method")
	q.Search, _ = cmd.Flags().GetString("search")
	if cmd.Flags().Lookup("limit") != nil {
		q.Limit, _ = cmd.Flags().GetInt("limit")
		q.Offset, _ = cmd.Flags().GetInt("offset")
	}
	return q, nil
}

func printListLine(w io.Writer, rec *capture.Record) {
	status := rec.Response.StatusLine
	if rec.Response.StatusCode == 0 {
		status = color.RedString(strings.TrimSpace(status))
	}
	url := runewidth.Truncate(rec.Request.URL, 60, "…")
	fmt.Fprintf(w, "%s  %s  %-6s %s  %s  %s  %dms\n",
		rec.ID,
		rec.Timestamp.Format("2006-01-02 15:04:05"),
		rec.Request.Method,
		runewidth.FillRight(url, 60),
		status,
		humanize.Bytes(uint64(rec.Response.BodySize)),
		rec.Response.ElapsedMs,
	)
}
