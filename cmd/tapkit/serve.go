package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/funnyzak/tapkit/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inspection API, capture pruning and config reload",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Inspection API listen address")
	serveCmd.Flags().Bool("no-watch", false, "Do not reload the config file on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Web.Enable = true
		cfg.Web.Listen = listen
	}
	quiet, _ := cmd.Flags().GetBool("quiet")

	a, err := app.New(cfg, log, app.Options{Quiet: quiet})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("Failed to close", "error", err)
		}
	}()

	printStartupBanner(os.Stderr, cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchPath := configFileUsed(cmd)
	if noWatch, _ := cmd.Flags().GetBool("no-watch"); noWatch {
		watchPath = ""
	}
	if err := a.Serve(ctx, watchPath); err != nil {
		return err
	}
	log.Info("Shutting down")
	return nil
}
