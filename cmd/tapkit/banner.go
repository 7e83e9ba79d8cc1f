package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/internal/logger"
)

func printStartupBanner(w io.Writer, cfg *config.Config, log logger.Logger) {
	titleLine := fmt.Sprintf("tapkit v%s", version)
	subtitleLine := "Service Registry & Traffic Capture"

	var lines []string
	if cfg.Web.Enable {
		lines = append(lines, fmt.Sprintf("Inspection API:  http://%s%s", cfg.Web.Listen, cfg.Web.AdminPath))
		auth := "Disabled"
		if cfg.Web.Auth.Enable {
			auth = fmt.Sprintf("Enabled (%d token(s))", len(cfg.Web.Auth.Tokens))
		}
		lines = append(lines, fmt.Sprintf("   └─ Auth:      %s", auth))
		export := "Disabled"
		if cfg.Web.Export.Enable {
			export = strings.Join(cfg.Web.Export.Formats, ", ")
		}
		lines = append(lines, fmt.Sprintf("   └─ Export:    %s", export))
	} else {
		lines = append(lines, "Inspection API:  Disabled")
	}
	if cfg.Metrics.Enable && cfg.Web.Enable {
		lines = append(lines, fmt.Sprintf("Metrics:         http://%s%s", cfg.Web.Listen, cfg.Metrics.Path))
	}
	lines = append(lines, fmt.Sprintf("Log Level:       %s", cfg.Log.Level))

	lines = append(lines, "")
	if cfg.Capture.Enable {
		lines = append(lines, fmt.Sprintf("Capture:         %s (%s)", cfg.Capture.Path, cfg.Capture.Driver))
		lines = append(lines, fmt.Sprintf("   └─ Keep:      %d records, %s", cfg.Capture.MaxRecords, cfg.Capture.Retention))
		if cfg.Capture.EncryptionKey != "" {
			lines = append(lines, "   └─ Encrypted: yes")
		}
	} else {
		lines = append(lines, "Capture:         Disabled")
	}

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("Services:        %d", len(cfg.Services)))
	for _, svc := range cfg.Services {
		lines = append(lines, fmt.Sprintf("   └─ %s → %s", svc.Key, svc.BaseURL))
	}

	lines = append(lines, "", "(Press Ctrl+C to stop)")

	maxLength := runewidth.StringWidth(titleLine)
	for _, line := range lines {
		if n := runewidth.StringWidth(line); n > maxLength {
			maxLength = n
		}
	}
	boxWidth := maxLength + 4
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
	printBoxContent(w, titleLine, boxWidth, true)
	printBoxContent(w, subtitleLine, boxWidth, true)
	fmt.Fprintf(w, "├%s┤\n", strings.Repeat("─", boxWidth-2))
	for _, line := range lines {
		printBoxContent(w, line, boxWidth, false)
	}
	fmt.Fprintf(w, "└%s┘\n", strings.Repeat("─", boxWidth-2))
	fmt.Fprintln(w)

	log.Info("tapkit starting",
		"version", version,
		"services", len(cfg.Services),
		"capture", cfg.Capture.Enable,
		"capture_driver", cfg.Capture.Driver,
		"web_enable", cfg.Web.Enable,
		"web_listen", cfg.Web.Listen,
		"metrics", cfg.Metrics.Enable,
	)
}

func printBoxContent(w io.Writer, content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}
	leftPad, rightPad := "  ", ""
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else if padding > 2 {
		rightPad = strings.Repeat(" ", padding-2)
	}
	fmt.Fprintf(w, "│%s%s%s│\n", leftPad, content, rightPad)
}
