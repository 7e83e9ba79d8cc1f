package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/funnyzak/tapkit/internal/app"
	"github.com/funnyzak/tapkit/internal/printer"
	"github.com/funnyzak/tapkit/pkg/progress"
	"github.com/funnyzak/tapkit/pkg/service"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <service> <path>...",
	Short: "Call a configured service and capture the exchange",
	Example: `  tapkit fetch orders /v1/items
  tapkit fetch assets /img/a.png /img/b.png --out ./downloads --parallel 2
  tapkit fetch uploads /files --data @report.pdf --content-type application/pdf`,
	Args: cobra.MinimumNArgs(2),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringP("method", "X", "", "HTTP method (GET, or POST with --data)")
	fetchCmd.Flags().StringP("data", "d", "", "Request body, or @file to send a file")
	fetchCmd.Flags().String("content-type", "", "Content-Type of the request body")
	fetchCmd.Flags().String("out", "", "Directory to save response bodies into")
	fetchCmd.Flags().IntP("parallel", "p", 4, "Maximum concurrent requests")
	fetchCmd.Flags().String("base-url", "", "Reset the service to this base URL first")
}

type fetchOptions struct {
	method      string
	data        string
	contentType string
	outDir      string
	showBar     bool
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Web.Enable = false
	quiet, _ := cmd.Flags().GetBool("quiet")

	a, err := app.New(cfg, log, app.Options{Quiet: quiet, Out: os.Stderr})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("Failed to flush captures", "error", err)
		}
	}()

	key, paths := args[0], args[1:]
	if baseURL, _ := cmd.Flags().GetString("base-url"); baseURL != "" {
		if err := a.Reset(key, baseURL); err != nil {
			return err
		}
	}
	client, err := a.Client(key)
	if err != nil {
		return err
	}

	opts := fetchOptions{}
	opts.method, _ = cmd.Flags().GetString("method")
	opts.data, _ = cmd.Flags().GetString("data")
	opts.contentType, _ = cmd.Flags().GetString("content-type")
	opts.outDir, _ = cmd.Flags().GetString("out")
	opts.showBar = len(paths) == 1 && term.IsTerminal(int(os.Stderr.Fd()))
	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	parallel, _ := cmd.Flags().GetInt("parallel")
	if parallel <= 0 {
		parallel = 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stdout sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, p := range paths {
		g.Go(func() error {
			body, err := fetchOne(ctx, a, client, p, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if body != nil {
				stdout.Lock()
				defer stdout.Unlock()
				_, err = os.Stdout.Write(body)
			}
			return err
		})
	}
	return g.Wait()
}

// fetchOne runs one exchange. The body is returned when it should go to
// stdout, otherwise it is saved under outDir.
func fetchOne(ctx context.Context, a *app.App, client *service.Client, p string, opts fetchOptions) ([]byte, error) {
	var (
		w    io.Writer
		buf  bytes.Buffer
		file *os.File
	)
	if opts.outDir != "" {
		f, err := os.Create(filepath.Join(opts.outDir, outputName(p)))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		w, file = f, f
	} else {
		w = &buf
	}

	if opts.data != "" {
		if err := upload(ctx, a, client, p, w, opts); err != nil {
			return nil, err
		}
		return stdoutBody(file, &buf), nil
	}

	method := strings.ToUpper(opts.method)
	if method != "" && method != http.MethodGet {
		resp, err := client.Do(ctx, method, p, nil, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if _, err := io.Copy(w, resp.Body); err != nil {
			return nil, err
		}
		return stdoutBody(file, &buf), nil
	}

	listener := downloadListener(a, client.Name(), p, opts.showBar)
	n, err := client.Download(ctx, p, w, listener)
	if err != nil {
		return nil, err
	}
	if file != nil {
		fmt.Fprintf(os.Stderr, "saved %s (%s)\n", file.Name(), humanize.Bytes(uint64(n)))
	}
	return stdoutBody(file, &buf), nil
}

func upload(ctx context.Context, a *app.App, client *service.Client, p string, w io.Writer, opts fetchOptions) error {
	var (
		body io.Reader
		size int64
	)
	if name, ok := strings.CutPrefix(opts.data, "@"); ok {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		body, size = f, info.Size()
	} else {
		body, size = strings.NewReader(opts.data), int64(len(opts.data))
	}

	listener := a.Metrics().Bytes(client.Name(), "upload")
	if opts.showBar {
		bar := printer.NewProgressBar(os.Stderr, "↑ "+p, 0)
		listener = combine(listener, bar.Listener())
	}
	resp, err := client.Upload(ctx, strings.ToUpper(opts.method), p, opts.contentType, body, size, listener)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func downloadListener(a *app.App, svc, p string, showBar bool) progress.Listener {
	listener := a.Metrics().Bytes(svc, "download")
	if !showBar {
		return listener
	}
	bar := printer.NewProgressBar(os.Stderr, "↓ "+p, 0)
	return combine(listener, bar.Listener())
}

func combine(listeners ...progress.Listener) progress.Listener {
	return func(ev progress.Event) {
		for _, l := range listeners {
			l(ev)
		}
	}
}

func stdoutBody(file *os.File, buf *bytes.Buffer) []byte {
	if file != nil {
		return nil
	}
	return buf.Bytes()
}

// outputName derives a file name from a request path.
func outputName(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	name := path.Base(strings.TrimSuffix(p, "/"))
	if name == "" || name == "." || name == "/" {
		return "index"
	}
	return name
}
