package printer

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/pkg/capture"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// ColorScheme color scheme
type ColorScheme struct {
	MethodGET      *color.Color
	MethodPOST     *color.Color
	MethodPUT      *color.Color
	MethodDELETE   *color.Color
	MethodPATCH    *color.Color
	HeaderKey      *color.Color
	HeaderValue    *color.Color
	Separator      *color.Color
	Timestamp      *color.Color
	BodyContent    *color.Color
	BinaryNotice   *color.Color
	TruncateNotice *color.Color
	StatusOK       *color.Color
	StatusRedirect *color.Color
	StatusError    *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:      color.New(color.FgBlue, color.Bold),
		MethodPOST:     color.New(color.FgGreen, color.Bold),
		MethodPUT:      color.New(color.FgYellow, color.Bold),
		MethodDELETE:   color.New(color.FgRed, color.Bold),
		MethodPATCH:    color.New(color.FgMagenta, color.Bold),
		HeaderKey:      color.New(color.FgCyan),
		HeaderValue:    color.New(color.FgWhite),
		Separator:      color.New(color.FgYellow, color.Bold),
		Timestamp:      color.New(color.FgHiBlack),
		BodyContent:    color.New(color.FgWhite),
		BinaryNotice:   color.New(color.FgHiRed, color.Bold),
		TruncateNotice: color.New(color.FgHiYellow, color.Bold),
		StatusOK:       color.New(color.FgGreen, color.Bold),
		StatusRedirect: color.New(color.FgCyan, color.Bold),
		StatusError:    color.New(color.FgRed, color.Bold),
	}
}

// ConsolePrinter renders records as raw HTTP exchanges.
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	view        *config.BodyViewConfig
	formatter   *bodyFormatter
	out         io.Writer
	// Width overrides terminal detection when positive.
	Width int

	mu sync.Mutex
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(log logger.Logger, view *config.BodyViewConfig) *ConsolePrinter {
	if view == nil {
		view = &config.BodyViewConfig{}
	}
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		view:        view,
		formatter:   newBodyFormatter(view, log),
		out:         os.Stdout,
	}
}

// terminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) terminalWidth() int {
	width := p.Width
	if width <= 0 {
		width = 80
		if f, ok := p.out.(*os.File); ok {
			if w, _, err := term.GetSize(int(f.Fd())); err == nil {
				width = w
			}
		}
	}
	if width < 40 {
		return 40
	}
	if width > 150 {
		return 150
	}
	return width
}

// wrapText wraps text to fit within maxWidth display cells, preserving words
func wrapText(text string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{text}
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	currentLine := words[0]
	currentWidth := runewidth.StringWidth(currentLine)
	for _, word := range words[1:] {
		wordWidth := runewidth.StringWidth(word)
		if currentWidth+1+wordWidth > maxWidth {
			lines = append(lines, currentLine)
			currentLine = word
			currentWidth = wordWidth
			continue
		}
		currentLine += " " + word
		currentWidth += 1 + wordWidth
	}
	return append(lines, currentLine)
}

// PrintRecord prints a capture record
func (p *ConsolePrinter) PrintRecord(rec *capture.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	num := nextRecordNumber()
	width := p.terminalWidth()

	p.printSummary(num, rec, width)
	p.printRequestLine(rec)
	p.printHeaders(rec.Request.Headers, width)
	fmt.Fprintln(p.out)
	p.printBody(rec.Request.Headers.Get("Content-Type"), rec.Request.Body, rec.Request.BodySize, rec.Request.IsText, rec.Request.Truncated)
	fmt.Fprintln(p.out)

	p.printStatusLine(rec)
	p.printHeaders(rec.Response.Headers, width)
	fmt.Fprintln(p.out)
	if !rec.Failed() {
		p.printBody(rec.Response.Headers.Get("Content-Type"), rec.Response.Body, rec.Response.BodySize, rec.Response.IsText, rec.Response.Truncated)
		if rec.Response.Incomplete {
			p.colorScheme.TruncateNotice.Fprintln(p.out, "[Body closed before it was fully read]")
		}
		if rec.Response.ReadError != "" {
			p.colorScheme.StatusError.Fprintf(p.out, "[Read error: %s]\n", rec.Response.ReadError)
		}
		fmt.Fprintln(p.out)
	}
	return nil
}

func (p *ConsolePrinter) printSummary(num uint64, rec *capture.Record, width int) {
	separator := strings.Repeat("-", width)
	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "Record #%d  [%s]  ", num, rec.Module)
	p.colorScheme.Timestamp.Fprintf(p.out, "%s  %s\n", rec.Timestamp.Format("2006-01-02T15:04:05-07:00"), rec.Bucket().Label())

	fmt.Fprint(p.out, "Elapsed: ")
	p.colorScheme.BodyContent.Fprintf(p.out, "%d ms", rec.Response.ElapsedMs)
	fmt.Fprint(p.out, " | Sent: ")
	p.colorScheme.BodyContent.Fprint(p.out, humanize.Bytes(uint64(rec.Request.BodySize)))
	fmt.Fprint(p.out, " | Received: ")
	p.colorScheme.BodyContent.Fprint(p.out, humanize.Bytes(uint64(rec.Response.BodySize)))
	fmt.Fprintln(p.out)
	p.colorScheme.Separator.Fprintln(p.out, separator)
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printRequestLine(rec *capture.Record) {
	method := strings.ToUpper(rec.Request.Method)
	p.methodColor(method).Fprintf(p.out, "%s ", method)
	fmt.Fprintln(p.out, rec.Request.URL)
}

func (p *ConsolePrinter) printStatusLine(rec *capture.Record) {
	c := p.colorScheme.StatusOK
	switch code := rec.Response.StatusCode; {
	case rec.Failed(), code >= 400:
		c = p.colorScheme.StatusError
	case code >= 300:
		c = p.colorScheme.StatusRedirect
	}
	c.Fprintf(p.out, "%s", rec.Response.StatusLine)
	p.colorScheme.Timestamp.Fprintf(p.out, " (%d ms)\n", rec.Response.ElapsedMs)
}

func (p *ConsolePrinter) printHeaders(headers http.Header, width int) {
	if len(headers) == 0 {
		return
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		if shouldSkipHeader(strings.ToLower(key)) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		p.printHeaderLine(key, strings.Join(headers[key], ", "), width)
	}
}

func (p *ConsolePrinter) printHeaderLine(key, value string, width int) {
	prefix := key + ": "
	prefixWidth := runewidth.StringWidth(prefix)
	available := width - prefixWidth
	if available < 20 {
		available = 20
	}

	wrapped := wrapText(value, available)
	p.colorScheme.HeaderKey.Fprint(p.out, prefix)
	p.colorScheme.HeaderValue.Fprintln(p.out, wrapped[0])

	indent := strings.Repeat(" ", prefixWidth)
	for _, line := range wrapped[1:] {
		fmt.Fprint(p.out, indent)
		p.colorScheme.HeaderValue.Fprintln(p.out, line)
	}
}

func (p *ConsolePrinter) printBody(contentType, body string, size int64, isText, truncated bool) {
	human := humanize.Bytes(uint64(size))
	if size == 0 && body == "" {
		p.colorScheme.BodyContent.Fprintf(p.out, "[Empty Body - %s]\n", human)
		return
	}
	if !isText {
		if contentType == "" {
			contentType = "unknown type"
		}
		p.colorScheme.BinaryNotice.Fprintf(p.out, "[Binary Body: %s, %s. Content skipped.]\n", contentType, human)
		return
	}

	formatted := p.formatter.Format(contentType, body)
	text := formatted.Text
	limit := p.view.MaxPreviewBytes
	if !p.view.FullBody && limit > 0 && len(text) > limit {
		text = text[:limit]
		formatted.Notices = append(formatted.Notices,
			fmt.Sprintf("Showing first %s of %s", humanize.Bytes(uint64(limit)), human))
	}
	if truncated {
		formatted.Notices = append(formatted.Notices,
			fmt.Sprintf("Captured body was truncated, original size %s", human))
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" {
			fmt.Fprintln(p.out)
			continue
		}
		p.colorScheme.BodyContent.Fprintln(p.out, trimmed)
	}
	for _, notice := range formatted.Notices {
		p.colorScheme.TruncateNotice.Fprintf(p.out, "[%s]\n", notice)
	}
}

// methodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) methodColor(method string) *color.Color {
	switch method {
	case "GET":
		return p.colorScheme.MethodGET
	case "POST":
		return p.colorScheme.MethodPOST
	case "PUT":
		return p.colorScheme.MethodPUT
	case "DELETE":
		return p.colorScheme.MethodDELETE
	case "PATCH":
		return p.colorScheme.MethodPATCH
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}

// shouldSkipHeader checks if header should be skipped from display
func shouldSkipHeader(key string) bool {
	switch key {
	case "connection", "keep-alive", "proxy-connection", "te", "trailer", "transfer-encoding", "upgrade":
		return true
	}
	return false
}
