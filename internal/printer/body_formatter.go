package printer

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net/url"
	"sort"
	"strings"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/mattn/go-runewidth"
	nethtml "golang.org/x/net/html"
)

type formattedBody struct {
	Text    string
	Notices []string
}

// bodyStyle renders one family of content types. A style whose render fails
// either passes the body through untouched (keepOnError) or lets the next
// style try.
type bodyStyle struct {
	name        string
	enabled     func(*config.BodyViewConfig) bool
	match       func(mediaType string, body []byte) bool
	render      func(body []byte) (string, error)
	keepOnError bool
}

var bodyStyles = []bodyStyle{
	{
		name:    "json",
		enabled: func(c *config.BodyViewConfig) bool { return c.PrettyJSON },
		match:   looksLikeJSON,
		render:  indentJSON,
	},
	{
		name:    "form",
		enabled: func(*config.BodyViewConfig) bool { return true },
		match: func(mediaType string, _ []byte) bool {
			return mediaType == "application/x-www-form-urlencoded"
		},
		render: func(body []byte) (string, error) {
			values, err := url.ParseQuery(string(body))
			if err != nil {
				return "", err
			}
			return formTable(values), nil
		},
	},
	{
		name:        "xml",
		enabled:     func(c *config.BodyViewConfig) bool { return c.PrettyXML },
		match:       func(mediaType string, _ []byte) bool { return strings.Contains(mediaType, "xml") },
		render:      prettyXML,
		keepOnError: true,
	},
	{
		name:    "html",
		enabled: func(c *config.BodyViewConfig) bool { return c.PrettyHTML },
		match: func(mediaType string, body []byte) bool {
			return strings.Contains(mediaType, "html") || looksLikeHTML(body)
		},
		render:      prettyHTML,
		keepOnError: true,
	},
}

type bodyFormatter struct {
	cfg    *config.BodyViewConfig
	logger logger.Logger
}

func newBodyFormatter(cfg *config.BodyViewConfig, log logger.Logger) *bodyFormatter {
	if cfg == nil {
		cfg = &config.BodyViewConfig{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &bodyFormatter{cfg: cfg, logger: log}
}

// Format pretty-prints a captured text body according to its content type.
func (f *bodyFormatter) Format(contentType, body string) formattedBody {
	if f == nil || body == "" {
		return formattedBody{}
	}
	raw := []byte(body)
	mediaType := normalizeMediaType(contentType)
	for _, style := range bodyStyles {
		if !style.enabled(f.cfg) || !style.match(mediaType, raw) {
			continue
		}
		// xml and html may carry stray control bytes that break their parsers
		input := raw
		if style.keepOnError {
			input = stripControlBytes(raw)
		}
		text, err := style.render(input)
		if err == nil {
			return formattedBody{Text: text}
		}
		f.logger.Debug("body render failed", "style", style.name, "error", err)
		if style.keepOnError {
			return formattedBody{Text: string(input)}
		}
	}
	return formattedBody{Text: body}
}

func indentJSON(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return "", errors.New("invalid json")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// formTable lays out form values as a two column table.
func formTable(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	width := runewidth.StringWidth("Key")
	for k := range values {
		keys = append(keys, k)
		width = max(width, runewidth.StringWidth(k))
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Form data:\n")
	row := func(key, value string) {
		fmt.Fprintf(&b, "%s │ %s\n", runewidth.FillRight(key, width), value)
	}
	row("Key", "Value")
	b.WriteString(strings.Repeat("─", width) + "─┼" + strings.Repeat("─", 40) + "\n")
	for _, k := range keys {
		row(k, strings.Join(values[k], ", "))
	}
	return b.String()
}

func normalizeMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(mediaType)
}

func looksLikeJSON(mediaType string, body []byte) bool {
	if strings.Contains(mediaType, "json") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) < 2 {
		return false
	}
	switch trimmed[0] {
	case '{':
		return trimmed[len(trimmed)-1] == '}'
	case '[':
		return trimmed[len(trimmed)-1] == ']'
	}
	return false
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body))
	return bytes.HasPrefix(head, []byte("<html")) || bytes.HasPrefix(head, []byte("<!doc"))
}

func stripControlBytes(b []byte) []byte {
	return bytes.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, b)
}

func prettyXML(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if err := enc.EncodeToken(tok); err != nil {
			return "", err
		}
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func prettyHTML(data []byte) (string, error) {
	doc, err := nethtml.Parse(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	w := &htmlIndenter{}
	w.node(doc, 0)
	return w.String(), nil
}

// htmlIndenter prints a parsed document one tag or text run per line.
type htmlIndenter struct {
	strings.Builder
}

func (w *htmlIndenter) line(depth int, s string) {
	w.WriteString(strings.Repeat("  ", depth))
	w.WriteString(s)
	w.WriteByte('\n')
}

func (w *htmlIndenter) node(n *nethtml.Node, depth int) {
	switch n.Type {
	case nethtml.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.node(c, depth)
		}
	case nethtml.ElementNode:
		var open strings.Builder
		open.WriteString("<" + n.Data)
		for _, a := range n.Attr {
			fmt.Fprintf(&open, ` %s="%s"`, a.Key, html.EscapeString(a.Val))
		}
		if isVoidElement(n.Data) {
			w.line(depth, open.String()+" />")
			return
		}
		w.line(depth, open.String()+">")
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.node(c, depth+1)
		}
		w.line(depth, "</"+n.Data+">")
	case nethtml.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			w.line(depth, text)
		}
	case nethtml.CommentNode:
		w.line(depth, "<!--"+strings.TrimSpace(n.Data)+"-->")
	}
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

func isVoidElement(tag string) bool {
	return voidElements[strings.ToLower(tag)]
}
