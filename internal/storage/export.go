package storage

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/funnyzak/tapkit/pkg/capture"
	"gopkg.in/yaml.v3"
)

// DescribeFormat returns the content type and file extension of an export format.
func DescribeFormat(format string) (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return "application/json", "json", nil
	case "csv":
		return "text/csv", "csv", nil
	case "yaml", "yml":
		return "application/yaml", "yaml", nil
	case "txt", "text":
		return "text/plain; charset=utf-8", "txt", nil
	default:
		return "", "", fmt.Errorf("unsupported export format: %s", format)
	}
}

// StreamExport writes every record yielded by seq to w in the given format.
func StreamExport(w io.Writer, seq iter.Seq[*capture.Record], format string) (string, string, error) {
	contentType, ext, err := DescribeFormat(format)
	if err != nil {
		return "", "", err
	}
	switch ext {
	case "json":
		err = streamJSON(w, seq)
	case "csv":
		err = streamCSV(w, seq)
	case "yaml":
		err = streamYAML(w, seq)
	case "txt":
		err = streamText(w, seq)
	}
	return contentType, ext, err
}

// Records adapts a store query to an export sequence.
func Records(store Store, module string, q Query) iter.Seq[*capture.Record] {
	return func(yield func(*capture.Record) bool) {
		_ = store.Iterate(module, q, yield)
	}
}

func streamJSON(w io.Writer, seq iter.Seq[*capture.Record]) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("["); err != nil {
		return err
	}
	first := true
	var werr error
	for rec := range seq {
		data, err := json.MarshalIndent(rec, "  ", "  ")
		if err != nil {
			werr = err
			break
		}
		if !first {
			bw.WriteString(",")
		}
		first = false
		bw.WriteString("\n  ")
		bw.Write(data)
	}
	if werr != nil {
		return werr
	}
	if !first {
		bw.WriteString("\n")
	}
	bw.WriteString("]\n")
	return bw.Flush()
}

func streamCSV(w io.Writer, seq iter.Seq[*capture.Record]) error {
	writer := csv.NewWriter(w)
	header := []string{
		"id", "module", "timestamp", "bucket", "method", "url", "status_line",
		"status_code", "elapsed_ms", "request_size", "response_size", "request_body", "response_body",
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for rec := range seq {
		line := []string{
			rec.ID,
			rec.Module,
			rec.Timestamp.Format(time.RFC3339),
			rec.Bucket().String(),
			rec.Request.Method,
			rec.Request.URL,
			rec.Response.StatusLine,
			strconv.Itoa(rec.Response.StatusCode),
			strconv.FormatInt(rec.Response.ElapsedMs, 10),
			strconv.FormatInt(rec.Request.BodySize, 10),
			strconv.FormatInt(rec.Response.BodySize, 10),
			rec.Request.Body,
			rec.Response.Body,
		}
		if err := writer.Write(line); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func streamYAML(w io.Writer, seq iter.Seq[*capture.Record]) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for rec := range seq {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return enc.Close()
}

func streamText(w io.Writer, seq iter.Seq[*capture.Record]) error {
	bw := bufio.NewWriter(w)
	for rec := range seq {
		fmt.Fprintf(bw, "Record %s [%s] %s\n", rec.ID, rec.Module, rec.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(bw, "%s %s\n", strings.ToUpper(rec.Request.Method), rec.Request.URL)
		writeHeaders(bw, rec.Request.Headers)
		if rec.Request.Body != "" {
			fmt.Fprintf(bw, "\n%s\n", rec.Request.Body)
		}
		fmt.Fprintf(bw, "\n%s (%d ms)\n", rec.Response.StatusLine, rec.Response.ElapsedMs)
		writeHeaders(bw, rec.Response.Headers)
		if rec.Response.Body != "" {
			fmt.Fprintf(bw, "\n%s\n", rec.Response.Body)
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

func writeHeaders(w io.Writer, h map[string][]string) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(w, "%s: %s\n", k, v)
		}
	}
}

// AllowedFormats normalizes configured export formats.
func AllowedFormats(formats []string) []string {
	set := make(map[string]struct{})
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}

	result := make([]string, 0, len(set))
	for f := range set {
		result = append(result, f)
	}
	sort.Strings(result)
	return result
}
