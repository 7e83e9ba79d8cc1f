package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/pkg/capture"
)

const (
	fileExt        = ".jsonl"
	encryptedLabel = "enc:"
)

// fileStore keeps one JSON line per record under
// <root>/<module>/<yyyymmdd>/<HH>-<M0>.jsonl.
type fileStore struct {
	root string
	opts Options
	log  logger.Logger
	mu   sync.Mutex
}

// bucketFile is one on-disk bucket.
type bucketFile struct {
	path  string
	date  string
	key   string
	start time.Time
}

func newFileStore(opts Options, log logger.Logger) (Store, error) {
	root, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve capture path: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("prepare capture directory: %w", err)
	}
	return &fileStore{root: root, opts: opts, log: log}, nil
}

func (s *fileStore) Write(ctx context.Context, rec *capture.Record) error {
	if rec == nil {
		return fmt.Errorf("capture record is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := s.encodeLine(rec)
	if err != nil {
		return err
	}
	b := rec.Bucket()
	dir := filepath.Join(s.moduleDir(rec.Module), b.Date)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare bucket directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, b.Key()+fileExt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open bucket file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append record: %w", err)
	}
	return f.Close()
}

func (s *fileStore) Modules() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var modules []string
	for _, e := range entries {
		if e.IsDir() {
			modules = append(modules, e.Name())
		}
	}
	sort.Strings(modules)
	return modules, nil
}

func (s *fileStore) List(module string, q Query) ([]*capture.Record, int, error) {
	recs, err := s.load(module, q)
	if err != nil {
		return nil, 0, err
	}
	return page(recs, q), len(recs), nil
}

func (s *fileStore) Iterate(module string, q Query, fn func(*capture.Record) bool) error {
	recs, err := s.load(module, q)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !fn(rec) {
			break
		}
	}
	return nil
}

func (s *fileStore) Buckets(module string) ([]BucketCount, error) {
	recs, err := s.load(module, Query{})
	if err != nil {
		return nil, err
	}
	return countBuckets(recs), nil
}

func (s *fileStore) Get(module, id string) (*capture.Record, error) {
	var found *capture.Record
	err := s.Iterate(module, Query{}, func(rec *capture.Record) bool {
		if rec.ID == id {
			found = rec
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *fileStore) Clear(module string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.files(module)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		lines, err := readLines(f.path)
		if err != nil {
			return n, err
		}
		n += len(lines)
	}
	if err := os.RemoveAll(s.moduleDir(module)); err != nil {
		return n, fmt.Errorf("clear module %s: %w", module, err)
	}
	return n, nil
}

// Prune drops whole buckets older than the retention window, then trims each
// module to MaxRecords by removing its oldest lines.
func (s *fileStore) Prune(ctx context.Context) (int, error) {
	modules, err := s.Modules()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, module := range modules {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		n, err := s.pruneModule(module)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (s *fileStore) pruneModule(module string) (int, error) {
	files, err := s.files(module)
	if err != nil {
		return 0, err
	}
	// oldest first
	sort.Slice(files, func(i, j int) bool { return files[i].start.Before(files[j].start) })

	deleted := 0
	type counted struct {
		bucketFile
		lines [][]byte
	}
	var kept []counted
	cutoff := time.Time{}
	if s.opts.Retention > 0 {
		cutoff = s.opts.Clock().Add(-s.opts.Retention)
	}
	for _, f := range files {
		lines, err := readLines(f.path)
		if err != nil {
			return deleted, err
		}
		end := f.start.Add(capture.BucketWidth * time.Minute)
		if !cutoff.IsZero() && !end.After(cutoff) {
			if err := os.Remove(f.path); err != nil {
				return deleted, err
			}
			deleted += len(lines)
			continue
		}
		kept = append(kept, counted{bucketFile: f, lines: lines})
	}

	if s.opts.MaxRecords > 0 {
		total := 0
		for _, c := range kept {
			total += len(c.lines)
		}
		excess := total - s.opts.MaxRecords
		for _, c := range kept {
			if excess <= 0 {
				break
			}
			if len(c.lines) <= excess {
				if err := os.Remove(c.path); err != nil {
					return deleted, err
				}
				deleted += len(c.lines)
				excess -= len(c.lines)
				continue
			}
			if err := writeLines(c.path, c.lines[excess:]); err != nil {
				return deleted, err
			}
			deleted += excess
			excess = 0
		}
	}

	s.removeEmptyDirs(module)
	return deleted, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) moduleDir(module string) string {
	return filepath.Join(s.root, sanitizeModule(module))
}

// files lists the bucket files of module. Unrecognised names are ignored.
func (s *fileStore) files(module string) ([]bucketFile, error) {
	dir := s.moduleDir(module)
	dates, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []bucketFile
	for _, d := range dates {
		if !d.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(dir, d.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, fileExt) {
				continue
			}
			key := strings.TrimSuffix(name, fileExt)
			start, err := time.ParseInLocation("20060102 15-04", d.Name()+" "+key, time.Local)
			if err != nil {
				continue
			}
			out = append(out, bucketFile{
				path:  filepath.Join(dir, d.Name(), name),
				date:  d.Name(),
				key:   key,
				start: start,
			})
		}
	}
	return out, nil
}

// load reads and filters every record of module, newest first.
func (s *fileStore) load(module string, q Query) ([]*capture.Record, error) {
	files, err := s.files(module)
	if err != nil {
		return nil, err
	}
	if q.Bucket != nil && q.Bucket.Date != "" {
		key := q.Bucket.Key()
		narrowed := files[:0]
		for _, f := range files {
			if f.date == q.Bucket.Date && f.key == key {
				narrowed = append(narrowed, f)
			}
		}
		files = narrowed
	}

	var out []*capture.Record
	for _, f := range files {
		lines, err := readLines(f.path)
		if err != nil {
			return nil, err
		}
		for i, line := range lines {
			rec, err := s.decodeLine(line)
			if err != nil {
				s.log.Warn("Skipping malformed capture line", "file", f.path, "line", i+1, "error", err)
				continue
			}
			if matches(rec, q) {
				out = append(out, rec)
			}
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *fileStore) removeEmptyDirs(module string) {
	dir := s.moduleDir(module)
	dates, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, d := range dates {
		if !d.IsDir() {
			continue
		}
		p := filepath.Join(dir, d.Name())
		if entries, err := os.ReadDir(p); err == nil && len(entries) == 0 {
			_ = os.Remove(p)
		}
	}
}

func (s *fileStore) encodeLine(rec *capture.Record) ([]byte, error) {
	payload, err := capture.Encode(rec, s.opts.Cipher)
	if err != nil {
		return nil, err
	}
	if s.opts.Cipher != nil {
		payload = []byte(encryptedLabel + base64.StdEncoding.EncodeToString(payload))
	}
	return append(payload, '\n'), nil
}

func (s *fileStore) decodeLine(line []byte) (*capture.Record, error) {
	if rest, ok := bytes.CutPrefix(line, []byte(encryptedLabel)); ok {
		if s.opts.Cipher == nil {
			return nil, errors.New("encrypted record without a key")
		}
		sealed, err := base64.StdEncoding.DecodeString(string(rest))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", capture.ErrMalformedRecord, err)
		}
		return capture.Decode(sealed, s.opts.Cipher)
	}
	return capture.Decode(line, nil)
}

// readLines returns the non-empty lines of path without their terminators.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			lines = append(lines, trimmed)
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func writeLines(path string, lines [][]byte) error {
	tmp := path + ".tmp"
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// sanitizeModule maps a module name to a single safe path element.
func sanitizeModule(module string) string {
	module = strings.TrimSpace(module)
	if module == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range module {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "." || name == ".." {
		return "_"
	}
	return name
}
