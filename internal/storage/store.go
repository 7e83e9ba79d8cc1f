package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/pkg/capture"
)

var (
	// ErrUnsupportedDriver indicates the configured driver is not available.
	ErrUnsupportedDriver = errors.New("unsupported storage driver")
	// ErrNotFound is returned by Get for unknown records.
	ErrNotFound = errors.New("capture record not found")
	// ErrSinkClosed is returned when writing to a closed AsyncSink.
	ErrSinkClosed = errors.New("capture sink closed")
)

// Query controls filtering and pagination when fetching records.
type Query struct {
	Bucket   *capture.Bucket
	URLGroup string
	Method   string
	Search   string
	Limit    int
	Offset   int
}

// BucketCount is one ten-minute window and how many records it holds.
type BucketCount struct {
	Bucket capture.Bucket `json:"-"`
	Date   string         `json:"date"`
	Label  string         `json:"label"`
	Count  int            `json:"count"`
}

// Store persists capture records grouped by module.
type Store interface {
	Write(ctx context.Context, rec *capture.Record) error
	Modules() ([]string, error)
	// List returns matching records newest first together with the total match count.
	List(module string, q Query) ([]*capture.Record, int, error)
	Iterate(module string, q Query, fn func(*capture.Record) bool) error
	Buckets(module string) ([]BucketCount, error)
	Get(module, id string) (*capture.Record, error)
	Clear(module string) (int, error)
	Prune(ctx context.Context) (int, error)
	Close() error
}

// Options configures a Store.
type Options struct {
	Driver     string
	Path       string
	MaxRecords int
	Retention  time.Duration
	Cipher     capture.Cipher
	Clock      func() time.Time
}

// OptionsFromConfig maps capture configuration onto store options.
func OptionsFromConfig(cfg *config.CaptureConfig) (Options, error) {
	if cfg == nil {
		return Options{}, errors.New("capture config is nil")
	}
	opts := Options{
		Driver:     cfg.Driver,
		Path:       cfg.Path,
		MaxRecords: cfg.MaxRecords,
		Retention:  cfg.Retention,
	}
	if key := strings.TrimSpace(cfg.EncryptionKey); key != "" {
		c, err := capture.NewCipher(key)
		if err != nil {
			return Options{}, fmt.Errorf("capture cipher: %w", err)
		}
		opts.Cipher = c
	}
	return opts, nil
}

// New instantiates a Store for the configured driver.
func New(opts Options, log logger.Logger) (Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("storage path cannot be empty")
	}
	switch driver := strings.ToLower(opts.Driver); driver {
	case "", "file":
		return newFileStore(opts, log)
	case "sqlite", "sqlite3":
		return newSQLiteStore(opts, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// matches applies the filters of q that a driver could not push down.
func matches(rec *capture.Record, q Query) bool {
	if q.Bucket != nil && !q.Bucket.Contains(rec.Timestamp) {
		return false
	}
	if q.URLGroup != "" && rec.URLGroup() != q.URLGroup {
		return false
	}
	if m := strings.TrimSpace(q.Method); m != "" && !strings.EqualFold(rec.Request.Method, m) {
		return false
	}
	if s := strings.ToLower(strings.TrimSpace(q.Search)); s != "" {
		if !strings.Contains(strings.ToLower(rec.Request.URL), s) &&
			!strings.Contains(strings.ToLower(rec.Request.Body), s) &&
			!strings.Contains(strings.ToLower(rec.Response.Body), s) &&
			!strings.Contains(strings.ToLower(rec.Response.StatusLine), s) {
			return false
		}
	}
	return true
}

// page slices a newest-first result set.
func page(recs []*capture.Record, q Query) []*capture.Record {
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return nil
	}
	recs = recs[offset:]
	if q.Limit > 0 && q.Limit < len(recs) {
		recs = recs[:q.Limit]
	}
	return recs
}

func sortNewestFirst(recs []*capture.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.After(recs[j].Timestamp)
	})
}

// countBuckets folds records into per-bucket counts, newest bucket first.
func countBuckets(recs []*capture.Record) []BucketCount {
	index := map[string]int{}
	var out []BucketCount
	for _, rec := range recs {
		b := rec.Bucket()
		key := b.String()
		if i, ok := index[key]; ok {
			out[i].Count++
			continue
		}
		index[key] = len(out)
		out = append(out, BucketCount{Bucket: b, Date: b.Date, Label: b.Label(), Count: 1})
	}
	// "yyyymmdd HH:M0-M9" sorts chronologically as a string
	sort.Slice(out, func(i, j int) bool {
		return out[i].Bucket.String() > out[j].Bucket.String()
	})
	return out
}
