package capture

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BucketWidth is the span of one time bucket in minutes.
const BucketWidth = 10

// Bucket is a ten-minute window of wall-clock time. An empty Date matches
// every day.
type Bucket struct {
	Date  string `json:"date,omitempty"`
	Hour  int    `json:"hour"`
	Start int    `json:"start"`
}

// BucketOf returns the bucket containing t. Boundaries follow the wall-clock
// minute, so captures at :09 and :10 land in different buckets.
func BucketOf(t time.Time) Bucket {
	return Bucket{
		Date:  t.Format("20060102"),
		Hour:  t.Hour(),
		Start: t.Minute() / BucketWidth * BucketWidth,
	}
}

// Label renders the bucket as "HH:M0-M9".
func (b Bucket) Label() string {
	return fmt.Sprintf("%02d:%02d-%02d", b.Hour, b.Start, b.Start+BucketWidth-1)
}

// Key is the filesystem-safe form "HH-M0".
func (b Bucket) Key() string {
	return fmt.Sprintf("%02d-%02d", b.Hour, b.Start)
}

func (b Bucket) String() string {
	if b.Date == "" {
		return b.Label()
	}
	return b.Date + " " + b.Label()
}

// Contains reports whether t falls inside the bucket.
func (b Bucket) Contains(t time.Time) bool {
	other := BucketOf(t)
	if b.Date != "" && b.Date != other.Date {
		return false
	}
	return b.Hour == other.Hour && b.Start == other.Start
}

func (b Bucket) before(o Bucket) bool {
	if b.Date != o.Date {
		return b.Date < o.Date
	}
	if b.Hour != o.Hour {
		return b.Hour < o.Hour
	}
	return b.Start < o.Start
}

// ParseBucket accepts "HH:M0-M9", "HH:MM", "HHMM", each optionally prefixed
// by a "yyyymmdd" date and a space or slash. Any minute maps to its bucket.
func ParseBucket(s string) (Bucket, error) {
	s = strings.TrimSpace(s)
	var b Bucket
	if i := strings.IndexAny(s, " /"); i > 0 {
		date := s[:i]
		if _, err := time.Parse("20060102", date); err != nil {
			return Bucket{}, fmt.Errorf("invalid bucket date %q", date)
		}
		b.Date = date
		s = strings.TrimSpace(s[i+1:])
	}
	if i := strings.IndexByte(s, '-'); i > 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, ":", "")
	if len(s) != 4 {
		return Bucket{}, fmt.Errorf("invalid bucket %q", s)
	}
	hour, err := strconv.Atoi(s[:2])
	if err != nil || hour < 0 || hour > 23 {
		return Bucket{}, fmt.Errorf("invalid bucket hour %q", s[:2])
	}
	minute, err := strconv.Atoi(s[2:])
	if err != nil || minute < 0 || minute > 59 {
		return Bucket{}, fmt.Errorf("invalid bucket minute %q", s[2:])
	}
	b.Hour = hour
	b.Start = minute / BucketWidth * BucketWidth
	return b, nil
}

// GroupKey derives the group-by-URL key: the URL up to the query string with
// any trailing slash removed.
func GroupKey(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		rawURL = rawURL[:i]
	}
	return strings.TrimRight(rawURL, "/")
}

// BucketGroup collects the records of one time bucket.
type BucketGroup struct {
	Bucket  Bucket    `json:"bucket"`
	Label   string    `json:"label"`
	Records []*Record `json:"records"`
}

// URLGroup collects the records sharing a GroupKey.
type URLGroup struct {
	Key     string    `json:"key"`
	Records []*Record `json:"records"`
}

// GroupByBucket groups records by time bucket, oldest bucket first.
func GroupByBucket(records []*Record) []BucketGroup {
	index := make(map[Bucket]int)
	var groups []BucketGroup
	for _, rec := range sortedByTime(records) {
		b := rec.Bucket()
		i, ok := index[b]
		if !ok {
			i = len(groups)
			index[b] = i
			groups = append(groups, BucketGroup{Bucket: b, Label: b.Label()})
		}
		groups[i].Records = append(groups[i].Records, rec)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Bucket.before(groups[j].Bucket) })
	return groups
}

// GroupByURL groups records by URL key, sorted by key.
func GroupByURL(records []*Record) []URLGroup {
	index := make(map[string]int)
	var groups []URLGroup
	for _, rec := range sortedByTime(records) {
		key := rec.URLGroup()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, URLGroup{Key: key})
		}
		groups[i].Records = append(groups[i].Records, rec)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups
}

// FilterBucket returns the records inside b.
func FilterBucket(records []*Record, b Bucket) []*Record {
	var out []*Record
	for _, rec := range records {
		if b.Contains(rec.Timestamp) {
			out = append(out, rec)
		}
	}
	return out
}

// FilterURL returns the records whose GroupKey equals key. The key itself is
// normalized first so callers may pass a full URL.
func FilterURL(records []*Record, key string) []*Record {
	key = GroupKey(key)
	var out []*Record
	for _, rec := range records {
		if rec.URLGroup() == key {
			out = append(out, rec)
		}
	}
	return out
}

func sortedByTime(records []*Record) []*Record {
	out := make([]*Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
