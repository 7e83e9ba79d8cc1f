package capture

import (
	"bytes"
	"testing"
	"time"
)

func at(hour, minute, second int) time.Time {
	return time.Date(2026, 10, 17, hour, minute, second, 0, time.Local)
}

func recordAt(ts time.Time, url string) *Record {
	rec := NewRecord("demo", ts)
	rec.Request.URL = url
	return rec
}

func TestBucketOf(t *testing.T) {
	b := BucketOf(at(14, 10, 37))
	if b.Label() != "14:10-19" || b.Key() != "14-10" || b.Date != "20261017" {
		t.Fatalf("unexpected bucket %+v label=%s", b, b.Label())
	}
	if BucketOf(at(14, 9, 59)).Label() != "14:00-09" {
		t.Fatal(":09 must stay in the first bucket")
	}
	if BucketOf(at(14, 59, 0)).Label() != "14:50-59" {
		t.Fatal("unexpected last bucket")
	}
}

func TestFilterBucket(t *testing.T) {
	rec := recordAt(at(14, 10, 37), "https://x/a")
	records := []*Record{rec}

	for _, tc := range []struct {
		label string
		want  int
	}{
		{"14:10-19", 1},
		{"14:00-09", 0},
		{"14:20-29", 0},
		{"20261017 14:10-19", 1},
		{"20261016/14:10-19", 0},
	} {
		b, err := ParseBucket(tc.label)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.label, err)
		}
		if got := len(FilterBucket(records, b)); got != tc.want {
			t.Fatalf("bucket %s: got %d records, want %d", tc.label, got, tc.want)
		}
	}
}

func TestParseBucket(t *testing.T) {
	for _, in := range []string{"14:10-19", "14:13", "1415", " 14:10 "} {
		b, err := ParseBucket(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if b.Hour != 14 || b.Start != 10 || b.Date != "" {
			t.Fatalf("parse %q: unexpected bucket %+v", in, b)
		}
	}
	for _, in := range []string{"", "24:00", "14:60", "abc", "2026-10-17 14:10"} {
		if _, err := ParseBucket(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestGroupKey(t *testing.T) {
	cases := map[string]string{
		"https://x/a/b?x=1":  "https://x/a/b",
		"https://x/a/b/":     "https://x/a/b",
		"https://x/a/b/?q=2": "https://x/a/b",
		"https://x":          "https://x",
	}
	for in, want := range cases {
		if got := GroupKey(in); got != want {
			t.Fatalf("GroupKey(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestGroupByURL(t *testing.T) {
	records := []*Record{
		recordAt(at(10, 1, 0), "https://x/b?page=2"),
		recordAt(at(10, 0, 0), "https://x/a"),
		recordAt(at(10, 2, 0), "https://x/b/"),
	}
	groups := GroupByURL(records)
	if len(groups) != 2 {
		t.Fatalf("expected 2 url groups, got %d", len(groups))
	}
	if groups[0].Key != "https://x/a" || groups[1].Key != "https://x/b" || len(groups[1].Records) != 2 {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if !groups[1].Records[0].Timestamp.Before(groups[1].Records[1].Timestamp) {
		t.Fatal("records inside a group must be ordered by time")
	}
	if len(FilterURL(records, "https://x/b?other=1")) != 2 {
		t.Fatal("FilterURL should normalize its key")
	}
}

func TestGroupByBucket(t *testing.T) {
	records := []*Record{
		recordAt(at(9, 15, 0), "https://x/a"),
		recordAt(at(9, 9, 0), "https://x/a"),
		recordAt(at(9, 10, 0), "https://x/a"),
		recordAt(at(8, 55, 0), "https://x/a"),
	}
	groups := GroupByBucket(records)
	var labels []string
	for _, g := range groups {
		labels = append(labels, g.Label)
	}
	want := []string{"08:50-59", "09:00-09", "09:10-19"}
	if len(labels) != len(want) {
		t.Fatalf("unexpected buckets %v", labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("unexpected buckets %v", labels)
		}
	}
	if len(groups[2].Records) != 2 {
		t.Fatalf("expected :10 and :15 together, got %d", len(groups[2].Records))
	}
}

func TestEncodeDecodeWithCipher(t *testing.T) {
	c, err := NewCipher("s3cret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	rec := recordAt(at(12, 0, 0), "https://x/a?b=1")
	rec.Response.StatusLine = "HTTP/1.1 200 OK"
	rec.Response.Body = `{"ok":true}`

	sealed, err := Encode(rec, c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Contains(sealed, []byte("HTTP/1.1")) {
		t.Fatal("sealed payload leaks plaintext")
	}
	got, err := Decode(sealed, c)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != rec.ID || got.Request.URL != rec.Request.URL || got.Response.Body != rec.Response.Body || !got.Timestamp.Equal(rec.Timestamp) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	other, _ := NewCipher("different")
	if _, err := Decode(sealed, other); err == nil {
		t.Fatal("expected decrypt failure with the wrong key")
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := Decode(sealed, c); err == nil {
		t.Fatal("expected decrypt failure for tampered payload")
	}
	if _, err := NewCipher(""); err != ErrEmptySecret {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json"), nil); err == nil {
		t.Fatal("expected malformed record error")
	}
	if _, err := Decode([]byte(`{}`), nil); err != ErrMalformedRecord {
		t.Fatalf("expected ErrMalformedRecord for empty record, got %v", err)
	}
}
