package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FailedPrefix starts the status line of exchanges that never got a response.
const FailedPrefix = "HTTP FAILED: "

// NonText replaces the body of payloads that are not plain text.
const NonText = "non-text"

// Record is a snapshot of one request/response exchange.
type Record struct {
	ID        string       `json:"id" yaml:"id"`
	Module    string       `json:"module" yaml:"module"`
	Timestamp time.Time    `json:"timestamp" yaml:"timestamp"`
	Clock     string       `json:"clock" yaml:"clock"`
	Request   RequestMeta  `json:"request" yaml:"request"`
	Response  ResponseMeta `json:"response" yaml:"response"`
}

// RequestMeta describes the outgoing half of an exchange.
type RequestMeta struct {
	Method     string              `json:"method" yaml:"method"`
	URL        string              `json:"url" yaml:"url"`
	Headers    http.Header         `json:"headers,omitempty" yaml:"headers,omitempty"`
	BodyParams map[string][]string `json:"body_params,omitempty" yaml:"body_params,omitempty"`
	Body       string              `json:"body,omitempty" yaml:"body,omitempty"`
	BodySize   int64               `json:"body_size" yaml:"body_size"`
	IsText     bool                `json:"is_text" yaml:"is_text"`
	Truncated  bool                `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

// ResponseMeta describes the incoming half of an exchange.
type ResponseMeta struct {
	StatusLine string      `json:"status_line" yaml:"status_line"`
	StatusCode int         `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	ElapsedMs  int64       `json:"elapsed_ms" yaml:"elapsed_ms"`
	Headers    http.Header `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body       string      `json:"body,omitempty" yaml:"body,omitempty"`
	BodySize   int64       `json:"body_size" yaml:"body_size"`
	IsText     bool        `json:"is_text" yaml:"is_text"`
	Truncated  bool        `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	// Incomplete is set when the caller closed the body before EOF.
	Incomplete bool   `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
	ReadError  string `json:"read_error,omitempty" yaml:"read_error,omitempty"`
}

// NewRecord starts a record for module stamped at ts.
func NewRecord(module string, ts time.Time) *Record {
	return &Record{
		ID:        uuid.New().String(),
		Module:    module,
		Timestamp: ts,
		Clock:     ts.Format("15:04"),
	}
}

// Bucket returns the ten-minute window the record falls into.
func (r *Record) Bucket() Bucket {
	return BucketOf(r.Timestamp)
}

// URLGroup returns the key used by the group-by-URL view.
func (r *Record) URLGroup() string {
	return GroupKey(r.Request.URL)
}

// Failed reports whether the exchange ended in a transport error.
func (r *Record) Failed() bool {
	return strings.HasPrefix(r.Response.StatusLine, FailedPrefix)
}

// ErrMalformedRecord is returned by Decode for payloads that are not records.
var ErrMalformedRecord = errors.New("capture: malformed record")

// Encode serializes rec and, when c is non-nil, encrypts the result.
func Encode(rec *Record, c Cipher) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if c == nil {
		return data, nil
	}
	sealed, err := c.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("encrypt record: %w", err)
	}
	return sealed, nil
}

// Decode is the inverse of Encode.
func Decode(payload []byte, c Cipher) (*Record, error) {
	if c != nil {
		plain, err := c.Decrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("decrypt record: %w", err)
		}
		payload = plain
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if rec.ID == "" {
		return nil, ErrMalformedRecord
	}
	return &rec, nil
}
