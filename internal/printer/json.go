package printer

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/pkg/capture"
)

// JSONPrinter writes one JSON object per record.
type JSONPrinter struct {
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
	mu      sync.Mutex
}

// NewJSONPrinter creates a JSON line printer on stdout.
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the destination writer.
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = w
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.encoder = encoder
}

type jsonRecordEnvelope struct {
	Type   string          `json:"type"`
	Seq    uint64          `json:"seq"`
	Bucket string          `json:"bucket"`
	Record *capture.Record `json:"record"`
}

// PrintRecord encodes rec as a single line.
func (p *JSONPrinter) PrintRecord(rec *capture.Record) error {
	env := jsonRecordEnvelope{
		Type:   "capture",
		Seq:    nextRecordNumber(),
		Bucket: rec.Bucket().String(),
		Record: rec,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.encoder.Encode(env); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode record JSON", "error", err)
		}
		return err
	}
	return nil
}
