// Package printer renders capture records and transfer progress on a terminal.
package printer

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/pkg/capture"
)

// Printer writes finished capture records.
type Printer interface {
	PrintRecord(*capture.Record) error
}

var recordCounter uint64

func nextRecordNumber() uint64 {
	return atomic.AddUint64(&recordCounter, 1)
}

// New returns the printer for the output mode. A nil out means stdout.
func New(mode string, log logger.Logger, cfg *config.OutputConfig, out io.Writer) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if out == nil {
		out = os.Stdout
	}
	switch mode {
	case "json":
		p := NewJSONPrinter(log)
		p.SetOutput(out)
		return p
	default:
		p := NewConsolePrinter(log, &cfg.BodyView)
		p.out = out
		return p
	}
}
