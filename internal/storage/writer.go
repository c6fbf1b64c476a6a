package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zetapush/zetapush-log-server/internal/model"
)

// ExportExt is the file extension of trace exports.
const ExportExt = ".ndjson.zst"

// ExportName returns the file name of an export taken at t.
func ExportName(t time.Time) string {
	return "traces-" + t.UTC().Format("20060102T150405Z") + ExportExt
}

// exportRecord is one line of an export. The service is kept next to the
// trace so a payload field named like the service decoration cannot hide it.
type exportRecord struct {
	Service model.ServiceID `json:"service"`
	Trace   json.RawMessage `json:"trace"`
}

// ExportWriter writes traces as zstd-compressed newline-delimited JSON, one
// event per line. The trace object uses the same encoding as the HTTP API.
type ExportWriter struct {
	level zstd.EncoderLevel
}

// NewExportWriter creates a writer. level is one of "fastest", "default",
// "better" or "best"; empty means default.
func NewExportWriter(level string) (*ExportWriter, error) {
	if level == "" {
		level = "default"
	}
	ok, lvl := zstd.EncoderLevelFromString(level)
	if !ok {
		return nil, fmt.Errorf("storage: unknown zstd level %q", level)
	}
	return &ExportWriter{level: lvl}, nil
}

// WriteEvents writes events to w and returns the number written.
func (ew *ExportWriter) WriteEvents(w io.Writer, events []model.TraceEvent) (int, error) {
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(ew.level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return 0, err
	}

	buf := bufio.NewWriter(enc)
	n := 0
	for _, ev := range events {
		trace, err := json.Marshal(ev)
		if err != nil {
			enc.Close()
			return n, fmt.Errorf("storage: encoding event %d: %w", n, err)
		}
		line, err := json.Marshal(exportRecord{Service: ev.Service, Trace: trace})
		if err != nil {
			enc.Close()
			return n, fmt.Errorf("storage: encoding event %d: %w", n, err)
		}
		buf.Write(line)
		if err := buf.WriteByte('\n'); err != nil {
			enc.Close()
			return n, err
		}
		n++
	}
	if err := buf.Flush(); err != nil {
		enc.Close()
		return n, err
	}
	return n, enc.Close()
}
