package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zetapush/zetapush-log-server/internal/engine"
	"github.com/zetapush/zetapush-log-server/internal/model"
)

// maxLine bounds one encoded event.
const maxLine = 4 << 20

var ErrInvalidEvent = errors.New("storage: invalid exported event")

// EventIterator provides an event-by-event view of an export.
type EventIterator interface {
	Next() bool
	Event() model.TraceEvent
	Error() error
	Close() error
}

// OpenExport opens an export file for iteration. filter may be nil.
func OpenExport(filename string, filter engine.Filter) (EventIterator, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	it, err := NewExportReader(f, filter)
	if err != nil {
		f.Close()
		return nil, err
	}
	it.closer = f
	return it, nil
}

// ExportReader iterates over the events of an export stream.
type ExportReader struct {
	decoder *zstd.Decoder
	scanner *bufio.Scanner
	filter  engine.Filter
	closer  io.Closer

	line int
	curr model.TraceEvent
	err  error
}

// NewExportReader reads an export from r. filter may be nil.
func NewExportReader(r io.Reader, filter engine.Filter) (*ExportReader, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &ExportReader{decoder: dec, scanner: scanner, filter: filter}, nil
}

func (it *ExportReader) Next() bool {
	if it.err != nil {
		return false
	}
	for it.scanner.Scan() {
		it.line++
		raw := it.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		ev, err := DecodeEvent(raw)
		if err != nil {
			it.err = fmt.Errorf("line %d: %w", it.line, err)
			return false
		}
		if it.filter != nil && !it.filter(ev) {
			continue
		}
		it.curr = ev
		return true
	}
	it.err = it.scanner.Err()
	return false
}

func (it *ExportReader) Event() model.TraceEvent {
	return it.curr
}

func (it *ExportReader) Error() error {
	return it.err
}

func (it *ExportReader) Close() error {
	it.decoder.Close()
	if it.closer != nil {
		return it.closer.Close()
	}
	return nil
}

// ReadExport returns every event of r that matches filter.
func ReadExport(r io.Reader, filter engine.Filter) ([]model.TraceEvent, error) {
	it, err := NewExportReader(r, filter)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var events []model.TraceEvent
	for it.Next() {
		events = append(events, it.Event())
	}
	return events, it.Error()
}

// DecodeEvent rebuilds an event from one export line.
func DecodeEvent(data []byte) (model.TraceEvent, error) {
	var rec exportRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.TraceEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if rec.Service == "" || len(rec.Trace) == 0 {
		return model.TraceEvent{}, fmt.Errorf("%w: missing service or trace", ErrInvalidEvent)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec.Trace, &fields); err != nil {
		return model.TraceEvent{}, fmt.Errorf("%w: trace: %v", ErrInvalidEvent, err)
	}

	var loc model.TraceLocation
	var ts int64
	if err := json.Unmarshal(fields[model.KeyLocation], &loc); err != nil {
		return model.TraceEvent{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, model.KeyLocation, err)
	}
	if err := json.Unmarshal(fields[model.KeyReceivedAt], &ts); err != nil {
		return model.TraceEvent{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, model.KeyReceivedAt, err)
	}
	delete(fields, model.KeyReceivedAt)
	// The service decoration is dropped; a payload value that differs from
	// the service is the trace's own field and stays.
	var own model.ServiceID
	if json.Unmarshal(fields[model.KeyService], &own) == nil && own == rec.Service {
		delete(fields, model.KeyService)
	}
	// The original location string is not kept in exports.
	fields[model.KeyLocation], _ = json.Marshal(loc.String())

	return model.NewTraceEvent(rec.Service, fields, loc, time.UnixMilli(ts)), nil
}
