package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/zetapush/zetapush-log-server/internal/model"
	"github.com/zetapush/zetapush-log-server/internal/pkg/nanoql"
)

// Filter reports whether an event should be kept.
type Filter func(model.TraceEvent) bool

// CompileFilter parses a query into a Filter. A blank query keeps
// everything.
//
// Known fields are service, recipe, version, path, location and receivedAt;
// any other key is looked up in the trace payload. serviceId matches the
// payload field when the trace carries one, like the JSON encoding.
func CompileFilter(query string) (Filter, error) {
	node, err := nanoql.Parse(query)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return func(model.TraceEvent) bool { return true }, nil
	}
	return func(ev model.TraceEvent) bool {
		return nanoql.Match(node, traceRecord{ev})
	}, nil
}

// traceRecord exposes a TraceEvent to the query evaluator.
type traceRecord struct {
	ev model.TraceEvent
}

func (r traceRecord) Field(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "service", "svc":
		return string(r.ev.Service), true
	case "recipe":
		return r.ev.Location.Recipe, true
	case "version":
		return r.ev.Location.Version, true
	case "path":
		return r.ev.Location.Path, true
	case model.KeyLocation:
		return r.ev.Location.String(), true
	case strings.ToLower(model.KeyReceivedAt):
		return strconv.FormatInt(r.ev.ReceivedAt.UnixMilli(), 10), true
	}
	raw, ok := r.ev.Field(name)
	if !ok {
		if strings.EqualFold(name, model.KeyService) {
			return string(r.ev.Service), true
		}
		return "", false
	}
	return rawText(raw), true
}

func (r traceRecord) Text() []string {
	fields := r.ev.Fields()
	out := make([]string, 0, len(fields)+2)
	out = append(out, string(r.ev.Service), r.ev.Location.String())
	for _, key := range fields {
		raw, _ := r.ev.Field(key)
		out = append(out, rawText(raw))
	}
	return out
}

// rawText returns JSON strings unquoted and any other value as written.
func rawText(raw json.RawMessage) string {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
