package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ServiceID identifies a deployed service (a "macro" item) inside a sandbox.
type ServiceID string

// Server is the base URL of one node hosting the sandbox.
type Server string

// DirectoryEntry is one item of the sandbox directory listing.
type DirectoryEntry struct {
	ItemID       string    `json:"itemId"`
	Type         string    `json:"type"`
	DeploymentID ServiceID `json:"deploymentId"`
}

// IsService reports whether the entry is a tracked service.
func (e DirectoryEntry) IsService() bool {
	return e.ItemID == "macro" && e.Type == "SERVICE"
}

// Page is one page of the directory listing. The platform returns the
// pagination fields next to the content array.
type Page struct {
	Content    []DirectoryEntry `json:"content"`
	IsLast     bool             `json:"last"`
	PageNumber int              `json:"number"`
}

// ErrMalformedLocation is wrapped by every location parse failure.
var ErrMalformedLocation = errors.New("malformed trace location")

// MalformedTraceError reports a pushed trace whose location cannot be parsed.
type MalformedTraceError struct {
	Location string
}

func (e *MalformedTraceError) Error() string {
	return fmt.Sprintf("%v: %q (want <recipe>|<version>:<path>)", ErrMalformedLocation, e.Location)
}

func (e *MalformedTraceError) Unwrap() error { return ErrMalformedLocation }

// TraceLocation is the source position a trace was emitted from.
type TraceLocation struct {
	Recipe  string `json:"recipe"`
	Version string `json:"version"`
	Path    string `json:"path"`
}

// ParseLocation parses "<recipe>|<version>:<path>".
//
// Both separators match greedily: the path is everything after the last ':'
// and the recipe is everything before the last '|' preceding it. A location
// spans a single line, so line terminators are rejected.
func ParseLocation(s string) (TraceLocation, error) {
	if strings.ContainsAny(s, "\n\r\u2028\u2029") {
		return TraceLocation{}, &MalformedTraceError{Location: s}
	}
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return TraceLocation{}, &MalformedTraceError{Location: s}
	}
	pipe := strings.LastIndexByte(s[:colon], '|')
	if pipe < 0 {
		return TraceLocation{}, &MalformedTraceError{Location: s}
	}
	return TraceLocation{
		Recipe:  s[:pipe],
		Version: s[pipe+1 : colon],
		Path:    s[colon+1:],
	}, nil
}

// String encodes the location back into its wire form.
func (l TraceLocation) String() string {
	return l.Recipe + "|" + l.Version + ":" + l.Path
}

// Decoration keys added to every encoded event. KeyLocation and
// KeyReceivedAt override payload fields of the same name; KeyService is only
// written when the payload has no field of its own under that key.
const (
	KeyService    = "serviceId"
	KeyLocation   = "location"
	KeyReceivedAt = "receivedAt"
)

// TraceEvent is one trace pushed by a service, decorated on receipt.
// Values are immutable once built with NewTraceEvent.
type TraceEvent struct {
	Service    ServiceID
	Location   TraceLocation
	ReceivedAt time.Time

	payload map[string]json.RawMessage
}

// NewTraceEvent builds an event. The payload map is copied.
func NewTraceEvent(service ServiceID, payload map[string]json.RawMessage, loc TraceLocation, receivedAt time.Time) TraceEvent {
	p := make(map[string]json.RawMessage, len(payload))
	for k, v := range payload {
		p[k] = v
	}
	return TraceEvent{
		Service:    service,
		Location:   loc,
		ReceivedAt: receivedAt,
		payload:    p,
	}
}

// Field returns the raw JSON of a payload field.
func (e TraceEvent) Field(key string) (json.RawMessage, bool) {
	v, ok := e.payload[key]
	return v, ok
}

// Fields returns the payload keys in sorted order.
func (e TraceEvent) Fields() []string {
	keys := make([]string, 0, len(e.payload))
	for k := range e.payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON writes the payload fields flat, followed by the decoration
// keys.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for _, k := range e.Fields() {
		if k == KeyLocation || k == KeyReceivedAt {
			continue
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(e.payload[k])
		buf.WriteByte(',')
	}

	if _, own := e.payload[KeyService]; !own {
		service, err := json.Marshal(string(e.Service))
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, `%q:%s,`, KeyService, service)
	}
	loc, err := json.Marshal(e.Location)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, `%q:%s,%q:%d}`,
		KeyLocation, loc,
		KeyReceivedAt, e.ReceivedAt.UnixMilli())
	return buf.Bytes(), nil
}
