package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		input string
		want  TraceLocation
	}{
		{"recipe|1.0.0:src/main.zms", TraceLocation{"recipe", "1.0.0", "src/main.zms"}},
		{"com.example.chat|v2:path", TraceLocation{"com.example.chat", "v2", "path"}},
		{"|:", TraceLocation{}},
		{"a|b|c:d", TraceLocation{"a|b", "c", "d"}},
		{"a|b:c:d", TraceLocation{"a", "b:c", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLocation(tt.input)
			if err != nil {
				t.Fatalf("ParseLocation(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseLocation(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLocationMalformed(t *testing.T) {
	inputs := []string{
		"", "no-delimiters-here", "recipe|version", "recipe:path", "a:b|c",
		"a\n|v:p", "a|v:p\r", "a|v\u2028:p", "a|v:p\u2029",
	}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := ParseLocation(input)
			if err == nil {
				t.Fatalf("ParseLocation(%q) succeeded, want error", input)
			}
			if !errors.Is(err, ErrMalformedLocation) {
				t.Errorf("error %v does not wrap ErrMalformedLocation", err)
			}
			var malformed *MalformedTraceError
			if !errors.As(err, &malformed) || malformed.Location != input {
				t.Errorf("error %v is not a MalformedTraceError for %q", err, input)
			}
		})
	}
}

func TestLocationRoundTrip(t *testing.T) {
	locs := []TraceLocation{
		{"recipe", "1.0.0", "src/main.zms"},
		{"chat", "", "index"},
		{"a.b.c", "2019-01-01", "deep/nested/file.zms"},
	}
	for _, loc := range locs {
		got, err := ParseLocation(loc.String())
		if err != nil {
			t.Fatalf("ParseLocation(%q): %v", loc.String(), err)
		}
		if got != loc {
			t.Errorf("round trip of %+v gave %+v", loc, got)
		}
	}
}

func TestDirectoryEntryIsService(t *testing.T) {
	tests := []struct {
		entry DirectoryEntry
		want  bool
	}{
		{DirectoryEntry{ItemID: "macro", Type: "SERVICE", DeploymentID: "x"}, true},
		{DirectoryEntry{ItemID: "other", Type: "SERVICE", DeploymentID: "y"}, false},
		{DirectoryEntry{ItemID: "macro", Type: "RECIPE", DeploymentID: "z"}, false},
	}
	for _, tt := range tests {
		if got := tt.entry.IsService(); got != tt.want {
			t.Errorf("%+v.IsService() = %v, want %v", tt.entry, got, tt.want)
		}
	}
}

func TestTraceEventMarshalJSON(t *testing.T) {
	payload := map[string]json.RawMessage{
		"type":      json.RawMessage(`"USR"`),
		"n":         json.RawMessage(`3`),
		"location":  json.RawMessage(`"recipe|1:path"`),
		"ts":        json.RawMessage(`1546300799000`),
		"serviceId": json.RawMessage(`"from-payload"`),
	}
	at := time.UnixMilli(1546300800000)
	ev := NewTraceEvent("macro_0", payload, TraceLocation{"recipe", "1", "path"}, at)

	// The event must not alias the caller's map.
	payload["type"] = json.RawMessage(`"CHANGED"`)

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal(%s): %v", data, err)
	}
	if decoded["type"] != "USR" {
		t.Errorf("type = %v, want USR", decoded["type"])
	}
	if decoded["n"] != float64(3) {
		t.Errorf("n = %v, want 3", decoded["n"])
	}
	if decoded[KeyService] != "from-payload" {
		t.Errorf("serviceId = %v, want the payload value", decoded[KeyService])
	}
	if decoded["ts"] != float64(1546300799000) {
		t.Errorf("ts = %v, want the payload value", decoded["ts"])
	}
	if decoded[KeyReceivedAt] != float64(1546300800000) {
		t.Errorf("receivedAt = %v, want 1546300800000", decoded[KeyReceivedAt])
	}
	loc, ok := decoded[KeyLocation].(map[string]any)
	if !ok {
		t.Fatalf("location = %v, want object", decoded[KeyLocation])
	}
	if loc["recipe"] != "recipe" || loc["version"] != "1" || loc["path"] != "path" {
		t.Errorf("location = %v", loc)
	}
}

func TestTraceEventMarshalJSONAddsService(t *testing.T) {
	ev := NewTraceEvent("macro_0", map[string]json.RawMessage{"type": json.RawMessage(`"USR"`)},
		TraceLocation{"recipe", "1", "path"}, time.UnixMilli(0))
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal(%s): %v", data, err)
	}
	if decoded[KeyService] != "macro_0" {
		t.Errorf("serviceId = %v, want macro_0", decoded[KeyService])
	}
}
