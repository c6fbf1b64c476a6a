package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/zetapush/zetapush-log-server/internal/model"
)

func TestCompileFilter(t *testing.T) {
	ev := model.NewTraceEvent("macro_1",
		map[string]json.RawMessage{
			"type": json.RawMessage(`"CMT"`),
			"n":    json.RawMessage(`3`),
			"data": json.RawMessage(`{"msg":"payment refused"}`),
		},
		model.TraceLocation{Recipe: "shop", Version: "1.2.0", Path: "src/pay.zms"},
		time.UnixMilli(1700000000000),
	)

	tests := []struct {
		query string
		want  bool
	}{
		{"", true},
		{"service:macro_1", true},
		{"serviceId:macro_1", true},
		{"recipe:shop AND path:src/*", true},
		{"version:2.0.0", false},
		{`location:"shop|1.2.0:src/pay.zms"`, true},
		{"type:cmt", true},
		{"n:3", true},
		{"receivedAt:1700000000000", true},
		{`"refused"`, true},
		{`"accepted"`, false},
		{"NOT service:macro_1", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			keep, err := CompileFilter(tt.query)
			if err != nil {
				t.Fatalf("CompileFilter: %v", err)
			}
			if got := keep(ev); got != tt.want {
				t.Errorf("filter(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestCompileFilterPayloadServiceID(t *testing.T) {
	ev := model.NewTraceEvent("macro_1",
		map[string]json.RawMessage{
			"serviceId": json.RawMessage(`"billing"`),
			"ts":        json.RawMessage(`42`),
		},
		model.TraceLocation{Recipe: "shop", Version: "1", Path: "a"},
		time.UnixMilli(1700000000000),
	)
	tests := []struct {
		query string
		want  bool
	}{
		{"serviceId:billing", true},
		{"serviceId:macro_1", false},
		{"service:macro_1", true},
		{"ts:42", true},
	}
	for _, tt := range tests {
		keep, err := CompileFilter(tt.query)
		if err != nil {
			t.Fatalf("CompileFilter(%q): %v", tt.query, err)
		}
		if got := keep(ev); got != tt.want {
			t.Errorf("filter(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestCompileFilterRejectsBadQuery(t *testing.T) {
	if _, err := CompileFilter("recipe:(shop"); err == nil {
		t.Error("expected a syntax error")
	}
}
