package models

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func TestEventWireShape(t *testing.T) {
	ts := time.UnixMilli(1700000000000).UTC()

	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name:  "agent start",
			event: Event{Index: 3, Timestamp: ts, Payload: AgentStart{Step: Step{Agent: "planner", Progress: ptr(40.0)}}},
			want:  `{"agent":"planner","eventIndex":3,"progress":40,"timestamp":1700000000000,"type":"agent_start"}`,
		},
		{
			name:  "ask user",
			event: Event{Index: 0, Timestamp: ts, Payload: AskUser{Question: "Which cover?"}},
			want:  `{"allowCustomInput":false,"eventIndex":0,"question":"Which cover?","timestamp":1700000000000,"type":"ask_user"}`,
		},
		{
			name:  "workflow failed",
			event: Event{Index: 9, Timestamp: ts, Payload: WorkflowFailed{Content: "model timeout"}},
			want:  `{"content":"model timeout","eventIndex":9,"timestamp":1700000000000,"type":"workflow_failed"}`,
		},
		{
			name: "generic",
			event: Event{Index: 2, Timestamp: ts, Payload: Generic{Kind: "image_ready", Fields: map[string]any{
				"assetId": json.Number("9"),
				"agent":   "painter",
			}}},
			want: `{"agent":"painter","assetId":9,"eventIndex":2,"timestamp":1700000000000,"type":"image_ready"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, data)
			}

			stored, err := tt.event.EncodeData()
			if err != nil {
				t.Fatalf("EncodeData failed: %v", err)
			}
			if strings.Contains(string(stored), "eventIndex") {
				t.Errorf("Stored form should not carry eventIndex: %s", stored)
			}

			var back Event
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if back.Index != tt.event.Index || !back.Timestamp.Equal(ts) || back.Type() != tt.event.Type() {
				t.Errorf("Unexpected decoded event: %+v", back)
			}
		})
	}
}

func TestEventUnknownTypeFallsBackToGeneric(t *testing.T) {
	raw := `{"type":"image_ready","eventIndex":4,"timestamp":12,"agent":"painter","content":"cover done","progress":55.5,"assetId":9}`

	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	g, ok := e.Payload.(Generic)
	if !ok {
		t.Fatalf("Expected Generic payload, got %T", e.Payload)
	}
	if g.Kind != "image_ready" || e.Type() != "image_ready" {
		t.Errorf("Unexpected kind %q", g.Kind)
	}
	if _, ok := g.Fields["type"]; ok {
		t.Error("type should not be kept in Fields")
	}
	if e.Agent() != "painter" || e.Summary() != "cover done" {
		t.Errorf("Unexpected agent/summary: %q %q", e.Agent(), e.Summary())
	}
	if p, ok := e.ReportedProgress(); !ok || p != 55.5 {
		t.Errorf("Expected progress 55.5, got %v %v", p, ok)
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"agent":"painter","assetId":9,"content":"cover done","eventIndex":4,"progress":55.5,"timestamp":12,"type":"image_ready"}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}
}

func TestEventUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing type", `{"eventIndex":1}`},
		{"fractional index", `{"type":"message","eventIndex":1.5}`},
		{"bad payload", `{"type":"ask_user","question":7}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e Event
			if err := json.Unmarshal([]byte(tt.raw), &e); err == nil {
				t.Errorf("Expected error for %s", tt.raw)
			}
		})
	}

	if _, err := (Event{}).EncodeData(); err == nil {
		t.Error("Expected error encoding an event without payload")
	}
}

func TestDecodeEventUsesStoredIndex(t *testing.T) {
	e, err := DecodeEvent(7, []byte(`{"type":"message","content":"hi","timestamp":1}`))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if e.Index != 7 || e.Summary() != "hi" {
		t.Errorf("Unexpected event: %+v", e)
	}
}

func TestReportedProgress(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    float64
		wantOK  bool
	}{
		{"step", ProgressUpdate{Step: Step{Progress: ptr(62.5)}}, 62.5, true},
		{"step without progress", Message{Step: Step{Content: "hi"}}, 0, false},
		{"workflow complete", WorkflowComplete{Progress: ptr(100.0)}, 100, true},
		{"ask user never reports", AskUser{Question: "?"}, 0, false},
		{"nan", ProgressUpdate{Step: Step{Progress: ptr(math.NaN())}}, 0, false},
		{"positive inf", AgentEnd{Step: Step{Progress: ptr(math.Inf(1))}}, 0, false},
		{"negative inf", ToolCall{Step: Step{Progress: ptr(math.Inf(-1))}}, 0, false},
		{"generic number", Generic{Kind: "x", Fields: map[string]any{"progress": json.Number("30")}}, 30, true},
		{"generic float", Generic{Kind: "x", Fields: map[string]any{"progress": 12.0}}, 12, true},
		{"generic int", Generic{Kind: "x", Fields: map[string]any{"progress": 8}}, 8, true},
		{"generic overflow", Generic{Kind: "x", Fields: map[string]any{"progress": json.Number("1e400")}}, 0, false},
		{"generic nan", Generic{Kind: "x", Fields: map[string]any{"progress": math.NaN()}}, 0, false},
		{"generic string", Generic{Kind: "x", Fields: map[string]any{"progress": "50"}}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Event{Payload: tt.payload}.ReportedProgress()
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ReportedProgress() = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestEventTypeClassification(t *testing.T) {
	tests := []struct {
		kind     EventType
		terminal bool
		ends     bool
	}{
		{EventWorkflowComplete, true, true},
		{EventWorkflowFailed, true, true},
		{EventAskUser, false, true},
		{EventProgress, false, false},
		{"image_ready", false, false},
	}
	for _, tt := range tests {
		if tt.kind.Terminal() != tt.terminal || tt.kind.EndsSession() != tt.ends {
			t.Errorf("%s: Terminal=%v EndsSession=%v", tt.kind, tt.kind.Terminal(), tt.kind.EndsSession())
		}
	}
}
