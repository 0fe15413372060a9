package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type EventType string

const (
	EventAgentStart       EventType = "agent_start"
	EventAgentEnd         EventType = "agent_end"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventMessage          EventType = "message"
	EventProgress         EventType = "progress"
	EventAskUser          EventType = "ask_user"
	EventWorkflowComplete EventType = "workflow_complete"
	EventWorkflowFailed   EventType = "workflow_failed"
)

// Terminal reports whether the event ends a workflow run.
func (t EventType) Terminal() bool {
	return t == EventWorkflowComplete || t == EventWorkflowFailed
}

// EndsSession reports whether a live stream should stop after delivering this event.
func (t EventType) EndsSession() bool {
	return t.Terminal() || t == EventAskUser
}

// Payload is the type-specific part of an Event.
type Payload interface {
	EventType() EventType
}

type progressReporter interface {
	reportedProgress() *float64
}

// Step carries the fields shared by most per-agent events.
type Step struct {
	Agent    string   `json:"agent,omitempty"`
	Tool     string   `json:"tool,omitempty"`
	Content  string   `json:"content,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
}

func (s Step) reportedProgress() *float64 { return s.Progress }

type AgentStart struct {
	Step
	Message string          `json:"message,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
}

type AgentEnd struct {
	Step
	Output json.RawMessage `json:"output,omitempty"`
}

type ToolCall struct{ Step }

type ToolResult struct{ Step }

type Message struct{ Step }

type ProgressUpdate struct{ Step }

type AskUser struct {
	Question         string          `json:"question"`
	Options          []AskUserOption `json:"options,omitempty"`
	SelectionType    string          `json:"selectionType,omitempty"`
	AllowCustomInput bool            `json:"allowCustomInput"`
	Context          map[string]any  `json:"context,omitempty"`
	ThreadID         string          `json:"threadId,omitempty"`
	Content          string          `json:"content,omitempty"`
}

// Snapshot extracts what a human needs to answer the question.
func (a AskUser) Snapshot() *HitlSnapshot {
	return &HitlSnapshot{
		Question:         a.Question,
		Options:          a.Options,
		SelectionType:    a.SelectionType,
		AllowCustomInput: a.AllowCustomInput,
		Context:          a.Context,
	}
}

type WorkflowComplete struct {
	Content       string   `json:"content,omitempty"`
	CreativeID    *int64   `json:"creativeId,omitempty"`
	ImageAssetIDs []int64  `json:"imageAssetIds,omitempty"`
	Title         string   `json:"title,omitempty"`
	Body          string   `json:"body,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Progress      *float64 `json:"progress,omitempty"`
}

func (w WorkflowComplete) reportedProgress() *float64 { return w.Progress }

type WorkflowFailed struct {
	Content string `json:"content"`
}

// Generic keeps workflow-specific event kinds this package does not model.
type Generic struct {
	Kind   EventType
	Fields map[string]any
}

func (AgentStart) EventType() EventType       { return EventAgentStart }
func (AgentEnd) EventType() EventType         { return EventAgentEnd }
func (ToolCall) EventType() EventType         { return EventToolCall }
func (ToolResult) EventType() EventType       { return EventToolResult }
func (Message) EventType() EventType          { return EventMessage }
func (ProgressUpdate) EventType() EventType   { return EventProgress }
func (AskUser) EventType() EventType          { return EventAskUser }
func (WorkflowComplete) EventType() EventType { return EventWorkflowComplete }
func (WorkflowFailed) EventType() EventType   { return EventWorkflowFailed }
func (g Generic) EventType() EventType        { return g.Kind }

func (g Generic) reportedProgress() *float64 {
	raw, ok := g.Fields["progress"]
	if !ok {
		return nil
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		v = f
	default:
		return nil
	}
	return &v
}

// Event is one occurrence in a task's execution log.
// Index is the per-task eventIndex; it is meaningful only once the event is stored.
type Event struct {
	Index     int
	Timestamp time.Time
	Payload   Payload
}

// NewEvent stamps p with the current time.
func NewEvent(p Payload) Event {
	return Event{Timestamp: time.Now().UTC(), Payload: p}
}

func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// ReportedProgress returns the raw progress value carried by the event, if any.
func (e Event) ReportedProgress() (float64, bool) {
	pr, ok := e.Payload.(progressReporter)
	if !ok {
		return 0, false
	}
	p := pr.reportedProgress()
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return 0, false
	}
	return *p, true
}

// Agent returns the agent name for agent-scoped events.
func (e Event) Agent() string {
	switch p := e.Payload.(type) {
	case AgentStart:
		return p.Agent
	case AgentEnd:
		return p.Agent
	case ToolCall:
		return p.Agent
	case ToolResult:
		return p.Agent
	case Message:
		return p.Agent
	case ProgressUpdate:
		return p.Agent
	case Generic:
		if s, ok := p.Fields["agent"].(string); ok {
			return s
		}
	}
	return ""
}

// Summary is a one-line human description used by CLI observers.
func (e Event) Summary() string {
	switch p := e.Payload.(type) {
	case AskUser:
		return p.Question
	case WorkflowComplete:
		if p.Title != "" {
			return p.Title
		}
		return p.Content
	case WorkflowFailed:
		return p.Content
	case AgentStart:
		return p.Content
	case AgentEnd:
		return p.Content
	case ToolCall:
		return p.Content
	case ToolResult:
		return p.Content
	case Message:
		return p.Content
	case ProgressUpdate:
		return p.Content
	case Generic:
		if s, ok := p.Fields["content"].(string); ok {
			return s
		}
	}
	return ""
}

// fields flattens the payload into the wire map, without eventIndex.
func (e Event) fields() (map[string]any, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event has no payload")
	}

	m := make(map[string]any)
	if g, ok := e.Payload.(Generic); ok {
		for k, v := range g.Fields {
			m[k] = v
		}
	} else {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type(), err)
		}
		if err := decodeNumbers(data, &m); err != nil {
			return nil, fmt.Errorf("failed to flatten %s payload: %w", e.Type(), err)
		}
	}

	m["type"] = string(e.Type())
	m["timestamp"] = e.Timestamp.UnixMilli()
	return m, nil
}

// EncodeData returns the stored form of the event: the wire shape minus eventIndex.
func (e Event) EncodeData() ([]byte, error) {
	m, err := e.fields()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (e Event) MarshalJSON() ([]byte, error) {
	m, err := e.fields()
	if err != nil {
		return nil, err
	}
	m["eventIndex"] = e.Index
	return json.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := decodeNumbers(data, &m); err != nil {
		return err
	}

	kind, _ := m["type"].(string)
	if kind == "" {
		return fmt.Errorf("event is missing type")
	}
	delete(m, "type")

	e.Index = 0
	if n, ok := m["eventIndex"].(json.Number); ok {
		idx, err := n.Int64()
		if err != nil {
			return fmt.Errorf("invalid eventIndex: %w", err)
		}
		e.Index = int(idx)
	}
	delete(m, "eventIndex")

	e.Timestamp = time.Time{}
	if n, ok := m["timestamp"].(json.Number); ok {
		if ms, err := n.Int64(); err == nil {
			e.Timestamp = time.UnixMilli(ms).UTC()
		} else if f, err := n.Float64(); err == nil {
			e.Timestamp = time.UnixMilli(int64(f)).UTC()
		}
	}
	delete(m, "timestamp")

	p, err := decodePayload(EventType(kind), m)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}

// DecodeEvent rebuilds a stored event.
func DecodeEvent(index int, data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode event %d: %w", index, err)
	}
	e.Index = index
	return e, nil
}

func decodePayload(kind EventType, m map[string]any) (Payload, error) {
	var target Payload
	switch kind {
	case EventAgentStart:
		target = &AgentStart{}
	case EventAgentEnd:
		target = &AgentEnd{}
	case EventToolCall:
		target = &ToolCall{}
	case EventToolResult:
		target = &ToolResult{}
	case EventMessage:
		target = &Message{}
	case EventProgress:
		target = &ProgressUpdate{}
	case EventAskUser:
		target = &AskUser{}
	case EventWorkflowComplete:
		target = &WorkflowComplete{}
	case EventWorkflowFailed:
		target = &WorkflowFailed{}
	default:
		return Generic{Kind: kind, Fields: m}, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}

	switch p := target.(type) {
	case *AgentStart:
		return *p, nil
	case *AgentEnd:
		return *p, nil
	case *ToolCall:
		return *p, nil
	case *ToolResult:
		return *p, nil
	case *Message:
		return *p, nil
	case *ProgressUpdate:
		return *p, nil
	case *AskUser:
		return *p, nil
	case *WorkflowComplete:
		return *p, nil
	case *WorkflowFailed:
		return *p, nil
	}
	return nil, fmt.Errorf("unhandled event type %s", kind)
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
