// Package events defines the typed run-stream events and their wire framing.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Type tags every event on the run stream.
type Type string

const (
	TypeStatus            Type = "status"
	TypeThinking          Type = "thinking"
	TypeContent           Type = "content"
	TypeToolCall          Type = "tool_call"
	TypeToolResult        Type = "tool_result"
	TypePlanCreated       Type = "plan_created"
	TypePlanRevised       Type = "plan_revised"
	TypeTaskStart         Type = "task_start"
	TypeTaskComplete      Type = "task_complete"
	TypeTaskFailed        Type = "task_failed"
	TypeProgressUpdate    Type = "progress_update"
	TypeReasoningDecision Type = "reasoning_decision"
	TypeConfirmRequired   Type = "confirm_required"
	TypeError             Type = "error"
	TypeDone              Type = "done"
	TypePing              Type = "ping"
)

// Event is one frame on the run stream. Data always carries sessionId,
// timestamp and iteration alongside the type-specific fields.
type Event struct {
	Type Type           `json:"type"`
	Data map[string]any `json:"data"`
}

// New builds an event with the common fields filled in.
func New(t Type, sessionID string, iteration int, fields map[string]any) Event {
	data := map[string]any{
		"sessionId": sessionID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"iteration": iteration,
	}
	for k, v := range fields {
		data[k] = v
	}
	return Event{Type: t, Data: data}
}

// DoneStatus values carried by the terminal done event.
const (
	DoneSuccess    = "success"
	DoneIncomplete = "incomplete"
	DoneCancelled  = "cancelled"
	DoneTimeout    = "timeout"
	DoneFailed     = "failed"
)

// EncodeFrame renders the line-oriented wire form: a typed header line, a
// JSON data line, and a blank separator line.
func EncodeFrame(e Event) ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data)), nil
}

// FrameReader decodes line-oriented frames from a stream.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader wraps r for frame-at-a-time reads.
func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &FrameReader{scanner: sc}
}

// Next returns the next decoded event or io.EOF at end of stream.
func (fr *FrameReader) Next() (Event, error) {
	var ev Event
	for fr.scanner.Scan() {
		line := fr.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Type = Type(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if err := json.Unmarshal([]byte(payload), &ev.Data); err != nil {
				return Event{}, fmt.Errorf("decode event data: %w", err)
			}
		case line == "":
			if ev.Type != "" {
				return ev, nil
			}
		}
	}
	if err := fr.scanner.Err(); err != nil {
		return Event{}, err
	}
	if ev.Type != "" {
		return ev, nil
	}
	return Event{}, io.EOF
}
