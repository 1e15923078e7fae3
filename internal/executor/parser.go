package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ToolCall is one parsed invocation from a model turn.
type ToolCall struct {
	ID         string
	Name       string
	Parameters map[string]any
}

var (
	toolCallPattern    = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	finalAnswerPattern = regexp.MustCompile(`(?s)<final_answer>(.*?)</final_answer>`)
	thinkingPattern    = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)
	toolNamePattern    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
)

// ParseToolCalls extracts every well-formed tool invocation, in order of
// appearance. Malformed JSON is repaired once before a block is skipped.
func ParseToolCalls(content string) []ToolCall {
	matches := toolCallPattern.FindAllStringSubmatch(content, -1)
	var calls []ToolCall
	for _, match := range matches {
		payload := strings.TrimSpace(match[1])
		var call struct {
			Name       string         `json:"name"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.Unmarshal([]byte(payload), &call); err != nil {
			repaired, repairErr := jsonrepair.JSONRepair(payload)
			if repairErr != nil {
				continue
			}
			if err := json.Unmarshal([]byte(repaired), &call); err != nil {
				continue
			}
		}
		if !toolNamePattern.MatchString(call.Name) {
			continue
		}
		calls = append(calls, ToolCall{
			ID:         fmt.Sprintf("call_%d", len(calls)),
			Name:       call.Name,
			Parameters: call.Parameters,
		})
	}
	return calls
}

// FinalAnswer returns the final-answer payload when the turn contains the
// completion marker.
func FinalAnswer(content string) (string, bool) {
	match := finalAnswerPattern.FindStringSubmatch(content)
	if match == nil {
		return "", false
	}
	return strings.TrimSpace(match[1]), true
}

// StripThinking removes reasoning blocks, which are informational only.
func StripThinking(content string) string {
	return strings.TrimSpace(thinkingPattern.ReplaceAllString(content, ""))
}

// toolResultBlock serializes a tool outcome for injection into the context.
func toolResultBlock(name, status string, payload any) string {
	body := map[string]any{"tool_name": name, "status": status}
	switch status {
	case "success":
		body["output"] = payload
	default:
		body["error"] = payload
	}
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"tool_name":%q,"status":"error","error":"unserializable result"}`, name))
	}
	return "<tool_result>" + string(data) + "</tool_result>"
}
