package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// EchoTool returns its input text. Used for wiring checks and tests.
type EchoTool struct{}

// NewEchoTool creates an echo tool.
func NewEchoTool() *EchoTool { return &EchoTool{} }

func (t *EchoTool) Name() string { return "echo" }

func (t *EchoTool) Description() string {
	return "Echo the provided text back to the conversation."
}

func (t *EchoTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "Text to echo.",
			},
		},
		"required": []string{"text"},
	})
}

func (t *EchoTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if input.Text == "" {
		return toolError("text is required"), nil
	}
	return &models.ToolResult{Success: true, Content: input.Text}, nil
}

// TimeTool reports the current time, optionally in a named IANA timezone.
type TimeTool struct {
	now func() time.Time
}

// NewTimeTool creates a time tool.
func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

func (t *TimeTool) Name() string { return "time" }

func (t *TimeTool) Description() string {
	return "Get the current date and time, optionally in a specific timezone."
}

func (t *TimeTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name (e.g. America/New_York). Defaults to UTC.",
			},
		},
	})
}

func (t *TimeTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
		}
	}

	loc := time.UTC
	if input.Timezone != "" {
		parsed, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return toolError(fmt.Sprintf("Unknown timezone: %s", input.Timezone)), nil
		}
		loc = parsed
	}

	now := t.now().In(loc)
	payload, _ := json.MarshalIndent(map[string]any{
		"time":     now.Format(time.RFC3339),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	}, "", "  ")
	return &models.ToolResult{Success: true, Content: string(payload)}, nil
}

func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func toolError(msg string) *models.ToolResult {
	return &models.ToolResult{Success: false, Error: msg}
}

func trimCommand(command string) string {
	return strings.TrimSpace(command)
}
