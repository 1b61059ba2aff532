package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEchoTool(t *testing.T) {
	tool := NewEchoTool()

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"text":"hello relay"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.Content != "hello relay" {
		t.Errorf("result = %+v", result)
	}

	result, err = tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Error("missing text should fail")
	}
}

func TestTimeTool(t *testing.T) {
	tool := NewTimeTool()
	fixed := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	tool.now = func() time.Time { return fixed }

	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success: %s", result.Error)
	}
	if !strings.Contains(result.Content, "2025-06-15") {
		t.Errorf("Content = %s", result.Content)
	}
	if !strings.Contains(result.Content, "Sunday") {
		t.Errorf("Content missing weekday: %s", result.Content)
	}
}

func TestTimeToolTimezone(t *testing.T) {
	tool := NewTimeTool()
	fixed := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	tool.now = func() time.Time { return fixed }

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"timezone":"America/New_York"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success: %s", result.Error)
	}
	if !strings.Contains(result.Content, "America/New_York") {
		t.Errorf("Content = %s", result.Content)
	}

	result, err = tool.Execute(context.Background(), json.RawMessage(`{"timezone":"Not/AZone"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Error("unknown timezone should fail")
	}
}
