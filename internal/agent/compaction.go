package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

const compactionInstruction = `Summarize the conversation below for use as replacement context. Capture: the user's goals, decisions made, important facts and constraints, tool results worth remembering, and any unfinished work. Be concise; output only the summary.`

// compactionPrefix marks the synthetic message holding the summary.
const compactionPrefix = "[Conversation summary]\n"

// Compact replaces the conversation history with an LLM-generated summary,
// preserving system messages verbatim. An empty conversation is a no-op.
// On any failure the message log is left untouched. Compaction shares the
// run slot with turns, so it never races an active stream.
func (l *Loop) Compact(ctx context.Context) error {
	if _, err := l.begin(); err != nil {
		return err
	}
	defer l.end()

	session, err := l.deps.Store.GetOrCreate(ctx, l.key)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	var system, rest []models.AgentMessage
	for _, m := range session.Messages {
		if m.Role == models.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) == 0 {
		return nil
	}

	model := l.modelFor(session)
	provider, err := l.deps.Providers.Resolve(model)
	if err != nil {
		return err
	}

	em := NewEmitter(l.deps.Bus, "compact_"+l.key, l.key)
	em.Emit(ctx, EventCompactionStart, map[string]any{"messages": len(session.Messages)})

	summary, err := summarize(ctx, provider, model, rest)
	if err != nil {
		l.deps.Logger.Error("compaction failed, keeping message log",
			"session_key", l.key, "error", err)
		return fmt.Errorf("compact session: %w", err)
	}

	// The replacement must be strictly smaller than what it replaces.
	budget := transcriptSize(rest) - len(compactionPrefix) - 1
	if budget < 1 {
		budget = 1
	}
	if len(summary) > budget {
		summary = truncateOnRune(summary, budget)
	}

	compacted := models.NewUserMessage(compactionPrefix + summary)
	compacted.Metadata = map[string]any{"compacted": true, "replaced_messages": len(rest)}
	session.Messages = append(append([]models.AgentMessage{}, system...), compacted)
	if err := l.deps.Store.Save(ctx, session); err != nil {
		return fmt.Errorf("persist compacted session: %w", err)
	}

	em.Emit(ctx, EventCompactionComplete, map[string]any{
		"replaced_messages": len(rest),
		"summary_bytes":     len(summary),
	})
	return nil
}

// truncateOnRune cuts s to at most max bytes without splitting a rune.
func truncateOnRune(s string, max int) string {
	if max >= len(s) {
		return s
	}
	if max < 0 {
		max = 0
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// summarize streams a summary of the transcript with tools disabled.
func summarize(ctx context.Context, provider providers.Provider, model string, msgs []models.AgentMessage) (string, error) {
	prompt := compactionInstruction + "\n\n" + renderTranscript(msgs)
	req := &providers.StreamRequest{
		Messages: []models.AgentMessage{models.NewUserMessage(prompt)},
		Model:    model,
	}
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var acc providers.Accumulator
	for ev := range stream.Events() {
		acc.Add(ev)
	}
	if err := acc.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(acc.Text()) == "" {
		return "", fmt.Errorf("empty summary from model %s", model)
	}
	return acc.Text(), nil
}

func renderTranscript(msgs []models.AgentMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		for _, call := range m.ToolCalls {
			fmt.Fprintf(&b, "\n  [tool call %s %s]", call.Name, string(call.Arguments))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func transcriptSize(msgs []models.AgentMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) + len(m.Thinking)
		for _, call := range m.ToolCalls {
			total += len(call.Arguments) + len(call.Name)
		}
	}
	return total
}
