// Package bootstrap assembles the agent's system prompt from workspace
// files and seeds a fresh workspace with editable defaults. The prompt
// is rebuilt per run so edits take effect without a restart.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/tools"
)

// promptFiles are read in this order; missing files are skipped.
var promptFiles = []string{"AGENT.md", "SOUL.md", "TOOLS.md"}

// DefaultMaxFileBytes bounds how much of a single workspace file goes
// into the prompt.
const DefaultMaxFileBytes = 24 * 1024

// Builder assembles the system prompt.
type Builder struct {
	// Root is the workspace directory holding the prompt files.
	Root string

	// Tools, when set, appends the registered tool list to the prompt.
	Tools *tools.Registry

	// MaxFileBytes caps each file's contribution. Zero means
	// DefaultMaxFileBytes.
	MaxFileBytes int

	// Now stamps the prompt with the current date. Nil means time.Now.
	Now func() time.Time
}

// Build reads the workspace files and returns the assembled prompt.
// Order is deterministic: files first (AGENT, SOUL, TOOLS), then the
// tool list, then the date line.
func (b Builder) Build() string {
	limit := b.MaxFileBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}

	var sections []string
	for _, name := range promptFiles {
		content, err := os.ReadFile(filepath.Join(b.Root, name))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(content))
		if text == "" {
			continue
		}
		if len(text) > limit {
			text = text[:limit] + "\n[truncated]"
		}
		sections = append(sections, text)
	}

	if b.Tools != nil {
		if list := toolSection(b.Tools); list != "" {
			sections = append(sections, list)
		}
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	sections = append(sections, "Current date: "+now().Format("2006-01-02"))

	return strings.Join(sections, "\n\n")
}

func toolSection(reg *tools.Registry) string {
	list := reg.List()
	if len(list) == 0 {
		return ""
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	var sb strings.Builder
	sb.WriteString("Available tools:")
	for _, tool := range list {
		fmt.Fprintf(&sb, "\n- %s: %s", tool.Name(), tool.Description())
	}
	return sb.String()
}

// File is one seedable workspace file.
type File struct {
	Name    string
	Content string
}

// Result reports what Seed did.
type Result struct {
	Created []string
	Skipped []string
}

// DefaultFiles is the starter set written into an empty workspace.
// Existing files are never overwritten.
func DefaultFiles() []File {
	return []File{
		{
			Name: "AGENT.md",
			Content: "# AGENT.md - Workspace Instructions\n\n" +
				"This workspace is the assistant's working directory.\n\n" +
				"## Safety\n" +
				"- Do not exfiltrate secrets or private data.\n" +
				"- Avoid destructive actions unless explicitly requested.\n\n" +
				"## Workflow\n" +
				"- Be concise in chat; put longer output in files.\n" +
				"- Ask clarifying questions when requirements are unclear.\n",
		},
		{
			Name: "SOUL.md",
			Content: "# SOUL.md - Persona & Boundaries\n\n" +
				"- Tone: concise, direct, and friendly.\n" +
				"- Ask clarifying questions when needed.\n" +
				"- Never send partial replies to external messaging surfaces.\n",
		},
		{
			Name: "TOOLS.md",
			Content: "# TOOLS.md - User Tool Notes (editable)\n\n" +
				"Add notes about local tools, conventions, or shortcuts here.\n",
		},
	}
}

// Seed creates the workspace directory and writes any default file that
// does not exist yet.
func Seed(root string) (Result, error) {
	var res Result
	if root == "" {
		return res, fmt.Errorf("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return res, fmt.Errorf("create workspace: %w", err)
	}
	for _, f := range DefaultFiles() {
		path := filepath.Join(root, f.Name)
		if _, err := os.Stat(path); err == nil {
			res.Skipped = append(res.Skipped, f.Name)
			continue
		} else if !os.IsNotExist(err) {
			return res, err
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return res, fmt.Errorf("seed %s: %w", f.Name, err)
		}
		res.Created = append(res.Created, f.Name)
	}
	return res, nil
}
