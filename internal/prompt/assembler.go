// Package prompt composes the system prompt from identity files, agent
// configuration, active goals, the tool schema, and time context. File reads
// are TTL-cached, with a file watcher shortening the staleness window.
package prompt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/myrmex-ai/myrmex/internal/llm"
)

// sectionSeparator joins assembled sections.
const sectionSeparator = "\n\n---\n\n"

// Input describes one assembly request.
type Input struct {
	AgentID string
	// AgentPrompt is the agent-specific instruction fragment.
	AgentPrompt string
	// Goals are the active goals, rendered as a numbered list.
	Goals []string
	// Tools renders a tool description section when non-empty.
	Tools []llm.Tool
	// Override, when set, is returned verbatim as the whole prompt.
	Override string
}

// Result is an assembled prompt with bookkeeping.
type Result struct {
	Prompt    string   `json:"prompt"`
	Sections  []string `json:"sections"`
	CharCount int      `json:"char_count"`
	Cached    bool     `json:"cached"`
}

type cachedFile struct {
	content  string
	loadedAt time.Time
}

type cachedPrompt struct {
	result      Result
	assembledAt time.Time
}

// Assembler builds system prompts. Safe for concurrent use.
type Assembler struct {
	identityFile string
	soulFile     string
	ttl          time.Duration
	location     *time.Location
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	files   map[string]cachedFile
	prompts map[string]cachedPrompt
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the assembler logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithLocation sets the timezone for the time-context section.
func WithLocation(loc *time.Location) Option {
	return func(a *Assembler) { a.location = loc }
}

// New creates an assembler over the identity and soul files.
func New(identityFile, soulFile string, ttl time.Duration, opts ...Option) *Assembler {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	a := &Assembler{
		identityFile: identityFile,
		soulFile:     soulFile,
		ttl:          ttl,
		location:     time.Local,
		logger:       slog.Default().With("component", "prompt"),
		now:          time.Now,
		files:        make(map[string]cachedFile),
		prompts:      make(map[string]cachedPrompt),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble builds the prompt for one request. Fully assembled prompts are
// cached per agent only when the request carries no dynamic data; file
// content is always served through the TTL cache.
func (a *Assembler) Assemble(in Input) Result {
	if in.Override != "" {
		return Result{
			Prompt:    in.Override,
			Sections:  []string{"override"},
			CharCount: len(in.Override),
		}
	}

	static := len(in.Tools) == 0 && len(in.Goals) == 0
	cacheKey := fmt.Sprintf("%s|%t|%t", in.AgentID, len(in.Tools) > 0, len(in.Goals) > 0)
	if static {
		a.mu.Lock()
		if entry, ok := a.prompts[cacheKey]; ok && a.now().Sub(entry.assembledAt) < a.ttl {
			a.mu.Unlock()
			result := entry.result
			result.Cached = true
			return result
		}
		a.mu.Unlock()
	}

	type section struct {
		name string
		body string
	}
	sections := []section{
		{"identity", a.readFile(a.identityFile)},
		{"soul", a.readFile(a.soulFile)},
		{"agent", strings.TrimSpace(in.AgentPrompt)},
		{"goals", renderGoals(in.Goals)},
		{"time", a.renderTime()},
		{"tools", renderTools(in.Tools)},
	}

	var parts, names []string
	for _, s := range sections {
		if s.body == "" {
			continue
		}
		parts = append(parts, s.body)
		names = append(names, s.name)
	}

	result := Result{
		Prompt:   strings.Join(parts, sectionSeparator),
		Sections: names,
	}
	result.CharCount = len(result.Prompt)

	if static {
		a.mu.Lock()
		a.prompts[cacheKey] = cachedPrompt{result: result, assembledAt: a.now()}
		a.mu.Unlock()
	}
	return result
}

// Invalidate drops cached content for a file and every assembled prompt.
// The watcher calls this on file change events.
func (a *Assembler) Invalidate(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.files, path)
	a.prompts = make(map[string]cachedPrompt)
}

// readFile returns a file's trimmed content through the TTL cache. A missing
// or unreadable file contributes an empty section.
func (a *Assembler) readFile(path string) string {
	if path == "" {
		return ""
	}
	a.mu.Lock()
	entry, ok := a.files[path]
	a.mu.Unlock()
	if ok && a.now().Sub(entry.loadedAt) < a.ttl {
		return entry.content
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("prompt file unreadable", "path", path, "error", err)
		}
		data = nil
	}
	content := strings.TrimSpace(string(data))
	a.mu.Lock()
	a.files[path] = cachedFile{content: content, loadedAt: a.now()}
	a.mu.Unlock()
	return content
}

func (a *Assembler) renderTime() string {
	now := a.now().In(a.location)
	return fmt.Sprintf("Current time: %s, %s (%s)",
		now.Weekday(), now.Format("2006-01-02 15:04:05"), now.Format("MST"))
}

func renderGoals(goals []string) string {
	if len(goals) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Active goals:")
	for i, goal := range goals {
		fmt.Fprintf(&b, "\n%d. %s", i+1, goal)
	}
	return b.String()
}

// renderTools renders the tool schema as name, description, and a parameter
// list with type and required marker.
func renderTools(tools []llm.Tool) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools:")
	for _, tool := range tools {
		fmt.Fprintf(&b, "\n\n### %s\n%s", tool.Name, tool.Description)
		params := renderParams(tool.Parameters)
		if params != "" {
			b.WriteString("\nParameters:\n")
			b.WriteString(params)
		}
	}
	return b.String()
}

func renderParams(schema json.RawMessage) string {
	var parsed struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil || len(parsed.Properties) == 0 {
		return ""
	}
	required := make(map[string]bool, len(parsed.Required))
	for _, name := range parsed.Required {
		required[name] = true
	}

	names := make([]string, 0, len(parsed.Properties))
	for name := range parsed.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		prop := parsed.Properties[name]
		typ := prop.Type
		if typ == "" {
			typ = "any"
		}
		line := fmt.Sprintf("- %s (%s", name, typ)
		if required[name] {
			line += ", required"
		}
		line += ")"
		if prop.Description != "" {
			line += " " + prop.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
