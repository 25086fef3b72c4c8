package context

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ContextMessage is one message record in an assembled AgentContext.
type ContextMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolSchema describes one tool available to the model for this turn.
type ToolSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      []byte `json:"schema"`
}

// ToolResultInput is one tool result produced by the prior iteration.
type ToolResultInput struct {
	ToolCallID string
	ToolName   string
	Content    string
}

// BuilderConfig governs how a Builder assembles one turn's AgentContext.
type BuilderConfig struct {
	// MaxHistoryMessages caps how many prior session messages are appended.
	MaxHistoryMessages int

	// IncludeToolResults controls whether TOOL-role history messages survive
	// the history trim; when false, only USER/ASSISTANT messages are kept.
	IncludeToolResults bool

	// MaxContextTokens and ReserveTokens bound the assembled context; if the
	// estimate exceeds MaxContextTokens-ReserveTokens, Build locally compacts.
	MaxContextTokens int
	ReserveTokens    int

	// InjectBootstrap appends BootstrapFiles content to the system prompt.
	InjectBootstrap bool
	BootstrapFiles  []string
	WorkspaceRoot   string

	// InjectMemory appends a recent-memory block covering RecentMemoryDays.
	InjectMemory     bool
	RecentMemoryDays int

	// Timezone is an IANA zone name (e.g. "America/Los_Angeles"); empty or
	// unrecognized falls back to the local zone.
	Timezone string
}

// MemoryProvider renders a recent-memory block for the system prompt.
// Returning "" omits the block.
type MemoryProvider func(days int) string

// Clock returns the current time; overridable in tests.
type Clock func() time.Time

// Builder assembles the per-turn inference input described by BuilderConfig.
type Builder struct {
	BaseSystemPrompt string
	Memory           MemoryProvider
	Now              Clock
}

// NewBuilder creates a Builder with the given base system prompt. Memory and
// Now default to nil and time.Now respectively; set Memory to enable the
// recent-memory block and Now to make the "Current time" line deterministic
// in tests.
func NewBuilder(baseSystemPrompt string) *Builder {
	return &Builder{BaseSystemPrompt: baseSystemPrompt, Now: time.Now}
}

// AgentContext is the output of Build: everything the inference call needs.
type AgentContext struct {
	Messages      []ContextMessage `json:"messages"`
	SystemPrompt  string           `json:"system_prompt"`
	ToolSchemas   []ToolSchema     `json:"tool_schemas"`
	TokenEstimate int              `json:"token_estimate"`
	Compacted     bool             `json:"compacted"`
}

// Build assembles the AgentContext for one turn. history is the full stored
// session history in chronological order; userInput is the new turn's input
// ("" if there is none, e.g. a tool-only continuation); toolResults are
// results produced by the prior iteration (nil if none); tools are the
// registered tool schemas to attach.
func (b *Builder) Build(history []ContextMessage, userInput string, toolResults []ToolResultInput, tools []ToolSchema, cfg BuilderConfig) *AgentContext {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	systemPrompt := b.assembleSystemPrompt(now(), cfg)

	messages := make([]ContextMessage, 0, len(history)+len(toolResults)+2)
	messages = append(messages, ContextMessage{Role: "system", Content: systemPrompt})

	messages = append(messages, trimHistory(history, cfg)...)

	for _, tr := range toolResults {
		messages = append(messages, ContextMessage{
			Role:       "tool",
			Content:    tr.Content,
			ToolCallID: tr.ToolCallID,
			ToolName:   tr.ToolName,
		})
	}

	if strings.TrimSpace(userInput) != "" {
		messages = append(messages, ContextMessage{Role: "user", Content: userInput})
	}

	ac := &AgentContext{
		Messages:     messages,
		SystemPrompt: systemPrompt,
		ToolSchemas:  tools,
	}
	ac.TokenEstimate = estimateContextTokens(ac.Messages)

	budget := cfg.MaxContextTokens - cfg.ReserveTokens
	if cfg.MaxContextTokens > 0 && ac.TokenEstimate > budget {
		ac.Messages = compactMessages(ac.Messages)
		ac.TokenEstimate = estimateContextTokens(ac.Messages)
		ac.Compacted = true
	}

	return ac
}

// assembleSystemPrompt concatenates, in order: the base prompt, bootstrap
// file contents (one "### <name>\n<content>" block per configured file, or
// "### <name>\n[missing]" if it can't be read), an optional recent-memory
// block, and a "Current time: <local time> (<timezone>)" line.
func (b *Builder) assembleSystemPrompt(now time.Time, cfg BuilderConfig) string {
	var parts []string
	if strings.TrimSpace(b.BaseSystemPrompt) != "" {
		parts = append(parts, b.BaseSystemPrompt)
	}

	if cfg.InjectBootstrap {
		for _, name := range cfg.BootstrapFiles {
			parts = append(parts, renderBootstrapFile(cfg.WorkspaceRoot, name))
		}
	}

	if cfg.InjectMemory && b.Memory != nil {
		if block := b.Memory(cfg.RecentMemoryDays); strings.TrimSpace(block) != "" {
			parts = append(parts, block)
		}
	}

	loc := time.Local
	tzName := "local"
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
			tzName = tz
		}
	}
	parts = append(parts, fmt.Sprintf("Current time: %s (%s)", now.In(loc).Format("2006-01-02 15:04:05"), tzName))

	return strings.Join(parts, "\n\n")
}

func renderBootstrapFile(root, name string) string {
	path := name
	if root != "" && !filepath.IsAbs(name) {
		path = filepath.Join(root, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("### %s\n[missing]", name)
	}
	return fmt.Sprintf("### %s\n%s", name, strings.TrimRight(string(data), "\n"))
}

// trimHistory keeps the last MaxHistoryMessages entries, skipping "system"
// messages always and "tool" messages when IncludeToolResults is false.
func trimHistory(history []ContextMessage, cfg BuilderConfig) []ContextMessage {
	filtered := make([]ContextMessage, 0, len(history))
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		if m.Role == "tool" && !cfg.IncludeToolResults {
			continue
		}
		filtered = append(filtered, m)
	}

	if cfg.MaxHistoryMessages > 0 && len(filtered) > cfg.MaxHistoryMessages {
		filtered = filtered[len(filtered)-cfg.MaxHistoryMessages:]
	}
	return filtered
}

// compactMessages keeps the SYSTEM message and the most-recent half of the
// remaining messages.
func compactMessages(messages []ContextMessage) []ContextMessage {
	if len(messages) == 0 {
		return messages
	}

	var system []ContextMessage
	var rest []ContextMessage
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m)
			continue
		}
		rest = append(rest, m)
	}

	keep := (len(rest) + 1) / 2
	if keep > len(rest) {
		keep = len(rest)
	}
	rest = rest[len(rest)-keep:]

	out := make([]ContextMessage, 0, len(system)+len(rest))
	out = append(out, system...)
	out = append(out, rest...)
	return out
}

func estimateContextTokens(messages []ContextMessage) int {
	contents := make([]string, len(messages))
	for i, m := range messages {
		contents[i] = m.Content
	}
	return EstimateTokensForMessages(contents)
}
