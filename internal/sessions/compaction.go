package sessions

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

const (
	// MetaKeyCompactionInfo is the session metadata key holding *CompactionInfo.
	MetaKeyCompactionInfo = "compaction_info"
	// MetaKeyLastCompactedAt is the session metadata key holding the last
	// compaction timestamp as an RFC3339 string.
	MetaKeyLastCompactedAt = "last_compacted_at"

	truncatedSuffixFmt = "\n... (truncated, original %d chars)"
	summaryPrefix      = "[对话摘要 — compressed at %s]\n\n%s"
	ruleBasedHeader    = "## 对话摘要"
)

// CompactionConfig configures the token-window management policy for one
// agent: pruning of stale tool results, then LLM-summarization compaction of
// the oldest portion of the transcript.
type CompactionConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ContextWindow is the model's total context window in tokens.
	ContextWindow int `json:"context_window" yaml:"context_window"`
	// ReserveTokensFloor is held back for the model's reply.
	ReserveTokensFloor int `json:"reserve_tokens_floor" yaml:"reserve_tokens_floor"`
	// SoftThresholdTokens triggers should_memory_flush ahead of should_compact.
	SoftThresholdTokens int `json:"soft_threshold_tokens" yaml:"soft_threshold_tokens"`

	PruneOldToolResults   bool `json:"prune_old_tool_results" yaml:"prune_old_tool_results"`
	ToolResultMaxAgeTurns int  `json:"tool_result_max_age_turns" yaml:"tool_result_max_age_turns"`
	ToolResultMaxChars    int  `json:"tool_result_max_chars" yaml:"tool_result_max_chars"`

	// CompactionRatio is the fraction of recent messages kept verbatim.
	CompactionRatio float64 `json:"compaction_ratio" yaml:"compaction_ratio"`
	SummaryMaxTokens int    `json:"summary_max_tokens" yaml:"summary_max_tokens"`
}

// DefaultCompactionConfig returns spec-aligned defaults (Scenario E).
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Enabled:               true,
		ContextWindow:         200,
		ReserveTokensFloor:    50,
		SoftThresholdTokens:   20,
		PruneOldToolResults:   true,
		ToolResultMaxAgeTurns: 3,
		ToolResultMaxChars:    2000,
		CompactionRatio:       0.5,
		SummaryMaxTokens:      256,
	}
}

// Compactor keeps a session within its model's context window minus a
// reserved-for-reply floor, using pruning then LLM-summarization in order.
type Compactor struct {
	config     CompactionConfig
	store      Store
	summarizer Summarizer
}

// Summarizer generates a summary of message history for compaction.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*models.Message, maxTokens int) (string, error)
}

// NewCompactor creates a new session compactor.
func NewCompactor(config CompactionConfig, store Store, summarizer Summarizer) *Compactor {
	return &Compactor{config: config, store: store, summarizer: summarizer}
}

// EstimateTokens computes the CJK-aware token estimate for a single string:
// the CJK ideograph (U+4E00-U+9FFF) share is blended between 1.5 chars/token
// for CJK and 4.0 chars/token for non-CJK. Empty text is 0 tokens; any
// non-empty text is at least 1 token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	runes := []rune(text)
	total := len(runes)
	cjk := 0
	for _, r := range runes {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		}
	}
	ratio := float64(cjk) / float64(total)
	avgCharsPerToken := ratio*1.5 + (1-ratio)*4.0
	tokens := int(math.Round(float64(total) / avgCharsPerToken))
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// messageOverheadTokens is the fixed per-message bookkeeping cost.
const messageOverheadTokens = 4

// EstimateMessagesTokens sums per-message content tokens, the fixed
// per-message overhead, and tokens for any tool_result payload.
func EstimateMessagesTokens(messages []*models.Message) int {
	total := 0
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		total += EstimateTokens(msg.Content) + messageOverheadTokens
		if msg.ToolResultData != nil {
			total += EstimateTokens(msg.ToolResultData.Content)
		}
		for _, tr := range msg.ToolResults {
			total += EstimateTokens(tr.Content)
		}
	}
	return total
}

// ShouldMemoryFlush reports whether tokens have crossed the soft threshold.
func (c *Compactor) ShouldMemoryFlush(messages []*models.Message) bool {
	limit := c.config.ContextWindow - c.config.ReserveTokensFloor - c.config.SoftThresholdTokens
	return EstimateMessagesTokens(messages) >= limit
}

// ShouldCompact reports whether tokens have crossed the hard threshold.
func (c *Compactor) ShouldCompact(messages []*models.Message) bool {
	limit := c.config.ContextWindow - c.config.ReserveTokensFloor
	return EstimateMessagesTokens(messages) >= limit
}

// countUserTurnsFromEnd returns, for the message at index i, the distance in
// user turns from the most recent user message.
func countUserTurnsFromEnd(messages []*models.Message, i int) int {
	turns := 0
	for j := len(messages) - 1; j > i; j-- {
		if messages[j].Role == models.RoleUser {
			turns++
		}
	}
	return turns
}

// Prune truncates old tool message content in place, returning the count of
// messages truncated. Never removes a message; never prunes tool messages
// within the recency window.
func (c *Compactor) Prune(messages []*models.Message) int {
	if !c.config.PruneOldToolResults {
		return 0
	}
	pruned := 0
	for i, msg := range messages {
		if msg.Role != models.RoleTool {
			continue
		}
		if countUserTurnsFromEnd(messages, i) < c.config.ToolResultMaxAgeTurns {
			continue
		}
		if len(msg.Content) <= c.config.ToolResultMaxChars {
			continue
		}
		original := len(msg.Content)
		msg.Content = msg.Content[:c.config.ToolResultMaxChars] + fmt.Sprintf(truncatedSuffixFmt, original)
		pruned++
	}
	return pruned
}

// splitPoint computes the compaction split index, advanced forward over any
// immediately-following TOOL messages so it never falls between an
// assistant tool call and its tool results.
func splitPoint(messages []*models.Message, ratio float64) int {
	n := len(messages)
	split := int(math.Floor(float64(n) * (1 - ratio)))
	if split < 1 {
		split = 1
	}
	for split < n && messages[split].Role == models.RoleTool {
		split++
	}
	if split > n {
		split = n
	}
	return split
}

// CompactionOutcome is the result of running Compact.
type CompactionOutcome struct {
	Messages    []*models.Message
	Summary     string
	UsedLLM     bool
	PrunedCount int
}

// Compact partitions messages at the compaction-ratio split, summarizes the
// older partition (LLM with a rule-based fallback on failure), and returns
// the summary message prepended to the retained tail.
func (c *Compactor) Compact(ctx context.Context, messages []*models.Message) (*CompactionOutcome, error) {
	if len(messages) == 0 {
		return &CompactionOutcome{}, nil
	}

	split := splitPoint(messages, c.config.CompactionRatio)
	older := messages[:split]
	recent := messages[split:]

	var summary string
	usedLLM := true
	if c.summarizer != nil && len(older) > 0 {
		var err error
		summary, err = c.summarizer.Summarize(ctx, older, c.config.SummaryMaxTokens)
		if err != nil {
			summary = ruleBasedSummary(older)
			usedLLM = false
		}
	} else if len(older) > 0 {
		summary = ruleBasedSummary(older)
		usedLLM = false
	}

	result := make([]*models.Message, 0, len(recent)+1)
	if summary != "" {
		result = append(result, &models.Message{
			Role:    models.RoleSystem,
			Content: fmt.Sprintf(summaryPrefix, time.Now().Format(time.RFC3339), summary),
			Metadata: map[string]any{
				"is_compaction_summary": true,
				"summarized_count":      len(older),
			},
		})
	}
	result = append(result, recent...)

	return &CompactionOutcome{Messages: result, Summary: summary, UsedLLM: usedLLM}, nil
}

// ruleBasedSummary is the no-LLM fallback: up to the last five user messages
// and last three assistant messages, each truncated, under a fixed header.
func ruleBasedSummary(messages []*models.Message) string {
	const maxLineChars = 200
	var users, assistants []string

	for i := len(messages) - 1; i >= 0 && len(users) < 5; i-- {
		if messages[i].Role == models.RoleUser {
			users = append(users, truncateLine(messages[i].Content, maxLineChars))
		}
	}
	for i := len(messages) - 1; i >= 0 && len(assistants) < 3; i-- {
		if messages[i].Role == models.RoleAssistant {
			assistants = append(assistants, truncateLine(messages[i].Content, maxLineChars))
		}
	}
	reverse(users)
	reverse(assistants)

	var b strings.Builder
	b.WriteString(ruleBasedHeader)
	b.WriteString("\n")
	for _, u := range users {
		b.WriteString("- user: ")
		b.WriteString(u)
		b.WriteString("\n")
	}
	for _, a := range assistants {
		b.WriteString("- assistant: ")
		b.WriteString(a)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// AutoCompactIfNeeded prunes first; if pruning alone brings the session
// under the threshold, it accepts pruning; otherwise it compacts. On
// success it persists via the store's CompactSession.
func (c *Compactor) AutoCompactIfNeeded(ctx context.Context, sessionID string) (*CompactionOutcome, error) {
	fileStore, ok := c.store.(*FileStore)
	if !ok {
		return nil, fmt.Errorf("auto-compaction requires a *FileStore")
	}

	messages, err := fileStore.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	if !c.ShouldCompact(messages) {
		return nil, nil
	}

	prunedCount := c.Prune(messages)
	if !c.ShouldCompact(messages) {
		if err := fileStore.CompactSession(ctx, sessionID, messages, EstimateMessagesTokens(messages)); err != nil {
			return nil, err
		}
		return &CompactionOutcome{Messages: messages, PrunedCount: prunedCount}, nil
	}

	outcome, err := c.Compact(ctx, messages)
	if err != nil {
		return nil, err
	}
	outcome.PrunedCount = prunedCount
	if err := fileStore.CompactSession(ctx, sessionID, outcome.Messages, EstimateMessagesTokens(outcome.Messages)); err != nil {
		return nil, err
	}
	return outcome, nil
}

// MarkMessageImportant marks a message as important for compaction preservation.
func MarkMessageImportant(msg *models.Message) {
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}
	msg.Metadata["important"] = true
	msg.Metadata["marked_important_at"] = time.Now().Format(time.RFC3339)
}

// IsMessageImportant checks if a message is marked as important.
func IsMessageImportant(msg *models.Message) bool {
	if msg.Metadata == nil {
		return false
	}
	if important, ok := msg.Metadata["important"].(bool); ok {
		return important
	}
	return false
}

// CompactionInfo stores compaction metadata in sessions.
type CompactionInfo struct {
	LastCompactedAt          time.Time `json:"last_compacted_at"`
	MessagesBeforeCompaction int       `json:"messages_before_compaction"`
	MessagesAfterCompaction  int       `json:"messages_after_compaction"`
	TokensSaved              int       `json:"tokens_saved"`
	CompactionCount          int       `json:"compaction_count"`
}

// GetCompactionInfo retrieves compaction info from session metadata.
func GetCompactionInfo(session *models.Session) *CompactionInfo {
	if session.Metadata == nil {
		return nil
	}
	if info, ok := session.Metadata[MetaKeyCompactionInfo].(*CompactionInfo); ok {
		return info
	}
	return nil
}

// SetCompactionInfo stores compaction info in session metadata.
func SetCompactionInfo(session *models.Session, info *CompactionInfo) {
	if session.Metadata == nil {
		session.Metadata = make(map[string]any)
	}
	session.Metadata[MetaKeyCompactionInfo] = info
	session.Metadata[MetaKeyLastCompactedAt] = info.LastCompactedAt.Format(time.RFC3339)
}
