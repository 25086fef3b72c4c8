package memstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

func agentIDFromContext(ctx context.Context) string {
	if session := agent.SessionFromContext(ctx); session != nil && session.AgentID != "" {
		return session.AgentID
	}
	return "default"
}

func toolError(format string, args ...any) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}, nil
}

func jsonResult(payload any) (*agent.ToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return toolError("encode result: %v", err)
	}
	return &agent.ToolResult{Content: string(data)}, nil
}

// WriteTool implements memory_write(description, importance, memory_type, tags).
type WriteTool struct {
	registry *Registry
}

func NewWriteTool(registry *Registry) *WriteTool { return &WriteTool{registry: registry} }

func (t *WriteTool) Name() string { return "memory_write" }

func (t *WriteTool) Description() string {
	return "Write a new entry to this agent's episodic memory stream."
}

func (t *WriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "description": {"type": "string", "description": "What happened or was learned."},
    "importance": {"type": "number", "description": "0-10 subjective importance.", "minimum": 0, "maximum": 10},
    "memory_type": {"type": "string", "description": "observation, reflection, plan, fact, preference, spatial, or safety."},
    "tags": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["description"]
}`)
}

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Description string   `json:"description"`
		Importance  float64  `json:"importance"`
		MemoryType  string   `json:"memory_type"`
		Tags        []string `json:"tags"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters: %v", err)
	}
	description := strings.TrimSpace(input.Description)
	if description == "" {
		return toolError("description is required")
	}
	kind := models.MemoryKind(strings.ToLower(strings.TrimSpace(input.MemoryType)))
	if kind == "" {
		kind = models.MemoryObservation
	}

	stream := t.registry.StreamFor(agentIDFromContext(ctx))
	mem, err := stream.CreateMemory(ctx, agentIDFromContext(ctx), description, kind, input.Importance, input.Tags)
	if err != nil {
		return toolError("memory_write: %v", err)
	}
	return jsonResult(map[string]any{"memory_id": mem.ID, "memory_strength": mem.MemoryStrength})
}

// SearchTool implements memory_search(query, top_k, memory_type?).
type SearchTool struct {
	registry *Registry
}

func NewSearchTool(registry *Registry) *SearchTool { return &SearchTool{registry: registry} }

func (t *SearchTool) Name() string { return "memory_search" }

func (t *SearchTool) Description() string {
	return "Rank this agent's episodic memory stream against a query (recency, importance, relevance, frequency, context affinity) and return the top matches. Each returned memory is strengthened by this retrieval."
}

func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "top_k": {"type": "integer", "minimum": 1},
    "memory_type": {"type": "string", "description": "Optional filter: observation, reflection, plan, fact, preference, spatial, safety."}
  },
  "required": ["query"]
}`)
}

func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Query      string `json:"query"`
		TopK       int    `json:"top_k"`
		MemoryType string `json:"memory_type"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters: %v", err)
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return toolError("query is required")
	}
	topK := input.TopK
	if topK <= 0 {
		topK = 5
	}

	stream := t.registry.StreamFor(agentIDFromContext(ctx))
	var candidates []models.StreamMemory
	if memType := strings.TrimSpace(input.MemoryType); memType != "" {
		candidates = stream.FilterByType(models.MemoryKind(strings.ToLower(memType)))
	} else {
		candidates = stream.GetAll()
	}
	if len(candidates) == 0 {
		return jsonResult(map[string]any{"query": query, "results": []models.RankedMemory{}})
	}

	queryEmbedding := stream.EmbedQuery(ctx, query)
	recentlyActivated := stream.RecentlyActivated()
	ranked := t.registry.ranker.Rank(time.Now(), candidates, queryEmbedding, recentlyActivated, topK)

	for _, r := range ranked {
		stream.Retrieve(r.Memory.ID)
	}

	return jsonResult(map[string]any{"query": query, "results": ranked})
}

// GetTool implements memory_get(memory_id).
type GetTool struct {
	registry *Registry
}

func NewGetTool(registry *Registry) *GetTool { return &GetTool{registry: registry} }

func (t *GetTool) Name() string { return "memory_get" }

func (t *GetTool) Description() string {
	return "Return the full record for one memory_id from this agent's episodic memory stream, without strengthening it."
}

func (t *GetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "memory_id": {"type": "string"}
  },
  "required": ["memory_id"]
}`)
}

func (t *GetTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		MemoryID string `json:"memory_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters: %v", err)
	}
	memoryID := strings.TrimSpace(input.MemoryID)
	if memoryID == "" {
		return toolError("memory_id is required")
	}

	stream := t.registry.StreamFor(agentIDFromContext(ctx))
	mem, err := stream.Get(memoryID)
	if err != nil {
		return toolError("memory_get: %v", err)
	}
	return jsonResult(mem)
}
