package behavior

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// FallbackConfidence is the small, non-zero confidence the fallback
// behavior always reports, so the matcher can fall through to it without
// treating it as "can't handle".
const FallbackConfidence = 0.05

// InferenceFunc drives the agent loop for one turn and returns the raw
// assistant reply text. Wired by the orchestrator to the agent runtime.
type InferenceFunc func(ctx context.Context, utterance string) (string, error)

// Fallback is the catch-all behavior: when an InferenceFunc is configured
// it drives the agent loop and parses the reply as
// {chat_response, ros2_commands}; otherwise it falls back further to a
// small rule-based matcher for greetings, farewells, and a few imperative
// verbs.
type Fallback struct {
	infer InferenceFunc
}

// NewFallback creates a Fallback behavior. infer may be nil, in which case
// Execute always uses the rule-based path (mode=rule).
func NewFallback(infer InferenceFunc) *Fallback {
	return &Fallback{infer: infer}
}

func (f *Fallback) Name() string { return "fallback" }

func (f *Fallback) CanHandle(string) float64 { return FallbackConfidence }

func (f *Fallback) Execute(ctx context.Context, utterance string) (models.BehaviorResult, models.ProcessMode, error) {
	if f.infer == nil {
		return ruleBasedReply(utterance), models.ModeRule, nil
	}

	reply, err := f.infer(ctx, utterance)
	if err != nil {
		return models.BehaviorResult{}, models.ModeLLM, err
	}
	return parseAssistantReply(reply), models.ModeLLM, nil
}

// assistantReplyShape is the JSON object the inference function's reply is
// expected to parse as.
type assistantReplyShape struct {
	ChatResponse string            `json:"chat_response"`
	Ros2Commands []commandShape    `json:"ros2_commands"`
}

type commandShape struct {
	CommandType string         `json:"command_type"`
	Parameters  map[string]any `json:"parameters"`
}

var fencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseAssistantReply parses reply as {chat_response, ros2_commands}. If it
// isn't valid JSON, it looks for a fenced JSON block. If neither parses,
// the raw reply becomes chat_response with no commands.
func parseAssistantReply(reply string) models.BehaviorResult {
	if shape, ok := tryParseReply(reply); ok {
		return shapeToResult(shape)
	}

	if match := fencedJSONBlock.FindStringSubmatch(reply); match != nil {
		if shape, ok := tryParseReply(match[1]); ok {
			return shapeToResult(shape)
		}
	}

	return models.BehaviorResult{ChatResponse: reply, Commands: nil}
}

func tryParseReply(text string) (assistantReplyShape, bool) {
	var shape assistantReplyShape
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return shape, false
	}
	if err := json.Unmarshal([]byte(trimmed), &shape); err != nil {
		return shape, false
	}
	return shape, true
}

func shapeToResult(shape assistantReplyShape) models.BehaviorResult {
	commands := make([]models.Command, 0, len(shape.Ros2Commands))
	for _, c := range shape.Ros2Commands {
		commands = append(commands, models.Command{
			CommandType: c.CommandType,
			Parameters:  c.Parameters,
		})
	}
	return models.BehaviorResult{ChatResponse: shape.ChatResponse, Commands: commands}
}

// Keyword tables are checked case-insensitively against the untransformed
// utterance, since Chinese has no case to fold; greetings and farewells mix
// English and Chinese tokens the way a bilingual rule-based fallback needs to.
var greetings = []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening", "你好", "嗨"}
var farewells = []string{"bye", "goodbye", "see you", "farewell", "再见", "拜拜"}

// navigateVerbs are Chinese motion verbs that always mean "go somewhere".
var navigateVerbs = []string{"去", "到", "走", "前往"}

// graspVerbs are Chinese verbs/phrases for picking something up.
var graspVerbs = []string{"拿", "取", "抓", "给我"}

// imperativeCommands maps a leading verb (or short phrase) found in the
// utterance to the command type the rule-based fallback emits when no LLM
// is configured.
var imperativeCommands = []struct {
	phrase      string
	commandType string
}{
	{"stop", "stop"},
	{"halt", "stop"},
	{"go forward", "forward"},
	{"move forward", "forward"},
	{"forward", "forward"},
	{"go back", "backward"},
	{"backward", "backward"},
	{"turn left", "turn_left"},
	{"turn right", "turn_right"},
	{"grab", "grasp"},
	{"pick up", "grasp"},
	{"grasp", "grasp"},
	{"patrol", "patrol"},
	{"clean", "clean"},
}

// ruleBasedReply handles greetings, farewells, and a few imperative verbs
// (English and Chinese) without any LLM involved.
func ruleBasedReply(utterance string) models.BehaviorResult {
	lower := strings.ToLower(strings.TrimSpace(utterance))

	for _, g := range greetings {
		if strings.Contains(lower, g) {
			return models.BehaviorResult{ChatResponse: "你好！我是OpenRoboBrain机器人，有什么可以帮您的吗？"}
		}
	}
	for _, g := range farewells {
		if strings.Contains(lower, g) {
			return models.BehaviorResult{ChatResponse: "再见！祝您有美好的一天！"}
		}
	}
	for _, v := range navigateVerbs {
		if strings.Contains(lower, v) {
			return models.BehaviorResult{
				ChatResponse: "好的，我来帮您导航。",
				Commands: []models.Command{{
					CommandType: "navigate",
					Parameters:  map[string]any{"target": "default"},
				}},
			}
		}
	}
	for _, v := range graspVerbs {
		if strings.Contains(lower, v) {
			return models.BehaviorResult{
				ChatResponse: "好的，我来帮您取东西。",
				Commands: []models.Command{{
					CommandType: "grasp",
					Parameters:  map[string]any{"object": "target"},
				}},
			}
		}
	}
	for _, rule := range imperativeCommands {
		if strings.Contains(lower, rule.phrase) {
			return models.BehaviorResult{
				ChatResponse: "Okay, executing: " + rule.commandType,
				Commands:     []models.Command{{CommandType: rule.commandType}},
			}
		}
	}

	return models.BehaviorResult{ChatResponse: "I didn't understand that."}
}
