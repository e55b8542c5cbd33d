package models

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// NextAction tags what the orchestrator should do after an extraction pass.
type NextAction string

const (
	ActionAskMissing  NextAction = "ask_missing"
	ActionConfirmTime NextAction = "confirm_time"
	ActionCreateEvent NextAction = "create_event"
	ActionSmalltalk   NextAction = "smalltalk"
	ActionNone        NextAction = "none"
)

// Plan is the structured output of the language-completion capability for one
// user turn: a reply to show, newly-detected slot values, and what to do next.
type Plan struct {
	Reply      string             `json:"reply"`
	Slots      map[SlotKey]string `json:"slots"`
	NextAction NextAction         `json:"next_action"`
	Candidate  *Candidate         `json:"candidate,omitempty"`
}

// FallbackReply is the deterministic clarification used when the model output
// cannot be parsed. The capability is untrusted input; a decode failure is an
// input-shape error, not a crash.
const FallbackReply = "¿Me puedes indicar tu nombre y la fecha y hora que prefieres para la cita?"

// FallbackPlan returns the deterministic ask-for-basics plan.
func FallbackPlan() Plan {
	return Plan{
		Reply:      FallbackReply,
		Slots:      map[SlotKey]string{},
		NextAction: ActionAskMissing,
	}
}

// ParsePlan decodes the raw model output into a Plan, degrading to the
// fallback plan when the payload does not match the expected schema. Models
// occasionally wrap JSON in markdown fences; those are stripped first.
func ParsePlan(raw string) Plan {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(trimmed), &plan); err != nil {
		slog.Warn("models.ParsePlan: model output did not parse, using fallback plan", "error", err, "raw_length", len(raw))
		return FallbackPlan()
	}

	if plan.Slots == nil {
		plan.Slots = map[SlotKey]string{}
	}
	switch plan.NextAction {
	case ActionAskMissing, ActionConfirmTime, ActionCreateEvent, ActionSmalltalk, ActionNone:
	default:
		slog.Warn("models.ParsePlan: unknown next_action, defaulting to ask_missing", "next_action", plan.NextAction)
		plan.NextAction = ActionAskMissing
	}
	if plan.Reply == "" {
		plan.Reply = FallbackReply
		plan.NextAction = ActionAskMissing
	}
	return plan
}
