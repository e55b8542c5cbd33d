package models

import (
	"testing"
)

func TestNewSessionHasAllSlotKeys(t *testing.T) {
	s := NewSession("s1")
	if s.State != StateCollecting {
		t.Errorf("new session state = %q, want %q", s.State, StateCollecting)
	}
	for _, k := range AllSlotKeys {
		if _, ok := s.Slots[k]; !ok {
			t.Errorf("slot %q missing from new session", k)
		}
	}
}

func TestMergeSlotsIsNonDestructive(t *testing.T) {
	s := NewSession("s1")
	s.Slots[SlotName] = "Ana"
	s.Slots[SlotPhone] = "+56911111111"

	// An empty extracted value means "not mentioned", never "cleared".
	s.MergeSlots(map[SlotKey]string{
		SlotName:  "",
		SlotPhone: "+56922222222",
		SlotDate:  "2025-08-12",
	})

	if got := s.Slots[SlotName]; got != "Ana" {
		t.Errorf("nombre = %q, want Ana preserved", got)
	}
	if got := s.Slots[SlotPhone]; got != "+56922222222" {
		t.Errorf("telefono = %q, want overwritten value", got)
	}
	if got := s.Slots[SlotDate]; got != "2025-08-12" {
		t.Errorf("fecha = %q, want new value", got)
	}
}

func TestTrimHistory(t *testing.T) {
	s := NewSession("s1")
	for i := 0; i < 10; i++ {
		s.AppendTurn("user", "hola")
	}

	s.TrimHistory(4)
	if len(s.History) != 4 {
		t.Errorf("history length = %d, want 4", len(s.History))
	}

	s.TrimHistory(0)
	if len(s.History) != 4 {
		t.Errorf("non-positive max should leave history untouched, got %d", len(s.History))
	}
}

func TestParsePlan(t *testing.T) {
	plan := ParsePlan(`{"reply":"¿A qué hora?","slots":{"nombre":"Juan"},"next_action":"ask_missing"}`)
	if plan.Reply != "¿A qué hora?" {
		t.Errorf("reply = %q", plan.Reply)
	}
	if plan.Slots[SlotName] != "Juan" {
		t.Errorf("nombre slot = %q, want Juan", plan.Slots[SlotName])
	}
	if plan.NextAction != ActionAskMissing {
		t.Errorf("next_action = %q", plan.NextAction)
	}
}

func TestParsePlanStripsMarkdownFences(t *testing.T) {
	raw := "```json\n{\"reply\":\"ok\",\"next_action\":\"smalltalk\"}\n```"
	plan := ParsePlan(raw)
	if plan.NextAction != ActionSmalltalk {
		t.Errorf("next_action = %q, want smalltalk", plan.NextAction)
	}
	if plan.Reply != "ok" {
		t.Errorf("reply = %q, want ok", plan.Reply)
	}
}

func TestParsePlanFallsBackOnGarbage(t *testing.T) {
	for _, raw := range []string{"", "not json", `{"reply":`} {
		plan := ParsePlan(raw)
		if plan.Reply != FallbackReply {
			t.Errorf("ParsePlan(%q) reply = %q, want fallback", raw, plan.Reply)
		}
		if plan.NextAction != ActionAskMissing {
			t.Errorf("ParsePlan(%q) next_action = %q, want ask_missing", raw, plan.NextAction)
		}
	}
}

func TestParsePlanUnknownActionDefaults(t *testing.T) {
	plan := ParsePlan(`{"reply":"hola","next_action":"launch_rocket"}`)
	if plan.NextAction != ActionAskMissing {
		t.Errorf("unknown action mapped to %q, want ask_missing", plan.NextAction)
	}
	if plan.Reply != "hola" {
		t.Errorf("reply = %q, want original reply kept", plan.Reply)
	}
}
