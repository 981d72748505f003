package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMentalModel_JSONFieldNames(t *testing.T) {
	m := MentalModel{
		ID:         "mm-1",
		Entity:     "Alice",
		Type:       "person",
		Subtype:    "colleague",
		Confidence: 0.4,
		Attributes: map[string]string{"role": "manager"},
		Beliefs:    []string{"prefers morning meetings"},
		LastUpdated: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	for _, key := range []string{"id", "entity", "type", "confidence", "last_updated"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("serialized mental model missing %q key", key)
		}
	}
	if _, ok := raw["recent_dialog"]; ok {
		t.Error("empty recent_dialog should be omitted")
	}
}

func TestMentalModel_RoundTrip(t *testing.T) {
	original := MentalModel{
		ID:            "mm-2",
		Entity:        "project-atlas",
		Type:          "project",
		Attributes:    map[string]string{"deadline": "2026-04-01"},
		Relationships: map[string][]string{"owned_by": {"Alice"}},
		OpenLoops:     []string{"waiting on budget approval"},
		Constraints:   []string{"no weekend deploys"},
		RecentDialog:  []string{"user: how is atlas going?"},
		Confidence:    0.75,
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var decoded MentalModel
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.Entity != original.Entity {
		t.Errorf("Entity = %q, want %q", decoded.Entity, original.Entity)
	}
	if decoded.Confidence != original.Confidence {
		t.Errorf("Confidence = %v, want %v", decoded.Confidence, original.Confidence)
	}
	if len(decoded.Relationships["owned_by"]) != 1 {
		t.Errorf("Relationships[owned_by] length = %d, want 1", len(decoded.Relationships["owned_by"]))
	}
}

func TestMemoryDelta_Empty(t *testing.T) {
	var d MemoryDelta
	if !d.Empty() {
		t.Error("zero delta should be empty")
	}

	d.Additions = map[string][]string{"beliefs": {"likes go"}}
	if d.Empty() {
		t.Error("delta with additions should not be empty")
	}

	d = MemoryDelta{Deductions: map[string][]string{"open_loops": {"resolved"}}}
	if d.Empty() {
		t.Error("delta with deductions should not be empty")
	}

	d = MemoryDelta{Summary: "nothing changed"}
	if !d.Empty() {
		t.Error("summary alone does not make a delta non-empty")
	}
}

func TestThreadMessage_RoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second).UTC()
	original := ThreadMessage{
		Role:      RoleUser,
		Content:   "what did we decide yesterday?",
		Timestamp: now,
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var decoded ThreadMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.Role != RoleUser {
		t.Errorf("Role = %q, want %q", decoded.Role, RoleUser)
	}
	if !decoded.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, now)
	}
}
