package memory

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestThreadAppendAndRead(t *testing.T) {
	s := openTestStore(t)
	info, err := s.CreateThread("kitchen remodel")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	for _, text := range []string{"first", "second", "third"} {
		if err := s.Append(info.ThreadID, models.ThreadMessage{Role: "user", Content: text}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	msgs, err := s.Messages(info.ThreadID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestRecentOrdersByActivity(t *testing.T) {
	s := openTestStore(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.WithNow(func() time.Time { return clock })

	a, _ := s.CreateThread("alpha")
	clock = clock.Add(time.Hour)
	b, _ := s.CreateThread("beta")
	clock = clock.Add(time.Hour)
	if err := s.Append(a.ThreadID, models.ThreadMessage{Role: "user", Content: "bump"}); err != nil {
		t.Fatal(err)
	}

	recent, err := s.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ThreadID != a.ThreadID || recent[1].ThreadID != b.ThreadID {
		t.Errorf("recent order = %+v", recent)
	}
}

func TestArchiveRemovesFromHotSetButSearchable(t *testing.T) {
	s := openTestStore(t)
	info, _ := s.CreateThread("tax filing 2025")
	if err := s.Append(info.ThreadID, models.ThreadMessage{Role: "user", Content: "remember the 1099 deadline"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Archive(info.ThreadID); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	recent, _ := s.Recent(10)
	if len(recent) != 0 {
		t.Errorf("archived thread still hot: %+v", recent)
	}

	hits, err := s.SearchArchive("1099")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ThreadID != info.ThreadID {
		t.Errorf("search hits = %+v", hits)
	}
	if hits, _ := s.SearchArchive("nonexistent"); len(hits) != 0 {
		t.Errorf("unexpected hits = %+v", hits)
	}

	// Archived threads refuse appends.
	if err := s.Append(info.ThreadID, models.ThreadMessage{Role: "user", Content: "late"}); err == nil {
		t.Error("append to archived thread succeeded")
	}
}

func newTestModel() models.MentalModel {
	return models.MentalModel{
		Entity:     "Jordan",
		Type:       "person",
		Schema:     []string{"role", "timezone", "team"},
		Attributes: map[string]string{"role": "designer"},
		Confidence: 0.5,
	}
}

func TestApplyDeltaAdditionsAndDeductions(t *testing.T) {
	s := openTestStore(t)
	m, err := s.CreateModel(newTestModel())
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ApplyDelta(m.ID, models.MemoryDelta{
		Additions: map[string][]string{
			"beliefs":            {"prefers async communication"},
			"attributes.team":    {"platform"},
			"attributes.unknown": {"should be dropped"},
		},
		Summary: "learned team",
	})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if got.Attributes["team"] != "platform" {
		t.Errorf("attributes = %v", got.Attributes)
	}
	if _, ok := got.Attributes["unknown"]; ok {
		t.Error("attribute outside schema survived")
	}
	if len(got.Beliefs) != 1 {
		t.Errorf("beliefs = %v", got.Beliefs)
	}

	got, err = s.ApplyDelta(m.ID, models.MemoryDelta{
		Deductions: map[string][]string{"beliefs": {"prefers async communication"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Beliefs) != 0 {
		t.Errorf("beliefs after deduction = %v", got.Beliefs)
	}
}

func TestApplyDeltaConfidenceMonotonicCapped(t *testing.T) {
	s := openTestStore(t)
	m, err := s.CreateModel(newTestModel())
	if err != nil {
		t.Fatal(err)
	}

	prev := m.Confidence
	for i := 0; i < 15; i++ {
		got, err := s.ApplyDelta(m.ID, models.MemoryDelta{
			Additions: map[string][]string{"recent_dialog": {"turn"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got.Confidence < prev {
			t.Fatalf("confidence decreased: %f -> %f", prev, got.Confidence)
		}
		if got.Confidence > 1 {
			t.Fatalf("confidence exceeded 1: %f", got.Confidence)
		}
		prev = got.Confidence
	}
	if math.Abs(prev-1) > 1e-9 {
		t.Errorf("confidence after 15 deltas = %f, want 1", prev)
	}
}

func TestRecentDialogCapped(t *testing.T) {
	s := openTestStore(t)
	m, _ := s.CreateModel(newTestModel())
	for i := 0; i < 30; i++ {
		if _, err := s.ApplyDelta(m.ID, models.MemoryDelta{
			Additions: map[string][]string{"recent_dialog": {strings.Repeat("x", i+1)}},
		}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.GetModel(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.RecentDialog) != models.MaxRecentDialog {
		t.Errorf("recent dialog = %d entries, want %d", len(got.RecentDialog), models.MaxRecentDialog)
	}
	// Oldest entries dropped first.
	if len(got.RecentDialog[0]) != 11 {
		t.Errorf("oldest surviving entry length = %d", len(got.RecentDialog[0]))
	}
}

func TestSpines(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateModel(newTestModel()); err != nil {
		t.Fatal(err)
	}
	spines, err := s.Spines()
	if err != nil {
		t.Fatal(err)
	}
	if len(spines) != 1 {
		t.Fatalf("spines = %d", len(spines))
	}
	if !strings.Contains(spines[0].Summary, "designer") {
		t.Errorf("spine summary = %q", spines[0].Summary)
	}
}

func TestResearchCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	entry, err := s.PutResearch("Go generics", "notes on type params", "# Generics\nbody")
	if err != nil {
		t.Fatalf("PutResearch: %v", err)
	}
	if entry.File != "go-generics.md" {
		t.Errorf("file = %q", entry.File)
	}

	content, err := s.ReadResearch(entry.File)
	if err != nil || !strings.Contains(content, "body") {
		t.Errorf("ReadResearch = %q, %v", content, err)
	}

	// Re-putting the same topic replaces, not duplicates.
	if _, err := s.PutResearch("Go generics", "updated", "new body"); err != nil {
		t.Fatal(err)
	}
	if idx := s.ResearchIndex(); len(idx) != 1 || idx[0].Summary != "updated" {
		t.Errorf("index = %+v", idx)
	}

	if _, err := s.ReadResearch("../escape.md"); err == nil {
		t.Error("path traversal allowed")
	}
}
