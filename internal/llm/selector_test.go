package llm

import (
	"strings"
	"testing"
)

func keysFor(have ...Provider) func(Provider) bool {
	set := map[Provider]bool{ProviderLocal: true}
	for _, p := range have {
		set[p] = true
	}
	return func(p Provider) bool { return set[p] }
}

func TestSelectRolePrecedence(t *testing.T) {
	sel := NewSelector(DefaultChains(), keysFor(Providers()...))

	tests := []struct {
		name     string
		criteria Criteria
		wantRole Role
	}{
		{"default", Criteria{}, RoleWorkhorse},
		{"explicit role", Criteria{Role: RoleIntake}, RoleIntake},
		{"explicit beats inference", Criteria{Role: RoleGUIFast, IsArchitectTask: true}, RoleGUIFast},
		{"offline", Criteria{Offline: true}, RoleLocal},
		{"offline beats architect", Criteria{Offline: true, IsArchitectTask: true}, RoleLocal},
		{"architect task", Criteria{IsArchitectTask: true}, RoleArchitect},
		{"large files", Criteria{HasLargeFiles: true}, RoleDeepContext},
		{"many tokens", Criteria{EstimatedTokens: 50000}, RoleDeepContext},
		{"few tokens stay default", Criteria{EstimatedTokens: 500}, RoleWorkhorse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sel.Select(tt.criteria)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if got.Role != tt.wantRole {
				t.Errorf("Role = %s, want %s (reason %q)", got.Role, tt.wantRole, got.Reason)
			}
		})
	}
}

func TestSelectFirstEntryWithKey(t *testing.T) {
	// Only openai has a key: deepseek and gemini at the head of the
	// workhorse chain must be skipped.
	sel := NewSelector(DefaultChains(), keysFor(ProviderOpenAI))

	got, err := sel.Select(Criteria{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.Provider != ProviderOpenAI {
		t.Errorf("Provider = %s, want openai", got.Provider)
	}
	if !strings.Contains(got.Reason, "skipped 2") {
		t.Errorf("Reason = %q, want skipped count", got.Reason)
	}
}

func TestSelectLocalNeedsNoKey(t *testing.T) {
	sel := NewSelector(DefaultChains(), func(p Provider) bool { return p == ProviderLocal })

	got, err := sel.Select(Criteria{Role: RoleWorkhorse})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.Provider != ProviderLocal {
		t.Errorf("Provider = %s, want local at chain tail", got.Provider)
	}
}

func TestSelectNoKeysFails(t *testing.T) {
	sel := NewSelector(DefaultChains(), func(Provider) bool { return false })

	if _, err := sel.Select(Criteria{Role: RoleIntake}); err == nil {
		t.Fatal("Select() with no keys should fail")
	}
}

func TestSelectUnknownRoleFails(t *testing.T) {
	sel := NewSelector(DefaultChains(), keysFor(Providers()...))

	if _, err := sel.Select(Criteria{Role: Role("nonsense")}); err == nil {
		t.Fatal("Select() with unknown role should fail")
	}
}

func TestSelectPersonaOverride(t *testing.T) {
	sel := NewSelector(DefaultChains(), keysFor(ProviderDeepSeek, ProviderXAI))

	got, err := sel.Select(Criteria{
		PersonaProvider: ProviderXAI,
		PersonaModel:    "grok-3",
		IsArchitectTask: true,
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.Provider != ProviderXAI || got.Model != "grok-3" {
		t.Errorf("persona override ignored: %+v", got)
	}
	if got.Role != RoleArchitect {
		t.Errorf("Role = %s, want architect kept for parameters", got.Role)
	}
	if got.Reason != "persona override" {
		t.Errorf("Reason = %q", got.Reason)
	}
}

func TestSelectPersonaWithoutKeyFallsThrough(t *testing.T) {
	sel := NewSelector(DefaultChains(), keysFor(ProviderDeepSeek))

	got, err := sel.Select(Criteria{
		PersonaProvider: ProviderAnthropic,
		PersonaModel:    "claude-opus-4-20250514",
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.Provider != ProviderDeepSeek {
		t.Errorf("Provider = %s, want chain walk when persona key missing", got.Provider)
	}
}

func TestSelectSecondOpinionSkipsPrimary(t *testing.T) {
	sel := NewSelector(DefaultChains(), keysFor(Providers()...))

	first, err := sel.Select(Criteria{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	second, err := sel.Select(Criteria{IsSecondOpinion: true})
	if err != nil {
		t.Fatalf("Select(second opinion) error = %v", err)
	}
	if second.Provider == first.Provider {
		t.Errorf("second opinion chose the primary provider %s", second.Provider)
	}
	if second.Provider != ProviderGemini {
		t.Errorf("second opinion Provider = %s, want second chain entry", second.Provider)
	}
}

func TestSelectSecondOpinionSingleEntryChain(t *testing.T) {
	sel := NewSelector(DefaultChains(), keysFor(Providers()...))

	got, err := sel.Select(Criteria{Role: RoleLocal, IsSecondOpinion: true})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.Provider != ProviderLocal {
		t.Errorf("Provider = %s, want lone entry reused", got.Provider)
	}
}

func TestSelectIsPure(t *testing.T) {
	sel := NewSelector(DefaultChains(), keysFor(ProviderDeepSeek, ProviderAnthropic))

	c := Criteria{EstimatedTokens: 40000}
	a, err := sel.Select(c)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		b, err := sel.Select(c)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if a != b {
			t.Fatalf("Select() not deterministic: %+v vs %+v", a, b)
		}
	}
}
