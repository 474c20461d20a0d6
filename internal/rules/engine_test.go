package rules

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	rule := &domain.ScreeningRule{
		ID:         "cash-heavy",
		Name:       "Cash Heavy",
		Expression: "cash_count > 3",
		Reason:     "Case is dominated by cash activity",
		Enabled:    true,
	}
	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("Failed to load rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestRejectInvalidRules(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	tests := []struct {
		name string
		rule *domain.ScreeningRule
	}{
		{"SyntaxError", &domain.ScreeningRule{ID: "bad", Expression: "total_amount >"}},
		{"UnknownVariable", &domain.ScreeningRule{ID: "bad", Expression: "velocity > 3"}},
		{"NonBoolOutput", &domain.ScreeningRule{ID: "bad", Expression: "total_amount * 2.0"}},
		{"MissingID", &domain.ScreeningRule{Expression: "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.Compile(tt.rule); err == nil {
				t.Error("expected validation error")
			}
			if err := engine.LoadRule(tt.rule); err == nil {
				t.Error("expected load error")
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules after rejected loads, got %d", engine.RulesCount())
	}
}

func TestScreen(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	rules := []*domain.ScreeningRule{
		{ID: "r3-near-ctr", Name: "Near CTR", Expression: "cash_near_ctr_count >= 2", Reason: "Repeated cash just under CTR", Enabled: true},
		{ID: "r1-large", Name: "Large Single", Expression: "max_amount >= 9500.0", Reason: "Large single transaction", Enabled: true},
		{ID: "r2-anon", Name: "Anonymous", Expression: "!subject_identified", Reason: "Unidentified subject", Enabled: true},
		{ID: "r4-narrative", Name: "Thin Narrative", Expression: "has_narrative && narrative_length < 100", Reason: "Narrative too thin", Enabled: true},
	}
	for _, r := range rules {
		if err := engine.LoadRule(r); err != nil {
			t.Fatalf("Failed to load rule %s: %v", r.ID, err)
		}
	}

	in := domain.CaseInput{
		SubjectIdentified: true,
		Transactions: []domain.CaseTransaction{
			{Type: "cash", Amount: 9500},
			{Type: "cash", Amount: 9800},
			{Type: "wire", Amount: 100},
		},
	}

	hits := engine.Screen(context.Background(), in)
	want := []domain.ScreeningHit{
		{RuleID: "r1-large", Name: "Large Single", Reason: "Large single transaction"},
		{RuleID: "r3-near-ctr", Name: "Near CTR", Reason: "Repeated cash just under CTR"},
	}
	if diff := cmp.Diff(want, hits); diff != "" {
		t.Errorf("hits mismatch (-want +got):\n%s", diff)
	}
}

func TestScreenNoRules(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	hits := engine.Screen(context.Background(), domain.CaseInput{})
	if hits == nil || len(hits) != 0 {
		t.Errorf("expected empty non-nil hits, got %#v", hits)
	}
}

func TestLoadRuleReplacesByID(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	_ = engine.LoadRule(&domain.ScreeningRule{ID: "x", Expression: "true", Reason: "first", Enabled: true})
	_ = engine.LoadRule(&domain.ScreeningRule{ID: "x", Expression: "true", Reason: "second", Enabled: true})

	if engine.RulesCount() != 1 {
		t.Fatalf("expected 1 rule, got %d", engine.RulesCount())
	}
	hits := engine.Screen(context.Background(), domain.CaseInput{})
	if len(hits) != 1 || hits[0].Reason != "second" {
		t.Errorf("expected replaced rule to win, got %+v", hits)
	}
}

func TestScreenCancelledContext(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()
	_ = engine.LoadRule(&domain.ScreeningRule{ID: "always", Expression: "true", Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if hits := engine.Screen(ctx, domain.CaseInput{}); len(hits) != 0 {
		t.Errorf("expected no hits for a cancelled context, got %+v", hits)
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	_ = engine.LoadRule(&domain.ScreeningRule{ID: "old", Expression: "true", Enabled: true})

	err := engine.ReloadRules([]*domain.ScreeningRule{
		{ID: "b", Expression: "txn_count > 0", Enabled: true},
		{ID: "a", Expression: "account_count == 0", Enabled: true},
		{ID: "off", Expression: "true", Enabled: false},
	})
	if err != nil {
		t.Fatalf("Failed to reload rules: %v", err)
	}

	var ids []string
	for _, r := range engine.Rules() {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("loaded rules mismatch (-want +got):\n%s", diff)
	}

	t.Run("FailedReloadKeepsPreviousSet", func(t *testing.T) {
		err := engine.ReloadRules([]*domain.ScreeningRule{
			{ID: "c", Expression: "true", Enabled: true},
			{ID: "broken", Expression: "(", Enabled: true},
		})
		if err == nil {
			t.Fatal("expected reload error")
		}
		if engine.RulesCount() != 2 {
			t.Errorf("expected previous 2 rules to remain, got %d", engine.RulesCount())
		}
	})
}

func TestActivation(t *testing.T) {
	in := domain.CaseInput{
		TotalAmount:       30000,
		SubjectIdentified: false,
		Accounts:          []domain.Account{{Number: "1"}, {Number: "2"}},
		Transactions: []domain.CaseTransaction{
			{Type: "cash", Amount: 9000},
			{Type: "cash", Amount: 10000},
			{Type: "check", Amount: 11000},
		},
		Narrative: "ünïcode",
	}

	want := map[string]any{
		"total_amount":        30000.0,
		"max_amount":          11000.0,
		"txn_count":           int64(3),
		"cash_count":          int64(2),
		"cash_near_ctr_count": int64(1),
		"account_count":       int64(2),
		"subject_identified":  false,
		"has_narrative":       true,
		"narrative_length":    int64(7),
	}
	if diff := cmp.Diff(want, Activation(in)); diff != "" {
		t.Errorf("activation mismatch (-want +got):\n%s", diff)
	}
}
