package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxTotal() != 100 {
		t.Fatalf("max total = %d, want 100", cfg.MaxTotal())
	}
	if cfg.GenerationTimeout() != 45*time.Second {
		t.Fatalf("generation timeout = %v", cfg.GenerationTimeout())
	}
	if got := cfg.Recommendation("B", "CONTACTED"); !strings.Contains(got, "use-case reference") {
		t.Fatalf("unexpected recommendation %q", got)
	}
	if got := cfg.Recommendation("A", "ENGAGED"); got != cfg.Recommendations["A"]["*"] {
		t.Fatalf("grade default not applied: %q", got)
	}
	if got := cfg.Recommendation("", "WON"); got != "Hand over to delivery." {
		t.Fatalf("unscored lookup = %q", got)
	}
}

func TestFromYAMLKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := FromYAML([]byte("pipeline:\n  probability_score_weight: 0.5\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Pipeline.ProbabilityScoreWeight != 0.5 {
		t.Fatalf("weight = %v", cfg.Pipeline.ProbabilityScoreWeight)
	}
	if cfg.BANT.Grades.A != 75 || cfg.Stage("QUALIFIED").HorizonDays != 5 {
		t.Fatalf("defaults lost: %+v", cfg.BANT.Grades)
	}
}

func TestStageProbabilitiesMayStayFlat(t *testing.T) {
	doc := "pipeline:\n  stages:\n    CONTACTED: {probability: 0.35, horizon_days: 3}\n"
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("equal neighbouring probabilities should validate: %v", err)
	}
	if cfg.Stage("CONTACTED").Probability != cfg.Stage("ENGAGED").Probability {
		t.Fatalf("expected CONTACTED to match ENGAGED, got %+v", cfg.Pipeline.Stages)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"maxima over 100":            "bant:\n  max: {budget: 40, authority: 40, need: 40, timeline: 40}\n",
		"grades inverted":            "bant:\n  grades: {a: 40, b: 60}\n",
		"weight out of range":        "pipeline:\n  probability_score_weight: 1.5\n",
		"unknown stage":              "recommendations:\n  A:\n    SHIPPED: \"x\"\n",
		"bad timeout":                "generation:\n  timeout: soon\n",
		"webhook without url":        "webhooks:\n  - id: crm\n",
		"probability falls by stage": "pipeline:\n  stages:\n    QUALIFIED: {probability: 0.2, horizon_days: 5}\n",
		"negative track bonus":       "bant:\n  technical_track: {budget_bonus: -1}\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file should give nil,nil; got %v, %v", cfg, err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("Load should fail without a file")
	}
	if err := os.WriteFile(filepath.Join(dir, "copilot.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if len(cfg.RBAC.Roles) != 3 {
		t.Fatalf("expected 3 roles, got %d", len(cfg.RBAC.Roles))
	}
}
