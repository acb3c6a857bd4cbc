package risk

import (
	"math"
	"testing"
)

func TestCombine_WeightedAverage(t *testing.T) {
	h := &Analysis{RiskScore: 100, Category: CategoryHighRisk, Confidence: 60, Method: "heuristic"}
	c := &Analysis{RiskScore: 0, Category: CategoryNormal, Explanation: "benign", Confidence: 90, Method: "classifier"}

	got := Combine(h, c)

	// 0.7*0 + 0.3*100 = 30 exactly.
	if got.RiskScore != 30 {
		t.Errorf("combined score = %v, want 30", got.RiskScore)
	}
	if got.Method != "combined" {
		t.Errorf("method = %q, want combined", got.Method)
	}
}

func TestCombine_ScoreBounded(t *testing.T) {
	for _, tc := range []struct{ h, c float64 }{
		{0, 0}, {100, 100}, {13, 87}, {55.5, 44.5},
	} {
		got := Combine(&Analysis{RiskScore: tc.h}, &Analysis{RiskScore: tc.c})
		lo, hi := math.Min(tc.h, tc.c), math.Max(tc.h, tc.c)
		if got.RiskScore < lo || got.RiskScore > hi {
			t.Errorf("Combine(%v, %v) = %v, outside [%v, %v]", tc.h, tc.c, got.RiskScore, lo, hi)
		}
	}
}

func TestCombine_NilClassifierPassthrough(t *testing.T) {
	h := &Analysis{RiskScore: 42, Category: CategoryConcerning, Method: "heuristic"}

	got := Combine(h, nil)
	if got != h {
		t.Error("nil classifier should pass the heuristic analysis through unchanged")
	}
}

func TestCombine_ClassifierFieldsWin(t *testing.T) {
	h := &Analysis{
		RiskScore:   60,
		Category:    CategoryConcerning,
		Explanation: "keyword hits",
		Confidence:  60,
	}
	c := &Analysis{
		RiskScore:           80,
		Category:            CategoryExtremism,
		Explanation:         "recruitment language",
		Confidence:          92,
		RequiresHumanReview: true,
	}

	got := Combine(h, c)
	if got.Category != CategoryExtremism {
		t.Errorf("category = %v, want classifier's", got.Category)
	}
	if got.Explanation != "recruitment language" {
		t.Errorf("explanation = %q, want classifier's", got.Explanation)
	}
	if got.Confidence != 92 {
		t.Errorf("confidence = %v, want classifier's", got.Confidence)
	}
	if !got.RequiresHumanReview {
		t.Error("human review flag should carry over from classifier")
	}
}

func TestCombine_FallsBackToHeuristicFields(t *testing.T) {
	h := &Analysis{RiskScore: 30, Category: CategoryConcerning, Explanation: "keyword hits"}
	c := &Analysis{RiskScore: 50}

	got := Combine(h, c)
	if got.Category != CategoryConcerning {
		t.Errorf("empty classifier category should fall back, got %v", got.Category)
	}
	if got.Explanation != "keyword hits" {
		t.Errorf("empty classifier explanation should fall back, got %q", got.Explanation)
	}
}

func TestCombine_IndicatorsHeuristicFirst(t *testing.T) {
	h := &Analysis{Indicators: []Indicator{
		{Type: "hate_speech", Description: "h1"},
		{Type: "extremism", Description: "h2"},
	}}
	c := &Analysis{Indicators: []Indicator{
		{Type: "coded_language", Description: "c1"},
	}}

	got := Combine(h, c)
	want := []string{"h1", "h2", "c1"}
	if len(got.Indicators) != len(want) {
		t.Fatalf("indicator count = %d, want %d", len(got.Indicators), len(want))
	}
	for i, d := range want {
		if got.Indicators[i].Description != d {
			t.Errorf("indicator[%d] = %q, want %q", i, got.Indicators[i].Description, d)
		}
	}
}

func TestClampScore(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-5, 0},
		{0, 0},
		{50, 50},
		{100, 100},
		{150, 100},
	}
	for _, tc := range tests {
		if got := ClampScore(tc.in); got != tc.want {
			t.Errorf("ClampScore(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFallbackAnalysis(t *testing.T) {
	f := FallbackAnalysis()
	if f.RiskScore != 0 {
		t.Errorf("fallback score = %v, want 0", f.RiskScore)
	}
	if f.Category != CategoryError {
		t.Errorf("fallback category = %v, want error", f.Category)
	}
	if f.Explanation != "classification failed" {
		t.Errorf("fallback explanation = %q", f.Explanation)
	}
	if f.Confidence != 0 {
		t.Errorf("fallback confidence = %v, want 0", f.Confidence)
	}
	if !f.RequiresHumanReview {
		t.Error("fallback must require human review")
	}
	if f.Indicators == nil || len(f.Indicators) != 0 {
		t.Error("fallback indicators must be empty, not nil")
	}
}

func TestCombine_WithFallback(t *testing.T) {
	// A broken classifier drags a hot heuristic score down: 0.7*0 + 0.3*100.
	h := &Analysis{RiskScore: 100, Category: CategoryHighRisk}
	got := Combine(h, FallbackAnalysis())
	if got.RiskScore != 30 {
		t.Errorf("fallback combine = %v, want 30", got.RiskScore)
	}
	if got.Category != CategoryError {
		t.Errorf("category = %v, want error", got.Category)
	}
	if !got.RequiresHumanReview {
		t.Error("human review flag must survive combination")
	}
}
