package classifier

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/commwatch/commwatch/internal/risk"
)

const goodResponse = `{
  "risk_score": 72,
  "category": "violent_rhetoric",
  "indicators": [
    {"type": "violent_rhetoric", "description": "direct threat", "severity": "high"}
  ],
  "explanation": "Explicit threat against another user",
  "confidence": 88,
  "requires_human_review": false
}`

func TestParseAnalysis_Valid(t *testing.T) {
	a, err := ParseAnalysis(goodResponse)
	if err != nil {
		t.Fatalf("ParseAnalysis: %v", err)
	}
	if a.RiskScore != 72 {
		t.Errorf("score = %v, want 72", a.RiskScore)
	}
	if a.Category != risk.CategoryViolentRhetoric {
		t.Errorf("category = %v, want violent_rhetoric", a.Category)
	}
	if len(a.Indicators) != 1 || a.Indicators[0].Severity != "high" {
		t.Errorf("indicators = %+v", a.Indicators)
	}
	if a.Explanation != "Explicit threat against another user" {
		t.Errorf("explanation = %q", a.Explanation)
	}
	if a.Confidence != 88 {
		t.Errorf("confidence = %v, want 88", a.Confidence)
	}
	if a.Method != "classifier" {
		t.Errorf("method = %q, want classifier", a.Method)
	}
	if a.RequiresHumanReview {
		t.Error("requires_human_review should be false")
	}
}

func TestParseAnalysis_ProseWrappedJSON(t *testing.T) {
	wrapped := "Here is my analysis of the message:\n\n" + goodResponse + "\n\nLet me know if you need more detail."

	a, err := ParseAnalysis(wrapped)
	if err != nil {
		t.Fatalf("ParseAnalysis: %v", err)
	}
	if a.RiskScore != 72 {
		t.Errorf("score = %v, want 72", a.RiskScore)
	}
}

func TestParseAnalysis_EmptyIndicators(t *testing.T) {
	a, err := ParseAnalysis(`{"risk_score": 5, "category": "normal", "indicators": [], "explanation": "benign", "confidence": 95, "requires_human_review": false}`)
	if err != nil {
		t.Fatalf("ParseAnalysis: %v", err)
	}
	if a.Indicators == nil || len(a.Indicators) != 0 {
		t.Errorf("indicators should be empty, not nil: %+v", a.Indicators)
	}
}

func TestParseAnalysis_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"empty", ""},
		{"no JSON", "I cannot analyze this message."},
		{"truncated", `{"risk_score": 50, "category":`},
		{"missing risk_score", `{"category": "normal", "indicators": [], "explanation": "x", "confidence": 50}`},
		{"missing category", `{"risk_score": 50, "indicators": [], "explanation": "x", "confidence": 50}`},
		{"missing indicators", `{"risk_score": 50, "category": "normal", "explanation": "x", "confidence": 50}`},
		{"missing explanation", `{"risk_score": 50, "category": "normal", "indicators": [], "confidence": 50}`},
		{"wrong types", `{"risk_score": "high", "category": "normal", "indicators": [], "explanation": "x"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseAnalysis(tc.response); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestParseAnalysis_ClampsOutOfRange(t *testing.T) {
	a, err := ParseAnalysis(`{"risk_score": 250, "category": "extremism", "indicators": [], "explanation": "x", "confidence": -10, "requires_human_review": true}`)
	if err != nil {
		t.Fatalf("ParseAnalysis: %v", err)
	}
	if a.RiskScore != 100 {
		t.Errorf("score = %v, want clamped to 100", a.RiskScore)
	}
	if a.Confidence != 0 {
		t.Errorf("confidence = %v, want clamped to 0", a.Confidence)
	}
	if !a.RequiresHumanReview {
		t.Error("requires_human_review should carry through")
	}
}

func TestBuildPrompt_MessageOnly(t *testing.T) {
	p := BuildPrompt(risk.ClassifyRequest{Text: "you people are the problem"})

	if !strings.Contains(p, "MESSAGE TO ANALYZE:\nyou people are the problem") {
		t.Error("prompt should embed the message under analysis")
	}
	if strings.Contains(p, "PREVIOUS CONTEXT") {
		t.Error("no context section without context messages")
	}
	if strings.Contains(p, "USER HISTORY SUMMARY") {
		t.Error("no history section without a summary")
	}
	if !strings.Contains(p, `"risk_score"`) {
		t.Error("prompt should state the JSON output contract")
	}
}

func TestBuildPrompt_ContextAndHistory(t *testing.T) {
	p := BuildPrompt(risk.ClassifyRequest{
		Text: "and that is why we fight",
		Context: []risk.ContextMessage{
			{Author: "alice", Text: "anyone up for ranked?"},
			{Author: "", Text: "sure, queue up"},
		},
		HistorySummary: "Actor has 4 recent assessments. Average risk score: 55.0. Flagged content: 2 times.",
	})

	if !strings.Contains(p, "PREVIOUS CONTEXT (last 2 messages):") {
		t.Error("context header should state the window size")
	}
	if !strings.Contains(p, "1. alice: anyone up for ranked?") {
		t.Error("context messages should be numbered with authors")
	}
	if !strings.Contains(p, "2. Unknown: sure, queue up") {
		t.Error("missing author should render as Unknown")
	}
	if !strings.Contains(p, "USER HISTORY SUMMARY:\nActor has 4 recent assessments.") {
		t.Error("history summary should be embedded verbatim")
	}
}

func TestBuildPrompt_ContextCappedAtFive(t *testing.T) {
	ctx := make([]risk.ContextMessage, 8)
	for i := range ctx {
		ctx[i] = risk.ContextMessage{Author: "bob", Text: strings.Repeat("x", i+1)}
	}

	p := BuildPrompt(risk.ClassifyRequest{Text: "msg", Context: ctx})

	if !strings.Contains(p, "PREVIOUS CONTEXT (last 5 messages):") {
		t.Error("context window should cap at 5")
	}
	// The newest five survive; the oldest three are dropped.
	if !strings.Contains(p, "1. bob: xxxx\n") {
		t.Error("window should keep the most recent messages")
	}
	if strings.Contains(p, "bob: x\n") {
		t.Error("oldest messages should be dropped from the window")
	}
}

func TestClassify_CircuitOpen(t *testing.T) {
	c := New("test-key", "gpt-4o-mini")
	for i := 0; i < breakerThreshold; i++ {
		c.breaker.RecordFailure()
	}

	_, err := c.Classify(context.Background(), risk.ClassifyRequest{Text: "anything"})
	if err != ErrCircuitOpen {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestNew_Options(t *testing.T) {
	c := New("test-key", "gpt-4o-mini", WithTimeout(5*time.Second))
	if c.model != "gpt-4o-mini" {
		t.Errorf("model = %q", c.model)
	}
	if c.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", c.timeout)
	}
}
