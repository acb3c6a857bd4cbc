package risk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// stubClassifier returns a canned analysis (or error) and counts calls.
type stubClassifier struct {
	analysis *Analysis
	err      error
	calls    atomic.Int64
	lastReq  ClassifyRequest
}

func (s *stubClassifier) Classify(ctx context.Context, req ClassifyRequest) (*Analysis, error) {
	s.calls.Add(1)
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.analysis
	return &cp, nil
}

func classifierReturning(score float64, category Category) *stubClassifier {
	return &stubClassifier{analysis: &Analysis{
		RiskScore:   score,
		Category:    category,
		Indicators:  []Indicator{},
		Explanation: "stub verdict",
		Confidence:  90,
		Method:      "classifier",
	}}
}

// recordingNotifier captures pipeline side effects for assertions.
type recordingNotifier struct {
	assessments atomic.Int64
	alerts      atomic.Int64
}

func (n *recordingNotifier) AssessmentStored(a *Assessment) { n.assessments.Add(1) }
func (n *recordingNotifier) AlertRaised(al *Alert)          { n.alerts.Add(1) }

func testPipeline(store Store, cls Classifier, opts ...Option) *Pipeline {
	cfg := PipelineConfig{
		MinInterval:      time.Millisecond,
		EnableClassifier: cls != nil,
	}
	opts = append([]Option{WithRules(testRules())}, opts...)
	return NewPipeline(store, cls, cfg, opts...)
}

func startPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(func() {
		p.Shutdown(true)
		cancel()
	})
	waitFor(t, func() bool { return p.Running() }, "pipeline did not start")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitForAssessments(t *testing.T, store *MemoryStore, n int) []*Assessment {
	t.Helper()
	var got []*Assessment
	waitFor(t, func() bool {
		got, _ = store.ListAssessments(context.Background(), AssessmentFilter{Limit: 100})
		return len(got) >= n
	}, fmt.Sprintf("timed out waiting for %d assessments", n))
	return got
}

func event(externalID, text string) *Event {
	return &Event{
		ExternalID: externalID,
		ActorID:    "usr-1",
		ActorName:  "Mallory",
		ChannelID:  "ch-1",
		Text:       text,
	}
}

// ---------------------------------------------------------------------------
// Scoring paths
// ---------------------------------------------------------------------------

func TestPipeline_HeuristicOnlyShortBenign(t *testing.T) {
	store := NewMemoryStore()
	cls := classifierReturning(50, CategoryConcerning)
	p := testPipeline(store, cls)
	startPipeline(t, p)

	// Short, clean, no history: all three gate conditions false.
	if err := p.Submit(context.Background(), event("m1", "gg wp")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForAssessments(t, store, 1)
	if cls.calls.Load() != 0 {
		t.Errorf("classifier called %d times, want 0", cls.calls.Load())
	}
	if got[0].RiskScore != 0 {
		t.Errorf("score = %v, want 0", got[0].RiskScore)
	}
	if got[0].Category != CategoryNormal {
		t.Errorf("category = %v, want normal", got[0].Category)
	}
	if got[0].Flagged {
		t.Error("clean message must not be flagged")
	}
}

func TestPipeline_EmptyTextShortCircuits(t *testing.T) {
	store := NewMemoryStore()
	cls := classifierReturning(99, CategoryExtremism)
	p := testPipeline(store, cls)
	startPipeline(t, p)

	if err := p.Submit(context.Background(), event("m1", "   ")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForAssessments(t, store, 1)
	if cls.calls.Load() != 0 {
		t.Error("whitespace-only text must not reach the classifier")
	}
	if got[0].RiskScore != 0 || got[0].Category != CategoryNormal {
		t.Errorf("got score=%v category=%v, want 0/normal", got[0].RiskScore, got[0].Category)
	}
}

func TestPipeline_LongTextInvokesClassifier(t *testing.T) {
	store := NewMemoryStore()
	cls := classifierReturning(40, CategoryConcerning)
	p := testPipeline(store, cls)
	startPipeline(t, p)

	long := "this message is completely harmless but it is definitely longer than fifty characters"
	if err := p.Submit(context.Background(), event("m1", long)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForAssessments(t, store, 1)
	if cls.calls.Load() != 1 {
		t.Fatalf("classifier called %d times, want 1", cls.calls.Load())
	}
	// 0.7*40 + 0.3*0 = 28
	if got[0].RiskScore != 28 {
		t.Errorf("score = %v, want 28", got[0].RiskScore)
	}
	if got[0].Category != CategoryConcerning {
		t.Errorf("category = %v, want classifier's", got[0].Category)
	}
}

func TestPipeline_KeywordHitInvokesClassifier(t *testing.T) {
	store := NewMemoryStore()
	cls := classifierReturning(80, CategoryHateSpeech)
	p := testPipeline(store, cls)
	startPipeline(t, p)

	// Two pattern hits: heuristic 60 > gate threshold 30, text under 50 chars.
	if err := p.Submit(context.Background(), event("m1", "subhuman, violent revolution")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForAssessments(t, store, 1)
	if cls.calls.Load() != 1 {
		t.Fatalf("classifier called %d times, want 1", cls.calls.Load())
	}
	// 0.7*80 + 0.3*60 = 74
	if got[0].RiskScore != 74 {
		t.Errorf("score = %v, want 74", got[0].RiskScore)
	}
	if !got[0].Flagged {
		t.Error("score 74 must be flagged")
	}
	// Heuristic indicators come first.
	if len(got[0].Indicators) < 2 {
		t.Fatalf("expected heuristic indicators present, got %d", len(got[0].Indicators))
	}
}

func TestPipeline_FlaggedHistoryInvokesClassifier(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Seed a flagged assessment for the actor.
	actor, _ := store.UpsertActor(ctx, "usr-1", "Mallory")
	_ = store.StoreAssessment(ctx, &Assessment{
		ID: "asm-0", ActorID: actor.ID, ChannelID: "ch-1", RiskScore: 65, Flagged: true,
	})

	cls := classifierReturning(20, CategoryNormal)
	p := testPipeline(store, cls)
	startPipeline(t, p)

	// Short, clean text: only the history condition gates the call in.
	if err := p.Submit(ctx, event("m1", "hello again")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForAssessments(t, store, 2)
	if cls.calls.Load() != 1 {
		t.Errorf("classifier called %d times, want 1 (flagged history)", cls.calls.Load())
	}
	if cls.lastReq.HistorySummary == "" {
		t.Error("classifier request should carry the actor history summary")
	}
}

func TestPipeline_ClassifierFailureUsesFallback(t *testing.T) {
	store := NewMemoryStore()
	cls := &stubClassifier{err: errors.New("upstream 500")}
	p := testPipeline(store, cls)
	startPipeline(t, p)

	// Heuristic 90 (three hits) gates the classifier in; it fails.
	if err := p.Submit(context.Background(), event("m1", "subhuman, kill all of them, racial war now")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForAssessments(t, store, 1)
	// 0.7*0 (fallback) + 0.3*90 = 27
	if got[0].RiskScore != 27 {
		t.Errorf("score = %v, want 27", got[0].RiskScore)
	}
	if got[0].Category != CategoryError {
		t.Errorf("category = %v, want error", got[0].Category)
	}
	if got[0].Flagged {
		t.Error("27 is below the flag threshold")
	}
}

func TestPipeline_ClassifierDisabled(t *testing.T) {
	store := NewMemoryStore()
	p := testPipeline(store, nil)
	startPipeline(t, p)

	long := "a perfectly ordinary message that happens to run past the fifty character gate easily"
	if err := p.Submit(context.Background(), event("m1", long)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForAssessments(t, store, 1)
	if got[0].RiskScore != 0 || got[0].Category != CategoryNormal {
		t.Errorf("heuristic-only result = %v/%v, want 0/normal", got[0].RiskScore, got[0].Category)
	}
}

// ---------------------------------------------------------------------------
// Alerting tiers
// ---------------------------------------------------------------------------

func TestPipeline_CriticalAlert(t *testing.T) {
	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	// Heuristic 90, classifier 100: 0.7*100 + 0.3*90 = 97 >= 95.
	cls := classifierReturning(100, CategoryViolentRhetoric)
	p := testPipeline(store, cls, WithNotifier(notifier))
	startPipeline(t, p)

	if err := p.Submit(context.Background(), event("m1", "subhuman, kill all of them, racial war now")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForAssessments(t, store, 1)
	waitFor(t, func() bool { return notifier.alerts.Load() == 1 }, "alert was not delivered")

	alerts, _ := store.ListAlerts(context.Background(), AlertFilter{})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Severity != SeverityCritical {
		t.Errorf("severity = %v, want critical", alerts[0].Severity)
	}
	if alerts[0].Status != StatusOpen {
		t.Errorf("status = %q, want open", alerts[0].Status)
	}
}

func TestPipeline_HighAlert(t *testing.T) {
	store := NewMemoryStore()
	// Heuristic 90, classifier 90: combined exactly 90.
	cls := classifierReturning(90, CategoryExtremism)
	p := testPipeline(store, cls)
	startPipeline(t, p)

	if err := p.Submit(context.Background(), event("m1", "subhuman, kill all of them, racial war now")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForAssessments(t, store, 1)
	waitFor(t, func() bool {
		alerts, _ := store.ListAlerts(context.Background(), AlertFilter{})
		return len(alerts) == 1
	}, "expected one alert")

	alerts, _ := store.ListAlerts(context.Background(), AlertFilter{})
	if alerts[0].Severity != SeverityHigh {
		t.Errorf("severity = %v, want high", alerts[0].Severity)
	}
}

func TestPipeline_FlaggedWithoutAlert(t *testing.T) {
	store := NewMemoryStore()
	// Heuristic 60, classifier 65: 0.7*65 + 0.3*60 = 63.5 -> flagged, no alert.
	cls := classifierReturning(65, CategoryConcerning)
	p := testPipeline(store, cls)
	startPipeline(t, p)

	if err := p.Submit(context.Background(), event("m1", "subhuman, violent revolution")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForAssessments(t, store, 1)
	if !got[0].Flagged {
		t.Error("63.5 must be flagged")
	}
	alerts, _ := store.ListAlerts(context.Background(), AlertFilter{})
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(alerts))
	}
}

// ---------------------------------------------------------------------------
// Idempotence and rolling risk
// ---------------------------------------------------------------------------

func TestPipeline_DuplicateEventIsNoOp(t *testing.T) {
	store := NewMemoryStore()
	p := testPipeline(store, nil)
	startPipeline(t, p)

	ctx := context.Background()
	if err := p.Submit(ctx, event("same-id", "first delivery")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Submit(ctx, event("same-id", "second delivery")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// A third distinct event proves both earlier ones were consumed.
	if err := p.Submit(ctx, event("other-id", "unrelated")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForAssessments(t, store, 2)
	time.Sleep(50 * time.Millisecond)
	got, _ = store.ListAssessments(ctx, AssessmentFilter{Limit: 100})
	if len(got) != 2 {
		t.Errorf("expected 2 assessments (duplicate skipped), got %d", len(got))
	}
}

func TestUpdateRollingRisk_MeanOfRecent(t *testing.T) {
	store := NewMemoryStore()
	p := testPipeline(store, nil)
	ctx := context.Background()

	actor, _ := store.UpsertActor(ctx, "usr-1", "Mallory")
	for i, score := range []float64{10, 20, 90} {
		_ = store.StoreAssessment(ctx, &Assessment{
			ID: fmt.Sprintf("asm-%d", i), ActorID: actor.ID, RiskScore: score,
			CreatedAt: time.Now(),
		})
	}

	if err := p.updateRollingRisk(ctx, store, actor.ID); err != nil {
		t.Fatalf("updateRollingRisk: %v", err)
	}

	got, _ := store.GetActor(ctx, actor.ID)
	if got.RiskScore != 40 {
		t.Errorf("rolling risk = %v, want 40 (mean of 10, 20, 90)", got.RiskScore)
	}
}

func TestUpdateRollingRisk_WindowBounded(t *testing.T) {
	store := NewMemoryStore()
	cfg := PipelineConfig{RollingWindow: 3, MinInterval: time.Millisecond}
	p := NewPipeline(store, nil, cfg, WithRules(testRules()))
	ctx := context.Background()

	actor, _ := store.UpsertActor(ctx, "usr-1", "Mallory")
	// Older scores fall outside the window of 3.
	for i, score := range []float64{100, 100, 10, 20, 90} {
		_ = store.StoreAssessment(ctx, &Assessment{
			ID: fmt.Sprintf("asm-%d", i), ActorID: actor.ID, RiskScore: score,
		})
	}

	if err := p.updateRollingRisk(ctx, store, actor.ID); err != nil {
		t.Fatalf("updateRollingRisk: %v", err)
	}

	got, _ := store.GetActor(ctx, actor.ID)
	if got.RiskScore != 40 {
		t.Errorf("rolling risk = %v, want 40 (only the last 3 count)", got.RiskScore)
	}
}

func TestPipeline_ActorRiskUpdatedAfterAssessment(t *testing.T) {
	store := NewMemoryStore()
	p := testPipeline(store, nil)
	startPipeline(t, p)

	ctx := context.Background()
	if err := p.Submit(ctx, event("m1", "subhuman, violent revolution")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForAssessments(t, store, 1)
	waitFor(t, func() bool {
		a, err := store.GetActor(ctx, "usr-1")
		return err == nil && a.RiskScore == 60
	}, "actor rolling risk should equal the single assessment score")
}

// ---------------------------------------------------------------------------
// Context assembly
// ---------------------------------------------------------------------------

func TestAssembleContext_OldestFirstBotFree(t *testing.T) {
	store := NewMemoryStore()
	p := testPipeline(store, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 4; i++ {
		if _, err := store.AppendEvent(ctx, &Event{
			ID: fmt.Sprintf("e%d", i), ExternalID: fmt.Sprintf("x%d", i),
			ActorID: "usr-1", ActorName: fmt.Sprintf("user%d", i),
			ChannelID: "ch-1", Text: fmt.Sprintf("msg %d", i),
			ActorIsBot: i == 1, // one bot message in the middle
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	current := &Event{ID: "e9", ChannelID: "ch-1", CreatedAt: base.Add(time.Minute)}
	window := p.assembleContext(ctx, current)

	if len(window) != 3 {
		t.Fatalf("window size = %d, want 3 (bot excluded)", len(window))
	}
	// Oldest first.
	if window[0].Text != "msg 0" || window[2].Text != "msg 3" {
		t.Errorf("window not oldest-first: %v", window)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestPipeline_SubmitAfterShutdown(t *testing.T) {
	store := NewMemoryStore()
	p := testPipeline(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	waitFor(t, func() bool { return p.Running() }, "pipeline did not start")

	p.Shutdown(true)

	if err := p.Submit(context.Background(), event("m1", "late")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestPipeline_GracefulShutdownDrainsBacklog(t *testing.T) {
	store := NewMemoryStore()
	p := testPipeline(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	waitFor(t, func() bool { return p.Running() }, "pipeline did not start")

	for i := 0; i < 5; i++ {
		if err := p.Submit(ctx, event(fmt.Sprintf("m%d", i), "drain me")); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	p.Shutdown(true)

	got, _ := store.ListAssessments(context.Background(), AssessmentFilter{Limit: 100})
	if len(got) != 5 {
		t.Errorf("expected all 5 accepted events assessed after graceful shutdown, got %d", len(got))
	}
}

func TestPipeline_ShutdownPromptWhileIdle(t *testing.T) {
	store := NewMemoryStore()
	// Long rate floor: shutdown must still return promptly from the wait.
	cfg := PipelineConfig{MinInterval: 10 * time.Second}
	p := NewPipeline(store, nil, cfg, WithRules(testRules()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	waitFor(t, func() bool { return p.Running() }, "pipeline did not start")

	// One item puts the worker into the inter-item wait.
	if err := p.Submit(ctx, event("m1", "only item")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForAssessments(t, store, 1)

	start := time.Now()
	p.Shutdown(true)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("idle shutdown took %v, should not wait out the rate floor", elapsed)
	}
}

func TestPipeline_ShutdownIdempotent(t *testing.T) {
	store := NewMemoryStore()
	p := testPipeline(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	waitFor(t, func() bool { return p.Running() }, "pipeline did not start")

	p.Shutdown(true)
	p.Shutdown(true) // second call must not panic or hang
}

func TestPipeline_NotifierReceivesAssessments(t *testing.T) {
	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	p := testPipeline(store, nil, WithNotifier(notifier))
	startPipeline(t, p)

	if err := p.Submit(context.Background(), event("m1", "hello")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, func() bool { return notifier.assessments.Load() == 1 }, "assessment was not delivered")
	if notifier.alerts.Load() != 0 {
		t.Errorf("unexpected alert delivery for benign message")
	}
}
