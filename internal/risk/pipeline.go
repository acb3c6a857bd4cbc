package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/commwatch/commwatch/internal/idgen"
	"github.com/commwatch/commwatch/internal/metrics"
	"github.com/commwatch/commwatch/internal/traces"
)

// Notifier receives terminal pipeline side effects for live delivery.
// Implemented by the realtime hub; a nil notifier disables delivery.
type Notifier interface {
	AssessmentStored(a *Assessment)
	AlertRaised(al *Alert)
}

// PipelineConfig tunes the ingestion pipeline. Zero values fall back to the
// package defaults.
type PipelineConfig struct {
	QueueSize     int           // bounded submission queue capacity
	MinInterval   time.Duration // rate floor between consecutive items
	ContextWindow int           // K prior events passed to the classifier
	RollingWindow int           // N assessments in the actor rolling average

	// Classifier invocation gate.
	GateMinLength int     // invoke when text is longer than this
	GateMinScore  float64 // invoke when heuristic score exceeds this

	MediumThreshold   float64 // flags the assessment
	HighThreshold     float64 // raises an alert
	CriticalThreshold float64

	ClassifyTimeout  time.Duration
	EnableClassifier bool // monitoring toggle; false forces heuristic-only
}

func (c *PipelineConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = DefaultContextWindow
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = DefaultRollingWindow
	}
	if c.GateMinLength <= 0 {
		c.GateMinLength = DefaultGateMinLength
	}
	if c.GateMinScore <= 0 {
		c.GateMinScore = DefaultGateMinScore
	}
	if c.MediumThreshold <= 0 {
		c.MediumThreshold = DefaultMediumThreshold
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = DefaultHighThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = DefaultCriticalThreshold
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = DefaultClassifyBudget
	}
}

// Pipeline is the single-consumer ingestion pipeline. Producers call Submit;
// exactly one worker drains the queue in FIFO order and runs the full stage
// sequence per event. The single worker is deliberate: it caps load on the
// rate-limited classifier and serializes per-actor rolling-risk writes
// without locks.
type Pipeline struct {
	store      Store
	classifier Classifier
	rules      *RuleSet
	alerts     *AlertEngine
	notifier   Notifier
	cfg        PipelineConfig
	logger     *slog.Logger

	queue    chan *Event
	limiter  *rate.Limiter
	stop     chan struct{}
	done     chan struct{}
	stopping atomic.Bool
	running  atomic.Bool
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithNotifier sets the live delivery sink.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithRules overrides the default heuristic rule set.
func WithRules(rs *RuleSet) Option {
	return func(p *Pipeline) { p.rules = rs }
}

// NewPipeline creates a pipeline over the given store and classifier port.
// The classifier may be nil only when cfg.EnableClassifier is false.
func NewPipeline(store Store, classifier Classifier, cfg PipelineConfig, opts ...Option) *Pipeline {
	cfg.applyDefaults()

	p := &Pipeline{
		store:      store,
		classifier: classifier,
		rules:      DefaultRules(),
		alerts:     NewAlertEngine(cfg.HighThreshold, cfg.CriticalThreshold),
		cfg:        cfg,
		logger:     slog.Default(),
		queue:      make(chan *Event, cfg.QueueSize),
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Running reports whether the worker loop is active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Submit enqueues an event for processing. Blocking enqueue policy: when the
// queue is full the caller blocks until space frees up or ctx is cancelled.
// After shutdown has begun, Submit fails fast with ErrShuttingDown.
func (p *Pipeline) Submit(ctx context.Context, ev *Event) error {
	if p.stopping.Load() {
		return ErrShuttingDown
	}
	select {
	case p.queue <- ev:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-p.stop:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until Shutdown is called or ctx is cancelled. The
// in-flight item always runs to completion so its transaction is never left
// half-applied; cancellation is only observed between items. Call in a
// goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)
	defer close(p.done)

	p.logger.Info("risk pipeline started",
		"queue_size", p.cfg.QueueSize,
		"min_interval", p.cfg.MinInterval,
		"classifier_enabled", p.cfg.EnableClassifier,
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("risk pipeline stopped", "reason", "context cancelled")
			return
		case <-p.stop:
			// Drain what was accepted before shutdown, then exit.
			for {
				select {
				case ev := <-p.queue:
					p.processSafely(ctx, ev)
				default:
					p.logger.Info("risk pipeline stopped", "reason", "shutdown")
					return
				}
			}
		case ev := <-p.queue:
			metrics.QueueDepth.Set(float64(len(p.queue)))
			p.processSafely(ctx, ev)

			// Rate floor between consecutive items.
			if err := p.waitInterval(ctx); err != nil {
				p.logger.Info("risk pipeline stopped", "reason", "context cancelled")
				return
			}
		}
	}
}

// waitInterval enforces the inter-item rate floor. A shutdown signal cuts the
// wait short (the drain path handles the rest); context cancellation aborts.
func (p *Pipeline) waitInterval(ctx context.Context) error {
	r := p.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-p.stop:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Shutdown stops the pipeline. New submissions are refused immediately; the
// worker finishes its in-flight item, drains already-accepted items, and
// exits. With graceful=false the accepted backlog is abandoned (the in-flight
// item still completes). Blocks until the worker has exited.
func (p *Pipeline) Shutdown(graceful bool) {
	if p.stopping.Swap(true) {
		<-p.done
		return
	}
	if !graceful {
		// Discard the backlog before signalling; in-flight work is untouched.
		for {
			select {
			case <-p.queue:
			default:
				close(p.stop)
				<-p.done
				return
			}
		}
	}
	close(p.stop)
	<-p.done
}

// processSafely isolates per-item failures: a failed event is logged and
// dropped, and the worker moves on after recording the failure.
func (p *Pipeline) processSafely(ctx context.Context, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ProcessingFailures.Inc()
			p.logger.Error("panic processing event", "event", ev.ExternalID, "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	if err := p.process(ctx, ev); err != nil {
		metrics.ProcessingFailures.Inc()
		p.logger.Error("event processing failed", "event", ev.ExternalID, "error", err)
		return
	}
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
}

// process runs one event through the full stage sequence:
// actor upsert -> event append -> heuristic -> (gated) classifier ->
// combine -> transactional persist + rolling risk update + alert.
func (p *Pipeline) process(ctx context.Context, ev *Event) error {
	ctx, span := traces.StartSpan(ctx, "pipeline.process",
		traces.ChannelID(ev.ChannelID), traces.EventID(ev.ExternalID))
	defer span.End()

	actor, err := p.store.UpsertActor(ctx, ev.ActorID, ev.ActorName)
	if err != nil {
		return fmt.Errorf("upsert actor: %w", err)
	}

	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	stored, err := p.store.AppendEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if !stored {
		// Duplicate delivery; the earlier pass already produced the
		// assessment. Idempotent no-op.
		p.logger.Debug("duplicate event skipped", "event", ev.ExternalID)
		return nil
	}
	metrics.EventsProcessed.Inc()

	analysis := p.score(ctx, ev, actor)

	assessment := &Assessment{
		ID:          idgen.WithPrefix("asm_"),
		EventID:     ev.ID,
		ActorID:     actor.ID,
		ChannelID:   ev.ChannelID,
		RiskScore:   analysis.RiskScore,
		Category:    analysis.Category,
		Indicators:  analysis.Indicators,
		Explanation: analysis.Explanation,
		Confidence:  analysis.Confidence,
		Flagged:     analysis.RiskScore >= p.cfg.MediumThreshold,
		CreatedAt:   time.Now().UTC(),
	}

	var alert *Alert
	err = p.store.Tx(ctx, func(tx Store) error {
		if err := tx.StoreAssessment(ctx, assessment); err != nil {
			return fmt.Errorf("store assessment: %w", err)
		}
		if err := p.updateRollingRisk(ctx, tx, actor.ID); err != nil {
			return fmt.Errorf("update rolling risk: %w", err)
		}
		alert, err = p.alerts.Raise(ctx, tx, actor, assessment)
		return err
	})
	if err != nil {
		return err
	}

	metrics.AssessmentsTotal.WithLabelValues(string(assessment.Category)).Inc()
	if alert != nil {
		metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
		p.logger.Warn("alert raised",
			"alert", alert.ID, "severity", alert.Severity,
			"actor", actor.ExternalID, "score", assessment.RiskScore)
	}

	if p.notifier != nil {
		p.notifier.AssessmentStored(assessment)
		if alert != nil {
			p.notifier.AlertRaised(alert)
		}
	}

	p.logger.Info("assessment complete",
		"event", ev.ExternalID,
		"actor", actor.ExternalID,
		"score", assessment.RiskScore,
		"category", assessment.Category,
		"flagged", assessment.Flagged,
	)
	return nil
}

// score runs the heuristic and, when gated in, the classifier, and combines
// the results. Empty or whitespace-only text short-circuits to a zero-score
// normal analysis without touching the classifier.
func (p *Pipeline) score(ctx context.Context, ev *Event, actor *Actor) *Analysis {
	if strings.TrimSpace(ev.Text) == "" {
		return &Analysis{
			RiskScore:   0,
			Category:    CategoryNormal,
			Indicators:  []Indicator{},
			Explanation: "empty message",
			Confidence:  confidenceNoMatch,
			Method:      "heuristic",
		}
	}

	heuristic := p.rules.Score(ev.Text)

	if !p.cfg.EnableClassifier || p.classifier == nil || !p.shouldClassify(ctx, ev, heuristic, actor) {
		return heuristic
	}

	req := ClassifyRequest{
		Text:           ev.Text,
		Context:        p.assembleContext(ctx, ev),
		HistorySummary: p.historySummary(ctx, actor.ID),
	}

	classifyCtx, cancel := context.WithTimeout(ctx, p.cfg.ClassifyTimeout)
	defer cancel()

	start := time.Now()
	result, err := p.classifier.Classify(classifyCtx, req)
	metrics.ClassifierCalls.Inc()
	metrics.ClassifierDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClassifierFailures.Inc()
		p.logger.Error("classifier failed, using fallback", "event", ev.ExternalID, "error", err)
		result = FallbackAnalysis()
	} else {
		result.RiskScore = ClampScore(result.RiskScore)
	}

	return Combine(heuristic, result)
}

// shouldClassify gates the expensive external call: long messages, keyword
// hits, and actors with flagged history are worth the spend.
func (p *Pipeline) shouldClassify(ctx context.Context, ev *Event, heuristic *Analysis, actor *Actor) bool {
	if len(ev.Text) > p.cfg.GateMinLength {
		return true
	}
	if heuristic.RiskScore > p.cfg.GateMinScore {
		return true
	}
	flagged, err := p.store.HasFlaggedHistory(ctx, actor.ID)
	if err != nil {
		p.logger.Warn("flagged-history check failed", "actor", actor.ID, "error", err)
		return false
	}
	return flagged
}

// assembleContext fetches up to K immediately preceding same-channel events,
// oldest first, excluding bot actors. Retrieval failure degrades to an empty
// window; context is an enrichment, never a prerequisite.
func (p *Pipeline) assembleContext(ctx context.Context, ev *Event) []ContextMessage {
	events, err := p.store.RecentEvents(ctx, ev.ChannelID, ev.CreatedAt, p.cfg.ContextWindow)
	if err != nil {
		p.logger.Warn("context retrieval failed", "channel", ev.ChannelID, "error", err)
		return nil
	}

	// RecentEvents returns newest first; the classifier wants oldest first.
	window := make([]ContextMessage, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.ActorIsBot || e.ID == ev.ID {
			continue
		}
		window = append(window, ContextMessage{Author: e.ActorName, Text: e.Text})
	}
	return window
}

// historySummary builds the classifier's one-line view of the actor's recent
// assessments. Errors degrade to an empty summary.
func (p *Pipeline) historySummary(ctx context.Context, actorID string) string {
	recent, err := p.store.RecentAssessments(ctx, actorID, 10)
	if err != nil || len(recent) == 0 {
		return ""
	}

	var sum float64
	flagged := 0
	for _, a := range recent {
		sum += a.RiskScore
		if a.Flagged {
			flagged++
		}
	}
	return fmt.Sprintf("Actor has %d recent assessments. Average risk score: %.1f. Flagged content: %d times.",
		len(recent), sum/float64(len(recent)), flagged)
}

// updateRollingRisk recomputes the actor's risk score as the arithmetic mean
// of their most recent N assessments (including the one just written) and
// persists it with a fresh last_seen. Only the pipeline worker calls this,
// so the read-modify-write is serialized per actor by construction.
func (p *Pipeline) updateRollingRisk(ctx context.Context, store Store, actorID string) error {
	recent, err := store.RecentAssessments(ctx, actorID, p.cfg.RollingWindow)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		return nil
	}

	var sum float64
	for _, a := range recent {
		sum += a.RiskScore
	}
	return store.UpdateActorRisk(ctx, actorID, sum/float64(len(recent)), time.Now().UTC())
}
