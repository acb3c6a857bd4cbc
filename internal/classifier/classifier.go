// Package classifier implements the external semantic classifier port on top
// of an OpenAI-compatible chat completion API. The model is prompted to
// return a strict JSON verdict; responses are validated and normalized at
// this boundary so the pipeline never sees malformed output.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/commwatch/commwatch/internal/circuitbreaker"
	"github.com/commwatch/commwatch/internal/risk"
)

const (
	// Low temperature for consistent scoring across repeated content.
	analysisTemperature = 0.3
	defaultMaxTokens    = 1024
	defaultTimeout      = 30 * time.Second

	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// ErrCircuitOpen is returned when the breaker is rejecting calls after
// repeated upstream failures. The pipeline treats it like any other
// classification failure and substitutes the fallback analysis.
var ErrCircuitOpen = errors.New("classifier: circuit open")

// Client calls a chat completion API to score message risk. Implements
// risk.Classifier. A circuit breaker fronts the upstream so a dead endpoint
// fails fast instead of eating the full timeout per event.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Compile-time check.
var _ risk.Classifier = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithTimeout bounds each classification call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint (local
// inference servers, proxies).
func WithBaseURL(apiKey, baseURL string) Option {
	return func(c *Client) {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		c.api = openai.NewClientWithConfig(cfg)
	}
}

// New creates a classifier client for the given API key and model.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		api:     openai.NewClient(apiKey),
		model:   model,
		timeout: defaultTimeout,
		breaker: circuitbreaker.New("classifier", breakerThreshold, breakerOpenFor),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify scores a message for risk. Transport failures and malformed
// responses return an error; the caller substitutes the fallback analysis.
func (c *Client) Classify(ctx context.Context, req risk.ClassifyRequest) (*risk.Analysis, error) {
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: analysisTemperature,
		MaxTokens:   defaultMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
	})
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("classifier call: %w", err)
	}
	if len(resp.Choices) == 0 {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("classifier returned no choices")
	}

	analysis, err := ParseAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Debug("unparseable classifier response", "response", resp.Choices[0].Message.Content)
		return nil, err
	}
	c.breaker.RecordSuccess()

	c.logger.Debug("classification complete", "score", analysis.RiskScore, "category", analysis.Category)
	return analysis, nil
}

// BuildPrompt renders the analysis prompt: the message under review, up to
// five context messages, and the actor history summary, followed by the
// strict JSON output contract.
func BuildPrompt(req risk.ClassifyRequest) string {
	var b strings.Builder

	b.WriteString(`You are an expert at analyzing online communication for signs of radicalization and extremism in gaming communities. Your role is to help community moderators identify concerning patterns while minimizing false positives.

Analyze the following message for indicators of radicalization, extremism, hate speech, or violent rhetoric.

MESSAGE TO ANALYZE:
`)
	b.WriteString(req.Text)
	b.WriteString("\n")

	if len(req.Context) > 0 {
		window := req.Context
		if len(window) > 5 {
			window = window[len(window)-5:]
		}
		fmt.Fprintf(&b, "\nPREVIOUS CONTEXT (last %d messages):\n", len(window))
		for i, msg := range window {
			author := msg.Author
			if author == "" {
				author = "Unknown"
			}
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, author, msg.Text)
		}
	}

	if req.HistorySummary != "" {
		fmt.Fprintf(&b, "\nUSER HISTORY SUMMARY:\n%s\n", req.HistorySummary)
	}

	b.WriteString(`
ANALYSIS INSTRUCTIONS:
1. Assess the risk level on a scale of 0-100:
   - 0-30: Low risk (normal gaming banter, acceptable communication)
   - 31-60: Medium risk (potentially concerning, monitor closely)
   - 61-85: High risk (serious concern, moderator review needed)
   - 86-100: Critical risk (immediate moderator intervention required)

2. Identify specific indicators from these categories:
   - hate_speech: Dehumanizing language, slurs, bigotry
   - violent_rhetoric: Threats, glorification of violence
   - radicalization: Extremist ideology, recruitment attempts
   - toxicity: Severe harassment, bullying
   - coded_language: Dog whistles, extremist symbols/phrases

3. Consider context:
   - Gaming trash talk vs actual threats
   - Sarcasm and humor vs genuine extremism
   - Cultural references vs hate speech
   - Escalation patterns vs isolated incidents

4. Provide a category (one of):
   - normal: Acceptable communication
   - concerning: Borderline content to monitor
   - hate_speech: Clear hate speech
   - violent_rhetoric: Threats or violence advocacy
   - extremism: Radicalization indicators
   - harassment: Targeted harassment

Respond ONLY with valid JSON in this exact format:
{
  "risk_score": <number 0-100>,
  "category": "<category>",
  "indicators": [
    {
      "type": "<indicator type>",
      "description": "<what was detected>",
      "severity": "<low|medium|high|critical>"
    }
  ],
  "explanation": "<brief explanation of assessment>",
  "confidence": <number 0-100>,
  "requires_human_review": <true|false>
}

Be objective and evidence-based. Account for gaming culture while identifying genuine risks.`)

	return b.String()
}

// wireAnalysis is the JSON shape the model is instructed to emit. Pointer
// fields distinguish "missing" from zero so partial responses fail hard.
type wireAnalysis struct {
	RiskScore           *float64 `json:"risk_score"`
	Category            *string  `json:"category"`
	Indicators          []struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
	} `json:"indicators"`
	Explanation         *string `json:"explanation"`
	Confidence          float64 `json:"confidence"`
	RequiresHumanReview bool    `json:"requires_human_review"`
}

// ParseAnalysis extracts and validates the JSON verdict from a model
// response. Models occasionally wrap the JSON in prose; the parser takes the
// outermost brace-delimited region. A response missing any of risk_score,
// category, indicators, or explanation is a hard parse failure.
func ParseAnalysis(response string) (*risk.Analysis, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in classifier response")
	}

	var wire wireAnalysis
	if err := json.Unmarshal([]byte(response[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}

	switch {
	case wire.RiskScore == nil:
		return nil, fmt.Errorf("classifier response missing risk_score")
	case wire.Category == nil:
		return nil, fmt.Errorf("classifier response missing category")
	case wire.Indicators == nil:
		return nil, fmt.Errorf("classifier response missing indicators")
	case wire.Explanation == nil:
		return nil, fmt.Errorf("classifier response missing explanation")
	}

	analysis := &risk.Analysis{
		RiskScore:           risk.ClampScore(*wire.RiskScore),
		Category:            risk.Category(*wire.Category),
		Indicators:          make([]risk.Indicator, 0, len(wire.Indicators)),
		Explanation:         *wire.Explanation,
		Confidence:          risk.ClampScore(wire.Confidence),
		Method:              "classifier",
		RequiresHumanReview: wire.RequiresHumanReview,
	}
	for _, ind := range wire.Indicators {
		analysis.Indicators = append(analysis.Indicators, risk.Indicator{
			Type:        ind.Type,
			Description: ind.Description,
			Severity:    ind.Severity,
		})
	}
	return analysis, nil
}
