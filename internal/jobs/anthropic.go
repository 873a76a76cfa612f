package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"hubline/internal/domain"
	"hubline/internal/telemetry"
)

const (
	DefaultModel     = "claude-haiku-4-5"
	defaultMaxTokens = 1024
)

var errAPIKeyRequired = errors.New("anthropic api key required")

type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// RetryMaxElapsed bounds retries of rate-limited or failed calls.
	RetryMaxElapsed time.Duration
	RetryInitial    time.Duration
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// AnthropicGenerator asks a Claude model for each job's content as JSON.
type AnthropicGenerator struct {
	client          anthropic.Client
	model           anthropic.Model
	maxTokens       int64
	retryMaxElapsed time.Duration
	retryInitial    time.Duration
	prompts         *template.Template
	Log             logrus.FieldLogger
}

func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errAPIKeyRequired
	}
	// retries are ours, so the client must not add its own
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	prompts, err := template.New("prompts").Parse(promptTemplates)
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	g := &AnthropicGenerator{
		client:          anthropic.NewClient(opts...),
		model:           anthropic.Model(cfg.Model),
		maxTokens:       cfg.MaxTokens,
		retryMaxElapsed: cfg.RetryMaxElapsed,
		retryInitial:    cfg.RetryInitial,
		prompts:         prompts,
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if g.maxTokens <= 0 {
		g.maxTokens = defaultMaxTokens
	}
	if g.retryMaxElapsed <= 0 {
		g.retryMaxElapsed = 30 * time.Second
	}
	if g.retryInitial <= 0 {
		g.retryInitial = time.Second
	}
	aiMetricsOnce.Do(initAIMetrics)
	return g, nil
}

var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("hubline/ai")
	aiMetrics.inputTokens, _ = m.Int64Counter("hubline.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("hubline.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("hubline.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

type promptData struct {
	HubID     string
	Now       string
	Pending   []string
	Question  string
	MeetingID string
	ProjectID string
	Period    string
}

func newPromptData(hub HubContext) promptData {
	return promptData{
		HubID:   hub.HubID,
		Now:     hub.Now.Format(time.RFC3339),
		Pending: pendingLines(hub),
	}
}

func (g *AnthropicGenerator) InstantAnswer(ctx context.Context, hub HubContext, question string) (domain.InstantAnswer, error) {
	data := newPromptData(hub)
	data.Question = strings.TrimSpace(question)
	var out domain.InstantAnswer
	if err := g.generate(ctx, "instant_answer", data, &out); err != nil {
		return domain.InstantAnswer{}, err
	}
	out.Question = data.Question
	if strings.TrimSpace(out.Answer) == "" {
		return domain.InstantAnswer{}, errors.New("model returned an empty answer")
	}
	if !out.Confidence.Valid() {
		out.Confidence = domain.ConfidenceLow
	}
	if out.Evidence == nil {
		out.Evidence = []domain.Evidence{}
	}
	return out, nil
}

func (g *AnthropicGenerator) MeetingPrep(ctx context.Context, hub HubContext, meetingID string) (domain.MeetingPrep, error) {
	data := newPromptData(hub)
	data.MeetingID = meetingID
	var out domain.MeetingPrep
	if err := g.generate(ctx, "meeting_prep", data, &out); err != nil {
		return domain.MeetingPrep{}, err
	}
	out.GeneratedAt = hub.Now
	return out, nil
}

func (g *AnthropicGenerator) MeetingFollowUp(ctx context.Context, hub HubContext, meetingID string) (domain.MeetingFollowUp, error) {
	data := newPromptData(hub)
	data.MeetingID = meetingID
	var out domain.MeetingFollowUp
	if err := g.generate(ctx, "meeting_follow_up", data, &out); err != nil {
		return domain.MeetingFollowUp{}, err
	}
	out.GeneratedAt = hub.Now
	return out, nil
}

func (g *AnthropicGenerator) PerformanceNarrative(ctx context.Context, hub HubContext, in NarrativeInput) (domain.PerformanceNarrative, error) {
	data := newPromptData(hub)
	data.ProjectID = in.ProjectID
	data.Period = defaultPeriod(in, hub.Now)
	var out domain.PerformanceNarrative
	if err := g.generate(ctx, "performance_narrative", data, &out); err != nil {
		return domain.PerformanceNarrative{}, err
	}
	out.ProjectID = in.ProjectID
	out.Period = data.Period
	out.GeneratedAt = hub.Now
	return out, nil
}

func (g *AnthropicGenerator) generate(ctx context.Context, name string, data promptData, out any) error {
	var buf bytes.Buffer
	if err := g.prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render %s prompt: %w", name, err)
	}
	text, err := g.callWithRetry(ctx, name, buf.String())
	if err != nil {
		return err
	}
	if err := decodeJSONObject(text, out); err != nil {
		return fmt.Errorf("model returned malformed %s: %w", name, err)
	}
	return nil
}

func (g *AnthropicGenerator) log() logrus.FieldLogger {
	if g.Log != nil {
		return g.Log
	}
	return logrus.StandardLogger()
}

func (g *AnthropicGenerator) callWithRetry(ctx context.Context, op, prompt string) (string, error) {
	ctx, span := telemetry.Tracer("hubline/ai").Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("hubline.ai.model", string(g.model)),
		attribute.String("hubline.ai.operation", op),
	)
	params := anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.retryInitial
	bo.MaxElapsedTime = g.retryMaxElapsed

	attempts := 0
	var text string
	err := backoff.RetryNotify(func() error {
		attempts++
		t0 := time.Now()
		message, err := g.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		modelAttr := attribute.String("hubline.ai.model", string(g.model))
		if aiMetrics.inputTokens != nil {
			aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
			aiMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
		}
		span.SetAttributes(
			attribute.Int64("hubline.ai.input_tokens", message.Usage.InputTokens),
			attribute.Int64("hubline.ai.output_tokens", message.Usage.OutputTokens),
		)
		if len(message.Content) == 0 {
			return backoff.Permanent(errors.New("unexpected response format: no content blocks"))
		}
		content := message.Content[0]
		if content.Type != "text" {
			return backoff.Permanent(fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type))
		}
		text = content.Text
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		g.log().WithFields(logrus.Fields{"operation": op, "wait": wait.String()}).WithError(err).Warn("retrying anthropic call")
	})
	span.SetAttributes(attribute.Int("hubline.ai.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("generation failed after %d attempt(s): %w", attempts, err)
	}
	return text, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// decodeJSONObject reads the first JSON object in text, tolerating prose or code fences around it.
func decodeJSONObject(text string, out any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return errors.New("no JSON object in response")
	}
	return json.Unmarshal([]byte(text[start:end+1]), out)
}

const promptTemplates = `
{{define "context"}}Hub: {{.HubID}}
Current time: {{.Now}}
{{if .Pending}}Decisions awaiting the client:
{{range .Pending}}- {{.}}
{{end}}{{else}}No decisions are awaiting the client.
{{end}}{{end}}

{{define "instant_answer"}}You answer client questions about their project for a client portal.
{{template "context" .}}
Question: {{.Question}}

Reply with only a JSON object of this shape:
{"answer": "<two or three sentences>", "source": "<where the answer comes from>", "confidence": "high|medium|low", "evidence": [{"id": "<id>", "source": "<source>", "excerpt": "<short quote>", "redacted": false}]}
Use "low" confidence when the context does not support an answer.{{end}}

{{define "meeting_prep"}}You prepare a briefing for an upcoming client meeting ({{.MeetingID}}).
{{template "context" .}}
Reply with only a JSON object of this shape:
{"summary": "<one sentence>", "since_last_meeting": ["<update>"], "decisions_needed": ["<decision>"]}{{end}}

{{define "meeting_follow_up"}}You write the follow-up notes for client meeting {{.MeetingID}}.
{{template "context" .}}
Reply with only a JSON object of this shape:
{"summary": "<one sentence>", "agreed_actions": ["<owner> to <action>"], "decisions": ["<decision>"]}{{end}}

{{define "performance_narrative"}}You write a delivery performance narrative for the period {{.Period}}{{if .ProjectID}} on project {{.ProjectID}}{{end}}.
{{template "context" .}}
Reply with only a JSON object of this shape:
{"summaries": ["<observation>"], "recommendations": ["<recommendation>"]}{{end}}
`
