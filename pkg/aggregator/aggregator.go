// Package aggregator converts conversation segments and direct writes into
// candidate facts: transcript assembly, an optional summarization pre-pass
// for long segments, optional sensitive-value redaction, LLM extraction,
// and trivial-content filtering.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/llm"
	"github.com/memoryx/memoryx/pkg/memory"
)

// summarizeThreshold is the transcript length, in characters, above which
// a summarization pre-pass runs before extraction.
const summarizeThreshold = 8000

// Aggregator produces candidate facts from raw input.
type Aggregator struct {
	llm       llm.Client
	extractor *extraction.Extractor
	filter    *extraction.Filter
	redact    bool
	logger    *zap.Logger
}

// Config wires an Aggregator.
type Config struct {
	LLM       llm.Client
	Extractor *extraction.Extractor
	Filter    *extraction.Filter

	// Redact enables the sensitive-value redaction pass.
	Redact bool

	Logger *zap.Logger
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		llm:       cfg.LLM,
		extractor: cfg.Extractor,
		filter:    cfg.Filter,
		redact:    cfg.Redact,
		logger:    cfg.Logger,
	}
}

// FromSegment extracts candidates from an ordered conversation segment.
// Returns the surviving candidates and the count rejected by filtering.
func (a *Aggregator) FromSegment(ctx context.Context, seg memory.Segment) ([]extraction.Fact, int, error) {
	return a.process(ctx, transcript(seg.Messages))
}

// FromContent extracts candidates from a direct memory write, treated as a
// single user turn.
func (a *Aggregator) FromContent(ctx context.Context, content string) ([]extraction.Fact, int, error) {
	return a.process(ctx, memory.RoleUser+": "+content)
}

func (a *Aggregator) process(ctx context.Context, text string) ([]extraction.Fact, int, error) {
	if len(text) > summarizeThreshold {
		summarized, err := a.summarize(ctx, text)
		if err != nil {
			// The summary is an optimization; extraction still works
			// on the raw transcript.
			a.logger.Warn("summarization failed, extracting from raw transcript", zap.Error(err))
		} else {
			text = summarized
		}
	}

	if a.redact {
		redacted, err := a.redactSensitive(ctx, text)
		if err != nil {
			return nil, 0, fmt.Errorf("redacting content: %w", err)
		}
		text = redacted
	}

	facts, err := a.extractor.ExtractFacts(ctx, text)
	if err != nil {
		return nil, 0, err
	}

	kept, rejected := a.filter.Apply(facts)
	a.logger.Debug("aggregated candidates",
		zap.Int("kept", len(kept)),
		zap.Int("rejected", rejected),
	)
	return kept, rejected, nil
}

func (a *Aggregator) summarize(ctx context.Context, text string) (string, error) {
	summary, err := a.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: text},
	})
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("%w: empty summary", llm.ErrBadResponse)
	}
	return summary, nil
}

func (a *Aggregator) redactSensitive(ctx context.Context, text string) (string, error) {
	response, err := a.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: redactSystemPrompt},
		{Role: "user", Content: text},
	})
	if err != nil {
		return "", err
	}

	var parsed struct {
		FilteredContent string `json:"filtered_content"`
	}
	cleaned := strings.TrimSpace(response)
	if start := strings.Index(cleaned, "{"); start >= 0 {
		if end := strings.LastIndex(cleaned, "}"); end > start {
			cleaned = cleaned[start : end+1]
		}
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return "", fmt.Errorf("%w: redaction: %v", llm.ErrBadResponse, err)
	}
	if parsed.FilteredContent == "" {
		return text, nil
	}
	return parsed.FilteredContent, nil
}

// transcript renders messages as a role-tagged transcript, preserving
// insertion order.
func transcript(messages []memory.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
