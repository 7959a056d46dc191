package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/types"
)

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	defaultTimeout = 30 * time.Second
)

// ClaudeAnalyzer implements Analyzer against the Anthropic Messages API.
type ClaudeAnalyzer struct {
	client  anthropic.Client
	model   anthropic.Model
	timeout time.Duration
	log     zerolog.Logger
}

// NewClaude builds an analyzer for the given model. An empty apiKey is an
// error; callers that tolerate a missing analyzer pass nil interfaces
// instead.
func NewClaude(apiKey, model string, timeout time.Duration, log zerolog.Logger) (*ClaudeAnalyzer, error) {
	if apiKey == "" {
		return nil, errs.Validation("missing_api_key", "analyzer requires an API key")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ClaudeAnalyzer{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.Model(model),
		timeout: timeout,
		log:     log.With().Str("component", "analyzer").Logger(),
	}, nil
}

// AnalyzeOperation implements Analyzer.
func (a *ClaudeAnalyzer) AnalyzeOperation(ctx context.Context, content string, candidates []Candidate) (*Decision, error) {
	encoded, err := json.Marshal(candidates)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(analyzeOperationPrompt, string(encoded), content)

	raw, err := a.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var decision Decision
	if err := json.Unmarshal([]byte(extractJSON(raw)), &decision); err != nil {
		return nil, errs.Corrupted(err, "analyzer returned unparseable decision: %.120s", raw)
	}
	if !decision.Operation.Valid() {
		return nil, errs.Corrupted(nil, "analyzer returned unknown operation %q", decision.Operation)
	}
	if decision.Operation != OpAdd && decision.TargetID == "" {
		return nil, errs.Corrupted(nil, "analyzer returned %s without a target", decision.Operation)
	}
	return &decision, nil
}

// GenerateTags implements Analyzer.
func (a *ClaudeAnalyzer) GenerateTags(ctx context.Context, content string) ([]string, error) {
	raw, err := a.complete(ctx, fmt.Sprintf(generateTagsPrompt, content))
	if err != nil {
		return nil, err
	}

	var tags []string
	if err := json.Unmarshal([]byte(extractJSON(raw)), &tags); err != nil {
		return nil, errs.Corrupted(err, "analyzer returned unparseable tags: %.120s", raw)
	}
	out := tags[:0]
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out, nil
}

// ExtractEntities implements Analyzer.
func (a *ClaudeAnalyzer) ExtractEntities(ctx context.Context, content string) (*Extraction, error) {
	raw, err := a.complete(ctx, fmt.Sprintf(extractEntitiesPrompt, content))
	if err != nil {
		return nil, err
	}

	var extraction Extraction
	if err := json.Unmarshal([]byte(extractJSON(raw)), &extraction); err != nil {
		return nil, errs.Corrupted(err, "analyzer returned unparseable extraction: %.120s", raw)
	}
	return &extraction, nil
}

// SummarizeThread implements Analyzer and mail.ThreadSummarizer.
func (a *ClaudeAnalyzer) SummarizeThread(ctx context.Context, subject string, messages []*types.Message) (*types.ThreadSummary, error) {
	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.FromAgent, m.Body)
	}

	raw, err := a.complete(ctx, fmt.Sprintf(summarizeThreadPrompt, subject, transcript.String()))
	if err != nil {
		return nil, err
	}

	var summary types.ThreadSummary
	if err := json.Unmarshal([]byte(extractJSON(raw)), &summary); err != nil {
		return nil, errs.Corrupted(err, "analyzer returned unparseable summary: %.120s", raw)
	}
	summary.TotalMessages = len(messages)
	return &summary, nil
}

// complete sends one prompt and returns the text of the first content block.
// Retries up to 3 times with 100/200/400ms backoff on timeouts, 429 and 5xx.
func (a *ClaudeAnalyzer) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", errs.Corrupted(nil, "analyzer response had no content blocks")
			}
			block := message.Content[0]
			if block.Type != "text" {
				return "", errs.Corrupted(nil, "analyzer response was not text (type=%s)", block.Type)
			}
			return block.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !retryable(err) {
			return "", errs.ExternalUnavailable(err, "analyzer_error", "analyzer call failed")
		}
		a.log.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying analyzer call")
	}
	return "", errs.ExternalUnavailable(lastErr, "analyzer_unavailable",
		"analyzer failed after %d attempts", maxRetries+1)
}

func retryable(err error) bool {
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

// extractJSON strips markdown code fences and surrounding chatter, keeping
// the outermost JSON value. Models occasionally wrap JSON despite being told
// not to.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, "```"); idx >= 0 {
		raw = raw[idx+3:]
		raw = strings.TrimPrefix(raw, "json")
		if end := strings.Index(raw, "```"); end >= 0 {
			raw = raw[:end]
		}
		return strings.TrimSpace(raw)
	}
	start := strings.IndexAny(raw, "[{")
	if start < 0 {
		return raw
	}
	end := strings.LastIndexAny(raw, "]}")
	if end < start {
		return raw
	}
	return raw[start : end+1]
}

const analyzeOperationPrompt = `You maintain a memory store. Decide how the new content relates to the existing candidate memories.

Existing candidates (JSON array of {id, content, similarity}):
%s

New content:
%s

Reply with a single JSON object and nothing else:
{"operation": "ADD" | "UPDATE" | "DELETE" | "NOOP", "target_id": "<candidate id, required unless ADD>", "reason": "<one sentence>"}

Rules:
- ADD: the content is genuinely new information.
- UPDATE: the content is a newer or corrected version of one candidate.
- DELETE: the content contradicts one candidate, which should be removed.
- NOOP: the content is already captured by one candidate.`

const generateTagsPrompt = `Generate 3 to 6 short lowercase topical tags for the following content. Reply with a JSON array of strings and nothing else.

Content:
%s`

const extractEntitiesPrompt = `Extract named entities and the relationships between them from the following content.

Reply with a single JSON object and nothing else:
{"entities": [{"name": "...", "entity_type": "person|project|tool|concept|file|organization"}], "relationships": [{"subject": "<entity name>", "predicate": "...", "object": "<entity name>", "confidence": 0.0-1.0}]}

Content:
%s`

const summarizeThreadPrompt = `Summarize this message thread between software agents.

Subject: %s

Transcript:
%s

Reply with a single JSON object and nothing else:
{"participants": ["..."], "key_points": ["..."], "action_items": ["..."]}

Key points are the decisions and facts established; action items are concrete follow-ups someone committed to.`
