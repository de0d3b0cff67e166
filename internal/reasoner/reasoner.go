// Package reasoner implements ReasonerClient: a façade over an opaque LLM
// provider offering one call, Reason(task_kind, input) -> output, with
// retry, response normalization, and cost accounting. Retry/backoff is
// adapted from the teacher's internal/docker client.withRetry.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/artemis/depupgrade/internal/observability"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// TaskKind selects the system prompt, output schema, and normalizer used
// for one Reason call.
type TaskKind string

const (
	TaskPlan          TaskKind = "PLAN"
	TaskDiagnose      TaskKind = "DIAGNOSE"
	TaskDeployMessage TaskKind = "DEPLOY_MESSAGE"
)

// ErrMalformed is returned when the provider's response cannot be
// normalized into the canonical schema for TaskKind. It is never retried —
// only transient provider errors are.
var ErrMalformed = fmt.Errorf("reasoner: response did not match the expected schema")

// ErrUnavailable wraps a provider failure: either a transient error that
// persisted past the retry budget, or a non-transient error, which is
// returned after the first attempt without retrying.
var ErrUnavailable = fmt.Errorf("reasoner: provider unavailable")

// Usage reports token/cost accounting for one Reason call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Provider is the minimal interface a concrete LLM backend implements.
// Raw returns the provider's unnormalized JSON response text.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (raw string, usage Usage, err error)
}

// Normalizer maps a provider's raw JSON response into the canonical schema
// for a TaskKind, collapsing provider-specific key variants (spec §4.2,
// §9 "Dynamic LLM JSON shapes").
type Normalizer func(raw string) (map[string]interface{}, error)

// Client is the ReasonerClient façade.
type Client struct {
	provider    Provider
	normalizers map[TaskKind]Normalizer
	logger      *observability.Logger
	maxRetries  int
	cache       *lru.Cache[string, map[string]interface{}]
}

// Config controls retry budget and response cache size.
type Config struct {
	MaxRetries int
	CacheSize  int
}

// New constructs a Client with the given provider and per-TaskKind
// normalizers.
func New(provider Provider, normalizers map[TaskKind]Normalizer, logger *observability.Logger, cfg Config) (*Client, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, map[string]interface{}](size)
	if err != nil {
		return nil, fmt.Errorf("reasoner response cache: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Client{
		provider:    provider,
		normalizers: normalizers,
		logger:      logger,
		maxRetries:  maxRetries,
		cache:       cache,
	}, nil
}

// Reason serializes input as JSON into the prompt for task (the whole input
// is marshalled; the prompt size is not bounded or truncated), invokes the
// provider with exponential backoff on transient failures, normalizes the
// response into the canonical schema, and folds token/cost usage into
// accum. On final failure it returns (nil, err) where err wraps either
// ErrMalformed (not retried) or ErrUnavailable (retry budget exhausted, or
// a non-transient provider error, which is not retried);
// callers are expected to fall back to a deterministic heuristic per §4.5.
func (c *Client) Reason(ctx context.Context, task TaskKind, input interface{}, cacheKey string, accum func(inputTokens, outputTokens int64, costUSD float64)) (map[string]interface{}, error) {
	normalize, ok := c.normalizers[task]
	if !ok {
		return nil, fmt.Errorf("reasoner: no normalizer registered for task %s", task)
	}

	if cacheKey != "" {
		if cached, found := c.cache.Get(cacheKey); found {
			return cached, nil
		}
	}

	prompt, err := encodePrompt(input)
	if err != nil {
		return nil, fmt.Errorf("reasoner: encode input: %w", err)
	}
	system := systemPromptFor(task)

	raw, usage, err := c.callWithRetry(ctx, string(task), system, prompt)
	if err != nil {
		observability.ReasonerCalls.WithLabelValues(string(task), "unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if accum != nil {
		accum(usage.InputTokens, usage.OutputTokens, usage.CostUSD)
	}
	observability.ReasonerTokens.WithLabelValues(string(task), "input").Add(float64(usage.InputTokens))
	observability.ReasonerTokens.WithLabelValues(string(task), "output").Add(float64(usage.OutputTokens))

	normalized, err := normalize(raw)
	if err != nil {
		observability.ReasonerCalls.WithLabelValues(string(task), "malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	observability.ReasonerCalls.WithLabelValues(string(task), "success").Inc()
	if cacheKey != "" {
		c.cache.Add(cacheKey, normalized)
	}
	return normalized, nil
}

func (c *Client) callWithRetry(ctx context.Context, taskLabel, system, prompt string) (string, Usage, error) {
	backoff := 500 * time.Millisecond
	maxBackoff := 15 * time.Second

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", Usage{}, fmt.Errorf("canceled during retry: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			if c.logger != nil {
				c.logger.Info("retrying reasoner call",
					zap.String("task", taskLabel),
					zap.Int("attempt", attempt),
				)
			}
		}

		raw, usage, err := c.provider.Complete(ctx, system, prompt)
		if err == nil {
			return raw, usage, nil
		}

		lastErr = err
		if !isRetriableError(err) {
			return "", Usage{}, err
		}
	}

	return "", Usage{}, fmt.Errorf("exhausted %d retries: %w", c.maxRetries, lastErr)
}

func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused", "connection reset", "timeout", "temporary failure",
		"rate limit", "429", "500", "502", "503", "504", "eof",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func encodePrompt(input interface{}) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func systemPromptFor(task TaskKind) string {
	switch task {
	case TaskPlan:
		return "You are a dependency upgrade planner. Respond with a single JSON object matching the migration plan schema: dependencies, phases, overall_risk."
	case TaskDiagnose:
		return "You are a build-failure diagnostician. Respond with a single JSON object: root_cause, category, fixes (ordered by descending confidence)."
	case TaskDeployMessage:
		return "You write concise pull request titles and bodies summarizing a dependency upgrade. Respond with a single JSON object: title, body."
	default:
		return ""
	}
}
