// Package agenthttp implements workflow.AgentInvoker against an
// OpenAI-compatible chat completions endpoint.
package agenthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/swarmflow/internal/ctxkeys"
	"github.com/BaSui01/swarmflow/internal/tlsutil"
	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"
)

const providerName = "agent-http"

// AgentProfile maps a workflow agent id to a model and system prompt.
type AgentProfile struct {
	Model  string `yaml:"model" json:"model"`
	System string `yaml:"system" json:"system"`
}

// Config configures the invoker.
type Config struct {
	Endpoint             string                  `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	APIKey               string                  `yaml:"api_key" json:"-" env:"API_KEY"`
	Model                string                  `yaml:"model" json:"model" env:"MODEL"`
	Timeout              time.Duration           `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	RateLimitRPS         float64                 `yaml:"rate_limit_rps" json:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	Burst                int                     `yaml:"burst" json:"burst" env:"BURST"`
	CostPerMillionTokens float64                 `yaml:"cost_per_million_tokens" json:"cost_per_million_tokens" env:"COST_PER_MILLION_TOKENS"`
	Agents               map[string]AgentProfile `yaml:"agents" json:"agents"`
}

// DefaultConfig returns conservative client defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:             "http://localhost:11434",
		Model:                "gpt-4o-mini",
		Timeout:              120 * time.Second,
		RateLimitRPS:         5,
		Burst:                5,
		CostPerMillionTokens: workflow.DefaultPricePerMillion,
	}
}

// Invoker calls the endpoint once per Execute. Retries belong to the task
// queue; failures come back as provider errors marked retryable when the
// upstream status warrants it.
type Invoker struct {
	cfg       Config
	client    *http.Client
	limiter   *rate.Limiter
	tokenizer *Tokenizer
	meters    metric.MeterProvider
	metrics   *instruments
	logger    *zap.Logger
}

var _ workflow.AgentInvoker = (*Invoker)(nil)

// Option configures an Invoker.
type Option func(*Invoker)

// WithHTTPClient replaces the hardened default client.
func WithHTTPClient(c *http.Client) Option { return func(i *Invoker) { i.client = c } }

// WithTokenizer replaces the tiktoken-backed tokenizer.
func WithTokenizer(t *Tokenizer) Option { return func(i *Invoker) { i.tokenizer = t } }

// WithMeterProvider records call metrics on mp instead of the global
// MeterProvider.
func WithMeterProvider(mp metric.MeterProvider) Option { return func(i *Invoker) { i.meters = mp } }

// New creates an Invoker.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.CostPerMillionTokens <= 0 {
		cfg.CostPerMillionTokens = def.CostPerMillionTokens
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	inv := &Invoker{
		cfg:     cfg,
		client:  tlsutil.SecureHTTPClient(cfg.Timeout),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(zap.String("component", "agent_http")),
	}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.tokenizer == nil {
		inv.tokenizer = NewTokenizer(cfg.Model)
	}
	m, err := newInstruments(inv.meters)
	if err != nil {
		inv.logger.Warn("agent call metrics disabled", zap.Error(err))
	}
	inv.metrics = m
	return inv
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []chatMessage     `json:"messages"`
	User     string            `json:"user,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

func (i *Invoker) profile(agentID string) AgentProfile {
	p := i.cfg.Agents[agentID]
	if p.Model == "" {
		p.Model = i.cfg.Model
	}
	return p
}

// Execute implements workflow.AgentInvoker.
func (i *Invoker) Execute(ctx context.Context, agentID string, prompt workflow.PromptContext) (workflow.AgentResult, error) {
	if err := i.limiter.Wait(ctx); err != nil {
		return workflow.AgentResult{}, workflow.NewProviderError(providerName, "rate limiter wait aborted", err)
	}

	prof := i.profile(agentID)
	start := time.Now()
	res, err := i.call(ctx, agentID, prof, prompt)
	i.metrics.record(ctx, agentID, prof.Model, res.TokensUsed, res.Cost, time.Since(start), err)
	return res, err
}

func (i *Invoker) call(ctx context.Context, agentID string, prof AgentProfile, prompt workflow.PromptContext) (workflow.AgentResult, error) {
	text := prompt.Render()
	body := chatRequest{
		Model: prof.Model,
		User:  agentID,
		Metadata: map[string]string{
			"run_id":  prompt.RunID,
			"node_id": prompt.NodeID,
		},
	}
	if prof.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: prof.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: text})

	payload, err := json.Marshal(body)
	if err != nil {
		return workflow.AgentResult{}, fmt.Errorf("marshal chat request: %w", err)
	}
	endpoint := strings.TrimRight(i.cfg.Endpoint, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return workflow.AgentResult{}, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.cfg.APIKey)
	}
	setCorrelationHeaders(ctx, req)

	start := time.Now()
	resp, err := i.client.Do(req)
	if err != nil {
		return workflow.AgentResult{}, workflow.NewProviderError(providerName,
			fmt.Sprintf("agent %s request failed", agentID), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		i.logger.Warn("agent call rejected",
			zap.String("agent_id", agentID),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return workflow.AgentResult{}, mapHTTPError(resp.StatusCode, msg)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return workflow.AgentResult{}, workflow.NewProviderError(providerName, "decode chat response", err)
	}
	if len(out.Choices) == 0 {
		return workflow.AgentResult{}, workflow.NewProviderError(providerName,
			fmt.Sprintf("agent %s returned no choices", agentID), nil)
	}
	content := out.Choices[0].Message.Content

	tokens := 0
	if out.Usage != nil {
		tokens = out.Usage.TotalTokens
		if tokens == 0 {
			tokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
		}
	}
	if tokens == 0 {
		tokens = i.tokenizer.Count(text) + i.tokenizer.Count(content)
	}
	cost := workflow.EstimateCost(tokens, i.cfg.CostPerMillionTokens)

	i.logger.Debug("agent call finished",
		zap.String("agent_id", agentID),
		zap.String("node_id", prompt.NodeID),
		zap.String("model", prof.Model),
		zap.Int("tokens", tokens),
		zap.Duration("latency", time.Since(start)))

	return workflow.AgentResult{Output: content, TokensUsed: tokens, Cost: cost}, nil
}

// EstimatePromptTokens counts tokens in the rendered prompt.
func (i *Invoker) EstimatePromptTokens(prompt workflow.PromptContext) int {
	return i.tokenizer.Count(prompt.Render())
}

// mapHTTPError classifies an upstream status into the error taxonomy.
func mapHTTPError(status int, msg string) *types.Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, msg).
			WithHTTPStatus(http.StatusBadGateway).
			WithProvider(providerName)
	case status == http.StatusTooManyRequests || status >= 500:
		return workflow.NewProviderError(providerName, fmt.Sprintf("upstream %d: %s", status, msg), nil)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "quota"):
		return types.NewError(types.ErrQuotaExceeded, msg).
			WithHTTPStatus(http.StatusBadGateway).
			WithProvider(providerName)
	default:
		return types.NewError(types.ErrProvider, fmt.Sprintf("upstream %d: %s", status, msg)).
			WithHTTPStatus(http.StatusBadGateway).
			WithProvider(providerName)
	}
}

// readErrorMessage prefers the OpenAI error envelope and falls back to the
// raw body.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		if envelope.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", envelope.Error.Message, envelope.Error.Type)
		}
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// setCorrelationHeaders forwards the originating request and run ids so agent
// endpoint logs can be joined with ours.
func setCorrelationHeaders(ctx context.Context, req *http.Request) {
	if id, ok := ctxkeys.RequestID(ctx); ok {
		req.Header.Set("X-Request-ID", id)
	}
	if id, ok := ctxkeys.RunID(ctx); ok {
		req.Header.Set("X-Run-ID", id)
	}
}
