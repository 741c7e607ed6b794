package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aristath/taskflow/internal/model"
	"github.com/aws/aws-sdk-go-v2/config"
)

// AnthropicConfig configures an Anthropic planner.
type AnthropicConfig struct {
	// Model defaults to Claude Sonnet 4.5.
	Model string
	// APIKey falls back to the ANTHROPIC_API_KEY environment variable.
	APIKey string
	// UseBedrock routes calls through AWS Bedrock with the default AWS
	// credential chain instead of the direct API.
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
	// BaseURL overrides the API endpoint.
	BaseURL   string
	MaxTokens int64
	// Timeout bounds each request.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Anthropic is a planner backed by the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *slog.Logger
	usage     Usage
}

// NewAnthropic creates a planner. It fails when no credentials are configured
// for the direct API.
func NewAnthropic(ctx context.Context, cfg AnthropicConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("no Anthropic API key: set planner.api_key or ANTHROPIC_API_KEY")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	// Retries are owned by the plan generator.
	opts = append(opts, option.WithMaxRetries(0))

	m := anthropic.Model(cfg.Model)
	if m == "" {
		m = anthropic.ModelClaudeSonnet4_5_20250929
	}
	if cfg.UseBedrock {
		m = bedrockModel(m)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     m,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// bedrockModel maps Anthropic model names to Bedrock cross-region inference
// profiles. Unknown names pass through unchanged.
func bedrockModel(m anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
	}
	if p, ok := profiles[m]; ok {
		return anthropic.Model(p)
	}
	return m
}

// Model returns the model the planner calls.
func (a *Anthropic) Model() string {
	return string(a.model)
}

// Usage returns the accumulated token usage.
func (a *Anthropic) Usage() *Usage {
	return &a.usage
}

func (a *Anthropic) GeneratePlan(ctx context.Context, pc PromptContext) (json.RawMessage, error) {
	text, err := a.complete(ctx, planSystemPrompt, planPrompt(pc))
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}
	return raw, nil
}

func (a *Anthropic) OptimizeOrdering(ctx context.Context, requests []model.UIRequest) ([]string, error) {
	text, err := a.complete(ctx, orderingSystemPrompt, orderingPrompt(requests))
	if err != nil {
		return nil, fmt.Errorf("optimize ordering: %w", err)
	}
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("optimize ordering: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("optimize ordering: answer is not a list of ids: %w", err)
	}
	return ids, nil
}

func (a *Anthropic) Guidance(ctx context.Context, pc PromptContext) (string, error) {
	text, err := a.complete(ctx, guidanceSystemPrompt, guidancePrompt(pc))
	if err != nil {
		return "", fmt.Errorf("guidance: %w", err)
	}
	return text, nil
}

func (a *Anthropic) complete(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	a.usage.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}
	a.logger.Debug("planner call finished",
		"model", a.model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration", time.Since(start))
	if text == "" {
		return "", fmt.Errorf("empty answer from %s", a.model)
	}
	return text, nil
}

// Usage tracks token usage across planner calls.
type Usage struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// Add records the usage of one call.
func (u *Usage) Add(input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inputTok += input
	u.outputTok += output
	u.calls++
}

// Total returns the input and output tokens used so far.
func (u *Usage) Total() (input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inputTok, u.outputTok
}

// Calls returns the number of calls made.
func (u *Usage) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}
