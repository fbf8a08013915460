package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

// thinkingFloorTokens guarantees text headroom on thinking calls: the
// token budget covers thinking plus text, and a low cap can be eaten
// entirely by thinking blocks.
const thinkingFloorTokens = 16000

var errEmptyResponse = errors.New("model returned no text content")

// tokenUsage carries per-call token counts. Thinking is an estimate
// derived from the streamed thinking text; the provider folds thinking
// into the billed output tokens, so cost math never reads it.
type tokenUsage struct {
	input    int64
	output   int64
	thinking int64
}

// remoteCaller abstracts the provider SDK so retry and budget logic
// are testable without network.
type remoteCaller interface {
	complete(ctx context.Context, model, system, prompt string, maxTokens int64, thinking bool) (string, tokenUsage, error)
}

type anthropicClient struct {
	client anthropic.Client
}

func newAnthropicClient(apiKey string) *anthropicClient {
	return &anthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (a *anthropicClient) complete(ctx context.Context, model, system, prompt string, maxTokens int64, thinking bool) (string, tokenUsage, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	var msg *anthropic.Message
	var err error
	if thinking {
		if params.MaxTokens < thinkingFloorTokens {
			params.MaxTokens = thinkingFloorTokens
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(params.MaxTokens / 2)
		// Temperature must stay unset on thinking calls.
		msg, err = a.streamMessage(ctx, params)
	} else {
		params.Temperature = anthropic.Float(0)
		msg, err = a.client.Messages.New(ctx, params)
	}
	if err != nil {
		return "", tokenUsage{}, err
	}

	var parts []string
	var thinkingChars int
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "thinking":
			thinkingChars += len(block.Thinking)
		}
	}
	text := strings.Join(parts, "\n")
	usage := tokenUsage{
		input:    msg.Usage.InputTokens,
		output:   msg.Usage.OutputTokens,
		thinking: estimateTokens(thinkingChars),
	}
	return text, usage, nil
}

// estimateTokens approximates a token count from a character count.
// Close enough for the usage report; billing comes from the provider's
// own numbers.
func estimateTokens(chars int) int64 {
	return int64(chars / 4)
}

// streamMessage runs a streaming request and accumulates the final
// message. The provider hard-limits non-streaming request duration,
// which long thinking calls exceed.
func (a *anthropicClient) streamMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	stream := a.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// callRemote executes a remote call with budget enforcement and
// bounded exponential backoff.
func (g *Gateway) callRemote(ctx context.Context, req Request, model string) (string, error) {
	if err := g.checkBudget(); err != nil {
		return "", err
	}

	logger := log.WithComponent("gateway")
	var lastErr error

	for attempt := 0; attempt < g.cfg.MaxRetries; attempt++ {
		text, usage, err := g.remote.complete(ctx, model, req.System, req.Prompt, req.MaxTokens, req.Thinking)
		if err == nil {
			g.record(req, types.ModelTierRemote, model, usage)
			logger.Info().
				Str("model", model).
				Int64("input_tokens", usage.input).
				Int64("output_tokens", usage.output).
				Int64("thinking_tokens", usage.thinking).
				Msg("Remote model call")
			if strings.TrimSpace(text) != "" {
				return text, nil
			}
			// Thinking-only or empty content is transient; retry.
			err = errEmptyResponse
		}
		lastErr = err

		wait, retryable := classifyRemoteError(err, attempt)
		if !retryable || attempt == g.cfg.MaxRetries-1 {
			break
		}
		logger.Warn().Err(err).
			Dur("wait", wait).
			Int("attempt", attempt+1).
			Msg("Remote call failed, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	kind := types.ErrKindProvider
	var apierr *anthropic.Error
	if errors.As(lastErr, &apierr) && apierr.StatusCode == 429 {
		kind = types.ErrKindRateLimit
	}
	return "", types.NewTaskError(kind,
		fmt.Sprintf("remote model failed after %d attempts", g.cfg.MaxRetries), lastErr)
}

// classifyRemoteError decides retryability and backoff. Rate limits
// and empty responses back off one step harder than plain errors.
func classifyRemoteError(err error, attempt int) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	if errors.Is(err, errEmptyResponse) {
		return backoff(attempt + 1), true
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return backoff(attempt + 1), true
		case apierr.StatusCode >= 500, apierr.StatusCode == 408:
			return backoff(attempt), true
		default:
			// 4xx other than throttling is not transient.
			return 0, false
		}
	}
	// Network-level failures (timeouts, resets) surface as plain errors.
	return backoff(attempt), true
}

func backoff(step int) time.Duration {
	return (1 << step) * time.Second
}
