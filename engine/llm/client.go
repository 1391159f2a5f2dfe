// Package llm wraps the chat-completion collaborator (C5).
package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/kinic-gateway/memory-agent/engine/domain"
	"github.com/kinic-gateway/memory-agent/pkg/fn"
)

const systemPrompt = `You are a memory-aware assistant. Cite from the provided memories when ` +
	`they are relevant, and say plainly when the available context is insufficient to answer.`

// ContextBlock is one retrieved memory rendered into the chat prompt.
type ContextBlock struct {
	Index     int
	Relevance float32
	Tag       string
	Text      string
}

// Client calls an OpenAI-compatible chat completion API.
type Client struct {
	client      openai.Client
	model       string
	tokenBudget int
	retry       fn.RetryOpts
}

// New creates a Client authenticated with apiKey, targeting model, and
// truncating prompts to approximately tokenBudget tokens (estimated at 4
// characters per token, since no tokenizer is wired into this pack).
func New(apiKey, model string, tokenBudget int) *Client {
	if tokenBudget <= 0 {
		tokenBudget = 4000
	}
	return &Client{
		client:      openai.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
		model:       model,
		tokenBudget: tokenBudget,
		retry:       fn.DefaultRetry,
	}
}

// Chat renders contextBlocks into the stable template, truncates to the
// token budget by dropping the lowest-relevance blocks first, and returns
// the model's reply. Retries with exponential backoff on 5xx/connection
// errors only, capped at 3 attempts total; 4xx responses fail immediately.
func (c *Client) Chat(ctx context.Context, userMessage string, contextBlocks []ContextBlock) (string, error) {
	blocks := truncateToBudget(contextBlocks, c.tokenBudget)

	var sb strings.Builder
	for _, b := range blocks {
		fmt.Fprintf(&sb, "[Memory %d] (relevance: %.2f, tags: %s)\n%s\n", b.Index, b.Relevance, b.Tag, b.Text)
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(sb.String() + "\n" + userMessage),
		},
	}

	var lastErr error
	wait := c.retry.InitialWait
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err == nil {
			if len(completion.Choices) == 0 {
				return "", domain.NewError(domain.KindRemoteRejected, "llm returned no choices").WithBackend("llm")
			}
			return completion.Choices[0].Message.Content, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == c.retry.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return "", domain.Wrap(domain.KindTimeout, "llm request cancelled", ctx.Err()).WithBackend("llm")
		case <-time.After(jitter(wait)):
		}
		wait *= 2
		if wait > c.retry.MaxWait {
			wait = c.retry.MaxWait
		}
	}
	return "", classify(lastErr)
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

func isRetryable(err error) bool {
	var apiErr interface{ StatusCode() int }
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode()
		return code >= 500
	}
	return true // transport/connection errors are retryable
}

func classify(err error) error {
	var apiErr interface{ StatusCode() int }
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode() >= 400 && apiErr.StatusCode() < 500 {
			return domain.Wrap(domain.KindRemoteRejected, "llm request rejected", err).WithBackend("llm")
		}
		return domain.Wrap(domain.KindRemoteUnavailable, "llm backend error", err).WithBackend("llm")
	}
	return domain.Wrap(domain.KindRemoteUnavailable, "llm transport error", err).WithBackend("llm")
}

// truncateToBudget drops the lowest-relevance blocks first until the
// estimated token count of the rendered prompt fits within budget.
func truncateToBudget(blocks []ContextBlock, tokenBudget int) []ContextBlock {
	sorted := make([]ContextBlock, len(blocks))
	copy(sorted, blocks)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Relevance > sorted[j-1].Relevance; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	const charsPerToken = 4
	budgetChars := tokenBudget * charsPerToken

	kept := make([]ContextBlock, 0, len(sorted))
	total := 0
	for _, b := range sorted {
		total += len(b.Text) + len(b.Tag) + 32
		if total > budgetChars && len(kept) > 0 {
			break
		}
		kept = append(kept, b)
	}

	// Restore original index ordering for prompt readability.
	byIndex := make(map[int]ContextBlock, len(kept))
	for _, b := range kept {
		byIndex[b.Index] = b
	}
	ordered := make([]ContextBlock, 0, len(kept))
	for _, b := range blocks {
		if k, ok := byIndex[b.Index]; ok {
			ordered = append(ordered, k)
		}
	}
	return ordered
}
