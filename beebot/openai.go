package beebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var (
	// ErrAnswerEmpty is returned when the model produced no usable text.
	ErrAnswerEmpty = errors.New("model returned an empty answer")

	// ErrAnswerScreened is returned when either the question or the
	// model's answer matched the banned phrase list.
	ErrAnswerScreened = errors.New("question or answer rejected by content screen")
)

// OpenAIClient is the subset of the OpenAI API used by the bot. It
// exists so tests can substitute a mock client.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI answers free-form questions in the bot's bee persona. All
// requests pass through a shared rate limiter and a banned phrase
// screen on both the question and the answer.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	content        *Content
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu sync.RWMutex // protects requestLimiter swaps
}

func newOpenAI(
	config *OpenAIConfig,
	content *Content,
	httpClient *http.Client,
) *OpenAI {
	o := &OpenAI{
		config:  config,
		content: content,
		logger:  componentLogger(config.LogLevel, "openai"),
	}
	clientConfig := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientConfig)
	o.requestLimiter = rate.NewLimiter(
		rate.Limit(config.MaxRequestsPerSecond),
		1,
	)
	return o
}

// setRequestLimit replaces the request limiter's rate at runtime.
func (o *OpenAI) setRequestLimit(perSecond float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestLimiter.SetLimit(rate.Limit(perSecond))
}

func (o *OpenAI) limiter() *rate.Limiter {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.requestLimiter
}

// Answer sends the user's question to the chat completion API with the
// bee persona as the system prompt, and returns the model's reply
// trimmed to Discord's message length limit.
func (o *OpenAI) Answer(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrAnswerEmpty
	}
	if o.content.ContainsBannedPhrase(question) {
		return "", ErrAnswerScreened
	}

	if err := o.limiter().Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: o.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: o.content.Personality(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: question,
			},
		},
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrAnswerEmpty
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", ErrAnswerEmpty
	}
	if o.content.ContainsBannedPhrase(answer) {
		o.logger.WarnContext(
			ctx,
			"model answer rejected by content screen",
			"model", o.config.Model,
		)
		return "", ErrAnswerScreened
	}
	return shortenString(answer, discordMaxMessageLength), nil
}
