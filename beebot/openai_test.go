package beebot

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockOpenAIClient returns a canned response (or error) and records
// the requests it receives.
type mockOpenAIClient struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	response openai.ChatCompletionResponse
	err      error
}

func (m *mockOpenAIClient) CreateChatCompletion(
	_ context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, request)
	return m.response, m.err
}

func newTestOpenAI(t *testing.T, client *mockOpenAIClient) *OpenAI {
	t.Helper()
	content, err := NewContent()
	require.NoError(t, err)
	o := newOpenAI(
		&OpenAIConfig{
			Token:                "test-token",
			Model:                DefaultOpenAIModel,
			MaxRequestsPerSecond: 100,
			LogLevel:             &slog.LevelVar{},
		},
		content,
		nil,
	)
	o.client = client
	return o
}

func TestOpenAIAnswer(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{
		response: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Content: "Bees communicate by dancing! Bzzz.",
					},
				},
			},
		},
	}
	o := newTestOpenAI(t, client)

	answer, err := o.Answer(context.Background(), "how do bees talk?")
	require.NoError(t, err)
	assert.Equal(t, "Bees communicate by dancing! Bzzz.", answer)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, DefaultOpenAIModel, req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, o.content.Personality(), req.Messages[0].Content)
	assert.Equal(t, "how do bees talk?", req.Messages[1].Content)
}

func TestOpenAIAnswerEmptyQuestion(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{}
	o := newTestOpenAI(t, client)

	_, err := o.Answer(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrAnswerEmpty)
	assert.Empty(t, client.requests)
}

func TestOpenAIAnswerScreensQuestion(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{}
	o := newTestOpenAI(t, client)
	require.NotEmpty(t, o.content.bannedPhrases)

	_, err := o.Answer(
		context.Background(),
		"tell me about "+o.content.bannedPhrases[0],
	)
	assert.ErrorIs(t, err, ErrAnswerScreened)
	// the request never reaches the API
	assert.Empty(t, client.requests)
}

func TestOpenAIAnswerScreensReply(t *testing.T) {
	t.Parallel()
	content, err := NewContent()
	require.NoError(t, err)
	require.NotEmpty(t, content.bannedPhrases)

	client := &mockOpenAIClient{
		response: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Content: "something about " + content.bannedPhrases[0],
					},
				},
			},
		},
	}
	o := newTestOpenAI(t, client)

	_, err = o.Answer(context.Background(), "innocent question?")
	assert.ErrorIs(t, err, ErrAnswerScreened)
}

func TestOpenAIAnswerEmptyResponse(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{
		response: openai.ChatCompletionResponse{},
	}
	o := newTestOpenAI(t, client)

	_, err := o.Answer(context.Background(), "anyone home?")
	assert.ErrorIs(t, err, ErrAnswerEmpty)
}

func TestOpenAIAnswerTruncatesLongReplies(t *testing.T) {
	t.Parallel()
	client := &mockOpenAIClient{
		response: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Content: strings.Repeat("buzz ", 1000),
					},
				},
			},
		},
	}
	o := newTestOpenAI(t, client)

	answer, err := o.Answer(context.Background(), "say buzz a lot?")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(answer), discordMaxMessageLength)
}

func TestOpenAISetRequestLimit(t *testing.T) {
	t.Parallel()
	o := newTestOpenAI(t, &mockOpenAIClient{})
	o.setRequestLimit(5)
	assert.EqualValues(t, 5, o.limiter().Limit())
}

func TestOpenAILogLevelFromConfig(t *testing.T) {
	t.Parallel()
	content, err := NewContent()
	require.NoError(t, err)

	level := &slog.LevelVar{}
	level.Set(slog.LevelError)
	o := newOpenAI(
		&OpenAIConfig{
			Token:                "test-token",
			Model:                DefaultOpenAIModel,
			MaxRequestsPerSecond: 100,
			LogLevel:             level,
		},
		content,
		nil,
	)

	ctx := context.Background()
	assert.False(t, o.logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, o.logger.Enabled(ctx, slog.LevelError))

	// LevelVar changes apply without rebuilding the client
	level.Set(slog.LevelDebug)
	assert.True(t, o.logger.Enabled(ctx, slog.LevelDebug))
}
