package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/pkg/models"
)

// OpenAI implements Provider for OpenAI's chat completions API.
type OpenAI struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig holds configuration for creating an OpenAI provider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(config OpenAIConfig) (*OpenAI, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientConfig),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *OpenAI) Name() string {
	return "openai"
}

// Stream sends a generation request and returns a channel of chunks.
// Request creation is retried with linear backoff; streaming errors are
// delivered as a final chunk.
func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := p.model(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		wrapped := p.wrapError(lastErr, model)
		if apiErr, ok := AsAPIError(wrapped); ok && !apiErr.Retryable() {
			return nil, wrapped
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", p.wrapError(lastErr, model))
	}

	chunks := make(chan *Chunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls arrive as fragments keyed by index; each call's arguments
	// accumulate across chunks until the finish reason flushes them.
	toolCalls := make(map[int]*ToolCall)
	order := []int{}
	var usage *models.TokenUsage
	finishReason := ""

	flush := func() {
		for _, idx := range order {
			tc := toolCalls[idx]
			if tc.ID != "" && tc.Name != "" {
				if len(tc.Args) == 0 {
					tc.Args = json.RawMessage("{}")
				}
				chunks <- &Chunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*ToolCall)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &Chunk{Done: true, FinishReason: finishReason, Usage: usage}
				return
			}
			chunks <- &Chunk{Err: p.wrapError(err, model), Done: true}
			return
		}

		if response.Usage != nil {
			usage = &models.TokenUsage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- &Chunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &ToolCall{}
				order = append(order, index)
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Args = append(toolCalls[index].Args, tc.Function.Arguments...)
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			finishReason = "tool-calls"
			flush()
		case openai.FinishReasonStop:
			finishReason = "stop"
		case openai.FinishReasonLength:
			finishReason = "length"
		}
	}
}

func (p *OpenAI) convertMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		if oaiMsg.Content != "" || len(oaiMsg.ToolCalls) > 0 {
			result = append(result, oaiMsg)
		}

		// OpenAI carries each tool result as its own message.
		for _, tr := range msg.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.CallID,
			})
		}
	}

	return result
}

func (p *OpenAI) convertTools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return result
}

func (p *OpenAI) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *OpenAI) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsAPIError(err); ok {
		return err
	}

	wrapped := &APIError{Provider: "openai", Model: model, Cause: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		wrapped.Status = apiErr.HTTPStatusCode
		wrapped.Message = apiErr.Message
		if code, ok := apiErr.Code.(string); ok {
			wrapped.Code = code
		}
	case errors.As(err, &reqErr):
		wrapped.Status = reqErr.HTTPStatusCode
		if len(reqErr.Body) > 0 {
			wrapped.ResponseBody = string(reqErr.Body)
		}
	}

	return wrapped
}
