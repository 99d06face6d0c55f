package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// StreamChatWithTools issues a tool-calling chat turn and streams text
// tokens to onToken as they arrive, returning the fully accumulated
// response once the stream closes. It mirrors ChatWithTools's non-streaming
// AgentResponse shape so callers (the Prompt Composer's consumers) can
// treat both uniformly; the only difference is onToken is invoked once per
// delta chunk before accumulation, the way a goat-style Stream.Accumulate
// pattern interleaves a per-chunk callback with building the final result.
func (c *agentClient) StreamChatWithTools(ctx context.Context, req AgentRequest, onToken func(string)) (*AgentResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	params := chatCompletionParams(c.model, req, maxTokens)

	start := time.Now()
	stream := c.openai.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	acc := newToolCallAccumulator()
	var finishReason string
	var promptTokens, completionTokens int64

	for stream.Next() {
		chunk := stream.Current()

		if chunk.Usage.PromptTokens != 0 || chunk.Usage.CompletionTokens != 0 {
			promptTokens = chunk.Usage.PromptTokens
			completionTokens = chunk.Usage.CompletionTokens
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if onToken != nil {
					onToken(choice.Delta.Content)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc.addDelta(toolCallDelta{
					Index:        tc.Index,
					ID:           tc.ID,
					FunctionName: tc.Function.Name,
					FunctionArgs: tc.Function.Arguments,
				})
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream chat with tools: %w", err)
	}

	slog.DebugContext(ctx, "agent stream chat completed",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", promptTokens,
		"completion_tokens", completionTokens,
		"finish_reason", finishReason)

	return &AgentResponse{
		Content:          text.String(),
		ToolCalls:        acc.complete(),
		FinishReason:     finishReason,
		PromptTokens:     int(promptTokens),
		CompletionTokens: int(completionTokens),
	}, nil
}
