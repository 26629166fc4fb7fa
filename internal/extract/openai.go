package extract

import (
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"streamrelay/internal/sse"
)

// OpenAIChat reads OpenAI-compatible chat completion chunks
// (choices[0].delta.content), as sent by OpenAI and OpenRouter.
type OpenAIChat struct{}

func (OpenAIChat) Extract(ev sse.Event) (Result, error) {
	var apiErr openai.ErrorResponse
	if err := json.Unmarshal(ev.Raw, &apiErr); err == nil && apiErr.Error != nil {
		return Result{Err: apiErr.Error.Message, Done: true}, nil
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(ev.Raw, &chunk); err != nil {
		return Result{}, fmt.Errorf("decode chat chunk: %w", err)
	}
	if len(chunk.Choices) == 0 {
		return Result{}, nil
	}
	choice := chunk.Choices[0]
	res := Result{Text: choice.Delta.Content}
	switch choice.FinishReason {
	case "", openai.FinishReasonNull:
	case openai.FinishReasonContentFilter:
		res.Done = true
		res.Err = "content filtered by upstream"
	default:
		res.Done = true
	}
	return res, nil
}
