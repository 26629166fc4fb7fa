package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"streamrelay/internal/sse"
)

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				Thought    bool   `json:"thought"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// Gemini reads streamGenerateContent chunks: text parts, inline audio parts
// and the finishReason of the first candidate.
type Gemini struct{}

func (Gemini) Extract(ev sse.Event) (Result, error) {
	var chunk geminiChunk
	if err := json.Unmarshal(ev.Raw, &chunk); err != nil {
		return Result{}, fmt.Errorf("decode gemini chunk: %w", err)
	}
	if e := chunk.Error; e != nil {
		return Result{Err: fmt.Sprintf("%d %s: %s", e.Code, e.Status, e.Message), Done: true}, nil
	}
	if len(chunk.Candidates) == 0 {
		return Result{}, nil
	}
	cand := chunk.Candidates[0]
	var res Result
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p.Thought {
			continue
		}
		text.WriteString(p.Text)
		if p.InlineData != nil && p.InlineData.Data != "" {
			res.Audio = append(res.Audio, p.InlineData.Data)
		}
	}
	res.Text = text.String()
	switch cand.FinishReason {
	case "", "FINISH_REASON_UNSPECIFIED":
	case "STOP", "MAX_TOKENS":
		res.Done = true
	default:
		res.Done = true
		res.Err = "generation stopped: " + strings.ToLower(cand.FinishReason)
	}
	return res, nil
}
