package extract

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"streamrelay/internal/sse"
)

type miniMaxChunk struct {
	Data *struct {
		Audio  string `json:"audio"`
		Status int    `json:"status"`
	} `json:"data"`
	ExtraInfo *struct {
		AudioLength int64 `json:"audio_length"`
	} `json:"extra_info"`
	BaseResp *struct {
		StatusCode int    `json:"status_code"`
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
}

// MiniMax reads t2a streaming chunks, whose audio arrives hex encoded.
// Fragments are re-encoded as base64 so every audio extractor agrees.
type MiniMax struct{}

func (MiniMax) Extract(ev sse.Event) (Result, error) {
	var chunk miniMaxChunk
	if err := json.Unmarshal(ev.Raw, &chunk); err != nil {
		return Result{}, fmt.Errorf("decode minimax chunk: %w", err)
	}
	if b := chunk.BaseResp; b != nil && b.StatusCode != 0 {
		msg := b.StatusMsg
		if msg == "" {
			msg = fmt.Sprintf("minimax status %d", b.StatusCode)
		}
		return Result{Warning: msg}, nil
	}
	var res Result
	if chunk.Data != nil && chunk.Data.Audio != "" {
		raw, err := hex.DecodeString(chunk.Data.Audio)
		if err != nil {
			return Result{}, fmt.Errorf("decode minimax audio: %w", err)
		}
		res.Audio = []string{base64.StdEncoding.EncodeToString(raw)}
	}
	if chunk.ExtraInfo != nil && chunk.ExtraInfo.AudioLength > 0 {
		res.Info = map[string]any{"duration_ms": chunk.ExtraInfo.AudioLength}
	}
	return res, nil
}
