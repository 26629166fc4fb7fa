package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// Target is one provider endpoint.
type Target struct {
	URL    string
	APIKey string
	// KeyHeader carries the raw key instead of "Authorization: Bearer",
	// e.g. x-goog-api-key for the Gemini API.
	KeyHeader string
	Headers   map[string]string
}

func (t Target) newRequest(ctx context.Context, body any) (*http.Request, error) {
	if t.URL == "" {
		return nil, errors.New("upstream url is not configured")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if t.APIKey != "" {
		if t.KeyHeader != "" {
			req.Header.Set(t.KeyHeader, t.APIKey)
		} else {
			req.Header.Set("Authorization", "Bearer "+t.APIKey)
		}
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// NewChatRequest builds a streaming OpenAI-compatible chat completion
// request. Stream is always enabled.
func NewChatRequest(ctx context.Context, t Target, chat openai.ChatCompletionRequest) (*http.Request, error) {
	if len(chat.Messages) == 0 {
		return nil, errors.New("chat request has no messages")
	}
	chat.Stream = true
	return t.newRequest(ctx, chat)
}

// SpeechPrompt prefixes TTS input so the model reads it rather than answers.
const SpeechPrompt = "Please speak the following text naturally: "

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiVoice struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       *geminiVoice `json:"speechConfig,omitempty"`
}

type geminiTTSRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

// NewGeminiTTSRequest builds a streamGenerateContent?alt=sse request that
// returns base64 PCM in inlineData parts.
func NewGeminiTTSRequest(ctx context.Context, t Target, text, voice string) (*http.Request, error) {
	if text == "" {
		return nil, errors.New("tts text is empty")
	}
	body := geminiTTSRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: SpeechPrompt + text}}}},
		GenerationConfig: geminiGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	if voice != "" {
		v := &geminiVoice{}
		v.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice
		body.GenerationConfig.SpeechConfig = v
	}
	return t.newRequest(ctx, body)
}

// MaxMiniMaxText is the longest input the MiniMax t2a endpoint accepts.
const MaxMiniMaxText = 2000

type MiniMaxVoice struct {
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed"`
	Vol     float64 `json:"vol"`
	Pitch   int     `json:"pitch"`
}

type MiniMaxTTS struct {
	Model string
	Text  string
	Voice MiniMaxVoice
}

type miniMaxRequest struct {
	Model         string       `json:"model"`
	Text          string       `json:"text"`
	Stream        bool         `json:"stream"`
	StreamOptions struct {
		ExcludeAggregatedAudio bool `json:"exclude_aggregated_audio"`
	} `json:"stream_options"`
	VoiceSetting MiniMaxVoice `json:"voice_setting"`
	AudioSetting struct {
		SampleRate int    `json:"sample_rate"`
		Bitrate    int    `json:"bitrate"`
		Format     string `json:"format"`
		Channel    int    `json:"channel"`
	} `json:"audio_setting"`
}

// NewMiniMaxTTSRequest builds a streaming t2a_v2 request for MP3 output.
func NewMiniMaxTTSRequest(ctx context.Context, t Target, tts MiniMaxTTS) (*http.Request, error) {
	if tts.Text == "" {
		return nil, errors.New("tts text is empty")
	}
	if n := len([]rune(tts.Text)); n > MaxMiniMaxText {
		return nil, fmt.Errorf("tts text has %d characters, limit is %d", n, MaxMiniMaxText)
	}
	body := miniMaxRequest{Model: tts.Model, Text: tts.Text, Stream: true, VoiceSetting: tts.Voice}
	if body.Model == "" {
		body.Model = "speech-2.6-turbo"
	}
	if body.VoiceSetting.VoiceID == "" {
		body.VoiceSetting.VoiceID = "English_Trustworthy_Man"
	}
	if body.VoiceSetting.Speed == 0 {
		body.VoiceSetting.Speed = 1
	}
	if body.VoiceSetting.Vol == 0 {
		body.VoiceSetting.Vol = 1
	}
	body.StreamOptions.ExcludeAggregatedAudio = true
	body.AudioSetting.SampleRate = 32000
	body.AudioSetting.Bitrate = 128000
	body.AudioSetting.Format = "mp3"
	body.AudioSetting.Channel = 1
	return t.newRequest(ctx, body)
}
