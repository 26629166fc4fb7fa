package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"streamrelay/internal/config"
	"streamrelay/internal/extract"
	"streamrelay/internal/metrics"
	"streamrelay/internal/relay"
	"streamrelay/internal/sse"
	"streamrelay/internal/upstream"
	"streamrelay/internal/util"
)

const (
	contentTypeText   = "text/plain; charset=utf-8"
	contentTypeNDJSON = "application/x-ndjson"
	contentTypeWAV    = "audio/wav"

	// relayErrorHeader reports failures of bodies that cannot carry an
	// in-band notice, as a header before the first byte or a trailer after.
	relayErrorHeader = "X-Relay-Error"
	streamIDHeader   = "X-Stream-Id"

	maxRequestBody = 1 << 20
)

type Handler struct {
	Config   config.Config
	Upstream Opener
	Metrics  *metrics.Metrics
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/chat/stream", h.chatStream)
	r.Post("/chat/analyze", h.chatAnalyze)
	r.Post("/chat/voice", h.chatVoice)
	r.Post("/chat/complete", h.chatComplete)
	r.Post("/tts/stream", h.ttsStream)
	r.Post("/tts/chunks", h.ttsChunks)
	r.Get("/profiles", h.listProfiles)
}

type chatRequest struct {
	Model       string                         `json:"model"`
	System      string                         `json:"system"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature float32                        `json:"temperature"`
	JSONMode    bool                           `json:"json_mode"`
}

func (c chatRequest) openAI(defaultModel string, jsonMode bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       c.Model,
		Temperature: c.Temperature,
	}
	if req.Model == "" {
		req.Model = defaultModel
	}
	if c.System != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.System})
	}
	req.Messages = append(req.Messages, c.Messages...)
	if jsonMode || c.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return req
}

type ttsRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// stream describes one relay endpoint invocation.
type stream struct {
	profile     string
	contentType string
	notice      relay.NoticeFunc
	handler     relay.Handler
	build       func(ctx context.Context, t upstream.Target, p config.Provider) (*http.Request, error)
}

func (h *Handler) chatStream(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeBody(r, &body); err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.relay(w, r, stream{
		profile:     config.ProfileChat,
		contentType: contentTypeText,
		notice:      relay.PlainNotice,
		handler:     relay.TextHandler{},
		build:       chatBuilder(body, false),
	})
}

// chatAnalyze streams raw JSON content with code fences withheld by the
// profile's suppress rules.
func (h *Handler) chatAnalyze(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeBody(r, &body); err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.relay(w, r, stream{
		profile:     config.ProfileAnalyze,
		contentType: contentTypeNDJSON,
		notice:      relay.NDJSONNotice,
		handler:     relay.TextHandler{},
		build:       chatBuilder(body, true),
	})
}

func (h *Handler) chatVoice(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeBody(r, &body); err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.relay(w, r, stream{
		profile:     config.ProfileVoice,
		contentType: contentTypeNDJSON,
		notice:      relay.NDJSONNotice,
		handler:     relay.NewVoiceHandler(h.Config.Profiles[config.ProfileVoice].Marker),
		build:       chatBuilder(body, false),
	})
}

func (h *Handler) ttsStream(w http.ResponseWriter, r *http.Request) {
	var body ttsRequest
	if err := decodeBody(r, &body); err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	progressive := util.ToBool(r.URL.Query().Get("progressive"))
	h.relay(w, r, stream{
		profile:     config.ProfileTTS,
		contentType: contentTypeWAV,
		handler:     relay.NewAudioHandler(h.Config.Profiles[config.ProfileTTS].Audio, progressive),
		build: func(ctx context.Context, t upstream.Target, p config.Provider) (*http.Request, error) {
			voice := body.Voice
			if voice == "" {
				voice = p.Voice
			}
			return upstream.NewGeminiTTSRequest(ctx, t, body.Text, voice)
		},
	})
}

// ttsChunks relays MiniMax MP3 fragments as NDJSON audio_chunk events.
func (h *Handler) ttsChunks(w http.ResponseWriter, r *http.Request) {
	var body ttsRequest
	if err := decodeBody(r, &body); err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.relay(w, r, stream{
		profile:     config.ProfileTTSChunks,
		contentType: contentTypeNDJSON,
		notice:      relay.NDJSONNotice,
		handler:     &relay.AudioChunkHandler{},
		build: func(ctx context.Context, t upstream.Target, p config.Provider) (*http.Request, error) {
			voice := body.Voice
			if voice == "" {
				voice = p.Voice
			}
			return upstream.NewMiniMaxTTSRequest(ctx, t, upstream.MiniMaxTTS{
				Model: p.Model,
				Text:  body.Text,
				Voice: upstream.MiniMaxVoice{VoiceID: voice, Speed: body.Speed},
			})
		},
	})
}

func chatBuilder(body chatRequest, jsonMode bool) func(context.Context, upstream.Target, config.Provider) (*http.Request, error) {
	return func(ctx context.Context, t upstream.Target, p config.Provider) (*http.Request, error) {
		return upstream.NewChatRequest(ctx, t, body.openAI(p.Model, jsonMode))
	}
}

func target(p config.Provider) upstream.Target {
	return upstream.Target{URL: p.URL, APIKey: p.APIKey, KeyHeader: p.KeyHeader, Headers: p.Headers}
}

// setup resolves the profile of an endpoint and builds its upstream request.
// Errors are written to w; ok is false when the caller must stop.
func (h *Handler) setup(w http.ResponseWriter, r *http.Request, name string,
	build func(context.Context, upstream.Target, config.Provider) (*http.Request, error),
) (cls *sse.Classifier, ex extract.Extractor, req *http.Request, ok bool) {
	profile, found := h.Config.Profiles[name]
	if !found {
		util.WriteError(w, http.StatusNotFound, "endpoint profile "+name+" is not configured")
		return nil, nil, nil, false
	}
	provider := h.Config.Providers[profile.Provider]
	cls, err := profile.NewClassifier()
	if err == nil {
		ex, err = profile.NewExtractor()
	}
	if err != nil {
		config.Logger.Error("invalid profile", "profile", name, "error", err)
		util.WriteError(w, http.StatusInternalServerError, "invalid profile "+name)
		return nil, nil, nil, false
	}
	req, err = build(r.Context(), target(provider), provider)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return nil, nil, nil, false
	}
	return cls, ex, req, true
}

func (h *Handler) relay(w http.ResponseWriter, r *http.Request, s stream) {
	cls, ex, upReq, ok := h.setup(w, r, s.profile, s.build)
	if !ok {
		return
	}
	ctx := r.Context()
	streamID := uuid.NewString()
	log := config.Logger.With("stream_id", streamID, "endpoint", s.profile, "request_id", middleware.GetReqID(ctx))
	obs := relay.Observers{relay.LogObserver{Logger: log}}
	if h.Metrics != nil {
		obs = append(obs, h.Metrics.Start(s.profile))
	}
	p := &relay.Pipeline{Classifier: cls, Extractor: ex, Handler: s.handler, Observer: obs}

	w.Header().Set("Content-Type", s.contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(streamIDHeader, streamID)

	resp, err := h.Upstream.Open(ctx, upReq)
	if err != nil {
		if s.notice == nil {
			w.Header().Set(relayErrorHeader, noticeText(err))
		}
		w.WriteHeader(http.StatusBadGateway)
		p.Fail(relay.NewSink(w, s.notice), err)
		return
	}

	sink := relay.NewSink(w, s.notice)
	if s.notice == nil {
		w.Header().Set("Trailer", relayErrorHeader)
		sink.OnAbort(func(reason string) {
			w.Header().Set(relayErrorHeader, reason)
		})
	}
	w.WriteHeader(http.StatusOK)
	log.Debug("relay started", "upstream_status", resp.StatusCode)
	p.Run(ctx, resp.Body, sink)
}

func noticeText(err error) string {
	var serr *upstream.StatusError
	if errors.As(err, &serr) {
		return fmt.Sprintf("upstream returned %d", serr.StatusCode)
	}
	return strings.ReplaceAll(err.Error(), "\n", " ")
}

// chatComplete collects the whole reply before answering. With json_mode the
// reply is also parsed leniently and returned as "data".
func (h *Handler) chatComplete(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeBody(r, &body); err != nil {
		util.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	cls, ex, upReq, ok := h.setup(w, r, config.ProfileComplete, chatBuilder(body, false))
	if !ok {
		return
	}
	ctx := r.Context()
	log := config.Logger.With("endpoint", config.ProfileComplete, "request_id", middleware.GetReqID(ctx))

	resp, err := h.Upstream.Open(ctx, upReq)
	if err != nil {
		log.Warn("upstream request failed", "error", err)
		util.WriteError(w, http.StatusBadGateway, noticeText(err))
		return
	}
	defer resp.Body.Close()

	var (
		text      strings.Builder
		providerE string
		malformed int
	)
	err = sse.Collect(ctx, resp.Body, cls, func(ev sse.Event) bool {
		var res extract.Result
		switch ev.Kind {
		case sse.EventTerminator:
			return false
		case sse.EventMalformed:
			malformed++
			return true
		case sse.EventToken:
			res.Text = ev.LineText()
		case sse.EventJSONRecord:
			var xerr error
			if res, xerr = ex.Extract(ev); xerr != nil {
				malformed++
				return true
			}
		}
		if res.Err != "" {
			providerE = res.Err
			return false
		}
		if t, keep := cls.Filter(res.Text); keep {
			text.WriteString(t)
		}
		return !res.Done
	})
	if err == nil && providerE != "" {
		err = &relay.ProviderError{Message: providerE}
	}
	if err != nil {
		log.Warn("collecting upstream reply failed", "error", err)
		util.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	if malformed > 0 {
		log.Warn("skipped malformed frames", "count", malformed)
	}

	out := map[string]any{"content": text.String()}
	if body.JSONMode {
		data, perr := util.ParseLenientJSON(text.String())
		if perr != nil {
			util.WriteError(w, http.StatusBadGateway, "reply is not valid JSON: "+perr.Error())
			return
		}
		out["data"] = data
	}
	util.WriteJSON(w, http.StatusOK, out)
}

type profileView struct {
	Provider  string `json:"provider"`
	URL       string `json:"url"`
	Model     string `json:"model,omitempty"`
	HasAPIKey bool   `json:"has_api_key"`
	Framing   string `json:"framing"`
	Extractor string `json:"extractor"`
	Marker    string `json:"marker,omitempty"`
	Suppress  int    `json:"suppress_rules"`
}

// listProfiles shows the effective endpoint configuration without secrets.
func (h *Handler) listProfiles(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]profileView, len(h.Config.Profiles))
	for name, p := range h.Config.Profiles {
		prov := h.Config.Providers[p.Provider]
		framing := p.Framing
		if framing == "" {
			framing = "sse"
		}
		kind := p.Extractor
		if kind == "" {
			kind = extract.KindOpenAI
		}
		out[name] = profileView{
			Provider:  p.Provider,
			URL:       redactURL(prov.URL),
			Model:     prov.Model,
			HasAPIKey: prov.APIKey != "",
			Framing:   framing,
			Extractor: kind,
			Marker:    p.Marker,
			Suppress:  len(p.Suppress),
		}
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"profiles": out})
}

// redactURL drops the query string, which may carry keys or group ids.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
