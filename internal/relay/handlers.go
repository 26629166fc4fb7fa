package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"streamrelay/internal/audio"
	"streamrelay/internal/demux"
	"streamrelay/internal/extract"
	"streamrelay/internal/sse"
	"streamrelay/internal/util"
)

// Handler turns extraction results into outbound bytes. Handle is called in
// frame order; Finish only after a clean end of stream.
type Handler interface {
	Handle(st *Stream, res extract.Result) error
	Finish(st *Stream) error
}

// Salvager is implemented by handlers that hold back output and want to
// flush it before the error notice of a failed stream.
type Salvager interface {
	Salvage(st *Stream)
}

// TextHandler forwards text as-is.
type TextHandler struct{}

func (TextHandler) Handle(st *Stream, res extract.Result) error {
	if res.Text == "" {
		return nil
	}
	return st.Write([]byte(res.Text))
}

func (TextHandler) Finish(*Stream) error { return nil }

// NDJSONHandler wraps text in {"type":"token"} events and ends with a
// {"type":"done"} event.
type NDJSONHandler struct{}

func (NDJSONHandler) Handle(st *Stream, res extract.Result) error {
	if err := writeWarning(st, res.Warning); err != nil {
		return err
	}
	if res.Text != "" {
		if err := writeEvent(st, tokenEvent(res.Text)); err != nil {
			return err
		}
	}
	return writeInfo(st, res.Info)
}

func (NDJSONHandler) Finish(st *Stream) error {
	return writeEvent(st, map[string]any{"type": "done"})
}

// VoiceHandler streams the reply part of a voice response as token events
// and emits the trailing metadata block once the stream ends.
type VoiceHandler struct {
	demux *demux.Demux
}

func NewVoiceHandler(marker string) *VoiceHandler {
	return &VoiceHandler{demux: demux.New(marker)}
}

func (h *VoiceHandler) Handle(st *Stream, res extract.Result) error {
	if res.Text == "" {
		return nil
	}
	return h.emit(st, h.demux.Write(res.Text))
}

func (h *VoiceHandler) Finish(st *Stream) error {
	raw := strings.TrimSpace(h.demux.MetadataText())
	tail, meta := h.demux.Close()
	if err := h.emit(st, tail); err != nil {
		return err
	}
	if meta != nil {
		if err := writeEvent(st, map[string]any{"type": "metadata", "data": meta}); err != nil {
			return err
		}
	} else if raw != "" {
		st.Drop(sse.Frame(raw), "metadata block is not a JSON object")
	}
	return writeEvent(st, map[string]any{"type": "done"})
}

func (h *VoiceHandler) Salvage(st *Stream) {
	tail, _ := h.demux.Close()
	_ = h.emit(st, tail)
}

func (h *VoiceHandler) emit(st *Stream, text string) error {
	text = util.SanitizeText(text)
	if text == "" {
		return nil
	}
	return writeEvent(st, tokenEvent(text))
}

// AudioHandler reassembles PCM fragments into a WAV body. Buffered mode
// writes the whole file with an exact header at the end; progressive mode
// writes a streaming header on the first fragment and raw PCM afterwards.
type AudioHandler struct {
	asm         *audio.Reassembler
	progressive bool
	started     bool
}

func NewAudioHandler(f audio.Format, progressive bool) *AudioHandler {
	return &AudioHandler{asm: audio.NewReassembler(f), progressive: progressive}
}

func (h *AudioHandler) Handle(st *Stream, res extract.Result) error {
	for _, frag := range res.Audio {
		raw, err := h.asm.Append(frag)
		if err != nil {
			st.Drop(sse.Frame(truncate(frag)), err.Error())
			continue
		}
		if !h.progressive || len(raw) == 0 {
			continue
		}
		if !h.started {
			h.started = true
			if err := st.Write(audio.StreamingHeader(h.asm.Format())); err != nil {
				return err
			}
		}
		if err := st.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

func (h *AudioHandler) Finish(st *Stream) error {
	if h.progressive {
		if h.started {
			return nil
		}
		return st.Write(audio.Header(h.asm.Format(), 0))
	}
	wav, err := h.asm.Finalize()
	if err != nil {
		return err
	}
	return st.Write(wav)
}

// AudioChunkHandler forwards encoded audio fragments (e.g. MP3 from MiniMax)
// as NDJSON audio_chunk events without touching the codec.
type AudioChunkHandler struct {
	index int
}

func (h *AudioChunkHandler) Handle(st *Stream, res extract.Result) error {
	if err := writeWarning(st, res.Warning); err != nil {
		return err
	}
	for _, frag := range res.Audio {
		if _, err := audio.DecodeFragment(frag); err != nil {
			st.Drop(sse.Frame(truncate(frag)), err.Error())
			continue
		}
		ev := map[string]any{"type": "audio_chunk", "chunk_index": h.index, "audio_base64": frag}
		h.index++
		if err := writeEvent(st, ev); err != nil {
			return err
		}
	}
	return writeInfo(st, res.Info)
}

func (h *AudioChunkHandler) Finish(st *Stream) error {
	return writeEvent(st, map[string]any{"type": "done"})
}

func tokenEvent(text string) map[string]any {
	return map[string]any{"type": "token", "content": text}
}

func writeInfo(st *Stream, info map[string]any) error {
	if len(info) == 0 {
		return nil
	}
	ev := make(map[string]any, len(info)+1)
	for k, v := range info {
		ev[k] = v
	}
	ev["type"] = "info"
	return writeEvent(st, ev)
}

// writeWarning reports a record-level provider error in-band without ending
// the stream.
func writeWarning(st *Stream, msg string) error {
	if msg == "" {
		return nil
	}
	return writeEvent(st, map[string]any{"type": "error", "error": msg})
}

func writeEvent(st *Stream, ev map[string]any) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return st.Write(append(b, '\n'))
}

func truncate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
