package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/internal/audio"
	"streamrelay/internal/extract"
	"streamrelay/internal/sse"
)

// chunkBody returns its chunks one Read at a time, then err (io.EOF when nil).
type chunkBody struct {
	mu     sync.Mutex
	chunks []string
	err    error
	closed bool
}

func newChunkBody(err error, chunks ...string) *chunkBody {
	return &chunkBody{chunks: chunks, err: err}
}

func (b *chunkBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if b.chunks[0] == "" {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkBody) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *chunkBody) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type recordingObserver struct {
	mu        sync.Mutex
	malformed []string
	transport []error
	completed []Stats
}

func (*recordingObserver) OnEvent(sse.EventKind) {}

func (o *recordingObserver) OnMalformed(_ sse.Frame, reason string) {
	o.mu.Lock()
	o.malformed = append(o.malformed, reason)
	o.mu.Unlock()
}

func (o *recordingObserver) OnTransportError(err error) {
	o.mu.Lock()
	o.transport = append(o.transport, err)
	o.mu.Unlock()
}

func (o *recordingObserver) OnComplete(s Stats) {
	o.mu.Lock()
	o.completed = append(o.completed, s)
	o.mu.Unlock()
}

func textPipeline(t *testing.T, obs Observer, rules ...sse.SuppressRule) *Pipeline {
	t.Helper()
	ex, err := extract.NewPath(extract.PathConfig{Text: "text", Error: "error"})
	require.NoError(t, err)
	return &Pipeline{
		Classifier: sse.NewClassifier(sse.DefaultGrammar(), rules...),
		Extractor:  ex,
		Handler:    TextHandler{},
		Observer:   obs,
	}
}

func TestPipelineRelaysRecordsSplitAcrossChunks(t *testing.T) {
	body := newChunkBody(nil,
		`data: {"text":"Hi"}`+"\n\n"+`data: {"te`,
		`xt":" there"}`+"\n",
		"\ndata: [DONE]\n\n",
	)
	var out bytes.Buffer
	sink := NewSink(&out, PlainNotice)
	obs := &recordingObserver{}

	stats := textPipeline(t, obs).Run(context.Background(), body, sink)

	assert.Equal(t, "Hi there", out.String())
	assert.Equal(t, PhaseDone, stats.Phase)
	assert.NoError(t, stats.Err)
	assert.Equal(t, SinkClosed, sink.State())
	assert.True(t, body.isClosed())
	assert.Empty(t, obs.transport)
	require.Len(t, obs.completed, 1)
	assert.Equal(t, int64(len("Hi there")), obs.completed[0].BytesOut)
}

func TestPipelineCleanEOFWithoutTerminator(t *testing.T) {
	body := newChunkBody(nil, `data: {"text":"Hi"}`+"\n", `data: {"text":"!"}`)
	var out bytes.Buffer
	sink := NewSink(&out, PlainNotice)

	stats := textPipeline(t, nil).Run(context.Background(), body, sink)

	assert.Equal(t, "Hi!", out.String())
	assert.Equal(t, PhaseDone, stats.Phase)
}

func TestPipelineUpstreamErrorKeepsDeliveredText(t *testing.T) {
	body := newChunkBody(errors.New("connection reset"), `data: {"text":"Hi"}`+"\n\n")
	var out bytes.Buffer
	sink := NewSink(&out, PlainNotice)
	obs := &recordingObserver{}

	stats := textPipeline(t, obs).Run(context.Background(), body, sink)

	assert.True(t, strings.HasPrefix(out.String(), "Hi\n[error] "), out.String())
	assert.Contains(t, out.String(), "connection reset")
	assert.Equal(t, 1, strings.Count(out.String(), "[error]"))
	assert.Equal(t, PhaseFailed, stats.Phase)
	assert.Equal(t, SinkAborted, sink.State())
	assert.Len(t, obs.transport, 1)
}

func TestPipelineTerminatorWinsOverLaterReadError(t *testing.T) {
	for i := 0; i < 200; i++ {
		body := newChunkBody(errors.New("reset"), "data: {\"text\":\"Hi\"}\ndata: [DONE]\n")
		var out bytes.Buffer
		obs := &recordingObserver{}

		stats := textPipeline(t, obs).Run(context.Background(), body, NewSink(&out, PlainNotice))

		require.Equal(t, PhaseDone, stats.Phase, "run %d", i)
		require.Equal(t, "Hi", out.String(), "run %d", i)
		require.Empty(t, obs.transport, "run %d", i)
	}
}

func TestPipelineDoneRecordWinsOverLaterReadError(t *testing.T) {
	ex, err := extract.NewPath(extract.PathConfig{Text: "text", Done: "last"})
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		p := &Pipeline{
			Classifier: sse.NewClassifier(sse.DefaultGrammar()),
			Extractor:  ex,
			Handler:    NDJSONHandler{},
		}
		body := newChunkBody(errors.New("reset"), `data: {"text":"Hi","last":true}`+"\n")
		var out bytes.Buffer

		stats := p.Run(context.Background(), body, NewSink(&out, NDJSONNotice))

		require.Equal(t, PhaseDone, stats.Phase, "run %d", i)
		require.Equal(t, `{"content":"Hi","type":"token"}`+"\n"+`{"type":"done"}`+"\n", out.String(), "run %d", i)
	}
}

func TestPipelinePlainFramingKeepsUpstreamNewlines(t *testing.T) {
	grammar := sse.DefaultGrammar()
	grammar.Framing = sse.FramingPlain
	p := &Pipeline{
		Classifier: sse.NewClassifier(grammar),
		Extractor:  extract.Raw{},
		Handler:    TextHandler{},
	}
	var out bytes.Buffer

	stats := p.Run(context.Background(), newChunkBody(nil, "a\nb", "\nc"), NewSink(&out, PlainNotice))

	assert.Equal(t, PhaseDone, stats.Phase)
	assert.Equal(t, "a\nb\nc", out.String())
}

func TestPipelineSkipsMalformedFrames(t *testing.T) {
	body := newChunkBody(nil,
		`data: {"text":"a"}`+"\n",
		"data: {not json\n",
		"garbage line\n",
		": ping\n",
		`data: {"text":"b"}`+"\n",
	)
	var out bytes.Buffer
	obs := &recordingObserver{}

	stats := textPipeline(t, obs).Run(context.Background(), body, NewSink(&out, PlainNotice))

	assert.Equal(t, "ab", out.String())
	assert.Equal(t, PhaseDone, stats.Phase)
	assert.Equal(t, 2, stats.Malformed)
	assert.Len(t, obs.malformed, 2)
}

func TestPipelineProviderError(t *testing.T) {
	body := newChunkBody(nil,
		`data: {"text":"Hi"}`+"\n",
		`data: {"error":{"message":"quota exceeded"}}`+"\n",
		`data: {"text":"never"}`+"\n",
	)
	var out bytes.Buffer
	obs := &recordingObserver{}

	stats := textPipeline(t, obs).Run(context.Background(), body, NewSink(&out, PlainNotice))

	assert.Equal(t, "Hi\n[error] upstream error: quota exceeded\n", out.String())
	assert.Equal(t, PhaseFailed, stats.Phase)
	var perr *ProviderError
	assert.ErrorAs(t, stats.Err, &perr)
	assert.Empty(t, obs.transport)
}

func TestPipelineSuppressesFenceTokens(t *testing.T) {
	body := newChunkBody(nil,
		`data: {"text":"`+"```json"+`"}`+"\n",
		`data: {"text":"{\"a\":1}"}`+"\n",
		`data: {"text":"`+"```"+`"}`+"\n",
	)
	var out bytes.Buffer
	p := textPipeline(t, nil, sse.SuppressRule{Pattern: "```"})

	stats := p.Run(context.Background(), body, NewSink(&out, PlainNotice))

	assert.Equal(t, `{"a":1}`, out.String())
	assert.Equal(t, 2, stats.Suppressed)
}

func TestPipelineCancellationReleasesUpstream(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	sink := NewSink(&out, PlainNotice)

	p := textPipeline(t, nil)
	done := make(chan Stats, 1)
	go func() { done <- p.Run(ctx, pr, sink) }()

	_, err := pw.Write([]byte(`data: {"text":"Hi"}` + "\n"))
	require.NoError(t, err)
	cancel()

	select {
	case stats := <-done:
		assert.Equal(t, PhaseFailed, stats.Phase)
		assert.ErrorIs(t, stats.Err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}
	// The pipe reader was closed, so further upstream writes fail.
	_, err = pw.Write([]byte("more"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.NotEqual(t, SinkOpen, sink.State())
}

func TestPipelineFailBeforeFirstByte(t *testing.T) {
	var out bytes.Buffer
	sink := NewSink(&out, NDJSONNotice)
	obs := &recordingObserver{}
	p := &Pipeline{Observer: obs}

	stats := p.Fail(sink, errors.New("upstream returned 503"))

	assert.Equal(t, PhaseFailed, stats.Phase)
	assert.JSONEq(t, `{"type":"error","error":"upstream stream failed: upstream returned 503"}`, out.String())
	assert.Len(t, obs.transport, 1)
	assert.Len(t, obs.completed, 1)
}

func TestNDJSONHandlerEvents(t *testing.T) {
	body := newChunkBody(nil, `data: {"text":"Hi"}`+"\n", "data: [DONE]\n")
	var out bytes.Buffer
	p := textPipeline(t, nil)
	p.Handler = NDJSONHandler{}

	p.Run(context.Background(), body, NewSink(&out, NDJSONNotice))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"token","content":"Hi"}`, lines[0])
	assert.JSONEq(t, `{"type":"done"}`, lines[1])
}

func TestVoiceHandlerSplitsMetadata(t *testing.T) {
	body := newChunkBody(nil,
		`data: {"text":"Hello <<<META"}`+"\n",
		`data: {"text":"DATA>>> {\"mood\":"}`+"\n",
		`data: {"text":"\"happy\"}"}`+"\n",
	)
	var out bytes.Buffer
	p := textPipeline(t, nil)
	p.Handler = NewVoiceHandler("<<<METADATA>>>")

	stats := p.Run(context.Background(), body, NewSink(&out, NDJSONNotice))

	require.Equal(t, PhaseDone, stats.Phase)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"type":"token","content":"Hello "}`, lines[0])
	assert.JSONEq(t, `{"type":"metadata","data":{"mood":"happy"}}`, lines[1])
	assert.JSONEq(t, `{"type":"done"}`, lines[2])
}

func TestVoiceHandlerSalvagesHeldTextOnFailure(t *testing.T) {
	body := newChunkBody(errors.New("reset"), `data: {"text":"Bye <<<"}`+"\n")
	var out bytes.Buffer
	p := textPipeline(t, nil)
	p.Handler = NewVoiceHandler("<<<METADATA>>>")

	p.Run(context.Background(), body, NewSink(&out, NDJSONNotice))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"type":"token","content":"Bye "}`, lines[0])
	assert.JSONEq(t, `{"type":"token","content":"<<<"}`, lines[1])
	assert.Contains(t, lines[2], `"type":"error"`)
}

func pcm(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

func audioPipeline(t *testing.T, h Handler) *Pipeline {
	t.Helper()
	ex, err := extract.NewPath(extract.PathConfig{Audio: "audio"})
	require.NoError(t, err)
	return &Pipeline{
		Classifier: sse.NewClassifier(sse.DefaultGrammar()),
		Extractor:  ex,
		Handler:    h,
	}
}

func TestAudioHandlerBuffered(t *testing.T) {
	a, b := pcm(1, 2), pcm(3)
	body := newChunkBody(nil,
		`data: {"audio":"`+base64.StdEncoding.EncodeToString(a)+`"}`+"\n",
		`data: {"audio":"@@not base64@@"}`+"\n",
		`data: {"audio":"`+base64.StdEncoding.EncodeToString(b)+`"}`+"\n",
	)
	var out bytes.Buffer
	h := NewAudioHandler(audio.DefaultFormat, false)

	stats := audioPipeline(t, h).Run(context.Background(), body, NewSink(&out, nil))

	require.Equal(t, PhaseDone, stats.Phase)
	assert.Equal(t, 1, stats.Malformed)
	want := append(audio.Header(audio.DefaultFormat, 6), append(a, b...)...)
	assert.Equal(t, want, out.Bytes())
}

func TestAudioHandlerBufferedEmpty(t *testing.T) {
	var out bytes.Buffer
	h := NewAudioHandler(audio.DefaultFormat, false)

	audioPipeline(t, h).Run(context.Background(), newChunkBody(nil), NewSink(&out, nil))

	assert.Equal(t, audio.Header(audio.DefaultFormat, 0), out.Bytes())
}

func TestAudioHandlerProgressive(t *testing.T) {
	a := pcm(7, 8)
	body := newChunkBody(nil, `data: {"audio":"`+base64.StdEncoding.EncodeToString(a)+`"}`+"\n")
	var out bytes.Buffer
	h := NewAudioHandler(audio.DefaultFormat, true)

	audioPipeline(t, h).Run(context.Background(), body, NewSink(&out, nil))

	want := append(audio.StreamingHeader(audio.DefaultFormat), a...)
	assert.Equal(t, want, out.Bytes())
}

func TestAudioHandlerBufferedFailureWritesNoAudio(t *testing.T) {
	body := newChunkBody(errors.New("reset"),
		`data: {"audio":"`+base64.StdEncoding.EncodeToString(pcm(1))+`"}`+"\n")
	var out bytes.Buffer
	var reason string
	sink := NewSink(&out, nil)
	sink.OnAbort(func(r string) { reason = r })

	stats := audioPipeline(t, NewAudioHandler(audio.DefaultFormat, false)).Run(context.Background(), body, sink)

	assert.Equal(t, PhaseFailed, stats.Phase)
	assert.Zero(t, out.Len())
	assert.Contains(t, reason, "reset")
}

func TestAudioChunkHandler(t *testing.T) {
	body := newChunkBody(nil,
		`data: {"audio":"AAEC"}`+"\n",
		`data: {"audio":"AwQF"}`+"\n",
	)
	var out bytes.Buffer

	audioPipeline(t, &AudioChunkHandler{}).Run(context.Background(), body, NewSink(&out, NDJSONNotice))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"type":"audio_chunk","chunk_index":0,"audio_base64":"AAEC"}`, lines[0])
	assert.JSONEq(t, `{"type":"audio_chunk","chunk_index":1,"audio_base64":"AwQF"}`, lines[1])
	assert.JSONEq(t, `{"type":"done"}`, lines[2])
}

func TestAudioChunkHandlerReportsRecordErrorsInBand(t *testing.T) {
	body := newChunkBody(nil,
		`data: {"data":{"audio":"0001"},"base_resp":{"status_code":0}}`+"\n",
		`data: {"base_resp":{"status_code":1027,"status_msg":"sensitive text"}}`+"\n",
		`data: {"data":{"audio":"0203"},"base_resp":{"status_code":0}}`+"\n",
	)
	var out bytes.Buffer
	p := &Pipeline{
		Classifier: sse.NewClassifier(sse.DefaultGrammar()),
		Extractor:  extract.MiniMax{},
		Handler:    &AudioChunkHandler{},
	}

	stats := p.Run(context.Background(), body, NewSink(&out, NDJSONNotice))

	assert.Equal(t, PhaseDone, stats.Phase)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"type":"audio_chunk","chunk_index":0,"audio_base64":"AAE="}`, lines[0])
	assert.JSONEq(t, `{"type":"error","error":"sensitive text"}`, lines[1])
	assert.JSONEq(t, `{"type":"audio_chunk","chunk_index":1,"audio_base64":"AgM="}`, lines[2])
	assert.JSONEq(t, `{"type":"done"}`, lines[3])
}
