package audio

import (
	"encoding/binary"
	"math"
)

// HeaderSize is the size of the canonical PCM WAV header.
const HeaderSize = 44

const (
	riffChunkSizeOffset = 36 // header bytes counted by the RIFF chunk size
	fmtChunkSize        = 16
	formatPCM           = 1
	bitsPerByte         = 8
)

// Format describes raw PCM samples.
type Format struct {
	SampleRate int `toml:"sample_rate"`
	BitDepth   int `toml:"bit_depth"`
	Channels   int `toml:"channels"`
}

// DefaultFormat is what Gemini TTS emits: 24 kHz, 16-bit, mono.
var DefaultFormat = Format{SampleRate: 24000, BitDepth: 16, Channels: 1}

func (f Format) withDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultFormat.SampleRate
	}
	if f.BitDepth <= 0 {
		f.BitDepth = DefaultFormat.BitDepth
	}
	if f.Channels <= 0 {
		f.Channels = DefaultFormat.Channels
	}
	return f
}

func (f Format) blockAlign() int {
	return f.Channels * f.BitDepth / bitsPerByte
}

func (f Format) byteRate() int {
	return f.SampleRate * f.blockAlign()
}

// Header builds a little-endian RIFF/WAVE header for dataLen bytes of PCM.
// Lengths beyond the 32-bit range are clamped.
func Header(f Format, dataLen int) []byte {
	f = f.withDefaults()
	size := uint32(math.MaxUint32 - riffChunkSizeOffset)
	if dataLen >= 0 && uint64(dataLen) < uint64(size) {
		size = uint32(dataLen)
	}
	h := make([]byte, HeaderSize)

	// RIFF chunk descriptor
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], riffChunkSizeOffset+size)
	copy(h[8:12], "WAVE")

	// "fmt " sub-chunk
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(h[20:22], formatPCM)
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.byteRate()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.blockAlign()))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BitDepth))

	// "data" sub-chunk
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], size)
	return h
}

// StreamingHeader is sent before the first fragment when the total length is
// not known yet. Both size fields carry the largest representable value,
// which players treat as "read until end of stream".
func StreamingHeader(f Format) []byte {
	return Header(f, -1)
}
