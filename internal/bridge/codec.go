package bridge

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/zaf/g711"
)

// Wire encodings
const (
	EncodingMulaw = "audio/x-mulaw"
	EncodingAlaw  = "audio/x-alaw"
	EncodingPCM16 = "audio/l16"
)

// NormalizeEncoding maps encoding aliases onto the canonical names
func NormalizeEncoding(enc string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "audio/x-mulaw", "mulaw", "ulaw", "pcmu", "g711_ulaw", "audio/pcmu":
		return EncodingMulaw, nil
	case "audio/x-alaw", "alaw", "pcma", "g711_alaw", "audio/pcma":
		return EncodingAlaw, nil
	case "audio/l16", "l16", "pcm16", "linear16", "pcm", "audio/pcm":
		return EncodingPCM16, nil
	}
	return "", fmt.Errorf("%w: unsupported media encoding %q", domain.ErrProtocol, enc)
}

// NegotiateFormat validates the start event's media format and fills defaults
func NegotiateFormat(f MediaFormat) (MediaFormat, error) {
	enc := f.Encoding
	if enc == "" {
		enc = EncodingMulaw
	}
	normalized, err := NormalizeEncoding(enc)
	if err != nil {
		return MediaFormat{}, err
	}
	out := MediaFormat{Encoding: normalized, SampleRate: f.SampleRate, Channels: f.Channels}
	if out.SampleRate == 0 {
		out.SampleRate = 8000
	}
	if out.Channels == 0 {
		out.Channels = 1
	}
	if out.SampleRate < 4000 || out.SampleRate > 48000 {
		return MediaFormat{}, fmt.Errorf("%w: unsupported sample rate %d", domain.ErrProtocol, out.SampleRate)
	}
	if out.Channels < 1 || out.Channels > 2 {
		return MediaFormat{}, fmt.Errorf("%w: unsupported channel count %d", domain.ErrProtocol, out.Channels)
	}
	return out, nil
}

// Converter translates between wire audio and engine PCM16 mono
type Converter struct {
	wire       MediaFormat
	engineRate int
}

// NewConverter creates a converter for a negotiated wire format
func NewConverter(wire MediaFormat, engineRate int) *Converter {
	return &Converter{wire: wire, engineRate: engineRate}
}

// Inbound decodes a base64 wire payload into engine-rate mono samples
func (c *Converter) Inbound(payload string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad media payload: %v", domain.ErrProtocol, err)
	}
	samples := decodeWire(c.wire.Encoding, raw)
	samples = downmix(samples, c.wire.Channels)
	return resampleLinear(samples, c.wire.SampleRate, c.engineRate), nil
}

// Outbound converts engine-rate mono samples into a base64 wire payload
func (c *Converter) Outbound(samples []int16) string {
	samples = resampleLinear(samples, c.engineRate, c.wire.SampleRate)
	samples = upmix(samples, c.wire.Channels)
	return base64.StdEncoding.EncodeToString(encodeWire(c.wire.Encoding, samples))
}

func decodeWire(encoding string, raw []byte) []int16 {
	switch encoding {
	case EncodingMulaw:
		out := make([]int16, len(raw))
		for i, b := range raw {
			out[i] = g711.DecodeUlawFrame(b)
		}
		return out
	case EncodingAlaw:
		out := make([]int16, len(raw))
		for i, b := range raw {
			out[i] = g711.DecodeAlawFrame(b)
		}
		return out
	default:
		return BytesToPCM16(raw)
	}
}

func encodeWire(encoding string, samples []int16) []byte {
	switch encoding {
	case EncodingMulaw:
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = g711.EncodeUlawFrame(s)
		}
		return out
	case EncodingAlaw:
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = g711.EncodeAlawFrame(s)
		}
		return out
	default:
		return PCM16ToBytes(samples)
	}
}

// BytesToPCM16 reads little-endian 16-bit samples; a trailing odd byte is dropped
func BytesToPCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// PCM16ToBytes writes little-endian 16-bit samples
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// downmix averages interleaved channels into mono
func downmix(in []int16, channels int) []int16 {
	if channels <= 1 {
		return in
	}
	frames := len(in) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(in[i*channels+ch])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// upmix duplicates mono samples across channels
func upmix(in []int16, channels int) []int16 {
	if channels <= 1 {
		return in
	}
	out := make([]int16, len(in)*channels)
	for i, s := range in {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = s
		}
	}
	return out
}

// resampleLinear converts between sample rates by linear interpolation
func resampleLinear(in []int16, fromRate, toRate int) []int16 {
	if len(in) == 0 || fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return in
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Round(float64(len(in)) / ratio))
	if outLen <= 0 {
		return []int16{}
	}

	out := make([]int16, outLen)
	last := len(in) - 1
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		s0 := int(pos)
		if s0 > last {
			s0 = last
		}
		s1 := s0 + 1
		if s1 > last {
			s1 = last
		}
		frac := pos - float64(s0)
		out[i] = int16((1-frac)*float64(in[s0]) + frac*float64(in[s1]))
	}
	return out
}

// chunker accumulates engine-rate samples until a minimum duration is buffered
type chunker struct {
	minSamples int
	pending    []int16
}

func newChunker(sampleRate int, minDuration time.Duration) *chunker {
	n := int(int64(sampleRate) * int64(minDuration) / int64(time.Second))
	return &chunker{minSamples: n}
}

// Add appends samples and returns a full chunk when the threshold is reached
func (c *chunker) Add(samples []int16) []int16 {
	if c.minSamples <= 0 {
		return samples
	}
	c.pending = append(c.pending, samples...)
	if len(c.pending) < c.minSamples {
		return nil
	}
	out := c.pending
	c.pending = nil
	return out
}
