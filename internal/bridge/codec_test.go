package bridge

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateFormat(t *testing.T) {
	tests := []struct {
		name    string
		in      MediaFormat
		want    MediaFormat
		wantErr bool
	}{
		{"defaults", MediaFormat{}, MediaFormat{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1}, false},
		{"alaw alias", MediaFormat{Encoding: "PCMA", SampleRate: 8000, Channels: 1}, MediaFormat{Encoding: EncodingAlaw, SampleRate: 8000, Channels: 1}, false},
		{"linear stereo", MediaFormat{Encoding: "linear16", SampleRate: 16000, Channels: 2}, MediaFormat{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 2}, false},
		{"unknown encoding", MediaFormat{Encoding: "opus"}, MediaFormat{}, true},
		{"bad rate", MediaFormat{Encoding: "mulaw", SampleRate: 96000}, MediaFormat{}, true},
		{"bad channels", MediaFormat{Encoding: "mulaw", Channels: 6}, MediaFormat{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NegotiateFormat(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrProtocol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConverter_MulawRoundTrip(t *testing.T) {
	conv := NewConverter(MediaFormat{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1}, 8000)

	samples := []int16{0, 1000, -1000, 8000, -8000, 30000}
	payload := conv.Outbound(samples)
	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	assert.Len(t, raw, len(samples))

	decoded, err := conv.Inbound(payload)
	require.NoError(t, err)
	require.Len(t, decoded, len(samples))
	for i := range samples {
		// companding keeps roughly 3% precision
		assert.InDelta(t, samples[i], decoded[i], float64(abs(samples[i]))*0.04+16, "sample %d", i)
	}
}

func TestConverter_AlawResamplesToEngineRate(t *testing.T) {
	conv := NewConverter(MediaFormat{Encoding: EncodingAlaw, SampleRate: 8000, Channels: 1}, 24000)
	wire := base64.StdEncoding.EncodeToString(make([]byte, 160))

	samples, err := conv.Inbound(wire)
	require.NoError(t, err)
	assert.Len(t, samples, 480)

	out, err := base64.StdEncoding.DecodeString(conv.Outbound(make([]int16, 480)))
	require.NoError(t, err)
	assert.Len(t, out, 160)
}

func TestConverter_PCM16StereoDownmix(t *testing.T) {
	conv := NewConverter(MediaFormat{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 2}, 16000)
	payload := base64.StdEncoding.EncodeToString(PCM16ToBytes([]int16{100, 300, -200, -400}))

	samples, err := conv.Inbound(payload)
	require.NoError(t, err)
	assert.Equal(t, []int16{200, -300}, samples)

	raw, err := base64.StdEncoding.DecodeString(conv.Outbound([]int16{7}))
	require.NoError(t, err)
	assert.Equal(t, []int16{7, 7}, BytesToPCM16(raw))
}

func TestConverter_RejectsBadBase64(t *testing.T) {
	conv := NewConverter(MediaFormat{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1}, 24000)
	_, err := conv.Inbound("!!not-base64!!")
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestResampleLinear(t *testing.T) {
	assert.Equal(t, []int16{0, 5, 10, 10}, resampleLinear([]int16{0, 10}, 8000, 16000))
	assert.Len(t, resampleLinear(make([]int16, 480), 24000, 8000), 160)
	assert.Empty(t, resampleLinear(nil, 8000, 24000))

	in := []int16{1, 2, 3}
	assert.Equal(t, in, resampleLinear(in, 8000, 8000))
}

func TestChunker(t *testing.T) {
	c := newChunker(8000, 50*time.Millisecond)
	assert.Nil(t, c.Add(make([]int16, 160)))
	assert.Nil(t, c.Add(make([]int16, 160)))
	chunk := c.Add(make([]int16, 160))
	assert.Len(t, chunk, 480)
	assert.Nil(t, c.Add(make([]int16, 100)), "buffer restarts after a chunk is emitted")

	passthrough := newChunker(8000, 0)
	assert.Len(t, passthrough.Add(make([]int16, 3)), 3)
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"event":"media","media":{"track":"inbound","chunk":3,"timestamp":"60","payload":"AAAA"}}`))
	require.NoError(t, err)
	assert.Equal(t, flexString("3"), msg.Media.Chunk)
	assert.Equal(t, flexString("60"), msg.Media.Timestamp)

	_, err = ParseMessage([]byte(`{"event":"start"}`))
	assert.ErrorIs(t, err, domain.ErrProtocol)

	_, err = ParseMessage([]byte(`{"event":"dtmf","dtmf":{}}`))
	assert.ErrorIs(t, err, domain.ErrProtocol)

	_, err = ParseMessage([]byte(`{"media":{}}`))
	assert.ErrorIs(t, err, domain.ErrProtocol)

	_, err = ParseMessage([]byte(`nope`))
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestChunkQueue_DropsOldestWhenFull(t *testing.T) {
	q := newChunkQueue(2)
	assert.False(t, q.Push([]byte("a")))
	assert.False(t, q.Push([]byte("b")))
	assert.True(t, q.Push([]byte("c")))
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())

	b, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", string(b))
	b, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "c", string(b))
	_, ok = q.Pop()
	assert.False(t, ok)

	select {
	case <-q.Ready():
	default:
		t.Fatal("push should signal readiness")
	}
}

func abs(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}
