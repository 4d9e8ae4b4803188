package bridge

import "context"

// EngineEventType classifies events coming back from the voice engine
type EngineEventType string

const (
	EngineEventAudio      EngineEventType = "audio"
	EngineEventTranscript EngineEventType = "transcript"
	EngineEventError      EngineEventType = "error"
)

// EngineEvent is one message from the voice engine leg
type EngineEvent struct {
	Type    EngineEventType
	Audio   []int16
	Speaker string
	Text    string
	Err     error
}

// EngineConfig configures one engine session
type EngineConfig struct {
	CallID       string
	VoiceAgentID string
	Voice        string
	Instructions string
	SampleRate   int
}

// Engine opens voice-AI sessions. Connect returns once the session is ready
// to accept audio.
type Engine interface {
	Connect(ctx context.Context, cfg EngineConfig) (EngineSession, error)
}

// EngineSession is the engine side of an audio bridge. Audio is PCM16 mono
// at the engine sample rate. Events is closed when the session ends.
type EngineSession interface {
	SendAudio(ctx context.Context, samples []int16) error
	GenerateSpeech(ctx context.Context, text string) error
	UpdateVoice(ctx context.Context, voice string) error
	SendDTMF(ctx context.Context, digit string) error
	Events() <-chan EngineEvent
	Close() error
}
