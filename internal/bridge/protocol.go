package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
)

// Streaming control events exchanged with the telephony transport
const (
	EventConnected      = "connected"
	EventStart          = "start"
	EventMedia          = "media"
	EventStop           = "stop"
	EventDTMF           = "dtmf"
	EventMark           = "mark"
	EventGenerateSpeech = "generate_speech"
	EventUpdateVoice    = "update_voice"
	EventEndStream      = "end_stream"
)

// Custom parameters carried by the start event
const (
	ParamVoiceAgentID = "voiceAgentId"
	ParamCallID       = "callId"
)

// Media tracks
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// MediaFormat describes the wire audio of a stream
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Message is one JSON frame on the transport websocket
type Message struct {
	Event          string         `json:"event"`
	SequenceNumber flexString     `json:"sequenceNumber,omitempty"`
	Protocol       string         `json:"protocol,omitempty"`
	Version        string         `json:"version,omitempty"`
	StreamSid      string         `json:"streamSid,omitempty"`
	Start          *StartPayload  `json:"start,omitempty"`
	Media          *MediaPayload  `json:"media,omitempty"`
	DTMF           *DTMFPayload   `json:"dtmf,omitempty"`
	Stop           *StopPayload   `json:"stop,omitempty"`
	Mark           *MarkPayload   `json:"mark,omitempty"`
	Text           string         `json:"text,omitempty"`
	Voice          string         `json:"voice,omitempty"`
}

// StartPayload opens the stream for a call
type StartPayload struct {
	StreamSid        string            `json:"streamSid,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload carries one base64 audio chunk
type MediaPayload struct {
	Track     string     `json:"track,omitempty"`
	Chunk     flexString `json:"chunk,omitempty"`
	Timestamp flexString `json:"timestamp,omitempty"`
	Payload   string     `json:"payload"`
}

// DTMFPayload carries a keypad digit
type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// StopPayload closes the stream
type StopPayload struct {
	CallSid string `json:"callSid,omitempty"`
}

// MarkPayload names a playback marker
type MarkPayload struct {
	Name string `json:"name"`
}

// flexString accepts either a JSON string or a number
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// ParseMessage decodes a transport frame
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", domain.ErrProtocol, err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("%w: frame without event", domain.ErrProtocol)
	}
	switch msg.Event {
	case EventStart:
		if msg.Start == nil {
			return nil, fmt.Errorf("%w: start without payload", domain.ErrProtocol)
		}
	case EventMedia:
		if msg.Media == nil {
			return nil, fmt.Errorf("%w: media without payload", domain.ErrProtocol)
		}
	case EventDTMF:
		if msg.DTMF == nil || msg.DTMF.Digit == "" {
			return nil, fmt.Errorf("%w: dtmf without digit", domain.ErrProtocol)
		}
	}
	return &msg, nil
}

// mediaFrame builds the outbound media event
func mediaFrame(streamSid string, chunk int64, timestampMs int64, payload string) ([]byte, error) {
	return json.Marshal(Message{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media: &MediaPayload{
			Track:     TrackOutbound,
			Chunk:     flexString(strconv.FormatInt(chunk, 10)),
			Timestamp: flexString(strconv.FormatInt(timestampMs, 10)),
			Payload:   payload,
		},
	})
}

// markFrame tells the transport that playback reached a point
func markFrame(streamSid, name string) ([]byte, error) {
	return json.Marshal(Message{Event: EventMark, StreamSid: streamSid, Mark: &MarkPayload{Name: name}})
}
