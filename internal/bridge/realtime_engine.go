package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultInstructions = "You are a friendly phone agent. Keep answers short and speak naturally."

// RealtimeConfig configures the realtime websocket engine
type RealtimeConfig struct {
	URL          string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	WriteTimeout time.Duration
}

// RealtimeEngine talks to a realtime speech-to-speech API over websocket
type RealtimeEngine struct {
	cfg    RealtimeConfig
	dialer *websocket.Dialer
}

// NewRealtimeEngine creates an engine client
func NewRealtimeEngine(cfg RealtimeConfig) *RealtimeEngine {
	if cfg.Instructions == "" {
		cfg.Instructions = defaultInstructions
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &RealtimeEngine{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

type realtimeMessage struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Error      *realtimeError  `json:"error,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
}

type realtimeError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Connect dials the engine, configures the session and waits for it to be acknowledged
func (e *RealtimeEngine) Connect(ctx context.Context, cfg EngineConfig) (EngineSession, error) {
	endpoint, err := url.Parse(e.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid engine url: %w", err)
	}
	if e.cfg.Model != "" {
		q := endpoint.Query()
		q.Set("model", e.cfg.Model)
		endpoint.RawQuery = q.Encode()
	}

	header := http.Header{}
	if e.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := e.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("engine dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("engine dial failed: %w", err)
	}

	s := &realtimeSession{
		conn:         conn,
		callID:       cfg.CallID,
		writeTimeout: e.cfg.WriteTimeout,
		events:       make(chan EngineEvent, 64),
		done:         make(chan struct{}),
	}

	voice := cfg.Voice
	if voice == "" {
		voice = e.cfg.Voice
	}
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = e.cfg.Instructions
	}
	if err := s.send(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"audio", "text"},
			"voice":               voice,
			"instructions":        instructions,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type": "server_vad",
			},
		},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("engine session setup failed: %w", err)
	}

	if err := s.awaitReady(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

type realtimeSession struct {
	conn         *websocket.Conn
	callID       string
	writeTimeout time.Duration
	writeMu      sync.Mutex
	events       chan EngineEvent
	done         chan struct{}
	closeOnce    sync.Once
}

func (s *realtimeSession) awaitReady(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
		defer s.conn.SetReadDeadline(time.Time{})
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("engine did not become ready: %w", err)
		}
		var msg realtimeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "session.updated":
			return nil
		case "error":
			return fmt.Errorf("engine rejected session: %s", msg.errorText())
		}
	}
}

func (s *realtimeSession) readLoop() {
	defer close(s.events)
	defer func() {
		if r := recover(); r != nil {
			logger.Base().Error("Engine reader panicked", zap.String("call_id", s.callID), zap.Any("panic", r))
		}
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.emit(EngineEvent{Type: EngineEventError, Err: err})
				}
			}
			return
		}

		var msg realtimeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Base().Warn("Dropping unreadable engine message", zap.String("call_id", s.callID), zap.Error(err))
			continue
		}

		switch msg.Type {
		case "response.audio.delta":
			raw, err := base64.StdEncoding.DecodeString(msg.Delta)
			if err != nil {
				continue
			}
			s.emit(EngineEvent{Type: EngineEventAudio, Audio: BytesToPCM16(raw)})
		case "response.audio_transcript.done":
			if msg.Transcript != "" {
				s.emit(EngineEvent{Type: EngineEventTranscript, Speaker: domain.SpeakerAssistant, Text: msg.Transcript})
			}
		case "conversation.item.input_audio_transcription.completed":
			if msg.Transcript != "" {
				s.emit(EngineEvent{Type: EngineEventTranscript, Speaker: domain.SpeakerUser, Text: msg.Transcript})
			}
		case "error":
			s.emit(EngineEvent{Type: EngineEventError, Err: errors.New(msg.errorText())})
		}
	}
}

func (s *realtimeSession) emit(ev EngineEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *realtimeSession) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *realtimeSession) SendAudio(_ context.Context, samples []int16) error {
	return s.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(PCM16ToBytes(samples)),
	})
}

func (s *realtimeSession) GenerateSpeech(_ context.Context, text string) error {
	return s.send(map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"modalities":   []string{"audio", "text"},
			"instructions": "Say exactly the following to the caller: " + text,
		},
	})
}

func (s *realtimeSession) UpdateVoice(_ context.Context, voice string) error {
	return s.send(map[string]any{
		"type":    "session.update",
		"session": map[string]any{"voice": voice},
	})
}

func (s *realtimeSession) SendDTMF(_ context.Context, digit string) error {
	if err := s.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": "The caller pressed key " + digit},
			},
		},
	}); err != nil {
		return err
	}
	return s.send(map[string]any{"type": "response.create"})
}

func (s *realtimeSession) Events() <-chan EngineEvent {
	return s.events
}

func (s *realtimeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.writeTimeout))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (m realtimeMessage) errorText() string {
	if m.Error == nil {
		return "unknown engine error"
	}
	if m.Error.Code != "" {
		return m.Error.Code + ": " + m.Error.Message
	}
	return m.Error.Message
}
