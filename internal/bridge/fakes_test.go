package bridge

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	written     [][]byte
	pings       int
	pong        func()
	closeCode   int
	closeReason string
	// writeGate, when set, holds writes until closed
	writeGate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case b := <-t.in:
		return b, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	if t.writeGate != nil {
		select {
		case <-t.writeGate:
		case <-t.closed:
			return io.ErrClosedPipe
		}
	}
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, data)
	return nil
}

func (t *fakeTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return nil
}

func (t *fakeTransport) SetPongHandler(h func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pong = h
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.closeReason = reason
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) RemoteAddr() string { return "fake" }

func (t *fakeTransport) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	t.in <- b
}

func (t *fakeTransport) disconnect() {
	t.once.Do(func() { close(t.closed) })
}

func (t *fakeTransport) answerPong() {
	t.mu.Lock()
	h := t.pong
	t.mu.Unlock()
	h()
}

func (t *fakeTransport) pingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func (t *fakeTransport) closeInfo() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode, t.closeReason
}

func (t *fakeTransport) mediaFrames() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Message
	for _, b := range t.written {
		var m Message
		if json.Unmarshal(b, &m) == nil && m.Event == EventMedia {
			out = append(out, m)
		}
	}
	return out
}

type fakeEngine struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeEngineSession
	configs  []EngineConfig
	// audioGate holds SendAudio until closed
	audioGate chan struct{}
	// panicFor makes SendAudio panic for that call id
	panicFor string
}

func (e *fakeEngine) Connect(ctx context.Context, cfg EngineConfig) (EngineSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.err != nil {
		return nil, e.err
	}
	s := &fakeEngineSession{
		events:       make(chan EngineEvent, 16),
		gate:         e.audioGate,
		panicOnAudio: e.panicFor != "" && e.panicFor == cfg.CallID,
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) session(i int) *fakeEngineSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.sessions) {
		return nil
	}
	return e.sessions[i]
}

type fakeEngineSession struct {
	mu     sync.Mutex
	audio  [][]int16
	dtmf   []string
	speech []string
	voices []string
	closed bool
	events chan EngineEvent
	once   sync.Once

	gate         chan struct{}
	panicOnAudio bool
}

func (s *fakeEngineSession) SendAudio(_ context.Context, samples []int16) error {
	if s.panicOnAudio {
		panic("engine session blew up")
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, samples)
	return nil
}

func (s *fakeEngineSession) GenerateSpeech(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speech = append(s.speech, text)
	return nil
}

func (s *fakeEngineSession) UpdateVoice(_ context.Context, voice string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voices = append(s.voices, voice)
	return nil
}

func (s *fakeEngineSession) SendDTMF(_ context.Context, digit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dtmf = append(s.dtmf, digit)
	return nil
}

func (s *fakeEngineSession) Events() <-chan EngineEvent { return s.events }

func (s *fakeEngineSession) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}

func (s *fakeEngineSession) audioChunks() [][]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int16(nil), s.audio...)
}

func (s *fakeEngineSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
