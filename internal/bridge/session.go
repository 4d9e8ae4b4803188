package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/config"
	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/clock"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"go.uber.org/zap"
)

// State of an audio stream session
type State string

const (
	StateConnecting  State = "connecting"
	StateNegotiating State = "negotiating"
	StateStreaming   State = "streaming"
	StateDraining    State = "draining"
	StateClosed      State = "closed"
)

func (s State) rank() int {
	switch s {
	case StateConnecting:
		return 0
	case StateNegotiating:
		return 1
	case StateStreaming:
		return 2
	case StateDraining:
		return 3
	case StateClosed:
		return 4
	}
	return -1
}

// canTransitionTo allows one step forward, or a jump to draining from any
// earlier state.
func (s State) canTransitionTo(next State) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	if next == StateDraining {
		return s.rank() < StateDraining.rank()
	}
	return next.rank() == s.rank()+1
}

// StateChange records one state machine step
type StateChange struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Close reasons
const (
	ReasonTransportStop   = "transport stop"
	ReasonEndStream       = "end stream requested"
	ReasonTransportClosed = "transport closed"
	ReasonCallEnded       = "call ended"
	ReasonProtocolError   = "protocol error"
	ReasonKeepAlive       = "keep-alive timeout"
	ReasonEngineFailed    = "engine failed"
	ReasonShutdown        = "shutdown"
	ReasonInternalError   = "internal error"
)

// MarkDrained is sent to the transport once buffered outbound audio is flushed
const MarkDrained = "drained"

// AudioStreamSession is a point-in-time view of a bridge session
type AudioStreamSession struct {
	CallID           string        `json:"callId"`
	StreamSid        string        `json:"streamSid,omitempty"`
	VoiceAgentID     string        `json:"voiceAgentId,omitempty"`
	Voice            string        `json:"voice,omitempty"`
	RemoteAddr       string        `json:"remoteAddr,omitempty"`
	State            State         `json:"state"`
	Format           MediaFormat   `json:"format"`
	StartedAt        time.Time     `json:"startedAt"`
	Active           bool          `json:"active"`
	InboundBuffered  int           `json:"inboundBuffered"`
	OutboundBuffered int           `json:"outboundBuffered"`
	InboundDropped   int64         `json:"inboundDropped"`
	OutboundDropped  int64         `json:"outboundDropped"`
	ChunksIn         int64         `json:"chunksIn"`
	ChunksOut        int64         `json:"chunksOut"`
	MissedPongs      int           `json:"missedPongs"`
	Transitions      []StateChange `json:"transitions"`
	CloseReason      string        `json:"closeReason,omitempty"`
}

type control struct {
	event string
	value string
}

type startInfo struct {
	terminal <-chan domain.CallStatus
	engine   EngineConfig
}

type engineResult struct {
	session EngineSession
	err     error
}

const controlBuffer = 16

// Session relays audio for one call between the transport and the engine
type Session struct {
	manager   *Manager
	transport Transport
	cfg       config.BridgeConfig
	clock     clock.Clock

	mu          sync.Mutex
	state       State
	history     []StateChange
	callID      string
	streamSid   string
	agentID     string
	voice       string
	format      MediaFormat
	startedAt   time.Time
	attached    bool
	closeReason string
	closeErr    error
	converter   *Converter
	engine      EngineSession

	// owned by the read loop
	inChunker *chunker

	inbound  *chunkQueue
	outbound *chunkQueue
	controls chan control

	started      chan startInfo
	drainReq     chan struct{}
	readDone     chan error
	readerExited chan struct{}

	missedPongs atomic.Int32
	chunksIn    atomic.Int64
	chunksOut   atomic.Int64
}

func newSession(m *Manager, t Transport) *Session {
	now := m.clock.Now()
	return &Session{
		manager:      m,
		transport:    t,
		cfg:          m.cfg,
		clock:        m.clock,
		state:        StateConnecting,
		history:      []StateChange{{State: StateConnecting, At: now}},
		startedAt:    now,
		inbound:      newChunkQueue(m.cfg.InboundCapacity),
		outbound:     newChunkQueue(m.cfg.OutboundCapacity),
		controls:     make(chan control, controlBuffer),
		started:      make(chan startInfo, 1),
		drainReq:     make(chan struct{}, 1),
		readDone:     make(chan error, 1),
		readerExited: make(chan struct{}),
	}
}

func (s *Session) log() *zap.Logger {
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()
	return logger.Base().With(zap.String("call_id", callID), zap.String("remote", s.transport.RemoteAddr()))
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) bool {
	s.mu.Lock()
	from := s.state
	if !from.canTransitionTo(next) {
		s.mu.Unlock()
		return false
	}
	s.state = next
	s.history = append(s.history, StateChange{State: next, At: s.clock.Now()})
	s.mu.Unlock()

	s.log().Info("Audio stream state changed", zap.String("from", string(from)), zap.String("to", string(next)))
	return true
}

// Snapshot returns a copy of the session's observable state
func (s *Session) Snapshot() AudioStreamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]StateChange, len(s.history))
	copy(history, s.history)
	return AudioStreamSession{
		CallID:           s.callID,
		StreamSid:        s.streamSid,
		VoiceAgentID:     s.agentID,
		Voice:            s.voice,
		RemoteAddr:       s.transport.RemoteAddr(),
		State:            s.state,
		Format:           s.format,
		StartedAt:        s.startedAt,
		Active:           s.state != StateClosed,
		InboundBuffered:  s.inbound.Len(),
		OutboundBuffered: s.outbound.Len(),
		InboundDropped:   s.inbound.Dropped(),
		OutboundDropped:  s.outbound.Dropped(),
		ChunksIn:         s.chunksIn.Load(),
		ChunksOut:        s.chunksOut.Load(),
		MissedPongs:      int(s.missedPongs.Load()),
		Transitions:      history,
		CloseReason:      s.closeReason,
	}
}

// requestDrain asks the session to shut down. The first reason wins.
func (s *Session) requestDrain(reason string, err error) {
	s.mu.Lock()
	if s.closeReason == "" {
		s.closeReason = reason
		s.closeErr = err
	}
	s.mu.Unlock()

	select {
	case s.drainReq <- struct{}{}:
	default:
	}
}

// guard recovers a panicking session goroutine and drains the session
func (s *Session) guard(worker string) {
	if r := recover(); r != nil {
		s.log().Error("Audio stream worker panicked", zap.String("worker", worker), zap.Any("panic", r))
		s.requestDrain(ReasonInternalError, fmt.Errorf("%s panicked: %v", worker, r))
	}
}

func (s *Session) fail(err error) {
	if !errors.Is(err, domain.ErrProtocol) {
		err = fmt.Errorf("%w: %w", domain.ErrProtocol, err)
	}
	s.log().Warn("Audio stream protocol error", zap.Error(err))
	s.requestDrain(ReasonProtocolError, err)
}

func (s *Session) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.transport.SetPongHandler(func() { s.missedPongs.Store(0) })
	go s.readLoop()

	var (
		terminal    <-chan domain.CallStatus
		engineReady chan engineResult
		readErr     error
		stopWorkers = make(chan struct{})
		workers     sync.WaitGroup
	)
	startTimeout := s.clock.After(s.cfg.StartTimeout)
	pingC := s.clock.After(s.cfg.PingInterval)

loop:
	for {
		select {
		case info := <-s.started:
			terminal = info.terminal
			engineReady = make(chan engineResult, 1)
			go s.connectEngine(runCtx, info.engine, engineReady)

		case res := <-engineReady:
			engineReady = nil
			if res.err != nil {
				s.log().Error("Voice engine connection failed", zap.Error(res.err))
				s.requestDrain(ReasonEngineFailed, nil)
				s.recordCallError(fmt.Errorf("voice engine unavailable: %w", res.err))
				continue
			}
			if !s.setState(StateStreaming) {
				_ = res.session.Close()
				continue
			}
			s.mu.Lock()
			callID := s.callID
			s.engine = res.session
			s.mu.Unlock()
			if _, err := s.manager.registry.Transition(callID, domain.CallStatusInProgress); err != nil {
				s.log().Warn("Failed to mark call in progress", zap.Error(err))
			}
			workers.Add(3)
			go func() { defer workers.Done(); s.engineWriter(runCtx, res.session, stopWorkers) }()
			go func() { defer workers.Done(); s.engineReader(res.session, stopWorkers) }()
			go func() { defer workers.Done(); s.transportWriter(stopWorkers) }()

		case <-startTimeout:
			if s.State() == StateConnecting {
				s.fail(errors.New("no start event received"))
			}

		case <-pingC:
			pingC = s.clock.After(s.cfg.PingInterval)
			if int(s.missedPongs.Load()) >= s.cfg.MaxMissedPongs {
				s.log().Warn("Transport stopped answering pings", zap.Int32("missed_pongs", s.missedPongs.Load()))
				s.requestDrain(ReasonKeepAlive, nil)
				continue
			}
			s.missedPongs.Add(1)
			if err := s.transport.Ping(); err != nil {
				s.log().Debug("Ping failed", zap.Error(err))
			}

		case status := <-terminal:
			terminal = nil
			s.requestDrain(ReasonCallEnded+": "+string(status), nil)

		case <-s.drainReq:
			break loop

		case readErr = <-s.readDone:
			if !IsNormalClose(readErr) {
				s.log().Debug("Transport read ended", zap.Error(readErr))
			}
			s.requestDrain(ReasonTransportClosed, nil)
			break loop

		case <-ctx.Done():
			s.requestDrain(ReasonShutdown, nil)
			break loop
		}
	}

	return s.drain(cancel, engineReady, stopWorkers, &workers, readErr != nil)
}

// drain flushes outbound audio, closes both legs and leaves the active set
func (s *Session) drain(cancel context.CancelFunc, pending chan engineResult, stopWorkers chan struct{}, workers *sync.WaitGroup, transportGone bool) error {
	s.setState(StateDraining)

	close(stopWorkers)
	workers.Wait()

	if pending != nil {
		cancel()
		if res := <-pending; res.session != nil {
			_ = res.session.Close()
		}
	}

	if !transportGone {
		s.flushOutbound()
		s.sendMark(MarkDrained)
	}

	s.mu.Lock()
	reason, closeErr, es := s.closeReason, s.closeErr, s.engine
	s.mu.Unlock()
	if es != nil {
		if err := es.Close(); err != nil {
			s.log().Debug("Engine close returned error", zap.Error(err))
		}
	}

	code := CloseNormal
	switch {
	case reason == ReasonInternalError:
		code = CloseInternalError
	case closeErr != nil:
		code = CloseProtocolError
	case reason == ReasonShutdown:
		code = CloseGoingAway
	}
	if err := s.transport.Close(code, reason); err != nil {
		s.log().Debug("Transport close returned error", zap.Error(err))
	}
	<-s.readerExited

	s.mu.Lock()
	callID, attached := s.callID, s.attached
	s.mu.Unlock()
	if attached {
		s.manager.registry.Detach(callID)
	}
	if closeErr != nil {
		s.recordCallError(closeErr)
	}
	s.manager.release(callID, s)
	s.setState(StateClosed)

	s.log().Info("Audio stream closed",
		zap.String("reason", reason),
		zap.Int64("chunks_in", s.chunksIn.Load()),
		zap.Int64("chunks_out", s.chunksOut.Load()),
		zap.Int64("inbound_dropped", s.inbound.Dropped()),
		zap.Int64("outbound_dropped", s.outbound.Dropped()))
	return closeErr
}

func (s *Session) recordCallError(err error) {
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()
	if callID == "" {
		return
	}
	if rerr := s.manager.registry.RecordError(callID, err); rerr != nil {
		s.log().Debug("Could not record error on call session", zap.Error(rerr))
	}
}

func (s *Session) flushOutbound() {
	deadline := s.clock.Now().Add(s.cfg.DrainTimeout)
	for s.clock.Now().Before(deadline) {
		frame, ok := s.outbound.Pop()
		if !ok {
			return
		}
		if err := s.transport.WriteMessage(frame); err != nil {
			s.log().Debug("Outbound flush stopped", zap.Error(err))
			return
		}
		s.chunksOut.Add(1)
	}
	if n := s.outbound.Len(); n > 0 {
		s.log().Warn("Drain timeout reached with audio still buffered", zap.Int("frames", n))
	}
}

func (s *Session) sendMark(name string) {
	s.mu.Lock()
	streamSid := s.streamSid
	s.mu.Unlock()
	if streamSid == "" {
		return
	}
	frame, err := markFrame(streamSid, name)
	if err != nil {
		return
	}
	if err := s.transport.WriteMessage(frame); err != nil {
		s.log().Debug("Mark not delivered", zap.String("mark", name), zap.Error(err))
	}
}

func (s *Session) connectEngine(ctx context.Context, cfg EngineConfig, out chan<- engineResult) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.NegotiateTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log().Error("Voice engine connect panicked", zap.Any("panic", r))
			out <- engineResult{err: fmt.Errorf("engine connect panicked: %v", r)}
		}
	}()
	es, err := s.manager.engine.Connect(ctx, cfg)
	out <- engineResult{session: es, err: err}
}

func (s *Session) readLoop() {
	defer close(s.readerExited)
	defer s.guard("transport reader")
	for {
		data, err := s.transport.ReadMessage()
		if err != nil {
			s.readDone <- err
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		s.fail(err)
		return
	}

	switch msg.Event {
	case EventConnected:
		s.log().Debug("Transport connected", zap.String("protocol", msg.Protocol), zap.String("version", msg.Version))
	case EventStart:
		s.handleStart(msg)
	case EventMedia:
		s.handleMedia(msg)
	case EventDTMF:
		s.enqueueControl(control{event: EventDTMF, value: msg.DTMF.Digit})
	case EventGenerateSpeech:
		if msg.Text == "" {
			s.fail(errors.New("generate_speech without text"))
			return
		}
		s.enqueueControl(control{event: EventGenerateSpeech, value: msg.Text})
	case EventUpdateVoice:
		if msg.Voice == "" {
			s.fail(errors.New("update_voice without voice"))
			return
		}
		s.enqueueControl(control{event: EventUpdateVoice, value: msg.Voice})
	case EventStop:
		s.requestDrain(ReasonTransportStop, nil)
	case EventEndStream:
		s.requestDrain(ReasonEndStream, nil)
	case EventMark:
	default:
		s.log().Debug("Ignoring unknown stream event", zap.String("event", msg.Event))
	}
}

func (s *Session) handleStart(msg *Message) {
	if s.State() != StateConnecting {
		s.fail(errors.New("duplicate start event"))
		return
	}

	start := msg.Start
	callID := start.CustomParameters[ParamCallID]
	if callID == "" {
		callID = start.CallSid
	}
	if callID == "" {
		s.fail(errors.New("start event without call id"))
		return
	}

	call, err := s.manager.registry.Get(callID)
	if err != nil {
		s.fail(fmt.Errorf("no call session for %s: %w", callID, err))
		return
	}
	if call.Status.IsTerminal() {
		s.fail(fmt.Errorf("call %s already %s", callID, call.Status))
		return
	}

	format, err := NegotiateFormat(start.MediaFormat)
	if err != nil {
		s.fail(err)
		return
	}

	if err := s.manager.claim(callID, s); err != nil {
		s.fail(err)
		return
	}
	s.mu.Lock()
	s.callID = callID
	s.mu.Unlock()

	terminal, err := s.manager.registry.Attach(callID)
	if err != nil {
		s.fail(err)
		return
	}

	agentID := start.CustomParameters[ParamVoiceAgentID]
	if agentID == "" {
		agentID = call.VoiceAgentID
	}
	streamSid := msg.StreamSid
	if streamSid == "" {
		streamSid = start.StreamSid
	}

	s.mu.Lock()
	s.attached = true
	s.streamSid = streamSid
	s.agentID = agentID
	s.voice = s.cfg.DefaultVoice
	s.format = format
	s.converter = NewConverter(format, s.cfg.EngineSampleRate)
	s.mu.Unlock()
	s.inChunker = newChunker(s.cfg.EngineSampleRate, s.cfg.MinChunkDuration)

	if !s.setState(StateNegotiating) {
		return
	}
	s.started <- startInfo{
		terminal: terminal,
		engine: EngineConfig{
			CallID:       callID,
			VoiceAgentID: agentID,
			Voice:        s.cfg.DefaultVoice,
			Instructions: start.CustomParameters["instructions"],
			SampleRate:   s.cfg.EngineSampleRate,
		},
	}
}

func (s *Session) handleMedia(msg *Message) {
	switch s.State() {
	case StateConnecting:
		s.fail(errors.New("media before start"))
		return
	case StateDraining, StateClosed:
		return
	}
	if msg.Media.Track != "" && msg.Media.Track != TrackInbound {
		return
	}

	s.mu.Lock()
	conv := s.converter
	s.mu.Unlock()

	samples, err := conv.Inbound(msg.Media.Payload)
	if err != nil {
		s.fail(err)
		return
	}
	s.chunksIn.Add(1)

	chunk := s.inChunker.Add(samples)
	if len(chunk) == 0 {
		return
	}
	if s.inbound.Push(PCM16ToBytes(chunk)) {
		s.logBackpressure("inbound", s.inbound.Dropped())
	}
}

func (s *Session) enqueueControl(c control) {
	if s.State() == StateConnecting {
		s.fail(fmt.Errorf("%s before start", c.event))
		return
	}
	select {
	case s.controls <- c:
	default:
		s.log().Warn("Dropping stream control, queue full", zap.String("event", c.event))
	}
}

func (s *Session) logBackpressure(leg string, total int64) {
	s.log().Warn("Audio chunk dropped",
		zap.String("leg", leg),
		zap.Int64("dropped_total", total),
		zap.Error(domain.ErrBackpressureDrop))
}

// engineWriter forwards buffered inbound audio and control messages to the engine
func (s *Session) engineWriter(ctx context.Context, es EngineSession, stop <-chan struct{}) {
	defer s.guard("engine writer")
	for {
		select {
		case <-stop:
			return
		case c := <-s.controls:
			s.applyControl(ctx, es, c)
		case <-s.inbound.Ready():
			for {
				b, ok := s.inbound.Pop()
				if !ok {
					break
				}
				if err := es.SendAudio(ctx, BytesToPCM16(b)); err != nil {
					s.log().Error("Sending audio to engine failed", zap.Error(err))
					s.requestDrain(ReasonEngineFailed, nil)
					return
				}
			}
		}
	}
}

func (s *Session) applyControl(ctx context.Context, es EngineSession, c control) {
	var err error
	switch c.event {
	case EventDTMF:
		err = es.SendDTMF(ctx, c.value)
		if err == nil {
			s.appendTurn(domain.SpeakerSystem, "dtmf "+c.value)
		}
	case EventGenerateSpeech:
		err = es.GenerateSpeech(ctx, c.value)
	case EventUpdateVoice:
		err = es.UpdateVoice(ctx, c.value)
		if err == nil {
			s.mu.Lock()
			s.voice = c.value
			s.mu.Unlock()
		}
	}
	if err != nil {
		s.log().Warn("Stream control failed", zap.String("event", c.event), zap.Error(err))
	}
}

// engineReader turns engine audio into outbound media frames and transcripts into turns
func (s *Session) engineReader(es EngineSession, stop <-chan struct{}) {
	defer s.guard("engine reader")
	s.mu.Lock()
	conv, streamSid := s.converter, s.streamSid
	s.mu.Unlock()

	var (
		chunk  int64
		sentMs int64
	)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-es.Events():
			if !ok {
				s.requestDrain(ReasonEngineFailed, nil)
				return
			}
			switch ev.Type {
			case EngineEventAudio:
				if len(ev.Audio) == 0 {
					continue
				}
				chunk++
				frame, err := mediaFrame(streamSid, chunk, sentMs, conv.Outbound(ev.Audio))
				if err != nil {
					s.log().Error("Failed to encode outbound media", zap.Error(err))
					continue
				}
				sentMs += int64(len(ev.Audio)) * 1000 / int64(s.cfg.EngineSampleRate)
				if s.outbound.Push(frame) {
					s.logBackpressure("outbound", s.outbound.Dropped())
				}
			case EngineEventTranscript:
				s.appendTurn(ev.Speaker, ev.Text)
			case EngineEventError:
				s.log().Warn("Voice engine reported an error", zap.Error(ev.Err))
				s.recordCallError(ev.Err)
			}
		}
	}
}

func (s *Session) appendTurn(speaker, text string) {
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()
	if err := s.manager.registry.AppendTurn(callID, speaker, text); err != nil {
		s.log().Debug("Could not append turn", zap.Error(err))
	}
}

// transportWriter sends queued outbound frames to the transport
func (s *Session) transportWriter(stop <-chan struct{}) {
	defer s.guard("transport writer")
	for {
		select {
		case <-stop:
			return
		case <-s.outbound.Ready():
			for {
				frame, ok := s.outbound.Pop()
				if !ok {
					break
				}
				if err := s.transport.WriteMessage(frame); err != nil {
					s.log().Warn("Writing to transport failed", zap.Error(err))
					s.requestDrain(ReasonTransportClosed, nil)
					return
				}
				s.chunksOut.Add(1)
			}
		}
	}
}
