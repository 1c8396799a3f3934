// Package openairt provides an OpenAI Realtime-backed STT provider using the
// realtime transcription WebSocket API. It implements the stt.Provider
// interface.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/parlay-live/parlance/pkg/provider/stt"
)

const (
	realtimeEndpoint  = "wss://api.openai.com/v1/realtime?intent=transcription"
	defaultModel      = "gpt-4o-transcribe"
	defaultSampleRate = 24000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the transcription model (e.g., "gpt-4o-transcribe",
// "gpt-4o-mini-transcribe").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the realtime WebSocket endpoint. Useful for proxies
// and test servers.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the OpenAI realtime
// transcription API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

// New creates a new Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openairt: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: realtimeEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OpenSession opens a realtime transcription session. It respects
// cfg.Language, cfg.Prompt, cfg.NoiseReduction and the VAD tuning fields;
// audio must be 16-bit PCM at cfg.SampleRate.
func (p *Provider) OpenSession(ctx context.Context, cfg stt.SessionConfig) (stt.Session, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("openairt: dial: %w", err)
	}
	// Transcription deltas for long utterances exceed the 32 KiB default.
	conn.SetReadLimit(1 << 20)

	sess := &session{
		conn:    conn,
		events:  make(chan stt.Event, 64),
		audio:   make(chan []byte, 256),
		control: make(chan []byte, 16),
		done:    make(chan struct{}),
	}

	if err := sess.sendSessionUpdate(ctx, p.model, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openairt: configure session: %w", err)
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// ---- session ----

// serverEvent is the subset of realtime server events the session consumes.
type serverEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// session is a live realtime transcription session. It implements
// stt.Session.
type session struct {
	conn    *websocket.Conn
	events  chan stt.Event
	audio   chan []byte
	control chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// accumMu guards the per-item delta accumulation.
	accumMu  sync.Mutex
	accum    map[string]string
	forceMu  sync.Mutex
	forced   bool // a ForceCommit is outstanding; the next final carries it
}

// SendAudio queues a PCM chunk for delivery as an input_audio_buffer.append.
func (s *session) SendAudio(chunk []byte) error {
	msg, err := json.Marshal(map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
	if err != nil {
		return fmt.Errorf("openairt: encode audio: %w", err)
	}
	select {
	case <-s.done:
		return errors.New("openairt: session is closed")
	default:
	}
	select {
	case s.audio <- msg:
		return nil
	case <-s.done:
		return errors.New("openairt: session is closed")
	}
}

// ForceCommit asks the server to finalize the buffered audio immediately.
func (s *session) ForceCommit() error {
	s.forceMu.Lock()
	s.forced = true
	s.forceMu.Unlock()
	return s.sendControl(map[string]string{"type": "input_audio_buffer.commit"})
}

// UpdatePrompt replaces the steering prompt mid-session.
func (s *session) UpdatePrompt(prompt string) error {
	return s.sendControl(map[string]any{
		"type": "transcription_session.update",
		"session": map[string]any{
			"input_audio_transcription": map[string]any{
				"prompt": prompt,
			},
		},
	})
}

func (s *session) sendControl(payload any) error {
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("openairt: encode control message: %w", err)
	}
	select {
	case <-s.done:
		return errors.New("openairt: session is closed")
	default:
	}
	select {
	case s.control <- msg:
		return nil
	case <-s.done:
		return errors.New("openairt: session is closed")
	}
}

// Events returns the ordered event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// sendSessionUpdate configures the transcription session before any audio
// flows.
func (s *session) sendSessionUpdate(ctx context.Context, model string, cfg stt.SessionConfig) error {
	if cfg.Model != "" {
		model = cfg.Model
	}
	transcription := map[string]any{"model": model}
	if cfg.Language != "" {
		transcription["language"] = cfg.Language
	}
	if cfg.Prompt != "" {
		transcription["prompt"] = cfg.Prompt
	}

	sessionCfg := map[string]any{
		"input_audio_format":        "pcm16",
		"input_audio_transcription": transcription,
	}
	turnDetection := map[string]any{"type": "server_vad"}
	if cfg.VADThreshold > 0 {
		turnDetection["threshold"] = cfg.VADThreshold
	}
	if cfg.SilenceDuration > 0 {
		turnDetection["silence_duration_ms"] = int(cfg.SilenceDuration / time.Millisecond)
	}
	if cfg.PrefixPadding > 0 {
		turnDetection["prefix_padding_ms"] = int(cfg.PrefixPadding / time.Millisecond)
	}
	sessionCfg["turn_detection"] = turnDetection
	if cfg.NoiseReduction != "" {
		sessionCfg["input_audio_noise_reduction"] = map[string]string{
			"type": cfg.NoiseReduction,
		}
	}

	msg, err := json.Marshal(map[string]any{
		"type":    "transcription_session.update",
		"session": sessionCfg,
	})
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, msg)
}

// writeLoop serializes audio appends and control messages onto the socket.
// Control messages take priority so a commit is not starved by buffered
// audio.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.control:
			if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case msg := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-s.done:
			// Flush queued control messages before exiting.
			for {
				select {
				case msg := <-s.control:
					_ = s.conn.Write(ctx, websocket.MessageText, msg)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives server events and dispatches them onto the events
// channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Clean shutdown.
			default:
				s.emit(stt.Event{
					Type: stt.EventError,
					Err:  fmt.Errorf("openairt: read: %w", err),
					At:   time.Now(),
				})
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		s.dispatch(ev)
	}
}

// dispatch translates a server event into zero or one stt.Event.
func (s *session) dispatch(ev serverEvent) {
	now := time.Now()
	switch ev.Type {
	case "input_audio_buffer.speech_started":
		s.emit(stt.Event{Type: stt.EventSpeechStarted, At: now})

	case "input_audio_buffer.speech_stopped":
		s.emit(stt.Event{Type: stt.EventSpeechStopped, At: now})

	case "conversation.item.input_audio_transcription.delta":
		// Deltas are incremental; partials must be cumulative.
		s.accumMu.Lock()
		if s.accum == nil {
			s.accum = make(map[string]string)
		}
		s.accum[ev.ItemID] += ev.Delta
		text := s.accum[ev.ItemID]
		s.accumMu.Unlock()
		s.emit(stt.Event{Type: stt.EventPartial, Text: text, At: now})

	case "conversation.item.input_audio_transcription.completed":
		s.accumMu.Lock()
		delete(s.accum, ev.ItemID)
		s.accumMu.Unlock()

		s.forceMu.Lock()
		forced := s.forced
		s.forced = false
		s.forceMu.Unlock()

		s.emit(stt.Event{Type: stt.EventFinal, Text: ev.Transcript, Forced: forced, At: now})

	case "error":
		s.emit(stt.Event{
			Type: stt.EventError,
			Err:  fmt.Errorf("openairt: server error (%s): %s", ev.Error.Type, ev.Error.Message),
			At:   now,
		})
	}
}

func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
