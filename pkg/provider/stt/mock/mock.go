// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller opens sessions with the expected
// SessionConfig. Use Session to feed controlled Events and inspect which
// audio chunks were delivered.
//
// Example:
//
//	sess := &mock.Session{EventsCh: make(chan stt.Event, 4)}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.OpenSession(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/parlay-live/parlance/pkg/provider/stt"
)

// OpenSessionCall records a single invocation of Provider.OpenSession.
type OpenSessionCall struct {
	// Ctx is the context passed to OpenSession.
	Ctx context.Context
	// Cfg is the SessionConfig passed to OpenSession.
	Cfg stt.SessionConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Session returned by OpenSession. If nil, OpenSession
	// returns a new default Session with a buffered events channel.
	Session stt.Session

	// OpenSessionFunc, if non-nil, is called instead of returning Session.
	// Useful when each call must yield a distinct session.
	OpenSessionFunc func(ctx context.Context, cfg stt.SessionConfig) (stt.Session, error)

	// OpenSessionErr, if non-nil, is returned as the error from OpenSession.
	OpenSessionErr error

	// OpenSessionCalls records every call to OpenSession.
	OpenSessionCalls []OpenSessionCall
}

// OpenSession records the call and returns Session, OpenSessionErr.
func (p *Provider) OpenSession(ctx context.Context, cfg stt.SessionConfig) (stt.Session, error) {
	p.mu.Lock()
	p.OpenSessionCalls = append(p.OpenSessionCalls, OpenSessionCall{Ctx: ctx, Cfg: cfg})
	fn := p.OpenSessionFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenSessionErr != nil {
		return nil, p.OpenSessionErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{EventsCh: make(chan stt.Event, 16)}, nil
}

// OpenSessionCallCount returns the number of OpenSession calls. Thread-safe.
func (p *Provider) OpenSessionCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenSessionCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenSessionCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// UpdatePromptCall records a single invocation of Session.UpdatePrompt.
type UpdatePromptCall struct {
	// Prompt is the prompt text passed to UpdatePrompt.
	Prompt string
}

// Session is a mock implementation of stt.Session.
// Callers pre-populate EventsCh with the Events they want the consumer to
// receive, then close it when done.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel
	// and are responsible for sending to and closing it in tests.
	EventsCh chan stt.Event

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// ForceCommitErr, if non-nil, is returned by every ForceCommit call.
	ForceCommitErr error

	// UpdatePromptErr, if non-nil, is returned by every UpdatePrompt call.
	UpdatePromptErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// ForceCommitCallCount is the number of times ForceCommit was called.
	ForceCommitCallCount int

	// UpdatePromptCalls records every call to UpdatePrompt in order.
	UpdatePromptCalls []UpdatePromptCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// ForceCommit records the call and returns ForceCommitErr.
func (s *Session) ForceCommit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ForceCommitCallCount++
	return s.ForceCommitErr
}

// UpdatePrompt records the call and returns UpdatePromptErr.
func (s *Session) UpdatePrompt(prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdatePromptCalls = append(s.UpdatePromptCalls, UpdatePromptCall{Prompt: prompt})
	return s.UpdatePromptErr
}

// Events returns EventsCh. The caller must have initialised EventsCh before
// calling this method.
func (s *Session) Events() <-chan stt.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// ForceCommits returns the number of ForceCommit calls. Thread-safe.
func (s *Session) ForceCommits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ForceCommitCallCount
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.ForceCommitCallCount = 0
	s.UpdatePromptCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements stt.Session at compile time.
var _ stt.Session = (*Session)(nil)
