// Package sttpool maintains a fixed pool of parallel streaming STT sessions
// and presents them to the session loop as a single serialized event stream.
//
// Audio chunks are dispatched round-robin across the pool members. Each
// member forwards its provider events into one shared fan-in channel, so the
// consumer sees a serial stream with no internal reordering per member. On
// disconnect a member reconnects with exponential backoff while buffering
// audio up to a byte bound; overflow drops the oldest chunks and surfaces
// telemetry, never an error to the consumer.
package sttpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlay-live/parlance/pkg/provider/stt"
)

// Default pool parameters.
const (
	DefaultPoolSize         = 2
	DefaultMaxBufferedBytes = 1 << 20 // 1 MiB of audio per member while disconnected
	DefaultForceCommitGap   = 250 * time.Millisecond
	DefaultConnectTimeout   = 10 * time.Second
	DefaultReinforceEvery   = 50

	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
	defaultMaxRetries = 10
)

// Telemetry receives pool health signals. Implementations must be safe for
// concurrent use; the pool calls them from its worker goroutines.
type Telemetry interface {
	// AudioDropped reports audio bytes discarded (force-commit gap, buffer
	// overflow, closed pool).
	AudioDropped(bytes int)

	// BufferOverflow reports a member's disconnect buffer overflowing.
	BufferOverflow(member int, droppedBytes int)

	// Reconnected reports a member coming back after attempt tries.
	Reconnected(member, attempt int)
}

// NopTelemetry discards all signals.
type NopTelemetry struct{}

func (NopTelemetry) AudioDropped(int)       {}
func (NopTelemetry) BufferOverflow(int, int) {}
func (NopTelemetry) Reconnected(int, int)    {}

// Config configures a [Pool].
type Config struct {
	// PoolSize is the number of parallel STT sessions. Defaults to 2.
	PoolSize int

	// Session is the configuration every member session is opened with.
	Session stt.SessionConfig

	// ReinforceEvery re-sends the session prompt after this many audio
	// submissions, to resist provider instruction drift. Zero uses the
	// default; negative disables reinforcement.
	ReinforceEvery int

	// MaxBufferedBytes bounds the per-member audio buffer while
	// disconnected. Oldest chunks are dropped on overflow.
	MaxBufferedBytes int

	// ForceCommitGap is the audio blackout after a force-commit, preventing
	// the vendor from coalescing the flushed turn with the next one.
	ForceCommitGap time.Duration

	// ConnectTimeout bounds each session open.
	ConnectTimeout time.Duration

	// Backoff/MaxBackoff/MaxRetries tune member reconnection. Backoff
	// doubles per attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ReinforceEvery == 0 {
		c.ReinforceEvery = DefaultReinforceEvery
	}
	if c.MaxBufferedBytes <= 0 {
		c.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if c.ForceCommitGap <= 0 {
		c.ForceCommitGap = DefaultForceCommitGap
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
}

// Pool is a fixed set of STT sessions behind one audio entry point and one
// serialized event stream. Safe for concurrent use.
type Pool struct {
	provider  stt.Provider
	cfg       Config
	log       *slog.Logger
	telemetry Telemetry

	out chan stt.Event

	mu          sync.Mutex
	members     []*member
	next        int
	submissions int
	gapUntil    time.Time
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// member is one pool slot: a live session plus its disconnect buffer.
type member struct {
	idx int

	mu        sync.Mutex
	sess      stt.Session
	connected bool
	buffered  [][]byte
	bufBytes  int
}

// New creates a Pool. Call [Pool.Start] before sending audio.
func New(provider stt.Provider, cfg Config, log *slog.Logger, telemetry Telemetry) *Pool {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if telemetry == nil {
		telemetry = NopTelemetry{}
	}
	return &Pool{
		provider:  provider,
		cfg:       cfg,
		log:       log,
		telemetry: telemetry,
		out:       make(chan stt.Event, 256),
	}
}

// Start opens all member sessions. It fails if any member cannot connect;
// already-opened members are closed on failure.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.PoolSize; i++ {
		m := &member{idx: i}
		sess, err := p.open(p.ctx)
		if err != nil {
			p.closeMembers()
			p.cancel()
			return fmt.Errorf("sttpool: open member %d: %w", i, err)
		}
		m.sess = sess
		m.connected = true
		p.members = append(p.members, m)

		p.wg.Add(1)
		go p.forward(m, sess)
	}
	return nil
}

func (p *Pool) open(ctx context.Context) (stt.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	return p.provider.OpenSession(dialCtx, p.cfg.Session)
}

// Events returns the serialized fan-in stream. The channel is closed by
// [Pool.Close].
func (p *Pool) Events() <-chan stt.Event { return p.out }

// SendAudio dispatches a chunk round-robin to a member session. During the
// force-commit gap or when the pool is closed, the chunk is dropped and
// counted; a disconnected member buffers it for replay after reconnection.
func (p *Pool) SendAudio(chunk []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.telemetry.AudioDropped(len(chunk))
		return errors.New("sttpool: pool is closed")
	}
	if time.Now().Before(p.gapUntil) {
		p.mu.Unlock()
		p.telemetry.AudioDropped(len(chunk))
		return nil
	}
	m := p.members[p.next%len(p.members)]
	p.next++
	p.submissions++
	reinforce := p.cfg.ReinforceEvery > 0 && p.submissions%p.cfg.ReinforceEvery == 0
	p.mu.Unlock()

	m.mu.Lock()
	if !m.connected {
		p.bufferLocked(m, chunk)
		m.mu.Unlock()
		return nil
	}
	sess := m.sess
	m.mu.Unlock()

	if err := sess.SendAudio(chunk); err != nil {
		p.log.Warn("audio send failed, buffering until reconnect",
			"member", m.idx, "error", err)
		m.mu.Lock()
		trigger := m.connected // only the goroutine that flips the flag reconnects
		m.connected = false
		p.bufferLocked(m, chunk)
		m.mu.Unlock()
		if trigger {
			p.reconnectAsync(m, sess)
		}
		return nil
	}

	if reinforce && p.cfg.Session.Prompt != "" {
		if err := sess.UpdatePrompt(p.cfg.Session.Prompt); err != nil {
			p.log.Debug("prompt reinforcement failed", "member", m.idx, "error", err)
		}
	}
	return nil
}

// bufferLocked appends chunk to m's disconnect buffer, dropping oldest
// entries to stay under the byte bound. Caller holds m.mu.
func (p *Pool) bufferLocked(m *member, chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	m.buffered = append(m.buffered, cp)
	m.bufBytes += len(cp)
	dropped := 0
	for m.bufBytes > p.cfg.MaxBufferedBytes && len(m.buffered) > 1 {
		dropped += len(m.buffered[0])
		m.bufBytes -= len(m.buffered[0])
		m.buffered = m.buffered[1:]
	}
	if dropped > 0 {
		p.telemetry.BufferOverflow(m.idx, dropped)
		p.telemetry.AudioDropped(dropped)
	}
}

// ForceCommit instructs every member to close its current turn and opens the
// post-commit audio gap.
func (p *Pool) ForceCommit() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("sttpool: pool is closed")
	}
	members := make([]*member, len(p.members))
	copy(members, p.members)
	p.gapUntil = time.Now().Add(p.cfg.ForceCommitGap)
	p.mu.Unlock()

	var errs []error
	for _, m := range members {
		m.mu.Lock()
		sess, connected := m.sess, m.connected
		m.mu.Unlock()
		if !connected {
			continue
		}
		if err := sess.ForceCommit(); err != nil {
			errs = append(errs, fmt.Errorf("sttpool: force commit member %d: %w", m.idx, err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts the pool down: member sessions are closed, worker goroutines
// drained, and the events channel closed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	err := p.closeMembers()
	p.wg.Wait()
	close(p.out)
	return err
}

func (p *Pool) closeMembers() error {
	var errs []error
	for _, m := range p.members {
		m.mu.Lock()
		sess := m.sess
		m.connected = false
		m.mu.Unlock()
		if sess != nil {
			if err := sess.Close(); err != nil {
				errs = append(errs, fmt.Errorf("sttpool: close member %d: %w", m.idx, err))
			}
		}
	}
	return errors.Join(errs...)
}

// forward pumps one session's events into the shared stream. Transport
// errors are not forwarded: the member reconnects behind the scenes and the
// consumer only ever sees transcription events.
func (p *Pool) forward(m *member, sess stt.Session) {
	defer p.wg.Done()
	for {
		var (
			ev stt.Event
			ok bool
		)
		select {
		case ev, ok = <-sess.Events():
		case <-p.ctx.Done():
			return
		}
		if !ok {
			break
		}
		if ev.Type == stt.EventError {
			p.log.Warn("stt session error", "member", m.idx, "error", ev.Err)
			continue
		}
		select {
		case p.out <- ev:
		case <-p.ctx.Done():
			return
		}
	}

	// Events channel closed: clean pool shutdown or a dropped connection.
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	m.mu.Lock()
	wasConnected := m.connected && m.sess == sess
	if wasConnected {
		m.connected = false
	}
	m.mu.Unlock()
	if wasConnected {
		p.reconnectAsync(m, sess)
	}
}

// reconnectAsync launches a reconnection attempt for m unless one is already
// replacing the same session.
func (p *Pool) reconnectAsync(m *member, failed stt.Session) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reconnect(m, failed)
	}()
}

// reconnect re-opens m's session with exponential backoff, replays the
// disconnect buffer, and resumes event forwarding.
func (p *Pool) reconnect(m *member, failed stt.Session) {
	if failed != nil {
		_ = failed.Close()
	}
	backoff := p.cfg.Backoff

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		p.log.Info("reconnecting stt member",
			"member", m.idx, "attempt", attempt, "backoff", backoff)

		sess, err := p.open(p.ctx)
		if err == nil {
			m.mu.Lock()
			m.sess = sess
			m.connected = true
			buffered := m.buffered
			m.buffered = nil
			m.bufBytes = 0
			m.mu.Unlock()

			for _, chunk := range buffered {
				if err := sess.SendAudio(chunk); err != nil {
					p.log.Warn("buffered audio replay failed", "member", m.idx, "error", err)
					break
				}
			}

			p.telemetry.Reconnected(m.idx, attempt)
			p.log.Info("stt member reconnected", "member", m.idx, "attempt", attempt)

			p.wg.Add(1)
			go p.forward(m, sess)
			return
		}

		p.log.Warn("stt reconnect attempt failed",
			"member", m.idx, "attempt", attempt, "error", err)

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}

	p.log.Error("stt member reconnect gave up",
		"member", m.idx, "max_retries", p.cfg.MaxRetries)
	p.emit(stt.Event{
		Type: stt.EventError,
		Err:  fmt.Errorf("sttpool: member %d: reconnect failed after %d attempts", m.idx, p.cfg.MaxRetries),
		At:   time.Now(),
	})
}

func (p *Pool) emit(ev stt.Event) {
	select {
	case p.out <- ev:
	case <-p.ctx.Done():
	}
}
