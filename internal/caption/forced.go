package caption

import (
	"time"
)

// Forced-commit defaults.
const (
	// DefaultCaptureWindow is how long after a forced final its buffer stays
	// open to extension by trailing partials.
	DefaultCaptureWindow = 2200 * time.Millisecond

	// DefaultNewSegmentMinChars and DefaultNewSegmentWait gate the
	// new-segment rule: a partial that does not extend the forced buffer
	// starts a new segment only once it is long enough, and the buffer then
	// commits after the shorter wait instead of the full capture window.
	DefaultNewSegmentMinChars = 15
	DefaultNewSegmentWait     = 1500 * time.Millisecond
)

// ForcedConfig tunes the [ForcedCommitEngine].
type ForcedConfig struct {
	CaptureWindow      time.Duration
	NewSegmentMinChars int
	NewSegmentWait     time.Duration
}

// DefaultForcedConfig returns the shipped defaults.
func DefaultForcedConfig() ForcedConfig {
	return ForcedConfig{
		CaptureWindow:      DefaultCaptureWindow,
		NewSegmentMinChars: DefaultNewSegmentMinChars,
		NewSegmentWait:     DefaultNewSegmentWait,
	}
}

// forcedBuffer is the at-most-one forced final held back during its capture
// window.
type forcedBuffer struct {
	text       string
	createdAt  time.Time
	deadline   time.Time
	timer      Timer
	recovering bool
	epoch      uint64
}

// ForcedCommitEngine buffers pause-induced provider finals. A forced final is
// not trustworthy: the provider often cut the utterance mid-word, and the
// trailing words arrive as partials (or a recovery pass) within the next
// couple of seconds. The engine holds the text back for a capture window,
// lets fresher hypotheses extend or supersede it, and tracks the recovery
// epoch so stale recovery responses are discarded.
//
// Not goroutine-safe; owned by the session loop.
type ForcedCommitEngine struct {
	clock  Clock
	cfg    ForcedConfig
	buffer *forcedBuffer
	epoch  uint64
}

// NewForcedCommitEngine creates an engine using clock for timers.
func NewForcedCommitEngine(clock Clock, cfg ForcedConfig) *ForcedCommitEngine {
	if cfg.CaptureWindow <= 0 {
		cfg.CaptureWindow = DefaultCaptureWindow
	}
	if cfg.NewSegmentMinChars <= 0 {
		cfg.NewSegmentMinChars = DefaultNewSegmentMinChars
	}
	if cfg.NewSegmentWait <= 0 {
		cfg.NewSegmentWait = DefaultNewSegmentWait
	}
	return &ForcedCommitEngine{clock: clock, cfg: cfg}
}

// CreateBuffer replaces any existing buffer with text and arms the capture
// window timer. onExpire runs on an arbitrary goroutine when the window
// closes without the buffer being cleared.
func (f *ForcedCommitEngine) CreateBuffer(text string, now time.Time, onExpire func()) {
	f.ClearBuffer()
	b := &forcedBuffer{
		text:      text,
		createdAt: now,
		deadline:  now.Add(f.cfg.CaptureWindow),
		epoch:     f.epoch,
	}
	b.timer = f.clock.AfterFunc(f.cfg.CaptureWindow, onExpire)
	f.buffer = b
}

// HasBuffer reports whether a forced buffer is held.
func (f *ForcedCommitEngine) HasBuffer() bool { return f.buffer != nil }

// BufferText returns the buffered text, empty when no buffer is held.
func (f *ForcedCommitEngine) BufferText() string {
	if f.buffer == nil {
		return ""
	}
	return f.buffer.text
}

// BufferCreatedAt returns when the buffer was created; zero when none.
func (f *ForcedCommitEngine) BufferCreatedAt() time.Time {
	if f.buffer == nil {
		return time.Time{}
	}
	return f.buffer.createdAt
}

// CheckPartialExtends reports whether partial strictly extends the buffered
// forced final and, if so, replaces the buffer text with it. The capture
// window deadline is not moved: a forced buffer commits no later than
// createdAt + CaptureWindow no matter how many extensions land.
func (f *ForcedCommitEngine) CheckPartialExtends(partial string, now time.Time) bool {
	if f.buffer == nil {
		return false
	}
	if now.After(f.buffer.deadline) {
		return false
	}
	if !extendsNormalized(partial, f.buffer.text) {
		return false
	}
	f.buffer.text = partial
	return true
}

// IsNewSegment reports whether partial should open a fresh segment instead of
// extending the buffer: it neither extends nor equals the buffered text and
// carries at least NewSegmentMinChars characters of content.
func (f *ForcedCommitEngine) IsNewSegment(partial string) bool {
	if f.buffer == nil {
		return false
	}
	if extendsNormalized(partial, f.buffer.text) || sameNormalized(partial, f.buffer.text) {
		return false
	}
	return len(normalize(partial)) >= f.cfg.NewSegmentMinChars
}

// ShortenWindow rearms the capture timer to the new-segment wait when that
// would fire sooner than the remaining window. Called when a new segment has
// started behind the buffer, so the buffer flushes promptly.
func (f *ForcedCommitEngine) ShortenWindow(now time.Time, onExpire func()) {
	if f.buffer == nil {
		return
	}
	remaining := f.buffer.deadline.Sub(now)
	if f.cfg.NewSegmentWait >= remaining {
		return
	}
	if f.buffer.timer != nil {
		f.buffer.timer.Stop()
	}
	f.buffer.deadline = now.Add(f.cfg.NewSegmentWait)
	f.buffer.timer = f.clock.AfterFunc(f.cfg.NewSegmentWait, onExpire)
}

// BeginRecovery marks the buffer as awaiting a recovery result and returns
// the epoch that result must carry. Each call bumps the engine epoch, so any
// response from a previously launched recovery becomes stale.
func (f *ForcedCommitEngine) BeginRecovery() (uint64, bool) {
	if f.buffer == nil {
		return 0, false
	}
	f.epoch++
	f.buffer.epoch = f.epoch
	f.buffer.recovering = true
	return f.epoch, true
}

// BufferEpoch returns the recovery epoch attached to the buffer, zero when no
// buffer is held or no recovery was launched for it.
func (f *ForcedCommitEngine) BufferEpoch() uint64 {
	if f.buffer == nil || !f.buffer.recovering {
		return 0
	}
	return f.buffer.epoch
}

// Recovering reports whether the buffer is awaiting a recovery result.
func (f *ForcedCommitEngine) Recovering() bool {
	return f.buffer != nil && f.buffer.recovering
}

// EpochCurrent reports whether epoch matches the in-flight recovery.
func (f *ForcedCommitEngine) EpochCurrent(epoch uint64) bool {
	return f.buffer != nil && f.buffer.recovering && f.buffer.epoch == epoch
}

// ClearBuffer stops the window timer and drops the buffer. The recovery epoch
// counter is retained so late responses from an abandoned attempt stay stale.
func (f *ForcedCommitEngine) ClearBuffer() {
	if f.buffer == nil {
		return
	}
	if f.buffer.timer != nil {
		f.buffer.timer.Stop()
	}
	f.buffer = nil
}
