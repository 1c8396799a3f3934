package caption_test

import (
	"testing"
	"time"

	"github.com/parlay-live/parlance/internal/caption"
)

func TestForcedBufferPartialExtension(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	f := caption.NewForcedCommitEngine(clock, caption.DefaultForcedConfig())

	f.CreateBuffer("and then we decided to", clock.Now(), func() {})

	if !f.CheckPartialExtends("and then we decided to leave early", clock.Now()) {
		t.Fatal("extending partial rejected")
	}
	if got := f.BufferText(); got != "and then we decided to leave early" {
		t.Errorf("BufferText() = %q", got)
	}

	// Non-extending partial must not replace the buffer.
	if f.CheckPartialExtends("completely new thought", clock.Now()) {
		t.Error("non-extending partial accepted")
	}
}

func TestForcedBufferExtensionAfterWindow(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	f := caption.NewForcedCommitEngine(clock, caption.DefaultForcedConfig())

	f.CreateBuffer("and then we decided to", clock.Now(), func() {})
	clock.Advance(3 * time.Second)

	if f.CheckPartialExtends("and then we decided to leave", clock.Now()) {
		t.Error("extension accepted after the capture window closed")
	}
}

func TestForcedIsNewSegment(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	f := caption.NewForcedCommitEngine(clock, caption.DefaultForcedConfig())
	f.CreateBuffer("and then we decided to", clock.Now(), func() {})

	tests := []struct {
		partial string
		want    bool
	}{
		{"and then we decided to leave", false}, // extension
		{"And then we decided to", false},       // same text
		{"ok so", false},                        // too short
		{"anyway the next morning we", true},
	}
	for _, tt := range tests {
		if got := f.IsNewSegment(tt.partial); got != tt.want {
			t.Errorf("IsNewSegment(%q) = %v, want %v", tt.partial, got, tt.want)
		}
	}
}

func TestForcedShortenWindow(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	f := caption.NewForcedCommitEngine(clock, caption.DefaultForcedConfig())

	expired := false
	f.CreateBuffer("tail of the last thought", clock.Now(), func() { expired = true })

	// New segment started behind the buffer; it should flush after the
	// shorter wait instead of the full window.
	f.ShortenWindow(clock.Now(), func() { expired = true })
	clock.Advance(1600 * time.Millisecond)
	if !expired {
		t.Error("buffer did not flush on the shortened window")
	}
}

func TestForcedRecoveryEpochs(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	f := caption.NewForcedCommitEngine(clock, caption.DefaultForcedConfig())

	f.CreateBuffer("first buffer", clock.Now(), func() {})
	epoch1, ok := f.BeginRecovery()
	if !ok {
		t.Fatal("BeginRecovery failed with buffer held")
	}
	if !f.EpochCurrent(epoch1) {
		t.Error("fresh epoch reported stale")
	}

	// A second buffer supersedes: the old epoch goes stale.
	f.CreateBuffer("second buffer", clock.Now(), func() {})
	epoch2, _ := f.BeginRecovery()
	if f.EpochCurrent(epoch1) {
		t.Error("superseded epoch still current")
	}
	if !f.EpochCurrent(epoch2) {
		t.Error("new epoch not current")
	}

	f.ClearBuffer()
	if f.EpochCurrent(epoch2) {
		t.Error("epoch current after ClearBuffer")
	}
}
