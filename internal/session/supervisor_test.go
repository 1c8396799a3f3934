package session_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parlay-live/parlance/internal/caption"
	"github.com/parlay-live/parlance/internal/session"
	"github.com/parlay-live/parlance/internal/translate"
	"github.com/parlay-live/parlance/pkg/provider/stt"
	translatemock "github.com/parlay-live/parlance/pkg/provider/translate/mock"
	"github.com/parlay-live/parlance/pkg/transcriptlog"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakePool struct {
	events chan stt.Event

	mu           sync.Mutex
	audio        [][]byte
	forceCommits int
	closed       bool
}

func newFakePool() *fakePool {
	return &fakePool{events: make(chan stt.Event, 64)}
}

func (p *fakePool) SendAudio(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	p.audio = append(p.audio, cp)
	return nil
}

func (p *fakePool) ForceCommit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forceCommits++
	return nil
}

func (p *fakePool) Events() <-chan stt.Event { return p.events }

func (p *fakePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

func (p *fakePool) forceCommitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forceCommits
}

type fakeTranscript struct {
	mu      sync.Mutex
	entries []transcriptlog.Entry
}

func (f *fakeTranscript) Append(_ context.Context, _ string, e transcriptlog.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeTranscript) Close() error { return nil }

func (f *fakeTranscript) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeRecoverer struct {
	mu     sync.Mutex
	calls  []string
	result string
	err    error
}

func (r *fakeRecoverer) Recover(_ context.Context, bufferText string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, bufferText)
	return r.result, r.err
}

func (r *fakeRecoverer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fastMachineConfig shrinks the caption timers so tests settle in
// milliseconds instead of seconds.
func fastMachineConfig() caption.Config {
	cfg := caption.DefaultConfig()
	cfg.Finalization.BaseWait = 10 * time.Millisecond
	cfg.Finalization.FalseFinalWait = 20 * time.Millisecond
	cfg.Finalization.MaxWait = 200 * time.Millisecond
	cfg.Finalization.IncompleteFloor = 10 * time.Millisecond
	cfg.Finalization.IncompleteCeil = 20 * time.Millisecond
	cfg.Finalization.PerChar = time.Millisecond
	cfg.Forced.CaptureWindow = 40 * time.Millisecond
	cfg.Forced.NewSegmentWait = 20 * time.Millisecond
	cfg.SegmentBreak = 50 * time.Millisecond
	cfg.PartialSeedWait = 15 * time.Millisecond
	return cfg
}

type supervisorHarness struct {
	sup        *session.Supervisor
	pool       *fakePool
	sink       *mockSink
	transcript *fakeTranscript
	recoverer  *fakeRecoverer
}

func newSupervisorHarness(t *testing.T, mutate func(*caption.Config)) *supervisorHarness {
	t.Helper()

	cfg := fastMachineConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	pool := newFakePool()
	router := translate.NewRouter(&translatemock.Provider{}, translate.Config{
		SourceLang: "en",
		Targets:    []string{"es"},
	}, nil)
	broadcaster := session.NewBroadcaster(session.BroadcasterConfig{SourceLang: "en"}, nil)
	transcript := &fakeTranscript{}
	recoverer := &fakeRecoverer{}

	sup := session.NewSupervisor(pool, router, broadcaster, session.SupervisorConfig{
		SessionID:     "sess-test",
		SourceLang:    "en",
		Machine:       cfg,
		ShutdownGrace: time.Second,
	}, nil,
		session.WithTranscriptLog(transcript),
		session.WithRecoverer(recoverer),
	)

	sink := &mockSink{}
	if err := sup.AddListener("l1", "es", sink); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = sup.Close() })

	return &supervisorHarness{sup: sup, pool: pool, sink: sink, transcript: transcript, recoverer: recoverer}
}

// waitForFinal polls until a final caption containing substr is delivered.
func (h *supervisorHarness) waitForFinal(t *testing.T, substr string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range h.sink.captions(t) {
			if m["isPartial"] == false && strings.Contains(m["originalText"].(string), substr) {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no final containing %q was published", substr)
	return nil
}

func TestSupervisorEndToEnd(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(t, nil)
	now := time.Now()

	h.pool.events <- stt.Event{Type: stt.EventPartial, Text: "hello everyone out there", At: now}
	h.pool.events <- stt.Event{Type: stt.EventFinal, Text: "Hello everyone out there.", At: now.Add(200 * time.Millisecond)}

	final := h.waitForFinal(t, "Hello everyone out there.")
	if final["translatedText"] != "[es] Hello everyone out there." {
		t.Errorf("final translation = %v", final["translatedText"])
	}
	if final["hasTranslation"] != true || final["sourceLang"] != "en" || final["targetLang"] != "es" {
		t.Errorf("final envelope = %+v", final)
	}

	// The live partial reached the listener before the final.
	captions := h.sink.captions(t)
	sawPartial := false
	for _, m := range captions {
		if m["isPartial"] == true {
			sawPartial = true
		}
		if m["isPartial"] == false && !sawPartial {
			t.Error("final published before any partial")
		}
	}
	if !sawPartial {
		t.Error("no partial caption was published")
	}

	waitFor(t, "transcript append", func() bool { return h.transcript.count() == 1 })
}

func TestSupervisorPauseForceCommitsPool(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(t, nil)
	if err := h.sup.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if h.pool.forceCommitCount() != 1 {
		t.Errorf("ForceCommit count = %d, want 1", h.pool.forceCommitCount())
	}
}

func TestSupervisorSTTErrorSurfacesAsErrorEvent(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(t, nil)
	h.pool.events <- stt.Event{Type: stt.EventError, Err: context.DeadlineExceeded}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range h.sink.decoded(t) {
			if m["type"] == session.TypeError {
				if m["code"] != session.ErrCodeSTT {
					t.Errorf("error code = %v, want %v", m["code"], session.ErrCodeSTT)
				}
				if strings.Contains(m["message"].(string), "deadline") {
					t.Error("raw vendor error leaked into the listener message")
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no error event published")
}

func TestSupervisorRecoveryExtendsForcedFinal(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(t, nil)
	h.recoverer.result = "we should head out now before the rain"

	h.pool.events <- stt.Event{
		Type:   stt.EventFinal,
		Text:   "we should head out now",
		Forced: true,
		At:     time.Now(),
	}

	first := h.waitForFinal(t, "we should head out now")
	if first["forceFinal"] != true {
		t.Errorf("forced final not flagged: %+v", first)
	}
	h.waitForFinal(t, "before the rain")

	if h.recoverer.callCount() != 1 {
		t.Errorf("recoverer called %d times, want 1", h.recoverer.callCount())
	}
	h.recoverer.mu.Lock()
	buffer := h.recoverer.calls[0]
	h.recoverer.mu.Unlock()
	if !strings.Contains(buffer, "we should head out now") {
		t.Errorf("recovery buffer = %q", buffer)
	}
}

func TestSupervisorCloseFlushesPendingText(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(t, func(cfg *caption.Config) {
		// Keep the pending text un-committed until Close forces the flush.
		cfg.PartialSeedWait = time.Hour
		cfg.Finalization.BaseWait = time.Hour
		cfg.Finalization.MaxWait = 2 * time.Hour
		cfg.Finalization.IncompleteFloor = time.Hour
		cfg.Finalization.IncompleteCeil = time.Hour
	})

	h.pool.events <- stt.Event{Type: stt.EventPartial, Text: "this thought never got a final", At: time.Now()}
	waitFor(t, "partial delivery", func() bool { return len(h.sink.captions(t)) > 0 })

	if err := h.sup.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	found := false
	for _, m := range h.sink.captions(t) {
		if m["isPartial"] == false && m["originalText"] == "this thought never got a final" {
			found = true
		}
	}
	if !found {
		t.Error("pending text was not committed on shutdown")
	}

	var sawEnded bool
	for _, m := range h.sink.decoded(t) {
		if m["type"] == session.TypeSessionEnded {
			sawEnded = true
		}
	}
	if !sawEnded {
		t.Error("session_ended never reached the listener")
	}

	if err := h.sup.SendAudio([]byte("late")); err != nil {
		t.Log("SendAudio after close:", err)
	}
}
