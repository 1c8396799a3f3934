package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parlay-live/parlance/internal/session"
)

// mockSink records delivered payloads and can simulate transient failures or
// block deliveries behind a gate.
type mockSink struct {
	mu       sync.Mutex
	payloads [][]byte
	failures int // first N sends fail
	gate     chan struct{}
	closed   bool
}

func (s *mockSink) Send(ctx context.Context, payload []byte) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("transient send failure")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.payloads = append(s.payloads, cp)
	return nil
}

func (s *mockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *mockSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// decoded returns every delivered payload parsed as a generic JSON object.
func (s *mockSink) decoded(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.payloads))
	for _, p := range s.payloads {
		var m map[string]any
		if err := json.Unmarshal(p, &m); err != nil {
			t.Fatalf("invalid JSON payload %q: %v", p, err)
		}
		out = append(out, m)
	}
	return out
}

// captions filters decoded payloads down to translation events.
func (s *mockSink) captions(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range s.decoded(t) {
		if m["type"] == session.TypeTranslation {
			out = append(out, m)
		}
	}
	return out
}

func waitForPayloads(t *testing.T, s *mockSink, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d payloads, have %d", n, s.count())
}

func newBroadcaster(t *testing.T) *session.Broadcaster {
	t.Helper()
	b := session.NewBroadcaster(session.BroadcasterConfig{SourceLang: "en"}, nil)
	t.Cleanup(func() { b.Shutdown(time.Second) })
	return b
}

func src(v uint64) *uint64 { return &v }

func TestBroadcasterEventSeqStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	b := newBroadcaster(t)
	sink := &mockSink{}
	if err := b.AddListener("l1", "es", sink); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	now := time.Now()
	b.PublishPartial(session.Partial{IngestSeq: 1, Text: "hel", At: now})
	b.PublishPartial(session.Partial{IngestSeq: 2, Text: "hello", At: now})
	b.PublishFinal(session.Final{IngestSeq: 3, SourceSeqID: 1, Original: "Hello.", At: now})

	// session_joined + session_stats + 2 partials + final.
	waitForPayloads(t, sink, 5)
	last := uint64(0)
	for _, m := range sink.decoded(t) {
		seq := uint64(m["eventSeqId"].(float64))
		if seq <= last {
			t.Fatalf("eventSeqId %d not greater than previous %d", seq, last)
		}
		last = seq
	}
}

func TestBroadcasterOutOfOrderPartialSuppression(t *testing.T) {
	t.Parallel()
	b := newBroadcaster(t)
	sink := &mockSink{}
	if err := b.AddListener("l1", "es", sink); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	now := time.Now()
	b.PublishPartial(session.Partial{IngestSeq: 5, SourceSeqID: src(1), Text: "Hello", At: now})
	// Stale partial from a reordered path: dropped at ingest.
	b.PublishPartial(session.Partial{IngestSeq: 4, SourceSeqID: src(1), Text: "Hell", At: now})
	b.PublishFinal(session.Final{IngestSeq: 7, SourceSeqID: 1, Original: "Hello there.", At: now})
	// Late partial after the final: the source is sealed.
	b.PublishPartial(session.Partial{IngestSeq: 8, SourceSeqID: src(1), Text: "Hello there and", At: now})

	waitForPayloads(t, sink, 4) // joined + stats + partial + final
	var texts []string
	for _, m := range sink.captions(t) {
		texts = append(texts, m["originalText"].(string))
	}
	want := []string{"Hello", "Hello there."}
	if len(texts) != len(want) || texts[0] != want[0] || texts[1] != want[1] {
		t.Errorf("published originals = %v, want %v", texts, want)
	}
}

func TestBroadcasterDuplicateFinalDropped(t *testing.T) {
	t.Parallel()
	b := newBroadcaster(t)
	sink := &mockSink{}
	if err := b.AddListener("l1", "es", sink); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	now := time.Now()
	b.PublishFinal(session.Final{IngestSeq: 1, SourceSeqID: 9, Original: "Once.", At: now})
	b.PublishFinal(session.Final{IngestSeq: 2, SourceSeqID: 9, Original: "Once.", At: now})

	waitForPayloads(t, sink, 3) // joined + stats + one final
	time.Sleep(20 * time.Millisecond)
	finals := 0
	for _, m := range sink.captions(t) {
		if m["isPartial"] == false {
			finals++
		}
	}
	if finals != 1 {
		t.Errorf("published %d finals for one source, want 1", finals)
	}
}

func TestBroadcasterTranslationRoutedPerLanguage(t *testing.T) {
	t.Parallel()
	b := newBroadcaster(t)
	es, fr := &mockSink{}, &mockSink{}
	if err := b.AddListener("es1", "es", es); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}
	if err := b.AddListener("fr1", "fr", fr); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	now := time.Now()
	b.PublishPartialTranslation(session.PartialTranslation{
		IngestSeq: 1, Target: "es", Original: "hello", Translated: "hola", At: now,
	})
	b.PublishFinal(session.Final{
		IngestSeq: 2, SourceSeqID: 1, Original: "Hello.",
		Translations: map[string]string{"es": "Hola."}, At: now,
	})

	waitForPayloads(t, es, 5) // joined + 2x stats + partial translation + final
	esCaptions := es.captions(t)
	if len(esCaptions) != 2 {
		t.Fatalf("es captions = %d, want 2", len(esCaptions))
	}
	if esCaptions[0]["translatedText"] != "hola" || esCaptions[0]["hasTranslation"] != true {
		t.Errorf("es partial translation = %+v", esCaptions[0])
	}
	if esCaptions[1]["translatedText"] != "Hola." {
		t.Errorf("es final translation = %+v", esCaptions[1])
	}

	waitForPayloads(t, fr, 3) // joined + stats + final (no partial translation)
	frCaptions := fr.captions(t)
	if len(frCaptions) != 1 {
		t.Fatalf("fr captions = %d, want 1 (final only)", len(frCaptions))
	}
	if frCaptions[0]["hasTranslation"] != false || frCaptions[0]["translatedText"] != nil {
		t.Errorf("fr final should have no translation: %+v", frCaptions[0])
	}
}

func TestBroadcasterOverflowDropsOldestPartialKeepsFinals(t *testing.T) {
	t.Parallel()
	b := session.NewBroadcaster(session.BroadcasterConfig{
		SourceLang: "en",
		QueueSize:  3,
	}, nil)
	t.Cleanup(func() { b.Shutdown(time.Second) })

	gate := make(chan struct{})
	sink := &mockSink{gate: gate}
	if err := b.AddListener("l1", "es", sink); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	now := time.Now()
	// The writer picks up the first frame (session_joined) and blocks on the
	// gate; everything below queues behind it.
	time.Sleep(10 * time.Millisecond)

	b.PublishFinal(session.Final{IngestSeq: 1, SourceSeqID: 1, Original: "Kept.", At: now})
	b.PublishPartial(session.Partial{IngestSeq: 2, Text: "one", At: now})
	b.PublishPartial(session.Partial{IngestSeq: 3, Text: "two", At: now})
	b.PublishPartial(session.Partial{IngestSeq: 4, Text: "three", At: now})

	close(gate)
	waitForPayloads(t, sink, 4) // joined + stats + final + surviving partial
	time.Sleep(20 * time.Millisecond)

	var finals, partials []string
	for _, m := range sink.captions(t) {
		if m["isPartial"] == true {
			partials = append(partials, m["originalText"].(string))
		} else {
			finals = append(finals, m["originalText"].(string))
		}
	}
	if len(finals) != 1 || finals[0] != "Kept." {
		t.Errorf("finals = %v, want the one final kept", finals)
	}
	if len(partials) != 1 || partials[0] != "three" {
		t.Errorf("partials = %v, want only the newest to survive overflow", partials)
	}
}

func TestBroadcasterFinalRetriesTransientSendErrors(t *testing.T) {
	t.Parallel()
	b := newBroadcaster(t)
	sink := &mockSink{failures: 2}
	if err := b.AddListener("l1", "es", sink); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	// The greeting events burn the two failures; this final succeeds on a
	// retry regardless of which frame hit them.
	b.PublishFinal(session.Final{IngestSeq: 1, SourceSeqID: 1, Original: "Through.", At: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range sink.captions(t) {
			if m["originalText"] == "Through." {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("final never delivered despite retry budget")
}

func TestBroadcasterLifecycleEvents(t *testing.T) {
	t.Parallel()
	b := session.NewBroadcaster(session.BroadcasterConfig{SourceLang: "en"}, nil)
	sink := &mockSink{}
	if err := b.AddListener("l1", "es", sink); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}
	b.Ready()
	b.PublishError(session.ErrCodeSTT, "speech recognition unavailable")
	b.Shutdown(time.Second)

	waitForPayloads(t, sink, 5)
	var types []string
	for _, m := range sink.decoded(t) {
		types = append(types, m["type"].(string))
	}
	want := []string{
		session.TypeSessionJoined,
		session.TypeSessionStats,
		session.TypeSessionReady,
		session.TypeError,
		session.TypeSessionEnded,
	}
	for i, w := range want {
		if i >= len(types) || types[i] != w {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}
	if !sink.isClosed() {
		t.Error("sink not closed after shutdown")
	}

	if err := b.AddListener("l2", "es", &mockSink{}); err == nil {
		t.Error("AddListener() after shutdown should error")
	}
}

func TestBroadcasterStatsOnJoinAndLeave(t *testing.T) {
	t.Parallel()
	b := newBroadcaster(t)
	s1, s2 := &mockSink{}, &mockSink{}
	if err := b.AddListener("a", "es", s1); err != nil {
		t.Fatal(err)
	}
	if err := b.AddListener("b", "fr", s2); err != nil {
		t.Fatal(err)
	}
	if b.ListenerCount() != 2 {
		t.Fatalf("ListenerCount() = %d, want 2", b.ListenerCount())
	}

	b.RemoveListener("b")
	if b.ListenerCount() != 1 {
		t.Fatalf("ListenerCount() = %d after leave, want 1", b.ListenerCount())
	}

	waitForPayloads(t, s1, 3) // joined + stats(1) + stats(2); then stats(1) again
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		counts := []int{}
		for _, m := range s1.decoded(t) {
			if m["type"] == session.TypeSessionStats {
				counts = append(counts, int(m["listenerCount"].(float64)))
			}
		}
		if len(counts) >= 3 && counts[len(counts)-1] == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stats never reflected the leave")
}
