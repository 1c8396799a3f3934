package translate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parlay-live/parlance/internal/translate"
	provider "github.com/parlay-live/parlance/pkg/provider/translate"
	"github.com/parlay-live/parlance/pkg/provider/translate/mock"
)

func newRouter(t *testing.T, p provider.Provider, targets ...string) *translate.Router {
	t.Helper()
	return translate.NewRouter(p, translate.Config{
		SourceLang: "en",
		Targets:    targets,
	}, nil)
}

// resultSink collects emitted results across goroutines.
type resultSink struct {
	mu      sync.Mutex
	results []translate.Result
}

func (s *resultSink) emit(r translate.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *resultSink) snapshot() []translate.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]translate.Result, len(s.results))
	copy(out, s.results)
	return out
}

func (s *resultSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func waitForResults(t *testing.T, s *resultSink, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d results, have %d", n, s.count())
}

func TestRouterTranslateFinalFansOut(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r := newRouter(t, p, "es", "fr")

	results := r.TranslateFinal(context.Background(), "hello", "")
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	byTarget := map[string]translate.Result{}
	for _, res := range results {
		byTarget[res.Target] = res
	}
	if byTarget["es"].Text != "[es] hello" || byTarget["fr"].Text != "[fr] hello" {
		t.Errorf("results = %+v", byTarget)
	}
}

func TestRouterFinalPerTargetIsolation(t *testing.T) {
	t.Parallel()
	boom := errors.New("quota exceeded")
	p := &mock.Provider{
		TranslateFunc: func(_ context.Context, req provider.Request) (string, error) {
			if req.TargetLang == "fr" {
				return "", boom
			}
			return "[" + req.TargetLang + "] " + req.Text, nil
		},
	}
	r := newRouter(t, p, "es", "fr")

	results := r.TranslateFinal(context.Background(), "hello", "")
	byTarget := map[string]translate.Result{}
	for _, res := range results {
		byTarget[res.Target] = res
	}
	if byTarget["es"].Err != nil || byTarget["es"].Text != "[es] hello" {
		t.Errorf("healthy target affected by sibling failure: %+v", byTarget["es"])
	}
	if !errors.Is(byTarget["fr"].Err, boom) {
		t.Errorf("fr error = %v, want %v", byTarget["fr"].Err, boom)
	}
}

func TestRouterFinalCacheAvoidsSecondCall(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r := newRouter(t, p, "es")

	r.TranslateFinal(context.Background(), "hello", "")
	if p.TranslateCallCount() != 1 {
		t.Fatalf("TranslateCallCount = %d after first final", p.TranslateCallCount())
	}

	results := r.TranslateFinal(context.Background(), "hello", "")
	if p.TranslateCallCount() != 1 {
		t.Errorf("TranslateCallCount = %d, cache miss on repeat", p.TranslateCallCount())
	}
	if !results[0].Cached || results[0].Text != "[es] hello" {
		t.Errorf("repeat result = %+v, want cached hit", results[0])
	}
}

func TestRouterSkipsSourceLanguageTarget(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r := newRouter(t, p, "en", "es")

	results := r.TranslateFinal(context.Background(), "hello", "")
	if len(results) != 1 || results[0].Target != "es" {
		t.Fatalf("results = %+v, want es only", results)
	}
	if p.TranslateCallCount() != 1 {
		t.Errorf("TranslateCallCount = %d, source-language target reached the provider", p.TranslateCallCount())
	}

	sink := &resultSink{}
	r.SubmitPartial(context.Background(), "hello again", "", sink.emit)
	waitForResults(t, sink, 1)
	time.Sleep(10 * time.Millisecond)
	for _, res := range sink.snapshot() {
		if res.Target == "en" {
			t.Errorf("partial emitted for the source language: %+v", res)
		}
	}
}

func TestRouterSubmitPartialEmitsAndCaches(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r := newRouter(t, p, "es", "fr")
	sink := &resultSink{}

	r.SubmitPartial(context.Background(), "hello there", "", sink.emit)
	waitForResults(t, sink, 2)
	for _, res := range sink.snapshot() {
		if res.Err != nil || res.Cached {
			t.Errorf("first pass result = %+v", res)
		}
		if res.Text == "" {
			t.Errorf("empty translation for %s", res.Target)
		}
	}

	// Identical partial again: both targets come from cache, no new calls.
	calls := p.TranslateCallCount()
	sink2 := &resultSink{}
	r.SubmitPartial(context.Background(), "hello there", "", sink2.emit)
	waitForResults(t, sink2, 2)
	if p.TranslateCallCount() != calls {
		t.Errorf("repeat partial hit the provider (%d -> %d calls)", calls, p.TranslateCallCount())
	}
	for _, res := range sink2.snapshot() {
		if !res.Cached {
			t.Errorf("repeat result not cached: %+v", res)
		}
	}
}

func TestRouterPartialCancelledWhenSuperseded(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	var mu sync.Mutex
	var ctxs []context.Context
	p := &mock.Provider{
		TranslateFunc: func(ctx context.Context, req provider.Request) (string, error) {
			mu.Lock()
			ctxs = append(ctxs, ctx)
			mu.Unlock()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-block:
				return "[" + req.TargetLang + "] " + req.Text, nil
			}
		},
	}
	r := newRouter(t, p, "es")
	defer close(block)
	sink := &resultSink{}

	r.SubmitPartial(context.Background(), "we were talking about the", "", sink.emit)
	waitFor(t, "first provider call", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ctxs) == 1
	})

	// A diverging partial supersedes the in-flight one.
	r.SubmitPartial(context.Background(), "completely new thought here", "", sink.emit)
	waitFor(t, "superseded call cancelled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ctxs[0].Err() != nil
	})
}

func TestRouterPartialExtensionNotCancelled(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	var mu sync.Mutex
	var ctxs []context.Context
	p := &mock.Provider{
		TranslateFunc: func(ctx context.Context, req provider.Request) (string, error) {
			mu.Lock()
			ctxs = append(ctxs, ctx)
			mu.Unlock()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-block:
				return "[" + req.TargetLang + "] " + req.Text, nil
			}
		},
	}
	r := newRouter(t, p, "es")
	defer close(block)
	sink := &resultSink{}

	r.SubmitPartial(context.Background(), "we were talking about the", "", sink.emit)
	waitFor(t, "first provider call", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ctxs) == 1
	})

	// An extension keeps the in-flight translation alive: its result is
	// still a valid (slightly older) caption.
	r.SubmitPartial(context.Background(), "we were talking about the harvest", "", sink.emit)
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	err := ctxs[0].Err()
	mu.Unlock()
	if err != nil {
		t.Errorf("extension cancelled the in-flight partial: %v", err)
	}
}

func TestRouterProvisionalReuse(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	first := true
	var mu sync.Mutex
	p := &mock.Provider{
		TranslateFunc: func(ctx context.Context, req provider.Request) (string, error) {
			mu.Lock()
			f := first
			first = false
			mu.Unlock()
			if f {
				return "[es] " + req.Text, nil
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-block:
				return "[es] " + req.Text, nil
			}
		},
	}
	r := newRouter(t, p, "es")
	defer close(block)

	sink := &resultSink{}
	r.SubmitPartial(context.Background(), "hello there my friend", "", sink.emit)
	waitForResults(t, sink, 1)

	// The next (slightly longer) partial shows the cached translation
	// immediately while the fresh request is still in flight.
	sink2 := &resultSink{}
	r.SubmitPartial(context.Background(), "hello there my friend a", "", sink2.emit)
	waitForResults(t, sink2, 1)
	got := sink2.snapshot()[0]
	if !got.Provisional || !got.Cached {
		t.Errorf("first emission = %+v, want provisional cached reuse", got)
	}
	if got.Text != "[es] hello there my friend" {
		t.Errorf("provisional text = %q", got.Text)
	}
}

func TestRouterCorrect(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}

	// Without a corrector the text passes through untouched.
	r := newRouter(t, p, "es")
	out, err := r.Correct(context.Background(), "well i guess so")
	if err != nil || out != "well i guess so" {
		t.Errorf("Correct() = %q, %v", out, err)
	}

	corr := &mock.Provider{
		CorrectFunc: func(_ context.Context, text, lang, instructions string) (string, error) {
			if lang != "en" {
				t.Errorf("lang = %q, want en", lang)
			}
			if instructions == "" {
				t.Error("empty correction instructions")
			}
			return "Well, I guess so.", nil
		},
	}
	r = translate.NewRouter(p, translate.Config{SourceLang: "en", Targets: []string{"es"}},
		nil, translate.WithCorrector(corr))
	out, err = r.Correct(context.Background(), "well i guess so")
	if err != nil || out != "Well, I guess so." {
		t.Errorf("Correct() = %q, %v", out, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
