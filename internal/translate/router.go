// Package translate turns committed and live caption text into per-language
// translations.
//
// The router sits between the caption pipeline and a translation provider.
// Partial captions are translated speculatively and may be cancelled when a
// newer partial supersedes them; final captions are never cancelled and their
// errors propagate. Results for each target language are cached so repeated
// text (cumulative partials, late-joining listeners) does not re-bill the
// provider.
package translate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	provider "github.com/parlay-live/parlance/pkg/provider/translate"
)

// Router defaults.
const (
	DefaultTimeout = 20 * time.Second

	// A newer partial cancels the in-flight one only when it is not a plain
	// extension: much shorter than what is already being translated, or
	// diverging within the leading bytes.
	DefaultCancelLengthRatio = 0.6
	DefaultCancelPrefixBytes = 100
)

// Telemetry receives router health signals. Implementations must be safe for
// concurrent use.
type Telemetry interface {
	// PromptTruncated reports a context or glossary block exceeding its byte
	// budget. block is "context" or "glossary".
	PromptTruncated(block string)
}

// NopTelemetry discards all signals.
type NopTelemetry struct{}

func (NopTelemetry) PromptTruncated(string) {}

// Config configures a [Router].
type Config struct {
	// SourceLang is the session's spoken language.
	SourceLang string

	// Targets are the languages to translate into.
	Targets []string

	// Glossary lists domain terms for the prompt builder.
	Glossary string

	// PartialTTL/PartialCap and FinalTTL/FinalCap bound the two caches.
	// Zero values use the defaults.
	PartialTTL time.Duration
	PartialCap int
	FinalTTL   time.Duration
	FinalCap   int

	// Timeout bounds each provider request.
	Timeout time.Duration

	// CancelLengthRatio and CancelPrefixBytes tune partial cancellation.
	CancelLengthRatio float64
	CancelPrefixBytes int
}

func (c *Config) applyDefaults() {
	if c.PartialTTL <= 0 {
		c.PartialTTL = DefaultPartialTTL
	}
	if c.PartialCap <= 0 {
		c.PartialCap = DefaultPartialCap
	}
	if c.FinalTTL <= 0 {
		c.FinalTTL = DefaultFinalTTL
	}
	if c.FinalCap <= 0 {
		c.FinalCap = DefaultFinalCap
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CancelLengthRatio <= 0 {
		c.CancelLengthRatio = DefaultCancelLengthRatio
	}
	if c.CancelPrefixBytes <= 0 {
		c.CancelPrefixBytes = DefaultCancelPrefixBytes
	}
}

// Result is one per-target translation outcome.
type Result struct {
	Target string
	Text   string

	// Err is set when this target failed; other targets are unaffected.
	Err error

	// Cached marks a cache hit or provisional reuse (no provider call).
	Cached bool

	// Provisional marks a reused older translation emitted while the fresh
	// one is still in flight.
	Provisional bool
}

// Router fans caption text out to all target languages. Safe for concurrent
// use; emit callbacks run on router goroutines and must not block for long.
type Router struct {
	provider  provider.Provider
	corrector provider.Corrector
	cfg       Config
	log       *slog.Logger
	telemetry Telemetry

	partialCache *Cache
	finalCache   *Cache

	mu       sync.Mutex
	inflight *partialJob
	wg       sync.WaitGroup
}

type partialJob struct {
	text   string
	cancel context.CancelFunc
}

// Option is a functional option for Router.
type Option func(*Router)

// WithCorrector enables source-language cleanup of final captions.
func WithCorrector(c provider.Corrector) Option {
	return func(r *Router) { r.corrector = c }
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t Telemetry) Option {
	return func(r *Router) { r.telemetry = t }
}

// NewRouter creates a Router over the given provider.
func NewRouter(p provider.Provider, cfg Config, log *slog.Logger, opts ...Option) *Router {
	cfg.applyDefaults()
	// A target equal to the source language is transcription-only: listeners
	// receive the original caption text, so it never reaches the provider.
	targets := cfg.Targets[:0:0]
	for _, t := range cfg.Targets {
		if strings.EqualFold(t, cfg.SourceLang) {
			continue
		}
		targets = append(targets, t)
	}
	cfg.Targets = targets
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		provider:     p,
		cfg:          cfg,
		log:          log,
		telemetry:    NopTelemetry{},
		partialCache: NewCache(cfg.PartialTTL, cfg.PartialCap),
		finalCache:   NewCache(cfg.FinalTTL, cfg.FinalCap),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SubmitPartial translates a live caption into every target asynchronously,
// calling emit once per target result. A previous in-flight partial is
// cancelled when text is not an extension of it. Cache hits and provisional
// reuses are emitted synchronously before the provider round-trips.
func (r *Router) SubmitPartial(ctx context.Context, text, contextText string, emit func(Result)) {
	text = strings.TrimSpace(text)
	if text == "" || len(r.cfg.Targets) == 0 {
		return
	}

	r.mu.Lock()
	if r.inflight != nil && !r.isExtension(text, r.inflight.text) {
		r.inflight.cancel()
	}
	jobCtx, cancel := context.WithCancel(ctx)
	job := &partialJob{text: text, cancel: cancel}
	r.inflight = job
	r.mu.Unlock()

	// Targets still needing a provider call after the cache pass.
	var misses []string
	for _, target := range r.cfg.Targets {
		if cached, ok := r.partialCache.Get(text, target); ok {
			emit(Result{Target: target, Text: cached, Cached: true})
			continue
		}
		if reuse, ok := r.partialCache.Reusable(text, target); ok {
			emit(Result{Target: target, Text: reuse, Cached: true, Provisional: true})
		}
		misses = append(misses, target)
	}
	if len(misses) == 0 {
		cancel()
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer r.clearInflight(job)

		g, gctx := errgroup.WithContext(jobCtx)
		for _, target := range misses {
			target := target
			g.Go(func() error {
				res := r.translateOne(gctx, text, contextText, target, true)
				if res.Err != nil {
					if gctx.Err() != nil {
						return nil // superseded, stay quiet
					}
					r.log.Debug("partial translation failed",
						"target", target, "error", res.Err)
					return nil
				}
				r.partialCache.Put(text, target, res.Text)
				emit(res)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// TranslateFinal translates a committed caption into every target and blocks
// until all targets resolve. Targets fail independently: the returned slice
// always has one Result per target, with Err set on the ones that failed.
// Finals are never cancelled by newer partials; only ctx bounds them.
func (r *Router) TranslateFinal(ctx context.Context, text, contextText string) []Result {
	text = strings.TrimSpace(text)
	results := make([]Result, len(r.cfg.Targets))
	if text == "" {
		for i, target := range r.cfg.Targets {
			results[i] = Result{Target: target}
		}
		return results
	}

	g := new(errgroup.Group)
	for i, target := range r.cfg.Targets {
		i, target := i, target
		if cached, ok := r.finalCache.Get(text, target); ok {
			results[i] = Result{Target: target, Text: cached, Cached: true}
			continue
		}
		g.Go(func() error {
			res := r.translateOne(ctx, text, contextText, target, false)
			if res.Err == nil {
				r.finalCache.Put(text, target, res.Text)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Correct cleans up a committed caption in the source language. Without a
// corrector it returns text unchanged.
func (r *Router) Correct(ctx context.Context, text string) (string, error) {
	if r.corrector == nil {
		return text, nil
	}
	prompt := BuildCorrectionPrompt(r.cfg.SourceLang, r.cfg.Glossary)
	r.reportTruncation(prompt)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.corrector.Correct(ctx, text, r.cfg.SourceLang, prompt.Text)
}

// Drain waits for in-flight partial work, up to grace. Used on shutdown so a
// last caption can still reach listeners.
func (r *Router) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (r *Router) translateOne(ctx context.Context, text, contextText, target string, partial bool) Result {
	prompt := BuildTranslationPrompt(PromptInput{
		SourceLang: r.cfg.SourceLang,
		TargetLang: target,
		Context:    contextText,
		Glossary:   r.cfg.Glossary,
		Partial:    partial,
	})
	r.reportTruncation(prompt)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	out, err := r.provider.Translate(ctx, provider.Request{
		Text:         text,
		SourceLang:   r.cfg.SourceLang,
		TargetLang:   target,
		Instructions: prompt.Text,
		Partial:      partial,
	})
	return Result{Target: target, Text: out, Err: err}
}

func (r *Router) reportTruncation(p Prompt) {
	if p.ContextTruncated {
		r.telemetry.PromptTruncated("context")
	}
	if p.GlossaryTruncated {
		r.telemetry.PromptTruncated("glossary")
	}
}

func (r *Router) clearInflight(job *partialJob) {
	r.mu.Lock()
	if r.inflight == job {
		r.inflight = nil
	}
	r.mu.Unlock()
}

// isExtension reports whether newText plausibly continues prevText: not
// drastically shorter, and agreeing on the leading bytes. Extensions let the
// in-flight translation finish; anything else wastes provider time on text
// nobody will see.
func (r *Router) isExtension(newText, prevText string) bool {
	if len(newText) < int(float64(len(prevText))*r.cfg.CancelLengthRatio) {
		return false
	}
	n := r.cfg.CancelPrefixBytes
	if len(newText) < n {
		n = len(newText)
	}
	if len(prevText) < n {
		n = len(prevText)
	}
	return newText[:n] == prevText[:n]
}
