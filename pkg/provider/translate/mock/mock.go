// Package mock provides test doubles for the translate package interfaces.
//
// By default the mock Provider "translates" by tagging the input with the
// target language, which keeps assertions readable:
//
//	p := &mock.Provider{}
//	out, _ := p.Translate(ctx, translate.Request{Text: "hello", TargetLang: "es"})
//	// out == "[es] hello"
package mock

import (
	"context"
	"sync"

	"github.com/parlay-live/parlance/pkg/provider/translate"
)

// TranslateCall records a single invocation of Provider.Translate.
type TranslateCall struct {
	// Ctx is the context passed to Translate.
	Ctx context.Context
	// Req is the request passed to Translate.
	Req translate.Request
}

// Provider is a mock implementation of translate.Provider and
// translate.Corrector.
type Provider struct {
	mu sync.Mutex

	// TranslateFunc, if non-nil, is called to produce the result. Useful for
	// per-request delays, cancellation tests, and language-dependent output.
	TranslateFunc func(ctx context.Context, req translate.Request) (string, error)

	// TranslateErr, if non-nil, is returned by every Translate call.
	TranslateErr error

	// CorrectFunc, if non-nil, is called to produce the correction result.
	CorrectFunc func(ctx context.Context, text, lang, instructions string) (string, error)

	// CorrectErr, if non-nil, is returned by every Correct call.
	CorrectErr error

	// TranslateCalls records every call to Translate in order.
	TranslateCalls []TranslateCall

	// CorrectCalls records the text of every Correct call in order.
	CorrectCalls []string
}

// Translate records the call and returns TranslateFunc's result,
// TranslateErr, or the default "[lang] text" tagging.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	p.mu.Lock()
	p.TranslateCalls = append(p.TranslateCalls, TranslateCall{Ctx: ctx, Req: req})
	fn := p.TranslateFunc
	err := p.TranslateErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return "[" + req.TargetLang + "] " + req.Text, nil
}

// Correct records the call and returns CorrectFunc's result, CorrectErr, or
// the input unchanged.
func (p *Provider) Correct(ctx context.Context, text, lang, instructions string) (string, error) {
	p.mu.Lock()
	p.CorrectCalls = append(p.CorrectCalls, text)
	fn := p.CorrectFunc
	err := p.CorrectErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, lang, instructions)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// TranslateCallCount returns the number of Translate calls. Thread-safe.
func (p *Provider) TranslateCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranslateCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranslateCalls = nil
	p.CorrectCalls = nil
}

var (
	_ translate.Provider  = (*Provider)(nil)
	_ translate.Corrector = (*Provider)(nil)
)
