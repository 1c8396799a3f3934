// Package session runs one live translation session end to end: STT events
// in, ordered caption events out.
//
// The supervisor owns a dedicated serial loop; every mutation of caption
// state happens there. I/O-bound work (STT sockets, translation requests,
// listener writes) runs on separate goroutines and communicates with the
// loop through channels.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parlay-live/parlance/internal/caption"
	"github.com/parlay-live/parlance/internal/translate"
	"github.com/parlay-live/parlance/pkg/provider/stt"
	"github.com/parlay-live/parlance/pkg/transcriptlog"
)

// Supervisor defaults.
const (
	DefaultShutdownGrace = 2 * time.Second

	// contextSegments is how many recent committed originals ride along as
	// rolling translation context.
	contextSegments = 6

	finalsBuffer = 64
)

// AudioPool is the supervisor's view of the STT session pool.
type AudioPool interface {
	SendAudio(chunk []byte) error
	ForceCommit() error
	Events() <-chan stt.Event
	Close() error
}

// Recoverer produces an out-of-band re-transcription for a forced-commit
// buffer: a secondary STT pass, a higher-quality re-run, or any other source
// that may yield a better tail before the capture window closes. Recover
// must respect ctx and return promptly on cancellation.
type Recoverer interface {
	Recover(ctx context.Context, bufferText string) (string, error)
}

// SupervisorConfig configures a [Supervisor].
type SupervisorConfig struct {
	// SessionID identifies the session in logs and the transcript store.
	SessionID string

	// SourceLang is the session's spoken language.
	SourceLang string

	// Machine configures the caption state machine.
	Machine caption.Config

	// ShutdownGrace bounds how long shutdown waits for an in-flight final
	// translation and for listener queues to drain.
	ShutdownGrace time.Duration
}

func (c *SupervisorConfig) applyDefaults() {
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
}

// Supervisor wires pool, machine, router, and broadcaster together and owns
// the session lifecycle. Exported methods are safe for concurrent use.
type Supervisor struct {
	cfg         SupervisorConfig
	log         *slog.Logger
	pool        AudioPool
	router      *translate.Router
	broadcaster *Broadcaster
	transcript  transcriptlog.Log
	recoverer   Recoverer

	machine *caption.Machine
	tasks   chan func()
	finals  chan finalJob

	// Loop-owned state. Only the run goroutine touches these.
	ingestSeq uint64
	recent    []string // rolling committed originals, oldest first

	ctx      context.Context
	cancel   context.CancelFunc
	loopWG   sync.WaitGroup
	finalsWG sync.WaitGroup
	workerWG sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

type finalJob struct {
	commit      caption.Commit
	ingestSeq   uint64
	contextText string
}

// SupervisorOption is a functional option for Supervisor.
type SupervisorOption func(*Supervisor)

// WithTranscriptLog persists committed captions to the given store.
func WithTranscriptLog(l transcriptlog.Log) SupervisorOption {
	return func(s *Supervisor) { s.transcript = l }
}

// WithRecoverer enables recovery attempts for forced commits.
func WithRecoverer(r Recoverer) SupervisorOption {
	return func(s *Supervisor) { s.recoverer = r }
}

// NewSupervisor creates a Supervisor. Call [Supervisor.Start] to begin.
func NewSupervisor(pool AudioPool, router *translate.Router, broadcaster *Broadcaster,
	cfg SupervisorConfig, log *slog.Logger, opts ...SupervisorOption) *Supervisor {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		cfg:         cfg,
		log:         log.With("session_id", cfg.SessionID),
		pool:        pool,
		router:      router,
		broadcaster: broadcaster,
		tasks:       make(chan func(), 128),
		finals:      make(chan finalJob, finalsBuffer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start spins up the session loop and the finals worker, then announces
// session_ready to listeners.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session: supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.machine = caption.NewMachine(caption.RealClock{}, s, s.cfg.Machine, s.log, s.post)

	s.loopWG.Add(1)
	go s.run()

	s.finalsWG.Add(1)
	go s.finalsWorker()

	s.broadcaster.Ready()
	s.log.Info("session started", "source_lang", s.cfg.SourceLang)
	return nil
}

// SendAudio forwards one host audio chunk to the STT pool.
func (s *Supervisor) SendAudio(chunk []byte) error {
	return s.pool.SendAudio(chunk)
}

// Pause force-commits the current utterance across the STT pool.
func (s *Supervisor) Pause() error {
	return s.pool.ForceCommit()
}

// AddListener attaches a listener to the session.
func (s *Supervisor) AddListener(id, targetLang string, sink Sink) error {
	return s.broadcaster.AddListener(id, targetLang, sink)
}

// RemoveListener detaches a listener.
func (s *Supervisor) RemoveListener(id string) {
	s.broadcaster.RemoveListener(id)
}

// ListenerCount returns the number of attached listeners.
func (s *Supervisor) ListenerCount() int {
	return s.broadcaster.ListenerCount()
}

// Close shuts the session down: pending caption state is flushed and
// committed or dropped per policy, STT sessions close, an in-flight final
// translation gets a grace window, and listeners receive session_ended
// before their queues drain.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed || !s.started {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Flush caption state on the loop. Commits land in the finals channel.
	s.runOnLoop(func() { s.machine.Close() })

	err := s.pool.Close()

	// Let in-flight final translations finish within the grace window.
	close(s.finals)
	done := make(chan struct{})
	go func() {
		s.finalsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warn("final translation grace expired, abandoning")
	}

	s.cancel()
	s.router.Drain(s.cfg.ShutdownGrace)
	s.workerWG.Wait()
	s.loopWG.Wait()

	s.broadcaster.Shutdown(s.cfg.ShutdownGrace)
	s.log.Info("session ended")
	return err
}

// run is the serial session loop: the sole writer of caption state.
func (s *Supervisor) run() {
	defer s.loopWG.Done()
	events := s.pool.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleSTT(ev)
		case fn := <-s.tasks:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) handleSTT(ev stt.Event) {
	switch ev.Type {
	case stt.EventPartial:
		s.machine.HandlePartial(ev.Text)
	case stt.EventFinal:
		s.machine.HandleFinal(ev.Text, ev.Forced)
	case stt.EventSpeechStarted, stt.EventSpeechStopped:
		// VAD markers; the machine keys off text timing instead.
	case stt.EventError:
		s.log.Error("stt pipeline error", "error", ev.Err)
		s.broadcaster.PublishError(ErrCodeSTT, "speech recognition unavailable")
	}
}

// post schedules fn onto the session loop. Used by the machine's timers.
func (s *Supervisor) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.ctx.Done():
	}
}

// runOnLoop posts fn and waits for it to execute.
func (s *Supervisor) runOnLoop(fn func()) {
	done := make(chan struct{})
	select {
	case s.tasks <- func() { fn(); close(done) }:
	case <-s.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-s.ctx.Done():
	}
}

// EmitPartial implements caption.Emitter. Runs on the session loop.
func (s *Supervisor) EmitPartial(seq caption.SourceSeqID, text string, at time.Time) {
	s.ingestSeq++
	stamp := s.ingestSeq
	src := sourceRef(seq)

	s.broadcaster.PublishPartial(Partial{
		IngestSeq:   stamp,
		SourceSeqID: src,
		Text:        text,
		At:          at,
	})

	contextText := s.contextText()
	s.router.SubmitPartial(s.ctx, text, contextText, func(res translate.Result) {
		if res.Err != nil {
			return
		}
		s.broadcaster.PublishPartialTranslation(PartialTranslation{
			IngestSeq:   stamp,
			SourceSeqID: src,
			Target:      res.Target,
			Original:    text,
			Translated:  res.Text,
			At:          at,
		})
	})
}

// EmitCommit implements caption.Emitter. Runs on the session loop.
func (s *Supervisor) EmitCommit(c caption.Commit) {
	s.ingestSeq++
	job := finalJob{
		commit:      c,
		ingestSeq:   s.ingestSeq,
		contextText: s.contextText(),
	}

	s.recent = append(s.recent, c.Text)
	if len(s.recent) > contextSegments {
		s.recent = s.recent[1:]
	}

	select {
	case s.finals <- job:
	default:
		// Never block the loop; an overloaded finals pipeline publishes the
		// commit untranslated.
		s.log.Warn("finals pipeline saturated, publishing untranslated",
			"source_seq", uint64(c.Seq))
		s.publishFinal(job, "", nil)
	}
}

// StartRecovery implements caption.Emitter. Runs on the session loop; the
// recovery itself runs off-loop and posts its result back.
func (s *Supervisor) StartRecovery(epoch uint64, bufferText string) {
	if s.recoverer == nil {
		return
	}
	window := s.cfg.Machine.Forced.CaptureWindow
	if window <= 0 {
		window = caption.DefaultCaptureWindow
	}
	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		ctx, cancel := context.WithTimeout(s.ctx, window)
		defer cancel()
		text, err := s.recoverer.Recover(ctx, bufferText)
		s.post(func() { s.machine.HandleRecoveryResult(epoch, text, err) })
	}()
}

// finalsWorker translates and publishes commits strictly in commit order.
// Finals are never cancelled by newer partials; each runs to completion or
// provider timeout.
func (s *Supervisor) finalsWorker() {
	defer s.finalsWG.Done()
	for job := range s.finals {
		corrected, err := s.router.Correct(s.ctx, job.commit.Text)
		if err != nil {
			s.log.Warn("correction failed, publishing uncorrected",
				"source_seq", uint64(job.commit.Seq), "error", err)
			corrected = ""
		}
		if strings.TrimSpace(corrected) == job.commit.Text {
			corrected = ""
		}

		textForTranslation := job.commit.Text
		if corrected != "" {
			textForTranslation = corrected
		}

		translations := map[string]string{}
		for _, res := range s.router.TranslateFinal(s.ctx, textForTranslation, job.contextText) {
			if res.Err != nil {
				// The segment still commits; the listener just misses this
				// language until the next one.
				s.log.Warn("final translation failed",
					"source_seq", uint64(job.commit.Seq), "target", res.Target, "error", res.Err)
				continue
			}
			translations[res.Target] = res.Text
		}

		s.publishFinal(job, corrected, translations)
	}
}

func (s *Supervisor) publishFinal(job finalJob, corrected string, translations map[string]string) {
	s.broadcaster.PublishFinal(Final{
		IngestSeq:    job.ingestSeq,
		SourceSeqID:  uint64(job.commit.Seq),
		Forced:       job.commit.Forced,
		Original:     job.commit.Text,
		Corrected:    corrected,
		Translations: translations,
		At:           job.commit.CommittedAt,
	})

	if s.transcript != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.transcript.Append(ctx, s.cfg.SessionID, transcriptlog.Entry{
			SourceSeqID:  uint64(job.commit.Seq),
			Original:     job.commit.Text,
			Corrected:    corrected,
			Translations: translations,
			Forced:       job.commit.Forced,
			CommittedAt:  job.commit.CommittedAt,
		})
		cancel()
		if err != nil {
			s.log.Warn("transcript append failed",
				"source_seq", uint64(job.commit.Seq), "error", err)
		}
	}
}

// contextText joins the recent committed originals for prompt context.
// Loop-owned; snapshot before handing to workers.
func (s *Supervisor) contextText() string {
	return strings.Join(s.recent, " ")
}

func sourceRef(seq caption.SourceSeqID) *uint64 {
	if seq == 0 {
		return nil
	}
	v := uint64(seq)
	return &v
}

var _ caption.Emitter = (*Supervisor)(nil)
