package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Broadcaster defaults.
const (
	DefaultQueueSize    = 256
	DefaultSendTimeout  = 5 * time.Second
	DefaultFinalRetries = 3

	finalRetryDelay = 100 * time.Millisecond
)

// Sink is one listener's outbound transport, typically a websocket wrapped by
// the HTTP layer. Send must be safe to call from the broadcaster's writer
// goroutine for that listener only.
type Sink interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// BroadcasterConfig configures a [Broadcaster].
type BroadcasterConfig struct {
	// SourceLang is stamped on every caption event.
	SourceLang string

	// QueueSize bounds each listener's outbound queue. On overflow the oldest
	// partial is dropped; finals are never dropped.
	QueueSize int

	// SendTimeout bounds each sink write.
	SendTimeout time.Duration

	// FinalRetries is the retry budget for final events against transient
	// send errors.
	FinalRetries int
}

func (c *BroadcasterConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.FinalRetries <= 0 {
		c.FinalRetries = DefaultFinalRetries
	}
}

// Partial is a live caption publication without translation.
type Partial struct {
	// IngestSeq is the producer-side order stamp used for out-of-order
	// suppression. The session loop assigns it monotonically.
	IngestSeq uint64

	// SourceSeqID is nil for live text not yet promoted to a segment.
	SourceSeqID *uint64

	Text string
	At   time.Time
}

// PartialTranslation is a live caption publication carrying a translation for
// one target language. Only listeners of that language receive it.
type PartialTranslation struct {
	IngestSeq   uint64
	SourceSeqID *uint64
	Target      string
	Original    string
	Translated  string
	At          time.Time
}

// Final is a committed caption publication.
type Final struct {
	IngestSeq   uint64
	SourceSeqID uint64
	Forced      bool
	Original    string

	// Corrected is empty when no correction was produced.
	Corrected string

	// Translations maps target language to translated text. A missing target
	// publishes with hasTranslation=false; the segment still commits.
	Translations map[string]string

	At time.Time
}

// Broadcaster fans caption events out to the session's listeners with global
// monotonic event sequencing, per-source out-of-order suppression, and
// bounded per-listener queues. Safe for concurrent use.
type Broadcaster struct {
	cfg BroadcasterConfig
	log *slog.Logger
	now func() time.Time

	mu        sync.Mutex
	nextSeq   uint64
	listeners map[string]*listener

	// highWater tracks, per sourceSeqId, the highest ingest stamp published
	// as a partial. Set to MaxUint64 after the final so any late partial for
	// that segment is dropped.
	highWater map[uint64]uint64

	closed bool
	wg     sync.WaitGroup
}

type queuedFrame struct {
	partial bool
	payload []byte
}

type listener struct {
	id         string
	targetLang string
	sink       Sink

	mu    sync.Mutex
	queue []queuedFrame

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewBroadcaster creates a Broadcaster with no listeners.
func NewBroadcaster(cfg BroadcasterConfig, log *slog.Logger) *Broadcaster {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		listeners: make(map[string]*listener),
		highWater: make(map[uint64]uint64),
	}
}

// AddListener registers a listener and greets it with a session_joined event.
// All listeners receive an updated session_stats event.
func (b *Broadcaster) AddListener(id, targetLang string, sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("session: broadcaster is shut down")
	}
	if _, ok := b.listeners[id]; ok {
		return fmt.Errorf("session: listener %q already joined", id)
	}

	l := &listener{
		id:         id,
		targetLang: targetLang,
		sink:       sink,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	b.listeners[id] = l
	b.wg.Add(1)
	go b.writeLoop(l)

	b.enqueueControlLocked(l, ControlEvent{
		Type:       TypeSessionJoined,
		EventSeqID: b.allocSeqLocked(),
		Timestamp:  unixMillis(b.now()),
	})
	b.publishStatsLocked()
	return nil
}

// RemoveListener detaches and closes a listener. Unknown ids are ignored.
func (b *Broadcaster) RemoveListener(id string) {
	b.mu.Lock()
	l, ok := b.listeners[id]
	if ok {
		delete(b.listeners, id)
		b.publishStatsLocked()
	}
	b.mu.Unlock()

	if ok {
		l.stop()
	}
}

// ListenerCount returns the number of attached listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Ready broadcasts session_ready to all listeners.
func (b *Broadcaster) Ready() {
	b.broadcastControl(ControlEvent{Type: TypeSessionReady})
}

// PublishError broadcasts an error event. code is one of the ErrCode
// constants; message must not leak raw vendor errors.
func (b *Broadcaster) PublishError(code, message string) {
	b.broadcastControl(ControlEvent{Type: TypeError, Code: code, Message: message})
}

// PublishPartial fans a live caption out to every listener. Stale partials
// (ingest stamp older than one already published for the same source, or
// arriving after that source's final) are dropped.
func (b *Broadcaster) PublishPartial(p Partial) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.admitPartialLocked(p.SourceSeqID, p.IngestSeq) {
		return
	}

	seq := b.allocSeqLocked()
	ts := unixMillis(p.At)
	for _, l := range b.listeners {
		b.enqueueCaptionLocked(l, CaptionEvent{
			Type:         TypeTranslation,
			EventSeqID:   seq,
			SourceSeqID:  p.SourceSeqID,
			IsPartial:    true,
			OriginalText: p.Text,
			SourceLang:   b.cfg.SourceLang,
			TargetLang:   l.targetLang,
			Timestamp:    ts,
		}, true)
	}
}

// PublishPartialTranslation fans a translated live caption out to the
// listeners of one target language.
func (b *Broadcaster) PublishPartialTranslation(p PartialTranslation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.admitPartialLocked(p.SourceSeqID, p.IngestSeq) {
		return
	}

	seq := b.allocSeqLocked()
	ts := unixMillis(p.At)
	for _, l := range b.listeners {
		if l.targetLang != p.Target {
			continue
		}
		b.enqueueCaptionLocked(l, CaptionEvent{
			Type:           TypeTranslation,
			EventSeqID:     seq,
			SourceSeqID:    p.SourceSeqID,
			IsPartial:      true,
			OriginalText:   p.Original,
			TranslatedText: strPtr(p.Translated),
			HasTranslation: true,
			SourceLang:     b.cfg.SourceLang,
			TargetLang:     l.targetLang,
			Timestamp:      ts,
		}, true)
	}
}

// PublishFinal fans a committed caption out to every listener and seals the
// source: any partial for the same sourceSeqId arriving later is dropped.
func (b *Broadcaster) PublishFinal(f Final) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.highWater[f.SourceSeqID] == math.MaxUint64 {
		return // duplicate final, already sealed
	}
	b.highWater[f.SourceSeqID] = math.MaxUint64

	seq := b.allocSeqLocked()
	ts := unixMillis(f.At)
	src := f.SourceSeqID
	for _, l := range b.listeners {
		ev := CaptionEvent{
			Type:         TypeTranslation,
			EventSeqID:   seq,
			SourceSeqID:  &src,
			ForceFinal:   f.Forced,
			OriginalText: f.Original,
			SourceLang:   b.cfg.SourceLang,
			TargetLang:   l.targetLang,
			Timestamp:    ts,
		}
		if f.Corrected != "" {
			ev.CorrectedText = strPtr(f.Corrected)
			ev.HasCorrection = true
		}
		if translated, ok := f.Translations[l.targetLang]; ok {
			ev.TranslatedText = strPtr(translated)
			ev.HasTranslation = true
		}
		b.enqueueCaptionLocked(l, ev, false)
	}
}

// Shutdown broadcasts session_ended, waits up to grace for listener queues to
// drain, then closes all sinks. The broadcaster accepts no events afterwards.
func (b *Broadcaster) Shutdown(grace time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ended := ControlEvent{
		Type:       TypeSessionEnded,
		EventSeqID: b.allocSeqLocked(),
		Timestamp:  unixMillis(b.now()),
	}
	for _, l := range b.listeners {
		b.enqueueControlLocked(l, ended)
	}
	b.closed = true
	listeners := make([]*listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.listeners = make(map[string]*listener)
	b.mu.Unlock()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		drained := true
		for _, l := range listeners {
			if !l.empty() {
				drained = false
				break
			}
		}
		if drained {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, l := range listeners {
		l.stop()
	}
	b.wg.Wait()
}

// admitPartialLocked applies out-of-order suppression for one partial and
// records its stamp.
func (b *Broadcaster) admitPartialLocked(src *uint64, ingestSeq uint64) bool {
	if src == nil {
		return true
	}
	hw := b.highWater[*src]
	if hw == math.MaxUint64 || ingestSeq < hw {
		return false
	}
	b.highWater[*src] = ingestSeq
	return true
}

func (b *Broadcaster) allocSeqLocked() uint64 {
	b.nextSeq++
	return b.nextSeq
}

func (b *Broadcaster) broadcastControl(ev ControlEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ev.EventSeqID = b.allocSeqLocked()
	ev.Timestamp = unixMillis(b.now())
	for _, l := range b.listeners {
		b.enqueueControlLocked(l, ev)
	}
}

func (b *Broadcaster) publishStatsLocked() {
	ev := ControlEvent{
		Type:          TypeSessionStats,
		EventSeqID:    b.allocSeqLocked(),
		ListenerCount: len(b.listeners),
		Timestamp:     unixMillis(b.now()),
	}
	for _, l := range b.listeners {
		b.enqueueControlLocked(l, ev)
	}
}

func (b *Broadcaster) enqueueCaptionLocked(l *listener, ev CaptionEvent, partial bool) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("marshal caption event", "listener", l.id, "error", err)
		return
	}
	b.enqueue(l, queuedFrame{partial: partial, payload: payload})
}

func (b *Broadcaster) enqueueControlLocked(l *listener, ev ControlEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("marshal control event", "listener", l.id, "error", err)
		return
	}
	// Control events use the final delivery path: never dropped on overflow.
	b.enqueue(l, queuedFrame{payload: payload})
}

// enqueue appends a frame to l's queue. A full queue drops its oldest partial
// to make room; when only finals remain, an incoming partial is dropped
// instead. Finals always enter the queue.
func (b *Broadcaster) enqueue(l *listener, f queuedFrame) {
	l.mu.Lock()
	if f.partial && len(l.queue) >= b.cfg.QueueSize {
		if !dropOldestPartial(&l.queue) {
			l.mu.Unlock()
			b.log.Debug("listener queue full of finals, dropping partial", "listener", l.id)
			return
		}
		b.log.Debug("listener queue overflow, dropped oldest partial", "listener", l.id)
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func dropOldestPartial(queue *[]queuedFrame) bool {
	q := *queue
	for i, f := range q {
		if f.partial {
			*queue = append(q[:i], q[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Broadcaster) writeLoop(l *listener) {
	defer b.wg.Done()
	for {
		select {
		case <-l.notify:
		case <-l.done:
			_ = l.sink.Close()
			return
		}
		for {
			f, ok := l.pop()
			if !ok {
				break
			}
			b.deliver(l, f)
		}
	}
}

// deliver writes one frame to the sink. Partials are best-effort; finals get
// a bounded retry against transient send errors.
func (b *Broadcaster) deliver(l *listener, f queuedFrame) {
	attempts := 1
	if !f.partial {
		attempts = b.cfg.FinalRetries
	}
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
		err := l.sink.Send(ctx, f.payload)
		cancel()
		if err == nil {
			return
		}
		if f.partial {
			b.log.Debug("partial send failed, dropped", "listener", l.id, "error", err)
			return
		}
		b.log.Warn("final send failed", "listener", l.id, "attempt", i+1, "error", err)
		select {
		case <-l.done:
			return
		case <-time.After(finalRetryDelay):
		}
	}
	b.log.Error("final delivery exhausted retries", "listener", l.id)
}

func (l *listener) pop() (queuedFrame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return queuedFrame{}, false
	}
	f := l.queue[0]
	l.queue = l.queue[1:]
	return f, true
}

func (l *listener) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) == 0
}

func (l *listener) stop() {
	l.once.Do(func() { close(l.done) })
}
