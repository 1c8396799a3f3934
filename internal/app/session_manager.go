package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlay-live/parlance/internal/config"
	"github.com/parlay-live/parlance/internal/observe"
	"github.com/parlay-live/parlance/internal/session"
	"github.com/parlay-live/parlance/internal/sttpool"
	"github.com/parlay-live/parlance/internal/translate"
)

// ErrSessionNotFound is returned by manager operations naming a session that
// does not exist or has already ended.
var ErrSessionNotFound = errors.New("app: session not found")

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// SourceLang is the host's spoken language.
	SourceLang string

	// TargetLangs are the languages offered to listeners.
	TargetLangs []string

	// StartedAt is when the session was created.
	StartedAt time.Time
}

// managedSession bundles a supervisor with its lifecycle context and the
// listener handles issued for it.
type managedSession struct {
	info       SessionInfo
	supervisor *session.Supervisor
	cancel     context.CancelFunc
	listeners  map[string]struct{}
}

// SessionManager manages the lifecycle of live translation sessions. Each
// session owns an STT pool, a translation router, a broadcaster, and a
// supervisor, all built from the shared config. All exported methods are safe
// for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*managedSession
	closed   bool

	// Dependencies injected at construction.
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
}

// NewSessionManager creates a SessionManager with no active sessions.
func NewSessionManager(cfg *config.Config, providers *Providers, metrics *observe.Metrics) *SessionManager {
	return &SessionManager{
		sessions:  make(map[string]*managedSession),
		cfg:       cfg,
		providers: providers,
		metrics:   metrics,
	}
}

// Create starts a new session: it opens the STT pool, wires the translation
// router and broadcaster into a supervisor, and begins processing. The
// session runs until [SessionManager.End] or [SessionManager.CloseAll].
func (sm *SessionManager) Create(ctx context.Context) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return SessionInfo{}, fmt.Errorf("app: session manager is shut down")
	}

	sessionID := "session-" + uuid.NewString()
	log := slog.Default()

	machineCfg, err := sm.cfg.CaptionConfig()
	if err != nil {
		return SessionInfo{}, fmt.Errorf("app: create session: %w", err)
	}

	// The session outlives the creating request; its lifecycle context is
	// cancelled in End.
	sessCtx, cancel := context.WithCancel(context.Background())

	pool := sttpool.New(sm.providers.STT, sm.cfg.PoolConfig(), log,
		observe.PoolTelemetry{M: sm.metrics})
	if err := pool.Start(sessCtx); err != nil {
		cancel()
		return SessionInfo{}, fmt.Errorf("app: start stt pool: %w", err)
	}

	routerOpts := []translate.Option{
		translate.WithTelemetry(observe.RouterTelemetry{M: sm.metrics}),
	}
	if sm.providers.Corrector != nil {
		routerOpts = append(routerOpts, translate.WithCorrector(sm.providers.Corrector))
	}
	router := translate.NewRouter(sm.providers.Translation, sm.cfg.RouterConfig(), log, routerOpts...)

	broadcaster := session.NewBroadcaster(sm.cfg.BroadcasterConfig(), log)

	var supOpts []session.SupervisorOption
	if sm.providers.Transcript != nil {
		supOpts = append(supOpts, session.WithTranscriptLog(sm.providers.Transcript))
	}
	sup := session.NewSupervisor(pool, router, broadcaster, session.SupervisorConfig{
		SessionID:  sessionID,
		SourceLang: sm.cfg.Session.SourceLang,
		Machine:    machineCfg,
	}, log, supOpts...)

	if err := sup.Start(sessCtx); err != nil {
		_ = pool.Close()
		cancel()
		return SessionInfo{}, fmt.Errorf("app: start supervisor: %w", err)
	}

	info := SessionInfo{
		SessionID:   sessionID,
		SourceLang:  sm.cfg.Session.SourceLang,
		TargetLangs: append([]string(nil), sm.cfg.Session.TargetLangs...),
		StartedAt:   time.Now().UTC(),
	}
	sm.sessions[sessionID] = &managedSession{
		info:       info,
		supervisor: sup,
		cancel:     cancel,
		listeners:  make(map[string]struct{}),
	}
	sm.metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session created",
		"session_id", sessionID,
		"source_lang", info.SourceLang,
		"targets", info.TargetLangs,
	)
	return info, nil
}

// Info returns metadata for one session.
func (sm *SessionManager) Info(sessionID string) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ms, ok := sm.sessions[sessionID]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return ms.info, nil
}

// ListenerCount returns the number of listeners attached to one session.
func (sm *SessionManager) ListenerCount(sessionID string) (int, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ms, ok := sm.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return ms.supervisor.ListenerCount(), nil
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Audio forwards one host audio chunk (PCM, 24 kHz, mono, 16-bit LE) to the
// session's STT pool.
func (sm *SessionManager) Audio(sessionID string, chunk []byte) error {
	sup, err := sm.lookup(sessionID)
	if err != nil {
		return err
	}
	return sup.SendAudio(chunk)
}

// Pause force-commits the session's current utterance. The host uses this to
// flush a caption without waiting for a natural pause.
func (sm *SessionManager) Pause(sessionID string) error {
	sup, err := sm.lookup(sessionID)
	if err != nil {
		return err
	}
	return sup.Pause()
}

// AddListener attaches a listener with the given target language to the
// session and returns its handle. The sink receives the session's caption
// events until RemoveListener or session end.
func (sm *SessionManager) AddListener(ctx context.Context, sessionID, targetLang string, sink session.Sink) (string, error) {
	sm.mu.Lock()
	ms, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	listenerID := uuid.NewString()
	ms.listeners[listenerID] = struct{}{}
	sup := ms.supervisor
	sm.mu.Unlock()

	if err := sup.AddListener(listenerID, targetLang, sink); err != nil {
		sm.mu.Lock()
		if ms, ok := sm.sessions[sessionID]; ok {
			delete(ms.listeners, listenerID)
		}
		sm.mu.Unlock()
		return "", fmt.Errorf("app: add listener: %w", err)
	}

	sm.metrics.ActiveListeners.Add(ctx, 1)
	return listenerID, nil
}

// RemoveListener detaches a listener. Unknown handles are ignored.
func (sm *SessionManager) RemoveListener(ctx context.Context, sessionID, listenerID string) {
	sm.mu.Lock()
	ms, ok := sm.sessions[sessionID]
	var tracked bool
	if ok {
		_, tracked = ms.listeners[listenerID]
		delete(ms.listeners, listenerID)
	}
	sm.mu.Unlock()

	if !ok || !tracked {
		return
	}
	ms.supervisor.RemoveListener(listenerID)
	sm.metrics.ActiveListeners.Add(ctx, -1)
}

// End shuts one session down: pending caption state flushes per policy, STT
// sessions close, and listeners receive session_ended before their queues
// drain.
func (sm *SessionManager) End(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	ms, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sm.endSession(ctx, ms)
}

// CloseAll ends every active session and refuses new ones. Called from the
// app's shutdown path.
func (sm *SessionManager) CloseAll() error {
	sm.mu.Lock()
	sm.closed = true
	remaining := make([]*managedSession, 0, len(sm.sessions))
	for _, ms := range sm.sessions {
		remaining = append(remaining, ms)
	}
	sm.sessions = make(map[string]*managedSession)
	sm.mu.Unlock()

	var errs []error
	for _, ms := range remaining {
		if err := sm.endSession(context.Background(), ms); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (sm *SessionManager) endSession(ctx context.Context, ms *managedSession) error {
	err := ms.supervisor.Close()
	ms.cancel()

	sm.metrics.ActiveSessions.Add(ctx, -1)
	if n := len(ms.listeners); n > 0 {
		sm.metrics.ActiveListeners.Add(ctx, int64(-n))
	}

	if err != nil {
		slog.Warn("session ended with error", "session_id", ms.info.SessionID, "err", err)
		return fmt.Errorf("app: end session %s: %w", ms.info.SessionID, err)
	}
	slog.Info("session ended", "session_id", ms.info.SessionID)
	return nil
}

func (sm *SessionManager) lookup(sessionID string) (*session.Supervisor, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ms, ok := sm.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return ms.supervisor, nil
}
