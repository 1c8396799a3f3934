package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/parlay-live/parlance/internal/observe"
)

// Wire messages accepted on the host ingest socket. Binary frames carry raw
// PCM; text frames carry one of these JSON control messages.
type ingestMessage struct {
	// Type is "audio", "pause", or "end".
	Type string `json:"type"`

	// Audio is base64-encoded PCM for Type "audio". Hosts that cannot send
	// binary frames use this form.
	Audio string `json:"audio,omitempty"`
}

type sessionResponse struct {
	SessionID   string   `json:"sessionId"`
	SourceLang  string   `json:"sourceLang"`
	TargetLangs []string `json:"targetLangs"`
	Listeners   int      `json:"listeners"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleCreateSession starts a new session from the configured languages and
// returns its identifier.
func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	info, err := a.sessions.Create(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID:   info.SessionID,
		SourceLang:  info.SourceLang,
		TargetLangs: info.TargetLangs,
	})
}

// handleSessionInfo returns metadata and the live listener count for one
// session.
func (a *App) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := a.sessions.Info(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	listeners, _ := a.sessions.ListenerCount(id)
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:   info.SessionID,
		SourceLang:  info.SourceLang,
		TargetLangs: info.TargetLangs,
		Listeners:   listeners,
	})
}

// handleEndSession shuts one session down.
func (a *App) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sessions.End(r.Context(), id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIngest is the host's audio websocket. Binary frames are PCM chunks;
// text frames are JSON control messages (audio/pause/end). Closing the socket
// without an explicit end still ends the session: a host with no audio feed
// has nothing left to caption.
func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.sessions.Info(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("ingest accept failed", "session_id", id, "err", err)
		return
	}

	log := observe.SessionSpan(r.Context(), id, "")
	ctx := r.Context()

	defer func() {
		if err := a.sessions.End(context.Background(), id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Warn("end session after ingest close", "err", err)
		}
		conn.Close(websocket.StatusNormalClosure, "session ended")
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			log.Debug("ingest socket closed", "err", err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if err := a.sessions.Audio(id, data); err != nil {
				log.Warn("audio rejected", "err", err)
				return
			}
		case websocket.MessageText:
			var msg ingestMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("bad ingest control message", "err", err)
				continue
			}
			switch msg.Type {
			case "audio":
				chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err != nil {
					log.Warn("bad base64 audio", "err", err)
					continue
				}
				if err := a.sessions.Audio(id, chunk); err != nil {
					log.Warn("audio rejected", "err", err)
					return
				}
			case "pause":
				if err := a.sessions.Pause(id); err != nil {
					log.Warn("pause failed", "err", err)
				}
			case "end":
				return
			default:
				log.Warn("unknown ingest control type", "type", msg.Type)
			}
		}
	}
}

// handleListen is the listener's caption websocket. The target language comes
// from the lang query parameter; every caption and control event for that
// language arrives as one JSON text frame.
func (a *App) handleListen(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	targetLang := r.URL.Query().Get("lang")
	if targetLang == "" {
		writeError(w, http.StatusBadRequest, errors.New("app: lang query parameter is required"))
		return
	}
	if _, err := a.sessions.Info(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("listen accept failed", "session_id", id, "err", err)
		return
	}

	log := observe.SessionSpan(r.Context(), id, targetLang)
	ctx := r.Context()

	listenerID, err := a.sessions.AddListener(ctx, id, targetLang, &wsSink{conn: conn})
	if err != nil {
		log.Warn("listener join failed", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "join failed")
		return
	}
	log.Info("listener joined", "listener_id", listenerID)

	// The broadcaster owns the write side. Reading here only detects the
	// listener going away; inbound frames are discarded.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	a.sessions.RemoveListener(context.Background(), id, listenerID)
	log.Info("listener left", "listener_id", listenerID)
}

// wsSink adapts a websocket connection to the broadcaster's Sink. Send is
// only called from that listener's writer goroutine, matching the one-writer
// rule of the websocket package.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, payload []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *wsSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "session ended")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("app: decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprint(err)})
}
