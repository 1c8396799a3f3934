package app

import (
	"errors"
	"net/http"

	"github.com/parlay-live/parlance/internal/observe"
	"github.com/parlay-live/parlance/pkg/provider/tts"
)

// maxSynthesisBytes bounds the text accepted for one synthesis request.
const maxSynthesisBytes = 4096

type synthesizeRequest struct {
	// Text is the committed segment text to speak.
	Text string `json:"text"`

	// Language is the text's language.
	Language string `json:"language"`

	// Voice optionally overrides the provider default.
	Voice string `json:"voice,omitempty"`

	// Speed optionally scales playback rate.
	Speed float64 `json:"speed,omitempty"`
}

// handleSynthesize speaks one committed segment. Listeners that opted into
// audio call this per segment with the translated text they received; the
// response streams raw PCM. Partial captions are never synthesized.
func (a *App) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if a.providers.TTS == nil {
		writeError(w, http.StatusNotImplemented, errors.New("app: no tts provider configured"))
		return
	}

	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("app: text is required"))
		return
	}
	if len(req.Text) > maxSynthesisBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("app: text too long"))
		return
	}

	ctx := r.Context()
	chunks, err := a.providers.TTS.Synthesize(ctx, tts.Request{
		Text:     req.Text,
		Language: req.Language,
		Voice:    req.Voice,
		Speed:    req.Speed,
	})
	if err != nil {
		observe.Logger(ctx).Warn("synthesis failed", "err", err)
		writeError(w, http.StatusBadGateway, errors.New("app: synthesis failed"))
		return
	}

	w.Header().Set("Content-Type", "audio/pcm")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleVoices lists the synthesis voices the configured TTS provider offers.
func (a *App) handleVoices(w http.ResponseWriter, r *http.Request) {
	if a.providers.TTS == nil {
		writeError(w, http.StatusNotImplemented, errors.New("app: no tts provider configured"))
		return
	}

	voices, err := a.providers.TTS.ListVoices(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, errors.New("app: voice listing failed"))
		return
	}
	writeJSON(w, http.StatusOK, voices)
}
