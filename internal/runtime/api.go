package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/playback"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/presence"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/studio"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/tts"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/voice"
)

const maxRequestBody = 1 << 20

// peerLister is satisfied by *presence.Registry.
type peerLister interface {
	Peers() []presence.Peer
}

// api serves the studio's JSON surface.
type api struct {
	studio      *studio.Studio
	blobs       *media.BlobStore
	fetch       media.Fetcher
	peers       peerLister
	downloadDir string
	logger      *slog.Logger
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/voices", a.handleVoices)
	mux.HandleFunc("POST /api/voices/refresh", a.handleRefreshVoices)
	mux.HandleFunc("POST /api/synthesize", a.handleSynthesize)
	mux.HandleFunc("GET /api/playback", a.handlePlayback)
	mux.HandleFunc("DELETE /api/playback", a.handleClear)
	mux.HandleFunc("POST /api/playback/seek", a.handleSeek)
	mux.HandleFunc("POST /api/playback/volume", a.handleVolume)
	mux.HandleFunc("POST /api/playback/save", a.handleSave)
	mux.HandleFunc("POST /api/playback/{action}", a.handlePlaybackAction)
	mux.HandleFunc("GET /api/playback/download", a.handleDownload)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("GET /api/peers", a.handlePeers)
	mux.HandleFunc("GET /ws/playback", a.handlePlaybackSocket)
	mux.Handle(media.BlobPathPrefix, a.blobs)
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Status int    `json:"status,omitempty"`
}

type voicesResponse struct {
	Source    string        `json:"source"`
	Languages []string      `json:"languages"`
	Voices    []voice.Voice `json:"voices"`
}

func catalogResponse(c *voice.Catalog) voicesResponse {
	return voicesResponse{Source: string(c.Source()), Languages: c.Languages(), Voices: c.List()}
}

func (a *api) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, catalogResponse(a.studio.Voices()))
}

// handleRefreshVoices detaches from the request so a client that hangs up
// cannot abort the shared reload.
func (a *api) handleRefreshVoices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, catalogResponse(a.studio.RefreshVoices(context.WithoutCancel(r.Context()))))
}

type synthesizeRequest struct {
	Text         string   `json:"text"`
	VoiceID      string   `json:"voiceId"`
	Engine       string   `json:"engine"`
	OutputFormat string   `json:"outputFormat"`
	SpeechRate   *float64 `json:"speechRate"`
	Pitch        int      `json:"pitch"`
	Autoplay     bool     `json:"autoplay"`
}

func (s synthesizeRequest) params() tts.Params {
	rate := tts.DefaultSpeechRate
	if s.SpeechRate != nil {
		rate = *s.SpeechRate
	}
	return tts.Params{
		Text:           s.Text,
		VoiceID:        s.VoiceID,
		Engine:         tts.Engine(s.Engine),
		OutputFormat:   tts.OutputFormat(s.OutputFormat),
		SpeechRate:     rate,
		PitchSemitones: s.Pitch,
	}
}

type synthesizeResponse struct {
	studio.Generation
	Playback      playback.PlaybackState `json:"playback"`
	PlaybackError string                 `json:"playbackError,omitempty"`
}

func (a *api) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "InvalidRequest"})
		return
	}

	// A client that disconnects does not abort the call; the result still
	// lands in the player.
	ctx := studio.WithSource(context.WithoutCancel(r.Context()), "http")
	gen, err := a.studio.Generate(ctx, req.params())
	if err != nil {
		a.writeGenerateError(w, err)
		return
	}

	resp := synthesizeResponse{Generation: gen}
	if req.Autoplay {
		if err := a.studio.Tracker().Play(); err != nil {
			resp.PlaybackError = err.Error()
		}
	}
	resp.Playback = a.studio.Tracker().Snapshot()
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) writeGenerateError(w http.ResponseWriter, err error) {
	var (
		ve *tts.ValidationError
		se *tts.SynthesisError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: string(ve.Kind)})
	case errors.As(err, &se):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: se.Message, Kind: string(se.Kind), Status: se.HTTPStatus})
	case errors.Is(err, studio.ErrBusy):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "busy"})
	case errors.Is(err, studio.ErrSuperseded):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "superseded"})
	default:
		a.logger.Error("generate failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

type playbackResponse struct {
	playback.PlaybackState
	Error string `json:"error,omitempty"`
}

func (a *api) handlePlayback(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.studio.Tracker().Snapshot())
}

func (a *api) handleClear(w http.ResponseWriter, _ *http.Request) {
	if err := a.studio.Clear(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.studio.Tracker().Snapshot())
}

func (a *api) handlePlaybackAction(w http.ResponseWriter, r *http.Request) {
	tr := a.studio.Tracker()
	var err error
	switch action := r.PathValue("action"); action {
	case "play":
		err = tr.Play()
	case "pause":
		err = tr.Pause()
	case "restart":
		err = tr.Restart()
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown playback action %q", action)})
		return
	}
	a.writePlaybackResult(w, err)
}

// writePlaybackResult reports a rejected play inside a 200 response: the
// tracker is still usable and its state unchanged.
func (a *api) writePlaybackResult(w http.ResponseWriter, err error) {
	var perr *playback.PlaybackError
	switch {
	case err == nil:
	case errors.As(err, &perr):
		writeJSON(w, http.StatusOK, playbackResponse{PlaybackState: a.studio.Tracker().Snapshot(), Error: perr.Error()})
		return
	default:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, playbackResponse{PlaybackState: a.studio.Tracker().Snapshot()})
}

func (a *api) handleSeek(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Position *float64 `json:"position"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Position == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"position\": seconds}", Kind: "InvalidRequest"})
		return
	}
	a.writePlaybackResult(w, a.studio.Tracker().Seek(*body.Position))
}

func (a *api) handleVolume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Volume *float64 `json:"volume"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Volume == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"volume\": 0..1}", Kind: "InvalidRequest"})
		return
	}
	a.writePlaybackResult(w, a.studio.Tracker().SetVolume(*body.Volume))
}

func (a *api) handleDownload(w http.ResponseWriter, r *http.Request) {
	wrote := false
	saver := &media.WriterSaver{
		W:     w,
		Fetch: a.fetch,
		BeforeWrite: func(h *media.Handle, size int) {
			wrote = true
			w.Header().Set("Content-Type", h.MIMEType())
			w.Header().Set("Content-Length", strconv.Itoa(size))
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", media.FileName(h)))
		},
	}
	if err := a.studio.Tracker().Download(r.Context(), saver); err != nil {
		if wrote {
			a.logger.Warn("download interrupted", slogError(err))
			return
		}
		status := http.StatusBadGateway
		if errors.Is(err, media.ErrRevoked) {
			status = http.StatusGone
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	if !wrote {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "nothing loaded"})
	}
}

func (a *api) handleSave(w http.ResponseWriter, r *http.Request) {
	saver := &media.FileSaver{Dir: a.downloadDir, Fetch: a.fetch}
	if err := a.studio.Tracker().Download(r.Context(), saver); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if saver.LastPath == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "nothing loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": saver.LastPath})
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer", Kind: "InvalidRequest"})
			return
		}
		limit = n
	}
	entries, err := a.studio.History(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if entries == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) handlePeers(w http.ResponseWriter, _ *http.Request) {
	if a.peers == nil {
		writeJSON(w, http.StatusOK, []presence.Peer{})
		return
	}
	writeJSON(w, http.StatusOK, a.peers.Peers())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
