package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"generation-queue/internal/config"
	"generation-queue/internal/models"
	"generation-queue/internal/ratelimit"
	"generation-queue/internal/realtime"
	"generation-queue/internal/store"
	"generation-queue/internal/telemetry"
)

// Server wires the HTTP surface: generation submission, entry reads, the
// queue view, and the websocket upgrade endpoint.
type Server struct {
	cfg     config.Config
	store   *store.Store
	limiter *ratelimit.SubmissionLimiter
	hub     *realtime.Hub
	log     zerolog.Logger
}

func New(cfg config.Config, st *store.Store, limiter *ratelimit.SubmissionLimiter, hub *realtime.Hub, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		limiter: limiter,
		hub:     hub,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/generations", s.handleSubmit)
	r.Get("/generations/{id}", s.handleGetEntry)
	r.Get("/queue", s.handleQueue)
	r.Get("/ws", s.hub.HandleWS)
	return r
}

type submitRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	BatchSize      int      `json:"batch_size"`
	Styles         []string `json:"styles"`
	ConnectionID   string   `json:"connection_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	userID := userFromRequest(r)
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowUser(r.Context(), userID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	entry, err := s.store.CreateEntry(r.Context(), store.CreateEntryParams{
		UserID:         userID,
		ConnectionID:   req.ConnectionID,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		BatchSize:      req.BatchSize,
		Styles:         req.Styles,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("create entry failed")
		http.Error(w, "failed to create entry", http.StatusInternalServerError)
		return
	}

	telemetry.EnqueueCounter.Inc()
	_ = s.store.AppendEvent(r.Context(), entry.QueueID, "enqueued", "user="+userID)
	writeJSON(w, http.StatusAccepted, entry)
}

type entryResponse struct {
	Entry  models.QueueEntry    `json:"entry"`
	Medias []models.MediaRecord `json:"medias,omitempty"`
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.store.GetEntry(r.Context(), id)
	if err != nil {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}

	resp := entryResponse{Entry: entry}
	if entry.Status == models.StatusCompleted {
		// Media reads degrade to an empty list rather than failing the whole
		// response.
		medias, err := s.store.ListMediaByGeneration(r.Context(), entry.QueueID)
		if err != nil {
			s.log.Warn().Err(err).Str("queue_id", id).Msg("media fetch failed")
		} else {
			resp.Medias = medias
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListPending(r.Context())
	if err != nil {
		http.Error(w, "failed to list queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func userFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
