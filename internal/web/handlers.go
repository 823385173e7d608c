// Package web exposes sessions over HTTP: JSON endpoints for every session
// operation, history, image download, websocket notifications and metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fallora/internal/config"
	"fallora/internal/errs"
	"fallora/internal/generators"
	"fallora/internal/interfaces"
	"fallora/internal/models"
	"fallora/internal/session"
)

const (
	maxBodyBytes      = 1 << 20
	defaultSessionTTL = 24 * time.Hour
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Handlers struct {
	cfg        config.ServerConfig
	deps       session.Deps
	hub        *Hub
	images     *generators.ImageCache
	downloader interfaces.Downloader
	logger     zerolog.Logger

	// sessions expire after cfg.SessionTTL without a request.
	sessions *cache.Cache
}

// NewHandlers wires the HTTP handlers. images may be nil, in which case
// downloads bypass the cache.
func NewHandlers(cfg config.ServerConfig, deps session.Deps, hub *Hub, images *generators.ImageCache, downloader interfaces.Downloader, logger zerolog.Logger) *Handlers {
	ttl := cfg.SessionTTL.Duration
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	h := &Handlers{
		cfg:        cfg,
		deps:       deps,
		hub:        hub,
		images:     images,
		downloader: downloader,
		logger:     logger,
		sessions:   cache.New(ttl, ttl/4),
	}
	h.sessions.OnEvicted(h.dropSession)
	return h
}

func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)
	r.Use(metricsMiddleware)

	origins := h.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/ws/sessions/{id}", h.SessionEvents)

	r.Route("/api", func(r chi.Router) {
		r.Get("/models", h.ListModels)
		r.Get("/download", h.Download)

		r.Route("/history", func(r chi.Router) {
			r.Get("/", h.ListHistory)
			r.Delete("/", h.ClearHistory)
		})

		r.Post("/sessions", h.CreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Patch("/form", h.UpdateForm)
			r.Post("/seed/sync", h.SyncSeed)
			r.Post("/seed/randomize", h.RandomizeSeed)

			r.Post("/loras", h.AppendLora)
			r.Put("/loras/{entry}", h.UpdateLora)
			r.Delete("/loras/{entry}", h.RemoveLora)
			r.Put("/slots", h.SetSlots)
			r.Post("/pickers/{kind}/select", h.SelectPicker)
			r.Post("/pickers/{kind}/commit", h.CommitPicker)

			r.Put("/reference/mode", h.SetReferenceMode)
			r.Post("/reference", h.UploadReference)
			r.Delete("/reference", h.RemoveReference)
			r.Put("/reference/attributes", h.SetAttributes)
			r.Post("/reference/analyze", h.AnalyzeReference)
			r.Post("/reference/apply", h.ApplySuggested)

			r.Post("/generate", h.Generate)
		})
	})

	return r
}

func (h *Handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("dur", time.Since(start)).
			Msg("request")
	})
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":     "ok",
		"service":    "fallora",
		"ws_clients": h.hub.ClientCount(),
		"sessions":   h.sessions.ItemCount(),
	}
	if hc, ok := h.downloader.(healthChecker); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := hc.HealthCheck(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("generation API unreachable")
			body["status"] = "degraded"
			body["api"] = "unreachable"
		} else {
			body["api"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"base_models":        models.BaseModels,
		"resolutions":        models.Resolutions,
		"default_resolution": models.DefaultResolution,
	})
}

func (h *Handlers) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []models.HistoryEntry{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": h.deps.History.LoadAll(r.Context())})
}

// ClearHistory clears the history when the request carries confirm=true.
func (h *Handlers) ClearHistory(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"cleared": false})
		return
	}
	confirmed := r.URL.Query().Get("confirm") == "true"
	cleared, err := h.deps.History.Clear(r.Context(), func(string) bool { return confirmed })
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

// Download proxies a generated image through the API's download endpoint,
// serving repeats from the on-disk cache.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	imageURL := r.URL.Query().Get("url")
	if imageURL == "" {
		writeError(w, http.StatusBadRequest, "URL parameter required")
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = path.Base(imageURL)
	}

	var (
		data        []byte
		contentType string
		err         error
	)
	if h.images != nil {
		data, contentType, err = h.images.Fetch(r.Context(), h.downloader, imageURL, filename)
	} else {
		data, contentType, err = h.downloader.Download(r.Context(), imageURL, filename)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Download failed: %v", err))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// SessionEvents streams a session's notifications over a websocket.
func (h *Handlers) SessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.session(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:        uuid.NewString(),
		SessionID: id,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		Hub:       h.hub,
	}
	welcome, _ := json.Marshal(Event{Type: "connected", SessionID: id, Data: client.ID, Time: time.Now().Unix()})
	client.Send <- welcome

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.readPump(h.logger)
}

// newSession creates and registers a session whose notifications and busy
// changes are published to its websocket subscribers.
func (h *Handlers) newSession(ctx context.Context) *session.Session {
	id := uuid.NewString()
	s := session.New(h.deps,
		session.WithID(id),
		session.WithScopedStorage(),
		session.WithNotifier(func(n session.Notification) {
			h.hub.Publish(id, "notification", n)
		}),
		session.WithOnBusy(func(busy bool) {
			h.hub.Publish(id, "busy", busy)
		}),
	)
	if err := s.RefreshCatalog(ctx); err != nil {
		h.logger.Warn().Err(err).Str("session", id).Msg("catalog refresh failed")
	}

	h.sessions.SetDefault(id, s)
	return s
}

// session looks up id and extends its lifetime.
func (h *Handlers) session(id string) (*session.Session, bool) {
	v, ok := h.sessions.Get(id)
	if !ok {
		return nil, false
	}
	s := v.(*session.Session)
	h.sessions.SetDefault(id, s)
	return s, true
}

// dropSession releases what an expired or deleted session kept in the
// durable store.
func (h *Handlers) dropSession(id string, v any) {
	s := v.(*session.Session)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Reference().Remove(ctx); err != nil {
		h.logger.Warn().Err(err).Str("session", id).Msg("failed to drop reference backup")
	}
	h.logger.Debug().Str("session", id).Msg("session dropped")
}

// sessionFrom resolves the {id} route parameter, writing a 404 when unknown.
func (h *Handlers) sessionFrom(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := h.session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
	}
	return s, ok
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errs.IsValidation(err):
		return http.StatusBadRequest
	case errs.IsBusy(err):
		return http.StatusConflict
	case errs.IsJobTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errs.IsTransport(err), errs.IsJobFailure(err), errs.IsEmptyResult(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
