package www

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"minbar/db"
	"minbar/gateway"
	"minbar/session"
)

// API is the read-only HTTP surface: live session state, archived history,
// and the websocket entry point.
type API struct {
	store    *db.Store
	registry *session.Registry
	gateway  *gateway.Gateway
	logger   *log.Logger
}

func NewAPI(store *db.Store, registry *session.Registry, gw *gateway.Gateway, logger *log.Logger) *API {
	return &API{store: store, registry: registry, gateway: gw, logger: logger}
}

func (a *API) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Get("/ws", a.gateway.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", a.handleListSessions)
		r.Get("/sessions/live", a.handleLiveSessions)
		r.Get("/sessions/{id}/transcripts", a.handleTranscripts)
		r.Get("/sessions/{id}/translations", a.handleTranslations)
	})

	return r
}

func (a *API) Serve(port int) error {
	a.logger.Info("http listening", "url", fmt.Sprintf("http://localhost:%d", port))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), a.Router())
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type liveSession struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId"`
	Status          string    `json:"status"`
	SourceLanguage  string    `json:"sourceLanguage"`
	TargetLanguages []string  `json:"targetLanguages"`
	Participants    int       `json:"participants"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (a *API) handleLiveSessions(w http.ResponseWriter, r *http.Request) {
	snaps := a.registry.Sessions()
	out := make([]liveSession, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, liveSession{
			ID:              s.ID,
			OwnerID:         s.OwnerID,
			Status:          string(s.Status),
			SourceLanguage:  s.SourceLanguage,
			TargetLanguages: s.TargetLanguages,
			Participants:    a.gateway.ParticipantCount(s.ID),
			CreatedAt:       s.CreatedAt,
		})
	}
	respond(w, http.StatusOK, out)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.SessionFilter{
		OwnerID: q.Get("owner"),
		Status:  q.Get("status"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad from timestamp", http.StatusBadRequest)
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad to timestamp", http.StatusBadRequest)
			return
		}
		filter.To = t
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	sessions, err := a.store.ListSessions(r.Context(), filter)
	if err != nil {
		a.logger.Error("list sessions", "error", err)
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []db.SessionRecord{}
	}
	respond(w, http.StatusOK, sessions)
}

func (a *API) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	transcripts, err := a.store.GetTranscripts(r.Context(), sessionID)
	if err != nil {
		a.logger.Error("get transcripts", "session", sessionID, "error", err)
		http.Error(w, "failed to fetch transcripts", http.StatusInternalServerError)
		return
	}
	respond(w, http.StatusOK, transcripts)
}

func (a *API) handleTranslations(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	translations, err := a.store.GetTranslations(r.Context(), sessionID)
	if err != nil {
		a.logger.Error("get translations", "session", sessionID, "error", err)
		http.Error(w, "failed to fetch translations", http.StatusInternalServerError)
		return
	}
	respond(w, http.StatusOK, translations)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
