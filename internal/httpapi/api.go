// Package httpapi is the admin's REST surface over a running whiteboard.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"whiteboard/internal/approval"
	"whiteboard/internal/audit"
	"whiteboard/internal/board"
	"whiteboard/internal/ratelimit"
	"whiteboard/internal/shape"
	"whiteboard/internal/store"
)

type Roster interface {
	Roster() []string
	Kick(name string) bool
}

type Approvals interface {
	Pending() []approval.Request
	Approve(name string) error
	Deny(name string) error
}

type Boards interface {
	Save(ctx context.Context, name, savedBy string, items []shape.Shape) error
	Load(ctx context.Context, name string) ([]shape.Shape, error)
	List(ctx context.Context) ([]store.Board, error)
}

// API serves /api/*. Approvals and Boards are optional; their endpoints
// answer 404 when unset.
type API struct {
	Admin      string
	Token      string
	Roster     Roster
	Approvals  Approvals
	Document   *board.Document
	Transcript *board.Transcript
	Boards     Boards
	Limiter    *ratelimit.Limiter
	Audit      *audit.Logger
	Log        *slog.Logger
}

func (a *API) Router() http.Handler {
	if a.Log == nil {
		a.Log = slog.Default()
	}
	r := mux.NewRouter()
	r.HandleFunc("/api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.withAuth)
	api.HandleFunc("/users", a.handleUsers).Methods(http.MethodGet)
	api.HandleFunc("/users/{name}/kick", a.handleKick).Methods(http.MethodPost)
	api.HandleFunc("/approvals", a.handleApprovals).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{name}/{decision:approve|deny}", a.handleDecision).Methods(http.MethodPost)
	api.HandleFunc("/shapes", a.handleShapes).Methods(http.MethodGet)
	api.HandleFunc("/shapes", a.handleAddShapes).Methods(http.MethodPost)
	api.HandleFunc("/shapes/{id}", a.handleRemoveShape).Methods(http.MethodDelete)
	api.HandleFunc("/undo", a.handleUndo).Methods(http.MethodPost)
	api.HandleFunc("/redo", a.handleRedo).Methods(http.MethodPost)
	api.HandleFunc("/clear", a.handleClear).Methods(http.MethodPost)
	api.HandleFunc("/chat", a.handleChatHistory).Methods(http.MethodGet)
	api.HandleFunc("/chat", a.handleChatSend).Methods(http.MethodPost)
	api.HandleFunc("/boards", a.handleBoards).Methods(http.MethodGet)
	api.HandleFunc("/boards/{name}/save", a.handleSaveBoard).Methods(http.MethodPost)
	api.HandleFunc("/boards/{name}/load", a.handleLoadBoard).Methods(http.MethodPost)
	return r
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || a.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
			a.Log.Warn("api unauthorized", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !a.Limiter.Allow("api:" + ratelimit.ClientIP(r)) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": a.Roster.Roster()})
}

func (a *API) handleKick(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !a.Roster.Kick(name) {
		http.Error(w, "no such participant", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleApprovals(w http.ResponseWriter, _ *http.Request) {
	if a.Approvals == nil {
		http.Error(w, "approvals not enabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": a.Approvals.Pending()})
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	if a.Approvals == nil {
		http.Error(w, "approvals not enabled", http.StatusNotFound)
		return
	}
	vars := mux.Vars(r)
	decide := a.Approvals.Deny
	if vars["decision"] == "approve" {
		decide = a.Approvals.Approve
	}
	if err := decide(vars["name"]); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, approval.ErrNoSuchRequest) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleShapes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"shapes": a.Document.Items()})
}

func (a *API) handleAddShapes(w http.ResponseWriter, r *http.Request) {
	var items []shape.Shape
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := a.Document.Add(items...); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shapes": a.Document.Items()})
}

func (a *API) handleRemoveShape(w http.ResponseWriter, r *http.Request) {
	if a.Document.Remove(mux.Vars(r)["id"]) == 0 {
		http.Error(w, "no such shape", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleUndo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"changed": a.Document.Undo()})
}

func (a *API) handleRedo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"changed": a.Document.Redo()})
}

func (a *API) handleClear(w http.ResponseWriter, _ *http.Request) {
	a.Document.Clear(false)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleChatHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": a.Transcript.History()})
}

func (a *API) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := a.Transcript.Send(req.Content); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (a *API) handleBoards(w http.ResponseWriter, r *http.Request) {
	if a.Boards == nil {
		http.Error(w, "board store not configured", http.StatusNotFound)
		return
	}
	boards, err := a.Boards.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boards": boards})
}

func (a *API) handleSaveBoard(w http.ResponseWriter, r *http.Request) {
	if a.Boards == nil {
		http.Error(w, "board store not configured", http.StatusNotFound)
		return
	}
	name := mux.Vars(r)["name"]
	items := a.Document.Items()
	if err := a.Boards.Save(r.Context(), name, a.Admin, items); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.Document.SetModified(false)
	a.Audit.Log(audit.Event{Actor: "api:" + a.Admin, Kind: audit.KindBoardSaved, Meta: map[string]any{"board": name, "shapes": len(items)}})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "shapes": len(items)})
}

func (a *API) handleLoadBoard(w http.ResponseWriter, r *http.Request) {
	if a.Boards == nil {
		http.Error(w, "board store not configured", http.StatusNotFound)
		return
	}
	name := mux.Vars(r)["name"]
	items, err := a.Boards.Load(r.Context(), name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	if err := a.Document.Load(items); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	a.Audit.Log(audit.Event{Actor: "api:" + a.Admin, Kind: audit.KindBoardLoaded, Meta: map[string]any{"board": name, "shapes": len(items)}})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "shapes": len(items)})
}

func extractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
