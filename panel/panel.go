// Package panel is the HTTP control surface: upload a question file, watch
// task progress, stop or export a run. It talks to the orchestrator solely
// through the command relay, so it carries no batch logic of its own.
package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/askbatch/internal/questions"
	"github.com/hazyhaar/askbatch/relay"
	"github.com/hazyhaar/askbatch/shield"
)

// maxUpload caps the accepted question file size.
const maxUpload = 4 << 20

// Panel serves the HTTP API over a relay bus.
type Panel struct {
	bus *relay.Bus
}

// New creates a Panel.
func New(bus *relay.Bus) *Panel {
	return &Panel{bus: bus}
}

// Router builds the chi router with the shield middleware stack applied.
func (p *Panel) Router() chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/batch", func(r chi.Router) {
		r.Post("/", p.startBatch)
		r.Get("/", p.listActive)
		r.Delete("/", p.clearAll)
		r.Get("/{taskID}", p.taskStatus)
		r.Post("/{taskID}/stop", p.stopTask)
		r.Post("/{taskID}/export", p.exportTask)
	})

	return r
}

// startBatch accepts a multipart upload with a "questions" CSV file plus
// optional "label" and "session_id" fields, and starts a batch. Malformed
// input is a 400 and creates no task.
func (p *Panel) startBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	file, _, err := r.FormFile("questions")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing questions file: %w", err))
		return
	}
	defer file.Close()

	qs, err := questions.Load(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := p.bus.Call(r.Context(), relay.StartBatch{
		SessionID: r.FormValue("session_id"),
		Label:     r.FormValue("label"),
		Questions: qs,
	})
	if err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (p *Panel) listActive(w http.ResponseWriter, r *http.Request) {
	res, err := p.bus.Call(r.Context(), relay.Snapshot{})
	if err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (p *Panel) taskStatus(w http.ResponseWriter, r *http.Request) {
	res, err := p.bus.Call(r.Context(), relay.Snapshot{TaskID: chi.URLParam(r, "taskID")})
	if err != nil {
		writeRelayError(w, err)
		return
	}
	snaps, ok := res.([]relay.TaskSnapshot)
	if !ok || len(snaps) == 0 {
		writeError(w, http.StatusNotFound, errors.New("task not found"))
		return
	}
	writeJSON(w, http.StatusOK, snaps[0])
}

func (p *Panel) stopTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := p.bus.Call(r.Context(), relay.StopBatch{TaskID: taskID}); err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "stopping": true})
}

func (p *Panel) exportTask(w http.ResponseWriter, r *http.Request) {
	res, err := p.bus.Call(r.Context(), relay.ExportNow{TaskID: chi.URLParam(r, "taskID")})
	if err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// clearAll wipes task state; with ?session_id= only that session's tasks.
func (p *Panel) clearAll(w http.ResponseWriter, r *http.Request) {
	cmd := relay.ClearAll{SessionID: r.URL.Query().Get("session_id")}
	if _, err := p.bus.Call(r.Context(), cmd); err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// writeRelayError maps command failures onto HTTP statuses by message
// shape: not-found and conflict are client errors, the rest are 502s
// (the relay already synthesised failures for timeouts and panics).
func writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrNoHandler), errors.Is(err, relay.ErrTimeout):
		writeError(w, http.StatusBadGateway, err)
	case containsAny(err.Error(), "not found"):
		writeError(w, http.StatusNotFound, err)
	case containsAny(err.Error(), "already running"):
		writeError(w, http.StatusConflict, err)
	case containsAny(err.Error(), "invalid input", "no questions"):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
