package rpc

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/markb/pljs/internal/catalog"
	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/log"
)

// maxBodyBytes bounds a request body.
const maxBodyBytes = 1 << 20

// Handler handles RPC HTTP requests.
type Handler struct {
	executor *Executor
}

// NewHandler creates a new RPC handler.
func NewHandler(executor *Executor) *Handler {
	return &Handler{executor: executor}
}

// HandleRPC handles POST /rpc/{name}.
func (h *Handler) HandleRPC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "PGRST000", "Function name required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "PGRST000", "Invalid request body")
		return
	}

	result, err := h.executor.Execute(r.Context(), name, body)
	if err != nil {
		h.writeCallError(w, name, err)
		return
	}
	for _, n := range result.Notices {
		w.Header().Add("X-Notice", n)
	}

	if strings.Contains(r.Header.Get("Prefer"), "return=minimal") {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(r.Header.Get("Accept"), "application/vnd.pgrst.object+json") && result.IsSet {
		rows, ok := result.Data.([]map[string]any)
		if !ok || len(rows) != 1 {
			h.writeError(w, http.StatusNotAcceptable, "PGRST116", "JSON object requested, multiple (or no) rows returned")
			return
		}
		json.NewEncoder(w).Encode(rows[0])
		return
	}
	json.NewEncoder(w).Encode(result.Data)
}

// HandleList handles GET /rpc, listing the callable procedures.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	procs, err := h.executor.Procs(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "PGRST500", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(procs)
}

// writeCallError maps a call failure onto a status code. Errors raised by the
// procedure itself are the client's problem; anything else is ours.
func (h *Handler) writeCallError(w http.ResponseWriter, name string, err error) {
	var abort *engine.AbortError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "PGRST202", "Function not found: "+name)
	case errors.Is(err, ErrBadArguments):
		h.writeError(w, http.StatusBadRequest, "PGRST000", err.Error())
	case errors.Is(err, ErrMissingArgument):
		h.writeError(w, http.StatusBadRequest, "42883", err.Error())
	case errors.As(err, &abort):
		h.writeError(w, http.StatusBadRequest, "P0001", abort.Message)
	default:
		log.Error("rpc call failed", "proc", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "PGRST500", err.Error())
	}
}

// writeError writes a PostgREST-compatible error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	writeError(w, status, code, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": message,
		"details": nil,
		"hint":    nil,
	})
}
