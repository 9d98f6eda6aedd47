// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpremote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/internal/auth"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

// ErrorResponse is the JSON body of every non-2xx gateway response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// InsertResponse is returned by a successful insert.
type InsertResponse struct {
	ID string `json:"id"`
}

// DeleteRequest carries the client's deletion timestamp.
type DeleteRequest struct {
	DeletedAt time.Time `json:"deleted_at"`
}

// Handler exposes a remote.Remote over HTTP. Rows are scoped to the owner
// found in the request context, see auth.JWTAuth.Middleware.
type Handler struct {
	backend remote.Remote
	tables  map[string]bool
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewHandler serves backend for the given tables.
func NewHandler(backend remote.Remote, tables []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		backend: backend,
		tables:  make(map[string]bool, len(tables)),
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	for _, t := range tables {
		h.tables[t] = true
	}
	h.mux.HandleFunc("POST /remote/{table}", h.handleInsert)
	h.mux.HandleFunc("GET /remote/{table}/{id}", h.handleFetch)
	h.mux.HandleFunc("PATCH /remote/{table}/{id}", h.handleUpdate)
	h.mux.HandleFunc("POST /remote/{table}/{id}/delete", h.handleSoftDelete)
	h.mux.HandleFunc("POST /remote/{table}/{id}/restore", h.handleRestore)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) table(w http.ResponseWriter, r *http.Request) (string, bool) {
	table := r.PathValue("table")
	if !h.tables[table] {
		h.writeError(w, http.StatusNotFound, "unknown_table", "table "+table+" is not served")
		return "", false
	}
	return table, true
}

// requestLogger tags log lines with the caller's owner and device.
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	logger := h.logger
	if owner, ok := auth.GetOwnerID(r.Context()); ok {
		logger = logger.With("owner_id", owner)
	}
	if device, ok := auth.GetDeviceID(r.Context()); ok {
		logger = logger.With("device_id", device)
	}
	return logger
}

// visible reports whether the caller may see row. Authenticated callers only
// see rows stamped with their own owner id. Unowned rows are hidden too.
func visible(r *http.Request, row remote.Row) bool {
	owner, ok := auth.GetOwnerID(r.Context())
	if !ok {
		return true
	}
	rowOwner, _ := row["owner_id"].(string)
	return rowOwner == owner
}

// owned loads the row and hides it when the caller may not see it.
func (h *Handler) owned(r *http.Request, table, id string) (remote.Row, error) {
	row, err := h.backend.Fetch(r.Context(), table, id)
	if err != nil {
		return nil, err
	}
	if !visible(r, row) {
		return nil, remote.ErrNotFound
	}
	return row, nil
}

func (h *Handler) handleInsert(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	var row remote.Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil || row == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse row")
		return
	}
	if owner, ok := auth.GetOwnerID(r.Context()); ok {
		row["owner_id"] = owner
	}

	id, err := h.backend.Insert(r.Context(), table, row)
	if errors.Is(err, remote.ErrUniqueViolation) && h.takenByOther(r, table, row.ID()) {
		h.requestLogger(r).Warn("Insert collides with a row of another owner", "table", table, "id", row.ID())
		h.writeError(w, http.StatusForbidden, "forbidden", "id is taken by another owner")
		return
	}
	if err != nil {
		h.writeBackendError(w, r, err, "insert", table, row.ID())
		return
	}
	h.requestLogger(r).Debug("Row inserted", "table", table, "id", id)
	h.writeJSON(w, http.StatusCreated, InsertResponse{ID: id})
}

// takenByOther reports whether id names an existing row the caller may not see.
func (h *Handler) takenByOther(r *http.Request, table, id string) bool {
	if id == "" {
		return false
	}
	existing, err := h.backend.Fetch(r.Context(), table, id)
	return err == nil && !visible(r, existing)
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	row, err := h.owned(r, table, id)
	if err != nil {
		h.writeBackendError(w, r, err, "fetch", table, id)
		return
	}
	h.writeJSON(w, http.StatusOK, row)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var row remote.Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse row")
		return
	}
	delete(row, "owner_id")

	if _, err := h.owned(r, table, id); err != nil {
		h.writeBackendError(w, r, err, "update", table, id)
		return
	}
	if err := h.backend.Update(r.Context(), table, id, row); err != nil {
		h.writeBackendError(w, r, err, "update", table, id)
		return
	}
	h.requestLogger(r).Debug("Row updated", "table", table, "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse delete request")
		return
	}
	if req.DeletedAt.IsZero() {
		req.DeletedAt = time.Now()
	}

	if _, err := h.owned(r, table, id); err != nil {
		h.writeBackendError(w, r, err, "delete", table, id)
		return
	}
	if err := h.backend.SoftDelete(r.Context(), table, id, req.DeletedAt); err != nil {
		h.writeBackendError(w, r, err, "delete", table, id)
		return
	}
	h.requestLogger(r).Debug("Row soft-deleted", "table", table, "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := h.owned(r, table, id); err != nil {
		h.writeBackendError(w, r, err, "restore", table, id)
		return
	}
	if err := h.backend.Restore(r.Context(), table, id); err != nil {
		h.writeBackendError(w, r, err, "restore", table, id)
		return
	}
	h.requestLogger(r).Debug("Row restored", "table", table, "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeBackendError(w http.ResponseWriter, r *http.Request, err error, op, table, id string) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, remote.ErrUniqueViolation):
		h.writeError(w, http.StatusConflict, "unique_violation", err.Error())
	case remote.IsTransient(err):
		h.requestLogger(r).Warn("Transient backend failure", "op", op, "table", table, "id", id, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Backend temporarily unavailable")
	default:
		h.requestLogger(r).Error("Backend request failed", "op", op, "table", table, "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, op+"_failed", "Backend request failed")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
