package library

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/voxnote-ai/engine/pkg/common/logger"
	"github.com/voxnote-ai/engine/pkg/enqueue"
	"github.com/voxnote-ai/engine/pkg/recording"
)

// HTTPHandler exposes the merged recording view to UI clients.
type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/recordings", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/recordings", h.handleCapture).Methods(http.MethodPost)
	router.HandleFunc("/recordings/{id}", h.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/recordings/{id}", h.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/recordings/{id}/retry", h.handleRetry).Methods(http.MethodPost)
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Recordings())
}

func (h *HTTPHandler) handleCapture(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req enqueue.CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid capture payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.service.Capture(r.Context(), req)
	if err != nil {
		logger.Log.WithError(err).Error("failed to admit recording")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, ok := h.service.Get(vars["id"])
	if !ok {
		http.Error(w, "recording not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.service.Delete(r.Context(), vars["id"]); err != nil {
		logger.Log.WithError(err).Error("failed to delete recording")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ok, err := h.service.Retry(r.Context(), vars["id"])
	if err != nil {
		if errors.Is(err, recording.ErrNotOwner) {
			http.Error(w, "recording not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, recording.ErrIllegalTransition) {
			http.Error(w, "recording is not in a failed state", http.StatusConflict)
			return
		}
		logger.Log.WithError(err).Error("failed to retry recording")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "retry not applied", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
