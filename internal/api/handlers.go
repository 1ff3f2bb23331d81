package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"live-assets/internal/assets"
	"live-assets/internal/download"
	"live-assets/internal/handle"
)

// maxBodyBytes bounds request bodies on mutating routes
const maxBodyBytes = 64 << 10

// Handler methods for routerHandlers
// These are used by both the standalone router (for testing) and the full Server.

func (h *routerHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": h.assets.Status(),
		"report": h.assets.Report(),
	})
}

// handleView is the JSON view of a registry handle.
type handleView struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	RefCount int    `json:"refCount"`
}

func (h *routerHandlers) handleAssets(w http.ResponseWriter, r *http.Request) {
	handles := h.assets.Handles()
	views := make([]handleView, 0, len(handles))
	for _, hd := range handles {
		views = append(views, handleView{Key: hd.Key, State: hd.State.String(), RefCount: hd.RefCount})
	}

	writeJSON(w, map[string]interface{}{
		"handles":    views,
		"count":      len(views),
		"categories": h.assets.Categories(),
	})
}

// keyRequest is the body of load and release requests
type keyRequest struct {
	Key string `json:"key"`
}

func (h *routerHandlers) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, "key is required", http.StatusBadRequest)
		return
	}

	if _, err := h.assets.Load(r.Context(), req.Key); err != nil {
		h.logger.Warn("admin load failed", zap.String("key", req.Key), zap.Error(err))
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, map[string]interface{}{
		"success":  true,
		"key":      req.Key,
		"refCount": refCountOf(h.assets, req.Key),
	})
}

func (h *routerHandlers) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, "key is required", http.StatusBadRequest)
		return
	}

	if err := h.assets.Release(req.Key); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, map[string]interface{}{
		"success":  true,
		"key":      req.Key,
		"refCount": refCountOf(h.assets, req.Key),
	})
}

func (h *routerHandlers) handleDownloads(w http.ResponseWriter, r *http.Request) {
	queued, active := h.assets.Downloads()
	if queued == nil {
		queued = []download.TaskInfo{}
	}
	if active == nil {
		active = []download.TaskInfo{}
	}
	writeJSON(w, map[string]interface{}{
		"queued": queued,
		"active": active,
		"stats":  h.assets.Report().Downloads,
	})
}

// downloadRequest is the body of POST /api/downloads
type downloadRequest struct {
	Key      string `json:"key"`
	Priority int    `json:"priority"`
}

func (h *routerHandlers) handleQueueDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, "key is required", http.StatusBadRequest)
		return
	}

	id, err := h.assets.QueueDownload(req.Key, req.Priority, nil)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       id,
		"key":      req.Key,
		"priority": req.Priority,
	})
}

func (h *routerHandlers) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.assets.CancelDownload(id) {
		writeError(w, "download not queued", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"success": true, "id": id})
}

func (h *routerHandlers) handleForceCleanup(w http.ResponseWriter, r *http.Request) {
	report := h.assets.ForceCleanup()
	if report.Released == nil {
		report.Released = []string{}
	}
	if report.RemovedPools == nil {
		report.RemovedPools = []string{}
	}
	if report.Halved == nil {
		report.Halved = []string{}
	}
	writeJSON(w, report)
}

// categoryRequest is the body of POST /api/cleanup/category
type categoryRequest struct {
	Category string `json:"category"`
}

func (h *routerHandlers) handleCleanupCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Category = strings.TrimSpace(req.Category)
	if req.Category == "" {
		writeError(w, "category is required", http.StatusBadRequest)
		return
	}

	evicted := h.assets.CleanupForCategory(req.Category)
	writeJSON(w, map[string]interface{}{
		"category": req.Category,
		"evicted":  evicted,
	})
}

func (h *routerHandlers) handleCatalogUpdate(w http.ResponseWriter, r *http.Request) {
	updated, catalogs, err := h.assets.UpdateCatalog(r.Context())
	if catalogs == nil {
		catalogs = []string{}
	}
	if err != nil {
		h.logger.Warn("catalog update failed", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(err))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":    err.Error(),
			"updated":  updated,
			"catalogs": catalogs,
		})
		return
	}
	writeJSON(w, map[string]interface{}{
		"updated":  updated,
		"catalogs": catalogs,
	})
}

func (h *routerHandlers) handleMemoryCheck(w http.ResponseWriter, r *http.Request) {
	level := h.assets.CheckMemory()
	writeJSON(w, map[string]interface{}{
		"level":  level,
		"status": h.assets.Status(),
	})
}

// Helper functions

func refCountOf(svc AssetService, key string) int {
	refs, _ := svc.RefCount(key)
	return refs
}

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error) int {
	var loadErr *handle.LoadError
	switch {
	case errors.Is(err, assets.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, handle.ErrUnknownKey), errors.Is(err, assets.ErrNotLoaded):
		return http.StatusNotFound
	case errors.As(err, &loadErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
