// Package api provides the HTTP API handlers and routing for the video service.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"videoloop/internal/apperrors"
	"videoloop/internal/blob"
	"videoloop/internal/health"
	"videoloop/internal/pipeline"
)

// maxEntryBodySize limits the entry endpoint body. Callbacks carry a whole
// base64-encoded video segment, so this is generous.
const maxEntryBodySize = 64 << 20 // 64 MB

// Pipeline is the orchestration surface the handlers drive.
// Implemented by *pipeline.Pipeline.
type Pipeline interface {
	Submit(ctx context.Context, imageURL string) (*pipeline.SubmitResult, error)
	HandleRenderSuccess(ctx context.Context, rootID string, video []byte) (*pipeline.CallbackResult, error)
	HandleRenderFailure(ctx context.Context, rootID, renderErr string) (*pipeline.CallbackResult, error)
	Status(ctx context.Context, rootID string) (*pipeline.StatusResult, error)
}

// Handler contains HTTP handlers for the video service API
type Handler struct {
	pipeline Pipeline
	blobs    blob.Store
	health   *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(p Pipeline, blobs blob.Store, healthChecker *health.Checker) *Handler {
	return &Handler{
		pipeline: p,
		blobs:    blobs,
		health:   healthChecker,
	}
}

// Entry handles POST / — the single endpoint the render service webhooks
// into and submitters post seed images to. The body shape decides which it
// is: a "status"="FAILED" body is a failure callback, a body with "output"
// (or "status"="COMPLETED") is a success callback, a body with "image_url"
// is a new submission. Anything else gets a diagnostic echo.
//
// Callbacks always answer 200 on handled outcomes so the render service
// stops redelivering.
func (h *Handler) Entry(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEntryBodySize)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return
	}

	// Parse leniently: a malformed body falls through to the diagnostic echo
	// rather than a bare decode error.
	var data map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			slog.Warn("Unparseable entry body", "contentType", r.Header.Get("Content-Type"), "error", err)
		}
	}

	rootID := r.URL.Query().Get("root_id")
	status, _ := data["status"].(string)

	if status == "FAILED" {
		h.failureCallback(w, r, rootID, data)
		return
	}

	if _, hasOutput := data["output"]; status == "COMPLETED" || hasOutput {
		h.successCallback(w, r, rootID, data)
		return
	}

	if imageURL, ok := data["image_url"]; ok {
		seed, _ := imageURL.(string)
		result, err := h.pipeline.Submit(r.Context(), seed)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusAccepted, result)
		return
	}

	h.writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":                 "Invalid payload",
		"received_content_type": r.Header.Get("Content-Type"),
		"received_data":         data,
		"hint":                  "Expected 'image_url' for new job or 'status'='COMPLETED' for callback",
	})
}

func (h *Handler) failureCallback(w http.ResponseWriter, r *http.Request, rootID string, data map[string]any) {
	if rootID == "" {
		h.writeError(w, http.StatusBadRequest, "missing root_id")
		return
	}

	renderErr, _ := data["error"].(string)
	result, err := h.pipeline.HandleRenderFailure(r.Context(), rootID, renderErr)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) successCallback(w http.ResponseWriter, r *http.Request, rootID string, data map[string]any) {
	if rootID == "" {
		h.writeError(w, http.StatusBadRequest, "missing root_id")
		return
	}

	video, err := decodeVideoPayload(data["output"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	result, err := h.pipeline.HandleRenderSuccess(r.Context(), rootID, video)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// decodeVideoPayload extracts the base64 video from a callback's output
// field. Data-URL prefixes ("data:video/mp4;base64,...") are stripped.
func decodeVideoPayload(output any) ([]byte, error) {
	fields, ok := output.(map[string]any)
	if !ok {
		return nil, apperrors.Validation("output", "callback output is missing or not an object")
	}
	encoded, ok := fields["video"].(string)
	if !ok {
		return nil, apperrors.Validation("output.video", "callback output has no video field")
	}

	if strings.HasPrefix(encoded, "data:") {
		if _, rest, found := strings.Cut(encoded, ","); found {
			encoded = rest
		}
	}

	video, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.Validation("output.video", fmt.Sprintf("video is not valid base64: %v", err))
	}
	return video, nil
}

// GetJob handles GET /v1/jobs/{rootId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	rootID := r.PathValue("rootId")
	if rootID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	status, err := h.pipeline.Status(r.Context(), rootID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// ServeBlob handles GET /blobs/{key...} — serves stored artifacts (seed
// frames for the render worker, final videos for submitters).
func (h *Handler) ServeBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !blob.ValidKey(key) {
		h.writeError(w, http.StatusBadRequest, "invalid blob key")
		return
	}

	data, err := h.blobs.Get(r.Context(), key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeForKey(key))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Failed to write blob response", "key", key, "error", err)
	}
}

func contentTypeForKey(key string) string {
	switch path.Ext(key) {
	case ".mp4":
		return "video/mp4"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if a storage backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the pipeline with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
