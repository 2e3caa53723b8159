package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/pomegrade/internal/history"
	"github.com/Brownie44l1/pomegrade/internal/model"
	"github.com/Brownie44l1/pomegrade/internal/transform"
)

// DefaultMaxUploadBytes bounds multipart uploads (10MB).
const DefaultMaxUploadBytes = 10 << 20

// Predictor classifies preprocessed inputs.
type Predictor interface {
	Predict(input []float32) (*model.Prediction, error)
	Metadata() model.Metadata
}

// HistoryStore records served predictions.
type HistoryStore interface {
	Add(ctx context.Context, e history.Entry) (history.Entry, error)
	List(ctx context.Context, limit int) ([]history.Entry, error)
	Delete(ctx context.Context, id string) error
	DeleteDay(ctx context.Context, day time.Time) (int64, error)
}

// Handler serves the inference API.
type Handler struct {
	predictor      Predictor
	preprocess     transform.Func
	history        HistoryStore
	logger         *slog.Logger
	maxUploadBytes int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithHistory records every image prediction in store.
func WithHistory(store HistoryStore) Option {
	return func(h *Handler) {
		h.history = store
	}
}

// WithMaxUploadBytes overrides DefaultMaxUploadBytes.
func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// NewHandler creates a Handler. preprocess must be the validation transform
// the model was evaluated with.
func NewHandler(predictor Predictor, preprocess transform.Func, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		predictor:      predictor,
		preprocess:     preprocess,
		logger:         logger,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the API mux wrapped in the standard middleware chain.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /predict", h.Predict)
	mux.HandleFunc("POST /predict/tensor", h.Predict)
	mux.HandleFunc("POST /predict/{$}", h.PredictFromImage)
	mux.HandleFunc("POST /predict/image", h.PredictFromImage)
	mux.HandleFunc("GET /history", h.ListHistory)
	mux.HandleFunc("DELETE /history", h.DeleteHistoryDay)
	mux.HandleFunc("DELETE /history/{id}", h.DeleteHistoryEntry)

	return chain(mux,
		recoveryMiddleware(h.logger),
		requestIDMiddleware,
		loggingMiddleware(h.logger),
		corsMiddleware,
	)
}

// Health reports readiness and the served class list.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"classes": h.predictor.Metadata().Classes,
		"history": h.history != nil,
	})
}

// Predict classifies a raw, already preprocessed input array.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var req model.PredictionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	expectedSize := h.predictor.Metadata().InputSize()
	if len(req.Image) != expectedSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image)))
		return
	}

	result, err := h.predictor.Predict(req.Image)
	if err != nil {
		h.logger.Error("prediction failed", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "Prediction failed")
		return
	}

	writeJSON(w, http.StatusOK, result.Response(""))
}

// PredictFromImage classifies an uploaded image. The file is read from the
// "file" form field, falling back to "image".
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("image")
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided. Use 'file' as the form field name")
		return
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid image format. Supported: JPEG, PNG, BMP, WebP")
		return
	}

	h.logger.Debug("image received",
		"filename", header.Filename,
		"bytes", header.Size,
		"format", format,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy(),
		"request_id", requestID(r),
	)

	input, err := h.preprocess(transform.RGB(img))
	if err != nil {
		h.logger.Error("preprocessing failed", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "Failed to preprocess image")
		return
	}

	result, err := h.predictor.Predict(input.Data)
	if err != nil {
		h.logger.Error("prediction failed", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "Prediction failed")
		return
	}

	var id string
	if h.history != nil {
		entry, err := h.history.Add(r.Context(), history.Entry{
			Filename:   header.Filename,
			Class:      result.Class,
			Confidence: result.Confidence,
		})
		if err != nil {
			// The prediction is still returned; only the history write failed.
			h.logger.Warn("failed to record prediction", "error", err, "request_id", requestID(r))
		} else {
			id = entry.ID
		}
	}

	writeJSON(w, http.StatusOK, result.Response(id))
}

// ListHistory returns recorded predictions, newest first.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "History is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.history.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list history", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "Failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// DeleteHistoryEntry removes one recorded prediction.
func (h *Handler) DeleteHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "History is disabled")
		return
	}

	err := h.history.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "History entry not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to delete history entry", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "Failed to delete history entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteHistoryDay removes all predictions recorded on ?date=YYYY-MM-DD (UTC).
func (h *Handler) DeleteHistoryDay(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "History is disabled")
		return
	}

	day, err := time.Parse(time.DateOnly, r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Expected date=YYYY-MM-DD")
		return
	}

	n, err := h.history.DeleteDay(r.Context(), day)
	if err != nil {
		h.logger.Error("failed to delete history day", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "Failed to delete history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
