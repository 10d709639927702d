package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/rollcall/internal/embedding"
	"github.com/kozaktomas/rollcall/internal/policy"
	"github.com/kozaktomas/rollcall/internal/recognition"
	"github.com/kozaktomas/rollcall/internal/registry"
	"go.uber.org/zap"
)

// Recognizer decides a recognition request.
type Recognizer interface {
	Recognize(ctx context.Context, req recognition.Request) (policy.Verdict, error)
}

// RecognizeHandler handles attendance recognition requests.
type RecognizeHandler struct {
	recognizer    Recognizer
	maxImageBytes int
	log           *zap.Logger
}

// NewRecognizeHandler creates a recognize handler. maxImageBytes bounds the decoded image and
// derives the request body limit.
func NewRecognizeHandler(recognizer Recognizer, maxImageBytes int, logger *zap.Logger) *RecognizeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecognizeHandler{
		recognizer:    recognizer,
		maxImageBytes: maxImageBytes,
		log:           logger.Named("http"),
	}
}

// RecognizeRequest is the body of POST /recognize.
type RecognizeRequest struct {
	Image     string `json:"image"`
	SessionID string `json:"session_id,omitempty"`
}

// Recognize decodes the probe image and returns the verdict.
func (h *RecognizeHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	if h.maxImageBytes > 0 {
		// base64 inflates by 4/3; leave room for the data URL prefix and JSON framing.
		r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxImageBytes)*4/3+4096)
	}

	var req RecognizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	image, err := decodeImage(req.Image)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	verdict, err := h.recognizer.Recognize(r.Context(), recognition.Request{
		Image:     image,
		SessionID: req.SessionID,
		RequestID: chiMiddleware.GetReqID(r.Context()),
	})
	if err != nil {
		h.respondFailure(w, r, verdict, err)
		return
	}
	respondJSON(w, http.StatusOK, verdict)
}

// respondFailure maps recognition errors to status codes. Invalid images and timeouts still
// carry their verdict.
func (h *RecognizeHandler) respondFailure(w http.ResponseWriter, r *http.Request, verdict policy.Verdict, err error) {
	switch {
	case errors.Is(err, recognition.ErrInvalidImage):
		respondJSON(w, http.StatusBadRequest, verdict)
	case errors.Is(err, context.DeadlineExceeded):
		respondJSON(w, http.StatusGatewayTimeout, verdict)
	case errors.Is(err, recognition.ErrExtraction):
		respondError(w, http.StatusBadGateway, "face extraction failed")
	case errors.Is(err, registry.ErrSourceUnavailable):
		respondError(w, http.StatusServiceUnavailable, "identity registry unavailable")
	case errors.Is(err, embedding.ErrDimensionMismatch):
		respondError(w, http.StatusInternalServerError, "embedding dimension mismatch")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
		h.log.Debug("recognition canceled", zap.String("path", sanitizeForLog(r.URL.Path)))
	default:
		h.log.Error("recognition failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "recognition failed")
	}
}
