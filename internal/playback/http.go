package playback

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/richtext-sync/internal/storage"
	"github.com/example/richtext-sync/internal/types"
)

// HTTPHandler exposes playback via GET /documents/{id}/state.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler. It expects the document id in the
// "id" route variable.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	docID := mux.Vars(r)["id"]
	opID := r.URL.Query().Get("at_op")
	atTimeStr := r.URL.Query().Get("at_time")

	var atTime *time.Time
	if atTimeStr != "" {
		parsed, err := time.Parse(time.RFC3339Nano, atTimeStr)
		if err != nil {
			http.Error(w, "invalid at_time", http.StatusBadRequest)
			return
		}
		atTime = &parsed
	}

	resp, err := h.svc.Playback(r.Context(), Request{Document: types.DocumentID(docID), OperationID: types.OperationID(opID), AtTime: atTime})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, ErrForbidden):
			status = http.StatusForbidden
		case errors.Is(err, storage.ErrNotFound):
			status = http.StatusNotFound
		}
		h.logger.Error().Err(err).Str("document", docID).Msg("playback failed")
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
