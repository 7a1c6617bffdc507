// Package api exposes documents over plain HTTP next to the websocket
// gateway.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/richtext-sync/internal/codec"
	"github.com/example/richtext-sync/internal/collab"
	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/observability"
	"github.com/example/richtext-sync/internal/types"
)

const (
	clientHeader   = "X-Client-ID"
	maxUpdateBytes = 8 << 20
	contentBinary  = "application/octet-stream"
)

// Config wires the handlers. Playback, Gateway and Health are optional.
type Config struct {
	Collab   *collab.Service
	Playback http.Handler
	Gateway  http.Handler
	Health   func(ctx context.Context) error
	Logger   zerolog.Logger
}

type handler struct {
	collab *collab.Service
	health func(ctx context.Context) error
	logger zerolog.Logger
}

// NewRouter registers every route on a gorilla/mux router.
func NewRouter(cfg Config) *mux.Router {
	h := &handler{collab: cfg.Collab, health: cfg.Health, logger: cfg.Logger}

	r := mux.NewRouter()
	r.Use(observability.HTTPMiddleware(cfg.Logger))
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	if cfg.Gateway != nil {
		r.Handle("/ws", cfg.Gateway)
	}

	docs := r.PathPrefix("/documents/{id}").Subrouter()
	if cfg.Playback != nil {
		docs.Handle("/state", cfg.Playback).Methods(http.MethodGet)
	}
	docs.HandleFunc("/value", h.value).Methods(http.MethodGet)
	docs.HandleFunc("/snapshot", h.snapshot).Methods(http.MethodGet)
	docs.HandleFunc("/updates", h.updates).Methods(http.MethodGet)
	docs.HandleFunc("/updates", h.submit).Methods(http.MethodPost)
	docs.HandleFunc("/texts/{name}/delta", h.textDelta).Methods(http.MethodGet)
	docs.HandleFunc("/texts/{name}/delta", h.applyTextDelta).Methods(http.MethodPost)
	return r
}

func documentID(r *http.Request) types.DocumentID {
	return types.DocumentID(mux.Vars(r)["id"])
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) value(w http.ResponseWriter, r *http.Request) {
	var value map[string]any
	err := h.collab.Read(r.Context(), documentID(r), func(d *crdt.Doc) error {
		value = d.DeepValue()
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	data, err := h.collab.Snapshot(r.Context(), documentID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeBinary(w, data)
}

// updates serves the changes a peer is missing. The since parameter holds a
// base64url encoded version vector; an empty one exports everything.
func (h *handler) updates(w http.ResponseWriter, r *http.Request) {
	since := types.VersionVector{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		data, err := base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		if since, err = codec.DecodeVersionVector(data); err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
	}

	data, err := h.collab.Sync(r.Context(), documentID(r), types.ClientID(r.Header.Get(clientHeader)), since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeBinary(w, data)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	clientID := types.ClientID(r.Header.Get(clientHeader))
	if clientID == "" {
		http.Error(w, "missing "+clientHeader, http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes+1))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if len(body) > maxUpdateBytes {
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}

	receipt, err := h.collab.Submit(r.Context(), documentID(r), clientID, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *handler) textDelta(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var delta crdt.Delta
	err := h.collab.Read(r.Context(), documentID(r), func(d *crdt.Doc) error {
		delta = d.GetText(name).ToDelta()
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if delta == nil {
		delta = crdt.Delta{}
	}
	writeJSON(w, http.StatusOK, delta)
}

func (h *handler) applyTextDelta(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var delta crdt.Delta
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBytes)).Decode(&delta); err != nil {
		http.Error(w, "invalid delta: "+err.Error(), http.StatusBadRequest)
		return
	}

	receipt, err := h.collab.Edit(r.Context(), documentID(r), func(d *crdt.Doc) error {
		return d.GetText(name).ApplyDelta(delta)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collab.ErrEmptyUpdate),
		errors.Is(err, crdt.ErrCorruptData),
		errors.Is(err, crdt.ErrUnsupportedVersion),
		errors.Is(err, crdt.ErrInvalidDelta),
		errors.Is(err, crdt.ErrOutOfRange),
		errors.Is(err, crdt.ErrInvalidValue):
		status = http.StatusBadRequest
	case errors.Is(err, crdt.ErrUnknownHistory):
		status = http.StatusConflict
	case errors.Is(err, crdt.ErrPendingLimit):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		l := observability.LoggerWithTrace(r.Context(), h.logger)
		l.Error().Err(err).Str("document", string(documentID(r))).Str("path", r.URL.Path).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBinary(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", contentBinary)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
