// Package control exposes the daemon's HTTP surface: producer ingest
// endpoints, sync and connectivity triggers, and the worker-style
// control messages.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/navraksha/relay/internal/app"
	"github.com/navraksha/relay/pkg/errmodel"
)

// maxBodyBytes bounds request bodies; payloads are small JSON events.
const maxBodyBytes = 1 << 20

// Handler serves the control API over a Pipeline.
type Handler struct {
	pl *app.Pipeline
}

// New constructs the handler.
func New(pl *app.Pipeline) *Handler { return &Handler{pl: pl} }

// Mux builds the route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /v1/emergency", h.postEmergency)
	mux.HandleFunc("POST /v1/location", h.postLocation)
	mux.HandleFunc("POST /v1/hazards", h.postHazard)
	mux.HandleFunc("GET /v1/hazards", h.listHazards)
	mux.HandleFunc("PUT /v1/profile", h.putProfile)
	mux.HandleFunc("GET /v1/profile", h.getProfile)
	mux.HandleFunc("GET /v1/fetch", h.getFetch)
	mux.HandleFunc("POST /v1/sync", h.postSync)
	mux.HandleFunc("GET /v1/queue", h.listQueue)
	mux.HandleFunc("POST /v1/messages", h.postMessage)
	mux.HandleFunc("POST /v1/connectivity", h.postConnectivity)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			errmodel.WriteHTTP(w, r, errmodel.Validation("body_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit), nil))
			return nil, false
		}
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_body", err.Error(), nil))
		return nil, false
	}
	if len(body) == 0 {
		errmodel.WriteHTTP(w, r, errmodel.Validation("empty_body", "request body required", nil))
		return nil, false
	}
	return body, true
}

func (h *Handler) postEmergency(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	rcpt, err := h.pl.ReportEmergency(r.Context(), body)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rcpt)
}

func (h *Handler) postLocation(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	rcpt, err := h.pl.RecordLocation(r.Context(), body)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rcpt)
}

func (h *Handler) postHazard(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	rcpt, err := h.pl.ReportHazard(r.Context(), body)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rcpt)
}

func (h *Handler) listHazards(w http.ResponseWriter, r *http.Request) {
	recs, err := h.pl.Hazards(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]any{
			"id":        rec.ID,
			"payload":   json.RawMessage(rec.Payload),
			"createdAt": rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hazards": out})
}

func (h *Handler) putProfile(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := h.pl.SaveProfile(r.Context(), body); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": true})
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.pl.Profile(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payload":   json.RawMessage(rec.Payload),
		"updatedAt": rec.CreatedAt,
	})
}

// getFetch proxies an outbound GET through the cache strategies, the
// server-side equivalent of the worker's fetch interception. The
// strategy verdict comes back in X-Cache-Source and X-Cache-Stale.
func (h *Handler) getFetch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		errmodel.WriteHTTP(w, r, errmodel.Validation("missing_url", "url query parameter required", nil))
		return
	}
	res, err := h.pl.Fetch(r.Context(), target, r.Header.Get("Accept"))
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.Header().Set("X-Cache-Source", res.Source)
	if res.Stale {
		w.Header().Set("X-Cache-Stale", "true")
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

func (h *Handler) postSync(w http.ResponseWriter, r *http.Request) {
	rep, err := h.pl.SyncNow(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	queued, err := h.pl.Queue(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(queued))
	for _, ev := range queued {
		out = append(out, map[string]any{
			"id":         ev.ID,
			"eventId":    ev.EventID,
			"kind":       ev.Kind,
			"attempts":   ev.Attempts,
			"enqueuedAt": ev.EnqueuedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": out})
}

// controlMessage mirrors the worker message envelope.
type controlMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var msg controlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_json", err.Error(), nil))
		return
	}

	switch msg.Type {
	case "SKIP_WAITING":
		if err := h.pl.ActivatePendingStatic(); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activated": true})

	case "CACHE_LOCATION":
		if len(msg.Data) == 0 {
			errmodel.WriteHTTP(w, r, errmodel.Validation("missing_data", "CACHE_LOCATION requires data", nil))
			return
		}
		if err := h.pl.SeedLocationCache(msg.Data); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cached": true})

	case "QUEUE_EMERGENCY":
		if len(msg.Data) == 0 {
			errmodel.WriteHTTP(w, r, errmodel.Validation("missing_data", "QUEUE_EMERGENCY requires data", nil))
			return
		}
		rcpt, err := h.pl.ReportEmergency(r.Context(), msg.Data)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, rcpt)

	case "INSTALL_STATIC":
		var data struct {
			Version string   `json:"version"`
			URLs    []string `json:"urls"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.Version == "" || len(data.URLs) == 0 {
			errmodel.WriteHTTP(w, r, errmodel.Validation("bad_install", "INSTALL_STATIC requires version and urls", nil))
			return
		}
		if err := h.pl.InstallStatic(r.Context(), data.Version, data.URLs); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"staged": data.Version})

	case "GET_CACHE_STATUS":
		status, err := h.pl.CacheStatus()
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)

	default:
		errmodel.WriteHTTP(w, r, errmodel.Validation("unknown_message", msg.Type, nil))
	}
}

func (h *Handler) postConnectivity(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var sig struct {
		Online *bool `json:"online"`
	}
	if err := json.Unmarshal(body, &sig); err != nil || sig.Online == nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation("bad_signal", "body must be {\"online\": bool}", nil))
		return
	}
	transitioned := h.pl.SetConnectivity(*sig.Online)
	writeJSON(w, http.StatusOK, map[string]any{
		"online":       *sig.Online,
		"transitioned": transitioned,
	})
}
