package syncer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/navraksha/relay/pkg/errmodel"
	"github.com/navraksha/relay/pkg/event"
	"github.com/navraksha/relay/pkg/store"
)

// Deliverer attempts a single delivery of a queued event to its remote
// endpoint. A nil return means the endpoint acknowledged the event.
type Deliverer interface {
	Deliver(ctx context.Context, ev store.QueuedEvent) error
}

// Per-kind sync paths on the remote safety service.
var syncPaths = map[event.Kind]string{
	event.KindEmergency: "/api/emergency/sync",
	event.KindLocation:  "/api/location/sync",
	event.KindHazard:    "/api/hazards/sync",
}

// HTTPDeliverer posts queued events as JSON to the remote safety
// service. Any 2xx response counts as an acknowledgment.
type HTTPDeliverer struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPDeliverer builds a deliverer with an instrumented transport
// and a bounded per-attempt timeout. An attempt that exceeds the
// timeout is a failure; the event stays queued.
func NewHTTPDeliverer(baseURL string, timeout time.Duration) *HTTPDeliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDeliverer{
		BaseURL: baseURL,
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

// Deliver posts ev to the sync path for its kind.
func (d *HTTPDeliverer) Deliver(ctx context.Context, ev store.QueuedEvent) error {
	path, ok := syncPaths[event.Kind(ev.Kind)]
	if !ok {
		return errmodel.Validation("unknown_kind", ev.Kind, nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+path, bytes.NewReader(ev.Payload))
	if err != nil {
		return errmodel.Delivery("build request", map[string]any{"kind": ev.Kind}, err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Stable id lets the endpoint deduplicate an at-least-once retry.
	req.Header.Set("X-Event-ID", ev.EventID)

	res, err := d.Client.Do(req)
	if err != nil {
		return errmodel.Delivery("endpoint unreachable", map[string]any{"kind": ev.Kind}, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return errmodel.Delivery(fmt.Sprintf("endpoint returned %d", res.StatusCode),
			map[string]any{"kind": ev.Kind, "status": res.StatusCode}, nil)
	}
	return nil
}

// Reachable probes the remote service, implementing
// connectivity.Probe.
func (d *HTTPDeliverer) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.BaseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	res, err := d.Client.Do(req)
	if err != nil {
		return false
	}
	_ = res.Body.Close()
	return res.StatusCode < 500
}
