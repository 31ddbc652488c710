// Package app wires the pipeline components together. Every component
// receives its collaborators explicitly; nothing reaches into another's
// storage handle.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/navraksha/relay/pkg/cache"
	"github.com/navraksha/relay/pkg/connectivity"
	"github.com/navraksha/relay/pkg/errmodel"
	"github.com/navraksha/relay/pkg/event"
	"github.com/navraksha/relay/pkg/store"
	"github.com/navraksha/relay/pkg/syncer"
)

// locationCacheURL is the request identity under which the latest
// location is seeded into the dynamic cache for offline reads.
const locationCacheURL = "/api/location/current"

// Receipt is what a producer gets back: the event is always recorded
// locally; Status says whether it was delivered or remains queued.
type Receipt struct {
	RecordID int64  `json:"recordId"`
	EventID  string `json:"eventId"`
	Status   string `json:"status"` // "delivered" or "queued"
}

// Pipeline is the top-level context object tying the durable store,
// sync engine, cache engine and connectivity monitor together.
type Pipeline struct {
	Store   store.Store
	Cache   *cache.Engine
	Sync    *syncer.Engine
	Monitor *connectivity.Monitor
}

// New builds the pipeline and registers the offline-to-online drain
// trigger.
func New(st store.Store, c *cache.Engine, s *syncer.Engine, m *connectivity.Monitor) *Pipeline {
	p := &Pipeline{Store: st, Cache: c, Sync: s, Monitor: m}
	m.OnOnline(func() {
		_, _ = s.Drain(context.Background())
	})
	return p
}

// ReportEmergency records an SOS event and delivers or queues it.
func (p *Pipeline) ReportEmergency(ctx context.Context, payload json.RawMessage) (Receipt, error) {
	return p.submit(ctx, event.KindEmergency, store.PartitionEmergencies, payload)
}

// RecordLocation records a location sample, seeds the offline location
// cache, and delivers or queues the sample.
func (p *Pipeline) RecordLocation(ctx context.Context, payload json.RawMessage) (Receipt, error) {
	rcpt, err := p.submit(ctx, event.KindLocation, store.PartitionLocations, payload)
	if err != nil {
		return Receipt{}, err
	}
	// Best effort: a failed seed must not fail the producer.
	_ = p.Cache.SeedDynamic(locationCacheURL, "application/json", payload)
	return rcpt, nil
}

// ReportHazard records a hazard report and delivers or queues it.
func (p *Pipeline) ReportHazard(ctx context.Context, payload json.RawMessage) (Receipt, error) {
	return p.submit(ctx, event.KindHazard, store.PartitionHazards, payload)
}

func (p *Pipeline) submit(ctx context.Context, kind event.Kind, partition string, payload json.RawMessage) (Receipt, error) {
	if err := event.Validate(kind, payload); err != nil {
		return Receipt{}, err
	}
	recID, err := p.Store.Put(ctx, partition, store.Record{Payload: payload, CreatedAt: time.Now().UTC()})
	if err != nil {
		return Receipt{}, err
	}
	ev, err := p.Sync.Enqueue(ctx, kind, payload)
	if err != nil {
		return Receipt{}, err
	}

	// Enqueue drains synchronously when online, so queue membership
	// now tells delivered from queued.
	status := "queued"
	if p.Monitor.Online() {
		if _, err := p.Store.Get(ctx, store.PartitionQueue, ev.ID); errors.Is(err, store.ErrNotFound) {
			status = "delivered"
		}
	}
	return Receipt{RecordID: recID, EventID: ev.EventID, Status: status}, nil
}

// Hazards lists recorded hazard reports for the shared map.
func (p *Pipeline) Hazards(ctx context.Context) ([]store.Record, error) {
	return p.Store.GetAll(ctx, store.PartitionHazards)
}

// Locations lists recorded location samples.
func (p *Pipeline) Locations(ctx context.Context) ([]store.Record, error) {
	return p.Store.GetAll(ctx, store.PartitionLocations)
}

// SaveProfile upserts the singleton profile record.
func (p *Pipeline) SaveProfile(ctx context.Context, payload json.RawMessage) error {
	_, err := p.Store.Put(ctx, store.PartitionProfile, store.Record{
		ID:        store.ProfileID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

// Profile returns the singleton profile record.
func (p *Pipeline) Profile(ctx context.Context) (store.Record, error) {
	rec, err := p.Store.Get(ctx, store.PartitionProfile, store.ProfileID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Record{}, errmodel.Storage(errmodel.CodeNotFound, "no profile saved", nil, nil)
	}
	return rec, err
}

// SyncNow runs one drain pass and returns its report.
func (p *Pipeline) SyncNow(ctx context.Context) (syncer.Report, error) {
	return p.Sync.Drain(ctx)
}

// Queue lists the outbound queue.
func (p *Pipeline) Queue(ctx context.Context) ([]store.QueuedEvent, error) {
	return p.Store.ListQueue(ctx, "")
}

// CacheStatus returns per-region cache entry counts.
func (p *Pipeline) CacheStatus() (map[string]int, error) {
	return p.Cache.Status()
}

// Fetch serves an outbound GET through the caching strategies; this is
// the request-interception path the client proxies through.
func (p *Pipeline) Fetch(ctx context.Context, url, accept string) (cache.Result, error) {
	return p.Cache.Handle(ctx, http.MethodGet, url, accept)
}

// InstallStatic stages a static cache version by prefetching the given
// URLs. Activation is a separate step.
func (p *Pipeline) InstallStatic(ctx context.Context, version string, urls []string) error {
	return p.Cache.InstallStatic(ctx, version, urls)
}

// SeedLocationCache seeds the dynamic cache with a location payload.
func (p *Pipeline) SeedLocationCache(payload json.RawMessage) error {
	return p.Cache.SeedDynamic(locationCacheURL, "application/json", payload)
}

// ActivatePendingStatic promotes a staged static cache version.
func (p *Pipeline) ActivatePendingStatic() error {
	return p.Cache.ActivateStatic("")
}

// SetConnectivity feeds an explicit connectivity signal and reports
// whether a transition occurred.
func (p *Pipeline) SetConnectivity(online bool) bool {
	if online {
		return p.Monitor.Signal(connectivity.Online)
	}
	return p.Monitor.Signal(connectivity.Offline)
}
