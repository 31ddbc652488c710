// Package syncer drains the outbound queue to the remote safety
// service. Delivery is at-least-once: events leave the queue only after
// the endpoint acknowledges them, and a failed attempt leaves the event
// in place for the next drain trigger. There is no in-engine backoff;
// retries are event-driven (enqueue, offline-to-online transition,
// periodic timer).
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/navraksha/relay/pkg/event"
	"github.com/navraksha/relay/pkg/store"
)

// Report summarizes one drain pass.
type Report struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Engine owns the outbound queue. It has exclusive write access to
// remove queue records.
type Engine struct {
	st        store.Store
	deliverer Deliverer
	online    func() bool

	// In-flight markers: a second concurrent drain skips events that
	// are already being attempted, so no event is delivered twice by
	// overlapping drains.
	mu       sync.Mutex
	inflight map[int64]struct{}

	maxParallel int
	draining    atomic.Bool
}

// Option configures the Engine at construction time.
type Option func(*Engine)

// WithMaxParallel bounds concurrent delivery attempts within one drain.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// NewEngine constructs a sync engine. online reports current
// connectivity and gates the post-enqueue drain trigger.
func NewEngine(st store.Store, d Deliverer, online func() bool, opts ...Option) *Engine {
	e := &Engine{
		st:          st,
		deliverer:   d,
		online:      online,
		inflight:    make(map[int64]struct{}),
		maxParallel: 4,
	}
	if e.online == nil {
		e.online = func() bool { return false }
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue records an outbound event locally. It fails only on storage
// errors; the local write succeeds regardless of connectivity. If the
// service is currently reachable a drain of the event's kind runs
// before returning, so a producer can tell "delivered" from "queued".
func (e *Engine) Enqueue(ctx context.Context, kind event.Kind, payload []byte) (store.QueuedEvent, error) {
	ev, err := e.st.EnqueueEvent(ctx, store.QueuedEvent{
		Kind:       string(kind),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return store.QueuedEvent{}, err
	}
	if e.online() {
		_, _ = e.drain(ctx, string(kind))
	}
	return ev, nil
}

// Drain attempts delivery of every currently queued event. Each
// attempt is independent: one failure does not stop the others. An
// empty queue is a no-op with no network calls.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	return e.drain(ctx, "")
}

// DrainKind drains only events of one kind, matching the original
// per-tag sync triggers (emergency-sync, location-sync, hazard-sync).
func (e *Engine) DrainKind(ctx context.Context, kind event.Kind) (Report, error) {
	return e.drain(ctx, string(kind))
}

func (e *Engine) drain(ctx context.Context, kind string) (Report, error) {
	tr := otel.Tracer("syncer")
	ctx, span := tr.Start(ctx, "Engine.Drain")
	defer span.End()

	queued, err := e.st.ListQueue(ctx, kind)
	if err != nil {
		span.RecordError(err)
		return Report{}, err
	}
	if len(queued) == 0 {
		return Report{}, nil
	}

	var attempted, delivered, failed, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)

	for _, ev := range queued {
		if !e.acquire(ev.ID) {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			defer e.release(ev.ID)

			// The queue snapshot may be stale: another drain can have
			// delivered and removed this event before we acquired its
			// marker. Re-check membership while holding the marker, and
			// count the attempt only once membership is confirmed so
			// attempted always equals delivered plus failed.
			if _, err := e.st.Get(gctx, store.PartitionQueue, ev.ID); err != nil {
				skipped.Add(1)
				return nil
			}
			attempted.Add(1)

			_ = e.st.MarkAttempt(gctx, ev.ID)
			if err := e.deliverer.Deliver(gctx, ev); err != nil {
				// Event stays queued for the next trigger.
				failed.Add(1)
				return nil
			}
			// Remove only after the acknowledgment; the in-flight
			// marker is still held so no observer sees the event both
			// queued and delivered.
			if err := e.st.DeleteQueued(gctx, ev.ID); err != nil {
				failed.Add(1)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{
		Attempted: int(attempted.Load()),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}
	span.SetAttributes(
		attribute.Int("sync.attempted", rep.Attempted),
		attribute.Int("sync.delivered", rep.Delivered),
		attribute.Int("sync.failed", rep.Failed),
	)
	return rep, nil
}

func (e *Engine) acquire(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

// Run drains on a fixed interval until ctx is done, as a safety net for
// missed connectivity transitions. A tick that arrives while a previous
// drain is still in progress is skipped.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.online() {
				continue
			}
			if !e.draining.CompareAndSwap(false, true) {
				continue
			}
			_, _ = e.Drain(ctx)
			e.draining.Store(false)
		}
	}
}
