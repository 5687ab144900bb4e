package telemetry

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/floe-dev/floe/internal/schema"
)

// Emitter is the narrow interface every core component depends on for
// audit events, metrics, and traces. Telemetry sinks are external
// collaborators (spec §1 Out of scope); this interface is the seam.
type Emitter interface {
	EmitVerification(ctx context.Context, event schema.VerificationAuditEvent)
	IncCounter(name string, labels map[string]string)
	Tracer() trace.Tracer
}

// AuditSink receives verification audit events in the order they were
// emitted within a single operation (spec §5 "Ordering guarantees").
type AuditSink interface {
	Record(schema.VerificationAuditEvent)
}

// InMemoryEmitter is a thread-safe, append-only Emitter suitable for
// tests and for the directory-backed fake registry described in spec §9
// design notes.
type InMemoryEmitter struct {
	mu       sync.Mutex
	events   []schema.VerificationAuditEvent
	counters map[string]int
	tracer   trace.Tracer
}

// NewInMemoryEmitter returns an Emitter with no external dependencies.
func NewInMemoryEmitter(tracer trace.Tracer) *InMemoryEmitter {
	return &InMemoryEmitter{counters: map[string]int{}, tracer: tracer}
}

func (e *InMemoryEmitter) EmitVerification(_ context.Context, event schema.VerificationAuditEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *InMemoryEmitter) IncCounter(name string, _ map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters[name]++
}

func (e *InMemoryEmitter) Tracer() trace.Tracer { return e.tracer }

// Events returns a snapshot of every emitted audit event, in emission
// order.
func (e *InMemoryEmitter) Events() []schema.VerificationAuditEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schema.VerificationAuditEvent, len(e.events))
	copy(out, e.events)
	return out
}

// PrometheusEmitter backs IncCounter with real prometheus counters,
// keyed by metric name, registered lazily on first use, and mirrors
// every increment onto an OTel counter when a Meter is configured (for
// deployments that push metrics via OTLP instead of scraping
// Prometheus).
type PrometheusEmitter struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	meter    metric.Meter
	otelCtrs map[string]metric.Int64Counter
	tracer   trace.Tracer
	audit    AuditSink
}

// NewPrometheusEmitter wires a real prometheus registry, an optional
// OTel Meter, and an injected audit sink behind the Emitter interface.
// meter may be nil when only Prometheus scraping is configured.
func NewPrometheusEmitter(registry *prometheus.Registry, meter metric.Meter, audit AuditSink, tracer trace.Tracer) *PrometheusEmitter {
	return &PrometheusEmitter{
		registry: registry,
		counters: map[string]*prometheus.CounterVec{},
		meter:    meter,
		otelCtrs: map[string]metric.Int64Counter{},
		tracer:   tracer,
		audit:    audit,
	}
}

func (e *PrometheusEmitter) EmitVerification(_ context.Context, event schema.VerificationAuditEvent) {
	if e.audit != nil {
		e.audit.Record(event)
	}
}

func (e *PrometheusEmitter) IncCounter(name string, labels map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cv, ok := e.counters[name]
	if !ok {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: "floe compiler/registry counter"}, keys)
		e.registry.MustRegister(cv)
		e.counters[name] = cv
	}
	cv.With(labels).Inc()

	if e.meter == nil {
		return
	}
	oc, ok := e.otelCtrs[name]
	if !ok {
		var err error
		oc, err = e.meter.Int64Counter(name)
		if err != nil {
			return
		}
		e.otelCtrs[name] = oc
	}
	oc.Add(context.Background(), 1, metric.WithAttributes(attributesFor(labels)...))
}

func (e *PrometheusEmitter) Tracer() trace.Tracer { return e.tracer }

// LogEmitter backs the Emitter interface with the process logger. It is
// the CLI's Emitter: a one-shot floe invocation has no long-lived
// registry to scrape counters from, so audit events and counters are
// logged as structured fields instead.
type LogEmitter struct {
	Logger logr.Logger
}

func (e LogEmitter) EmitVerification(_ context.Context, event schema.VerificationAuditEvent) {
	e.Logger.Info("verification audit event", "ref", event.Ref, "status", event.Status, "reason", event.Reason, "occurred_at", event.OccurredAt)
}

func (e LogEmitter) IncCounter(name string, labels map[string]string) {
	e.Logger.V(1).Info("counter increment", "name", name, "labels", labels)
}

func (e LogEmitter) Tracer() trace.Tracer { return otel.Tracer("floe") }

// attributesFor mirrors the Prometheus label set onto OTel attributes so
// the two emission paths carry the same dimensions.
func attributesFor(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
