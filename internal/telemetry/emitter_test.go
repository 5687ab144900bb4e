package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/floe-dev/floe/internal/schema"
)

type fakeAuditSink struct{ events []schema.VerificationAuditEvent }

func (f *fakeAuditSink) Record(e schema.VerificationAuditEvent) { f.events = append(f.events, e) }

var _ = Describe("InMemoryEmitter", func() {
	It("accumulates audit events and counters", func() {
		e := NewInMemoryEmitter(noop.NewTracerProvider().Tracer("test"))
		e.EmitVerification(context.Background(), schema.VerificationAuditEvent{Ref: "ref1", Status: "VALID"})
		e.EmitVerification(context.Background(), schema.VerificationAuditEvent{Ref: "ref2", Status: "INVALID"})
		e.IncCounter("pull_total", nil)
		e.IncCounter("pull_total", nil)

		events := e.Events()
		Expect(events).To(HaveLen(2))
		Expect(events[0].Ref).To(Equal("ref1"))
		Expect(events[1].Ref).To(Equal("ref2"))
		Expect(e.counters).To(HaveKeyWithValue("pull_total", 2))
	})

	It("returns the injected tracer", func() {
		tracer := noop.NewTracerProvider().Tracer("test")
		e := NewInMemoryEmitter(tracer)
		Expect(e.Tracer()).To(Equal(tracer))
	})
})

var _ = Describe("PrometheusEmitter", func() {
	It("forwards verification events to the injected AuditSink", func() {
		sink := &fakeAuditSink{}
		e := NewPrometheusEmitter(prometheus.NewRegistry(), nil, sink, noop.NewTracerProvider().Tracer("test"))
		e.EmitVerification(context.Background(), schema.VerificationAuditEvent{Ref: "ref1", Status: "VALID"})
		Expect(sink.events).To(HaveLen(1))
	})

	It("lazily registers a counter vec per metric name", func() {
		e := NewPrometheusEmitter(prometheus.NewRegistry(), nil, nil, noop.NewTracerProvider().Tracer("test"))
		e.IncCounter("registry_pull_total", map[string]string{"repo": "platform"})
		e.IncCounter("registry_pull_total", map[string]string{"repo": "platform"})
		Expect(e.counters).To(HaveKey("registry_pull_total"))
	})

	It("also mirrors increments onto an OTel counter when a Meter is configured", func() {
		meter := metricnoop.NewMeterProvider().Meter("test")
		e := NewPrometheusEmitter(prometheus.NewRegistry(), meter, nil, noop.NewTracerProvider().Tracer("test"))
		e.IncCounter("registry_push_total", map[string]string{"repo": "platform"})
		Expect(e.otelCtrs).To(HaveKey("registry_push_total"))
	})

	It("carries Prometheus labels over as OTel attributes", func() {
		attrs := attributesFor(map[string]string{"repo": "platform"})
		Expect(attrs).To(HaveLen(1))
		Expect(attrs[0].Key).To(Equal(attribute.Key("repo")))
		Expect(attrs[0].Value.AsString()).To(Equal("platform"))
	})
})
