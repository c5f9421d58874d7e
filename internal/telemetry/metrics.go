// Package telemetry exports queue pair and completion queue metrics over
// OTLP.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yuuki/rverbs/internal/verbs"
)

const (
	serviceName    = "rverbs"
	serviceVersion = "0.1.0"
	meterName      = "github.com/yuuki/rverbs"
	exportInterval = 10 * time.Second
)

// Metrics holds the instruments. It implements rdma.Observer, so it can be
// attached to a completion queue directly.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	latency          metric.Float64Histogram
	completions      metric.Int64Counter
	completionErrors metric.Int64Counter

	probeRTT            metric.Float64Histogram
	probeResponderDelay metric.Float64Histogram
	probeProberDelay    metric.Float64Histogram
	probeFailures       metric.Int64Counter
}

// collectorEndpoint splits an OTLP collector address into the exporter
// protocol and host:port. A schemeless address such as "localhost:4317"
// means plaintext gRPC.
func collectorEndpoint(addr string) (scheme, endpoint string, err error) {
	parsed, err := url.Parse(addr)
	if err == nil && parsed.Host != "" {
		scheme = strings.ToLower(parsed.Scheme)
		switch scheme {
		case "grpc", "grpcs", "http", "https":
			return scheme, parsed.Host, nil
		default:
			return "", "", fmt.Errorf("unsupported OTLP exporter protocol scheme '%s' in %s: use 'grpc', 'grpcs', 'http', or 'https'", parsed.Scheme, addr)
		}
	}
	// "host:port" parses as scheme "host" with an opaque port, or fails
	// outright for numeric hosts.
	if addr != "" && !strings.Contains(addr, "/") && strings.Contains(addr, ":") {
		return "grpc", addr, nil
	}
	return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", addr)
}

func newExporter(ctx context.Context, addr string) (sdkmetric.Exporter, error) {
	scheme, endpoint, err := collectorEndpoint(addr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http":
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	case "https":
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}
	return exporter, nil
}

// NewMetrics exports to the collector at collectorAddr every ten seconds
// and installs the provider globally. An empty instanceID gets a random one.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(instanceID, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval)))
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

func newMetrics(instanceID string, reader sdkmetric.Reader) (*Metrics, error) {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	meter := provider.Meter(meterName)

	latency, err := meter.Float64Histogram(
		"rverbs.op.latency",
		metric.WithDescription("Time from posting a work request to reaping its completion in microseconds"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	completions, err := meter.Int64Counter(
		"rverbs.completions",
		metric.WithDescription("Number of completions reaped"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		return nil, err
	}
	completionErrors, err := meter.Int64Counter(
		"rverbs.completion_errors",
		metric.WithDescription("Number of completions with a non-success status"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		return nil, err
	}

	probeRTT, err := meter.Float64Histogram(
		"rverbs.probe.rtt",
		metric.WithDescription("Datagram probe round trip without responder processing in microseconds"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	probeResponderDelay, err := meter.Float64Histogram(
		"rverbs.probe.responder_delay",
		metric.WithDescription("Responder processing delay in microseconds"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	probeProberDelay, err := meter.Float64Histogram(
		"rverbs.probe.prober_delay",
		metric.WithDescription("Prober processing delay in microseconds"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	probeFailures, err := meter.Int64Counter(
		"rverbs.probe.failures",
		metric.WithDescription("Number of probes that timed out or failed"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:            provider,
		latency:             latency,
		completions:         completions,
		completionErrors:    completionErrors,
		probeRTT:            probeRTT,
		probeResponderDelay: probeResponderDelay,
		probeProberDelay:    probeProberDelay,
		probeFailures:       probeFailures,
	}, nil
}

func micros(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}

// RecordLatency records the round trip of one operation.
func (m *Metrics) RecordLatency(ctx context.Context, op verbs.WROpcode, d time.Duration) {
	m.latency.Record(ctx, micros(d), metric.WithAttributes(attribute.String("opcode", op.String())))
}

// RecordProbe records the outcome of one datagram probe to peer.
func (m *Metrics) RecordProbe(ctx context.Context, peer string, rtt, responderDelay, proberDelay time.Duration) {
	attrs := metric.WithAttributes(attribute.String("peer", peer))
	m.probeRTT.Record(ctx, micros(rtt), attrs)
	m.probeResponderDelay.Record(ctx, micros(responderDelay), attrs)
	m.probeProberDelay.Record(ctx, micros(proberDelay), attrs)
}

// RecordProbeFailure counts a probe to peer that got no answer.
func (m *Metrics) RecordProbeFailure(ctx context.Context, peer string) {
	m.probeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("peer", peer)))
}

// ObserveCompletion counts one reaped completion. The opcode of a failed
// completion is undefined, so only its status is recorded.
func (m *Metrics) ObserveCompletion(wc *verbs.Completion) {
	ctx := context.Background()
	if !wc.OK() {
		m.completionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("status", wc.Status.String())))
		return
	}
	m.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("opcode", wc.Opcode.String())))
}

// Shutdown flushes pending metrics and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
