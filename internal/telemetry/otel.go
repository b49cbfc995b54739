// Package telemetry wires OpenTelemetry tracing into the HTTP server, the
// provider transport and the request pipeline.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/teampulse/pulse-ai/internal/config"
)

const defaultCollector = "127.0.0.1:4318"

var (
	enabled atomic.Bool

	initOnce sync.Once
	initErr  error
	shutdown = func(context.Context) error { return nil }
)

// Init installs the global tracer provider once. OTEL_SDK_DISABLED and
// OTEL_EXPORTER_OTLP_ENDPOINT override cfg. Later calls return the first
// result.
func Init(cfg config.TelemetryConfig) (func(context.Context) error, error) {
	initOnce.Do(func() {
		if cfg.Disabled || strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")), "true") {
			return
		}

		res, err := resource.New(context.Background(), resource.WithAttributes(serviceAttributes(cfg.ServiceName)...))
		if err != nil {
			initErr = fmt.Errorf("telemetry resource: %w", err)
			return
		}

		raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		if raw == "" {
			raw = cfg.Endpoint
		}
		exporter, err := newExporter(parseCollector(raw))
		if err != nil {
			initErr = fmt.Errorf("telemetry exporter: %w", err)
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler(cfg.SampleRatio)),
			sdktrace.WithBatcher(exporter,
				sdktrace.WithBatchTimeout(5*time.Second),
				sdktrace.WithMaxExportBatchSize(512),
			),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		enabled.Store(true)
		shutdown = tp.Shutdown
		log.WithField("service", cfg.ServiceName).Info("tracing enabled")
	})
	return shutdown, initErr
}

func serviceAttributes(name string) []attribute.KeyValue {
	if name == "" {
		name = "pulse-ai"
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(name)}
	if version := strings.TrimSpace(os.Getenv("PULSE_VERSION")); version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(version))
	}
	return attrs
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// collector is where spans are exported.
type collector struct {
	host     string
	path     string
	insecure bool
}

// parseCollector accepts host:port or an http(s) URL. Bare host:port means
// plain HTTP.
func parseCollector(raw string) collector {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return collector{host: defaultCollector, insecure: true}
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err == nil && u.Host != "" {
			c := collector{host: u.Host, insecure: u.Scheme == "http"}
			if p := u.EscapedPath(); p != "/" {
				c.path = p
			}
			return c
		}
		log.Warnf("invalid OTLP endpoint %q, using it as host:port", raw)
	}
	return collector{host: raw, insecure: true}
}

func newExporter(c collector) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.host)}
	if c.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if c.path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(c.path))
	}
	return otlptracehttp.New(context.Background(), opts...)
}

// Enabled reports whether Init installed an exporter.
func Enabled() bool {
	return enabled.Load()
}

// GinMiddleware opens a server span per request.
func GinMiddleware(serviceName string) gin.HandlerFunc {
	if !Enabled() {
		return func(c *gin.Context) { c.Next() }
	}
	return otelgin.Middleware(serviceName)
}

// WrapTransport opens a client span per outgoing provider call.
func WrapTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	if !Enabled() {
		return rt
	}
	return otelhttp.NewTransport(rt)
}
