package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName — имя инструментации для всех span'ов процессов.
const TracerName = "github.com/shaiso/procorch"

// Tracer возвращает tracer глобального провайдера.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// SetupTracing настраивает экспорт трасс по OTLP/HTTP.
//
// Если OTEL_EXPORTER_OTLP_ENDPOINT не задан, глобальный провайдер
// остаётся no-op. Остальные параметры экспортера (заголовки, TLS)
// otlptracehttp читает из стандартных OTEL_* переменных.
// Возвращает функцию остановки, которая сбрасывает буфер span'ов.
func SetupTracing(ctx context.Context, service string) (func(context.Context) error, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", service),
		)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
