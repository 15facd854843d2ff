// Package telemetry wraps the daemon's event loop and control loop in
// OpenTelemetry spans. Grounded on
// getployz-ployz/pkg/sdk/telemetry/operation.go's tracer/span wrapper and
// getployz-ployz/cmd/ployzd/main.go's process-wide TracerProvider setup.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name the daemon registers under.
const InstrumentationName = "github.com/anlsys/nrmd"

// Setup installs a process-wide TracerProvider and returns a shutdown
// func to flush on exit.
func Setup() func(context.Context) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer returns the daemon's tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Dispatch wraps one event-loop dispatch (an incoming message handler or
// a periodic callback) in a span named by kind, recording any error the
// handler returns without altering control flow — handler errors in the
// core are trapped and logged, never propagated to loop shutdown.
func Dispatch(ctx context.Context, kind string, fn func(context.Context) error) error {
	ctx, span := Tracer().Start(ctx, strings.TrimSpace(kind))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
