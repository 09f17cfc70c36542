// Package telemetry provides OpenTelemetry tracing for sessions, scheduled
// ticks and supervisor api calls.
//
// InitProvider wires an OTLP exporter (grpc or http) and installs a global
// Tracer. Without it every helper records into a no-op tracer, so callers
// never need to check whether tracing is configured.
//
//	ctx, span := tracer.StartCallSpan(ctx, "farm.FarmService/AllLands")
//	body, err := sess.Call(ctx, ep, req, 0)
//	tracer.EndCallSpan(span, telemetry.CallSpanOptions{Seq: seq}, err)
package telemetry
