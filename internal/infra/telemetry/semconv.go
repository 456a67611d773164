// Package telemetry wires OpenTelemetry metrics for the runner and defines its attribute keys.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by runner instruments.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrRunPath distinguishes live executions from historical replays.
	AttrRunPath = attribute.Key("run.path")
	// AttrEngineKind labels the engine a run was routed to (test, production).
	AttrEngineKind = attribute.Key("engine.kind")
	// AttrBackground is true when the run executed off the caller's goroutine.
	AttrBackground = attribute.Key("run.background")
	// AttrResult records the outcome of an operation (success, or an error code).
	AttrResult = attribute.Key("result")
	// AttrChannel names a notification channel (telegram, discord).
	AttrChannel = attribute.Key("notify.channel")
	// AttrRoute is the control API route template.
	AttrRoute = attribute.Key("http.route")
	// AttrStatus communicates the HTTP status class of a control API response.
	AttrStatus = attribute.Key("status")
)

// ResultSuccess is the AttrResult value for operations that returned no error.
const ResultSuccess = "success"

// RunAttributes returns common attributes for dispatch metrics.
func RunAttributes(environment, path, engineKind string, background bool, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRunPath.String(path),
		AttrBackground.Bool(background),
	}
	if engineKind != "" {
		attrs = append(attrs, AttrEngineKind.String(engineKind))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// NotifyAttributes returns attributes for notification delivery metrics.
func NotifyAttributes(environment, channel, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
		AttrResult.String(result),
	}
}

// RequestAttributes returns attributes for control API request metrics.
func RequestAttributes(environment, route, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRoute.String(route),
		AttrStatus.String(status),
	}
}
