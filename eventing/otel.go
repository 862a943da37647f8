package eventing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var tracer = otel.Tracer("github.com/fitlab/go-fitness/eventing")

var propagator = propagation.TraceContext{}
