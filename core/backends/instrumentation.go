package backends

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/theNetworkChuck/claude-phone-sub000/core/backends"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var (
	queryCounter, _    = meter.Int64Counter("backend.queries")
	degradedCounter, _ = meter.Int64Counter("backend.degraded")
)
