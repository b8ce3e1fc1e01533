package orchestration

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/theNetworkChuck/claude-phone-sub000/core"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var (
	callsStartedCounter, _ = meter.Int64Counter("calls.started")
	callTurnsCounter, _    = meter.Int64Counter("calls.turns")
)
