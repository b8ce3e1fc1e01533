package api

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/theNetworkChuck/claude-phone-sub000/internal/api"

var logger = otelslog.NewLogger(scopeName)
