package elevenlabs

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/theNetworkChuck/claude-phone-sub000/core/texttospeech/elevenlabs"

var tracer = otel.Tracer(scopeName)
