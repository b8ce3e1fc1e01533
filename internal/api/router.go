package api

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func NewRouter(handler *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /call", handler.PlaceCall)
	mux.HandleFunc("GET /call/{callId}", handler.CallStatus)
	mux.HandleFunc("POST /call/{callId}/hangup", handler.HangupCall)
	mux.HandleFunc("POST /query", handler.Query)
	mux.HandleFunc("POST /ask", handler.Ask)
	mux.HandleFunc("POST /ask-structured", handler.AskStructured)
	mux.HandleFunc("POST /end-session", handler.EndSession)
	mux.HandleFunc("GET /health", handler.Health)

	return otelhttp.NewHandler(mux, "api")
}
