package a2a

import (
	"net/http"
	"strings"

	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/config"
	"github.com/normanking/halalcert/internal/system"
)

// MountPath is where the HTTP server serves the A2A endpoints.
const MountPath = "/a2a/"

// NewHandler returns the A2A JSON-RPC endpoint and agent card handlers.
// The card lists the registered capabilities, so sys must be started.
func NewHandler(sys *system.System, cfg config.A2AConfig, addr string, logger zerolog.Logger) http.Handler {
	url := cfg.PublicURL
	if url == "" {
		url = "http://" + addr + MountPath
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	card := BuildCard(sys, url)
	logger.Info().Str("url", url).Int("skills", len(card.Skills)).Msg("a2a agent card ready")

	handler := a2asrv.NewHandler(NewExecutor(sys, logger))

	mux := http.NewServeMux()
	mux.Handle("/", a2asrv.NewJSONRPCHandler(handler))
	mux.Handle(a2asrv.WellKnownAgentCardPath, a2asrv.NewStaticAgentCardHandler(card))
	mux.Handle("/.well-known/agent.json", a2asrv.NewStaticAgentCardHandler(card))
	return mux
}

// Mount strips MountPath so h can be registered on the HTTP server.
func Mount(h http.Handler) http.Handler {
	return http.StripPrefix(strings.TrimSuffix(MountPath, "/"), h)
}
