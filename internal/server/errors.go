package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/agent/classification"
	"github.com/normanking/halalcert/internal/agent/extraction"
	"github.com/normanking/halalcert/internal/agent/stages"
	"github.com/normanking/halalcert/internal/bus"
	"github.com/normanking/halalcert/internal/orchestrator"
	"github.com/normanking/halalcert/internal/registrar"
	"github.com/normanking/halalcert/internal/system"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type errorClass struct {
	status int
	code   string
	errs   []error
}

// Checked in order; the first class with a matching sentinel wins.
var errorClasses = []errorClass{
	{http.StatusNotFound, "not_found", []error{
		certificate.ErrCertificateNotFound,
		orchestrator.ErrDefinitionNotFound,
		orchestrator.ErrExecutionNotFound,
	}},
	{http.StatusConflict, "conflict", []error{
		certificate.ErrAlreadyRevoked,
		orchestrator.ErrExecutionFinished,
		stages.ErrIllegalStageTransition,
		stages.ErrTerminalStage,
		stages.ErrStageMismatch,
		registrar.ErrDuplicateAgentID,
	}},
	{http.StatusUnprocessableEntity, "unprocessable", []error{
		agent.ErrInvalidInput,
		certificate.ErrNotEligible,
		certificate.ErrTemplateNotFound,
		stages.ErrUnknownStage,
		stages.ErrInvalidProfile,
		classification.ErrNoIngredients,
		extraction.ErrEmptyDocument,
		extraction.ErrUnsupportedKind,
	}},
	{http.StatusBadGateway, "upstream_unavailable", []error{
		classification.ErrClassificationUnavailable,
	}},
	{http.StatusServiceUnavailable, "unavailable", []error{
		registrar.ErrNoAgentForCapability,
		system.ErrNotStarted,
		agent.ErrNotInitialized,
		agent.ErrShutdown,
		bus.ErrClosed,
	}},
}

// statusFor maps an error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	for _, c := range errorClasses {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.status, c.code
			}
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeErr maps err through statusFor.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, err.Error())
}
