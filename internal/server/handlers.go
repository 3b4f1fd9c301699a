package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/agent/extraction"
	"github.com/normanking/halalcert/internal/agent/stages"
	"github.com/normanking/halalcert/internal/system"
)

const maxBodyBytes = 1 << 20

// AnalyzeRequest is the body of POST /api/v1/analyze.
type AnalyzeRequest struct {
	ProductName string   `json:"product_name"`
	Ingredients []string `json:"ingredients"`
}

// RunWorkflowRequest is the body of POST /api/v1/workflows/{id}/executions.
type RunWorkflowRequest struct {
	Input json.RawMessage `json:"input"`
	// Async returns 202 with the execution id instead of waiting.
	Async bool `json:"async,omitempty"`
}

// RevokeRequest is the body of POST /api/v1/certificates/{id}/revoke.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// AdvanceRequest is the body of POST /api/v1/organizations/{org}/cases/{case}/advance.
type AdvanceRequest struct {
	CurrentStage stages.StageKey `json:"current_stage,omitempty"`
	Target       stages.StageKey `json:"target,omitempty"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	system.Status
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.Handle("GET /api/v1/events/stream", s.observer)

	mux.HandleFunc("POST /api/v1/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/v1/extract", s.handleExtract)

	mux.HandleFunc("GET /api/v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/v1/workflows/{id}/executions", s.handleRunWorkflow)
	mux.HandleFunc("GET /api/v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.handleCancelExecution)

	mux.HandleFunc("GET /api/v1/certificates", s.handleListCertificates)
	mux.HandleFunc("POST /api/v1/certificates", s.handleGenerateCertificate)
	mux.HandleFunc("GET /api/v1/certificates/templates", s.handleTemplates)
	mux.HandleFunc("GET /api/v1/certificates/{id}", s.handleGetCertificate)
	mux.HandleFunc("GET /api/v1/certificates/{id}/verify", s.handleVerifyCertificate)
	mux.HandleFunc("GET /api/v1/certificates/{id}/artifact", s.handleArtifact)
	mux.HandleFunc("POST /api/v1/certificates/{id}/revoke", s.handleRevokeCertificate)

	mux.HandleFunc("GET /api/v1/organizations/{org}/workflow-config", s.handleWorkflowConfig)
	mux.HandleFunc("POST /api/v1/organizations/{org}/cases/{case}/advance", s.handleAdvanceStage)
}

// readJSON decodes the body into v. An empty body leaves v untouched.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", agent.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.sys.GetSystemStatus()
	writeJSON(w, http.StatusOK, StatusResponse{
		Version: system.Version,
		Uptime:  st.Uptime.Round(time.Second).String(),
		Status:  st,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.Metrics())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 {
		n = v
	}
	writeJSON(w, http.StatusOK, s.sys.Bus().History(n))
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.sys.AnalyzeIngredients(r.Context(), req.Ingredients, req.ProductName)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extraction.Request
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	doc, err := s.sys.ExtractDocument(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.Workflows())
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req RunWorkflowRequest
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	var input any
	if len(req.Input) > 0 {
		input = req.Input
	}
	id := r.PathValue("id")

	if req.Async {
		execID, err := s.sys.StartWorkflow(r.Context(), id, input)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
		return
	}

	// A failed or cancelled run is still a result; only a run that never
	// started is an error.
	exec, err := s.sys.ExecuteWorkflow(r.Context(), id, input)
	if exec == nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.ListExecutions())
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.sys.GetExecution(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sys.CancelExecution(id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id, "status": "cancelling"})
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	list, err := s.sys.ListCertificates(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGenerateCertificate(w http.ResponseWriter, r *http.Request) {
	var req certificate.Request
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	rec, err := s.sys.GenerateCertificate(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/certificates/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.CertificateTemplates())
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sys.GetCertificate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleVerifyCertificate(w http.ResponseWriter, r *http.Request) {
	v, err := s.sys.VerifyCertificate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	data, err := s.sys.CertificateArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	rec, err := s.sys.RevokeCertificate(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleWorkflowConfig(w http.ResponseWriter, r *http.Request) {
	p, err := s.sys.WorkflowConfig(r.Context(), r.PathValue("org"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAdvanceStage(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	tr, err := s.sys.AdvanceStage(r.Context(), stages.AdvanceRequest{
		OrgID:        r.PathValue("org"),
		InstanceID:   r.PathValue("case"),
		CurrentStage: req.CurrentStage,
		Target:       req.Target,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}
