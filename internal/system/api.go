package system

import (
	"context"
	"fmt"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/agent/classification"
	"github.com/normanking/halalcert/internal/agent/extraction"
	"github.com/normanking/halalcert/internal/agent/stages"
	"github.com/normanking/halalcert/internal/orchestrator"
)

// route sends a point request through the orchestrator and asserts the
// agent's result type.
func route[T any](ctx context.Context, s *System, capability string, input any) (T, error) {
	var zero T
	if !s.running() {
		return zero, ErrNotStarted
	}
	out, err := s.orchestrator.RouteRequest(ctx, capability, input)
	if err != nil {
		return zero, err
	}
	v, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%s returned %T", capability, out)
	}
	return v, nil
}

func (s *System) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Route exposes raw capability routing to transports.
func (s *System) Route(ctx context.Context, capability string, input any) (any, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	return s.orchestrator.RouteRequest(ctx, capability, input)
}

// AnalyzeIngredients classifies an ingredient list.
func (s *System) AnalyzeIngredients(ctx context.Context, ingredients []string, productName string) (*classification.Result, error) {
	return route[*classification.Result](ctx, s, agent.CapClassifyIngredients,
		classification.Request{ProductName: productName, Ingredients: ingredients})
}

// ProcessDocument extracts the ingredient declaration from a document.
func (s *System) ProcessDocument(ctx context.Context, kind, locator string) (*extraction.Document, error) {
	return s.ExtractDocument(ctx, extraction.Request{Kind: kind, Locator: locator})
}

// ExtractDocument is ProcessDocument with the full request, including
// chaining into classification.
func (s *System) ExtractDocument(ctx context.Context, req extraction.Request) (*extraction.Document, error) {
	return route[*extraction.Document](ctx, s, agent.CapExtractIngredients, req)
}

// ExecuteWorkflow runs a workflow to completion.
func (s *System) ExecuteWorkflow(ctx context.Context, id string, input any) (*orchestrator.Execution, error) {
	if !s.running() {
		return nil, ErrNotStarted
	}
	return s.orchestrator.ExecuteWorkflow(ctx, id, input)
}

// StartWorkflow runs a workflow in the background and returns its execution id.
func (s *System) StartWorkflow(ctx context.Context, id string, input any) (string, error) {
	if !s.running() {
		return "", ErrNotStarted
	}
	return s.orchestrator.StartWorkflow(ctx, id, input)
}

// CancelExecution requests cooperative cancellation.
func (s *System) CancelExecution(id string) error { return s.orchestrator.CancelExecution(id) }

// GetExecution returns a snapshot of an execution.
func (s *System) GetExecution(id string) (*orchestrator.Execution, error) {
	return s.orchestrator.GetExecution(id)
}

// WaitExecution blocks until the execution finishes or ctx is done.
func (s *System) WaitExecution(ctx context.Context, id string) (*orchestrator.Execution, error) {
	return s.orchestrator.Wait(ctx, id)
}

// ListExecutions returns snapshots of retained executions.
func (s *System) ListExecutions() []*orchestrator.Execution { return s.orchestrator.ListExecutions() }

// Workflows returns the registered workflow definitions.
func (s *System) Workflows() []*orchestrator.Definition { return s.orchestrator.Definitions() }

// GenerateCertificate issues a certificate.
func (s *System) GenerateCertificate(ctx context.Context, req certificate.Request) (*certificate.Record, error) {
	return route[*certificate.Record](ctx, s, agent.CapGenerateCertificate, req)
}

// VerifyCertificate checks a certificate's validity.
func (s *System) VerifyCertificate(ctx context.Context, id string) (*certificate.Verification, error) {
	return route[*certificate.Verification](ctx, s, agent.CapVerifyCertificate, certificate.VerifyRequest{ID: id})
}

// RevokeCertificate revokes a certificate.
func (s *System) RevokeCertificate(ctx context.Context, id, reason string) (*certificate.Record, error) {
	return route[*certificate.Record](ctx, s, agent.CapRevokeCertificate, certificate.RevokeRequest{ID: id, Reason: reason})
}

// GetCertificate loads a stored certificate.
func (s *System) GetCertificate(ctx context.Context, id string) (*certificate.Record, error) {
	return s.certificates.Get(ctx, id)
}

// ListCertificates returns every stored certificate.
func (s *System) ListCertificates(ctx context.Context) ([]*certificate.Record, error) {
	return s.certificates.List(ctx)
}

// CertificateArtifact returns the rendered certificate document.
func (s *System) CertificateArtifact(ctx context.Context, id string) ([]byte, error) {
	return s.certificates.Artifact(ctx, id)
}

// CertificateTemplates lists the available template names.
func (s *System) CertificateTemplates() []string { return s.certificates.Templates() }

// WorkflowConfig returns an organization's stage profile.
func (s *System) WorkflowConfig(ctx context.Context, orgID string) (*stages.Profile, error) {
	return route[*stages.Profile](ctx, s, agent.CapGetWorkflowConfig, stages.ConfigRequest{OrgID: orgID})
}

// AdvanceStage moves a certification case to its next stage.
func (s *System) AdvanceStage(ctx context.Context, req stages.AdvanceRequest) (*stages.Transition, error) {
	return route[*stages.Transition](ctx, s, agent.CapAdvanceStage, req)
}
