package system

import (
	"context"
	"fmt"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/agent/classification"
	"github.com/normanking/halalcert/internal/agent/extraction"
	"github.com/normanking/halalcert/internal/orchestrator"
)

// Built-in workflow ids.
const (
	WorkflowCertifyProduct     = "certify-product"
	WorkflowClassifyAndCertify = "classify-and-certify"
)

// CertifyInput is the initial input of the built-in workflows. certify-product
// reads Kind and Locator; classify-and-certify reads Ingredients.
type CertifyInput struct {
	Kind        string   `json:"kind,omitempty"`
	Locator     string   `json:"locator,omitempty"`
	ProductName string   `json:"product_name,omitempty"`
	Ingredients []string `json:"ingredients,omitempty"`

	OrganizationID  string `json:"organization_id,omitempty"`
	CertificateType string `json:"certificate_type,omitempty"`
	Template        string `json:"template,omitempty"`
	ValidityDays    int    `json:"validity_days,omitempty"`
}

func transforms() map[string]orchestrator.TransformFunc {
	return map[string]orchestrator.TransformFunc{
		"extraction-request":     toExtractionRequest,
		"classification-request": toClassificationRequest,
		"certificate-request":    toCertificateRequest,
	}
}

func toExtractionRequest(_ context.Context, value any, _ orchestrator.Results) (any, error) {
	in, err := agent.DecodeInput[CertifyInput](value)
	if err != nil {
		return nil, err
	}
	if in.Kind == "" || in.Locator == "" {
		return nil, fmt.Errorf("%w: kind and locator are required", agent.ErrInvalidInput)
	}
	return extraction.Request{Kind: in.Kind, Locator: in.Locator, ProductName: in.ProductName}, nil
}

// toClassificationRequest accepts an extracted document or the initial input.
func toClassificationRequest(_ context.Context, value any, _ orchestrator.Results) (any, error) {
	if doc, ok := value.(*extraction.Document); ok {
		return classification.Request{ProductName: doc.ProductName, Ingredients: doc.Ingredients}, nil
	}
	in, err := agent.DecodeInput[CertifyInput](value)
	if err != nil {
		return nil, err
	}
	return classification.Request{ProductName: in.ProductName, Ingredients: in.Ingredients}, nil
}

// toCertificateRequest combines the classification with the issuing details
// from the initial input.
func toCertificateRequest(_ context.Context, value any, results orchestrator.Results) (any, error) {
	res, ok := value.(*classification.Result)
	if !ok {
		return nil, fmt.Errorf("%w: expected a classification result, got %T", agent.ErrInvalidInput, value)
	}
	in, err := agent.DecodeInput[CertifyInput](results[orchestrator.SourceInitial])
	if err != nil {
		return nil, err
	}
	product := res.ProductName
	if product == "" {
		product = in.ProductName
	}
	return certificate.Request{
		Type:           certificate.Type(in.CertificateType),
		Template:       in.Template,
		Product:        product,
		OrganizationID: in.OrganizationID,
		ValidityDays:   in.ValidityDays,
		Classification: res,
	}, nil
}
