// Package certificate issues, verifies and revokes halal certificates.
package certificate

import (
	"errors"
	"strings"
	"time"

	"github.com/normanking/halalcert/internal/agent/classification"
)

// Type selects numbering prefix and default template.
type Type string

const (
	TypeStandard Type = "standard"
	TypeExport   Type = "export"
	TypeProduct  Type = "product"
)

// Prefix returns the number prefix for the type.
func (t Type) Prefix() string {
	switch t {
	case TypeExport:
		return "HE"
	case TypeProduct:
		return "HP"
	default:
		return "HC"
	}
}

// DefaultTemplate returns the template used when a request names none.
func (t Type) DefaultTemplate() string {
	switch t {
	case TypeExport:
		return "export"
	case TypeProduct:
		return "summary"
	default:
		return "standard"
	}
}

// ParseType accepts a type name; empty means standard.
func ParseType(s string) (Type, bool) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TypeStandard, true
	case TypeStandard, TypeExport, TypeProduct:
		return t, true
	default:
		return "", false
	}
}

// Status is the lifecycle state of a record. Only active and revoked are
// stored; expired is derived from the validity window.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Verification failure reasons.
const (
	ReasonNotFound         = "not-found"
	ReasonRevoked          = "revoked"
	ReasonExpired          = "expired"
	ReasonSignatureInvalid = "signature-invalid"
)

var (
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrTemplateNotFound    = errors.New("certificate template not found")
	ErrAlreadyRevoked      = errors.New("certificate already revoked")
	ErrNotEligible         = errors.New("product not eligible for certification")
)

// Request is the generate-certificate payload.
type Request struct {
	Type           Type   `json:"type,omitempty"`
	Template       string `json:"template,omitempty"`
	Product        string `json:"product"`
	OrganizationID string `json:"organization_id,omitempty"`
	ValidityDays   int    `json:"validity_days,omitempty"`

	// Classification, when present, must be Approved.
	Classification *classification.Result `json:"classification,omitempty"`
}

// VerifyRequest is the verify-certificate payload.
type VerifyRequest struct {
	ID string `json:"id"`
}

// RevokeRequest is the revoke-certificate payload.
type RevokeRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Record is an issued certificate.
type Record struct {
	ID             string    `json:"id"`
	Number         string    `json:"number"`
	Type           Type      `json:"type"`
	Year           int       `json:"year"`
	Sequence       int64     `json:"sequence"`
	Product        string    `json:"product"`
	OrganizationID string    `json:"organization_id,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
	Status         Status    `json:"status"`

	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`

	Template    string `json:"template"`
	ArtifactRef string `json:"artifact_ref"`
	// Digest is the SHA-256 of the rendered artifact.
	Digest    string     `json:"digest"`
	Signature *Signature `json:"signature,omitempty"`

	ClassificationStatus classification.Status `json:"classification_status,omitempty"`
	Ingredients          []string              `json:"ingredients,omitempty"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out := *r
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		out.RevokedAt = &t
	}
	if r.Signature != nil {
		s := *r.Signature
		out.Signature = &s
	}
	out.Ingredients = append([]string(nil), r.Ingredients...)
	return &out
}

// StatusAt derives the effective status at t.
func (r *Record) StatusAt(t time.Time) Status {
	if r.Status == StatusRevoked {
		return StatusRevoked
	}
	if !r.ValidUntil.IsZero() && t.After(r.ValidUntil) {
		return StatusExpired
	}
	return StatusActive
}

// Verification is the verify-certificate result.
type Verification struct {
	ID        string    `json:"id"`
	Valid     bool      `json:"valid"`
	Record    *Record   `json:"record,omitempty"`
	Reasons   []string  `json:"reasons,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}
