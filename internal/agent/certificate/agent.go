package certificate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/agent/classification"
	"github.com/normanking/halalcert/internal/bus"
)

// AgentID is the registry id of the certificate agent.
const AgentID = "certificate"

// DefaultValidity applies when neither the request nor Options set one.
const DefaultValidity = 365 * 24 * time.Hour

// Options configures the certificate agent. Zero values pick in-memory
// storage, the built-in templates and no signing.
type Options struct {
	Store     Store
	Artifacts ArtifactStore
	Renderer  *Renderer
	Signer    *Signer
	Validity  time.Duration
	Issuer    string
	Now       func() time.Time
}

// Revocation is the certificate-revoked payload.
type Revocation struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	Reason string `json:"reason"`
}

// Agent issues and manages certificates.
type Agent struct {
	*agent.Base
	opts Options
	seq  *Sequencer

	// serializes read-modify-write on a single record
	revokeMu sync.Mutex
}

// NewAgent creates the certificate agent.
func NewAgent(opts Options, b *bus.Bus, logger zerolog.Logger) (*Agent, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Artifacts == nil {
		opts.Artifacts = NewMemoryArtifacts()
	}
	if opts.Renderer == nil {
		r, err := NewRenderer("")
		if err != nil {
			return nil, err
		}
		opts.Renderer = r
	}
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.Issuer == "" {
		opts.Issuer = "Halal Certification Authority"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	caps := []agent.Capability{
		{Name: agent.CapGenerateCertificate, InputType: "certificate.Request", OutputType: "certificate.Record"},
		{Name: agent.CapVerifyCertificate, InputType: "certificate.VerifyRequest", OutputType: "certificate.Verification"},
		{Name: agent.CapRevokeCertificate, InputType: "certificate.RevokeRequest", OutputType: "certificate.Record"},
	}
	return &Agent{
		Base: agent.NewBase(agent.Identity{ID: AgentID, Name: "Certificate Issuer", Version: "1.0.0"}, caps, b, logger),
		opts: opts,
		seq:  NewSequencer(opts.Store),
	}, nil
}

// HealthCheck also probes the store when it supports it.
func (a *Agent) HealthCheck(ctx context.Context) error {
	if err := a.Ready(); err != nil {
		return err
	}
	if h, ok := a.opts.Store.(interface{ Health(context.Context) error }); ok {
		return h.Health(ctx)
	}
	return nil
}

// Process handles generate, verify and revoke requests.
func (a *Agent) Process(ctx context.Context, req agent.Request) (any, error) {
	if err := a.Ready(); err != nil {
		return nil, err
	}
	switch req.Capability {
	case agent.CapGenerateCertificate:
		in, err := agent.DecodeInput[Request](req.Input)
		if err != nil {
			return nil, err
		}
		return a.Generate(ctx, in)
	case agent.CapVerifyCertificate:
		in, err := agent.DecodeInput[VerifyRequest](req.Input)
		if err != nil {
			return nil, err
		}
		return a.Verify(ctx, in.ID)
	case agent.CapRevokeCertificate:
		in, err := agent.DecodeInput[RevokeRequest](req.Input)
		if err != nil {
			return nil, err
		}
		return a.Revoke(ctx, in.ID, in.Reason)
	default:
		return nil, a.Unsupported(req.Capability)
	}
}

// Generate issues a certificate.
func (a *Agent) Generate(ctx context.Context, req Request) (*Record, error) {
	product := strings.TrimSpace(req.Product)
	if product == "" && req.Classification != nil {
		product = strings.TrimSpace(req.Classification.ProductName)
	}
	if product == "" {
		return nil, fmt.Errorf("%w: product is required", agent.ErrInvalidInput)
	}
	typ, ok := ParseType(string(req.Type))
	if !ok {
		return nil, fmt.Errorf("%w: unknown certificate type %q", agent.ErrInvalidInput, req.Type)
	}
	if c := req.Classification; c != nil && c.Status != classification.StatusApproved {
		return nil, fmt.Errorf("%w: %s classified %s", ErrNotEligible, product, c.Status)
	}
	tmpl := req.Template
	if tmpl == "" {
		tmpl = typ.DefaultTemplate()
	}
	// Resolve the template before allocating so a miss never burns a number.
	if !a.opts.Renderer.Has(tmpl) {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, tmpl)
	}

	now := a.opts.Now().UTC().Truncate(time.Second)
	validity := a.opts.Validity
	if req.ValidityDays > 0 {
		validity = time.Duration(req.ValidityDays) * 24 * time.Hour
	}
	seq, number, err := a.seq.Next(ctx, typ, now.Year())
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:             uuid.NewString(),
		Number:         number,
		Type:           typ,
		Year:           now.Year(),
		Sequence:       seq,
		Product:        product,
		OrganizationID: req.OrganizationID,
		IssuedAt:       now,
		ValidFrom:      now,
		ValidUntil:     now.Add(validity),
		Status:         StatusActive,
		Template:       tmpl,
	}
	if c := req.Classification; c != nil {
		rec.ClassificationStatus = c.Status
		for _, ing := range c.Ingredients {
			rec.Ingredients = append(rec.Ingredients, ing.RawName)
		}
	}

	doc, err := a.opts.Renderer.Render(tmpl, View{Record: rec, Issuer: a.opts.Issuer})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(doc)
	rec.Digest = hex.EncodeToString(sum[:])
	if rec.ArtifactRef, err = a.opts.Artifacts.Put(ctx, rec.ID, doc); err != nil {
		return nil, fmt.Errorf("store artifact for %s: %w", rec.Number, err)
	}
	if a.opts.Signer != nil {
		payload, err := signingPayload(rec)
		if err != nil {
			return nil, err
		}
		if rec.Signature, err = a.opts.Signer.Sign(payload); err != nil {
			return nil, fmt.Errorf("sign %s: %w", rec.Number, err)
		}
	}
	if err := a.opts.Store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save %s: %w", rec.Number, err)
	}

	a.Logger.Info().
		Str("id", rec.ID).
		Str("number", rec.Number).
		Str("product", rec.Product).
		Time("valid_until", rec.ValidUntil).
		Msg("certificate issued")
	a.Emit(ctx, bus.TopicCertificateIssued, rec.Clone())
	return rec, nil
}

// Verify reports whether a certificate is currently valid. An unknown id is a
// negative verification, not an error.
func (a *Agent) Verify(ctx context.Context, id string) (*Verification, error) {
	now := a.opts.Now().UTC()
	v := &Verification{ID: id, CheckedAt: now}
	rec, err := a.opts.Store.Load(ctx, id)
	if errors.Is(err, ErrCertificateNotFound) {
		v.Reasons = []string{ReasonNotFound}
		return v, nil
	}
	if err != nil {
		return nil, err
	}

	if rec.Status == StatusRevoked {
		v.Reasons = append(v.Reasons, ReasonRevoked)
	}
	if !rec.ValidUntil.IsZero() && now.After(rec.ValidUntil) {
		v.Reasons = append(v.Reasons, ReasonExpired)
	}
	if a.opts.Signer != nil && rec.Signature != nil {
		payload, err := signingPayload(rec)
		if err != nil {
			return nil, err
		}
		if ok, err := a.opts.Signer.Verify(payload, rec.Signature); err != nil || !ok {
			v.Reasons = append(v.Reasons, ReasonSignatureInvalid)
		}
	}
	rec.Status = rec.StatusAt(now)
	v.Record = rec
	v.Valid = len(v.Reasons) == 0
	return v, nil
}

// Revoke marks a certificate revoked. Revocation is permanent.
func (a *Agent) Revoke(ctx context.Context, id, reason string) (*Record, error) {
	a.revokeMu.Lock()
	rec, err := a.opts.Store.Load(ctx, id)
	if err != nil {
		a.revokeMu.Unlock()
		return nil, err
	}
	if rec.Status == StatusRevoked {
		a.revokeMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRevoked, rec.Number)
	}
	at := a.opts.Now().UTC().Truncate(time.Second)
	rec.Status = StatusRevoked
	rec.RevokedAt = &at
	rec.RevocationReason = reason
	err = a.opts.Store.Save(ctx, rec)
	a.revokeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", rec.Number, err)
	}

	a.Logger.Warn().Str("id", rec.ID).Str("number", rec.Number).Str("reason", reason).Msg("certificate revoked")
	a.Emit(ctx, bus.TopicCertificateRevoked, Revocation{ID: rec.ID, Number: rec.Number, Reason: reason})
	return rec, nil
}

// Get returns a stored record with its effective status.
func (a *Agent) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := a.opts.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Status = rec.StatusAt(a.opts.Now())
	return rec, nil
}

// List returns all records with their effective status.
func (a *Agent) List(ctx context.Context) ([]*Record, error) {
	recs, err := a.opts.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := a.opts.Now()
	for _, r := range recs {
		r.Status = r.StatusAt(now)
	}
	return recs, nil
}

// Artifact returns the rendered document of a certificate.
func (a *Agent) Artifact(ctx context.Context, id string) ([]byte, error) {
	rec, err := a.opts.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.opts.Artifacts.Get(ctx, rec.ArtifactRef)
}

// Templates lists the available template names.
func (a *Agent) Templates() []string { return a.opts.Renderer.Names() }
