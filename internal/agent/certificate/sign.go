package certificate

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// AlgEd25519 is the only supported signature algorithm.
const AlgEd25519 = "ed25519"

// DevKeyWarning is returned by LoadSigner in dev mode.
const DevKeyWarning = "dev mode: ephemeral signing key generated; certificates will not verify after restart"

// Signature covers the canonical JSON of a record's immutable fields.
type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest"`
}

// KeyConfig selects the signing key. Mode "dev" generates an ephemeral key;
// "prod" reads a base64 ed25519 private key from a file or env var.
type KeyConfig struct {
	Mode           string `mapstructure:"mode" yaml:"mode"`
	PrivateKeyPath string `mapstructure:"private_key_path" yaml:"private_key_path"`
	PrivateKeyEnv  string `mapstructure:"private_key_env" yaml:"private_key_env"`
}

// Signer signs and verifies certificate records.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner wraps an existing key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// GenerateSigner creates a signer with a fresh key.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewSigner(priv), nil
}

// LoadSigner resolves the signing key from cfg. Warnings are returned for the
// caller to log.
func LoadSigner(cfg KeyConfig) (*Signer, []string, error) {
	switch cfg.Mode {
	case "", "dev":
		if cfg.PrivateKeyPath != "" || cfg.PrivateKeyEnv != "" {
			return nil, nil, fmt.Errorf("dev mode does not accept explicit key sources")
		}
		s, err := GenerateSigner()
		if err != nil {
			return nil, nil, err
		}
		return s, []string{DevKeyWarning}, nil
	case "prod":
		var encoded string
		switch {
		case cfg.PrivateKeyPath != "" && cfg.PrivateKeyEnv != "":
			return nil, nil, fmt.Errorf("private key source: set either path or env")
		case cfg.PrivateKeyPath != "":
			b, err := os.ReadFile(cfg.PrivateKeyPath)
			if err != nil {
				return nil, nil, fmt.Errorf("read private key: %w", err)
			}
			encoded = string(b)
		case cfg.PrivateKeyEnv != "":
			encoded = os.Getenv(cfg.PrivateKeyEnv)
			if strings.TrimSpace(encoded) == "" {
				return nil, nil, fmt.Errorf("private key env not set: %s", cfg.PrivateKeyEnv)
			}
		default:
			return nil, nil, fmt.Errorf("prod mode requires a private key source")
		}
		priv, err := ParsePrivateKey(encoded)
		if err != nil {
			return nil, nil, err
		}
		return NewSigner(priv), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported key mode: %q", cfg.Mode)
	}
}

// ParsePrivateKey decodes a base64 ed25519 private key.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if l := len(raw); l != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", l)
	}
	return ed25519.PrivateKey(raw), nil
}

// EncodePrivateKey returns the base64 form read by ParsePrivateKey.
func (s *Signer) EncodePrivateKey() string {
	return base64.StdEncoding.EncodeToString(s.priv)
}

// KeyID is the hex SHA-256 of the public key.
func (s *Signer) KeyID() string {
	sum := sha256.Sum256(s.pub)
	return hex.EncodeToString(sum[:])
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign canonicalizes payload (RFC 8785), hashes it and signs the digest.
func (s *Signer) Sign(payload []byte) (*Signature, error) {
	digest, err := digestJCS(payload)
	if err != nil {
		return nil, err
	}
	return &Signature{
		Alg:          AlgEd25519,
		KeyID:        s.KeyID(),
		Sig:          base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, digest)),
		SignedDigest: hex.EncodeToString(digest),
	}, nil
}

// Verify checks sig against payload.
func (s *Signer) Verify(payload []byte, sig *Signature) (bool, error) {
	if sig == nil {
		return false, fmt.Errorf("missing signature")
	}
	if sig.Alg != AlgEd25519 {
		return false, fmt.Errorf("unsupported alg: %s", sig.Alg)
	}
	if sig.KeyID != s.KeyID() {
		return false, nil
	}
	digest, err := digestJCS(payload)
	if err != nil {
		return false, err
	}
	if hex.EncodeToString(digest) != sig.SignedDigest {
		return false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return false, fmt.Errorf("decode sig: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(s.pub, digest, raw), nil
}

func digestJCS(payload []byte) ([]byte, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// signedFields are the parts of a record that never change after issuance.
type signedFields struct {
	ID             string    `json:"id"`
	Number         string    `json:"number"`
	Type           Type      `json:"type"`
	Product        string    `json:"product"`
	OrganizationID string    `json:"organization_id"`
	IssuedAt       time.Time `json:"issued_at"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
	Template       string    `json:"template"`
	Digest         string    `json:"digest"`
}

func signingPayload(r *Record) ([]byte, error) {
	return json.Marshal(signedFields{
		ID:             r.ID,
		Number:         r.Number,
		Type:           r.Type,
		Product:        r.Product,
		OrganizationID: r.OrganizationID,
		IssuedAt:       r.IssuedAt.UTC(),
		ValidFrom:      r.ValidFrom.UTC(),
		ValidUntil:     r.ValidUntil.UTC(),
		Template:       r.Template,
		Digest:         r.Digest,
	})
}
