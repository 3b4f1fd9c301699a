package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/agent/classification"
)

// CertificateStore persists certificate records. It implements
// certificate.Store.
type CertificateStore struct {
	db *DB
}

var _ certificate.Store = (*CertificateStore)(nil)

// NewCertificateStore returns a store over an open database.
func NewCertificateStore(db *DB) *CertificateStore {
	return &CertificateStore{db: db}
}

// OpenCertificateStore opens the database at path and returns its
// certificate store. Close releases the database.
func OpenCertificateStore(path string) (*CertificateStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewCertificateStore(db), nil
}

// Close closes the underlying database.
func (s *CertificateStore) Close() error { return s.db.Close() }

// Health checks the underlying database.
func (s *CertificateStore) Health(ctx context.Context) error { return s.db.Health(ctx) }

const certificateColumns = `
	id, number, type, year, sequence, product, organization_id,
	issued_at, valid_from, valid_until, status, revoked_at, revocation_reason,
	template, artifact_ref, digest, signature, classification_status, ingredients`

// Save inserts or replaces a record.
func (s *CertificateStore) Save(ctx context.Context, rec *certificate.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("certificate ID cannot be empty")
	}
	var sig, ingredients any
	if rec.Signature != nil {
		b, err := json.Marshal(rec.Signature)
		if err != nil {
			return fmt.Errorf("marshal signature: %w", err)
		}
		sig = string(b)
	}
	if len(rec.Ingredients) > 0 {
		b, err := json.Marshal(rec.Ingredients)
		if err != nil {
			return fmt.Errorf("marshal ingredients: %w", err)
		}
		ingredients = string(b)
	}
	var revokedAt any
	if rec.RevokedAt != nil {
		revokedAt = formatTime(*rec.RevokedAt)
	}

	query := `
		INSERT INTO certificates (` + certificateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product = excluded.product,
			organization_id = excluded.organization_id,
			valid_until = excluded.valid_until,
			status = excluded.status,
			revoked_at = excluded.revoked_at,
			revocation_reason = excluded.revocation_reason,
			artifact_ref = excluded.artifact_ref,
			digest = excluded.digest,
			signature = excluded.signature
	`
	_, err := s.db.db.ExecContext(ctx, query,
		rec.ID, rec.Number, string(rec.Type), rec.Year, rec.Sequence, rec.Product, nullString(rec.OrganizationID),
		formatTime(rec.IssuedAt), formatTime(rec.ValidFrom), formatTime(rec.ValidUntil), string(rec.Status), revokedAt, nullString(rec.RevocationReason),
		rec.Template, nullString(rec.ArtifactRef), nullString(rec.Digest), sig, nullString(string(rec.ClassificationStatus)), ingredients,
	)
	if err != nil {
		return fmt.Errorf("save certificate %s: %w", rec.Number, err)
	}
	return nil
}

// Load returns a record by id, or certificate.ErrCertificateNotFound.
func (s *CertificateStore) Load(ctx context.Context, id string) (*certificate.Record, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = ?`, id)
	rec, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", certificate.ErrCertificateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query certificate: %w", err)
	}
	return rec, nil
}

// List returns all records ordered by issue time, then number.
func (s *CertificateStore) List(ctx context.Context) ([]*certificate.Record, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT `+certificateColumns+` FROM certificates ORDER BY issued_at, number`)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	var out []*certificate.Record
	for rows.Next() {
		rec, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MaxSequence returns the highest allocated sequence for (t, year), or 0.
func (s *CertificateStore) MaxSequence(ctx context.Context, t certificate.Type, year int) (int64, error) {
	var seq sql.NullInt64
	err := s.db.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM certificates WHERE type = ? AND year = ?`, string(t), year,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return seq.Int64, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCertificate(sc scanner) (*certificate.Record, error) {
	var (
		rec                                             certificate.Record
		typ, status                                     string
		issuedAt, validFrom, validUntil                 string
		org, revokedAt, reason, ref, digest, sig, class sql.NullString
		ingredients                                     sql.NullString
	)
	err := sc.Scan(
		&rec.ID, &rec.Number, &typ, &rec.Year, &rec.Sequence, &rec.Product, &org,
		&issuedAt, &validFrom, &validUntil, &status, &revokedAt, &reason,
		&rec.Template, &ref, &digest, &sig, &class, &ingredients,
	)
	if err != nil {
		return nil, err
	}
	rec.Type = certificate.Type(typ)
	rec.Status = certificate.Status(status)
	rec.OrganizationID = org.String
	rec.RevocationReason = reason.String
	rec.ArtifactRef = ref.String
	rec.Digest = digest.String
	rec.ClassificationStatus = classification.Status(class.String)

	if rec.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}
	if rec.ValidFrom, err = parseTime(validFrom); err != nil {
		return nil, err
	}
	if rec.ValidUntil, err = parseTime(validUntil); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t, err := parseTime(revokedAt.String)
		if err != nil {
			return nil, err
		}
		rec.RevokedAt = &t
	}
	if sig.Valid {
		rec.Signature = &certificate.Signature{}
		if err := json.Unmarshal([]byte(sig.String), rec.Signature); err != nil {
			return nil, fmt.Errorf("unmarshal signature: %w", err)
		}
	}
	if ingredients.Valid {
		if err := json.Unmarshal([]byte(ingredients.String), &rec.Ingredients); err != nil {
			return nil, fmt.Errorf("unmarshal ingredients: %w", err)
		}
	}
	return &rec, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
