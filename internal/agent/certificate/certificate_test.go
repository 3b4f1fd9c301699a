package certificate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/agent/classification"
	"github.com/normanking/halalcert/internal/bus"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAgent(t *testing.T, opts Options) (*Agent, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clk.Now
	}
	a, err := NewAgent(opts, bus.NewBus(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	return a, clk
}

func TestNumbersStrictlyIncreaseUnderConcurrency(t *testing.T) {
	a, _ := newTestAgent(t, Options{})
	ctx := context.Background()

	const n = 64
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		recs []*Record
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := a.Generate(ctx, Request{Product: fmt.Sprintf("Product %d", i)})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			recs = append(recs, rec)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.Len(t, recs, n)

	sort.Slice(recs, func(i, j int) bool { return recs[i].Sequence < recs[j].Sequence })
	seen := make(map[string]bool, n)
	for i, rec := range recs {
		assert.Equal(t, int64(i+1), rec.Sequence)
		assert.False(t, seen[rec.Number], "duplicate %s", rec.Number)
		seen[rec.Number] = true
	}
	assert.Equal(t, "HC-2026-000001", recs[0].Number)
	assert.Equal(t, "HC-2026-000064", recs[n-1].Number)
}

func TestSequencesAreScopedByTypeAndYear(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &Record{ID: "old", Type: TypeExport, Year: 2026, Sequence: 41}))

	a, clk := newTestAgent(t, Options{Store: store})
	ctx := context.Background()

	rec, err := a.Generate(ctx, Request{Product: "Dates", Type: TypeExport})
	require.NoError(t, err)
	assert.Equal(t, "HE-2026-000042", rec.Number)

	rec, err = a.Generate(ctx, Request{Product: "Dates", Type: TypeProduct})
	require.NoError(t, err)
	assert.Equal(t, "HP-2026-000001", rec.Number)
	assert.Equal(t, "summary", rec.Template)

	clk.Advance(365 * 24 * time.Hour)
	rec, err = a.Generate(ctx, Request{Product: "Dates", Type: TypeExport})
	require.NoError(t, err)
	assert.Equal(t, "HE-2027-000001", rec.Number)
}

func TestGenerateRejections(t *testing.T) {
	a, _ := newTestAgent(t, Options{})
	ctx := context.Background()

	_, err := a.Generate(ctx, Request{Product: "Gummies", Template: "gold-foil"})
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = a.Generate(ctx, Request{Product: "Gummies", Classification: &classification.Result{Status: classification.StatusProhibited}})
	assert.ErrorIs(t, err, ErrNotEligible)

	_, err = a.Generate(ctx, Request{})
	assert.ErrorIs(t, err, agent.ErrInvalidInput)

	_, err = a.Generate(ctx, Request{Product: "Gummies", Type: "platinum"})
	assert.ErrorIs(t, err, agent.ErrInvalidInput)

	// None of the failures consumed a number.
	rec, err := a.Generate(ctx, Request{Product: "Gummies"})
	require.NoError(t, err)
	assert.Equal(t, "HC-2026-000001", rec.Number)
}

func TestGenerateFromApprovedClassification(t *testing.T) {
	a, _ := newTestAgent(t, Options{})
	ctx := context.Background()
	result := &classification.Result{
		ProductName: "Lemonade",
		Status:      classification.StatusApproved,
		Ingredients: []classification.IngredientRecord{{RawName: "Water"}, {RawName: "Lemon juice"}},
	}
	rec, err := a.Generate(ctx, Request{Classification: result, OrganizationID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "Lemonade", rec.Product)
	assert.Equal(t, []string{"Water", "Lemon juice"}, rec.Ingredients)

	doc, err := a.Artifact(ctx, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, string(doc), rec.Number)
	assert.Contains(t, string(doc), "- Lemon juice")
	assert.Contains(t, string(doc), "acme")
	assert.Equal(t, "mem://"+rec.ID, rec.ArtifactRef)
}

func TestVerify(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	store := NewMemoryStore()
	a, clk := newTestAgent(t, Options{Store: store, Signer: signer, Validity: 30 * 24 * time.Hour})
	ctx := context.Background()

	rec, err := a.Generate(ctx, Request{Product: "Honey"})
	require.NoError(t, err)
	require.NotNil(t, rec.Signature)
	assert.Equal(t, signer.KeyID(), rec.Signature.KeyID)

	v, err := a.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Reasons)
	assert.Equal(t, StatusActive, v.Record.Status)

	v, err = a.Verify(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, []string{ReasonNotFound}, v.Reasons)

	clk.Advance(31 * 24 * time.Hour)
	v, err = a.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, []string{ReasonExpired}, v.Reasons)
	assert.Equal(t, StatusExpired, v.Record.Status)

	_, err = a.Revoke(ctx, rec.ID, "supplier change")
	require.NoError(t, err)
	v, err = a.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{ReasonRevoked, ReasonExpired}, v.Reasons)
	assert.Equal(t, StatusRevoked, v.Record.Status)
}

func TestVerifyDetectsTampering(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	store := NewMemoryStore()
	a, _ := newTestAgent(t, Options{Store: store, Signer: signer})
	ctx := context.Background()

	rec, err := a.Generate(ctx, Request{Product: "Beef Jerky"})
	require.NoError(t, err)
	rec.Product = "Pork Jerky"
	require.NoError(t, store.Save(ctx, rec))

	v, err := a.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, []string{ReasonSignatureInvalid}, v.Reasons)
}

func TestRevoke(t *testing.T) {
	a, _ := newTestAgent(t, Options{})
	ctx := context.Background()
	var events []bus.Event
	_, err := a.Bus.Subscribe(bus.TopicCertificateRevoked, func(_ context.Context, ev bus.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	rec, err := a.Generate(ctx, Request{Product: "Yoghurt"})
	require.NoError(t, err)

	out, err := a.Process(ctx, agent.Request{Capability: agent.CapRevokeCertificate, Input: map[string]any{"id": rec.ID, "reason": "audit"}})
	require.NoError(t, err)
	revoked := out.(*Record)
	assert.Equal(t, StatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, "audit", revoked.RevocationReason)
	require.Len(t, events, 1)
	assert.Equal(t, Revocation{ID: rec.ID, Number: rec.Number, Reason: "audit"}, events[0].Payload)

	_, err = a.Revoke(ctx, rec.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyRevoked)

	_, err = a.Revoke(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrCertificateNotFound)
}

func TestRendererTemplateDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "standard.tmpl"), []byte("CUSTOM {{ .Record.Number }} for {{ .Record.Product }}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "compact.tmpl"), []byte("{{ .Record.Number }}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	r, err := NewRenderer(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"compact", "export", "standard", "summary"}, r.Names())

	out, err := r.Render("standard", View{Record: &Record{Number: "HC-2026-000009", Product: "Tea"}})
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM HC-2026-000009 for Tea", string(out))

	_, err = r.Render("missing", View{})
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestDirArtifacts(t *testing.T) {
	dir := t.TempDir()
	arts, err := NewDirArtifacts(dir)
	require.NoError(t, err)
	a, _ := newTestAgent(t, Options{Artifacts: arts})
	ctx := context.Background()

	rec, err := a.Generate(ctx, Request{Product: "Olive Oil", Type: TypeExport})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, rec.ID+".md"), rec.ArtifactRef)

	doc, err := a.Artifact(ctx, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "Halal Export Certificate")

	_, err = arts.Put(ctx, "../escape", []byte("x"))
	assert.Error(t, err)
}

func TestLoadSigner(t *testing.T) {
	s, warnings, err := LoadSigner(KeyConfig{Mode: "dev"})
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, []string{DevKeyWarning}, warnings)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	t.Setenv("HALALCERT_TEST_SIGNING_KEY", base64.StdEncoding.EncodeToString(priv))
	s, warnings, err = LoadSigner(KeyConfig{Mode: "prod", PrivateKeyEnv: "HALALCERT_TEST_SIGNING_KEY"})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, NewSigner(priv).KeyID(), s.KeyID())

	path := filepath.Join(t.TempDir(), "signing.key")
	require.NoError(t, os.WriteFile(path, []byte(s.EncodePrivateKey()+"\n"), 0o600))
	fromFile, _, err := LoadSigner(KeyConfig{Mode: "prod", PrivateKeyPath: path})
	require.NoError(t, err)
	assert.Equal(t, s.KeyID(), fromFile.KeyID())

	_, _, err = LoadSigner(KeyConfig{Mode: "prod"})
	assert.Error(t, err)
	_, _, err = LoadSigner(KeyConfig{Mode: "hsm"})
	assert.Error(t, err)
}
