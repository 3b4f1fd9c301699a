package classification

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClassifier answers from a fixed table and records what it was asked.
type stubClassifier struct {
	replies func(batch Batch) []External
	err     error
	calls   int
	last    Batch
}

func (s *stubClassifier) Classify(ctx context.Context, batch Batch) ([]External, error) {
	s.calls++
	s.last = batch
	if s.err != nil {
		return nil, s.err
	}
	if s.replies == nil {
		return nil, nil
	}
	return s.replies(batch), nil
}

func (s *stubClassifier) Name() string { return "stub" }

func newTestEngine(t *testing.T, c Classifier) *Engine {
	t.Helper()
	kb, err := DefaultKnowledgeBase()
	require.NoError(t, err)
	return NewEngine(kb, c, zerolog.Nop())
}

func TestClassify_KnowledgeBaseOnly(t *testing.T) {
	stub := &stubClassifier{}
	e := newTestEngine(t, stub)

	res, err := e.Classify(context.Background(), Request{
		ProductName: "Gummy Bears",
		Ingredients: []string{"Water", "Sugar", "Pork Gelatin"},
	})
	require.NoError(t, err)

	require.Len(t, res.Ingredients, 3)
	assert.Equal(t, "Water", res.Ingredients[0].RawName)
	assert.Equal(t, StatusApproved, res.Ingredients[0].Status)
	assert.Equal(t, StatusApproved, res.Ingredients[1].Status)
	assert.Equal(t, StatusProhibited, res.Ingredients[2].Status)
	assert.Equal(t, StatusProhibited, res.Status)
	assert.Equal(t, 90, res.Confidence)
	assert.Equal(t, 0, stub.calls, "nothing left for the external classifier")
	assert.NotEmpty(t, res.Warnings)
}

func TestClassify_BatchesUnresolvedOnce(t *testing.T) {
	stub := &stubClassifier{replies: func(b Batch) []External {
		out := make([]External, len(b.Ingredients))
		for i, n := range b.Ingredients {
			out[i] = External{Name: n, Status: "halal", Risk: "low", Rationale: "plant"}
		}
		return out
	}}
	e := newTestEngine(t, stub)

	res, err := e.Classify(context.Background(), Request{
		ProductName: "Crackers",
		Ingredients: []string{"Quinoa", "Water", "Chia Seeds", "Salt"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, []string{"quinoa", "chia seeds"}, stub.last.Ingredients)
	assert.Equal(t, "Crackers", stub.last.ProductName)

	require.Len(t, res.Ingredients, 4)
	assert.Equal(t, SourceExternal, res.Ingredients[0].Source)
	assert.Equal(t, SourceExact, res.Ingredients[1].Source)
	assert.Equal(t, SourceExternal, res.Ingredients[2].Source)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, 95, res.Confidence)
}

func TestClassify_BackfillsMissingResults(t *testing.T) {
	stub := &stubClassifier{replies: func(b Batch) []External {
		return []External{
			{Name: b.Ingredients[0], Status: "approved", Risk: "low"},
			{Name: b.Ingredients[1], Status: "approved", Risk: "low"},
			{Name: b.Ingredients[2], Status: "questionable", Risk: "medium"},
		}
	}}
	e := newTestEngine(t, stub)

	res, err := e.Classify(context.Background(), Request{
		Ingredients: []string{"Alpha", "Beta", "Gamma", "Delta", "Epsilon"},
	})
	require.NoError(t, err)

	require.Len(t, res.Ingredients, 5)
	for _, rec := range res.Ingredients[3:] {
		assert.Equal(t, StatusNeedsVerification, rec.Status)
		assert.Equal(t, BackfillRationale, rec.Rationale)
		assert.Equal(t, RiskMedium, rec.Risk)
		assert.Equal(t, SourceBackfill, rec.Source)
	}
	assert.Equal(t, "Delta", res.Ingredients[3].RawName)
	assert.Equal(t, StatusNeedsVerification, res.Status)
	assert.Contains(t, res.Warnings[0], "2 of 5")
}

func TestClassify_ReconcilesOutOfOrderAndPositional(t *testing.T) {
	stub := &stubClassifier{replies: func(b Batch) []External {
		return []External{
			{Name: "beta", Status: "prohibited", Risk: "high"},
			{Name: "ALPHA", Status: "approved", Risk: "low"},
			{Name: "gamma extract", Status: "questionable"}, // renamed: falls back to position 2
			{Name: "omega", Status: "approved"},             // no slot left
		}
	}}
	e := newTestEngine(t, stub)

	res, err := e.Classify(context.Background(), Request{Ingredients: []string{"alpha", "beta", "gamma"}})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, res.Ingredients[0].Status)
	assert.Equal(t, StatusProhibited, res.Ingredients[1].Status)
	assert.Equal(t, StatusQuestionable, res.Ingredients[2].Status)
	assert.Equal(t, SourceExternal, res.Ingredients[2].Source)
}

func TestClassify_ExternalConfidenceClamped(t *testing.T) {
	high := 140.0
	stub := &stubClassifier{replies: func(b Batch) []External {
		return []External{{Name: b.Ingredients[0], Status: "approved", Confidence: &high}}
	}}
	e := newTestEngine(t, stub)

	res, err := e.Classify(context.Background(), Request{Ingredients: []string{"Tapioca"}})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Ingredients[0].Confidence)
}

func TestClassify_ExternalStatusVocabulary(t *testing.T) {
	reply := []byte(`[
		{"name":"zorblax","status":"Approved","risk":"low"},
		{"name":"quuxite","status":"NeedsVerification"},
		{"name":"flarnum","status":"Prohibited","risk":"high"},
		{"name":"blorptine","status":"probably fine"}
	]`)
	stub := &stubClassifier{replies: func(Batch) []External {
		out, err := DecodeReply(reply)
		require.NoError(t, err)
		return out
	}}
	e := newTestEngine(t, stub)

	res, err := e.Classify(context.Background(), Request{
		Ingredients: []string{"Zorblax", "Quuxite", "Flarnum", "Blorptine"},
	})
	require.NoError(t, err)
	require.Len(t, res.Ingredients, 4)

	assert.Equal(t, StatusApproved, res.Ingredients[0].Status)
	assert.Equal(t, StatusNeedsVerification, res.Ingredients[1].Status)
	assert.Equal(t, StatusProhibited, res.Ingredients[2].Status)
	assert.Equal(t, StatusNeedsVerification, res.Ingredients[3].Status)
	for _, rec := range res.Ingredients {
		assert.Equal(t, SourceExternal, rec.Source, rec.RawName)
	}
	assert.Equal(t, StatusProhibited, res.Status)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
		ok   bool
	}{
		{"approved", StatusApproved, true},
		{"Approved", StatusApproved, true},
		{" HALAL ", StatusApproved, true},
		{"NeedsVerification", StatusNeedsVerification, true},
		{"needs_verification", StatusNeedsVerification, true},
		{"Needs Verification", StatusNeedsVerification, true},
		{"needs-verification", StatusNeedsVerification, true},
		{"Mashbooh", StatusQuestionable, true},
		{"Prohibited", StatusProhibited, true},
		{"probably fine", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestClassify_Unavailable(t *testing.T) {
	cause := errors.New("connection refused")
	e := newTestEngine(t, &stubClassifier{err: cause})

	_, err := e.Classify(context.Background(), Request{Ingredients: []string{"Unobtainium"}})
	assert.ErrorIs(t, err, ErrClassificationUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestClassify_EmptyInputs(t *testing.T) {
	e := newTestEngine(t, &stubClassifier{})

	_, err := e.Classify(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoIngredients)

	res, err := e.Classify(context.Background(), Request{Ingredients: []string{"Water", "12"}})
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, res.Ingredients[1].Source)
	assert.Equal(t, StatusNeedsVerification, res.Ingredients[1].Status)
}

func TestClassify_OfflineBackfillsEverythingUnknown(t *testing.T) {
	e := newTestEngine(t, nil)

	res, err := e.Classify(context.Background(), Request{Ingredients: []string{"Water", "Moringa"}})
	require.NoError(t, err)
	assert.Equal(t, SourceBackfill, res.Ingredients[1].Source)
	assert.Equal(t, StatusNeedsVerification, res.Status)
}

func TestAggregate(t *testing.T) {
	rec := func(s Status, r Risk) IngredientRecord { return IngredientRecord{Status: s, Risk: r} }

	tests := []struct {
		name       string
		records    []IngredientRecord
		status     Status
		confidence int
	}{
		{"all approved low risk", []IngredientRecord{rec(StatusApproved, RiskLow), rec(StatusApproved, RiskLow)}, StatusApproved, 95},
		{"all approved mixed risk", []IngredientRecord{rec(StatusApproved, RiskLow), rec(StatusApproved, RiskMedium)}, StatusApproved, 85},
		{"any prohibited", []IngredientRecord{rec(StatusApproved, RiskLow), rec(StatusProhibited, RiskHigh), rec(StatusQuestionable, RiskLow)}, StatusProhibited, 90},
		{"one of four questionable", []IngredientRecord{rec(StatusApproved, RiskLow), rec(StatusApproved, RiskLow), rec(StatusApproved, RiskLow), rec(StatusQuestionable, RiskLow)}, StatusQuestionable, 68},
		{"needs verification beats questionable", []IngredientRecord{rec(StatusQuestionable, RiskLow), rec(StatusNeedsVerification, RiskMedium)}, StatusNeedsVerification, 30},
		{"empty", nil, StatusNeedsVerification, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, conf := Aggregate(tt.records)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.confidence, conf)
		})
	}
}

func TestAggregateConfidenceDecreasesWithUnapprovedShare(t *testing.T) {
	prev := 101
	for bad := 1; bad <= 5; bad++ {
		records := make([]IngredientRecord, 5)
		for i := range records {
			records[i] = IngredientRecord{Status: StatusApproved, Risk: RiskLow}
			if i < bad {
				records[i].Status = StatusQuestionable
			}
		}
		_, conf := Aggregate(records)
		assert.Less(t, conf, prev)
		prev = conf
	}
}
