package classification

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Engine classifies ingredient declarations. It is safe for concurrent use.
type Engine struct {
	kb         *KnowledgeBase
	classifier Classifier
	logger     zerolog.Logger
	now        func() time.Time
}

// NewEngine creates an engine. A nil classifier behaves like OfflineClassifier.
func NewEngine(kb *KnowledgeBase, classifier Classifier, logger zerolog.Logger) *Engine {
	if classifier == nil {
		classifier = OfflineClassifier{}
	}
	return &Engine{kb: kb, classifier: classifier, logger: logger, now: time.Now}
}

// KnowledgeBase returns the engine's knowledge base.
func (e *Engine) KnowledgeBase() *KnowledgeBase { return e.kb }

// Classifier returns the external classifier in use.
func (e *Engine) Classifier() Classifier { return e.classifier }

// Classify produces one record per submitted ingredient, in order. Items the
// knowledge base cannot resolve are sent to the external classifier in a
// single batch; items it leaves out are backfilled as needing verification.
func (e *Engine) Classify(ctx context.Context, req Request) (*Result, error) {
	if len(req.Ingredients) == 0 {
		return nil, ErrNoIngredients
	}

	records := make([]IngredientRecord, len(req.Ingredients))
	var pending []int
	for i, raw := range req.Ingredients {
		rec := IngredientRecord{RawName: raw, NormalizedName: Normalize(raw)}
		switch m, ok := e.kb.Lookup(rec.NormalizedName); {
		case rec.NormalizedName == "":
			rec.Status = StatusNeedsVerification
			rec.Risk = RiskMedium
			rec.Rationale = "no recognizable ingredient name"
			rec.Source = SourceLocal
		case ok:
			rec.Status = m.Entry.Status
			rec.Risk = m.Entry.Risk
			rec.Rationale = m.Entry.Rationale
			rec.Category = m.Entry.Category
			rec.Source = m.Source
			rec.MatchedTerm = m.Term
			rec.Confidence = sourceConfidence(m.Source)
		default:
			pending = append(pending, i)
		}
		records[i] = rec
	}

	var warnings []string
	if len(pending) > 0 {
		names := make([]string, len(pending))
		for k, idx := range pending {
			names[k] = records[idx].NormalizedName
		}

		replies, err := e.classifier.Classify(ctx, Batch{ProductName: req.ProductName, Ingredients: names})
		if err != nil {
			e.logger.Error().Err(err).Str("classifier", e.classifier.Name()).Int("batch", len(names)).Msg("external classification failed")
			return nil, fmt.Errorf("%w: %s: %w", ErrClassificationUnavailable, e.classifier.Name(), err)
		}

		assigned, extras := reconcile(names, replies)
		if extras > 0 {
			e.logger.Warn().Int("extra", extras).Msg("classifier returned results for unknown ingredients; dropped")
		}

		missing := 0
		for k, idx := range pending {
			if ext, ok := assigned[k]; ok {
				applyExternal(&records[idx], ext)
				continue
			}
			missing++
			backfill(&records[idx])
		}
		if missing > 0 {
			e.logger.Warn().Int("missing", missing).Int("requested", len(names)).Msg("classifier result incomplete; backfilled")
			warnings = append(warnings, fmt.Sprintf("%d of %d ingredient(s) were not analyzed and require manual review", missing, len(req.Ingredients)))
		}
	}

	status, confidence := Aggregate(records)
	res := &Result{
		ProductName: req.ProductName,
		Status:      status,
		Confidence:  confidence,
		Ingredients: records,
		AnalyzedAt:  e.now(),
	}
	res.Warnings = append(warnings, ingredientWarnings(records)...)
	res.Recommendations = recommendations(records, status)

	e.logger.Info().
		Str("product", req.ProductName).
		Int("ingredients", len(records)).
		Int("external", len(pending)).
		Str("status", string(status)).
		Int("confidence", confidence).
		Msg("ingredients classified")
	return res, nil
}

func sourceConfidence(s Source) int {
	switch s {
	case SourceExact:
		return confidenceExact
	case SourceCode:
		return confidenceCode
	case SourceSubstring:
		return confidenceSubstring
	default:
		return confidenceExternal
	}
}

// reconcile pairs replies with submitted names. Replies are matched by
// normalized name first; a reply whose name matches nothing falls back to its
// position. Replies that still have no slot are counted as extras.
func reconcile(names []string, replies []External) (map[int]External, int) {
	assigned := make(map[int]External, len(replies))
	var unmatched []int

	for p, r := range replies {
		norm := Normalize(r.Name)
		slot := -1
		for k, n := range names {
			if _, taken := assigned[k]; !taken && n == norm {
				slot = k
				break
			}
		}
		if slot < 0 {
			unmatched = append(unmatched, p)
			continue
		}
		assigned[slot] = r
	}

	extras := 0
	for _, p := range unmatched {
		if _, taken := assigned[p]; p < len(names) && !taken && !nameSubmitted(names, replies[p].Name) {
			assigned[p] = replies[p]
			continue
		}
		extras++
	}
	return assigned, extras
}

func nameSubmitted(names []string, name string) bool {
	norm := Normalize(name)
	for _, n := range names {
		if n == norm {
			return true
		}
	}
	return false
}

func applyExternal(rec *IngredientRecord, ext External) {
	status, ok := ParseStatus(ext.Status)
	if !ok {
		status = StatusNeedsVerification
	}
	rec.Status = status
	rec.Risk = ParseRisk(ext.Risk)
	rec.Rationale = ext.Rationale
	rec.Category = ext.Category
	rec.Source = SourceExternal
	rec.Confidence = confidenceExternal
	if ext.Confidence != nil {
		rec.Confidence = int(math.Round(math.Max(0, math.Min(100, *ext.Confidence))))
	}
}

func backfill(rec *IngredientRecord) {
	rec.Status = StatusNeedsVerification
	rec.Risk = RiskMedium
	rec.Rationale = BackfillRationale
	rec.Source = SourceBackfill
	rec.Confidence = 0
}

// Aggregate computes the product verdict and confidence. The status is the
// most severe record status. Confidence is 95 when every item is approved at
// low risk, 85 when every item is approved otherwise, 90 when anything is
// prohibited, and 80 - 50 * (fraction not approved) in the mixed case.
func Aggregate(records []IngredientRecord) (Status, int) {
	if len(records) == 0 {
		return StatusNeedsVerification, 0
	}

	worst := StatusApproved
	notApproved := 0
	allLow := true
	for _, r := range records {
		if r.Status.Severity() > worst.Severity() {
			worst = r.Status
		}
		if r.Status != StatusApproved {
			notApproved++
		}
		if r.Risk != RiskLow {
			allLow = false
		}
	}

	switch worst {
	case StatusApproved:
		if allLow {
			return worst, 95
		}
		return worst, 85
	case StatusProhibited:
		return worst, 90
	default:
		frac := float64(notApproved) / float64(len(records))
		return worst, int(math.Round(80 - 50*frac))
	}
}

func ingredientWarnings(records []IngredientRecord) []string {
	var out []string
	for _, r := range records {
		switch r.Status {
		case StatusProhibited:
			out = append(out, fmt.Sprintf("prohibited ingredient: %s (%s)", r.RawName, r.Rationale))
		case StatusQuestionable:
			if r.Risk == RiskHigh {
				out = append(out, fmt.Sprintf("high-risk questionable ingredient: %s", r.RawName))
			}
		}
	}
	return out
}

func recommendations(records []IngredientRecord, status Status) []string {
	if status == StatusApproved {
		return []string{"all ingredients approved; product is eligible for certification"}
	}
	var out []string
	for _, r := range records {
		switch r.Status {
		case StatusProhibited:
			out = append(out, fmt.Sprintf("remove or replace %s before certification", r.RawName))
		case StatusQuestionable:
			out = append(out, fmt.Sprintf("obtain supplier source documentation for %s", r.RawName))
		case StatusNeedsVerification:
			out = append(out, fmt.Sprintf("manually review %s", r.RawName))
		}
	}
	return out
}
