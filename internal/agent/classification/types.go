// Package classification decides the certification status of every ingredient
// in a declaration. Knowledge-base matches are resolved locally; whatever
// remains goes to an external classifier in one batch, and any item the
// classifier fails to cover is backfilled for manual review.
package classification

import (
	"errors"
	"strings"
	"time"
)

// Status is the certification verdict for an ingredient or a product.
type Status string

const (
	StatusApproved          Status = "approved"
	StatusQuestionable      Status = "questionable"
	StatusNeedsVerification Status = "needs_verification"
	StatusProhibited        Status = "prohibited"
)

// Severity orders statuses for aggregation: higher is worse.
func (s Status) Severity() int {
	switch s {
	case StatusApproved:
		return 0
	case StatusQuestionable:
		return 1
	case StatusNeedsVerification:
		return 2
	case StatusProhibited:
		return 3
	default:
		return 2
	}
}

var statusSeparators = strings.NewReplacer("_", "", "-", "", " ", "")

// ParseStatus accepts the canonical names plus the common certification terms.
// Case and word separators are ignored, so "NeedsVerification",
// "needs_verification" and "Needs Verification" are the same status.
func ParseStatus(s string) (Status, bool) {
	switch statusSeparators.Replace(strings.ToLower(strings.TrimSpace(s))) {
	case "approved", "halal", "permitted":
		return StatusApproved, true
	case "questionable", "mashbooh", "doubtful":
		return StatusQuestionable, true
	case "needsverification", "unknown":
		return StatusNeedsVerification, true
	case "prohibited", "haram", "forbidden":
		return StatusProhibited, true
	}
	return "", false
}

// Risk is the residual risk attached to a verdict.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ParseRisk maps free text to a risk level, defaulting to medium.
func ParseRisk(s string) Risk {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow
	case "high":
		return RiskHigh
	default:
		return RiskMedium
	}
}

// Source records how a verdict was reached.
type Source string

const (
	SourceExact     Source = "kb-exact"
	SourceSubstring Source = "kb-substring"
	SourceCode      Source = "kb-code"
	SourceExternal  Source = "external"
	SourceBackfill  Source = "backfill"
	SourceLocal     Source = "local"
)

// BackfillRationale marks records the external classifier did not cover.
const BackfillRationale = "analysis incomplete — requires manual review"

// Confidence assigned per source when the knowledge base resolves an item.
const (
	confidenceExact     = 95
	confidenceCode      = 90
	confidenceSubstring = 85
	confidenceExternal  = 70
)

var (
	// ErrClassificationUnavailable is returned when the external classifier is
	// unreachable or replies with something unusable.
	ErrClassificationUnavailable = errors.New("classification unavailable")

	// ErrNoIngredients is returned for an empty declaration.
	ErrNoIngredients = errors.New("no ingredients to classify")
)

// Request is the classify-ingredients payload.
type Request struct {
	ProductName string   `json:"product_name"`
	Ingredients []string `json:"ingredients"`
}

// IngredientRecord is the verdict for one submitted ingredient.
type IngredientRecord struct {
	RawName        string `json:"raw_name"`
	NormalizedName string `json:"normalized_name"`
	Status         Status `json:"status"`
	Confidence     int    `json:"confidence"`
	Rationale      string `json:"rationale"`
	Risk           Risk   `json:"risk"`
	Category       string `json:"category,omitempty"`
	Source         Source `json:"source"`
	MatchedTerm    string `json:"matched_term,omitempty"`
}

// Result is the classification of a whole product. Ingredients has exactly
// one record per submitted ingredient, in submission order.
type Result struct {
	ProductName     string             `json:"product_name"`
	Status          Status             `json:"status"`
	Confidence      int                `json:"confidence"`
	Ingredients     []IngredientRecord `json:"ingredients"`
	Warnings        []string           `json:"warnings,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	AnalyzedAt      time.Time          `json:"analyzed_at"`
}

// Counts tallies records by status.
func (r *Result) Counts() map[Status]int {
	out := make(map[Status]int, 4)
	for _, rec := range r.Ingredients {
		out[rec.Status]++
	}
	return out
}
