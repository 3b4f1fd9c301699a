package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/bus"
)

// AgentID is the registry id of the extraction agent.
const AgentID = "extraction"

// Request is the extract-ingredients payload.
type Request struct {
	Kind        string `json:"kind"`
	Locator     string `json:"locator"`
	ProductName string `json:"product_name,omitempty"`

	// Chain asks the classification agent to pick the result up from the bus.
	Chain bool `json:"chain,omitempty"`
}

// Document is an extracted ingredient declaration.
type Document struct {
	ProductName string   `json:"product_name"`
	RawText     string   `json:"raw_text"`
	Ingredients []string `json:"ingredients"`
	Kind        string   `json:"kind"`
	Locator     string   `json:"locator,omitempty"`
}

// Completed is the extraction-completed payload.
type Completed struct {
	Document *Document `json:"document"`
	Chain    bool      `json:"chain"`
}

// Agent implements extract-ingredients on top of a Source.
type Agent struct {
	*agent.Base
	source Source
}

// NewAgent creates the extraction agent.
func NewAgent(source Source, b *bus.Bus, logger zerolog.Logger) *Agent {
	caps := []agent.Capability{{
		Name:       agent.CapExtractIngredients,
		InputType:  "extraction.Request",
		OutputType: "extraction.Document",
	}}
	return &Agent{
		Base:   agent.NewBase(agent.Identity{ID: AgentID, Name: "Document Extraction", Version: "1.0.0"}, caps, b, logger),
		source: source,
	}
}

// Process handles extract-ingredients.
func (a *Agent) Process(ctx context.Context, req agent.Request) (any, error) {
	if err := a.Ready(); err != nil {
		return nil, err
	}
	if req.Capability != agent.CapExtractIngredients {
		return nil, a.Unsupported(req.Capability)
	}
	in, err := agent.DecodeInput[Request](req.Input)
	if err != nil {
		return nil, err
	}
	return a.Extract(ctx, in)
}

// Extract fetches and parses one document, then announces it on the bus.
func (a *Agent) Extract(ctx context.Context, in Request) (*Document, error) {
	if in.Kind == "" {
		in.Kind = KindText
	}
	got, err := a.source.Fetch(ctx, in.Kind, in.Locator)
	if err != nil {
		return nil, fmt.Errorf("extract %s document: %w", in.Kind, err)
	}

	name, _ := SplitDeclaration(got.Text)
	doc := &Document{
		ProductName: firstNonEmpty(in.ProductName, got.ProductName, name),
		RawText:     got.Text,
		Ingredients: ParseIngredients(got.Text),
		Kind:        in.Kind,
	}
	if in.Kind != KindText {
		doc.Locator = in.Locator
	}
	if len(doc.Ingredients) == 0 {
		return nil, fmt.Errorf("extract %s document: %w", in.Kind, ErrEmptyDocument)
	}

	a.Logger.Info().
		Str("kind", in.Kind).
		Str("product", doc.ProductName).
		Int("ingredients", len(doc.Ingredients)).
		Bool("chain", in.Chain).
		Msg("document extracted")
	a.Emit(ctx, bus.TopicExtractionCompleted, Completed{Document: doc, Chain: in.Chain})
	return doc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
