package extraction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/bus"
)

func TestParseIngredients(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "simple list",
			in:   "Water, Sugar, Pork Gelatin.",
			want: []string{"Water", "Sugar", "Pork Gelatin"},
		},
		{
			name: "heading and percentages",
			in:   "Ingredients: wheat flour (45%), salt 2%; yeast",
			want: []string{"wheat flour", "salt", "yeast"},
		},
		{
			name: "nested sub-ingredients",
			in:   "Chocolate (sugar, cocoa butter, milk powder), hazelnuts",
			want: []string{"Chocolate", "sugar", "cocoa butter", "milk powder", "hazelnuts"},
		},
		{
			name: "additive code stays on parent",
			in:   "emulsifier (E471), colour (E120)",
			want: []string{"emulsifier E471", "colour E120"},
		},
		{
			name: "newlines and blanks",
			in:   "water\n\nsugar,,\n and salt",
			want: []string{"water", "sugar", "salt"},
		},
		{
			name: "footer ignored",
			in:   "Ingredients: oats, honey\nAllergy advice: made in a factory that handles nuts, milk",
			want: []string{"oats", "honey"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseIngredients(tt.in))
		})
	}
}

func TestSplitDeclaration(t *testing.T) {
	name, body := SplitDeclaration("Choco Bar\nIngredients: sugar, cocoa")
	assert.Equal(t, "Choco Bar", name)
	assert.Equal(t, "sugar, cocoa", body)

	name, body = SplitDeclaration("sugar, cocoa")
	assert.Empty(t, name)
	assert.Equal(t, "sugar, cocoa", body)
}

func TestFileSource(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "label.txt"), []byte("Ingredients: rice, salt"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "blank.txt"), []byte("  \n"), 0o644))

	src := FileSource{Root: root}
	ctx := context.Background()

	got, err := src.Fetch(ctx, KindFile, "label.txt")
	require.NoError(t, err)
	assert.Contains(t, got.Text, "rice")

	_, err = src.Fetch(ctx, KindFile, "blank.txt")
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = src.Fetch(ctx, KindFile, "../../etc/passwd")
	assert.Error(t, err)

	_, err = (FileSource{Root: root, MaxSize: 4}).Fetch(ctx, KindFile, "label.txt")
	assert.Error(t, err)
}

func TestServiceSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pdf", body["kind"])
		json.NewEncoder(w).Encode(Extracted{ProductName: "Soup", Text: "water, lentils"})
	}))
	defer server.Close()

	got, err := NewServiceSource(server.URL, time.Second).Fetch(context.Background(), "pdf", "s3://labels/soup.pdf")
	require.NoError(t, err)
	assert.Equal(t, "Soup", got.ProductName)
}

func TestSourcesUnsupportedKind(t *testing.T) {
	_, err := DefaultSources("").Fetch(context.Background(), "spreadsheet", "x.xlsx")
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestAgentExtractPublishesCompletion(t *testing.T) {
	eb := bus.NewBus()
	defer eb.Close()

	var got Completed
	eb.Subscribe(bus.TopicExtractionCompleted, func(ctx context.Context, e bus.Event) error {
		got = e.Payload.(Completed)
		return nil
	})

	a := NewAgent(DefaultSources(""), eb, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))

	out, err := a.Process(ctx, agent.Request{
		Capability: agent.CapExtractIngredients,
		Input:      Request{Kind: KindText, Locator: "Lemonade\nIngredients: water, sugar, lemon juice", Chain: true},
	})
	require.NoError(t, err)

	doc := out.(*Document)
	assert.Equal(t, "Lemonade", doc.ProductName)
	assert.Equal(t, []string{"water", "sugar", "lemon juice"}, doc.Ingredients)
	require.NotNil(t, got.Document)
	assert.True(t, got.Chain)
	assert.Equal(t, AgentID, eb.History(1)[0].Source)
}

func TestAgentRejectsEmptyDocument(t *testing.T) {
	a := NewAgent(DefaultSources(""), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))

	_, err := a.Extract(ctx, Request{Kind: KindText, Locator: "Ingredients:"})
	assert.ErrorIs(t, err, ErrEmptyDocument)
}
