// Package extraction turns documents supplied by an extraction collaborator
// into an ordered ingredient list.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Source kinds understood by the built-in sources.
const (
	KindText = "text"
	KindFile = "file"
)

// ServiceKinds are the document kinds handed to an extraction service.
var ServiceKinds = []string{"pdf", "image", "url"}

var (
	// ErrUnsupportedKind is returned when no source handles a document kind.
	ErrUnsupportedKind = errors.New("unsupported document kind")

	// ErrEmptyDocument is returned when a document carries no text.
	ErrEmptyDocument = errors.New("document has no text")
)

// Extracted is what a collaborator hands back for one document.
type Extracted struct {
	ProductName string `json:"productName"`
	Text        string `json:"rawIngredientsText"`
}

// Source fetches the text of a document. OCR, PDF and spreadsheet handling
// live behind this interface, outside the core.
type Source interface {
	Fetch(ctx context.Context, kind, locator string) (Extracted, error)
}

// TextSource treats the locator as the document text.
type TextSource struct{}

func (TextSource) Fetch(ctx context.Context, kind, locator string) (Extracted, error) {
	if strings.TrimSpace(locator) == "" {
		return Extracted{}, ErrEmptyDocument
	}
	return Extracted{Text: locator}, nil
}

// FileSource reads UTF-8 text files produced by an upstream extractor. When
// Root is set, locators are resolved inside it and may not escape it.
type FileSource struct {
	Root    string
	MaxSize int64
}

const defaultMaxFileSize = 4 << 20

func (s FileSource) Fetch(ctx context.Context, kind, locator string) (Extracted, error) {
	path, err := s.resolve(locator)
	if err != nil {
		return Extracted{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Extracted{}, fmt.Errorf("stat document: %w", err)
	}
	max := s.MaxSize
	if max <= 0 {
		max = defaultMaxFileSize
	}
	if info.Size() > max {
		return Extracted{}, fmt.Errorf("document %s exceeds %d bytes", locator, max)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Extracted{}, fmt.Errorf("read document: %w", err)
	}
	if !utf8.Valid(data) {
		return Extracted{}, fmt.Errorf("document %s is not UTF-8 text", locator)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Extracted{}, ErrEmptyDocument
	}
	return Extracted{Text: string(data)}, nil
}

func (s FileSource) resolve(locator string) (string, error) {
	if s.Root == "" {
		return locator, nil
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", err
	}
	path := filepath.Join(root, filepath.Clean("/"+locator))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("document %q is outside %s", locator, root)
	}
	return path, nil
}

// ServiceSource delegates extraction to an HTTP collaborator at
// POST {url}/extract.
type ServiceSource struct {
	url    string
	client *http.Client
}

// NewServiceSource creates an HTTP extraction client.
func NewServiceSource(url string, timeout time.Duration) *ServiceSource {
	return &ServiceSource{url: strings.TrimRight(url, "/"), client: &http.Client{Timeout: timeout}}
}

func (s *ServiceSource) Fetch(ctx context.Context, kind, locator string) (Extracted, error) {
	body, err := json.Marshal(map[string]string{"kind": kind, "locator": locator})
	if err != nil {
		return Extracted{}, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/extract", bytes.NewReader(body))
	if err != nil {
		return Extracted{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Extracted{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Extracted{}, fmt.Errorf("extraction service: status code %d", resp.StatusCode)
	}

	var out Extracted
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Extracted{}, fmt.Errorf("failed to decode response body: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return Extracted{}, ErrEmptyDocument
	}
	return out, nil
}

// Sources routes by document kind.
type Sources map[string]Source

// DefaultSources returns the text and file sources.
func DefaultSources(fileRoot string) Sources {
	return Sources{KindText: TextSource{}, KindFile: FileSource{Root: fileRoot}}
}

func (s Sources) Fetch(ctx context.Context, kind, locator string) (Extracted, error) {
	src, ok := s[kind]
	if !ok {
		return Extracted{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	return src.Fetch(ctx, kind, locator)
}
