package filectx

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"

	"reviewchat/internal/models"
)

// ExtractionError reports that one upload could not be parsed. It is
// localized to the offending file; other files in the same batch still
// produce content.
type ExtractionError struct {
	FileID   int64
	FileName string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s (id %d): %v", e.FileName, e.FileID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Builder derives structured content items from uploaded files. Text-like
// files (txt, pdf, csv, code) go through the document loader; images
// become base64 data-URL parts.
type Builder struct {
	loader *file.FileLoader
}

// NewBuilder constructs a builder with an extension-dispatching parser
// falling back to plain text.
func NewBuilder(ctx context.Context) (*Builder, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return &Builder{loader: loader}, nil
}

// Process extracts content items from the files not yet in processed.
// Output order follows input order. Per-file failures are returned as
// *ExtractionError values alongside the items that did succeed.
func (b *Builder) Process(ctx context.Context, files []*models.UploadedFile, processed map[int64]struct{}) ([]models.ContextItem, []error) {
	var items []models.ContextItem
	var failures []error
	for _, f := range files {
		if f == nil {
			continue
		}
		if _, done := processed[f.ID]; done {
			continue
		}
		item, err := b.extract(ctx, f)
		if err != nil {
			failures = append(failures, &ExtractionError{FileID: f.ID, FileName: f.FileName, Err: err})
			continue
		}
		items = append(items, item)
	}
	return items, failures
}

func (b *Builder) extract(ctx context.Context, f *models.UploadedFile) (models.ContextItem, error) {
	if strings.HasPrefix(f.MimeType, "image/") {
		return b.extractImage(f)
	}
	docs, err := b.loader.Load(ctx, document.Source{URI: f.StoredPath})
	if err != nil {
		return models.ContextItem{}, fmt.Errorf("load file: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return models.ContextItem{}, fmt.Errorf("file has no readable text content")
	}
	return models.ContextItem{
		FileID: f.ID,
		Part:   models.ContentPart{Type: models.PartText, Text: text},
	}, nil
}

func (b *Builder) extractImage(f *models.UploadedFile) (models.ContextItem, error) {
	data, err := os.ReadFile(f.StoredPath)
	if err != nil {
		return models.ContextItem{}, fmt.Errorf("read image: %w", err)
	}
	url := fmt.Sprintf("data:%s;base64,%s", f.MimeType, base64.StdEncoding.EncodeToString(data))
	return models.ContextItem{
		FileID: f.ID,
		Part: models.ContentPart{
			Type:     models.PartImage,
			ImageURL: url,
			MimeType: f.MimeType,
		},
	}, nil
}
