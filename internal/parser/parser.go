// Package parser extracts plain text from uploaded documents.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/maneesh/labrag/internal/models"
	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labrag-parser")

// maxTikaResponse bounds the text read back from the Tika server
const maxTikaResponse = 64 << 20

// Parser tries a remote Tika server first, then local extractors for HTML
// and spreadsheets, then raw UTF-8.
type Parser struct {
	tikaURL string
	client  *http.Client
}

// New creates a parser. An empty tikaURL skips the remote step.
func New(tikaURL string, timeout time.Duration) *Parser {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Parser{
		tikaURL: strings.TrimRight(tikaURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Extract returns the normalized text of a document. It fails with
// models.ErrUnparseable when no extractor yields text and the bytes are not
// valid UTF-8, and with models.ErrEmptyContent when the text is blank.
func (p *Parser) Extract(ctx context.Context, fileName string, data []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "parser.extract",
		trace.WithAttributes(
			attribute.String("file_name", fileName),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	text, source := p.extract(ctx, fileName, data)
	if source == "" {
		span.RecordError(models.ErrUnparseable)
		return "", fmt.Errorf("%s: %w", fileName, models.ErrUnparseable)
	}
	span.SetAttributes(attribute.String("extractor", source))

	text = Normalize(fileName, text)
	if text == "" {
		return "", fmt.Errorf("%s: %w", fileName, models.ErrEmptyContent)
	}

	span.SetAttributes(attribute.Int("text_length", utf8.RuneCountInString(text)))
	return text, nil
}

func (p *Parser) extract(ctx context.Context, fileName string, data []byte) (text, source string) {
	if p.tikaURL != "" {
		text, err := p.tika(ctx, data)
		if err != nil {
			log.Printf("Warning: Tika failed for %s, falling back: %v", fileName, err)
		} else if strings.TrimSpace(text) != "" {
			return text, "tika"
		}
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".html", ".htm":
		if text, err := extractHTML(data); err == nil && strings.TrimSpace(text) != "" {
			return text, "html"
		}
	case ".xlsx", ".xlsm":
		if text, err := extractSpreadsheet(data); err == nil && strings.TrimSpace(text) != "" {
			return text, "xlsx"
		}
	}

	if utf8.Valid(data) {
		return string(data), "utf8"
	}
	return "", ""
}

func (p *Parser) tika(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.tikaURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tika returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTikaResponse))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func extractHTML(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()

	root := doc.Find("main, article")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var parts []string
	root.Find("h1, h2, h3, h4, h5, h6, p, li, td, th, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		return strings.TrimSpace(root.Text()), nil
	}
	return strings.Join(parts, "\n"), nil
}

func extractSpreadsheet(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}
