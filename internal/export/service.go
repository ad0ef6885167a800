package export

import (
	"context"
	"fmt"
	"html/template"
	"log"

	"quill/collab/internal/doc"
)

// Source loads what an export needs.
type Source interface {
	LoadVersion(ctx context.Context, documentID, versionID string) (Snapshot, error)
	ListComments(ctx context.Context, documentID string) ([]Comment, error)
}

// Converter turns rendered HTML into a binary format.
type Converter func(ctx context.Context, html, title string) (*Result, error)

// Service provides document export functionality
type Service struct {
	source Source
	pdf    Converter
	docx   Converter
}

// NewService creates an export service that prints PDFs with headless
// Chrome and converts DOCX with pandoc.
func NewService(source Source) *Service {
	return &Service{source: source, pdf: exportPDF, docx: exportDOCX}
}

// WithConverters replaces the PDF and DOCX backends. Nil keeps the current one.
func (s *Service) WithConverters(pdf, docx Converter) *Service {
	if pdf != nil {
		s.pdf = pdf
	}
	if docx != nil {
		s.docx = docx
	}
	return s
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	var convert Converter
	switch req.Format {
	case FormatPDF:
		convert = s.pdf
	case FormatDOCX:
		convert = s.docx
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	snap, err := s.source.LoadVersion(ctx, req.DocumentID, req.VersionID)
	if err != nil {
		return nil, fmt.Errorf("load version: %w", err)
	}
	root, err := doc.ParseString(snap.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	data := TemplateData{
		Title:         snap.Title,
		Description:   snap.Description,
		ContentHTML:   template.HTML(root.HTML()),
		Author:        snap.Author,
		VersionNumber: snap.VersionNumber,
		CreatedAt:     snap.CreatedAt,
	}

	if req.IncludeComments {
		comments, err := s.source.ListComments(ctx, req.DocumentID)
		if err != nil {
			// export without the discussion rather than fail
			log.Printf("export: list comments for %s: %v", req.DocumentID, err)
		}
		for _, c := range comments {
			tc := TemplateComment{Quote: c.QuotedText, Text: c.Content, Author: c.Author, Resolved: c.Resolved}
			for _, r := range c.Replies {
				tc.Replies = append(tc.Replies, TemplateReply{Author: r.Author, Body: r.Content})
			}
			data.Comments = append(data.Comments, tc)
		}
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return convert(ctx, html, fmt.Sprintf("%s v%d", snap.Title, snap.VersionNumber))
}
