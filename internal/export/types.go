// Package export renders a document version as PDF or DOCX.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts the query-string spelling of a format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPDF, FormatDOCX:
		return Format(s), nil
	case "":
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	DocumentID      string
	VersionID       string
	Format          Format
	IncludeComments bool
}

// Snapshot is one version's content and metadata.
type Snapshot struct {
	Title         string
	Content       string // ProseMirror JSON
	Author        string
	VersionNumber int
	Description   string
	CreatedAt     time.Time
}

// Comment is a comment thread printed after the content.
type Comment struct {
	QuotedText string
	Content    string
	Author     string
	Resolved   bool
	Replies    []Reply
}

type Reply struct {
	Author  string
	Content string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrContentUnavailable indicates version content could not be parsed for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
