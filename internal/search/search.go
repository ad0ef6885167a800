// Package search finds documents and comments by text. Meilisearch is used
// when reachable; Postgres full-text search is the fallback.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultComment  ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	// UserID limits the Postgres search to documents the user holds a
	// permission on.
	UserID string
	// DocumentIDs limits the Meilisearch search. Nil means unrestricted;
	// an empty slice matches nothing.
	DocumentIDs []string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexComment(c CommentRecord) error
	DeleteDocument(id string) error
	DeleteComment(id string) error
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
	// DocumentID repeats ID so both indexes filter on the same attribute.
	DocumentID string `json:"documentId"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	QuotedText string `json:"quotedText"`
	DocumentID string `json:"documentId"`
	Resolved   bool   `json:"resolved"`
}
