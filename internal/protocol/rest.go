package protocol

import "time"

// REST payloads shared by the HTTP API and its client.

type Author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type SessionResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	Avatar       string `json:"avatar,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type DocumentContent struct {
	DocumentID string    `json:"documentId"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type SaveContentRequest struct {
	Content string `json:"content"`
}

type CreateDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
}

type Version struct {
	ID                string    `json:"id"`
	DocumentID        string    `json:"documentId"`
	VersionNumber     int       `json:"versionNumber"`
	ContentSize       int       `json:"contentSize"`
	Author            Author    `json:"author"`
	ChangeDescription string    `json:"changeDescription,omitempty"`
	IsAutoSave        bool      `json:"isAutoSave"`
	IsRestore         bool      `json:"isRestore"`
	CreatedAt         time.Time `json:"createdAt"`
}

type VersionDetail struct {
	Version
	// Content is the ProseMirror JSON of the snapshot, as a string.
	Content string `json:"content"`
}

type VersionList struct {
	Versions []Version `json:"versions"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
	HasMore  bool      `json:"hasMore"`
}

type CreateVersionRequest struct {
	Content           string `json:"content"`
	ChangeDescription string `json:"changeDescription,omitempty"`
	IsAutoSave        bool   `json:"isAutoSave"`
}

type RestoreVersionRequest struct {
	VersionID string `json:"versionId"`
}

type DiffType string

const (
	DiffEqual  DiffType = "equal"
	DiffInsert DiffType = "insert"
	DiffDelete DiffType = "delete"
)

type DiffItem struct {
	Type DiffType `json:"type"`
	Text string   `json:"text"`
}

type VersionRef struct {
	ID            string    `json:"id"`
	VersionNumber int       `json:"versionNumber"`
	CreatedAt     time.Time `json:"createdAt"`
}

type DiffStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Unchanged int `json:"unchanged"`
}

type VersionCompare struct {
	SourceVersion VersionRef `json:"sourceVersion"`
	TargetVersion VersionRef `json:"targetVersion"`
	Diffs         []DiffItem `json:"diffs"`
	Stats         DiffStats  `json:"stats"`
}

type CleanResult struct {
	Deleted int `json:"deleted"`
}

type Comment struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"documentId"`
	UserID     string         `json:"userId"`
	Username   string         `json:"username"`
	Avatar     string         `json:"avatar,omitempty"`
	Content    string         `json:"content"`
	StartPos   int            `json:"startPos"`
	EndPos     int            `json:"endPos"`
	QuotedText string         `json:"quotedText"`
	Resolved   bool           `json:"resolved"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Replies    []CommentReply `json:"replies"`
}

type CommentReply struct {
	ID        string    `json:"id"`
	CommentID string    `json:"commentId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateCommentRequest struct {
	Content    string `json:"content"`
	StartPos   int    `json:"startPos"`
	EndPos     int    `json:"endPos"`
	QuotedText string `json:"quotedText"`
}

type CommentBody struct {
	Content string `json:"content"`
}

type CommentStats struct {
	Total    int `json:"total"`
	Open     int `json:"open"`
	Resolved int `json:"resolved"`
}

type PermissionRequest struct {
	UserID     string     `json:"userId"`
	Permission Permission `json:"permission"`
}

type SearchHit struct {
	Kind       string `json:"kind"`
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
}

type SearchResults struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
}

type AIContext struct {
	SelectedText    string `json:"selectedText,omitempty"`
	CursorPosition  int    `json:"cursorPosition,omitempty"`
	DocumentContent string `json:"documentContent,omitempty"`
	HasSelection    bool   `json:"hasSelection,omitempty"`
}

type AIChatRequest struct {
	Message string     `json:"message"`
	Context *AIContext `json:"context,omitempty"`
}

type AIUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type AIResponse struct {
	Content string   `json:"content"`
	Model   string   `json:"model"`
	Usage   *AIUsage `json:"usage,omitempty"`
}

type AIStreamChunk struct {
	Chunk string `json:"chunk,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}
