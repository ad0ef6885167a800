package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

type User struct {
	ID           string
	Email        string
	Username     string
	Avatar       string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Document struct {
	ID                   string
	Title                string
	Content              string
	TextContent          string
	OwnerID              string
	CollaborationEnabled bool
	UpdatedBy            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Member is a user with an explicit permission on a document.
type Member struct {
	UserID     string
	Username   string
	Avatar     string
	Permission string
}

type Version struct {
	ID                string
	DocumentID        string
	VersionNumber     int
	CommitHash        string
	ContentSize       int
	AuthorID          string
	AuthorName        string
	AuthorAvatar      string
	ChangeDescription string
	IsAutoSave        bool
	IsRestore         bool
	CreatedAt         time.Time
}

type Comment struct {
	ID         string
	DocumentID string
	UserID     string
	Username   string
	Avatar     string
	Content    string
	StartPos   int
	EndPos     int
	QuotedText string
	Resolved   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Replies    []CommentReply
}

type CommentReply struct {
	ID        string
	CommentID string
	UserID    string
	Username  string
	Avatar    string
	Content   string
	CreatedAt time.Time
}

type CommentStats struct {
	Total    int
	Open     int
	Resolved int
}
