package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"quill/collab/internal/auth"
	"quill/collab/internal/authpw"
	"quill/collab/internal/config"
	"quill/collab/internal/doc"
	"quill/collab/internal/export"
	"quill/collab/internal/gitrepo"
	"quill/collab/internal/protocol"
	"quill/collab/internal/rbac"
	"quill/collab/internal/search"
	"quill/collab/internal/session"
	"quill/collab/internal/store"
	"quill/collab/internal/util"
)

// Session is the caller behind a verified access token.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Avatar       string
	JTI          string
	ExpiresAt    time.Time
}

const emptyDocument = `{"type":"doc","content":[{"type":"paragraph"}]}`

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	UpdateUserPassword(context.Context, string, string) error
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context, string) ([]store.Document, error)
	UpdateDocumentContent(context.Context, string, string, string, string) error
	SetCollaboration(context.Context, string, bool) error
	GetPermission(context.Context, string, string) (string, error)
	SetPermission(context.Context, string, string, string) error
	ListMembers(context.Context, string) ([]store.Member, error)
	InsertVersion(context.Context, store.Version) (store.Version, error)
	ListVersions(context.Context, string, int, int) ([]store.Version, int, error)
	GetVersion(context.Context, string, string) (store.Version, error)
	DeleteVersion(context.Context, string, string) error
	DeleteVersionsBefore(context.Context, string, time.Time) (int, error)
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string, string) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	UpdateCommentContent(context.Context, string, string, string) error
	SetCommentResolved(context.Context, string, string, bool) error
	DeleteComment(context.Context, string, string) error
	InsertReply(context.Context, store.CommentReply) error
	CommentStats(context.Context, string) (store.CommentStats, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	EnsureDocumentRepo(string, gitrepo.Content, string) error
	Commit(string, gitrepo.Content, string, string) (gitrepo.Commit, error)
	ContentAt(string, string) (gitrepo.Content, error)
	Tag(string, string, string) error
}

type sessionStore interface {
	Save(context.Context, string, session.Data, time.Time) error
	Take(context.Context, string) (session.Data, error)
	Revoke(context.Context, string) error
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexDocument(search.DocumentRecord)
	IndexComment(search.CommentRecord)
	DeleteComment(string)
}

// roomNotifier pushes access changes to the sockets of a document room.
type roomNotifier interface {
	NotifyPermission(documentID, userID string, permission protocol.Permission)
	NotifyCollaboration(documentID string, enabled bool)
}

// Deps are the collaborators of Service. Search and Rooms are optional.
type Deps struct {
	Store    dataStore
	Git      gitService
	Sessions sessionStore
	Search   searchIndex
	Rooms    roomNotifier
	// BcryptCost zero means bcrypt.DefaultCost.
	BcryptCost int
}

type Service struct {
	cfg       config.Config
	store     dataStore
	git       gitService
	sessions  sessionStore
	search    searchIndex
	rooms     roomNotifier
	passwords *authpw.Service
	exporter  *export.Service
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		git:       deps.Git,
		sessions:  deps.Sessions,
		search:    deps.Search,
		rooms:     deps.Rooms,
		passwords: authpw.NewService(deps.Store, deps.BcryptCost),
		now:       time.Now,
	}
	s.exporter = export.NewService(exportSource{s})
	return s
}

// SetRooms attaches the socket hub once it exists. The hub itself needs the
// service for admission, so it cannot be passed to New.
func (s *Service) SetRooms(rooms roomNotifier) {
	s.rooms = rooms
}

// WithExportConverters swaps the PDF/DOCX backends.
func (s *Service) WithExportConverters(pdf, docx export.Converter) *Service {
	s.exporter.WithConverters(pdf, docx)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req protocol.SignUpRequest) (store.User, error) {
	return s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:    req.Email,
		Password: req.Password,
		Username: req.DisplayName,
	})
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, session.Data{UserID: user.ID, Username: user.Username, Avatar: user.Avatar})
}

// Refresh trades a refresh token for a new session. The old refresh token
// is consumed.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	data, err := s.sessions.Take(ctx, auth.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, fmt.Errorf("take refresh session: %w", err)
	}
	return s.issueSession(ctx, data)
}

func (s *Service) issueSession(ctx context.Context, data session.Data) (Session, error) {
	now := s.now()
	jti := util.NewID("jti")
	token, expiresAt, err := auth.IssueToken([]byte(s.cfg.JWTSecret), data.UserID, data.Username, data.Avatar, jti, now, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}
	refreshToken, err := randomToken()
	if err != nil {
		return Session{}, err
	}
	data.CreatedAt = now.UTC()
	if err := s.sessions.Save(ctx, auth.HashToken(refreshToken), data, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}
	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       data.UserID,
		UserName:     data.Username,
		Avatar:       data.Avatar,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Token:    token,
		UserID:   claims.Subject,
		UserName: claims.Name,
		Avatar:   claims.Avatar,
		JTI:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	if err := s.sessions.Revoke(ctx, auth.HashToken(refreshToken)); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	return s.passwords.ChangePassword(ctx, session.UserID, current, next)
}

// authorize loads the document and checks the caller's permission on it.
// Callers without any permission get the same 404 as a missing document.
func (s *Service) authorize(ctx context.Context, session Session, documentID string, action rbac.Action) (store.Document, rbac.Role, error) {
	document, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, "", err
	}
	perm, err := s.store.GetPermission(ctx, documentID, session.UserID)
	if err != nil {
		return store.Document{}, "", err
	}
	role := rbac.Normalize(perm)
	if !rbac.Can(role, action) {
		return store.Document{}, "", forbidden(string(action))
	}
	return document, role, nil
}

func parseContent(content string) (*doc.Node, error) {
	root, err := doc.ParseString(content)
	if err != nil {
		return nil, validationError("content must be a ProseMirror document")
	}
	return root, nil
}

func (s *Service) indexDocument(document store.Document) {
	if s.search == nil {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:         document.ID,
		Title:      document.Title,
		Text:       document.TextContent,
		DocumentID: document.ID,
	})
}

func documentContent(document store.Document) protocol.DocumentContent {
	return protocol.DocumentContent{
		DocumentID: document.ID,
		Title:      document.Title,
		Content:    document.Content,
		UpdatedAt:  document.UpdatedAt,
	}
}

func (s *Service) CreateDocument(ctx context.Context, session Session, req protocol.CreateDocumentRequest) (protocol.DocumentContent, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return protocol.DocumentContent{}, validationError("title is required")
	}
	content := req.Content
	if strings.TrimSpace(content) == "" {
		content = emptyDocument
	}
	root, err := parseContent(content)
	if err != nil {
		return protocol.DocumentContent{}, err
	}

	now := s.now().UTC()
	document := store.Document{
		ID:                   util.NewID("doc"),
		Title:                title,
		Content:              content,
		TextContent:          root.PlainText(),
		OwnerID:              session.UserID,
		CollaborationEnabled: true,
		UpdatedBy:            session.UserName,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.InsertDocument(ctx, document); err != nil {
		return protocol.DocumentContent{}, fmt.Errorf("insert document: %w", err)
	}
	if err := s.git.EnsureDocumentRepo(document.ID, gitrepo.Content{Title: title, Doc: json.RawMessage(content)}, session.UserName); err != nil {
		return protocol.DocumentContent{}, fmt.Errorf("create document repo: %w", err)
	}
	s.indexDocument(document)
	return documentContent(document), nil
}

// ListDocuments returns the documents the caller holds a permission on.
func (s *Service) ListDocuments(ctx context.Context, session Session) ([]map[string]any, error) {
	documents, err := s.store.ListDocuments(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	items := make([]map[string]any, 0, len(documents))
	for _, d := range documents {
		items = append(items, map[string]any{
			"id":                   d.ID,
			"title":                d.Title,
			"ownerId":              d.OwnerID,
			"collaborationEnabled": d.CollaborationEnabled,
			"updatedBy":            d.UpdatedBy,
			"updatedAt":            d.UpdatedAt,
		})
	}
	return items, nil
}

func (s *Service) GetContent(ctx context.Context, session Session, documentID string) (protocol.DocumentContent, error) {
	document, _, err := s.authorize(ctx, session, documentID, rbac.ActionRead)
	if err != nil {
		return protocol.DocumentContent{}, err
	}
	return documentContent(document), nil
}

func (s *Service) SaveContent(ctx context.Context, session Session, documentID, content string) (protocol.DocumentContent, error) {
	document, _, err := s.authorize(ctx, session, documentID, rbac.ActionWrite)
	if err != nil {
		return protocol.DocumentContent{}, err
	}
	root, err := parseContent(content)
	if err != nil {
		return protocol.DocumentContent{}, err
	}
	text := root.PlainText()
	if err := s.store.UpdateDocumentContent(ctx, documentID, content, text, session.UserName); err != nil {
		return protocol.DocumentContent{}, fmt.Errorf("update document content: %w", err)
	}
	document.Content = content
	document.TextContent = text
	document.UpdatedBy = session.UserName
	document.UpdatedAt = s.now().UTC()
	s.indexDocument(document)
	return documentContent(document), nil
}

func (s *Service) Search(ctx context.Context, session Session, query string, limit int) (protocol.SearchResults, error) {
	query = strings.TrimSpace(query)
	out := protocol.SearchResults{Query: query, Results: []protocol.SearchHit{}}
	if query == "" || s.search == nil {
		return out, nil
	}
	documents, err := s.store.ListDocuments(ctx, session.UserID)
	if err != nil {
		return out, fmt.Errorf("list documents: %w", err)
	}
	ids := make([]string, 0, len(documents))
	for _, d := range documents {
		ids = append(ids, d.ID)
	}
	resp := s.search.Search(ctx, search.Query{Text: query, UserID: session.UserID, DocumentIDs: ids, Limit: limit})
	for _, r := range resp.Results {
		out.Results = append(out.Results, protocol.SearchHit{
			Kind:       string(r.Type),
			ID:         r.ID,
			DocumentID: r.DocumentID,
			Title:      r.Title,
			Snippet:    r.Snippet,
		})
	}
	return out, nil
}
