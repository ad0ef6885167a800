package restclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"quill/collab/internal/protocol"
)

func docPath(documentID string, rest ...string) string {
	p := "/api/documents/" + url.PathEscape(documentID)
	for _, part := range rest {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// SignIn exchanges credentials for a session and keeps its access token.
func (c *Client) SignIn(ctx context.Context, email, password string) (protocol.SessionResponse, error) {
	var out protocol.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/signin", protocol.SignInRequest{Email: email, Password: password}, &out); err != nil {
		return out, err
	}
	c.SetToken(out.AccessToken)
	return out, nil
}

func (c *Client) SignUp(ctx context.Context, req protocol.SignUpRequest) error {
	return c.do(ctx, http.MethodPost, "/api/auth/signup", req, nil)
}

// Refresh rotates the refresh token and keeps the new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (protocol.SessionResponse, error) {
	var out protocol.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", protocol.RefreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return out, err
	}
	c.SetToken(out.AccessToken)
	return out, nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	err := c.do(ctx, http.MethodPost, "/api/auth/logout", protocol.RefreshRequest{RefreshToken: refreshToken}, nil)
	c.SetToken("")
	return err
}

func (c *Client) CreateDocument(ctx context.Context, title, content string) (protocol.DocumentContent, error) {
	var out protocol.DocumentContent
	err := c.do(ctx, http.MethodPost, "/api/documents", protocol.CreateDocumentRequest{Title: title, Content: content}, &out)
	return out, err
}

func (c *Client) GetContent(ctx context.Context, documentID string) (protocol.DocumentContent, error) {
	var out protocol.DocumentContent
	err := c.do(ctx, http.MethodGet, docPath(documentID, "content"), nil, &out)
	return out, err
}

// SaveContent stores the document content without creating a version.
func (c *Client) SaveContent(ctx context.Context, documentID, content string) error {
	return c.do(ctx, http.MethodPut, docPath(documentID, "content"), protocol.SaveContentRequest{Content: content}, nil)
}

func (c *Client) CreateVersion(ctx context.Context, documentID string, req protocol.CreateVersionRequest) (protocol.Version, error) {
	var out protocol.Version
	err := c.do(ctx, http.MethodPost, docPath(documentID, "versions"), req, &out)
	return out, err
}

func (c *Client) ListVersions(ctx context.Context, documentID string, page, pageSize int) (protocol.VersionList, error) {
	var out protocol.VersionList
	path := fmt.Sprintf("%s?page=%d&pageSize=%d", docPath(documentID, "versions"), page, pageSize)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) GetVersion(ctx context.Context, documentID, versionID string) (protocol.VersionDetail, error) {
	var out protocol.VersionDetail
	err := c.do(ctx, http.MethodGet, docPath(documentID, "versions", versionID), nil, &out)
	return out, err
}

func (c *Client) RestoreVersion(ctx context.Context, documentID, versionID string) (protocol.Version, error) {
	var out protocol.Version
	err := c.do(ctx, http.MethodPost, docPath(documentID, "restore"), protocol.RestoreVersionRequest{VersionID: versionID}, &out)
	return out, err
}

func (c *Client) CompareVersions(ctx context.Context, documentID, sourceID, targetID string) (protocol.VersionCompare, error) {
	var out protocol.VersionCompare
	q := url.Values{"sourceVersionId": {sourceID}, "targetVersionId": {targetID}}
	err := c.do(ctx, http.MethodGet, docPath(documentID, "versions", "compare")+"?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) DeleteVersion(ctx context.Context, documentID, versionID string) error {
	return c.do(ctx, http.MethodDelete, docPath(documentID, "versions", versionID), nil, nil)
}

func (c *Client) CleanVersions(ctx context.Context, documentID string, keepDays int) (protocol.CleanResult, error) {
	var out protocol.CleanResult
	path := fmt.Sprintf("%s?keepDays=%d", docPath(documentID, "versions", "clean"), keepDays)
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

// ExportVersion downloads a rendered version ("pdf" or "docx").
func (c *Client) ExportVersion(ctx context.Context, documentID, versionID, format string) ([]byte, string, error) {
	path := docPath(documentID, "versions", versionID, "export") + "?format=" + url.QueryEscape(format)
	return c.raw(ctx, http.MethodGet, path)
}

func (c *Client) ListComments(ctx context.Context, documentID string) ([]protocol.Comment, error) {
	var out []protocol.Comment
	err := c.do(ctx, http.MethodGet, docPath(documentID, "comments"), nil, &out)
	return out, err
}

func (c *Client) CreateComment(ctx context.Context, documentID string, req protocol.CreateCommentRequest) (protocol.Comment, error) {
	var out protocol.Comment
	err := c.do(ctx, http.MethodPost, docPath(documentID, "comments"), req, &out)
	return out, err
}

func (c *Client) ReplyComment(ctx context.Context, documentID, commentID, content string) (protocol.CommentReply, error) {
	var out protocol.CommentReply
	err := c.do(ctx, http.MethodPost, docPath(documentID, "comments", commentID, "replies"), protocol.CommentBody{Content: content}, &out)
	return out, err
}

func (c *Client) CommentStats(ctx context.Context, documentID string) (protocol.CommentStats, error) {
	var out protocol.CommentStats
	err := c.do(ctx, http.MethodGet, docPath(documentID, "comments", "stats"), nil, &out)
	return out, err
}

func (c *Client) GetComment(ctx context.Context, documentID, commentID string) (protocol.Comment, error) {
	var out protocol.Comment
	err := c.do(ctx, http.MethodGet, docPath(documentID, "comments", commentID), nil, &out)
	return out, err
}

func (c *Client) UpdateComment(ctx context.Context, documentID, commentID, content string) (protocol.Comment, error) {
	var out protocol.Comment
	err := c.do(ctx, http.MethodPut, docPath(documentID, "comments", commentID), protocol.CommentBody{Content: content}, &out)
	return out, err
}

func (c *Client) ResolveComment(ctx context.Context, documentID, commentID string) (protocol.Comment, error) {
	var out protocol.Comment
	err := c.do(ctx, http.MethodPut, docPath(documentID, "comments", commentID, "resolve"), nil, &out)
	return out, err
}

func (c *Client) ReopenComment(ctx context.Context, documentID, commentID string) (protocol.Comment, error) {
	var out protocol.Comment
	err := c.do(ctx, http.MethodPut, docPath(documentID, "comments", commentID, "reopen"), nil, &out)
	return out, err
}

func (c *Client) DeleteComment(ctx context.Context, documentID, commentID string) error {
	return c.do(ctx, http.MethodDelete, docPath(documentID, "comments", commentID), nil, nil)
}

func (c *Client) SetPermission(ctx context.Context, documentID, userID string, perm protocol.Permission) error {
	return c.do(ctx, http.MethodPut, docPath(documentID, "permissions"), protocol.PermissionRequest{UserID: userID, Permission: perm}, nil)
}

func (c *Client) Search(ctx context.Context, query string) (protocol.SearchResults, error) {
	var out protocol.SearchResults
	err := c.do(ctx, http.MethodGet, "/api/search?q="+url.QueryEscape(query), nil, &out)
	return out, err
}

func (c *Client) AIChat(ctx context.Context, req protocol.AIChatRequest) (protocol.AIResponse, error) {
	var out protocol.AIResponse
	err := c.do(ctx, http.MethodPost, "/api/ai/chat", req, &out)
	return out, err
}
