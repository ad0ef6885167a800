package app

import (
	"context"
	"fmt"
	"strings"

	"quill/collab/internal/protocol"
	"quill/collab/internal/rbac"
	"quill/collab/internal/search"
	"quill/collab/internal/store"
	"quill/collab/internal/util"
)

func toComment(c store.Comment) protocol.Comment {
	out := protocol.Comment{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		UserID:     c.UserID,
		Username:   c.Username,
		Avatar:     c.Avatar,
		Content:    c.Content,
		StartPos:   c.StartPos,
		EndPos:     c.EndPos,
		QuotedText: c.QuotedText,
		Resolved:   c.Resolved,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
		Replies:    make([]protocol.CommentReply, 0, len(c.Replies)),
	}
	for _, r := range c.Replies {
		out.Replies = append(out.Replies, toReply(r))
	}
	return out
}

func toReply(r store.CommentReply) protocol.CommentReply {
	return protocol.CommentReply{
		ID:        r.ID,
		CommentID: r.CommentID,
		UserID:    r.UserID,
		Username:  r.Username,
		Avatar:    r.Avatar,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
	}
}

func (s *Service) indexComment(c store.Comment) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:         c.ID,
		Content:    c.Content,
		QuotedText: c.QuotedText,
		DocumentID: c.DocumentID,
		Resolved:   c.Resolved,
	})
}

func (s *Service) ListComments(ctx context.Context, session Session, documentID string) ([]protocol.Comment, error) {
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	out := make([]protocol.Comment, 0, len(comments))
	for _, c := range comments {
		out = append(out, toComment(c))
	}
	return out, nil
}

func (s *Service) CreateComment(ctx context.Context, session Session, documentID string, req protocol.CreateCommentRequest) (protocol.Comment, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return protocol.Comment{}, validationError("content is required")
	}
	if req.StartPos < 0 || req.EndPos < req.StartPos {
		return protocol.Comment{}, validationError("startPos and endPos must form a range")
	}
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionComment); err != nil {
		return protocol.Comment{}, err
	}

	now := s.now().UTC()
	comment := store.Comment{
		ID:         util.NewID("cmt"),
		DocumentID: documentID,
		UserID:     session.UserID,
		Username:   session.UserName,
		Avatar:     session.Avatar,
		Content:    content,
		StartPos:   req.StartPos,
		EndPos:     req.EndPos,
		QuotedText: req.QuotedText,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return protocol.Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	s.indexComment(comment)
	return toComment(comment), nil
}

func (s *Service) GetComment(ctx context.Context, session Session, documentID, commentID string) (protocol.Comment, error) {
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return protocol.Comment{}, err
	}
	comment, err := s.store.GetComment(ctx, documentID, commentID)
	if err != nil {
		return protocol.Comment{}, err
	}
	return toComment(comment), nil
}

// UpdateComment edits the text of a comment. Only its author may do so.
func (s *Service) UpdateComment(ctx context.Context, session Session, documentID, commentID, content string) (protocol.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return protocol.Comment{}, validationError("content is required")
	}
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionComment); err != nil {
		return protocol.Comment{}, err
	}
	comment, err := s.store.GetComment(ctx, documentID, commentID)
	if err != nil {
		return protocol.Comment{}, err
	}
	if comment.UserID != session.UserID {
		return protocol.Comment{}, forbidden("edit comment")
	}
	if err := s.store.UpdateCommentContent(ctx, documentID, commentID, content); err != nil {
		return protocol.Comment{}, err
	}
	comment.Content = content
	comment.UpdatedAt = s.now().UTC()
	s.indexComment(comment)
	return toComment(comment), nil
}

// DeleteComment removes a comment and its replies. Authors may delete their
// own comments; owners may delete any.
func (s *Service) DeleteComment(ctx context.Context, session Session, documentID, commentID string) error {
	_, role, err := s.authorize(ctx, session, documentID, rbac.ActionComment)
	if err != nil {
		return err
	}
	comment, err := s.store.GetComment(ctx, documentID, commentID)
	if err != nil {
		return err
	}
	if comment.UserID != session.UserID && !rbac.Can(role, rbac.ActionManage) {
		return forbidden("delete comment")
	}
	if err := s.store.DeleteComment(ctx, documentID, commentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	return nil
}

func (s *Service) ReplyComment(ctx context.Context, session Session, documentID, commentID, content string) (protocol.CommentReply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return protocol.CommentReply{}, validationError("content is required")
	}
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionComment); err != nil {
		return protocol.CommentReply{}, err
	}
	if _, err := s.store.GetComment(ctx, documentID, commentID); err != nil {
		return protocol.CommentReply{}, err
	}
	reply := store.CommentReply{
		ID:        util.NewID("rpl"),
		CommentID: commentID,
		UserID:    session.UserID,
		Username:  session.UserName,
		Avatar:    session.Avatar,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertReply(ctx, reply); err != nil {
		return protocol.CommentReply{}, fmt.Errorf("insert reply: %w", err)
	}
	return toReply(reply), nil
}

func (s *Service) SetCommentResolved(ctx context.Context, session Session, documentID, commentID string, resolved bool) (protocol.Comment, error) {
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionComment); err != nil {
		return protocol.Comment{}, err
	}
	if err := s.store.SetCommentResolved(ctx, documentID, commentID, resolved); err != nil {
		return protocol.Comment{}, err
	}
	comment, err := s.store.GetComment(ctx, documentID, commentID)
	if err != nil {
		return protocol.Comment{}, err
	}
	s.indexComment(comment)
	return toComment(comment), nil
}

func (s *Service) CommentStats(ctx context.Context, session Session, documentID string) (protocol.CommentStats, error) {
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return protocol.CommentStats{}, err
	}
	st, err := s.store.CommentStats(ctx, documentID)
	if err != nil {
		return protocol.CommentStats{}, err
	}
	return protocol.CommentStats{Total: st.Total, Open: st.Open, Resolved: st.Resolved}, nil
}
