package app

import (
	"context"
	"errors"
	"fmt"

	"quill/collab/internal/hub"
	"quill/collab/internal/protocol"
	"quill/collab/internal/rbac"
	"quill/collab/internal/store"
)

// SetPermission grants viewer or editor access to a user and tells the
// document room about it.
func (s *Service) SetPermission(ctx context.Context, session Session, documentID string, req protocol.PermissionRequest) error {
	if req.UserID == "" {
		return validationError("userId is required")
	}
	role := rbac.Normalize(string(req.Permission))
	if !rbac.Grantable(role) {
		return validationError("permission must be viewer or editor")
	}
	document, _, err := s.authorize(ctx, session, documentID, rbac.ActionManage)
	if err != nil {
		return err
	}
	if req.UserID == document.OwnerID {
		return validationError("the owner's permission cannot be changed")
	}
	if _, err := s.store.GetUserByID(ctx, req.UserID); err != nil {
		return err
	}
	if err := s.store.SetPermission(ctx, documentID, req.UserID, string(role)); err != nil {
		return fmt.Errorf("set permission: %w", err)
	}
	if s.rooms != nil {
		s.rooms.NotifyPermission(documentID, req.UserID, protocol.Permission(role))
	}
	return nil
}

func (s *Service) ListMembers(ctx context.Context, session Session, documentID string) ([]map[string]any, error) {
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, map[string]any{
			"userId":     m.UserID,
			"username":   m.Username,
			"avatar":     m.Avatar,
			"permission": m.Permission,
		})
	}
	return items, nil
}

// SetCollaboration turns live editing on or off for a document.
func (s *Service) SetCollaboration(ctx context.Context, session Session, documentID string, enabled bool) error {
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionManage); err != nil {
		return err
	}
	if err := s.store.SetCollaboration(ctx, documentID, enabled); err != nil {
		return fmt.Errorf("set collaboration: %w", err)
	}
	if s.rooms != nil {
		s.rooms.NotifyCollaboration(documentID, enabled)
	}
	return nil
}

// Admit decides whether userID may enter the live room of a document.
// Owners stay admitted while collaboration is switched off.
func (s *Service) Admit(ctx context.Context, documentID, userID string) (protocol.Permission, error) {
	document, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", hub.ErrAccessDenied
		}
		return "", err
	}
	perm, err := s.store.GetPermission(ctx, documentID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", hub.ErrAccessDenied
		}
		return "", err
	}
	role := rbac.Normalize(perm)
	if !rbac.Can(role, rbac.ActionRead) {
		return "", hub.ErrAccessDenied
	}
	if !document.CollaborationEnabled && role != rbac.RoleOwner {
		return "", hub.ErrCollaborationDisabled
	}
	return protocol.Permission(role), nil
}

// VerifySocketToken resolves the bearer token of a socket upgrade.
func (s *Service) VerifySocketToken(token string) (hub.Identity, error) {
	session, err := s.SessionFromToken(context.Background(), token)
	if err != nil {
		return hub.Identity{}, err
	}
	return hub.Identity{UserID: session.UserID, Username: session.UserName, Avatar: session.Avatar}, nil
}
