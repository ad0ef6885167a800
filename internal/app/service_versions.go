package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"quill/collab/internal/export"
	"quill/collab/internal/gitrepo"
	"quill/collab/internal/protocol"
	"quill/collab/internal/rbac"
	"quill/collab/internal/store"
	"quill/collab/internal/util"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultKeepDays = 30

	autoSaveMessage   = "Auto-save"
	manualSaveMessage = "Manual save"
)

func toVersion(v store.Version) protocol.Version {
	return protocol.Version{
		ID:            v.ID,
		DocumentID:    v.DocumentID,
		VersionNumber: v.VersionNumber,
		ContentSize:   v.ContentSize,
		Author: protocol.Author{
			ID:       v.AuthorID,
			Username: v.AuthorName,
			Avatar:   v.AuthorAvatar,
		},
		ChangeDescription: v.ChangeDescription,
		IsAutoSave:        v.IsAutoSave,
		IsRestore:         v.IsRestore,
		CreatedAt:         v.CreatedAt,
	}
}

// recordVersion commits content to the document repository and registers
// the commit as the next version.
func (s *Service) recordVersion(ctx context.Context, session Session, document store.Document, content string, v store.Version) (store.Version, error) {
	snapshot := gitrepo.Content{Title: document.Title, Doc: json.RawMessage(content)}
	if err := s.git.EnsureDocumentRepo(document.ID, snapshot, session.UserName); err != nil {
		return store.Version{}, fmt.Errorf("ensure document repo: %w", err)
	}
	message := v.ChangeDescription
	if message == "" {
		message = manualSaveMessage
		if v.IsAutoSave {
			message = autoSaveMessage
		}
	}
	commit, err := s.git.Commit(document.ID, snapshot, session.UserName, message)
	if err != nil {
		return store.Version{}, fmt.Errorf("commit version: %w", err)
	}

	v.ID = util.NewID("ver")
	v.DocumentID = document.ID
	v.CommitHash = commit.Hash
	v.ContentSize = len(content)
	v.AuthorID = session.UserID
	saved, err := s.store.InsertVersion(ctx, v)
	if err != nil {
		return store.Version{}, fmt.Errorf("insert version: %w", err)
	}
	saved.AuthorName = session.UserName
	saved.AuthorAvatar = session.Avatar
	// a missing tag does not fail the save
	if err := s.git.Tag(document.ID, commit.Hash, fmt.Sprintf("v%d", saved.VersionNumber)); err != nil {
		log.Printf("versions: tag %s v%d: %v", document.ID, saved.VersionNumber, err)
	}
	return saved, nil
}

func (s *Service) CreateVersion(ctx context.Context, session Session, documentID string, req protocol.CreateVersionRequest) (protocol.Version, error) {
	document, _, err := s.authorize(ctx, session, documentID, rbac.ActionWrite)
	if err != nil {
		return protocol.Version{}, err
	}
	if _, err := parseContent(req.Content); err != nil {
		return protocol.Version{}, err
	}
	saved, err := s.recordVersion(ctx, session, document, req.Content, store.Version{
		ChangeDescription: req.ChangeDescription,
		IsAutoSave:        req.IsAutoSave,
	})
	if err != nil {
		return protocol.Version{}, err
	}
	return toVersion(saved), nil
}

func (s *Service) ListVersions(ctx context.Context, session Session, documentID string, page, pageSize int) (protocol.VersionList, error) {
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return protocol.VersionList{}, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	versions, total, err := s.store.ListVersions(ctx, documentID, pageSize, (page-1)*pageSize)
	if err != nil {
		return protocol.VersionList{}, fmt.Errorf("list versions: %w", err)
	}
	out := protocol.VersionList{
		Versions: make([]protocol.Version, 0, len(versions)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  page*pageSize < total,
	}
	for _, v := range versions {
		out.Versions = append(out.Versions, toVersion(v))
	}
	return out, nil
}

// versionContent returns the stored metadata and the ProseMirror JSON of a
// version.
func (s *Service) versionContent(ctx context.Context, documentID, versionID string) (store.Version, string, error) {
	v, err := s.store.GetVersion(ctx, documentID, versionID)
	if err != nil {
		return store.Version{}, "", err
	}
	content, err := s.git.ContentAt(documentID, v.CommitHash)
	if err != nil {
		return store.Version{}, "", fmt.Errorf("load version content: %w", err)
	}
	return v, string(content.Doc), nil
}

func (s *Service) GetVersion(ctx context.Context, session Session, documentID, versionID string) (protocol.VersionDetail, error) {
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return protocol.VersionDetail{}, err
	}
	v, content, err := s.versionContent(ctx, documentID, versionID)
	if err != nil {
		return protocol.VersionDetail{}, err
	}
	return protocol.VersionDetail{Version: toVersion(v), Content: content}, nil
}

// RestoreVersion makes an old version current again. The restore is itself
// a new version, so history is never rewritten.
func (s *Service) RestoreVersion(ctx context.Context, session Session, documentID, versionID string) (protocol.Version, error) {
	if versionID == "" {
		return protocol.Version{}, validationError("versionId is required")
	}
	document, _, err := s.authorize(ctx, session, documentID, rbac.ActionWrite)
	if err != nil {
		return protocol.Version{}, err
	}
	source, content, err := s.versionContent(ctx, documentID, versionID)
	if err != nil {
		return protocol.Version{}, err
	}
	root, err := parseContent(content)
	if err != nil {
		return protocol.Version{}, err
	}

	saved, err := s.recordVersion(ctx, session, document, content, store.Version{
		ChangeDescription: fmt.Sprintf("Restored from version %d", source.VersionNumber),
		IsRestore:         true,
	})
	if err != nil {
		return protocol.Version{}, err
	}
	text := root.PlainText()
	if err := s.store.UpdateDocumentContent(ctx, documentID, content, text, session.UserName); err != nil {
		return protocol.Version{}, fmt.Errorf("update document content: %w", err)
	}
	document.Content = content
	document.TextContent = text
	s.indexDocument(document)
	return toVersion(saved), nil
}

// CompareVersions diffs the plain text of two versions.
func (s *Service) CompareVersions(ctx context.Context, session Session, documentID, sourceID, targetID string) (protocol.VersionCompare, error) {
	if sourceID == "" || targetID == "" {
		return protocol.VersionCompare{}, validationError("sourceVersionId and targetVersionId are required")
	}
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return protocol.VersionCompare{}, err
	}
	source, sourceContent, err := s.versionContent(ctx, documentID, sourceID)
	if err != nil {
		return protocol.VersionCompare{}, err
	}
	target, targetContent, err := s.versionContent(ctx, documentID, targetID)
	if err != nil {
		return protocol.VersionCompare{}, err
	}
	sourceDoc, err := parseContent(sourceContent)
	if err != nil {
		return protocol.VersionCompare{}, err
	}
	targetDoc, err := parseContent(targetContent)
	if err != nil {
		return protocol.VersionCompare{}, err
	}

	diffs, stats := diffText(sourceDoc.PlainText(), targetDoc.PlainText())
	return protocol.VersionCompare{
		SourceVersion: protocol.VersionRef{ID: source.ID, VersionNumber: source.VersionNumber, CreatedAt: source.CreatedAt},
		TargetVersion: protocol.VersionRef{ID: target.ID, VersionNumber: target.VersionNumber, CreatedAt: target.CreatedAt},
		Diffs:         diffs,
		Stats:         stats,
	}, nil
}

// diffText produces a semantic diff from a to b. Stats count characters.
func diffText(a, b string) ([]protocol.DiffItem, protocol.DiffStats) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	items := make([]protocol.DiffItem, 0, len(diffs))
	var stats protocol.DiffStats
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		var kind protocol.DiffType
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = protocol.DiffInsert
			stats.Additions += n
		case diffmatchpatch.DiffDelete:
			kind = protocol.DiffDelete
			stats.Deletions += n
		default:
			kind = protocol.DiffEqual
			stats.Unchanged += n
		}
		items = append(items, protocol.DiffItem{Type: kind, Text: d.Text})
	}
	return items, stats
}

func (s *Service) DeleteVersion(ctx context.Context, session Session, documentID, versionID string) error {
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionManage); err != nil {
		return err
	}
	return s.store.DeleteVersion(ctx, documentID, versionID)
}

// CleanVersions deletes versions older than keepDays. The newest version
// always survives. Commits stay in the repository.
func (s *Service) CleanVersions(ctx context.Context, session Session, documentID string, keepDays int) (protocol.CleanResult, error) {
	if keepDays < 0 {
		return protocol.CleanResult{}, validationError("keepDays must not be negative")
	}
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionManage); err != nil {
		return protocol.CleanResult{}, err
	}
	cutoff := s.now().Add(-time.Duration(keepDays) * 24 * time.Hour)
	deleted, err := s.store.DeleteVersionsBefore(ctx, documentID, cutoff)
	if err != nil {
		return protocol.CleanResult{}, fmt.Errorf("clean versions: %w", err)
	}
	return protocol.CleanResult{Deleted: deleted}, nil
}

func (s *Service) ExportVersion(ctx context.Context, session Session, documentID, versionID string, format export.Format, includeComments bool) (*export.Result, error) {
	if _, _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{
		DocumentID:      documentID,
		VersionID:       versionID,
		Format:          format,
		IncludeComments: includeComments,
	})
}

// exportSource feeds the export service from the store and the version
// repository.
type exportSource struct {
	service *Service
}

func (e exportSource) LoadVersion(ctx context.Context, documentID, versionID string) (export.Snapshot, error) {
	document, err := e.service.store.GetDocument(ctx, documentID)
	if err != nil {
		return export.Snapshot{}, err
	}
	v, content, err := e.service.versionContent(ctx, documentID, versionID)
	if err != nil {
		return export.Snapshot{}, err
	}
	return export.Snapshot{
		Title:         document.Title,
		Content:       content,
		Author:        v.AuthorName,
		VersionNumber: v.VersionNumber,
		Description:   v.ChangeDescription,
		CreatedAt:     v.CreatedAt,
	}, nil
}

func (e exportSource) ListComments(ctx context.Context, documentID string) ([]export.Comment, error) {
	comments, err := e.service.store.ListComments(ctx, documentID)
	if err != nil {
		return nil, err
	}
	out := make([]export.Comment, 0, len(comments))
	for _, c := range comments {
		ec := export.Comment{QuotedText: c.QuotedText, Content: c.Content, Author: c.Username, Resolved: c.Resolved}
		for _, r := range c.Replies {
			ec.Replies = append(ec.Replies, export.Reply{Author: r.Username, Content: r.Content})
		}
		out = append(out, ec)
	}
	return out, nil
}
