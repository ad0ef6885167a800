package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, avatar, password_hash)
		VALUES ($1, LOWER($2), $3, $4, $5)
	`, user.ID, user.Email, user.Username, user.Avatar, user.PasswordHash)
	if isUniqueViolation(err) {
		return fmt.Errorf("create user %s: %w", user.Email, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `id, email, username, avatar, password_hash, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Avatar, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = LOWER($1)`, email))
	if err != nil {
		return User{}, notFound(err, "get user by email")
	}
	return u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return User{}, notFound(err, "get user")
	}
	return u, nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return expectRow(res, "update password")
}

// InsertDocument creates the document and makes its owner an owner member.
func (s *PostgresStore) InsertDocument(ctx context.Context, d Document) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, title, content, text_content, owner_id, collaboration_enabled, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $5)
		`, d.ID, d.Title, d.Content, d.TextContent, d.OwnerID, d.CollaborationEnabled); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_permissions (document_id, user_id, permission)
			VALUES ($1, $2, 'owner')
		`, d.ID, d.OwnerID); err != nil {
			return fmt.Errorf("insert owner permission: %w", err)
		}
		return nil
	})
}

const documentColumns = `id, title, content, text_content, owner_id, collaboration_enabled, updated_by, created_at, updated_at`

func scanDocument(scan func(...any) error) (Document, error) {
	var d Document
	err := scan(&d.ID, &d.Title, &d.Content, &d.TextContent, &d.OwnerID, &d.CollaborationEnabled, &d.UpdatedBy, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, documentID).Scan)
	if err != nil {
		return Document{}, notFound(err, "get document")
	}
	return d, nil
}

// ListDocuments returns every document, or only those userID can open
// when userID is set.
func (s *PostgresStore) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents ORDER BY updated_at DESC`
	args := []any{}
	if userID != "" {
		query = `
			SELECT d.id, d.title, d.content, d.text_content, d.owner_id, d.collaboration_enabled, d.updated_by, d.created_at, d.updated_at
			FROM documents d
			JOIN document_permissions p ON p.document_id = d.id AND p.user_id = $1
			ORDER BY d.updated_at DESC`
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var items []Document
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, documentID, content, textContent, updatedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET content = $2, text_content = $3, updated_by = $4, updated_at = NOW()
		WHERE id = $1
	`, documentID, content, textContent, updatedBy)
	if err != nil {
		return fmt.Errorf("update document content: %w", err)
	}
	return expectRow(res, "update document content")
}

func (s *PostgresStore) SetCollaboration(ctx context.Context, documentID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET collaboration_enabled = $2, updated_at = NOW() WHERE id = $1`, documentID, enabled)
	if err != nil {
		return fmt.Errorf("set collaboration: %w", err)
	}
	return expectRow(res, "set collaboration")
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// GetPermission returns the user's permission on the document, or
// ErrNotFound when the user has none.
func (s *PostgresStore) GetPermission(ctx context.Context, documentID, userID string) (string, error) {
	var permission string
	err := s.db.QueryRowContext(ctx, `
		SELECT permission FROM document_permissions WHERE document_id = $1 AND user_id = $2
	`, documentID, userID).Scan(&permission)
	if err != nil {
		return "", notFound(err, "get permission")
	}
	return permission, nil
}

func (s *PostgresStore) SetPermission(ctx context.Context, documentID, userID, permission string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_permissions (document_id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET permission = EXCLUDED.permission, granted_at = NOW()
	`, documentID, userID, permission)
	if err != nil {
		return fmt.Errorf("set permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, documentID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.avatar, p.permission
		FROM document_permissions p
		JOIN users u ON u.id = p.user_id
		WHERE p.document_id = $1
		ORDER BY p.granted_at
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var items []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Username, &m.Avatar, &m.Permission); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// InsertVersion assigns the next version number under a per-document
// advisory lock and fills VersionNumber and CreatedAt on the result.
func (s *PostgresStore) InsertVersion(ctx context.Context, v Version) (Version, error) {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, v.DocumentID); err != nil {
			return fmt.Errorf("lock versions: %w", err)
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO versions (id, document_id, version_number, commit_hash, content_size, author_id, change_description, is_auto_save, is_restore)
			SELECT $1, $2, COALESCE(MAX(version_number), 0) + 1, $3, $4, $5, $6, $7, $8
			FROM versions WHERE document_id = $2
			RETURNING version_number, created_at
		`, v.ID, v.DocumentID, v.CommitHash, v.ContentSize, v.AuthorID, v.ChangeDescription, v.IsAutoSave, v.IsRestore,
		).Scan(&v.VersionNumber, &v.CreatedAt)
	})
	if err != nil {
		return Version{}, fmt.Errorf("insert version: %w", err)
	}
	return v, nil
}

const versionSelect = `
	SELECT v.id, v.document_id, v.version_number, v.commit_hash, v.content_size, v.author_id,
		u.username, u.avatar, v.change_description, v.is_auto_save, v.is_restore, v.created_at
	FROM versions v
	JOIN users u ON u.id = v.author_id`

func scanVersion(scan func(...any) error) (Version, error) {
	var v Version
	err := scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.CommitHash, &v.ContentSize, &v.AuthorID,
		&v.AuthorName, &v.AuthorAvatar, &v.ChangeDescription, &v.IsAutoSave, &v.IsRestore, &v.CreatedAt)
	return v, err
}

// ListVersions pages versions newest first and reports the total count.
func (s *PostgresStore) ListVersions(ctx context.Context, documentID string, limit, offset int) ([]Version, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM versions WHERE document_id = $1`, documentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count versions: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, versionSelect+`
		WHERE v.document_id = $1
		ORDER BY v.version_number DESC
		LIMIT $2 OFFSET $3`, documentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var items []Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, documentID, versionID string) (Version, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, versionSelect+` WHERE v.document_id = $1 AND v.id = $2`, documentID, versionID).Scan)
	if err != nil {
		return Version{}, notFound(err, "get version")
	}
	return v, nil
}

func (s *PostgresStore) DeleteVersion(ctx context.Context, documentID, versionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM versions WHERE document_id = $1 AND id = $2`, documentID, versionID)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	return expectRow(res, "delete version")
}

// DeleteVersionsBefore removes versions created before cutoff. The newest
// version is always kept.
func (s *PostgresStore) DeleteVersionsBefore(ctx context.Context, documentID string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM versions
		WHERE document_id = $1
			AND created_at < $2
			AND version_number < (SELECT MAX(version_number) FROM versions WHERE document_id = $1)
	`, documentID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean versions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clean versions: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, user_id, content, start_pos, end_pos, quoted_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.DocumentID, c.UserID, c.Content, c.StartPos, c.EndPos, c.QuotedText)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

const commentSelect = `
	SELECT c.id, c.document_id, c.user_id, u.username, u.avatar, c.content, c.start_pos, c.end_pos,
		c.quoted_text, c.resolved, c.created_at, c.updated_at
	FROM comments c
	JOIN users u ON u.id = c.user_id`

func scanComment(scan func(...any) error) (Comment, error) {
	var c Comment
	err := scan(&c.ID, &c.DocumentID, &c.UserID, &c.Username, &c.Avatar, &c.Content, &c.StartPos, &c.EndPos,
		&c.QuotedText, &c.Resolved, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) GetComment(ctx context.Context, documentID, commentID string) (Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, commentSelect+` WHERE c.document_id = $1 AND c.id = $2`, documentID, commentID).Scan)
	if err != nil {
		return Comment{}, notFound(err, "get comment")
	}
	replies, err := s.listReplies(ctx, `WHERE r.comment_id = $1`, commentID)
	if err != nil {
		return Comment{}, err
	}
	c.Replies = replies[commentID]
	return c, nil
}

// ListComments returns the document's comments in creation order with
// their replies attached.
func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, commentSelect+` WHERE c.document_id = $1 ORDER BY c.created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var items []Comment
	for rows.Next() {
		c, err := scanComment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}

	replies, err := s.listReplies(ctx, `JOIN comments c ON c.id = r.comment_id WHERE c.document_id = $1`, documentID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Replies = replies[items[i].ID]
	}
	return items, nil
}

func (s *PostgresStore) listReplies(ctx context.Context, where string, arg string) (map[string][]CommentReply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.comment_id, r.user_id, u.username, u.avatar, r.content, r.created_at
		FROM comment_replies r
		JOIN users u ON u.id = r.user_id
		`+where+`
		ORDER BY r.created_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]CommentReply)
	for rows.Next() {
		var r CommentReply
		if err := rows.Scan(&r.ID, &r.CommentID, &r.UserID, &r.Username, &r.Avatar, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		out[r.CommentID] = append(out[r.CommentID], r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, documentID, commentID, content string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE comments SET content = $3, updated_at = NOW() WHERE document_id = $1 AND id = $2
	`, documentID, commentID, content)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return expectRow(res, "update comment")
}

func (s *PostgresStore) SetCommentResolved(ctx context.Context, documentID, commentID string, resolved bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE comments SET resolved = $3, updated_at = NOW() WHERE document_id = $1 AND id = $2
	`, documentID, commentID, resolved)
	if err != nil {
		return fmt.Errorf("set comment resolved: %w", err)
	}
	return expectRow(res, "set comment resolved")
}

func (s *PostgresStore) DeleteComment(ctx context.Context, documentID, commentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE document_id = $1 AND id = $2`, documentID, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return expectRow(res, "delete comment")
}

func (s *PostgresStore) InsertReply(ctx context.Context, r CommentReply) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_replies (id, comment_id, user_id, content) VALUES ($1, $2, $3, $4)
	`, r.ID, r.CommentID, r.UserID, r.Content)
	if err != nil {
		return fmt.Errorf("insert reply: %w", err)
	}
	return nil
}

func (s *PostgresStore) CommentStats(ctx context.Context, documentID string) (CommentStats, error) {
	var st CommentStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT resolved), COUNT(*) FILTER (WHERE resolved)
		FROM comments WHERE document_id = $1
	`, documentID).Scan(&st.Total, &st.Open, &st.Resolved)
	if err != nil {
		return CommentStats{}, fmt.Errorf("comment stats: %w", err)
	}
	return st, nil
}
