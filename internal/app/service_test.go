package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"quill/collab/internal/config"
	"quill/collab/internal/gitrepo"
	"quill/collab/internal/hub"
	"quill/collab/internal/protocol"
	"quill/collab/internal/search"
	"quill/collab/internal/session"
	"quill/collab/internal/store"
)

// memStore is an in-memory dataStore with the same observable rules as the
// Postgres store.
type memStore struct {
	mu          sync.Mutex
	now         func() time.Time
	users       map[string]store.User
	documents   map[string]store.Document
	permissions map[string]map[string]string
	versions    []store.Version
	comments    []store.Comment
	replies     []store.CommentReply
	pingErr     error
}

func newMemStore() *memStore {
	return &memStore{
		now:         time.Now,
		users:       make(map[string]store.User),
		documents:   make(map[string]store.Document),
		permissions: make(map[string]map[string]string),
	}
}

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) UpdateUserPassword(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = hash
	m.users[id] = u
	return nil
}

func (m *memStore) InsertDocument(_ context.Context, d store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[d.ID]; ok {
		return store.ErrDuplicate
	}
	m.documents[d.ID] = d
	m.permissions[d.ID] = map[string]string{d.OwnerID: "owner"}
	return nil
}

func (m *memStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return d, nil
}

func (m *memStore) ListDocuments(_ context.Context, userID string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Document
	for id, d := range m.documents {
		if _, ok := m.permissions[id][userID]; userID == "" || ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateDocumentContent(_ context.Context, id, content, text, updatedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Content, d.TextContent, d.UpdatedBy, d.UpdatedAt = content, text, updatedBy, m.now()
	m.documents[id] = d
	return nil
}

func (m *memStore) SetCollaboration(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return store.ErrNotFound
	}
	d.CollaborationEnabled = enabled
	m.documents[id] = d
	return nil
}

func (m *memStore) GetPermission(_ context.Context, documentID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perm, ok := m.permissions[documentID][userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return perm, nil
}

func (m *memStore) SetPermission(_ context.Context, documentID, userID, permission string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.permissions[documentID] == nil {
		m.permissions[documentID] = make(map[string]string)
	}
	m.permissions[documentID][userID] = permission
	return nil
}

func (m *memStore) ListMembers(_ context.Context, documentID string) ([]store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Member
	for userID, perm := range m.permissions[documentID] {
		u := m.users[userID]
		out = append(out, store.Member{UserID: userID, Username: u.Username, Avatar: u.Avatar, Permission: perm})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStore) withAuthor(v store.Version) store.Version {
	u := m.users[v.AuthorID]
	v.AuthorName, v.AuthorAvatar = u.Username, u.Avatar
	return v
}

func (m *memStore) InsertVersion(_ context.Context, v store.Version) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for _, existing := range m.versions {
		if existing.DocumentID == v.DocumentID && existing.VersionNumber >= next {
			next = existing.VersionNumber + 1
		}
	}
	v.VersionNumber = next
	v.CreatedAt = m.now()
	m.versions = append(m.versions, v)
	return v, nil
}

func (m *memStore) ListVersions(_ context.Context, documentID string, limit, offset int) ([]store.Version, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []store.Version
	for _, v := range m.versions {
		if v.DocumentID == documentID {
			all = append(all, m.withAuthor(v))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].VersionNumber > all[j].VersionNumber })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) GetVersion(_ context.Context, documentID, versionID string) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.DocumentID == documentID && v.ID == versionID {
			return m.withAuthor(v), nil
		}
	}
	return store.Version{}, store.ErrNotFound
}

func (m *memStore) DeleteVersion(_ context.Context, documentID, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range m.versions {
		if v.DocumentID == documentID && v.ID == versionID {
			m.versions = append(m.versions[:i], m.versions[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) DeleteVersionsBefore(_ context.Context, documentID string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	newest := 0
	for _, v := range m.versions {
		if v.DocumentID == documentID && v.VersionNumber > newest {
			newest = v.VersionNumber
		}
	}
	kept := m.versions[:0]
	deleted := 0
	for _, v := range m.versions {
		if v.DocumentID == documentID && v.CreatedAt.Before(cutoff) && v.VersionNumber < newest {
			deleted++
			continue
		}
		kept = append(kept, v)
	}
	m.versions = kept
	return deleted, nil
}

func (m *memStore) InsertComment(_ context.Context, c store.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments = append(m.comments, c)
	return nil
}

func (m *memStore) commentLocked(documentID, commentID string) (int, bool) {
	for i, c := range m.comments {
		if c.DocumentID == documentID && c.ID == commentID {
			return i, true
		}
	}
	return 0, false
}

func (m *memStore) withReplies(c store.Comment) store.Comment {
	c.Replies = nil
	for _, r := range m.replies {
		if r.CommentID == c.ID {
			c.Replies = append(c.Replies, r)
		}
	}
	return c
}

func (m *memStore) GetComment(_ context.Context, documentID, commentID string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.commentLocked(documentID, commentID)
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	return m.withReplies(m.comments[i]), nil
}

func (m *memStore) ListComments(_ context.Context, documentID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Comment
	for _, c := range m.comments {
		if c.DocumentID == documentID {
			out = append(out, m.withReplies(c))
		}
	}
	return out, nil
}

func (m *memStore) UpdateCommentContent(_ context.Context, documentID, commentID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.commentLocked(documentID, commentID)
	if !ok {
		return store.ErrNotFound
	}
	m.comments[i].Content = content
	return nil
}

func (m *memStore) SetCommentResolved(_ context.Context, documentID, commentID string, resolved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.commentLocked(documentID, commentID)
	if !ok {
		return store.ErrNotFound
	}
	m.comments[i].Resolved = resolved
	return nil
}

func (m *memStore) DeleteComment(_ context.Context, documentID, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.commentLocked(documentID, commentID)
	if !ok {
		return store.ErrNotFound
	}
	m.comments = append(m.comments[:i], m.comments[i+1:]...)
	return nil
}

func (m *memStore) InsertReply(_ context.Context, r store.CommentReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, r)
	return nil
}

func (m *memStore) CommentStats(_ context.Context, documentID string) (store.CommentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st store.CommentStats
	for _, c := range m.comments {
		if c.DocumentID != documentID {
			continue
		}
		st.Total++
		if c.Resolved {
			st.Resolved++
		} else {
			st.Open++
		}
	}
	return st, nil
}

func (m *memStore) Ping(context.Context) error {
	return m.pingErr
}

// fakeGit keeps snapshots in memory keyed by a counter hash.
type fakeGit struct {
	mu      sync.Mutex
	repos   map[string]bool
	commits map[string]gitrepo.Content
	tags    map[string]string
	seq     int
}

func newFakeGit() *fakeGit {
	return &fakeGit{repos: make(map[string]bool), commits: make(map[string]gitrepo.Content), tags: make(map[string]string)}
}

func (f *fakeGit) EnsureDocumentRepo(documentID string, _ gitrepo.Content, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[documentID] = true
	return nil
}

func (f *fakeGit) Commit(documentID string, content gitrepo.Content, author, message string) (gitrepo.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.repos[documentID] {
		return gitrepo.Commit{}, gitrepo.ErrNoRepo
	}
	f.seq++
	hash := documentID + "-" + string(rune('a'+f.seq))
	f.commits[hash] = content
	return gitrepo.Commit{Hash: hash, Message: message, Author: author, CreatedAt: time.Now()}, nil
}

func (f *fakeGit) Tag(documentID, hash, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.commits[hash]; !ok {
		return errors.New("unknown commit")
	}
	f.tags[documentID+"@"+name] = hash
	return nil
}

func (f *fakeGit) ContentAt(_ string, hash string) (gitrepo.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commits[hash]
	if !ok {
		return gitrepo.Content{}, errors.New("unknown commit")
	}
	return c, nil
}

type fakeRooms struct {
	mu            sync.Mutex
	permissions   []protocol.PermissionUpdated
	collaboration []protocol.CollaborationToggled
}

func (f *fakeRooms) NotifyPermission(documentID, userID string, permission protocol.Permission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, protocol.PermissionUpdated{DocumentID: documentID, UserID: userID, Permission: permission})
}

func (f *fakeRooms) NotifyCollaboration(documentID string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collaboration = append(f.collaboration, protocol.CollaborationToggled{DocumentID: documentID, Enabled: enabled})
}

type fakeSearch struct {
	mu        sync.Mutex
	documents map[string]search.DocumentRecord
	comments  map[string]search.CommentRecord
	lastQuery search.Query
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{documents: make(map[string]search.DocumentRecord), comments: make(map[string]search.CommentRecord)}
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	allowed := make(map[string]bool)
	for _, id := range q.DocumentIDs {
		allowed[id] = true
	}
	var results []search.Result
	for _, d := range f.documents {
		if allowed[d.ID] && strings.Contains(d.Text, q.Text) {
			results = append(results, search.Result{Type: search.ResultDocument, ID: d.ID, Title: d.Title, Snippet: d.Text, DocumentID: d.ID})
		}
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}
}

func (f *fakeSearch) IndexDocument(d search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents[d.ID] = d
}

func (f *fakeSearch) IndexComment(c search.CommentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[c.ID] = c
}

func (f *fakeSearch) DeleteComment(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.comments, id)
}

type testEnv struct {
	svc    *Service
	store  *memStore
	git    *fakeGit
	rooms  *fakeRooms
	search *fakeSearch
	redis  *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		store:  newMemStore(),
		git:    newFakeGit(),
		rooms:  &fakeRooms{},
		search: newFakeSearch(),
		redis:  mr,
	}
	cfg := config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}
	env.svc = New(cfg, Deps{
		Store:      env.store,
		Git:        env.git,
		Sessions:   session.NewRedisStoreWithClient(client),
		Search:     env.search,
		Rooms:      env.rooms,
		BcryptCost: bcrypt.MinCost,
	})
	return env
}

// signUp registers a user and returns a signed-in session.
func (e *testEnv) signUp(t *testing.T, email, name string) Session {
	t.Helper()
	ctx := context.Background()
	if _, err := e.svc.SignUp(ctx, protocol.SignUpRequest{Email: email, Password: "correct horse", DisplayName: name}); err != nil {
		t.Fatalf("SignUp(%s) error = %v", email, err)
	}
	s, err := e.svc.SignIn(ctx, email, "correct horse")
	if err != nil {
		t.Fatalf("SignIn(%s) error = %v", email, err)
	}
	return s
}

func (e *testEnv) createDocument(t *testing.T, owner Session, title string, paragraphs ...string) string {
	t.Helper()
	content := docJSON(paragraphs...)
	created, err := e.svc.CreateDocument(context.Background(), owner, protocol.CreateDocumentRequest{Title: title, Content: content})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	return created.DocumentID
}

func docJSON(paragraphs ...string) string {
	var b strings.Builder
	b.WriteString(`{"type":"doc","content":[`)
	for i, p := range paragraphs {
		if i > 0 {
			b.WriteString(",")
		}
		if p == "" {
			b.WriteString(`{"type":"paragraph"}`)
			continue
		}
		b.WriteString(`{"type":"paragraph","content":[{"type":"text","text":"` + p + `"}]}`)
	}
	b.WriteString(`]}`)
	return b.String()
}

func statusOf(err error) int {
	status, _, _, _ := mapError(err)
	return status
}

func TestSignInIssuesVerifiableSession(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp(t, "Ada@Example.com", "Ada")

	if s.Token == "" || s.RefreshToken == "" {
		t.Fatalf("SignIn() tokens = %q, %q", s.Token, s.RefreshToken)
	}
	got, err := env.svc.SessionFromToken(context.Background(), s.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if got.UserID != s.UserID || got.UserName != "Ada" {
		t.Fatalf("SessionFromToken() = %+v", got)
	}

	if _, err := env.svc.SignIn(context.Background(), "ada@example.com", "wrong password"); statusOf(err) != 401 {
		t.Fatalf("SignIn(wrong) status = %d, err = %v", statusOf(err), err)
	}
}

func TestRefreshConsumesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.signUp(t, "ada@example.com", "Ada")

	next, err := env.svc.Refresh(ctx, s.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if next.RefreshToken == s.RefreshToken {
		t.Fatalf("Refresh() reused the refresh token")
	}
	if _, err := env.svc.Refresh(ctx, s.RefreshToken); statusOf(err) != 401 {
		t.Fatalf("second Refresh() status = %d, err = %v", statusOf(err), err)
	}

	if err := env.svc.Logout(ctx, next.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := env.svc.Refresh(ctx, next.RefreshToken); statusOf(err) != 401 {
		t.Fatalf("Refresh() after logout status = %d", statusOf(err))
	}
}

func TestDocumentContentRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.signUp(t, "ada@example.com", "Ada")
	docID := env.createDocument(t, owner, "Plan", "hello")

	if !env.git.repos[docID] {
		t.Fatalf("CreateDocument() did not create the version repository")
	}

	saved, err := env.svc.SaveContent(ctx, owner, docID, docJSON("hello", "world"))
	if err != nil {
		t.Fatalf("SaveContent() error = %v", err)
	}
	if saved.Title != "Plan" {
		t.Fatalf("SaveContent() title = %q", saved.Title)
	}
	got, err := env.svc.GetContent(ctx, owner, docID)
	if err != nil {
		t.Fatalf("GetContent() error = %v", err)
	}
	if got.Content != docJSON("hello", "world") {
		t.Fatalf("GetContent() content = %s", got.Content)
	}
	if text := env.store.documents[docID].TextContent; !strings.Contains(text, "world") {
		t.Fatalf("text content = %q", text)
	}
	if indexed := env.search.documents[docID]; !strings.Contains(indexed.Text, "world") {
		t.Fatalf("indexed text = %q", indexed.Text)
	}

	if _, err := env.svc.SaveContent(ctx, owner, docID, `{"type":"paragraph"}`); statusOf(err) != 422 {
		t.Fatalf("SaveContent(non-doc) status = %d", statusOf(err))
	}
}

func TestPermissionsGateAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.signUp(t, "ada@example.com", "Ada")
	bob := env.signUp(t, "bob@example.com", "Bob")
	docID := env.createDocument(t, owner, "Plan", "hello")

	if _, err := env.svc.GetContent(ctx, bob, docID); statusOf(err) != 404 {
		t.Fatalf("GetContent(stranger) status = %d", statusOf(err))
	}

	if err := env.svc.SetPermission(ctx, owner, docID, protocol.PermissionRequest{UserID: bob.UserID, Permission: protocol.PermissionViewer}); err != nil {
		t.Fatalf("SetPermission(viewer) error = %v", err)
	}
	if _, err := env.svc.GetContent(ctx, bob, docID); err != nil {
		t.Fatalf("GetContent(viewer) error = %v", err)
	}
	if _, err := env.svc.SaveContent(ctx, bob, docID, docJSON("mine")); statusOf(err) != 403 {
		t.Fatalf("SaveContent(viewer) status = %d", statusOf(err))
	}
	if _, err := env.svc.CreateComment(ctx, bob, docID, protocol.CreateCommentRequest{Content: "nice", StartPos: 1, EndPos: 3}); err != nil {
		t.Fatalf("CreateComment(viewer) error = %v", err)
	}
	if err := env.svc.SetPermission(ctx, bob, docID, protocol.PermissionRequest{UserID: bob.UserID, Permission: protocol.PermissionEditor}); statusOf(err) != 403 {
		t.Fatalf("SetPermission(by viewer) status = %d", statusOf(err))
	}

	if err := env.svc.SetPermission(ctx, owner, docID, protocol.PermissionRequest{UserID: bob.UserID, Permission: protocol.PermissionEditor}); err != nil {
		t.Fatalf("SetPermission(editor) error = %v", err)
	}
	if _, err := env.svc.SaveContent(ctx, bob, docID, docJSON("mine")); err != nil {
		t.Fatalf("SaveContent(editor) error = %v", err)
	}

	tests := []struct {
		name string
		req  protocol.PermissionRequest
		want int
	}{
		{name: "owner grant", req: protocol.PermissionRequest{UserID: bob.UserID, Permission: protocol.PermissionOwner}, want: 422},
		{name: "unknown permission", req: protocol.PermissionRequest{UserID: bob.UserID, Permission: "admin"}, want: 422},
		{name: "missing user", req: protocol.PermissionRequest{Permission: protocol.PermissionViewer}, want: 422},
		{name: "owner demotion", req: protocol.PermissionRequest{UserID: owner.UserID, Permission: protocol.PermissionViewer}, want: 422},
		{name: "unknown user", req: protocol.PermissionRequest{UserID: "usr_nobody", Permission: protocol.PermissionViewer}, want: 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.svc.SetPermission(ctx, owner, docID, tt.req)
			if got := statusOf(err); got != tt.want {
				t.Fatalf("SetPermission() status = %d, want %d (err = %v)", got, tt.want, err)
			}
		})
	}

	if len(env.rooms.permissions) != 2 {
		t.Fatalf("permission notifications = %+v", env.rooms.permissions)
	}
	last := env.rooms.permissions[1]
	if last.UserID != bob.UserID || last.Permission != protocol.PermissionEditor {
		t.Fatalf("last notification = %+v", last)
	}
}

func TestAdmitFollowsCollaborationToggle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.signUp(t, "ada@example.com", "Ada")
	bob := env.signUp(t, "bob@example.com", "Bob")
	docID := env.createDocument(t, owner, "Plan", "hello")

	if _, err := env.svc.Admit(ctx, docID, bob.UserID); !errors.Is(err, hub.ErrAccessDenied) {
		t.Fatalf("Admit(stranger) error = %v", err)
	}
	if _, err := env.svc.Admit(ctx, "doc_missing", owner.UserID); !errors.Is(err, hub.ErrAccessDenied) {
		t.Fatalf("Admit(missing document) error = %v", err)
	}
	if err := env.svc.SetPermission(ctx, owner, docID, protocol.PermissionRequest{UserID: bob.UserID, Permission: protocol.PermissionViewer}); err != nil {
		t.Fatalf("SetPermission() error = %v", err)
	}
	perm, err := env.svc.Admit(ctx, docID, bob.UserID)
	if err != nil || perm != protocol.PermissionViewer {
		t.Fatalf("Admit(viewer) = %q, %v", perm, err)
	}

	if err := env.svc.SetCollaboration(ctx, owner, docID, false); err != nil {
		t.Fatalf("SetCollaboration() error = %v", err)
	}
	if _, err := env.svc.Admit(ctx, docID, bob.UserID); !errors.Is(err, hub.ErrCollaborationDisabled) {
		t.Fatalf("Admit(viewer, disabled) error = %v", err)
	}
	if perm, err := env.svc.Admit(ctx, docID, owner.UserID); err != nil || perm != protocol.PermissionOwner {
		t.Fatalf("Admit(owner, disabled) = %q, %v", perm, err)
	}
	if len(env.rooms.collaboration) != 1 || env.rooms.collaboration[0].Enabled {
		t.Fatalf("collaboration notifications = %+v", env.rooms.collaboration)
	}
	if err := env.svc.SetCollaboration(ctx, bob, docID, true); statusOf(err) != 403 {
		t.Fatalf("SetCollaboration(viewer) status = %d", statusOf(err))
	}
}

func TestVersionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.signUp(t, "ada@example.com", "Ada")
	docID := env.createDocument(t, owner, "Plan", "hello")

	v1, err := env.svc.CreateVersion(ctx, owner, docID, protocol.CreateVersionRequest{Content: docJSON("hello world"), ChangeDescription: "first"})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	v2, err := env.svc.CreateVersion(ctx, owner, docID, protocol.CreateVersionRequest{Content: docJSON("hello there world"), IsAutoSave: true})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if v1.VersionNumber != 1 || v2.VersionNumber != 2 {
		t.Fatalf("version numbers = %d, %d", v1.VersionNumber, v2.VersionNumber)
	}
	if v1.Author.Username != "Ada" || !v2.IsAutoSave {
		t.Fatalf("versions = %+v, %+v", v1, v2)
	}

	list, err := env.svc.ListVersions(ctx, owner, docID, 1, 1)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if list.Total != 2 || !list.HasMore || len(list.Versions) != 1 || list.Versions[0].ID != v2.ID {
		t.Fatalf("ListVersions(page 1) = %+v", list)
	}
	list, err = env.svc.ListVersions(ctx, owner, docID, 2, 1)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if list.HasMore || len(list.Versions) != 1 || list.Versions[0].ID != v1.ID {
		t.Fatalf("ListVersions(page 2) = %+v", list)
	}

	detail, err := env.svc.GetVersion(ctx, owner, docID, v1.ID)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if detail.Content != docJSON("hello world") {
		t.Fatalf("GetVersion() content = %s", detail.Content)
	}

	cmp, err := env.svc.CompareVersions(ctx, owner, docID, v1.ID, v2.ID)
	if err != nil {
		t.Fatalf("CompareVersions() error = %v", err)
	}
	if cmp.Stats.Additions != len("there ") || cmp.Stats.Deletions != 0 {
		t.Fatalf("CompareVersions() stats = %+v diffs = %+v", cmp.Stats, cmp.Diffs)
	}
	if cmp.SourceVersion.VersionNumber != 1 || cmp.TargetVersion.VersionNumber != 2 {
		t.Fatalf("CompareVersions() refs = %+v, %+v", cmp.SourceVersion, cmp.TargetVersion)
	}

	restored, err := env.svc.RestoreVersion(ctx, owner, docID, v1.ID)
	if err != nil {
		t.Fatalf("RestoreVersion() error = %v", err)
	}
	if !restored.IsRestore || restored.VersionNumber != 3 || restored.ChangeDescription != "Restored from version 1" {
		t.Fatalf("RestoreVersion() = %+v", restored)
	}
	content, err := env.svc.GetContent(ctx, owner, docID)
	if err != nil {
		t.Fatalf("GetContent() error = %v", err)
	}
	if content.Content != docJSON("hello world") {
		t.Fatalf("content after restore = %s", content.Content)
	}

	env.git.mu.Lock()
	for n, want := range map[string]string{"v1": docJSON("hello world"), "v3": docJSON("hello world")} {
		hash, ok := env.git.tags[docID+"@"+n]
		if !ok || string(env.git.commits[hash].Doc) != want {
			env.git.mu.Unlock()
			t.Fatalf("tag %s = %q (%v)", n, hash, ok)
		}
	}
	tagged := len(env.git.tags)
	env.git.mu.Unlock()
	if tagged != 3 {
		t.Fatalf("tagged %d versions, want 3", tagged)
	}

	if err := env.svc.DeleteVersion(ctx, owner, docID, v2.ID); err != nil {
		t.Fatalf("DeleteVersion() error = %v", err)
	}
	if _, err := env.svc.GetVersion(ctx, owner, docID, v2.ID); statusOf(err) != 404 {
		t.Fatalf("GetVersion(deleted) status = %d", statusOf(err))
	}
}

func TestCleanVersionsKeepsNewest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.signUp(t, "ada@example.com", "Ada")
	docID := env.createDocument(t, owner, "Plan", "hello")

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * 24 * time.Hour)
		env.store.now = func() time.Time { return at }
		if _, err := env.svc.CreateVersion(ctx, owner, docID, protocol.CreateVersionRequest{Content: docJSON("v")}); err != nil {
			t.Fatalf("CreateVersion() error = %v", err)
		}
	}
	env.svc.now = func() time.Time { return base.Add(100 * 24 * time.Hour) }

	res, err := env.svc.CleanVersions(ctx, owner, docID, 30)
	if err != nil {
		t.Fatalf("CleanVersions() error = %v", err)
	}
	if res.Deleted != 2 {
		t.Fatalf("CleanVersions() deleted = %d, want 2", res.Deleted)
	}
	list, err := env.svc.ListVersions(ctx, owner, docID, 1, 10)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if list.Total != 1 || list.Versions[0].VersionNumber != 3 {
		t.Fatalf("remaining versions = %+v", list.Versions)
	}

	if _, err := env.svc.CleanVersions(ctx, owner, docID, -1); statusOf(err) != 422 {
		t.Fatalf("CleanVersions(-1) status = %d", statusOf(err))
	}
}

func TestCommentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.signUp(t, "ada@example.com", "Ada")
	bob := env.signUp(t, "bob@example.com", "Bob")
	docID := env.createDocument(t, owner, "Plan", "hello world")
	if err := env.svc.SetPermission(ctx, owner, docID, protocol.PermissionRequest{UserID: bob.UserID, Permission: protocol.PermissionEditor}); err != nil {
		t.Fatalf("SetPermission() error = %v", err)
	}

	c, err := env.svc.CreateComment(ctx, bob, docID, protocol.CreateCommentRequest{Content: " check this ", StartPos: 1, EndPos: 6, QuotedText: "hello"})
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if c.Content != "check this" || c.Username != "Bob" {
		t.Fatalf("CreateComment() = %+v", c)
	}
	if _, ok := env.search.comments[c.ID]; !ok {
		t.Fatalf("comment not indexed")
	}

	if _, err := env.svc.UpdateComment(ctx, owner, docID, c.ID, "hijack"); statusOf(err) != 403 {
		t.Fatalf("UpdateComment(not author) status = %d", statusOf(err))
	}
	if _, err := env.svc.UpdateComment(ctx, bob, docID, c.ID, "check this again"); err != nil {
		t.Fatalf("UpdateComment() error = %v", err)
	}
	if _, err := env.svc.ReplyComment(ctx, owner, docID, c.ID, "done"); err != nil {
		t.Fatalf("ReplyComment() error = %v", err)
	}
	resolved, err := env.svc.SetCommentResolved(ctx, owner, docID, c.ID, true)
	if err != nil {
		t.Fatalf("SetCommentResolved() error = %v", err)
	}
	if !resolved.Resolved || len(resolved.Replies) != 1 || resolved.Replies[0].Content != "done" {
		t.Fatalf("resolved comment = %+v", resolved)
	}

	stats, err := env.svc.CommentStats(ctx, owner, docID)
	if err != nil {
		t.Fatalf("CommentStats() error = %v", err)
	}
	if stats != (protocol.CommentStats{Total: 1, Resolved: 1}) {
		t.Fatalf("CommentStats() = %+v", stats)
	}

	// owners may delete other people's comments
	if err := env.svc.DeleteComment(ctx, owner, docID, c.ID); err != nil {
		t.Fatalf("DeleteComment() error = %v", err)
	}
	if _, ok := env.search.comments[c.ID]; ok {
		t.Fatalf("deleted comment still indexed")
	}
	if _, err := env.svc.GetComment(ctx, owner, docID, c.ID); statusOf(err) != 404 {
		t.Fatalf("GetComment(deleted) status = %d", statusOf(err))
	}

	tests := []struct {
		name string
		req  protocol.CreateCommentRequest
	}{
		{name: "empty", req: protocol.CreateCommentRequest{Content: "  ", StartPos: 1, EndPos: 2}},
		{name: "negative start", req: protocol.CreateCommentRequest{Content: "x", StartPos: -1, EndPos: 2}},
		{name: "inverted range", req: protocol.CreateCommentRequest{Content: "x", StartPos: 4, EndPos: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.CreateComment(ctx, bob, docID, tt.req); statusOf(err) != 422 {
				t.Fatalf("CreateComment() status = %d", statusOf(err))
			}
		})
	}
}

func TestSearchRestrictsToAccessibleDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.signUp(t, "ada@example.com", "Ada")
	bob := env.signUp(t, "bob@example.com", "Bob")
	mine := env.createDocument(t, owner, "Mine", "shared phrase")
	env.createDocument(t, bob, "Theirs", "shared phrase")

	res, err := env.svc.Search(ctx, owner, "shared", 20)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].DocumentID != mine || res.Results[0].Kind != "document" {
		t.Fatalf("Search() = %+v", res)
	}
	if env.search.lastQuery.UserID != owner.UserID {
		t.Fatalf("query user = %q", env.search.lastQuery.UserID)
	}

	empty, err := env.svc.Search(ctx, owner, "   ", 20)
	if err != nil || len(empty.Results) != 0 {
		t.Fatalf("Search(blank) = %+v, %v", empty, err)
	}
}

func TestDiffText(t *testing.T) {
	tests := []struct {
		name  string
		a, b  string
		stats protocol.DiffStats
	}{
		{name: "identical", a: "same", b: "same", stats: protocol.DiffStats{Unchanged: 4}},
		{name: "insert", a: "ab", b: "abc", stats: protocol.DiffStats{Unchanged: 2, Additions: 1}},
		{name: "delete", a: "abc", b: "ab", stats: protocol.DiffStats{Unchanged: 2, Deletions: 1}},
		{name: "multibyte", a: "", b: "héllo", stats: protocol.DiffStats{Additions: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, stats := diffText(tt.a, tt.b)
			if stats != tt.stats {
				t.Fatalf("diffText() stats = %+v, want %+v (items %+v)", stats, tt.stats, items)
			}
			var rebuilt strings.Builder
			for _, it := range items {
				if it.Type != protocol.DiffDelete {
					rebuilt.WriteString(it.Text)
				}
			}
			if rebuilt.String() != tt.b {
				t.Fatalf("diffText() target = %q, want %q", rebuilt.String(), tt.b)
			}
		})
	}
}
