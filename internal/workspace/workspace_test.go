package workspace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"quill/collab/internal/autosave"
	"quill/collab/internal/clock"
	"quill/collab/internal/doc"
	"quill/collab/internal/protocol"
	"quill/collab/internal/relay"
	"quill/collab/internal/restclient"
	"quill/collab/internal/transport"
	"quill/collab/internal/transport/transporttest"
)

type memoryBackend struct {
	mu       sync.Mutex
	contents []string
	versions []string
}

func (b *memoryBackend) SaveContent(_ context.Context, _, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contents = append(b.contents, content)
	return nil
}

func (b *memoryBackend) SaveVersion(_ context.Context, _, _, description string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versions = append(b.versions, description)
	return nil
}

func threeBlocks(t *testing.T) string {
	t.Helper()
	raw, err := doc.FromParagraphs("alpha", "beta", "gamma").MarshalString()
	if err != nil {
		t.Fatalf("MarshalString() error = %v", err)
	}
	return raw
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func openConnected(t *testing.T, fake *clock.Fake, backend autosave.Backend) (*Workspace, *transporttest.Server) {
	t.Helper()
	srv := transporttest.NewServer(t)
	opts := transport.DefaultOptions()
	opts.Identity = &transport.Identity{UserID: "me", Username: "me"}
	session := transport.New(opts)
	t.Cleanup(session.Close)
	session.Connect(srv.URL(), "tok")
	eventually(t, "authentication", session.IsAuthenticated)

	w, err := Open(session, "doc-1", threeBlocks(t), backend, Options{Clock: fake})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(w.Close)
	srv.WaitFor(protocol.EventJoinDocument, 1)
	return w, srv
}

func TestOpenBeforeConnectionJoinsOnceAuthenticated(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Members = []protocol.User{{UserID: "u2", Username: "bo"}}
	opts := transport.DefaultOptions()
	opts.Identity = &transport.Identity{UserID: "me", Username: "me"}
	session := transport.New(opts)
	t.Cleanup(session.Close)

	session.Connect(srv.URL(), "tok")
	w, err := Open(session, "doc-1", threeBlocks(t), &memoryBackend{}, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(w.Close)

	joins := srv.WaitFor(protocol.EventJoinDocument, 1)
	var ref protocol.DocumentRef
	if err := joins[0].Bind(&ref); err != nil || ref.DocumentID != "doc-1" {
		t.Fatalf("join-document = %+v (%v), want doc-1", ref, err)
	}
	events := srv.Events()
	if len(events) < 2 || events[0] != protocol.EventAuthenticate || events[1] != protocol.EventJoinDocument {
		t.Fatalf("events = %v, want authenticate then join-document", events)
	}
	eventually(t, "roster", func() bool { return w.Roster().Len() == 2 })
	eventually(t, "current document", func() bool { return session.CurrentDocument() == "doc-1" })
}

func TestRemoteCursorRenderedThenExpires(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	w, srv := openConnected(t, fake, &memoryBackend{})

	srv.Broadcast(protocol.EventCursorPosition, protocol.CursorPosition{
		DocumentID: "doc-1",
		Position:   protocol.Position{Line: 2, Column: 0},
		UserID:     "u2",
		Username:   "bo",
		Color:      "#FF6B6B",
	})
	eventually(t, "cursor marker", func() bool { return len(w.Decorations().Markers) == 1 })

	// blocks: alpha [0,7) beta [7,13) gamma [13,20)
	if got := w.Decorations().Markers[0].Pos; got != 14 {
		t.Fatalf("marker Pos = %d, want 14", got)
	}

	fake.Advance(6 * time.Second)
	if got := len(w.Refresh().Markers); got != 0 {
		t.Fatalf("markers after 6s = %d, want 0", got)
	}
}

func TestRemoteEditAppliedToLocalCopy(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	w, srv := openConnected(t, fake, &memoryBackend{})

	edit := relay.Insert(1, ">> ")
	edit.DocumentID = "doc-1"
	edit.UserID = "u2"
	srv.Broadcast(protocol.EventDocumentEdit, edit)

	eventually(t, "remote edit", func() bool { return w.Text() == ">> alpha\nbeta\ngamma" })
}

func TestLocalEditRelayedAndAutosaved(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	backend := &memoryBackend{}
	w, srv := openConnected(t, fake, backend)

	if err := w.Edit(relay.Replace(8, 12, "BETA")); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	envs := srv.WaitFor(protocol.EventDocumentEdit, 1)
	var sent protocol.Edit
	if err := envs[0].Bind(&sent); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if sent.DocumentID != "doc-1" || sent.Content != "BETA" || sent.Timestamp == 0 {
		t.Fatalf("sent edit = %+v", sent)
	}

	fake.Advance(3 * time.Second)
	backend.mu.Lock()
	saved := append([]string(nil), backend.contents...)
	backend.mu.Unlock()
	if len(saved) != 1 {
		t.Fatalf("autosaves = %d, want 1", len(saved))
	}
	root, err := doc.ParseString(saved[0])
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	if root.PlainText() != "alpha\nBETA\ngamma" {
		t.Fatalf("saved text = %q", root.PlainText())
	}
}

func TestMoveCursorSendsLineAndColumn(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	w, srv := openConnected(t, fake, &memoryBackend{})

	if err := w.MoveCursor(16); err != nil {
		t.Fatalf("MoveCursor() error = %v", err)
	}
	envs := srv.WaitFor(protocol.EventCursorPosition, 1)
	var sent protocol.CursorPosition
	if err := envs[0].Bind(&sent); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if sent.Position != (protocol.Position{Line: 2, Column: 2}) {
		t.Fatalf("position = %+v, want line 2 col 2", sent.Position)
	}
}

func TestRejectsInvalidContent(t *testing.T) {
	if _, err := Open(nil, "doc-1", `{"type":"paragraph"}`, &memoryBackend{}, Options{}); err == nil {
		t.Fatal("Open() error = nil, want invalid document")
	}
}

func TestRESTBackendSavesVersion(t *testing.T) {
	var paths []string
	var created protocol.CreateVersionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&created)
			_ = json.NewEncoder(w).Encode(protocol.Version{ID: "v1"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	backend := RESTBackend{Client: restclient.New(srv.URL, srv.Client())}
	ctx := context.Background()
	if err := backend.SaveContent(ctx, "doc-1", "{}"); err != nil {
		t.Fatalf("SaveContent() error = %v", err)
	}
	if err := backend.SaveVersion(ctx, "doc-1", "{}", "Manual save"); err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}
	if len(paths) != 2 || paths[0] != "PUT /api/documents/doc-1/content" || paths[1] != "POST /api/documents/doc-1/versions" {
		t.Fatalf("paths = %v", paths)
	}
	if created.ChangeDescription != "Manual save" || created.IsAutoSave {
		t.Fatalf("created = %+v", created)
	}
}
