package workspace

import (
	"context"

	"quill/collab/internal/autosave"
	"quill/collab/internal/protocol"
	"quill/collab/internal/restclient"
)

// RESTBackend persists autosaves and versions through the HTTP API.
type RESTBackend struct {
	Client *restclient.Client
}

var _ autosave.Backend = RESTBackend{}

func (b RESTBackend) SaveContent(ctx context.Context, documentID, content string) error {
	return b.Client.SaveContent(ctx, documentID, content)
}

func (b RESTBackend) SaveVersion(ctx context.Context, documentID, content, description string) error {
	_, err := b.Client.CreateVersion(ctx, documentID, protocol.CreateVersionRequest{
		Content:           content,
		ChangeDescription: description,
	})
	return err
}
