package protocol

type Permission string

const (
	PermissionOwner  Permission = "owner"
	PermissionEditor Permission = "editor"
	PermissionViewer Permission = "viewer"
)

// CanEdit reports whether the permission allows document edits.
func (p Permission) CanEdit() bool {
	return p == PermissionOwner || p == PermissionEditor
}

type EditType string

const (
	EditInsert  EditType = "insert"
	EditDelete  EditType = "delete"
	EditReplace EditType = "replace"
)

func (t EditType) Valid() bool {
	switch t {
	case EditInsert, EditDelete, EditReplace:
		return true
	}
	return false
}

type Connected struct {
	SocketID string `json:"socketId"`
}

type Authenticate struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type Authenticated struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	SocketID string `json:"socketId"`
	Color    string `json:"color"`
	Avatar   string `json:"avatar,omitempty"`
}

// User is one member of a document room.
type User struct {
	UserID     string     `json:"userId"`
	Username   string     `json:"username"`
	Color      string     `json:"color"`
	Avatar     string     `json:"avatar,omitempty"`
	SocketID   string     `json:"socketId"`
	Permission Permission `json:"permission,omitempty"`
}

type DocumentRef struct {
	DocumentID string `json:"documentId"`
}

type JoinedDocument struct {
	DocumentID string `json:"documentId"`
	Users      []User `json:"users"`
}

// UserPresence is the payload of user-joined and user-left.
type UserPresence struct {
	User
	DocumentID string `json:"documentId"`
}

// Edit is a fire-and-forget document change. Position is used by
// inserts; deletes and replaces carry From/To.
type Edit struct {
	DocumentID string   `json:"documentId"`
	Type       EditType `json:"type"`
	Content    string   `json:"content,omitempty"`
	Position   *int     `json:"position,omitempty"`
	From       *int     `json:"from,omitempty"`
	To         *int     `json:"to,omitempty"`
	Timestamp  int64    `json:"timestamp"`
	UserID     string   `json:"userId,omitempty"`
}

// Position is a cursor coordinate as (block index, offset in block).
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type CursorPosition struct {
	DocumentID string   `json:"documentId"`
	Position   Position `json:"position"`
	UserID     string   `json:"userId,omitempty"`
	Username   string   `json:"username,omitempty"`
	Color      string   `json:"color,omitempty"`
}

type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type SelectionChange struct {
	DocumentID string    `json:"documentId"`
	Selection  Selection `json:"selection"`
	UserID     string    `json:"userId,omitempty"`
	Username   string    `json:"username,omitempty"`
	Color      string    `json:"color,omitempty"`
}

type Typing struct {
	DocumentID string `json:"documentId"`
	IsTyping   bool   `json:"isTyping"`
}

type UserTyping struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	IsTyping   bool   `json:"isTyping"`
}

type ChatMessage struct {
	DocumentID string `json:"documentId"`
	Message    string `json:"message"`
	UserID     string `json:"userId,omitempty"`
	Username   string `json:"username,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

type PermissionUpdated struct {
	DocumentID string     `json:"documentId"`
	UserID     string     `json:"userId"`
	Permission Permission `json:"permission"`
}

type CollaborationToggled struct {
	DocumentID string `json:"documentId"`
	Enabled    bool   `json:"enabled"`
}

type Error struct {
	Message string `json:"message"`
}
