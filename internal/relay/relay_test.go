package relay

import (
	"errors"
	"testing"
	"time"

	"quill/collab/internal/clock"
	"quill/collab/internal/protocol"
	"quill/collab/internal/transport"
)

type fakeSession struct {
	connected bool
	sent      []protocol.Edit
	handler   func(protocol.Edit)
}

func (f *fakeSession) Emit(event string, payload any) error {
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, payload.(protocol.Edit))
	return nil
}

func (f *fakeSession) OnDocumentEdit(fn func(protocol.Edit)) func() {
	f.handler = fn
	return func() { f.handler = nil }
}

func TestSendEditStampsTimestamp(t *testing.T) {
	fs := &fakeSession{connected: true}
	fc := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	r := New(fs, "doc-1", fc)

	if err := r.SendEdit(Insert(3, "x")); err != nil {
		t.Fatalf("SendEdit() error = %v", err)
	}
	stamped := Delete(1, 2)
	stamped.Timestamp = 99
	if err := r.SendEdit(stamped); err != nil {
		t.Fatalf("SendEdit() error = %v", err)
	}

	if len(fs.sent) != 2 {
		t.Fatalf("sent %d edits, want 2", len(fs.sent))
	}
	if fs.sent[0].Timestamp != 1_700_000_000_000 || fs.sent[0].DocumentID != "doc-1" {
		t.Fatalf("first edit = %+v", fs.sent[0])
	}
	if fs.sent[1].Timestamp != 99 {
		t.Fatalf("explicit timestamp overwritten: %d", fs.sent[1].Timestamp)
	}
}

func TestSendEditDisconnectedDrops(t *testing.T) {
	fs := &fakeSession{}
	r := New(fs, "doc-1", nil)
	if err := r.SendEdit(Insert(1, "x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("SendEdit() error = %v, want ErrNotConnected", err)
	}
	fs.connected = true
	if len(fs.sent) != 0 {
		t.Fatalf("dropped edit was buffered")
	}
}

func TestSendEditValidation(t *testing.T) {
	fs := &fakeSession{connected: true}
	r := New(fs, "doc-1", nil)
	tests := []protocol.Edit{
		{Type: "move"},
		{Type: protocol.EditInsert, Content: "x"},
		{Type: protocol.EditDelete},
	}
	for _, edit := range tests {
		if err := r.SendEdit(edit); !errors.Is(err, ErrInvalidEdit) {
			t.Fatalf("SendEdit(%+v) error = %v, want ErrInvalidEdit", edit, err)
		}
	}
}

func TestOnEditFanOutInOrder(t *testing.T) {
	fs := &fakeSession{connected: true}
	r := New(fs, "doc-1", nil)

	var first, second []string
	offFirst := r.OnEdit(func(e protocol.Edit) { first = append(first, e.Content) })
	r.OnEdit(func(e protocol.Edit) { second = append(second, e.Content) })

	fs.handler(protocol.Edit{DocumentID: "doc-1", Type: protocol.EditInsert, Content: "a"})
	fs.handler(protocol.Edit{DocumentID: "other", Type: protocol.EditInsert, Content: "zz"})
	fs.handler(protocol.Edit{DocumentID: "doc-1", Type: protocol.EditInsert, Content: "b"})
	offFirst()
	fs.handler(protocol.Edit{DocumentID: "doc-1", Type: protocol.EditInsert, Content: "c"})

	if len(first) != 2 || first[0] != "a" || first[1] != "b" {
		t.Fatalf("first subscriber got %v", first)
	}
	if len(second) != 3 || second[2] != "c" {
		t.Fatalf("second subscriber got %v", second)
	}

	r.Close()
	if fs.handler != nil {
		t.Fatalf("Close() left session handler registered")
	}
}
