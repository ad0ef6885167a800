// Package presence tracks who is in the current document room.
package presence

import (
	"sync"

	"quill/collab/internal/protocol"
)

// Roster is the membership set of one room, keyed by user id.
type Roster struct {
	mu     sync.Mutex
	users  []protocol.User
	nextID int
	subs   map[int]func([]protocol.User)
}

func NewRoster() *Roster {
	return &Roster{subs: make(map[int]func([]protocol.User))}
}

// Replace swaps the whole roster for the server's list. Duplicate ids keep
// the last entry.
func (r *Roster) Replace(users []protocol.User) {
	index := make(map[string]int, len(users))
	next := make([]protocol.User, 0, len(users))
	for _, u := range users {
		if i, ok := index[u.UserID]; ok {
			next[i] = u
			continue
		}
		index[u.UserID] = len(next)
		next = append(next, u)
	}
	r.mu.Lock()
	r.users = next
	r.mu.Unlock()
	r.notify()
}

// Add appends the user unless the id is already present.
func (r *Roster) Add(user protocol.User) bool {
	r.mu.Lock()
	for _, u := range r.users {
		if u.UserID == user.UserID {
			r.mu.Unlock()
			return false
		}
	}
	r.users = append(r.users, user)
	r.mu.Unlock()
	r.notify()
	return true
}

// Remove drops every entry with the id.
func (r *Roster) Remove(userID string) bool {
	r.mu.Lock()
	kept := r.users[:0:0]
	for _, u := range r.users {
		if u.UserID != userID {
			kept = append(kept, u)
		}
	}
	removed := len(kept) != len(r.users)
	r.users = kept
	r.mu.Unlock()
	if removed {
		r.notify()
	}
	return removed
}

// SetPermission updates the permission of a member.
func (r *Roster) SetPermission(userID string, perm protocol.Permission) bool {
	r.mu.Lock()
	changed := false
	for i := range r.users {
		if r.users[i].UserID == userID && r.users[i].Permission != perm {
			r.users[i].Permission = perm
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return changed
}

func (r *Roster) Clear() {
	r.mu.Lock()
	wasEmpty := len(r.users) == 0
	r.users = nil
	r.mu.Unlock()
	if !wasEmpty {
		r.notify()
	}
}

// Users returns a snapshot in arrival order.
func (r *Roster) Users() []protocol.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.User(nil), r.users...)
}

// Others returns the roster without selfID.
func (r *Roster) Others(selfID string) []protocol.User {
	var out []protocol.User
	for _, u := range r.Users() {
		if u.UserID != selfID {
			out = append(out, u)
		}
	}
	return out
}

func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Subscribe calls fn with a snapshot after every change.
func (r *Roster) Subscribe(fn func([]protocol.User)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Roster) notify() {
	r.mu.Lock()
	snapshot := append([]protocol.User(nil), r.users...)
	subs := make([]func([]protocol.User), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(snapshot)
	}
}
