package authpw

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"quill/collab/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	if _, ok := m.emailIndex[user.Email]; ok {
		return store.ErrDuplicate
	}
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	user, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func newTestService() (*Service, *mockUserStore) {
	st := newMockUserStore()
	return NewService(st, bcrypt.MinCost), st
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService()

	user, err := svc.SignUp(ctx, SignUpRequest{Email: " Test@Example.com ", Password: "password123", Username: "tester"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if !strings.HasPrefix(user.ID, "usr_") {
		t.Fatalf("SignUp() id = %q, want usr_ prefix", user.ID)
	}
	if user.Email != "test@example.com" {
		t.Fatalf("SignUp() email = %q, want normalized", user.Email)
	}
	if stored := st.users[user.ID]; stored.PasswordHash == "password123" || stored.PasswordHash == "" {
		t.Fatalf("stored password hash = %q", stored.PasswordHash)
	}

	cases := []struct {
		name string
		req  SignUpRequest
		want error
	}{
		{name: "duplicate email", req: SignUpRequest{Email: "test@example.com", Password: "password123", Username: "again"}, want: ErrEmailTaken},
		{name: "short password", req: SignUpRequest{Email: "b@example.com", Password: "short", Username: "b"}, want: ErrWeakPassword},
		{name: "bad email", req: SignUpRequest{Email: "not-an-email", Password: "password123", Username: "c"}, want: ErrInvalidEmail},
		{name: "missing fields", req: SignUpRequest{}, want: ErrMissingFields},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SignUp(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("SignUp() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	created, err := svc.SignUp(ctx, SignUpRequest{Email: "test@example.com", Password: "password123", Username: "tester"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	user, err := svc.SignIn(ctx, "TEST@example.com", "password123")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if user.ID != created.ID {
		t.Fatalf("SignIn() id = %q, want %q", user.ID, created.ID)
	}

	for _, tc := range []struct{ name, email, password string }{
		{"wrong password", "test@example.com", "wrongpassword"},
		{"unknown email", "nobody@example.com", "password123"},
		{"empty", "", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SignIn(ctx, tc.email, tc.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("SignIn() error = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	user, err := svc.SignUp(ctx, SignUpRequest{Email: "test@example.com", Password: "password123", Username: "tester"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	if err := svc.ChangePassword(ctx, user.ID, "wrong-current", "newpassword1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("ChangePassword(wrong current) error = %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "password123", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("ChangePassword(short) error = %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "password123", "newpassword1"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	if _, err := svc.SignIn(ctx, "test@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("SignIn(old password) error = %v", err)
	}
	if _, err := svc.SignIn(ctx, "test@example.com", "newpassword1"); err != nil {
		t.Fatalf("SignIn(new password) error = %v", err)
	}
}
