package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/klytics/sheetkit/internal/kv"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store/storetest"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st := storetest.Open(t)
	kvs, err := kv.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvs.Close() })
	svc, err := New(st, kvs, nil, Config{
		JWTSecret:       "test-secret",
		TokenTTL:        time.Hour,
		BcryptCost:      bcrypt.MinCost,
		MaxFailedLogins: 3,
		LockoutWindow:   time.Minute,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		email    string
		password string
		wantErr  error
	}{
		{"ok", "alice", "alice@example.com", "longenough", nil},
		{"short username", "al", "al@example.com", "longenough", model.ErrInvalid},
		{"bad email", "bobby", "not-an-email", "longenough", model.ErrInvalid},
		{"short password", "carol", "carol@example.com", "short", model.ErrInvalid},
		{"duplicate", "alice", "other@example.com", "longenough", ErrUserExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := svc.RegisterUser(ctx, tt.username, tt.email, tt.password)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if u.PasswordHash == "" || u.PasswordHash == tt.password {
					t.Error("password was not hashed")
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticateAndSignOut(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.RegisterUser(ctx, "dave", "dave@example.com", "correct horse"); err != nil {
		t.Fatal(err)
	}

	sess, err := svc.Authenticate(ctx, "dave", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if sess.User.LastLoginAt == nil {
		t.Error("LastLoginAt not set")
	}
	if sess.IsExpired() || sess.ExpiresIn() <= 0 {
		t.Error("fresh token reported as expired")
	}

	claims, err := svc.ParseToken(sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != sess.User.ID || claims.Role != "user" {
		t.Errorf("claims = %+v", claims)
	}

	if err := svc.SignOut(ctx, sess.Token); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ParseToken(sess.Token); !errors.Is(err, ErrRevokedToken) {
		t.Errorf("after sign out err = %v, want ErrRevokedToken", err)
	}

	if _, err := svc.ParseToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token err = %v", err)
	}
}

func TestLockoutAfterFailures(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	svc.RegisterUser(ctx, "erin", "erin@example.com", "right-password")

	for i := 0; i < 2; i++ {
		if _, err := svc.Authenticate(ctx, "erin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	if _, err := svc.Authenticate(ctx, "erin", "wrong"); !errors.Is(err, ErrLocked) {
		t.Fatalf("third failure err = %v, want ErrLocked", err)
	}
	if _, err := svc.Authenticate(ctx, "erin", "right-password"); !errors.Is(err, ErrLocked) {
		t.Errorf("locked account accepted login: %v", err)
	}

	if err := svc.Unlock("erin"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authenticate(ctx, "erin", "right-password"); err != nil {
		t.Errorf("after unlock: %v", err)
	}
}

func TestInactiveUserRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u, _ := svc.RegisterUser(ctx, "frank", "frank@example.com", "password123")
	if err := svc.SetActive(ctx, u.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authenticate(ctx, "frank", "password123"); !errors.Is(err, ErrInactive) {
		t.Errorf("err = %v, want ErrInactive", err)
	}
}

func TestUnknownUserIsInvalidCredentials(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Authenticate(context.Background(), "nobody", "whatever1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v", err)
	}
}
