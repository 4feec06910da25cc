package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marchholt/billsync/internal/errs"
	"github.com/marchholt/billsync/internal/service/auth"
	"github.com/marchholt/billsync/internal/storage/memory"
)

func newService(t *testing.T) auth.Service {
	t.Helper()
	return auth.New(memory.New(), []byte("test-secret"), time.Hour)
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.ID == 0 || u.Username != "alice" {
		t.Fatalf("registered user: %+v", u)
	}
	if len(u.PwdHash) == 0 || string(u.PwdHash) == "correct-horse-battery" {
		t.Fatal("password must be stored hashed")
	}

	tok, got, err := svc.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != u.ID || tok.AccessToken == "" {
		t.Fatalf("login: user=%+v token=%q", got, tok.AccessToken)
	}

	id, err := svc.VerifyToken(tok.AccessToken)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if id != u.ID {
		t.Fatalf("token subject = %d, want %d", id, u.ID)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		want     error
	}{
		{"empty username", "", "long-enough-pass", errs.ErrInvalid},
		{"short password", "alice", "short", errs.ErrInvalid},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tc.username, tc.password); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := svc.Register(ctx, "alice", "long-enough-pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "alice", "long-enough-pass"); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("duplicate register err = %v, want %v", err, errs.ErrAlreadyExists)
	}
}

func TestLoginHidesUserExistence(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "correct-horse-battery"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Wrong password and unknown user fail identically.
	if _, _, err := svc.Login(ctx, "alice", "wrong-password"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "correct-horse-battery"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestVerifyTokenRejectsForgeries(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "correct-horse-battery"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tok, _, err := svc.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Token signed with a different secret.
	other := auth.New(memory.New(), []byte("other-secret"), time.Hour)
	if _, err := other.VerifyToken(tok.AccessToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("cross-secret verify err = %v", err)
	}
	if _, err := svc.VerifyToken("not-a-jwt"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("garbage verify err = %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	store := memory.New()
	svc := auth.New(store, []byte("test-secret"), time.Nanosecond)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "correct-horse-battery"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tok, _, err := svc.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := svc.VerifyToken(tok.AccessToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expired token err = %v", err)
	}
}
