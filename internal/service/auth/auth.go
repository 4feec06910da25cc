// Package auth implements registration, login and bearer token handling.
package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/marchholt/billsync/internal/book"
	pkgcrypto "github.com/marchholt/billsync/internal/crypto"
	"github.com/marchholt/billsync/internal/errs"
)

const minPasswordLen = 8

// UserStore abstracts the user persistence needed for authentication.
type UserStore interface {
	CreateUser(ctx context.Context, u book.User) (book.User, error)
	GetUserByName(ctx context.Context, username string) (book.User, error)
}

// Token is an issued bearer credential.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Service handles registration, login and token verification.
type Service interface {
	// Register creates a user with a salted Argon2id password hash.
	Register(ctx context.Context, username, password string) (book.User, error)
	// Login authenticates and issues a signed bearer token.
	Login(ctx context.Context, username, password string) (Token, book.User, error)
	// VerifyToken resolves a bearer token into a caller id.
	VerifyToken(token string) (int64, error)
}

type service struct {
	users     UserStore
	signKey   []byte
	accessTTL time.Duration
}

// New constructs the auth service. signKey is the HS256 signing secret.
func New(users UserStore, signKey []byte, accessTTL time.Duration) Service {
	if accessTTL <= 0 {
		accessTTL = 24 * time.Hour
	}
	return &service{users: users, signKey: signKey, accessTTL: accessTTL}
}

func (s *service) Register(ctx context.Context, username, password string) (book.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(password) < minPasswordLen {
		return book.User{}, errs.ErrInvalid
	}
	salt, err := pkgcrypto.RandBytes(16)
	if err != nil {
		return book.User{}, err
	}
	u := book.User{
		Username: username,
		Salt:     salt,
		PwdHash:  pkgcrypto.HashPassword([]byte(password), salt),
	}
	return s.users.CreateUser(ctx, u)
}

func (s *service) Login(ctx context.Context, username, password string) (Token, book.User, error) {
	u, err := s.users.GetUserByName(ctx, strings.TrimSpace(username))
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), u.Salt, u.PwdHash) {
		// Hide whether the user exists.
		return Token{}, book.User{}, errs.ErrUnauthorized
	}
	now := time.Now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(u.ID, 10),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return Token{}, book.User{}, err
	}
	return Token{AccessToken: signed, ExpiresAt: exp}, u, nil
}

func (s *service) VerifyToken(token string) (int64, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	})
	if err != nil || !parsed.Valid {
		return 0, errs.ErrUnauthorized
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.ErrUnauthorized
	}
	return id, nil
}
