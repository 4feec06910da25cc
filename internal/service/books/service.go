// Package books implements shared-book and membership management. Its rows
// feed access control: only active members of a shared book may sync it.
package books

import (
	"context"
	"strings"

	"github.com/marchholt/billsync/internal/book"
	"github.com/marchholt/billsync/internal/errs"
)

// Store abstracts book/membership persistence.
type Store interface {
	CreateBook(ctx context.Context, b book.Book) (book.Book, error)
	GetBook(ctx context.Context, bookID int64) (book.Book, error)
	GetMember(ctx context.Context, bookID, userID int64) (book.Member, error)
	ListBooks(ctx context.Context, userID int64) ([]book.Book, error)
	SaveMember(ctx context.Context, m book.Member) error
}

// Service manages shared books and their members.
type Service interface {
	Create(ctx context.Context, ownerID int64, name string) (book.Book, error)
	List(ctx context.Context, userID int64) ([]book.Book, error)
	// AddMember registers userID as an active member; only the owner may call it.
	AddMember(ctx context.Context, callerID, bookID, userID int64) error
	// RemoveMember deactivates a membership; only the owner may call it, and
	// the owner cannot be removed.
	RemoveMember(ctx context.Context, callerID, bookID, userID int64) error
}

type service struct {
	store Store
}

// New constructs the books service.
func New(store Store) Service { return &service{store: store} }

func (s *service) Create(ctx context.Context, ownerID int64, name string) (book.Book, error) {
	name = strings.TrimSpace(name)
	if ownerID <= 0 || name == "" {
		return book.Book{}, errs.ErrInvalid
	}
	return s.store.CreateBook(ctx, book.Book{Name: name, OwnerID: ownerID})
}

func (s *service) List(ctx context.Context, userID int64) ([]book.Book, error) {
	return s.store.ListBooks(ctx, userID)
}

func (s *service) AddMember(ctx context.Context, callerID, bookID, userID int64) error {
	b, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if b.OwnerID != callerID {
		return errs.ErrForbidden
	}
	return s.store.SaveMember(ctx, book.Member{BookID: bookID, UserID: userID, Role: "member", Active: true})
}

func (s *service) RemoveMember(ctx context.Context, callerID, bookID, userID int64) error {
	b, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if b.OwnerID != callerID {
		return errs.ErrForbidden
	}
	if userID == b.OwnerID {
		return errs.ErrInvalid
	}
	m, err := s.store.GetMember(ctx, bookID, userID)
	if err != nil {
		return err
	}
	m.Active = false
	return s.store.SaveMember(ctx, m)
}
