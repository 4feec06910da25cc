// Package access resolves a caller plus a book id into an explicit sync
// scope. It is the single place that decides personal vs shared and enforces
// membership; the sync coordinator only consumes the resulting Scope.
package access

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/marchholt/billsync/internal/book"
	"github.com/marchholt/billsync/internal/errs"
)

// BookReader abstracts the book/membership reads needed for authorization.
type BookReader interface {
	// GetBook returns a shared book by id, errs.ErrNotFound when absent.
	GetBook(ctx context.Context, bookID int64) (book.Book, error)
	// GetMember returns the membership row for (book, user), errs.ErrNotFound when absent.
	GetMember(ctx context.Context, bookID, userID int64) (book.Member, error)
}

// Service authorizes callers against book scopes.
type Service interface {
	// Authorize resolves the scope for callerID acting on bookID.
	// Shared books require an active membership; any other book id is a
	// private scope belonging solely to the caller.
	Authorize(ctx context.Context, callerID int64, bookID string) (book.Scope, error)
}

type service struct {
	books BookReader
}

// New constructs the access-control service.
func New(books BookReader) Service { return &service{books: books} }

func (s *service) Authorize(ctx context.Context, callerID int64, bookID string) (book.Scope, error) {
	if callerID <= 0 {
		return book.Scope{}, errs.ErrUnauthorized
	}
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return book.Scope{}, fmt.Errorf("%w: empty book id", errs.ErrInvalid)
	}

	// Only numeric ids can reference a registered shared book.
	id, perr := strconv.ParseInt(bookID, 10, 64)
	if perr != nil || id <= 0 {
		return book.Scope{BookID: bookID, Kind: book.ScopePersonal, OwnerID: callerID}, nil
	}

	b, err := s.books.GetBook(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		// Numeric but unregistered: treated as a private/local scope.
		return book.Scope{BookID: bookID, Kind: book.ScopePersonal, OwnerID: callerID}, nil
	}
	if err != nil {
		return book.Scope{}, err
	}

	m, err := s.books.GetMember(ctx, b.ID, callerID)
	if errors.Is(err, errs.ErrNotFound) {
		return book.Scope{}, errs.ErrForbidden
	}
	if err != nil {
		return book.Scope{}, err
	}
	if !m.Active {
		return book.Scope{}, errs.ErrForbidden
	}
	return book.Scope{BookID: bookID, Kind: book.ScopeShared, OwnerID: callerID}, nil
}
