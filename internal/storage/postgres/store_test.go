package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marchholt/billsync/internal/book"
	"github.com/marchholt/billsync/internal/errs"
)

func TestCreateUser(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`insert into users`).
		WithArgs("alice", []byte("hash"), []byte("salt")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), now))

	u, err := s.CreateUser(context.Background(), book.User{Username: "alice", PwdHash: []byte("hash"), Salt: []byte("salt")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
}

func TestCreateUserDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`insert into users`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateUser(context.Background(), book.User{Username: "alice"})
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestGetUserByNameNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`select id, username, pwd_hash, salt, created_at from users where username`).
		WithArgs("nobody").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetUserByName(context.Background(), "nobody")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateBookInsertsOwnerMembership(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into books`).
		WithArgs("household", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(3), now))
	mock.ExpectExec(`insert into book_members`).
		WithArgs(int64(3), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	b, err := s.CreateBook(context.Background(), book.Book{Name: "household", OwnerID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.ID)
}

func TestGetMember(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`from book_members where book_id = \$1 and user_id = \$2`).
		WithArgs(int64(3), int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"book_id", "user_id", "role", "active", "joined_at"}).
			AddRow(int64(3), int64(2), "member", true, now))

	m, err := s.GetMember(context.Background(), 3, 2)
	require.NoError(t, err)
	assert.True(t, m.Active)
	assert.Equal(t, "member", m.Role)
}

func TestSaveMemberUpsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`insert into book_members`).
		WithArgs(int64(3), int64(2), "member", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveMember(context.Background(), book.Member{BookID: 3, UserID: 2, Role: "member", Active: false})
	assert.NoError(t, err)
}

func TestListBooks(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`join book_members m on m.book_id = b.id`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "owner_id", "created_at"}).
			AddRow(int64(3), "household", int64(1), now).
			AddRow(int64(4), "trip", int64(2), now))

	list, err := s.ListBooks(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "household", list[0].Name)
}
