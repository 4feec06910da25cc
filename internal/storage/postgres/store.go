package postgres

// Package postgres provides a pgx-backed storage implementation that
// satisfies the store contracts used by the services. It focuses on mapping
// between domain entities and SQL rows; the schema lives in migrations/.

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marchholt/billsync/internal/book"
	"github.com/marchholt/billsync/internal/errs"
)

// PgxPool is a minimal abstraction over a Postgres connection pool.
// It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store holds a pgx pool and implements the read/write contracts used across
// the service layer. All methods are safe for concurrent use.
type Store struct {
	pool PgxPool
}

// Open establishes a pgx pool using the provided connection string.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool; used by tests with pgxmock.
func NewWithPool(pool PgxPool) *Store { return &Store{pool: pool} }

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ready pings the pool to verify connectivity.
func (s *Store) Ready(ctx context.Context) error { return s.pool.Ping(ctx) }

// isUniqueViolation reports whether err is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

// --- Users ---

// CreateUser inserts a user row and returns it with the assigned id.
func (s *Store) CreateUser(ctx context.Context, u book.User) (book.User, error) {
	err := s.pool.QueryRow(ctx, `
		insert into users (username, pwd_hash, salt)
		values ($1,$2,$3)
		returning id, created_at
	`, u.Username, u.PwdHash, u.Salt).Scan(&u.ID, &u.CreatedAt)
	if isUniqueViolation(err) {
		return book.User{}, errs.ErrAlreadyExists
	}
	if err != nil {
		return book.User{}, err
	}
	return u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (book.User, error) {
	var u book.User
	err := s.pool.QueryRow(ctx, `
		select id, username, pwd_hash, salt, created_at from users where id = $1
	`, id).Scan(&u.ID, &u.Username, &u.PwdHash, &u.Salt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return book.User{}, errs.ErrNotFound
	}
	if err != nil {
		return book.User{}, err
	}
	return u, nil
}

// GetUserByName fetches a user by username.
func (s *Store) GetUserByName(ctx context.Context, username string) (book.User, error) {
	var u book.User
	err := s.pool.QueryRow(ctx, `
		select id, username, pwd_hash, salt, created_at from users where username = $1
	`, username).Scan(&u.ID, &u.Username, &u.PwdHash, &u.Salt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return book.User{}, errs.ErrNotFound
	}
	if err != nil {
		return book.User{}, err
	}
	return u, nil
}

// --- Books / members ---

// CreateBook inserts a shared book and its owner membership atomically.
func (s *Store) CreateBook(ctx context.Context, b book.Book) (book.Book, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return book.Book{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := tx.QueryRow(ctx, `
		insert into books (name, owner_id) values ($1,$2) returning id, created_at
	`, b.Name, b.OwnerID).Scan(&b.ID, &b.CreatedAt); err != nil {
		return book.Book{}, err
	}
	if _, err := tx.Exec(ctx, `
		insert into book_members (book_id, user_id, role, active) values ($1,$2,'owner',true)
	`, b.ID, b.OwnerID); err != nil {
		return book.Book{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return book.Book{}, err
	}
	return b, nil
}

// GetBook fetches a shared book by id.
func (s *Store) GetBook(ctx context.Context, bookID int64) (book.Book, error) {
	var b book.Book
	err := s.pool.QueryRow(ctx, `
		select id, name, owner_id, created_at from books where id = $1
	`, bookID).Scan(&b.ID, &b.Name, &b.OwnerID, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return book.Book{}, errs.ErrNotFound
	}
	if err != nil {
		return book.Book{}, err
	}
	return b, nil
}

// GetMember fetches the membership row for (book, user).
func (s *Store) GetMember(ctx context.Context, bookID, userID int64) (book.Member, error) {
	var m book.Member
	err := s.pool.QueryRow(ctx, `
		select book_id, user_id, role, active, joined_at
		from book_members where book_id = $1 and user_id = $2
	`, bookID, userID).Scan(&m.BookID, &m.UserID, &m.Role, &m.Active, &m.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return book.Member{}, errs.ErrNotFound
	}
	if err != nil {
		return book.Member{}, err
	}
	return m, nil
}

// ListBooks returns the shared books the user is an active member of.
func (s *Store) ListBooks(ctx context.Context, userID int64) ([]book.Book, error) {
	rows, err := s.pool.Query(ctx, `
		select b.id, b.name, b.owner_id, b.created_at
		from books b
		join book_members m on m.book_id = b.id
		where m.user_id = $1 and m.active
		order by b.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]book.Book, 0)
	for rows.Next() {
		var b book.Book
		if err := rows.Scan(&b.ID, &b.Name, &b.OwnerID, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveMember upserts a membership row.
func (s *Store) SaveMember(ctx context.Context, m book.Member) error {
	ct, err := s.pool.Exec(ctx, `
		insert into book_members (book_id, user_id, role, active)
		values ($1,$2,$3,$4)
		on conflict (book_id, user_id) do update set role = excluded.role, active = excluded.active
	`, m.BookID, m.UserID, m.Role, m.Active)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
