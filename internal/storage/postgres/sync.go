package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marchholt/billsync/internal/book"
	"github.com/marchholt/billsync/internal/errs"
	syncsvc "github.com/marchholt/billsync/internal/service/sync"
)

// scopeOwner returns the user filter for a scope: the owner id for personal
// scopes, 0 for shared scopes. Queries use `($n = 0 or user_id = $n)` so one
// statement serves both kinds.
func scopeOwner(scope book.Scope) int64 {
	if scope.Kind == book.ScopeShared {
		return 0
	}
	return scope.OwnerID
}

const billColumns = `id, user_id, book_id, account, category, amount_minor, currency, direction, remark, billed_at, included, pair_id, deleted, version`

func scanBill(row pgx.Row) (book.Bill, error) {
	var b book.Bill
	err := row.Scan(&b.ID, &b.UserID, &b.BookID, &b.Account, &b.Category, &b.AmountMinor, &b.Currency,
		&b.Direction, &b.Remark, &b.BilledAt, &b.Included, &b.PairID, &b.Deleted, &b.Version)
	return b, err
}

// --- Idempotency ledger ---

// GetOpResult returns the stored outcome for an operation key, if any.
func (s *Store) GetOpResult(ctx context.Context, ref syncsvc.OpRef) (book.OpResult, bool, error) {
	res := book.OpResult{OpID: ref.OpID}
	err := s.pool.QueryRow(ctx, `
		select status, bill_id, version, error
		from sync_ops where user_id = $1 and book_id = $2 and op_id = $3
	`, ref.UserID, ref.BookID, ref.OpID).Scan(&res.Status, &res.BillID, &res.Version, &res.Err)
	if errors.Is(err, pgx.ErrNoRows) {
		return book.OpResult{}, false, nil
	}
	if err != nil {
		return book.OpResult{}, false, err
	}
	return res, true, nil
}

// SaveOpResult stores an outcome; the first write for a key wins. Reports
// whether this write was the first.
func (s *Store) SaveOpResult(ctx context.Context, ref syncsvc.OpRef, res book.OpResult) (bool, error) {
	ct, err := s.pool.Exec(ctx, insertOpSQL, ref.UserID, ref.BookID, ref.OpID, res.Status, res.BillID, res.Version, res.Err)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

const insertOpSQL = `
		insert into sync_ops (user_id, book_id, op_id, status, bill_id, version, error)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (user_id, book_id, op_id) do nothing
	`

// recordApplied writes the applied outcome inside the mutation's transaction.
// The insert doubles as the duplicate-delivery arbiter: zero rows affected
// means a concurrent delivery of the same op committed first, so the whole
// transaction must roll back in favor of the stored outcome.
func recordApplied(ctx context.Context, tx pgx.Tx, ref syncsvc.OpRef, billID, version int64) error {
	ct, err := tx.Exec(ctx, insertOpSQL, ref.UserID, ref.BookID, ref.OpID, book.StatusApplied, billID, version, "")
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.ErrDuplicateOp
	}
	return nil
}

// --- Bills ---

// GetBill fetches a bill by id within scope.
func (s *Store) GetBill(ctx context.Context, scope book.Scope, id int64) (book.Bill, error) {
	row := s.pool.QueryRow(ctx, `
		select `+billColumns+`
		from bills where id = $1 and book_id = $2 and ($3 = 0 or user_id = $3)
	`, id, scope.BookID, scopeOwner(scope))
	b, err := scanBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return book.Bill{}, errs.ErrNotFound
	}
	if err != nil {
		return book.Bill{}, err
	}
	return b, nil
}

// GetBills fetches bills in scope for the given ids, keyed by id.
func (s *Store) GetBills(ctx context.Context, scope book.Scope, ids []int64) (map[int64]book.Bill, error) {
	if len(ids) == 0 {
		return map[int64]book.Bill{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		select `+billColumns+`
		from bills where book_id = $1 and ($2 = 0 or user_id = $2) and id = any($3)
	`, scope.BookID, scopeOwner(scope), ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]book.Bill, len(ids))
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		out[b.ID] = b
	}
	return out, rows.Err()
}

// ApplyCreate inserts a bill at version 1, appends the change entry and stores
// the applied outcome, all in one transaction.
func (s *Store) ApplyCreate(ctx context.Context, scope book.Scope, ref syncsvc.OpRef, b book.Bill) (bill book.Bill, entry book.ChangeEntry, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	if b.ID == 0 {
		if err = tx.QueryRow(ctx, `update bill_id_alloc set last_id = last_id + 1 returning last_id`).Scan(&b.ID); err != nil {
			return book.Bill{}, book.ChangeEntry{}, err
		}
	} else {
		// Client-chosen ids come from pre-allocated blocks, but an honest
		// allocator keeps last_id ahead of every id ever inserted.
		if _, err = tx.Exec(ctx, `update bill_id_alloc set last_id = greatest(last_id, $1)`, b.ID); err != nil {
			return book.Bill{}, book.ChangeEntry{}, err
		}
	}
	b.Version = 1
	b.Deleted = false
	if _, err = tx.Exec(ctx, `
		insert into bills (id, user_id, book_id, account, category, amount_minor, currency, direction, remark, billed_at, included, pair_id, deleted, version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,false,1)
	`, b.ID, b.UserID, b.BookID, b.Account, b.Category, b.AmountMinor, b.Currency, b.Direction, b.Remark, b.BilledAt, b.Included, b.PairID); err != nil {
		if isUniqueViolation(err) {
			err = errs.ErrAlreadyExists
		}
		return book.Bill{}, book.ChangeEntry{}, err
	}
	entry, err = appendChange(ctx, tx, scope, b.ID, book.ChangeUpsert, b.Version)
	if err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	if err = recordApplied(ctx, tx, ref, b.ID, b.Version); err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	return b, entry, nil
}

// ApplyUpdate overwrites a bill's domain fields behind a compare-and-swap on
// version. Zero rows affected means a concurrent writer won: errs.ErrConflict.
func (s *Store) ApplyUpdate(ctx context.Context, scope book.Scope, ref syncsvc.OpRef, b book.Bill, expected int64) (bill book.Bill, entry book.ChangeEntry, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	ct, err := tx.Exec(ctx, `
		update bills
		set account=$1, category=$2, amount_minor=$3, currency=$4, direction=$5, remark=$6,
		    billed_at=$7, included=$8, pair_id=$9, deleted=false, version=version+1, updated_at=now()
		where id=$10 and book_id=$11 and ($12 = 0 or user_id = $12) and version=$13
	`, b.Account, b.Category, b.AmountMinor, b.Currency, b.Direction, b.Remark,
		b.BilledAt, b.Included, b.PairID, b.ID, scope.BookID, scopeOwner(scope), expected)
	if err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	if ct.RowsAffected() == 0 {
		err = errs.ErrConflict
		return book.Bill{}, book.ChangeEntry{}, err
	}
	newVersion := expected + 1
	entry, err = appendChange(ctx, tx, scope, b.ID, book.ChangeUpsert, newVersion)
	if err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	if err = recordApplied(ctx, tx, ref, b.ID, newVersion); err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	out := b
	out.Deleted = false
	out.Version = newVersion
	return out, entry, nil
}

// ApplyDelete sets the soft-delete flag under the same version discipline.
func (s *Store) ApplyDelete(ctx context.Context, scope book.Scope, ref syncsvc.OpRef, billID, expected int64) (bill book.Bill, entry book.ChangeEntry, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	ct, err := tx.Exec(ctx, `
		update bills
		set deleted=true, version=version+1, updated_at=now()
		where id=$1 and book_id=$2 and ($3 = 0 or user_id = $3) and version=$4
	`, billID, scope.BookID, scopeOwner(scope), expected)
	if err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	if ct.RowsAffected() == 0 {
		err = errs.ErrConflict
		return book.Bill{}, book.ChangeEntry{}, err
	}
	newVersion := expected + 1
	entry, err = appendChange(ctx, tx, scope, billID, book.ChangeDelete, newVersion)
	if err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	if err = recordApplied(ctx, tx, ref, billID, newVersion); err != nil {
		return book.Bill{}, book.ChangeEntry{}, err
	}
	return book.Bill{ID: billID, BookID: scope.BookID, Deleted: true, Version: newVersion}, entry, nil
}

// appendChange inserts a change-log entry within the given transaction.
func appendChange(ctx context.Context, tx pgx.Tx, scope book.Scope, billID int64, op book.ChangeOp, version int64) (book.ChangeEntry, error) {
	e := book.ChangeEntry{BookID: scope.BookID, ScopeKey: scope.Key(), BillID: billID, Op: op, Version: version}
	err := tx.QueryRow(ctx, `
		insert into change_log (book_id, scope_key, bill_id, op, version)
		values ($1,$2,$3,$4,$5)
		returning id, created_at
	`, e.BookID, e.ScopeKey, e.BillID, e.Op, e.Version).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return book.ChangeEntry{}, err
	}
	return e, nil
}

// --- Change log reads ---

const changeColumns = `id, book_id, scope_key, bill_id, op, version, created_at`

func (s *Store) scanChanges(rows pgx.Rows) ([]book.ChangeEntry, error) {
	defer rows.Close()
	out := make([]book.ChangeEntry, 0)
	for rows.Next() {
		var e book.ChangeEntry
		if err := rows.Scan(&e.ID, &e.BookID, &e.ScopeKey, &e.BillID, &e.Op, &e.Version, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListChangesAfter returns up to limit entries with id > afterID, ascending.
func (s *Store) ListChangesAfter(ctx context.Context, scope book.Scope, afterID int64, limit int) ([]book.ChangeEntry, error) {
	rows, err := s.pool.Query(ctx, `
		select `+changeColumns+`
		from change_log where book_id = $1 and scope_key = $2 and id > $3
		order by id asc limit $4
	`, scope.BookID, scope.Key(), afterID, limit)
	if err != nil {
		return nil, err
	}
	return s.scanChanges(rows)
}

// ListChangesBefore returns up to limit entries with id < beforeID, descending.
func (s *Store) ListChangesBefore(ctx context.Context, scope book.Scope, beforeID int64, limit int) ([]book.ChangeEntry, error) {
	rows, err := s.pool.Query(ctx, `
		select `+changeColumns+`
		from change_log where book_id = $1 and scope_key = $2 and id < $3
		order by id desc limit $4
	`, scope.BookID, scope.Key(), beforeID, limit)
	if err != nil {
		return nil, err
	}
	return s.scanChanges(rows)
}

// MaxChangeID returns the highest change id in scope, 0 when the log is empty.
func (s *Store) MaxChangeID(ctx context.Context, scope book.Scope) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		select coalesce(max(id),0) from change_log where book_id = $1 and scope_key = $2
	`, scope.BookID, scope.Key()).Scan(&v)
	return v, err
}

// CountBills returns the number of live bills in scope.
func (s *Store) CountBills(ctx context.Context, scope book.Scope) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		select count(*) from bills where book_id = $1 and ($2 = 0 or user_id = $2) and not deleted
	`, scope.BookID, scopeOwner(scope)).Scan(&v)
	return v, err
}

// --- Bootstrap ---

// EnsureSeeded seeds the change log for a scope exactly once. The winner of a
// racing first pull is decided by the bootstrap row's primary key: whichever
// transaction inserts it performs the seeding; the loser's insert affects no
// rows and it simply reads the seeded log. A crash mid-seed rolls back the
// bootstrap row with the entries, so the next pull retries cleanly.
func (s *Store) EnsureSeeded(ctx context.Context, scope book.Scope) (seeded bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	ct, err := tx.Exec(ctx, `
		insert into sync_bootstrap (book_id, scope_key, initialized)
		values ($1,$2,true)
		on conflict (book_id, scope_key) do nothing
	`, scope.BookID, scope.Key())
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}
	if _, err = tx.Exec(ctx, `
		insert into change_log (book_id, scope_key, bill_id, op, version)
		select $1, $2, b.id, 'upsert', b.version
		from bills b
		where b.book_id = $1 and ($3 = 0 or b.user_id = $3) and not b.deleted
		  and not exists (
		    select 1 from change_log c
		    where c.book_id = $1 and c.scope_key = $2 and c.bill_id = b.id
		  )
		order by b.id
	`, scope.BookID, scope.Key(), scopeOwner(scope)); err != nil {
		return false, err
	}
	return true, nil
}

// Initialized reports whether the scope's bootstrap has run.
func (s *Store) Initialized(ctx context.Context, scope book.Scope) (bool, error) {
	var v bool
	err := s.pool.QueryRow(ctx, `
		select initialized from sync_bootstrap where book_id = $1 and scope_key = $2
	`, scope.BookID, scope.Key()).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return v, err
}

// --- ID allocation ---

// AllocateBillIDs reserves count consecutive ids from the allocator row. The
// single-row update is atomic, so concurrent allocations never overlap.
func (s *Store) AllocateBillIDs(ctx context.Context, count int) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `
		update bill_id_alloc set last_id = last_id + $1 returning last_id
	`, count).Scan(&last)
	if err != nil {
		return 0, err
	}
	return last - int64(count) + 1, nil
}

// --- Retention ---

// PurgeOpsBefore deletes idempotency records created before the cutoff.
func (s *Store) PurgeOpsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `delete from sync_ops where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// PurgeChangesBefore deletes change-log entries created before the cutoff.
// Devices further behind than the retention window fall back to a full pull.
func (s *Store) PurgeChangesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `delete from change_log where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
