package memory

// Package memory provides an in-memory implementation used for development
// and tests. It keeps code paths easy to follow while allowing us to plug in
// the Postgres store in production.

import (
	"context"
	"sync"
	"time"

	"github.com/marchholt/billsync/internal/book"
	"github.com/marchholt/billsync/internal/errs"
	syncsvc "github.com/marchholt/billsync/internal/service/sync"
)

type opKey struct {
	userID int64
	bookID string
	opID   string
}

type storedOp struct {
	res book.OpResult
	at  time.Time
}

type scopeRef struct {
	bookID string
	key    int64
}

// Store is an in-memory implementation of every store contract used by the
// services. A single mutex makes each method atomic, which is exactly the
// per-operation atomicity the sync coordinator requires.
type Store struct {
	mu      sync.Mutex
	users   map[int64]book.User
	byName  map[string]int64
	books   map[int64]book.Book
	members map[int64]map[int64]book.Member
	bills   map[int64]book.Bill
	changes []book.ChangeEntry
	ops     map[opKey]storedOp
	seeded  map[scopeRef]bool

	nextUserID   int64
	nextBookID   int64
	nextBillID   int64
	nextChangeID int64
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		users:   make(map[int64]book.User),
		byName:  make(map[string]int64),
		books:   make(map[int64]book.Book),
		members: make(map[int64]map[int64]book.Member),
		bills:   make(map[int64]book.Bill),
		ops:     make(map[opKey]storedOp),
		seeded:  make(map[scopeRef]bool),
	}
}

// inScope reports whether b belongs to the given sync scope. Personal scopes
// see only the caller's rows; shared scopes see every member's rows.
func inScope(scope book.Scope, b book.Bill) bool {
	if b.BookID != scope.BookID {
		return false
	}
	if scope.Kind == book.ScopePersonal {
		return b.UserID == scope.OwnerID
	}
	return true
}

// --- Seed helpers for dev/tests ---

func (s *Store) SeedUser(u book.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.byName[u.Username] = u.ID
	if u.ID > s.nextUserID {
		s.nextUserID = u.ID
	}
}

func (s *Store) SeedBill(b book.Bill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bills[b.ID] = b
	if b.ID > s.nextBillID {
		s.nextBillID = b.ID
	}
}

// RemoveBillRow drops a bill row outright, leaving its change-log entries
// behind, the state a retention sweep of old tombstones produces.
func (s *Store) RemoveBillRow(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bills, id)
}

// --- Users ---

func (s *Store) CreateUser(_ context.Context, u book.User) (book.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[u.Username]; ok {
		return book.User{}, errs.ErrAlreadyExists
	}
	s.nextUserID++
	u.ID = s.nextUserID
	u.CreatedAt = time.Now().UTC()
	s.users[u.ID] = u
	s.byName[u.Username] = u.ID
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (book.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return book.User{}, errs.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByName(_ context.Context, username string) (book.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[username]
	if !ok {
		return book.User{}, errs.ErrNotFound
	}
	return s.users[id], nil
}

// --- Books / members ---

func (s *Store) CreateBook(_ context.Context, b book.Book) (book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBookID++
	b.ID = s.nextBookID
	b.CreatedAt = time.Now().UTC()
	s.books[b.ID] = b
	s.members[b.ID] = map[int64]book.Member{
		b.OwnerID: {BookID: b.ID, UserID: b.OwnerID, Role: "owner", Active: true, JoinedAt: b.CreatedAt},
	}
	return b, nil
}

func (s *Store) GetBook(_ context.Context, bookID int64) (book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok {
		return book.Book{}, errs.ErrNotFound
	}
	return b, nil
}

func (s *Store) GetMember(_ context.Context, bookID, userID int64) (book.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[bookID][userID]
	if !ok {
		return book.Member{}, errs.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListBooks(_ context.Context, userID int64) ([]book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]book.Book, 0)
	for id, mm := range s.members {
		if m, ok := mm[userID]; ok && m.Active {
			out = append(out, s.books[id])
		}
	}
	return out, nil
}

func (s *Store) SaveMember(_ context.Context, m book.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[m.BookID]; !ok {
		return errs.ErrNotFound
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	s.members[m.BookID][m.UserID] = m
	return nil
}

// --- Idempotency ledger ---

func (s *Store) GetOpResult(_ context.Context, ref syncsvc.OpRef) (book.OpResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opKey{ref.UserID, ref.BookID, ref.OpID}]
	if !ok {
		return book.OpResult{}, false, nil
	}
	return op.res, true, nil
}

func (s *Store) SaveOpResult(_ context.Context, ref syncsvc.OpRef, res book.OpResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveOpLocked(ref, res), nil
}

// saveOpLocked writes the outcome only if absent, preserving idempotency.
// Reports whether this write won.
func (s *Store) saveOpLocked(ref syncsvc.OpRef, res book.OpResult) bool {
	k := opKey{ref.UserID, ref.BookID, ref.OpID}
	if _, exists := s.ops[k]; exists {
		return false
	}
	s.ops[k] = storedOp{res: res, at: time.Now().UTC()}
	return true
}

// opRecordedLocked reports whether ref already has a stored outcome.
// Caller must hold s.mu.
func (s *Store) opRecordedLocked(ref syncsvc.OpRef) bool {
	_, exists := s.ops[opKey{ref.UserID, ref.BookID, ref.OpID}]
	return exists
}

// --- Bills ---

func (s *Store) GetBill(_ context.Context, scope book.Scope, id int64) (book.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bills[id]
	if !ok || !inScope(scope, b) {
		return book.Bill{}, errs.ErrNotFound
	}
	return b, nil
}

func (s *Store) GetBills(_ context.Context, scope book.Scope, ids []int64) (map[int64]book.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]book.Bill, len(ids))
	for _, id := range ids {
		if b, ok := s.bills[id]; ok && inScope(scope, b) {
			out[id] = b
		}
	}
	return out, nil
}

func (s *Store) ApplyCreate(_ context.Context, scope book.Scope, ref syncsvc.OpRef, b book.Bill) (book.Bill, book.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opRecordedLocked(ref) {
		return book.Bill{}, book.ChangeEntry{}, errs.ErrDuplicateOp
	}
	if b.ID == 0 {
		s.nextBillID++
		b.ID = s.nextBillID
	} else {
		if _, exists := s.bills[b.ID]; exists {
			return book.Bill{}, book.ChangeEntry{}, errs.ErrAlreadyExists
		}
		if b.ID > s.nextBillID {
			s.nextBillID = b.ID
		}
	}
	b.Version = 1
	b.Deleted = false
	s.bills[b.ID] = b
	entry := s.appendChangeLocked(scope, b.ID, book.ChangeUpsert, b.Version)
	s.saveOpLocked(ref, book.OpResult{OpID: ref.OpID, Status: book.StatusApplied, BillID: b.ID, Version: b.Version})
	return b, entry, nil
}

func (s *Store) ApplyUpdate(_ context.Context, scope book.Scope, ref syncsvc.OpRef, b book.Bill, expected int64) (book.Bill, book.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opRecordedLocked(ref) {
		return book.Bill{}, book.ChangeEntry{}, errs.ErrDuplicateOp
	}
	cur, ok := s.bills[b.ID]
	if !ok || !inScope(scope, cur) {
		return book.Bill{}, book.ChangeEntry{}, errs.ErrNotFound
	}
	if cur.Version != expected {
		return book.Bill{}, book.ChangeEntry{}, errs.ErrConflict
	}
	cur.Account = b.Account
	cur.Category = b.Category
	cur.AmountMinor = b.AmountMinor
	cur.Currency = b.Currency
	cur.Direction = b.Direction
	cur.Remark = b.Remark
	cur.BilledAt = b.BilledAt
	cur.Included = b.Included
	cur.PairID = b.PairID
	cur.Deleted = false
	cur.Version = expected + 1
	s.bills[cur.ID] = cur
	entry := s.appendChangeLocked(scope, cur.ID, book.ChangeUpsert, cur.Version)
	s.saveOpLocked(ref, book.OpResult{OpID: ref.OpID, Status: book.StatusApplied, BillID: cur.ID, Version: cur.Version})
	return cur, entry, nil
}

func (s *Store) ApplyDelete(_ context.Context, scope book.Scope, ref syncsvc.OpRef, billID, expected int64) (book.Bill, book.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opRecordedLocked(ref) {
		return book.Bill{}, book.ChangeEntry{}, errs.ErrDuplicateOp
	}
	cur, ok := s.bills[billID]
	if !ok || !inScope(scope, cur) {
		return book.Bill{}, book.ChangeEntry{}, errs.ErrNotFound
	}
	if cur.Version != expected {
		return book.Bill{}, book.ChangeEntry{}, errs.ErrConflict
	}
	cur.Deleted = true
	cur.Version = expected + 1
	s.bills[cur.ID] = cur
	entry := s.appendChangeLocked(scope, cur.ID, book.ChangeDelete, cur.Version)
	s.saveOpLocked(ref, book.OpResult{OpID: ref.OpID, Status: book.StatusApplied, BillID: cur.ID, Version: cur.Version})
	return cur, entry, nil
}

// --- Change log ---

// appendChangeLocked assigns the next change id and appends the entry.
// Caller must hold s.mu.
func (s *Store) appendChangeLocked(scope book.Scope, billID int64, op book.ChangeOp, version int64) book.ChangeEntry {
	s.nextChangeID++
	e := book.ChangeEntry{
		ID:        s.nextChangeID,
		BookID:    scope.BookID,
		ScopeKey:  scope.Key(),
		BillID:    billID,
		Op:        op,
		Version:   version,
		CreatedAt: time.Now().UTC(),
	}
	s.changes = append(s.changes, e)
	return e
}

func (s *Store) ListChangesAfter(_ context.Context, scope book.Scope, afterID int64, limit int) ([]book.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]book.ChangeEntry, 0, limit)
	for _, e := range s.changes {
		if e.BookID != scope.BookID || e.ScopeKey != scope.Key() || e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListChangesBefore(_ context.Context, scope book.Scope, beforeID int64, limit int) ([]book.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]book.ChangeEntry, 0, limit)
	for i := len(s.changes) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.changes[i]
		if e.BookID != scope.BookID || e.ScopeKey != scope.Key() || e.ID >= beforeID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) MaxChangeID(_ context.Context, scope book.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, e := range s.changes {
		if e.BookID == scope.BookID && e.ScopeKey == scope.Key() && e.ID > max {
			max = e.ID
		}
	}
	return max, nil
}

func (s *Store) CountBills(_ context.Context, scope book.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, b := range s.bills {
		if inScope(scope, b) && !b.Deleted {
			n++
		}
	}
	return n, nil
}

// --- Bootstrap ---

func (s *Store) EnsureSeeded(_ context.Context, scope book.Scope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := scopeRef{scope.BookID, scope.Key()}
	if s.seeded[ref] {
		return false, nil
	}
	logged := make(map[int64]struct{})
	for _, e := range s.changes {
		if e.BookID == scope.BookID && e.ScopeKey == scope.Key() {
			logged[e.BillID] = struct{}{}
		}
	}
	for _, b := range s.bills {
		if !inScope(scope, b) || b.Deleted {
			continue
		}
		if _, ok := logged[b.ID]; ok {
			continue
		}
		s.appendChangeLocked(scope, b.ID, book.ChangeUpsert, b.Version)
	}
	s.seeded[ref] = true
	return true, nil
}

func (s *Store) Initialized(_ context.Context, scope book.Scope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeded[scopeRef{scope.BookID, scope.Key()}], nil
}

// --- ID allocation ---

func (s *Store) AllocateBillIDs(_ context.Context, count int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.nextBillID + 1
	s.nextBillID += int64(count)
	return first, nil
}

// --- Retention ---

func (s *Store) PurgeOpsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, op := range s.ops {
		if op.at.Before(cutoff) {
			delete(s.ops, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeChangesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.changes[:0]
	var n int64
	for _, e := range s.changes {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.changes = kept
	return n, nil
}
