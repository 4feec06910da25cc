// Package sync implements the multi-device synchronization coordinator:
// push applies batches of client operations with idempotency and optimistic
// concurrency, pull streams change-log entries forward of a cursor.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/marchholt/billsync/internal/book"
	"github.com/marchholt/billsync/internal/errs"
	"github.com/marchholt/billsync/internal/service/access"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 500
	maxBatchSize     = 500
	defaultIDBlock   = 100
	maxIDBlock       = 1000
)

// OpRef keys an idempotency record: (caller, book, client op id).
type OpRef struct {
	UserID int64
	BookID string
	OpID   string
}

// Store is the persistence contract the coordinator drives. Apply* methods
// must be atomic: the record mutation, the change-log append and the
// idempotency record land in one transaction, and the conditional update is a
// single compare-and-swap visible to all writers.
type Store interface {
	// GetOpResult returns the stored outcome for ref, if any.
	GetOpResult(ctx context.Context, ref OpRef) (book.OpResult, bool, error)
	// SaveOpResult stores an outcome for ref; first write wins, later writes
	// for the same ref are no-ops. Reports whether this write won.
	SaveOpResult(ctx context.Context, ref OpRef, res book.OpResult) (bool, error)

	// GetBill returns a bill by id within scope, errs.ErrNotFound when absent.
	GetBill(ctx context.Context, scope book.Scope, id int64) (book.Bill, error)
	// GetBills returns the bills in scope for the given ids, keyed by id.
	GetBills(ctx context.Context, scope book.Scope, ids []int64) (map[int64]book.Bill, error)

	// ApplyCreate inserts b at version 1 (assigning an id when b.ID is zero),
	// appends an upsert change entry and stores an applied outcome for ref.
	// All Apply* methods fail with errs.ErrDuplicateOp, rolling the mutation
	// back, when an outcome for ref landed after the caller's idempotency
	// check; the caller then answers from the stored outcome.
	ApplyCreate(ctx context.Context, scope book.Scope, ref OpRef, b book.Bill) (book.Bill, book.ChangeEntry, error)
	// ApplyUpdate overwrites b's domain fields iff the stored version equals
	// expected; errs.ErrConflict when the compare-and-swap affects no row.
	ApplyUpdate(ctx context.Context, scope book.Scope, ref OpRef, b book.Bill, expected int64) (book.Bill, book.ChangeEntry, error)
	// ApplyDelete sets the soft-delete flag under the same version discipline.
	ApplyDelete(ctx context.Context, scope book.Scope, ref OpRef, billID, expected int64) (book.Bill, book.ChangeEntry, error)

	// ListChangesAfter returns up to limit entries with id > afterID, ascending.
	ListChangesAfter(ctx context.Context, scope book.Scope, afterID int64, limit int) ([]book.ChangeEntry, error)
	// ListChangesBefore returns up to limit entries with id < beforeID, descending.
	ListChangesBefore(ctx context.Context, scope book.Scope, beforeID int64, limit int) ([]book.ChangeEntry, error)
	// MaxChangeID returns the highest change id in scope, 0 when empty.
	MaxChangeID(ctx context.Context, scope book.Scope) (int64, error)
	// CountBills returns the number of live bills in scope.
	CountBills(ctx context.Context, scope book.Scope) (int64, error)

	// EnsureSeeded seeds the change log with one upsert entry per live bill
	// that predates the log, exactly once per scope. Racing callers are
	// serialized by a uniqueness constraint, not a lock: one seeds, the rest
	// observe the seeded state. Reports whether this call did the seeding.
	EnsureSeeded(ctx context.Context, scope book.Scope) (bool, error)
	// Initialized reports whether the scope's bootstrap has run.
	Initialized(ctx context.Context, scope book.Scope) (bool, error)

	// AllocateBillIDs reserves count consecutive bill ids and returns the first.
	AllocateBillIDs(ctx context.Context, count int) (int64, error)
}

// Change is a pull/activity item: a change-log entry resolved against the
// current record state.
type Change struct {
	ChangeID int64
	Op       book.ChangeOp
	Version  int64
	Bill     book.Bill
}

// PullResult is one page of the replication stream.
type PullResult struct {
	Changes      []Change
	NextChangeID int64
	HasMore      bool
}

// Summary reports aggregate scope state for diagnostics.
type Summary struct {
	MaxChangeID int64
	BillCount   int64
	Initialized bool
}

// IDBlock is a reserved range of bill ids: Start..Start+Count-1.
type IDBlock struct {
	Start int64
	Count int
}

// Service is the sync coordinator.
type Service interface {
	// Push applies ops in order and returns one result per op, in input
	// order. Individual op failures never fail the batch; only authorization
	// or a malformed scope do.
	Push(ctx context.Context, callerID int64, bookID string, ops []book.Operation) ([]book.OpResult, error)
	// Pull returns change-log entries with id > afterChangeID, seeding the
	// log first when pulling from the origin cursor.
	Pull(ctx context.Context, callerID int64, bookID string, afterChangeID int64, limit int) (PullResult, error)
	// Summary reports scope-level aggregates.
	Summary(ctx context.Context, callerID int64, bookID string) (Summary, error)
	// Activity returns the most recent entries below beforeChangeID, newest first.
	Activity(ctx context.Context, callerID int64, bookID string, beforeChangeID int64, limit int) ([]Change, error)
	// AllocateIDs reserves a block of bill ids for offline creation.
	AllocateIDs(ctx context.Context, callerID int64, count int) (IDBlock, error)
}

type service struct {
	store  Store
	access access.Service
}

// New constructs the coordinator.
func New(store Store, ac access.Service) Service {
	return &service{store: store, access: ac}
}

func (s *service) Push(ctx context.Context, callerID int64, bookID string, ops []book.Operation) ([]book.OpResult, error) {
	scope, err := s.access.Authorize(ctx, callerID, bookID)
	if err != nil {
		return nil, err
	}
	if len(ops) > maxBatchSize {
		return nil, fmt.Errorf("%w: batch too large", errs.ErrInvalid)
	}
	results := make([]book.OpResult, 0, len(ops))
	for _, op := range ops {
		results = append(results, s.applyOp(ctx, scope, op))
	}
	return results, nil
}

// applyOp runs a single operation. Failures are folded into the result; the
// batch continues regardless.
func (s *service) applyOp(ctx context.Context, scope book.Scope, op book.Operation) book.OpResult {
	if op.OpID == "" {
		// No key to record an outcome under; reject without touching the store.
		return book.OpResult{Status: book.StatusError, Err: "missing opId"}
	}
	ref := OpRef{UserID: scope.OwnerID, BookID: scope.BookID, OpID: op.OpID}

	stored, found, err := s.store.GetOpResult(ctx, ref)
	if err != nil {
		return book.OpResult{OpID: op.OpID, Status: book.StatusError, Err: err.Error()}
	}
	if found {
		return s.replay(ctx, scope, stored)
	}

	var res book.OpResult
	switch op.Type {
	case book.OpUpsert:
		if op.ServerID == 0 {
			res = s.create(ctx, scope, ref, op)
		} else {
			res = s.update(ctx, scope, ref, op)
		}
	case book.OpDelete:
		res = s.remove(ctx, scope, ref, op)
	default:
		res = s.fail(ctx, scope, ref, "unknown op type")
	}
	return res
}

// replay answers a retried operation from its stored outcome. Conflict
// replays refresh the attached body so the caller always rebases against the
// current state.
func (s *service) replay(ctx context.Context, scope book.Scope, stored book.OpResult) book.OpResult {
	if stored.Status == book.StatusConflict && stored.BillID != 0 {
		if cur, err := s.store.GetBill(ctx, scope, stored.BillID); err == nil {
			stored.Bill = &cur
			stored.Version = cur.Version
		}
	}
	return stored
}

// replayStored re-reads and replays the outcome a concurrent duplicate of the
// same operation recorded first.
func (s *service) replayStored(ctx context.Context, scope book.Scope, ref OpRef) book.OpResult {
	stored, found, err := s.store.GetOpResult(ctx, ref)
	if err != nil || !found {
		return book.OpResult{OpID: ref.OpID, Status: book.StatusError, Err: "duplicate operation"}
	}
	return s.replay(ctx, scope, stored)
}

func (s *service) create(ctx context.Context, scope book.Scope, ref OpRef, op book.Operation) book.OpResult {
	if op.Bill == nil {
		return s.fail(ctx, scope, ref, "missing bill body")
	}
	b := *op.Bill
	b.UserID = scope.OwnerID
	b.BookID = scope.BookID
	b.Deleted = false
	b.Version = 1
	if err := b.Validate(); err != nil {
		return s.fail(ctx, scope, ref, "invalid bill: "+err.Error())
	}
	created, _, err := s.store.ApplyCreate(ctx, scope, ref, b)
	if errors.Is(err, errs.ErrDuplicateOp) {
		return s.replayStored(ctx, scope, ref)
	}
	if err != nil {
		return s.fail(ctx, scope, ref, err.Error())
	}
	return book.OpResult{OpID: ref.OpID, Status: book.StatusApplied, BillID: created.ID, Version: created.Version}
}

func (s *service) update(ctx context.Context, scope book.Scope, ref OpRef, op book.Operation) book.OpResult {
	if op.Bill == nil {
		return s.fail(ctx, scope, ref, "missing bill body")
	}
	cur, err := s.store.GetBill(ctx, scope, op.ServerID)
	if errors.Is(err, errs.ErrNotFound) {
		return s.fail(ctx, scope, ref, "not found")
	}
	if err != nil {
		return book.OpResult{OpID: ref.OpID, Status: book.StatusError, Err: err.Error()}
	}
	if op.ExpectedVersion == nil || *op.ExpectedVersion != cur.Version {
		return s.conflict(ctx, scope, ref, cur)
	}

	b := *op.Bill
	b.ID = cur.ID
	if err := b.Validate(); err != nil {
		return s.fail(ctx, scope, ref, "invalid bill: "+err.Error())
	}
	updated, _, err := s.store.ApplyUpdate(ctx, scope, ref, b, cur.Version)
	if errors.Is(err, errs.ErrDuplicateOp) {
		return s.replayStored(ctx, scope, ref)
	}
	if errors.Is(err, errs.ErrConflict) {
		// Lost the race against a concurrent writer: surface the winner's state.
		if now, gerr := s.store.GetBill(ctx, scope, cur.ID); gerr == nil {
			return s.conflict(ctx, scope, ref, now)
		}
		return s.conflict(ctx, scope, ref, cur)
	}
	if err != nil {
		return s.fail(ctx, scope, ref, err.Error())
	}
	return book.OpResult{OpID: ref.OpID, Status: book.StatusApplied, BillID: updated.ID, Version: updated.Version}
}

func (s *service) remove(ctx context.Context, scope book.Scope, ref OpRef, op book.Operation) book.OpResult {
	if op.ServerID == 0 {
		return s.fail(ctx, scope, ref, "missing serverId")
	}
	cur, err := s.store.GetBill(ctx, scope, op.ServerID)
	if errors.Is(err, errs.ErrNotFound) {
		return s.fail(ctx, scope, ref, "not found")
	}
	if err != nil {
		return book.OpResult{OpID: ref.OpID, Status: book.StatusError, Err: err.Error()}
	}
	if op.ExpectedVersion == nil || *op.ExpectedVersion != cur.Version {
		return s.conflict(ctx, scope, ref, cur)
	}
	deleted, _, err := s.store.ApplyDelete(ctx, scope, ref, cur.ID, cur.Version)
	if errors.Is(err, errs.ErrDuplicateOp) {
		return s.replayStored(ctx, scope, ref)
	}
	if errors.Is(err, errs.ErrConflict) {
		if now, gerr := s.store.GetBill(ctx, scope, cur.ID); gerr == nil {
			return s.conflict(ctx, scope, ref, now)
		}
		return s.conflict(ctx, scope, ref, cur)
	}
	if err != nil {
		return s.fail(ctx, scope, ref, err.Error())
	}
	return book.OpResult{OpID: ref.OpID, Status: book.StatusApplied, BillID: deleted.ID, Version: deleted.Version}
}

// conflict records and returns a conflict outcome carrying the current body.
func (s *service) conflict(ctx context.Context, scope book.Scope, ref OpRef, cur book.Bill) book.OpResult {
	res := book.OpResult{OpID: ref.OpID, Status: book.StatusConflict, BillID: cur.ID, Version: cur.Version, Bill: &cur}
	return s.persistOutcome(ctx, scope, ref, res)
}

// fail records and returns an error outcome. Stored errors are terminal for
// their op id; clients retry with a fresh one.
func (s *service) fail(ctx context.Context, scope book.Scope, ref OpRef, msg string) book.OpResult {
	res := book.OpResult{OpID: ref.OpID, Status: book.StatusError, Err: msg}
	return s.persistOutcome(ctx, scope, ref, res)
}

// persistOutcome records res in the idempotency ledger. If a concurrent
// duplicate stored its outcome first, that stored outcome is the answer for
// every delivery of the op, so the local result is discarded in its favor.
func (s *service) persistOutcome(ctx context.Context, scope book.Scope, ref OpRef, res book.OpResult) book.OpResult {
	won, err := s.store.SaveOpResult(ctx, ref, res)
	if err != nil {
		return res
	}
	if !won {
		return s.replayStored(ctx, scope, ref)
	}
	return res
}

func (s *service) Pull(ctx context.Context, callerID int64, bookID string, afterChangeID int64, limit int) (PullResult, error) {
	scope, err := s.access.Authorize(ctx, callerID, bookID)
	if err != nil {
		return PullResult{}, err
	}
	limit = clampLimit(limit)
	if afterChangeID < 0 {
		afterChangeID = 0
	}
	if afterChangeID == 0 {
		if _, err := s.store.EnsureSeeded(ctx, scope); err != nil {
			return PullResult{}, fmt.Errorf("bootstrap: %w", err)
		}
	}
	entries, err := s.store.ListChangesAfter(ctx, scope, afterChangeID, limit)
	if err != nil {
		return PullResult{}, err
	}
	changes, err := s.resolve(ctx, scope, entries)
	if err != nil {
		return PullResult{}, err
	}
	next := afterChangeID
	if n := len(entries); n > 0 {
		next = entries[n-1].ID
	}
	return PullResult{Changes: changes, NextChangeID: next, HasMore: len(entries) == limit}, nil
}

func (s *service) Summary(ctx context.Context, callerID int64, bookID string) (Summary, error) {
	scope, err := s.access.Authorize(ctx, callerID, bookID)
	if err != nil {
		return Summary{}, err
	}
	maxID, err := s.store.MaxChangeID(ctx, scope)
	if err != nil {
		return Summary{}, err
	}
	count, err := s.store.CountBills(ctx, scope)
	if err != nil {
		return Summary{}, err
	}
	initialized, err := s.store.Initialized(ctx, scope)
	if err != nil {
		return Summary{}, err
	}
	return Summary{MaxChangeID: maxID, BillCount: count, Initialized: initialized}, nil
}

func (s *service) Activity(ctx context.Context, callerID int64, bookID string, beforeChangeID int64, limit int) ([]Change, error) {
	scope, err := s.access.Authorize(ctx, callerID, bookID)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	if beforeChangeID <= 0 {
		beforeChangeID = math.MaxInt64
	}
	entries, err := s.store.ListChangesBefore(ctx, scope, beforeChangeID, limit)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, scope, entries)
}

func (s *service) AllocateIDs(ctx context.Context, callerID int64, count int) (IDBlock, error) {
	if callerID <= 0 {
		return IDBlock{}, errs.ErrUnauthorized
	}
	if count <= 0 {
		count = defaultIDBlock
	}
	if count > maxIDBlock {
		count = maxIDBlock
	}
	start, err := s.store.AllocateBillIDs(ctx, count)
	if err != nil {
		return IDBlock{}, err
	}
	return IDBlock{Start: start, Count: count}, nil
}

// resolve materializes entries against the current record state. A record
// that has been fully purged yields a minimal tombstone stub so the caller
// can still apply the deletion.
func (s *service) resolve(ctx context.Context, scope book.Scope, entries []book.ChangeEntry) ([]Change, error) {
	if len(entries) == 0 {
		return []Change{}, nil
	}
	ids := make([]int64, 0, len(entries))
	seen := make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.BillID]; ok {
			continue
		}
		seen[e.BillID] = struct{}{}
		ids = append(ids, e.BillID)
	}
	bills, err := s.store.GetBills(ctx, scope, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Change, 0, len(entries))
	for _, e := range entries {
		ch := Change{ChangeID: e.ID, Op: e.Op, Version: e.Version}
		if b, ok := bills[e.BillID]; ok {
			ch.Bill = b
		} else {
			ch.Bill = book.Bill{ID: e.BillID, BookID: scope.BookID, Deleted: true, Version: e.Version}
		}
		out = append(out, ch)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPullLimit
	}
	if limit > maxPullLimit {
		return maxPullLimit
	}
	return limit
}
