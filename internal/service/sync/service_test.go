package sync_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/marchholt/billsync/internal/book"
	"github.com/marchholt/billsync/internal/service/access"
	syncsvc "github.com/marchholt/billsync/internal/service/sync"
	"github.com/marchholt/billsync/internal/storage/memory"
)

func newService(t *testing.T) (syncsvc.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return syncsvc.New(store, access.New(store)), store
}

func testBill(remark string) book.Bill {
	return book.Bill{
		Account:     "cash",
		Category:    "food",
		AmountMinor: 1250,
		Currency:    "USD",
		Direction:   book.DirectionExpense,
		Remark:      remark,
		BilledAt:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Included:    true,
	}
}

func ptr(v int64) *int64 { return &v }

func pushOne(t *testing.T, svc syncsvc.Service, caller int64, bookID string, op book.Operation) book.OpResult {
	t.Helper()
	results, err := svc.Push(context.Background(), caller, bookID, []book.Operation{op})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	return results[0]
}

func TestPushCreate(t *testing.T) {
	svc, _ := newService(t)
	b := testBill("lunch")
	res := pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-1", Type: book.OpUpsert, Bill: &b})

	if res.Status != book.StatusApplied {
		t.Fatalf("status = %s, want applied (err=%s)", res.Status, res.Err)
	}
	if res.BillID == 0 {
		t.Fatal("expected a server-assigned bill id")
	}
	if res.Version != 1 {
		t.Fatalf("version = %d, want 1", res.Version)
	}
}

func TestPushCreateWithPreallocatedID(t *testing.T) {
	svc, _ := newService(t)
	blk, err := svc.AllocateIDs(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("AllocateIDs: %v", err)
	}
	if blk.Count != 10 || blk.Start == 0 {
		t.Fatalf("unexpected block %+v", blk)
	}

	b := testBill("offline")
	b.ID = blk.Start
	res := pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-1", Type: book.OpUpsert, Bill: &b})
	if res.Status != book.StatusApplied || res.BillID != blk.Start {
		t.Fatalf("result = %+v, want applied with id %d", res, blk.Start)
	}
}

func TestPushIdempotentReplay(t *testing.T) {
	svc, store := newService(t)
	b := testBill("lunch")
	op := book.Operation{OpID: "op-dup", Type: book.OpUpsert, Bill: &b}

	first := pushOne(t, svc, 1, "personal", op)
	if first.Status != book.StatusApplied {
		t.Fatalf("first push: %+v", first)
	}
	scope := book.Scope{BookID: "personal", Kind: book.ScopePersonal, OwnerID: 1}
	maxBefore, _ := store.MaxChangeID(context.Background(), scope)

	second := pushOne(t, svc, 1, "personal", op)
	if second.Status != book.StatusApplied || second.BillID != first.BillID || second.Version != first.Version {
		t.Fatalf("replay = %+v, want stored outcome %+v", second, first)
	}
	maxAfter, _ := store.MaxChangeID(context.Background(), scope)
	if maxAfter != maxBefore {
		t.Fatalf("replay appended to the change log: %d -> %d", maxBefore, maxAfter)
	}
}

// rendezvousStore holds every GetOpResult caller at a two-party barrier, so
// two deliveries of the same op both pass the idempotency check before either
// applies. Later reads (such as the loser re-reading the stored outcome) pass
// straight through.
type rendezvousStore struct {
	*memory.Store
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (s *rendezvousStore) GetOpResult(ctx context.Context, ref syncsvc.OpRef) (book.OpResult, bool, error) {
	res, found, err := s.Store.GetOpResult(ctx, ref)
	s.mu.Lock()
	s.arrived++
	if s.arrived == 2 {
		close(s.release)
	}
	s.mu.Unlock()
	<-s.release
	return res, found, err
}

func TestPushConcurrentDuplicateAppliesOnce(t *testing.T) {
	mem := memory.New()
	rs := &rendezvousStore{Store: mem, release: make(chan struct{})}
	svc := syncsvc.New(rs, access.New(mem))
	ctx := context.Background()

	b := testBill("lunch")
	op := book.Operation{OpID: "op-race", Type: book.OpUpsert, Bill: &b}

	results := make(chan book.OpResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			out, err := svc.Push(ctx, 1, "personal", []book.Operation{op})
			if err != nil || len(out) != 1 {
				results <- book.OpResult{Status: book.StatusError, Err: "push failed"}
				return
			}
			results <- out[0]
		}()
	}
	first, second := <-results, <-results

	if first.Status != book.StatusApplied || second.Status != book.StatusApplied {
		t.Fatalf("results = %+v / %+v, both deliveries must answer applied", first, second)
	}
	if first.BillID != second.BillID || first.Version != second.Version {
		t.Fatalf("results diverge: %+v vs %+v", first, second)
	}

	scope := book.Scope{BookID: "personal", Kind: book.ScopePersonal, OwnerID: 1}
	if n, _ := mem.CountBills(ctx, scope); n != 1 {
		t.Fatalf("bills = %d, concurrent duplicates must create exactly one", n)
	}
	if max, _ := mem.MaxChangeID(ctx, scope); max != 1 {
		t.Fatalf("max change id = %d, want a single change entry", max)
	}
}

// blindFirstReadStore hides the stored outcome from the first GetOpResult per
// op, forcing the coordinator down the apply path even though a duplicate
// already recorded an outcome. That is the window in which SaveOpResult loses.
type blindFirstReadStore struct {
	*memory.Store
	mu   sync.Mutex
	seen map[syncsvc.OpRef]bool
}

func (s *blindFirstReadStore) GetOpResult(ctx context.Context, ref syncsvc.OpRef) (book.OpResult, bool, error) {
	s.mu.Lock()
	first := !s.seen[ref]
	s.seen[ref] = true
	s.mu.Unlock()
	if first {
		return book.OpResult{}, false, nil
	}
	return s.Store.GetOpResult(ctx, ref)
}

func TestPushLostOutcomeWriteReplaysStored(t *testing.T) {
	mem := memory.New()
	bs := &blindFirstReadStore{Store: mem, seen: make(map[syncsvc.OpRef]bool)}
	svc := syncsvc.New(bs, access.New(mem))
	ctx := context.Background()

	mem.SeedBill(book.Bill{ID: 1, UserID: 1, BookID: "personal", Currency: "USD", Direction: book.DirectionExpense, BilledAt: time.Now(), Version: 2})
	ref := syncsvc.OpRef{UserID: 1, BookID: "personal", OpID: "op-dup"}
	if won, err := mem.SaveOpResult(ctx, ref, book.OpResult{OpID: "op-dup", Status: book.StatusApplied, BillID: 1, Version: 2}); err != nil || !won {
		t.Fatalf("seeding stored outcome: won=%v err=%v", won, err)
	}

	// The stale expected version would locally resolve to conflict, but the
	// ledger already holds applied for this op id; the answer must match it.
	upd := testBill("stale retry")
	res := pushOne(t, svc, 1, "personal", book.Operation{
		OpID: "op-dup", Type: book.OpUpsert, ServerID: 1, ExpectedVersion: ptr(1), Bill: &upd,
	})
	if res.Status != book.StatusApplied || res.BillID != 1 || res.Version != 2 {
		t.Fatalf("res = %+v, duplicates must answer from the stored outcome", res)
	}
}

func TestPushUpdate(t *testing.T) {
	svc, _ := newService(t)
	b := testBill("lunch")
	created := pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-1", Type: book.OpUpsert, Bill: &b})

	upd := testBill("dinner")
	res := pushOne(t, svc, 1, "personal", book.Operation{
		OpID: "op-2", Type: book.OpUpsert, ServerID: created.BillID, ExpectedVersion: ptr(1), Bill: &upd,
	})
	if res.Status != book.StatusApplied {
		t.Fatalf("update: %+v", res)
	}
	if res.Version != 2 {
		t.Fatalf("version = %d, want 2", res.Version)
	}
}

func TestPushStaleVersionConflicts(t *testing.T) {
	svc, _ := newService(t)
	b := testBill("lunch")
	created := pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-1", Type: book.OpUpsert, Bill: &b})

	// Device A wins the race.
	winA := testBill("updated by A")
	if res := pushOne(t, svc, 1, "personal", book.Operation{
		OpID: "op-a", Type: book.OpUpsert, ServerID: created.BillID, ExpectedVersion: ptr(1), Bill: &winA,
	}); res.Status != book.StatusApplied {
		t.Fatalf("winner: %+v", res)
	}

	// Device B retries against the version it last saw.
	loseB := testBill("updated by B")
	res := pushOne(t, svc, 1, "personal", book.Operation{
		OpID: "op-b", Type: book.OpUpsert, ServerID: created.BillID, ExpectedVersion: ptr(1), Bill: &loseB,
	})
	if res.Status != book.StatusConflict {
		t.Fatalf("status = %s, want conflict", res.Status)
	}
	if res.Bill == nil {
		t.Fatal("conflict result should carry the current body")
	}
	if res.Bill.Remark != "updated by A" || res.Version != 2 {
		t.Fatalf("conflict body = %+v v%d, want the winner's state", res.Bill, res.Version)
	}
}

func TestPushDelete(t *testing.T) {
	svc, store := newService(t)
	b := testBill("lunch")
	created := pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-1", Type: book.OpUpsert, Bill: &b})

	res := pushOne(t, svc, 1, "personal", book.Operation{
		OpID: "op-2", Type: book.OpDelete, ServerID: created.BillID, ExpectedVersion: ptr(1),
	})
	if res.Status != book.StatusApplied || res.Version != 2 {
		t.Fatalf("delete: %+v", res)
	}

	scope := book.Scope{BookID: "personal", Kind: book.ScopePersonal, OwnerID: 1}
	got, err := store.GetBill(context.Background(), scope, created.BillID)
	if err != nil {
		t.Fatalf("GetBill after delete: %v", err)
	}
	if !got.Deleted {
		t.Fatal("expected a soft-deleted bill, not a hard delete")
	}
}

func TestPushMissingOpID(t *testing.T) {
	svc, store := newService(t)
	b := testBill("lunch")
	res := pushOne(t, svc, 1, "personal", book.Operation{Type: book.OpUpsert, Bill: &b})
	if res.Status != book.StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	scope := book.Scope{BookID: "personal", Kind: book.ScopePersonal, OwnerID: 1}
	if n, _ := store.CountBills(context.Background(), scope); n != 0 {
		t.Fatalf("bill count = %d, a keyless op must not mutate state", n)
	}
}

func TestPushBatchIsolation(t *testing.T) {
	svc, _ := newService(t)
	bad := testBill("bad")
	bad.Currency = "NOT-A-CURRENCY"
	good := testBill("good")

	results, err := svc.Push(context.Background(), 1, "personal", []book.Operation{
		{OpID: "op-bad", Type: book.OpUpsert, Bill: &bad},
		{OpID: "op-good", Type: book.OpUpsert, Bill: &good},
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if results[0].Status != book.StatusError {
		t.Fatalf("bad op: %+v, want error", results[0])
	}
	if results[1].Status != book.StatusApplied {
		t.Fatalf("good op: %+v, must apply despite the sibling failure", results[1])
	}
}

func TestPushErrorOutcomeIsTerminal(t *testing.T) {
	svc, _ := newService(t)
	bad := testBill("bad")
	bad.Currency = "NOT-A-CURRENCY"
	first := pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-x", Type: book.OpUpsert, Bill: &bad})
	if first.Status != book.StatusError {
		t.Fatalf("first: %+v", first)
	}

	// Retrying the same op id with a fixed body still replays the stored error.
	fixed := testBill("fixed")
	second := pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-x", Type: book.OpUpsert, Bill: &fixed})
	if second.Status != book.StatusError {
		t.Fatalf("second: %+v, stored outcomes are immutable", second)
	}
}

func TestPullPaginates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b := testBill("bill " + strconv.Itoa(i))
		pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-" + strconv.Itoa(i), Type: book.OpUpsert, Bill: &b})
	}

	page1, err := svc.Pull(ctx, 1, "personal", 0, 3)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(page1.Changes) != 3 || !page1.HasMore {
		t.Fatalf("page1: %d changes, hasMore=%v", len(page1.Changes), page1.HasMore)
	}

	page2, err := svc.Pull(ctx, 1, "personal", page1.NextChangeID, 3)
	if err != nil {
		t.Fatalf("Pull page2: %v", err)
	}
	if len(page2.Changes) != 2 {
		t.Fatalf("page2: %d changes, want 2", len(page2.Changes))
	}
	if page2.Changes[0].ChangeID <= page1.NextChangeID {
		t.Fatal("cursor overlap between pages")
	}
	// ids strictly increase within a page
	for i := 1; i < len(page1.Changes); i++ {
		if page1.Changes[i].ChangeID <= page1.Changes[i-1].ChangeID {
			t.Fatal("change ids must strictly increase")
		}
	}
}

func TestPullSeedsPreexistingBills(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	// Bills that predate the change log, as after a server-side import.
	store.SeedBill(book.Bill{ID: 11, UserID: 1, BookID: "personal", Currency: "USD", Direction: book.DirectionExpense, BilledAt: time.Now(), Version: 4})
	store.SeedBill(book.Bill{ID: 12, UserID: 1, BookID: "personal", Currency: "USD", Direction: book.DirectionIncome, BilledAt: time.Now(), Version: 1})
	store.SeedBill(book.Bill{ID: 13, UserID: 2, BookID: "personal", Currency: "USD", Direction: book.DirectionIncome, BilledAt: time.Now(), Version: 1})

	res, err := svc.Pull(ctx, 1, "personal", 0, 50)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(res.Changes) != 2 {
		t.Fatalf("got %d seeded changes, want 2 (other users' bills excluded)", len(res.Changes))
	}
	for _, ch := range res.Changes {
		if ch.Bill.UserID != 1 {
			t.Fatalf("leaked bill %d owned by user %d", ch.Bill.ID, ch.Bill.UserID)
		}
	}

	// Second pull from origin must not seed again.
	again, err := svc.Pull(ctx, 1, "personal", 0, 50)
	if err != nil {
		t.Fatalf("Pull again: %v", err)
	}
	if len(again.Changes) != 2 {
		t.Fatalf("reseeded: got %d changes, want 2", len(again.Changes))
	}
}

func TestPullPurgedBillYieldsTombstone(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	b := testBill("ephemeral")
	created := pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-1", Type: book.OpUpsert, Bill: &b})
	pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-2", Type: book.OpDelete, ServerID: created.BillID, ExpectedVersion: ptr(1)})

	// Retention removed the soft-deleted row entirely.
	store.RemoveBillRow(created.BillID)

	res, err := svc.Pull(ctx, 1, "personal", 1, 50) // skip the create entry
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(res.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(res.Changes))
	}
	ch := res.Changes[0]
	if !ch.Bill.Deleted || ch.Bill.ID != created.BillID {
		t.Fatalf("expected a tombstone stub, got %+v", ch.Bill)
	}
}

func TestSummary(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	sum, err := svc.Summary(ctx, 1, "personal")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Initialized || sum.BillCount != 0 || sum.MaxChangeID != 0 {
		t.Fatalf("empty scope summary: %+v", sum)
	}

	b := testBill("lunch")
	pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-1", Type: book.OpUpsert, Bill: &b})
	if _, err := svc.Pull(ctx, 1, "personal", 0, 10); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	sum, err = svc.Summary(ctx, 1, "personal")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !sum.Initialized || sum.BillCount != 1 || sum.MaxChangeID == 0 {
		t.Fatalf("summary after activity: %+v", sum)
	}
}

func TestActivityNewestFirst(t *testing.T) {
	svc, _ := newService(t)
	for i := 0; i < 3; i++ {
		b := testBill("bill " + strconv.Itoa(i))
		pushOne(t, svc, 1, "personal", book.Operation{OpID: "op-" + strconv.Itoa(i), Type: book.OpUpsert, Bill: &b})
	}
	items, err := svc.Activity(context.Background(), 1, "personal", 0, 10)
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].ChangeID >= items[i-1].ChangeID {
			t.Fatal("activity must be newest first")
		}
	}
}

func TestSharedBookScope(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	owner, _ := store.CreateUser(ctx, book.User{Username: "alice"})
	member, _ := store.CreateUser(ctx, book.User{Username: "bob"})
	outsider, _ := store.CreateUser(ctx, book.User{Username: "carol"})

	shared, err := store.CreateBook(ctx, book.Book{Name: "household", OwnerID: owner.ID})
	if err != nil {
		t.Fatalf("CreateBook: %v", err)
	}
	if err := store.SaveMember(ctx, book.Member{BookID: shared.ID, UserID: member.ID, Role: "member", Active: true}); err != nil {
		t.Fatalf("SaveMember: %v", err)
	}
	bookID := strconv.FormatInt(shared.ID, 10)

	b := testBill("groceries")
	res := pushOne(t, svc, owner.ID, bookID, book.Operation{OpID: "op-1", Type: book.OpUpsert, Bill: &b})
	if res.Status != book.StatusApplied {
		t.Fatalf("owner push: %+v", res)
	}

	// An active member sees the owner's change on the shared stream.
	pulled, err := svc.Pull(ctx, member.ID, bookID, 0, 10)
	if err != nil {
		t.Fatalf("member pull: %v", err)
	}
	if len(pulled.Changes) != 1 || pulled.Changes[0].Bill.Remark != "groceries" {
		t.Fatalf("member pull: %+v", pulled.Changes)
	}

	// A non-member is rejected outright.
	if _, err := svc.Pull(ctx, outsider.ID, bookID, 0, 10); err == nil {
		t.Fatal("outsider pull must be forbidden")
	}
}

func TestPersonalScopesAreIsolated(t *testing.T) {
	svc, _ := newService(t)
	b := testBill("secret")
	pushOne(t, svc, 1, "diary", book.Operation{OpID: "op-1", Type: book.OpUpsert, Bill: &b})

	// Same book id string, different caller: a distinct personal scope.
	other, err := svc.Pull(context.Background(), 2, "diary", 0, 10)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(other.Changes) != 0 {
		t.Fatalf("user 2 sees %d of user 1's changes", len(other.Changes))
	}
}

func TestAllocateIDsBlocksDoNotOverlap(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a, err := svc.AllocateIDs(ctx, 1, 100)
	if err != nil {
		t.Fatalf("AllocateIDs: %v", err)
	}
	b, err := svc.AllocateIDs(ctx, 2, 100)
	if err != nil {
		t.Fatalf("AllocateIDs: %v", err)
	}
	if b.Start < a.Start+int64(a.Count) {
		t.Fatalf("blocks overlap: %+v then %+v", a, b)
	}
}
