package book

import (
	"strings"
	"time"

	"github.com/govalues/money"

	"github.com/marchholt/billsync/internal/errs"
)

// Direction classifies the money flow of a bill.
type Direction string

const (
	// DirectionExpense records money leaving the user's accounts.
	DirectionExpense Direction = "expense"
	// DirectionIncome records money entering the user's accounts.
	DirectionIncome Direction = "income"
	// DirectionTransfer records a movement between two of the user's accounts,
	// linked to its counterpart through PairID.
	DirectionTransfer Direction = "transfer"
)

// User captures an authenticated owner of books and bills.
type User struct {
	ID        int64
	Username  string
	PwdHash   []byte
	Salt      []byte
	CreatedAt time.Time
}

// Book is a shared bookkeeping book with a registered member list.
// Personal (single-device or single-user) books never get a Book row; they
// exist only as an opaque book id string on the bills that reference them.
type Book struct {
	ID        int64
	Name      string
	OwnerID   int64
	CreatedAt time.Time
}

// Member links a user to a shared book. Only active members may sync.
type Member struct {
	BookID   int64
	UserID   int64
	Role     string
	Active   bool
	JoinedAt time.Time
}

// Bill is the synchronized ledger record. Version starts at 1 on creation and
// increases by exactly 1 on every accepted mutation.
type Bill struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"userId"`
	BookID      string    `json:"bookId"`
	Account     string    `json:"account"`
	Category    string    `json:"category"`
	AmountMinor int64     `json:"amountMinor"`
	Currency    string    `json:"currency"`
	Direction   Direction `json:"direction"`
	Remark      string    `json:"remark"`
	BilledAt    time.Time `json:"billedAt"`
	// Included marks whether the bill counts toward totals and budgets.
	Included bool `json:"included"`
	// PairID links the two legs of a transfer; 0 when unpaired.
	PairID  int64 `json:"pairId"`
	Deleted bool  `json:"isDelete"`
	Version int64 `json:"version"`
}

// Amount returns the bill amount as a money.Amount in the bill currency.
func (b Bill) Amount() (money.Amount, error) {
	return money.NewAmountFromMinorUnits(b.Currency, b.AmountMinor)
}

// Validate checks the fields a client may submit on an upsert.
func (b Bill) Validate() error {
	switch b.Direction {
	case DirectionExpense, DirectionIncome, DirectionTransfer:
	default:
		return errs.ErrInvalid
	}
	if strings.TrimSpace(b.Currency) == "" {
		return errs.ErrInvalid
	}
	// Reject unknown currencies and amounts the currency cannot represent.
	if _, err := money.NewAmountFromMinorUnits(b.Currency, b.AmountMinor); err != nil {
		return errs.ErrInvalid
	}
	if b.BilledAt.IsZero() {
		return errs.ErrInvalid
	}
	return nil
}

// ScopeKind distinguishes personal book scopes from shared ones.
type ScopeKind int

const (
	// ScopePersonal is a book private to a single caller.
	ScopePersonal ScopeKind = iota
	// ScopeShared is a registered multi-member book.
	ScopeShared
)

// SharedScopeKey is the sentinel scope key under which all members of a
// shared book observe one unified change stream.
const SharedScopeKey int64 = 0

// Scope is the unit of synchronization: a book id plus a scope key within
// which change ids and record versions are consistent. It is resolved once by
// access control and passed down; the sync core never invents one.
type Scope struct {
	BookID string
	Kind   ScopeKind
	// OwnerID is the calling user for personal scopes; for shared scopes it
	// still carries the caller id for attribution but does not partition data.
	OwnerID int64
}

// Key returns the scope key: the owning user id for personal scopes, the
// shared sentinel for shared books.
func (s Scope) Key() int64 {
	if s.Kind == ScopeShared {
		return SharedScopeKey
	}
	return s.OwnerID
}

// OpType tags a push operation.
type OpType string

const (
	OpUpsert OpType = "upsert"
	OpDelete OpType = "delete"
)

// Operation is a single client-submitted sync operation, parsed and validated
// once at the HTTP boundary.
type Operation struct {
	OpID string
	Type OpType
	// ExpectedVersion is the version the client last observed. Required for
	// updates and deletes; nil means the client never saw the record.
	ExpectedVersion *int64
	// Bill carries the record body for upserts.
	Bill *Bill
	// ServerID addresses an existing record for updates and deletes.
	ServerID int64
}

// ChangeOp tags a change-log entry.
type ChangeOp string

const (
	ChangeUpsert ChangeOp = "upsert"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEntry is one element of the append-only replication stream. IDs are
// assigned by the store and strictly increase; they serve as the pull cursor.
type ChangeEntry struct {
	ID        int64
	BookID    string
	ScopeKey  int64
	BillID    int64
	Op        ChangeOp
	Version   int64
	CreatedAt time.Time
}

// OpStatus is the terminal outcome of a push operation.
type OpStatus string

const (
	StatusApplied  OpStatus = "applied"
	StatusConflict OpStatus = "conflict"
	StatusError    OpStatus = "error"
)

// OpResult records the outcome of a push operation. Once stored for an
// (user, book, opId) key it is immutable; retried submissions are answered
// from it without re-executing side effects.
type OpResult struct {
	OpID    string
	Status  OpStatus
	BillID  int64
	Version int64
	// Bill carries the authoritative current body on conflict so the caller
	// can rebase without another round trip.
	Bill *Bill
	Err  string
}
