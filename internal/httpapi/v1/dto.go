package v1

import (
	"time"

	"github.com/marchholt/billsync/internal/book"
	syncsvc "github.com/marchholt/billsync/internal/service/sync"
)

// billDTO is the wire shape of a bill on both push and pull.
type billDTO struct {
	ID          int64     `json:"id,omitempty"`
	UserID      int64     `json:"userId,omitempty"`
	BookID      string    `json:"bookId,omitempty"`
	Account     string    `json:"account"`
	Category    string    `json:"category"`
	AmountMinor int64     `json:"amountMinor"`
	Currency    string    `json:"currency"`
	Direction   string    `json:"direction"`
	Remark      string    `json:"remark,omitempty"`
	BilledAt    time.Time `json:"billedAt"`
	// Included defaults to true when omitted.
	Included *bool `json:"included,omitempty"`
	PairID   int64 `json:"pairId,omitempty"`
	IsDelete bool  `json:"isDelete,omitempty"`
	Version  int64 `json:"version,omitempty"`
}

func (d billDTO) toDomain() book.Bill {
	included := true
	if d.Included != nil {
		included = *d.Included
	}
	return book.Bill{
		ID:          d.ID,
		Account:     d.Account,
		Category:    d.Category,
		AmountMinor: d.AmountMinor,
		Currency:    d.Currency,
		Direction:   book.Direction(d.Direction),
		Remark:      d.Remark,
		BilledAt:    d.BilledAt,
		Included:    included,
		PairID:      d.PairID,
	}
}

func fromBill(b book.Bill) *billDTO {
	inc := b.Included
	return &billDTO{
		ID:          b.ID,
		UserID:      b.UserID,
		BookID:      b.BookID,
		Account:     b.Account,
		Category:    b.Category,
		AmountMinor: b.AmountMinor,
		Currency:    b.Currency,
		Direction:   string(b.Direction),
		Remark:      b.Remark,
		BilledAt:    b.BilledAt,
		Included:    &inc,
		PairID:      b.PairID,
		IsDelete:    b.Deleted,
		Version:     b.Version,
	}
}

// Push

type pushOpRequest struct {
	OpID            string   `json:"opId"`
	Type            string   `json:"type"`
	ExpectedVersion *int64   `json:"expectedVersion,omitempty"`
	Bill            *billDTO `json:"bill,omitempty"`
	ServerID        int64    `json:"serverId,omitempty"`
}

type pushRequest struct {
	BookID string          `json:"bookId"`
	Ops    []pushOpRequest `json:"ops"`
}

type pushOpResult struct {
	OpID       string   `json:"opId"`
	Status     string   `json:"status"`
	ServerID   int64    `json:"serverId,omitempty"`
	Version    int64    `json:"version,omitempty"`
	ServerBill *billDTO `json:"serverBill,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type pushResponse struct {
	Success bool           `json:"success"`
	Results []pushOpResult `json:"results"`
}

// Pull / activity

type changeItem struct {
	ChangeID int64    `json:"changeId"`
	Op       string   `json:"op"`
	Version  int64    `json:"version"`
	Bill     *billDTO `json:"bill"`
}

type pullResponse struct {
	Success      bool         `json:"success"`
	Changes      []changeItem `json:"changes"`
	NextChangeID int64        `json:"nextChangeId"`
	HasMore      bool         `json:"hasMore"`
}

type summaryResponse struct {
	Success     bool  `json:"success"`
	MaxChangeID int64 `json:"maxChangeId"`
	BillCount   int64 `json:"billCount"`
	Initialized bool  `json:"initialized"`
}

type activityResponse struct {
	Success    bool         `json:"success"`
	Activities []changeItem `json:"activities"`
}

type allocateRequest struct {
	Count int `json:"count"`
}

type allocateResponse struct {
	Success bool  `json:"success"`
	Start   int64 `json:"start"`
	Count   int   `json:"count"`
}

func toChangeItems(changes []syncsvc.Change) []changeItem {
	out := make([]changeItem, 0, len(changes))
	for _, c := range changes {
		out = append(out, changeItem{
			ChangeID: c.ChangeID,
			Op:       string(c.Op),
			Version:  c.Version,
			Bill:     fromBill(c.Bill),
		})
	}
	return out
}

// Auth

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerResponse struct {
	Success  bool   `json:"success"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type loginResponse struct {
	Success     bool      `json:"success"`
	UserID      int64     `json:"userId"`
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Books

type postBookRequest struct {
	Name string `json:"name"`
}

type bookResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   int64     `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

type listBooksResponse struct {
	Success bool           `json:"success"`
	Books   []bookResponse `json:"books"`
}

type postMemberRequest struct {
	UserID int64 `json:"userId"`
}
