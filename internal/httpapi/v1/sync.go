package v1

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/marchholt/billsync/internal/book"
)

// push applies a batch of client operations for one scope.
// POST /sync/push
func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req pushRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if req.BookID == "" {
		badRequest(w, "bookId is required")
		return
	}
	if len(req.Ops) == 0 {
		badRequest(w, "ops is required")
		return
	}

	ops := make([]book.Operation, 0, len(req.Ops))
	for _, op := range req.Ops {
		o := book.Operation{
			OpID:            op.OpID,
			Type:            book.OpType(op.Type),
			ExpectedVersion: op.ExpectedVersion,
			ServerID:        op.ServerID,
		}
		if op.Bill != nil {
			b := op.Bill.toDomain()
			o.Bill = &b
			// An upsert addressing an existing record may carry the id either
			// as serverId or inside the bill body; normalize to serverId.
			if o.ServerID == 0 && op.Bill.Version != 0 {
				o.ServerID = op.Bill.ID
			}
		}
		ops = append(ops, o)
	}

	results, err := s.syncSvc.Push(r.Context(), callerID(r), req.BookID, ops)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	out := make([]pushOpResult, 0, len(results))
	for _, res := range results {
		pushOpsTotal.WithLabelValues(string(res.Status)).Inc()
		item := pushOpResult{
			OpID:     res.OpID,
			Status:   string(res.Status),
			ServerID: res.BillID,
			Version:  res.Version,
			Error:    res.Err,
		}
		if res.Bill != nil {
			item.ServerBill = fromBill(*res.Bill)
		}
		out = append(out, item)
	}
	toJSON(w, http.StatusOK, pushResponse{Success: true, Results: out})
}

// pull streams change-log entries forward of a cursor.
// GET /sync/pull?bookId=&afterChangeId=&limit=
func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bookID := q.Get("bookId")
	if bookID == "" {
		badRequest(w, "bookId is required")
		return
	}
	after := parseInt64(q.Get("afterChangeId"))
	limit := int(parseInt64(q.Get("limit")))

	res, err := s.syncSvc.Pull(r.Context(), callerID(r), bookID, after, limit)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	pullChangesTotal.Add(float64(len(res.Changes)))
	toJSON(w, http.StatusOK, pullResponse{
		Success:      true,
		Changes:      toChangeItems(res.Changes),
		NextChangeID: res.NextChangeID,
		HasMore:      res.HasMore,
	})
}

// summary reports scope-level aggregates for diagnostics.
// GET /sync/summary?bookId=
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	bookID := r.URL.Query().Get("bookId")
	if bookID == "" {
		badRequest(w, "bookId is required")
		return
	}
	sum, err := s.syncSvc.Summary(r.Context(), callerID(r), bookID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, summaryResponse{
		Success:     true,
		MaxChangeID: sum.MaxChangeID,
		BillCount:   sum.BillCount,
		Initialized: sum.Initialized,
	})
}

// activity returns the most recent change entries below a cursor, newest first.
// GET /sync/activity?bookId=&beforeChangeId=&limit=
func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bookID := q.Get("bookId")
	if bookID == "" {
		badRequest(w, "bookId is required")
		return
	}
	before := parseInt64(q.Get("beforeChangeId"))
	limit := int(parseInt64(q.Get("limit")))

	changes, err := s.syncSvc.Activity(r.Context(), callerID(r), bookID, before, limit)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, activityResponse{Success: true, Activities: toChangeItems(changes)})
}

// allocateIDs reserves a block of bill ids for offline creation.
// POST /sync/ids/allocate
func (s *Server) allocateIDs(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	block, err := s.syncSvc.AllocateIDs(r.Context(), callerID(r), req.Count)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	toJSON(w, http.StatusOK, allocateResponse{Success: true, Start: block.Start, Count: block.Count})
}

// parseInt64 parses a decimal query value, returning 0 on absence or garbage.
func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
