package deal

import (
	"fmt"
	"strings"
)

const (
	// DefaultListLimit applies when a listing caller omits the limit.
	DefaultListLimit = 20
	// MaxListLimit caps how many deals a single listing may return.
	MaxListLimit = 200
)

// Snapshot is a read-only diagnostic view over the deal store.
type Snapshot struct {
	DealCount   int    `json:"dealCount"`
	LastDeal    *Deal  `json:"dealLast"`
	CurrentTime *int64 `json:"currentTime"`
}

// ClampLimit normalises a requested listing limit into [1, MaxListLimit],
// substituting the default when the request is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// GetDeal returns the stored record for the id. Reads are not role-gated.
func (e *Engine) GetDeal(rawID string) (*Deal, error) {
	id := normalizeDealID(rawID)
	if id == "" {
		return nil, ErrMissingDealID
	}
	d, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// ListDeals walks the deal index from the most recently created entry
// backwards, collecting up to limit deals. Order is strictly reverse creation
// order, not reverse update order.
func (e *Engine) ListDeals(limit int) ([]*Deal, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	index, err := e.state.DealIndex()
	if err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)
	items := make([]*Deal, 0, limit)
	for i := len(index) - 1; i >= 0 && len(items) < limit; i-- {
		d, ok, err := e.state.DealGet(index[i])
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, d.Clone())
		}
	}
	return items, nil
}

// ListDealsByStatus performs the same reverse-index walk as ListDeals while
// filtering on case-insensitive status equality. The walk may scan the whole
// index without collecting limit matches.
func (e *Engine) ListDealsByStatus(rawStatus string, limit int) ([]*Deal, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	status := strings.ToLower(strings.TrimSpace(rawStatus))
	if status == "" {
		return nil, ErrMissingStatus
	}
	index, err := e.state.DealIndex()
	if err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)
	items := make([]*Deal, 0, limit)
	for i := len(index) - 1; i >= 0 && len(items) < limit; i-- {
		d, ok, err := e.state.DealGet(index[i])
		if err != nil {
			return nil, err
		}
		if ok && strings.ToLower(string(d.Status)) == status {
			items = append(items, d.Clone())
		}
	}
	return items, nil
}

// Snapshot reports the deal count, the most recently written deal and the
// process-wide timer value.
func (e *Engine) Snapshot() (*Snapshot, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	index, err := e.state.DealIndex()
	if err != nil {
		return nil, err
	}
	last, ok, err := e.state.LastDeal()
	if err != nil {
		return nil, err
	}
	if !ok {
		last = nil
	}
	snap := &Snapshot{DealCount: len(index), LastDeal: last.Clone()}
	if v, ok, err := e.state.CurrentTime(); err != nil {
		return nil, fmt.Errorf("deal engine: read timer: %w", err)
	} else if ok {
		snap.CurrentTime = &v
	}
	return snap, nil
}

// Timer returns the raw process-wide timer value, nil when unset.
func (e *Engine) Timer() (*int64, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	v, ok, err := e.state.CurrentTime()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &v, nil
}
