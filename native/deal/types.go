package deal

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle states supported by the deal engine.
type Status string

const (
	StatusOpen      Status = "open"
	StatusFunded    Status = "funded"
	StatusDelivered Status = "delivered"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether the status value is within the supported set.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusFunded, StatusDelivered, StatusReleased, StatusRefunded, StatusDisputed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus normalises a caller-supplied status string to its canonical
// lowercase form, reporting whether it names a known status.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Dispute records who opened a dispute and why. Once set it is never cleared,
// even after the dispute is resolved, so the audit trail survives resolution.
type Dispute struct {
	OpenedBy string `json:"openedBy"`
	Reason   string `json:"reason"`
	At       *int64 `json:"at"`
}

// Resolution captures how, by whom and why a deal reached a terminal state.
type Resolution struct {
	Action string `json:"action"`
	By     string `json:"by"`
	Note   string `json:"note,omitempty"`
	TxRef  string `json:"txRef,omitempty"`
	At     *int64 `json:"at"`
}

// Deal captures the trade terms, party identities and runtime status of a
// single escrow deal. The identifier is caller-supplied and immutable.
// Timestamp fields are nil until their transition occurs and are written at
// most once.
type Deal struct {
	DealID        string      `json:"dealId"`
	Title         string      `json:"title"`
	Amount        string      `json:"amount"`
	Asset         string      `json:"asset"`
	Buyer         string      `json:"buyer"`
	Seller        string      `json:"seller"`
	Arbiter       string      `json:"arbiter,omitempty"`
	Terms         string      `json:"terms,omitempty"`
	Channel       string      `json:"channel,omitempty"`
	Status        Status      `json:"status"`
	CreatedBy     string      `json:"createdBy"`
	CreatedAt     *int64      `json:"createdAt"`
	UpdatedAt     *int64      `json:"updatedAt"`
	FundedAt      *int64      `json:"fundedAt"`
	DeliveredAt   *int64      `json:"deliveredAt"`
	ResolvedAt    *int64      `json:"resolvedAt"`
	CancelledAt   *int64      `json:"cancelledAt"`
	FundRef       string      `json:"fundRef,omitempty"`
	DeliveryProof string      `json:"deliveryProof,omitempty"`
	Dispute       *Dispute    `json:"dispute,omitempty"`
	Resolution    *Resolution `json:"resolution,omitempty"`
}

func cloneTime(v *int64) *int64 {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

// Clone returns a deep copy of the deal so callers can safely mutate the copy
// without affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	clone.CreatedAt = cloneTime(d.CreatedAt)
	clone.UpdatedAt = cloneTime(d.UpdatedAt)
	clone.FundedAt = cloneTime(d.FundedAt)
	clone.DeliveredAt = cloneTime(d.DeliveredAt)
	clone.ResolvedAt = cloneTime(d.ResolvedAt)
	clone.CancelledAt = cloneTime(d.CancelledAt)
	if d.Dispute != nil {
		dispute := *d.Dispute
		dispute.At = cloneTime(d.Dispute.At)
		clone.Dispute = &dispute
	}
	if d.Resolution != nil {
		resolution := *d.Resolution
		resolution.At = cloneTime(d.Resolution.At)
		clone.Resolution = &resolution
	}
	return &clone
}

// SanitizeDeal validates and normalises the supplied deal, returning a cloned
// instance with trimmed strings and a canonical status. The function does not
// mutate the original value.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, fmt.Errorf("deal: nil deal")
	}
	clone := d.Clone()
	clone.DealID = strings.TrimSpace(clone.DealID)
	if clone.DealID == "" {
		return nil, fmt.Errorf("deal: empty deal id")
	}
	clone.Title = strings.TrimSpace(clone.Title)
	clone.Amount = strings.TrimSpace(clone.Amount)
	clone.Asset = strings.TrimSpace(clone.Asset)
	clone.Buyer = strings.TrimSpace(clone.Buyer)
	clone.Seller = strings.TrimSpace(clone.Seller)
	clone.Arbiter = strings.TrimSpace(clone.Arbiter)
	clone.Terms = strings.TrimSpace(clone.Terms)
	clone.Channel = strings.TrimSpace(clone.Channel)
	clone.CreatedBy = strings.TrimSpace(clone.CreatedBy)
	clone.FundRef = strings.TrimSpace(clone.FundRef)
	clone.DeliveryProof = strings.TrimSpace(clone.DeliveryProof)
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("deal: invalid status %q", clone.Status)
	}
	if clone.Seller == "" {
		return nil, fmt.Errorf("deal: missing seller")
	}
	if clone.Buyer == "" {
		return nil, fmt.Errorf("deal: missing buyer")
	}
	if clone.Status.Terminal() != (clone.Resolution != nil) {
		return nil, fmt.Errorf("deal: resolution inconsistent with status %q", clone.Status)
	}
	return clone, nil
}
