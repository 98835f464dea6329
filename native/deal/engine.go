package deal

import (
	"fmt"
	"strings"

	"escrowmesh/core/events"
)

type engineState interface {
	DealGet(id string) (*Deal, bool, error)
	DealPut(*Deal) error
	DealIndex() ([]string, error)
	DealIndexAppend(id string) error
	LastDeal() (*Deal, bool, error)
	CurrentTime() (int64, bool, error)
}

// CreateParams carries the caller-supplied fields for a new deal.
type CreateParams struct {
	DealID  string
	Title   string
	Amount  string
	Asset   string
	Buyer   string
	Seller  string
	Arbiter string
	Terms   string
	Channel string
	TS      *int64
}

// FundParams marks a deal as funded, optionally recording a funding reference.
type FundParams struct {
	DealID  string
	FundRef string
	TS      *int64
}

// DeliverParams marks a deal as delivered, optionally carrying a proof blob.
type DeliverParams struct {
	DealID string
	Proof  string
	TS     *int64
}

// ReleaseParams settles a deal in favour of the seller.
type ReleaseParams struct {
	DealID string
	TxRef  string
	TS     *int64
}

// RefundParams settles a deal back to the buyer.
type RefundParams struct {
	DealID string
	Reason string
	TxRef  string
	TS     *int64
}

// DisputeParams opens a dispute on a funded or delivered deal.
type DisputeParams struct {
	DealID string
	Reason string
	TS     *int64
}

// ResolveParams settles a disputed deal per the arbiter's outcome, either
// "release" or "refund".
type ResolveParams struct {
	DealID     string
	Resolution string
	Note       string
	TxRef      string
	TS         *int64
}

// CancelParams cancels an open deal.
type CancelParams struct {
	DealID string
	Reason string
	TS     *int64
}

// Engine validates and applies the deal lifecycle operations against a
// pluggable state backend. It performs no I/O of its own beyond state
// get/put calls and fails before the first write on any rejection, so a
// failed operation never leaves a partial mutation behind.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() (int64, bool)
}

// NewEngine creates a deal engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the process-wide timer lookup. The function reports
// ok=false when no timer value is available, in which case the engine falls
// back to the transaction-supplied timestamp. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() (int64, bool)) { e.nowFn = now }

func (e *Engine) emit(event *events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

// resolveNow derives the effective timestamp for a transition: the
// process-wide timer value wins over the transaction timestamp, and a nil
// result means no time source was available at all.
func (e *Engine) resolveNow(ts *int64) *int64 {
	if e.nowFn != nil {
		if v, ok := e.nowFn(); ok {
			return &v
		}
	} else if e.state != nil {
		if v, ok, err := e.state.CurrentTime(); err == nil && ok {
			return &v
		}
	}
	if ts != nil {
		t := *ts
		return &t
	}
	return nil
}

func normalizeDealID(raw string) string { return strings.TrimSpace(raw) }

func optional(raw string) string { return strings.TrimSpace(raw) }

func (e *Engine) loadDeal(id string) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	d, ok, err := e.state.DealGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

func (e *Engine) storeDeal(d *Deal) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	return e.state.DealPut(d)
}

// requireIDAndCaller applies the validation every mutation shares: a
// non-blank deal id and a non-blank acting identity.
func requireIDAndCaller(rawID, rawCaller string) (string, string, error) {
	id := normalizeDealID(rawID)
	if id == "" {
		return "", "", ErrMissingDealID
	}
	caller := strings.TrimSpace(rawCaller)
	if caller == "" {
		return "", "", ErrMissingCaller
	}
	return id, caller, nil
}

// Create initialises and persists a new deal in status open and appends its
// id to the deal index. The buyer defaults to the caller when omitted.
func (e *Engine) Create(caller string, p CreateParams) (*Deal, error) {
	id, caller, err := requireIDAndCaller(p.DealID, caller)
	if err != nil {
		return nil, err
	}
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if _, ok, err := e.state.DealGet(id); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	buyer := optional(p.Buyer)
	if buyer == "" {
		buyer = caller
	}
	seller := optional(p.Seller)
	if seller == "" {
		return nil, ErrMissingSeller
	}
	now := e.resolveNow(p.TS)
	d := &Deal{
		DealID:    id,
		Title:     optional(p.Title),
		Amount:    optional(p.Amount),
		Asset:     optional(p.Asset),
		Buyer:     buyer,
		Seller:    seller,
		Arbiter:   optional(p.Arbiter),
		Terms:     optional(p.Terms),
		Channel:   optional(p.Channel),
		Status:    StatusOpen,
		CreatedBy: caller,
		CreatedAt: cloneTime(now),
		UpdatedAt: cloneTime(now),
	}
	if err := e.state.DealIndexAppend(id); err != nil {
		return nil, err
	}
	if err := e.storeDeal(d); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(d))
	return d.Clone(), nil
}

// Fund marks an open deal as funded. Only the buyer or the creator may fund.
func (e *Engine) Fund(caller string, p FundParams) (*Deal, error) {
	id, caller, err := requireIDAndCaller(p.DealID, caller)
	if err != nil {
		return nil, err
	}
	d, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	if !d.IsBuyer(caller) && !d.IsCreator(caller) {
		return nil, fmt.Errorf("%w: only buyer or creator can mark funded", ErrUnauthorized)
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: deal is not open: %s", ErrWrongStatus, d.Status)
	}
	if !CanTransition(d.Status, StatusFunded) {
		return nil, ErrInvalidTransition
	}
	now := e.resolveNow(p.TS)
	d.Status = StatusFunded
	d.FundRef = optional(p.FundRef)
	d.FundedAt = cloneTime(now)
	d.UpdatedAt = cloneTime(now)
	if err := e.storeDeal(d); err != nil {
		return nil, err
	}
	e.emit(NewFundedEvent(d))
	return d.Clone(), nil
}

// Deliver marks a funded deal as delivered. Only the seller may deliver.
func (e *Engine) Deliver(caller string, p DeliverParams) (*Deal, error) {
	id, caller, err := requireIDAndCaller(p.DealID, caller)
	if err != nil {
		return nil, err
	}
	d, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	if !d.IsSeller(caller) {
		return nil, fmt.Errorf("%w: only seller can mark delivered", ErrUnauthorized)
	}
	if d.Status != StatusFunded {
		return nil, fmt.Errorf("%w: deal is not funded: %s", ErrWrongStatus, d.Status)
	}
	if !CanTransition(d.Status, StatusDelivered) {
		return nil, ErrInvalidTransition
	}
	now := e.resolveNow(p.TS)
	d.Status = StatusDelivered
	d.DeliveryProof = optional(p.Proof)
	d.DeliveredAt = cloneTime(now)
	d.UpdatedAt = cloneTime(now)
	if err := e.storeDeal(d); err != nil {
		return nil, err
	}
	e.emit(NewDeliveredEvent(d))
	return d.Clone(), nil
}

// Release settles the deal in favour of the seller. The buyer releases a
// delivered deal; from a dispute either the buyer or the arbiter may release.
// Both paths produce the same record shape, only the resolution note differs,
// so they are collapsed into one handler.
func (e *Engine) Release(caller string, p ReleaseParams) (*Deal, error) {
	id, caller, err := requireIDAndCaller(p.DealID, caller)
	if err != nil {
		return nil, err
	}
	d, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	fromDispute := d.Status == StatusDisputed
	if d.Status != StatusDelivered && !fromDispute {
		return nil, fmt.Errorf("%w: deal cannot be released from: %s", ErrWrongStatus, d.Status)
	}
	canRelease := (d.Status == StatusDelivered && d.IsBuyer(caller)) ||
		(fromDispute && (d.IsArbiter(caller) || d.IsBuyer(caller)))
	if !canRelease {
		return nil, fmt.Errorf("%w: only buyer (or arbiter in dispute) can release", ErrUnauthorized)
	}
	if !CanTransition(d.Status, StatusReleased) {
		return nil, ErrInvalidTransition
	}
	now := e.resolveNow(p.TS)
	note := "buyer released"
	if fromDispute {
		note = "resolved from dispute"
	}
	d.Status = StatusReleased
	d.Resolution = &Resolution{
		Action: string(StatusReleased),
		By:     caller,
		TxRef:  optional(p.TxRef),
		Note:   note,
		At:     cloneTime(now),
	}
	d.ResolvedAt = cloneTime(now)
	d.UpdatedAt = cloneTime(now)
	if err := e.storeDeal(d); err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(d))
	return d.Clone(), nil
}

// Refund settles the deal back to the buyer. The seller refunds a funded
// deal; from a dispute only the arbiter may refund.
func (e *Engine) Refund(caller string, p RefundParams) (*Deal, error) {
	id, caller, err := requireIDAndCaller(p.DealID, caller)
	if err != nil {
		return nil, err
	}
	d, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	fromDispute := d.Status == StatusDisputed
	if d.Status != StatusFunded && !fromDispute {
		return nil, fmt.Errorf("%w: deal cannot be refunded from: %s", ErrWrongStatus, d.Status)
	}
	canRefund := (d.Status == StatusFunded && d.IsSeller(caller)) ||
		(fromDispute && d.IsArbiter(caller))
	if !canRefund {
		return nil, fmt.Errorf("%w: only seller (or arbiter in dispute) can refund", ErrUnauthorized)
	}
	if !CanTransition(d.Status, StatusRefunded) {
		return nil, ErrInvalidTransition
	}
	now := e.resolveNow(p.TS)
	d.Status = StatusRefunded
	d.Resolution = &Resolution{
		Action: string(StatusRefunded),
		By:     caller,
		TxRef:  optional(p.TxRef),
		Note:   optional(p.Reason),
		At:     cloneTime(now),
	}
	d.ResolvedAt = cloneTime(now)
	d.UpdatedAt = cloneTime(now)
	if err := e.storeDeal(d); err != nil {
		return nil, err
	}
	e.emit(NewRefundedEvent(d))
	return d.Clone(), nil
}

// Dispute flags a funded or delivered deal as disputed. Only the buyer or
// seller may open a dispute, and a reason is required. The dispute record is
// overwritten if a deal is disputed again after a partial history, and it is
// never cleared on resolution.
func (e *Engine) Dispute(caller string, p DisputeParams) (*Deal, error) {
	id, caller, err := requireIDAndCaller(p.DealID, caller)
	if err != nil {
		return nil, err
	}
	d, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	if !d.IsBuyer(caller) && !d.IsSeller(caller) {
		return nil, fmt.Errorf("%w: only buyer or seller can open dispute", ErrUnauthorized)
	}
	if d.Status != StatusFunded && d.Status != StatusDelivered {
		return nil, fmt.Errorf("%w: deal cannot be disputed from: %s", ErrWrongStatus, d.Status)
	}
	reason := optional(p.Reason)
	if reason == "" {
		return nil, ErrMissingReason
	}
	if !CanTransition(d.Status, StatusDisputed) {
		return nil, ErrInvalidTransition
	}
	now := e.resolveNow(p.TS)
	d.Status = StatusDisputed
	d.Dispute = &Dispute{
		OpenedBy: caller,
		Reason:   reason,
		At:       cloneTime(now),
	}
	d.UpdatedAt = cloneTime(now)
	if err := e.storeDeal(d); err != nil {
		return nil, err
	}
	e.emit(NewDisputedEvent(d))
	return d.Clone(), nil
}

// Resolve settles a disputed deal according to the arbiter-determined
// outcome. Valid outcomes are "release" and "refund" (case-insensitive).
func (e *Engine) Resolve(caller string, p ResolveParams) (*Deal, error) {
	id, caller, err := requireIDAndCaller(p.DealID, caller)
	if err != nil {
		return nil, err
	}
	d, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: deal is not disputed: %s", ErrWrongStatus, d.Status)
	}
	if !d.IsArbiter(caller) {
		return nil, fmt.Errorf("%w: only arbiter can resolve dispute", ErrUnauthorized)
	}
	var target Status
	switch strings.ToLower(strings.TrimSpace(p.Resolution)) {
	case "release":
		target = StatusReleased
	case "refund":
		target = StatusRefunded
	default:
		return nil, ErrInvalidResolution
	}
	if !CanTransition(d.Status, target) {
		return nil, ErrInvalidTransition
	}
	now := e.resolveNow(p.TS)
	d.Status = target
	d.Resolution = &Resolution{
		Action: string(target),
		By:     caller,
		Note:   optional(p.Note),
		TxRef:  optional(p.TxRef),
		At:     cloneTime(now),
	}
	d.ResolvedAt = cloneTime(now)
	d.UpdatedAt = cloneTime(now)
	if err := e.storeDeal(d); err != nil {
		return nil, err
	}
	e.emit(NewResolvedEvent(d))
	return d.Clone(), nil
}

// Cancel voids an open deal. Only the creator or the buyer may cancel.
func (e *Engine) Cancel(caller string, p CancelParams) (*Deal, error) {
	id, caller, err := requireIDAndCaller(p.DealID, caller)
	if err != nil {
		return nil, err
	}
	d, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	if !d.IsCreator(caller) && !d.IsBuyer(caller) {
		return nil, fmt.Errorf("%w: only creator or buyer can cancel", ErrUnauthorized)
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: deal can only be cancelled from open: %s", ErrWrongStatus, d.Status)
	}
	if !CanTransition(d.Status, StatusCancelled) {
		return nil, ErrInvalidTransition
	}
	now := e.resolveNow(p.TS)
	d.Status = StatusCancelled
	d.CancelledAt = cloneTime(now)
	d.UpdatedAt = cloneTime(now)
	d.Resolution = &Resolution{
		Action: string(StatusCancelled),
		By:     caller,
		Note:   optional(p.Reason),
		At:     cloneTime(now),
	}
	if err := e.storeDeal(d); err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(d))
	return d.Clone(), nil
}
