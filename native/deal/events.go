package deal

import (
	"strconv"

	"escrowmesh/core/events"
)

const (
	EventTypeDealCreated   = "deal.created"
	EventTypeDealFunded    = "deal.funded"
	EventTypeDealDelivered = "deal.delivered"
	EventTypeDealReleased  = "deal.released"
	EventTypeDealRefunded  = "deal.refunded"
	EventTypeDealDisputed  = "deal.disputed"
	EventTypeDealResolved  = "deal.resolved"
	EventTypeDealCancelled = "deal.cancelled"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// deal.
func NewCreatedEvent(d *Deal) *events.Event { return newDealEvent(EventTypeDealCreated, d) }

// NewFundedEvent returns the canonical event payload emitted when a deal is
// marked funded.
func NewFundedEvent(d *Deal) *events.Event { return newDealEvent(EventTypeDealFunded, d) }

// NewDeliveredEvent returns the canonical event payload emitted when the
// seller marks delivery.
func NewDeliveredEvent(d *Deal) *events.Event { return newDealEvent(EventTypeDealDelivered, d) }

// NewReleasedEvent returns the canonical event payload for a release in
// favour of the seller.
func NewReleasedEvent(d *Deal) *events.Event { return newDealEvent(EventTypeDealReleased, d) }

// NewRefundedEvent returns the canonical event payload for a refund back to
// the buyer.
func NewRefundedEvent(d *Deal) *events.Event { return newDealEvent(EventTypeDealRefunded, d) }

// NewDisputedEvent returns the canonical event payload emitted when a dispute
// is opened.
func NewDisputedEvent(d *Deal) *events.Event { return newDealEvent(EventTypeDealDisputed, d) }

// NewResolvedEvent returns the canonical event payload emitted when the
// arbiter resolves a dispute.
func NewResolvedEvent(d *Deal) *events.Event { return newDealEvent(EventTypeDealResolved, d) }

// NewCancelledEvent returns the canonical event payload emitted when an open
// deal is cancelled.
func NewCancelledEvent(d *Deal) *events.Event { return newDealEvent(EventTypeDealCancelled, d) }

func newDealEvent(eventType string, d *Deal) *events.Event {
	attrs := make(map[string]string)
	if d == nil {
		return &events.Event{Type: eventType, Attributes: attrs}
	}
	attrs["dealId"] = d.DealID
	attrs["status"] = string(d.Status)
	attrs["buyer"] = d.Buyer
	attrs["seller"] = d.Seller
	attrs["createdBy"] = d.CreatedBy
	if d.Arbiter != "" {
		attrs["arbiter"] = d.Arbiter
	}
	if d.UpdatedAt != nil {
		attrs["updatedAt"] = strconv.FormatInt(*d.UpdatedAt, 10)
	}
	if d.Resolution != nil {
		attrs["resolutionAction"] = d.Resolution.Action
		attrs["resolutionBy"] = d.Resolution.By
	}
	if d.Dispute != nil {
		attrs["disputeOpenedBy"] = d.Dispute.OpenedBy
	}
	return &events.Event{Type: eventType, Attributes: attrs}
}
