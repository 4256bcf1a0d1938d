package escrow

import (
	"strconv"

	"escrowledger/core/types"
	"escrowledger/crypto"
)

const (
	EventTypeEscrowCreated           = "escrow.created"
	EventTypeEscrowReleased          = "escrow.released"
	EventTypeEscrowPartiallyReleased = "escrow.partially_released"
	EventTypeEscrowRefunded          = "escrow.refunded"
	EventTypeEscrowDisputed          = "escrow.disputed"
	EventTypeEscrowResolved          = "escrow.resolved"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCreated, e)
	if e != nil && e.Description != "" {
		evt.Attributes["description"] = e.Description
	}
	return evt
}

// NewReleasedEvent returns the payload emitted once the beneficiary has been
// paid in full.
func NewReleasedEvent(e *Escrow, s *Settlement) *types.Event {
	return withSettlement(newEscrowEvent(EventTypeEscrowReleased, e), s)
}

// NewPartiallyReleasedEvent returns the payload for a partial payment.
func NewPartiallyReleasedEvent(e *Escrow, s *Settlement) *types.Event {
	return withSettlement(newEscrowEvent(EventTypeEscrowPartiallyReleased, e), s)
}

// NewRefundedEvent returns the payload for a refund to the depositor.
func NewRefundedEvent(e *Escrow, s *Settlement) *types.Event {
	return withSettlement(newEscrowEvent(EventTypeEscrowRefunded, e), s)
}

// NewDisputedEvent returns the payload emitted when a party raises a dispute.
func NewDisputedEvent(e *Escrow, raisedBy [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDisputed, e)
	evt.Attributes["raisedBy"] = crypto.FromRaw(raisedBy).String()
	if e != nil && e.DisputeReason != "" {
		evt.Attributes["reason"] = e.DisputeReason
	}
	return evt
}

// NewResolvedEvent returns the payload emitted when the arbiter rules.
func NewResolvedEvent(e *Escrow, s *Settlement) *types.Event {
	evt := withSettlement(newEscrowEvent(EventTypeEscrowResolved, e), s)
	if e != nil && e.Ruling != "" {
		evt.Attributes["ruling"] = e.Ruling
	}
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(e.ID, 10)
	attrs["depositor"] = crypto.FromRaw(e.Depositor).String()
	attrs["beneficiary"] = crypto.FromRaw(e.Beneficiary).String()
	attrs["amount"] = strconv.FormatUint(e.Amount, 10)
	attrs["releasedAmount"] = strconv.FormatUint(e.ReleasedAmount, 10)
	attrs["status"] = e.Status.String()
	attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	attrs["timelockUntil"] = strconv.FormatInt(e.TimelockUntil, 10)
	if e.Arbiter != nil {
		attrs["arbiter"] = crypto.FromRaw(*e.Arbiter).String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func withSettlement(evt *types.Event, s *Settlement) *types.Event {
	if s == nil {
		return evt
	}
	evt.Attributes["recipient"] = crypto.FromRaw(s.Recipient).String()
	evt.Attributes["gross"] = strconv.FormatUint(s.Gross, 10)
	evt.Attributes["net"] = strconv.FormatUint(s.Net, 10)
	evt.Attributes["fee"] = strconv.FormatUint(s.Fee, 10)
	return evt
}
