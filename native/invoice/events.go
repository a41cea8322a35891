package invoice

import (
	"fmt"
	"math/big"
	"strconv"

	"escrownet/core/types"
	"escrownet/crypto"
)

const (
	EventTypeInvoiceCreated   = "invoice.created"
	EventTypeInvoiceAccepted  = "invoice.accepted"
	EventTypeInvoiceCanceled  = "invoice.canceled"
	EventTypeInvoiceWithdrawn = "invoice.withdrawn"
	EventTypeAdminInitialized = "invoice.admin_initialized"
	EventTypeAdminRotated     = "invoice.admin_rotated"
)

// Settlement is an outbound value-transfer directive produced by a command.
// Every settlement is applied against the state's balance slots and carried in
// the transition event so downstream consumers can observe fund movements.
type Settlement struct {
	To     [20]byte
	Token  string
	Amount *big.Int
}

// NewCreatedEvent returns the canonical event payload for a newly submitted
// invoice.
func NewCreatedEvent(inv *Invoice) *types.Event {
	return newInvoiceEvent(EventTypeInvoiceCreated, inv, nil)
}

// NewAcceptedEvent returns the canonical event payload emitted when the payer
// funds an invoice. The settlement list carries the admin cut.
func NewAcceptedEvent(inv *Invoice, settlements []Settlement) *types.Event {
	return newInvoiceEvent(EventTypeInvoiceAccepted, inv, settlements)
}

// NewCanceledEvent returns the canonical event payload for an early
// cancellation. The settlement list carries the payer refund.
func NewCanceledEvent(inv *Invoice, settlements []Settlement) *types.Event {
	return newInvoiceEvent(EventTypeInvoiceCanceled, inv, settlements)
}

// NewWithdrawnEvent returns the canonical event payload for an installment
// withdrawal. The settlement list carries the receiver payout and the
// customer charge.
func NewWithdrawnEvent(inv *Invoice, settlements []Settlement) *types.Event {
	return newInvoiceEvent(EventTypeInvoiceWithdrawn, inv, settlements)
}

// NewAdminInitializedEvent returns the payload emitted by the one-time
// bootstrap call.
func NewAdminInitializedEvent(admin [20]byte) *types.Event {
	return &types.Event{Type: EventTypeAdminInitialized, Attributes: map[string]string{
		"admin": crypto.EncodeAddress(admin),
	}}
}

// NewAdminRotatedEvent returns the payload emitted when the fee beneficiary
// hands over the role.
func NewAdminRotatedEvent(previous, next [20]byte) *types.Event {
	return &types.Event{Type: EventTypeAdminRotated, Attributes: map[string]string{
		"previous": crypto.EncodeAddress(previous),
		"admin":    crypto.EncodeAddress(next),
	}}
}

func newInvoiceEvent(eventType string, inv *Invoice, settlements []Settlement) *types.Event {
	attrs := make(map[string]string)
	if inv == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeInvoice(inv)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["receiver"] = crypto.EncodeAddress(sanitized.Receiver)
	attrs["payer"] = crypto.EncodeAddress(sanitized.Payer)
	attrs["token"] = sanitized.Token
	attrs["amount"] = sanitized.Amount.String()
	attrs["status"] = sanitized.Status.String()
	attrs["condition"] = sanitized.Condition.String()
	attrs["remainingInstallments"] = strconv.FormatUint(sanitized.RemainingInstallments, 10)
	for i, s := range settlements {
		prefix := fmt.Sprintf("settlement.%d.", i)
		attrs[prefix+"to"] = crypto.EncodeAddress(s.To)
		attrs[prefix+"token"] = s.Token
		attrs[prefix+"amount"] = cloneBigInt(s.Amount).String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
