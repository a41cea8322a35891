package invoice

import (
	"fmt"
	"math/big"
	"strings"
)

// InvoiceStatus tracks the lifecycle of an invoice from submission to
// settlement or cancellation.
type InvoiceStatus uint8

const (
	StatusNotStarted InvoiceStatus = iota
	StatusAccepted
	StatusDone
	StatusStopped
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusAccepted, StatusDone, StatusStopped:
		return true
	default:
		return false
	}
}

func (s InvoiceStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusAccepted:
		return "accepted"
	case StatusDone:
		return "done"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PaymentCondition records what the receiver is still owed. PayFull is the
// normal installment path, Half is the post-cancellation final settlement and
// None means nothing further can be withdrawn.
type PaymentCondition uint8

const (
	ConditionNone PaymentCondition = iota
	ConditionPayFull
	ConditionHalf
)

func (c PaymentCondition) Valid() bool {
	switch c {
	case ConditionNone, ConditionPayFull, ConditionHalf:
		return true
	default:
		return false
	}
}

func (c PaymentCondition) String() string {
	switch c {
	case ConditionNone:
		return "none"
	case ConditionPayFull:
		return "pay_full"
	case ConditionHalf:
		return "half"
	default:
		return "unknown"
	}
}

// ContractProcess tracks the custody side of the lifecycle.
type ContractProcess uint8

const (
	ProcessNotStarted ContractProcess = iota
	ProcessStarted
	ProcessDone
	ProcessStopped
)

func (p ContractProcess) Valid() bool {
	switch p {
	case ProcessNotStarted, ProcessStarted, ProcessDone, ProcessStopped:
		return true
	default:
		return false
	}
}

func (p ContractProcess) String() string {
	switch p {
	case ProcessNotStarted:
		return "not_started"
	case ProcessStarted:
		return "started"
	case ProcessDone:
		return "done"
	case ProcessStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Invoice carries the commercial terms fixed at creation plus the mutable
// lifecycle fields. Amount and the two charges are per-installment values.
type Invoice struct {
	ID                    uint64
	Receiver              [20]byte
	Payer                 [20]byte
	Purpose               string
	Amount                *big.Int
	AdminCharge           *big.Int
	CustomerCharge        *big.Int
	Days                  uint64
	Recurrent             bool
	RecurrentTimes        uint64
	RemainingInstallments uint64
	Status                InvoiceStatus
	PaymentTime           int64
	CriticalTime          int64
	Condition             PaymentCondition
	Token                 string
}

// Contract is the custody record for one invoice, keyed by payer. It embeds a
// full copy of the invoice so withdrawal logic never needs a cross-namespace
// read; the receiver-side invoice entry is kept in sync on every mutation.
type Contract struct {
	ID       uint64
	Payer    [20]byte
	Balance  *big.Int
	Process  ContractProcess
	Accepted bool
	Invoice  *Invoice
}

// Clone returns a deep copy of the invoice so callers can safely mutate the
// copy without affecting the stored instance.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	clone := *inv
	clone.Amount = cloneBigInt(inv.Amount)
	clone.AdminCharge = cloneBigInt(inv.AdminCharge)
	clone.CustomerCharge = cloneBigInt(inv.CustomerCharge)
	return &clone
}

// Clone returns a deep copy of the contract including its embedded invoice.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Balance = cloneBigInt(c.Balance)
	clone.Invoice = c.Invoice.Clone()
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// NormalizeToken ensures the provided denomination matches a supported value
// and returns the canonical uppercase form.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case "ESC":
		return trimmed, nil
	default:
		return "", fmt.Errorf("%w: unsupported token %q", ErrInvalidToken, symbol)
	}
}

// SanitizeInvoice validates and normalises an invoice, returning a cloned
// instance with canonical token casing and non-nil amount fields. The function
// does not mutate the original value.
func SanitizeInvoice(inv *Invoice) (*Invoice, error) {
	if inv == nil {
		return nil, fmt.Errorf("%w: nil invoice", ErrInvalidArgument)
	}
	clone := inv.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Amount.Sign() < 0 || clone.AdminCharge.Sign() < 0 || clone.CustomerCharge.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative invoice amounts", ErrInvalidArgument)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: invoice status %d", ErrInvalidState, clone.Status)
	}
	if !clone.Condition.Valid() {
		return nil, fmt.Errorf("%w: payment condition %d", ErrInvalidState, clone.Condition)
	}
	return clone, nil
}

// SanitizeContract validates and normalises a contract together with its
// embedded invoice.
func SanitizeContract(c *Contract) (*Contract, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil contract", ErrInvalidArgument)
	}
	clone := c.Clone()
	if clone.Balance.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative contract balance", ErrInvalidArgument)
	}
	if !clone.Process.Valid() {
		return nil, fmt.Errorf("%w: contract process %d", ErrInvalidState, clone.Process)
	}
	sanitized, err := SanitizeInvoice(clone.Invoice)
	if err != nil {
		return nil, err
	}
	if sanitized.ID != clone.ID {
		return nil, fmt.Errorf("%w: contract id %d does not match invoice id %d", ErrInvalidArgument, clone.ID, sanitized.ID)
	}
	clone.Invoice = sanitized
	return clone, nil
}
