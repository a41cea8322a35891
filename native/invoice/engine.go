package invoice

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrownet/core/events"
	"escrownet/core/types"
)

var (
	errNilState = errors.New("invoice engine: state not configured")

	one = big.NewInt(1)
)

const secondsPerDay = 86400

// engineState is the narrow view of the persistence layer the engine needs.
// All writes issued through it happen inside the caller's single-writer
// transaction boundary; a validation failure aborts the call before any write.
type engineState interface {
	InvoicePut(owner [20]byte, inv *Invoice) error
	InvoiceGet(owner [20]byte, id uint64) (*Invoice, bool)
	ContractPut(payer [20]byte, c *Contract) error
	ContractGet(payer [20]byte, id uint64) (*Contract, bool)
	NextInvoiceID() (uint64, error)
	AdminGet() ([20]byte, bool)
	AdminPut(addr [20]byte) error
	VaultAddress(token string) ([20]byte, error)
	Transfer(from, to [20]byte, token string, amount *big.Int) error
}

type invoiceEvent struct {
	evt *types.Event
}

func (e invoiceEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e invoiceEvent) Event() *types.Event { return e.evt }

// Engine implements the escrow invoicing state machine: invoice submission,
// acceptance with fund custody, time-gated cancellation and installment
// withdrawal. It reads the clock exactly once per command.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an invoice engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(invoiceEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) requireAdmin() ([20]byte, error) {
	admin, ok := e.state.AdminGet()
	if !ok {
		return [20]byte{}, ErrAdminNotSet
	}
	return admin, nil
}

// persistPair writes the contract under its payer namespace and the embedded
// invoice under the receiver namespace so both views stay in sync.
func (e *Engine) persistPair(c *Contract) error {
	if err := e.state.InvoicePut(c.Invoice.Receiver, c.Invoice); err != nil {
		return err
	}
	return e.state.ContractPut(c.Payer, c)
}

// InitializeAdmin records the protocol-fee beneficiary. Bootstrap happens
// exactly once per deployment; a second call is rejected.
func (e *Engine) InitializeAdmin(owner [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if owner == ([20]byte{}) {
		return fmt.Errorf("%w: empty admin address", ErrInvalidArgument)
	}
	if _, ok := e.state.AdminGet(); ok {
		return fmt.Errorf("%w: admin already initialized", ErrInvalidState)
	}
	if err := e.state.AdminPut(owner); err != nil {
		return err
	}
	e.emit(NewAdminInitializedEvent(owner))
	return nil
}

// Admin returns the current fee beneficiary, if one has been set.
func (e *Engine) Admin() ([20]byte, bool) {
	if e == nil || e.state == nil {
		return [20]byte{}, false
	}
	return e.state.AdminGet()
}

// TransferAdmin hands the fee-beneficiary role to a new identity. Only the
// current holder may do so; the transfer is immediate and irrevocable by
// anyone but the new holder.
func (e *Engine) TransferAdmin(caller, newAdmin [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	admin, err := e.requireAdmin()
	if err != nil {
		return err
	}
	if caller != admin {
		return fmt.Errorf("%w: admin role only", ErrUnauthorized)
	}
	if newAdmin == ([20]byte{}) {
		return fmt.Errorf("%w: empty admin address", ErrInvalidArgument)
	}
	if err := e.state.AdminPut(newAdmin); err != nil {
		return err
	}
	e.emit(NewAdminRotatedEvent(admin, newAdmin))
	return nil
}

// Create submits a new invoice addressed to payer and persists the
// invoice/contract pair atomically. The caller becomes the receiver; it does
// not have to be the payer. No funds move.
func (e *Engine) Create(caller [20]byte, purpose string, amount, adminCharge, customerCharge *big.Int, payer [20]byte, days uint64, recurrentTimes *uint64, token string) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalizedToken, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	if payer == ([20]byte{}) {
		return nil, fmt.Errorf("%w: empty payer address", ErrInvalidArgument)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidArgument)
	}
	if cloneBigInt(adminCharge).Cmp(one) < 0 {
		return nil, fmt.Errorf("%w: charge on payer must be greater than 0", ErrInvalidArgument)
	}
	if cloneBigInt(customerCharge).Cmp(one) < 0 {
		return nil, fmt.Errorf("%w: charge on payee must be greater than 0", ErrInvalidArgument)
	}
	id, err := e.state.NextInvoiceID()
	if err != nil {
		return nil, err
	}
	recurrent := recurrentTimes != nil
	times := uint64(0)
	if recurrent {
		times = *recurrentTimes
	}
	inv := &Invoice{
		ID:             id,
		Receiver:       caller,
		Payer:          payer,
		Purpose:        purpose,
		Amount:         amt,
		AdminCharge:    cloneBigInt(adminCharge),
		CustomerCharge: cloneBigInt(customerCharge),
		Days:           days,
		Recurrent:      recurrent,
		RecurrentTimes: times,
		Status:         StatusNotStarted,
		Condition:      ConditionNone,
		Token:          normalizedToken,
	}
	contract := &Contract{
		ID:      id,
		Payer:   payer,
		Balance: big.NewInt(0),
		Process: ProcessNotStarted,
		Invoice: inv,
	}
	if err := e.persistPair(contract); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(inv))
	return inv.Clone(), nil
}

// Accept funds the contract. The caller must be the payer and must attach at
// least the required total: (amount + admin charge) per installment, times the
// installment count for recurrent invoices. The admin cut is settled to the
// fee beneficiary immediately; the rest stays in the escrow vault.
func (e *Engine) Accept(caller [20]byte, id uint64, attached []*big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	contract, ok := e.state.ContractGet(caller, id)
	if !ok {
		return ErrNotFound
	}
	inv := contract.Invoice
	if inv.Payer != caller {
		return fmt.Errorf("%w: you are not the payer of this invoice", ErrUnauthorized)
	}
	if contract.Accepted {
		return fmt.Errorf("%w: invoice has already been accepted", ErrInvalidState)
	}
	admin, err := e.requireAdmin()
	if err != nil {
		return err
	}

	perInstallment := new(big.Int).Add(inv.Amount, inv.AdminCharge)
	totalDue := new(big.Int).Set(perInstallment)
	adminCut := cloneBigInt(inv.AdminCharge)
	if inv.Recurrent {
		times := new(big.Int).SetUint64(inv.RecurrentTimes)
		totalDue.Mul(perInstallment, times)
		adminCut.Mul(inv.AdminCharge, times)
	}

	sum := big.NewInt(0)
	for _, coin := range attached {
		if coin == nil {
			continue
		}
		if coin.Sign() < 0 {
			return fmt.Errorf("%w: negative funds attachment", ErrInvalidArgument)
		}
		sum.Add(sum, coin)
	}
	if sum.Cmp(totalDue) < 0 {
		return fmt.Errorf("%w: attached %s, expected %s", ErrInsufficientFunds, sum, totalDue)
	}
	if sum.Sign() == 0 {
		return fmt.Errorf("%w: no funds attached", ErrInsufficientFunds)
	}

	vault, err := e.state.VaultAddress(inv.Token)
	if err != nil {
		return err
	}
	if err := e.state.Transfer(caller, vault, inv.Token, sum); err != nil {
		return err
	}
	if err := e.state.Transfer(vault, admin, inv.Token, adminCut); err != nil {
		return err
	}

	remaining := uint64(1)
	if inv.Recurrent {
		remaining = inv.RecurrentTimes
	}
	now := e.now()
	dueSeconds := int64(inv.Days) * secondsPerDay

	inv.PaymentTime = now + dueSeconds
	inv.CriticalTime = now + dueSeconds/2
	inv.Condition = ConditionPayFull
	inv.Status = StatusAccepted
	inv.RemainingInstallments = remaining

	contract.Balance = new(big.Int).Sub(sum, adminCut)
	contract.Accepted = true
	contract.Process = ProcessStarted

	if err := e.persistPair(contract); err != nil {
		return err
	}
	e.emit(NewAcceptedEvent(inv, []Settlement{{To: admin, Token: inv.Token, Amount: adminCut}}))
	return nil
}

// Cancel stops an accepted contract on the payer's request. Before the
// critical time the receiver keeps half of the per-installment amount and the
// rest of the custody balance is refunded; at or after it the whole balance
// goes back to the payer. Cancel is terminal for the contract.
func (e *Engine) Cancel(caller [20]byte, id uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	contract, ok := e.state.ContractGet(caller, id)
	if !ok {
		return ErrNotFound
	}
	inv := contract.Invoice
	if inv.Payer != caller {
		return fmt.Errorf("%w: you are not the payer of this invoice", ErrUnauthorized)
	}
	if !contract.Accepted {
		return fmt.Errorf("%w: invoice has not been accepted", ErrInvalidState)
	}
	if contract.Process == ProcessDone {
		return fmt.Errorf("%w: invoice has been marked as done", ErrInvalidState)
	}
	if contract.Process == ProcessStopped {
		return fmt.Errorf("%w: invoice has already been canceled", ErrInvalidState)
	}
	vault, err := e.state.VaultAddress(inv.Token)
	if err != nil {
		return err
	}
	now := e.now()

	var refund *big.Int
	if inv.CriticalTime > now {
		// The receiver has already earned half of the current installment.
		half := new(big.Int).Div(inv.Amount, big.NewInt(2))
		if contract.Balance.Cmp(half) < 0 {
			return fmt.Errorf("%w: balance below retained half", ErrNothingReserved)
		}
		refund = new(big.Int).Sub(contract.Balance, half)

		inv.Amount = half
		inv.Condition = ConditionHalf
		inv.Status = StatusStopped
		inv.RemainingInstallments = 1

		contract.Process = ProcessStopped
		contract.Balance = new(big.Int).Set(half)
	} else {
		refund = cloneBigInt(contract.Balance)

		inv.Amount = big.NewInt(0)
		inv.Condition = ConditionNone
		inv.Status = StatusStopped
		inv.RemainingInstallments = 0

		contract.Process = ProcessStopped
		contract.Balance = big.NewInt(0)
	}
	if err := e.state.Transfer(vault, caller, inv.Token, refund); err != nil {
		return err
	}
	if err := e.persistPair(contract); err != nil {
		return err
	}
	e.emit(NewCanceledEvent(inv, []Settlement{{To: caller, Token: inv.Token, Amount: refund}}))
	return nil
}

// Withdraw pays out one installment to the receiver once the payment time has
// been reached. The customer charge is withheld from the payout and settled to
// the fee beneficiary. After a half-retention cancellation the single final
// settlement runs through here as well.
func (e *Engine) Withdraw(caller [20]byte, id uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	inv, ok := e.state.InvoiceGet(caller, id)
	if !ok {
		return ErrNotFound
	}
	if inv.Receiver != caller {
		return fmt.Errorf("%w: you are not the payee of this invoice", ErrUnauthorized)
	}
	contract, ok := e.state.ContractGet(inv.Payer, id)
	if !ok {
		return ErrNotFound
	}
	if !contract.Accepted {
		return fmt.Errorf("%w: invoice has not been accepted", ErrInvalidState)
	}
	now := e.now()
	if now < inv.PaymentTime {
		return ErrTooEarly
	}
	if inv.RemainingInstallments == 0 {
		return ErrAlreadySettled
	}
	if inv.Condition == ConditionNone {
		return ErrCanceled
	}
	if contract.Balance.Cmp(one) < 0 {
		return ErrNothingReserved
	}
	admin, err := e.requireAdmin()
	if err != nil {
		return err
	}
	vault, err := e.state.VaultAddress(inv.Token)
	if err != nil {
		return err
	}

	charge := cloneBigInt(inv.CustomerCharge)
	if inv.Amount.Cmp(charge) < 0 {
		return fmt.Errorf("%w: customer charge exceeds installment amount", ErrInvalidState)
	}
	payout := new(big.Int).Sub(inv.Amount, charge)

	if inv.Condition == ConditionHalf {
		// Final settlement of a cancellation that retained half the amount.
		// The contract keeps its stopped process as the cancellation trace.
		inv.Status = StatusDone
		inv.RemainingInstallments = 0

		contract.Balance = big.NewInt(0)
	} else {
		if contract.Balance.Cmp(inv.Amount) < 0 {
			return fmt.Errorf("%w: balance below installment amount", ErrNothingReserved)
		}
		contract.Balance = new(big.Int).Sub(contract.Balance, inv.Amount)
		if inv.Recurrent {
			inv.RemainingInstallments--
		} else {
			inv.RemainingInstallments = 0
		}
		if inv.RemainingInstallments == 0 {
			inv.Status = StatusDone
			contract.Process = ProcessDone
		}
	}
	if err := e.state.Transfer(vault, caller, inv.Token, payout); err != nil {
		return err
	}
	if err := e.state.Transfer(vault, admin, inv.Token, charge); err != nil {
		return err
	}

	contract.Invoice = inv
	if err := e.persistPair(contract); err != nil {
		return err
	}
	e.emit(NewWithdrawnEvent(inv, []Settlement{
		{To: caller, Token: inv.Token, Amount: payout},
		{To: admin, Token: inv.Token, Amount: charge},
	}))
	return nil
}
