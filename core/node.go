package core

import (
	"math/big"
	"sync"

	"escrownet/core/events"
	"escrownet/core/state"
	"escrownet/native/invoice"
	"escrownet/storage"
)

// Node owns the state manager and the invoicing engine and serialises every
// command and query behind a single mutex. Each command runs to completion
// with exclusive access to the store before the next one is processed; there
// is no partial commit observable from outside.
type Node struct {
	mu     sync.Mutex
	db     storage.Database
	state  *state.Manager
	engine *invoice.Engine
}

// NewNode wires a state manager and engine over the provided store.
func NewNode(db storage.Database) *Node {
	manager := state.NewManager(db)
	engine := invoice.NewEngine()
	engine.SetState(manager)
	return &Node{db: db, state: manager, engine: engine}
}

// SetEmitter forwards the event emitter to the engine.
func (n *Node) SetEmitter(emitter events.Emitter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.SetEmitter(emitter)
}

// SetNowFunc overrides the engine clock. Test hook.
func (n *Node) SetNowFunc(now func() int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.SetNowFunc(now)
}

// --- Commands ---

// InitializeAdmin records the fee beneficiary exactly once at bootstrap.
func (n *Node) InitializeAdmin(owner [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.InitializeAdmin(owner)
}

// CreateInvoice submits a new invoice from caller (the receiver) to payer.
func (n *Node) CreateInvoice(caller [20]byte, purpose string, amount, adminCharge, customerCharge *big.Int, payer [20]byte, days uint64, recurrentTimes *uint64, token string) (*invoice.Invoice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Create(caller, purpose, amount, adminCharge, customerCharge, payer, days, recurrentTimes, token)
}

// AcceptInvoice funds the contract with the attached amounts.
func (n *Node) AcceptInvoice(caller [20]byte, id uint64, attached []*big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Accept(caller, id, attached)
}

// CancelInvoice stops an accepted contract on the payer's request.
func (n *Node) CancelInvoice(caller [20]byte, id uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Cancel(caller, id)
}

// WithdrawPayment pays one installment out to the receiver.
func (n *Node) WithdrawPayment(caller [20]byte, id uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Withdraw(caller, id)
}

// TransferAdmin hands the fee-beneficiary role to a new identity.
func (n *Node) TransferAdmin(caller, newAdmin [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.TransferAdmin(caller, newAdmin)
}

// FundAccount credits a balance slot directly. Dev/genesis use only.
func (n *Node) FundAccount(addr [20]byte, token string, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Credit(addr, token, amount)
}

// --- Queries ---

// GetInvoice looks up a single invoice within the owner namespace.
func (n *Node) GetInvoice(owner [20]byte, id uint64) (*invoice.Invoice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.InvoiceGet(owner, id)
}

// InvoiceCount reports how many invoices the owner has created.
func (n *Node) InvoiceCount(owner [20]byte) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.InvoiceCount(owner)
}

// ListInvoices returns one zero-indexed page of the owner's invoices.
func (n *Node) ListInvoices(owner [20]byte, page, pageSize uint32) ([]state.InvoiceEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.InvoicePaging(owner, page, pageSize)
}

// GetContract looks up a single contract within the payer namespace.
func (n *Node) GetContract(payer [20]byte, id uint64) (*invoice.Contract, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.ContractGet(payer, id)
}

// ContractCount reports how many contracts are addressed to the payer.
func (n *Node) ContractCount(payer [20]byte) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.ContractCount(payer)
}

// ListContracts returns one zero-indexed page of the payer's contracts.
func (n *Node) ListContracts(payer [20]byte, page, pageSize uint32) ([]state.ContractEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.ContractPaging(payer, page, pageSize)
}

// Admin returns the current fee beneficiary, if one has been set.
func (n *Node) Admin() ([20]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.AdminGet()
}

// Balance returns the token balance held by an address.
func (n *Node) Balance(addr [20]byte, token string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.BalanceOf(addr, token)
}
