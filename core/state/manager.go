package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrownet/native/invoice"
	"escrownet/storage"
)

// ErrInsufficientBalance is returned by Transfer when the debited account
// cannot cover the amount. It wraps the engine's InsufficientFunds sentinel so
// callers can classify it without importing this package.
var ErrInsufficientBalance = fmt.Errorf("state: insufficient balance: %w", invoice.ErrInsufficientFunds)

// Manager provides the persistence layer for the invoicing engine: both
// namespaced ledgers, the monotonic invoice-id counter, the admin slot and
// the per-token balance slots. All keys are keccak-hashed before hitting the
// backing store; records are RLP encoded.
//
// Manager is not safe for concurrent use; the node serialises access.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided store.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	buf := append([]byte(nil), prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func u64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func (m *Manager) loadUint64(key []byte) (uint64, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	if err := rlp.DecodeBytes(data, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (m *Manager) writeUint64(key []byte, v uint64) error {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// --- Invoice ledger ---

// storedInvoice is the RLP shadow of invoice.Invoice. RLP has no signed
// integer support, so the two timestamps ride as big.Ints.
type storedInvoice struct {
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
	Status                uint8
	PaymentTime           *big.Int
	CriticalTime          *big.Int
	Condition             uint8
	Token                 string
}

func newStoredInvoice(inv *invoice.Invoice) *storedInvoice {
	return &storedInvoice{
		ID:                    inv.ID,
		Receiver:              inv.Receiver,
		Payer:                 inv.Payer,
		Purpose:               inv.Purpose,
		Amount:                bigOrZero(inv.Amount),
		AdminCharge:           bigOrZero(inv.AdminCharge),
		CustomerCharge:        bigOrZero(inv.CustomerCharge),
		Days:                  inv.Days,
		Recurrent:             inv.Recurrent,
		RecurrentTimes:        inv.RecurrentTimes,
		RemainingInstallments: inv.RemainingInstallments,
		Status:                uint8(inv.Status),
		PaymentTime:           big.NewInt(inv.PaymentTime),
		CriticalTime:          big.NewInt(inv.CriticalTime),
		Condition:             uint8(inv.Condition),
		Token:                 inv.Token,
	}
}

func (s *storedInvoice) toInvoice() (*invoice.Invoice, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil invoice record")
	}
	out := &invoice.Invoice{
		ID:                    s.ID,
		Receiver:              s.Receiver,
		Payer:                 s.Payer,
		Purpose:               s.Purpose,
		Amount:                bigOrZero(s.Amount),
		AdminCharge:           bigOrZero(s.AdminCharge),
		CustomerCharge:        bigOrZero(s.CustomerCharge),
		Days:                  s.Days,
		Recurrent:             s.Recurrent,
		RecurrentTimes:        s.RecurrentTimes,
		RemainingInstallments: s.RemainingInstallments,
		Status:                invoice.InvoiceStatus(s.Status),
		Condition:             invoice.PaymentCondition(s.Condition),
		Token:                 s.Token,
	}
	if s.PaymentTime != nil {
		out.PaymentTime = s.PaymentTime.Int64()
	}
	if s.CriticalTime != nil {
		out.CriticalTime = s.CriticalTime.Int64()
	}
	return invoice.SanitizeInvoice(out)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// InvoicePut writes the invoice under its owner namespace, appending it to
// the owner's ordered index on first write.
func (m *Manager) InvoicePut(owner [20]byte, inv *invoice.Invoice) error {
	sanitized, err := invoice.SanitizeInvoice(inv)
	if err != nil {
		return err
	}
	return m.putRecord(invoiceRecordPrefix, invoiceIndexPrefix, invoiceLenPrefix, owner, sanitized.ID, newStoredInvoice(sanitized))
}

// InvoiceGet performs a point lookup within the owner namespace.
func (m *Manager) InvoiceGet(owner [20]byte, id uint64) (*invoice.Invoice, bool) {
	stored := new(storedInvoice)
	if !m.getRecord(invoiceRecordPrefix, owner, id, stored) {
		return nil, false
	}
	record, err := stored.toInvoice()
	if err != nil {
		return nil, false
	}
	return record, true
}

// InvoiceCount returns the number of invoices recorded under the owner.
func (m *Manager) InvoiceCount(owner [20]byte) (uint32, error) {
	length, err := m.loadUint64(prefixedKey(invoiceLenPrefix, owner[:]))
	if err != nil {
		return 0, err
	}
	return uint32(length), nil
}

// InvoiceEntry pairs an identifier with its invoice for paged listings.
type InvoiceEntry struct {
	ID      uint64
	Invoice *invoice.Invoice
}

// InvoicePaging returns the zero-indexed page of the owner's invoices in
// insertion order. A page past the end yields an empty slice, not an error.
func (m *Manager) InvoicePaging(owner [20]byte, page, pageSize uint32) ([]InvoiceEntry, error) {
	ids, err := m.pageIDs(invoiceIndexPrefix, invoiceLenPrefix, owner, page, pageSize)
	if err != nil {
		return nil, err
	}
	entries := make([]InvoiceEntry, 0, len(ids))
	for _, id := range ids {
		record, ok := m.InvoiceGet(owner, id)
		if !ok {
			return nil, fmt.Errorf("state: invoice %d missing from namespace index", id)
		}
		entries = append(entries, InvoiceEntry{ID: id, Invoice: record})
	}
	return entries, nil
}

// --- Contract ledger ---

type storedContract struct {
	ID       uint64
	Payer    [20]byte
	Balance  *big.Int
	Process  uint8
	Accepted bool
	Invoice  *storedInvoice
}

func newStoredContract(c *invoice.Contract) *storedContract {
	return &storedContract{
		ID:       c.ID,
		Payer:    c.Payer,
		Balance:  bigOrZero(c.Balance),
		Process:  uint8(c.Process),
		Accepted: c.Accepted,
		Invoice:  newStoredInvoice(c.Invoice),
	}
}

func (s *storedContract) toContract() (*invoice.Contract, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil contract record")
	}
	embedded, err := s.Invoice.toInvoice()
	if err != nil {
		return nil, err
	}
	out := &invoice.Contract{
		ID:       s.ID,
		Payer:    s.Payer,
		Balance:  bigOrZero(s.Balance),
		Process:  invoice.ContractProcess(s.Process),
		Accepted: s.Accepted,
		Invoice:  embedded,
	}
	return invoice.SanitizeContract(out)
}

// ContractPut writes the contract under its payer namespace, appending it to
// the payer's ordered index on first write.
func (m *Manager) ContractPut(payer [20]byte, c *invoice.Contract) error {
	sanitized, err := invoice.SanitizeContract(c)
	if err != nil {
		return err
	}
	return m.putRecord(contractRecordPrefix, contractIndexPrefix, contractLenPrefix, payer, sanitized.ID, newStoredContract(sanitized))
}

// ContractGet performs a point lookup within the payer namespace.
func (m *Manager) ContractGet(payer [20]byte, id uint64) (*invoice.Contract, bool) {
	stored := new(storedContract)
	if !m.getRecord(contractRecordPrefix, payer, id, stored) {
		return nil, false
	}
	record, err := stored.toContract()
	if err != nil {
		return nil, false
	}
	return record, true
}

// ContractCount returns the number of contracts recorded under the payer.
func (m *Manager) ContractCount(payer [20]byte) (uint32, error) {
	length, err := m.loadUint64(prefixedKey(contractLenPrefix, payer[:]))
	if err != nil {
		return 0, err
	}
	return uint32(length), nil
}

// ContractEntry pairs an identifier with its contract for paged listings.
type ContractEntry struct {
	ID       uint64
	Contract *invoice.Contract
}

// ContractPaging returns the zero-indexed page of the payer's contracts in
// insertion order.
func (m *Manager) ContractPaging(payer [20]byte, page, pageSize uint32) ([]ContractEntry, error) {
	ids, err := m.pageIDs(contractIndexPrefix, contractLenPrefix, payer, page, pageSize)
	if err != nil {
		return nil, err
	}
	entries := make([]ContractEntry, 0, len(ids))
	for _, id := range ids {
		record, ok := m.ContractGet(payer, id)
		if !ok {
			return nil, fmt.Errorf("state: contract %d missing from namespace index", id)
		}
		entries = append(entries, ContractEntry{ID: id, Contract: record})
	}
	return entries, nil
}

// --- Shared namespaced-collection plumbing ---

func (m *Manager) putRecord(recordPrefix, indexPrefix, lenPrefix []byte, owner [20]byte, id uint64, record interface{}) error {
	key := prefixedKey(recordPrefix, owner[:], u64Bytes(id))
	exists, err := m.db.Has(key)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	if !exists {
		lenKey := prefixedKey(lenPrefix, owner[:])
		length, err := m.loadUint64(lenKey)
		if err != nil {
			return err
		}
		indexKey := prefixedKey(indexPrefix, owner[:], u64Bytes(length))
		if err := m.writeUint64(indexKey, id); err != nil {
			return err
		}
		if err := m.writeUint64(lenKey, length+1); err != nil {
			return err
		}
	}
	return m.db.Put(key, encoded)
}

func (m *Manager) getRecord(recordPrefix []byte, owner [20]byte, id uint64, out interface{}) bool {
	data, err := m.db.Get(prefixedKey(recordPrefix, owner[:], u64Bytes(id)))
	if err != nil || len(data) == 0 {
		return false
	}
	return rlp.DecodeBytes(data, out) == nil
}

func (m *Manager) pageIDs(indexPrefix, lenPrefix []byte, owner [20]byte, page, pageSize uint32) ([]uint64, error) {
	if pageSize == 0 {
		return nil, fmt.Errorf("%w: page size must be positive", invoice.ErrInvalidArgument)
	}
	length, err := m.loadUint64(prefixedKey(lenPrefix, owner[:]))
	if err != nil {
		return nil, err
	}
	start := uint64(page) * uint64(pageSize)
	if start >= length {
		return []uint64{}, nil
	}
	end := start + uint64(pageSize)
	if end > length {
		end = length
	}
	ids := make([]uint64, 0, end-start)
	for pos := start; pos < end; pos++ {
		id, err := m.loadUint64(prefixedKey(indexPrefix, owner[:], u64Bytes(pos)))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- Invoice-id counter ---

// NextInvoiceID allocates the next invoice identifier. Identifiers start at 1,
// are never reused and never decrement.
func (m *Manager) NextInvoiceID() (uint64, error) {
	key := prefixedKey(invoiceCounterKeyBytes)
	last, err := m.loadUint64(key)
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := m.writeUint64(key, next); err != nil {
		return 0, err
	}
	return next, nil
}

// --- Admin registry ---

// AdminGet returns the current fee-beneficiary identity, if set.
func (m *Manager) AdminGet() ([20]byte, bool) {
	data, err := m.db.Get(prefixedKey(adminWalletKeyBytes))
	if err != nil || len(data) != 20 {
		return [20]byte{}, false
	}
	var addr [20]byte
	copy(addr[:], data)
	return addr, true
}

// AdminPut overwrites the fee-beneficiary slot. No history is kept.
func (m *Manager) AdminPut(addr [20]byte) error {
	return m.db.Put(prefixedKey(adminWalletKeyBytes), addr[:])
}

// --- Token balances ---

func balanceKey(addr [20]byte, token string) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(token)+1+len(addr))
	buf = append(buf, balancePrefix...)
	buf = append(buf, token...)
	buf = append(buf, ':')
	buf = append(buf, addr[:]...)
	return ethcrypto.Keccak256(buf)
}

// VaultAddress derives the module custody address for a token. The address is
// deterministic and has no known private key.
func (m *Manager) VaultAddress(token string) ([20]byte, error) {
	normalized, err := invoice.NormalizeToken(token)
	if err != nil {
		return [20]byte{}, err
	}
	hash := ethcrypto.Keccak256(append(append([]byte(nil), vaultPrefix...), normalized...))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr, nil
}

// BalanceOf returns the token balance held by the address.
func (m *Manager) BalanceOf(addr [20]byte, token string) (*big.Int, error) {
	normalized, err := invoice.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	data, err := m.db.Get(balanceKey(addr, normalized))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	out := new(big.Int)
	if err := rlp.DecodeBytes(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) writeBalance(addr [20]byte, token string, amount *big.Int) error {
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.db.Put(balanceKey(addr, token), encoded)
}

// Credit mints the amount onto the address. Used by genesis/dev funding only;
// commands move value exclusively through Transfer.
func (m *Manager) Credit(addr [20]byte, token string, amount *big.Int) error {
	normalized, err := invoice.NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: credit amount must not be negative", invoice.ErrInvalidArgument)
	}
	current, err := m.BalanceOf(addr, normalized)
	if err != nil {
		return err
	}
	return m.writeBalance(addr, normalized, new(big.Int).Add(current, amount))
}

// Transfer moves the amount between two balance slots. The debit side is
// checked for sufficiency before any write; a zero amount is a no-op.
func (m *Manager) Transfer(from, to [20]byte, token string, amount *big.Int) error {
	normalized, err := invoice.NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: transfer amount must not be negative", invoice.ErrInvalidArgument)
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBalance, err := m.BalanceOf(from, normalized)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	// A self-transfer must not re-read the slot between debit and credit;
	// the net movement is zero, so stop after the sufficiency check.
	if from == to {
		return nil
	}
	toBalance, err := m.BalanceOf(to, normalized)
	if err != nil {
		return err
	}
	if err := m.writeBalance(from, normalized, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := m.writeBalance(to, normalized, new(big.Int).Add(toBalance, amount)); err != nil {
		// Restore the debited side so a failed second write cannot burn funds.
		if restoreErr := m.writeBalance(from, normalized, fromBalance); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("state: rollback debit: %w", restoreErr))
		}
		return err
	}
	return nil
}
