package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"escrownet/native/invoice"
	"escrownet/storage"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func sampleInvoice(id uint64, receiver, payer [20]byte) *invoice.Invoice {
	return &invoice.Invoice{
		ID:             id,
		Receiver:       receiver,
		Payer:          payer,
		Purpose:        "retainer",
		Amount:         big.NewInt(10),
		AdminCharge:    big.NewInt(2),
		CustomerCharge: big.NewInt(1),
		Days:           3,
		Status:         invoice.StatusNotStarted,
		Condition:      invoice.ConditionNone,
		Token:          "ESC",
	}
}

func sampleContract(id uint64, receiver, payer [20]byte) *invoice.Contract {
	return &invoice.Contract{
		ID:      id,
		Payer:   payer,
		Balance: big.NewInt(0),
		Process: invoice.ProcessNotStarted,
		Invoice: sampleInvoice(id, receiver, payer),
	}
}

func TestInvoiceRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	owner := testAddr(0x11)
	payer := testAddr(0x22)

	inv := sampleInvoice(7, owner, payer)
	inv.Recurrent = true
	inv.RecurrentTimes = 4
	inv.RemainingInstallments = 4
	inv.Status = invoice.StatusAccepted
	inv.Condition = invoice.ConditionPayFull
	inv.PaymentTime = 1_700_000_000
	inv.CriticalTime = 1_699_900_000

	require.NoError(t, manager.InvoicePut(owner, inv))

	loaded, ok := manager.InvoiceGet(owner, 7)
	require.True(t, ok)
	require.Equal(t, inv.ID, loaded.ID)
	require.Equal(t, inv.Receiver, loaded.Receiver)
	require.Equal(t, inv.Payer, loaded.Payer)
	require.Equal(t, inv.Purpose, loaded.Purpose)
	require.Zero(t, loaded.Amount.Cmp(inv.Amount))
	require.Equal(t, inv.Status, loaded.Status)
	require.Equal(t, inv.Condition, loaded.Condition)
	require.Equal(t, inv.PaymentTime, loaded.PaymentTime)
	require.Equal(t, inv.CriticalTime, loaded.CriticalTime)
	require.Equal(t, inv.RemainingInstallments, loaded.RemainingInstallments)

	_, ok = manager.InvoiceGet(owner, 8)
	require.False(t, ok)
	_, ok = manager.InvoiceGet(payer, 7)
	require.False(t, ok, "invoice must not leak across namespaces")
}

func TestInvoicePutRejectsInvalidRecords(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	owner := testAddr(0x11)

	inv := sampleInvoice(1, owner, testAddr(0x22))
	inv.Token = "DOGE"
	require.ErrorIs(t, manager.InvoicePut(owner, inv), invoice.ErrInvalidToken)

	inv = sampleInvoice(1, owner, testAddr(0x22))
	inv.Amount = big.NewInt(-1)
	require.ErrorIs(t, manager.InvoicePut(owner, inv), invoice.ErrInvalidArgument)
}

func TestContractRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	receiver := testAddr(0x11)
	payer := testAddr(0x22)

	c := sampleContract(3, receiver, payer)
	c.Accepted = true
	c.Process = invoice.ProcessStarted
	c.Balance = big.NewInt(40)
	c.Invoice.Status = invoice.StatusAccepted
	c.Invoice.Condition = invoice.ConditionPayFull

	require.NoError(t, manager.ContractPut(payer, c))

	loaded, ok := manager.ContractGet(payer, 3)
	require.True(t, ok)
	require.Equal(t, c.ID, loaded.ID)
	require.True(t, loaded.Accepted)
	require.Equal(t, invoice.ProcessStarted, loaded.Process)
	require.Zero(t, loaded.Balance.Cmp(big.NewInt(40)))
	require.NotNil(t, loaded.Invoice)
	require.Equal(t, invoice.StatusAccepted, loaded.Invoice.Status)

	mismatched := sampleContract(5, receiver, payer)
	mismatched.Invoice.ID = 6
	require.ErrorIs(t, manager.ContractPut(payer, mismatched), invoice.ErrInvalidArgument)
}

func TestCountsAndPaging(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	owner := testAddr(0x11)
	payer := testAddr(0x22)

	count, err := manager.InvoiceCount(owner)
	require.NoError(t, err)
	require.Zero(t, count)

	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, manager.InvoicePut(owner, sampleInvoice(id, owner, payer)))
	}
	// Overwrites must not grow the index.
	require.NoError(t, manager.InvoicePut(owner, sampleInvoice(3, owner, payer)))

	count, err = manager.InvoiceCount(owner)
	require.NoError(t, err)
	require.Equal(t, uint32(5), count)

	page, err := manager.InvoicePaging(owner, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(1), page[0].ID)
	require.Equal(t, uint64(2), page[1].ID)

	page, err = manager.InvoicePaging(owner, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, uint64(5), page[0].ID)

	page, err = manager.InvoicePaging(owner, 3, 2)
	require.NoError(t, err)
	require.Empty(t, page)

	_, err = manager.InvoicePaging(owner, 0, 0)
	require.ErrorIs(t, err, invoice.ErrInvalidArgument)

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, manager.ContractPut(payer, sampleContract(id, owner, payer)))
	}
	contractCount, err := manager.ContractCount(payer)
	require.NoError(t, err)
	require.Equal(t, uint32(3), contractCount)

	contracts, err := manager.ContractPaging(payer, 1, 2)
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	require.Equal(t, uint64(3), contracts[0].ID)
}

func TestNextInvoiceIDMonotonic(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	first, err := manager.NextInvoiceID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	last := first
	for i := 0; i < 10; i++ {
		next, err := manager.NextInvoiceID()
		require.NoError(t, err)
		require.Equal(t, last+1, next)
		last = next
	}
}

func TestAdminSlot(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	_, ok := manager.AdminGet()
	require.False(t, ok)

	admin := testAddr(0x33)
	require.NoError(t, manager.AdminPut(admin))

	got, ok := manager.AdminGet()
	require.True(t, ok)
	require.Equal(t, admin, got)

	next := testAddr(0x44)
	require.NoError(t, manager.AdminPut(next))
	got, ok = manager.AdminGet()
	require.True(t, ok)
	require.Equal(t, next, got)
}

func TestVaultAddressDeterministic(t *testing.T) {
	manager := NewManager(storage.NewMemDB())

	vault, err := manager.VaultAddress("ESC")
	require.NoError(t, err)
	require.NotEqual(t, [20]byte{}, vault)

	again, err := manager.VaultAddress(" esc ")
	require.NoError(t, err)
	require.Equal(t, vault, again, "vault derivation must normalise the token")

	_, err = manager.VaultAddress("DOGE")
	require.ErrorIs(t, err, invoice.ErrInvalidToken)
}

func TestBalancesAndTransfer(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	alice := testAddr(0x11)
	bob := testAddr(0x22)

	balance, err := manager.BalanceOf(alice, "ESC")
	require.NoError(t, err)
	require.Zero(t, balance.Sign())

	require.NoError(t, manager.Credit(alice, "ESC", big.NewInt(50)))
	require.ErrorIs(t, manager.Credit(alice, "ESC", big.NewInt(-1)), invoice.ErrInvalidArgument)

	err = manager.Transfer(alice, bob, "ESC", big.NewInt(60))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.ErrorIs(t, err, invoice.ErrInsufficientFunds)

	require.NoError(t, manager.Transfer(alice, bob, "ESC", big.NewInt(30)))
	require.NoError(t, manager.Transfer(alice, bob, "ESC", big.NewInt(0)))

	aliceBalance, err := manager.BalanceOf(alice, "ESC")
	require.NoError(t, err)
	require.Zero(t, aliceBalance.Cmp(big.NewInt(20)))
	bobBalance, err := manager.BalanceOf(bob, "ESC")
	require.NoError(t, err)
	require.Zero(t, bobBalance.Cmp(big.NewInt(30)))

	require.ErrorIs(t, manager.Transfer(alice, bob, "ESC", big.NewInt(-5)), invoice.ErrInvalidArgument)
}

func TestSelfTransferConservesBalance(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	alice := testAddr(0x11)

	require.NoError(t, manager.Credit(alice, "ESC", big.NewInt(10)))

	// Debiting and crediting the same slot must not double-apply either side.
	require.NoError(t, manager.Transfer(alice, alice, "ESC", big.NewInt(5)))

	balance, err := manager.BalanceOf(alice, "ESC")
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(10)))

	// Sufficiency still applies to self-transfers.
	require.ErrorIs(t, manager.Transfer(alice, alice, "ESC", big.NewInt(11)), ErrInsufficientBalance)
}

func TestBalanceOfUnknownTokenFails(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	_, err := manager.BalanceOf(testAddr(0x11), "DOGE")
	require.True(t, errors.Is(err, invoice.ErrInvalidToken))
}
