package state

var (
	invoiceRecordPrefix  = []byte("invoice/record/")
	invoiceIndexPrefix   = []byte("invoice/index/")
	invoiceLenPrefix     = []byte("invoice/len/")
	contractRecordPrefix = []byte("contract/record/")
	contractIndexPrefix  = []byte("contract/index/")
	contractLenPrefix    = []byte("contract/len/")
	balancePrefix        = []byte("balance:")
	vaultPrefix          = []byte("escrownet/vault/")

	invoiceCounterKeyBytes = []byte("invoice/next-id")
	adminWalletKeyBytes    = []byte("admin/wallet")
)
