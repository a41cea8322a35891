package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"escrownet/crypto"
	"escrownet/native/invoice"
)

type invoiceCreateParams struct {
	Caller         string  `json:"caller"`
	Purpose        string  `json:"purpose"`
	Amount         string  `json:"amount"`
	AdminCharge    string  `json:"adminCharge"`
	CustomerCharge string  `json:"customerCharge"`
	Payer          string  `json:"payer"`
	Days           uint64  `json:"days"`
	RecurrentTimes *uint64 `json:"recurrentTimes,omitempty"`
	Token          string  `json:"token"`
}

type invoiceAcceptParams struct {
	Caller string   `json:"caller"`
	ID     uint64   `json:"id"`
	Funds  []string `json:"funds"`
}

type invoiceActorParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type transferAdminParams struct {
	Caller   string `json:"caller"`
	NewAdmin string `json:"newAdmin"`
}

type invoiceQueryParams struct {
	ID    uint64 `json:"id"`
	Owner string `json:"owner"`
}

type ownerParams struct {
	Owner string `json:"owner"`
}

type pageParams struct {
	Owner    string `json:"owner"`
	Page     uint32 `json:"page"`
	PageSize uint32 `json:"pageSize"`
}

// Contract records live in the payer namespace, so their query params name
// the key accordingly.
type contractQueryParams struct {
	ID    uint64 `json:"id"`
	Payer string `json:"payer"`
}

type payerParams struct {
	Payer string `json:"payer"`
}

type contractPageParams struct {
	Payer    string `json:"payer"`
	Page     uint32 `json:"page"`
	PageSize uint32 `json:"pageSize"`
}

type balanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

type invoiceJSON struct {
	ID                    uint64 `json:"id"`
	Receiver              string `json:"receiver"`
	Payer                 string `json:"payer"`
	Purpose               string `json:"purpose"`
	Amount                string `json:"amount"`
	AdminCharge           string `json:"adminCharge"`
	CustomerCharge        string `json:"customerCharge"`
	Days                  uint64 `json:"days"`
	Recurrent             bool   `json:"recurrent"`
	RecurrentTimes        uint64 `json:"recurrentTimes"`
	RemainingInstallments uint64 `json:"remainingInstallments"`
	Status                string `json:"status"`
	PaymentTime           int64  `json:"paymentTime"`
	CriticalTime          int64  `json:"criticalTime"`
	Condition             string `json:"condition"`
	Token                 string `json:"token"`
}

type contractJSON struct {
	ID       uint64      `json:"id"`
	Payer    string      `json:"payer"`
	Balance  string      `json:"balance"`
	Process  string      `json:"process"`
	Accepted bool        `json:"accepted"`
	Invoice  invoiceJSON `json:"invoice"`
}

type invoiceListEntryJSON struct {
	ID      uint64      `json:"id"`
	Invoice invoiceJSON `json:"invoice"`
}

type contractListEntryJSON struct {
	ID       uint64       `json:"id"`
	Contract contractJSON `json:"contract"`
}

type createResult struct {
	ID uint64 `json:"id"`
}

type balanceResult struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

func invoiceToJSON(inv *invoice.Invoice) invoiceJSON {
	return invoiceJSON{
		ID:                    inv.ID,
		Receiver:              crypto.EncodeAddress(inv.Receiver),
		Payer:                 crypto.EncodeAddress(inv.Payer),
		Purpose:               inv.Purpose,
		Amount:                inv.Amount.String(),
		AdminCharge:           inv.AdminCharge.String(),
		CustomerCharge:        inv.CustomerCharge.String(),
		Days:                  inv.Days,
		Recurrent:             inv.Recurrent,
		RecurrentTimes:        inv.RecurrentTimes,
		RemainingInstallments: inv.RemainingInstallments,
		Status:                inv.Status.String(),
		PaymentTime:           inv.PaymentTime,
		CriticalTime:          inv.CriticalTime,
		Condition:             inv.Condition.String(),
		Token:                 inv.Token,
	}
}

func contractToJSON(c *invoice.Contract) contractJSON {
	return contractJSON{
		ID:       c.ID,
		Payer:    crypto.EncodeAddress(c.Payer),
		Balance:  c.Balance.String(),
		Process:  c.Process.String(),
		Accepted: c.Accepted,
		Invoice:  invoiceToJSON(c.Invoice),
	}
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one params object")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(field, value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid %s address: %w", field, err)
	}
	return addr.Array(), nil
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative base-10 integer", field)
	}
	return amount, nil
}

// writeEngineError maps engine sentinels onto the invoice error-code block.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, invoice.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeInvoiceNotFound, err.Error(), nil)
	case errors.Is(err, invoice.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeInvoiceForbidden, err.Error(), nil)
	case errors.Is(err, invoice.ErrInvalidArgument), errors.Is(err, invoice.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, id, codeInvoiceInvalidParams, err.Error(), nil)
	case errors.Is(err, invoice.ErrInvalidState),
		errors.Is(err, invoice.ErrInsufficientFunds),
		errors.Is(err, invoice.ErrTooEarly),
		errors.Is(err, invoice.ErrAlreadySettled),
		errors.Is(err, invoice.ErrCanceled),
		errors.Is(err, invoice.ErrNothingReserved),
		errors.Is(err, invoice.ErrAdminNotSet):
		writeError(w, http.StatusConflict, id, codeInvoiceConflict, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeInvoiceInternal, err.Error(), nil)
	}
}

func (s *Server) handleInvoiceCreate(w http.ResponseWriter, req *RPCRequest) {
	var params invoiceCreateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	payer, err := parseAddress("payer", params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	adminCharge, err := parseAmount("adminCharge", params.AdminCharge)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	customerCharge, err := parseAmount("customerCharge", params.CustomerCharge)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	created, err := s.node.CreateInvoice(caller, params.Purpose, amount, adminCharge, customerCharge, payer, params.Days, params.RecurrentTimes, params.Token)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, createResult{ID: created.ID})
}

func (s *Server) handleInvoiceAccept(w http.ResponseWriter, req *RPCRequest) {
	var params invoiceAcceptParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	attached := make([]*big.Int, 0, len(params.Funds))
	for _, raw := range params.Funds {
		coin, err := parseAmount("funds", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
			return
		}
		attached = append(attached, coin)
	}
	if err := s.node.AcceptInvoice(caller, params.ID, attached); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleInvoiceCancel(w http.ResponseWriter, req *RPCRequest) {
	var params invoiceActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.CancelInvoice(caller, params.ID); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleInvoiceWithdraw(w http.ResponseWriter, req *RPCRequest) {
	var params invoiceActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.WithdrawPayment(caller, params.ID); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleTransferAdmin(w http.ResponseWriter, req *RPCRequest) {
	var params transferAdminParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	newAdmin, err := parseAddress("newAdmin", params.NewAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.TransferAdmin(caller, newAdmin); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleInvoiceGet(w http.ResponseWriter, req *RPCRequest) {
	var params invoiceQueryParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	record, ok := s.node.GetInvoice(owner, params.ID)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeInvoiceNotFound, fmt.Sprintf("invoice %d not found", params.ID), nil)
		return
	}
	writeResult(w, req.ID, invoiceToJSON(record))
}

func (s *Server) handleInvoiceCount(w http.ResponseWriter, req *RPCRequest) {
	var params ownerParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	count, err := s.node.InvoiceCount(owner)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, count)
}

func (s *Server) handleInvoiceList(w http.ResponseWriter, req *RPCRequest) {
	var params pageParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, err := parseAddress("owner", params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	entries, err := s.node.ListInvoices(owner, params.Page, params.PageSize)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	out := make([]invoiceListEntryJSON, 0, len(entries))
	for _, entry := range entries {
		out = append(out, invoiceListEntryJSON{ID: entry.ID, Invoice: invoiceToJSON(entry.Invoice)})
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleContractGet(w http.ResponseWriter, req *RPCRequest) {
	var params contractQueryParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	payer, err := parseAddress("payer", params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	record, ok := s.node.GetContract(payer, params.ID)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeInvoiceNotFound, fmt.Sprintf("contract %d not found", params.ID), nil)
		return
	}
	writeResult(w, req.ID, contractToJSON(record))
}

func (s *Server) handleContractCount(w http.ResponseWriter, req *RPCRequest) {
	var params payerParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	payer, err := parseAddress("payer", params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	count, err := s.node.ContractCount(payer)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, count)
}

func (s *Server) handleContractList(w http.ResponseWriter, req *RPCRequest) {
	var params contractPageParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	payer, err := parseAddress("payer", params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	entries, err := s.node.ListContracts(payer, params.Page, params.PageSize)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	out := make([]contractListEntryJSON, 0, len(entries))
	for _, entry := range entries {
		out = append(out, contractListEntryJSON{ID: entry.ID, Contract: contractToJSON(entry.Contract)})
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleGetAdmin(w http.ResponseWriter, req *RPCRequest) {
	admin, ok := s.node.Admin()
	result := ""
	if ok {
		result = crypto.EncodeAddress(admin)
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) {
	var params balanceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvoiceInvalidParams, err.Error(), nil)
		return
	}
	balance, err := s.node.Balance(addr, params.Token)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{
		Address: params.Address,
		Token:   strings.ToUpper(strings.TrimSpace(params.Token)),
		Balance: balance.String(),
	})
}
