package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"escrownet/core"
	"escrownet/crypto"
	"escrownet/storage"
)

var (
	rpcReceiver = rpcTestAddr(0x11)
	rpcPayer    = rpcTestAddr(0x22)
	rpcAdmin    = rpcTestAddr(0x33)
)

func rpcTestAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestServer(t *testing.T) (*Server, *core.Node) {
	t.Helper()
	node := core.NewNode(storage.NewMemDB())
	node.SetNowFunc(func() int64 { return 1000 })
	require.NoError(t, node.InitializeAdmin(rpcAdmin))
	return &Server{node: node}, node
}

func call(t *testing.T, server *Server, method string, params interface{}, headers map[string]string) (*httptest.ResponseRecorder, *RPCResponse) {
	t.Helper()
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		req["params"] = []interface{}{params}
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httpReq)

	resp := &RPCResponse{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), resp))
	return recorder, resp
}

func decodeResult(t *testing.T, resp *RPCResponse, out interface{}) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func createTestInvoice(t *testing.T, server *Server, amount, adminCharge, customerCharge string, days uint64) uint64 {
	t.Helper()
	_, resp := call(t, server, "invoice_create", invoiceCreateParams{
		Caller:         crypto.EncodeAddress(rpcReceiver),
		Purpose:        "site redesign",
		Amount:         amount,
		AdminCharge:    adminCharge,
		CustomerCharge: customerCharge,
		Payer:          crypto.EncodeAddress(rpcPayer),
		Days:           days,
		Token:          "ESC",
	}, nil)
	var created createResult
	decodeResult(t, resp, &created)
	require.NotZero(t, created.ID)
	return created.ID
}

func TestInvoiceLifecycleOverRPC(t *testing.T) {
	server, node := newTestServer(t)
	require.NoError(t, node.FundAccount(rpcPayer, "ESC", big.NewInt(100)))

	id := createTestInvoice(t, server, "10", "2", "1", 2)

	recorder, resp := call(t, server, "invoice_accept", invoiceAcceptParams{
		Caller: crypto.EncodeAddress(rpcPayer),
		ID:     id,
		Funds:  []string{"12"},
	}, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Nil(t, resp.Error)

	_, resp = call(t, server, "invoice_get", invoiceQueryParams{
		ID:    id,
		Owner: crypto.EncodeAddress(rpcReceiver),
	}, nil)
	var inv invoiceJSON
	decodeResult(t, resp, &inv)
	require.Equal(t, "accepted", inv.Status)
	require.Equal(t, "pay_full", inv.Condition)
	require.Equal(t, int64(1000+2*86400), inv.PaymentTime)
	require.Equal(t, int64(1000+86400), inv.CriticalTime)

	_, resp = call(t, server, "contract_get", contractQueryParams{
		ID:    id,
		Payer: crypto.EncodeAddress(rpcPayer),
	}, nil)
	var contract contractJSON
	decodeResult(t, resp, &contract)
	require.True(t, contract.Accepted)
	require.Equal(t, "started", contract.Process)
	require.Equal(t, "10", contract.Balance)

	node.SetNowFunc(func() int64 { return 1000 + 2*86400 })
	_, resp = call(t, server, "invoice_withdraw", invoiceActorParams{
		Caller: crypto.EncodeAddress(rpcReceiver),
		ID:     id,
	}, nil)
	require.Nil(t, resp.Error)

	_, resp = call(t, server, "bank_getBalance", balanceParams{
		Address: crypto.EncodeAddress(rpcReceiver),
		Token:   "ESC",
	}, nil)
	var balance balanceResult
	decodeResult(t, resp, &balance)
	require.Equal(t, "9", balance.Balance)

	_, resp = call(t, server, "invoice_get", invoiceQueryParams{
		ID:    id,
		Owner: crypto.EncodeAddress(rpcReceiver),
	}, nil)
	decodeResult(t, resp, &inv)
	require.Equal(t, "done", inv.Status)
	require.Zero(t, inv.RemainingInstallments)
}

func TestQuerySurface(t *testing.T) {
	server, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		createTestInvoice(t, server, "5", "1", "1", 1)
	}

	_, resp := call(t, server, "invoice_count", ownerParams{Owner: crypto.EncodeAddress(rpcReceiver)}, nil)
	var count uint32
	decodeResult(t, resp, &count)
	require.Equal(t, uint32(3), count)

	_, resp = call(t, server, "invoice_list", pageParams{
		Owner:    crypto.EncodeAddress(rpcReceiver),
		Page:     1,
		PageSize: 2,
	}, nil)
	var entries []invoiceListEntryJSON
	decodeResult(t, resp, &entries)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(3), entries[0].ID)

	_, resp = call(t, server, "contract_count", payerParams{Payer: crypto.EncodeAddress(rpcPayer)}, nil)
	decodeResult(t, resp, &count)
	require.Equal(t, uint32(3), count)

	_, resp = call(t, server, "contract_list", contractPageParams{
		Payer:    crypto.EncodeAddress(rpcPayer),
		Page:     0,
		PageSize: 10,
	}, nil)
	var contracts []contractListEntryJSON
	decodeResult(t, resp, &contracts)
	require.Len(t, contracts, 3)
	require.Equal(t, "not_started", contracts[0].Contract.Process)

	_, resp = call(t, server, "invoice_getAdmin", nil, nil)
	var admin string
	decodeResult(t, resp, &admin)
	require.Equal(t, crypto.EncodeAddress(rpcAdmin), admin)

	recorder, resp := call(t, server, "invoice_list", pageParams{
		Owner:    crypto.EncodeAddress(rpcReceiver),
		Page:     0,
		PageSize: 0,
	}, nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvoiceInvalidParams, resp.Error.Code)
}

func TestErrorCodeMapping(t *testing.T) {
	server, node := newTestServer(t)

	recorder, resp := call(t, server, "invoice_get", invoiceQueryParams{
		ID:    99,
		Owner: crypto.EncodeAddress(rpcReceiver),
	}, nil)
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Equal(t, codeInvoiceNotFound, resp.Error.Code)

	recorder, resp = call(t, server, "invoice_create", invoiceCreateParams{
		Caller:         "not-a-bech32-address",
		Amount:         "5",
		AdminCharge:    "1",
		CustomerCharge: "1",
		Payer:          crypto.EncodeAddress(rpcPayer),
		Token:          "ESC",
	}, nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, codeInvoiceInvalidParams, resp.Error.Code)

	recorder, resp = call(t, server, "invoice_create", invoiceCreateParams{
		Caller:         crypto.EncodeAddress(rpcReceiver),
		Amount:         "5",
		AdminCharge:    "0",
		CustomerCharge: "1",
		Payer:          crypto.EncodeAddress(rpcPayer),
		Token:          "ESC",
	}, nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, codeInvoiceInvalidParams, resp.Error.Code)

	id := createTestInvoice(t, server, "10", "2", "1", 2)
	require.NoError(t, node.FundAccount(rpcPayer, "ESC", big.NewInt(100)))

	recorder, resp = call(t, server, "invoice_accept", invoiceAcceptParams{
		Caller: crypto.EncodeAddress(rpcPayer),
		ID:     id,
		Funds:  []string{"5"},
	}, nil)
	require.Equal(t, http.StatusConflict, recorder.Code)
	require.Equal(t, codeInvoiceConflict, resp.Error.Code)

	recorder, resp = call(t, server, "invoice_transferAdmin", transferAdminParams{
		Caller:   crypto.EncodeAddress(rpcPayer),
		NewAdmin: crypto.EncodeAddress(rpcPayer),
	}, nil)
	require.Equal(t, http.StatusForbidden, recorder.Code)
	require.Equal(t, codeInvoiceForbidden, resp.Error.Code)

	recorder, resp = call(t, server, "invoice_cancel", invoiceActorParams{
		Caller: crypto.EncodeAddress(rpcPayer),
		ID:     id,
	}, nil)
	require.Equal(t, http.StatusConflict, recorder.Code)
	require.Equal(t, codeInvoiceConflict, resp.Error.Code)
}

func TestProtocolErrors(t *testing.T) {
	server, _ := newTestServer(t)

	recorder, resp := call(t, server, "unknown_method", nil, nil)
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)

	_, resp = call(t, server, "invoice_get", nil, nil)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not json")))
	recorder = httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httpReq)
	resp = &RPCResponse{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), resp))
	require.Equal(t, codeParseError, resp.Error.Code)

	httpReq = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
	recorder = httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httpReq)
	resp = &RPCResponse{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), resp))
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	recorderBad, respBad := callWithVersion(t, server, "1.0")
	require.Equal(t, http.StatusBadRequest, recorderBad.Code)
	require.Equal(t, codeInvalidRequest, respBad.Error.Code)
}

func callWithVersion(t *testing.T, server *Server, version string) (*httptest.ResponseRecorder, *RPCResponse) {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":%q,"id":1,"method":"invoice_getAdmin"}`, version)
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(body)))
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httpReq)
	resp := &RPCResponse{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), resp))
	return recorder, resp
}

func TestBearerAuth(t *testing.T) {
	server, node := newTestServer(t)
	server.authToken = "sekrit"
	require.NoError(t, node.FundAccount(rpcPayer, "ESC", big.NewInt(100)))

	params := invoiceCreateParams{
		Caller:         crypto.EncodeAddress(rpcReceiver),
		Amount:         "5",
		AdminCharge:    "1",
		CustomerCharge: "1",
		Payer:          crypto.EncodeAddress(rpcPayer),
		Days:           1,
		Token:          "ESC",
	}

	recorder, resp := call(t, server, "invoice_create", params, nil)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	recorder, resp = call(t, server, "invoice_create", params, map[string]string{
		"Authorization": "Bearer wrong",
	})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	recorder, resp = call(t, server, "invoice_create", params, map[string]string{
		"Authorization": "Bearer sekrit",
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Nil(t, resp.Error)

	// Reads stay open even when a token is configured.
	recorder, resp = call(t, server, "invoice_getAdmin", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Nil(t, resp.Error)
}
