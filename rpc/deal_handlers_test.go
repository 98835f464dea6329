package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowmesh/core/state"
	"escrowmesh/native/deal"
	"escrowmesh/storage"
)

const testToken = "test-token"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv("ESCROWD_RPC_TOKEN", testToken)

	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	manager := state.NewManager(db)
	engine := deal.NewEngine()
	engine.SetState(manager)

	server := NewServer(engine, manager, slog.Default())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type rpcResult struct {
	Status int
	Body   RPCResponse
	Raw    json.RawMessage
}

func call(t *testing.T, ts *httptest.Server, method string, params interface{}, authed bool) rpcResult {
	t.Helper()
	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		reqBody["params"] = []interface{}{params}
	}
	raw, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      interface{}     `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	out := rpcResult{Status: resp.StatusCode, Raw: body.Result}
	out.Body = RPCResponse{JSONRPC: body.JSONRPC, ID: body.ID, Error: body.Error}
	return out
}

func createParams(id string) map[string]interface{} {
	return map[string]interface{}{
		"caller": "buyer-1",
		"dealId": id,
		"title":  "widget batch",
		"amount": "250",
		"asset":  "USDC",
		"seller": "seller-1",
		"ts":     1000,
	}
}

func decodeDeal(t *testing.T, raw json.RawMessage) *deal.Deal {
	t.Helper()
	var d deal.Deal
	require.NoError(t, json.Unmarshal(raw, &d))
	return &d
}

func TestMutationRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	res := call(t, ts, "deal_create", createParams("deal-1"), false)
	require.Equal(t, http.StatusUnauthorized, res.Status)
	require.NotNil(t, res.Body.Error)
	require.Equal(t, codeUnauthorized, res.Body.Error.Code)
}

func TestReadsNeedNoAuth(t *testing.T) {
	ts := newTestServer(t)
	res := call(t, ts, "deal_list", nil, false)
	require.Equal(t, http.StatusOK, res.Status)
	require.Nil(t, res.Body.Error)
}

func TestLifecycleOverRPC(t *testing.T) {
	ts := newTestServer(t)

	res := call(t, ts, "deal_create", createParams("deal-1"), true)
	require.Nil(t, res.Body.Error, "create failed: %+v", res.Body.Error)
	created := decodeDeal(t, res.Raw)
	require.Equal(t, deal.StatusOpen, created.Status)
	require.Equal(t, "buyer-1", created.Buyer)

	res = call(t, ts, "deal_fund", map[string]interface{}{
		"caller": "buyer-1", "dealId": "deal-1", "fundRef": "tx-1", "ts": 1001,
	}, true)
	require.Nil(t, res.Body.Error)
	require.Equal(t, deal.StatusFunded, decodeDeal(t, res.Raw).Status)

	res = call(t, ts, "deal_deliver", map[string]interface{}{
		"caller": "seller-1", "dealId": "deal-1", "proof": "tracking-42", "ts": 1002,
	}, true)
	require.Nil(t, res.Body.Error)
	require.Equal(t, deal.StatusDelivered, decodeDeal(t, res.Raw).Status)

	res = call(t, ts, "deal_release", map[string]interface{}{
		"caller": "buyer-1", "dealId": "deal-1", "ts": 1003,
	}, true)
	require.Nil(t, res.Body.Error)
	released := decodeDeal(t, res.Raw)
	require.Equal(t, deal.StatusReleased, released.Status)
	require.NotNil(t, released.Resolution)
	require.Equal(t, "buyer released", released.Resolution.Note)

	res = call(t, ts, "deal_get", map[string]interface{}{"dealId": "deal-1"}, false)
	require.Nil(t, res.Body.Error)
	require.Equal(t, deal.StatusReleased, decodeDeal(t, res.Raw).Status)
}

func TestErrorCodeMapping(t *testing.T) {
	ts := newTestServer(t)

	// invalid params: dealId below schema minimum
	res := call(t, ts, "deal_create", map[string]interface{}{
		"caller": "b", "dealId": "xy", "title": "abc", "amount": "1", "asset": "X", "seller": "seller-1",
	}, true)
	require.Equal(t, http.StatusBadRequest, res.Status)
	require.Equal(t, codeDealInvalidParams, res.Body.Error.Code)

	require.Nil(t, call(t, ts, "deal_create", createParams("deal-1"), true).Body.Error)

	// conflict: duplicate create
	res = call(t, ts, "deal_create", createParams("deal-1"), true)
	require.Equal(t, http.StatusConflict, res.Status)
	require.Equal(t, codeDealConflict, res.Body.Error.Code)

	// forbidden: seller cannot fund
	res = call(t, ts, "deal_fund", map[string]interface{}{"caller": "seller-1", "dealId": "deal-1"}, true)
	require.Equal(t, http.StatusForbidden, res.Status)
	require.Equal(t, codeDealForbidden, res.Body.Error.Code)

	// not found
	res = call(t, ts, "deal_fund", map[string]interface{}{"caller": "buyer-1", "dealId": "deal-9"}, true)
	require.Equal(t, http.StatusNotFound, res.Status)
	require.Equal(t, codeDealNotFound, res.Body.Error.Code)

	// state error: deliver before funding
	res = call(t, ts, "deal_deliver", map[string]interface{}{"caller": "seller-1", "dealId": "deal-1"}, true)
	require.Equal(t, http.StatusConflict, res.Status)
	require.Equal(t, codeDealState, res.Body.Error.Code)

	// unknown method
	res = call(t, ts, "deal_destroy", map[string]interface{}{}, true)
	require.Equal(t, http.StatusNotFound, res.Status)
	require.Equal(t, codeMethodNotFound, res.Body.Error.Code)
}

func TestListOverRPC(t *testing.T) {
	ts := newTestServer(t)
	for i := 1; i <= 3; i++ {
		require.Nil(t, call(t, ts, "deal_create", createParams(fmt.Sprintf("deal-%d", i)), true).Body.Error)
	}

	res := call(t, ts, "deal_list", map[string]interface{}{"limit": 1}, false)
	require.Nil(t, res.Body.Error)
	var listed dealListResult
	require.NoError(t, json.Unmarshal(res.Raw, &listed))
	require.Equal(t, 1, listed.Total)
	require.Equal(t, "deal-3", listed.Deals[0].DealID)

	res = call(t, ts, "deal_list", map[string]interface{}{"limit": 500}, false)
	require.Equal(t, codeDealInvalidParams, res.Body.Error.Code)

	require.Nil(t, call(t, ts, "deal_fund", map[string]interface{}{"caller": "buyer-1", "dealId": "deal-2"}, true).Body.Error)

	res = call(t, ts, "deal_listByStatus", map[string]interface{}{"status": "open", "limit": 10}, false)
	require.Nil(t, res.Body.Error)
	require.NoError(t, json.Unmarshal(res.Raw, &listed))
	require.Equal(t, 2, listed.Total)
	require.Equal(t, "deal-3", listed.Deals[0].DealID)
	require.Equal(t, "deal-1", listed.Deals[1].DealID)
}

func TestTimerOverRPC(t *testing.T) {
	ts := newTestServer(t)

	res := call(t, ts, "deal_timer", nil, false)
	require.Nil(t, res.Body.Error)
	var timer timerResult
	require.NoError(t, json.Unmarshal(res.Raw, &timer))
	require.Nil(t, timer.CurrentTime)

	res = call(t, ts, "timer_set", map[string]interface{}{"key": "currentTime", "value": 5000}, true)
	require.Nil(t, res.Body.Error)
	var stored timerSetResult
	require.NoError(t, json.Unmarshal(res.Raw, &stored))
	require.True(t, stored.Stored)

	// the stored timer overrides any transaction-supplied ts
	require.Nil(t, call(t, ts, "deal_create", createParams("deal-1"), true).Body.Error)
	res = call(t, ts, "deal_get", map[string]interface{}{"dealId": "deal-1"}, false)
	created := decodeDeal(t, res.Raw)
	require.NotNil(t, created.CreatedAt)
	require.Equal(t, int64(5000), *created.CreatedAt)

	// other keys are ignored
	res = call(t, ts, "timer_set", map[string]interface{}{"key": "somethingElse", "value": 1}, true)
	require.Nil(t, res.Body.Error)
	require.NoError(t, json.Unmarshal(res.Raw, &stored))
	require.False(t, stored.Stored)

	res = call(t, ts, "deal_snapshot", nil, false)
	require.Nil(t, res.Body.Error)
	var snap deal.Snapshot
	require.NoError(t, json.Unmarshal(res.Raw, &snap))
	require.Equal(t, 1, snap.DealCount)
	require.Equal(t, "deal-1", snap.LastDeal.DealID)
	require.NotNil(t, snap.CurrentTime)
	require.Equal(t, int64(5000), *snap.CurrentTime)
}

func TestRejectsNonPost(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
