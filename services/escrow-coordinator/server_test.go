package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"xmrmarket/multisig"
	"xmrmarket/native/order"
	"xmrmarket/wallet"
)

var testCustodyAddress = "5" + strings.Repeat("A", 94)

// stubRPC is a minimal scripted wallet for driving ceremonies end to end
// through the HTTP surface.
type stubRPC struct {
	id   string
	gate chan struct{} // when set, prepare blocks until closed
	fail bool
}

func (s *stubRPC) GetAddress(context.Context) (string, error) {
	return testCustodyAddress, nil
}

func (s *stubRPC) PrepareMultisig(context.Context) (string, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.fail {
		return "", &wallet.RPCError{Kind: wallet.KindProtocol, Method: "prepare_multisig", Msg: "Error: This wallet is already multisig"}
	}
	return "MultisigV1prep" + s.id + strings.Repeat("x", 100), nil
}

func (s *stubRPC) MakeMultisig(context.Context, uint32, []string) (wallet.MakeMultisigResult, error) {
	return wallet.MakeMultisigResult{MultisigInfo: "MultisigV1make" + s.id + strings.Repeat("x", 100)}, nil
}

func (s *stubRPC) ExchangeMultisigKeys(context.Context, []string) (wallet.ExchangeResult, error) {
	return wallet.ExchangeResult{Address: testCustodyAddress, IsFinal: true}, nil
}

func (s *stubRPC) IsMultisig(context.Context) (wallet.MultisigStatus, error) {
	return wallet.MultisigStatus{Multisig: true, Ready: true, Threshold: 2, Total: 3}, nil
}

type testHarness struct {
	srv    *Server
	store  *SQLiteStore
	engine *order.Engine
	stubs  map[string]*stubRPC
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "coordinator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		Network:     wallet.NetworkStagenet,
		ArbiterID:   "marketplace-arbiter",
		MakeSpacing: time.Millisecond,
	}
	engine := order.NewEngine(cfg.Network)
	engine.SetState(store)

	registry := prometheus.NewRegistry()
	srv := NewServer(cfg, store, engine, NewMetrics(registry), registry, nil)
	engine.SetEmitter(srv)

	h := &testHarness{srv: srv, store: store, engine: engine, stubs: make(map[string]*stubRPC)}
	srv.newRPC = func(endpoint string) multisig.WalletRPC {
		stub, ok := h.stubs[endpoint]
		require.True(t, ok, "no stub wallet for endpoint %s", endpoint)
		return stub
	}
	return h
}

func (h *testHarness) addWallets(t *testing.T, fail bool, gate chan struct{}, endpoints ...string) {
	t.Helper()
	for i, endpoint := range endpoints {
		h.stubs[endpoint] = &stubRPC{id: string(rune('a' + i)), fail: fail, gate: gate}
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (h *testHarness) createOrder(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"buyerId":         "buyer-1",
		"vendorId":        "vendor-1",
		"totalAtomic":     2_500_000_000_000,
		"shippingAddress": "ciphertext",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["orderId"].(string)
}

func (h *testHarness) startEscrow(t *testing.T, orderID string, endpoints [3]string) (sessionID string, code int, body map[string]interface{}) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/escrow/start", map[string]interface{}{
		"orderId":         orderID,
		"buyerEndpoint":   endpoints[0],
		"vendorEndpoint":  endpoints[1],
		"arbiterEndpoint": endpoints[2],
	})
	body = decodeBody(t, rec)
	if id, ok := body["sessionId"].(string); ok {
		sessionID = id
	}
	return sessionID, rec.Code, body
}

func (h *testHarness) waitForSession(t *testing.T, sessionID, wantStatus string) map[string]interface{} {
	t.Helper()
	var last map[string]interface{}
	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/escrow/"+sessionID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		last = decodeBody(t, rec)
		return last["status"] == wantStatus
	}, 5*time.Second, 5*time.Millisecond, "session never reached %s (last: %v)", wantStatus, last)
	return last
}

var happyEndpoints = [3]string{
	"http://127.0.0.1:18083/json_rpc",
	"http://127.0.0.1:18084/json_rpc",
	"http://127.0.0.1:18085/json_rpc",
}

func TestFullEscrowFlowOverHTTP(t *testing.T) {
	h := newTestHarness(t)
	h.addWallets(t, false, nil, happyEndpoints[0], happyEndpoints[1], happyEndpoints[2])
	orderID := h.createOrder(t)

	sessionID, code, _ := h.startEscrow(t, orderID, happyEndpoints)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, sessionID)

	status := h.waitForSession(t, sessionID, "finalized")
	require.Equal(t, testCustodyAddress, status["address"])

	rec := h.do(t, http.MethodGet, "/orders/"+orderID+"/address", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, testCustodyAddress, decodeBody(t, rec)["address"])

	rec = h.do(t, http.MethodPost, "/orders/"+orderID+"/funded", map[string]interface{}{"paymentConfirmed": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/orders/"+orderID+"/payout", map[string]interface{}{"address": testCustodyAddress})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/orders/"+orderID+"/ship", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/orders/"+orderID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "completed", decodeBody(t, rec)["status"])
}

func TestEscrowFailureMarksOrderTerminal(t *testing.T) {
	h := newTestHarness(t)
	h.addWallets(t, true, nil, happyEndpoints[0], happyEndpoints[1], happyEndpoints[2])
	orderID := h.createOrder(t)

	sessionID, code, _ := h.startEscrow(t, orderID, happyEndpoints)
	require.Equal(t, http.StatusAccepted, code)

	status := h.waitForSession(t, sessionID, "failed")
	require.Equal(t, "protocol_violation", status["reason"])
	require.Contains(t, status["message"], "please retry")
	require.NotContains(t, status, "address")

	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/orders/"+orderID, nil)
		return decodeBody(t, rec)["status"] == "escrow_failed"
	}, 5*time.Second, 5*time.Millisecond)

	// A consumed order cannot start a second ceremony.
	_, code, _ = h.startEscrow(t, orderID, happyEndpoints)
	require.Equal(t, http.StatusConflict, code)
}

func TestStartEscrowValidation(t *testing.T) {
	h := newTestHarness(t)
	orderID := h.createOrder(t)

	_, code, body := h.startEscrow(t, orderID, [3]string{
		"http://10.1.2.3:18083/json_rpc", happyEndpoints[1], happyEndpoints[2],
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body["error"], "endpoint")

	_, code, body = h.startEscrow(t, orderID, [3]string{
		happyEndpoints[0], happyEndpoints[0], happyEndpoints[2],
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body["error"], "distinct")

	_, code, _ = h.startEscrow(t, "unknown-order", happyEndpoints)
	require.Equal(t, http.StatusNotFound, code)
}

func TestEndpointLockRejectsConcurrentCeremony(t *testing.T) {
	h := newTestHarness(t)
	gate := make(chan struct{})
	h.addWallets(t, false, gate, happyEndpoints[0], happyEndpoints[1], happyEndpoints[2])
	first := h.createOrder(t)
	second := h.createOrder(t)

	firstSession, code, _ := h.startEscrow(t, first, happyEndpoints)
	require.Equal(t, http.StatusAccepted, code)

	// Same wallet endpoints while the first ceremony is in flight.
	_, code, body := h.startEscrow(t, second, happyEndpoints)
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, body["error"], "already in use")

	close(gate)
	h.waitForSession(t, firstSession, "finalized")

	// Endpoints are released once the first ceremony terminates.
	require.Eventually(t, func() bool {
		_, code, _ := h.startEscrow(t, second, happyEndpoints)
		return code == http.StatusAccepted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOrderGuardsSurfaceAsConflicts(t *testing.T) {
	h := newTestHarness(t)
	h.addWallets(t, false, nil, happyEndpoints[0], happyEndpoints[1], happyEndpoints[2])
	orderID := h.createOrder(t)
	sessionID, _, _ := h.startEscrow(t, orderID, happyEndpoints)
	h.waitForSession(t, sessionID, "finalized")

	// Funding without confirmed payment is a guard violation, not a transition.
	rec := h.do(t, http.MethodPost, "/orders/"+orderID+"/funded", map[string]interface{}{"paymentConfirmed": false})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, decodeBody(t, rec)["error"], "payment")

	rec = h.do(t, http.MethodPost, "/orders/"+orderID+"/funded", map[string]interface{}{"paymentConfirmed": true})
	require.Equal(t, http.StatusOK, rec.Code)

	// Shipping before a payout address exists.
	rec = h.do(t, http.MethodPost, "/orders/"+orderID+"/ship", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, decodeBody(t, rec)["error"], "payout")

	// Malformed payout address.
	rec = h.do(t, http.MethodPost, "/orders/"+orderID+"/payout", map[string]interface{}{"address": "nope"})
	require.Equal(t, http.StatusConflict, rec.Code)

	// Dispute from an uninvolved party.
	rec = h.do(t, http.MethodPost, "/orders/"+orderID+"/dispute", map[string]interface{}{"raisedBy": "stranger"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/orders/"+orderID+"/dispute", map[string]interface{}{"raisedBy": "buyer-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/orders/"+orderID+"/resolve", map[string]interface{}{"outcome": "refund"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/orders/"+orderID, nil)
	require.Equal(t, "refunded", decodeBody(t, rec)["status"])
}

func TestPollUnknownSession(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, "/escrow/ms-missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPollFallsBackToPersistedSession(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.store.SessionUpsert("ms-old", "order-old", "failed", "transport", ""))
	rec := h.do(t, http.MethodGet, "/escrow/ms-old", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "failed", body["status"])
	require.Equal(t, "transport", body["reason"])
}

func TestAuditTrailRecordsCeremony(t *testing.T) {
	h := newTestHarness(t)
	h.addWallets(t, false, nil, happyEndpoints[0], happyEndpoints[1], happyEndpoints[2])
	orderID := h.createOrder(t)
	sessionID, _, _ := h.startEscrow(t, orderID, happyEndpoints)
	h.waitForSession(t, sessionID, "finalized")

	require.Eventually(t, func() bool {
		var count int
		if err := h.store.db.QueryRow(
			`SELECT COUNT(*) FROM audit_log WHERE event_type = ?`, multisig.EventTypeSessionFinalized,
		).Scan(&count); err != nil {
			return false
		}
		return count == 1
	}, 5*time.Second, 5*time.Millisecond)

	var rounds int
	require.NoError(t, h.store.db.QueryRow(
		`SELECT COUNT(*) FROM audit_log WHERE event_type = ?`, multisig.EventTypeRoundCompleted,
	).Scan(&rounds))
	require.Equal(t, 3, rounds)
}

func TestHealthz(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
