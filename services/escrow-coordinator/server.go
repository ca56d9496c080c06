package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xmrmarket/core/events"
	"xmrmarket/multisig"
	"xmrmarket/native/order"
	"xmrmarket/wallet"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server is the HTTP front-end of the escrow coordinator. Each started
// ceremony is owned by exactly one goroutine; handlers only ever read the
// published snapshot, never the live session.
type Server struct {
	cfg     Config
	store   *SQLiteStore
	engine  *order.Engine
	metrics *Metrics
	log     *slog.Logger
	router  chi.Router

	sessions sync.Map // session id -> *sessionEntry

	// A wallet process has exactly one current mode; two ceremonies must never
	// share an endpoint.
	endpointsMu     sync.Mutex
	activeEndpoints map[string]string // endpoint -> session id

	orchCfg multisig.Config
	newRPC  func(endpoint string) multisig.WalletRPC
}

// sessionEntry is the coordinator's thread-safe snapshot of one ceremony.
type sessionEntry struct {
	mu      sync.RWMutex
	orderID string
	status  string
	reason  string
	address string
	started time.Time
}

func (e *sessionEntry) snapshot() (status, reason, address string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status, e.reason, e.address
}

func (e *sessionEntry) update(status, reason, address string) {
	e.mu.Lock()
	e.status = status
	e.reason = reason
	e.address = address
	e.mu.Unlock()
}

// NewServer wires the coordinator's HTTP surface.
func NewServer(cfg Config, store *SQLiteStore, engine *order.Engine, metrics *Metrics, registry *prometheus.Registry, log *slog.Logger) *Server {
	if store == nil {
		panic("sqlite store required")
	}
	if engine == nil {
		panic("order engine required")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:             cfg,
		store:           store,
		engine:          engine,
		metrics:         metrics,
		log:             log,
		activeEndpoints: make(map[string]string),
		orchCfg: multisig.Config{
			MakeSpacing:         cfg.MakeSpacing,
			RetryCeiling:        cfg.RetryCeiling,
			ExchangeExtraRounds: cfg.ExchangeExtraRounds,
		},
	}
	s.newRPC = func(endpoint string) multisig.WalletRPC {
		return wallet.NewClient(endpoint, cfg.RPCTimeout)
	}

	r := chi.NewRouter()
	r.Post("/orders", s.handleCreateOrder)
	r.Get("/orders/{orderID}", s.handleGetOrder)
	r.Get("/orders/{orderID}/address", s.handleGetFinalizedAddress)
	r.Post("/orders/{orderID}/funded", s.handleMarkFunded)
	r.Post("/orders/{orderID}/payout", s.handleSetPayout)
	r.Post("/orders/{orderID}/ship", s.handleShip)
	r.Post("/orders/{orderID}/confirm", s.handleConfirm)
	r.Post("/orders/{orderID}/dispute", s.handleDispute)
	r.Post("/orders/{orderID}/resolve", s.handleResolve)
	r.Post("/escrow/start", s.handleStartEscrow)
	r.Get("/escrow/{sessionID}", s.handlePollStatus)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Emit satisfies events.Emitter: engine and ceremony events feed the audit
// trail and metrics.
func (s *Server) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if err := s.store.AppendEvent(evt); err != nil {
		s.log.Warn("audit append failed", "error", err.Error())
	}
	if s.metrics == nil {
		return
	}
	switch evt.EventType() {
	case multisig.EventTypeCollisionDetected:
		s.metrics.CollisionsDetected.Inc()
	case multisig.EventTypeRoundCompleted:
		round := "?"
		if rec, ok := evt.(*events.Record); ok {
			round = rec.Attribute("round")
		}
		s.metrics.RoundsCompleted.WithLabelValues(round).Inc()
	}
}

type createOrderRequest struct {
	BuyerID         string `json:"buyerId"`
	VendorID        string `json:"vendorId"`
	TotalAtomic     int64  `json:"totalAtomic"`
	ShippingAddress string `json:"shippingAddress"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ord, err := s.engine.Create(req.BuyerID, req.VendorID, s.cfg.ArbiterID, req.TotalAtomic, []byte(req.ShippingAddress))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse(ord))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ord, err := s.engine.Get(chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(ord))
}

type startEscrowRequest struct {
	OrderID         string `json:"orderId"`
	BuyerEndpoint   string `json:"buyerEndpoint"`
	VendorEndpoint  string `json:"vendorEndpoint"`
	ArbiterEndpoint string `json:"arbiterEndpoint"`
}

func (s *Server) handleStartEscrow(w http.ResponseWriter, r *http.Request) {
	var req startEscrowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ord, err := s.engine.Get(req.OrderID)
	if err != nil {
		writeOrderError(w, err)
		return
	}
	if ord.Status != order.StatusCreated {
		writeError(w, http.StatusConflict, "escrow setup already started for this order")
		return
	}

	endpoints := map[multisig.Participant]string{
		multisig.Buyer:   strings.TrimSpace(req.BuyerEndpoint),
		multisig.Vendor:  strings.TrimSpace(req.VendorEndpoint),
		multisig.Arbiter: strings.TrimSpace(req.ArbiterEndpoint),
	}
	seen := make(map[string]bool, 3)
	for role, endpoint := range endpoints {
		if err := wallet.ValidateLocalEndpoint(endpoint); err != nil {
			writeError(w, http.StatusBadRequest, role.String()+" endpoint rejected: "+err.Error())
			return
		}
		if seen[endpoint] {
			writeError(w, http.StatusBadRequest, "wallet endpoints must be distinct")
			return
		}
		seen[endpoint] = true
	}

	sess := multisig.NewSession(ord.ID)
	if !s.lockEndpoints(endpoints, sess.ID) {
		writeError(w, http.StatusConflict, "a wallet endpoint is already in use by another escrow setup")
		return
	}
	if err := s.engine.AttachSession(ord.ID, sess.ID); err != nil {
		s.unlockEndpoints(endpoints)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	entry := &sessionEntry{orderID: ord.ID, status: multisig.StatusPending.String(), started: time.Now()}
	s.sessions.Store(sess.ID, entry)
	if err := s.store.SessionUpsert(sess.ID, ord.ID, entry.status, "", ""); err != nil {
		s.log.Warn("session persist failed", "session_id", sess.ID, "error", err.Error())
	}

	handles := []*multisig.Handle{
		{Role: multisig.Buyer, Endpoint: endpoints[multisig.Buyer], RPC: s.newRPC(endpoints[multisig.Buyer])},
		{Role: multisig.Vendor, Endpoint: endpoints[multisig.Vendor], RPC: s.newRPC(endpoints[multisig.Vendor])},
		{Role: multisig.Arbiter, Endpoint: endpoints[multisig.Arbiter], RPC: s.newRPC(endpoints[multisig.Arbiter])},
	}
	if s.metrics != nil {
		s.metrics.SessionsStarted.Inc()
	}
	go s.runSession(sess, entry, handles, endpoints)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"sessionId": sess.ID,
		"orderId":   ord.ID,
		"status":    entry.status,
	})
}

// runSession drives one ceremony to a terminal state. It is the session's
// sole owner; nothing else touches the session value.
func (s *Server) runSession(sess *multisig.Session, entry *sessionEntry, handles []*multisig.Handle, endpoints map[multisig.Participant]string) {
	defer s.unlockEndpoints(endpoints)

	entry.update(multisig.StatusRoundInProgress.String(), "", "")
	orch := multisig.NewOrchestrator(s.orchCfg)
	orch.SetEmitter(s)
	orch.SetLogger(s.log)

	err := orch.Run(context.Background(), sess, handles)
	elapsed := time.Since(entry.started).Seconds()
	if s.metrics != nil {
		s.metrics.SessionDuration.Observe(elapsed)
	}

	if err != nil {
		reason := string(sess.FailReason())
		entry.update(multisig.StatusFailed.String(), reason, "")
		if s.metrics != nil {
			s.metrics.SessionsFailed.WithLabelValues(reason).Inc()
		}
		if perr := s.store.SessionUpsert(sess.ID, entry.orderID, multisig.StatusFailed.String(), reason, ""); perr != nil {
			s.log.Warn("session persist failed", "session_id", sess.ID, "error", perr.Error())
		}
		if ferr := s.engine.MarkEscrowFailed(entry.orderID); ferr != nil {
			s.log.Error("order escrow-failure transition failed", "order_id", entry.orderID, "error", ferr.Error())
		}
		return
	}

	address := sess.FinalizedAddress()
	entry.update(multisig.StatusFinalized.String(), "", address)
	if s.metrics != nil {
		s.metrics.SessionsFinalized.Inc()
	}
	if perr := s.store.SessionUpsert(sess.ID, entry.orderID, multisig.StatusFinalized.String(), "", address); perr != nil {
		s.log.Warn("session persist failed", "session_id", sess.ID, "error", perr.Error())
	}
}

func (s *Server) handlePollStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if v, ok := s.sessions.Load(sessionID); ok {
		entry := v.(*sessionEntry)
		status, reason, address := entry.snapshot()
		writeJSON(w, http.StatusOK, pollResponse(sessionID, entry.orderID, status, reason, address))
		return
	}
	orderID, status, reason, address, ok := s.store.SessionGet(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, pollResponse(sessionID, orderID, status, reason, address))
}

func pollResponse(sessionID, orderID, status, reason, address string) map[string]string {
	resp := map[string]string{
		"sessionId": sessionID,
		"orderId":   orderID,
		"status":    status,
	}
	if address != "" {
		resp["address"] = address
	}
	if reason != "" {
		// Internal artifacts never leave the coordinator; the reason code plus
		// a retry instruction is all a caller gets.
		resp["reason"] = reason
		resp["message"] = "escrow setup failed, please retry with a fresh session"
	}
	return resp
}

func (s *Server) handleGetFinalizedAddress(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if _, err := s.engine.Get(orderID); err != nil {
		writeOrderError(w, err)
		return
	}
	addr, ok := s.engine.FinalizedAddress(orderID)
	if !ok {
		// The session may have finalized without the funded transition having
		// happened yet; fall back to the session snapshot.
		if ord, err := s.engine.Get(orderID); err == nil && ord.SessionID != "" {
			if v, found := s.sessions.Load(ord.SessionID); found {
				if _, _, address := v.(*sessionEntry).snapshot(); address != "" {
					writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID, "address": address})
					return
				}
			}
		}
		writeError(w, http.StatusNotFound, "no finalized escrow address for this order")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID, "address": addr})
}

type markFundedRequest struct {
	PaymentConfirmed bool `json:"paymentConfirmed"`
}

func (s *Server) handleMarkFunded(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var req markFundedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ord, err := s.engine.Get(orderID)
	if err != nil {
		writeOrderError(w, err)
		return
	}
	address := ""
	if ord.SessionID != "" {
		if v, ok := s.sessions.Load(ord.SessionID); ok {
			_, _, address = v.(*sessionEntry).snapshot()
		} else if _, status, _, addr, ok := s.store.SessionGet(ord.SessionID); ok && status == multisig.StatusFinalized.String() {
			address = addr
		}
	}
	if err := s.engine.MarkFunded(orderID, address, req.PaymentConfirmed); err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID, "status": order.StatusFunded.String()})
}

type payoutRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleSetPayout(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var req payoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.SetPayoutAddress(orderID, req.Address); err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID})
}

func (s *Server) handleShip(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := s.engine.MarkShipped(orderID); err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID, "status": order.StatusShipped.String()})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := s.engine.ConfirmReceipt(orderID); err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID, "status": order.StatusCompleted.String()})
}

type disputeRequest struct {
	RaisedBy string `json:"raisedBy"`
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var req disputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.OpenDispute(orderID, req.RaisedBy); err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID, "status": order.StatusDisputed.String()})
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.ResolveDispute(orderID, req.Outcome); err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID})
}

func (s *Server) lockEndpoints(endpoints map[multisig.Participant]string, sessionID string) bool {
	s.endpointsMu.Lock()
	defer s.endpointsMu.Unlock()
	for _, endpoint := range endpoints {
		if _, busy := s.activeEndpoints[endpoint]; busy {
			return false
		}
	}
	for _, endpoint := range endpoints {
		s.activeEndpoints[endpoint] = sessionID
	}
	return true
}

func (s *Server) unlockEndpoints(endpoints map[multisig.Participant]string) {
	s.endpointsMu.Lock()
	defer s.endpointsMu.Unlock()
	for _, endpoint := range endpoints {
		delete(s.activeEndpoints, endpoint)
	}
}

func orderResponse(ord *order.Order) map[string]interface{} {
	resp := map[string]interface{}{
		"orderId":     ord.ID,
		"buyerId":     ord.BuyerID,
		"vendorId":    ord.VendorID,
		"arbiterId":   ord.ArbiterID,
		"status":      ord.Status.String(),
		"totalAtomic": ord.TotalAtomic,
	}
	if ord.SessionID != "" {
		resp["sessionId"] = ord.SessionID
	}
	if ord.EscrowAddress != "" {
		resp["escrowAddress"] = ord.EscrowAddress
	}
	if ord.PayoutAddress != "" {
		resp["payoutAddress"] = ord.PayoutAddress
	}
	return resp
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case order.IsGuardError(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
