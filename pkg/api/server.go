package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/broadcast"
	"github.com/memeperp/engine/pkg/engineerr"
	"github.com/memeperp/engine/pkg/ledger"
	"github.com/memeperp/engine/pkg/lifecycle"
	"github.com/memeperp/engine/pkg/matching"
	"github.com/memeperp/engine/pkg/positions"
	"github.com/memeperp/engine/pkg/repository"
)

// Server serves the REST/WS transport surface spec.md §6 names, wired
// directly against the in-process engine components rather than a remote
// RPC client — the matching engine, lifecycle registry, ledger, position
// store and repository are all owned by the same process this server runs
// in.
//
// Grounded on the teacher's pkg/api/server.go (gorilla/mux router, rs/cors
// wrapping, a WebSocket hub) for shape; every handler is rewritten against
// MemePerp's own component APIs since the teacher's handlers call into its
// now-deleted `perp.App` (symbol-keyed, unilateral positions).
type Server struct {
	matching   *matching.Engine
	lifecycle  *lifecycle.Registry
	ledger     *ledger.Ledger
	positions  *positions.Store
	repository repository.Repository
	router     *mux.Router
	hub        *Hub
	logger     *zap.SugaredLogger

	ordersSubmitted prometheus.Counter
	ordersRejected  prometheus.Counter
}

// Deps bundles the engine components a Server needs, so construction reads
// as one call rather than a long positional parameter list.
type Deps struct {
	Matching   *matching.Engine
	Lifecycle  *lifecycle.Registry
	Ledger     *ledger.Ledger
	Positions  *positions.Store
	Repository repository.Repository
	Bus        *broadcast.Bus
	WSBufSize  int
	Logger     *zap.SugaredLogger
}

func NewServer(d Deps) *Server {
	s := &Server{
		matching: d.Matching, lifecycle: d.Lifecycle, ledger: d.Ledger,
		positions: d.Positions, repository: d.Repository, logger: d.Logger,
		router: mux.NewRouter(),
		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memeperp_orders_submitted_total", Help: "Orders accepted by the matching engine.",
		}),
		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memeperp_orders_rejected_total", Help: "Orders rejected by the matching engine.",
		}),
	}
	s.hub = NewHub(d.Bus, d.WSBufSize, d.Logger)
	prometheus.MustRegister(s.ordersSubmitted, s.ordersRejected)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	v1.HandleFunc("/tokens/{token}", s.handleGetToken).Methods("GET")
	v1.HandleFunc("/tokens/{token}/depth", s.handleGetDepth).Methods("GET")
	v1.HandleFunc("/tokens/{token}/trades", s.handleGetTradesByToken).Methods("GET")

	v1.HandleFunc("/accounts/{trader}", s.handleGetAccount).Methods("GET")
	v1.HandleFunc("/accounts/{trader}/orders", s.handleGetOrdersByTrader).Methods("GET")
	v1.HandleFunc("/accounts/{trader}/trades", s.handleGetTradesByUser).Methods("GET")

	v1.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	v1.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	v1.HandleFunc("/admin/tokens/{token}/activate", s.handleAdminActivate).Methods("POST")
	v1.HandleFunc("/admin/tokens/{token}/pause", s.handleAdminPause).Methods("POST")
	v1.HandleFunc("/admin/tokens/{token}/delist", s.handleAdminDelist).Methods("POST")
	v1.HandleFunc("/admin/tokens/{token}/params", s.handleAdminSetParams).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the fully wrapped HTTP handler (CORS + routes), for a
// caller (cmd/engine or tests) to pass to its own http.Server.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.lifecycle.List()
	out := make([]TokenInfo, len(tokens))
	for i, t := range tokens {
		out[i] = newTokenInfo(t)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["token"])
	if !ok {
		return
	}
	tok, err := s.lifecycle.Get(addr)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newTokenInfo(tok))
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["token"])
	if !ok {
		return
	}
	levels := queryInt(r, "levels", 20)
	depth := s.matching.Depth(addr, levels)
	respondJSON(w, http.StatusOK, newDepthResponse(addr, depth))
}

func (s *Server) handleGetTradesByToken(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["token"])
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	before := int64(queryInt(r, "before", 0))
	trades, err := s.repository.GetTradesByToken(addr, limit, before)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = newTradeInfo(t)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	trader, ok := parseAddress(w, mux.Vars(r)["trader"])
	if !ok {
		return
	}
	bal := s.ledger.Get(trader)
	views := s.positions.PositionsOf(trader)
	respondJSON(w, http.StatusOK, newAccountInfo(trader, bal, views))
}

func (s *Server) handleGetOrdersByTrader(w http.ResponseWriter, r *http.Request) {
	trader, ok := parseAddress(w, mux.Vars(r)["trader"])
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	orders, err := s.repository.GetOrdersByTrader(trader, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = newOrderInfo(o)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTradesByUser(w http.ResponseWriter, r *http.Request) {
	trader, ok := parseAddress(w, mux.Vars(r)["trader"])
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	trades, err := s.repository.GetTradesByUser(trader, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = newTradeInfo(t)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, badRequest(err))
		return
	}
	submitReq, err := req.toSubmitRequest()
	if err != nil {
		s.ordersRejected.Inc()
		respondErr(w, err)
		return
	}

	res, err := s.matching.Submit(submitReq, time.Now().Unix())
	if err != nil {
		s.ordersRejected.Inc()
		respondErr(w, err)
		return
	}
	s.ordersSubmitted.Inc()
	respondJSON(w, http.StatusOK, SubmitOrderResponse{OrderID: res.OrderID, Status: res.Status.String(), Fills: res.Matches})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, badRequest(err))
		return
	}
	trader := common.HexToAddress(req.Trader)
	token := common.HexToAddress(req.Token)
	if err := s.matching.Cancel(token, req.OrderID, trader); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "cancelled", "orderId": req.OrderID})
}

func (s *Server) handleAdminActivate(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["token"])
	if !ok {
		return
	}
	now := time.Now().Unix()
	tok, err := s.lifecycle.Get(addr)
	if err != nil {
		// First activation of a new token: seed it with the engine's default
		// parameters, then activate it (spec.md §4.2 Pretrade -> Active).
		if tok, err = s.lifecycle.Create(addr, lifecycle.DefaultParams(), now); err != nil {
			respondErr(w, err)
			return
		}
	}
	if err := s.lifecycle.Activate(addr, tok.Params, now); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["token"])
	if !ok {
		return
	}
	if err := s.lifecycle.Pause(addr, time.Now().Unix()); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleAdminDelist(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["token"])
	if !ok {
		return
	}
	longOI, shortOI := s.positions.OpenInterest(addr)
	hasActive := longOI > 0 || shortOI > 0
	if err := s.lifecycle.Delist(addr, hasActive, time.Now().Unix()); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "delisted"})
}

// AdminSetParamRequest names one field of lifecycle.Params to overwrite
// (spec.md §6 "admin params set <token> <key> <value>").
type AdminSetParamRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleAdminSetParams(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["token"])
	if !ok {
		return
	}
	var req AdminSetParamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, badRequest(err))
		return
	}
	if err := s.lifecycle.SetParams(addr, func(p *lifecycle.Params) { applyParam(p, req.Key, req.Value) }); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// applyParam writes value into the named field of p, parsing it according
// to the field's type. Unknown keys and unparsable values are silently
// ignored (left at the field's current value) rather than erroring, since
// lifecycle.SetParams has no per-field validation hook to report through.
func applyParam(p *lifecycle.Params, key, value string) {
	u64 := func() (uint64, bool) { n, err := strconv.ParseUint(value, 10, 64); return n, err == nil }
	i64 := func() (int64, bool) { n, err := strconv.ParseInt(value, 10, 64); return n, err == nil }
	dur := func() (time.Duration, bool) { n, err := strconv.ParseInt(value, 10, 64); return time.Duration(n) * time.Millisecond, err == nil }
	boolean := func() (bool, bool) { b, err := strconv.ParseBool(value); return b, err == nil }

	switch key {
	case "maxLeverage":
		if v, ok := u64(); ok {
			p.MaxLeverage = v
		}
	case "minMargin":
		if v, ok := u64(); ok {
			p.MinMargin = v
		}
	case "makerFeeBps":
		if v, ok := i64(); ok {
			p.MakerFeeBps = v
		}
	case "takerFeeBps":
		if v, ok := i64(); ok {
			p.TakerFeeBps = v
		}
	case "tickSize":
		if v, ok := u64(); ok {
			p.TickSize = v
		}
	case "minOrderSize":
		if v, ok := u64(); ok {
			p.MinOrderSize = v
		}
	case "tradingEnabled":
		if v, ok := boolean(); ok {
			p.TradingEnabled = v
		}
	case "maintenanceMarginBps":
		if v, ok := u64(); ok {
			p.MaintenanceMarginBps = v
		}
	case "maxPriceDeviationBps":
		if v, ok := u64(); ok {
			p.MaxPriceDeviationBps = v
		}
	case "maxPriceStepBps":
		if v, ok := u64(); ok {
			p.MaxPriceStepBps = v
		}
	case "markStaleAfter":
		if v, ok := dur(); ok {
			p.MarkStaleAfter = v
		}
	case "riskTickInterval":
		if v, ok := dur(); ok {
			p.RiskTickInterval = v
		}
	case "fundingInterval":
		if v, ok := dur(); ok {
			p.FundingInterval = v
		}
	case "maxFundingRateBps":
		if v, ok := i64(); ok {
			p.MaxFundingRateBps = v
		}
	case "liquidationFeeBps":
		if v, ok := u64(); ok {
			p.LiquidationFeeBps = v
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondErr(w, engineerr.New(engineerr.CodeInvalidOrderParameters, "not a valid address: "+s))
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondErr(w http.ResponseWriter, err error) {
	respondJSON(w, httpStatusFor(err), newErrorResponse(err))
}

func badRequest(err error) error {
	return engineerr.Wrap(engineerr.CodeInvalidOrderParameters, "malformed request body", err)
}
