// Package api exposes the exchange over HTTP: users, limit orders, market
// trades, on-demand evaluation and the leaderboard.
//
// All monetary values use shopspring/decimal and travel as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/contract"
	"github.com/atmx/paper-exchange/internal/correlation"
	"github.com/atmx/paper-exchange/internal/escrow"
	"github.com/atmx/paper-exchange/internal/fill"
	"github.com/atmx/paper-exchange/internal/leaderboard"
	"github.com/atmx/paper-exchange/internal/market"
	"github.com/atmx/paper-exchange/internal/model"
	"github.com/atmx/paper-exchange/internal/position"
	"github.com/atmx/paper-exchange/internal/store"
	"github.com/atmx/paper-exchange/internal/wallet"
)

// Service handles the HTTP surface. It holds no trading state of its own;
// every correctness guarantee comes from the components it calls.
type Service struct {
	store    store.Store
	escrow   *escrow.Manager
	engine   *fill.Engine
	executor *market.Executor
	feed     fill.PriceSource
	trigger  market.Triggerer
	logger   *slog.Logger
}

// Deps wires a Service. Trigger and Logger are optional.
type Deps struct {
	Store    store.Store
	Escrow   *escrow.Manager
	Engine   *fill.Engine
	Executor *market.Executor
	Feed     fill.PriceSource
	Trigger  market.Triggerer
	Logger   *slog.Logger
}

// NewService creates the HTTP service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    d.Store,
		escrow:   d.Escrow,
		engine:   d.Engine,
		executor: d.Executor,
		feed:     d.Feed,
		trigger:  d.Trigger,
		logger:   logger,
	}
}

// Routes mounts the handlers under r, normally the /api/v1 subrouter.
func (s *Service) Routes(r chi.Router) {
	r.Post("/users", s.CreateUser)
	r.Get("/users/{userID}", s.GetUser)
	r.Get("/users/{userID}/orders", s.ListOrders)
	r.Get("/users/{userID}/positions", s.ListPositions)
	r.Get("/users/{userID}/transactions", s.ListTransactions)
	r.Post("/users/{userID}/evaluate", s.Evaluate)

	r.Post("/orders", s.PlaceOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Post("/trade", s.ExecuteTrade)
	r.Get("/prices", s.GetPrices)
	r.Get("/leaderboard", s.Leaderboard)
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	DisplayName string `json:"display_name"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	UserID     string          `json:"user_id"`
	MarketID   string          `json:"market_id"`
	MarketName string          `json:"market_name"`
	OrderType  model.OrderType `json:"order_type"`
	Shares     decimal.Decimal `json:"shares"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	UserID     string          `json:"user_id"`
	MarketID   string          `json:"market_id"`
	MarketName string          `json:"market_name"`
	Side       model.OrderType `json:"side"`
	Shares     decimal.Decimal `json:"shares"`
}

// PositionView is a position with the shares not locked by pending sells.
type PositionView struct {
	model.Position
	AvailableShares decimal.Decimal `json:"available_shares"`
}

// --- HTTP Handlers ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	user := &model.User{
		ID:          uuid.New().String(),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Balance:     model.StartingBalance,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Info("user created", "user_id", user.ID, "display_name", user.DisplayName)
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListOrders handles GET /api/v1/users/{userID}/orders?status=
// Without a status filter it returns PENDING and FILLED orders.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var statuses []model.OrderStatus
	switch q := strings.ToUpper(r.URL.Query().Get("status")); q {
	case "":
		statuses = []model.OrderStatus{model.StatusPending, model.StatusFilled}
	case "ALL":
	default:
		for _, part := range strings.Split(q, ",") {
			st := model.OrderStatus(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, "unknown status: "+part, http.StatusBadRequest)
				return
			}
			statuses = append(statuses, st)
		}
	}

	orders, err := s.store.ListOrders(r.Context(), userID, statuses...)
	if err != nil {
		s.fail(w, err)
		return
	}
	if orders == nil {
		orders = []model.LimitOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListPositions handles GET /api/v1/users/{userID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		avail, err := s.escrow.AvailableShares(ctx, userID, p.MarketID)
		if err != nil {
			s.fail(w, err)
			return
		}
		views = append(views, PositionView{Position: p, AvailableShares: avail})
	}
	writeJSON(w, http.StatusOK, views)
}

// ListTransactions handles GET /api/v1/users/{userID}/transactions
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.ListTransactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	place := escrow.PlaceRequest{
		UserID:     req.UserID,
		MarketID:   req.MarketID,
		MarketName: req.MarketName,
		Shares:     req.Shares,
		LimitPrice: req.LimitPrice,
	}

	var (
		order *model.LimitOrder
		err   error
	)
	switch req.OrderType {
	case model.Buy:
		order, err = s.escrow.PlaceBuyLimit(r.Context(), place)
	case model.Sell:
		order, err = s.escrow.PlaceSellLimit(r.Context(), place)
	default:
		writeError(w, "order_type must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	s.poke()
	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	order, err := s.escrow.CancelOrder(r.Context(), userID, chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ExecuteTrade handles POST /api/v1/trade
// Executes a market order at the live price.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	mreq := market.Request{
		UserID:     req.UserID,
		MarketID:   req.MarketID,
		MarketName: req.MarketName,
		Shares:     req.Shares,
	}

	var (
		exec *market.Execution
		err  error
	)
	switch req.Side {
	case model.Buy:
		exec, err = s.executor.Buy(r.Context(), mreq)
	case model.Sell:
		exec, err = s.executor.Sell(r.Context(), mreq)
	default:
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// Evaluate handles POST /api/v1/users/{userID}/evaluate
// Checks the user's pending orders against current prices right away.
func (s *Service) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		s.fail(w, err)
		return
	}
	pending, err := s.store.ListOrders(ctx, userID, model.StatusPending)
	if err != nil {
		s.fail(w, err)
		return
	}
	ids := make([]string, 0, len(pending))
	for _, o := range pending {
		ids = append(ids, o.MarketID)
	}
	if len(ids) == 0 {
		writeJSON(w, http.StatusOK, fill.Report{})
		return
	}

	prices, err := s.feed.Prices(ctx, ids)
	if err != nil {
		s.fail(w, errors.Join(market.ErrPriceUnavailable, err))
		return
	}
	rep, err := s.engine.Evaluate(ctx, userID, prices)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetPrices handles GET /api/v1/prices?ids=a,b
// Without ids it returns every known target.
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		if _, err := contract.ParseTarget(id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	prices, err := s.feed.Prices(r.Context(), ids)
	if err != nil {
		s.fail(w, errors.Join(market.ErrPriceUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

// Leaderboard handles GET /api/v1/leaderboard
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	positions, err := s.store.ListAllPositions(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	prices, err := s.feed.Prices(ctx, nil)
	if err != nil {
		s.fail(w, errors.Join(market.ErrPriceUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, leaderboard.Compute(users, positions, prices))
}

// poke asks the poller for an immediate sweep when one is wired.
func (s *Service) poke() {
	if s.trigger != nil {
		s.trigger.Trigger()
	}
}

// fail maps a domain error onto an HTTP status.
func (s *Service) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrInvalidOrder),
		errors.Is(err, market.ErrInvalidRequest),
		errors.Is(err, contract.ErrInvalidTarget),
		errors.Is(err, wallet.ErrNegativeAmount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, position.ErrInsufficientShares),
		errors.Is(err, correlation.ErrPerTargetLimitExceeded),
		errors.Is(err, correlation.ErrCorrelatedLimitExceeded),
		errors.Is(err, escrow.ErrOrderNotPending),
		errors.Is(err, wallet.ErrBalanceContention),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, market.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
