// Package api provides the HTTP handlers for the market engine:
// market and instrument queries, position lifecycle, narrative event
// submission, and the WebSocket broadcast hub.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/orgsim/market-engine/internal/metrics"
	"github.com/orgsim/market-engine/internal/model"
	"github.com/orgsim/market-engine/internal/perp"
	"github.com/orgsim/market-engine/internal/pricing"
	"github.com/orgsim/market-engine/internal/risk"
	"github.com/orgsim/market-engine/internal/sched"
	"github.com/orgsim/market-engine/internal/store"
	"github.com/orgsim/market-engine/internal/symbol"
)

// Service handles HTTP requests against the engines. Mutation is
// serialized inside the engines themselves; the service holds no state
// of its own beyond its collaborators.
type Service struct {
	prices *pricing.Engine
	perps  *perp.Engine
	sched  *sched.Scheduler
	st     store.Store
	hub    *WSHub // optional hub for real-time broadcasts
}

// NewService creates a new API service. hub may be nil if WebSocket
// broadcasting is not needed; st may be nil for a purely in-memory run.
func NewService(prices *pricing.Engine, perps *perp.Engine, scheduler *sched.Scheduler, st store.Store, hub *WSHub) *Service {
	return &Service{
		prices: prices,
		perps:  perps,
		sched:  scheduler,
		st:     st,
		hub:    hub,
	}
}

// RegisterRoutes mounts all API routes on the given router.
func (s *Service) RegisterRoutes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/instruments", s.ListInstruments)
	r.Get("/instruments/{instrumentID}/events", s.ListPriceEvents)

	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{ticker}", s.GetMarket)
	r.Get("/markets/{ticker}/snapshots", s.ListSnapshots)

	r.Post("/positions", s.OpenPosition)
	r.Delete("/positions/{positionID}", s.ClosePosition)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/users/{userID}/positions", s.ListUserPositions)

	r.Get("/liquidations", s.ListLiquidations)
	r.Get("/stats", s.GetStats)

	r.Post("/events", s.SubmitEvent)
}

// --- Request/Response types ---

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	UserID     string          `json:"user_id"`
	Ticker     string          `json:"ticker"`
	Side       model.Side      `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Leverage   int             `json:"leverage"`
	OrderType  model.OrderType `json:"order_type"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
}

// ClosePositionResponse is the JSON body returned from DELETE /positions/{id}.
type ClosePositionResponse struct {
	Position    model.Position  `json:"position"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// SubmitEventRequest is the JSON body for POST /events. The direction
// and magnitude are classified upstream; this endpoint only queues the
// impact for the next tick.
type SubmitEventRequest struct {
	InstrumentID string                `json:"instrument_id"`
	Direction    model.ImpactDirection `json:"direction"`
	Magnitude    model.ImpactMagnitude `json:"magnitude"`
	Reason       string                `json:"reason"`
}

// --- Instrument handlers ---

// ListInstruments handles GET /api/v1/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.prices.Instruments())
}

// ListPriceEvents handles GET /api/v1/instruments/{instrumentID}/events
func (s *Service) ListPriceEvents(w http.ResponseWriter, r *http.Request) {
	instrumentID := chi.URLParam(r, "instrumentID")
	if _, err := s.prices.Instrument(instrumentID); err != nil {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}

	if s.st == nil {
		writeJSON(w, http.StatusOK, []model.PriceUpdateEvent{})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.st.ListPriceEvents(r.Context(), instrumentID, limit)
	if err != nil {
		writeError(w, "failed to list price events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.PriceUpdateEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Market handlers ---

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.perps.Markets())
}

// GetMarket handles GET /api/v1/markets/{ticker}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if _, err := symbol.Parse(ticker); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	market, err := s.perps.Market(ticker)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// ListSnapshots handles GET /api/v1/markets/{ticker}/snapshots
func (s *Service) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if _, err := s.perps.Market(ticker); err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.perps.Snapshots(ticker))
}

// --- Position handlers ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideLong && req.Side != model.SideShort {
		writeError(w, "side must be long or short", http.StatusBadRequest)
		return
	}
	if req.OrderType == "" {
		req.OrderType = model.OrderTypeMarket
	}

	pos, events, err := s.perps.OpenPosition(req.UserID, model.OrderRequest{
		Ticker:     req.Ticker,
		Side:       req.Side,
		Size:       req.Size,
		Leverage:   req.Leverage,
		OrderType:  req.OrderType,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		writeError(w, err.Error(), statusForEngineError(err))
		return
	}

	metrics.PositionsOpenedTotal.WithLabelValues(string(pos.Side)).Inc()
	s.broadcast(events)
	writeJSON(w, http.StatusCreated, pos)
}

// ClosePosition handles DELETE /api/v1/positions/{positionID}
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	realized, events, err := s.perps.ClosePosition(positionID)
	if err != nil {
		writeError(w, err.Error(), statusForEngineError(err))
		return
	}

	metrics.PositionsClosedTotal.Inc()
	s.broadcast(events)

	resp := ClosePositionResponse{RealizedPnL: realized}
	for _, evt := range events {
		if closed, ok := evt.(model.PositionClosed); ok {
			resp.Position = closed.Position
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.perps.Position(chi.URLParam(r, "positionID"))
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListUserPositions handles GET /api/v1/users/{userID}/positions
func (s *Service) ListUserPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.perps.UserPositions(chi.URLParam(r, "userID")))
}

// --- Audit and stats handlers ---

// ListLiquidations handles GET /api/v1/liquidations?ticker=
func (s *Service) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")
	liqs := s.perps.Liquidations()
	if ticker != "" {
		filtered := liqs[:0]
		for _, liq := range liqs {
			if liq.Ticker == ticker {
				filtered = append(filtered, liq)
			}
		}
		liqs = filtered
	}
	writeJSON(w, http.StatusOK, liqs)
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.perps.Stats())
}

// --- Event handler ---

// SubmitEvent handles POST /api/v1/events
func (s *Service) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req SubmitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := s.prices.Instrument(req.InstrumentID); err != nil {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}
	switch req.Direction {
	case model.ImpactPositive, model.ImpactNegative, model.ImpactNeutral:
	default:
		writeError(w, "direction must be positive, negative or neutral", http.StatusBadRequest)
		return
	}
	switch req.Magnitude {
	case model.MagnitudeMajor, model.MagnitudeModerate, model.MagnitudeMinor:
	default:
		writeError(w, "magnitude must be major, moderate or minor", http.StatusBadRequest)
		return
	}

	if err := s.sched.QueueImpact(req.InstrumentID, req.Direction, req.Magnitude, req.Reason); err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// --- Helpers ---

func (s *Service) broadcast(events []model.Event) {
	if s.hub == nil {
		return
	}
	for _, evt := range events {
		s.hub.Publish(evt)
	}
}

// statusForEngineError maps engine sentinel errors onto HTTP status
// codes. Unknown errors surface as 500.
func statusForEngineError(err error) int {
	switch {
	case errors.Is(err, perp.ErrMarketNotFound),
		errors.Is(err, perp.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, perp.ErrInvalidLeverage),
		errors.Is(err, perp.ErrOrderTooSmall),
		errors.Is(err, perp.ErrInvalidLimitPrice):
		return http.StatusBadRequest
	case errors.Is(err, risk.ErrUserExposureExceeded),
		errors.Is(err, risk.ErrMarketExposureExceeded):
		return http.StatusConflict
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
