package book

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/microbook/quote-engine/internal/gateway"
	"github.com/microbook/quote-engine/internal/listing"
	"github.com/microbook/quote-engine/internal/model"
	"github.com/microbook/quote-engine/internal/odds"
	"github.com/microbook/quote-engine/internal/quote"
)

// ClientIDHeader identifies the caller for rate limiting. Without it the
// remote IP is used.
const ClientIDHeader = "X-Client-ID"

// Handler serves the Service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP handler set.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the API on r (typically under /api/v1).
func (h *Handler) Routes(r chi.Router) {
	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/odds", h.GetOdds)
	r.Get("/markets/{marketID}/exposure", h.GetExposure)
	r.Post("/markets/{marketID}/settle", h.SettleMarket)
	r.Get("/markets/{marketID}/settlement", h.GetSettlement)

	r.Post("/x402/place-bet", h.PlaceBet)
	r.Post("/x402/confirm", h.ConfirmBet)
	r.Get("/quotes/{quoteID}", h.GetQuote)
}

// --- Request/Response types ---

// ConfirmRequest is the JSON body for POST /x402/confirm.
type ConfirmRequest struct {
	QuoteID      string `json:"quote_id"`
	PaymentProof string `json:"payment_proof"`
}

// ConfirmResponse is returned from a successful confirmation.
type ConfirmResponse struct {
	Success bool `json:"success"`
	model.Position
}

// SettleRequest is the optional JSON body for POST /markets/{id}/settle.
type SettleRequest struct {
	ResultSide string `json:"result_side"`
}

// --- HTTP Handlers ---

// ListMarkets handles GET /api/v1/markets?sport=
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	sport := r.URL.Query().Get("sport")
	if sport != "" && !listing.IsSport(sport) {
		writeError(w, "unsupported sport: "+sport, http.StatusBadRequest)
		return
	}
	markets, err := h.svc.ListMarkets(r.Context(), sport)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req listing.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := h.svc.CreateMarket(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetOdds handles GET /api/v1/markets/{marketID}/odds
func (h *Handler) GetOdds(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Odds(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetExposure handles GET /api/v1/markets/{marketID}/exposure
func (h *Handler) GetExposure(w http.ResponseWriter, r *http.Request) {
	exp, err := h.svc.Exposure(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// PlaceBet handles POST /api/v1/x402/place-bet
// Issues a quote and answers 402 Payment Required with the payment terms.
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.ClientID = clientID(r)

	q, err := h.svc.RequestQuote(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Payment-Required", "crypto-cronos://"+q.Price.StringFixed(6)+"@sportsbook")
	w.Header().Set("X-Quote-ID", q.ID)
	w.Header().Set("Retry-After", strconv.Itoa(int(h.svc.QuoteTTL().Seconds())))
	writeJSON(w, http.StatusPaymentRequired, q)
}

// ConfirmBet handles POST /api/v1/x402/confirm
func (h *Handler) ConfirmBet(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.QuoteID == "" {
		writeError(w, "quote_id is required", http.StatusBadRequest)
		return
	}

	p, err := h.svc.ConfirmQuote(r.Context(), req.QuoteID, req.PaymentProof)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmResponse{Success: true, Position: *p})
}

// GetQuote handles GET /api/v1/quotes/{quoteID}
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.GetQuote(r.Context(), chi.URLParam(r, "quoteID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// SettleMarket handles POST /api/v1/markets/{marketID}/settle
// The body is optional; without result_side the oracle decides.
func (h *Handler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	st, err := h.svc.SettleMarket(r.Context(), chi.URLParam(r, "marketID"), req.ResultSide)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetSettlement handles GET /api/v1/markets/{marketID}/settlement
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetSettlement(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, quote.ErrInvalidSide),
		errors.Is(err, ErrInvalidStake),
		errors.Is(err, quote.ErrNonPositiveStake),
		errors.Is(err, ErrResultRequired),
		errors.Is(err, listing.ErrInvalidMarketID),
		errors.Is(err, listing.ErrUnsupportedSport),
		errors.Is(err, listing.ErrInvalidOdds),
		errors.Is(err, listing.ErrInvalidMaxStake),
		errors.Is(err, listing.ErrInvalidExpiry):
		return http.StatusBadRequest
	case errors.Is(err, ErrMarketNotFound),
		errors.Is(err, odds.ErrMarketNotFound),
		errors.Is(err, quote.ErrQuoteNotFound),
		errors.Is(err, gateway.ErrNoResult):
		return http.StatusNotFound
	case errors.Is(err, quote.ErrExposureExceeded),
		errors.Is(err, quote.ErrAlreadyConfirmed),
		errors.Is(err, odds.ErrMarketClosed),
		errors.Is(err, ErrMarketSettled),
		errors.Is(err, ErrMarketExists):
		return http.StatusConflict
	case errors.Is(err, quote.ErrQuoteExpired),
		errors.Is(err, quote.ErrQuoteCancelled):
		return http.StatusGone
	case errors.Is(err, ErrPaymentNotVerified):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrChainGateway):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// clientID is the X-Client-ID header, else the remote IP (already resolved
// by the RealIP middleware when behind a proxy).
func clientID(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr writes err with its mapped status. Internal errors are not echoed.
func writeErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
