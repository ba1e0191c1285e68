package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/Sternrassler/coin-market-proxy/pkg/client"
	"github.com/Sternrassler/coin-market-proxy/pkg/coins"
)

// defaultRetryAfter is sent with a 503 when upstream gave no Retry-After.
const defaultRetryAfter = time.Second

// readyTimeout bounds the cache ping in /ready.
const readyTimeout = 2 * time.Second

type handlers struct {
	svc        MarketData
	cache      Pinger
	rateLimits RateLimitReporter
	now        func() time.Time
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type readyBody struct {
	Status   string         `json:"status"`
	Cache    string         `json:"cache"`
	Upstream *upstreamState `json:"upstream,omitempty"`
}

type upstreamState struct {
	RateLimited       bool `json:"rateLimited"`
	ConsecutiveLimits int  `json:"consecutiveLimits"`
}

// ready reports whether the shared cache backend is reachable. Upstream
// rate limiting is reported but does not make the proxy unready.
func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	body := readyBody{Status: "ready", Cache: "memory"}
	status := http.StatusOK

	if h.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := h.cache.Ping(ctx); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Cache backend unreachable")
			body.Status = "unavailable"
			body.Cache = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			body.Cache = "redis"
		}
	}

	if h.rateLimits != nil {
		state := h.rateLimits.RateLimitState()
		body.Upstream = &upstreamState{
			RateLimited:       !state.IsHealthy(),
			ConsecutiveLimits: state.ConsecutiveLimits,
		}
	}

	writeJSON(w, status, body)
}

func (h *handlers) listMarkets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	perPage, ok := intParam(w, query.Get("per_page"), "per_page")
	if !ok {
		return
	}
	page, ok := intParam(w, query.Get("page"), "page")
	if !ok {
		return
	}

	res, err := h.svc.ListMarkets(r.Context(), coins.MarketsQuery{
		Currency:      query.Get("vs_currency"),
		PerPage:       perPage,
		Page:          page,
		SearchText:    query.Get("query"),
		SortField:     query.Get("sort_by"),
		SortDirection: query.Get("sort_direction"),
	})
	if err != nil {
		h.fail(w, r, err, "Failed to fetch coins")
		return
	}

	writeResult(w, res)
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("query"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "Query parameter is required")
		return
	}

	res, err := h.svc.Search(r.Context(), coins.SearchQuery{Text: text})
	if err != nil {
		h.fail(w, r, err, "Failed to search coins")
		return
	}

	writeResult(w, res)
}

func (h *handlers) detail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "Coin ID is required")
		return
	}

	res, err := h.svc.GetDetail(r.Context(), coins.DetailQuery{CoinID: id})
	if err != nil {
		h.fail(w, r, err, "Failed to fetch details for coin: "+id)
		return
	}

	writeResult(w, res)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "Coin ID is required")
		return
	}

	query := r.URL.Query()
	res, err := h.svc.GetHistory(r.Context(), coins.HistoryQuery{
		CoinID:   id,
		Currency: query.Get("vs_currency"),
		Days:     query.Get("days"),
	})
	if err != nil {
		h.fail(w, r, err, "Failed to fetch price history for coin: "+id)
		return
	}

	writeResult(w, res)
}

// fail maps a service error to a response. Upstream details stay in the
// log; the client only sees message.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, coins.ErrMissingParameter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, client.ErrRateLimitExceeded):
		hlog.FromRequest(r).Warn().Err(err).Msg("Upstream rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(h.retryAfterSeconds()))
		writeError(w, http.StatusServiceUnavailable, "Upstream rate limit exceeded")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg(message)
		writeError(w, http.StatusBadGateway, message)
	}
}

func (h *handlers) retryAfterSeconds() int {
	wait := defaultRetryAfter
	if h.rateLimits != nil {
		state := h.rateLimits.RateLimitState()
		if d := state.TimeUntilReset(h.now()); d > wait {
			wait = d
		}
	}
	return int(math.Ceil(wait.Seconds()))
}

// intParam parses an optional integer query parameter. Absent yields 0
// (the service default); malformed writes a 400.
func intParam(w http.ResponseWriter, value, name string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, true
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return n, true
}

func writeResult(w http.ResponseWriter, res *coins.Result) {
	if res.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(res.Body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
