package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketindex/internal/store"
	"marketindex/internal/summary"
	"marketindex/pkg/types"
)

const summaryCacheControl = "public, max-age=15, stale-while-revalidate=60"

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}})
}

// resolveMarket loads the market named by the {key} path segment and
// writes the 404 itself when there is none.
func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) *types.Market {
	market, err := s.deps.Store.GetMarketByKey(r.Context(), r.PathValue("key"))
	if err != nil {
		if errors.Is(err, store.ErrMarketNotFound) {
			writeError(w, http.StatusNotFound, "MARKET_NOT_FOUND", "no market matches "+r.PathValue("key"))
		} else {
			s.logger.Error("market lookup failed", "key", r.PathValue("key"), "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "market lookup failed")
		}
		return nil
	}
	return market
}

// parseLimit reads ?limit=; absent means 0 and the store applies its
// defaults and caps.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// ———— read endpoints ————

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Summary.Assemble(r.Context(), r.PathValue("key"))
	if err != nil {
		if errors.Is(err, store.ErrMarketNotFound) {
			writeError(w, http.StatusNotFound, "MARKET_NOT_FOUND", "no market matches "+r.PathValue("key"))
		} else {
			s.logger.Error("summary failed", "key", r.PathValue("key"), "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "summary assembly failed")
		}
		return
	}

	h := w.Header()
	h.Set("ETag", doc.ETag)
	h.Set("Cache-Control", summaryCacheControl)
	h.Set("Vary", "Accept, Accept-Encoding, If-None-Match")
	if !doc.LastModified.IsZero() {
		h.Set("Last-Modified", doc.LastModified.UTC().Format(http.TimeFormat))
	}

	if etagMatches(r.Header.Get("If-None-Match"), doc.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// etagMatches implements the If-None-Match comparison for our weak tags.
func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Summary.Assemble(r.Context(), r.PathValue("key"))
	if err != nil {
		if errors.Is(err, store.ErrMarketNotFound) {
			writeError(w, http.StatusNotFound, "MARKET_NOT_FOUND", "no market matches "+r.PathValue("key"))
		} else {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "metrics assembly failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, struct {
		MarketID string            `json:"marketId"`
		Metrics  summary.Metrics   `json:"metrics"`
		Cache    summary.CacheInfo `json:"cache"`
	}{doc.Market.ID, doc.Metrics, doc.Cache})
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	market := s.resolveMarket(w, r)
	if market == nil {
		return
	}
	if tf := r.URL.Query().Get("tf"); tf != "" && tf != "5m" {
		writeError(w, http.StatusBadRequest, "UNSUPPORTED_TIMEFRAME", "only 5m candles are stored")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	cs, err := s.deps.Store.Candles(r.Context(), market.ID, limit)
	if err != nil {
		s.logger.Error("candle read failed", "marketId", market.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "candle read failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		MarketID  string               `json:"marketId"`
		Timeframe string               `json:"timeframe"`
		Candles   []summary.CandleView `json:"candles"`
	}{market.ID, "5m", summary.CandleViews(cs)})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	market := s.resolveMarket(w, r)
	if market == nil {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "before must be an RFC 3339 timestamp")
			return
		}
		before = t
	}

	ts, err := s.deps.Store.Trades(r.Context(), market.ID, limit, before)
	if err != nil {
		s.logger.Error("trade read failed", "marketId", market.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "trade read failed")
		return
	}

	resp := struct {
		MarketID   string              `json:"marketId"`
		Trades     []summary.TradeView `json:"trades"`
		NextBefore string              `json:"nextBefore,omitempty"`
	}{MarketID: market.ID, Trades: summary.TradeViews(ts)}
	if len(ts) > 0 {
		// oldest row of this page is the cursor for the next one
		resp.NextBefore = ts[len(ts)-1].Timestamp.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSpotSeries(w http.ResponseWriter, r *http.Request) {
	market := s.resolveMarket(w, r)
	if market == nil {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	ps, err := s.deps.Store.SpotSeries(r.Context(), market.ID, limit)
	if err != nil {
		s.logger.Error("spot series read failed", "marketId", market.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "spot series read failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		MarketID string             `json:"marketId"`
		Points   []summary.SpotView `json:"points"`
	}{market.ID, summary.SpotViews(ps)})
}

// ———— webhooks ————

type txNotifyRequest struct {
	TxHash   string `json:"txHash"`
	MarketID string `json:"marketId"`
}

func (s *Server) handleTxNotify(w http.ResponseWriter, r *http.Request) {
	var req txNotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "body must be JSON with a txHash field")
		return
	}
	if !validTxHash(req.TxHash) {
		writeError(w, http.StatusBadRequest, "INVALID_TX_HASH", "txHash must be a 0x-prefixed 32-byte hex string")
		return
	}

	job := types.TxJob{TxHash: strings.ToLower(req.TxHash), MarketID: req.MarketID}
	if err := s.deps.Queue.PushTx(r.Context(), job); err != nil {
		s.logger.Error("tx-notify enqueue failed", "txHash", req.TxHash, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "enqueue failed")
		return
	}
	s.logger.Info("tx hint accepted", "txHash", req.TxHash, "marketId", req.MarketID)
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func validTxHash(h string) bool {
	if len(h) != 66 || !strings.HasPrefix(h, "0x") {
		return false
	}
	_, err := hex.DecodeString(h[2:])
	return err == nil
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	market := s.resolveMarket(w, r)
	if market == nil {
		return
	}

	queued, err := s.deps.Queue.EnqueueSweep(r.Context(), market.ID)
	if err != nil {
		s.logger.Error("sweep enqueue failed", "marketId", market.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "enqueue failed")
		return
	}
	if queued {
		s.logger.Info("sweep requested", "marketId", market.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}
