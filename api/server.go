// Package api implements the read-only HTTP surface over the projection
// store: a thin net/http.ServeMux mapping directly to storage/reconcile
// read operations, with the closed error-code set from the external
// interface contract.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/perpindexer/metrics"
	"github.com/web3guy0/perpindexer/pricing"
	"github.com/web3guy0/perpindexer/reconcile"
	"github.com/web3guy0/perpindexer/storage"
)

type Server struct {
	store  *storage.Store
	assets *storage.AssetCache
	verify *reconcile.Reconciler
	mux    *http.ServeMux
}

func New(store *storage.Store, assets *storage.AssetCache, verify *reconcile.Reconciler) *Server {
	s := &Server{store: store, assets: assets, verify: verify, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /assets", s.handleListAssets)
	s.mux.HandleFunc("GET /assets/{id}", s.handleGetAsset)
	s.mux.HandleFunc("GET /position/{id}", s.handleGetPosition)
	s.mux.HandleFunc("GET /trader/{addr}", s.handleTrader)
	s.mux.HandleFunc("GET /bucket/orders", s.handleBucketOrders)
	s.mux.HandleFunc("GET /bucket/stops", s.handleBucketStops)
	s.mux.HandleFunc("GET /bucket/orders-range", s.handleBucketOrdersRange)
	s.mux.HandleFunc("GET /bucket/stops-range", s.handleBucketStopsRange)
	s.mux.HandleFunc("GET /bucket/range", s.handleBucketRange)
	s.mux.HandleFunc("GET /exposure", s.handleExposureAll)
	s.mux.HandleFunc("GET /exposure/{assetId}", s.handleExposureOne)
	s.mux.HandleFunc("GET /verify/{csvIds}", s.handleVerify)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// ─── response helpers ───────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("api: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// ─── handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.store.ListAssets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "asset_id_invalid")
		return
	}
	asset, err := s.assets.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "asset_not_found")
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	pos, err := s.store.ReadPosition(r.Context(), uint32(id))
	if err != nil {
		writeError(w, http.StatusNotFound, "position_not_found")
		return
	}
	writeJSON(w, http.StatusOK, toPositionView(pos))
}

func isHexAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return false
	}
	for _, c := range addr[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func (s *Server) handleTrader(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if !isHexAddress(addr) {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	grouped, err := s.store.PositionsByOwner(r.Context(), strings.ToLower(addr))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": grouped.Orders, "open": grouped.Open,
		"cancelled": grouped.Cancelled, "closed": grouped.Closed,
	})
}

// parseBucketQuery resolves the common asset=&price=|bucket=&side= params
// shared by /bucket/orders and /bucket/stops into a storage.BucketQuery.
func (s *Server) parseBucketQuery(ctx context.Context, r *http.Request) (storage.BucketQuery, string, int) {
	q := r.URL.Query()

	assetStr := q.Get("asset")
	if assetStr == "" {
		return storage.BucketQuery{}, "asset_required", http.StatusBadRequest
	}
	assetID, err := strconv.ParseInt(assetStr, 10, 64)
	if err != nil {
		return storage.BucketQuery{}, "asset_id_invalid", http.StatusBadRequest
	}

	priceStr, bucketStr := q.Get("price"), q.Get("bucket")
	if priceStr == "" && bucketStr == "" {
		return storage.BucketQuery{}, "price_or_bucket_required", http.StatusBadRequest
	}

	var bucketID int64
	if bucketStr != "" {
		bucketID, err = strconv.ParseInt(bucketStr, 10, 64)
		if err != nil {
			return storage.BucketQuery{}, "bad_request", http.StatusBadRequest
		}
	} else {
		priceX6, err := pricing.ParseToX6(priceStr)
		if err != nil {
			return storage.BucketQuery{}, "bad_request", http.StatusBadRequest
		}
		asset, err := s.assets.Get(ctx, assetID)
		if err != nil {
			return storage.BucketQuery{}, "asset_not_found", http.StatusNotFound
		}
		bucketID, err = pricing.Bucket(priceX6, asset.TickX6)
		if err != nil {
			return storage.BucketQuery{}, "bad_tick", http.StatusBadRequest
		}
	}

	bq := storage.BucketQuery{AssetID: assetID, BucketID: &bucketID, Desc: strings.EqualFold(q.Get("order"), "desc")}
	if sideStr := q.Get("side"); sideStr != "" {
		side := sideStr == "true" || sideStr == "long"
		bq.Side = &side
	}
	return bq, "", 0
}

func (s *Server) handleBucketOrders(w http.ResponseWriter, r *http.Request) {
	bq, code, status := s.parseBucketQuery(r.Context(), r)
	if code != "" {
		writeError(w, status, code)
		return
	}
	rows, err := s.store.QueryOrderBuckets(r.Context(), bq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleBucketStops(w http.ResponseWriter, r *http.Request) {
	bq, code, status := s.parseBucketQuery(r.Context(), r)
	if code != "" {
		writeError(w, status, code)
		return
	}
	rows, err := s.store.QueryStopBuckets(r.Context(), bq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// parseRangeQuery resolves asset=&from=&to=&side= into a range BucketQuery.
func (s *Server) parseRangeQuery(r *http.Request) (storage.BucketQuery, string, int) {
	q := r.URL.Query()

	assetStr := q.Get("asset")
	if assetStr == "" {
		return storage.BucketQuery{}, "asset_required", http.StatusBadRequest
	}
	assetID, err := strconv.ParseInt(assetStr, 10, 64)
	if err != nil {
		return storage.BucketQuery{}, "asset_id_invalid", http.StatusBadRequest
	}

	fromStr, toStr := q.Get("from"), q.Get("to")
	if fromStr == "" || toStr == "" {
		return storage.BucketQuery{}, "price_or_bucket_required", http.StatusBadRequest
	}
	lo, err := strconv.ParseInt(fromStr, 10, 64)
	if err != nil {
		return storage.BucketQuery{}, "bad_request", http.StatusBadRequest
	}
	hi, err := strconv.ParseInt(toStr, 10, 64)
	if err != nil {
		return storage.BucketQuery{}, "bad_request", http.StatusBadRequest
	}

	bq := storage.BucketQuery{AssetID: assetID, Lo: &lo, Hi: &hi, Desc: strings.EqualFold(q.Get("order"), "desc")}
	if sideStr := q.Get("side"); sideStr != "" {
		side := sideStr == "true" || sideStr == "long"
		bq.Side = &side
	}
	return bq, "", 0
}

func (s *Server) handleBucketOrdersRange(w http.ResponseWriter, r *http.Request) {
	bq, code, status := s.parseRangeQuery(r)
	if code != "" {
		writeError(w, status, code)
		return
	}
	rows, err := s.store.QueryOrderBuckets(r.Context(), bq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleBucketStopsRange(w http.ResponseWriter, r *http.Request) {
	bq, code, status := s.parseRangeQuery(r)
	if code != "" {
		writeError(w, status, code)
		return
	}
	rows, err := s.store.QueryStopBuckets(r.Context(), bq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleBucketRange(w http.ResponseWriter, r *http.Request) {
	bq, code, status := s.parseRangeQuery(r)
	if code != "" {
		writeError(w, status, code)
		return
	}
	orders, err := s.store.QueryOrderBuckets(r.Context(), bq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	stops, err := s.store.QueryStopBuckets(r.Context(), bq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "stops": stops})
}

func (s *Server) handleExposureAll(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.AllExposure(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]ExposureView, len(rows))
	for i, row := range rows {
		views[i] = toExposureView(row)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleExposureOne(w http.ResponseWriter, r *http.Request) {
	assetID, err := strconv.ParseInt(r.PathValue("assetId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "asset_id_invalid")
		return
	}
	long, err := s.store.ReadExposure(r.Context(), assetID, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	short, err := s.store.ReadExposure(r.Context(), assetID, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"long": toExposureView(long), "short": toExposureView(short)})
}

// handleVerify triggers state-only reconciliation over a csv id list and
// reports {checked, updated, mismatches}; chain-unreachable degrades to a
// 500 carrying the partial summary's rpcFailed count.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	csv := r.PathValue("csvIds")
	parts := strings.Split(csv, ",")
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request")
			return
		}
		ids = append(ids, uint32(v))
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	sum, err := s.verify.StateOnly(r.Context(), ids)
	updated := sum.Executed + sum.Stops + sum.Removed + sum.StatePatched
	resp := map[string]any{"checked": sum.Scanned, "updated": updated, "mismatches": updated, "rpcFailed": sum.RPCFailed}
	if err != nil || sum.RPCFailed > 0 {
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
