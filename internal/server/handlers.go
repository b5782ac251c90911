package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"SpotSnapshot/internal/core"
	"SpotSnapshot/internal/event"
	"SpotSnapshot/internal/extractor"
	"SpotSnapshot/internal/observability"
	"SpotSnapshot/internal/persistence"
	"SpotSnapshot/internal/query"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// Querier is the read side served by the HTTP API. Both the Postgres
// QueryService and the in-memory projection implement it.
type Querier interface {
	ListTokenAmounts(ctx context.Context, marketIndex uint16, limit int, afterUser string) (*query.TokenAmountList, error)
	GetUserTokenAmount(ctx context.Context, marketIndex uint16, user solana.PublicKey) (*query.UserTokenAmountResponse, error)
	ListByAuthority(ctx context.Context, authority solana.PublicKey) (*query.AuthorityTokenAmounts, error)
	GetLatestSnapshot(ctx context.Context, marketIndex uint16) (*query.SnapshotResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Snapshotter takes on-demand snapshots.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context, marketIndex uint16, trigger event.SnapshotTrigger, requestID uuid.UUID) (*core.SnapshotResult, error)
}

// SnapshotTakenResponse is the body of POST /v1/markets/{market_index}/snapshots.
type SnapshotTakenResponse struct {
	// False when the market was unchanged; Snapshot is then the previous one
	Emitted   bool                    `json:"emitted"`
	// Set when request_id was already served; Snapshot is the one it produced
	Duplicate bool                    `json:"duplicate,omitempty"`
	Snapshot  *query.SnapshotResponse `json:"snapshot"`
}

type snapshotRequestBody struct {
	RequestID string `json:"request_id"`
}

// errBadRequest marks client errors.
var errBadRequest = errors.New("bad request")

type handlers struct {
	querier     Querier
	snapshotter Snapshotter
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

// NewHTTPHandler builds the HTTP API: the JSON routes on a grpc-gateway
// runtime mux plus /healthz and /readyz.
func NewHTTPHandler(deps *ServerDeps) (http.Handler, error) {
	h := &handlers{
		querier:     deps.Querier,
		snapshotter: deps.Snapshotter,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
	}

	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern, endpoint string
		fn                        func(*http.Request, map[string]string) (interface{}, int, error)
	}{
		{"GET", "/v1/markets/{market_index}/token-amounts", "list_token_amounts", h.listTokenAmounts},
		{"GET", "/v1/markets/{market_index}/token-amounts/{user}", "get_user_token_amount", h.getUserTokenAmount},
		{"GET", "/v1/authorities/{authority}/token-amounts", "list_by_authority", h.listByAuthority},
		{"GET", "/v1/markets/{market_index}/snapshots/latest", "get_latest_snapshot", h.getLatestSnapshot},
		{"POST", "/v1/markets/{market_index}/snapshots", "take_snapshot", h.takeSnapshot},
		{"GET", "/v1/admin/integrity", "verify_integrity", h.verifyIntegrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, h.wrap(rt.endpoint, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (h *handlers) wrap(
	endpoint string,
	fn func(*http.Request, map[string]string) (interface{}, int, error),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		if h.metrics != nil {
			h.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
			defer func() {
				h.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			}()
		}

		body, code, err := fn(r, params)
		if err != nil {
			code = statusFor(err)
			if code == http.StatusInternalServerError {
				h.logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
			}
			if h.metrics != nil {
				h.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			}
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, code, body)
	}
}

func (h *handlers) listTokenAmounts(r *http.Request, params map[string]string) (interface{}, int, error) {
	market, err := parseMarketIndex(params["market_index"])
	if err != nil {
		return nil, 0, err
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			return nil, 0, fmt.Errorf("%w: invalid limit %q", errBadRequest, s)
		}
	}
	after := r.URL.Query().Get("after")
	if after != "" {
		if _, err := parsePublicKey("after", after); err != nil {
			return nil, 0, err
		}
	}

	list, err := h.querier.ListTokenAmounts(r.Context(), market, limit, after)
	return list, http.StatusOK, err
}

func (h *handlers) getUserTokenAmount(r *http.Request, params map[string]string) (interface{}, int, error) {
	market, err := parseMarketIndex(params["market_index"])
	if err != nil {
		return nil, 0, err
	}
	user, err := parsePublicKey("user", params["user"])
	if err != nil {
		return nil, 0, err
	}

	resp, err := h.querier.GetUserTokenAmount(r.Context(), market, user)
	return resp, http.StatusOK, err
}

func (h *handlers) listByAuthority(r *http.Request, params map[string]string) (interface{}, int, error) {
	authority, err := parsePublicKey("authority", params["authority"])
	if err != nil {
		return nil, 0, err
	}

	resp, err := h.querier.ListByAuthority(r.Context(), authority)
	return resp, http.StatusOK, err
}

func (h *handlers) getLatestSnapshot(r *http.Request, params map[string]string) (interface{}, int, error) {
	market, err := parseMarketIndex(params["market_index"])
	if err != nil {
		return nil, 0, err
	}

	resp, err := h.querier.GetLatestSnapshot(r.Context(), market)
	return resp, http.StatusOK, err
}

func (h *handlers) takeSnapshot(r *http.Request, params map[string]string) (interface{}, int, error) {
	if h.snapshotter == nil {
		return nil, 0, fmt.Errorf("%w: on-demand snapshots are disabled", errBadRequest)
	}
	market, err := parseMarketIndex(params["market_index"])
	if err != nil {
		return nil, 0, err
	}

	requestID := uuid.New()
	var body snapshotRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("%w: invalid body: %v", errBadRequest, err)
	}
	if body.RequestID != "" {
		requestID, err = uuid.Parse(body.RequestID)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: invalid request_id: %v", errBadRequest, err)
		}
	}

	res, err := h.snapshotter.TakeSnapshot(r.Context(), market, event.TriggerAPI, requestID)
	if err != nil {
		return nil, 0, err
	}

	code := http.StatusOK
	if res.Emitted {
		code = http.StatusCreated
	}
	return &SnapshotTakenResponse{
		Emitted:   res.Emitted,
		Duplicate: res.Duplicate,
		Snapshot:  query.NewSnapshotResponse(res.Snapshot, false),
	}, code, nil
}

func (h *handlers) verifyIntegrity(r *http.Request, _ map[string]string) (interface{}, int, error) {
	report, err := h.querier.VerifyIntegrity(r.Context())
	return report, http.StatusOK, err
}

// --- helpers ---

func parseMarketIndex(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid market_index %q", errBadRequest, s)
	}
	return uint16(v), nil
}

func parsePublicKey(name, s string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: invalid %s: %v", errBadRequest, name, err)
	}
	return key, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrNotFound),
		errors.Is(err, extractor.ErrMarketNotFound),
		errors.Is(err, persistence.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateRequest):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
