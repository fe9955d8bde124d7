package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"kline-hub/internal/exchange"
	"kline-hub/internal/models"
	"kline-hub/internal/services/kline"
	"kline-hub/internal/services/source"
	"kline-hub/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// KLineService is the read side of kline.Service.
type KLineService interface {
	Query(ctx context.Context, q store.Query) ([]models.KLine, error)
	GetLatest(ctx context.Context, symbol, exchange string, interval models.Interval) (*models.KLine, error)
	GetStats(ctx context.Context) (*kline.Stats, error)
}

// SourceManager controls exchange data sources. source.Manager implements it.
type SourceManager interface {
	Status() []source.Status
	Start(ctx context.Context, code string) error
	Stop(code string) error
	Subscribe(ctx context.Context, code, symbol string, interval models.Interval) error
	Unsubscribe(ctx context.Context, code, symbol string, interval models.Interval) error
	Backfill(ctx context.Context, q source.BackfillQuery) (int, error)
}

// Handler serves the operator HTTP API.
type Handler struct {
	klines     KLineService
	sources    SourceManager
	stream     http.Handler
	streamPath string
	version    string
	startTime  time.Time
	logger     *logrus.Logger
}

type Option func(*Handler)

// WithStream mounts the downstream WebSocket endpoint at path.
func WithStream(path string, h http.Handler) Option {
	return func(s *Handler) {
		s.streamPath = path
		s.stream = h
	}
}

func WithVersion(v string) Option {
	return func(s *Handler) { s.version = v }
}

func NewHandler(klines KLineService, sources SourceManager, logger *logrus.Logger, opts ...Option) *Handler {
	h := &Handler{
		klines:    klines,
		sources:   sources,
		version:   "dev",
		startTime: time.Now(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the API mux wrapped in request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/klines", h.queryKLines)
	mux.HandleFunc("GET /api/v1/klines/latest", h.latestKLine)
	mux.HandleFunc("GET /api/v1/stats", h.stats)

	mux.HandleFunc("GET /api/v1/sources", h.listSources)
	mux.HandleFunc("POST /api/v1/sources/start", h.startSource)
	mux.HandleFunc("POST /api/v1/sources/stop", h.stopSource)
	mux.HandleFunc("POST /api/v1/sources/subscribe", h.subscribe)
	mux.HandleFunc("POST /api/v1/sources/unsubscribe", h.unsubscribe)
	mux.HandleFunc("POST /api/v1/sources/backfill", h.backfill)

	if h.stream != nil {
		mux.Handle(h.streamPath, h.stream)
	}
	return h.logRequests(mux)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	sources := make(map[string]string)
	for _, st := range h.sources.Status() {
		sources[st.Exchange] = st.State
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":        true,
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"sources":        sources,
	})
}

func (h *Handler) queryKLines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	interval, err := models.ParseInterval(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start, err := optionalInt(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("start: %w", err))
		return
	}
	end, err := optionalInt(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("end: %w", err))
		return
	}
	limit, err := optionalInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
		return
	}

	klines, err := h.klines.Query(r.Context(), store.Query{
		Exchange: q.Get("exchange"),
		Symbol:   q.Get("symbol"),
		Interval: interval,
		Start:    start,
		End:      end,
		Limit:    int(limit),
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	out := make([]*models.KLineResponse, 0, len(klines))
	for i := range klines {
		out = append(out, klines[i].ToResponse())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) latestKLine(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	interval, err := models.ParseInterval(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if q.Get("exchange") == "" || q.Get("symbol") == "" {
		writeError(w, http.StatusBadRequest, errors.New("exchange and symbol are required"))
		return
	}
	k, err := h.klines.GetLatest(r.Context(), q.Get("symbol"), q.Get("exchange"), interval)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, k.ToResponse())
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.klines.GetStats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sources.Status())
}

// sourceRequest is the body of every POST /api/v1/sources call. Fields not
// used by an operation are ignored.
type sourceRequest struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Limit    int    `json:"limit"`
}

func decodeSourceRequest(r *http.Request, needSeries bool) (*sourceRequest, models.Interval, error) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, models.Interval{}, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Exchange == "" {
		return nil, models.Interval{}, errors.New("exchange is required")
	}
	if !needSeries {
		return &req, models.Interval{}, nil
	}
	if req.Symbol == "" {
		return nil, models.Interval{}, errors.New("symbol is required")
	}
	interval, err := models.ParseInterval(req.Interval)
	if err != nil {
		return nil, models.Interval{}, err
	}
	return &req, interval, nil
}

func (h *Handler) startSource(w http.ResponseWriter, r *http.Request) {
	req, _, err := decodeSourceRequest(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.sources.Start(r.Context(), req.Exchange); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchange": req.Exchange, "started": true})
}

func (h *Handler) stopSource(w http.ResponseWriter, r *http.Request) {
	req, _, err := decodeSourceRequest(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.sources.Stop(req.Exchange); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchange": req.Exchange, "stopped": true})
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	req, interval, err := decodeSourceRequest(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.sources.Subscribe(r.Context(), req.Exchange, req.Symbol, interval); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribed": true})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	req, interval, err := decodeSourceRequest(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.sources.Unsubscribe(r.Context(), req.Exchange, req.Symbol, interval); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unsubscribed": true})
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	req, interval, err := decodeSourceRequest(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := h.sources.Backfill(r.Context(), source.BackfillQuery{
		Exchange: req.Exchange,
		Symbol:   req.Symbol,
		Interval: interval,
		Start:    req.Start,
		End:      req.End,
		Limit:    req.Limit,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

// fail maps domain errors to HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, kline.ErrInvalidQuery), errors.Is(err, models.ErrUnknownInterval),
		errors.Is(err, exchange.ErrUnsupportedInterval):
		status = http.StatusBadRequest
	case errors.Is(err, kline.ErrNotFound), errors.Is(err, exchange.ErrUnknownExchange):
		status = http.StatusNotFound
	case errors.Is(err, exchange.ErrNotConnected):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("Request failed")
	}
	writeError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func optionalInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
