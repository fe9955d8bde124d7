package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"kline-hub/internal/converter"
	"kline-hub/internal/exchange"
	"kline-hub/internal/metrics"
	"kline-hub/internal/models"
	"kline-hub/internal/ratelimit"

	"github.com/sirupsen/logrus"
)

var (
	ErrRateLimited = errors.New("rate limited by exchange")
	ErrHTTPStatus  = errors.New("unexpected http status")
)

// FetchRequest selects one page of historical candles. Start and End are
// epoch milliseconds, zero means unbounded.
type FetchRequest struct {
	Symbol   string
	Interval models.Interval
	Start    int64
	End      int64
	Limit    int
}

// Client fetches historical klines over an exchange's public REST API.
type Client interface {
	ExchangeCode() string
	MaxLimit() int
	Fetch(ctx context.Context, req FetchRequest) ([]models.KLine, error)
	// FetchKLines is Fetch that never fails: errors are logged and an empty
	// list is returned.
	FetchKLines(ctx context.Context, req FetchRequest) []models.KLine
}

// endpoint builds the request path and query for one exchange.
type endpoint func(req FetchRequest, limit int) (string, url.Values, error)

// HTTPClient is the shared REST implementation; exchanges differ only in
// their endpoint and converter.
type HTTPClient struct {
	code       string
	baseURL    string
	maxLimit   int
	endpoint   endpoint
	converter  converter.Converter
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	logger     *logrus.Logger
}

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the default http.Client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithLimiter paces requests through an exchange rate limiter.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *HTTPClient) { c.limiter = l }
}

func newHTTPClient(code, baseURL string, maxLimit int, ep endpoint, conv converter.Converter, logger *logrus.Logger, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		code:      code,
		baseURL:   baseURL,
		maxLimit:  maxLimit,
		endpoint:  ep,
		converter: conv,
		logger:    logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New returns the REST client for an exchange code.
func New(code, baseURL string, logger *logrus.Logger, opts ...Option) (*HTTPClient, error) {
	switch code {
	case exchange.Binance:
		return NewBinanceClient(baseURL, logger, opts...), nil
	case exchange.OKX:
		return NewOKXClient(baseURL, logger, opts...), nil
	case exchange.Bybit:
		return NewBybitClient(baseURL, logger, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownExchange, code)
	}
}

func (c *HTTPClient) ExchangeCode() string { return c.code }
func (c *HTTPClient) MaxLimit() int { return c.maxLimit }

func (c *HTTPClient) clampLimit(limit int) int {
	if limit <= 0 || limit > c.maxLimit {
		return c.maxLimit
	}
	return limit
}

// Fetch performs one request. HTTP 429 and 418 feed the limiter's adaptive
// backoff and return ErrRateLimited.
func (c *HTTPClient) Fetch(ctx context.Context, req FetchRequest) ([]models.KLine, error) {
	if req.Interval.IsZero() {
		return nil, models.ErrUnknownInterval
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	path, query, err := c.endpoint(req, c.clampLimit(req.Limit))
	if err != nil {
		return nil, err
	}
	target := c.baseURL + path + "?" + query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.RestRequests.WithLabelValues(c.code, "transport_error").Inc()
		return nil, fmt.Errorf("request %s: %w", c.code, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		if c.limiter != nil {
			c.limiter.RecordRateLimitHit()
		}
		metrics.RestRequests.WithLabelValues(c.code, "rate_limited").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.RestRequests.WithLabelValues(c.code, "http_error").Inc()
		return nil, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RestRequests.WithLabelValues(c.code, "transport_error").Inc()
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	klines, err := c.converter.ConvertBatch(req.Symbol, req.Interval, string(body))
	if err != nil {
		metrics.RestRequests.WithLabelValues(c.code, "decode_error").Inc()
		return nil, err
	}

	if c.limiter != nil {
		c.limiter.RecordSuccess()
	}
	metrics.RestRequests.WithLabelValues(c.code, "ok").Inc()
	metrics.BackfillKLines.WithLabelValues(c.code).Add(float64(len(klines)))
	return klines, nil
}

func (c *HTTPClient) FetchKLines(ctx context.Context, req FetchRequest) []models.KLine {
	klines, err := c.Fetch(ctx, req)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"exchange": c.code,
			"symbol":   req.Symbol,
			"interval": req.Interval.Code(),
		}).Warn("Failed to fetch klines, returning empty result")
		return []models.KLine{}
	}
	return klines
}

func setMillis(q url.Values, key string, ms int64) {
	if ms > 0 {
		q.Set(key, strconv.FormatInt(ms, 10))
	}
}
