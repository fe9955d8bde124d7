package rest

import (
	"fmt"
	"net/url"
	"strconv"

	"kline-hub/internal/converter"
	"kline-hub/internal/exchange"

	"github.com/sirupsen/logrus"
)

const (
	binanceMaxLimit = 1000
	okxMaxLimit     = 300
	bybitMaxLimit   = 1000
)

// NewBinanceClient queries GET /api/v3/klines.
func NewBinanceClient(baseURL string, logger *logrus.Logger, opts ...Option) *HTTPClient {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return newHTTPClient(exchange.Binance, baseURL, binanceMaxLimit, binanceEndpoint, converter.BinanceConverter{}, logger, opts...)
}

func binanceEndpoint(req FetchRequest, limit int) (string, url.Values, error) {
	q := url.Values{}
	q.Set("symbol", exchange.BinanceSymbol(req.Symbol))
	q.Set("interval", req.Interval.Code())
	q.Set("limit", strconv.Itoa(limit))
	setMillis(q, "startTime", req.Start)
	setMillis(q, "endTime", req.End)
	return "/api/v3/klines", q, nil
}

// NewOKXClient queries GET /api/v5/market/candles.
func NewOKXClient(baseURL string, logger *logrus.Logger, opts ...Option) *HTTPClient {
	if baseURL == "" {
		baseURL = "https://www.okx.com"
	}
	return newHTTPClient(exchange.OKX, baseURL, okxMaxLimit, okxEndpoint, converter.OKXConverter{}, logger, opts...)
}

// okxEndpoint translates an inclusive [Start, End] range into OKX's exclusive
// cursors: "after" returns records older than the timestamp and "before"
// records newer than it.
func okxEndpoint(req FetchRequest, limit int) (string, url.Values, error) {
	q := url.Values{}
	q.Set("instId", exchange.OKXInstID(req.Symbol))
	q.Set("bar", exchange.OKXBar(req.Interval))
	q.Set("limit", strconv.Itoa(limit))
	if req.End > 0 {
		setMillis(q, "after", req.End+1)
	}
	if req.Start > 0 {
		setMillis(q, "before", req.Start-1)
	}
	return "/api/v5/market/candles", q, nil
}

// NewBybitClient queries GET /v5/market/kline for the spot category.
func NewBybitClient(baseURL string, logger *logrus.Logger, opts ...Option) *HTTPClient {
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	return newHTTPClient(exchange.Bybit, baseURL, bybitMaxLimit, bybitEndpoint, converter.BybitConverter{}, logger, opts...)
}

func bybitEndpoint(req FetchRequest, limit int) (string, url.Values, error) {
	code := exchange.BybitInterval(req.Interval)
	if code == "" {
		return "", nil, fmt.Errorf("%w: bybit %s", exchange.ErrUnsupportedInterval, req.Interval.Code())
	}
	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", exchange.BybitSymbol(req.Symbol))
	q.Set("interval", code)
	q.Set("limit", strconv.Itoa(limit))
	setMillis(q, "start", req.Start)
	setMillis(q, "end", req.End)
	return "/v5/market/kline", q, nil
}
