package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownInterval is returned when an interval code is not recognised.
var ErrUnknownInterval = errors.New("unknown kline interval")

// Interval is a candle period identified by its code ("1m", "4h", "1M", ...).
type Interval struct {
	code   string
	millis int64
}

var (
	Interval1m  = Interval{"1m", 60_000}
	Interval3m  = Interval{"3m", 180_000}
	Interval5m  = Interval{"5m", 300_000}
	Interval15m = Interval{"15m", 900_000}
	Interval30m = Interval{"30m", 1_800_000}
	Interval1h  = Interval{"1h", 3_600_000}
	Interval2h  = Interval{"2h", 7_200_000}
	Interval4h  = Interval{"4h", 14_400_000}
	Interval6h  = Interval{"6h", 21_600_000}
	Interval8h  = Interval{"8h", 28_800_000}
	Interval12h = Interval{"12h", 43_200_000}
	Interval1d  = Interval{"1d", 86_400_000}
	Interval3d  = Interval{"3d", 259_200_000}
	Interval1w  = Interval{"1w", 604_800_000}
	// Interval1M is approximated as 30 days.
	Interval1M = Interval{"1M", 2_592_000_000}
)

var allIntervals = []Interval{
	Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
	Interval1d, Interval3d, Interval1w, Interval1M,
}

// Intervals returns every supported interval in ascending duration order.
func Intervals() []Interval {
	out := make([]Interval, len(allIntervals))
	copy(out, allIntervals)
	return out
}

// ParseInterval resolves an interval code. Codes are case sensitive because
// "1m" (minute) and "1M" (month) differ only by case.
func ParseInterval(code string) (Interval, error) {
	code = strings.TrimSpace(code)
	for _, iv := range allIntervals {
		if iv.code == code {
			return iv, nil
		}
	}
	return Interval{}, fmt.Errorf("%w: %q", ErrUnknownInterval, code)
}

// Code returns the canonical code, e.g. "15m".
func (i Interval) Code() string { return i.code }

// Millis returns the fixed duration in milliseconds.
func (i Interval) Millis() int64 { return i.millis }

// Duration returns the interval as a time.Duration.
func (i Interval) Duration() time.Duration { return time.Duration(i.millis) * time.Millisecond }

// IsZero reports whether the interval is unset.
func (i Interval) IsZero() bool { return i.code == "" }

func (i Interval) String() string { return i.code }

func (i Interval) MarshalText() ([]byte, error) {
	if i.IsZero() {
		return []byte{}, nil
	}
	return []byte(i.code), nil
}

func (i *Interval) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*i = Interval{}
		return nil
	}
	parsed, err := ParseInterval(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// KLine is the canonical candle shared by every exchange binding.
type KLine struct {
	Symbol      string          `json:"symbol"`
	Exchange    string          `json:"exchange"`
	Interval    Interval        `json:"interval"`
	OpenTime    int64           `json:"openTime"`
	CloseTime   int64           `json:"closeTime"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	Trades      *int            `json:"trades,omitempty"`
	Closed      bool            `json:"closed"`
}

// SeriesID identifies the (exchange, symbol, interval) series of the candle.
func (k *KLine) SeriesID() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Symbol, k.Interval.Code())
}

// OpenAt returns the open time as a UTC time.Time.
func (k *KLine) OpenAt() time.Time { return time.UnixMilli(k.OpenTime).UTC() }

// CloseAt returns the close time as a UTC time.Time.
func (k *KLine) CloseAt() time.Time { return time.UnixMilli(k.CloseTime).UTC() }

// TradeCount returns the trade count or 0 when the exchange did not report one.
func (k *KLine) TradeCount() int {
	if k.Trades == nil {
		return 0
	}
	return *k.Trades
}

// IntPtr is a small helper for optional trade counts.
func IntPtr(v int) *int { return &v }

// KLineResponse is the wire shape returned by the HTTP API.
type KLineResponse struct {
	Symbol      string `json:"symbol"`
	Exchange    string `json:"exchange"`
	Interval    string `json:"interval"`
	OpenTime    int64  `json:"openTime"`
	CloseTime   int64  `json:"closeTime"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quoteVolume"`
	Trades      *int   `json:"trades,omitempty"`
	Closed      bool   `json:"closed"`
}

// ToResponse converts KLine to API response format
func (k *KLine) ToResponse() *KLineResponse {
	return &KLineResponse{
		Symbol:      k.Symbol,
		Exchange:    k.Exchange,
		Interval:    k.Interval.Code(),
		OpenTime:    k.OpenTime,
		CloseTime:   k.CloseTime,
		Open:        k.Open.String(),
		High:        k.High.String(),
		Low:         k.Low.String(),
		Close:       k.Close.String(),
		Volume:      k.Volume.String(),
		QuoteVolume: k.QuoteVolume.String(),
		Trades:      k.Trades,
		Closed:      k.Closed,
	}
}

// NormalizeSymbol converts exchange spellings such as "btcusdt" with a known
// quote or "btc_usdt" to the unified "BTC-USDT" form.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("_", "-", "/", "-").Replace(s)
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range knownQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}
	return s
}

var knownQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH", "EUR", "USD"}
