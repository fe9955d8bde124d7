package converter

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"kline-hub/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrMalformedPayload = errors.New("malformed kline payload")
	ErrNoConverter      = errors.New("no converter registered for exchange")
)

// Converter turns exchange payloads into canonical klines.
//
// Convert returns (nil, nil) when raw is valid but does not carry a candle.
// ConvertBatch returns klines in ascending open time.
type Converter interface {
	ExchangeCode() string
	Convert(symbol string, interval models.Interval, raw string) (*models.KLine, error)
	ConvertBatch(symbol string, interval models.Interval, raw string) ([]models.KLine, error)
}

// Registry looks converters up by exchange code.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

func NewRegistry(converters ...Converter) *Registry {
	r := &Registry{converters: make(map[string]Converter)}
	for _, c := range converters {
		r.Register(c)
	}
	return r
}

// DefaultRegistry holds the built-in exchange converters.
func DefaultRegistry() *Registry {
	return NewRegistry(&BinanceConverter{}, &OKXConverter{}, &BybitConverter{})
}

func (r *Registry) Register(c Converter) {
	r.mu.Lock()
	r.converters[c.ExchangeCode()] = c
	r.mu.Unlock()
}

func (r *Registry) Get(exchange string) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConverter, exchange)
	}
	return c, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// flexDecimal accepts a JSON string or number.
type flexDecimal struct {
	decimal.Decimal
	Set bool
}

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	f.Decimal = d
	f.Set = true
	return nil
}

// flexInt64 accepts a JSON string or number.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt64(v)
	return nil
}

// decimalAt parses row[i] as a decimal.
func decimalAt(row []json.RawMessage, i int) (decimal.Decimal, error) {
	var d flexDecimal
	if err := json.Unmarshal(row[i], &d); err != nil {
		return decimal.Zero, malformed("field %d: %v", i, err)
	}
	return d.Decimal, nil
}

// int64At parses row[i] as an integer.
func int64At(row []json.RawMessage, i int) (int64, error) {
	var v flexInt64
	if err := json.Unmarshal(row[i], &v); err != nil {
		return 0, malformed("field %d: %v", i, err)
	}
	return int64(v), nil
}

// stringAt reads row[i] as a string, accepting bare numbers.
func stringAt(row []json.RawMessage, i int) string {
	var s string
	if err := json.Unmarshal(row[i], &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(row[i]))
}

// ohlcv parses open, high, low, close and volume from consecutive row fields
// starting at index first.
func ohlcv(row []json.RawMessage, first int, k *models.KLine) error {
	targets := []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
	for i, dst := range targets {
		d, err := decimalAt(row, first+i)
		if err != nil {
			return err
		}
		*dst = d
	}
	return nil
}

func sortAscending(klines []models.KLine) {
	sort.SliceStable(klines, func(i, j int) bool {
		return klines[i].OpenTime < klines[j].OpenTime
	})
}

// frameInterval reconciles the interval code carried by a push frame with the
// interval the caller asked for. A zero want takes the frame's interval.
func frameInterval(want models.Interval, code string, parse func(string) (models.Interval, error)) (models.Interval, error) {
	if code == "" {
		if want.IsZero() {
			return want, malformed("frame carries no interval")
		}
		return want, nil
	}
	got, err := parse(code)
	if err != nil {
		return want, malformed("unknown frame interval %q", code)
	}
	if !want.IsZero() && got.Code() != want.Code() {
		return want, malformed("frame interval %s, subscribed %s", got.Code(), want.Code())
	}
	return got, nil
}
