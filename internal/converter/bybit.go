package converter

import (
	"encoding/json"
	"strings"

	"kline-hub/internal/exchange"
	"kline-hub/internal/models"
)

type bybitKline struct {
	Start    flexInt64   `json:"start"`
	End      flexInt64   `json:"end"`
	Interval string      `json:"interval"`
	Open     flexDecimal `json:"open"`
	Close    flexDecimal `json:"close"`
	High     flexDecimal `json:"high"`
	Low      flexDecimal `json:"low"`
	Volume   flexDecimal `json:"volume"`
	Turnover flexDecimal `json:"turnover"`
	Confirm  bool        `json:"confirm"`
}

type bybitPush struct {
	Topic string       `json:"topic"`
	Type  string       `json:"type"`
	Data  []bybitKline `json:"data"`
}

type bybitResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol string              `json:"symbol"`
		List   [][]json.RawMessage `json:"list"`
	} `json:"result"`
}

// BybitConverter converts Bybit v5 spot kline pushes and REST rows.
type BybitConverter struct{}

func (BybitConverter) ExchangeCode() string { return "bybit" }

func (BybitConverter) Convert(symbol string, interval models.Interval, raw string) (*models.KLine, error) {
	var push bybitPush
	if err := json.Unmarshal([]byte(raw), &push); err != nil {
		return nil, malformed("bybit push: %v", err)
	}
	if !strings.HasPrefix(push.Topic, "kline.") || len(push.Data) == 0 {
		return nil, nil
	}

	d := push.Data[0]
	if !d.Open.Set || !d.Close.Set {
		return nil, malformed("bybit kline missing prices")
	}
	code := d.Interval
	parts := strings.Split(push.Topic, ".")
	if len(parts) == 3 {
		code = parts[1]
		if symbol == "" {
			symbol = models.NormalizeSymbol(parts[2])
		}
	}
	interval, err := frameInterval(interval, code, exchange.IntervalFromBybit)
	if err != nil {
		return nil, err
	}

	closeTime := int64(d.End)
	if closeTime == 0 {
		closeTime = int64(d.Start) + interval.Millis()
	}
	return &models.KLine{
		Symbol:      symbol,
		Exchange:    "bybit",
		Interval:    interval,
		OpenTime:    int64(d.Start),
		CloseTime:   closeTime,
		Open:        d.Open.Decimal,
		High:        d.High.Decimal,
		Low:         d.Low.Decimal,
		Close:       d.Close.Decimal,
		Volume:      d.Volume.Decimal,
		QuoteVolume: d.Turnover.Decimal,
		Closed:      d.Confirm,
	}, nil
}

// ConvertBatch converts a /v5/market/kline response. Rows are
// [startTime, open, high, low, close, volume, turnover], newest first.
func (BybitConverter) ConvertBatch(symbol string, interval models.Interval, raw string) ([]models.KLine, error) {
	var resp bybitResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, malformed("bybit klines: %v", err)
	}
	if resp.RetCode != 0 {
		return nil, malformed("bybit error %d: %s", resp.RetCode, resp.RetMsg)
	}

	out := make([]models.KLine, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		if len(row) < 7 {
			continue
		}
		k := models.KLine{
			Symbol:   symbol,
			Exchange: "bybit",
			Interval: interval,
			Closed:   true,
		}
		var err error
		if k.OpenTime, err = int64At(row, 0); err != nil {
			return nil, err
		}
		if err = ohlcv(row, 1, &k); err != nil {
			return nil, err
		}
		if k.QuoteVolume, err = decimalAt(row, 6); err != nil {
			return nil, err
		}
		k.CloseTime = k.OpenTime + interval.Millis()
		out = append(out, k)
	}
	sortAscending(out)
	return out, nil
}
