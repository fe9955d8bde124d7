package converter

import (
	"encoding/json"

	"kline-hub/internal/models"
)

// binanceKline mirrors the "k" object of a kline stream event. Upper case
// keys are declared so they do not shadow their lower case twins during
// case-insensitive decoding.
type binanceKline struct {
	OpenTime            flexInt64   `json:"t"`
	CloseTime           flexInt64   `json:"T"`
	Symbol              string      `json:"s"`
	Interval            string      `json:"i"`
	FirstTradeID        int64       `json:"f"`
	LastTradeID         int64       `json:"L"`
	Open                flexDecimal `json:"o"`
	Close               flexDecimal `json:"c"`
	High                flexDecimal `json:"h"`
	Low                 flexDecimal `json:"l"`
	Volume              flexDecimal `json:"v"`
	Trades              *int        `json:"n"`
	Closed              bool        `json:"x"`
	QuoteVolume         flexDecimal `json:"q"`
	TakerBuyBaseVolume  flexDecimal `json:"V"`
	TakerBuyQuoteVolume flexDecimal `json:"Q"`
}

// binanceEvent is either a wrapped stream event or a flat kline object.
type binanceEvent struct {
	EventType string        `json:"e"`
	EventTime int64         `json:"E"`
	Kline     *binanceKline `json:"k"`
	binanceKline
}

// BinanceConverter converts Binance spot kline events and REST rows.
type BinanceConverter struct{}

func (BinanceConverter) ExchangeCode() string { return "binance" }

func (BinanceConverter) Convert(symbol string, interval models.Interval, raw string) (*models.KLine, error) {
	var ev binanceEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, malformed("binance event: %v", err)
	}
	if ev.EventType != "" && ev.EventType != "kline" {
		return nil, nil
	}

	k := ev.Kline
	if k == nil {
		if ev.binanceKline.OpenTime == 0 && !ev.binanceKline.Open.Set {
			return nil, nil
		}
		k = &ev.binanceKline
	}
	if !k.Open.Set || !k.Close.Set {
		return nil, malformed("binance kline missing prices")
	}

	if symbol == "" {
		symbol = models.NormalizeSymbol(k.Symbol)
	}
	closeTime := int64(k.CloseTime)
	if closeTime == 0 {
		closeTime = int64(k.OpenTime) + interval.Millis()
	}

	return &models.KLine{
		Symbol:      symbol,
		Exchange:    "binance",
		Interval:    interval,
		OpenTime:    int64(k.OpenTime),
		CloseTime:   closeTime,
		Open:        k.Open.Decimal,
		High:        k.High.Decimal,
		Low:         k.Low.Decimal,
		Close:       k.Close.Decimal,
		Volume:      k.Volume.Decimal,
		QuoteVolume: k.QuoteVolume.Decimal,
		Trades:      k.Trades,
		Closed:      k.Closed,
	}, nil
}

// ConvertBatch converts a /api/v3/klines response:
// [[openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, ...], ...].
// Rows shorter than nine fields are skipped. REST klines are reported closed.
func (BinanceConverter) ConvertBatch(symbol string, interval models.Interval, raw string) ([]models.KLine, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, malformed("binance klines: %v", err)
	}

	out := make([]models.KLine, 0, len(rows))
	for _, row := range rows {
		if len(row) < 9 {
			continue
		}
		k := models.KLine{
			Symbol:   symbol,
			Exchange: "binance",
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
		if k.CloseTime, err = int64At(row, 6); err != nil {
			return nil, err
		}
		if k.QuoteVolume, err = decimalAt(row, 7); err != nil {
			return nil, err
		}
		trades, err := int64At(row, 8)
		if err != nil {
			return nil, err
		}
		k.Trades = models.IntPtr(int(trades))
		out = append(out, k)
	}
	sortAscending(out)
	return out, nil
}
