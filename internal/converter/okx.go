package converter

import (
	"encoding/json"
	"strings"

	"kline-hub/internal/exchange"
	"kline-hub/internal/models"

	"github.com/shopspring/decimal"
)

type okxPush struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []json.RawMessage `json:"data"`
}

type okxResponse struct {
	Code string              `json:"code"`
	Msg  string              `json:"msg"`
	Data [][]json.RawMessage `json:"data"`
}

// OKXConverter converts OKX candle pushes and REST rows:
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
type OKXConverter struct{}

func (OKXConverter) ExchangeCode() string { return "okx" }

// Convert reads the first row of a candle push.
func (c OKXConverter) Convert(symbol string, interval models.Interval, raw string) (*models.KLine, error) {
	var push okxPush
	if err := json.Unmarshal([]byte(raw), &push); err != nil {
		return nil, malformed("okx push: %v", err)
	}
	if len(push.Data) == 0 {
		return nil, nil
	}

	bar := strings.TrimPrefix(push.Arg.Channel, "candle")
	interval, err := frameInterval(interval, bar, exchange.IntervalFromOKXBar)
	if err != nil {
		return nil, err
	}

	var row []json.RawMessage
	if err := json.Unmarshal(push.Data[0], &row); err != nil {
		return nil, malformed("okx candle row: %v", err)
	}
	if symbol == "" {
		symbol = models.NormalizeSymbol(push.Arg.InstID)
	}
	return c.row(symbol, interval, row)
}

// ConvertBatch accepts either the REST envelope {"data":[...]} or a bare
// array of rows. OKX returns newest first; the result is ascending.
func (c OKXConverter) ConvertBatch(symbol string, interval models.Interval, raw string) ([]models.KLine, error) {
	var rows [][]json.RawMessage
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &rows); err != nil {
			return nil, malformed("okx candles: %v", err)
		}
	} else {
		var resp okxResponse
		if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
			return nil, malformed("okx candles: %v", err)
		}
		if resp.Code != "" && resp.Code != "0" {
			return nil, malformed("okx error %s: %s", resp.Code, resp.Msg)
		}
		rows = resp.Data
	}

	out := make([]models.KLine, 0, len(rows))
	for _, row := range rows {
		k, err := c.row(symbol, interval, row)
		if err != nil {
			return nil, err
		}
		if k != nil {
			out = append(out, *k)
		}
	}
	sortAscending(out)
	return out, nil
}

// row converts one candle row. Rows shorter than seven fields are ignored.
// Without a confirm flag the candle is treated as closed.
func (OKXConverter) row(symbol string, interval models.Interval, row []json.RawMessage) (*models.KLine, error) {
	if len(row) < 7 {
		return nil, nil
	}

	k := &models.KLine{
		Symbol:      symbol,
		Exchange:    "okx",
		Interval:    interval,
		QuoteVolume: decimal.Zero,
		Closed:      true,
	}
	var err error
	if k.OpenTime, err = int64At(row, 0); err != nil {
		return nil, err
	}
	if err = ohlcv(row, 1, k); err != nil {
		return nil, err
	}
	k.CloseTime = k.OpenTime + interval.Millis()

	if len(row) > 7 {
		if k.QuoteVolume, err = decimalAt(row, 7); err != nil {
			return nil, err
		}
	}
	if len(row) > 8 {
		k.Closed = stringAt(row, 8) == "1"
	}
	return k, nil
}
