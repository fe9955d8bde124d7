package converter

import (
	"testing"

	"kline-hub/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const binanceEventSample = `{
	"e":"kline","E":1700000001000,"s":"BTCUSDT",
	"k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","f":100,"L":200,
		"o":"100.0","c":"100.5","h":"101.0","l":"99.5","v":"12.5","n":42,"x":true,
		"q":"1250.75","V":"6.0","Q":"600.0","B":"0"}
}`

func TestBinanceConvertEvent(t *testing.T) {
	k, err := BinanceConverter{}.Convert("BTC-USDT", models.Interval1m, binanceEventSample)
	require.NoError(t, err)
	require.NotNil(t, k)

	assert.Equal(t, "BTC-USDT", k.Symbol)
	assert.Equal(t, "binance", k.Exchange)
	assert.Equal(t, models.Interval1m, k.Interval)
	assert.Equal(t, int64(1700000000000), k.OpenTime)
	assert.Equal(t, int64(1700000059999), k.CloseTime)
	assert.True(t, k.Close.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, k.Low.Equal(decimal.RequireFromString("99.5")), "L must not overwrite low")
	assert.True(t, k.Volume.Equal(decimal.RequireFromString("12.5")), "V must not overwrite volume")
	assert.True(t, k.QuoteVolume.Equal(decimal.RequireFromString("1250.75")))
	assert.Equal(t, 42, k.TradeCount())
	assert.True(t, k.Closed)
}

func TestBinanceConvertFlatAndOther(t *testing.T) {
	flat := `{"t":1700000000000,"o":"1","h":"2","l":"0.5","c":"1.5","v":"10","x":false}`
	k, err := BinanceConverter{}.Convert("BTC-USDT", models.Interval1m, flat)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, int64(1700000060000), k.CloseTime)
	assert.Nil(t, k.Trades)
	assert.True(t, k.QuoteVolume.IsZero())
	assert.False(t, k.Closed)

	k, err = BinanceConverter{}.Convert("BTC-USDT", models.Interval1m, `{"e":"trade","p":"1"}`)
	assert.NoError(t, err)
	assert.Nil(t, k)

	k, err = BinanceConverter{}.Convert("BTC-USDT", models.Interval1m, `{"result":null,"id":1}`)
	assert.NoError(t, err)
	assert.Nil(t, k)

	_, err = BinanceConverter{}.Convert("BTC-USDT", models.Interval1m, `not json`)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestBinanceConvertBatch(t *testing.T) {
	raw := `[
		[1700000060000,"100.5","102","100","101","3",1700000119999,"303",7,"1","1","0"],
		[1700000000000,"100","101","99","100.5","2",1700000059999,"201",5,"1","1","0"],
		[1700000120000,"1","1"]
	]`
	ks, err := BinanceConverter{}.ConvertBatch("BTC-USDT", models.Interval1m, raw)
	require.NoError(t, err)
	require.Len(t, ks, 2)

	assert.Equal(t, int64(1700000000000), ks[0].OpenTime)
	assert.Equal(t, int64(1700000060000), ks[1].OpenTime)
	assert.Equal(t, 5, ks[0].TradeCount())
	assert.True(t, ks[0].Closed)
	assert.True(t, ks[1].High.Equal(decimal.NewFromInt(102)))

	_, err = BinanceConverter{}.ConvertBatch("BTC-USDT", models.Interval1m, `{"code":-1121}`)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestOKXConvert(t *testing.T) {
	raw := `{"arg":{"channel":"candle1m","instId":"BTC-USDT"},
		"data":[["1700000000000","100","101","99","100.5","10","1000","1005","0"]]}`
	k, err := OKXConverter{}.Convert("BTC-USDT", models.Interval1m, raw)
	require.NoError(t, err)
	require.NotNil(t, k)

	assert.Equal(t, "okx", k.Exchange)
	assert.Equal(t, int64(1700000060000), k.CloseTime)
	assert.True(t, k.QuoteVolume.Equal(decimal.NewFromInt(1005)))
	assert.False(t, k.Closed)
	assert.Nil(t, k.Trades)

	short := `{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[["1700000000000","1","1","1","1","1","1"]]}`
	k, err = OKXConverter{}.Convert("", models.Interval1m, short)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, "BTC-USDT", k.Symbol)
	assert.True(t, k.Closed, "missing confirm means closed")
	assert.True(t, k.QuoteVolume.IsZero())

	k, err = OKXConverter{}.Convert("BTC-USDT", models.Interval1m, `{"event":"subscribe","arg":{"channel":"candle1m"}}`)
	assert.NoError(t, err)
	assert.Nil(t, k)
}

func TestOKXConvertBatchAscending(t *testing.T) {
	raw := `{"code":"0","msg":"","data":[
		["1700000120000","3","3","3","3","1","1","1","0"],
		["1700000060000","2","2","2","2","1","1","1","1"],
		["1700000000000","1","1","1","1","1","1","1","1"]
	]}`
	ks, err := OKXConverter{}.ConvertBatch("BTC-USDT", models.Interval1m, raw)
	require.NoError(t, err)
	require.Len(t, ks, 3)
	assert.Equal(t, int64(1700000000000), ks[0].OpenTime)
	assert.Equal(t, int64(1700000120000), ks[2].OpenTime)
	assert.False(t, ks[2].Closed)

	bare := `[["1700000000000","1","1","1","1","1","1"]]`
	ks, err = OKXConverter{}.ConvertBatch("BTC-USDT", models.Interval1m, bare)
	require.NoError(t, err)
	assert.Len(t, ks, 1)

	_, err = OKXConverter{}.ConvertBatch("BTC-USDT", models.Interval1m, `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestBybitConvert(t *testing.T) {
	raw := `{"topic":"kline.1.BTCUSDT","type":"snapshot","ts":1700000001000,"data":[{
		"start":1700000000000,"end":1700000059999,"interval":"1",
		"open":"100","close":"100.5","high":"101","low":"99","volume":"10","turnover":"1005",
		"confirm":true,"timestamp":1700000001000}]}`
	k, err := BybitConverter{}.Convert("", models.Interval1m, raw)
	require.NoError(t, err)
	require.NotNil(t, k)

	assert.Equal(t, "BTC-USDT", k.Symbol)
	assert.Equal(t, "bybit", k.Exchange)
	assert.Equal(t, int64(1700000059999), k.CloseTime)
	assert.True(t, k.QuoteVolume.Equal(decimal.NewFromInt(1005)))
	assert.True(t, k.Closed)

	k, err = BybitConverter{}.Convert("", models.Interval1m, `{"op":"pong","ret_msg":"pong"}`)
	assert.NoError(t, err)
	assert.Nil(t, k)
}

func TestBybitConvertBatch(t *testing.T) {
	raw := `{"retCode":0,"retMsg":"OK","result":{"symbol":"BTCUSDT","category":"spot","list":[
		["1700000060000","2","2","2","2","1","2"],
		["1700000000000","1","1","1","1","1","1"]
	]}}`
	ks, err := BybitConverter{}.ConvertBatch("BTC-USDT", models.Interval1m, raw)
	require.NoError(t, err)
	require.Len(t, ks, 2)
	assert.Equal(t, int64(1700000000000), ks[0].OpenTime)
	assert.Equal(t, int64(1700000120000), ks[1].CloseTime)

	_, err = BybitConverter{}.ConvertBatch("BTC-USDT", models.Interval1m, `{"retCode":10001,"retMsg":"params error"}`)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	for _, code := range []string{"binance", "okx", "bybit"} {
		c, err := r.Get(code)
		require.NoError(t, err)
		assert.Equal(t, code, c.ExchangeCode())
	}
	_, err := r.Get("kraken")
	assert.ErrorIs(t, err, ErrNoConverter)
}

func TestPushIntervalMustMatchSubscription(t *testing.T) {
	okx := `{"arg":{"channel":"candle1H","instId":"BTC-USDT"},"data":[["1700000000000","1","1","1","1","1","1"]]}`
	k, err := OKXConverter{}.Convert("", models.Interval{}, okx)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, models.Interval1h, k.Interval)
	assert.Equal(t, int64(1700003600000), k.CloseTime)

	_, err = OKXConverter{}.Convert("BTC-USDT", models.Interval1m, okx)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	bad := `{"arg":{"channel":"candle7m","instId":"BTC-USDT"},"data":[["1700000000000","1","1","1","1","1","1"]]}`
	_, err = OKXConverter{}.Convert("BTC-USDT", models.Interval1m, bad)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	bybit := `{"topic":"kline.60.BTCUSDT","data":[{"start":1700000000000,"open":"1","close":"1","high":"1","low":"1","volume":"1","turnover":"1"}]}`
	k, err = BybitConverter{}.Convert("", models.Interval{}, bybit)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, models.Interval1h, k.Interval)
	assert.Equal(t, int64(1700003600000), k.CloseTime)

	_, err = BybitConverter{}.Convert("", models.Interval5m, bybit)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
