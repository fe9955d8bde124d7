package exchange

import (
	"strings"

	"kline-hub/internal/models"
)

// Exchange codes.
const (
	Binance = "binance"
	OKX     = "okx"
	Bybit   = "bybit"
)

// BinanceSymbol converts "BTC-USDT" to "BTCUSDT".
func BinanceSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// BybitSymbol uses the same concatenated form as Binance.
func BybitSymbol(symbol string) string {
	return BinanceSymbol(symbol)
}

// OKXInstID converts a unified symbol to an OKX instrument id ("BTC-USDT").
func OKXInstID(symbol string) string {
	return models.NormalizeSymbol(symbol)
}

// OKXBar maps an interval to the OKX bar code. Intervals of six hours and
// above use the UTC aligned variants.
func OKXBar(interval models.Interval) string {
	switch interval.Code() {
	case "1m", "3m", "5m", "15m", "30m":
		return interval.Code()
	case "1h":
		return "1H"
	case "2h":
		return "2H"
	case "4h":
		return "4H"
	case "6h":
		return "6Hutc"
	case "8h":
		return "8Hutc"
	case "12h":
		return "12Hutc"
	case "1d":
		return "1Dutc"
	case "3d":
		return "3Dutc"
	case "1w":
		return "1Wutc"
	case "1M":
		return "1Mutc"
	default:
		return interval.Code()
	}
}

// IntervalFromOKXBar is the inverse of OKXBar.
func IntervalFromOKXBar(bar string) (models.Interval, error) {
	for _, iv := range models.Intervals() {
		if OKXBar(iv) == bar {
			return iv, nil
		}
	}
	return models.Interval{}, models.ErrUnknownInterval
}

// BybitInterval maps an interval to the Bybit v5 kline interval. Bybit has no
// 8h bar; an empty string is returned for unsupported intervals.
func BybitInterval(interval models.Interval) string {
	switch interval.Code() {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "2h":
		return "120"
	case "4h":
		return "240"
	case "6h":
		return "360"
	case "12h":
		return "720"
	case "1d":
		return "D"
	case "1w":
		return "W"
	case "1M":
		return "M"
	default:
		return ""
	}
}

// IntervalFromBybit is the inverse of BybitInterval.
func IntervalFromBybit(code string) (models.Interval, error) {
	for _, iv := range models.Intervals() {
		if c := BybitInterval(iv); c != "" && c == code {
			return iv, nil
		}
	}
	return models.Interval{}, models.ErrUnknownInterval
}
