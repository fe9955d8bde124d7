package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecSupports(t *testing.T) {
	c := JSONCodec{}
	assert.True(t, c.Supports(`{"type":"DATA"}`))
	assert.True(t, c.Supports("  {}\n"))
	assert.False(t, c.Supports("pong"))
	assert.False(t, c.Supports(`[1,2]`))
	assert.False(t, c.Supports(`{"open":`))
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := JSONCodec{}
	msg := NewDataMessage("binance:BTC-USDT:1m", `{"close":"1"}`)

	text, err := c.Encode(msg)
	require.NoError(t, err)

	got, err := c.Decode(text)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	assert.NotEmpty(t, got.ID)
	assert.Positive(t, got.Timestamp)
}

func TestDecodeFrameFallsBackToData(t *testing.T) {
	c := JSONCodec{}

	msg := DecodeFrame(c, "ping")
	assert.Equal(t, MessageData, msg.Type)
	assert.Equal(t, "ping", msg.Payload)

	msg = DecodeFrame(c, `{"foo":"bar"}`)
	assert.Equal(t, MessageData, msg.Type)
	assert.Equal(t, `{"foo":"bar"}`, msg.Payload)

	msg = DecodeFrame(c, `{"type":"SUBSCRIBE","topic":"okx:ETH-USDT:5m"}`)
	assert.Equal(t, MessageSubscribe, msg.Type)
	assert.Equal(t, "okx:ETH-USDT:5m", msg.Topic)
}

func TestMessageConstructors(t *testing.T) {
	assert.Equal(t, MessageHeartbeat, NewHeartbeatMessage().Type)
	assert.Equal(t, MessageSubscribe, NewSubscribeMessage("t").Type)
	assert.Equal(t, MessageUnsubscribe, NewUnsubscribeMessage("t").Type)

	e := NewErrorMessage("bad request")
	assert.Equal(t, MessageError, e.Type)
	assert.Equal(t, "bad request", e.Payload)
	assert.NotEqual(t, NewHeartbeatMessage().ID, NewHeartbeatMessage().ID)
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "RECONNECTING", StateReconnecting.String())
	assert.Equal(t, "UNKNOWN", ConnectionState(42).String())
}
