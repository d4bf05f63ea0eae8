package tonconnect

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextRequestID(t *testing.T) {
	require.Equal(t, "6", NextRequestID("5"))
	require.Equal(t, "1", NextRequestID("0"))
	require.Equal(t, "abc", NextRequestID("abc"))
	require.Equal(t, "", NextRequestID(""))
}

func TestConnectEventWire(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		ev := NewConnectSuccess(7, []ConnectItemReply{{
			Name:    ItemTonAddr,
			Address: testWalletAddr,
			Network: NetworkMainnet,
		}}, BuildDeviceInfo("3.0.0", 4))

		raw, err := json.Marshal(ev)
		require.NoError(t, err)

		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &decoded))
		require.Equal(t, "connect", decoded["event"])
		require.Equal(t, float64(7), decoded["id"])

		payload := decoded["payload"].(map[string]interface{})
		items := payload["items"].([]interface{})
		require.Len(t, items, 1)
		require.Equal(t, "ton_addr", items[0].(map[string]interface{})["name"])

		device := payload["device"].(map[string]interface{})
		require.Equal(t, "Tonhub", device["appName"])
		require.Equal(t, float64(2), device["maxProtocolVersion"])
		require.Len(t, device["features"].([]interface{}), 3)
	})

	t.Run("connect_error", func(t *testing.T) {
		raw, err := json.Marshal(NewConnectError(3, UnknownError, "Unknown app"))
		require.NoError(t, err)
		require.JSONEq(t, `{"event":"connect_error","id":3,"payload":{"code":0,"message":"Unknown app"}}`, string(raw))
	})

	t.Run("disconnect", func(t *testing.T) {
		raw, err := json.Marshal(NewDisconnectEvent(9))
		require.NoError(t, err)
		require.JSONEq(t, `{"event":"disconnect","id":9,"payload":{}}`, string(raw))
	})
}

func TestWalletResponseWire(t *testing.T) {
	t.Run("result only", func(t *testing.T) {
		raw, err := json.Marshal(NewResultResponse("1", "te6ccsigned"))
		require.NoError(t, err)
		require.JSONEq(t, `{"id":"1","result":"te6ccsigned"}`, string(raw))
	})

	t.Run("error only", func(t *testing.T) {
		raw, err := json.Marshal(NewErrorResponse("1", UnknownAppError, "Unknown app"))
		require.NoError(t, err)
		require.JSONEq(t, `{"id":"1","error":{"code":100,"message":"Unknown app"}}`, string(raw))
	})

	t.Run("empty result survives", func(t *testing.T) {
		// disconnect replies carry an empty object result
		raw, err := json.Marshal(NewResultResponse("1", struct{}{}))
		require.NoError(t, err)
		require.JSONEq(t, `{"id":"1","result":{}}`, string(raw))
	})
}

func TestDeviceInfo(t *testing.T) {
	device := BuildDeviceInfo("3.0.0", 4)

	require.Equal(t, "linux", device.Platform)
	require.Equal(t, "Tonhub", device.AppName)
	require.Equal(t, "3.0.0", device.AppVersion)
	require.Equal(t, 2, device.MaxProtocolVersion)

	// legacy string entry first, then the object forms
	require.Equal(t, "SendTransaction", device.Features[0])
	feature, ok := device.Features[1].(Feature)
	require.True(t, ok)
	require.Equal(t, 4, feature.MaxMessages)
}
