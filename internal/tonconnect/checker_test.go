package tonconnect

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validTxParams() SignRawTxParams {
	return SignRawTxParams{
		Messages: []SignRawMessage{{Address: testDestAddr, Amount: "1000000000"}},
	}
}

func TestTransactionChecker(t *testing.T) {
	c := NewTransactionChecker(4, NetworkMainnet)
	req := AppRequest{ID: "1", Method: MethodSendTransaction}

	t.Run("valid passes", func(t *testing.T) {
		require.Nil(t, c.Check(req, validTxParams()))
	})

	t.Run("valid with deadline and network", func(t *testing.T) {
		params := validTxParams()
		params.Network = NetworkMainnet
		params.ValidUntil = time.Now().Add(time.Minute).Unix()
		require.Nil(t, c.Check(req, params))
	})

	t.Run("no messages", func(t *testing.T) {
		resp := c.Check(req, SignRawTxParams{})
		require.NotNil(t, resp)
		require.Equal(t, BadRequestError, resp.Error.Code)
	})

	t.Run("too many messages", func(t *testing.T) {
		params := SignRawTxParams{}
		for i := 0; i < 5; i++ {
			params.Messages = append(params.Messages, SignRawMessage{Address: testDestAddr, Amount: "1"})
		}
		resp := c.Check(req, params)
		require.NotNil(t, resp)
		require.Equal(t, BadRequestError, resp.Error.Code)
	})

	t.Run("wrong network", func(t *testing.T) {
		params := validTxParams()
		params.Network = NetworkTestnet
		resp := c.Check(req, params)
		require.NotNil(t, resp)
		require.Equal(t, BadRequestError, resp.Error.Code)
	})

	t.Run("expired", func(t *testing.T) {
		params := validTxParams()
		params.ValidUntil = time.Now().Add(-time.Minute).Unix()
		resp := c.Check(req, params)
		require.NotNil(t, resp)
		require.Equal(t, BadRequestError, resp.Error.Code)
	})

	t.Run("bad address", func(t *testing.T) {
		params := validTxParams()
		params.Messages[0].Address = "not-an-address"
		resp := c.Check(req, params)
		require.NotNil(t, resp)
		require.Equal(t, BadRequestError, resp.Error.Code)
	})

	t.Run("bad raw address", func(t *testing.T) {
		params := validTxParams()
		params.Messages[0].Address = "0:zzzz"
		resp := c.Check(req, params)
		require.NotNil(t, resp)
	})

	t.Run("bad amount", func(t *testing.T) {
		for _, amount := range []string{"", "1.5", "-1", "1e9", "10 TON"} {
			params := validTxParams()
			params.Messages[0].Amount = amount
			resp := c.Check(req, params)
			require.NotNil(t, resp, "amount %q must be rejected", amount)
		}
	})

	t.Run("bad payload boc", func(t *testing.T) {
		params := validTxParams()
		params.Messages[0].Payload = "!!!not-base64!!!"
		resp := c.Check(req, params)
		require.NotNil(t, resp)
	})

	t.Run("bad state init boc", func(t *testing.T) {
		params := validTxParams()
		params.Messages[0].StateInit = "aGVsbG8=" // base64 but not a BoC
		resp := c.Check(req, params)
		require.NotNil(t, resp)
	})

	t.Run("response id matches request", func(t *testing.T) {
		resp := c.Check(AppRequest{ID: "42"}, SignRawTxParams{})
		require.NotNil(t, resp)
		require.Equal(t, "42", resp.ID)
	})
}

func TestSignDataChecker(t *testing.T) {
	c := NewSignDataChecker()
	req := AppRequest{ID: "1", Method: MethodSignData}

	t.Run("text", func(t *testing.T) {
		require.Nil(t, c.Check(req, SignDataPayload{Type: SignDataText, Text: "hello"}))

		resp := c.Check(req, SignDataPayload{Type: SignDataText})
		require.NotNil(t, resp)
		require.Equal(t, BadRequestError, resp.Error.Code)
	})

	t.Run("binary", func(t *testing.T) {
		require.Nil(t, c.Check(req, SignDataPayload{Type: SignDataBinary, Bytes: "aGVsbG8="}))

		resp := c.Check(req, SignDataPayload{Type: SignDataBinary, Bytes: "!!!"})
		require.NotNil(t, resp)
	})

	t.Run("cell requires schema", func(t *testing.T) {
		resp := c.Check(req, SignDataPayload{Type: SignDataCell, Cell: "aGVsbG8="})
		require.NotNil(t, resp)
	})

	t.Run("unknown type", func(t *testing.T) {
		resp := c.Check(req, SignDataPayload{Type: "blob"})
		require.NotNil(t, resp)
		require.Equal(t, BadRequestError, resp.Error.Code)
	})
}

func TestParseSignRawTxParams(t *testing.T) {
	raw, err := json.Marshal(validTxParams())
	require.NoError(t, err)

	params, err := ParseSignRawTxParams(string(raw))
	require.NoError(t, err)
	require.Len(t, params.Messages, 1)
	require.Equal(t, testDestAddr, params.Messages[0].Address)

	_, err = ParseSignRawTxParams("{broken")
	require.Error(t, err)
}
