package tonconnect

import (
	"encoding/json"
	"errors"
	"strconv"
)

// CurrentProtocolVersion is the highest TonConnect protocol version this
// implementation speaks.
const CurrentProtocolVersion = 2

// ErrorCode is a numeric TonConnect error code shared by connect events
// and wallet responses.
type ErrorCode int

const (
	UnknownError       ErrorCode = 0
	BadRequestError    ErrorCode = 1
	ManifestNotFound   ErrorCode = 2
	ManifestContent    ErrorCode = 3
	UnknownAppError    ErrorCode = 100
	UserRejectsError   ErrorCode = 300
	MethodNotSupported ErrorCode = 400
)

// Request item kinds a dApp may ask for during connect.
const (
	ItemTonAddr  = "ton_addr"
	ItemTonProof = "ton_proof"
)

// App request methods.
const (
	MethodSendTransaction = "sendTransaction"
	MethodSignData        = "signData"
	MethodDisconnect      = "disconnect"
)

// Networks in TonConnect wire encoding.
const (
	NetworkMainnet = "-239"
	NetworkTestnet = "-3"
)

var (
	ErrUnsupportedProtocol = errors.New("tonconnect: unsupported protocol version")
	ErrBadRequest          = errors.New("tonconnect: bad connect request")
)

// ConnectRequest is the dApp's connect payload.
type ConnectRequest struct {
	ManifestURL string        `json:"manifestUrl"`
	Items       []ConnectItem `json:"items"`
}

// ConnectItem is one requested item of a connect request.
type ConnectItem struct {
	Name    string `json:"name"`
	Payload string `json:"payload,omitempty"` // ton_proof challenge
}

// ConnectEvent is the wallet's answer to connect/restoreConnection. Payload
// is either ConnectSuccessPayload or ConnectErrorPayload depending on Event.
type ConnectEvent struct {
	Event   string      `json:"event"`
	ID      int64       `json:"id"`
	Payload interface{} `json:"payload"`
}

const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// ConnectSuccessPayload carries the granted items and wallet device info.
type ConnectSuccessPayload struct {
	Items  []ConnectItemReply `json:"items"`
	Device DeviceInfo         `json:"device"`
}

// ConnectErrorPayload carries a refusal.
type ConnectErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewConnectSuccess builds a connect event with the granted items.
func NewConnectSuccess(id int64, items []ConnectItemReply, device DeviceInfo) ConnectEvent {
	return ConnectEvent{
		Event:   EventConnect,
		ID:      id,
		Payload: ConnectSuccessPayload{Items: items, Device: device},
	}
}

// NewConnectError builds a connect_error event.
func NewConnectError(id int64, code ErrorCode, message string) ConnectEvent {
	return ConnectEvent{
		Event:   EventConnectError,
		ID:      id,
		Payload: ConnectErrorPayload{Code: code, Message: message},
	}
}

// NewDisconnectEvent builds the wallet-initiated disconnect event.
func NewDisconnectEvent(id int64) ConnectEvent {
	return ConnectEvent{
		Event:   EventDisconnect,
		ID:      id,
		Payload: struct{}{},
	}
}

// IsError reports whether the event is a connect_error.
func (e ConnectEvent) IsError() bool {
	return e.Event == EventConnectError
}

// ErrorPayload returns the error payload of a connect_error event.
func (e ConnectEvent) ErrorPayload() (ConnectErrorPayload, bool) {
	p, ok := e.Payload.(ConnectErrorPayload)
	return p, ok
}

// SuccessPayload returns the payload of a successful connect event.
func (e ConnectEvent) SuccessPayload() (ConnectSuccessPayload, bool) {
	p, ok := e.Payload.(ConnectSuccessPayload)
	return p, ok
}

// ConnectItemReply is one granted item in a connect event.
type ConnectItemReply struct {
	Name string `json:"name"`

	// ton_addr
	Address         string `json:"address,omitempty"`
	Network         string `json:"network,omitempty"`
	PublicKey       string `json:"publicKey,omitempty"`
	WalletStateInit string `json:"walletStateInit,omitempty"`

	// ton_proof
	Proof *TonProof      `json:"proof,omitempty"`
	Error *ResponseError `json:"error,omitempty"`
}

// TonProof is the signed ownership proof of a ton_proof item.
type TonProof struct {
	Timestamp int64          `json:"timestamp"`
	Domain    TonProofDomain `json:"domain"`
	Signature string         `json:"signature"`
	Payload   string         `json:"payload"`
}

// TonProofDomain identifies the dApp domain the proof was bound to.
type TonProofDomain struct {
	LengthBytes int    `json:"lengthBytes"`
	Value       string `json:"value"`
}

// AppRequest is an operation request from a connected dApp.
type AppRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// WalletResponse is the wallet's terminal answer to an app request.
// Exactly one of Result and Error is set.
type WalletResponse struct {
	ID     string         `json:"id"`
	Result interface{}    `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError carries the error branch of a wallet response.
type ResponseError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewResultResponse builds a success response.
func NewResultResponse(id string, result interface{}) WalletResponse {
	return WalletResponse{ID: id, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id string, code ErrorCode, message string) WalletResponse {
	return WalletResponse{ID: id, Error: &ResponseError{Code: code, Message: message}}
}

// NextRequestID returns the id labeling a response to an unparseable or
// unsupported request: the numeric successor of the request id when the id
// is numeric, the id itself otherwise.
func NextRequestID(id string) string {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return id
	}
	return strconv.FormatInt(n+1, 10)
}

// SignRawTxParams is the decoded params[0] of a sendTransaction request.
type SignRawTxParams struct {
	Messages   []SignRawMessage `json:"messages"`
	ValidUntil int64            `json:"valid_until,omitempty"`
	Network    string           `json:"network,omitempty"`
	From       string           `json:"from,omitempty"`
}

// SignRawMessage is one outgoing message of a sendTransaction request.
type SignRawMessage struct {
	Address   string `json:"address"`
	Amount    string `json:"amount"`
	Payload   string `json:"payload,omitempty"`
	StateInit string `json:"stateInit,omitempty"`
}

// ParseSignRawTxParams decodes the first sendTransaction parameter.
func ParseSignRawTxParams(raw string) (SignRawTxParams, error) {
	var params SignRawTxParams
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return SignRawTxParams{}, err
	}
	return params, nil
}

// Sign-data payload kinds.
const (
	SignDataText   = "text"
	SignDataBinary = "binary"
	SignDataCell   = "cell"
)

// SignDataPayload is the decoded params[0] of a signData request.
type SignDataPayload struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Bytes  string `json:"bytes,omitempty"`
	Schema string `json:"schema,omitempty"`
	Cell   string `json:"cell,omitempty"`
}

// ParseSignDataPayload decodes the first signData parameter.
func ParseSignDataPayload(raw string) (SignDataPayload, error) {
	var payload SignDataPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return SignDataPayload{}, err
	}
	return payload, nil
}

// SignDataResult is the success payload of a signData response.
type SignDataResult struct {
	Signature string      `json:"signature"`
	Address   string      `json:"address"`
	Timestamp int64       `json:"timestamp"`
	Domain    string      `json:"domain"`
	Payload   interface{} `json:"payload"`
}
