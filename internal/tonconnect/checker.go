package tonconnect

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/tonwhales/tonhub-connect/internal/logger"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"
	"go.uber.org/zap"
)

// TransactionChecker validates sendTransaction parameters before the
// request reaches the approver. A non-nil return is the terminal response;
// the manager must not answer again.
type TransactionChecker struct {
	maxMessages int
	network     string
	log         *zap.Logger
}

// NewTransactionChecker returns a checker bound to the wallet's network in
// TonConnect wire encoding ("-239" mainnet, "-3" testnet).
func NewTransactionChecker(maxMessages int, network string) *TransactionChecker {
	return &TransactionChecker{
		maxMessages: maxMessages,
		network:     network,
		log:         logger.New("tx_checker"),
	}
}

// Check validates the decoded transaction params. Returns nil to proceed.
func (c *TransactionChecker) Check(req AppRequest, params SignRawTxParams) *WalletResponse {
	if len(params.Messages) == 0 {
		return c.reject(req, "Transaction has no messages")
	}
	if len(params.Messages) > c.maxMessages {
		return c.reject(req, fmt.Sprintf("Transaction has too many messages: %d > %d", len(params.Messages), c.maxMessages))
	}
	if params.Network != "" && params.Network != c.network {
		return c.reject(req, "Transaction is for a different network")
	}
	if params.ValidUntil > 0 && params.ValidUntil < time.Now().Unix() {
		return c.reject(req, "Transaction is expired")
	}

	for i, msg := range params.Messages {
		if err := checkDestination(msg.Address); err != nil {
			return c.reject(req, fmt.Sprintf("Message %d has an invalid address", i))
		}
		if !isValidAmount(msg.Amount) {
			return c.reject(req, fmt.Sprintf("Message %d has an invalid amount", i))
		}
		if msg.Payload != "" {
			if err := checkBoc(msg.Payload); err != nil {
				return c.reject(req, fmt.Sprintf("Message %d has an invalid payload", i))
			}
		}
		if msg.StateInit != "" {
			if err := checkBoc(msg.StateInit); err != nil {
				return c.reject(req, fmt.Sprintf("Message %d has an invalid stateInit", i))
			}
		}
	}
	return nil
}

func (c *TransactionChecker) reject(req AppRequest, reason string) *WalletResponse {
	c.log.Debug("Transaction rejected by checker",
		zap.String("request_id", req.ID),
		zap.String("reason", reason))
	resp := NewErrorResponse(req.ID, BadRequestError, reason)
	return &resp
}

// SignDataChecker validates signData payloads the same way.
type SignDataChecker struct {
	log *zap.Logger
}

// NewSignDataChecker returns a sign-data checker.
func NewSignDataChecker() *SignDataChecker {
	return &SignDataChecker{log: logger.New("signdata_checker")}
}

// Check validates the decoded sign-data payload. Returns nil to proceed.
func (c *SignDataChecker) Check(req AppRequest, payload SignDataPayload) *WalletResponse {
	switch payload.Type {
	case SignDataText:
		if payload.Text == "" {
			return c.reject(req, "Text payload is empty")
		}
	case SignDataBinary:
		if payload.Bytes == "" {
			return c.reject(req, "Binary payload is empty")
		}
		if _, err := base64.StdEncoding.DecodeString(payload.Bytes); err != nil {
			return c.reject(req, "Binary payload is not valid base64")
		}
	case SignDataCell:
		if payload.Schema == "" {
			return c.reject(req, "Cell payload is missing schema")
		}
		if err := checkBoc(payload.Cell); err != nil {
			return c.reject(req, "Cell payload is not a valid BoC")
		}
	default:
		return c.reject(req, fmt.Sprintf("Unsupported payload type %q", payload.Type))
	}
	return nil
}

func (c *SignDataChecker) reject(req AppRequest, reason string) *WalletResponse {
	c.log.Debug("Sign data rejected by checker",
		zap.String("request_id", req.ID),
		zap.String("reason", reason))
	resp := NewErrorResponse(req.ID, BadRequestError, reason)
	return &resp
}

// checkDestination accepts friendly and raw TON address forms.
func checkDestination(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if strings.Contains(addr, ":") {
		_, err := address.ParseRawAddr(addr)
		return err
	}
	_, err := address.ParseAddr(addr)
	return err
}

// isValidAmount accepts base-unit integer strings only.
func isValidAmount(amount string) bool {
	if amount == "" {
		return false
	}
	for _, r := range amount {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// checkBoc decodes a base64 bag-of-cells.
func checkBoc(b64 string) error {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return err
	}
	_, err = cell.FromBOC(raw)
	return err
}
