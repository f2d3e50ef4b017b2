package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

// TxCall describes a contract call to be encoded into a raw transaction.
type TxCall struct {
	Method string   `json:"method"` // contract entry point: openPosition, payout
	From   string   `json:"from"`
	To     string   `json:"to"`
	Nonce  uint64   `json:"nonce"`
	Value  *big.Int `json:"value"` // wei
	Args   []string `json:"args"`
}

// TxEncoder turns a call into a signed raw transaction ready for
// eth_sendRawTransaction. Key custody lives behind this interface.
type TxEncoder interface {
	Encode(ctx context.Context, call TxCall) (rawTx string, err error)
}

// HexJSONEncoder hex-encodes the call as JSON. It produces unsigned payloads
// for local devnets and RPC mocks.
type HexJSONEncoder struct{}

func (HexJSONEncoder) Encode(_ context.Context, call TxCall) (string, error) {
	b, err := json.Marshal(call)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

// RPCChain talks to an EVM node over JSON-RPC.
type RPCChain struct {
	From     string // sender account
	Contract string // market manager contract address
	Encoder  TxEncoder

	client *rpc.Client
	mu     sync.Mutex // serializes nonce lookup and send
}

// NewRPCChain creates a JSON-RPC chain gateway. HTTP endpoints are not
// contacted until the first call.
func NewRPCChain(url, from, contract string, enc TxEncoder, timeout time.Duration) (*RPCChain, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if enc == nil {
		enc = HexJSONEncoder{}
	}
	client, err := rpc.DialOptions(context.Background(), url,
		rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return &RPCChain{
		From:     from,
		Contract: contract,
		Encoder:  enc,
		client:   client,
	}, nil
}

// Close releases the RPC client.
func (c *RPCChain) Close() {
	c.client.Close()
}

// MintPosition opens the position on chain with the stake as value.
func (c *RPCChain) MintPosition(ctx context.Context, p model.Position) (string, error) {
	return c.send(ctx, TxCall{
		Method: "openPosition",
		Value:  toWei(p.Stake),
		Args:   []string{p.ID, p.MarketID, p.Side, p.Odds.String()},
	})
}

// TransferPayout pays a winning position.
func (c *RPCChain) TransferPayout(ctx context.Context, positionID string, amount decimal.Decimal) (string, error) {
	return c.send(ctx, TxCall{
		Method: "payout",
		Value:  toWei(amount),
		Args:   []string{positionID},
	})
}

func (c *RPCChain) send(ctx context.Context, call TxCall) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var nonce hexutil.Uint64
	if err := c.client.CallContext(ctx, &nonce, "eth_getTransactionCount", c.From, "pending"); err != nil {
		return "", unavailable("eth_getTransactionCount", err)
	}

	call.From, call.To, call.Nonce = c.From, c.Contract, uint64(nonce)
	raw, err := c.Encoder.Encode(ctx, call)
	if err != nil {
		return "", fmt.Errorf("chain: encode %s: %w", call.Method, err)
	}

	var txHash string
	if err := c.client.CallContext(ctx, &txHash, "eth_sendRawTransaction", raw); err != nil {
		return "", unavailable("eth_sendRawTransaction", err)
	}
	slog.Debug("chain tx sent", "method", call.Method, "nonce", uint64(nonce), "tx", txHash)
	return txHash, nil
}

// unavailable wraps an RPC or transport failure in ErrChainUnavailable,
// keeping the node's error code when there is one.
func unavailable(method string, err error) error {
	var rerr rpc.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %s: %s (code %d)", ErrChainUnavailable, method, rerr.Error(), rerr.ErrorCode())
	}
	return fmt.Errorf("%w: %s: %v", ErrChainUnavailable, method, err)
}

func toWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(18).BigInt()
}

// SimulatedChain returns deterministic hashes without touching a network.
type SimulatedChain struct{}

func (SimulatedChain) MintPosition(_ context.Context, p model.Position) (string, error) {
	return simHash("mint", p.ID, p.Stake.String()), nil
}

func (SimulatedChain) TransferPayout(_ context.Context, positionID string, amount decimal.Decimal) (string, error) {
	return simHash("payout", positionID, amount.String()), nil
}

func simHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "0x" + hex.EncodeToString(sum[:])
}
