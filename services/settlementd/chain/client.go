// Package chain is the settlement engine's boundary to the blockchain node:
// payload signing, receipt lookups and exchange event decoding.
package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	serrors "nftledger/services/settlementd/errors"
)

// ErrReceiptNotFound reports that the node does not know the transaction yet.
var ErrReceiptNotFound = stderrors.New("chain: receipt not found")

// RPC is the subset of the Ethereum JSON-RPC API the client needs.
type RPC interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial opens an RPC connection to endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Config wires a Client.
type Config struct {
	RPC               RPC
	ExchangeContract  common.Address
	MaxRetry          int
	RetryBackoff      time.Duration
	RequestsPerSecond float64
	Timeout           time.Duration
	Logger            *slog.Logger
}

// Client wraps RPC with rate limiting, retries and event decoding.
type Client struct {
	rpc      RPC
	exchange common.Address
	abi      abi.ABI
	limiter  *rate.Limiter
	maxRetry int
	backoff  time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPC == nil {
		return nil, fmt.Errorf("chain: rpc required")
	}
	if (cfg.ExchangeContract == common.Address{}) {
		return nil, fmt.Errorf("chain: exchange contract required")
	}
	parsed, err := ExchangeABI()
	if err != nil {
		return nil, err
	}
	c := &Client{
		rpc:      cfg.RPC,
		exchange: cfg.ExchangeContract,
		abi:      parsed,
		maxRetry: cfg.MaxRetry,
		backoff:  cfg.RetryBackoff,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
	if c.maxRetry <= 0 {
		c.maxRetry = 5
	}
	if c.backoff <= 0 {
		c.backoff = time.Second
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	c.limiter = rate.NewLimiter(limit, burst)
	return c, nil
}

// ExchangeContract returns the configured emitter address.
func (c *Client) ExchangeContract() common.Address { return c.exchange }

// Receipt is the settlement-relevant view of a transaction receipt.
type Receipt struct {
	Hash        common.Hash
	Status      bool
	BlockNumber uint64
	Logs        []*gethtypes.Log
}

// ParseHash validates a 32-byte hex transaction hash.
func ParseHash(hash string) (common.Hash, error) {
	raw := strings.TrimSpace(hash)
	if len(raw) != 66 || !strings.HasPrefix(strings.ToLower(raw), "0x") {
		return common.Hash{}, serrors.New(serrors.CodeValidation, "parse hash", "invalid transaction hash %q", hash)
	}
	for _, r := range raw[2:] {
		if !isHexDigit(r) {
			return common.Hash{}, serrors.New(serrors.CodeValidation, "parse hash", "invalid transaction hash %q", hash)
		}
	}
	return common.HexToHash(raw), nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// Receipt fetches the receipt for hash. Transient failures are retried up to
// the configured limit; ErrReceiptNotFound is returned for unknown hashes.
func (c *Client) Receipt(ctx context.Context, hash string) (*Receipt, error) {
	h, err := ParseHash(hash)
	if err != nil {
		return nil, err
	}
	receipt, err := retry(ctx, c.maxRetry, c.backoff, func(ctx context.Context) (*gethtypes.Receipt, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		r, err := c.rpc.TransactionReceipt(callCtx, h)
		if err != nil && IsRetryable(err) {
			c.logger.Warn("receipt lookup failed, retrying", slog.String("hash", h.Hex()), slog.Any("error", err))
		}
		return r, err
	})
	if err != nil {
		if stderrors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, serrors.Wrap(serrors.CodeChain, "receipt", err)
	}
	if receipt == nil {
		return nil, ErrReceiptNotFound
	}
	out := &Receipt{
		Hash:   h,
		Status: receipt.Status == gethtypes.ReceiptStatusSuccessful,
		Logs:   receipt.Logs,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// DecodedEvent is an exchange contract log in settlement terms.
type DecodedEvent struct {
	Name          string
	Address       common.Address
	TransactionID string
	Account       common.Address
	TargetID      string
	TokenIDs      []string
	Quantity      uint64
	Amount        *big.Int
	Roles         []string
}

// EventByHash decodes the exchange events emitted by hash. A transaction
// with no log from the exchange contract is rejected as a data error.
func (c *Client) EventByHash(ctx context.Context, hash string) ([]DecodedEvent, *Receipt, error) {
	receipt, err := c.Receipt(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	events, err := c.DecodeLogs(receipt.Logs)
	if err != nil {
		return nil, receipt, err
	}
	return events, receipt, nil
}

// DecodeLogs decodes the exchange contract logs in logs.
func (c *Client) DecodeLogs(logs []*gethtypes.Log) ([]DecodedEvent, error) {
	var (
		out     []DecodedEvent
		foreign int
	)
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) == 0 {
			continue
		}
		if lg.Address != c.exchange {
			foreign++
			continue
		}
		ev, err := c.abi.EventByID(lg.Topics[0])
		if err != nil {
			continue
		}
		values := map[string]any{}
		if err := ev.Inputs.NonIndexed().UnpackIntoMap(values, lg.Data); err != nil {
			return nil, serrors.Wrap(serrors.CodeDataError, "decode "+ev.Name, err)
		}
		out = append(out, toDecoded(ev.Name, lg.Address, values))
	}
	if len(out) == 0 {
		return nil, serrors.New(serrors.CodeDataError, "decode logs",
			"the transaction is not from exchange contract %s (%d foreign logs)", c.exchange.Hex(), foreign)
	}
	return out, nil
}

func toDecoded(name string, emitter common.Address, values map[string]any) DecodedEvent {
	ev := DecodedEvent{Name: name, Address: emitter}
	if w, ok := values["transactionId"].([32]byte); ok {
		ev.TransactionID = Bytes32ToID(w)
	}
	for _, key := range []string{"buyer", "receiver", "account", "owner"} {
		if a, ok := values[key].(common.Address); ok {
			ev.Account = a
			break
		}
	}
	for _, key := range []string{"nftId", "eventId"} {
		if w, ok := values[key].([32]byte); ok {
			ev.TargetID = Bytes32ToID(w)
			break
		}
	}
	if ids, ok := values["tokenIds"].([]*big.Int); ok {
		for _, id := range ids {
			ev.TokenIDs = append(ev.TokenIDs, id.String())
		}
	}
	if q, ok := values["quantity"].(*big.Int); ok && q.IsUint64() {
		ev.Quantity = q.Uint64()
	}
	if a, ok := values["amount"].(*big.Int); ok {
		ev.Amount = a
	}
	if roles, ok := values["roles"].([][32]byte); ok {
		for _, r := range roles {
			ev.Roles = append(ev.Roles, Bytes32ToID(r))
		}
	}
	return ev
}
