// Package provider implements lattice.NodeProvider over an Ethereum JSON-RPC
// node.
package provider

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"

	lattice "github.com/schjonhaug/lattice-go"
)

var _ lattice.NodeProvider = (*Ethereum)(nil)

var ErrInvalidAddress = errors.New("invalid ethereum address")

// Backend is the part of ethclient.Client the provider uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Option func(*Ethereum)

// WithNonceOffset adds offset to every nonce the node reports. Some
// explorer backed nodes report the pending nonce one lower than it is.
func WithNonceOffset(offset int64) Option {
	return func(e *Ethereum) { e.nonceOffset = offset }
}

// WithDecimalsCache shares a decimals cache between providers.
func WithDecimalsCache(cache *DecimalsCache) Option {
	return func(e *Ethereum) { e.decimals = cache }
}

type Ethereum struct {
	backend     Backend
	nonceOffset int64
	decimals    *DecimalsCache
	closer      func()
}

func NewEthereum(backend Backend, options ...Option) *Ethereum {

	e := &Ethereum{backend: backend, decimals: NewDecimalsCache()}

	for _, option := range options {
		option(e)
	}

	return e
}

// DialEthereum connects to the node at url.
func DialEthereum(ctx context.Context, url string, options ...Option) (*Ethereum, error) {

	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}

	e := NewEthereum(ethclient.NewClient(client), options...)
	e.closer = client.Close

	return e, nil
}

func (e *Ethereum) Close() {

	if e.closer != nil {
		e.closer()
	}
}

func (e *Ethereum) Nonce(ctx context.Context, address string) (uint64, error) {

	account, err := parseAddress(address)
	if err != nil {
		return 0, err
	}

	nonce, err := e.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get pending nonce")
	}

	adjusted := int64(nonce) + e.nonceOffset
	if adjusted < 0 {
		return 0, errors.Errorf("nonce %d with offset %d is negative", nonce, e.nonceOffset)
	}

	return uint64(adjusted), nil
}

// SubmitRawTransaction broadcasts a signed transaction and returns its hash.
func (e *Ethereum) SubmitRawTransaction(ctx context.Context, raw []byte) (string, error) {

	tx := new(types.Transaction)

	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", errors.Wrap(err, "failed to decode transaction")
	}

	if err := e.backend.SendTransaction(ctx, tx); err != nil {
		return "", errors.Wrap(err, "failed to send transaction")
	}

	return tx.Hash().Hex(), nil
}

func (e *Ethereum) Balance(ctx context.Context, address string) (*big.Int, error) {

	account, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	balance, err := e.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get balance")
	}

	return balance, nil
}

type TokenBalance struct {
	Amount   *big.Int // in the token's smallest unit
	Decimals uint8
}

// TokenBalance returns the ERC-20 balance of owner. Decimals are fetched once
// per token and kept in the provider's cache.
func (e *Ethereum) TokenBalance(ctx context.Context, token, owner string) (*TokenBalance, error) {

	contract, err := parseAddress(token)
	if err != nil {
		return nil, err
	}

	data, err := lattice.ERC20BalanceOf(owner)
	if err != nil {
		return nil, err
	}

	result, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to call balanceOf")
	}

	decimals, err := e.tokenDecimals(ctx, contract)
	if err != nil {
		return nil, err
	}

	return &TokenBalance{Amount: new(big.Int).SetBytes(result), Decimals: decimals}, nil
}

func (e *Ethereum) tokenDecimals(ctx context.Context, contract common.Address) (uint8, error) {

	if decimals, ok := e.decimals.Get(contract); ok {
		return decimals, nil
	}

	result, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: lattice.ERC20Decimals()}, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to call decimals")
	}

	value := new(big.Int).SetBytes(result)
	if len(result) == 0 || !value.IsUint64() || value.Uint64() > 255 {
		return 0, errors.Errorf("token %s returned invalid decimals %x", contract.Hex(), result)
	}

	decimals := uint8(value.Uint64())
	e.decimals.Put(contract, decimals)

	return decimals, nil
}

// DecimalsCache remembers token decimals for the lifetime of the process.
// Entries are never evicted.
type DecimalsCache struct {
	mu       sync.RWMutex
	decimals map[common.Address]uint8
}

func NewDecimalsCache() *DecimalsCache {
	return &DecimalsCache{decimals: make(map[common.Address]uint8)}
}

func (c *DecimalsCache) Get(token common.Address) (uint8, bool) {

	c.mu.RLock()
	defer c.mu.RUnlock()

	decimals, ok := c.decimals[token]

	return decimals, ok
}

func (c *DecimalsCache) Put(token common.Address, decimals uint8) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.decimals[token] = decimals
}

func parseAddress(address string) (common.Address, error) {

	if !common.IsHexAddress(address) {
		return common.Address{}, errors.Wrapf(ErrInvalidAddress, "%q", address)
	}

	return common.HexToAddress(address), nil
}
