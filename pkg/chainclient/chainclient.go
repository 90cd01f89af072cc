// Package chainclient defines the RPC provider collaborator (spec §6)
// and a thin go-ethereum-backed adapter. The fetcher is written entirely
// against the ChainClient interface so it can be driven by a fake in
// tests, exactly as the teacher's eventfeed.ChainClient is.
package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient provides the basic JSON-RPC APIs a chain fetcher needs.
type ChainClient interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClient adapts *ethclient.Client to ChainClient.
type EthClient struct {
	c *ethclient.Client
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(rawurl string) (*EthClient, error) {
	c, err := ethclient.Dial(rawurl)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rawurl, err)
	}
	return &EthClient{c: c}, nil
}

// FilterLogs implements ChainClient.
func (e *EthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return e.c.FilterLogs(ctx, q)
}

// HeaderByNumber implements ChainClient.
func (e *EthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return e.c.HeaderByNumber(ctx, number)
}

// BlockNumber implements ChainClient.
func (e *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return e.c.BlockNumber(ctx)
}

// Close releases the underlying RPC connection.
func (e *EthClient) Close() { e.c.Close() }
