package web3

import (
	"context"
	"math/big"
)

// ChainSnapshot summarizes network state for market data collection.
type ChainSnapshot struct {
	Chain       string `json:"chain,omitempty"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	GasPrice    string `json:"gasPrice,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Client is the read-only view of a chain the agent needs. Signing and
// broadcasting transactions are outside its scope.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	ExecuteAction(ctx context.Context, action, address string) (string, error)
	Close()
}
