package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AutoTrader-Chain/internal/errors"
	"AutoTrader-Chain/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Reader is the subset of ethclient used for read-only queries. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name   string
	notes  string
	reader Reader
	closer func()
	mu     sync.Mutex
}

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)
	client := NewWithReader(cfg.Name, cfg.Notes, eth)
	client.closer = eth.Close
	return client, nil
}

// NewWithReader wraps an existing reader, e.g. a simulated backend in tests.
func NewWithReader(name, notes string, reader Reader) *Client {
	return &Client{name: name, notes: notes, reader: reader}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
	c.reader = nil
}

func (c *Client) backend() (Reader, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInvalidState, "未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil, xerrors.New(xerrors.CodeInvalidState, "以太坊客户端已关闭")
	}
	return c.reader, nil
}

// FetchChainSnapshot gathers chain id, head block and gas price.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	reader, err := c.backend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := reader.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "获取链 ID 失败")
	}
	blockNumber, err := reader.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "获取最新区块高度失败")
	}
	snapshot := web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}
	if price, err := reader.SuggestGasPrice(ctx); err == nil {
		snapshot.GasPrice = toHexBig(price)
	}
	return snapshot, nil
}

// Balance returns the wei balance of address at the latest block.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	reader, err := c.backend()
	if err != nil {
		return nil, err
	}
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	balance, err := reader.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "查询余额失败")
	}
	return balance, nil
}

// ExecuteAction runs a named read-only RPC helper.
func (c *Client) ExecuteAction(ctx context.Context, action, address string) (string, error) {
	reader, err := c.backend()
	if err != nil {
		return "", err
	}
	switch strings.TrimSpace(action) {
	case "eth_getBalance":
		balance, err := c.Balance(ctx, address)
		if err != nil {
			return "", err
		}
		return toHexBig(balance), nil
	case "eth_getTransactionCount":
		addr, err := parseAddress(address)
		if err != nil {
			return "", err
		}
		nonce, err := reader.PendingNonceAt(ctx, addr)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "查询交易计数失败")
		}
		return fmt.Sprintf("0x%x", nonce), nil
	case "eth_gasPrice":
		price, err := reader.SuggestGasPrice(ctx)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "查询 gas 价格失败")
		}
		return toHexBig(price), nil
	case "":
		return "", xerrors.New(xerrors.CodeInvalidArgument, "链上操作不能为空")
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("暂不支持的链上操作: %s", action))
	}
}

func parseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的地址 %q", address))
	}
	return common.HexToAddress(address), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
