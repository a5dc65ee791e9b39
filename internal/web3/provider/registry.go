package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AutoTrader-Chain/internal/config"
	"AutoTrader-Chain/internal/web3"
	"AutoTrader-Chain/internal/web3/ethereum"
)

// Dialer creates a chain client from a definition. Tests replace it.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// DialEVM is the default Dialer for evm chains.
func DialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	wallets      map[string]string
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	if dial == nil {
		dial = DialEVM
	}
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{Type: web3.ChainTypeEVM, RPCURL: strings.TrimSpace(cfg.RPCURL)}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	reg := &Registry{clients: make(map[string]web3.Client), wallets: make(map[string]string)}
	for name, chain := range defs.Chains {
		client, err := dial(ctx, name, chain)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		reg.clients[name] = client
		wallet := strings.TrimSpace(chain.Wallet)
		if wallet == "" {
			wallet = strings.TrimSpace(cfg.WalletAddress)
		}
		reg.wallets[name] = wallet
	}

	if len(reg.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	reg.defaultChain = cfg.DefaultChain
	if reg.defaultChain == "" {
		reg.defaultChain = reg.Chains()[0]
	}
	if _, ok := reg.clients[reg.defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", reg.defaultChain)
	}
	return reg, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultWallet returns the wallet address watched on the default chain.
func (r *Registry) DefaultWallet() string {
	if r == nil {
		return ""
	}
	return r.wallets[r.defaultChain]
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
