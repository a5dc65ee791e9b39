package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "AutoTrader-Chain/internal/errors"
)

// ChainTypeEVM 是目前唯一支持的链类型。
const ChainTypeEVM = "evm"

// ChainDefinitions 对应链配置文件的顶层结构。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述一条链的 RPC 端点与持仓钱包。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
	// Wallet 覆盖全局钱包地址。
	Wallet string `yaml:"wallet"`
}

// LoadChainDefinitions 读取链配置文件。rpc_url 中的 ${VAR} 从环境变量展开，
// 以便把带密钥的节点地址留在配置文件之外。路径为空时返回空集合。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := ChainDefinitions{Chains: map[string]ChainDefinition{}}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取链配置失败",
			xerrors.WithMetadata("path", path))
	}
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析链配置失败",
			xerrors.WithMetadata("path", path))
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}

	names := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def, err := defs.Chains[name].normalize()
		if err != nil {
			return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "链配置无效",
				xerrors.WithMetadata("chain", name))
		}
		defs.Chains[name] = def
	}
	return defs, nil
}

// normalize 补全默认类型并校验端点与钱包地址。
func (d ChainDefinition) normalize() (ChainDefinition, error) {
	d.Type = strings.ToLower(strings.TrimSpace(d.Type))
	if d.Type == "" {
		d.Type = ChainTypeEVM
	}
	if d.Type != ChainTypeEVM {
		return d, fmt.Errorf("不支持的链类型 %q", d.Type)
	}
	d.RPCURL = strings.TrimSpace(os.ExpandEnv(d.RPCURL))
	if d.RPCURL == "" {
		return d, fmt.Errorf("缺少 rpc_url")
	}
	d.Wallet = strings.TrimSpace(d.Wallet)
	if d.Wallet != "" && !common.IsHexAddress(d.Wallet) {
		return d, fmt.Errorf("钱包地址 %q 不是合法的十六进制地址", d.Wallet)
	}
	return d, nil
}
