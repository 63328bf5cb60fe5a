package web3

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// 默认网络参数，对应 Base Sepolia 测试网。
const (
	DefaultChainName      = "base-sepolia"
	DefaultChainID        = 84532
	DefaultTokenSymbol    = "USDC"
	DefaultTokenAddress   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	DefaultTokenDecimals  = 6
	DefaultTreasury       = "0x9de5b155a9f89c343ced429a5fe10eb60750ffc0"
	DefaultExplorerURL    = "https://sepolia.basescan.org"
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultNetworkDisplay = "Base Sepolia Testnet"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type         string          `yaml:"type"`
	ChainID      uint64          `yaml:"chain_id"`
	DisplayName  string          `yaml:"display_name"`
	RPCURL       string          `yaml:"rpc_url"`
	WalletRPCURL string          `yaml:"wallet_rpc_url"`
	ExplorerURL  string          `yaml:"explorer_url"`
	Treasury     string          `yaml:"treasury"`
	Token        TokenDefinition `yaml:"token"`
}

// TokenDefinition describes the settlement stablecoin contract.
type TokenDefinition struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// DefaultDefinitions returns the built-in Base Sepolia definition.
func DefaultDefinitions() ChainDefinitions {
	return ChainDefinitions{
		Default: DefaultChainName,
		Chains: map[string]ChainDefinition{
			DefaultChainName: {
				Type:        "evm",
				ChainID:     DefaultChainID,
				DisplayName: DefaultNetworkDisplay,
				RPCURL:      DefaultRPCURL,
				ExplorerURL: DefaultExplorerURL,
				Treasury:    DefaultTreasury,
				Token: TokenDefinition{
					Symbol:   DefaultTokenSymbol,
					Address:  DefaultTokenAddress,
					Decimals: DefaultTokenDecimals,
				},
			},
		},
	}
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
// An empty path yields DefaultDefinitions.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultDefinitions(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if len(defs.Chains) == 0 {
		return ChainDefinitions{}, fmt.Errorf("链配置 %s 中没有定义任何链", path)
	}
	for name, def := range defs.Chains {
		def.applyDefaults()
		if err := def.validate(); err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 %s 配置无效: %w", name, err)
		}
		defs.Chains[name] = def
	}
	return defs, nil
}

func (d *ChainDefinition) applyDefaults() {
	if d.Type == "" {
		d.Type = "evm"
	}
	if d.Token.Symbol == "" {
		d.Token.Symbol = DefaultTokenSymbol
	}
	if d.Token.Decimals == 0 {
		d.Token.Decimals = DefaultTokenDecimals
	}
	if d.DisplayName == "" {
		d.DisplayName = fmt.Sprintf("chain %d", d.ChainID)
	}
}

func (d ChainDefinition) validate() error {
	if d.ChainID == 0 {
		return fmt.Errorf("chain_id 不能为空")
	}
	if !common.IsHexAddress(d.Token.Address) {
		return fmt.Errorf("token.address %q 不是合法地址", d.Token.Address)
	}
	if !common.IsHexAddress(d.Treasury) {
		return fmt.Errorf("treasury %q 不是合法地址", d.Treasury)
	}
	return nil
}

// Network converts the definition into the runtime view used by callers.
func (d ChainDefinition) Network(name string) Network {
	return Network{
		Name:        name,
		DisplayName: d.DisplayName,
		ChainID:     d.ChainID,
		ExplorerURL: strings.TrimRight(d.ExplorerURL, "/"),
		Treasury:    common.HexToAddress(d.Treasury),
		Token: Token{
			Symbol:   d.Token.Symbol,
			Address:  common.HexToAddress(d.Token.Address),
			Decimals: d.Token.Decimals,
		},
	}
}
