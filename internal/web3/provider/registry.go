package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"FlowSend-Chain/internal/web3"
	"FlowSend-Chain/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// Options override endpoints from the chain definitions, typically with
// values coming from the environment.
type Options struct {
	RPCURL       string
	WalletRPCURL string
}

// NewRegistry instantiates concrete clients for every chain definition.
// Overrides apply to the default chain only.
func NewRegistry(ctx context.Context, defs web3.ChainDefinitions, opts Options) (*Registry, error) {
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链")
	}

	defaultChain := strings.TrimSpace(defs.Default)
	if defaultChain == "" {
		names := make([]string, 0, len(defs.Chains))
		for name := range defs.Chains {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := defs.Chains[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	registry := &Registry{defaultChain: defaultChain, clients: make(map[string]web3.Client)}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType != "" && chainType != "evm" {
			registry.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		cfg := ethereum.Config{
			Network:      chain.Network(name),
			RPCURL:       chain.RPCURL,
			WalletRPCURL: chain.WalletRPCURL,
		}
		if name == defaultChain {
			if opts.RPCURL != "" {
				cfg.RPCURL = opts.RPCURL
			}
			if opts.WalletRPCURL != "" {
				cfg.WalletRPCURL = opts.WalletRPCURL
			}
		}
		client, err := ethereum.NewClient(ctx, cfg)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		registry.clients[name] = client
	}
	return registry, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.Client(r.defaultChain)
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
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
