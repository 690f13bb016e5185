package chain

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Default string                `yaml:"default"`
	Chains  map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain and the RPC endpoints that serve it.
type Definition struct {
	Type           string   `yaml:"type"`
	ChainID        int64    `yaml:"chain_id"`
	RPCURLs        []string `yaml:"rpc_urls"`
	MiningContract string   `yaml:"mining_contract"`
	Description    string   `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata. An empty path
// yields an empty set of definitions.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType != "" && chainType != "evm" {
			return Definitions{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}
	return defs, nil
}

// Resolve returns the named chain. An empty name selects the configured
// default, or the alphabetically first chain when no default is set.
func (d Definitions) Resolve(name string) (Definition, string, error) {
	if len(d.Chains) == 0 {
		return Definition{}, "", fmt.Errorf("未配置任何链的 RPC 端点")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(d.Default)
	}
	if name == "" {
		names := make([]string, 0, len(d.Chains))
		for n := range d.Chains {
			names = append(names, n)
		}
		sort.Strings(names)
		name = names[0]
	}
	def, ok := d.Chains[name]
	if !ok {
		return Definition{}, "", fmt.Errorf("链 %s 未在配置中找到", name)
	}
	return def, name, nil
}

// Endpoints returns the trimmed, non-empty RPC URLs in declaration order.
func (d Definition) Endpoints() []string {
	urls := make([]string, 0, len(d.RPCURLs))
	for _, u := range d.RPCURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
