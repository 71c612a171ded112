package evm

import (
	"fmt"
	"strings"
	"time"
)

// NetworkConfig is everything the chain layer needs to know about one EVM
// network. It is resolved once at startup and passed down explicitly.
type NetworkConfig struct {
	Name        string
	ChainID     int64
	RPCURLs     []string
	PromptToken string
	// PromptDecimals is the PROMPT token's decimals; graduated tokens always
	// use 18.
	PromptDecimals int32
	V2Router       string
	V2Factory      string
	V3Quoter       string
	V3Router       string
	LPLocker       string
	RPCTimeout     time.Duration
	RPCMaxAttempts uint
}

var networks = map[string]NetworkConfig{
	"ethereum": {
		Name:    "ethereum",
		ChainID: 1,
		RPCURLs: []string{
			"https://ethereum-rpc.publicnode.com",
			"https://eth.llamarpc.com",
			"https://rpc.ankr.com/eth",
		},
		PromptDecimals: 18,
		V2Router:       "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
		V2Factory:      "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f",
		V3Quoter:       "0xb27308f9F90D607463bb33eA1BeBb41C27CE5AB6",
		V3Router:       "0xE592427A0AEcE92De3Edc1F18E0843Aa66e2a5A0",
		RPCTimeout:     15 * time.Second,
		RPCMaxAttempts: 4,
	},
	"local": {
		Name:           "local",
		ChainID:        31337,
		RPCURLs:        []string{"http://127.0.0.1:8545"},
		PromptDecimals: 18,
		RPCTimeout:     5 * time.Second,
		RPCMaxAttempts: 2,
	},
}

// LookupNetwork returns the predefined network called name.
func LookupNetwork(name string) (NetworkConfig, error) {
	n, ok := networks[strings.ToLower(name)]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("evm: unknown network %q", name)
	}
	n.RPCURLs = append([]string(nil), n.RPCURLs...)
	return n, nil
}

// WithOverrides returns n with every non-zero field of o applied on top.
func (n NetworkConfig) WithOverrides(o NetworkConfig) NetworkConfig {
	if len(o.RPCURLs) > 0 {
		n.RPCURLs = append([]string(nil), o.RPCURLs...)
	}
	if o.ChainID != 0 {
		n.ChainID = o.ChainID
	}
	if o.PromptDecimals != 0 {
		n.PromptDecimals = o.PromptDecimals
	}
	if o.RPCTimeout > 0 {
		n.RPCTimeout = o.RPCTimeout
	}
	if o.RPCMaxAttempts > 0 {
		n.RPCMaxAttempts = o.RPCMaxAttempts
	}
	for _, f := range []struct{ dst *string; src string }{
		{&n.PromptToken, o.PromptToken},
		{&n.V2Router, o.V2Router},
		{&n.V2Factory, o.V2Factory},
		{&n.V3Quoter, o.V3Quoter},
		{&n.V3Router, o.V3Router},
		{&n.LPLocker, o.LPLocker},
	} {
		if f.src != "" {
			*f.dst = f.src
		}
	}
	return n
}

// Validate reports the settings missing for graduation and DEX trading.
func (n NetworkConfig) Validate() error {
	var missing []string
	if n.ChainID == 0 {
		missing = append(missing, "chain_id")
	}
	if len(n.RPCURLs) == 0 {
		missing = append(missing, "rpc_urls")
	}
	for _, f := range [][2]string{
		{"prompt_token", n.PromptToken},
		{"v2_router", n.V2Router},
		{"v2_factory", n.V2Factory},
		{"lp_locker", n.LPLocker},
	} {
		if f[1] == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("evm: network %s missing %s", n.Name, strings.Join(missing, ", "))
	}
	return nil
}
