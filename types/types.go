package types

import (
	"time"
)

// chain families, EVM chains share one connector implementation
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilySolana Family = "solana"
)

// bridging protocols a route can use
type Protocol string

const (
	ProtocolWormhole Protocol = "wormhole"
	ProtocolNative   Protocol = "native"
	ProtocolCCTP     Protocol = "cctp"
)

func (p Protocol) Valid() bool {
	return p == ProtocolWormhole || p == ProtocolNative || p == ProtocolCCTP
}

// Chain is immutable configuration, loaded at startup
type Chain struct {
	Key             string   `yaml:"key" json:"key"`
	Name            string   `yaml:"name" json:"name"`
	NativeSymbol    string   `yaml:"native_symbol" json:"nativeSymbol"`
	Family          Family   `yaml:"family" json:"family"`
	ChainID         int64    `yaml:"chain_id" json:"chainId"`
	RPCList         []string `yaml:"rpc" json:"-"`
	WSURL           string   `yaml:"ws" json:"-"`
	ExplorerURL     string   `yaml:"explorer" json:"explorerUrl"`
	Confirmations   uint64   `yaml:"confirmations" json:"confirmations"`
	BaseGasGwei     float64  `yaml:"base_gas_gwei" json:"-"`
	NativeUsdPrice  string   `yaml:"native_usd_price" json:"-"`
	RelayerAddress  string   `yaml:"relayer" json:"-"`
	LiquidityHolder string   `yaml:"liquidity_holder" json:"-"`
	LiquidityAsset  string   `yaml:"liquidity_asset" json:"-"`

	// protocol contracts deployed on this chain
	WormholeChainID     uint16 `yaml:"wormhole_chain_id" json:"-"`
	WormholeCore        string `yaml:"wormhole_core" json:"-"`
	WormholeTokenBridge string `yaml:"wormhole_token_bridge" json:"-"`
	WormholeEmitter     string `yaml:"wormhole_emitter" json:"-"` // 32 bytes hex, only needed when not derivable from the token bridge address
	CCTPDomain          uint32 `yaml:"cctp_domain" json:"-"`
	CCTPTokenMessenger  string `yaml:"cctp_token_messenger" json:"-"`
	CCTPTransmitter     string `yaml:"cctp_message_transmitter" json:"-"`
	NativeBridge        string `yaml:"native_bridge" json:"-"`
}

func (c Chain) IsEVM() bool {
	return c.Family == FamilyEVM
}

func (c Chain) TxURL(txHash string) string {
	if c.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return c.ExplorerURL + "/tx/" + txHash
}

type Token struct {
	Address  string `yaml:"address" json:"address"`
	Decimals int32  `yaml:"decimals" json:"decimals"`
}

// Asset is a bridgeable token, keyed by chain
type Asset struct {
	Symbol   string           `yaml:"symbol" json:"symbol"`
	UsdPrice string           `yaml:"usd_price" json:"-"`
	Tokens   map[string]Token `yaml:"tokens" json:"tokens"`
}

// at most one route per ordered chain pair
type BridgeRoute struct {
	Source      string        `yaml:"source" json:"sourceChain"`
	Destination string        `yaml:"destination" json:"destinationChain"`
	Protocol    Protocol      `yaml:"protocol" json:"protocol"`
	BaseFee     string        `yaml:"fee" json:"fee"` // USD, decimal string
	NominalTime time.Duration `yaml:"time" json:"-"`
	Supported   bool          `yaml:"supported" json:"supported"`
}

// computed on demand, never persisted
type BridgeEstimate struct {
	Fee           string        `json:"fee"`
	Time          string        `json:"time"`
	Duration      time.Duration `json:"-"`
	Protocol      Protocol      `json:"routeProtocol"`
	Supported     bool          `json:"supported"`
	ReceiveAmount string        `json:"receiveAmount"`
	GasEstimate   *GasEstimate  `json:"gasEstimate,omitempty"`
}

type GasEstimate struct {
	GasLimit     uint64    `json:"gasLimit"`
	GasPrice     string    `json:"gasPrice"` // wei
	CostInNative string    `json:"costInNative"`
	CostInUsd    string    `json:"costInUsd"`
	SampledAt    time.Time `json:"sampledAt"`
}

type Health string

const (
	HealthOnline    Health = "online"
	HealthCongested Health = "congested"
	HealthOffline   Health = "offline"
)

// latest sample only, never historized
type NetworkStatus struct {
	ChainKey               string    `json:"chain"`
	ChainID                int64     `json:"chainId"`
	Name                   string    `json:"name"`
	Health                 Health    `json:"health"`
	GasPrice               string    `json:"gasPrice"`
	CongestionScore        int       `json:"congestionScore"`
	LastObservedBlock      uint64    `json:"lastObservedBlock"`
	BridgeLiquidityBalance string    `json:"bridgeLiquidityBalance"`
	SampledAt              time.Time `json:"sampledAt"`
}

type BridgeStats struct {
	Volume24h             string  `json:"totalVolume24h"`
	Transfers24h          int     `json:"totalTransactions24h"`
	AverageCompletionTime string  `json:"averageTime"`
	SuccessRate           float64 `json:"successRate"`
}
