package config

import (
	"time"

	"goxbridge/types"
)

type Configuration struct {
	// Server config
	Server struct {
		UseSSL        bool   `yaml:"ssl" envconfig:"SSL"`
		Listen        string `yaml:"listen" envconfig:"LISTEN"`
		RedisHost     string `yaml:"redis_host" envconfig:"REDIS_HOST"`
		RedisPort     int    `yaml:"redis_port" envconfig:"REDIS_PORT"`
		RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
		Ledger        string `yaml:"ledger" envconfig:"LEDGER"` // redis or memory
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level" envconfig:"LOG_LEVEL"`
		Dir   string `yaml:"dir" envconfig:"LOG_DIR"`
	} `yaml:"log"`
	// signing collaborator, the orchestrator never reads private keys in remote mode
	Signer struct {
		Mode string            `yaml:"mode" envconfig:"SIGNER_MODE"` // remote or keys
		URL  string            `yaml:"url" envconfig:"SIGNER_URL"`
		Keys map[string]string `yaml:"keys" ignored:"true"` // address -> hex private key, dev only
	} `yaml:"signer"`
	RPC struct {
		Timeout    time.Duration `yaml:"timeout" envconfig:"RPC_TIMEOUT"`
		Retries    uint64        `yaml:"retries" envconfig:"RPC_RETRIES"`
		RetryDelay time.Duration `yaml:"retry_delay" envconfig:"RPC_RETRY_DELAY"`
		RateLimit  float64       `yaml:"rate_limit" envconfig:"RPC_RATE_LIMIT"` // requests per second per chain
		// receipt polling while waiting for a transaction to be mined
		ReceiptPoll time.Duration `yaml:"receipt_poll" envconfig:"RPC_RECEIPT_POLL"`
		// gas price multiplier in percent applied on non-mainnet EVM chains
		GasPricePercent int64 `yaml:"gas_price_percent" envconfig:"RPC_GAS_PRICE_PERCENT"`
	} `yaml:"rpc"`
	Monitor struct {
		PollInterval            time.Duration `yaml:"poll_interval" envconfig:"MONITOR_POLL_INTERVAL"`
		ReconnectInitial        time.Duration `yaml:"reconnect_initial" envconfig:"MONITOR_RECONNECT_INITIAL"`
		ReconnectMax            time.Duration `yaml:"reconnect_max" envconfig:"MONITOR_RECONNECT_MAX"`
		AttestationWindowFactor int           `yaml:"attestation_window_factor" envconfig:"MONITOR_ATTESTATION_WINDOW_FACTOR"`
	} `yaml:"monitor"`
	Network struct {
		SampleInterval time.Duration `yaml:"sample_interval" envconfig:"NETWORK_SAMPLE_INTERVAL"`
		SampleTimeout  time.Duration `yaml:"sample_timeout" envconfig:"NETWORK_SAMPLE_TIMEOUT"`
	} `yaml:"network"`
	Estimator struct {
		SurchargePercent int64             `yaml:"surcharge_percent" envconfig:"ESTIMATOR_SURCHARGE_PERCENT"`
		LargeTransfer    map[string]string `yaml:"large_transfer" ignored:"true"` // protocol -> threshold amount
		GasPriceTTL      time.Duration     `yaml:"gas_price_ttl" envconfig:"ESTIMATOR_GAS_PRICE_TTL"`
		BridgeGasLimit   uint64            `yaml:"bridge_gas_limit" envconfig:"ESTIMATOR_BRIDGE_GAS_LIMIT"`
	} `yaml:"estimator"`
	Attestation struct {
		WormholeAPI    string        `yaml:"wormhole_api" envconfig:"WORMHOLE_API"`
		CircleAPI      string        `yaml:"circle_api" envconfig:"CIRCLE_API"`
		GuardianQuorum int           `yaml:"guardian_quorum" envconfig:"GUARDIAN_QUORUM"`
		PollInterval   time.Duration `yaml:"poll_interval" envconfig:"ATTESTATION_POLL_INTERVAL"`
	} `yaml:"attestation"`
	Kafka struct {
		Broker string `yaml:"broker" envconfig:"KAFKA_BROKER_ADDRESS"`
		Topic  string `yaml:"topic" envconfig:"KAFKA_TOPIC"`
	} `yaml:"kafka"`
	NATS struct {
		URL     string `yaml:"url" envconfig:"NATS_URL"`
		Subject string `yaml:"subject" envconfig:"NATS_SUBJECT"`
	} `yaml:"nats"`

	// chain, asset and route tables, defaults below unless overridden in config.yml
	Chains []types.Chain       `yaml:"chains" ignored:"true"`
	Assets []types.Asset       `yaml:"assets" ignored:"true"`
	Routes []types.BridgeRoute `yaml:"routes" ignored:"true"`
}

var Config Configuration

// log topic of Wormhole core LogMessagePublished(address,uint64,uint32,bytes,uint8)
const WORMHOLE_LOG_MESSAGE_PUBLISHED = "0x6eb224fb001ed210e379b335e35efe88672a8ce935d981a6896b27ffdf52a3b2"

// maximum number of EVM RPC retries
const EVM_RETRIES = 3

func Defaults() Configuration {
	var cfg Configuration
	cfg.Server.Listen = ":8080"
	cfg.Server.RedisHost = "localhost"
	cfg.Server.RedisPort = 6379
	cfg.Server.Ledger = "redis"
	cfg.Log.Level = "info"
	cfg.Signer.Mode = "remote"
	cfg.Signer.URL = "http://localhost:8550"
	cfg.RPC.Timeout = 10 * time.Second
	cfg.RPC.Retries = EVM_RETRIES
	cfg.RPC.RetryDelay = 500 * time.Millisecond
	cfg.RPC.RateLimit = 10
	cfg.RPC.ReceiptPoll = 3 * time.Second
	cfg.RPC.GasPricePercent = 200
	cfg.Monitor.PollInterval = 5 * time.Second
	cfg.Monitor.ReconnectInitial = time.Second
	cfg.Monitor.ReconnectMax = 60 * time.Second
	cfg.Monitor.AttestationWindowFactor = 4
	cfg.Network.SampleInterval = 30 * time.Second
	cfg.Network.SampleTimeout = 5 * time.Second
	cfg.Estimator.SurchargePercent = 20
	cfg.Estimator.LargeTransfer = map[string]string{
		string(types.ProtocolWormhole): "1000",
		string(types.ProtocolCCTP):     "1000",
		string(types.ProtocolNative):   "1000",
	}
	cfg.Estimator.GasPriceTTL = 15 * time.Second
	cfg.Estimator.BridgeGasLimit = 250000
	cfg.Attestation.WormholeAPI = "https://api.wormholescan.io"
	cfg.Attestation.CircleAPI = "https://iris-api.circle.com"
	cfg.Attestation.GuardianQuorum = 13
	cfg.Attestation.PollInterval = 30 * time.Second
	cfg.Kafka.Topic = "bridge-transfers"
	cfg.NATS.Subject = "bridge.transfers"
	cfg.Chains = DefaultChains()
	cfg.Assets = DefaultAssets()
	cfg.Routes = DefaultRoutes()
	return cfg
}

// chains configs
func DefaultChains() []types.Chain {
	return []types.Chain{
		{
			Key:                 "ethereum",
			Name:                "Ethereum",
			NativeSymbol:        "ETH",
			Family:              types.FamilyEVM,
			ChainID:             1,
			RPCList:             []string{"https://eth.drpc.org", "https://eth.llamarpc.com"},
			WSURL:               "wss://ethereum-rpc.publicnode.com",
			ExplorerURL:         "https://etherscan.io",
			Confirmations:       12,
			BaseGasGwei:         20,
			NativeUsdPrice:      "2000",
			LiquidityAsset:      "USDC",
			WormholeChainID:     2,
			WormholeCore:        "0x98f3c9e6E3fAce36bAAd05FE09d375Ef1464288B",
			WormholeTokenBridge: "0x3ee18B2214AFF97000D974cf647E7C347E8fa585",
			CCTPDomain:          0,
			CCTPTokenMessenger:  "0xBd3fa81B58Ba92a82136038B25aDec7066af3155",
			CCTPTransmitter:     "0x0a992d191DEeC32aFe36203Ad87D7d289a738F81",
		}, // Ethereum
		{
			Key:                 "polygon",
			Name:                "Polygon",
			NativeSymbol:        "MATIC",
			Family:              types.FamilyEVM,
			ChainID:             137,
			RPCList:             []string{"https://polygon.drpc.org", "https://polygon.llamarpc.com"},
			WSURL:               "wss://polygon-bor-rpc.publicnode.com",
			ExplorerURL:         "https://polygonscan.com",
			Confirmations:       64,
			BaseGasGwei:         30,
			NativeUsdPrice:      "0.7",
			LiquidityAsset:      "USDC",
			WormholeChainID:     5,
			WormholeCore:        "0x7A4B5a56256163F07b2C80A7cA55aBE66c4ec4d7",
			WormholeTokenBridge: "0x5a58505a96D1dbf8dF91cB21B54419FC36e93fdE",
			CCTPDomain:          7,
			CCTPTokenMessenger:  "0x9daF8c91AEFAE50b9c0E69629D3F6Ca40cA3B3FE",
			CCTPTransmitter:     "0xF3be9355363857F3e001be68856A2f96b4C39Ba9",
		}, // Polygon
		{
			Key:                 "bsc",
			Name:                "BSC",
			NativeSymbol:        "BNB",
			Family:              types.FamilyEVM,
			ChainID:             56,
			RPCList:             []string{"https://bsc.drpc.org", "https://bsc.meowrpc.com"},
			WSURL:               "wss://bsc-rpc.publicnode.com",
			ExplorerURL:         "https://bscscan.com",
			Confirmations:       15,
			BaseGasGwei:         5,
			NativeUsdPrice:      "300",
			LiquidityAsset:      "USDC",
			WormholeChainID:     4,
			WormholeCore:        "0x98f3c9e6E3fAce36bAAd05FE09d375Ef1464288B",
			WormholeTokenBridge: "0xB6F6D86a8f9879A9c87f643768d9efc38c1Da6E7",
		}, // BNB
		{
			Key:                 "solana",
			Name:                "Solana",
			NativeSymbol:        "SOL",
			Family:              types.FamilySolana,
			ChainID:             1001,
			RPCList:             []string{"https://api.mainnet-beta.solana.com"},
			WSURL:               "wss://api.mainnet-beta.solana.com",
			ExplorerURL:         "https://solscan.io",
			Confirmations:       32,
			NativeUsdPrice:      "150",
			LiquidityAsset:      "USDC",
			WormholeChainID:     1,
			WormholeCore:        "worm2ZoG2kUd4vFXhvjh93UUH596ayRfgQ2MgjNMTth",
			WormholeTokenBridge: "wormDTUJ6AWPNvk59vGQbDvGJmqbDTdgWgAqcLBCgUb",
			WormholeEmitter:     "ec7372995d5cc8732397fb0ad35c0121e0eaa90d26f828a534cab54391b3a4f5",
			CCTPDomain:          5,
			CCTPTokenMessenger:  "CCTPiPYPc6AsJuwueEnWgSgucamXDZwBd53dQ11YiKX3",
			CCTPTransmitter:     "CCTPmbSD7gX1bxKPAmg77w8oFzNFpaQiQUWD43TKaecd",
		}, // Solana
	}
}

func DefaultAssets() []types.Asset {
	return []types.Asset{
		{
			Symbol:   "USDC",
			UsdPrice: "1",
			Tokens: map[string]types.Token{
				"ethereum": {Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
				"polygon":  {Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Decimals: 6},
				"bsc":      {Address: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", Decimals: 18},
				"solana":   {Address: "EPjFWdd5AufqSSqeM2qN1xyybapC8G4wEGGkZwyTDt1v", Decimals: 6},
			},
		},
		{
			Symbol:   "ETH",
			UsdPrice: "2000",
			Tokens: map[string]types.Token{
				"ethereum": {Decimals: 18},
				"solana":   {Address: "7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs", Decimals: 8},
			},
		},
	}
}

// from the bridge route table, fees in USD
func DefaultRoutes() []types.BridgeRoute {
	return []types.BridgeRoute{
		{Source: "ethereum", Destination: "solana", Protocol: types.ProtocolWormhole, BaseFee: "15.00", NominalTime: 8 * time.Minute, Supported: true},
		{Source: "solana", Destination: "ethereum", Protocol: types.ProtocolWormhole, BaseFee: "0.50", NominalTime: 12 * time.Minute, Supported: true},
		{Source: "ethereum", Destination: "polygon", Protocol: types.ProtocolCCTP, BaseFee: "12.00", NominalTime: 5 * time.Minute, Supported: true},
		{Source: "polygon", Destination: "ethereum", Protocol: types.ProtocolCCTP, BaseFee: "0.02", NominalTime: 7 * time.Minute, Supported: true},
		{Source: "polygon", Destination: "solana", Protocol: types.ProtocolWormhole, BaseFee: "0.05", NominalTime: 3 * time.Minute, Supported: true},
		{Source: "solana", Destination: "polygon", Protocol: types.ProtocolWormhole, BaseFee: "0.01", NominalTime: 5 * time.Minute, Supported: true},
		{Source: "bsc", Destination: "solana", Protocol: types.ProtocolWormhole, BaseFee: "0.10", NominalTime: 4 * time.Minute, Supported: true},
		{Source: "solana", Destination: "bsc", Protocol: types.ProtocolWormhole, BaseFee: "0.01", NominalTime: 6 * time.Minute, Supported: true},
		// native issuer bridges are listed but not enabled yet
		{Source: "ethereum", Destination: "bsc", Protocol: types.ProtocolNative, BaseFee: "18.00", NominalTime: 15 * time.Minute, Supported: false},
		{Source: "bsc", Destination: "ethereum", Protocol: types.ProtocolNative, BaseFee: "0.30", NominalTime: 15 * time.Minute, Supported: false},
		{Source: "polygon", Destination: "bsc", Protocol: types.ProtocolNative, BaseFee: "0.05", NominalTime: 10 * time.Minute, Supported: false},
		{Source: "bsc", Destination: "polygon", Protocol: types.ProtocolNative, BaseFee: "0.10", NominalTime: 10 * time.Minute, Supported: false},
	}
}
