// Package params loads the engine's runtime configuration (SPEC_FULL.md
// §A.3): HTTP listen address, repository path, chain-gateway settings,
// EIP-712 domain, per-token default parameters, and the risk/funding/
// bridge tuning knobs.
//
// Grounded on the teacher's params/config.go `LoadFromEnv` shape: a
// `Default()` base struct, an optional `.env` file loaded via godotenv, and
// environment variables, which take precedence over the `.env` file — kept
// verbatim in shape, re-targeted
// from the teacher's consensus-timing fields (Validators/Ppc/Delta/
// SingleNode/MinBlockTime) onto SPEC_FULL.md's own config surface, which
// has no consensus layer at all.
package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/memeperp/engine/pkg/bridge"
	"github.com/memeperp/engine/pkg/lifecycle"
	"github.com/memeperp/engine/pkg/ordercrypto"
)

// HTTP holds the transport-layer listen settings (teacher's API_ADDR idiom).
type HTTP struct {
	ListenAddr   string
	MetricsAddr  string
	CORSOrigins  []string
	WSBufferSize int
}

// Repository holds the durable-store location (teacher's pebble data dir).
type Repository struct {
	Path string
}

// ChainGateway holds the settlement-contract RPC endpoint. An empty
// Endpoint means "use the in-process dev gateway" (pkg/chaingateway.MemGateway).
type ChainGateway struct {
	Endpoint     string
	PollInterval time.Duration
	BridgeConfig bridge.Config
}

// EIP712 mirrors ordercrypto.Domain in config-file-friendly form.
type EIP712 struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

func (d EIP712) ToDomain() ordercrypto.Domain {
	return ordercrypto.Domain{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           big.NewInt(d.ChainID),
		VerifyingContract: common.HexToAddress(d.VerifyingContract),
	}
}

// Engine holds the orchestration tuning knobs (SPEC_FULL.md §A.3).
type Engine struct {
	RiskTickInterval    time.Duration
	FundingInterval     time.Duration
	MarkStaleAfter      time.Duration
	FundingImbalanceK   int64
	LiquidatorAccount   string
	FeeCollectorAccount string
}

// Config is the engine's full runtime configuration.
type Config struct {
	HTTP         HTTP
	Repository   Repository
	ChainGateway ChainGateway
	EIP712       EIP712
	Engine       Engine
	DefaultToken lifecycle.Params
}

// Default matches spec.md's own defaults (§4.8-§4.10 cadences, teacher's
// DefaultHYPLUSDC-style token parameters).
func Default() Config {
	return Config{
		HTTP: HTTP{
			ListenAddr:   ":8080",
			MetricsAddr:  ":9090",
			CORSOrigins:  []string{"*"},
			WSBufferSize: 64,
		},
		Repository: Repository{
			Path: "data/engine",
		},
		ChainGateway: ChainGateway{
			Endpoint:     "",
			PollInterval: 5 * time.Second,
			BridgeConfig: bridge.DefaultConfig(),
		},
		EIP712: EIP712{
			Name:              "MemePerp",
			Version:           "1",
			ChainID:           31337,
			VerifyingContract: common.Address{}.Hex(),
		},
		Engine: Engine{
			RiskTickInterval:    5 * time.Second,
			FundingInterval:     time.Hour,
			MarkStaleAfter:      30 * time.Second,
			FundingImbalanceK:   1,
			LiquidatorAccount:   common.Address{}.Hex(),
			FeeCollectorAccount: common.Address{}.Hex(),
		},
		DefaultToken: lifecycle.DefaultParams(),
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables, in that priority order over the built-in default
// (teacher's own documented order: "ENV > .env file > defaults"). envPath
// empty means "load .env from the current directory".
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.HTTP.ListenAddr = getEnv("HTTP_ADDR", cfg.HTTP.ListenAddr)
	cfg.HTTP.MetricsAddr = getEnv("METRICS_ADDR", cfg.HTTP.MetricsAddr)
	if v := os.Getenv("WS_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.WSBufferSize = n
		}
	}

	cfg.Repository.Path = getEnv("REPOSITORY_PATH", cfg.Repository.Path)

	cfg.ChainGateway.Endpoint = getEnv("CHAIN_GATEWAY_ENDPOINT", cfg.ChainGateway.Endpoint)
	if v := os.Getenv("CHAIN_GATEWAY_POLL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ChainGateway.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.EIP712.Name = getEnv("EIP712_NAME", cfg.EIP712.Name)
	cfg.EIP712.Version = getEnv("EIP712_VERSION", cfg.EIP712.Version)
	if v := os.Getenv("EIP712_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.EIP712.ChainID = n
		}
	}
	cfg.EIP712.VerifyingContract = getEnv("EIP712_VERIFYING_CONTRACT", cfg.EIP712.VerifyingContract)

	if v := os.Getenv("RISK_TICK_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Engine.RiskTickInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FUNDING_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Engine.FundingInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MARK_STALE_AFTER_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MarkStaleAfter = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FUNDING_IMBALANCE_K"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.FundingImbalanceK = n
		}
	}
	cfg.Engine.LiquidatorAccount = getEnv("LIQUIDATOR_ACCOUNT", cfg.Engine.LiquidatorAccount)
	cfg.Engine.FeeCollectorAccount = getEnv("FEE_COLLECTOR_ACCOUNT", cfg.Engine.FeeCollectorAccount)

	return cfg
}

// Validate reports a config error usable as the CLI's "bad config" exit
// path (spec.md §6, exit code 1).
func (c Config) Validate() error {
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("params: HTTP_ADDR must not be empty")
	}
	if c.Repository.Path == "" {
		return fmt.Errorf("params: REPOSITORY_PATH must not be empty")
	}
	if c.EIP712.ChainID <= 0 {
		return fmt.Errorf("params: EIP712_CHAIN_ID must be positive, got %d", c.EIP712.ChainID)
	}
	if c.Engine.RiskTickInterval <= 0 {
		return fmt.Errorf("params: RISK_TICK_INTERVAL_MS must be positive")
	}
	if c.Engine.FundingInterval <= 0 {
		return fmt.Errorf("params: FUNDING_INTERVAL_MS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
