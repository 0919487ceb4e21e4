// Package params holds the agent configuration. Every flag can also come
// from the environment (upper snake case), with an optional .env file.
// Priority: flag > env > .env > default.
package params

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	RpcURL            string
	SerumProgram      string
	ExchangeProgram   string
	Group             string
	LiqorAccount      string
	LiqorOwnerKeypair string

	SnapshotIntervalSecs int
	ParallelRpcRequests  int
	AccountsPerBatch     int

	MinHealthRatio    float64
	TcsMinHealthRatio float64
	TcsMinPremiumBps  int

	RebalanceSlippageBps        int
	PrioritizationMicroLamports uint64

	MockJupiter bool
	JupiterURL  string

	MetricsListen string
	LogFile       string
}

func defaults() Config {
	return Config{
		SnapshotIntervalSecs: 300,
		ParallelRpcRequests:  10,
		AccountsPerBatch:     100,
		MinHealthRatio:       50,
		TcsMinHealthRatio:    50,
		TcsMinPremiumBps:     100,
		RebalanceSlippageBps: 100,
	}
}

func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSecs) * time.Second
}

// Validate checks required settings before startup proceeds.
func (c *Config) Validate() error {
	if c.RpcURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if c.LiqorAccount == "" {
		return fmt.Errorf("liqor_account is required")
	}
	if c.LiqorOwnerKeypair == "" {
		return fmt.Errorf("liqor_owner_keypair is required")
	}
	if c.ExchangeProgram == "" {
		return fmt.Errorf("exchange_program is required")
	}
	if c.Group == "" {
		return fmt.Errorf("group is required")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envUint64(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

// Load parses args. A --dotenv file, when given, is loaded before the
// environment fallbacks are read; a plain .env in the working directory is
// tried as well, after it.
func Load(args []string) (Config, error) {
	// peek at --dotenv first so it can influence env fallbacks
	for i, a := range args {
		if a == "--dotenv" && i+1 < len(args) {
			if err := godotenv.Load(args[i+1]); err != nil {
				return Config{}, fmt.Errorf("loading dotenv %s: %w", args[i+1], err)
			}
		}
	}
	_ = godotenv.Load()

	d := defaults()
	fs := flag.NewFlagSet("solvent", flag.ContinueOnError)

	cfg := Config{}
	fs.String("dotenv", "", "path to a .env file read before the environment")
	fs.StringVar(&cfg.RpcURL, "rpc-url", envString("RPC_URL", ""), "chain RPC endpoint (http)")
	fs.StringVar(&cfg.SerumProgram, "serum-program", envString("SERUM_PROGRAM", ""), "external CLOB program address")
	fs.StringVar(&cfg.ExchangeProgram, "exchange-program", envString("EXCHANGE_PROGRAM", ""), "exchange program address")
	fs.StringVar(&cfg.Group, "group", envString("GROUP", ""), "group address")
	fs.StringVar(&cfg.LiqorAccount, "liqor-account", envString("LIQOR_ACCOUNT", ""), "the agent's own margin account")
	fs.StringVar(&cfg.LiqorOwnerKeypair, "liqor-owner-keypair", envString("LIQOR_OWNER_KEYPAIR", ""), "path to the owner keypair file")
	fs.IntVar(&cfg.SnapshotIntervalSecs, "snapshot-interval-secs", envInt("SNAPSHOT_INTERVAL_SECS", d.SnapshotIntervalSecs), "seconds between bulk account snapshots")
	fs.IntVar(&cfg.ParallelRpcRequests, "parallel-rpc-requests", envInt("PARALLEL_RPC_REQUESTS", d.ParallelRpcRequests), "bulk fetches sent in parallel")
	fs.IntVar(&cfg.AccountsPerBatch, "accounts-per-batch", envInt("ACCOUNTS_PER_BATCH", d.AccountsPerBatch), "accounts per getMultipleAccounts request")
	fs.Float64Var(&cfg.MinHealthRatio, "min-health-ratio", envFloat("MIN_HEALTH_RATIO", d.MinHealthRatio), "liqor health ratio floor in percent")
	fs.Float64Var(&cfg.TcsMinHealthRatio, "tcs-min-health-ratio", envFloat("TCS_MIN_HEALTH_RATIO", d.TcsMinHealthRatio), "liqor health ratio floor for tcs execution")
	fs.IntVar(&cfg.TcsMinPremiumBps, "tcs-min-premium-bps", envInt("TCS_MIN_PREMIUM_BPS", d.TcsMinPremiumBps), "minimum tcs incentive in bps")
	fs.IntVar(&cfg.RebalanceSlippageBps, "rebalance-slippage-bps", envInt("REBALANCE_SLIPPAGE_BPS", d.RebalanceSlippageBps), "max router slippage for rebalance swaps")
	var prio uint64Flag
	prio.value = envUint64("PRIORITIZATION_MICRO_LAMPORTS", 0)
	fs.Var(&prio, "prioritization-micro-lamports", "priority fee per transaction")
	fs.BoolVar(&cfg.MockJupiter, "mock-jupiter", envBool("MOCK_JUPITER", false), "price routes from oracles instead of the hosted router")
	fs.StringVar(&cfg.JupiterURL, "jupiter-url", envString("JUPITER_URL", ""), "swap router base URL")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", envString("METRICS_LISTEN", ""), "address for /metrics, empty disables")
	fs.StringVar(&cfg.LogFile, "log-file", envString("LOG_FILE", ""), "tee logs into this file")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.PrioritizationMicroLamports = prio.value
	return cfg, nil
}

type uint64Flag struct{ value uint64 }

func (f *uint64Flag) String() string { return strconv.FormatUint(f.value, 10) }
func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	f.value = v
	return nil
}
