package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config enumerates every recognized runtime option. All values come from
// ATOMIC_* environment variables (a .env file is loaded by main before
// Load runs). Unrecognized ATOMIC_* keys fail loudly at startup instead of
// being silently ignored.
type Config struct {
	// Persistence root. Required.
	LedgerDir string

	// Shard-hosting node endpoints, comma separated. The deterministic
	// round-robin planner partitions batches over this roster.
	NodeRoster []string

	// Bonding / mining poll interval.
	PollInterval time.Duration

	// Pricing inputs. Carbon price updates daily, emission weekly, rebate
	// monthly; all are read once per process start here.
	CarbonPriceCADPerKg       float64
	EmissionGPerNode          float64
	RebateCADPerNode          float64
	MarketDemand              float64
	DemandMultiplier          float64
	CarbonFootprintMultiplier float64
	TokensPerNode             int

	// Signature primitive for token minting: "mldsa65" or "rsa".
	TokenSigScheme string

	// Node serial override for test rigs; empty means read the hardware
	// identity.
	NodeSerial string

	// Deadline applied to externally triggered calls (fission, bond).
	OpTimeout time.Duration

	// Sustained ledger write latency above this threshold engages
	// backpressure: bonders slow down, the sharder refuses new work.
	BackpressureThreshold time.Duration

	// Seed for the shard frequency PRNG. Zero means derive from the clock;
	// set explicitly for reproducible shard output.
	PRNGSeed int64
	SeedSet  bool

	// Optional Postgres analytics mirror (empty disables it).
	DatabaseURL string

	// serve subcommand listen port.
	Port string
}

// Recognized ATOMIC_* environment keys.
var knownKeys = map[string]bool{
	"ATOMIC_LEDGER_DIR":              true,
	"ATOMIC_NODE_ROSTER":             true,
	"ATOMIC_POLL_MS":                 true,
	"ATOMIC_CARBON_PRICE_CAD_PER_KG": true,
	"ATOMIC_EMISSION_G_PER_NODE":     true,
	"ATOMIC_REBATE_CAD_PER_NODE":     true,
	"ATOMIC_MARKET_DEMAND":           true,
	"ATOMIC_DEMAND_MULTIPLIER":       true,
	"ATOMIC_CARBON_MULTIPLIER":       true,
	"ATOMIC_TOKENS_PER_NODE":         true,
	"ATOMIC_TOKEN_SIG":               true,
	"ATOMIC_NODE_SERIAL":             true,
	"ATOMIC_OP_TIMEOUT_MS":           true,
	"ATOMIC_BACKPRESSURE_MS":         true,
	"ATOMIC_PRNG_SEED":               true,
	"ATOMIC_DATABASE_URL":            true,
	"ATOMIC_PORT":                    true,
	"ATOMIC_API_TOKEN":               true, // consumed by internal/api
}

// Load reads and validates the full configuration from the environment.
func Load() (Config, error) {
	if err := rejectUnknownKeys(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LedgerDir:                 os.Getenv("ATOMIC_LEDGER_DIR"),
		TokenSigScheme:            getEnvOrDefault("ATOMIC_TOKEN_SIG", "mldsa65"),
		NodeSerial:                os.Getenv("ATOMIC_NODE_SERIAL"),
		DatabaseURL:               os.Getenv("ATOMIC_DATABASE_URL"),
		Port:                      getEnvOrDefault("ATOMIC_PORT", "5440"),
		CarbonPriceCADPerKg:       65,
		EmissionGPerNode:          150,
		RebateCADPerNode:          0,
		MarketDemand:              0,
		DemandMultiplier:          0.1,
		CarbonFootprintMultiplier: 1.0,
		TokensPerNode:             1,
	}

	if cfg.LedgerDir == "" {
		return Config{}, fmt.Errorf("ATOMIC_LEDGER_DIR is not set")
	}
	if cfg.TokenSigScheme != "mldsa65" && cfg.TokenSigScheme != "rsa" {
		return Config{}, fmt.Errorf("ATOMIC_TOKEN_SIG must be mldsa65 or rsa, got %q", cfg.TokenSigScheme)
	}

	if roster := os.Getenv("ATOMIC_NODE_ROSTER"); roster != "" {
		for _, n := range strings.Split(roster, ",") {
			if n = strings.TrimSpace(n); n != "" {
				cfg.NodeRoster = append(cfg.NodeRoster, n)
			}
		}
	}

	var err error
	if cfg.PollInterval, err = envMillis("ATOMIC_POLL_MS", 5000*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.OpTimeout, err = envMillis("ATOMIC_OP_TIMEOUT_MS", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.BackpressureThreshold, err = envMillis("ATOMIC_BACKPRESSURE_MS", 250*time.Millisecond); err != nil {
		return Config{}, err
	}

	floatKeys := []struct {
		key string
		dst *float64
	}{
		{"ATOMIC_CARBON_PRICE_CAD_PER_KG", &cfg.CarbonPriceCADPerKg},
		{"ATOMIC_EMISSION_G_PER_NODE", &cfg.EmissionGPerNode},
		{"ATOMIC_REBATE_CAD_PER_NODE", &cfg.RebateCADPerNode},
		{"ATOMIC_MARKET_DEMAND", &cfg.MarketDemand},
		{"ATOMIC_DEMAND_MULTIPLIER", &cfg.DemandMultiplier},
		{"ATOMIC_CARBON_MULTIPLIER", &cfg.CarbonFootprintMultiplier},
	}
	for _, fk := range floatKeys {
		if raw := os.Getenv(fk.key); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return Config{}, fmt.Errorf("%s: invalid float %q: %w", fk.key, raw, err)
			}
			*fk.dst = v
		}
	}

	if raw := os.Getenv("ATOMIC_TOKENS_PER_NODE"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return Config{}, fmt.Errorf("ATOMIC_TOKENS_PER_NODE: invalid positive integer %q", raw)
		}
		cfg.TokensPerNode = v
	}

	if raw := os.Getenv("ATOMIC_PRNG_SEED"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("ATOMIC_PRNG_SEED: invalid integer %q", raw)
		}
		cfg.PRNGSeed = v
		cfg.SeedSet = true
	}

	return cfg, nil
}

// rejectUnknownKeys scans the environment for ATOMIC_-prefixed variables
// that are not part of the recognized option set. A typoed key is a config
// bug worth failing over, not ignoring.
func rejectUnknownKeys() error {
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if strings.HasPrefix(key, "ATOMIC_") && !knownKeys[key] {
			return fmt.Errorf("unrecognized configuration key %s (known keys: %s)",
				key, strings.Join(keyList(), ", "))
		}
	}
	return nil
}

func keyList() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}
	return keys
}

func envMillis(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%s: invalid millisecond value %q", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
