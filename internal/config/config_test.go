package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFullEnvironment(t *testing.T) {
	t.Setenv("ATOMIC_LEDGER_DIR", "/var/lib/atomic")
	t.Setenv("ATOMIC_NODE_ROSTER", "n1:9001, n2:9001 ,n3:9001")
	t.Setenv("ATOMIC_POLL_MS", "750")
	t.Setenv("ATOMIC_CARBON_PRICE_CAD_PER_KG", "80")
	t.Setenv("ATOMIC_TOKENS_PER_NODE", "4")
	t.Setenv("ATOMIC_TOKEN_SIG", "rsa")
	t.Setenv("ATOMIC_PRNG_SEED", "12345")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LedgerDir != "/var/lib/atomic" {
		t.Errorf("LedgerDir = %s", cfg.LedgerDir)
	}
	if len(cfg.NodeRoster) != 3 || cfg.NodeRoster[1] != "n2:9001" {
		t.Errorf("roster = %v, want 3 trimmed entries", cfg.NodeRoster)
	}
	if cfg.PollInterval != 750*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.CarbonPriceCADPerKg != 80 {
		t.Errorf("CarbonPriceCADPerKg = %v", cfg.CarbonPriceCADPerKg)
	}
	if cfg.TokensPerNode != 4 {
		t.Errorf("TokensPerNode = %d", cfg.TokensPerNode)
	}
	if cfg.TokenSigScheme != "rsa" {
		t.Errorf("TokenSigScheme = %s", cfg.TokenSigScheme)
	}
	if !cfg.SeedSet || cfg.PRNGSeed != 12345 {
		t.Errorf("seed = (%d, %v), want (12345, true)", cfg.PRNGSeed, cfg.SeedSet)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ATOMIC_LEDGER_DIR", "/tmp/atomic")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TokenSigScheme != "mldsa65" {
		t.Errorf("default scheme = %s, want mldsa65", cfg.TokenSigScheme)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("default poll = %s, want 5s", cfg.PollInterval)
	}
	if cfg.CarbonPriceCADPerKg != 65 || cfg.EmissionGPerNode != 150 {
		t.Errorf("pricing defaults wrong: %v / %v", cfg.CarbonPriceCADPerKg, cfg.EmissionGPerNode)
	}
	if cfg.SeedSet {
		t.Error("seed flagged set without ATOMIC_PRNG_SEED")
	}
	if cfg.Port != "5440" {
		t.Errorf("default port = %s", cfg.Port)
	}
}

func TestLoadRequiresLedgerDir(t *testing.T) {
	t.Setenv("ATOMIC_LEDGER_DIR", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "ATOMIC_LEDGER_DIR") {
		t.Errorf("missing ledger dir gave %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Setenv("ATOMIC_LEDGER_DIR", "/tmp/atomic")
	t.Setenv("ATOMIC_BOGUS", "1")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "ATOMIC_BOGUS") {
		t.Errorf("unknown key gave %v", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"ATOMIC_POLL_MS", "soon"},
		{"ATOMIC_POLL_MS", "-5"},
		{"ATOMIC_CARBON_PRICE_CAD_PER_KG", "cheap"},
		{"ATOMIC_TOKENS_PER_NODE", "0"},
		{"ATOMIC_TOKEN_SIG", "ed25519"},
		{"ATOMIC_PRNG_SEED", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv("ATOMIC_LEDGER_DIR", "/tmp/atomic")
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("%s=%q accepted", tt.key, tt.value)
			}
		})
	}
}
