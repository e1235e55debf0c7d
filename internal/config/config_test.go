package config

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("TRACKED_ADDRESSES", "addrA, addrB,,")
	t.Setenv("SYNC_CYCLE_BUDGET", "50")
	t.Setenv("SNAPSHOT_GRACE_PERIOD", "10m")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if got := cfg.Sync.TrackedAddresses; len(got) != 2 || got[0] != "addrA" || got[1] != "addrB" {
		t.Errorf("Sync.TrackedAddresses = %v, want [addrA addrB]", got)
	}
	if cfg.Sync.CycleBudget != 50 {
		t.Errorf("Sync.CycleBudget = %v, want 50", cfg.Sync.CycleBudget)
	}
	if cfg.Snapshot.GracePeriod != 10*time.Minute {
		t.Errorf("Snapshot.GracePeriod = %v, want 10m", cfg.Snapshot.GracePeriod)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Ledger.PageSize != 1000 {
		t.Errorf("Ledger.PageSize = %d, want 1000", cfg.Ledger.PageSize)
	}
	if cfg.Ledger.DetailAttempts != 3 {
		t.Errorf("Ledger.DetailAttempts = %d, want 3", cfg.Ledger.DetailAttempts)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("Sync.Interval = %v, want 5m", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxTxidAttempts != 5 || cfg.Sync.TxidRetryCooldown != 5*time.Minute {
		t.Errorf("txid retry policy = %d/%v, want 5/5m", cfg.Sync.MaxTxidAttempts, cfg.Sync.TxidRetryCooldown)
	}
	if cfg.Sync.IncrementalThreshold != 2880 {
		t.Errorf("Sync.IncrementalThreshold = %d, want 2880", cfg.Sync.IncrementalThreshold)
	}
	if cfg.Snapshot.CheckInterval != 30*time.Minute {
		t.Errorf("Snapshot.CheckInterval = %v, want 30m", cfg.Snapshot.CheckInterval)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "mongo")

	_, err := LoadConfig()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("LoadConfig() error = %v, want ErrInvalidConfig", err)
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "not-a-duration")
	if got := getEnvAsDuration("TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvAsDuration() = %v, want fallback 1s", got)
	}
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !getEnvAsBool("TEST_BOOL", false) {
		t.Error("getEnvAsBool() = false, want true")
	}
}
