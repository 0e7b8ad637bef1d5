package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Port != 7497 {
		t.Fatalf("expected default broker port, got %d", cfg.Broker.Port)
	}
	if cfg.Detection.WorkerCount != 4 {
		t.Fatalf("expected default worker count 4, got %d", cfg.Detection.WorkerCount)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
broker:
  host: broker.internal
  port: 4002
  clientId: 7
news:
  providerCode: BZ
detection:
  workerCount: 8
risk:
  accountValueBasis: netLiquidation
extractor:
  url: http://extractor.internal
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Host != "broker.internal" || cfg.Broker.Port != 4002 {
		t.Fatalf("unexpected broker config: %+v", cfg.Broker)
	}
	if cfg.Detection.WorkerCount != 8 {
		t.Fatalf("expected workerCount=8, got %d", cfg.Detection.WorkerCount)
	}
	if cfg.Risk.AccountValueBasis != "netLiquidation" {
		t.Fatalf("expected netLiquidation basis, got %s", cfg.Risk.AccountValueBasis)
	}
}

func TestEnvOverridesFileValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "broker:\n  host: file-host\n  port: 4002\nnews:\n  providerCode: BZ\nextractor:\n  url: http://x\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	t.Setenv("SHOCK_BROKER_HOST", "env-host")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Host != "env-host" {
		t.Fatalf("expected env override, got %s", cfg.Broker.Host)
	}
	if cfg.Broker.Port != 4002 {
		t.Fatalf("expected file value retained for unset env key, got %d", cfg.Broker.Port)
	}
}

func TestValidateRejectsBadAccountValueBasis(t *testing.T) {
	cfg := Default()
	cfg.Risk.AccountValueBasis = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bogus account value basis")
	}
}
