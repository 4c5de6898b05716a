package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "card:\n  bus: sim\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 8080 || cfg.Server.GRPCPort != 50051 {
		t.Errorf("unexpected ports %d/%d", cfg.Server.HTTPPort, cfg.Server.GRPCPort)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("unexpected shutdown timeout %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Card.Profile != "adlink-pci7300a" || cfg.Card.DMABufferSize != 20*1024 {
		t.Errorf("unexpected card config %+v", cfg.Card)
	}
	if cfg.Card.CompletionTimeout != 2*time.Second {
		t.Errorf("unexpected completion timeout %s", cfg.Card.CompletionTimeout)
	}
	if len(cfg.Profiles.SearchPaths) != 2 {
		t.Errorf("unexpected search paths %v", cfg.Profiles.SearchPaths)
	}
	if cfg.Database.Enabled {
		t.Error("database enabled by default")
	}
	if len(cfg.Interrupt.Sources) != 0 {
		t.Errorf("expected no interrupt sources by default, got %v", cfg.Interrupt.Sources)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9090
card:
  bus: sysfs
  pci_address: "0000:03:00.0"
  dma_buffer_size: 8192
interrupt:
  sources:
    - slot: plx9080
      offset: 0xa8
      width: 8
      mask: 0x10
      ack: 0x08
      meaning: dma_done
auth:
  operators:
    - username: radar
      password_hash: "$argon2id$v=19$m=65536,t=1,p=1$c2FsdA$aGFzaA"
      role: technician
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("http port %d", cfg.Server.HTTPPort)
	}
	if cfg.Card.PCIAddress != "0000:03:00.0" || cfg.Card.DMABufferSize != 8192 {
		t.Errorf("unexpected card config %+v", cfg.Card)
	}
	if len(cfg.Interrupt.Sources) != 1 {
		t.Fatalf("expected one interrupt source, got %v", cfg.Interrupt.Sources)
	}
	src := cfg.Interrupt.Sources[0]
	if src.Slot != "plx9080" || src.Offset != 0xa8 || src.Mask != 0x10 || src.Meaning != "dma_done" {
		t.Errorf("unexpected source %+v", src)
	}
	if len(cfg.Auth.Operators) != 1 || cfg.Auth.Operators[0].Role != "technician" {
		t.Errorf("unexpected operators %+v", cfg.Auth.Operators)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "card:\n  bus: sysfs\n  pci_address: \"0000:03:00.0\"\n")
	t.Setenv("TIMINGD_CARD_BUS", "sim")
	t.Setenv("TIMINGD_SERVER_HTTP_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Card.Bus != BusSim {
		t.Errorf("expected env to select sim bus, got %q", cfg.Card.Bus)
	}
	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("expected env http port, got %d", cfg.Server.HTTPPort)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown bus", "card:\n  bus: pcie\n"},
		{"sysfs without address", "card:\n  bus: sysfs\n"},
		{"zero dma buffer", "card:\n  bus: sim\n  dma_buffer_size: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestJWTSecret(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "TIMINGD_TEST_SECRET"}
	if a.IsProductionReady() {
		t.Error("development secret reported production ready")
	}

	t.Setenv("TIMINGD_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	if got := a.GetJWTSecret(); got != "0123456789abcdef0123456789abcdef" {
		t.Errorf("got secret %q", got)
	}
	if !a.IsProductionReady() {
		t.Error("32 byte secret not production ready")
	}
}
