package types

import (
	"strings"
	"testing"
	"time"
)

func TestParse_DefaultsAndOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  port: 9000
consensus:
  round_timeout: 2m
agents:
  - id: alpha
    endpoint: http://127.0.0.1:8801
    capabilities:
      implementation: 0.9
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host default missing, got %q", cfg.Server.Host)
	}
	if cfg.Consensus.RoundTimeout.Std() != 2*time.Minute {
		t.Errorf("round_timeout = %v", cfg.Consensus.RoundTimeout.Std())
	}
	if cfg.Consensus.SoloTimeout.Std() != 30*time.Second {
		t.Errorf("solo_timeout default missing, got %v", cfg.Consensus.SoloTimeout.Std())
	}
	if cfg.Routing.SoloMaxComplexity != 0 {
		// Routing zeros are resolved by the routing engine itself.
		t.Errorf("unexpected routing default %d", cfg.Routing.SoloMaxComplexity)
	}
	if cfg.Store.EventsRetention != 10000 {
		t.Errorf("events_retention default = %d", cfg.Store.EventsRetention)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("AGORA_TEST_PORT", "8123")
	cfg, err := Parse([]byte("server:\n  port: ${AGORA_TEST_PORT}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("port = %d, want 8123 from env", cfg.Server.Port)
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte("consensus:\n  round_timeout: soonish\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("expected duration parse error, got %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "server:\n  port: 70000\n", "out of range"},
		{"bad threshold", "consensus:\n  approval_threshold: 1.5\n", "approval_threshold"},
		{"missing agent id", "agents:\n  - endpoint: http://x\n", "id is required"},
		{"missing endpoint", "agents:\n  - id: a\n", "endpoint is required"},
		{"duplicate agent", "agents:\n  - id: a\n    endpoint: http://x\n  - id: a\n    endpoint: http://y\n", "duplicate"},
		{"bad strength", "agents:\n  - id: a\n    endpoint: http://x\n    capabilities:\n      review: 1.2\n", "out of [0,1]"},
		{"bad log level", "logging:\n  level: chatty\n", "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	s := ServerConfig{Host: "0.0.0.0", Port: 8700}
	if s.Addr() != "0.0.0.0:8700" {
		t.Errorf("addr = %s", s.Addr())
	}
}
