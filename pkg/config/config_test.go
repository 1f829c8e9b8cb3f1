package config

import (
	"strings"
	"testing"
	"time"

	"sinkhole-dns/pkg/storage"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	// Values from file
	if cfg.DaemonID != "dns1" {
		t.Errorf("Expected daemon id dns1, got %s", cfg.DaemonID)
	}
	if len(cfg.Server.ListenAddresses) != 2 {
		t.Errorf("Expected 2 listen addresses, got %v", cfg.Server.ListenAddresses)
	}
	if got := strings.Join(cfg.Matchclasses, ","); got != "ads,malware" {
		t.Errorf("Expected matchclasses ads,malware, got %s", got)
	}
	if !cfg.Matching.Parallel {
		t.Error("Expected parallel matching")
	}
	if cfg.Forwarder.Timeout != 1500*time.Millisecond {
		t.Errorf("Expected forwarder timeout 1.5s, got %s", cfg.Forwarder.Timeout)
	}
	if cfg.Storage.Backend != storage.BackendSQLite {
		t.Errorf("Expected sqlite backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}

	// Defaults
	if cfg.Sinkhole.SRVTarget != "localhost." {
		t.Errorf("Expected default SRV target localhost., got %s", cfg.Sinkhole.SRVTarget)
	}
	if cfg.Forwarder.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("Expected default success threshold 2, got %d", cfg.Forwarder.CircuitBreaker.SuccessThreshold)
	}
	if cfg.Storage.SQLite.BusyTimeout != 5000 {
		t.Errorf("Expected default busy timeout 5000, got %d", cfg.Storage.SQLite.BusyTimeout)
	}
	if cfg.Storage.Cache.TTL != 30*time.Second {
		t.Errorf("Expected default cache TTL 30s, got %s", cfg.Storage.Cache.TTL)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()
	if cfg == nil {
		t.Fatal("LoadWithDefaults() returned nil")
	}

	if cfg.Server.ListenAddresses[0] != ":53" {
		t.Errorf("Expected default listen address :53, got %v", cfg.Server.ListenAddresses)
	}
	if len(cfg.UpstreamDNSServers) != 2 {
		t.Errorf("Expected 2 default upstream servers, got %d", len(cfg.UpstreamDNSServers))
	}
	if cfg.DaemonID == "" {
		t.Error("Expected a default daemon id")
	}
	if cfg.Storage.Backend != storage.BackendRedis {
		t.Errorf("Expected default backend redis, got %s", cfg.Storage.Backend)
	}
	if !cfg.Server.UDPEnabled || !cfg.Server.TCPEnabled {
		t.Error("Expected UDP and TCP enabled by default")
	}
}

func validConfig() *Config {
	cfg := LoadWithDefaults()
	cfg.DaemonID = "dns1"
	cfg.Matchclasses = []string{"ads"}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		mutate  func(*Config)
		name    string
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "no matchclasses",
			mutate:  func(c *Config) { c.Matchclasses = nil },
			wantErr: "Matchclasses",
		},
		{
			name:    "duplicate matchclass",
			mutate:  func(c *Config) { c.Matchclasses = []string{"ads", "ads"} },
			wantErr: "unique",
		},
		{
			name:    "reserved matchclass",
			mutate:  func(c *Config) { c.Matchclasses = []string{"daemon"} },
			wantErr: "keyname",
		},
		{
			name:    "upstream without port",
			mutate:  func(c *Config) { c.UpstreamDNSServers = []string{"1.1.1.1"} },
			wantErr: "ip_port",
		},
		{
			name:    "upstream hostname",
			mutate:  func(c *Config) { c.UpstreamDNSServers = []string{"dns.google:53"} },
			wantErr: "ip_port",
		},
		{
			name:    "bad listen address",
			mutate:  func(c *Config) { c.Server.ListenAddresses = []string{"localhost:53"} },
			wantErr: "listen_addr",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "invalid" },
			wantErr: "Level",
		},
		{
			name:    "file output without path",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: "FilePath",
		},
		{
			name:    "srv target not fully qualified",
			mutate:  func(c *Config) { c.Sinkhole.SRVTarget = "localhost" },
			wantErr: "fqdn_dot",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "memcached" },
			wantErr: "Backend",
		},
		{
			name: "no transports",
			mutate: func(c *Config) {
				c.Server.TCPEnabled = false
				c.Server.UDPEnabled = false
			},
			wantErr: "TCP or UDP",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("matchclasses: [ads")); err == nil {
		t.Error("Expected parse error")
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yml")
	if err == nil {
		t.Error("Expected error when loading non-existent file")
	}
}

func TestDiff(t *testing.T) {
	old := validConfig()
	next := validConfig()

	if d := Diff(old, next); !d.Empty() {
		t.Errorf("Diff of equal configs = %+v", d)
	}

	next.Logging.Level = "debug"
	next.UpstreamDNSServers = []string{"9.9.9.9:53"}
	next.Matchclasses = []string{"ads", "malware"}

	d := Diff(old, next)
	if !d.LogLevel || !d.Upstreams {
		t.Errorf("Diff() = %+v, want log level and upstream changes", d)
	}
	if d.Forwarder {
		t.Error("forwarder settings did not change")
	}
	if len(d.Restart) != 1 || d.Restart[0] != "matchclasses" {
		t.Errorf("Restart = %v, want [matchclasses]", d.Restart)
	}
}
