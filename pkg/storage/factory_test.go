package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Backend != BackendRedis {
		t.Errorf("expected backend to be redis, got %s", cfg.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if cfg.Cache.Enabled {
		t.Error("expected existence cache to be disabled by default")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:   "valid sqlite config",
			config: Config{Backend: BackendSQLite, SQLite: SQLiteConfig{Path: "x.db"}},
		},
		{
			name:    "missing bolt path",
			config:  Config{Backend: BackendBolt},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "invalid backend",
			config:  Config{Backend: "memcached"},
			wantErr: ErrInvalidBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	def := DefaultConfig()
	if cfg.Backend != def.Backend || cfg.Redis.Address != def.Redis.Address {
		t.Errorf("ApplyDefaults() = %+v", cfg)
	}
	if cfg.Cache.TTL != def.Cache.TTL {
		t.Errorf("cache ttl = %v, want %v", cfg.Cache.TTL, def.Cache.TTL)
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendSQLite
		cfg.SQLite.Path = ":memory:"
		cfg.SQLite.WALMode = false

		b, err := New(ctx, &cfg, nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer func() { _ = b.Close() }()
		if _, ok := b.(*SQLiteBackend); !ok {
			t.Errorf("New() returned %T, want *SQLiteBackend", b)
		}
	})

	t.Run("bolt with cache", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendBolt
		cfg.Bolt.Path = filepath.Join(t.TempDir(), "rules.bolt")
		cfg.Cache.Enabled = true

		b, err := New(ctx, &cfg, nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer func() { _ = b.Close() }()
		if _, ok := b.(*CachedBackend); !ok {
			t.Errorf("New() returned %T, want *CachedBackend", b)
		}
	})

	t.Run("invalid backend", func(t *testing.T) {
		cfg := Config{Backend: "memcached"}
		if _, err := New(ctx, &cfg, nil); !errors.Is(err, ErrInvalidBackend) {
			t.Errorf("New() error = %v, want ErrInvalidBackend", err)
		}
	})
}
