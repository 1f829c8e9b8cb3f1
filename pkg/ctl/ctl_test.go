package ctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sinkhole-dns/pkg/config"
	"sinkhole-dns/pkg/logging"
	"sinkhole-dns/pkg/storage"
)

// writeConfig writes a minimal config whose store is a SQLite file in a
// temp dir, so state survives between invocations.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	data := fmt.Sprintf(`daemon_id: dns1
matchclasses:
  - ads
storage:
  backend: sqlite
  sqlite:
    path: %q
`, filepath.Join(dir, "rules.db"))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, cfgPath string, open OpenFunc, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), append([]string{"--config", cfgPath}, args...), &stdout, &stderr, open)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func openDirect(t *testing.T, cfgPath string) storage.Backend {
	t.Helper()
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	b, err := storage.New(context.Background(), &cfg.Storage, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestEditConf(t *testing.T) {
	cfg := writeConfig(t)

	r := run(t, cfg, nil, "edit-conf", "add-binds", "127.0.0.1:53", "[::1]:53")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Added 2 value(s) to binds")

	r = run(t, cfg, nil, "edit-conf", "forwarders", "9.9.9.9", "1.1.1.1:53")
	require.Equal(t, ExitOK, r.code, r.stderr)
	r = run(t, cfg, nil, "edit-conf", "forwarders", "8.8.8.8")
	require.Equal(t, ExitOK, r.code, r.stderr)

	r = run(t, cfg, nil, "edit-conf", "blackhole-ips", "10.0.0.1")
	require.Equal(t, ExitOK, r.code, r.stderr)
	r = run(t, cfg, nil, "edit-conf", "block-ips", "192.0.2.1")
	require.Equal(t, ExitOK, r.code, r.stderr)
	r = run(t, cfg, nil, "edit-conf", "block-ips", "2001:db8::1")
	require.Equal(t, ExitOK, r.code, r.stderr)

	r = run(t, cfg, nil, "show-conf")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "daemon_id: dns1")
	assert.Contains(t, r.stdout, "sqlite://")

	dc, err := openDirect(t, cfg).DaemonConfig(context.Background(), "dns1")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:53", "[::1]:53"}, dc.Binds)
	assert.Equal(t, []string{"8.8.8.8"}, dc.Forwarders, "forwarders are replaced")
	assert.Equal(t, []string{"10.0.0.1"}, dc.BlackholeIPs)
	assert.Equal(t, []string{"192.0.2.1", "2001:db8::1"}, dc.BlockedIPs, "blocked IPs are appended")
}

func TestEditConf_ClearParam(t *testing.T) {
	cfg := writeConfig(t)

	require.Equal(t, ExitOK, run(t, cfg, nil, "edit-conf", "add-binds", ":53").code)
	r := run(t, cfg, nil, "edit-conf", "clear-param", "binds")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Cleared binds")

	dc, err := openDirect(t, cfg).DaemonConfig(context.Background(), "dns1")
	require.NoError(t, err)
	assert.Empty(t, dc.Binds)

	r = run(t, cfg, nil, "edit-conf", "clear-param", "nameservers")
	assert.Equal(t, ExitUsage, r.code)
}

func TestEditConf_RejectsInvalidValues(t *testing.T) {
	cfg := writeConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{"bind without port", []string{"edit-conf", "add-binds", "127.0.0.1"}},
		{"bind with host name", []string{"edit-conf", "add-binds", "localhost:53"}},
		{"forwarder", []string{"edit-conf", "forwarders", "dns.google"}},
		{"blackhole ip", []string{"edit-conf", "blackhole-ips", "10.0.0"}},
		{"blocked ip", []string{"edit-conf", "block-ips", "not-an-ip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := run(t, cfg, nil, tt.args...)
			assert.Equal(t, ExitUsage, r.code)
			assert.Contains(t, r.stderr, "Error:")
		})
	}

	dc, err := openDirect(t, cfg).DaemonConfig(context.Background(), "dns1")
	require.NoError(t, err)
	assert.Empty(t, dc.Binds)
	assert.Empty(t, dc.Forwarders)
}

func TestStats(t *testing.T) {
	cfg := writeConfig(t)
	b := openDirect(t, cfg)
	require.NoError(t, b.IncrStats(context.Background(), "dns1", map[string]int64{
		"queries":        10,
		"sinkholed":      4,
		"matchclass:ads": 4,
	}))
	require.NoError(t, b.Close())

	r := run(t, cfg, nil, "stats", "*")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Equal(t, "matchclass:ads\t4\nqueries\t10\nsinkholed\t4\n", r.stdout)

	r = run(t, cfg, nil, "clear-stats", "matchclass:*")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Cleared 1 counter(s)")

	r = run(t, cfg, nil, "stats", "*")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Equal(t, "queries\t10\nsinkholed\t4\n", r.stdout)
}

func TestFeedAndGetInfo(t *testing.T) {
	cfg := writeConfig(t)
	list := filepath.Join(t.TempDir(), "ads.txt")
	require.NoError(t, os.WriteFile(list, []byte(`# ads
0.0.0.0 ads.example.com
||tracker.example.net^
Banner.Example.org
`), 0o600))

	r := run(t, cfg, nil, "feed", list, "ads")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Fed 3 domain(s) into ads (both)")

	r = run(t, cfg, nil, "feed", "--family", "v4", list, "v4only")
	require.Equal(t, ExitOK, r.code, r.stderr)

	r = run(t, cfg, nil, "get-info", "ads")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "ipv4_domains\t3\n")
	assert.Contains(t, r.stdout, "ipv6_domains\t3\n")

	r = run(t, cfg, nil, "get-info", "v4only")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "ipv4_domains\t3\n")
	assert.Contains(t, r.stdout, "ipv6_domains\t0\n")

	r = run(t, cfg, nil, "get-info", "nothing")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Equal(t, "Matchclass nothing is empty\n", r.stdout)

	ok, err := openDirect(t, cfg).Exists(context.Background(), "ads", "banner.example.org.", false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFeed_FromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("127.0.0.1 ads.example.com\n"))
	}))
	defer srv.Close()

	cfg := writeConfig(t)
	r := run(t, cfg, nil, "feed", srv.URL, "ads")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Fed 1 domain(s)")
}

func TestFeed_Errors(t *testing.T) {
	cfg := writeConfig(t)
	list := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(list, []byte("ads.example.com\n"), 0o600))

	assert.Equal(t, ExitUsage, run(t, cfg, nil, "feed", filepath.Join(t.TempDir(), "missing.txt"), "ads").code)
	assert.Equal(t, ExitUsage, run(t, cfg, nil, "feed", list, "bad:name").code)
	assert.Equal(t, ExitUsage, run(t, cfg, nil, "feed", "--family", "v5", list, "ads").code)
	assert.Equal(t, ExitUsage, run(t, cfg, nil, "feed", list).code)
}

func TestRules(t *testing.T) {
	cfg := writeConfig(t)

	r := run(t, cfg, nil, "set-rule", "ads", "a", "10.0.0.1")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Rule ads A -> 10.0.0.1 set")

	r = run(t, cfg, nil, "set-rule", "ads", "AAAA", "::1")
	require.Equal(t, ExitOK, r.code, r.stderr)

	r = run(t, cfg, nil, "get-info", "ads")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "rule\tA\t10.0.0.1\nrule\tAAAA\t::1\n")

	r = run(t, cfg, nil, "del-rule", "ads", "A")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Rule ads A deleted")

	r = run(t, cfg, nil, "del-rule", "ads", "A")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "No rule ads A")

	assert.Equal(t, ExitUsage, run(t, cfg, nil, "set-rule", "ads", "BOGUS", "10.0.0.1").code)
	assert.Equal(t, ExitUsage, run(t, cfg, nil, "set-rule", "ads", "A", "10.0.0.256").code)
	assert.Equal(t, ExitUsage, run(t, cfg, nil, "set-rule", "rules", "A", "10.0.0.1").code)
}

func TestDrop(t *testing.T) {
	cfg := writeConfig(t)
	b := openDirect(t, cfg)
	ctx := context.Background()
	_, err := b.Feed(ctx, "ads-1", []string{"a.example."}, storage.FamilyBoth)
	require.NoError(t, err)
	_, err = b.Feed(ctx, "ads-2", []string{"b.example."}, storage.FamilyIPv4)
	require.NoError(t, err)
	require.NoError(t, b.SetRule(ctx, "malware", "A", "10.0.0.1"))
	require.NoError(t, b.Close())

	r := run(t, cfg, nil, "drop", "ads-*")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Equal(t, "Dropped ads-1\nDropped ads-2\n", r.stdout)

	r = run(t, cfg, nil, "drop", "ads-*")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Equal(t, "No matchclass matched\n", r.stdout)

	r = run(t, cfg, nil, "get-info", "malware")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "rule\tA\t10.0.0.1")
}

func TestExitCodes(t *testing.T) {
	cfg := writeConfig(t)

	t.Run("missing config", func(t *testing.T) {
		r := run(t, filepath.Join(t.TempDir(), "nope.yml"), nil, "stats", "*")
		assert.Equal(t, ExitConfig, r.code)
		assert.Contains(t, r.stderr, "error reading config")
	})

	t.Run("invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yml")
		require.NoError(t, os.WriteFile(path, []byte("matchclasses: []\n"), 0o600))
		assert.Equal(t, ExitConfig, run(t, path, nil, "stats", "*").code)
	})

	t.Run("unknown command", func(t *testing.T) {
		assert.Equal(t, ExitUsage, run(t, cfg, nil, "bogus").code)
	})

	t.Run("wrong argument count", func(t *testing.T) {
		opened := false
		open := func(context.Context, *config.Config, *logging.Logger) (storage.Backend, error) {
			opened = true
			return nil, errors.New("unexpected open")
		}
		assert.Equal(t, ExitUsage, run(t, cfg, open, "stats").code)
		assert.False(t, opened, "arguments are checked before the store is opened")
	})

	t.Run("store unreachable", func(t *testing.T) {
		open := func(context.Context, *config.Config, *logging.Logger) (storage.Backend, error) {
			return nil, fmt.Errorf("%w: dial tcp 127.0.0.1:6379: connection refused", storage.ErrConnectionFailed)
		}
		r := run(t, cfg, open, "stats", "*")
		assert.Equal(t, ExitUnavailable, r.code)
		assert.Contains(t, r.stderr, "error connecting to the store")
	})

	t.Run("store misconfigured", func(t *testing.T) {
		open := func(context.Context, *config.Config, *logging.Logger) (storage.Backend, error) {
			return nil, storage.ErrInvalidConfig
		}
		assert.Equal(t, ExitNoHost, run(t, cfg, open, "stats", "*").code)
	})

	t.Run("store fails mid command", func(t *testing.T) {
		open := func(ctx context.Context, c *config.Config, l *logging.Logger) (storage.Backend, error) {
			b, err := openStore(ctx, c, l)
			if err != nil {
				return nil, err
			}
			_ = b.Close()
			return b, nil
		}
		r := run(t, cfg, open, "show-conf")
		assert.Equal(t, ExitUnavailable, r.code)
		assert.Contains(t, r.stderr, "show-conf")
	})
}

func TestStoreFailed(t *testing.T) {
	inner := &ExitError{Code: ExitConfig, Err: errors.New("x")}
	assert.Same(t, inner, storeFailed("op", inner).(*ExitError))

	var exitErr *ExitError
	require.ErrorAs(t, storeFailed("op", storage.ErrInvalidMatchclass), &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)

	require.ErrorAs(t, storeFailed("op", storage.ErrStore), &exitErr)
	assert.Equal(t, ExitUnavailable, exitErr.Code)
	assert.ErrorIs(t, exitErr, storage.ErrStore)
}
