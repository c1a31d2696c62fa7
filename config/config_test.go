package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConfigKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
log_level: debug
arp:
  resolve_timeout: 2s
tcp:
  mss: 536
  time_wait: 30s
`))
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 2*time.Second, cfg.Arp.ResolveTimeout)
	require.Equal(t, 536, cfg.Tcp.MSS)
	require.Equal(t, 30*time.Second, cfg.Tcp.TimeWait)

	// untouched keys
	require.Equal(t, 10*time.Second, cfg.Tcp.RetransmitTimeout)
	require.Equal(t, uint8(128), cfg.Ip.DefaultTTL)
	require.Equal(t, StreamBufferSize, cfg.Tcp.BufferSize)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*StackConfig)
	}{
		{"zero mss", func(c *StackConfig) { c.Tcp.MSS = 0 }},
		{"reserved ports", func(c *StackConfig) { c.Tcp.PortLower = 80 }},
		{"inverted ports", func(c *StackConfig) { c.Tcp.PortLower, c.Tcp.PortUpper = 50000, 40000 }},
		{"zero timer", func(c *StackConfig) { c.TimerInterval = 0 }},
		{"empty pool", func(c *StackConfig) { c.Pool.Size = 0 }},
	}

	require.NoError(t, DefaultStackConfig().Validate())
	for _, tc := range testCases {
		cfg := DefaultStackConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tcp:\n  port_lower: 40000\n  port_upper: 40010\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 40000, cfg.Tcp.PortLower)
	require.Equal(t, 40010, cfg.Tcp.PortUpper)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
