// SPDX-License-Identifier: GPL-3.0-or-later

package sim_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rbmk-project/detsim/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Run("empty document keeps the defaults", func(t *testing.T) {
		cfg, err := sim.ParseConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, sim.NewConfig(), cfg)
	})

	t.Run("all fields", func(t *testing.T) {
		cfg, err := sim.ParseConfig([]byte(`
tick: 2ms
duration: 1m
epoch: 2024-02-03T04:05:06Z
seed: 42
min_message_latency: 1ms
max_message_latency: 50ms
message_latency_curve: 0.5
fail_rate: 0.25
network: fd00::/64
first_fd: 3
last_fd: 1024
first_port: 49152
last_port: 65535
`))
		require.NoError(t, err)
		assert.Equal(t, 2*time.Millisecond, cfg.Tick)
		assert.Equal(t, time.Minute, cfg.Duration)
		assert.Equal(t, time.Date(2024, time.February, 3, 4, 5, 6, 0, time.UTC), cfg.Epoch)
		assert.Equal(t, uint64(42), cfg.Seed)
		assert.Equal(t, time.Millisecond, cfg.MinMessageLatency)
		assert.Equal(t, 50*time.Millisecond, cfg.MaxMessageLatency)
		assert.Equal(t, 0.5, cfg.MessageLatencyCurve)
		assert.Equal(t, 0.25, cfg.FailRate)
		assert.Equal(t, netip.MustParsePrefix("fd00::/64"), cfg.Network)
		assert.Equal(t, uint64(3), cfg.FirstFD)
		assert.Equal(t, uint64(1024), cfg.LastFD)
		assert.Equal(t, uint64(49152), cfg.FirstPort)
		assert.Equal(t, uint64(65535), cfg.LastPort)
	})

	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "ticks: 1ms"},
		{"invalid duration", "tick: soon"},
		{"invalid epoch", "epoch: yesterday"},
		{"invalid network", "network: 192.168.0.0"},
		{"zero tick", "tick: 0s"},
		{"negative duration", "duration: -1s"},
		{"negative latency", "min_message_latency: -1ms"},
		{"zero curve", "message_latency_curve: 0"},
		{"fail rate above one", "fail_rate: 1.5"},
		{"empty descriptor range", "first_fd: 10\nlast_fd: 9"},
		{"port zero", "first_port: 0"},
		{"descriptor range too large", "first_fd: 0\nlast_fd: 18446744073709551615"},
		{"descriptor range just too large", "first_fd: 1\nlast_fd: 4294967297"},
		{"port above 65535", "last_port: 65536"},
		{"not a mapping", "- tick"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := sim.ParseConfig([]byte(tt.doc))
			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seed: 7\nfail_rate: 0.1\n"), 0600))

	cfg, err := sim.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.Equal(t, 0.1, cfg.FailRate)

	_, err = sim.LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("tick: never\n"), 0600))
	_, err = sim.LoadConfig(path)
	assert.ErrorContains(t, err, path)
}

func TestNew(t *testing.T) {
	cfg := sim.NewConfig()
	cfg.Tick = 0
	_, err := sim.New(cfg)
	assert.Error(t, err)
	assert.Panics(t, func() { sim.MustNew(cfg) })

	s, err := sim.New(nil)
	require.NoError(t, err)
	assert.Equal(t, sim.DefaultEpoch, s.Now())
	require.NoError(t, s.Close())
}
