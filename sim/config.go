// SPDX-License-Identifier: GPL-3.0-or-later

package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rbmk-project/detsim/descriptor"
	"github.com/rbmk-project/detsim/kernel"
	"github.com/rbmk-project/detsim/world"
	"gopkg.in/yaml.v3"
)

// DefaultEpoch is the default virtual time at which simulations start.
var DefaultEpoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// Config contains the [*Sim] configuration.
//
// Construct using [NewConfig] or [LoadConfig].
type Config struct {
	// Tick is the virtual time advanced at each step.
	Tick time.Duration

	// Duration is the maximum virtual time a run may take.
	Duration time.Duration

	// Epoch is the virtual time at which the simulation starts.
	Epoch time.Time

	// Seed seeds the random source used for latencies and failures.
	Seed uint64

	// MinMessageLatency is the minimum message latency.
	MinMessageLatency time.Duration

	// MaxMessageLatency is the maximum message latency.
	MaxMessageLatency time.Duration

	// MessageLatencyCurve is the lambda of the exponential
	// distribution of latencies.
	MessageLatencyCurve float64

	// FailRate is the probability that a message is lost.
	FailRate float64

	// Network is the prefix from which hosts get addresses. Its
	// family is the family of every simulated kernel.
	Network netip.Prefix

	// FirstFD and LastFD delimit the descriptors of each host.
	FirstFD, LastFD descriptor.ID

	// FirstPort and LastPort delimit the ports of each host.
	FirstPort, LastPort descriptor.ID

	// Capture is the optional sink receiving delivered messages.
	Capture world.Sink

	// Logger is the optional structured logger. If this field is
	// nil, we will not be emitting structured logs.
	Logger *slog.Logger

	// Registerer is the optional prometheus registerer.
	Registerer prometheus.Registerer
}

// NewConfig returns a [*Config] with default settings.
func NewConfig() *Config {
	return &Config{
		Tick:                time.Millisecond,
		Duration:            10 * time.Second,
		Epoch:               DefaultEpoch,
		Seed:                0,
		MinMessageLatency:   0,
		MaxMessageLatency:   100 * time.Millisecond,
		MessageLatencyCurve: world.DefaultMessageLatencyCurve,
		FailRate:            0,
		Network:             netip.MustParsePrefix("192.168.0.0/24"),
		FirstFD:             kernel.DefaultFirstFD,
		LastFD:              kernel.DefaultLastFD,
		FirstPort:           kernel.DefaultFirstPort,
		LastPort:            kernel.DefaultLastPort,
		Capture:             nil,
		Logger:              nil,
		Registerer:          nil,
	}
}

// validate returns an error if the configuration is not valid.
func (cfg *Config) validate() error {
	switch {
	case cfg.Tick <= 0:
		return errors.New("tick must be positive")
	case cfg.Duration <= 0:
		return errors.New("duration must be positive")
	case cfg.MinMessageLatency < 0 || cfg.MaxMessageLatency < 0:
		return errors.New("message latency must not be negative")
	case cfg.MessageLatencyCurve <= 0:
		return errors.New("message latency curve must be positive")
	case cfg.FailRate < 0 || cfg.FailRate > 1:
		return errors.New("fail rate must be within [0, 1]")
	case !cfg.Network.IsValid():
		return errors.New("invalid network prefix")
	case cfg.FirstFD > cfg.LastFD:
		return errors.New("empty descriptor range")
	case cfg.LastFD-cfg.FirstFD >= descriptor.MaxSize:
		return fmt.Errorf("descriptor range larger than %d", uint64(descriptor.MaxSize))
	case cfg.FirstPort < 1 || cfg.FirstPort > cfg.LastPort:
		return errors.New("invalid port range")
	case cfg.LastPort > kernel.DefaultLastPort:
		return fmt.Errorf("port %d does not fit 16 bits", cfg.LastPort)
	}
	return nil
}

// File is the YAML representation of a [*Config]. Durations use the
// [time.ParseDuration] syntax, the epoch uses RFC 3339 and the network
// uses the CIDR notation. Missing fields keep their default value.
type File struct {
	Tick                string   `yaml:"tick,omitempty"`
	Duration            string   `yaml:"duration,omitempty"`
	Epoch               string   `yaml:"epoch,omitempty"`
	Seed                *uint64  `yaml:"seed,omitempty"`
	MinMessageLatency   string   `yaml:"min_message_latency,omitempty"`
	MaxMessageLatency   string   `yaml:"max_message_latency,omitempty"`
	MessageLatencyCurve *float64 `yaml:"message_latency_curve,omitempty"`
	FailRate            *float64 `yaml:"fail_rate,omitempty"`
	Network             string   `yaml:"network,omitempty"`
	FirstFD             *uint64  `yaml:"first_fd,omitempty"`
	LastFD              *uint64  `yaml:"last_fd,omitempty"`
	FirstPort           *uint64  `yaml:"first_port,omitempty"`
	LastPort            *uint64  `yaml:"last_port,omitempty"`
}

// Apply overrides the fields of cfg set in the file and validates
// the result.
func (f *File) Apply(cfg *Config) error {
	durations := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"tick", f.Tick, &cfg.Tick},
		{"duration", f.Duration, &cfg.Duration},
		{"min_message_latency", f.MinMessageLatency, &cfg.MinMessageLatency},
		{"max_message_latency", f.MaxMessageLatency, &cfg.MaxMessageLatency},
	}
	for _, entry := range durations {
		if entry.value == "" {
			continue
		}
		d, err := time.ParseDuration(entry.value)
		if err != nil {
			return fmt.Errorf("%s: %w", entry.name, err)
		}
		*entry.dest = d
	}

	if f.Epoch != "" {
		epoch, err := time.Parse(time.RFC3339, f.Epoch)
		if err != nil {
			return fmt.Errorf("epoch: %w", err)
		}
		cfg.Epoch = epoch
	}
	if f.Network != "" {
		prefix, err := netip.ParsePrefix(f.Network)
		if err != nil {
			return fmt.Errorf("network: %w", err)
		}
		cfg.Network = prefix
	}

	setIfNotNil(&cfg.Seed, f.Seed)
	setIfNotNil(&cfg.MessageLatencyCurve, f.MessageLatencyCurve)
	setIfNotNil(&cfg.FailRate, f.FailRate)
	setIfNotNil(&cfg.FirstFD, f.FirstFD)
	setIfNotNil(&cfg.LastFD, f.LastFD)
	setIfNotNil(&cfg.FirstPort, f.FirstPort)
	setIfNotNil(&cfg.LastPort, f.LastPort)

	return cfg.validate()
}

// setIfNotNil sets *dest to *value when value is not nil.
func setIfNotNil[T any](dest *T, value *T) {
	if value != nil {
		*dest = *value
	}
}

// ParseConfig parses a YAML document into a [*Config] starting from
// the defaults returned by [NewConfig]. Unknown fields are an error.
func ParseConfig(data []byte) (*Config, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg := NewConfig()
	if err := file.Apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig is like [ParseConfig] but reads the named file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
