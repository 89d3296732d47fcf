// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rbmk-project/detsim/sim"
	"gopkg.in/yaml.v3"
)

// scenarioFile is the content of a scenario file.
type scenarioFile struct {
	sim.File `yaml:",inline"`

	Scenario scenario `yaml:"scenario"`
}

// scenario describes the hosts of a simulation.
type scenario struct {
	// Servers echo every message they receive.
	Servers []string `yaml:"servers"`

	// Clients ping every server.
	Clients []string `yaml:"clients"`

	// Pings is the number of pings per server.
	Pings int `yaml:"pings"`

	// Timeout is how long a client waits for each reply.
	Timeout string `yaml:"timeout"`

	// Partitions lists the pairs of partitioned hosts.
	Partitions [][2]string `yaml:"partitions"`

	// timeout is the parsed Timeout.
	timeout time.Duration
}

// defaultTimeout is the default reply timeout.
const defaultTimeout = 100 * time.Millisecond

// validate validates the scenario and parses the timeout.
func (sc *scenario) validate() error {
	if len(sc.Servers) < 1 {
		return errors.New("scenario: at least one server is required")
	}
	if len(sc.Clients) < 1 {
		return errors.New("scenario: at least one client is required")
	}
	if sc.Pings <= 0 {
		sc.Pings = 1
	}
	sc.timeout = defaultTimeout
	if sc.Timeout != "" {
		d, err := time.ParseDuration(sc.Timeout)
		if err != nil {
			return fmt.Errorf("scenario: timeout: %w", err)
		}
		sc.timeout = d
	}
	return nil
}

// loadScenario reads the scenario file and returns the simulation
// config along with the scenario.
func loadScenario(path string) (*sim.Config, *scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var file scenarioFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg := sim.NewConfig()
	if err := file.File.Apply(cfg); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := file.Scenario.validate(); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, &file.Scenario, nil
}
