// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rbmk-project/detsim/capture"
	"github.com/rbmk-project/detsim/rt"
	"github.com/rbmk-project/detsim/sim"
	"github.com/spf13/cobra"
)

// runFlags contains the flags of the run command.
type runFlags struct {
	config  string
	metrics bool
	pcap    string
}

// newRunCmd creates the run command.
func newRunCmd(gf *globalFlags) *cobra.Command {
	rf := &runFlags{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario",
		Long: `Runs the scenario described by the --config file.

Servers echo every message. Each client pings every server the
configured number of times, waiting up to the configured timeout for
each reply, and prints one line per ping followed by a summary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), gf, rf, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	runCmd.Flags().StringVarP(&rf.config, "config", "c", "", "Scenario file (required)")
	runCmd.Flags().BoolVar(&rf.metrics, "metrics", false, "Print the message counters at the end")
	runCmd.Flags().StringVar(&rf.pcap, "pcap", "", "Write delivered messages to this pcap file")
	_ = runCmd.MarkFlagRequired("config")
	return runCmd
}

// stats accumulates the outcome of pings.
type stats struct {
	lost     int
	received int
	sent     int
}

// runScenario implements the run command.
func runScenario(ctx context.Context, gf *globalFlags, rf *runFlags, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, sc, err := loadScenario(rf.config)
	if err != nil {
		return err
	}
	cfg.Logger = gf.logger(stderr)

	reg := prometheus.NewRegistry()
	cfg.Registerer = reg

	if rf.pcap != "" {
		writer, err := capture.Create(rf.pcap)
		if err != nil {
			return err
		}
		cfg.Capture = writer
	}

	s, err := sim.New(cfg)
	if err != nil {
		if closer, ok := cfg.Capture.(io.Closer); ok {
			closer.Close()
		}
		return err
	}
	defer s.Close()

	for _, name := range sc.Servers {
		if err := s.Register(name, echo); err != nil {
			return err
		}
	}
	st := &stats{}
	for _, name := range sc.Clients {
		if err := s.Register(name, pinger(name, sc, st, stdout)); err != nil {
			return err
		}
	}
	for _, pair := range sc.Partitions {
		s.Partition(pair[0], pair[1])
	}

	err = s.RunUntil(ctx, func(ctx context.Context) error {
		for {
			if clientsDone(s, sc.Clients) {
				return nil
			}
			if err := rt.Sleep(ctx, cfg.Tick); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return err
	}
	for _, name := range sc.Clients {
		if _, err := s.HostStatus(name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	fmt.Fprintf(stdout, "sent=%d received=%d lost=%d elapsed=%s\n",
		st.sent, st.received, st.lost, s.Now().Sub(cfg.Epoch))
	if rf.metrics {
		return printMetrics(stdout, reg)
	}
	return nil
}

// clientsDone returns whether all the clients have returned.
func clientsDone(s *sim.Sim, clients []string) bool {
	for _, name := range clients {
		if done, _ := s.HostStatus(name); !done {
			return false
		}
	}
	return true
}

// echo sends back every message it receives.
func echo(ctx context.Context, host *sim.IO) error {
	for {
		env, err := host.Recv(ctx)
		if err != nil {
			return err
		}
		if err := host.Send(ctx, env.Src.String(), env.Msg); err != nil {
			return err
		}
	}
}

// pinger returns the host function of a client.
func pinger(name string, sc *scenario, st *stats, stdout io.Writer) sim.HostFunc {
	return func(ctx context.Context, host *sim.IO) error {
		for _, server := range sc.Servers {
			for seq := range sc.Pings {
				start := rt.Now(ctx)
				if err := host.Send(ctx, server, seq); err != nil {
					return err
				}
				st.sent++
				env, err := host.RecvTimeout(ctx, sc.timeout)
				switch {
				case errors.Is(err, sim.ErrRecvTimeout):
					st.lost++
					fmt.Fprintf(stdout, "%s -> %s seq=%d lost\n", name, server, seq)
				case err != nil:
					return err
				default:
					st.received++
					fmt.Fprintf(stdout, "%s -> %s seq=%d reply=%v rtt=%s\n",
						name, server, seq, env.Msg, rt.Now(ctx).Sub(start))
				}
			}
		}
		return nil
	}
}

// printMetrics prints the counters of the registry, one per line.
func printMetrics(w io.Writer, reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			sort.Strings(labels)
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			fmt.Fprintf(w, "%s %g\n", name, m.GetCounter().GetValue())
		}
	}
	return nil
}
