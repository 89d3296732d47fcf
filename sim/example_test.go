// SPDX-License-Identifier: GPL-3.0-or-later

package sim_test

import (
	"context"
	"fmt"
	"time"

	"github.com/rbmk-project/detsim/rt"
	"github.com/rbmk-project/detsim/sim"
)

// This example shows how to exchange messages between a server
// and a client while a partition comes and goes.
func Example_partition() {
	cfg := sim.NewConfig()
	cfg.MinMessageLatency = 5 * time.Millisecond
	cfg.MaxMessageLatency = 5 * time.Millisecond
	s := sim.MustNew(cfg)
	defer s.Close()

	s.MustRegister("server", func(ctx context.Context, io *sim.IO) error {
		for {
			env, err := io.Recv(ctx)
			if err != nil {
				return err
			}
			if err := io.Send(ctx, env.Src.String(), fmt.Sprintf("pong %v", env.Msg)); err != nil {
				return err
			}
		}
	})
	client := s.MustClient("client")

	s.MustRunUntil(context.Background(), func(ctx context.Context) error {
		for seq := range 3 {
			if seq == 1 {
				s.Partition("client", "server")
			} else {
				s.Repair("client", "server")
			}
			start := rt.Now(ctx)
			if err := client.Send(ctx, "server", seq); err != nil {
				return err
			}
			env, err := client.RecvTimeout(ctx, 50*time.Millisecond)
			if err != nil {
				fmt.Printf("seq=%d: %s\n", seq, err)
				continue
			}
			fmt.Printf("seq=%d: %v from %s in %s\n", seq, env.Msg, env.Src, rt.Now(ctx).Sub(start))
		}
		return nil
	})

	// Output:
	// seq=0: pong 0 from 192.168.0.1 in 10ms
	// seq=1: sim: recv: i/o timeout
	// seq=2: pong 2 from 192.168.0.1 in 10ms
}
