package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HerbHall/subnetgrid/internal/event"
	"github.com/HerbHall/subnetgrid/internal/store"
	"github.com/HerbHall/subnetgrid/internal/traffic"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

func newTrafficCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traffic",
		Short: "Run and inspect throughput tests",
	}
	cmd.AddCommand(
		newTrafficStartCmd(opts),
		newTrafficStatusCmd(opts),
		newTrafficActiveCmd(opts),
		newTrafficReadinessCmd(opts),
	)
	return cmd
}

// openTraffic initializes a traffic plugin backed by the local database.
func openTraffic(ctx context.Context, e *env, bus plugin.EventBus) (*traffic.Plugin, func(), error) {
	client, err := e.client(nil)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(e.v.GetString("data.dir"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	p := traffic.NewPlugin(client, nil)
	if err := p.Init(ctx, plugin.Dependencies{
		Config: e.cfg.Sub("plugins." + traffic.PluginName),
		Logger: e.logger.Named(traffic.PluginName),
		Bus:    bus,
		Store:  db,
	}); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return p, func() {
		_ = p.Stop(context.Background())
		_ = db.Close()
	}, nil
}

func newTrafficStartCmd(opts *rootOptions) *cobra.Command {
	var (
		req  traffic.StartRequest
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "start <target-ip>",
		Short: "Start a throughput test against an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			bus := event.NewBus(e.logger.Named("events"))
			// One test per process, so any terminal event is ours.
			finished := make(chan models.TrafficTest, 1)
			onTerminal := func(_ context.Context, ev plugin.Event) {
				te, ok := ev.Payload.(traffic.TestEvent)
				if !ok || te.TestID == "" {
					return
				}
				select {
				case finished <- models.TrafficTest{TestID: te.TestID, Status: models.TestStatus(te.Status), Error: te.Error}:
				default:
				}
			}

			p, cleanup, err := openTraffic(cmd.Context(), e, bus)
			if err != nil {
				return err
			}
			defer cleanup()

			orch := p.Orchestrator()
			out := cmd.OutOrStdout()
			if wait {
				for _, topic := range []string{traffic.TopicTestCompleted, traffic.TopicTestFailed, traffic.TopicTestPollExhausted} {
					defer bus.Subscribe(topic, onTerminal)()
				}
			}

			req.TargetIP = args[0]
			test, err := orch.Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Test %s started: %s -> %s (%s)\n", test.TestID, dash(test.SourceIP), test.TargetIP, test.Protocol)
			if !wait {
				return nil
			}

			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case t := <-finished:
				if cur, ok := orch.Test(test.TestID); ok {
					t = cur
				}
				writeTrafficTests(out, []models.TrafficTest{t})
				return nil
			}
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.SourceIP, "source", "", "source address (default: the backend host)")
	flags.StringVarP((*string)(&req.Protocol), "protocol", "p", string(models.ProtocolTCP), "tcp or udp")
	flags.IntVarP(&req.Duration, "duration", "t", 10, "test duration in seconds")
	flags.StringVarP(&req.Bandwidth, "bandwidth", "b", "", "target bandwidth for UDP, e.g. 100M")
	flags.IntVarP(&req.Parallel, "parallel", "P", 1, "parallel streams")
	flags.BoolVarP(&req.Reverse, "reverse", "R", false, "reverse direction (target sends)")
	flags.BoolVar(&wait, "wait", true, "wait for the test to finish")
	return cmd
}

func newTrafficStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <test-id>",
		Short: "Show the backend status of a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			client, err := e.client(nil)
			if err != nil {
				return err
			}
			info, err := client.TestStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			test, err := info.Test()
			if err != nil {
				return err
			}
			writeTrafficTests(cmd.OutOrStdout(), []models.TrafficTest{test})
			return nil
		},
	}
}

func newTrafficActiveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List running and recently completed tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			p, cleanup, err := openTraffic(cmd.Context(), e, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			snap, err := p.Orchestrator().RefreshActive(cmd.Context())
			if err != nil {
				return err
			}
			writeTrafficTests(cmd.OutOrStdout(), snap.Tests)
			return nil
		},
	}
}

func newTrafficReadinessCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "readiness <ip>",
		Short: "Check that an address runs the test and monitoring agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()

			p, cleanup, err := openTraffic(cmd.Context(), e, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := p.Orchestrator().CheckReadiness(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := newTabWriter(cmd.OutOrStdout())
			fmt.Fprintf(tw, "Address\t%s\n", res.IP)
			fmt.Fprintf(tw, "Ready\t%t\n", res.Ready)
			fmt.Fprintf(tw, "node_exporter\t%t\n", res.NodeExporterRunning)
			fmt.Fprintf(tw, "iperf3\t%t\n", res.IPerf3Running)
			fmt.Fprintf(tw, "Metrics\t%d\n", res.MetricsCount)
			if res.Error != "" {
				fmt.Fprintf(tw, "Error\t%s\n", res.Error)
			}
			return tw.Flush()
		},
	}
}
