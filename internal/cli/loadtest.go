package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ProctorStream/internal/loadtest"
	"ProctorStream/internal/logger"
)

func newLoadTestCmd(root *rootOptions) *cobra.Command {
	cfg := loadtest.DefaultConfig("http://localhost:8080")
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Stream from many simulated candidates at once and report latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			level := root.logLevel
			if level == "" {
				level = "warn"
			}
			res, err := loadtest.New(cfg, logger.InitLogger(level, root.logFormat)).Run(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printLoadResult(out, res)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "server", cfg.BaseURL, "base URL of the proctorstream HTTP server")
	f.IntVarP(&cfg.Candidates, "candidates", "c", cfg.Candidates, "number of concurrent candidates")
	f.DurationVar(&cfg.RampUp, "ramp-up", cfg.RampUp, "spread candidate start over this period")
	f.DurationVar(&cfg.SessionDuration, "duration", cfg.SessionDuration, "scheduled duration of each session")
	f.BoolVar(&cfg.Observe, "observe", cfg.Observe, "attach a websocket observer to every session")
	f.IntVar(&cfg.Candidate.Frames, "frames", cfg.Candidate.Frames, "frames per candidate")
	f.DurationVar(&cfg.Candidate.FrameInterval, "interval", cfg.Candidate.FrameInterval, "delay between frames")
	f.IntVar(&cfg.Candidate.FrameSize, "frame-size", cfg.Candidate.FrameSize, "payload bytes per frame")
	f.Uint64Var(&cfg.Candidate.Seed, "seed", cfg.Candidate.Seed, "payload generator seed")
	f.BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printLoadResult(out io.Writer, r *loadtest.Result) {
	fmt.Fprintf(out, "candidates        %d (joined %d, completed %d, aborted %d, failed %d)\n",
		r.Candidates, r.Joined, r.Completed, r.Aborted, r.Failed)
	fmt.Fprintf(out, "duration          %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "frames            %d sent, %d failed, %.1f/s\n", r.FramesSent, r.FramesFailed, r.FramesPerSecond)
	fmt.Fprintf(out, "reconnects        %d\n", r.Reconnects)
	fmt.Fprintf(out, "observed events   %d (%d alerts, %d missed)\n", r.EventsObserved, r.AlertsObserved, r.MissedEvents)

	row := func(name string, s loadtest.LatencyStats) {
		if s.Count == 0 {
			return
		}
		fmt.Fprintf(out, "%-17s n=%d min=%.1fms avg=%.1fms p50=%.1fms p95=%.1fms p99=%.1fms max=%.1fms\n",
			name, s.Count, s.Min, s.Avg, s.P50, s.P95, s.P99, s.Max)
	}
	row("create latency", r.CreateLatency)
	row("join latency", r.JoinLatency)
	row("heartbeat rtt", r.RTT)

	for kind, n := range r.ErrorsByType {
		fmt.Fprintf(out, "errors[%s]  %d\n", kind, n)
	}
}
