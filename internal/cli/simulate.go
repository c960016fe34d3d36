package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ProctorStream/internal/apiclient"
	"ProctorStream/internal/loadtest"
	"ProctorStream/internal/logger"
)

type simulateOptions struct {
	server    string
	sessionID string
	name      string
	email     string
	duration  time.Duration
	frames    int
	interval  time.Duration
	frameSize int
	seed      uint64
	keepOpen  bool
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Stream synthetic candidate frames to a running server",
		Long: `simulate plays the candidate side of a session: it creates a session over
REST unless --session is given, joins the candidate websocket and pushes
seeded pseudo-random frames, then ends the stream cleanly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulate(ctx, cmd.OutOrStdout(), root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8080", "base URL of the proctorstream HTTP server")
	f.StringVar(&opts.sessionID, "session", "", "existing session id (a new session is created when empty)")
	f.StringVar(&opts.name, "name", "Simulated Candidate", "candidate name for a new session")
	f.StringVar(&opts.email, "email", "candidate@example.com", "candidate email for a new session")
	f.DurationVar(&opts.duration, "duration", 60*time.Minute, "scheduled duration for a new session")
	f.IntVar(&opts.frames, "frames", 30, "number of frames to push")
	f.DurationVar(&opts.interval, "interval", 200*time.Millisecond, "delay between frames")
	f.IntVar(&opts.frameSize, "frame-size", 2048, "payload bytes per frame")
	f.Uint64Var(&opts.seed, "seed", 1, "payload generator seed")
	f.BoolVar(&opts.keepOpen, "keep-open", false, "keep the stream open after the last frame until the session ends")
	return cmd
}

func runSimulate(ctx context.Context, out io.Writer, root *rootOptions, opts *simulateOptions) error {
	log := logger.New(io.Discard, "info", "text")
	if root.logLevel != "" {
		log = logger.InitLogger(root.logLevel, root.logFormat)
	}

	if opts.frames < 0 || opts.frameSize <= 0 {
		return fmt.Errorf("frames must be >= 0 and frame-size > 0")
	}

	api := apiclient.New(opts.server, nil)
	wsURL, err := api.CandidateURL()
	if err != nil {
		return err
	}

	id := opts.sessionID
	if id == "" {
		created, err := api.CreateSession(ctx, opts.name, opts.email, opts.duration)
		if err != nil {
			return err
		}
		id = created
		fmt.Fprintf(out, "created session %s\n", id)
	}

	res, err := loadtest.RunCandidate(ctx, wsURL, id, loadtest.CandidateConfig{
		Frames:        opts.frames,
		FrameInterval: opts.interval,
		FrameSize:     opts.frameSize,
		Seed:          opts.seed,
		KeepOpen:      opts.keepOpen,
		OnFrame: func(seq uint64, err error) {
			if err != nil {
				fmt.Fprintf(out, "frame %d not sent: %v\n", seq, err)
			}
		},
	}, log)
	if err != nil {
		return fmt.Errorf("join session %s: %w", id, err)
	}
	fmt.Fprintf(out, "joined session %s in %s (resuming after seq %d)\n", id, res.JoinLatency.Round(time.Millisecond), res.ResumedAfter)
	fmt.Fprintf(out, "pushed %d frames\n", res.FramesSent)

	status := res.Status
	if status == "" {
		status = "unknown"
	}
	fmt.Fprintf(out, "session %s ended: status=%s reason=%q reconnects=%d\n", id, status, res.Reason, res.Reconnects)
	if res.AvgRTT > 0 {
		fmt.Fprintf(out, "average heartbeat rtt %s over %d samples\n", res.AvgRTT.Round(time.Microsecond), len(res.RTTs))
	}
	return nil
}
