package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	"ProctorStream/internal/grpcserver"
)

type watchOptions struct {
	addr string
	list bool
}

func newWatchCmd(_ *rootOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Follow a session's events over gRPC",
		Long: `watch subscribes to a session through the gRPC observer API and prints one
JSON line per event until the session's terminal event. With --list it prints
the session summaries instead.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("connect to %s: %w", opts.addr, err)
			}
			defer conn.Close()

			client := grpcserver.NewClient(conn)
			if opts.list {
				return listSessions(ctx, cmd.OutOrStdout(), client)
			}
			return watchSession(ctx, cmd.OutOrStdout(), client, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.addr, "grpc", "localhost:9090", "address of the gRPC observer API")
	cmd.Flags().BoolVar(&opts.list, "list", false, "list sessions instead of watching one")
	return cmd
}

func watchSession(ctx context.Context, out io.Writer, client *grpcserver.Client, id string) error {
	stream, err := client.WatchSession(ctx, id)
	if err != nil {
		return fmt.Errorf("watch %s: %w", id, err)
	}

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("watch %s: %w", id, err)
		}

		line, err := protojson.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		fmt.Fprintln(out, string(line))
	}
}

func listSessions(ctx context.Context, out io.Writer, client *grpcserver.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	list, err := client.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(list.Values) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-9s  %6s  %s\n", "ID", "STATUS", "ALERTS", "CANDIDATE")
	for _, v := range list.Values {
		f := v.GetStructValue().GetFields()
		fmt.Fprintf(out, "%-36s  %-9s  %6.0f  %s\n",
			f["id"].GetStringValue(),
			f["status"].GetStringValue(),
			f["alert_count"].GetNumberValue(),
			f["candidate_name"].GetStringValue())
	}
	return nil
}
