package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ProctorStream/internal/apiclient"
	"ProctorStream/internal/audit"
	"ProctorStream/internal/config"
	"ProctorStream/internal/store"
)

type exportOptions struct {
	server    string
	format    string
	output    string
	fromStore bool
}

func newExportCmd(root *rootOptions) *cobra.Command {
	opts := &exportOptions{}

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write a session's audit record as YAML or JSON",
		Long: `export fetches a session's audit record from a running server, or with
--from-store reads it directly from the configured storage backend, which
also covers sessions already removed from memory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := audit.ParseFormat(opts.format)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.output != "" {
				f, err := os.Create(opts.output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			if opts.fromStore {
				return exportFromStore(cmd.Context(), out, root, args[0], format)
			}
			return exportFromServer(cmd.Context(), out, opts.server, args[0], format)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8080", "base URL of the proctorstream HTTP server")
	f.StringVarP(&opts.format, "format", "f", "yaml", "output format (yaml, json)")
	f.StringVarP(&opts.output, "output", "o", "", "write to file instead of stdout")
	f.BoolVar(&opts.fromStore, "from-store", false, "read the session from the configured store instead of the server")
	return cmd
}

func exportFromServer(ctx context.Context, out io.Writer, server, id string, format audit.Format) error {
	return apiclient.New(server, nil).Export(ctx, id, string(format), out)
}

func exportFromStore(ctx context.Context, out io.Writer, root *rootOptions, id string, format audit.Format) error {
	cfg, err := config.Load(root.configFile)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sess, err := st.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}
	return audit.Render(out, sess, format)
}
