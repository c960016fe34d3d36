package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"ProctorStream/internal/config"
	"ProctorStream/internal/detection"
	"ProctorStream/internal/grpcserver"
	"ProctorStream/internal/httpserver"
	"ProctorStream/internal/logger"
	"ProctorStream/internal/notify"
	"ProctorStream/internal/session"
	"ProctorStream/internal/store"
	"ProctorStream/internal/streamserver"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST, websocket and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch-config", true, "reload session tunables when the config file changes")
	return cmd
}

// loadConfig 加载配置并初始化全局日志
func (o *rootOptions) loadConfig(watch bool) (*config.Manager, *config.Config, *slog.Logger, error) {
	mgr := config.NewManager(config.WithPath(o.configFile), config.WithWatchEnabled(watch))
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if o.logLevel != "" {
		level = o.logLevel
	}
	if o.logFormat != "" {
		format = o.logFormat
	}
	return mgr, cfg, logger.InitLogger(level, format), nil
}

// app serve 命令装配的全部组件
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	mqtt     mqtt.Client
	registry *session.Registry
	stream   *streamserver.Server
	api      *httpserver.APIServer
	grpc     *grpc.Server
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, logger: log, store: st}

	var sinks []session.Sink
	if cfg.MQTT.Enabled {
		client, err := notify.Connect(cfg.MQTT, log)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connect mqtt: %w", err)
		}
		a.mqtt = client
		sinks = append(sinks, notify.NewMQTTSink(client, cfg.MQTT, log))
	}

	detector := cfg.Detector()
	a.registry = session.NewRegistry(session.Options{
		Store:    st,
		Detector: detector,
		Tuning:   cfg.Tuning(),
		Logger:   log,
		Sinks:    sinks,
	})
	a.stream = streamserver.New(cfg.StreamConfig(), a.registry, log)
	a.api = httpserver.NewAPIServer(cfg.HTTPConfig(), a.registry, detection.NewAdapter(detector, cfg.DetectionConfig(), log), a.stream, log)
	if cfg.Server.GRPCAddr != "" {
		a.grpc = grpcserver.NewServer(a.registry, log)
		reflection.Register(a.grpc)
	}
	return a, nil
}

func runServe(ctx context.Context, root *rootOptions, watch bool) error {
	mgr, cfg, log, err := root.loadConfig(watch)
	if err != nil {
		return err
	}
	if file := mgr.ConfigFile(); file != "" {
		log.Info("config loaded", "file", file)
	}

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	mgr.OnChange(func(c *config.Config) {
		a.registry.SetTuning(c.Tuning())
		log.Info("session tuning updated",
			"channel_capacity", c.Session.ChannelCapacity,
			"debounce_window", c.Alert.DebounceWindow,
			"retry_budget", c.Detection.RetryBudget)
	})

	errCh := make(chan error, 2)
	go func() {
		if err := a.api.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.grpc != nil {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			a.shutdown(cfg.Server.ShutdownGrace)
			return fmt.Errorf("listen grpc: %w", err)
		}
		go func() {
			log.Info("starting gRPC server", "addr", lis.Addr().String())
			if err := a.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-errCh:
		log.Error("server failed", "error", runErr)
	}

	a.shutdown(cfg.Server.ShutdownGrace)
	return runErr
}

// shutdown 先终止所有会话再关闭传输层，候选人和观察者都能收到终止事件
func (a *app) shutdown(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := a.registry.Shutdown(ctx); err != nil {
		a.logger.Warn("registry shutdown incomplete", "error", err)
	}
	if err := a.stream.Shutdown(ctx); err != nil {
		a.logger.Warn("stream server shutdown incomplete", "error", err)
	}
	if err := a.api.Shutdown(ctx); err != nil {
		a.logger.Warn("http server shutdown incomplete", "error", err)
	}

	if a.grpc != nil {
		done := make(chan struct{})
		go func() {
			a.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.grpc.Stop()
		}
	}

	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
	a.logger.Info("shutdown complete")
}
