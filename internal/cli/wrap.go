package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/tapguard/tapguard/internal/audit"
	"github.com/tapguard/tapguard/internal/config"
	"github.com/tapguard/tapguard/internal/emit"
	"github.com/tapguard/tapguard/internal/guard"
	"github.com/tapguard/tapguard/internal/metrics"
	"github.com/tapguard/tapguard/internal/rpc"
	"github.com/tapguard/tapguard/internal/scan"
	"github.com/tapguard/tapguard/internal/transport"
)

func wrapCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "wrap [flags] [-- COMMAND [ARGS...]]",
		Short: "Wrap an MCP server, scanning inbound messages",
		Long: `Connects to an MCP server (a subprocess speaking stdio, or a WebSocket
endpoint from config) and bridges it to stdin/stdout, scanning every
message coming from the server before it reaches the client.

A command after -- overrides upstream.command from the config file.

Examples:
  tapguard wrap --config tapguard.yaml
  tapguard wrap --config tapguard.yaml -- npx -y @modelcontextprotocol/server-filesystem /tmp

Claude Desktop config:
  {
    "mcpServers": {
      "filesystem": {
        "command": "tapguard",
        "args": ["wrap", "-c", "/etc/tapguard.yaml", "--", "npx", "-y",
                 "@modelcontextprotocol/server-filesystem", "/tmp"]
      }
    }
  }`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefault(configFile)
			if err != nil {
				return err
			}
			if dashIdx := cmd.ArgsLenAtDash(); dashIdx >= 0 && dashIdx < len(args) {
				cfg.Upstream = config.UpstreamConfig{Command: args[dashIdx:]}
			}
			if len(cfg.Upstream.Command) == 0 && cfg.Upstream.URL == "" {
				return errors.New("no upstream configured (set upstream in config or pass a command after --)")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runWrap(ctx, cfg, configFile, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")

	return cmd
}

// policyState holds the hot-reloadable policy settings behind the hooks.
type policyState struct {
	mu     sync.RWMutex
	mode   string
	bypass map[string]bool
}

func newPolicyState(pc config.PolicyConfig) *policyState {
	p := &policyState{}
	p.update(pc)
	return p
}

func (p *policyState) update(pc config.PolicyConfig) {
	bypass := make(map[string]bool, len(pc.BypassMethods))
	for _, m := range pc.BypassMethods {
		bypass[m] = true
	}
	p.mu.Lock()
	p.mode = pc.Mode
	p.bypass = bypass
	p.mu.Unlock()
}

func (p *policyState) hooks() guard.Hooks {
	return guard.Hooks{
		ShouldScan: func(_ context.Context, hc *guard.HookContext) (bool, error) {
			var method string
			switch m := hc.Message.(type) {
			case *rpc.Request:
				method = m.Method
			case *rpc.Notification:
				method = m.Method
			default:
				return true, nil
			}
			p.mu.RLock()
			defer p.mu.RUnlock()
			return !p.bypass[method], nil
		},
		OnAfterScan: func(_ context.Context, hc *guard.HookContext) (guard.AfterScanResult, error) {
			p.mu.RLock()
			defer p.mu.RUnlock()
			// Audit mode observes verdicts but never blocks.
			return guard.AfterScanResult{Passthrough: p.mode == config.ModeAudit}, nil
		},
	}
}

func runWrap(ctx context.Context, cfg *config.Config, configPath string, stderr io.Writer) error {
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.Sentry.DSN,
			Release: "tapguard@" + Version,
		}); err != nil {
			fmt.Fprintf(stderr, "tapguard: sentry init failed: %v\n", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	logger, err := audit.New(cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.File, cfg.Logging.IncludeForwarded)
	if err != nil {
		return fmt.Errorf("initializing audit log: %w", err)
	}
	defer logger.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.PrometheusHandler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(stderr, "tapguard: metrics listener: %v\n", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sinks, err := buildSinks(cfg.Emit)
	if err != nil {
		return err
	}
	emitter := emit.NewEmitter(emit.DefaultInstanceID(), sinks...)
	defer func() { _ = emitter.Close() }()

	client := scan.NewHTTPClient(cfg.Scan.URL, scan.HTTPOptions{
		APIKey:            cfg.Scan.ResolveAPIKey(),
		Timeout:           time.Duration(cfg.Scan.TimeoutSeconds) * time.Second,
		MaxCallsPerSecond: cfg.Scan.MaxCallsPerSecond,
	})

	var upstream transport.Transport
	if len(cfg.Upstream.Command) > 0 {
		upstream, err = transport.NewSubprocessTransport(cfg.Upstream.Command, stderr)
		if err != nil {
			return fmt.Errorf("starting upstream: %w", err)
		}
	} else {
		upstream = transport.NewWSTransport(cfg.Upstream.URL)
	}

	policy := newPolicyState(cfg.Policy)
	guarded, err := guard.Wrap(upstream, client, guard.Config{
		Hooks:   policy.hooks(),
		Logger:  logger,
		Metrics: m,
		Emitter: emitter,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Bridge: the local client speaks newline-delimited JSON-RPC on our
	// stdin/stdout; the guarded transport speaks to the server.
	local := transport.NewStdioTransport(os.Stdin, os.Stdout)
	local.SetOnMessage(func(msg rpc.Message) {
		if err := guarded.Send(ctx, msg); err != nil {
			fmt.Fprintf(stderr, "tapguard: forwarding to server: %v\n", err)
		}
	})
	local.SetOnError(func(err error) { logger.LogTransportError(err) })
	local.SetOnClose(func() { cancel() })

	guarded.SetOnMessage(func(msg rpc.Message) {
		if err := local.Send(ctx, msg); err != nil {
			fmt.Fprintf(stderr, "tapguard: forwarding to client: %v\n", err)
		}
	})
	guarded.SetOnError(func(err error) {
		// The wrapper has already audited the error; surface it so the
		// operator sees why a message never arrived.
		fmt.Fprintf(stderr, "tapguard: %v\n", err)
		sentry.CaptureException(err)
	})
	guarded.SetOnClose(func() { cancel() })

	if err := guarded.Start(ctx); err != nil {
		return fmt.Errorf("starting guarded transport: %w", err)
	}
	defer func() { _ = guarded.Close() }()
	if err := local.Start(ctx); err != nil {
		return fmt.Errorf("starting stdio bridge: %w", err)
	}
	defer func() { _ = local.Close() }()

	if configPath != "" {
		go watchConfig(ctx, configPath, cfg, policy, emitter, stderr)
	}

	mode := "subprocess"
	if cfg.Upstream.URL != "" {
		mode = "websocket"
	}
	logger.LogStartup(mode)
	emitter.Emit(ctx, "startup", map[string]any{"mode": mode})

	<-ctx.Done()
	logger.LogShutdown("context cancelled")
	emitter.Emit(context.Background(), "shutdown", nil)
	return nil
}

// watchConfig hot-reloads policy settings and emit sinks on config change.
// Everything else is fixed at startup; ValidateReload names what was not
// applied.
func watchConfig(ctx context.Context, path string, current *config.Config, policy *policyState, emitter *emit.Emitter, stderr io.Writer) {
	reloader := config.NewReloader(path)
	defer reloader.Close()

	go func() {
		if err := reloader.Start(ctx); err != nil {
			fmt.Fprintf(stderr, "tapguard: config watcher: %v\n", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case updated, ok := <-reloader.Changes():
			if !ok {
				return
			}
			for _, w := range config.ValidateReload(current, updated) {
				fmt.Fprintf(stderr, "tapguard: config reload: %s not applied: %s\n", w.Field, w.Reason)
			}
			policy.update(updated.Policy)

			sinks, err := buildSinks(updated.Emit)
			if err != nil {
				fmt.Fprintf(stderr, "tapguard: config reload: keeping old emit sinks: %v\n", err)
			} else {
				for _, old := range emitter.ReloadSinks(sinks) {
					_ = old.Close()
				}
			}

			current = updated
			emitter.Emit(ctx, "config_reload", map[string]any{"policy_mode": updated.Policy.Mode})
		}
	}
}

// buildSinks constructs the configured emission sinks.
func buildSinks(ec config.EmitConfig) ([]emit.Sink, error) {
	var sinks []emit.Sink

	if ec.Webhook.URL != "" {
		var opts []emit.WebhookOption
		opts = append(opts, emit.WithMinSeverity(emit.ParseSeverity(ec.Webhook.MinSeverity)))
		if ec.Webhook.Token != "" {
			opts = append(opts, emit.WithBearerToken(ec.Webhook.Token))
		}
		if ec.Webhook.QueueSize > 0 {
			opts = append(opts, emit.WithQueueSize(ec.Webhook.QueueSize))
		}
		if ec.Webhook.TimeoutSeconds > 0 {
			opts = append(opts, emit.WithWebhookTimeout(time.Duration(ec.Webhook.TimeoutSeconds)*time.Second))
		}
		sinks = append(sinks, emit.NewWebhookSink(ec.Webhook.URL, opts...))
	}

	if ec.Syslog.Address != "" {
		sink, err := emit.NewSyslogSinkFromConfig(ec.Syslog.Address, ec.Syslog.Facility, ec.Syslog.Tag, ec.Syslog.MinSeverity)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, fmt.Errorf("configuring syslog sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	return sinks, nil
}
