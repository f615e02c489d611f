package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ArrHarper/harpMCP"
	"github.com/ArrHarper/harpMCP/internal/config"
	"github.com/ArrHarper/harpMCP/servers/docs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	app := &cli.Command{
		Name:  "harpmcp",
		Usage: "Serve API documentation to MCP clients",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a YAML or TOML config file"},
		},
		Commands: []*cli.Command{
			serveCmd(),
			topicsCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the MCP server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "transport", Usage: "Transport to serve on: stdio or sse"},
			&cli.StringFlag{Name: "addr", Usage: "Listen address of the sse transport"},
			&cli.StringFlag{Name: "docs-root", Usage: "Directory holding the documentation files"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, logger)
		},
	}
}

func topicsCmd() *cli.Command {
	return &cli.Command{
		Name:  "topics",
		Usage: "Print the documentation topics and their URLs",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			vocab, err := vocabulary(cfg)
			if err != nil {
				return err
			}
			for _, topic := range vocab.Topics() {
				_, docURL, _ := vocab.Resolve(string(topic))
				marker := " "
				if topic == vocab.Default() {
					marker = "*"
				}
				fmt.Fprintf(os.Stdout, "%s %s\t%s\n", marker, topic, docURL)
			}
			return nil
		},
	}
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}

	if cmd.IsSet("transport") {
		cfg.Server.Transport = cmd.String("transport")
	}
	if cmd.IsSet("addr") {
		cfg.Server.Addr = cmd.String("addr")
	}
	if cmd.IsSet("docs-root") {
		cfg.Docs.Root = cmd.String("docs-root")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	// stdout carries the protocol on the stdio transport.
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func vocabulary(cfg config.Config) (*docs.Vocabulary, error) {
	if len(cfg.Topics.Entries) == 0 {
		return docs.NewVocabulary(docs.AuroraTopics, docs.AuroraDefaultTopic)
	}

	entries := make([]docs.TopicEntry, len(cfg.Topics.Entries))
	for i, e := range cfg.Topics.Entries {
		entries[i] = docs.TopicEntry{Topic: docs.Topic(e.Name), Key: docs.TopicKey(e.Key), URL: e.URL}
	}
	return docs.NewVocabulary(entries, docs.Topic(cfg.Topics.Default))
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	vocab, err := vocabulary(cfg)
	if err != nil {
		return fmt.Errorf("building topic vocabulary: %w", err)
	}

	resolver, err := docs.NewResolver(os.DirFS(cfg.Docs.Root), cfg.Docs.Preamble,
		docs.WithProduct(cfg.Docs.Product),
		docs.WithExclude(cfg.Docs.Exclude...),
		docs.WithResolverLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("creating resolver: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clientLog := docs.NewClientLog("docs")
	defer clientLog.Close()

	registry := docs.NewRegistry(
		docs.WithLogger(logger),
		docs.WithMetrics(docs.NewMetrics(promReg)),
		docs.WithClientLog(clientLog),
	)
	handlers := docs.NewHandlers(resolver, vocab, cfg.Docs.Product)
	if err := docs.Register(registry, handlers, docs.Options{
		Scheme:      cfg.Docs.Scheme,
		RemoteFetch: cfg.Docs.RemoteFetch,
	}); err != nil {
		return fmt.Errorf("registering handlers: %w", err)
	}

	pingInterval, err := cfg.PingInterval()
	if err != nil {
		return err
	}
	sendTimeout, err := cfg.SendTimeout()
	if err != nil {
		return err
	}

	var transport mcp.ServerTransport
	var httpSrv *http.Server
	// Ends the stdio transport's only session.
	clientGone := make(chan struct{}, 1)

	switch cfg.Server.Transport {
	case config.TransportSSE:
		sseSrv := mcp.NewSSEServer(cfg.Server.BaseURL+"/message", mcp.WithSSEServerLogger(logger))
		transport = sseSrv

		mux := http.NewServeMux()
		mux.Handle("/sse", sseSrv.HandleSSE())
		mux.Handle("/message", sseSrv.HandleMessage())
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		httpSrv = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
	default:
		transport = mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger))
	}

	srv := mcp.NewServer(mcp.Info{Name: cfg.Server.Name, Version: cfg.Server.Version}, transport,
		mcp.WithResourceServer(registry),
		mcp.WithToolServer(registry),
		mcp.WithPromptServer(registry),
		mcp.WithLogHandler(clientLog),
		mcp.WithServerPingInterval(pingInterval),
		mcp.WithServerSendTimeout(sendTimeout),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, client mcp.Info) {
			logger.Info("client connected",
				slog.String("sessionID", id),
				slog.String("client", client.Name),
				slog.String("clientVersion", client.Version))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
			if cfg.Server.Transport == config.TransportStdIO {
				select {
				case clientGone <- struct{}{}:
				default:
				}
			}
		}),
	)

	go srv.Serve()

	httpErrs := make(chan error, 1)
	if httpSrv != nil {
		go func() {
			logger.Info("serving sse", slog.String("addr", httpSrv.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrs <- err
			}
		}()
	} else {
		logger.Info("serving stdio")
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", slog.String("reason", context.Cause(ctx).Error()))
	case <-clientGone:
		logger.Info("client closed stdin, shutting down")
	case err := <-httpErrs:
		serveErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", slog.String("err", err.Error()))
		}
	}
	clientLog.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown mcp server", slog.String("err", err.Error()))
	}

	return serveErr
}
