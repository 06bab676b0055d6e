// Command askbatch runs question batches against a hosted chat UI through a
// headless Chrome and exports the scraped answers plus cited sources as CSV.
//
// Usage:
//
//	askbatch -config askbatch.yaml                  # HTTP panel + MCP stdio off
//	askbatch -listen :8470                          # HTTP panel only
//	askbatch -mcp                                   # serve MCP tools on stdio
//	askbatch -file questions.csv -label suite       # one-shot batch, then exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/askbatch/collector"
	"github.com/hazyhaar/askbatch/internal/browser"
	"github.com/hazyhaar/askbatch/internal/chatpage"
	"github.com/hazyhaar/askbatch/internal/driver"
	"github.com/hazyhaar/askbatch/internal/questions"
	"github.com/hazyhaar/askbatch/internal/registry"
	"github.com/hazyhaar/askbatch/dbopen"
	"github.com/hazyhaar/askbatch/observability"
	"github.com/hazyhaar/askbatch/panel"
	"github.com/hazyhaar/askbatch/relay"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to askbatch.yaml config file")
	listen := flag.String("listen", ":8470", "HTTP panel listen address (empty to disable)")
	mcpStdio := flag.Bool("mcp", false, "serve MCP tools on stdio instead of the HTTP panel")
	file := flag.String("file", "", "run one batch from a CSV question file, then exit")
	label := flag.String("label", "", "batch label for -file mode")
	chatURL := flag.String("chat-url", "", "chat front end URL (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *listen, *mcpStdio, *file, *label, *chatURL); err != nil && ctx.Err() == nil {
		logger.Error("askbatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, listen string, mcpStdio bool, file, label, chatURL string) error {
	cfg, err := collector.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if chatURL != "" {
		cfg.ChatURL = chatURL
	}
	cfg.Browser.Logger = logger

	db, err := dbopen.Open(filepath.Join(cfg.DataDir, "askbatch.db"),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(registry.Schema),
		dbopen.WithSchema(observability.Schema),
	)
	if err != nil {
		return err
	}
	defer db.Close()
	store := registry.New(db)
	eventLog := observability.NewEventLogger(db)

	mgr := browser.NewManager(cfg.Browser)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	openPage := func(ctx context.Context) (driver.Page, func(), error) {
		tab, err := mgr.OpenChatTab(ctx, cfg.ChatURL)
		if err != nil {
			return nil, nil, err
		}
		return chatpage.New(tab, logger), func() { tab.Close() }, nil
	}

	bus := relay.New(logger)
	svc := collector.NewService(cfg, store, bus, openPage, logger,
		collector.WithEventLogger(eventLog))

	go func() {
		if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("askbatch: service loop", "error", err)
		}
	}()

	if file != "" {
		return runOnce(ctx, logger, bus, store, file, label)
	}

	if mcpStdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "askbatch", Version: version}, nil)
		svc.RegisterMCP(srv)
		logger.Info("askbatch: serving MCP on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	if listen == "" {
		<-ctx.Done()
		return nil
	}

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           panel.New(bus).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
	}()

	logger.Info("askbatch: panel listening", "addr", listen, "chat_url", cfg.ChatURL)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runOnce submits one batch and waits for its completion event.
func runOnce(ctx context.Context, logger *slog.Logger, bus *relay.Bus, store *registry.Store, file, label string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open questions: %w", err)
	}
	qs, err := questions.Load(f)
	f.Close()
	if err != nil {
		return err
	}
	if label == "" {
		label = filepath.Base(file)
	}

	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	res, err := bus.Call(ctx, relay.StartBatch{Label: label, Questions: qs})
	if err != nil {
		return err
	}
	snap := res.(relay.TaskSnapshot)
	logger.Info("askbatch: batch submitted", "task_id", snap.TaskID, "questions", len(qs))

	for {
		select {
		case <-ctx.Done():
			bus.Call(context.Background(), relay.StopBatch{TaskID: snap.TaskID})
			return ctx.Err()
		case ev := <-events:
			switch e := ev.(type) {
			case relay.Progress:
				logger.Info("askbatch: progress", "current", e.Current, "total", e.Total)
			case relay.Completion:
				if e.TaskID != snap.TaskID {
					continue
				}
				logger.Info("askbatch: batch done", "status", e.Status, "rows", e.RowCount)
				if e.Status == string(registry.StatusFailed) {
					return fmt.Errorf("batch failed: %s", e.Error)
				}
				return nil
			}
		}
	}
}
