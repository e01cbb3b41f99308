// Command adslot runs the ad-delivery runtime against a live page.
//
// Usage:
//
//	adslot -config adslot.yaml                     # page, control API and store from config
//	adslot -config adslot.yaml -url https://...    # override the page to drive
//	adslot -config adslot.yaml -mcp                # also serve the MCP tools on stdio
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/adslot/adslot"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to adslot.yaml config file")
	pageURL := flag.String("url", "", "page to drive (overrides browser.url)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	serveMCP := flag.Bool("mcp", false, "serve the MCP tools over stdin/stdout")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *pageURL, *serveMCP); err != nil {
		logger.Error("adslot: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, pageURL string, serveMCP bool) error {
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: adslot -config <file> [-url <url>] [-mcp]")
		os.Exit(2)
	}
	cfg, err := adslot.LoadConfig(configPath)
	if err != nil {
		return err
	}

	d := adslot.NewDaemon(cfg, logger)
	defer d.Close()
	if err := d.Start(ctx, pageURL); err != nil {
		return err
	}

	if serveMCP {
		srv := mcp.NewServer(&mcp.Implementation{Name: "adslot", Version: version}, nil)
		d.Runtime().RegisterMCP(srv)
		go func() {
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Warn("adslot: mcp server stopped", "error", err)
			}
		}()
	}

	return d.Run(ctx)
}
