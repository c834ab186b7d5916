package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"

	"github.com/rendis/tokaysec/internal/envelope"
	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/pkg/mcp"
)

const defaultConfigPath = "tokaysec.toml"

const usage = `usage: tokaysec <command> [flags]

commands:
  serve     run the HTTP API and retention jobs
  migrate   apply database migrations and exit
  mcp       serve MCP tools over stdio
  keygen    print a random base64 master key
  version   print the version
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	defer memguard.Purge()

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	switch args[0] {
	case "serve":
		return withConfig("serve", args[1:], runServe)
	case "migrate":
		return withConfig("migrate", args[1:], runMigrate)
	case "mcp":
		return withConfig("mcp", args[1:], runMCP)
	case "keygen":
		return runKeygen()
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "help", "--help", "-h":
		fmt.Fprint(os.Stdout, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

// withConfig parses the common flags, loads configuration and runs fn with a
// context cancelled on SIGINT or SIGTERM.
func withConfig(name string, args []string, fn func(context.Context, *Config, *slog.Logger) error) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the TOML config file (default: ./"+defaultConfigPath+" if present)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path, explicit := *configPath, *configPath != ""
	if !explicit {
		path = defaultConfigPath
	}
	cfg, err := loadConfig(path, explicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// MCP owns stdout, so logs always go to stderr.
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, cfg, logger); err != nil {
		logger.Error(name+" failed", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func runServe(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.startRetention(ctx); err != nil {
		return err
	}

	handler, err := a.httpHandler(ctx)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tokaysec listening", slog.String("addr", cfg.Server.ListenAddr), slog.String("version", version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMigrate(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	s, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("migrations applied", slog.String("driver", cfg.Storage.Driver))
	return nil
}

func runMCP(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := mcp.NewServer(mcp.ServerDeps{
		Service:   a.svc,
		Principal: cfg.MCP.Principal,
		Logger:    logger,
	})
	logger.Info("serving MCP over stdio", slog.String("principal", cfg.MCP.Principal))
	return srv.Serve(ctx)
}

func runKeygen() int {
	key, err := envelope.NewKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(base64.StdEncoding.EncodeToString(key))
	memguard.WipeBytes(key)
	return 0
}
