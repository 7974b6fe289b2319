package main

import (
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"codex-relay/internal/account"
	"codex-relay/internal/config"
	"codex-relay/internal/events"
	"codex-relay/internal/pool"
	"codex-relay/internal/proxy"
	"codex-relay/internal/store"
	"codex-relay/internal/transport"
	"codex-relay/internal/usage"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	logHandler := events.NewLogHandler(events.ParseLevel(cfg.LogLevel), 500)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("codex-relay starting", "version", version)

	proxyCfg := config.NewProxyConfigStore(cfg.ManagerDir)

	accounts := account.NewFileStore(cfg.CodexDir)

	upstream, err := transport.NewUpstreamClient(cfg.OutboundProxy)
	if err != nil {
		slog.Error("upstream transport init failed", "error", err)
		os.Exit(1)
	}

	refresher := account.NewRefresher(accounts, &http.Client{Timeout: cfg.RefreshTimeout})

	accountPool := pool.New(accounts, refresher, cfg.RefreshAdvance, cfg.RefreshTimeout)
	if err := accountPool.Reload(); err != nil {
		slog.Error("account load failed", "error", err)
		os.Exit(1)
	}
	st := accountPool.Status()
	slog.Info("account pool ready", "accounts", st.Total)

	var sink *store.SQLiteSink
	if err := os.MkdirAll(cfg.ManagerDir, 0o755); err != nil {
		slog.Error("create manager dir failed", "error", err)
		os.Exit(1)
	}
	sink, err = store.Open(filepath.Join(cfg.ManagerDir, "proxy_logs.db"))
	if err != nil {
		slog.Error("log database init failed", "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	reader := usage.NewReader(accountPool, &http.Client{
		Transport: upstream.Transport,
		Timeout:   30 * time.Second,
	})

	srv := proxy.NewServer(proxy.Options{
		Config:   cfg,
		ProxyCfg: proxyCfg,
		Accounts: accounts,
		Pool:     accountPool,
		Sink:     sink,
		Usage:    reader,
		Logs:     logHandler,
		Client:   upstream,
	})

	if err := srv.Start(cfg.Port); err != nil {
		slog.Error("proxy start failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig.String())

	if err := srv.Stop(); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}
