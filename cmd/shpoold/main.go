// Command shpoold is the long-lived per-user daemon: it loads configuration,
// binds the control socket, and serves Attach/Detach/Kill/List/SessionMessage
// requests until terminated.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shell-pool/shpool-sub002/internal/config"
	"github.com/shell-pool/shpool-sub002/internal/daemon"
	"github.com/shell-pool/shpool-sub002/internal/shpoolog"
)

func main() {
	var (
		configPath = flag.String("config", defaultConfigPath(), "path to shpool.toml")
		socketPath = flag.String("socket", "", "override the control socket path")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
		logFile    = flag.String("log-file", "", "log file path (empty logs to stderr)")
	)
	flag.Parse()

	if err := shpoolog.Init(*logLevel, *logFile); err != nil {
		fmt.Fprintf(os.Stderr, "shpoold: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		shpoolog.Error("load config", "err", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaultSocketPath()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0700); err != nil {
		shpoolog.Error("create socket dir", "err", err)
		os.Exit(1)
	}

	d := daemon.NewDaemon(&cfg, nil)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sig
		shpoolog.Info("shpoold: shutting down")
		os.Remove(cfg.SocketPath)
		os.Exit(0)
	}()

	if err := d.ListenAndServe(cfg.SocketPath); err != nil {
		shpoolog.Error("serve", "err", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "shpool", "config.toml")
	}
	return ""
}

func defaultSocketPath() string {
	if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" {
		return filepath.Join(rt, "shpool", "shpool.socket")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("shpool-%d", os.Getuid()), "shpool.socket")
}
