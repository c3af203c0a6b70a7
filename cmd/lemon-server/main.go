// Copyright 2024 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// lemon-server is the gateway's entrypoint: it wires the registry, router,
// and realtime manager behind an http.ServeMux and serves until asked to
// stop. Grounded on cmd/discord-bot/main.go's mainImpl() shape — flag
// parsing, YAML config load, signal.NotifyContext-based shutdown — adapted
// from a Discord bot's wiring to the gateway's.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lemon-gateway/lemon/internal"
	"github.com/lemon-gateway/lemon/realtime"
	"github.com/lemon-gateway/lemon/registry"
	"github.com/lemon-gateway/lemon/router"
	"github.com/lemon-gateway/lemon/sysinfo"
)

func commit() string { return internal.Commit() }

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	programLevel := &slog.LevelVar{}
	internal.InitLog(programLevel)

	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	configPath := flag.String("config", "config.yml", "Configuration file. Created with defaults if missing.")
	host := flag.String("host", "", "Override the configured bind host")
	port := flag.Int("port", 0, "Override the configured bind port")
	maxLoaded := flag.String("max-loaded-models", "", `Override max_loaded_models: "N" or "N N N" or "N N N N" or "N N N N N" (LLM, embedding, reranking, audio, image)`)
	verbose := flag.Bool("v", false, "Enable verbose logging")
	versionFlag := flag.Bool("version", false, "Print version then exit")
	flag.Parse()
	if len(flag.Args()) != 0 {
		return errors.New("unexpected argument")
	}
	if *versionFlag {
		fmt.Printf("lemon-server %s\n", commit())
		return nil
	}
	if *verbose {
		programLevel.Set(slog.LevelDebug)
	}

	var cfg config
	if err := cfg.loadOrDefault(*configPath); err != nil {
		return err
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *maxLoaded != "" {
		cfg.MaxLoaded = *maxLoaded
	}
	caps, err := parseMaxLoadedModels(cfg.MaxLoaded)
	if err != nil {
		return err
	}

	if !filepath.IsAbs(cfg.CacheDir) {
		cfg.CacheDir = filepath.Join(wd, cfg.CacheDir)
	}
	if !filepath.IsAbs(cfg.InstallDir) {
		cfg.InstallDir = filepath.Join(wd, cfg.InstallDir)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.InstallDir, 0o755); err != nil {
		return err
	}

	oracle, err := sysinfo.Probe(filepath.Join(cfg.CacheDir, "system_info.json"))
	if err != nil {
		return err
	}
	resolver, err := registry.NewResolver(oracle, filepath.Join(os.Getenv("HOME"), ".cache", "huggingface", "hub"), filepath.Join(cfg.CacheDir, "user_models.json"))
	if err != nil {
		return err
	}

	rt := router.New(resolver, router.Config{
		Caps:         caps,
		CacheDir:     cfg.CacheDir,
		InstallDir:   cfg.InstallDir,
		ContextSize:  cfg.ContextSize,
		Variant:      cfg.Variant,
		DoNotUpgrade: cfg.DoNotUpgrade,
	})

	logFile := filepath.Join(cfg.CacheDir, "lemon-server.log")
	srv := &server{
		log:      slog.Default(),
		resolver: resolver,
		rt:       rt,
		rtMgr:    realtime.NewManager(&realtimeTranscriber{rt: rt}, 4),
		cacheDir: cfg.CacheDir,
		logFile:  logFile,
		started:  time.Now(),
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.newMux(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("main", "message", "listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("main", "message", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("main", "message", "HTTP shutdown error", "err", err)
	}
	srv.rtMgr.Shutdown()
	if err := rt.UnloadAll(shutdownCtx); err != nil {
		slog.Warn("main", "message", "failed to unload all models cleanly", "err", err)
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "\nlemon-server: %v\n", err.Error())
		os.Exit(1)
	}
}
