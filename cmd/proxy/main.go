// Command proxy is the CLI entry point for the account-pool reverse proxy.
//
// Grounded on the teacher's flat main.go flag.Parse() entry point,
// generalized to honor spec.md 6's exit codes (0 clean shutdown, 1 config
// error, 2 DB migration failure, 64 invalid argument), which the teacher
// does not implement (it just log.Fatalf's).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/http2"

	"codex-pool-proxy/internal/adminapi"
	"codex-pool-proxy/internal/balancer"
	"codex-pool-proxy/internal/config"
	"codex-pool-proxy/internal/forwarder"
	"codex-pool-proxy/internal/logs"
	"codex-pool-proxy/internal/orchestrator"
	"codex-pool-proxy/internal/provider"
	"codex-pool-proxy/internal/store"
	"codex-pool-proxy/internal/token"
	"codex-pool-proxy/internal/writer"
)

// defaultUpstreamBase is the provider's upstream base URL for accounts with
// no base_url override.
const defaultUpstreamBase = "https://api.anthropic.com"

const (
	exitOK             = 0
	exitConfigError    = 1
	exitMigrationError = 2
	exitInvalidArgs    = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "./config.toml", "path to config.toml")
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flag.Args())
		return exitInvalidArgs
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	logWriter, err := logs.New(cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}
	defer logWriter.Close()
	log.SetOutput(io.MultiWriter(os.Stderr, logWriter))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Printf("db migration failure: %v", err)
		return exitMigrationError
	}
	defer st.Close()

	sessionStore, err := balancer.OpenSessionStore(cfg.SessionDBPath)
	if err != nil {
		log.Printf("db migration failure: %v", err)
		return exitMigrationError
	}
	defer sessionStore.Close()

	w := writer.New(st, writer.Options{
		FlushInterval: cfg.FlushInterval,
		BatchSize:     cfg.WriterBatchSize,
		HighWater:     cfg.WriterQueueHighWater,
		ShutdownGrace: cfg.WriterShutdownGrace,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	prov := provider.New(defaultUpstreamBase)
	bal := balancer.New(w, sessionStore, cfg.SessionTTL)
	bal.ResetRequestCountOnClear = cfg.RequestCountResetOn != config.ResetOnDayBoundary
	tokenMgr := token.New(cfg.OAuthClientID, w)
	fwd := forwarder.New(forwarder.Options{
		TotalTimeout:   cfg.RequestTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		IdleTimeout:    cfg.IdleTimeout,
	})

	orch := &orchestrator.Orchestrator{
		Provider:       prov,
		Store:          st,
		Balancer:       bal,
		Token:          tokenMgr,
		Forwarder:      fwd,
		Writer:         w,
		MaxAttempts:    cfg.MaxAttempts,
		TeeBufferBytes: cfg.TeeBufferBytes,
		StreamDrainCap: cfg.StreamDrainCap,
	}

	admin := &adminapi.Handler{Store: st, Writer: w, Logs: logWriter, AdminToken: cfg.AdminToken}

	mux := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if admin.Handles(r) {
			admin.ServeHTTP(rw, r)
			return
		}
		orch.ServeHTTP(rw, r)
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		log.Printf("http2 configuration failed, continuing HTTP/1.1 only: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled {
			mgr := &autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(cfg.TLSDomain),
				Cache:      autocert.DirCache(cfg.TLSCacheDir),
				Email:      cfg.TLSEmail,
			}
			srv.TLSConfig = mgr.TLSConfig()
			log.Printf("listening on %s (TLS via autocert for %s)", cfg.ListenAddr, cfg.TLSDomain)
			serveErr <- srv.ListenAndServeTLS("", "")
			return
		}
		log.Printf("listening on %s", cfg.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
			return exitConfigError
		}
	case <-sigCh:
		log.Printf("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown error: %v", err)
		}
	}

	w.Shutdown()
	return exitOK
}
