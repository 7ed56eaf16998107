package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/net/http2"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to config.toml")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	file, err := loadConfigFile(*configPath)
	if err != nil {
		log.Printf("warning: failed to load %s: %v", *configPath, err)
	}
	cfg, cfgErrs := resolveConfig(file)
	for _, e := range cfgErrs {
		log.Printf("config: %v", e)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	storePath, err := ResolveStorePath(cfg.AccountsPath, cfg.PerProjectAccounts, "", os.Getenv("CODEX_MUX_WORKTREE"))
	if err != nil {
		log.Fatalf("resolve store path: %v", err)
	}
	store := NewAccountStore(storePath)
	snap, err := store.Load()
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}
	log.Printf("loaded %d accounts from %s", len(snap.Accounts), storePath)
	if len(snap.Accounts) == 0 {
		log.Printf("warning: account pool is empty; add accounts via POST /admin/accounts")
	}

	noteVersion(filepath.Join(filepath.Dir(storePath), "update-check.json"))

	audit, err := newAuditLog(cfg.DBPath, cfg.AuditRetentionDays)
	if err != nil {
		log.Fatalf("open audit log: %v", err)
	}
	defer audit.Close()

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		log.Fatalf("invalid upstream_url %q: %v", cfg.UpstreamURL, err)
	}

	standard := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second, // TCP keepalives to prevent NAT/router timeouts
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0, // per-request timeouts depend on streaming
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
	}
	_ = http2.ConfigureTransport(standard)
	transport := newFingerprintTransport(standard, upstream.Host, "auth.openai.com")

	refresher := newTokenRefresher(transport, 30*time.Second)
	queue := newRefreshQueue(refresher.refresh)
	health := newHealthTracker(defaultHealthConfig())
	bucket := newTokenBucket(defaultBucketConfig())
	breaker := newCircuitBreaker(defaultBreakerConfig())
	m := newMetrics()
	recent := newRecentErrors(50, cfg.RateLimitToastDebounce)

	disp := newDispatcher(cfg, store, health, bucket, breaker, queue, m, recent, audit, transport)

	srvHandler := &muxServer{
		cfg:        cfg,
		store:      store,
		dispatcher: disp,
		health:     health,
		bucket:     bucket,
		breaker:    breaker,
		queue:      queue,
		metrics:    m,
		recent:     recent,
		audit:      audit,
		startTime:  time.Now(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rl := newRefreshLoop(store, queue, cfg.TokenRefreshSkew)
	rl.debug = cfg.Debug
	go rl.run(ctx)

	if cfg.ParallelProbing {
		probeURL := *upstream
		probeURL.Path = "/backend-api/wham/usage"
		probeURL.RawQuery = ""
		pr := newProber(store, health, transport, probeURL.String(), cfg.ParallelProbingMaxConcurrency)
		pr.debug = cfg.Debug
		go pr.run(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srvHandler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute, // keep connections alive for reuse
	}

	// Configure HTTP/2 with settings sized for long SSE streams.
	http2Srv := &http2.Server{
		MaxConcurrentStreams:         250,
		IdleTimeout:                  5 * time.Minute,
		MaxUploadBufferPerConnection: 1 << 20,
		MaxUploadBufferPerStream:     1 << 20,
		MaxReadFrameSize:             1 << 20,
	}
	if err := http2.ConfigureServer(srv, http2Srv); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	go func() {
		<-ctx.Done()
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("codex-mux %s listening on %s (accounts=%d, upstream=%s, codex_mode=%v)",
		appVersion, cfg.ListenAddr, len(snap.Accounts), upstream.Host, cfg.CodexMode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}

	// One last write so cooldowns and the reset ledger survive restarts.
	err = store.WithinTransaction(func(snap *StoreSnapshot, persist func() error) error {
		return persist()
	})
	if err != nil {
		log.Printf("final account save: %v", err)
	}
}
