// Package main provides the entry point for the anyrouter-pool proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/WYQ425/anyrouter-pool-go/internal/accounts"
	"github.com/WYQ425/anyrouter-pool-go/internal/admin"
	"github.com/WYQ425/anyrouter-pool-go/internal/apikeyvalidation"
	"github.com/WYQ425/anyrouter-pool-go/internal/browser"
	"github.com/WYQ425/anyrouter-pool-go/internal/checkin"
	"github.com/WYQ425/anyrouter-pool-go/internal/config"
	"github.com/WYQ425/anyrouter-pool-go/internal/metrics"
	"github.com/WYQ425/anyrouter-pool-go/internal/middleware"
	"github.com/WYQ425/anyrouter-pool-go/internal/proxy"
	"github.com/WYQ425/anyrouter-pool-go/internal/scheduler"
	"github.com/WYQ425/anyrouter-pool-go/internal/security"
	"github.com/WYQ425/anyrouter-pool-go/internal/siterouter"
	"github.com/WYQ425/anyrouter-pool-go/internal/wafcache"
	"github.com/WYQ425/anyrouter-pool-go/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("anyrouter-proxy %s\n", version.Full())
		return
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	cfg.Validate()
	printBanner()
	metrics.SetBuildInfo(version.Full(), version.GoVersion())

	if cfg.HTTPProxyURL != "" {
		if err := security.ValidateProxyURL(cfg.HTTPProxyURL, false); err != nil {
			log.Fatal().Err(err).Msg("Configured HTTP_PROXY failed validation")
		}
	}

	browserMgr := browser.NewManager(browser.Config{
		ProxyURL:     cfg.HTTPProxyURL,
		Headless:     cfg.Headless,
		BrowserPath:  cfg.BrowserPath,
		RestartAfter: time.Duration(cfg.BrowserRestartHours) * time.Hour,
	})

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := browserMgr.EnsureRunning(startupCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start browser")
	}
	startupCancel()

	wafCache := wafcache.New(browserMgr, wafcache.Config{
		TTL:           cfg.WAFCookieTTL,
		Settle:        time.Duration(cfg.WAFSettleMillis) * time.Millisecond,
		RefreshBefore: cfg.WAFPreRefreshLag,
		RetryInterval: cfg.WAFRetryInterval,
		WaiterTimeout: cfg.WAFWaiterTimeout,
	})

	accountPool, err := accounts.New(accounts.Config{
		Path:       cfg.AccountsPath,
		MaxFails:   cfg.MaxAccountFails,
		DisableFor: cfg.AccountDisableTime,
		HotReload:  cfg.AccountsHotReload,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load account pool")
	}
	defer accountPool.Stop()

	sites, err := siterouter.LoadSites(cfg.SitesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load sites")
	}
	if err := siterouter.ValidateSiteURLs(sites); err != nil {
		log.Fatal().Err(err).Msg("Configured site failed SSRF validation")
	}
	siteRouter, err := siterouter.New(sites, cfg.MaxSiteFails)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize site router")
	}
	primary := siteRouter.Current()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	wafURLs := make([]string, 0, len(sites))
	for _, s := range sites {
		if s.NeedWAF {
			wafURLs = append(wafURLs, s.URL)
		}
	}
	wafCache.StartBackgroundRefresh(bgCtx, wafURLs, cfg.WAFRetryInterval, func() {
		if browserMgr.ShouldRestart() {
			log.Info().Msg("browser has exceeded its restart interval, recycling before refresh")
			if err := browserMgr.Restart(bgCtx); err != nil {
				log.Warn().Err(err).Msg("periodic browser restart failed")
			}
		}
		if err := browserMgr.EnsureRunning(bgCtx); err != nil {
			log.Warn().Err(err).Msg("browser not available for WAF background refresh")
		}
	})

	keyValidator := apikeyvalidation.New(apikeyvalidation.Config{
		Enabled: cfg.APIKeyValidationEnabled,
		BaseURL: cfg.NewAPIURL,
		TTL:     cfg.APIKeyValidationCacheTTL,
	})

	handler := proxy.New(accountPool, siteRouter, wafCache, keyValidator, proxy.Config{
		MaxAccountRetries:       cfg.MaxAccountRetries,
		MaxRetriesWAF:           cfg.MaxRetriesWAF,
		MaxRetriesOpen:          cfg.MaxRetriesOpen,
		CapacityBackoff:         cfg.CapacityBackoff,
		ConnectTimeout:          10 * time.Second,
		ReadTimeoutNonStream:    cfg.DefaultTimeout,
		ReadTimeoutStream:       cfg.MaxTimeout,
		ForwardProxyURL:         cfg.HTTPProxyURL,
		APIKeyValidationEnabled: cfg.APIKeyValidationEnabled,
	})

	checkinClient := checkin.New(cfg.NewAPIURL)
	var auditLog *scheduler.AuditLog
	if cfg.CheckinAuditLogPath != "" {
		auditLog = scheduler.NewAuditLog(cfg.CheckinAuditLogPath)
		defer auditLog.Close()
	}
	prober := &siterouter.PrimaryProber{Router: siteRouter, Cookies: wafCache, ProxyURL: cfg.HTTPProxyURL}
	sched := scheduler.New(scheduler.Config{
		CheckinHour:         cfg.CheckinCronHour,
		CheckinMinute:       cfg.CheckinCronMinute,
		CheckinEnabled:      true,
		PrimaryCheckEnabled: cfg.PrimaryCheckEnabled,
		PrimaryCheckEvery:   cfg.PrimaryProbeInterval,
	}, checkinClient, prober, auditLog)
	sched.Start(bgCtx)
	defer sched.Stop()

	adminSrv := admin.New(admin.Config{
		Browser:      browserMgr,
		Accounts:     accountPool,
		Sites:        siteRouter,
		WAF:          wafCache,
		Keys:         keyValidator,
		Primary:      primary,
		ProxyURL:     cfg.HTTPProxyURL,
		RateLimitRPS: cfg.AdminRateLimitRPS,
	})

	adminAuth := middleware.AdminAuth(cfg.AdminToken, cfg.AdminTokenEnabled)
	wrapAdmin := func(h http.HandlerFunc) http.HandlerFunc {
		return adminAuth(h).ServeHTTP
	}

	mux := http.NewServeMux()
	adminSrv.Routes(mux, wrapAdmin)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/v1/", handler)

	var clientHandler http.Handler = mux
	clientHandler = middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins})(clientHandler)
	clientHandler = middleware.SecurityHeaders(clientHandler)

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().Int("requests_per_minute", cfg.RateLimitRPM).Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		clientHandler = rateLimiter.Handler()(clientHandler)
	}

	clientHandler = middleware.Timeout(cfg.MaxTimeout)(clientHandler)
	clientHandler = middleware.Logging(clientHandler)
	clientHandler = middleware.Recovery(clientHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           clientHandler,
		ReadTimeout:       cfg.MaxTimeout + 10*time.Second,
		WriteTimeout:      cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		go func() {
			log.Warn().Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().Str("address", addr).Str("primary_site", primary.Name).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("anyrouter-proxy is ready to accept requests")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("Shutting down...")
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	if rateLimiter != nil {
		rateLimiter.Close()
	}
	wafCache.Stop()
	browserMgr.Close()

	log.Info().Msg("Shutdown complete")
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printBanner() {
	banner := `
  __ _ _ __  _   _ _ __ ___  _   _| |_ ___ _ __
 / _' | '_ \| | | | '__/ _ \| | | | __/ _ \ '__|
| (_| | | | | |_| | | | (_) | |_| | ||  __/ |
 \__,_|_| |_|\__, |_|  \___/ \__,_|\__\___|_|
             |___/            proxy pool
`
	fmt.Println(banner)
	log.Info().Str("version", version.Full()).Str("go_version", version.GoVersion()).
		Msg("Starting anyrouter-proxy")
}
