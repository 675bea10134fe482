package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/mcpgate/internal/auth"
	"github.com/gaspardpetit/mcpgate/internal/builtins"
	"github.com/gaspardpetit/mcpgate/internal/config"
	"github.com/gaspardpetit/mcpgate/internal/dispatch"
	"github.com/gaspardpetit/mcpgate/internal/logx"
	"github.com/gaspardpetit/mcpgate/internal/metrics"
	"github.com/gaspardpetit/mcpgate/internal/ratelimit"
	"github.com/gaspardpetit/mcpgate/internal/redisx"
	"github.com/gaspardpetit/mcpgate/internal/registry"
	"github.com/gaspardpetit/mcpgate/internal/relay"
	"github.com/gaspardpetit/mcpgate/internal/server"
	"github.com/gaspardpetit/mcpgate/internal/serverstate"
	"github.com/gaspardpetit/mcpgate/internal/transport"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "mcpgate version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	if *showVersion {
		fmt.Printf("mcpgate version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if cfg.LogJSON {
		logx.ConfigureJSON(cfg.LogLevel)
	} else {
		logx.Configure(cfg.LogLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		relayStore relay.Store
		quotaStore ratelimit.Store
	)
	if cfg.RedisAddr != "" {
		client, err := redisx.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer closeRedis(client)
		serverstate.UseStore(serverstate.NewRedisStore(ctx, client))
		quotaStore = ratelimit.NewRedisStore(client)
		if !cfg.DisableSessions {
			relayStore = relay.NewRedisStore(client, cfg.SessionTTL)
		}
		logx.Log.Info().Msg("using redis for sessions, quotas and server state")
	} else {
		mem := ratelimit.NewMemoryStore()
		go pruneLoop(ctx, mem)
		quotaStore = mem
		if !cfg.DisableSessions {
			relayStore = relay.NewMemoryStore()
		}
	}

	reg := registry.New()
	if cfg.Builtins {
		if err := builtins.Register(reg, builtins.Info{Version: version, SHA: buildSHA, Date: buildDate}); err != nil {
			logx.Log.Fatal().Err(err).Msg("register builtins")
		}
	}

	var limiter dispatch.Limiter
	if cfg.RateLimit.Default.Limit > 0 || len(cfg.RateLimit.Tiers) > 0 {
		limiter = ratelimit.New(quotaStore, reg, ratelimit.Options{
			Default:  cfg.RateLimit.Default,
			Tiers:    cfg.RateLimit.Tiers,
			FailOpen: cfg.RateLimit.FailOpen,
		})
	}
	disp := dispatch.New(reg, limiter, dispatch.Options{ServerVersion: version})
	mcp := transport.New(disp, authenticator(cfg.Auth), relayStore, transport.Options{
		Path:             cfg.Path,
		PublicURL:        cfg.PublicURL,
		MaxBodyBytes:     cfg.MaxBodyBytes,
		RequestTimeout:   cfg.RequestTimeout,
		PollInterval:     cfg.PollInterval,
		IdleTimeout:      cfg.IdleTimeout,
		RelayBackoff:     cfg.RelayBackoff,
		RelayMaxFailures: cfg.RelayMaxFailures,
		KeepAlive:        cfg.KeepAlive,
		AllowedOrigins:   cfg.AllowedOrigins,
	})

	handler := server.New(*cfg, reg, mcp)
	metrics.SetBuildInfo(version, buildSHA, buildDate)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			mcp.Close()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			go drain(ctx, cancel, mcp, cfg.DrainTimeout)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.Auth.Enabled() {
		for k, v := range cfg.Auth.APIKeys {
			logx.Log.Info().Str("key", auth.Mask(k)).Str("tenant_id", v.TenantID).Msg("API key accepted")
		}
		if cfg.Auth.JWTSecret != "" {
			logx.Log.Info().Str("secret", auth.Mask(cfg.Auth.JWTSecret)).Str("cookie", cfg.Auth.SessionCookie).Msg("bearer tokens accepted")
		}
	} else {
		logx.Log.Warn().Msg("no credentials configured; every caller is anonymous")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	serverstate.SetState("ready")
	logx.Log.Info().Int("port", cfg.Port).Str("path", cfg.Path).Bool("sessions", relayStore != nil).Msg("gateway starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}

// drain waits for detached bridged calls, bounded by timeout unless it is
// negative, then stops the servers.
func drain(ctx context.Context, cancel context.CancelFunc, mcp *transport.Handler, timeout time.Duration) {
	waitCtx := ctx
	if timeout > 0 {
		var done context.CancelFunc
		waitCtx, done = context.WithTimeout(ctx, timeout)
		defer done()
	}
	if err := mcp.Wait(waitCtx); err != nil {
		logx.Log.Warn().Msg("drain timeout exceeded; terminating")
	} else {
		logx.Log.Info().Msg("drained")
	}
	cancel()
}

// authenticator builds the credential chain. Without configured credentials,
// or when anonymous access is allowed, unauthenticated callers fall through
// to the anonymous tenant.
func authenticator(a config.AuthConfig) auth.Authenticator {
	// Tokens go first: a bearer value that is not a JWT falls through to
	// the API keys.
	var chain auth.Chain
	if a.JWTSecret != "" {
		chain = append(chain, auth.NewJWT(a.JWTSecret, a.JWTIssuer))
		if a.SessionCookie != "" {
			chain = append(chain, auth.NewCookie(a.SessionCookie, a.JWTSecret, a.JWTIssuer))
		}
	}
	if len(a.APIKeys) > 0 {
		keys := auth.APIKeys{}
		for k, v := range a.APIKeys {
			keys[k] = auth.Principal{TenantID: v.TenantID, UserID: v.UserID, Scopes: v.Scopes}
		}
		chain = append(chain, keys)
	}
	if len(chain) == 0 || a.AllowAnonymous {
		chain = append(chain, auth.Anonymous{TenantID: "anonymous", Scopes: []string{"*"}})
	}
	return chain
}

func pruneLoop(ctx context.Context, m *ratelimit.MemoryStore) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Prune()
		}
	}
}

func closeRedis(c redis.UniversalClient) {
	if err := c.Close(); err != nil {
		logx.Log.Warn().Err(err).Msg("close redis")
	}
}
