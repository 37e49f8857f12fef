package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/chiroport/internal/api"
	"github.com/MGallo-Code/chiroport/internal/captcha"
	"github.com/MGallo-Code/chiroport/internal/config"
	"github.com/MGallo-Code/chiroport/internal/guard"
	"github.com/MGallo-Code/chiroport/internal/httpx"
	"github.com/MGallo-Code/chiroport/internal/identity"
	"github.com/MGallo-Code/chiroport/internal/metabase"
	"github.com/MGallo-Code/chiroport/internal/metrics"
	"github.com/MGallo-Code/chiroport/internal/ratelimit"
	"github.com/MGallo-Code/chiroport/internal/store"
	"github.com/MGallo-Code/chiroport/internal/waitwhile"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the CLI. With no subcommand it serves.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chiroport",
		Short:         "Walk-in intake API for airport chiropractic kiosks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
		&cobra.Command{
			Use:   "healthcheck",
			Short: "Check /api/health on the local port; exits non-zero unless 200",
			RunE:  healthcheck,
		},
	)
	return root
}

func serve(cmd *cobra.Command, _ []string) error {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		return err
	}

	logger, closeLog := buildLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)

	if cfg.CSRFSecretGenerated {
		slog.Warn("CSRF_SECRET not set; using a per-process secret, issued tokens will not survive a restart")
	}

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		return err
	}
	return nil
}

// buildLogger returns a JSON slog logger on stdout, teed to a rotating file
// when LOG_FILE is set. The returned func closes the file.
func buildLogger(cfg *config.Config) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closeFn = func() { lj.Close() }
	}

	level := cfg.SlogLevel()
	// Include source location in log entries at debug level only.
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})), closeFn
}

// healthcheck is for container HEALTHCHECK directives.
func healthcheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:"+cfg.Port+"/api/health", nil)
	if err != nil {
		return err
	}
	if cfg.HealthSecret != "" {
		req.Header.Set("x-health-secret", cfg.HealthSecret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

// counterStore is what run() needs from a rate-limit backend.
type counterStore interface {
	ratelimit.CounterStore
	api.HealthChecker
	Close() error
}

// openCounterStore builds the backend named by COUNTER_STORE.
func openCounterStore(ctx context.Context, cfg *config.Config) (counterStore, error) {
	switch cfg.CounterStore {
	case "redis":
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to set up redis client: %w", err)
		}
		return store.NewRedisCounterStore(rdb), nil
	case "bolt":
		bs, err := store.NewBoltCounterStore(cfg.BoltPath, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt counter store: %w", err)
		}
		return bs, nil
	default:
		return store.NewMemoryCounterStore(nil), nil
	}
}

// ruleSet maps the configured limits onto the edge's per-class rules.
func ruleSet(cfg *config.Config) guard.RuleSet {
	return guard.RuleSet{
		Submit: guard.Limit{Max: cfg.RateSubmitMax, Window: cfg.RateSubmitWindow},
		Health: guard.Limit{Max: cfg.RateHealthMax, Window: cfg.RateHealthWindow},
		API:    guard.Limit{Max: cfg.RateAPIMax, Window: cfg.RateAPIWindow},
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	counters, err := openCounterStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer counters.Close()

	limiter := ratelimit.New(counters, ratelimit.Options{
		FailOpen:     cfg.RateLimitFailOpen,
		StoreTimeout: cfg.RateLimitStoreTimeout,
		OnStoreError: func(error) {
			metrics.RateLimitStoreErrors.WithLabelValues(cfg.CounterStore).Inc()
		},
	})
	edge := guard.NewEdge(limiter, ruleSet(cfg), cfg.CSPExtraOrigins...)

	csrf, err := guard.NewCSRFGuard([]byte(cfg.CSRFSecret), guard.CSRFOptions{
		Secure:  cfg.IsProduction(),
		Enforce: cfg.CSRFEnforce,
		TTL:     cfg.CSRFTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to set up csrf guard: %w", err)
	}

	h := &api.Handler{
		CSRF:         csrf,
		Counters:     counters,
		HealthSecret: cfg.HealthSecret,
		Production:   cfg.IsProduction(),
		Started:      time.Now(),
	}

	// Profiles live in the identity provider's database; optional.
	if cfg.DatabaseURL != "" {
		ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to set up postgres store: %w", err)
		}
		defer ps.Close()
		h.Profiles = ps
		h.Database = ps
	}

	if cfg.WaitwhileAPIKey != "" {
		wc, err := waitwhile.New(waitwhile.Config{
			APIKey:  cfg.WaitwhileAPIKey,
			BaseURL: cfg.WaitwhileBaseURL,
			Timeout: cfg.WaitwhileTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to set up waitwhile client: %w", err)
		}
		h.Queue = wc
	} else {
		slog.Warn("WAITWHILE_API_KEY not set; queue endpoints will return 503")
	}

	switch {
	case cfg.OIDCIssuer != "":
		p, err := identity.NewOIDCProvider(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("failed to set up oidc provider: %w", err)
		}
		h.Identity = p
	case cfg.IdentityURL != "":
		h.Identity = identity.NewHTTPProvider(cfg.IdentityURL, cfg.IdentityAPIKey)
	}

	if cfg.MetabaseSiteURL != "" {
		signer, err := metabase.NewSigner(cfg.MetabaseSiteURL, cfg.MetabaseSecretKey, cfg.MetabaseDashboardID, cfg.MetabaseEmbedTTL)
		if err != nil {
			return fmt.Errorf("failed to set up metabase signer: %w", err)
		}
		h.Embed = signer
	}

	if cfg.TurnstileSecret != "" {
		h.Captcha = captcha.NewTurnstileVerifier(cfg.TurnstileSecret)
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, edge, cfg.MetricsEnabled),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// bbolt only sweeps expired windows under traffic; the ticker covers idle stretches.
	// Cancelled via cleanupCtx when run() returns.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	if bs, ok := counters.(*store.BoltCounterStore); ok {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					n, err := bs.Purge()
					if err != nil {
						slog.Warn("counter purge failed", "error", err)
					} else if n > 0 {
						slog.Debug("counter purge complete", "deleted", n)
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("chiroport listening",
			"addr", ln.Addr().String(),
			"environment", cfg.Environment,
			"counter_store", cfg.CounterStore,
			"csrf_enforce", cfg.CSRFEnforce,
			"captcha", h.Captcha != nil,
		)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting, then waits for in-flight requests or the timeout.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *api.Handler, edge *guard.Edge, metricsEnabled bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	// No RealIP: the edge resolves client IPs from forwarding headers itself.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(edge.Middleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.NotFound(w, "not found")
	})
	r.MethodNotAllowed(httpx.MethodNotAllowed)

	h.Routes(r)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}
